package model

import (
	"time"
)

// Transition is the visual transition INTO a scene from its predecessor.
// It is meaningless on the first scene of a timeline.
type Transition string

const (
	TransitionCut   Transition = "cut"
	TransitionFade  Transition = "fade"
	TransitionSlide Transition = "slide"
)

// Next advances cut -> fade -> slide -> cut. Unknown values restart at cut.
func (t Transition) Next() Transition {
	switch t {
	case TransitionCut:
		return TransitionFade
	case TransitionFade:
		return TransitionSlide
	default:
		return TransitionCut
	}
}

// Valid reports whether t is one of the known transitions.
func (t Transition) Valid() bool {
	return t == TransitionCut || t == TransitionFade || t == TransitionSlide
}

// AudioState is the derived audio/merge state of a scene.
type AudioState string

const (
	AudioNone    AudioState = "none"    // no narration attached
	AudioPending AudioState = "pending" // audio attached, merge pending or failed
	AudioMerged  AudioState = "merged"  // audio attached and merged
)

// Scene is one generated clip plus its optional narration and merge state.
type Scene struct {
	ID              string     `json:"id"`               // UUIDv7, creation ordered
	VideoURL        string     `json:"video_url"`        // local media handle, owned by the scene
	GenerationAsset string     `json:"generation_asset"` // opaque continuation token from the generator
	Prompt          string     `json:"prompt"`
	Duration        int        `json:"duration"` // declared playback seconds
	Transition      Transition `json:"transition"`

	AudioURL    string `json:"audio_url,omitempty"`
	AudioScript string `json:"audio_script,omitempty"`
	MergedURL   string `json:"merged_url,omitempty"`
	IsMerging   bool   `json:"is_merging"`

	CreatedAt time.Time `json:"created_at"`
}

// AudioState derives which of the three audio states the scene is in.
func (s *Scene) AudioState() AudioState {
	switch {
	case s.AudioURL == "":
		return AudioNone
	case s.MergedURL == "":
		return AudioPending
	default:
		return AudioMerged
	}
}

// PlaybackURL returns the asset used for playback and export.
func (s *Scene) PlaybackURL() string {
	if s.MergedURL != "" {
		return s.MergedURL
	}
	return s.VideoURL
}

// MediaURLs lists every media handle owned by the scene.
func (s *Scene) MediaURLs() []string {
	var urls []string
	for _, u := range []string{s.VideoURL, s.AudioURL, s.MergedURL} {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// Settings are the generation settings saved alongside a project.
type Settings struct {
	AspectRatio    string `json:"aspect_ratio"`
	Resolution     string `json:"resolution"`
	FrameRate      int    `json:"frame_rate"`
	Style          string `json:"style"`
	CharacterLock  string `json:"character_lock,omitempty"`
	Voice          string `json:"voice,omitempty"`
	Loop           bool   `json:"loop"`
	AutoNarrate    bool   `json:"auto_narrate"`
	SequenceCount  int    `json:"sequence_count,omitempty"`
	ContinueChains bool   `json:"continue_chains"`
}

// Project is a saved snapshot of a timeline plus its settings.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Scenes    []Scene   `json:"scenes"`
	Settings  Settings  `json:"settings"`
	CreatedAt time.Time `json:"created_at"`
}

// ProjectSummary is the listing form of a Project.
type ProjectSummary struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	SceneCount    int       `json:"scene_count"`
	TotalDuration int       `json:"total_duration"`
	CreatedAt     time.Time `json:"created_at"`
}
