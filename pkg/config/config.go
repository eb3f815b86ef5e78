package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	DB         DBConfig         `yaml:"db"`
	Media      MediaConfig      `yaml:"media"`
	Gemini     GeminiConfig     `yaml:"gemini"`
	Generation GenerationConfig `yaml:"generation"`
	Timeline   TimelineConfig   `yaml:"timeline"`
	Sequencer  SequencerConfig  `yaml:"sequencer"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Merge      MergeConfig      `yaml:"merge"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Server   LogSettings `yaml:"server"`
	Requests LogSettings `yaml:"requests"`
	Events   LogSettings `yaml:"events"`
	Gemini   LogSettings `yaml:"gemini"`
}

// LogSettings holds settings for a specific logger.
type LogSettings struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// DBConfig holds database settings.
type DBConfig struct {
	Path string `yaml:"path"`
}

// MediaConfig controls where generated and merged media live on disk.
type MediaConfig struct {
	Dir        string   `yaml:"dir"`
	WorkDir    string   `yaml:"work_dir"`    // downloaded clips kept for continuation
	PruneAfter Duration `yaml:"prune_after"` // unreferenced media older than this is removed at start-up
}

// GeminiConfig holds settings for the generative service.
type GeminiConfig struct {
	Key          string   `yaml:"key"`           // API Key
	VideoModel   string   `yaml:"video_model"`   // e.g. "veo-3.1-fast-generate-preview"
	ScriptModel  string   `yaml:"script_model"`  // e.g. "gemini-2.5-flash"
	SpeechModel  string   `yaml:"speech_model"`  // e.g. "gemini-2.5-flash-preview-tts"
	Voice        string   `yaml:"voice"`         // prebuilt voice name
	PollInterval Duration `yaml:"poll_interval"` // video operation polling
}

// GenerationConfig holds scene generation defaults and retry policy.
type GenerationConfig struct {
	AspectRatio   string        `yaml:"aspect_ratio"`
	Resolution    string        `yaml:"resolution"`
	FrameRate     int           `yaml:"frame_rate"`
	Style         string        `yaml:"style"`
	MaxAttempts   int           `yaml:"max_attempts"`
	QuotaCooldown Duration      `yaml:"quota_cooldown"`
	Backoff       BackoffConfig `yaml:"backoff"`
}

// BackoffConfig holds exponential backoff settings.
type BackoffConfig struct {
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

// TimelineConfig bounds scene durations.
type TimelineConfig struct {
	MinDuration     int `yaml:"min_duration"`
	MaxDuration     int `yaml:"max_duration"`
	DefaultDuration int `yaml:"default_duration"`
}

// SequencerConfig holds auto-generation settings.
type SequencerConfig struct {
	MaxCount int      `yaml:"max_count"`
	Throttle Duration `yaml:"throttle"`
}

// PlaybackConfig holds playback scheduler settings.
type PlaybackConfig struct {
	TransitionWindow Duration `yaml:"transition_window"`
	Loop             bool     `yaml:"loop"`
}

// MergeConfig holds settings for the audio/video merge engine.
type MergeConfig struct {
	FFmpegPath    string `yaml:"ffmpeg_path"`
	FFprobePath   string `yaml:"ffprobe_path"`
	MaxConcurrent int    `yaml:"max_concurrent"` // 0 = physical CPU count
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address: "localhost:1921",
		},
		Log: LogConfig{
			Server: LogSettings{
				Path:  "./logs/server.log",
				Level: "INFO",
			},
			Requests: LogSettings{
				Path:  "./logs/requests.log",
				Level: "INFO",
			},
			Events: LogSettings{
				Path:  "./logs/events.log",
				Level: "INFO",
			},
			Gemini: LogSettings{
				Path:  "./logs/gemini.log",
				Level: "INFO",
			},
		},
		DB: DBConfig{
			Path: "./data/cinesuite.db",
		},
		Media: MediaConfig{
			Dir:        "./data/media",
			WorkDir:    "./data/work",
			PruneAfter: Duration(Day),
		},
		Gemini: GeminiConfig{
			VideoModel:   "veo-3.1-fast-generate-preview",
			ScriptModel:  "gemini-2.5-flash",
			SpeechModel:  "gemini-2.5-flash-preview-tts",
			Voice:        "Kore",
			PollInterval: Duration(10 * time.Second),
		},
		Generation: GenerationConfig{
			AspectRatio:   "16:9",
			Resolution:    "720p",
			FrameRate:     24,
			Style:         "cinematic",
			MaxAttempts:   3,
			QuotaCooldown: Duration(60 * time.Second),
			Backoff: BackoffConfig{
				BaseDelay: Duration(2 * time.Second),
				MaxDelay:  Duration(30 * time.Second),
			},
		},
		Timeline: TimelineConfig{
			MinDuration:     1,
			MaxDuration:     15,
			DefaultDuration: 5,
		},
		Sequencer: SequencerConfig{
			MaxCount: 20,
			Throttle: Duration(5 * time.Second),
		},
		Playback: PlaybackConfig{
			TransitionWindow: Duration(800 * time.Millisecond),
			Loop:             false,
		},
		Merge: MergeConfig{
			FFmpegPath:    "ffmpeg",
			FFprobePath:   "ffprobe",
			MaxConcurrent: 0,
		},
	}
}

// Load loads the configuration from the given path.
// If the file does not exist, it creates it with default values.
// If the file exists, defaults are merged with its values but nothing is written back.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if err := Save(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to save config file: %w", err)
	}

	// Env fallback, never persisted
	if cfg.Gemini.Key == "" {
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			cfg.Gemini.Key = key
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var aspectRatioRe = regexp.MustCompile(`^\d+:\d+$`)

// Validate checks value ranges that the rest of the application relies on.
func (c *Config) Validate() error {
	t := c.Timeline
	if t.MinDuration < 1 || t.MaxDuration < t.MinDuration {
		return fmt.Errorf("invalid timeline duration range [%d,%d]", t.MinDuration, t.MaxDuration)
	}
	if t.DefaultDuration < t.MinDuration || t.DefaultDuration > t.MaxDuration {
		return fmt.Errorf("timeline default_duration %d outside [%d,%d]", t.DefaultDuration, t.MinDuration, t.MaxDuration)
	}
	if c.Sequencer.MaxCount < 1 {
		return fmt.Errorf("sequencer max_count must be positive, got %d", c.Sequencer.MaxCount)
	}
	if c.Generation.MaxAttempts < 1 {
		return fmt.Errorf("generation max_attempts must be positive, got %d", c.Generation.MaxAttempts)
	}
	if !aspectRatioRe.MatchString(c.Generation.AspectRatio) {
		return fmt.Errorf("invalid aspect_ratio format '%s': must be 'W:H' (e.g. '16:9')", c.Generation.AspectRatio)
	}
	return nil
}

// Save writes the configuration to the path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Cinesuite Configuration
# -----------------------
# Supported Units:
#   Duration: ns, us (or µs), ms, s, m, h, d (day), w (week)
# Scene durations (timeline.*) are whole seconds.

`)
	data = append(header, data...)

	reAspect := regexp.MustCompile(`(?m)^(\s+)aspect_ratio:`)
	data = reAspect.ReplaceAll(data, []byte("${1}# Options: 16:9, 9:16\n${1}aspect_ratio:"))

	reConc := regexp.MustCompile(`(?m)^(\s+)max_concurrent:`)
	data = reConc.ReplaceAll(data, []byte("${1}# 0 = one merge per physical CPU core\n${1}max_concurrent:"))

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateDefault creates a default config file at the given path.
// Returns nil if the file already exists.
func GenerateDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return Save(path, DefaultConfig())
}
