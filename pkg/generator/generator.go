// Package generator defines the contract of the scene asset generator
// (video clips, narration scripts, speech) and the error policy every
// call runs under.
package generator

import "context"

// Operation names, also used as tracker keys.
const (
	OpVideo  = "video"
	OpScript = "script"
	OpSpeech = "speech"
)

// VideoRequest describes one clip to generate.
type VideoRequest struct {
	Prompt        string
	ImagePath     string // optional first frame
	AspectRatio   string
	Resolution    string
	FrameRate     int
	Style         string
	CharacterLock string
	Continuation  string // generation asset of the clip to continue from
	Seed          *int32
	DurationHint  int // seconds, best effort
}

// VideoResult is a finished clip on local disk.
type VideoResult struct {
	Path  string // local file, owned and removed by the caller
	Asset string // opaque continuation handle; empty when the clip itself serves
}

// Generator produces scene assets. Implementations return raw provider
// errors; Classify maps them onto the taxonomy.
type Generator interface {
	GenerateVideo(ctx context.Context, req VideoRequest) (VideoResult, error)
	GenerateScript(ctx context.Context, description, style string) (string, error)
	GenerateSpeech(ctx context.Context, text, voice string) (string, error)
}

// Guarded runs every call of an inner Generator through a Session, adding
// cooldown enforcement, transient retries and classified errors.
type Guarded struct {
	inner   Generator
	session *Session
}

// NewGuarded wraps g with the session policy.
func NewGuarded(g Generator, s *Session) *Guarded {
	return &Guarded{inner: g, session: s}
}

func (g *Guarded) GenerateVideo(ctx context.Context, req VideoRequest) (VideoResult, error) {
	var res VideoResult
	err := g.session.Do(ctx, OpVideo, func(ctx context.Context) error {
		var err error
		res, err = g.inner.GenerateVideo(ctx, req)
		return err
	})
	if err != nil {
		return VideoResult{}, err
	}
	return res, nil
}

func (g *Guarded) GenerateScript(ctx context.Context, description, style string) (string, error) {
	var text string
	err := g.session.Do(ctx, OpScript, func(ctx context.Context) error {
		var err error
		text, err = g.inner.GenerateScript(ctx, description, style)
		return err
	})
	return text, err
}

func (g *Guarded) GenerateSpeech(ctx context.Context, text, voice string) (string, error) {
	var path string
	err := g.session.Do(ctx, OpSpeech, func(ctx context.Context) error {
		var err error
		path, err = g.inner.GenerateSpeech(ctx, text, voice)
		return err
	})
	return path, err
}
