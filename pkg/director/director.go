// Package director turns scene requests into timeline scenes: it generates
// the clip, stores it in the media library and appends it, and attaches
// narration to existing scenes before handing them to the merge coordinator.
package director

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"cinesuite/pkg/config"
	"cinesuite/pkg/generator"
	"cinesuite/pkg/media"
	"cinesuite/pkg/model"
	"cinesuite/pkg/prompt"
	"cinesuite/pkg/timeline"
)

// SceneRequest describes one scene to generate.
type SceneRequest struct {
	Description   string           `json:"description" validate:"required,max=4000"`
	ImagePath     string           `json:"-"`
	AspectRatio   string           `json:"aspect_ratio,omitempty" validate:"omitempty,oneof=16:9 9:16"`
	Resolution    string           `json:"resolution,omitempty" validate:"omitempty,oneof=720p 1080p"`
	FrameRate     int              `json:"frame_rate,omitempty" validate:"omitempty,min=1,max=60"`
	Style         string           `json:"style,omitempty" validate:"max=200"`
	CharacterLock string           `json:"character_lock,omitempty" validate:"max=1000"`
	Duration      int              `json:"duration,omitempty" validate:"omitempty,min=1,max=60"`
	Transition    model.Transition `json:"transition,omitempty" validate:"omitempty,oneof=cut fade slide"`
	ContinueFrom  string           `json:"continue_from,omitempty"` // scene ID
	Seed          *int32           `json:"seed,omitempty"`
}

// NarrateOptions controls narration of an existing scene.
type NarrateOptions struct {
	Script string `json:"script,omitempty" validate:"max=2000"` // empty: write one
	Voice  string `json:"voice,omitempty" validate:"max=64"`
	Style  string `json:"style,omitempty" validate:"max=200"`
}

// Timeline is the part of the timeline the director works with.
type Timeline interface {
	Append(s model.Scene) int
	At(index int) (model.Scene, bool)
	Scene(id string) (model.Scene, bool)
	IndexOf(id string) int
	Patch(id string, p timeline.Patch) error
	BeginWork(id string) error
	EndWork(id string)
}

// Library stores generated files.
type Library interface {
	Import(src string) (string, error)
	Resolve(handle string) (string, error)
	Exists(handle string) bool
	Release(handles ...string)
}

// Merger merges a scene's narration into its clip.
type Merger interface {
	MergeScene(ctx context.Context, id string) error
}

// Director produces scenes.
type Director struct {
	tl       Timeline
	gen      generator.Generator
	lib      Library
	merger   Merger
	prompts  *prompt.Builder
	defaults config.GenerationConfig
	voice    string

	mu      sync.Mutex
	notify  func(model.TimelineEvent)
	wg      sync.WaitGroup
	baseCtx context.Context
}

// New creates a Director. ctx bounds detached narration work.
func New(ctx context.Context, tl Timeline, gen generator.Generator, lib Library, merger Merger, prompts *prompt.Builder, defaults config.GenerationConfig, voice string) *Director {
	return &Director{
		tl:       tl,
		gen:      gen,
		lib:      lib,
		merger:   merger,
		prompts:  prompts,
		defaults: defaults,
		voice:    voice,
		baseCtx:  ctx,
	}
}

// OnEvent registers a callback for generation error events. Only background
// work reports; synchronous callers get the error returned instead.
func (d *Director) OnEvent(fn func(model.TimelineEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notify = fn
}

func (d *Director) reportError(op, sceneID string, err error) {
	d.mu.Lock()
	fn := d.notify
	d.mu.Unlock()
	if fn == nil {
		return
	}
	ge := generator.Classify(op, err)
	ev := model.TimelineEvent{
		Type:      model.EventGenerationError,
		SceneID:   sceneID,
		Index:     -1,
		Message:   ge.UserMessage(),
		Data:      map[string]any{"kind": ge.Kind, "op": op, "retry_after_s": int(ge.RetryAfter.Seconds())},
		Timestamp: time.Now(),
	}
	if sceneID != "" {
		ev.Index = d.tl.IndexOf(sceneID)
	}
	fn(ev)
}

func (d *Director) withDefaults(req SceneRequest) SceneRequest {
	if req.AspectRatio == "" {
		req.AspectRatio = d.defaults.AspectRatio
	}
	if req.Resolution == "" {
		req.Resolution = d.defaults.Resolution
	}
	if req.FrameRate == 0 {
		req.FrameRate = d.defaults.FrameRate
	}
	if req.Style == "" {
		req.Style = d.defaults.Style
	}
	return req
}

// GenerateScene generates one clip and appends it to the timeline.
// Nothing is appended when any step fails. The generator's clip file is
// removed once the library holds a copy.
func (d *Director) GenerateScene(ctx context.Context, req SceneRequest) (model.Scene, error) {
	req = d.withDefaults(req)

	vd := prompt.VideoData{
		Description:   req.Description,
		Style:         req.Style,
		CharacterLock: req.CharacterLock,
	}
	var continuation string
	if req.ContinueFrom != "" {
		prev, ok := d.tl.Scene(req.ContinueFrom)
		if !ok {
			return model.Scene{}, fmt.Errorf("continue from %s: %w", req.ContinueFrom, timeline.ErrNotFound)
		}
		continuation = d.continuationAsset(prev.GenerationAsset)
		vd.Continuation = continuation != ""
		vd.Previous = prev.Prompt
	}

	text, err := d.prompts.Video(vd)
	if err != nil {
		return model.Scene{}, err
	}

	res, err := d.gen.GenerateVideo(ctx, generator.VideoRequest{
		Prompt:        text,
		ImagePath:     req.ImagePath,
		AspectRatio:   req.AspectRatio,
		Resolution:    req.Resolution,
		FrameRate:     req.FrameRate,
		Style:         req.Style,
		CharacterLock: req.CharacterLock,
		Continuation:  continuation,
		Seed:          req.Seed,
		DurationHint:  req.Duration,
	})
	if err != nil {
		return model.Scene{}, err
	}

	handle, err := d.lib.Import(res.Path)
	if rmErr := os.Remove(res.Path); rmErr != nil && !os.IsNotExist(rmErr) {
		slog.Warn("Director: failed to remove generated clip", "path", res.Path, "error", rmErr)
	}
	if err != nil {
		return model.Scene{}, fmt.Errorf("store clip: %w", err)
	}

	// The library copy is the continuation source unless the generator
	// handed out its own token.
	asset := res.Asset
	if asset == "" || asset == res.Path {
		asset = handle
	}

	idx := d.tl.Append(model.Scene{
		VideoURL:        handle,
		GenerationAsset: asset,
		Prompt:          prompt.Sanitize(req.Description),
		Duration:        req.Duration,
		Transition:      req.Transition,
	})
	scene, _ := d.tl.At(idx)
	slog.Info("Director: scene generated", "id", scene.ID, "index", idx, "continued", continuation != "")
	return scene, nil
}

// continuationAsset maps a stored generation asset to what the generator
// takes as Continuation. Library handles resolve to their file, or to
// nothing once released; anything else is an opaque generator token.
func (d *Director) continuationAsset(asset string) string {
	if asset == "" {
		return ""
	}
	p, err := d.lib.Resolve(asset)
	if err != nil {
		return asset
	}
	if !d.lib.Exists(asset) {
		slog.Warn("Director: continuation source was released, generating without it", "asset", asset)
		return ""
	}
	return p
}

// Narrate writes (unless supplied) and synthesizes a narration for the
// scene, attaches it and merges it into the clip. A merge failure does not
// fail the narration; the scene keeps its audio unmerged.
//
// The scene reports IsMerging from the start of narration until the merge
// attempt resolved or narration failed.
func (d *Director) Narrate(ctx context.Context, id string, opts NarrateOptions) error {
	if err := d.tl.BeginWork(id); err != nil {
		return fmt.Errorf("%w: %s", timeline.ErrNotFound, id)
	}
	defer d.tl.EndWork(id)
	return d.narrate(ctx, id, opts)
}

func (d *Director) narrate(ctx context.Context, id string, opts NarrateOptions) error {
	scene, ok := d.tl.Scene(id)
	if !ok {
		return fmt.Errorf("%w: %s", timeline.ErrNotFound, id)
	}

	script := prompt.Sanitize(opts.Script)
	if script == "" {
		style := opts.Style
		if style == "" {
			style = d.defaults.Style
		}
		var err error
		script, err = d.gen.GenerateScript(ctx, scene.Prompt, style)
		if err != nil {
			return classified(generator.OpScript, err)
		}
	}

	voice := opts.Voice
	if voice == "" {
		voice = d.voice
	}
	audioPath, err := d.gen.GenerateSpeech(ctx, script, voice)
	if err != nil {
		return classified(generator.OpSpeech, err)
	}
	defer os.Remove(audioPath)

	// Video is the timing master: a longer narration is cut at the scene end.
	if over, ok := narrationOverrun(audioPath, scene.Duration); ok {
		slog.Warn("Director: narration runs past the scene end", "scene", id, "over", over)
	}

	handle, err := d.lib.Import(audioPath)
	if err != nil {
		return fmt.Errorf("store narration: %w", err)
	}

	if err := d.tl.Patch(id, timeline.Patch{AudioURL: &handle, AudioScript: &script}); err != nil {
		// Scene was removed while we worked
		d.lib.Release(handle)
		return err
	}

	if d.merger == nil {
		return nil
	}
	// The coordinator reports merge failures itself.
	if err := d.merger.MergeScene(ctx, id); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		slog.Warn("Director: narration attached but merge failed", "scene", id, "error", err)
	}
	return nil
}

// classified tags err with op so background reporting keeps the failing step.
func classified(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return generator.Classify(op, err)
}

// narrationOverrun reports how far the narration at path outlasts a scene of
// secs seconds. Undecodable audio is never reported.
func narrationOverrun(path string, secs int) (time.Duration, bool) {
	d, err := media.AudioDuration(path)
	if err != nil {
		slog.Debug("Director: narration length unknown", "path", path, "error", err)
		return 0, false
	}
	over := d - time.Duration(secs)*time.Second
	return over, secs > 0 && over > 0
}

// NarrateAsync narrates a scene in the background. The scene reports
// IsMerging from the moment of the call. Failures surface as generation
// error events.
func (d *Director) NarrateAsync(id string, opts NarrateOptions) {
	if err := d.tl.BeginWork(id); err != nil {
		slog.Warn("Director: narration requested for unknown scene", "scene", id)
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.tl.EndWork(id)
		if err := d.narrate(d.baseCtx, id, opts); err != nil {
			slog.Warn("Director: background narration failed", "scene", id, "error", err)
			var ge *generator.Error
			if errors.As(err, &ge) {
				d.reportError(ge.Op, id, ge)
			}
		}
	}()
}

// GenerateAsync generates a scene in the background. Failures surface as
// generation error events.
func (d *Director) GenerateAsync(req SceneRequest) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.GenerateScene(d.baseCtx, req); err != nil {
			slog.Warn("Director: background generation failed", "error", err)
			if !errors.Is(err, context.Canceled) {
				d.reportError(generator.OpVideo, "", err)
			}
		}
	}()
}

// Wait blocks until background generations and narrations finished.
func (d *Director) Wait() {
	d.wg.Wait()
}
