package director

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cinesuite/pkg/config"
	"cinesuite/pkg/generator"
	"cinesuite/pkg/media"
	"cinesuite/pkg/model"
	"cinesuite/pkg/prompt"
	"cinesuite/pkg/timeline"
)

type fakeGen struct {
	dir       string
	videoErr  error
	speechErr error
	// speechGate, when set, holds GenerateSpeech until closed
	speechGate    chan struct{}
	speechStarted chan struct{}

	mu       sync.Mutex
	requests []generator.VideoRequest
	scripts  int
	voices   []string
}

func (f *fakeGen) GenerateVideo(_ context.Context, req generator.VideoRequest) (generator.VideoResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()
	if f.videoErr != nil {
		return generator.VideoResult{}, f.videoErr
	}
	p := filepath.Join(f.dir, "clip"+string(rune('0'+n))+".mp4")
	if err := os.WriteFile(p, []byte("clip"), 0o644); err != nil {
		return generator.VideoResult{}, err
	}
	return generator.VideoResult{Path: p, Asset: p}, nil
}

func (f *fakeGen) GenerateScript(_ context.Context, description, _ string) (string, error) {
	f.mu.Lock()
	f.scripts++
	f.mu.Unlock()
	return "Narration for " + description, nil
}

func (f *fakeGen) GenerateSpeech(_ context.Context, _, voice string) (string, error) {
	f.mu.Lock()
	f.voices = append(f.voices, voice)
	f.mu.Unlock()
	if f.speechGate != nil {
		f.speechStarted <- struct{}{}
		<-f.speechGate
	}
	if f.speechErr != nil {
		return "", f.speechErr
	}
	p := filepath.Join(f.dir, "speech.wav")
	return p, os.WriteFile(p, []byte("wav"), 0o644)
}

type fakeMerger struct {
	err   error
	calls []string
}

func (m *fakeMerger) MergeScene(_ context.Context, id string) error {
	m.calls = append(m.calls, id)
	return m.err
}

func newTestDirector(t *testing.T) (*Director, *timeline.Manager, *fakeGen, *fakeMerger, *media.Library) {
	t.Helper()
	lib, err := media.NewLibrary(t.TempDir())
	require.NoError(t, err)
	tl := timeline.NewManager(timeline.Limits{Min: 1, Max: 15, Default: 5}, lib)
	gen := &fakeGen{dir: t.TempDir()}
	merger := &fakeMerger{}
	pb, err := prompt.NewBuilder()
	require.NoError(t, err)
	defaults := config.DefaultConfig().Generation
	d := New(context.Background(), tl, gen, lib, merger, pb, defaults, "Kore")
	return d, tl, gen, merger, lib
}

func TestGenerateScene(t *testing.T) {
	d, tl, gen, _, lib := newTestDirector(t)

	scene, err := d.GenerateScene(context.Background(), SceneRequest{Description: "a <b>red</b> kite", Duration: 30})
	require.NoError(t, err)

	assert.Equal(t, 1, tl.SceneCount())
	assert.Equal(t, "a red kite", scene.Prompt)
	assert.Equal(t, 15, scene.Duration)
	assert.True(t, lib.Exists(scene.VideoURL))
	assert.Equal(t, scene.VideoURL, scene.GenerationAsset, "library copy is the continuation asset")

	_, err = os.Stat(filepath.Join(gen.dir, "clip1.mp4"))
	assert.True(t, os.IsNotExist(err), "generator clip removed after import")

	require.Len(t, gen.requests, 1)
	req := gen.requests[0]
	assert.Equal(t, "16:9", req.AspectRatio)
	assert.Equal(t, "720p", req.Resolution)
	assert.Equal(t, 24, req.FrameRate)
	assert.Contains(t, req.Prompt, "Visual style: cinematic.")
	assert.Empty(t, req.Continuation)
}

func TestGenerateScene_Continuation(t *testing.T) {
	d, tl, gen, _, lib := newTestDirector(t)

	first, err := d.GenerateScene(context.Background(), SceneRequest{Description: "the hero walks"})
	require.NoError(t, err)
	_, err = d.GenerateScene(context.Background(), SceneRequest{Description: "the hero turns", ContinueFrom: first.ID})
	require.NoError(t, err)

	require.Len(t, gen.requests, 2)
	want, err := lib.Resolve(first.VideoURL)
	require.NoError(t, err)
	assert.Equal(t, want, gen.requests[1].Continuation)
	_, err = os.Stat(gen.requests[1].Continuation)
	assert.NoError(t, err, "continuation source survives the work file cleanup")
	assert.Contains(t, gen.requests[1].Prompt, "Previous shot: the hero walks")

	_, err = d.GenerateScene(context.Background(), SceneRequest{Description: "x", ContinueFrom: "missing"})
	assert.ErrorIs(t, err, timeline.ErrNotFound)

	// A released clip no longer seeds a continuation
	lib.Release(first.VideoURL)
	_, err = d.GenerateScene(context.Background(), SceneRequest{Description: "z", ContinueFrom: first.ID})
	require.NoError(t, err)
	assert.Empty(t, gen.requests[len(gen.requests)-1].Continuation)

	// Opaque generator tokens pass through unchanged
	require.NoError(t, tl.Patch(first.ID, timeline.Patch{GenerationAsset: timeline.Ptr("veo-op-123")}))
	_, err = d.GenerateScene(context.Background(), SceneRequest{Description: "y", ContinueFrom: first.ID})
	require.NoError(t, err)
	assert.Equal(t, "veo-op-123", gen.requests[len(gen.requests)-1].Continuation)
}

func TestGenerateScene_FailureAppendsNothing(t *testing.T) {
	d, tl, gen, _, _ := newTestDirector(t)
	gen.videoErr = &generator.Error{Kind: generator.KindContentSafetyBlocked, Err: errors.New("blocked")}

	var events []model.TimelineEvent
	d.OnEvent(func(ev model.TimelineEvent) { events = append(events, ev) })

	_, err := d.GenerateScene(context.Background(), SceneRequest{Description: "x"})
	require.Error(t, err)
	assert.Equal(t, 0, tl.SceneCount())
	assert.Empty(t, events, "synchronous callers report the returned error themselves")

	d.GenerateAsync(SceneRequest{Description: "x"})
	d.Wait()
	assert.Equal(t, 0, tl.SceneCount())
	require.Len(t, events, 1)
	assert.Equal(t, model.EventGenerationError, events[0].Type)
	assert.Equal(t, generator.KindContentSafetyBlocked.UserMessage(), events[0].Message)
}

func TestNarrate(t *testing.T) {
	d, tl, gen, merger, lib := newTestDirector(t)
	scene, err := d.GenerateScene(context.Background(), SceneRequest{Description: "a harbour"})
	require.NoError(t, err)

	require.NoError(t, d.Narrate(context.Background(), scene.ID, NarrateOptions{}))

	s, _ := tl.Scene(scene.ID)
	assert.Equal(t, "Narration for a harbour", s.AudioScript)
	assert.True(t, lib.Exists(s.AudioURL))
	assert.Equal(t, model.AudioPending, s.AudioState())
	assert.Equal(t, []string{scene.ID}, merger.calls)
	assert.Equal(t, []string{"Kore"}, gen.voices)
	assert.Equal(t, 1, gen.scripts)

	// supplied script skips writing one
	require.NoError(t, d.Narrate(context.Background(), scene.ID, NarrateOptions{Script: "Custom line", Voice: "Puck"}))
	s, _ = tl.Scene(scene.ID)
	assert.Equal(t, "Custom line", s.AudioScript)
	assert.Equal(t, 1, gen.scripts)
	assert.Equal(t, "Puck", gen.voices[1])
}

func TestNarrate_MergeFailureKeepsAudio(t *testing.T) {
	d, tl, _, merger, _ := newTestDirector(t)
	merger.err = errors.New("merge capture: boom")
	scene, err := d.GenerateScene(context.Background(), SceneRequest{Description: "a harbour"})
	require.NoError(t, err)

	require.NoError(t, d.Narrate(context.Background(), scene.ID, NarrateOptions{}))
	s, _ := tl.Scene(scene.ID)
	assert.NotEmpty(t, s.AudioURL)
	assert.Empty(t, s.MergedURL)
}

func TestNarrate_Errors(t *testing.T) {
	d, tl, gen, _, _ := newTestDirector(t)
	assert.ErrorIs(t, d.Narrate(context.Background(), "missing", NarrateOptions{}), timeline.ErrNotFound)

	scene, err := d.GenerateScene(context.Background(), SceneRequest{Description: "a harbour"})
	require.NoError(t, err)
	gen.speechErr = errors.New("503 unavailable")
	require.Error(t, d.Narrate(context.Background(), scene.ID, NarrateOptions{}))
	s, _ := tl.Scene(scene.ID)
	assert.Equal(t, model.AudioNone, s.AudioState())
}

func TestNarrate_IsMergingCoversSpeech(t *testing.T) {
	tests := []struct {
		name      string
		async     bool
		speechErr error
	}{
		{"sync failure", false, errors.New("503 unavailable")},
		{"async failure", true, errors.New("503 unavailable")},
		{"async success", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, tl, gen, merger, _ := newTestDirector(t)
			scene, err := d.GenerateScene(context.Background(), SceneRequest{Description: "a harbour"})
			require.NoError(t, err)

			gen.speechErr = tt.speechErr
			gen.speechGate = make(chan struct{})
			gen.speechStarted = make(chan struct{}, 1)

			done := make(chan error, 1)
			if tt.async {
				d.NarrateAsync(scene.ID, NarrateOptions{Script: "Line"})
				s, _ := tl.Scene(scene.ID)
				assert.True(t, s.IsMerging, "set before the background work starts")
				go func() { d.Wait(); done <- nil }()
			} else {
				go func() { done <- d.Narrate(context.Background(), scene.ID, NarrateOptions{Script: "Line"}) }()
			}

			select {
			case <-gen.speechStarted:
			case <-time.After(time.Second):
				t.Fatal("speech never started")
			}
			s, _ := tl.Scene(scene.ID)
			assert.True(t, s.IsMerging, "pending while speech is synthesized")

			close(gen.speechGate)
			select {
			case err := <-done:
				if !tt.async && tt.speechErr != nil {
					assert.Error(t, err)
				}
			case <-time.After(time.Second):
				t.Fatal("narration did not finish")
			}
			s, _ = tl.Scene(scene.ID)
			assert.False(t, s.IsMerging, "cleared once narration resolved")
			if tt.speechErr == nil {
				assert.Equal(t, []string{scene.ID}, merger.calls)
			} else {
				assert.Empty(t, merger.calls)
			}
		})
	}
}

func TestNarrateAsync_ReportsFailureOnce(t *testing.T) {
	d, _, gen, _, _ := newTestDirector(t)
	scene, err := d.GenerateScene(context.Background(), SceneRequest{Description: "a harbour"})
	require.NoError(t, err)

	var events []model.TimelineEvent
	d.OnEvent(func(ev model.TimelineEvent) { events = append(events, ev) })

	gen.speechErr = errors.New("429 RESOURCE_EXHAUSTED")
	d.NarrateAsync(scene.ID, NarrateOptions{})
	d.Wait()

	require.Len(t, events, 1)
	assert.Equal(t, model.EventGenerationError, events[0].Type)
	assert.Equal(t, scene.ID, events[0].SceneID)
	assert.Equal(t, 0, events[0].Index)
	data := events[0].Data.(map[string]any)
	assert.Equal(t, generator.OpSpeech, data["op"])
	assert.Equal(t, generator.KindQuotaExceeded, data["kind"])

	// Unknown scenes are refused up front
	d.NarrateAsync("missing", NarrateOptions{})
	d.Wait()
	assert.Len(t, events, 1)
}

func TestNarrationOverrun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "narration.wav")
	format := beep.Format{SampleRate: 8000, NumChannels: 1, Precision: 2}
	require.NoError(t, media.WriteWAV(path, beep.Silence(8000*6), format))

	tests := []struct {
		name     string
		path     string
		secs     int
		wantOver time.Duration
		wantOK   bool
	}{
		{"longer than scene", path, 5, time.Second, true},
		{"fits", path, 8, 0, false},
		{"exact", path, 6, 0, false},
		{"unreadable", filepath.Join(t.TempDir(), "nope.wav"), 5, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			over, ok := narrationOverrun(tt.path, tt.secs)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantOver, over)
			}
		})
	}
}

func TestNarrateAsync(t *testing.T) {
	d, tl, _, _, _ := newTestDirector(t)
	scene, err := d.GenerateScene(context.Background(), SceneRequest{Description: "a harbour"})
	require.NoError(t, err)

	d.NarrateAsync(scene.ID, NarrateOptions{Script: "Line"})
	d.Wait()
	s, _ := tl.Scene(scene.ID)
	assert.Equal(t, "Line", s.AudioScript)
}
