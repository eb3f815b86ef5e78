package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cinesuite/pkg/clock"
	"cinesuite/pkg/db"
	"cinesuite/pkg/director"
	"cinesuite/pkg/export"
	"cinesuite/pkg/generator"
	"cinesuite/pkg/media"
	"cinesuite/pkg/model"
	"cinesuite/pkg/playback"
	"cinesuite/pkg/sequencer"
	"cinesuite/pkg/store"
	"cinesuite/pkg/timeline"
	"cinesuite/pkg/tracker"
)

type mockProducer struct {
	mu        sync.Mutex
	generated []director.SceneRequest
	narrated  []string
}

func (m *mockProducer) GenerateAsync(req director.SceneRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generated = append(m.generated, req)
}

func (m *mockProducer) NarrateAsync(id string, opts director.NarrateOptions) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.narrated = append(m.narrated, id)
}

type mockMerger struct {
	started []string
}

func (m *mockMerger) MergeAsync(id string)    { m.started = append(m.started, id) }
func (m *mockMerger) InFlight(id string) bool { return false }

type mockSequencer struct {
	status  sequencer.Status
	err     error
	started *sequencer.Config
}

func (m *mockSequencer) Start(ctx context.Context, cfg sequencer.Config) error {
	if m.err != nil {
		return m.err
	}
	m.started = &cfg
	m.status = sequencer.Status{State: sequencer.StateRunning, Target: cfg.Count}
	return nil
}
func (m *mockSequencer) Stop() bool               { return m.status.State == sequencer.StateRunning }
func (m *mockSequencer) Status() sequencer.Status { return m.status }

type testEnv struct {
	tl    *timeline.Manager
	lib   *media.Library
	st    *store.SQLiteStore
	prod  *mockProducer
	merge *mockMerger
	seq   *mockSequencer
	pb    *playback.Scheduler
	clk   *clock.Manual
	hub   *EventHub
	srv   *http.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	lib, err := media.NewLibrary(filepath.Join(dir, "media"))
	require.NoError(t, err)
	d, err := db.Init(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	st := store.NewSQLiteStore(d)

	rel := NewProjectAwareReleaser(lib, st)
	tl := timeline.NewManager(timeline.Limits{Min: 1, Max: 15, Default: 5}, rel)
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	pb := playback.NewScheduler(tl, clk, 800*time.Millisecond, false)

	env := &testEnv{
		tl: tl, lib: lib, st: st, pb: pb, clk: clk,
		prod:  &mockProducer{},
		merge: &mockMerger{},
		seq:   &mockSequencer{status: sequencer.Status{State: sequencer.StateIdle}},
		hub:   NewEventHub(),
	}
	session := generator.NewSession(generator.Policy{MaxAttempts: 1, QuotaCooldown: time.Minute}, tracker.New())
	env.srv = NewServer("127.0.0.1:0", Handlers{
		Timeline:  NewTimelineHandler(tl, env.prod, env.merge),
		Sequencer: NewSequencerHandler(context.Background(), env.seq),
		Playback:  NewPlaybackHandler(pb),
		Generator: NewGeneratorHandler(session, tracker.New()),
		Export:    NewExportHandler(tl, export.NewPackager(lib)),
		Projects:  NewProjectHandler(st, tl, pb, rel),
		Settings:  NewSettingsHandler(st, model.Settings{AspectRatio: "16:9", Resolution: "720p", FrameRate: 24}, pb),
		Media:     NewMediaHandler(lib),
		Events:    env.hub,
	}, func() {})
	t.Cleanup(env.hub.Close)
	return env
}

func (e *testEnv) addScene(t *testing.T, duration int, withAudio bool) model.Scene {
	t.Helper()
	path, handle := e.lib.NewPath(".mp4")
	require.NoError(t, os.WriteFile(path, []byte("video"), 0o644))
	s := model.Scene{VideoURL: handle, Duration: duration, Prompt: "p"}
	if withAudio {
		ap, ah := e.lib.NewPath(".wav")
		require.NoError(t, os.WriteFile(ap, []byte("audio"), 0o644))
		s.AudioURL = ah
	}
	idx := e.tl.Append(s)
	got, _ := e.tl.At(idx)
	return got
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	e.srv.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, "OK", env.do(t, "GET", "/health", "").Body.String())
	w := env.do(t, "GET", "/api/version", "")
	assert.Contains(t, w.Body.String(), `"version"`)
}

func TestTimelineEndpoints(t *testing.T) {
	env := newTestEnv(t)
	s := env.addScene(t, 5, false)
	env.addScene(t, 5, false)

	w := env.do(t, "GET", "/api/timeline", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st timeline.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Len(t, st.Scenes, 2)
	assert.Equal(t, 10, st.TotalDuration)

	t.Run("duration is clamped", func(t *testing.T) {
		w := env.do(t, "PATCH", "/api/timeline/scenes/0", `{"duration": 20}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"duration":15`)
	})

	t.Run("transition cycles", func(t *testing.T) {
		w := env.do(t, "PATCH", "/api/timeline/scenes/1", `{"cycle_transition": true}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"transition":"fade"`)
	})

	t.Run("bad index", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, env.do(t, "PATCH", "/api/timeline/scenes/9", `{"duration": 3}`).Code)
		assert.Equal(t, http.StatusBadRequest, env.do(t, "PATCH", "/api/timeline/scenes/x", `{}`).Code)
	})

	t.Run("select toggles", func(t *testing.T) {
		w := env.do(t, "POST", "/api/timeline/scenes/"+s.ID+"/select", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"selected":true`)
		assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/timeline/scenes/nope/select", "").Code)
	})

	t.Run("clear needs confirmation", func(t *testing.T) {
		assert.Equal(t, http.StatusConflict, env.do(t, "POST", "/api/timeline/clear", `{"confirmed": false}`).Code)
		assert.Equal(t, 2, env.tl.SceneCount())
		assert.Equal(t, http.StatusOK, env.do(t, "POST", "/api/timeline/clear", `{"confirmed": true}`).Code)
		assert.Equal(t, 0, env.tl.SceneCount())
		assert.False(t, env.lib.Exists(s.VideoURL), "cleared media is released")
	})
}

func TestGenerateValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"valid", `{"description": "a lighthouse at dusk", "aspect_ratio": "16:9"}`, http.StatusAccepted},
		{"missing description", `{"aspect_ratio": "16:9"}`, http.StatusBadRequest},
		{"bad aspect", `{"description": "x", "aspect_ratio": "4:3"}`, http.StatusBadRequest},
		{"bad transition", `{"description": "x", "transition": "wipe"}`, http.StatusBadRequest},
		{"unknown field", `{"description": "x", "colour": "red"}`, http.StatusBadRequest},
		{"unknown continuation", `{"description": "x", "continue_from": "nope"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/timeline/scenes", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
	assert.Len(t, env.prod.generated, 1)
}

func TestNarrateAndMerge(t *testing.T) {
	env := newTestEnv(t)
	plain := env.addScene(t, 5, false)
	voiced := env.addScene(t, 5, true)

	assert.Equal(t, http.StatusAccepted, env.do(t, "POST", "/api/timeline/scenes/"+plain.ID+"/narrate", `{"voice":"Kore"}`).Code)
	assert.Equal(t, []string{plain.ID}, env.prod.narrated)
	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/timeline/scenes/nope/narrate", "").Code)

	assert.Equal(t, http.StatusConflict, env.do(t, "POST", "/api/timeline/scenes/"+plain.ID+"/merge", "").Code)
	assert.Equal(t, http.StatusAccepted, env.do(t, "POST", "/api/timeline/scenes/"+voiced.ID+"/merge", "").Code)
	assert.Equal(t, []string{voiced.ID}, env.merge.started)
}

func TestSequencerEndpoints(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/sequencer/start", `{"count": 0, "request": {"description": "x"}}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/sequencer/start", `{"count": 2, "request": {}}`).Code)

	w := env.do(t, "POST", "/api/sequencer/start", `{"count": 3, "auto_narrate": true, "request": {"description": "storm"}}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, env.seq.started)
	assert.Equal(t, 3, env.seq.started.Count)
	assert.True(t, env.seq.started.AutoNarrate)

	env.seq.err = sequencer.ErrAlreadyRunning
	assert.Equal(t, http.StatusConflict, env.do(t, "POST", "/api/sequencer/start", `{"count": 1, "request": {"description": "x"}}`).Code)

	w = env.do(t, "POST", "/api/sequencer/stop", "")
	assert.Contains(t, w.Body.String(), `"stopping":true`)
	assert.Contains(t, env.do(t, "GET", "/api/sequencer/status", "").Body.String(), `"state":"running"`)
}

func TestPlaybackEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.addScene(t, 2, false)
	env.addScene(t, 3, false)

	w := env.do(t, "POST", "/api/playback/movie", `{"index": 0}`)
	require.Equal(t, http.StatusOK, w.Code)
	var st playback.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, playback.ModeMovie, st.Mode)

	env.clk.Advance(2 * time.Second)
	require.NoError(t, json.Unmarshal(env.do(t, "GET", "/api/playback/state", "").Body.Bytes(), &st))
	assert.Equal(t, 1, st.Index)

	env.do(t, "POST", "/api/playback/stop", "")
	assert.Equal(t, 0, env.clk.Pending())

	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/playback/select", `{"index": 7}`).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/playback/select", `{"index": -1}`).Code)
	require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/playback/select", `{"index": 0}`).Code)
	env.do(t, "POST", "/api/playback/ended", "")
	assert.Equal(t, 1, env.pb.State().Index)

	env.do(t, "POST", "/api/playback/loop", `{"enabled": true}`)
	assert.True(t, env.pb.State().Looping)
}

func TestGeneratorStatus(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/generator/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp GeneratorStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Session.InCooldown)
	assert.Zero(t, resp.CooldownSeconds)
}

func TestExportEndpoint(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/export", "")
	assert.Equal(t, http.StatusConflict, w.Code, "empty timeline")

	env.addScene(t, 4, false)
	env.addScene(t, 6, true)

	w = env.do(t, "GET", "/api/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".zip")

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, n := range []string{"scene_01_video.mp4", "scene_02_video.mp4", "scene_02_audio.wav", "merge.sh", "manifest.txt", "manifest.json"} {
		assert.True(t, names[n], "missing %s", n)
	}
}

func TestExportMissingAsset(t *testing.T) {
	env := newTestEnv(t)
	s := env.addScene(t, 4, false)
	p, err := env.lib.Resolve(s.VideoURL)
	require.NoError(t, err)
	require.NoError(t, os.Remove(p))

	w := env.do(t, "GET", "/api/export", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestProjectEndpoints(t *testing.T) {
	env := newTestEnv(t)
	s := env.addScene(t, 4, true)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "POST", "/api/projects", `{"name": ""}`).Code)

	w := env.do(t, "POST", "/api/projects", `{"name": "harbour", "settings": {"loop": true, "style": "noir"}}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var sum model.ProjectSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, 1, sum.SceneCount)
	assert.Equal(t, 4, sum.TotalDuration)

	// Clearing keeps media a saved project references
	require.NoError(t, env.tl.Clear(true))
	assert.True(t, env.lib.Exists(s.VideoURL))

	w = env.do(t, "GET", "/api/projects", "")
	assert.Contains(t, w.Body.String(), "harbour")

	w = env.do(t, "POST", "/api/projects/"+sum.ID+"/load", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.tl.SceneCount())
	assert.True(t, env.pb.State().Looping)
	loaded, _ := env.tl.At(0)
	assert.Equal(t, s.VideoURL, loaded.VideoURL)

	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/projects/nope", "").Code)

	// Deleting keeps media the live timeline still uses
	assert.Equal(t, http.StatusNoContent, env.do(t, "DELETE", "/api/projects/"+sum.ID, "").Code)
	assert.True(t, env.lib.Exists(s.VideoURL))

	require.NoError(t, env.tl.Clear(true))
	assert.False(t, env.lib.Exists(s.VideoURL), "unreferenced media released once the project is gone")
	assert.Equal(t, http.StatusNotFound, env.do(t, "DELETE", "/api/projects/"+sum.ID, "").Code)
}

func TestSettingsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got model.Settings
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "16:9", got.AspectRatio)
	assert.False(t, got.Loop)

	w = env.do(t, http.MethodPut, "/api/settings", `{"style":"noir","loop":true,"resolution":"1080p"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, env.pb.State().Looping)

	w = env.do(t, http.MethodGet, "/api/settings", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "noir", got.Style)
	assert.Equal(t, "1080p", got.Resolution)
	assert.Equal(t, "16:9", got.AspectRatio, "unset fields fall back to defaults")
	assert.Equal(t, 24, got.FrameRate)

	w = env.do(t, http.MethodPut, "/api/settings", `{"aspect_ratio":"4:3"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodDelete, "/api/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, env.pb.State().Looping)
	_, ok := env.st.GetState(context.Background(), "settings")
	assert.False(t, ok)
}

func TestMediaServing(t *testing.T) {
	env := newTestEnv(t)
	s := env.addScene(t, 4, false)

	w := env.do(t, "GET", s.VideoURL, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video", w.Body.String())

	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/media/missing.mp4", "").Code)
}

func TestEventHub(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	env.hub.Publish(model.TimelineEvent{Type: model.EventMergeStarted, SceneID: "abc", Index: 0})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev model.TimelineEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, model.EventMergeStarted, ev.Type)
	assert.Equal(t, "abc", ev.SceneID)
	assert.False(t, ev.Timestamp.IsZero())

	conn.Close()
	require.Eventually(t, func() bool { return env.hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
