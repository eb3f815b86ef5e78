package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cinesuite/pkg/version"
)

// Handlers groups the endpoint handlers the server routes to.
type Handlers struct {
	Timeline  *TimelineHandler
	Sequencer *SequencerHandler
	Playback  *PlaybackHandler
	Generator *GeneratorHandler
	Export    *ExportHandler
	Projects  *ProjectHandler
	Settings  *SettingsHandler
	Media     *MediaHandler
	Events    *EventHub
}

// NewServer creates and configures the HTTP server.
// shutdown is called from POST /api/shutdown.
func NewServer(addr string, h Handlers, shutdown func()) *http.Server {
	mux := http.NewServeMux()

	// 1. Health and version
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("GET /api/version", handleVersion)
	mux.HandleFunc("GET /api/log/latest", handleLatestLog)

	// 2. Timeline
	mux.HandleFunc("GET /api/timeline", h.Timeline.HandleGet)
	mux.HandleFunc("POST /api/timeline/scenes", h.Timeline.HandleGenerate)
	mux.HandleFunc("PATCH /api/timeline/scenes/{index}", h.Timeline.HandleUpdate)
	mux.HandleFunc("POST /api/timeline/scenes/{id}/select", h.Timeline.HandleSelect)
	mux.HandleFunc("POST /api/timeline/scenes/{id}/narrate", h.Timeline.HandleNarrate)
	mux.HandleFunc("POST /api/timeline/scenes/{id}/merge", h.Timeline.HandleMerge)
	mux.HandleFunc("POST /api/timeline/clear", h.Timeline.HandleClear)

	// 3. Auto-generation
	mux.HandleFunc("POST /api/sequencer/start", h.Sequencer.HandleStart)
	mux.HandleFunc("POST /api/sequencer/stop", h.Sequencer.HandleStop)
	mux.HandleFunc("GET /api/sequencer/status", h.Sequencer.HandleStatus)

	// 4. Playback
	mux.HandleFunc("POST /api/playback/movie", h.Playback.HandleMovie)
	mux.HandleFunc("POST /api/playback/select", h.Playback.HandleSelect)
	mux.HandleFunc("POST /api/playback/stop", h.Playback.HandleStop)
	mux.HandleFunc("POST /api/playback/loop", h.Playback.HandleLoop)
	mux.HandleFunc("POST /api/playback/ended", h.Playback.HandleEnded)
	mux.HandleFunc("GET /api/playback/state", h.Playback.HandleState)

	// 5. Generator status
	mux.HandleFunc("GET /api/generator/status", h.Generator.HandleStatus)

	// 6. Export
	mux.HandleFunc("GET /api/export", h.Export.HandleExport)

	// 7. Projects
	if h.Projects != nil {
		mux.HandleFunc("GET /api/projects", h.Projects.HandleList)
		mux.HandleFunc("POST /api/projects", h.Projects.HandleSave)
		mux.HandleFunc("GET /api/projects/{id}", h.Projects.HandleGet)
		mux.HandleFunc("POST /api/projects/{id}/load", h.Projects.HandleLoad)
		mux.HandleFunc("DELETE /api/projects/{id}", h.Projects.HandleDelete)
	}

	if h.Settings != nil {
		mux.HandleFunc("GET /api/settings", h.Settings.HandleGet)
		mux.HandleFunc("PUT /api/settings", h.Settings.HandlePut)
		mux.HandleFunc("DELETE /api/settings", h.Settings.HandleReset)
	}

	// 8. Media and events
	mux.Handle("GET /media/{file}", h.Media)
	mux.Handle("GET /api/events", h.Events)

	// 9. Shutdown
	mux.HandleFunc("POST /api/shutdown", func(w http.ResponseWriter, r *http.Request) {
		slog.Info("Graceful shutdown initiated via API")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("Shutting down...")); err != nil {
			slog.Error("Failed to write shutdown response", "error", err)
		}
		// Let the response flush first
		go func() {
			time.Sleep(100 * time.Millisecond)
			shutdown()
		}()
	})

	// Media downloads and exports stream for a long time, so no WriteTimeout.
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("OK")); err != nil {
		slog.Error("Failed to write health response", "error", err)
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := fmt.Fprintf(w, `{"version": "%s"}`, version.Version); err != nil {
		slog.Error("Failed to write version response", "error", err)
	}
}
