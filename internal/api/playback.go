package api

import (
	"net/http"

	"cinesuite/pkg/playback"
)

// PlaybackController drives the playback scheduler.
type PlaybackController interface {
	Select(index int) error
	PlayMovie(start int) error
	Stop()
	SetLooping(on bool)
	MediaEnded()
	State() playback.State
}

// PlaybackHandler handles playback endpoints.
type PlaybackHandler struct {
	pb PlaybackController
}

// NewPlaybackHandler creates a new PlaybackHandler.
func NewPlaybackHandler(pb PlaybackController) *PlaybackHandler {
	return &PlaybackHandler{pb: pb}
}

// IndexRequest addresses a scene by timeline position.
type IndexRequest struct {
	Index int `json:"index" validate:"min=0"`
}

// LoopRequest toggles looping.
type LoopRequest struct {
	Enabled bool `json:"enabled"`
}

// HandleMovie handles POST /api/playback/movie
func (h *PlaybackHandler) HandleMovie(w http.ResponseWriter, r *http.Request) {
	var req IndexRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.pb.PlayMovie(req.Index); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, h.pb.State())
}

// HandleSelect handles POST /api/playback/select
func (h *PlaybackHandler) HandleSelect(w http.ResponseWriter, r *http.Request) {
	var req IndexRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.pb.Select(req.Index); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, h.pb.State())
}

// HandleStop handles POST /api/playback/stop
func (h *PlaybackHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.pb.Stop()
	writeJSON(w, http.StatusOK, h.pb.State())
}

// HandleLoop handles POST /api/playback/loop
func (h *PlaybackHandler) HandleLoop(w http.ResponseWriter, r *http.Request) {
	var req LoopRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.pb.SetLooping(req.Enabled)
	writeJSON(w, http.StatusOK, h.pb.State())
}

// HandleEnded handles POST /api/playback/ended, the renderer's end-of-media event.
func (h *PlaybackHandler) HandleEnded(w http.ResponseWriter, r *http.Request) {
	h.pb.MediaEnded()
	writeJSON(w, http.StatusOK, h.pb.State())
}

// HandleState handles GET /api/playback/state
func (h *PlaybackHandler) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pb.State())
}
