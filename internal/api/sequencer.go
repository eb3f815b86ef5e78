package api

import (
	"context"
	"errors"
	"net/http"

	"cinesuite/pkg/sequencer"
)

// SequencerController runs auto-generation.
type SequencerController interface {
	Start(ctx context.Context, cfg sequencer.Config) error
	Stop() bool
	Status() sequencer.Status
}

// SequencerHandler handles auto-generation endpoints.
type SequencerHandler struct {
	seq SequencerController
	ctx context.Context
}

// NewSequencerHandler creates a new SequencerHandler. Runs are bound to ctx,
// not to the request that started them.
func NewSequencerHandler(ctx context.Context, seq SequencerController) *SequencerHandler {
	return &SequencerHandler{seq: seq, ctx: ctx}
}

// HandleStart handles POST /api/sequencer/start
func (h *SequencerHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var cfg sequencer.Config
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.seq.Start(h.ctx, cfg); err != nil {
		switch {
		case errors.Is(err, sequencer.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, sequencer.ErrInvalidCount):
			writeError(w, http.StatusBadRequest, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, h.seq.Status())
}

// HandleStop handles POST /api/sequencer/stop
func (h *SequencerHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	stopping := h.seq.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"stopping": stopping, "status": h.seq.Status()})
}

// HandleStatus handles GET /api/sequencer/status
func (h *SequencerHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.seq.Status())
}
