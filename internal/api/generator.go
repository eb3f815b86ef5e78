package api

import (
	"math"
	"net/http"

	"cinesuite/pkg/generator"
	"cinesuite/pkg/tracker"
)

// SessionReporter exposes the generator session state.
type SessionReporter interface {
	Snapshot() generator.SessionState
}

// GeneratorHandler reports cooldown and per-operation statistics.
type GeneratorHandler struct {
	session SessionReporter
	tracker *tracker.Tracker
}

// NewGeneratorHandler creates a new GeneratorHandler. tr may be nil.
func NewGeneratorHandler(s SessionReporter, tr *tracker.Tracker) *GeneratorHandler {
	return &GeneratorHandler{session: s, tracker: tr}
}

// GeneratorStatusResponse is the generator status payload.
type GeneratorStatusResponse struct {
	Session         generator.SessionState     `json:"session"`
	CooldownSeconds int                        `json:"cooldown_seconds"`
	CooldownMessage string                     `json:"cooldown_message,omitempty"`
	Stats           map[string]tracker.OpStats `json:"stats"`
}

// HandleStatus handles GET /api/generator/status
func (h *GeneratorHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.session.Snapshot()
	resp := GeneratorStatusResponse{
		Session: st,
		Stats:   map[string]tracker.OpStats{},
	}
	if st.InCooldown {
		e := &generator.Error{Kind: generator.KindQuotaExceeded, Err: generator.ErrCooldown, RetryAfter: st.CooldownRemaining}
		resp.CooldownSeconds = int(math.Ceil(st.CooldownRemaining.Seconds()))
		resp.CooldownMessage = e.UserMessage()
	}
	if h.tracker != nil {
		resp.Stats = h.tracker.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}
