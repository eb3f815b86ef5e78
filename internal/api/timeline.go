package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"cinesuite/pkg/director"
	"cinesuite/pkg/model"
	"cinesuite/pkg/timeline"
)

// TimelineService is the timeline surface the API mutates.
type TimelineService interface {
	State() timeline.State
	Scene(id string) (model.Scene, bool)
	SetDuration(index, secs int) (int, error)
	CycleTransition(index int) (model.Transition, error)
	ToggleSelect(id string) (bool, error)
	Clear(confirmed bool) error
}

// SceneProducer generates and narrates scenes in the background.
type SceneProducer interface {
	GenerateAsync(req director.SceneRequest)
	NarrateAsync(id string, opts director.NarrateOptions)
}

// MergeTrigger starts a scene merge in the background.
type MergeTrigger interface {
	MergeAsync(id string)
	InFlight(id string) bool
}

// TimelineHandler handles timeline endpoints.
type TimelineHandler struct {
	tl     TimelineService
	prod   SceneProducer
	merger MergeTrigger
}

// NewTimelineHandler creates a new TimelineHandler.
func NewTimelineHandler(tl TimelineService, prod SceneProducer, merger MergeTrigger) *TimelineHandler {
	return &TimelineHandler{tl: tl, prod: prod, merger: merger}
}

// SceneUpdateRequest edits a scene by index.
type SceneUpdateRequest struct {
	Duration        *int `json:"duration,omitempty"`
	CycleTransition bool `json:"cycle_transition,omitempty"`
}

// ClearRequest must carry the user's confirmation.
type ClearRequest struct {
	Confirmed bool `json:"confirmed"`
}

// HandleGet handles GET /api/timeline
func (h *TimelineHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tl.State())
}

// HandleGenerate handles POST /api/timeline/scenes
func (h *TimelineHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	var req director.SceneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ContinueFrom != "" {
		if _, ok := h.tl.Scene(req.ContinueFrom); !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("continue_from %s: %w", req.ContinueFrom, timeline.ErrNotFound))
			return
		}
	}

	slog.Info("API: scene generation requested", "continue_from", req.ContinueFrom)
	h.prod.GenerateAsync(req)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "generating"})
}

// HandleUpdate handles PATCH /api/timeline/scenes/{index}
func (h *TimelineHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid index: %w", err))
		return
	}
	var req SceneUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp := map[string]any{"index": index}
	if req.Duration != nil {
		d, err := h.tl.SetDuration(index, *req.Duration)
		if err != nil {
			writeTimelineError(w, err)
			return
		}
		resp["duration"] = d
	}
	if req.CycleTransition {
		tr, err := h.tl.CycleTransition(index)
		if err != nil {
			writeTimelineError(w, err)
			return
		}
		resp["transition"] = tr
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSelect handles POST /api/timeline/scenes/{id}/select
func (h *TimelineHandler) HandleSelect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	selected, err := h.tl.ToggleSelect(id)
	if err != nil {
		writeTimelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "selected": selected})
}

// HandleClear handles POST /api/timeline/clear
func (h *TimelineHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	var req ClearRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.tl.Clear(req.Confirmed); err != nil {
		writeTimelineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.tl.State())
}

// HandleNarrate handles POST /api/timeline/scenes/{id}/narrate
func (h *TimelineHandler) HandleNarrate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var opts director.NarrateOptions
	if err := decodeJSON(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, ok := h.tl.Scene(id); !ok {
		writeTimelineError(w, fmt.Errorf("%w: %s", timeline.ErrNotFound, id))
		return
	}
	h.prod.NarrateAsync(id, opts)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "narrating", "id": id})
}

// HandleMerge handles POST /api/timeline/scenes/{id}/merge
func (h *TimelineHandler) HandleMerge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, ok := h.tl.Scene(id)
	if !ok {
		writeTimelineError(w, fmt.Errorf("%w: %s", timeline.ErrNotFound, id))
		return
	}
	if s.AudioURL == "" {
		writeError(w, http.StatusConflict, fmt.Errorf("scene %s has no narration to merge", id))
		return
	}
	if !h.merger.InFlight(id) {
		h.merger.MergeAsync(id)
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "merging", "id": id})
}

func writeTimelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, timeline.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, timeline.ErrNotConfirmed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, timeline.ErrInvalidPatch):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
