package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"cinesuite/pkg/model"
	"cinesuite/pkg/store"
)

const settingsStateKey = "settings"

// LoopSetter receives the persisted loop flag.
type LoopSetter interface {
	SetLooping(on bool)
}

// SettingsHandler persists the client's generation settings across restarts.
type SettingsHandler struct {
	store    store.StateStore
	defaults model.Settings
	pb       LoopSetter
}

// NewSettingsHandler creates a new SettingsHandler. pb may be nil.
func NewSettingsHandler(st store.StateStore, defaults model.Settings, pb LoopSetter) *SettingsHandler {
	return &SettingsHandler{store: st, defaults: defaults, pb: pb}
}

// SettingsRequest is the PUT body.
type SettingsRequest struct {
	AspectRatio    string `json:"aspect_ratio" validate:"omitempty,oneof=16:9 9:16"`
	Resolution     string `json:"resolution" validate:"omitempty,oneof=720p 1080p"`
	FrameRate      int    `json:"frame_rate" validate:"omitempty,min=1,max=60"`
	Style          string `json:"style" validate:"max=200"`
	CharacterLock  string `json:"character_lock" validate:"max=1000"`
	Voice          string `json:"voice" validate:"max=64"`
	Loop           bool   `json:"loop"`
	AutoNarrate    bool   `json:"auto_narrate"`
	SequenceCount  int    `json:"sequence_count" validate:"omitempty,min=1,max=20"`
	ContinueChains bool   `json:"continue_chains"`
}

// Load returns the stored settings, falling back to defaults when none are
// stored or the stored value no longer decodes.
func (h *SettingsHandler) Load(ctx context.Context) model.Settings {
	raw, ok := h.store.GetState(ctx, settingsStateKey)
	if !ok {
		return h.defaults
	}
	var s model.Settings
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		slog.Warn("Settings: stored value unreadable, using defaults", "error", err)
		return h.defaults
	}
	return s
}

// HandleGet handles GET /api/settings
func (h *SettingsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Load(r.Context()))
}

// HandlePut handles PUT /api/settings
func (h *SettingsHandler) HandlePut(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s := model.Settings(req)
	if s.AspectRatio == "" {
		s.AspectRatio = h.defaults.AspectRatio
	}
	if s.Resolution == "" {
		s.Resolution = h.defaults.Resolution
	}
	if s.FrameRate == 0 {
		s.FrameRate = h.defaults.FrameRate
	}

	b, err := json.Marshal(s)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("encode settings: %w", err))
		return
	}
	if err := h.store.SetState(r.Context(), settingsStateKey, string(b)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if h.pb != nil {
		h.pb.SetLooping(s.Loop)
	}
	writeJSON(w, http.StatusOK, s)
}

// HandleReset handles DELETE /api/settings
func (h *SettingsHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteState(r.Context(), settingsStateKey); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if h.pb != nil {
		h.pb.SetLooping(h.defaults.Loop)
	}
	writeJSON(w, http.StatusOK, h.defaults)
}
