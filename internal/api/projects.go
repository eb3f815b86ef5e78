package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"cinesuite/pkg/model"
	"cinesuite/pkg/store"
	"cinesuite/pkg/timeline"
)

// ProjectTimeline is what saving and loading projects needs from the timeline.
type ProjectTimeline interface {
	Snapshot() []model.Scene
	Restore(scenes []model.Scene)
	State() timeline.State
}

// PlaybackResetter is told when a project replaces the timeline.
type PlaybackResetter interface {
	Stop()
	SetLooping(on bool)
}

// ProjectHandler handles saved project endpoints.
type ProjectHandler struct {
	store store.ProjectStore
	tl    ProjectTimeline
	pb    PlaybackResetter
	rel   timeline.Releaser
}

// NewProjectHandler creates a new ProjectHandler. pb may be nil.
func NewProjectHandler(st store.ProjectStore, tl ProjectTimeline, pb PlaybackResetter, rel timeline.Releaser) *ProjectHandler {
	return &ProjectHandler{store: st, tl: tl, pb: pb, rel: rel}
}

// SaveProjectRequest names the snapshot and carries the client's settings.
type SaveProjectRequest struct {
	Name     string         `json:"name" validate:"required,max=200"`
	Settings model.Settings `json:"settings"`
}

// HandleList handles GET /api/projects
func (h *ProjectHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleSave handles POST /api/projects
func (h *ProjectHandler) HandleSave(w http.ResponseWriter, r *http.Request) {
	var req SaveProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p := &model.Project{Name: req.Name, Scenes: h.tl.Snapshot(), Settings: req.Settings}
	if _, err := h.store.SaveProject(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	total := 0
	for i := range p.Scenes {
		total += p.Scenes[i].Duration
	}
	slog.Info("Projects: saved", "id", p.ID, "name", p.Name, "scenes", len(p.Scenes))
	writeJSON(w, http.StatusCreated, model.ProjectSummary{
		ID:            p.ID,
		Name:          p.Name,
		SceneCount:    len(p.Scenes),
		TotalDuration: total,
		CreatedAt:     p.CreatedAt,
	})
}

// HandleGet handles GET /api/projects/{id}
func (h *ProjectHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleLoad handles POST /api/projects/{id}/load
func (h *ProjectHandler) HandleLoad(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if h.pb != nil {
		h.pb.Stop()
		h.pb.SetLooping(p.Settings.Loop)
	}
	h.tl.Restore(p.Scenes)
	slog.Info("Projects: loaded", "id", p.ID, "scenes", len(p.Scenes))
	writeJSON(w, http.StatusOK, map[string]any{"timeline": h.tl.State(), "settings": p.Settings})
}

// HandleDelete handles DELETE /api/projects/{id}. Media only this project
// referenced is released unless the live timeline still uses it.
func (h *ProjectHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := h.store.GetProject(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := h.store.DeleteProject(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	live := make(map[string]bool)
	for _, s := range h.tl.Snapshot() {
		for _, u := range s.MediaURLs() {
			live[u] = true
		}
	}
	var drop []string
	for i := range p.Scenes {
		for _, u := range p.Scenes[i].MediaURLs() {
			if !live[u] {
				drop = append(drop, u)
			}
		}
	}
	if h.rel != nil {
		h.rel.Release(drop...)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

// HandleReferences reports the media handles saved projects use.
type HandleReferences interface {
	ReferencedHandles(ctx context.Context) (map[string]bool, error)
}

// ProjectAwareReleaser releases media unless a saved project still
// references it. If references cannot be loaded nothing is released.
type ProjectAwareReleaser struct {
	lib  timeline.Releaser
	refs HandleReferences
}

// NewProjectAwareReleaser wraps lib.
func NewProjectAwareReleaser(lib timeline.Releaser, refs HandleReferences) *ProjectAwareReleaser {
	return &ProjectAwareReleaser{lib: lib, refs: refs}
}

func (p *ProjectAwareReleaser) Release(handles ...string) {
	if len(handles) == 0 {
		return
	}
	refs, err := p.refs.ReferencedHandles(context.Background())
	if err != nil {
		slog.Warn("Projects: keeping media, references unavailable", "handles", len(handles), "error", err)
		return
	}
	var free []string
	for _, h := range handles {
		if !refs[h] {
			free = append(free, h)
		}
	}
	p.lib.Release(free...)
}
