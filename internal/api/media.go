package api

import (
	"net/http"

	"cinesuite/pkg/media"
)

// MediaResolver maps handles to files.
type MediaResolver interface {
	Resolve(handle string) (string, error)
}

// MediaHandler serves library files under /media/.
type MediaHandler struct {
	lib MediaResolver
}

// NewMediaHandler creates a new MediaHandler.
func NewMediaHandler(lib MediaResolver) *MediaHandler {
	return &MediaHandler{lib: lib}
}

// ServeHTTP handles GET /media/{file}
func (h *MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path, err := h.lib.Resolve(media.URLPrefix + r.PathValue("file"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeFile(w, r, path)
}
