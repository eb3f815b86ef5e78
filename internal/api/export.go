package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cinesuite/pkg/export"
	"cinesuite/pkg/model"
)

// ExportScope supplies the scenes to export.
type ExportScope interface {
	ExportScope() []model.Scene
}

// Packager writes export archives.
type Packager interface {
	Package(ctx context.Context, scenes []model.Scene, w io.Writer) (*export.Manifest, error)
}

// ExportHandler streams the export archive.
type ExportHandler struct {
	scope ExportScope
	pkg   Packager
	now   func() time.Time
}

// NewExportHandler creates a new ExportHandler.
func NewExportHandler(scope ExportScope, pkg Packager) *ExportHandler {
	return &ExportHandler{scope: scope, pkg: pkg, now: time.Now}
}

// lazyHeaderWriter commits the download headers on the first write, so a
// failed preflight can still answer with a JSON error.
type lazyHeaderWriter struct {
	w        http.ResponseWriter
	filename string
	started  bool
}

func (l *lazyHeaderWriter) Write(p []byte) (int, error) {
	if !l.started {
		l.started = true
		l.w.Header().Set("Content-Type", "application/zip")
		l.w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, l.filename))
		l.w.WriteHeader(http.StatusOK)
	}
	return l.w.Write(p)
}

// HandleExport handles GET /api/export
func (h *ExportHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	scenes := h.scope.ExportScope()
	lw := &lazyHeaderWriter{w: w, filename: "cinesuite-" + h.now().Format("20060102-150405") + ".zip"}

	m, err := h.pkg.Package(r.Context(), scenes, lw)
	if err != nil {
		if lw.started {
			// Headers are gone; the client sees a truncated archive.
			slog.Error("Export: failed mid-stream", "error", err)
			return
		}
		status := http.StatusInternalServerError
		if errors.Is(err, export.ErrNothingToExport) {
			status = http.StatusConflict
		}
		slog.Warn("Export: refused", "error", err)
		writeError(w, status, err)
		return
	}
	slog.Info("Export: delivered", "scenes", len(m.Scenes), "file", lw.filename)
}
