package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cinesuite/pkg/media"
	"cinesuite/pkg/store"
)

const mediaPrunedStateKey = "media_pruned_at"

// Store is what maintenance needs from persistence.
type Store interface {
	ReferencedHandles(ctx context.Context) (map[string]bool, error)
	SetState(ctx context.Context, key, val string) error
}

var _ Store = (store.Store)(nil)

// Run executes start-up maintenance. It blocks until completion.
// Failures are logged; start-up continues regardless.
func Run(ctx context.Context, s Store, lib *media.Library, minAge time.Duration) error {
	slog.Info("Starting media maintenance...")

	n, err := pruneMedia(ctx, s, lib, minAge, time.Now())
	if err != nil {
		slog.Error("Media pruning failed", "error", err)
		return nil
	}
	slog.Info("Media pruning completed", "removed", n)

	if err := s.SetState(ctx, mediaPrunedStateKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("Failed to record maintenance state", "error", err)
	}
	return nil
}

// pruneMedia removes library files older than minAge that no saved project
// references. The live timeline is empty at start-up, so anything else is
// left over from an unsaved session.
func pruneMedia(ctx context.Context, s Store, lib *media.Library, minAge time.Duration, now time.Time) (int, error) {
	refs, err := s.ReferencedHandles(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load media references: %w", err)
	}

	entries, err := os.ReadDir(lib.Dir())
	if err != nil {
		return 0, fmt.Errorf("failed to read media dir: %w", err)
	}

	var orphans []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		handle := media.URLPrefix + e.Name()
		if refs[handle] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < minAge {
			continue
		}
		orphans = append(orphans, handle)
	}

	lib.Release(orphans...)
	return len(orphans), nil
}
