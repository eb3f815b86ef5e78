package store

import (
	"context"
	"errors"

	"cinesuite/pkg/model"
)

// ErrNotFound is returned when a project does not exist.
var ErrNotFound = errors.New("not found")

// ProjectStore handles saved projects. Saves are append-only: every save
// creates a new project with a fresh ID.
type ProjectStore interface {
	SaveProject(ctx context.Context, p *model.Project) (string, error)
	ListProjects(ctx context.Context) ([]model.ProjectSummary, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	DeleteProject(ctx context.Context, id string) error
	// ReferencedHandles returns every media handle used by a saved project.
	ReferencedHandles(ctx context.Context) (map[string]bool, error)
}

// StateStore handles persistent application state.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool)
	SetState(ctx context.Context, key, val string) error
	DeleteState(ctx context.Context, key string) error
}
