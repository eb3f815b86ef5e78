package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"cinesuite/pkg/db"
	"cinesuite/pkg/model"
)

// Store composes all sub-interfaces. Consumers should depend on the
// narrower ones when possible.
type Store interface {
	ProjectStore
	StateStore

	// Close closes the store connection.
	Close() error
}

// SQLiteStore implements Store.
type SQLiteStore struct {
	db  *db.DB
	now func() time.Time
}

// NewSQLiteStore creates a new store.
func NewSQLiteStore(d *db.DB) *SQLiteStore {
	return &SQLiteStore{db: d, now: time.Now}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Projects ---

// SaveProject stores a snapshot of p under a new ID and returns it.
// p.ID and p.CreatedAt are overwritten.
func (s *SQLiteStore) SaveProject(ctx context.Context, p *model.Project) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	p.ID = id.String()
	p.CreatedAt = s.now().UTC()
	if p.Scenes == nil {
		p.Scenes = []model.Scene{}
	}

	raw, err := json.Marshal(p.Scenes)
	if err != nil {
		return "", fmt.Errorf("encode scenes: %w", err)
	}
	scenes, err := compress(raw)
	if err != nil {
		return "", fmt.Errorf("compress scenes: %w", err)
	}
	settings, err := json.Marshal(p.Settings)
	if err != nil {
		return "", fmt.Errorf("encode settings: %w", err)
	}

	total := 0
	for i := range p.Scenes {
		total += p.Scenes[i].Duration
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO projects (id, name, scene_count, total_duration, scenes, settings, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, len(p.Scenes), total, scenes, string(settings), p.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert project: %w", err)
	}

	for i := range p.Scenes {
		for _, h := range p.Scenes[i].MediaURLs() {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO project_media (project_id, handle) VALUES (?, ?)`, p.ID, h); err != nil {
				return "", fmt.Errorf("insert media ref: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return p.ID, nil
}

// ListProjects returns summaries, newest first.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]model.ProjectSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, scene_count, total_duration, created_at FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.ProjectSummary{}
	for rows.Next() {
		var ps model.ProjectSummary
		var name sql.NullString
		if err := rows.Scan(&ps.ID, &name, &ps.SceneCount, &ps.TotalDuration, &ps.CreatedAt); err != nil {
			return nil, err
		}
		ps.Name = name.String
		out = append(out, ps)
	}
	return out, rows.Err()
}

// GetProject loads a project by ID.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	var p model.Project
	var name sql.NullString
	var scenes []byte
	var settings string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, scenes, settings, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &name, &scenes, &settings, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	p.Name = name.String

	raw, err := decompress(scenes)
	if err != nil {
		return nil, fmt.Errorf("decompress scenes: %w", err)
	}
	if err := json.Unmarshal(raw, &p.Scenes); err != nil {
		return nil, fmt.Errorf("decode scenes: %w", err)
	}
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &p.Settings); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}
	return &p, nil
}

// DeleteProject removes a project and its media references.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ReferencedHandles(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT handle FROM project_media")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out[h] = true
	}
	return out, rows.Err()
}

var (
	bufferPool = sync.Pool{
		New: func() any { return new(bytes.Buffer) },
	}
	gzipWriterPool = sync.Pool{
		New: func() any { return gzip.NewWriter(nil) },
	}
)

func compress(data []byte) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	w := gzipWriterPool.Get().(*gzip.Writer)
	defer gzipWriterPool.Put(w)
	w.Reset(buf)

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	// Must copy because buf is returned to pool
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// --- State ---

func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, bool) {
	var val string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM persistent_state WHERE key = ?", key).Scan(&val)
	if err != nil {
		return "", false
	}
	return val, true
}

func (s *SQLiteStore) SetState(ctx context.Context, key, val string) error {
	query := `INSERT OR REPLACE INTO persistent_state (key, value, created_at) VALUES (?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, key, val, s.now())
	return err
}

func (s *SQLiteStore) DeleteState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM persistent_state WHERE key = ?", key)
	return err
}
