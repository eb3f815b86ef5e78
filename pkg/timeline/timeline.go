// Package timeline owns the ordered list of scenes that make up a film.
//
// The Manager is the single source of truth for scene data. Every mutation
// goes through it and is serialised by its lock; asynchronous producers
// (generation, narration, merging) address scenes by ID, never by index.
package timeline

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"cinesuite/pkg/model"
)

var (
	// ErrNotFound is returned for unknown scene IDs or out of range indices.
	ErrNotFound = errors.New("scene not found")
	// ErrNotConfirmed is returned by Clear when the caller did not confirm.
	ErrNotConfirmed = errors.New("clear not confirmed")
	// ErrInvalidPatch is returned for patches that would break a scene invariant.
	ErrInvalidPatch = errors.New("invalid scene patch")
)

// Releaser frees media handles a scene no longer owns.
type Releaser interface {
	Release(handles ...string)
}

// Limits bounds scene durations in whole seconds.
type Limits struct {
	Min     int
	Max     int
	Default int
}

// Clamp forces secs into [Min, Max].
func (l Limits) Clamp(secs int) int {
	return max(l.Min, min(l.Max, secs))
}

// Listener receives change notifications. It is called without the lock held.
type Listener func(model.TimelineEvent)

// State is a consistent view of the whole timeline.
type State struct {
	Scenes        []model.Scene `json:"scenes"`
	Selected      []string      `json:"selected"`
	Active        int           `json:"active"`
	TotalDuration int           `json:"total_duration"`
}

// Manager is the scene timeline aggregate.
type Manager struct {
	mu        sync.RWMutex
	scenes    []model.Scene
	selected  map[string]bool
	pending   map[string]int
	active    int
	limits    Limits
	releaser  Releaser
	listeners []Listener
	now       func() time.Time
}

// NewManager creates an empty timeline. rel may be nil.
func NewManager(limits Limits, rel Releaser) *Manager {
	if limits.Min < 1 {
		limits.Min = 1
	}
	if limits.Max < limits.Min {
		limits.Max = limits.Min
	}
	if limits.Default == 0 {
		limits.Default = limits.Min
	}
	limits.Default = limits.Clamp(limits.Default)
	return &Manager{
		selected: make(map[string]bool),
		pending:  make(map[string]int),
		limits:   limits,
		releaser: rel,
		now:      time.Now,
	}
}

// Subscribe registers fn for change notifications.
func (m *Manager) Subscribe(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(ev model.TimelineEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	m.mu.RLock()
	ls := slices.Clone(m.listeners)
	m.mu.RUnlock()
	for _, fn := range ls {
		fn(ev)
	}
}

func (m *Manager) release(handles []string) {
	if m.releaser == nil || len(handles) == 0 {
		return
	}
	m.releaser.Release(handles...)
}

// Append adds a scene at the end and makes it active. Missing ID, duration
// and transition are filled in. It returns the new index.
func (m *Manager) Append(s model.Scene) int {
	if s.ID == "" {
		s.ID = newID()
	}
	if s.Duration == 0 {
		s.Duration = m.limits.Default
	}
	s.Duration = m.limits.Clamp(s.Duration)
	if !s.Transition.Valid() {
		s.Transition = model.TransitionCut
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	if s.AudioURL == "" {
		s.MergedURL = ""
	}
	s.IsMerging = false

	m.mu.Lock()
	m.scenes = append(m.scenes, s)
	idx := len(m.scenes) - 1
	m.active = idx
	m.mu.Unlock()

	slog.Debug("Timeline: scene appended", "id", s.ID, "index", idx, "duration", s.Duration)
	m.emit(model.TimelineEvent{Type: model.EventSceneAppended, SceneID: s.ID, Index: idx, Data: s})
	return idx
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Scene returns a copy of the scene with the given ID.
func (m *Manager) Scene(id string) (model.Scene, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.indexLocked(id)
	if i < 0 {
		return model.Scene{}, false
	}
	return m.scenes[i], true
}

// At returns a copy of the scene at index.
func (m *Manager) At(index int) (model.Scene, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < 0 || index >= len(m.scenes) {
		return model.Scene{}, false
	}
	return m.scenes[index], true
}

// IndexOf returns the current index of id, or -1.
func (m *Manager) IndexOf(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexLocked(id)
}

func (m *Manager) indexLocked(id string) int {
	for i := range m.scenes {
		if m.scenes[i].ID == id {
			return i
		}
	}
	return -1
}

// Snapshot returns a copy of all scenes in timeline order.
func (m *Manager) Snapshot() []model.Scene {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.scenes)
}

// State returns scenes, selection, active index and total duration together.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := State{
		Scenes:   slices.Clone(m.scenes),
		Selected: []string{},
		Active:   m.active,
	}
	for _, s := range m.scenes {
		st.TotalDuration += s.Duration
		if m.selected[s.ID] {
			st.Selected = append(st.Selected, s.ID)
		}
	}
	return st
}

// SceneCount returns the number of scenes.
func (m *Manager) SceneCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.scenes)
}

// TotalDuration sums the declared durations of all scenes.
func (m *Manager) TotalDuration() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, s := range m.scenes {
		total += s.Duration
	}
	return total
}

// Active returns the active scene index.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// SetActive moves the active index.
func (m *Manager) SetActive(index int) error {
	m.mu.Lock()
	if index < 0 || index >= len(m.scenes) {
		m.mu.Unlock()
		return fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	m.active = index
	m.mu.Unlock()
	return nil
}

// SetDuration clamps secs into the configured range and stores it on the
// scene at index. It returns the stored value.
func (m *Manager) SetDuration(index int, secs int) (int, error) {
	d := m.limits.Clamp(secs)
	if err := m.UpdateScene(index, Patch{Duration: &d}); err != nil {
		return 0, err
	}
	return d, nil
}

// CycleTransition advances the transition into the scene at index
// (cut -> fade -> slide -> cut) and returns the new value.
func (m *Manager) CycleTransition(index int) (model.Transition, error) {
	m.mu.Lock()
	if index < 0 || index >= len(m.scenes) {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	s := &m.scenes[index]
	s.Transition = s.Transition.Next()
	next, id := s.Transition, s.ID
	m.mu.Unlock()

	m.emit(model.TimelineEvent{Type: model.EventSceneUpdated, SceneID: id, Index: index, Message: "transition " + string(next)})
	return next, nil
}

// UpdateScene applies p to the scene currently at index.
func (m *Manager) UpdateScene(index int, p Patch) error {
	id, err := m.idAt(index)
	if err != nil {
		return err
	}
	return m.Patch(id, p)
}

func (m *Manager) idAt(index int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < 0 || index >= len(m.scenes) {
		return "", fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return m.scenes[index].ID, nil
}

// ToggleSelect flips the selection of a scene and returns the new state.
func (m *Manager) ToggleSelect(id string) (bool, error) {
	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	on := !m.selected[id]
	if on {
		m.selected[id] = true
	} else {
		delete(m.selected, id)
	}
	m.mu.Unlock()

	m.emit(model.TimelineEvent{Type: model.EventSelection, SceneID: id, Index: i, Data: on})
	return on, nil
}

// Selected returns the selected scenes in timeline order.
func (m *Manager) Selected() []model.Scene {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Scene
	for _, s := range m.scenes {
		if m.selected[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

// ExportScope returns the selected scenes, or every scene when nothing is selected.
func (m *Manager) ExportScope() []model.Scene {
	if sel := m.Selected(); len(sel) > 0 {
		return sel
	}
	return m.Snapshot()
}

// Clear empties the timeline and releases every media handle it owned.
// It refuses to run unless confirmed.
func (m *Manager) Clear(confirmed bool) error {
	if !confirmed {
		return ErrNotConfirmed
	}

	m.mu.Lock()
	var handles []string
	for i := range m.scenes {
		handles = append(handles, m.scenes[i].MediaURLs()...)
	}
	n := len(m.scenes)
	m.scenes = nil
	m.selected = make(map[string]bool)
	m.pending = make(map[string]int)
	m.active = 0
	m.mu.Unlock()

	m.release(handles)
	slog.Info("Timeline: cleared", "scenes", n, "released", len(handles))
	m.emit(model.TimelineEvent{Type: model.EventTimelineCleared, Message: fmt.Sprintf("%d scenes removed", n)})
	return nil
}

// Restore replaces the timeline with scenes (loading a saved project).
// Handles owned by the previous timeline and not reused are released.
// Missing durations get the default; pending work is forgotten.
func (m *Manager) Restore(scenes []model.Scene) {
	keep := make(map[string]bool)
	restored := make([]model.Scene, 0, len(scenes))
	for _, s := range scenes {
		if s.ID == "" {
			s.ID = newID()
		}
		if s.Duration == 0 {
			s.Duration = m.limits.Default
		}
		s.Duration = m.limits.Clamp(s.Duration)
		if !s.Transition.Valid() {
			s.Transition = model.TransitionCut
		}
		if s.AudioURL == "" {
			s.MergedURL = ""
		}
		s.IsMerging = false
		for _, h := range s.MediaURLs() {
			keep[h] = true
		}
		restored = append(restored, s)
	}

	m.mu.Lock()
	var drop []string
	for i := range m.scenes {
		for _, h := range m.scenes[i].MediaURLs() {
			if !keep[h] {
				drop = append(drop, h)
			}
		}
	}
	m.scenes = restored
	m.selected = make(map[string]bool)
	m.pending = make(map[string]int)
	m.active = 0
	m.mu.Unlock()

	m.release(drop)
	m.emit(model.TimelineEvent{Type: model.EventTimelineLoaded, Message: fmt.Sprintf("%d scenes loaded", len(restored))})
}

// BeginWork marks narration or merge work as pending on the scene. The
// scene reports IsMerging until every BeginWork is matched by EndWork.
func (m *Manager) BeginWork(id string) error {
	m.mu.Lock()
	i := m.indexLocked(id)
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.pending[id]++
	changed := !m.scenes[i].IsMerging
	m.scenes[i].IsMerging = true
	s := m.scenes[i]
	m.mu.Unlock()

	if changed {
		m.emit(model.TimelineEvent{Type: model.EventSceneUpdated, SceneID: id, Index: i, Data: s})
	}
	return nil
}

// EndWork ends one unit of pending work started by BeginWork. Unknown or
// cleared scenes are ignored.
func (m *Manager) EndWork(id string) {
	m.mu.Lock()
	if m.pending[id] == 0 {
		m.mu.Unlock()
		return
	}
	if m.pending[id]--; m.pending[id] == 0 {
		delete(m.pending, id)
	}
	i := m.indexLocked(id)
	if i < 0 || m.pending[id] > 0 {
		m.mu.Unlock()
		return
	}
	m.scenes[i].IsMerging = false
	s := m.scenes[i]
	m.mu.Unlock()

	m.emit(model.TimelineEvent{Type: model.EventSceneUpdated, SceneID: id, Index: i, Data: s})
}
