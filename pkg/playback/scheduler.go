// Package playback schedules timeline playback for a renderer that owns two
// video buffers and one separate audio track.
//
// In single-scene mode the renderer reports native end-of-media events. In
// movie mode each scene's declared duration drives advancement through a
// timer; the media itself loops so it never ends early.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cinesuite/pkg/clock"
	"cinesuite/pkg/model"
)

// Mode is the playback mode.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeMovie  Mode = "movie"
)

// Slot is what one buffer holds.
type Slot struct {
	SceneID string `json:"scene_id,omitempty"`
	URL     string `json:"url,omitempty"`
	Loop    bool   `json:"loop"`
}

// Audio is the separate narration track.
type Audio struct {
	URL     string `json:"url,omitempty"`
	Playing bool   `json:"playing"`
}

// State is a snapshot of the scheduler.
type State struct {
	Mode          Mode             `json:"mode"`
	Playing       bool             `json:"playing"`
	Index         int              `json:"index"`
	SceneID       string           `json:"scene_id,omitempty"`
	Active        Buffer           `json:"active"`
	Transitioning bool             `json:"transitioning"`
	Transition    model.Transition `json:"transition,omitempty"`
	Looping       bool             `json:"looping"`
	Buffers       [2]Slot          `json:"buffers"`
	Audio         Audio            `json:"audio"`
	Styles        [2]BufferStyle   `json:"styles"`
}

// Timeline is the read side of the timeline the scheduler plays.
type Timeline interface {
	At(index int) (model.Scene, bool)
	IndexOf(id string) int
	SceneCount() int
	SetActive(index int) error
}

// Scheduler is the playback state machine.
type Scheduler struct {
	tl     Timeline
	clk    clock.Clock
	window time.Duration

	mu        sync.Mutex
	st        State
	timer     clock.Timer
	gen       uint64
	listeners []func(State)
}

// NewScheduler creates a scheduler in single-scene mode.
func NewScheduler(tl Timeline, clk clock.Clock, window time.Duration, loop bool) *Scheduler {
	s := &Scheduler{
		tl:     tl,
		clk:    clk,
		window: window,
		st:     State{Mode: ModeSingle, Looping: loop},
	}
	s.st.Styles = BufferStyles(BufferA, false, model.TransitionCut)
	return s
}

// Subscribe registers fn for state changes. fn runs without the lock held.
func (s *Scheduler) Subscribe(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// SetLooping changes the global loop flag.
func (s *Scheduler) SetLooping(on bool) {
	s.mu.Lock()
	s.st.Looping = on
	s.mu.Unlock()
	s.notify()
}

// Select plays one scene in single-scene mode, leaving movie mode if needed.
func (s *Scheduler) Select(index int) error {
	scene, ok := s.tl.At(index)
	if !ok {
		return fmt.Errorf("no scene at index %d", index)
	}

	s.mu.Lock()
	s.cancelLocked()
	s.st.Mode = ModeSingle
	s.st.Transitioning = false
	s.st.Transition = ""
	s.loadLocked(s.st.Active, scene, false)
	s.showLocked(index, scene, true)
	s.mu.Unlock()

	_ = s.tl.SetActive(index)
	s.notify()
	return nil
}

// MediaEnded handles the renderer's end-of-media event. In single-scene mode
// the scene replays when looping, otherwise the next scene starts; playback
// stops after the last scene. Movie mode ignores it.
func (s *Scheduler) MediaEnded() {
	s.mu.Lock()
	if s.st.Mode != ModeSingle || !s.st.Playing {
		s.mu.Unlock()
		return
	}
	if s.st.Looping {
		s.mu.Unlock()
		slog.Debug("Playback: replaying scene", "index", s.State().Index)
		s.notify()
		return
	}
	next := s.st.Index + 1
	s.mu.Unlock()

	if next >= s.tl.SceneCount() {
		s.Stop()
		return
	}
	_ = s.Select(next)
}

// PlayMovie plays the timeline from start using both buffers.
func (s *Scheduler) PlayMovie(start int) error {
	scene, ok := s.tl.At(start)
	if !ok {
		return fmt.Errorf("no scene at index %d", start)
	}

	s.mu.Lock()
	s.cancelLocked()
	s.st.Mode = ModeMovie
	s.st.Transitioning = false
	s.st.Transition = ""
	s.loadLocked(s.st.Active, scene, true)
	s.showLocked(start, scene, true)
	s.preloadLocked(start)
	s.scheduleAdvanceLocked(scene)
	s.mu.Unlock()

	_ = s.tl.SetActive(start)
	slog.Info("Playback: movie started", "start", start, "scenes", s.tl.SceneCount())
	s.notify()
	return nil
}

// Stop leaves movie mode and pauses. A pending advance is cancelled.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()

	slog.Debug("Playback: stopped")
	s.notify()
}

func (s *Scheduler) stopLocked() {
	s.cancelLocked()
	s.st.Mode = ModeSingle
	s.st.Playing = false
	s.st.Transitioning = false
	s.st.Transition = ""
	s.st.Audio.Playing = false
	s.st.Buffers[s.st.Active].Loop = false
	s.st.Styles = BufferStyles(s.st.Active, false, model.TransitionCut)
}

// cancelLocked stops the pending timer and invalidates callbacks already
// queued for it.
func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *Scheduler) loadLocked(b Buffer, scene model.Scene, loop bool) {
	s.st.Buffers[b] = Slot{SceneID: scene.ID, URL: scene.PlaybackURL(), Loop: loop}
}

// showLocked makes scene the current one and syncs the audio track: a merged
// asset carries its own audio, so the separate track stays silent.
func (s *Scheduler) showLocked(index int, scene model.Scene, playing bool) {
	s.st.Index = index
	s.st.SceneID = scene.ID
	s.st.Playing = playing
	if scene.AudioState() != model.AudioPending {
		s.st.Audio = Audio{}
	} else {
		s.st.Audio = Audio{URL: scene.AudioURL, Playing: playing}
	}
	s.st.Styles = BufferStyles(s.st.Active, s.st.Transitioning, s.st.Transition)
}

// preloadLocked puts the scene after index into the back buffer.
func (s *Scheduler) preloadLocked(index int) {
	next, ok := s.nextIndexLocked(index)
	if !ok {
		return
	}
	if scene, ok := s.tl.At(next); ok {
		s.loadLocked(s.st.Active.Other(), scene, true)
	}
}

func (s *Scheduler) nextIndexLocked(index int) (int, bool) {
	n := s.tl.SceneCount()
	if n == 0 {
		return 0, false
	}
	next := index + 1
	if next >= n {
		if !s.st.Looping {
			return 0, false
		}
		next = 0
	}
	return next, true
}

func (s *Scheduler) scheduleAdvanceLocked(scene model.Scene) {
	d := time.Duration(scene.Duration) * time.Second
	token := s.gen
	s.timer = s.clk.AfterFunc(d, func() { s.advance(token) })
}

// advance runs when the current scene's declared duration elapsed.
func (s *Scheduler) advance(token uint64) {
	s.mu.Lock()
	if token != s.gen || s.st.Mode != ModeMovie {
		s.mu.Unlock()
		return
	}
	s.timer = nil

	next, ok := s.nextIndexLocked(s.st.Index)
	scene, found := s.tl.At(next)
	if !ok || !found {
		s.stopLocked()
		s.mu.Unlock()
		slog.Info("Playback: movie finished")
		s.notify()
		return
	}

	// Wrapping to the first scene has no incoming transition.
	tr := scene.Transition
	if next == 0 {
		tr = model.TransitionCut
	}

	back := s.st.Active.Other()
	s.loadLocked(back, scene, true)

	if tr == model.TransitionCut || s.window <= 0 {
		s.swapLocked(next, scene)
		s.mu.Unlock()
		_ = s.tl.SetActive(next)
		s.notify()
		return
	}

	s.st.Transitioning = true
	s.st.Transition = tr
	s.st.Styles = BufferStyles(s.st.Active, true, tr)
	s.gen++
	wtoken := s.gen
	s.timer = s.clk.AfterFunc(s.window, func() { s.finishTransition(wtoken, scene.ID) })
	s.mu.Unlock()
	s.notify()
}

// finishTransition swaps to the incoming scene once the window elapsed. The
// scene is found by ID since edits during the window may have moved it.
func (s *Scheduler) finishTransition(token uint64, id string) {
	s.mu.Lock()
	if token != s.gen || s.st.Mode != ModeMovie {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	next := s.tl.IndexOf(id)
	scene, ok := s.tl.At(next)
	if !ok {
		s.stopLocked()
		s.mu.Unlock()
		s.notify()
		return
	}
	s.swapLocked(next, scene)
	s.mu.Unlock()

	_ = s.tl.SetActive(next)
	s.notify()
}

// swapLocked brings the back buffer to the front and schedules the next advance.
func (s *Scheduler) swapLocked(next int, scene model.Scene) {
	s.st.Active = s.st.Active.Other()
	s.st.Transitioning = false
	s.st.Transition = ""
	s.showLocked(next, scene, true)
	s.preloadLocked(next)
	s.gen++
	s.scheduleAdvanceLocked(scene)
	slog.Debug("Playback: advanced", "index", next, "buffer", s.st.Active)
}

func (s *Scheduler) notify() {
	s.mu.Lock()
	st := s.st
	ls := append([]func(State){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range ls {
		fn(st)
	}
}
