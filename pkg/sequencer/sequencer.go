// Package sequencer drives unattended multi-scene generation.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cinesuite/pkg/clock"
	"cinesuite/pkg/director"
	"cinesuite/pkg/generator"
	"cinesuite/pkg/model"
)

// State of the sequencer.
type State string

const (
	StateIdle           State = "idle"
	StateRunning        State = "running"
	StateStoppedByUser  State = "stopped_by_user"
	StateStoppedByError State = "stopped_by_error"
)

var (
	// ErrAlreadyRunning is returned by Start while a run is in progress.
	ErrAlreadyRunning = errors.New("sequencer already running")
	// ErrInvalidCount is returned for counts outside 1..max.
	ErrInvalidCount = errors.New("invalid scene count")
)

// Producer generates and narrates scenes.
type Producer interface {
	GenerateScene(ctx context.Context, req director.SceneRequest) (model.Scene, error)
	NarrateAsync(id string, opts director.NarrateOptions)
}

// Config describes one run.
type Config struct {
	Count         int                     `json:"count" validate:"required,min=1"`
	AutoNarrate   bool                    `json:"auto_narrate"`
	ContinueChain bool                    `json:"continue_chain"`
	Request       director.SceneRequest   `json:"request"`
	Narration     director.NarrateOptions `json:"narration"`
}

// Status is a snapshot of the sequencer.
type Status struct {
	State     State          `json:"state"`
	Completed int            `json:"completed"`
	Target    int            `json:"target"`
	LastError string         `json:"last_error,omitempty"`
	LastKind  generator.Kind `json:"last_kind,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Sequencer runs Count generations back to back with a fixed throttle
// between them. Stop is cooperative: the request in flight always completes.
type Sequencer struct {
	prod     Producer
	throttle time.Duration
	maxCount int
	clk      clock.Clock
	sleep    func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	status    Status
	stopFlag  bool
	listeners []func(model.TimelineEvent)
	wg        sync.WaitGroup
}

// New creates a sequencer.
func New(prod Producer, throttle time.Duration, maxCount int) *Sequencer {
	if maxCount < 1 {
		maxCount = 1
	}
	return &Sequencer{
		prod:     prod,
		throttle: throttle,
		maxCount: maxCount,
		clk:      clock.Real{},
		status:   Status{State: StateIdle},
	}
}

// SetClock replaces the time source used for the throttle and event stamps.
func (s *Sequencer) SetClock(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clk = c
}

// SetSleep replaces the throttle wait (tests).
func (s *Sequencer) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleep = fn
}

// Subscribe registers fn for status change events.
func (s *Sequencer) Subscribe(fn func(model.TimelineEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Status returns the current status.
func (s *Sequencer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start launches a run in the background.
func (s *Sequencer) Start(ctx context.Context, cfg Config) error {
	if err := s.begin(cfg); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.loop(ctx, cfg)
	}()
	return nil
}

// Run executes a run synchronously and returns the error that halted it, if any.
func (s *Sequencer) Run(ctx context.Context, cfg Config) error {
	if err := s.begin(cfg); err != nil {
		return err
	}
	return s.loop(ctx, cfg)
}

// Stop requests cancellation. It reports whether a run was in progress.
func (s *Sequencer) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.State != StateRunning {
		return false
	}
	s.stopFlag = true
	slog.Info("Sequencer: stop requested", "completed", s.status.Completed, "target", s.status.Target)
	return true
}

// Wait blocks until a background run finished.
func (s *Sequencer) Wait() {
	s.wg.Wait()
}

func (s *Sequencer) begin(cfg Config) error {
	if cfg.Count < 1 || cfg.Count > s.maxCount {
		return fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidCount, cfg.Count, s.maxCount)
	}
	s.mu.Lock()
	if s.status.State == StateRunning {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.stopFlag = false
	s.status = Status{State: StateRunning, Target: cfg.Count}
	s.mu.Unlock()

	slog.Info("Sequencer: started", "count", cfg.Count, "auto_narrate", cfg.AutoNarrate, "continue_chain", cfg.ContinueChain)
	s.emit()
	return nil
}

func (s *Sequencer) loop(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	sleep, clk := s.sleep, s.clk
	s.mu.Unlock()
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error { return clock.Sleep(ctx, clk, d) }
	}

	lastID := cfg.Request.ContinueFrom
	for i := 0; i < cfg.Count; i++ {
		if s.stopRequested(ctx) {
			s.finish(StateStoppedByUser, nil)
			return nil
		}

		req := cfg.Request
		if cfg.ContinueChain {
			req.ContinueFrom = lastID
		} else if i > 0 {
			req.ContinueFrom = ""
		}

		scene, err := s.prod.GenerateScene(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				s.finish(StateStoppedByUser, nil)
				return ctx.Err()
			}
			s.finish(StateStoppedByError, err)
			return err
		}
		lastID = scene.ID
		s.progress()

		if cfg.AutoNarrate {
			s.prod.NarrateAsync(scene.ID, cfg.Narration)
		}

		if i == cfg.Count-1 {
			break
		}
		if s.stopRequested(ctx) {
			s.finish(StateStoppedByUser, nil)
			return nil
		}
		if err := sleep(ctx, s.throttle); err != nil {
			s.finish(StateStoppedByUser, nil)
			return err
		}
		if s.stopRequested(ctx) {
			s.finish(StateStoppedByUser, nil)
			return nil
		}
	}

	s.finish(StateIdle, nil)
	return nil
}

func (s *Sequencer) stopRequested(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopFlag || ctx.Err() != nil
}

func (s *Sequencer) progress() {
	s.mu.Lock()
	s.status.Completed++
	done, target := s.status.Completed, s.status.Target
	s.mu.Unlock()
	slog.Info("Sequencer: scene complete", "completed", done, "target", target)
	s.emit()
}

func (s *Sequencer) finish(state State, err error) {
	s.mu.Lock()
	s.status.State = state
	s.stopFlag = false
	if err != nil {
		ge := generator.Classify(generator.OpVideo, err)
		s.status.LastError = err.Error()
		s.status.LastKind = ge.Kind
		s.status.Message = ge.UserMessage()
	}
	st := s.status
	s.mu.Unlock()

	if err != nil {
		slog.Error("Sequencer: halted by error", "completed", st.Completed, "target", st.Target, "error", err)
	} else {
		slog.Info("Sequencer: finished", "state", state, "completed", st.Completed, "target", st.Target)
	}
	s.emit()
}

func (s *Sequencer) emit() {
	s.mu.Lock()
	st := s.status
	now := s.clk.Now()
	ls := append([]func(model.TimelineEvent){}, s.listeners...)
	s.mu.Unlock()

	ev := model.TimelineEvent{
		Type:      model.EventSequencer,
		Index:     st.Completed,
		Message:   string(st.State),
		Data:      st,
		Timestamp: now,
	}
	for _, fn := range ls {
		fn(ev)
	}
}
