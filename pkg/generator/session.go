package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cinesuite/pkg/clock"
	"cinesuite/pkg/tracker"
)

// Policy is the retry and cooldown policy of a Session.
type Policy struct {
	MaxAttempts   int
	QuotaCooldown time.Duration
	Backoff       Backoff
}

// SessionState is a point-in-time view of a Session.
type SessionState struct {
	Attempts          int           `json:"attempts"`
	LastKind          Kind          `json:"last_kind,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	InCooldown        bool          `json:"in_cooldown"`
	CooldownUntil     time.Time     `json:"cooldown_until,omitzero"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
}

// Session applies the error policy to generator calls:
// quota errors start a cooldown during which every call is refused,
// transient overloads are retried with backoff, everything else fails fast.
type Session struct {
	mu            sync.Mutex
	policy        Policy
	clk           clock.Clock
	sleep         func(ctx context.Context, d time.Duration) error
	tracker       *tracker.Tracker
	attempts      int
	lastKind      Kind
	lastErr       string
	cooldownUntil time.Time
}

// NewSession creates a Session. tr may be nil.
func NewSession(p Policy, tr *tracker.Tracker) *Session {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return &Session{
		policy:  p,
		clk:     clock.Real{},
		tracker: tr,
	}
}

// SetClock replaces the time source (tests).
func (s *Session) SetClock(c clock.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clk = c
}

// SetSleep replaces the backoff wait (tests). By default the session waits
// on its clock.
func (s *Session) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleep = fn
}

// CooldownRemaining returns how long new calls are still refused.
func (s *Session) CooldownRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingLocked()
}

func (s *Session) remainingLocked() time.Duration {
	if s.cooldownUntil.IsZero() {
		return 0
	}
	d := s.cooldownUntil.Sub(s.clk.Now())
	if d < 0 {
		return 0
	}
	return d
}

// Snapshot returns the current session state.
func (s *Session) Snapshot() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	rem := s.remainingLocked()
	st := SessionState{
		Attempts:          s.attempts,
		LastKind:          s.lastKind,
		LastError:         s.lastErr,
		InCooldown:        rem > 0,
		CooldownRemaining: rem,
	}
	if rem > 0 {
		st.CooldownUntil = s.cooldownUntil
	}
	return st
}

// Do runs fn under the policy. The returned error, if any, is an *Error
// unless ctx was cancelled.
func (s *Session) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if rem := s.CooldownRemaining(); rem > 0 {
		s.track(op, tracker.OpStats{QuotaHits: 1})
		return &Error{Kind: KindQuotaExceeded, Op: op, Err: ErrCooldown, RetryAfter: rem}
	}

	s.mu.Lock()
	sleep, clk := s.sleep, s.clk
	s.mu.Unlock()
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error { return clock.Sleep(ctx, clk, d) }
	}

	for attempt := 1; ; attempt++ {
		s.setAttempts(attempt)

		err := fn(ctx)
		if err == nil {
			s.record("", "")
			s.track(op, tracker.OpStats{Success: 1})
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}

		ge := Classify(op, err)
		s.record(ge.Kind, ge.Error())

		switch {
		case ge.Kind == KindQuotaExceeded:
			ge.RetryAfter = s.startCooldown()
			s.track(op, tracker.OpStats{QuotaHits: 1, Failures: 1})
			slog.Warn("Generator: quota exceeded, cooling down", "op", op, "cooldown", ge.RetryAfter)
			return ge
		case ge.Kind.Retryable() && attempt < s.policy.MaxAttempts:
			delay := s.policy.Backoff.Delay(attempt)
			s.track(op, tracker.OpStats{Retries: 1})
			slog.Warn("Generator: transient failure, retrying", "op", op, "attempt", attempt, "next_delay", delay, "error", err)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		default:
			s.track(op, tracker.OpStats{Failures: 1})
			if ge.Kind.Retryable() {
				ge.Err = fmt.Errorf("exhausted after %d attempts: %w", attempt, ge.Err)
			}
			slog.Error("Generator: call failed", "op", op, "kind", ge.Kind, "attempts", attempt, "error", err)
			return ge
		}
	}
}

func (s *Session) setAttempts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = n
}

func (s *Session) record(k Kind, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastKind = k
	s.lastErr = msg
}

func (s *Session) startCooldown() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldownUntil = s.clk.Now().Add(s.policy.QuotaCooldown)
	return s.policy.QuotaCooldown
}

func (s *Session) track(op string, delta tracker.OpStats) {
	if s.tracker == nil {
		return
	}
	if delta.Success > 0 {
		s.tracker.TrackSuccess(op)
	}
	if delta.Failures > 0 {
		s.tracker.TrackFailure(op)
	}
	if delta.Retries > 0 {
		s.tracker.TrackRetry(op)
	}
	if delta.QuotaHits > 0 {
		s.tracker.TrackQuota(op)
	}
}
