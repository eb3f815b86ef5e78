package generator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cinesuite/pkg/clock"
	"cinesuite/pkg/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) (*Session, *clock.Manual, *[]time.Duration, *tracker.Tracker) {
	t.Helper()
	tr := tracker.New()
	s := NewSession(Policy{
		MaxAttempts:   3,
		QuotaCooldown: 60 * time.Second,
		Backoff:       Backoff{BaseDelay: time.Second, MaxDelay: 10 * time.Second},
	}, tr)
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.SetClock(clk)
	var waits []time.Duration
	s.SetSleep(func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	})
	return s, clk, &waits, tr
}

func TestSession_TransientRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		wantCalls int
		wantErr   bool
	}{
		{"first try", 0, 1, false},
		{"recovers on second", 1, 2, false},
		{"recovers on third", 2, 3, false},
		{"exhausted", 5, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, waits, tr := newTestSession(t)
			calls := 0
			err := s.Do(context.Background(), OpVideo, func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return errors.New("503 model overloaded")
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			assert.Len(t, *waits, min(tt.failures, 2))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, KindTransientOverload, KindOf(err))
				assert.Equal(t, 1, int(tr.Snapshot()[OpVideo].Failures))
			} else {
				require.NoError(t, err)
				assert.Equal(t, 1, int(tr.Snapshot()[OpVideo].Success))
			}
		})
	}
}

func TestSession_BackoffWaitsOnClock(t *testing.T) {
	s := NewSession(Policy{
		MaxAttempts: 2,
		Backoff:     Backoff{BaseDelay: time.Second, MaxDelay: 10 * time.Second},
	}, nil)
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.SetClock(clk)

	var mu sync.Mutex
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- s.Do(context.Background(), OpVideo, func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return errors.New("503 model overloaded")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls, "second attempt waits for the backoff")
	mu.Unlock()

	clk.Advance(2 * time.Second) // past the first delay plus jitter
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("retry did not run after the backoff elapsed")
	}
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestSession_NoRetryKinds(t *testing.T) {
	raw := []error{
		errors.New("403 forbidden"),
		errors.New("blocked by safety filter"),
		errors.New("connection refused"),
		errors.New("weird"),
	}
	for _, e := range raw {
		s, _, waits, _ := newTestSession(t)
		calls := 0
		err := s.Do(context.Background(), OpScript, func(context.Context) error {
			calls++
			return e
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls, e.Error())
		assert.Empty(t, *waits)
		assert.Zero(t, s.CooldownRemaining())
	}
}

func TestSession_QuotaCooldown(t *testing.T) {
	s, clk, _, tr := newTestSession(t)

	calls := 0
	fail := func(context.Context) error {
		calls++
		return errors.New("429 RESOURCE_EXHAUSTED")
	}
	ok := func(context.Context) error {
		calls++
		return nil
	}

	err := s.Do(context.Background(), OpVideo, fail)
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, KindQuotaExceeded, ge.Kind)
	assert.Equal(t, 60*time.Second, ge.RetryAfter)
	assert.Equal(t, 1, calls, "quota errors are not retried")

	// Refused without calling through
	clk.Advance(20 * time.Second)
	err = s.Do(context.Background(), OpVideo, ok)
	require.ErrorAs(t, err, &ge)
	assert.ErrorIs(t, err, ErrCooldown)
	assert.Equal(t, 40*time.Second, ge.RetryAfter)
	assert.Equal(t, 1, calls)

	snap := s.Snapshot()
	assert.True(t, snap.InCooldown)
	assert.Equal(t, 40*time.Second, snap.CooldownRemaining)
	assert.Equal(t, KindQuotaExceeded, snap.LastKind)

	clk.Advance(40 * time.Second)
	require.NoError(t, s.Do(context.Background(), OpVideo, ok))
	assert.Equal(t, 2, calls)
	assert.False(t, s.Snapshot().InCooldown)
	assert.Equal(t, int64(2), tr.Snapshot()[OpVideo].QuotaHits)
}

func TestSession_ContextCancelled(t *testing.T) {
	s, _, _, _ := newTestSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Do(ctx, OpSpeech, func(ctx context.Context) error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	var ge *Error
	assert.False(t, errors.As(err, &ge))
}

type stubGen struct {
	err   error
	calls int
}

func (g *stubGen) GenerateVideo(context.Context, VideoRequest) (VideoResult, error) {
	g.calls++
	if g.err != nil {
		return VideoResult{}, g.err
	}
	return VideoResult{Path: "/tmp/clip.mp4", Asset: "asset-1"}, nil
}

func (g *stubGen) GenerateScript(context.Context, string, string) (string, error) {
	g.calls++
	return "a line", g.err
}

func (g *stubGen) GenerateSpeech(context.Context, string, string) (string, error) {
	g.calls++
	return "/tmp/a.wav", g.err
}

func TestGuarded(t *testing.T) {
	s, _, _, _ := newTestSession(t)
	inner := &stubGen{}
	g := NewGuarded(inner, s)

	res, err := g.GenerateVideo(context.Background(), VideoRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "asset-1", res.Asset)

	text, err := g.GenerateScript(context.Background(), "d", "s")
	require.NoError(t, err)
	assert.Equal(t, "a line", text)

	inner.err = errors.New("401 unauthorized")
	_, err = g.GenerateSpeech(context.Background(), "t", "v")
	assert.Equal(t, KindAccessDenied, KindOf(err))

	res, err = g.GenerateVideo(context.Background(), VideoRequest{})
	require.Error(t, err)
	assert.Empty(t, res.Path)
	assert.Equal(t, KindAccessDenied, s.Snapshot().LastKind)
}
