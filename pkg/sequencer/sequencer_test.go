package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cinesuite/pkg/clock"
	"cinesuite/pkg/config"
	"cinesuite/pkg/director"
	"cinesuite/pkg/generator"
	"cinesuite/pkg/media"
	"cinesuite/pkg/model"
	"cinesuite/pkg/prompt"
	"cinesuite/pkg/timeline"
)

// fakeProducer appends to an in-memory scene list and can fail on a given call.
type fakeProducer struct {
	failOn int // 1-based call number that fails, 0 never
	err    error
	onCall func(n int)

	mu       sync.Mutex
	calls    int
	scenes   []model.Scene
	requests []director.SceneRequest
	narrated []string
}

func (p *fakeProducer) GenerateScene(_ context.Context, req director.SceneRequest) (model.Scene, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.onCall != nil {
		p.onCall(n)
	}
	if n == p.failOn {
		return model.Scene{}, p.err
	}

	s := model.Scene{ID: fmt.Sprintf("scene-%d", n), Prompt: req.Description}
	p.mu.Lock()
	p.scenes = append(p.scenes, s)
	p.mu.Unlock()
	return s, nil
}

func (p *fakeProducer) NarrateAsync(id string, _ director.NarrateOptions) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.narrated = append(p.narrated, id)
}

func newTestSequencer(p Producer) (*Sequencer, *[]time.Duration) {
	s := New(p, 5*time.Second, 20)
	var waits []time.Duration
	var mu sync.Mutex
	s.SetSleep(func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return ctx.Err()
	})
	return s, &waits
}

func TestRun_ThrottleWaitsOnClock(t *testing.T) {
	p := &fakeProducer{}
	s := New(p, 5*time.Second, 20)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	s.SetClock(clk)

	var mu sync.Mutex
	var stamps []time.Time
	s.Subscribe(func(ev model.TimelineEvent) {
		mu.Lock()
		stamps = append(stamps, ev.Timestamp)
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), Config{Count: 2}) }()

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	p.mu.Lock()
	assert.Len(t, p.scenes, 1, "second scene waits for the throttle")
	p.mu.Unlock()

	clk.Advance(5 * time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not resume after the throttle")
	}
	assert.Len(t, p.scenes, 2)
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, stamps)
	assert.Equal(t, start.Add(5*time.Second), stamps[len(stamps)-1], "events are stamped from the clock")
}

func TestRun_Success(t *testing.T) {
	p := &fakeProducer{}
	s, waits := newTestSequencer(p)

	err := s.Run(context.Background(), Config{Count: 3, AutoNarrate: true, Request: director.SceneRequest{Description: "waves"}})
	require.NoError(t, err)

	assert.Len(t, p.scenes, 3)
	assert.Equal(t, []string{"scene-1", "scene-2", "scene-3"}, p.narrated)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, *waits, "throttle between scenes only")

	st := s.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, 3, st.Completed)
	assert.Equal(t, 3, st.Target)
}

func TestRun_HaltsOnError(t *testing.T) {
	p := &fakeProducer{failOn: 2, err: errors.New("429 RESOURCE_EXHAUSTED")}
	s, _ := newTestSequencer(p)

	var events []Status
	s.Subscribe(func(ev model.TimelineEvent) { events = append(events, ev.Data.(Status)) })

	err := s.Run(context.Background(), Config{Count: 3, Request: director.SceneRequest{Description: "x"}})
	require.Error(t, err)

	assert.Equal(t, 2, p.calls, "no call after the failure")
	assert.Len(t, p.scenes, 1, "scenes before the failure are kept")

	st := s.Status()
	assert.Equal(t, StateStoppedByError, st.State)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, generator.KindQuotaExceeded, st.LastKind)
	assert.Equal(t, generator.KindQuotaExceeded.UserMessage(), st.Message)

	errorEvents := 0
	for _, e := range events {
		if e.State == StateStoppedByError {
			errorEvents++
		}
	}
	assert.Equal(t, 1, errorEvents, "error surfaced once")
}

// quotaGen fails every video request with a quota error.
type quotaGen struct{}

func (quotaGen) GenerateVideo(context.Context, generator.VideoRequest) (generator.VideoResult, error) {
	return generator.VideoResult{}, errors.New("429 RESOURCE_EXHAUSTED")
}

func (quotaGen) GenerateScript(context.Context, string, string) (string, error) { return "", nil }

func (quotaGen) GenerateSpeech(context.Context, string, string) (string, error) { return "", nil }

func TestRun_HaltsOnErrorReportedOnceWithDirector(t *testing.T) {
	lib, err := media.NewLibrary(t.TempDir())
	require.NoError(t, err)
	tl := timeline.NewManager(timeline.Limits{Min: 1, Max: 15, Default: 5}, lib)
	pb, err := prompt.NewBuilder()
	require.NoError(t, err)
	dir := director.New(context.Background(), tl, quotaGen{}, lib, nil, pb, config.DefaultConfig().Generation, "Kore")
	s, _ := newTestSequencer(dir)

	// One listener for both, as the event hub is wired
	var mu sync.Mutex
	userErrors := 0
	publish := func(ev model.TimelineEvent) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Type {
		case model.EventGenerationError:
			userErrors++
		case model.EventSequencer:
			if ev.Data.(Status).State == StateStoppedByError {
				userErrors++
			}
		}
	}
	dir.OnEvent(publish)
	s.Subscribe(publish)

	require.Error(t, s.Run(context.Background(), Config{Count: 3, Request: director.SceneRequest{Description: "x"}}))
	dir.Wait()

	assert.Equal(t, StateStoppedByError, s.Status().State)
	assert.Equal(t, generator.KindQuotaExceeded, s.Status().LastKind)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, userErrors, "error surfaced once")
}

func TestRun_StopIsCooperative(t *testing.T) {
	p := &fakeProducer{}
	s, _ := newTestSequencer(p)
	// Stop arrives while the second request is in flight
	p.onCall = func(n int) {
		if n == 2 {
			assert.True(t, s.Stop())
		}
	}

	require.NoError(t, s.Run(context.Background(), Config{Count: 5}))
	assert.Equal(t, 2, p.calls)
	assert.Len(t, p.scenes, 2, "in-flight request completes")
	assert.Equal(t, StateStoppedByUser, s.Status().State)
	assert.False(t, s.Stop(), "nothing to stop")
}

func TestRun_ContinueChain(t *testing.T) {
	p := &fakeProducer{}
	s, _ := newTestSequencer(p)

	require.NoError(t, s.Run(context.Background(), Config{Count: 3, ContinueChain: true, Request: director.SceneRequest{ContinueFrom: "seed"}}))
	require.Len(t, p.requests, 3)
	assert.Equal(t, "seed", p.requests[0].ContinueFrom)
	assert.Equal(t, "scene-1", p.requests[1].ContinueFrom)
	assert.Equal(t, "scene-2", p.requests[2].ContinueFrom)

	p2 := &fakeProducer{}
	s2, _ := newTestSequencer(p2)
	require.NoError(t, s2.Run(context.Background(), Config{Count: 2, Request: director.SceneRequest{ContinueFrom: "seed"}}))
	assert.Equal(t, "seed", p2.requests[0].ContinueFrom)
	assert.Empty(t, p2.requests[1].ContinueFrom)
}

func TestStart_Validation(t *testing.T) {
	s, _ := newTestSequencer(&fakeProducer{})
	assert.ErrorIs(t, s.Start(context.Background(), Config{Count: 0}), ErrInvalidCount)
	assert.ErrorIs(t, s.Start(context.Background(), Config{Count: 21}), ErrInvalidCount)
}

func TestStart_RejectsWhileRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p := &fakeProducer{onCall: func(n int) {
		if n == 1 {
			started <- struct{}{}
			<-release
		}
	}}
	s, _ := newTestSequencer(p)

	require.NoError(t, s.Start(context.Background(), Config{Count: 1}))
	<-started
	assert.Equal(t, StateRunning, s.Status().State)
	assert.ErrorIs(t, s.Start(context.Background(), Config{Count: 1}), ErrAlreadyRunning)

	close(release)
	s.Wait()
	assert.Equal(t, StateIdle, s.Status().State)
}

func TestRun_ContextCancelledDuringThrottle(t *testing.T) {
	p := &fakeProducer{}
	s := New(p, time.Hour, 20)
	ctx, cancel := context.WithCancel(context.Background())
	s.SetSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})

	err := s.Run(ctx, Config{Count: 3})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, StateStoppedByUser, s.Status().State)
}
