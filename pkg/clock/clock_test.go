package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	stopped := c.AfterFunc(1500*time.Millisecond, func() { fired = append(fired, "never") })
	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	c.Advance(1 * time.Second)
	assert.Equal(t, []string{"a"}, fired)
	assert.Equal(t, start.Add(time.Second), c.Now())

	c.Advance(5 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestManual_ChainedTimers(t *testing.T) {
	c := NewManual(time.Time{})
	var at []time.Duration
	var schedule func()
	schedule = func() {
		at = append(at, c.Now().Sub(time.Time{}))
		if len(at) < 3 {
			c.AfterFunc(time.Second, schedule)
		}
	}
	c.AfterFunc(time.Second, schedule)

	c.Advance(10 * time.Second)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, at)
}

func TestSleep(t *testing.T) {
	t.Run("wakes when the clock passes the deadline", func(t *testing.T) {
		c := NewManual(time.Time{})
		done := make(chan error, 1)
		go func() { done <- Sleep(context.Background(), c, 2*time.Second) }()

		assert.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
		c.Advance(time.Second)
		select {
		case err := <-done:
			t.Fatalf("woke early: %v", err)
		default:
		}
		c.Advance(time.Second)
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("sleep did not wake")
		}
	})

	t.Run("cancel stops the timer", func(t *testing.T) {
		c := NewManual(time.Time{})
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- Sleep(ctx, c, time.Minute) }()

		assert.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, time.Millisecond)
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("sleep ignored cancellation")
		}
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("zero duration", func(t *testing.T) {
		assert.NoError(t, Sleep(context.Background(), NewManual(time.Time{}), 0))
	})
}
