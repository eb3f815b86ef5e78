package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/semaphore"

	"cinesuite/pkg/model"
	"cinesuite/pkg/timeline"
	"cinesuite/pkg/tracker"
)

// ErrNoAudio is returned when a merge is requested for a scene without narration.
var ErrNoAudio = errors.New("scene has no audio to merge")

// Merger performs one merge attempt.
type Merger interface {
	Merge(ctx context.Context, videoURL, audioURL string) (string, error)
}

// Timeline is the part of the timeline the coordinator patches.
type Timeline interface {
	Scene(id string) (model.Scene, bool)
	IndexOf(id string) int
	Patch(id string, p timeline.Patch) error
	BeginWork(id string) error
	EndWork(id string)
}

// Coordinator runs merges for timeline scenes, addressing them by ID and
// discarding results for scenes whose inputs changed meanwhile.
type Coordinator struct {
	tl       Timeline
	merger   Merger
	releaser timeline.Releaser
	sem      *semaphore.Weighted
	tracker  *tracker.Tracker
	onEvent  func(model.TimelineEvent)

	mu       sync.Mutex
	inflight map[string]int
	wg       sync.WaitGroup
	baseCtx  context.Context
}

// NewCoordinator creates a coordinator allowing maxConcurrent parallel
// merges; 0 means one per physical CPU core. rel frees merged assets that
// arrive for scenes that changed meanwhile and may be nil.
func NewCoordinator(ctx context.Context, tl Timeline, merger Merger, rel timeline.Releaser, maxConcurrent int, tr *tracker.Tracker) *Coordinator {
	if maxConcurrent <= 0 {
		maxConcurrent = physicalCores()
	}
	slog.Debug("Merge: coordinator ready", "max_concurrent", maxConcurrent)
	return &Coordinator{
		tl:       tl,
		merger:   merger,
		releaser: rel,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		tracker:  tr,
		inflight: make(map[string]int),
		baseCtx:  ctx,
	}
}

func physicalCores() int {
	if n, err := cpu.Counts(false); err == nil && n > 0 {
		return n
	}
	return max(1, runtime.NumCPU()/2)
}

// OnEvent registers a callback for merge lifecycle events.
func (c *Coordinator) OnEvent(fn func(model.TimelineEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = fn
}

func (c *Coordinator) emit(t model.EventType, id, msg string) {
	c.mu.Lock()
	fn := c.onEvent
	c.mu.Unlock()
	if fn == nil {
		return
	}
	fn(model.TimelineEvent{Type: t, SceneID: id, Index: c.tl.IndexOf(id), Message: msg})
}

// InFlight reports whether a merge is running for the scene.
func (c *Coordinator) InFlight(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[id] > 0
}

// MergeScene merges the scene's current audio into its current video. The
// scene reports IsMerging until the attempt resolves. Merge failures leave
// the scene playable on its raw video with no merged asset; the returned
// error is informational only.
func (c *Coordinator) MergeScene(ctx context.Context, id string) error {
	s, ok := c.tl.Scene(id)
	if !ok {
		return fmt.Errorf("%w: %s", timeline.ErrNotFound, id)
	}
	if s.AudioURL == "" {
		return ErrNoAudio
	}
	videoURL, audioURL := s.VideoURL, s.AudioURL

	c.mu.Lock()
	c.inflight[id]++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.inflight[id]--; c.inflight[id] <= 0 {
			delete(c.inflight, id)
		}
		c.mu.Unlock()
	}()

	if err := c.tl.BeginWork(id); err != nil {
		return err
	}
	defer c.tl.EndWork(id)
	c.emit(model.EventMergeStarted, id, "")

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.fail(id, err)
		return err
	}
	merged, err := c.merger.Merge(ctx, videoURL, audioURL)
	c.sem.Release(1)

	if err != nil {
		c.fail(id, err)
		return err
	}

	// Only land the result if the scene still has the inputs we merged.
	cur, ok := c.tl.Scene(id)
	if !ok || cur.VideoURL != videoURL || cur.AudioURL != audioURL {
		slog.Info("Merge: discarding stale result", "scene", id)
		c.discard(merged)
		return nil
	}

	if err := c.tl.Patch(id, timeline.Patch{MergedURL: &merged}); err != nil {
		c.discard(merged)
		c.fail(id, err)
		return err
	}
	if c.tracker != nil {
		c.tracker.TrackSuccess("merge")
	}
	c.emit(model.EventMergeFinished, id, merged)
	return nil
}

// MergeAsync runs MergeScene in the background. Errors are logged and
// reflected on the scene, never returned.
func (c *Coordinator) MergeAsync(id string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.MergeScene(c.baseCtx, id); err != nil {
			slog.Warn("Merge: background merge failed", "scene", id, "error", err)
		}
	}()
}

// Wait blocks until all background merges finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) fail(id string, err error) {
	if c.tracker != nil {
		c.tracker.TrackFailure("merge")
	}
	slog.Error("Merge: failed", "scene", id, "error", err)
	c.emit(model.EventMergeFailed, id, err.Error())
}

func (c *Coordinator) discard(handle string) {
	if c.releaser != nil {
		c.releaser.Release(handle)
	}
}
