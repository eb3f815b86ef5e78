// Package probe runs start-up checks and decides whether the service may start.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 5 * time.Second

// CheckFunc performs a check and returns nil when it passes.
type CheckFunc func(ctx context.Context) error

// Probe is a single start-up check.
type Probe struct {
	Name     string
	Check    CheckFunc
	Critical bool          // failure prevents start-up
	Timeout  time.Duration // 0 means five seconds
}

// Result holds the outcome of a single probe.
type Result struct {
	Probe    Probe
	Error    error
	Duration time.Duration
}

// Run executes the probes concurrently and returns results in input order.
func Run(ctx context.Context, probes []Probe) []Result {
	results := make([]Result, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			timeout := p.Timeout
			if timeout <= 0 {
				timeout = defaultTimeout
			}
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			err := p.Check(pctx)
			results[i] = Result{Probe: p, Error: err, Duration: time.Since(start)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// AnalyzeResults logs every result and joins the errors of failed critical probes.
func AnalyzeResults(results []Result) error {
	var criticalErrors []error

	slog.Info("Startup Checks Summary")

	for _, r := range results {
		status := "PASS"
		switch {
		case r.Error != nil && r.Probe.Critical:
			status = "FAIL"
		case r.Error != nil:
			status = "WARN"
		}

		msg := fmt.Sprintf("[%s] %-20s (%v)", status, r.Probe.Name, r.Duration.Round(time.Millisecond))

		switch {
		case r.Error == nil:
			slog.Info(msg)
		case r.Probe.Critical:
			slog.Error(msg, "error", r.Error)
			criticalErrors = append(criticalErrors, fmt.Errorf("%s: %w", r.Probe.Name, r.Error))
		default:
			slog.Warn(msg, "error", r.Error)
		}
	}

	return errors.Join(criticalErrors...)
}

// Writable checks that files can be created in dir.
func Writable(dir string) CheckFunc {
	return func(ctx context.Context) error {
		f, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return fmt.Errorf("%s is not writable: %w", filepath.Clean(dir), err)
		}
		name := f.Name()
		f.Close()
		return os.Remove(name)
	}
}

// Executable checks that a binary can be found.
func Executable(path string) CheckFunc {
	return func(ctx context.Context) error {
		if _, err := exec.LookPath(path); err != nil {
			return fmt.Errorf("%s not found: %w", path, err)
		}
		return nil
	}
}

// NonEmpty fails with msg when value is empty.
func NonEmpty(value, msg string) CheckFunc {
	return func(ctx context.Context) error {
		if value == "" {
			return errors.New(msg)
		}
		return nil
	}
}
