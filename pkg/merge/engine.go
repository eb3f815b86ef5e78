package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"cinesuite/pkg/generator"
	"cinesuite/pkg/media"
)

// Stage names the step of a merge that failed.
type Stage string

const (
	StageVideo   Stage = "video"   // video handle or stream unusable
	StageAudio   Stage = "audio"   // audio handle or decode failed
	StageCapture Stage = "capture" // muxing or registering the output failed
)

// Error is a failed merge attempt.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("merge %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind classifies every merge error as a merge failure.
func (e *Error) ErrorKind() generator.Kind { return generator.KindMergeFailure }

// Library is the media storage the engine reads from and writes to.
type Library interface {
	Resolve(handle string) (string, error)
	NewPath(ext string) (path, handle string)
}

// Engine performs single merge attempts.
type Engine struct {
	lib   Library
	codec Codec
}

// NewEngine creates an engine.
func NewEngine(lib Library, codec Codec) *Engine {
	return &Engine{lib: lib, codec: codec}
}

// Merge muxes the audio behind audioURL into the video behind videoURL and
// returns the handle of the merged asset. The video is the timing master:
// longer audio is cut at the video's end, shorter audio leaves the tail silent.
func (e *Engine) Merge(ctx context.Context, videoURL, audioURL string) (string, error) {
	start := time.Now()

	videoPath, err := e.lib.Resolve(videoURL)
	if err != nil {
		return "", &Error{Stage: StageVideo, Err: err}
	}
	audioPath, err := e.lib.Resolve(audioURL)
	if err != nil {
		return "", &Error{Stage: StageAudio, Err: err}
	}

	pcmPath, _ := e.lib.NewPath(".wav")
	defer os.Remove(pcmPath)

	// Both inputs must be ready before anything is muxed.
	var info VideoInfo
	var audioLen time.Duration
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if info, err = e.codec.ProbeVideo(gctx, videoPath); err != nil {
			return &Error{Stage: StageVideo, Err: err}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if audioLen, err = e.codec.DecodeAudio(gctx, audioPath, pcmPath); err != nil {
			return &Error{Stage: StageAudio, Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	outPath, outURL := e.lib.NewPath(".mp4")
	if err := e.codec.Mux(ctx, videoPath, pcmPath, outPath, info.Duration); err != nil {
		_ = os.Remove(outPath)
		return "", &Error{Stage: StageCapture, Err: err}
	}
	if st, err := os.Stat(outPath); err != nil || st.Size() == 0 {
		_ = os.Remove(outPath)
		if err == nil {
			err = errors.New("empty output")
		}
		return "", &Error{Stage: StageCapture, Err: err}
	}

	slog.Info("Merge: completed",
		"video", videoURL,
		"audio", audioURL,
		"merged", outURL,
		"video_duration", info.Duration,
		"audio_duration", audioLen,
		"truncated", audioLen > info.Duration,
		"took", time.Since(start).Round(time.Millisecond))
	return outURL, nil
}

var _ Library = (*media.Library)(nil)
