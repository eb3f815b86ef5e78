// Package merge combines a scene's narration track with its video clip into
// a single playable asset.
package merge

import (
	"context"
	"time"
)

// VideoInfo describes a probed video file.
type VideoInfo struct {
	Duration time.Duration
	Width    int
	Height   int
	Codec    string
	HasAudio bool
}

// Codec is the media toolkit the engine drives. Implementations must be
// safe for concurrent use.
type Codec interface {
	// ProbeVideo checks that path holds a decodable video stream.
	ProbeVideo(ctx context.Context, path string) (VideoInfo, error)
	// DecodeAudio decodes an encoded track into a PCM WAV file at out.
	DecodeAudio(ctx context.Context, path, out string) (time.Duration, error)
	// Mux writes video plus audio to out in one pass, keeping the video
	// stream as is and cutting the output at cutoff.
	Mux(ctx context.Context, videoPath, audioPath, out string, cutoff time.Duration) error
}
