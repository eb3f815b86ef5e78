package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"cinesuite/pkg/config"
	"cinesuite/pkg/media"
)

// FFmpegCodec implements Codec with the ffmpeg and ffprobe binaries and
// decodes audio in-process.
type FFmpegCodec struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpegCodec creates a codec from the merge config.
func NewFFmpegCodec(cfg config.MergeConfig) *FFmpegCodec {
	c := &FFmpegCodec{ffmpegPath: cfg.FFmpegPath, ffprobePath: cfg.FFprobePath}
	if c.ffmpegPath == "" {
		c.ffmpegPath = "ffmpeg"
	}
	if c.ffprobePath == "" {
		c.ffprobePath = "ffprobe"
	}
	return c
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeVideo runs ffprobe on path.
func (c *FFmpegCodec) ProbeVideo(ctx context.Context, path string) (VideoInfo, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}
	out, err := exec.CommandContext(ctx, c.ffprobePath, args...).Output()
	if err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (VideoInfo, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return VideoInfo{}, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	var info VideoInfo
	hasVideo := false
	streamDur := ""
	for _, s := range probe.Streams {
		switch s.CodecType {
		case "video":
			if !hasVideo {
				hasVideo = true
				info.Width, info.Height, info.Codec = s.Width, s.Height, s.CodecName
				streamDur = s.Duration
			}
		case "audio":
			info.HasAudio = true
		}
	}
	if !hasVideo {
		return VideoInfo{}, fmt.Errorf("no video stream")
	}

	// Prefer the video stream's own duration over the container's
	for _, d := range []string{streamDur, probe.Format.Duration} {
		if secs, err := strconv.ParseFloat(d, 64); err == nil && secs > 0 {
			info.Duration = time.Duration(secs * float64(time.Second))
			break
		}
	}
	if info.Duration <= 0 {
		return VideoInfo{}, fmt.Errorf("video duration unknown")
	}
	return info, nil
}

// DecodeAudio decodes an MP3 or WAV track to a PCM WAV intermediate.
func (c *FFmpegCodec) DecodeAudio(ctx context.Context, path, out string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	streamer, format, err := media.DecodeAudio(path)
	if err != nil {
		return 0, err
	}
	defer streamer.Close()

	length := format.SampleRate.D(streamer.Len())
	if length <= 0 {
		return 0, fmt.Errorf("audio track is empty")
	}
	if err := media.WriteWAV(out, streamer, format); err != nil {
		return 0, err
	}
	return length, nil
}

// Mux maps the first video stream of videoPath and the first audio stream of
// audioPath into out. Any audio already in the video is dropped.
func (c *FFmpegCodec) Mux(ctx context.Context, videoPath, audioPath, out string, cutoff time.Duration) error {
	args := muxArgs(videoPath, audioPath, out, cutoff)
	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("ffmpeg mux error: %v, output: %s", err, tail(output, 400))
	}
	return nil
}

func muxArgs(videoPath, audioPath, out string, cutoff time.Duration) []string {
	return []string{
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-t", strconv.FormatFloat(cutoff.Seconds(), 'f', 3, 64),
		"-movflags", "+faststart",
		out,
	}
}

// LastFrame extracts the final frame of a video as an image at out.
func (c *FFmpegCodec) LastFrame(ctx context.Context, videoPath, out string) error {
	args := []string{
		"-y",
		"-sseof", "-0.5",
		"-i", videoPath,
		"-update", "1",
		"-frames:v", "1",
		"-q:v", "2",
		out,
	}
	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg last frame error: %v, output: %s", err, tail(output, 400))
	}
	slog.Debug("Merge: extracted last frame", "video", videoPath, "out", out)
	return nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
