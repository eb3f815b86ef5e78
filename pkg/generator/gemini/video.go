package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"cinesuite/pkg/generator"
)

// GenerateVideo starts a Veo operation, polls it to completion and downloads
// the clip into the work directory. The caller owns the clip file. Asset is
// left empty: a path to a copy of the clip, passed back as Continuation, seeds
// the next clip with its last frame.
func (c *Client) GenerateVideo(ctx context.Context, req generator.VideoRequest) (generator.VideoResult, error) {
	client, err := c.client()
	if err != nil {
		return generator.VideoResult{}, err
	}

	image, err := c.requestImage(ctx, req)
	if err != nil {
		return generator.VideoResult{}, err
	}

	vcfg := &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		AspectRatio:    req.AspectRatio,
		Resolution:     req.Resolution,
		Seed:           req.Seed,
	}
	if req.DurationHint > 0 {
		d := int32(veoDuration(req.DurationHint))
		vcfg.DurationSeconds = &d
	}

	start := time.Now()
	op, err := client.Models.GenerateVideos(ctx, c.cfg.VideoModel, req.Prompt, image, vcfg)
	if err != nil {
		c.logPrompt("video", req.Prompt, fmt.Sprintf("ERROR: %v", err))
		return generator.VideoResult{}, fmt.Errorf("generate video error: %w", err)
	}

	poll := c.cfg.PollInterval.Std()
	if poll <= 0 {
		poll = 10 * time.Second
	}
	for !op.Done {
		select {
		case <-ctx.Done():
			return generator.VideoResult{}, ctx.Err()
		case <-time.After(poll):
		}
		op, err = client.Operations.GetVideosOperation(ctx, op, nil)
		if err != nil {
			return generator.VideoResult{}, fmt.Errorf("poll video operation: %w", err)
		}
		slog.Debug("Gemini: video operation pending", "name", op.Name, "elapsed", time.Since(start).Round(time.Second))
	}

	if op.Error != nil {
		err := operationError(op.Error)
		c.logPrompt("video", req.Prompt, fmt.Sprintf("ERROR: %v", err))
		return generator.VideoResult{}, err
	}
	if op.Response == nil || len(op.Response.GeneratedVideos) == 0 || op.Response.GeneratedVideos[0].Video == nil {
		err := emptyVideoError(op.Response)
		c.logPrompt("video", req.Prompt, fmt.Sprintf("ERROR: %v", err))
		return generator.VideoResult{}, err
	}

	gv := op.Response.GeneratedVideos[0]
	data := gv.Video.VideoBytes
	if len(data) == 0 {
		data, err = client.Files.Download(ctx, genai.NewDownloadURIFromGeneratedVideo(gv), nil)
		if err != nil {
			return generator.VideoResult{}, fmt.Errorf("download video: %w", err)
		}
	}

	path := filepath.Join(c.workDir, uuid.NewString()+".mp4")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return generator.VideoResult{}, fmt.Errorf("write video: %w", err)
	}

	c.logPrompt("video", req.Prompt, fmt.Sprintf("OK %s (%d bytes, %s)", path, len(data), time.Since(start).Round(time.Second)))
	slog.Info("Gemini: video generated", "path", path, "bytes", len(data), "took", time.Since(start).Round(time.Second))
	return generator.VideoResult{Path: path}, nil
}

// requestImage returns the first-frame image for req, if any.
func (c *Client) requestImage(ctx context.Context, req generator.VideoRequest) (*genai.Image, error) {
	path := req.ImagePath
	if path == "" && req.Continuation != "" {
		if c.frames == nil {
			slog.Warn("Gemini: continuation requested but no frame extractor configured")
			return nil, nil
		}
		if _, err := os.Stat(req.Continuation); err != nil {
			slog.Warn("Gemini: continuation asset missing, generating without it", "asset", req.Continuation)
			return nil, nil
		}
		path = filepath.Join(c.workDir, uuid.NewString()+".jpg")
		defer os.Remove(path)
		if err := c.frames.LastFrame(ctx, req.Continuation, path); err != nil {
			slog.Warn("Gemini: last frame extraction failed, generating without continuation", "error", err)
			return nil, nil
		}
	}
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return &genai.Image{ImageBytes: data, MIMEType: imageMIME(path)}, nil
}

func imageMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// veoDuration maps a requested scene length onto the clip lengths Veo accepts.
func veoDuration(secs int) int {
	switch {
	case secs <= 4:
		return 4
	case secs <= 6:
		return 6
	default:
		return 8
	}
}

// operationError turns an operation error map ({code, message, status})
// into an APIError so it classifies like a failed request.
func operationError(e map[string]any) error {
	apiErr := genai.APIError{Message: fmt.Sprint(e["message"])}
	switch code := e["code"].(type) {
	case float64:
		apiErr.Code = int(code)
	case int:
		apiErr.Code = code
	case int32:
		apiErr.Code = int(code)
	case int64:
		apiErr.Code = int(code)
	}
	if status, ok := e["status"].(string); ok {
		apiErr.Status = status
	}
	return fmt.Errorf("video operation failed: %w", apiErr)
}

func emptyVideoError(resp *genai.GenerateVideosResponse) error {
	if resp != nil && resp.RAIMediaFilteredCount > 0 {
		return fmt.Errorf("video filtered by safety: raiMediaFilteredReasons=%v", resp.RAIMediaFilteredReasons)
	}
	return fmt.Errorf("no video returned")
}
