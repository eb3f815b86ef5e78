// Package gemini implements the scene asset generator on the Gemini API:
// Veo for video clips, Gemini for narration scripts and Gemini TTS for speech.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/iterator"
	"google.golang.org/genai"

	"cinesuite/pkg/config"
	"cinesuite/pkg/generator"
	"cinesuite/pkg/prompt"
)

// errNotConfigured is returned by every call when no API key is set.
var errNotConfigured = errors.New("gemini client not configured: API key missing")

// FrameExtractor pulls the last frame out of a clip for continuation requests.
type FrameExtractor interface {
	LastFrame(ctx context.Context, videoPath, out string) error
}

// Client implements generator.Generator.
type Client struct {
	genaiClient *genai.Client
	cfg         config.GeminiConfig
	workDir     string
	logPath     string
	frames      FrameExtractor
	prompts     *prompt.Builder

	mu sync.RWMutex
}

var _ generator.Generator = (*Client)(nil)

// NewClient creates a client. Downloads and synthesized audio are written
// to workDir. A missing key yields a client whose calls fail with an
// access error, so the rest of the suite can still start.
func NewClient(ctx context.Context, cfg config.GeminiConfig, workDir, logPath string, frames FrameExtractor, prompts *prompt.Builder) (*Client, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	c := &Client{cfg: cfg, workDir: workDir, logPath: logPath, frames: frames, prompts: prompts}
	if cfg.Key == "" {
		slog.Warn("Gemini: no API key configured, generation disabled")
		return c, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.Key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	c.genaiClient = client

	// Startup proceeds even if validation fails; calls will surface real errors.
	c.validateModels(ctx)
	return c, nil
}

func (c *Client) client() (*genai.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.genaiClient == nil {
		return nil, &generator.Error{Kind: generator.KindAccessDenied, Err: errNotConfigured}
	}
	return c.genaiClient, nil
}

// Close releases the underlying client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.genaiClient = nil
}

// validateModels checks that the configured models are available for the key.
func (c *Client) validateModels(ctx context.Context) {
	var missing []string
	for _, m := range []string{c.cfg.VideoModel, c.cfg.ScriptModel, c.cfg.SpeechModel} {
		if m == "" {
			continue
		}
		name := m
		if !strings.HasPrefix(name, "models/") {
			name = "models/" + name
		}
		if _, err := c.genaiClient.Models.Get(ctx, name, nil); err != nil {
			slog.Warn("Gemini model validation failed", "model", m, "error", err)
			missing = append(missing, m)
			continue
		}
		slog.Debug("Gemini model validation success", "model", m)
	}
	if len(missing) == 0 {
		return
	}

	// Fetch available models for recovery
	page, err := c.genaiClient.Models.List(ctx, nil)
	if err != nil {
		slog.Warn("Failed to list models for recovery", "error", err)
		return
	}

	var available []string
	for {
		for _, m := range page.Items {
			lower := strings.ToLower(m.Name)
			if strings.Contains(lower, "veo") || strings.Contains(lower, "gemini") {
				available = append(available, m.Name)
			}
		}
		next, nextErr := page.Next(ctx)
		if nextErr == iterator.Done || errors.Is(nextErr, genai.ErrPageDone) {
			break
		}
		if nextErr != nil {
			slog.Warn("Failed to fetch next model page", "error", nextErr)
			break
		}
		page = next
	}

	slog.Error("Configured models not found", "models", missing)
	slog.Error("Available models for this key:")
	for _, m := range available {
		slog.Error("- " + m)
	}
}

func (c *Client) logPrompt(name, promptText, response string) {
	if c.logPath == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(c.logPath), 0o755); err != nil {
		return
	}

	f, err := os.OpenFile(c.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	entry := fmt.Sprintf("[%s] PROMPT: %s\nPROMPT_TEXT:\n%s\n\nRESPONSE:\n%s\n%s\n",
		timestamp, name, wordWrap(promptText, 80), wordWrap(response, 80), strings.Repeat("-", 80))

	_, _ = f.WriteString(entry)
}

func wordWrap(text string, width int) string {
	if width <= 0 {
		return text
	}

	var result strings.Builder
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if i > 0 {
			result.WriteString("\n")
		}

		words := strings.Fields(line)
		currentLineLength := 0
		for j, word := range words {
			if j > 0 {
				if currentLineLength+len(word)+1 > width {
					result.WriteString("\n")
					currentLineLength = 0
				} else {
					result.WriteString(" ")
					currentLineLength++
				}
			}
			result.WriteString(word)
			currentLineLength += len(word)
		}
	}
	return result.String()
}
