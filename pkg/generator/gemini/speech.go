package gemini

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gopxl/beep/v2"
	"google.golang.org/genai"

	"cinesuite/pkg/media"
)

// defaultScriptSeconds is the clip length narration scripts are sized for.
const defaultScriptSeconds = 8

// defaultPCMRate is the sample rate Gemini TTS returns when the MIME type omits it.
const defaultPCMRate = 24000

// GenerateScript writes a short narration for a scene description.
func (c *Client) GenerateScript(ctx context.Context, description, style string) (string, error) {
	client, err := c.client()
	if err != nil {
		return "", err
	}

	p, err := c.prompts.Script(description, style, defaultScriptSeconds)
	if err != nil {
		return "", err
	}

	resp, err := client.Models.GenerateContent(ctx, c.cfg.ScriptModel, genai.Text(p), nil)
	if err != nil {
		c.logPrompt("script", p, fmt.Sprintf("ERROR: %v", err))
		return "", fmt.Errorf("generate script error: %w", err)
	}

	text, err := getResponseText(resp)
	if err != nil {
		c.logPrompt("script", p, fmt.Sprintf("TEXT_PARSE_ERROR: %v", err))
		return "", err
	}
	text = cleanScript(text)
	c.logPrompt("script", p, text)
	return text, nil
}

// GenerateSpeech synthesizes text with a prebuilt voice and returns the path
// of a WAV file in the work directory.
func (c *Client) GenerateSpeech(ctx context.Context, text, voice string) (string, error) {
	client, err := c.client()
	if err != nil {
		return "", err
	}
	if voice == "" {
		voice = c.cfg.Voice
	}

	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	resp, err := client.Models.GenerateContent(ctx, c.cfg.SpeechModel, genai.Text(text), cfg)
	if err != nil {
		c.logPrompt("speech", text, fmt.Sprintf("ERROR: %v", err))
		return "", fmt.Errorf("generate speech error: %w", err)
	}

	blob, err := audioBlob(resp)
	if err != nil {
		c.logPrompt("speech", text, fmt.Sprintf("ERROR: %v", err))
		return "", err
	}

	path := filepath.Join(c.workDir, uuid.NewString()+".wav")
	format := beep.Format{SampleRate: beep.SampleRate(pcmRate(blob.MIMEType)), NumChannels: 1, Precision: 2}
	if err := media.WriteWAV(path, pcmStreamer(blob.Data), format); err != nil {
		return "", err
	}

	c.logPrompt("speech", text, fmt.Sprintf("OK %s voice=%s (%d bytes)", path, voice, len(blob.Data)))
	slog.Debug("Gemini: speech synthesized", "path", path, "voice", voice, "bytes", len(blob.Data))
	return path, nil
}

func getResponseText(resp *genai.GenerateContentResponse) (string, error) {
	if err := blockedError(resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("no candidates returned")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty text response")
	}
	return sb.String(), nil
}

func audioBlob(resp *genai.GenerateContentResponse) (*genai.Blob, error) {
	if err := blockedError(resp); err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no candidates returned")
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData, nil
		}
	}
	return nil, fmt.Errorf("no audio in response")
}

// blockedError reports prompt or candidate safety blocks.
func blockedError(resp *genai.GenerateContentResponse) error {
	if resp == nil {
		return fmt.Errorf("empty response")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return fmt.Errorf("prompt blocked by safety filter: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) > 0 {
		switch reason := string(resp.Candidates[0].FinishReason); reason {
		case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST", "SPII":
			return fmt.Errorf("response blocked by safety filter: %s", reason)
		}
	}
	return nil
}

// cleanScript strips quotes and speaker labels models sometimes add.
func cleanScript(text string) string {
	text = strings.TrimSpace(text)
	if label, rest, ok := strings.Cut(text, ":"); ok && len(label) < 20 && !strings.Contains(label, " ") {
		text = strings.TrimSpace(rest)
	}
	text = strings.Trim(text, "\"“”")
	return strings.Join(strings.Fields(text), " ")
}

// pcmRate reads the sample rate from a MIME type like "audio/L16;codec=pcm;rate=24000".
func pcmRate(mimeType string) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return defaultPCMRate
	}
	if r, err := strconv.Atoi(params["rate"]); err == nil && r > 0 {
		return r
	}
	return defaultPCMRate
}

// pcmStreamer streams signed 16-bit little-endian mono PCM.
func pcmStreamer(data []byte) beep.Streamer {
	pos := 0
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		if pos+1 >= len(data) {
			return 0, false
		}
		n := 0
		for n < len(samples) && pos+1 < len(data) {
			v := float64(int16(binary.LittleEndian.Uint16(data[pos:]))) / 32768
			samples[n] = [2]float64{v, v}
			n++
			pos += 2
		}
		return n, true
	})
}
