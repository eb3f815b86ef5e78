package media

import (
	"fmt"
	"os"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/wav"
)

// DecodeAudio opens an MP3 or WAV file. The caller closes the streamer.
func DecodeAudio(path string) (beep.StreamSeekCloser, beep.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, err
	}

	// Try MP3 first
	streamer, format, err := mp3.Decode(f)
	if err == nil {
		return streamer, format, nil
	}

	// Reopen file for WAV attempt (MP3 decode failure might leave file state uncertain)
	f.Close()
	f, err = os.Open(path)
	if err != nil {
		return nil, beep.Format{}, err
	}

	streamer, format, err = wav.Decode(f)
	if err != nil {
		f.Close()
		return nil, beep.Format{}, fmt.Errorf("unsupported audio format: %w", err)
	}
	return streamer, format, nil
}

// AudioDuration returns the playing time of the audio file at path.
func AudioDuration(path string) (time.Duration, error) {
	streamer, format, err := DecodeAudio(path)
	if err != nil {
		return 0, err
	}
	defer streamer.Close()

	return format.SampleRate.D(streamer.Len()), nil
}

// WriteWAV encodes a streamer as a 16-bit PCM WAV file.
func WriteWAV(path string, s beep.Streamer, format beep.Format) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	// wav.Encode seeks back to patch the header, so it needs the *os.File
	if err := wav.Encode(f, s, format); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to encode wav: %w", err)
	}
	return f.Close()
}
