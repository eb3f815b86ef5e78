package model

import "testing"

func TestTransition_Next(t *testing.T) {
	tests := []struct {
		in   Transition
		want Transition
	}{
		{TransitionCut, TransitionFade},
		{TransitionFade, TransitionSlide},
		{TransitionSlide, TransitionCut},
		{"", TransitionCut},
		{"wipe", TransitionCut},
	}
	for _, tt := range tests {
		if got := tt.in.Next(); got != tt.want {
			t.Errorf("%q.Next() = %q, want %q", tt.in, got, tt.want)
		}
	}

	start := TransitionFade
	cur := start
	for i := 0; i < 3; i++ {
		cur = cur.Next()
	}
	if cur != start {
		t.Errorf("three cycles should return to %q, got %q", start, cur)
	}
}

func TestScene_AudioState(t *testing.T) {
	s := Scene{VideoURL: "/media/v.mp4"}
	if s.AudioState() != AudioNone {
		t.Errorf("expected none, got %s", s.AudioState())
	}
	if s.PlaybackURL() != "/media/v.mp4" {
		t.Errorf("expected video playback url, got %s", s.PlaybackURL())
	}

	s.AudioURL = "/media/a.wav"
	if s.AudioState() != AudioPending {
		t.Errorf("expected pending, got %s", s.AudioState())
	}

	s.MergedURL = "/media/m.mp4"
	if s.AudioState() != AudioMerged {
		t.Errorf("expected merged, got %s", s.AudioState())
	}
	if s.PlaybackURL() != "/media/m.mp4" {
		t.Errorf("merged url should take precedence, got %s", s.PlaybackURL())
	}
	if len(s.MediaURLs()) != 3 {
		t.Errorf("expected 3 media urls, got %v", s.MediaURLs())
	}
}
