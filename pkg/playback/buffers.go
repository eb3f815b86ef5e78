package playback

import "cinesuite/pkg/model"

// Buffer identifies one of the two video buffers.
type Buffer int

const (
	BufferA Buffer = 0
	BufferB Buffer = 1
)

// Other returns the opposite buffer.
func (b Buffer) Other() Buffer {
	return 1 - b
}

// BufferStyle is how a renderer should present one buffer.
type BufferStyle struct {
	Visible bool    `json:"visible"`
	Opacity float64 `json:"opacity"`
	OffsetX float64 `json:"offset_x"` // percent of the viewport width
	ZIndex  int     `json:"z_index"`
}

// BufferStyles maps the scheduler's buffer state to per-buffer styles,
// indexed by Buffer. During a fade or slide transition both buffers are
// shown; the incoming one sits on top. Otherwise only the active buffer is
// visible and the back buffer waits off to the right for a slide.
func BufferStyles(active Buffer, transitioning bool, tr model.Transition) [2]BufferStyle {
	var out [2]BufferStyle
	front, back := active, active.Other()

	if transitioning {
		switch tr {
		case model.TransitionFade:
			out[front] = BufferStyle{Visible: true, Opacity: 0, ZIndex: 1}
			out[back] = BufferStyle{Visible: true, Opacity: 1, ZIndex: 2}
			return out
		case model.TransitionSlide:
			out[front] = BufferStyle{Visible: true, Opacity: 1, OffsetX: -100, ZIndex: 1}
			out[back] = BufferStyle{Visible: true, Opacity: 1, OffsetX: 0, ZIndex: 2}
			return out
		}
	}

	out[front] = BufferStyle{Visible: true, Opacity: 1, ZIndex: 1}
	out[back] = BufferStyle{Visible: false, Opacity: 0, OffsetX: 100, ZIndex: 0}
	return out
}
