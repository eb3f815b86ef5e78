package model

import "time"

// EventType classifies timeline events.
type EventType string

const (
	EventSceneAppended   EventType = "scene_appended"
	EventSceneUpdated    EventType = "scene_updated"
	EventTimelineCleared EventType = "timeline_cleared"
	EventTimelineLoaded  EventType = "timeline_loaded"
	EventSelection       EventType = "selection"
	EventMergeStarted    EventType = "merge_started"
	EventMergeFinished   EventType = "merge_finished"
	EventMergeFailed     EventType = "merge_failed"
	EventSequencer       EventType = "sequencer"
	EventPlayback        EventType = "playback"
	EventGenerationError EventType = "generation_error"
)

// TimelineEvent is published to connected clients and to the event log.
type TimelineEvent struct {
	Type      EventType `json:"type"`
	SceneID   string    `json:"scene_id,omitempty"`
	Index     int       `json:"index"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
