// Package execstate tracks the execution of a cascade run. It keeps an
// append-only log of the events received from the backend stream and a
// mutable per-phase projection derived from them.
package execstate

import (
	"time"
)

type EventType string

const (
	EventCascadeStart     EventType = "cascade_start"
	EventPhaseStart       EventType = "phase_start"
	EventPhaseComplete    EventType = "phase_complete"
	EventSoundingStart    EventType = "sounding_start"
	EventSoundingComplete EventType = "sounding_complete"
	EventTurnStart        EventType = "turn_start"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventHandoff          EventType = "handoff"
	EventCostUpdate       EventType = "cost_update"
	EventCascadeComplete  EventType = "cascade_complete"
	EventCascadeError     EventType = "cascade_error"
)

var knownEventTypes = map[EventType]bool{
	EventCascadeStart:     true,
	EventPhaseStart:       true,
	EventPhaseComplete:    true,
	EventSoundingStart:    true,
	EventSoundingComplete: true,
	EventTurnStart:        true,
	EventToolCall:         true,
	EventToolResult:       true,
	EventHandoff:          true,
	EventCostUpdate:       true,
	EventCascadeComplete:  true,
	EventCascadeError:     true,
}

// IsKnownEventType reports whether t is one of the handled variants.
func IsKnownEventType(t EventType) bool {
	return knownEventTypes[t]
}

// Event is one fact observed on the backend stream. Seq is assigned by the
// Store on append; events are never modified afterwards.
type Event struct {
	Seq           int64     `json:"seq,omitempty"`
	Type          EventType `json:"type"`
	SessionID     string    `json:"session_id"`
	Timestamp     time.Time `json:"timestamp"`
	Phase         string    `json:"phase,omitempty"`
	SoundingIndex *int      `json:"sounding_index,omitempty"`
	Result        any       `json:"result,omitempty"`
	Delta         float64   `json:"delta,omitempty"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to,omitempty"`
	Error         string    `json:"error,omitempty"`
	Tool          string    `json:"tool,omitempty"`
	// Lineage is the ordered list of phase visits reported on cascade completion.
	Lineage []string `json:"lineage,omitempty"`
}

// Index is a helper for building sounding indexes in literals.
func Index(i int) *int {
	return &i
}
