package server

import (
	"time"

	"github.com/sjawhar/voice-tutor/internal/display"
)

// EventVersion is bumped on any incompatible change to the /ws payloads.
const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

// TranscriptEvent carries the full display buffer; clients replace their copy.
type TranscriptEvent struct {
	Event
	Items []display.Item `json:"items"`
}

type StateChangedEvent struct {
	Event
	SessionID string `json:"session_id,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
}

type ConnectionEvent struct {
	Event
	Connected   bool   `json:"connected"`
	State       string `json:"state,omitempty"`
	Reconnected bool   `json:"reconnected,omitempty"`
}

type ReconnectingEvent struct {
	Event
	Attempt int     `json:"attempt"`
	Delay   float64 `json:"delay"`
}

type QualityEvent struct {
	Event
	RTT   float64 `json:"rtt_ms"`
	Score float64 `json:"score"`
}

type NotificationEvent struct {
	Event
	ID        string `json:"id"`
	SessionID string `json:"session_id,omitempty"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Degraded  bool   `json:"degraded"`
}

type SessionEndedEvent struct {
	Event
	SessionID string  `json:"session_id"`
	Duration  float64 `json:"duration"`
	Items     int     `json:"items"`
	Errors    int     `json:"errors"`
}

type RecapReadyEvent struct {
	Event
	SessionID string `json:"session_id"`
	Recap     string `json:"recap"`
	Status    string `json:"status"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
