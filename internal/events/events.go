package events

import (
	"time"

	"github.com/sjawhar/voice-tutor/internal/protocol"
)

// Event is anything published on the Bus.
type Event interface {
	Kind() string
}

const (
	KindTranscriptReceived     = "transcript_received"
	KindAudioStarted           = "audio_started"
	KindAudioChunk             = "audio_chunk"
	KindSessionAcknowledged    = "session_acknowledged"
	KindRemoteError            = "remote_error"
	KindMalformedFrame         = "malformed_frame"
	KindUnknownFrame           = "unknown_frame"
	KindConnectionStateChanged = "connection_state_changed"
	KindConnectionQuality      = "connection_quality"
	KindReconnecting           = "reconnecting"
	KindConnectionLost         = "connection_lost"
	KindStateChanged           = "state_changed"
	KindNotification           = "notification"
	KindSessionEnded           = "session_ended"
	KindRecapReady             = "recap_ready"
)

// AudioSource identifies where an audio start observation came from.
type AudioSource string

const (
	AudioSourceRemote   AudioSource = "remote"
	AudioSourcePlayback AudioSource = "playback"
)

type TranscriptReceived struct {
	Transcript protocol.Transcript
	ReceivedAt time.Time
}

// AudioStarted marks the start of tutor audio. StartedAt is always on the
// local clock so it can be compared with TranscriptReceived.ReceivedAt;
// RemoteAt carries the sender's timestamp when the frame had one.
type AudioStarted struct {
	ItemID    string
	StartedAt time.Time
	RemoteAt  time.Time
	Source    AudioSource
}

type AudioChunk struct {
	PCM        []byte
	ReceivedAt time.Time
}

type SessionAcknowledged struct {
	SessionID string
}

type RemoteError struct {
	Code    string
	Message string
}

type MalformedFrame struct {
	Err *protocol.MalformedEventError
}

type UnknownFrame struct {
	Type string
}

// ConnectionStateChanged reports a transport state transition. Reconnected is
// set when a connection was re-established after an unexpected drop.
type ConnectionStateChanged struct {
	From        string
	To          string
	Endpoint    string
	Reconnected bool
}

type ConnectionQuality struct {
	RTT   time.Duration
	Score float64
}

type Reconnecting struct {
	Attempt int
	Delay   time.Duration
}

// ConnectionLost is published exactly once per failed reconnection episode.
type ConnectionLost struct {
	Err error
}

type StateChanged struct {
	SessionID string
	From      string
	To        string
	At        time.Time
}

// Notification is a user-visible, dismissible message. ID correlates the
// notification with log lines for support.
type Notification struct {
	ID        string
	SessionID string
	Severity  string
	Message   string
	Retryable bool
	Degraded  bool
}

type SessionEnded struct {
	SessionID string
	Duration  time.Duration
	Items     int
	Errors    int
}

type RecapReady struct {
	SessionID string
	Recap     string
	Status    string
}

func (TranscriptReceived) Kind() string     { return KindTranscriptReceived }
func (AudioStarted) Kind() string           { return KindAudioStarted }
func (AudioChunk) Kind() string             { return KindAudioChunk }
func (SessionAcknowledged) Kind() string    { return KindSessionAcknowledged }
func (RemoteError) Kind() string            { return KindRemoteError }
func (MalformedFrame) Kind() string         { return KindMalformedFrame }
func (UnknownFrame) Kind() string           { return KindUnknownFrame }
func (ConnectionStateChanged) Kind() string { return KindConnectionStateChanged }
func (ConnectionQuality) Kind() string      { return KindConnectionQuality }
func (Reconnecting) Kind() string           { return KindReconnecting }
func (ConnectionLost) Kind() string         { return KindConnectionLost }
func (StateChanged) Kind() string           { return KindStateChanged }
func (Notification) Kind() string           { return KindNotification }
func (SessionEnded) Kind() string           { return KindSessionEnded }
func (RecapReady) Kind() string             { return KindRecapReady }

// FromMessage maps a decoded inbound frame to its bus event.
func FromMessage(msg protocol.Message, now time.Time) Event {
	switch m := msg.(type) {
	case protocol.Transcript:
		return TranscriptReceived{Transcript: m, ReceivedAt: now}
	case protocol.AudioStart:
		return AudioStarted{ItemID: m.ItemID, StartedAt: now, RemoteAt: m.Timestamp, Source: AudioSourceRemote}
	case protocol.Audio:
		return AudioChunk{PCM: m.PCM, ReceivedAt: now}
	case protocol.SessionAck:
		return SessionAcknowledged{SessionID: m.SessionID}
	case protocol.RemoteError:
		return RemoteError{Code: m.Code, Message: m.Message}
	case protocol.Malformed:
		return MalformedFrame{Err: m.Err}
	case protocol.Unknown:
		return UnknownFrame{Type: m.Type}
	default:
		return UnknownFrame{Type: msg.MessageType()}
	}
}
