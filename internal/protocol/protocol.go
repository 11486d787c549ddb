// Package protocol defines the data-channel wire format exchanged with the
// tutoring backend. Inbound frames decode into a closed set of Message
// variants; decoding never fails, it yields Unknown or Malformed instead.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	TypeTranscript    = "transcript"
	TypeSessionAck    = "session_ack"
	TypeAudioStart    = "audio_start"
	TypeError         = "error"
	TypeSessionStart  = "session_start"
	TypeSessionPause  = "session_pause"
	TypeSessionResume = "session_resume"
	TypeSessionEnd    = "session_end"
)

type Speaker string

const (
	SpeakerStudent Speaker = "student"
	SpeakerTeacher Speaker = "teacher"
)

func (s Speaker) Valid() bool {
	return s == SpeakerStudent || s == SpeakerTeacher
}

type SegmentKind string

const (
	SegmentText SegmentKind = "text"
	SegmentMath SegmentKind = "math"
)

type Segment struct {
	Kind       SegmentKind `json:"type"`
	Content    string      `json:"content"`
	Confidence float64     `json:"confidence"`
}

// Message is one decoded inbound frame.
type Message interface {
	MessageType() string
}

type Transcript struct {
	Segments     []Segment
	Speaker      Speaker
	ShowThenTell bool
	ItemID       string
	Timestamp    time.Time
}

type SessionAck struct {
	SessionID string
}

type AudioStart struct {
	ItemID    string
	Timestamp time.Time
}

type RemoteError struct {
	Code    string
	Message string
}

// Audio is a binary frame of tutor speech (PCM s16le mono).
type Audio struct {
	PCM []byte
}

type Unknown struct {
	Type string
	Raw  json.RawMessage
}

type Malformed struct {
	Err *MalformedEventError
}

func (Transcript) MessageType() string  { return TypeTranscript }
func (SessionAck) MessageType() string  { return TypeSessionAck }
func (AudioStart) MessageType() string  { return TypeAudioStart }
func (RemoteError) MessageType() string { return TypeError }
func (Audio) MessageType() string       { return "audio" }
func (u Unknown) MessageType() string   { return u.Type }
func (Malformed) MessageType() string   { return "malformed" }

type envelope struct {
	Type string `json:"type"`
}

type transcriptWire struct {
	Segments     []json.RawMessage `json:"segments"`
	Speaker      string            `json:"speaker"`
	ShowThenTell bool              `json:"showThenTell"`
	ItemID       string            `json:"itemId,omitempty"`
	Timestamp    int64             `json:"timestamp,omitempty"`
}

type segmentWire struct {
	Kind       string   `json:"type"`
	Content    string   `json:"content"`
	Confidence *float64 `json:"confidence"`
}

// DecodeFrame decodes a data-channel frame. Binary frames carry audio.
func DecodeFrame(binary bool, data []byte) Message {
	if binary {
		return Audio{PCM: data}
	}
	return Decode(data)
}

// Decode parses a JSON text frame.
func Decode(data []byte) Message {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return malformed("invalid json", data, err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return malformed("missing type", data, nil)
	}

	switch env.Type {
	case TypeTranscript:
		return decodeTranscript(data)
	case TypeSessionAck:
		var wire struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(data, &wire); err != nil {
			return malformed("invalid session_ack", data, err)
		}
		return SessionAck{SessionID: wire.SessionID}
	case TypeAudioStart:
		var wire struct {
			ItemID    string `json:"itemId"`
			Timestamp int64  `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &wire); err != nil {
			return malformed("invalid audio_start", data, err)
		}
		return AudioStart{ItemID: wire.ItemID, Timestamp: millis(wire.Timestamp)}
	case TypeError:
		var wire struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &wire); err != nil {
			return malformed("invalid error frame", data, err)
		}
		return RemoteError{Code: wire.Code, Message: wire.Message}
	default:
		return Unknown{Type: env.Type, Raw: append(json.RawMessage(nil), data...)}
	}
}

func decodeTranscript(data []byte) Message {
	var wire transcriptWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return malformed("invalid transcript", data, err)
	}

	speaker := Speaker(strings.ToLower(strings.TrimSpace(wire.Speaker)))
	if wire.Speaker == "" {
		return malformed("transcript missing speaker", data, nil)
	}
	if !speaker.Valid() {
		return malformed("transcript has unknown speaker", data, fmt.Errorf("speaker %q", wire.Speaker))
	}
	if len(wire.Segments) == 0 {
		return malformed("transcript missing segments", data, nil)
	}

	segments := make([]Segment, 0, len(wire.Segments))
	for i, raw := range wire.Segments {
		seg, err := decodeSegment(raw)
		if err != nil {
			return malformed(fmt.Sprintf("transcript segment %d", i), data, err)
		}
		segments = append(segments, seg)
	}

	return Transcript{
		Segments:     segments,
		Speaker:      speaker,
		ShowThenTell: wire.ShowThenTell,
		ItemID:       wire.ItemID,
		Timestamp:    millis(wire.Timestamp),
	}
}

func decodeSegment(raw json.RawMessage) (Segment, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return Segment{}, err
		}
		if strings.TrimSpace(text) == "" {
			return Segment{}, errors.New("empty content")
		}
		return Segment{Kind: SegmentText, Content: text, Confidence: 1}, nil
	}

	var wire segmentWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Segment{}, err
	}
	if strings.TrimSpace(wire.Content) == "" {
		return Segment{}, errors.New("empty content")
	}

	kind := SegmentKind(wire.Kind)
	switch kind {
	case "":
		kind = SegmentText
	case SegmentText, SegmentMath:
	default:
		return Segment{}, fmt.Errorf("unknown segment type %q", wire.Kind)
	}

	confidence := 1.0
	if wire.Confidence != nil {
		confidence = *wire.Confidence
		if confidence < 0 || confidence > 1 {
			return Segment{}, fmt.Errorf("confidence %v out of range", confidence)
		}
	}

	return Segment{Kind: kind, Content: wire.Content, Confidence: confidence}, nil
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// EncodeTranscript renders a Transcript in wire form.
func EncodeTranscript(t Transcript) ([]byte, error) {
	segments := make([]json.RawMessage, 0, len(t.Segments))
	for _, seg := range t.Segments {
		raw, err := json.Marshal(seg)
		if err != nil {
			return nil, fmt.Errorf("encode segment: %w", err)
		}
		segments = append(segments, raw)
	}

	wire := struct {
		Type string `json:"type"`
		transcriptWire
	}{
		Type: TypeTranscript,
		transcriptWire: transcriptWire{
			Segments:     segments,
			Speaker:      string(t.Speaker),
			ShowThenTell: t.ShowThenTell,
			ItemID:       t.ItemID,
		},
	}
	if !t.Timestamp.IsZero() {
		wire.Timestamp = t.Timestamp.UnixMilli()
	}
	return json.Marshal(wire)
}

// SessionStart is the hello frame sent once the transport is up. The remote
// answers with session_ack.
type SessionStart struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId"`
	Identity  string            `json:"identity"`
	Topic     string            `json:"topic,omitempty"`
	Grade     int               `json:"grade,omitempty"`
	Chapter   string            `json:"chapter,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Resume    bool              `json:"resume,omitempty"`
}

// Control carries pause, resume and end commands.
type Control struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}
