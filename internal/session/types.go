package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sjawhar/voice-tutor/internal/storage"
	"github.com/sjawhar/voice-tutor/internal/timing"
	"github.com/sjawhar/voice-tutor/internal/transport"
)

const maxTopicLen = 200

// Config describes the tutoring session a student asks for.
type Config struct {
	Identity string            `json:"identity"`
	Topic    string            `json:"topic,omitempty"`
	Grade    int               `json:"grade,omitempty"`
	Chapter  string            `json:"chapter,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Identity) == "" {
		return errors.New("identity is required")
	}
	if utf8.RuneCountInString(c.Topic) > maxTopicLen {
		return fmt.Errorf("topic exceeds %d characters", maxTopicLen)
	}
	if c.Grade != 0 && (c.Grade < 1 || c.Grade > 12) {
		return fmt.Errorf("grade %d out of range 1-12", c.Grade)
	}
	for k := range c.Metadata {
		if strings.TrimSpace(k) == "" {
			return errors.New("metadata keys must be non-empty")
		}
	}
	return nil
}

// Transport is the connection manager as seen by the orchestrator.
type Transport interface {
	Connect(ctx context.Context, endpoint string, creds transport.Credentials) (transport.Conn, error)
	Disconnect()
	Send(v any) error
	SendAudio(pcm []byte) error
	Status() transport.Status
}

type Store interface {
	CreateSession(sess storage.Session) error
	SaveSummary(sess storage.Session) error
	SaveTranscript(sessionID string, items []storage.TranscriptItem) error
}

type Recorder interface {
	StartSession(sessionID string) error
	EndSession() (string, error)
}

type RecapGenerator interface {
	Generate(ctx context.Context, sessionID string) (string, string, error)
}

type Exporter interface {
	Export(sess storage.Session, items []storage.TranscriptItem) (string, error)
}

// Uploader receives exported transcript files, e.g. a Drive syncer.
type Uploader interface {
	Upload(ctx context.Context, path string) error
}

type Metrics struct {
	Messages   int     `json:"messages"`
	Items      int     `json:"items"`
	Duplicates int     `json:"duplicates"`
	Dropped    int     `json:"dropped"`
	Errors     int     `json:"errors"`
	Malformed  int     `json:"malformed"`
	Quality    float64 `json:"quality"`
}

// Summary is the frozen record of a finished session.
type Summary struct {
	SessionID string        `json:"session_id"`
	Identity  string        `json:"identity"`
	Topic     string        `json:"topic,omitempty"`
	Degraded  bool          `json:"degraded"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`
	Status    string        `json:"status"`
	Metrics   Metrics       `json:"metrics"`
	Timing    timing.Stats  `json:"timing"`
	AudioPath string        `json:"audio_path,omitempty"`
}

// Snapshot is a read-only view of the orchestrator for UI and metrics.
type Snapshot struct {
	State      State            `json:"state"`
	SessionID  string           `json:"session_id,omitempty"`
	Identity   string           `json:"identity,omitempty"`
	Topic      string           `json:"topic,omitempty"`
	Degraded   bool             `json:"degraded"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	Metrics    Metrics          `json:"metrics"`
	Timing     timing.Stats     `json:"timing"`
	Connection transport.Status `json:"connection"`
	Last       *Summary         `json:"last,omitempty"`
}
