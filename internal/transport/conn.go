package transport

import (
	"context"
	"time"
)

// Frame is one data-channel message. Binary frames carry audio.
type Frame struct {
	Binary bool
	Data   []byte
}

// Conn is a live audio+data link to the tutoring backend. ReadFrame is
// called from a single goroutine; the write methods are safe for concurrent
// use.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteJSON(v any) error
	WriteAudio(pcm []byte) error
	Ping(ctx context.Context) (time.Duration, error)
	Close() error
}

type Credentials struct {
	Token    string
	Identity string
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string, creds Credentials) (Conn, error)
}

type DialerFunc func(ctx context.Context, endpoint string, creds Credentials) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string, creds Credentials) (Conn, error) {
	return f(ctx, endpoint, creds)
}
