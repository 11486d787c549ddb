package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sjawhar/voice-tutor/internal/events"
)

type fakeConn struct {
	frames    chan Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	sent   []any
	audio  [][]byte
	rtt    time.Duration
	pingOK bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan Frame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return Frame{}, io.EOF
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, v)
	return nil
}

func (c *fakeConn) WriteAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, pcm)
	return nil
}

func (c *fakeConn) Ping(context.Context) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pingOK {
		return 0, ErrPingUnsupported
	}
	return c.rtt, nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// drop simulates the remote side going away.
func (c *fakeConn) drop() { _ = c.Close() }

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	steps []func(ctx context.Context) (Conn, error)
	conns []*fakeConn
}

// next returns the step for this dial; the last step repeats.
func (d *fakeDialer) Dial(ctx context.Context, _ string, _ Credentials) (Conn, error) {
	d.mu.Lock()
	d.dials++
	var step func(ctx context.Context) (Conn, error)
	if len(d.steps) > 0 {
		step = d.steps[0]
		if len(d.steps) > 1 {
			d.steps = d.steps[1:]
		}
	}
	d.mu.Unlock()

	if step == nil {
		return d.succeed(ctx)
	}
	return step(ctx)
}

func (d *fakeDialer) succeed(context.Context) (Conn, error) {
	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

var errUnreachable = errors.New("connection refused")

func fail(context.Context) (Conn, error) { return nil, errUnreachable }

type captureBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *captureBus) Publish(ev events.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *captureBus) count(kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.events {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

func (b *captureBus) find(match func(events.Event) bool) (events.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events {
		if match(ev) {
			return ev, true
		}
	}
	return nil, false
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:        time.Millisecond,
		MaxDelay:         4 * time.Millisecond,
		Jitter:           0,
		MaxAttempts:      5,
		BreakerThreshold: 100,
		BreakerCooldown:  time.Hour,
		PingInterval:     time.Hour,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

var creds = Credentials{Token: "token", Identity: "student-1"}
