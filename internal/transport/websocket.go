package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingTimeout      = 5 * time.Second
	writeTimeout            = 5 * time.Second
)

// WebSocketDialer connects to ws:// and wss:// endpoints with a bearer token.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string, creds Credentials) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}

	headers := make(http.Header)
	for k, v := range d.Header {
		headers[k] = append([]string(nil), v...)
	}
	headers.Set("Authorization", "Bearer "+creds.Token)
	if creds.Identity != "" {
		headers.Set("X-Tutor-Identity", creds.Identity)
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("websocket dial %s (status %d): %w", endpoint, resp.StatusCode, ErrUnauthorized)
		}
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s (status %d): %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}

	return newWSConn(conn), nil
}

type wsConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	pongMu sync.Mutex
	pongs  map[string]chan struct{}

	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, pongs: make(map[string]chan struct{})}
	conn.SetPongHandler(func(appData string) error {
		c.pongMu.Lock()
		ch, ok := c.pongs[appData]
		delete(c.pongs, appData)
		c.pongMu.Unlock()
		if ok {
			close(ch)
		}
		return nil
	})
	return c
}

func (c *wsConn) ReadFrame() (Frame, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Binary: messageType == websocket.BinaryMessage, Data: data}, nil
}

func (c *wsConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write json frame: %w", err)
	}
	return nil
}

func (c *wsConn) WriteAudio(pcm []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return fmt.Errorf("write audio frame: %w", err)
	}
	return nil
}

// Ping sends a ping control frame and waits for the matching pong, which
// the read loop delivers through the pong handler.
func (c *wsConn) Ping(ctx context.Context) (time.Duration, error) {
	nonce := strconv.FormatInt(time.Now().UnixNano(), 36)
	done := make(chan struct{})

	c.pongMu.Lock()
	c.pongs[nonce] = done
	c.pongMu.Unlock()
	defer func() {
		c.pongMu.Lock()
		delete(c.pongs, nonce)
		c.pongMu.Unlock()
	}()

	start := time.Now()
	c.writeMu.Lock()
	err := c.conn.WriteControl(websocket.PingMessage, []byte(nonce), start.Add(writeTimeout))
	c.writeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("write ping: %w", err)
	}

	timer := time.NewTimer(defaultPingTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
		return 0, errors.New("ping timed out")
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
