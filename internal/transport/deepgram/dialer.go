// Package deepgram provides a degraded-mode transport that streams the
// student's microphone to Deepgram live transcription and presents the
// results as tutoring data-channel frames. It never produces tutor speech.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/sjawhar/voice-tutor/internal/protocol"
	"github.com/sjawhar/voice-tutor/internal/transport"
)

const (
	defaultModel      = "nova-2"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
	frameBuffer       = 256
)

var ErrStreamClosed = errors.New("deepgram stream closed")

// Stream is the subset of the Deepgram websocket client the conn drives.
type Stream interface {
	Connect() bool
	Write(p []byte) (int, error)
	Stop()
}

// OpenFunc opens a live transcription stream delivering to cb.
type OpenFunc func(ctx context.Context, apiKey string, opts *interfaces.LiveTranscriptionOptions, cb api.LiveMessageCallback) (Stream, error)

var initOnce sync.Once

func openLive(ctx context.Context, apiKey string, opts *interfaces.LiveTranscriptionOptions, cb api.LiveMessageCallback) (Stream, error) {
	initOnce.Do(func() {
		client.Init(client.InitLib{LogLevel: client.LogLevelDefault})
	})
	c, err := client.NewWSUsingCallback(ctx, apiKey, &interfaces.ClientOptions{EnableKeepAlive: true}, opts, cb)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Dialer handles deepgram://<model>?language=<tag> endpoints.
type Dialer struct {
	APIKey     string
	SampleRate int
	Logger     *slog.Logger

	// Open defaults to the Deepgram SDK websocket client.
	Open OpenFunc
}

func (d *Dialer) Dial(ctx context.Context, endpoint string, creds transport.Credentials) (transport.Conn, error) {
	if strings.TrimSpace(d.APIKey) == "" {
		return nil, fmt.Errorf("deepgram api key: %w", transport.ErrInvalidCredentials)
	}

	opts, err := liveOptions(endpoint, d.SampleRate)
	if err != nil {
		return nil, err
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	open := d.Open
	if open == nil {
		open = openLive
	}

	c := newConn(logger.With("component", "deepgram", "model", opts.Model))
	stream, err := open(ctx, d.APIKey, opts, callback{c: c})
	if err != nil {
		return nil, fmt.Errorf("create deepgram client: %w", err)
	}
	if !stream.Connect() {
		return nil, fmt.Errorf("connect deepgram %s: connection refused", opts.Model)
	}
	c.stream = stream
	logger.Info("deepgram fallback connected", "model", opts.Model, "sample_rate", opts.SampleRate, "identity", creds.Identity)
	return c, nil
}

func liveOptions(endpoint string, sampleRate int) (*interfaces.LiveTranscriptionOptions, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse deepgram endpoint %q: %w", endpoint, err)
	}
	model := u.Host
	if model == "" {
		model = defaultModel
	}
	language := u.Query().Get("language")
	if language == "" {
		language = defaultLanguage
	}
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	return &interfaces.LiveTranscriptionOptions{
		Model:       model,
		Language:    language,
		Diarize:     true,
		Punctuate:   true,
		SmartFormat: true,
		Encoding:    "linear16",
		SampleRate:  sampleRate,
		Channels:    1,
	}, nil
}

// callback receives Deepgram stream events on behalf of a conn.
type callback struct {
	c *conn
}

// conn adapts Deepgram callbacks to the frame-oriented transport.Conn.
type conn struct {
	logger *slog.Logger
	stream Stream
	now    func() time.Time

	frames chan transport.Frame
	done   chan struct{}

	mu     sync.Mutex
	buffer utteranceBuffer
	err    error
}

func newConn(logger *slog.Logger) *conn {
	return &conn{
		logger: logger,
		now:    time.Now,
		frames: make(chan transport.Frame, frameBuffer),
		done:   make(chan struct{}),
	}
}

func (c *conn) ReadFrame() (transport.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		// Drain anything enqueued before the close.
		select {
		case f := <-c.frames:
			return f, nil
		default:
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return transport.Frame{}, c.err
	}
}

// WriteJSON answers session_start with a synthetic session_ack; other
// control frames have no Deepgram equivalent and are dropped.
func (c *conn) WriteJSON(v any) error {
	var start *protocol.SessionStart
	switch msg := v.(type) {
	case protocol.SessionStart:
		start = &msg
	case *protocol.SessionStart:
		start = msg
	default:
		return nil
	}

	ack, err := json.Marshal(map[string]string{"type": protocol.TypeSessionAck, "sessionId": start.SessionID})
	if err != nil {
		return fmt.Errorf("encode session ack: %w", err)
	}
	c.enqueue(ack)
	return nil
}

func (c *conn) WriteAudio(pcm []byte) error {
	if c.closed() {
		return ErrStreamClosed
	}
	if _, err := c.stream.Write(pcm); err != nil {
		return fmt.Errorf("write deepgram audio: %w", err)
	}
	return nil
}

func (c *conn) Ping(context.Context) (time.Duration, error) {
	return 0, transport.ErrPingUnsupported
}

func (c *conn) Close() error {
	if c.fail(io.EOF) && c.stream != nil {
		c.stream.Stop()
	}
	return nil
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// fail closes the conn with err and reports whether this call closed it.
func (c *conn) fail(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false
	}
	c.err = err
	close(c.done)
	return true
}

func (c *conn) enqueue(data []byte) {
	select {
	case c.frames <- transport.Frame{Data: data}:
	case <-c.done:
	}
}

func (cb callback) Open(*api.OpenResponse) error {
	cb.c.logger.Debug("deepgram stream open")
	return nil
}

func (cb callback) Message(mr *api.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 || !mr.IsFinal {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return nil
	}

	words := make([]Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, Word{
			Speaker:        w.Speaker,
			PunctuatedWord: w.PunctuatedWord,
			Start:          w.Start,
			End:            w.End,
			Confidence:     w.Confidence,
		})
	}

	cb.c.mu.Lock()
	cb.c.buffer.add(words)
	cb.c.mu.Unlock()

	if mr.SpeechFinal {
		cb.c.flush()
	}
	return nil
}

func (cb callback) UtteranceEnd(*api.UtteranceEndResponse) error {
	cb.c.flush()
	return nil
}

func (c *conn) flush() {
	c.mu.Lock()
	words := c.buffer.flush()
	c.mu.Unlock()

	for _, u := range GroupBySpeaker(words) {
		data, err := protocol.EncodeTranscript(protocol.Transcript{
			Segments: []protocol.Segment{{
				Kind:       protocol.SegmentText,
				Content:    u.Text,
				Confidence: clamp01(u.Confidence),
			}},
			Speaker:   protocol.SpeakerStudent,
			Timestamp: c.now(),
		})
		if err != nil {
			c.logger.Warn("encode fallback transcript", "error", err)
			continue
		}
		c.enqueue(data)
	}
}

func (cb callback) Metadata(*api.MetadataResponse) error { return nil }

func (cb callback) SpeechStarted(*api.SpeechStartedResponse) error { return nil }

func (cb callback) Close(*api.CloseResponse) error {
	cb.c.logger.Info("deepgram stream closed")
	cb.c.fail(ErrStreamClosed)
	return nil
}

func (cb callback) Error(er *api.ErrorResponse) error {
	cb.c.logger.Warn("deepgram error", "code", er.ErrCode, "description", er.Description)
	data, err := json.Marshal(map[string]string{
		"type":    protocol.TypeError,
		"code":    er.ErrCode,
		"message": er.Description,
	})
	if err == nil {
		cb.c.enqueue(data)
	}
	return nil
}

func (cb callback) UnhandledEvent(raw []byte) error {
	cb.c.logger.Debug("deepgram unhandled event", "bytes", len(raw))
	return nil
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
