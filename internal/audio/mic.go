package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gordonklaus/portaudio"
)

// Mic wraps a PortAudio capture stream with a fixed buffer size.
type Mic struct {
	stream     *portaudio.Stream
	buf        []int16
	sampleRate int
}

// NewMic opens a mono PortAudio capture stream with the given sample rate
// and buffer size (in frames).
func NewMic(sampleRate, framesPerBuffer int) (*Mic, error) {
	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, err
	}
	return &Mic{stream: stream, buf: buf, sampleRate: sampleRate}, nil
}

// OpenMic tries each candidate rate in order and starts the first stream
// that opens. Devices commonly reject 16 kHz, hence the fallbacks.
func OpenMic(rates []int, framesPerBuffer int, logger *slog.Logger) (*Mic, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var lastErr error
	for _, rate := range rates {
		mic, err := NewMic(rate, framesPerBuffer)
		if err != nil {
			logger.Warn("microphone open failed", "sample_rate", rate, "error", err)
			lastErr = err
			continue
		}
		if err := mic.Start(); err != nil {
			logger.Warn("microphone start failed", "sample_rate", rate, "error", err)
			_ = mic.Close()
			lastErr = err
			continue
		}
		logger.Info("microphone started", "sample_rate", rate)
		return mic, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no sample rates to try")
	}
	return nil, fmt.Errorf("open microphone: %w", lastErr)
}

func (m *Mic) SampleRate() int { return m.sampleRate }
func (m *Mic) Start() error    { return m.stream.Start() }
func (m *Mic) Stop() error     { return m.stream.Stop() }
func (m *Mic) Close() error    { return m.stream.Close() }

// Stream reads from the mic and writes PCM16-LE to w until an error or stop.
func (m *Mic) Stream(w io.Writer) error {
	out := make([]byte, len(m.buf)*2)
	for {
		if err := m.stream.Read(); err != nil {
			return err
		}
		if _, err := w.Write(EncodePCM(out, m.buf)); err != nil {
			return err
		}
	}
}

// Streamer produces PCM into a writer until it fails or is stopped.
type Streamer interface {
	Stream(w io.Writer) error
}

// StreamWithRetry runs s until ctx is done, restarting after input
// overflows. Any other error ends streaming.
func StreamWithRetry(ctx context.Context, s Streamer, w io.Writer, wait func(time.Duration), logger *slog.Logger) {
	if wait == nil {
		wait = time.Sleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.Stream(w)
		if err == nil || ctx.Err() != nil {
			return
		}

		if strings.Contains(strings.ToLower(err.Error()), "overflow") {
			logger.Warn("mic input overflow, restarting stream")
			wait(250 * time.Millisecond)
			continue
		}

		logger.Error("mic stream failed", "error", err)
		return
	}
}

// EncodePCM writes samples as little-endian 16-bit PCM into dst, growing it
// when needed, and returns the encoded slice.
func EncodePCM(dst []byte, samples []int16) []byte {
	if cap(dst) < len(samples)*2 {
		dst = make([]byte, len(samples)*2)
	}
	dst = dst[:len(samples)*2]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst
}

// DecodePCM converts little-endian 16-bit PCM to samples. A trailing odd
// byte is ignored.
func DecodePCM(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}
