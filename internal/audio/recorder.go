package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/youpy/go-wav"
)

const (
	defaultSampleRate = 16000
	pcmChannels       = 1
	pcmBitDepth       = 16
)

// Encoder turns a spooled s16le mono PCM file into an archive at base plus
// its own extension and returns the written path.
type Encoder func(spoolPath, base string, sampleRate int) (string, error)

// Recorder archives the student's microphone audio per session under
// <dir>/<YYYY-MM-DD>/<session id>. PCM is spooled while the session runs and
// encoded once it ends.
type Recorder struct {
	dir string
	now func() time.Time

	// encoders are tried in order; the first success wins.
	encoders []Encoder

	mu         sync.Mutex
	sampleRate int
	active     *recording
}

type recording struct {
	sessionID string
	base      string
	spool     *os.File
	written   int64
}

func NewRecorder(dir string) *Recorder {
	if dir == "" {
		dir = filepath.Join("data", "audio")
	}
	encoders := []Encoder{EncodeWAV}
	if _, err := exec.LookPath("ffmpeg"); err == nil {
		encoders = append([]Encoder{EncodeMP3}, encoders...)
	}
	return &Recorder{dir: dir, now: time.Now, encoders: encoders, sampleRate: defaultSampleRate}
}

// SetSampleRate records the rate the microphone actually opened at.
func (r *Recorder) SetSampleRate(rate int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rate > 0 {
		r.sampleRate = rate
	}
}

// Writer tees microphone PCM into the active recording before handing it to
// dst. Audio outside a session only reaches dst.
func (r *Recorder) Writer(dst io.Writer) io.Writer {
	return &teeWriter{recorder: r, dst: dst}
}

func (r *Recorder) StartSession(sessionID string) error {
	dayDir := filepath.Join(r.dir, r.now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return fmt.Errorf("create audio directory: %w", err)
	}

	base := filepath.Join(dayDir, sessionID)
	spool, err := os.OpenFile(base+".pcm", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open pcm spool: %w", err)
	}

	r.mu.Lock()
	prev := r.active
	r.active = &recording{sessionID: sessionID, base: base, spool: spool}
	r.mu.Unlock()

	if prev != nil {
		discard(prev)
	}
	return nil
}

// EndSession closes the active recording and returns the archive path. It
// returns "" when nothing was recording or no audio was captured.
func (r *Recorder) EndSession() (string, error) {
	r.mu.Lock()
	rec := r.active
	r.active = nil
	rate := r.sampleRate
	r.mu.Unlock()

	if rec == nil {
		return "", nil
	}
	if rec.written == 0 {
		discard(rec)
		return "", nil
	}

	spoolPath := rec.spool.Name()
	if err := rec.spool.Close(); err != nil {
		return "", fmt.Errorf("close pcm spool: %w", err)
	}

	var errs []error
	for _, encode := range r.encoders {
		path, err := encode(spoolPath, rec.base, rate)
		if err == nil {
			_ = os.Remove(spoolPath)
			return path, nil
		}
		errs = append(errs, err)
	}
	return "", fmt.Errorf("encode session %s audio: %w", rec.sessionID, errors.Join(errs...))
}

func (r *Recorder) archive(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return nil
	}
	n, err := r.active.spool.Write(p)
	r.active.written += int64(n)
	if err != nil {
		return fmt.Errorf("spool pcm: %w", err)
	}
	return nil
}

func discard(rec *recording) {
	_ = rec.spool.Close()
	_ = os.Remove(rec.spool.Name())
}

// EncodeMP3 shells out to ffmpeg.
func EncodeMP3(spoolPath, base string, sampleRate int) (string, error) {
	out := base + ".mp3"
	cmd := exec.Command(
		"ffmpeg", "-y", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(pcmChannels),
		"-i", spoolPath,
		out,
	)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffmpeg: %w", err)
	}
	return out, nil
}

func EncodeWAV(spoolPath, base string, sampleRate int) (string, error) {
	data, err := os.ReadFile(spoolPath)
	if err != nil {
		return "", fmt.Errorf("read pcm spool: %w", err)
	}
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}

	pcm := DecodePCM(data)
	samples := make([]wav.Sample, len(pcm))
	for i, v := range pcm {
		samples[i].Values[0] = int(v)
	}

	out := base + ".wav"
	f, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open wav output: %w", err)
	}
	w := wav.NewWriter(f, uint32(len(samples)), pcmChannels, uint32(sampleRate), pcmBitDepth)
	if err := errors.Join(w.WriteSamples(samples), f.Close()); err != nil {
		return "", fmt.Errorf("write wav: %w", err)
	}
	return out, nil
}

type teeWriter struct {
	recorder *Recorder
	dst      io.Writer
}

func (w *teeWriter) Write(p []byte) (int, error) {
	if err := w.recorder.archive(p); err != nil {
		return 0, err
	}
	return w.dst.Write(p)
}
