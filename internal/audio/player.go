package audio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/sjawhar/voice-tutor/internal/events"
)

const (
	defaultUtteranceGap = 300 * time.Millisecond
	defaultQueueDepth   = 256
)

// Sink plays samples, blocking until they are queued on the device.
type Sink interface {
	WriteSamples(samples []int16) error
}

type Publisher interface {
	Publish(events.Event)
}

type PlayerOptions struct {
	// Gap of silence after which the next chunk starts a new utterance.
	Gap        time.Duration
	QueueDepth int
	Logger     *slog.Logger
	Now        func() time.Time
}

// Player plays tutor audio chunks from the bus and reports when each
// utterance actually starts playing.
type Player struct {
	sink   Sink
	pub    Publisher
	gap    time.Duration
	logger *slog.Logger
	now    func() time.Time

	queue chan []byte

	mu         sync.Mutex
	pendingIDs []string
	lastPlayed time.Time
	dropped    int
}

func NewPlayer(sink Sink, pub Publisher, opts PlayerOptions) *Player {
	if opts.Gap <= 0 {
		opts.Gap = defaultUtteranceGap
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Player{
		sink:   sink,
		pub:    pub,
		gap:    opts.Gap,
		logger: opts.Logger,
		now:    opts.Now,
		queue:  make(chan []byte, opts.QueueDepth),
	}
}

// Handle is a bus subscriber. It never blocks: chunks beyond the queue depth
// are dropped and counted.
func (p *Player) Handle(ev events.Event) {
	switch e := ev.(type) {
	case events.AudioChunk:
		select {
		case p.queue <- e.PCM:
		default:
			p.mu.Lock()
			p.dropped++
			p.mu.Unlock()
		}
	case events.AudioStarted:
		if e.Source != events.AudioSourceRemote || e.ItemID == "" {
			return
		}
		p.mu.Lock()
		p.pendingIDs = append(p.pendingIDs, e.ItemID)
		p.mu.Unlock()
	case events.SessionEnded:
		p.mu.Lock()
		p.pendingIDs = nil
		p.mu.Unlock()
	}
}

// Run plays queued chunks until ctx is done.
func (p *Player) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk := <-p.queue:
			p.play(chunk)
		}
	}
}

func (p *Player) play(chunk []byte) {
	samples := DecodePCM(chunk)
	if len(samples) == 0 {
		return
	}

	now := p.now()
	p.mu.Lock()
	var started *events.AudioStarted
	if p.lastPlayed.IsZero() || now.Sub(p.lastPlayed) > p.gap {
		ev := events.AudioStarted{StartedAt: now, Source: events.AudioSourcePlayback}
		if len(p.pendingIDs) > 0 {
			ev.ItemID = p.pendingIDs[0]
			p.pendingIDs = p.pendingIDs[1:]
		}
		started = &ev
	}
	p.mu.Unlock()

	if started != nil && p.pub != nil {
		p.pub.Publish(*started)
	}

	if err := p.sink.WriteSamples(samples); err != nil {
		p.logger.Warn("tutor audio playback failed", "error", err)
	}

	p.mu.Lock()
	p.lastPlayed = p.now()
	p.mu.Unlock()
}

func (p *Player) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Speaker is a blocking PortAudio output stream.
type Speaker struct {
	stream *portaudio.Stream
	buf    []int16
}

func NewSpeaker(sampleRate, framesPerBuffer int) (*Speaker, error) {
	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, err
	}
	return &Speaker{stream: stream, buf: buf}, nil
}

func (s *Speaker) Start() error { return s.stream.Start() }
func (s *Speaker) Stop() error  { return s.stream.Stop() }
func (s *Speaker) Close() error { return s.stream.Close() }

func (s *Speaker) WriteSamples(samples []int16) error {
	for len(samples) > 0 {
		n := copy(s.buf, samples)
		clear(s.buf[n:])
		if err := s.stream.Write(); err != nil {
			return err
		}
		samples = samples[n:]
	}
	return nil
}
