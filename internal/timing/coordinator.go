// Package timing measures the show-then-tell lead: how long a transcript
// item is on screen before its audio starts playing.
//
// The coordinator is observational. The delay between text and speech is
// applied by the upstream speech service; this client cannot hold audio
// back, so it only records, classifies and reports deviations.
package timing

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Classification int

const (
	WithinTolerance Classification = iota
	Drifted
	Inverted
)

func (c Classification) String() string {
	switch c {
	case WithinTolerance:
		return "within_tolerance"
	case Drifted:
		return "drifted"
	case Inverted:
		return "inverted"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Window bounds the acceptable lead time, inclusive on both ends.
type Window struct {
	Min time.Duration
	Max time.Duration
}

var DefaultWindow = Window{Min: 300 * time.Millisecond, Max: 500 * time.Millisecond}

// Classify labels a lead time. Audio at or before its text is Inverted.
func (w Window) Classify(lead time.Duration) Classification {
	switch {
	case lead <= 0:
		return Inverted
	case lead >= w.Min && lead <= w.Max:
		return WithinTolerance
	default:
		return Drifted
	}
}

type Measurement struct {
	ItemID         string         `json:"item_id,omitempty"`
	TextAt         time.Time      `json:"text_at"`
	AudioAt        time.Time      `json:"audio_at"`
	Lead           time.Duration  `json:"lead"`
	Classification Classification `json:"classification"`
}

// TimingViolationError reports audio that started at or before its text.
// It is a warning-level condition, never fatal.
type TimingViolationError struct {
	Measurement Measurement
}

func (e *TimingViolationError) Error() string {
	return fmt.Sprintf("show-then-tell violation: audio for item %q started %v before its text",
		e.Measurement.ItemID, -e.Measurement.Lead)
}

var ErrNoMeasurement = errors.New("no lead time measured yet")

type Stats struct {
	WithinTolerance int           `json:"within_tolerance"`
	Drifted         int           `json:"drifted"`
	Inverted        int           `json:"inverted"`
	MeanLead        time.Duration `json:"mean_lead"`
	Last            *Measurement  `json:"last,omitempty"`
}

func (s Stats) Total() int {
	return s.WithinTolerance + s.Drifted + s.Inverted
}

type Options struct {
	Window Window
	// StaleAfter drops unmatched observations older than this. Defaults to 10s.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

type mark struct {
	itemID string
	at     time.Time
}

// Coordinator pairs text arrivals with audio starts. Pairing is by item id
// when both sides carry one, otherwise first-in first-out.
type Coordinator struct {
	window     Window
	staleAfter time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	texts     []mark
	audios    []mark
	last      *Measurement
	stats     Stats
	totalLead time.Duration
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Window.Min <= 0 || opts.Window.Max <= 0 || opts.Window.Min > opts.Window.Max {
		opts.Window = DefaultWindow
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{window: opts.Window, staleAfter: opts.StaleAfter, logger: opts.Logger}
}

func (c *Coordinator) Window() Window {
	return c.window
}

// RecordTextArrival notes that itemID became visible at at. If audio for it
// already started, the pair is measured immediately and is Inverted.
func (c *Coordinator) RecordTextArrival(itemID string, at time.Time) (Measurement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.audios = expire(c.audios, at, c.staleAfter)
	if idx := match(c.audios, itemID); idx >= 0 {
		audio := c.audios[idx]
		c.audios = remove(c.audios, idx)
		return c.recordLocked(itemID, at, audio.at), true
	}

	c.texts = append(expire(c.texts, at, c.staleAfter), mark{itemID: itemID, at: at})
	return Measurement{}, false
}

// RecordAudioStart notes that audio playback began at at. itemID may be
// empty when the audio source carries no correlation id.
func (c *Coordinator) RecordAudioStart(itemID string, at time.Time) (Measurement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.texts = expire(c.texts, at, c.staleAfter)
	if idx := match(c.texts, itemID); idx >= 0 {
		text := c.texts[idx]
		c.texts = remove(c.texts, idx)
		if itemID == "" {
			itemID = text.itemID
		}
		return c.recordLocked(itemID, text.at, at), true
	}

	c.audios = append(expire(c.audios, at, c.staleAfter), mark{itemID: itemID, at: at})
	return Measurement{}, false
}

// ComputeLeadTime returns the most recent measurement. An inverted
// measurement is returned together with a *TimingViolationError.
func (c *Coordinator) ComputeLeadTime() (Measurement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last == nil {
		return Measurement{}, ErrNoMeasurement
	}
	m := *c.last
	if m.Classification == Inverted {
		return m, &TimingViolationError{Measurement: m}
	}
	return m, nil
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	if n := s.Total(); n > 0 {
		s.MeanLead = c.totalLead / time.Duration(n)
	}
	if c.last != nil {
		last := *c.last
		s.Last = &last
	}
	return s
}

// Reset discards pending observations and statistics.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = nil
	c.audios = nil
	c.last = nil
	c.stats = Stats{}
	c.totalLead = 0
}

func (c *Coordinator) recordLocked(itemID string, textAt, audioAt time.Time) Measurement {
	lead := audioAt.Sub(textAt)
	m := Measurement{
		ItemID:         itemID,
		TextAt:         textAt,
		AudioAt:        audioAt,
		Lead:           lead,
		Classification: c.window.Classify(lead),
	}

	c.last = &m
	c.totalLead += lead
	switch m.Classification {
	case WithinTolerance:
		c.stats.WithinTolerance++
	case Drifted:
		c.stats.Drifted++
		c.logger.Info("show-then-tell lead outside window", "item_id", itemID, "lead", lead, "min", c.window.Min, "max", c.window.Max)
	case Inverted:
		c.stats.Inverted++
		c.logger.Warn("show-then-tell violation", "item_id", itemID, "lead", lead, "error", &TimingViolationError{Measurement: m})
	}
	return m
}

func match(marks []mark, itemID string) int {
	if len(marks) == 0 {
		return -1
	}
	if itemID != "" {
		for i, m := range marks {
			if m.itemID == itemID {
				return i
			}
		}
		for i, m := range marks {
			if m.itemID == "" {
				return i
			}
		}
		return -1
	}
	return 0
}

func remove(marks []mark, idx int) []mark {
	return append(marks[:idx:idx], marks[idx+1:]...)
}

func expire(marks []mark, now time.Time, staleAfter time.Duration) []mark {
	keep := marks[:0]
	for _, m := range marks {
		if now.Sub(m.at) < staleAfter {
			keep = append(keep, m)
		}
	}
	return keep
}
