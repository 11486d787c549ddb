// Package display holds the canonical on-screen transcript: an ordered,
// size-bounded, duplicate-free sequence of items.
package display

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/voice-tutor/internal/protocol"
)

const (
	DefaultMaxItems    = 1000
	DefaultDedupWindow = time.Second
)

var (
	ErrEmptyContent   = errors.New("display item has empty content")
	ErrInvalidSpeaker = errors.New("display item has invalid speaker")
)

// Item is one transcript entry. Items are never modified after creation.
type Item struct {
	ID           string               `json:"id"`
	Kind         protocol.SegmentKind `json:"kind"`
	Content      string               `json:"content"`
	Speaker      protocol.Speaker     `json:"speaker"`
	ArrivedAt    time.Time            `json:"arrived_at"`
	Confidence   float64              `json:"confidence"`
	ShowThenTell bool                 `json:"show_then_tell"`
}

// Candidate is the input to Add. A zero ArrivedAt means now.
type Candidate struct {
	Kind         protocol.SegmentKind
	Content      string
	Speaker      protocol.Speaker
	ArrivedAt    time.Time
	Confidence   float64
	ShowThenTell bool
}

type Result int

const (
	Accepted Result = iota
	Duplicate
)

func (r Result) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "accepted"
}

type Stats struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Evicted    int `json:"evicted"`
}

type Options struct {
	MaxItems    int
	DedupWindow time.Duration
	Now         func() time.Time
}

// Buffer is written by a single owner and read by any number of
// subscribers. Subscribers are invoked synchronously, in subscription
// order, with the same snapshot; they must treat it as read-only and must
// not call Add or Clear.
type Buffer struct {
	window time.Duration
	now    func() time.Time

	writeMu sync.Mutex

	mu          sync.RWMutex
	ring        []Item
	head        int
	size        int
	lastSeen    map[string]time.Time
	lastArrival time.Time
	stats       Stats
	subs        []*subscriber
	nextSubID   uint64
}

type subscriber struct {
	id uint64
	fn func([]Item)
}

func NewBuffer(opts Options) *Buffer {
	if opts.MaxItems <= 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Buffer{
		window:   opts.DedupWindow,
		now:      opts.Now,
		ring:     make([]Item, opts.MaxItems),
		lastSeen: make(map[string]time.Time),
	}
}

// Add appends candidate unless the same normalized text from the same speaker
// was accepted less than the dedup window ago. Duplicates are expected
// traffic and are reported through Result, not as an error.
func (b *Buffer) Add(c Candidate) (Item, Result, error) {
	if strings.TrimSpace(c.Content) == "" {
		return Item{}, Accepted, ErrEmptyContent
	}
	if !c.Speaker.Valid() {
		return Item{}, Accepted, ErrInvalidSpeaker
	}
	if c.Kind == "" {
		c.Kind = protocol.SegmentText
	}
	if c.ArrivedAt.IsZero() {
		c.ArrivedAt = b.now()
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.Lock()
	at := c.ArrivedAt
	if at.Before(b.lastArrival) {
		at = b.lastArrival
	}

	key := contentKey(c.Content, c.Speaker)
	if last, ok := b.lastSeen[key]; ok && at.Sub(last) < b.window {
		b.stats.Duplicates++
		b.mu.Unlock()
		return Item{}, Duplicate, nil
	}

	item := Item{
		ID:           Fingerprint(c.Content, c.Speaker, at, b.window),
		Kind:         c.Kind,
		Content:      c.Content,
		Speaker:      c.Speaker,
		ArrivedAt:    at,
		Confidence:   c.Confidence,
		ShowThenTell: c.ShowThenTell,
	}

	b.prune(at)
	b.lastSeen[key] = at
	b.lastArrival = at
	b.push(item)
	b.stats.Accepted++

	snapshot := b.itemsLocked()
	subs := b.subs
	b.mu.Unlock()

	notify(subs, snapshot)
	return item, Accepted, nil
}

func (b *Buffer) push(item Item) {
	capacity := len(b.ring)
	if b.size < capacity {
		b.ring[(b.head+b.size)%capacity] = item
		b.size++
		return
	}
	b.ring[b.head] = item
	b.head = (b.head + 1) % capacity
	b.stats.Evicted++
}

func (b *Buffer) prune(now time.Time) {
	for key, last := range b.lastSeen {
		if now.Sub(last) >= b.window {
			delete(b.lastSeen, key)
		}
	}
}

// Subscribe registers fn for every accepted mutation and returns a function
// that removes it.
func (b *Buffer) Subscribe(fn func([]Item)) func() {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subs = append(b.subs, &subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Items returns a copy of the current sequence, oldest first.
func (b *Buffer) Items() []Item {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.itemsLocked()
}

func (b *Buffer) itemsLocked() []Item {
	out := make([]Item, b.size)
	capacity := len(b.ring)
	for i := 0; i < b.size; i++ {
		out[i] = b.ring[(b.head+i)%capacity]
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

func (b *Buffer) Cap() int {
	return len(b.ring)
}

func (b *Buffer) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

// Clear empties the buffer and resets dedup state. Subscribers receive an
// empty snapshot.
func (b *Buffer) Clear() {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.Lock()
	clear(b.ring)
	b.head = 0
	b.size = 0
	b.lastSeen = make(map[string]time.Time)
	b.lastArrival = time.Time{}
	b.stats = Stats{}
	subs := b.subs
	b.mu.Unlock()

	notify(subs, []Item{})
}

func notify(subs []*subscriber, snapshot []Item) {
	for _, s := range subs {
		s.fn(snapshot)
	}
}
