package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/voice-tutor/internal/display"
	"github.com/sjawhar/voice-tutor/internal/events"
)

// Hub fans view events out to websocket clients. Slow clients miss
// messages rather than blocking the bus.
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, now: time.Now, clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// HandleItems is a display buffer subscriber.
func (h *Hub) HandleItems(items []display.Item) {
	h.broadcastEvent(h.transcriptEvent(items))
}

func (h *Hub) transcriptEvent(items []display.Item) TranscriptEvent {
	if items == nil {
		items = []display.Item{}
	}
	return TranscriptEvent{Event: newEvent("transcript", h.now()), Items: items}
}

// HandleEvent is a bus subscriber translating domain events to view events.
func (h *Hub) HandleEvent(ev events.Event) {
	now := h.now()
	switch e := ev.(type) {
	case events.StateChanged:
		h.broadcastEvent(StateChangedEvent{Event: newEvent("state_changed", e.At), SessionID: e.SessionID, From: e.From, To: e.To})
	case events.ConnectionStateChanged:
		h.broadcastEvent(ConnectionEvent{
			Event:       newEvent("connection", now),
			Connected:   e.To == "connected",
			State:       e.To,
			Reconnected: e.Reconnected,
		})
	case events.Reconnecting:
		h.broadcastEvent(ReconnectingEvent{Event: newEvent("reconnecting", now), Attempt: e.Attempt, Delay: e.Delay.Seconds()})
	case events.ConnectionQuality:
		h.broadcastEvent(QualityEvent{
			Event: newEvent("connection_quality", now),
			RTT:   float64(e.RTT) / float64(time.Millisecond),
			Score: e.Score,
		})
	case events.Notification:
		h.broadcastEvent(NotificationEvent{
			Event:     newEvent("notification", now),
			ID:        e.ID,
			SessionID: e.SessionID,
			Severity:  e.Severity,
			Message:   e.Message,
			Retryable: e.Retryable,
			Degraded:  e.Degraded,
		})
	case events.SessionEnded:
		h.broadcastEvent(SessionEndedEvent{
			Event:     newEvent("session_ended", now),
			SessionID: e.SessionID,
			Duration:  e.Duration.Seconds(),
			Items:     e.Items,
			Errors:    e.Errors,
		})
	case events.RecapReady:
		h.broadcastEvent(RecapReadyEvent{Event: newEvent("recap_ready", now), SessionID: e.SessionID, Recap: e.Recap, Status: e.Status})
	}
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("event marshal failed", "error", err)
		return
	}
	h.Broadcast(payload)
}
