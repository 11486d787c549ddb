package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sjawhar/voice-tutor/internal/display"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerWSRoute streams view events. New clients first get a connection
// event and the current transcript.
func registerWSRoute(mux *http.ServeMux, hub *Hub, transcript TranscriptSource, logger *slog.Logger) {
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("ws upgrade failed", "error", err)
			return
		}
		defer func() { _ = conn.Close() }()

		ch := hub.Subscribe()
		defer hub.Unsubscribe(ch)

		hello := []any{ConnectionEvent{Event: newEvent("connection", time.Now().UTC()), Connected: true}}
		if transcript != nil {
			hello = append(hello, hub.transcriptEvent(transcript.Items()))
		}
		for _, ev := range hello {
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}

		for msg := range ch {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	})
}

var _ TranscriptSource = (*display.Buffer)(nil)
