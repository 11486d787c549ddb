package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/sjawhar/voice-tutor/internal/display"
	"github.com/sjawhar/voice-tutor/internal/events"
)

// ItemsMsg carries a display buffer snapshot.
type ItemsMsg struct{ Items []display.Item }

// EventMsg carries a bus event into the program.
type EventMsg struct{ Event events.Event }

type commandDoneMsg struct {
	action string
	err    error
}

type clearErrorMsg struct{}

// Sender is satisfied by *tea.Program.
type Sender interface {
	Send(msg tea.Msg)
}

// Attach forwards buffer snapshots and bus events to the program. The
// returned func detaches both subscriptions.
func Attach(p Sender, bus *events.Bus, buffer *display.Buffer) func() {
	unsubItems := buffer.Subscribe(func(items []display.Item) {
		p.Send(ItemsMsg{Items: items})
	})
	unsubEvents := bus.Subscribe(func(ev events.Event) {
		switch ev.(type) {
		case events.AudioChunk, events.TranscriptReceived, events.AudioStarted:
			return
		}
		p.Send(EventMsg{Event: ev})
	})
	return func() {
		unsubItems()
		unsubEvents()
	}
}
