package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sjawhar/voice-tutor/internal/display"
	"github.com/sjawhar/voice-tutor/internal/events"
	"github.com/sjawhar/voice-tutor/internal/protocol"
	"github.com/sjawhar/voice-tutor/internal/storage"
	"github.com/sjawhar/voice-tutor/internal/timing"
	"github.com/sjawhar/voice-tutor/internal/transport"
)

type transportMock struct {
	mu          sync.Mutex
	bus         *events.Bus
	autoAck     bool
	connectErr  error
	block       chan struct{}
	endpoints   []string
	creds       []transport.Credentials
	sent        []any
	audio       [][]byte
	disconnects int
	status      transport.Status
}

func (m *transportMock) Connect(ctx context.Context, endpoint string, creds transport.Credentials) (transport.Conn, error) {
	m.mu.Lock()
	m.endpoints = append(m.endpoints, endpoint)
	m.creds = append(m.creds, creds)
	block := m.block
	err := m.connectErr
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &transport.ConnectionError{Endpoint: endpoint, Err: ctx.Err()}
		}
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (m *transportMock) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
}

func (m *transportMock) Send(v any) error {
	m.mu.Lock()
	m.sent = append(m.sent, v)
	ack := m.autoAck
	m.mu.Unlock()

	if hello, ok := v.(protocol.SessionStart); ok && ack && !hello.Resume {
		m.bus.Publish(events.SessionAcknowledged{SessionID: hello.SessionID})
	}
	return nil
}

func (m *transportMock) SendAudio(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio = append(m.audio, append([]byte(nil), pcm...))
	return nil
}

func (m *transportMock) Status() transport.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *transportMock) set(fn func(m *transportMock)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

func (m *transportMock) sentCopy() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]any(nil), m.sent...)
}

func (m *transportMock) endpointsCopy() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.endpoints...)
}

type storeMock struct {
	mu          sync.Mutex
	created     []storage.Session
	summaries   []storage.Session
	transcripts map[string][]storage.TranscriptItem
	summaryErr  error
}

func (s *storeMock) CreateSession(sess storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, sess)
	return nil
}

func (s *storeMock) SaveSummary(sess storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, sess)
	return s.summaryErr
}

func (s *storeMock) SaveTranscript(sessionID string, items []storage.TranscriptItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcripts == nil {
		s.transcripts = make(map[string][]storage.TranscriptItem)
	}
	s.transcripts[sessionID] = items
	return nil
}

func (s *storeMock) summariesCopy() []storage.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.Session(nil), s.summaries...)
}

type recorderMock struct {
	mu      sync.Mutex
	started []string
	ended   int
}

func (r *recorderMock) StartSession(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, sessionID)
	return nil
}

func (r *recorderMock) EndSession() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
	return "/audio/session.wav", nil
}

type recapMock struct {
	mu    sync.Mutex
	calls []string
}

func (r *recapMock) Generate(_ context.Context, sessionID string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sessionID)
	return "Practised fractions.", storage.RecapCompleted, nil
}

type exporterMock struct {
	mu      sync.Mutex
	records []storage.Session
	items   [][]storage.TranscriptItem
}

func (e *exporterMock) Export(sess storage.Session, items []storage.TranscriptItem) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, sess)
	e.items = append(e.items, items)
	return "/exports/" + sess.ID + ".md", nil
}

type uploaderMock struct {
	mu    sync.Mutex
	paths []string
}

func (u *uploaderMock) Upload(_ context.Context, path string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paths = append(u.paths, path)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) record(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) notifications() []events.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Notification
	for _, ev := range l.events {
		if n, ok := ev.(events.Notification); ok {
			out = append(out, n)
		}
	}
	return out
}

func (l *eventLog) transitions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		if sc, ok := ev.(events.StateChanged); ok {
			out = append(out, sc.From+">"+sc.To)
		}
	}
	return out
}

func (l *eventLog) count(kind string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

type harness struct {
	o         *Orchestrator
	bus       *events.Bus
	buffer    *display.Buffer
	timing    *timing.Coordinator
	transport *transportMock
	store     *storeMock
	recorder  *recorderMock
	recap     *recapMock
	exporter  *exporterMock
	uploader  *uploaderMock
	log       *eventLog
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()

	bus := events.NewBus(nil)
	h := &harness{
		bus:       bus,
		buffer:    display.NewBuffer(display.Options{}),
		timing:    timing.NewCoordinator(timing.Options{}),
		transport: &transportMock{bus: bus, autoAck: true},
		store:     &storeMock{},
		recorder:  &recorderMock{},
		recap:     &recapMock{},
		exporter:  &exporterMock{},
		uploader:  &uploaderMock{},
		log:       &eventLog{},
	}
	bus.Subscribe(h.log.record)

	opts := Options{
		Bus:              bus,
		Buffer:           h.buffer,
		Timing:           h.timing,
		Transport:        h.transport,
		Store:            h.store,
		Recorder:         h.recorder,
		Recap:            h.recap,
		Exporter:         h.exporter,
		Uploader:         h.uploader,
		Endpoint:         "wss://tutor.example/v1",
		FallbackEndpoint: "deepgram://nova-2",
		Token:            "token",
		AckTimeout:       time.Second,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	h.o = New(opts)
	t.Cleanup(func() {
		h.o.EndSession(context.Background())
		h.o.Close()
	})
	return h
}

func (h *harness) startActive(t *testing.T) string {
	t.Helper()
	id, err := h.o.StartSession(Config{Identity: "student-1", Topic: "Fractions", Grade: 5})
	if err != nil {
		t.Fatalf("StartSession returned error: %v", err)
	}
	waitForState(t, h.o, StateActive)
	return id
}

func waitForState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	waitFor(t, fmt.Sprintf("state %s", want), func() bool { return o.State() == want })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func teacherLine(content, itemID string, at time.Time) events.TranscriptReceived {
	return events.TranscriptReceived{
		Transcript: protocol.Transcript{
			Segments:     []protocol.Segment{{Kind: protocol.SegmentText, Content: content, Confidence: 0.9}},
			Speaker:      protocol.SpeakerTeacher,
			ShowThenTell: true,
			ItemID:       itemID,
		},
		ReceivedAt: at,
	}
}

func TestStartSessionBecomesActiveAfterAck(t *testing.T) {
	h := newHarness(t)

	id := h.startActive(t)

	sent := h.transport.sentCopy()
	if len(sent) == 0 {
		t.Fatal("expected session_start to be sent")
	}
	hello, ok := sent[0].(protocol.SessionStart)
	if !ok {
		t.Fatalf("first frame = %T, want protocol.SessionStart", sent[0])
	}
	if hello.Type != protocol.TypeSessionStart || hello.SessionID != id || hello.Identity != "student-1" || hello.Grade != 5 {
		t.Fatalf("unexpected session_start: %+v", hello)
	}

	got := strings.Join(h.log.transitions(), ",")
	if got != "IDLE>CONNECTING,CONNECTING>ACTIVE" {
		t.Fatalf("transitions = %s", got)
	}
	if creds := h.transport.creds[0]; creds.Token != "token" || creds.Identity != "student-1" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
	if len(h.store.created) != 1 || h.store.created[0].ID != id || h.store.created[0].Status != storage.StatusActive {
		t.Fatalf("unexpected created sessions: %+v", h.store.created)
	}
	if len(h.recorder.started) != 1 || h.recorder.started[0] != id {
		t.Fatalf("expected recorder to start for %s, got %v", id, h.recorder.started)
	}
}

func TestStartSessionIgnoresAckForOtherSession(t *testing.T) {
	h := newHarness(t)
	h.transport.set(func(m *transportMock) { m.autoAck = false })

	id, err := h.o.StartSession(Config{Identity: "student-1"})
	if err != nil {
		t.Fatalf("StartSession returned error: %v", err)
	}
	waitFor(t, "session_start", func() bool { return len(h.transport.sentCopy()) == 1 })

	h.bus.Publish(events.SessionAcknowledged{SessionID: "someone-else"})
	if got := h.o.State(); got != StateConnecting {
		t.Fatalf("state = %s, want CONNECTING", got)
	}

	h.bus.Publish(events.SessionAcknowledged{SessionID: id})
	waitForState(t, h.o, StateActive)
}

func TestStartSessionRejectedWhenNotIdle(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	_, err := h.o.StartSession(Config{Identity: "student-2"})

	var initErr *SessionInitError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected SessionInitError, got %v", err)
	}
	if initErr.State != StateActive || !errors.Is(err, ErrSessionInProgress) {
		t.Fatalf("unexpected init error: %+v", initErr)
	}
	if got := len(h.transport.endpointsCopy()); got != 1 {
		t.Fatalf("expected a single connect, got %d", got)
	}
}

func TestStartSessionValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{name: "missing identity", cfg: Config{Identity: "  "}},
		{name: "long topic", cfg: Config{Identity: "s", Topic: strings.Repeat("x", 201)}},
		{name: "grade too high", cfg: Config{Identity: "s", Grade: 13}},
		{name: "negative grade", cfg: Config{Identity: "s", Grade: -1}},
		{name: "empty metadata key", cfg: Config{Identity: "s", Metadata: map[string]string{"": "v"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.o.StartSession(tc.cfg)

			var initErr *SessionInitError
			if !errors.As(err, &initErr) || !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected invalid config error, got %v", err)
			}
			if h.o.State() != StateIdle {
				t.Fatalf("state = %s, want IDLE", h.o.State())
			}
			if len(h.transport.endpointsCopy()) != 0 {
				t.Fatal("expected no connect attempt")
			}
		})
	}

	if err := (Config{Identity: "s", Topic: strings.Repeat("é", 200), Grade: 12}).Validate(); err != nil {
		t.Fatalf("expected 200-character topic to be valid: %v", err)
	}
}

func TestDuplicateTranscriptWithinWindowDisplayedOnce(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	t0 := time.Now()
	h.bus.Publish(teacherLine("Let's add the numerators.", "i1", t0))
	h.bus.Publish(teacherLine("Let's add the numerators.", "i2", t0.Add(500*time.Millisecond)))

	if got := h.buffer.Len(); got != 1 {
		t.Fatalf("buffer length = %d, want 1", got)
	}
	m := h.o.Snapshot().Metrics
	if m.Messages != 2 || m.Items != 1 || m.Duplicates != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestTranscriptDroppedUnlessActive(t *testing.T) {
	h := newHarness(t)
	h.transport.set(func(m *transportMock) { m.autoAck = false })

	if _, err := h.o.StartSession(Config{Identity: "student-1"}); err != nil {
		t.Fatalf("StartSession returned error: %v", err)
	}
	h.bus.Publish(teacherLine("Too early.", "i1", time.Now()))

	if got := h.buffer.Len(); got != 0 {
		t.Fatalf("buffer length = %d, want 0", got)
	}
	if got := h.o.Snapshot().Metrics.Dropped; got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestTranscriptDroppedWhilePaused(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	if err := h.o.Pause(); err != nil {
		t.Fatalf("Pause returned error: %v", err)
	}
	h.bus.Publish(teacherLine("Still talking.", "i1", time.Now()))

	if got := h.buffer.Len(); got != 0 {
		t.Fatalf("buffer length = %d, want 0", got)
	}
}

func TestShowThenTellLeadWithinTolerance(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	t0 := time.Now()
	h.bus.Publish(teacherLine("Three quarters is bigger.", "item-7", t0))
	h.bus.Publish(events.AudioStarted{ItemID: "item-7", StartedAt: t0.Add(400 * time.Millisecond), Source: events.AudioSourceRemote})

	m, err := h.timing.ComputeLeadTime()
	if err != nil {
		t.Fatalf("ComputeLeadTime returned error: %v", err)
	}
	if m.Lead != 400*time.Millisecond || m.Classification != timing.WithinTolerance {
		t.Fatalf("unexpected measurement: %+v", m)
	}
}

func TestLeadUsesLocalClockForRemoteTimestamps(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	// The sender's clock runs two seconds behind ours.
	remote := time.Now().Add(-2 * time.Second).UnixMilli()
	textFrame := fmt.Sprintf(`{"type":"transcript","segments":["Halves are equal parts."],"speaker":"teacher","itemId":"item-3","timestamp":%d}`, remote)
	audioFrame := fmt.Sprintf(`{"type":"audio_start","itemId":"item-3","timestamp":%d}`, remote+400)

	t0 := time.Now()
	h.bus.Publish(events.FromMessage(protocol.Decode([]byte(textFrame)), t0))
	h.bus.Publish(events.FromMessage(protocol.Decode([]byte(audioFrame)), t0.Add(400*time.Millisecond)))

	m, err := h.timing.ComputeLeadTime()
	if err != nil {
		t.Fatalf("ComputeLeadTime returned error: %v", err)
	}
	if m.Lead != 400*time.Millisecond || m.Classification != timing.WithinTolerance {
		t.Fatalf("unexpected measurement: %+v", m)
	}
}

func TestUnflaggedTutorLineIsTimed(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	line := func(at time.Time) events.TranscriptReceived {
		return events.TranscriptReceived{
			Transcript: protocol.Transcript{
				Segments: []protocol.Segment{{Kind: protocol.SegmentText, Content: "2+2=4"}},
				Speaker:  protocol.SpeakerTeacher,
			},
			ReceivedAt: at,
		}
	}

	t0 := time.Now()
	h.bus.Publish(line(t0))
	h.bus.Publish(line(t0.Add(300 * time.Millisecond)))
	if got := h.buffer.Len(); got != 1 {
		t.Fatalf("buffer length = %d, want 1", got)
	}

	h.bus.Publish(events.AudioStarted{StartedAt: t0.Add(400 * time.Millisecond), Source: events.AudioSourceRemote})
	m, err := h.timing.ComputeLeadTime()
	if err != nil {
		t.Fatalf("ComputeLeadTime returned error: %v", err)
	}
	if m.Lead != 400*time.Millisecond || m.Classification != timing.WithinTolerance {
		t.Fatalf("unexpected measurement: %+v", m)
	}

	if _, ok := h.o.EndSession(context.Background()); !ok {
		t.Fatal("expected EndSession to report a session")
	}
	h.o.Wait()
	if h.o.State() != StateIdle || h.buffer.Len() != 0 {
		t.Fatalf("state = %s, buffer length = %d; want IDLE and empty", h.o.State(), h.buffer.Len())
	}
}

func TestLeadMeasuredFromDisplayedArrival(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	t0 := time.Now()
	h.bus.Publish(teacherLine("First we find a common denominator.", "item-1", t0))
	h.bus.Publish(events.AudioStarted{ItemID: "item-1", StartedAt: t0.Add(350 * time.Millisecond), Source: events.AudioSourceRemote})

	// Received with an earlier timestamp; the buffer shows it at t0.
	h.bus.Publish(teacherLine("Then we add.", "item-2", t0.Add(-200*time.Millisecond)))
	h.bus.Publish(events.AudioStarted{ItemID: "item-2", StartedAt: t0.Add(400 * time.Millisecond), Source: events.AudioSourceRemote})

	m, err := h.timing.ComputeLeadTime()
	if err != nil {
		t.Fatalf("ComputeLeadTime returned error: %v", err)
	}
	if m.ItemID != "item-2" || m.Lead != 400*time.Millisecond {
		t.Fatalf("unexpected measurement: %+v", m)
	}
}

func TestAudioStartFromUnselectedSourceIgnored(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AudioStartSource = events.AudioSourcePlayback })
	h.startActive(t)

	t0 := time.Now()
	h.bus.Publish(teacherLine("Watch the board.", "item-1", t0))
	h.bus.Publish(events.AudioStarted{ItemID: "item-1", StartedAt: t0.Add(350 * time.Millisecond), Source: events.AudioSourceRemote})

	if _, err := h.timing.ComputeLeadTime(); !errors.Is(err, timing.ErrNoMeasurement) {
		t.Fatalf("expected no measurement from remote source, got %v", err)
	}

	h.bus.Publish(events.AudioStarted{ItemID: "item-1", StartedAt: t0.Add(450 * time.Millisecond), Source: events.AudioSourcePlayback})
	m, err := h.timing.ComputeLeadTime()
	if err != nil || m.Lead != 450*time.Millisecond {
		t.Fatalf("unexpected measurement %+v, err %v", m, err)
	}
}

func TestEndSessionClearsBufferAndReturnsToIdle(t *testing.T) {
	h := newHarness(t)
	id := h.startActive(t)

	h.bus.Publish(teacherLine("A fraction has a numerator.", "i1", time.Now()))
	h.bus.Publish(events.TranscriptReceived{
		Transcript: protocol.Transcript{
			Segments: []protocol.Segment{{Kind: protocol.SegmentText, Content: "What is a denominator?"}},
			Speaker:  protocol.SpeakerStudent,
		},
		ReceivedAt: time.Now(),
	})

	summary, ok := h.o.EndSession(context.Background())
	if !ok {
		t.Fatal("expected EndSession to report a session")
	}
	h.o.Wait()

	if h.o.State() != StateIdle {
		t.Fatalf("state = %s, want IDLE", h.o.State())
	}
	if h.buffer.Len() != 0 {
		t.Fatalf("buffer length = %d, want 0", h.buffer.Len())
	}
	if summary.SessionID != id || summary.Status != storage.StatusEnded || summary.Metrics.Items != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.AudioPath != "/audio/session.wav" || h.recorder.ended != 1 {
		t.Fatalf("expected recording to end, summary audio %q", summary.AudioPath)
	}

	items := h.store.transcripts[id]
	if len(items) != 2 {
		t.Fatalf("persisted %d items, want 2", len(items))
	}
	if items[0].EventType != storage.EventTutorResponse || items[1].EventType != storage.EventStudentQuestion {
		t.Fatalf("unexpected event types: %s, %s", items[0].EventType, items[1].EventType)
	}
	sums := h.store.summariesCopy()
	if len(sums) != 1 || sums[0].Status != storage.StatusEnded || sums[0].Items != 2 || sums[0].EndedAt == nil {
		t.Fatalf("unexpected summaries: %+v", sums)
	}

	var sawEnd bool
	for _, v := range h.transport.sentCopy() {
		if c, ok := v.(protocol.Control); ok && c.Type == protocol.TypeSessionEnd {
			sawEnd = true
		}
	}
	if !sawEnd {
		t.Fatal("expected session_end control frame")
	}
	if h.transport.disconnects == 0 {
		t.Fatal("expected transport disconnect")
	}

	if h.log.count(events.KindSessionEnded) != 1 || h.log.count(events.KindRecapReady) != 1 {
		t.Fatalf("expected one session_ended and one recap_ready event")
	}
	if len(h.exporter.records) != 1 || h.exporter.records[0].Recap != "Practised fractions." {
		t.Fatalf("expected export with recap, got %+v", h.exporter.records)
	}
	if len(h.uploader.paths) != 1 || h.uploader.paths[0] != "/exports/"+id+".md" {
		t.Fatalf("unexpected uploads: %v", h.uploader.paths)
	}

	tail := h.log.transitions()
	if got := strings.Join(tail[len(tail)-2:], ","); got != "ACTIVE>ENDING,ENDING>IDLE" {
		t.Fatalf("final transitions = %s", got)
	}
}

func TestEndSessionFromIdleIsNoop(t *testing.T) {
	h := newHarness(t)

	if _, ok := h.o.EndSession(context.Background()); ok {
		t.Fatal("expected no-op from IDLE")
	}
	if len(h.store.summariesCopy()) != 0 || len(h.log.transitions()) != 0 {
		t.Fatal("expected no persistence or transitions")
	}
	if h.transport.disconnects != 0 {
		t.Fatal("expected transport untouched")
	}
}

func TestEndSessionCancelsPendingConnect(t *testing.T) {
	h := newHarness(t)
	h.transport.set(func(m *transportMock) { m.block = make(chan struct{}) })

	if _, err := h.o.StartSession(Config{Identity: "student-1"}); err != nil {
		t.Fatalf("StartSession returned error: %v", err)
	}
	summary, ok := h.o.EndSession(context.Background())
	if !ok {
		t.Fatal("expected EndSession to end the connecting session")
	}
	h.o.Wait()

	if h.o.State() != StateIdle || summary.Status != storage.StatusEnded {
		t.Fatalf("state %s, summary status %s", h.o.State(), summary.Status)
	}
	if len(h.log.notifications()) != 0 {
		t.Fatal("cancelled connect must not raise a notification")
	}
}

func TestConnectFailuresRaiseSingleNotification(t *testing.T) {
	var dials int
	var mu sync.Mutex
	dialer := transport.DialerFunc(func(ctx context.Context, endpoint string, creds transport.Credentials) (transport.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		return nil, errors.New("connection refused")
	})

	bus := events.NewBus(nil)
	manager := transport.NewManager(dialer, bus, transport.Options{Policy: transport.RetryPolicy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		MaxAttempts: 5,
	}})
	h := newHarness(t, func(o *Options) {
		o.Bus = bus
		o.Transport = manager
	})
	h.bus = bus
	bus.Subscribe(h.log.record)

	if _, err := h.o.StartSession(Config{Identity: "student-1"}); err != nil {
		t.Fatalf("StartSession returned error: %v", err)
	}
	waitForState(t, h.o, StateError)
	h.bus.Publish(events.ConnectionLost{Err: errors.New("late")})

	notes := h.log.notifications()
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	if notes[0].ID == "" || !notes[0].Retryable || notes[0].Message != "Could not reach the tutor after 5 attempts." {
		t.Fatalf("unexpected notification: %+v", notes[0])
	}
	mu.Lock()
	if dials != 5 {
		t.Fatalf("dials = %d, want 5", dials)
	}
	mu.Unlock()

	sums := h.store.summariesCopy()
	if len(sums) != 1 || sums[0].Status != storage.StatusError || sums[0].Errors != 1 {
		t.Fatalf("expected metrics flushed with error status, got %+v", sums)
	}
}

func TestConnectionLostWhileActiveMovesToError(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	lost := &transport.ConnectionError{Endpoint: "wss://tutor.example/v1", Attempts: 5, Err: errors.New("reset")}
	h.bus.Publish(events.ConnectionLost{Err: lost})
	h.bus.Publish(events.ConnectionLost{Err: lost})

	if h.o.State() != StateError {
		t.Fatalf("state = %s, want ERROR", h.o.State())
	}
	if got := len(h.log.notifications()); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}

	summary, ok := h.o.EndSession(context.Background())
	if !ok || summary.Status != storage.StatusError {
		t.Fatalf("unexpected end after failure: ok=%v summary=%+v", ok, summary)
	}
	if h.o.State() != StateIdle {
		t.Fatalf("state = %s, want IDLE", h.o.State())
	}
}

func TestUnauthorizedFailureIsNotRetryable(t *testing.T) {
	h := newHarness(t)
	h.transport.set(func(m *transportMock) {
		m.connectErr = &transport.ConnectionError{Endpoint: "wss://tutor.example/v1", Attempts: 1, Err: transport.ErrUnauthorized}
	})

	if _, err := h.o.StartSession(Config{Identity: "student-1"}); err != nil {
		t.Fatalf("StartSession returned error: %v", err)
	}
	waitForState(t, h.o, StateError)

	notes := h.log.notifications()
	if len(notes) != 1 || notes[0].Retryable {
		t.Fatalf("expected one non-retryable notification, got %+v", notes)
	}
}

func TestAckTimeoutMovesToError(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AckTimeout = 30 * time.Millisecond })
	h.transport.set(func(m *transportMock) { m.autoAck = false })

	if _, err := h.o.StartSession(Config{Identity: "student-1"}); err != nil {
		t.Fatalf("StartSession returned error: %v", err)
	}
	waitForState(t, h.o, StateError)

	notes := h.log.notifications()
	if len(notes) != 1 || notes[0].Message != "The tutor did not respond to the session request." {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
}

func TestLateAckTimeoutLeavesActiveSession(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	h.o.mu.Lock()
	s := h.o.sess
	h.o.mu.Unlock()

	// The timer fired just as the acknowledgement arrived.
	h.o.ackExpired(s)

	if got := h.o.State(); got != StateActive {
		t.Fatalf("state = %s, want ACTIVE", got)
	}
	if notes := h.log.notifications(); len(notes) != 0 {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
}

func TestPauseResumeAndAudioGating(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)
	sink := h.o.AudioSink()

	if _, err := sink.Write([]byte{1, 2}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if err := h.o.Pause(); err != nil {
		t.Fatalf("Pause returned error: %v", err)
	}
	if n, err := sink.Write([]byte{3, 4}); err != nil || n != 2 {
		t.Fatalf("paused Write = %d, %v", n, err)
	}

	var te *TransitionError
	if err := h.o.Pause(); !errors.As(err, &te) || te.From != StatePaused {
		t.Fatalf("expected transition error from PAUSED, got %v", err)
	}
	if err := h.o.Resume(); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	if err := h.o.Resume(); !errors.As(err, &te) || te.From != StateActive {
		t.Fatalf("expected transition error from ACTIVE, got %v", err)
	}
	if _, err := sink.Write([]byte{5, 6}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	h.transport.mu.Lock()
	audio := h.transport.audio
	h.transport.mu.Unlock()
	if len(audio) != 2 || audio[0][0] != 1 || audio[1][0] != 5 {
		t.Fatalf("unexpected forwarded audio: %v", audio)
	}

	var controls []string
	for _, v := range h.transport.sentCopy() {
		if c, ok := v.(protocol.Control); ok {
			controls = append(controls, c.Type)
		}
	}
	if strings.Join(controls, ",") != "session_pause,session_resume" {
		t.Fatalf("control frames = %v", controls)
	}
	if h.transport.disconnects != 0 {
		t.Fatal("pause must not touch the connection")
	}
}

func TestPauseRequiresSession(t *testing.T) {
	h := newHarness(t)

	var te *TransitionError
	if err := h.o.Pause(); !errors.As(err, &te) || te.From != StateIdle || te.To != StatePaused {
		t.Fatalf("expected IDLE -> PAUSED transition error, got %v", err)
	}
}

func TestRetryStartsFreshSessionWithSameConfig(t *testing.T) {
	h := newHarness(t)
	h.transport.set(func(m *transportMock) { m.connectErr = errors.New("refused") })

	first, err := h.o.StartSession(Config{Identity: "student-1", Topic: "Decimals"})
	if err != nil {
		t.Fatalf("StartSession returned error: %v", err)
	}
	waitForState(t, h.o, StateError)

	h.transport.set(func(m *transportMock) { m.connectErr = nil })
	second, err := h.o.Retry(context.Background())
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	waitForState(t, h.o, StateActive)

	if second == first {
		t.Fatal("expected a new session id")
	}
	snap := h.o.Snapshot()
	if snap.SessionID != second || snap.Topic != "Decimals" || snap.Degraded {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Last == nil || snap.Last.SessionID != first || snap.Last.Status != storage.StatusError {
		t.Fatalf("expected failed session in snapshot history, got %+v", snap.Last)
	}

	var te *TransitionError
	if _, err := h.o.Retry(context.Background()); !errors.As(err, &te) {
		t.Fatalf("expected transition error retrying an active session, got %v", err)
	}
}

func TestStartDegradedUsesFallbackEndpoint(t *testing.T) {
	h := newHarness(t)
	h.transport.set(func(m *transportMock) { m.connectErr = errors.New("refused") })

	if _, err := h.o.StartSession(Config{Identity: "student-1"}); err != nil {
		t.Fatalf("StartSession returned error: %v", err)
	}
	waitForState(t, h.o, StateError)

	h.transport.set(func(m *transportMock) { m.connectErr = nil })
	if _, err := h.o.StartDegraded(context.Background()); err != nil {
		t.Fatalf("StartDegraded returned error: %v", err)
	}
	waitForState(t, h.o, StateActive)

	endpoints := h.transport.endpointsCopy()
	if endpoints[len(endpoints)-1] != "deepgram://nova-2" {
		t.Fatalf("last endpoint = %q", endpoints[len(endpoints)-1])
	}
	if !h.o.Snapshot().Degraded {
		t.Fatal("expected degraded session")
	}
}

func TestStartDegradedWithoutFallback(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.FallbackEndpoint = "" })
	h.startActive(t)
	h.o.EndSession(context.Background())

	_, err := h.o.StartDegraded(context.Background())
	if !errors.Is(err, ErrNoFallback) {
		t.Fatalf("expected ErrNoFallback, got %v", err)
	}
}

func TestReconnectResendsSessionStart(t *testing.T) {
	h := newHarness(t)
	id := h.startActive(t)

	h.bus.Publish(events.ConnectionStateChanged{From: "reconnecting", To: "connected", Reconnected: true})

	sent := h.transport.sentCopy()
	last, ok := sent[len(sent)-1].(protocol.SessionStart)
	if !ok || !last.Resume || last.SessionID != id {
		t.Fatalf("expected resume session_start, got %+v", sent[len(sent)-1])
	}
	if h.o.State() != StateActive {
		t.Fatalf("state = %s, want ACTIVE", h.o.State())
	}
}

func TestMalformedAndRemoteErrorsCounted(t *testing.T) {
	h := newHarness(t)
	h.startActive(t)

	h.bus.Publish(events.MalformedFrame{Err: &protocol.MalformedEventError{Reason: "bad json"}})
	h.bus.Publish(events.RemoteError{Code: "rate_limited", Message: "slow down"})
	h.bus.Publish(events.ConnectionQuality{RTT: 40 * time.Millisecond, Score: 0.9})

	m := h.o.Snapshot().Metrics
	if m.Malformed != 1 || m.Errors != 1 || m.Quality != 0.9 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	if h.o.State() != StateActive {
		t.Fatal("remote errors must not end the session")
	}
}

func TestEndSessionPersistsToSQLite(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "tutor.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore returned error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := newHarness(t, func(o *Options) { o.Store = store })
	id := h.startActive(t)
	h.bus.Publish(teacherLine("Equivalent fractions name the same amount.", "i1", time.Now()))
	h.o.EndSession(context.Background())
	h.o.Wait()

	sess, err := store.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if sess.Status != storage.StatusEnded || sess.Items != 1 || sess.Topic != "Fractions" {
		t.Fatalf("unexpected stored session: %+v", sess)
	}
	items, err := store.GetTranscript(id)
	if err != nil || len(items) != 1 {
		t.Fatalf("GetTranscript = %v, %v", items, err)
	}
}
