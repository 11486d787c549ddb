package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sjawhar/voice-tutor/internal/display"
	"github.com/sjawhar/voice-tutor/internal/events"
	"github.com/sjawhar/voice-tutor/internal/logging"
	"github.com/sjawhar/voice-tutor/internal/protocol"
	"github.com/sjawhar/voice-tutor/internal/storage"
	"github.com/sjawhar/voice-tutor/internal/timing"
	"github.com/sjawhar/voice-tutor/internal/transport"
)

const defaultRecapTimeout = 2 * time.Minute

type Options struct {
	Bus       *events.Bus
	Buffer    *display.Buffer
	Timing    *timing.Coordinator
	Transport Transport
	Store     Store
	Recorder  Recorder
	Recap     RecapGenerator
	Exporter  Exporter
	Uploader  Uploader

	Endpoint         string
	FallbackEndpoint string
	Token            string
	AckTimeout       time.Duration
	// AudioStartSource selects which audio_started observations feed the
	// timing coordinator. Defaults to remote.
	AudioStartSource events.AudioSource
	RecapTimeout     time.Duration

	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
}

// Orchestrator drives one tutoring session at a time through the state
// machine and is the only writer of the display buffer.
type Orchestrator struct {
	bus       *events.Bus
	buffer    *display.Buffer
	timing    *timing.Coordinator
	transport Transport
	store     Store
	recorder  Recorder
	recap     RecapGenerator
	exporter  Exporter
	uploader  Uploader

	endpoint     string
	fallback     string
	token        string
	audioSource  events.AudioSource
	recapTimeout time.Duration

	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	ack         *watchdog
	unsubscribe func()
	wg          sync.WaitGroup

	// writeMu orders buffer writes against the snapshot-and-clear at
	// session end. Never acquired while holding mu.
	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	sess    *activeSession
	lastCfg *Config
	last    *Summary
}

type activeSession struct {
	id        string
	cfg       Config
	degraded  bool
	endpoint  string
	startedAt time.Time
	cancel    context.CancelFunc

	connected bool
	acked     bool
	failed    bool

	metrics Metrics
	log     []display.Item
}

func New(opts Options) *Orchestrator {
	logger := logging.OrDefault(opts.Logger)
	if opts.Bus == nil {
		opts.Bus = events.NewBus(logger)
	}
	if opts.Buffer == nil {
		opts.Buffer = display.NewBuffer(display.Options{})
	}
	if opts.Timing == nil {
		opts.Timing = timing.NewCoordinator(timing.Options{Logger: logger})
	}
	if opts.AudioStartSource == "" {
		opts.AudioStartSource = events.AudioSourceRemote
	}
	if opts.RecapTimeout <= 0 {
		opts.RecapTimeout = defaultRecapTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}

	o := &Orchestrator{
		bus:          opts.Bus,
		buffer:       opts.Buffer,
		timing:       opts.Timing,
		transport:    opts.Transport,
		store:        opts.Store,
		recorder:     opts.Recorder,
		recap:        opts.Recap,
		exporter:     opts.Exporter,
		uploader:     opts.Uploader,
		endpoint:     opts.Endpoint,
		fallback:     opts.FallbackEndpoint,
		token:        opts.Token,
		audioSource:  opts.AudioStartSource,
		recapTimeout: opts.RecapTimeout,
		logger:       logger,
		now:          opts.Now,
		newID:        opts.NewID,
		ack:          newWatchdog(opts.AckTimeout),
	}
	o.unsubscribe = o.bus.Subscribe(o.handle)
	return o
}

// Close detaches the orchestrator from the bus and waits for background
// recap and export work. It does not end an open session.
func (o *Orchestrator) Close() {
	o.unsubscribe()
	o.wg.Wait()
}

// Wait blocks until background connect, recap and export work finishes.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// StartSession validates cfg and begins connecting. The session becomes
// ACTIVE once the transport is up and the remote acknowledged it.
func (o *Orchestrator) StartSession(cfg Config) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", &SessionInitError{Reason: err.Error(), State: o.State(), Err: ErrInvalidConfig}
	}
	return o.start(cfg, false)
}

// StartDegraded starts a captions-only session on the fallback endpoint,
// reusing the config of the failed or most recent session.
func (o *Orchestrator) StartDegraded(ctx context.Context) (string, error) {
	o.mu.Lock()
	st := o.state
	var cfg *Config
	switch st {
	case StateError:
		c := o.sess.cfg
		cfg = &c
	case StateIdle:
		cfg = o.lastCfg
	default:
		o.mu.Unlock()
		return "", &SessionInitError{Reason: fmt.Sprintf("session in state %s", st), State: st, Err: ErrSessionInProgress}
	}
	o.mu.Unlock()

	if cfg == nil {
		return "", &SessionInitError{Reason: "no previous session to resume", State: st, Err: ErrNoActiveSession}
	}
	if st == StateError {
		o.EndSession(ctx)
	}
	return o.start(*cfg, true)
}

// Retry ends the failed session and starts a new one with the same config.
func (o *Orchestrator) Retry(ctx context.Context) (string, error) {
	o.mu.Lock()
	if o.state != StateError || o.sess == nil {
		st := o.state
		o.mu.Unlock()
		return "", &TransitionError{From: st, To: StateConnecting}
	}
	cfg, degraded := o.sess.cfg, o.sess.degraded
	o.mu.Unlock()

	o.EndSession(ctx)
	return o.start(cfg, degraded)
}

func (o *Orchestrator) start(cfg Config, degraded bool) (string, error) {
	endpoint := o.endpoint
	if degraded {
		if o.fallback == "" {
			return "", &SessionInitError{Reason: ErrNoFallback.Error(), State: o.State(), Err: ErrNoFallback}
		}
		endpoint = o.fallback
	}

	o.mu.Lock()
	if o.state != StateIdle {
		st := o.state
		o.mu.Unlock()
		return "", &SessionInitError{Reason: fmt.Sprintf("session already in progress (%s)", st), State: st, Err: ErrSessionInProgress}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &activeSession{
		id:        o.newID(),
		cfg:       cfg,
		degraded:  degraded,
		endpoint:  endpoint,
		startedAt: o.now(),
		cancel:    cancel,
	}
	o.sess = s
	last := cfg
	o.lastCfg = &last
	ev, _ := o.transitionLocked(s.id, StateConnecting)
	o.mu.Unlock()

	o.writeMu.Lock()
	o.buffer.Clear()
	o.writeMu.Unlock()
	o.timing.Reset()

	logger := o.logger.With("session_id", s.id)
	if o.store != nil {
		err := o.store.CreateSession(storage.Session{
			ID:        s.id,
			Identity:  cfg.Identity,
			Topic:     cfg.Topic,
			Grade:     cfg.Grade,
			Chapter:   cfg.Chapter,
			Degraded:  degraded,
			StartedAt: s.startedAt,
			Status:    storage.StatusActive,
		})
		if err != nil {
			logger.Warn("failed to record session start", "error", err)
		}
	}
	if o.recorder != nil {
		if err := o.recorder.StartSession(s.id); err != nil {
			logger.Warn("audio recording unavailable", "error", err)
		}
	}

	logger.Info("session starting", "endpoint", endpoint, "degraded", degraded, "identity", cfg.Identity)
	o.emit(ev)

	o.wg.Add(1)
	go o.connect(ctx, s)
	return s.id, nil
}

func (o *Orchestrator) connect(ctx context.Context, s *activeSession) {
	defer o.wg.Done()

	_, err := o.transport.Connect(ctx, s.endpoint, transport.Credentials{Token: o.token, Identity: s.cfg.Identity})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		o.fail(s, err)
		return
	}

	o.mu.Lock()
	if o.sess != s || o.state != StateConnecting {
		o.mu.Unlock()
		return
	}
	s.connected = true
	o.ack.arm(func() { o.ackExpired(s) })
	o.mu.Unlock()

	hello := protocol.SessionStart{
		Type:      protocol.TypeSessionStart,
		SessionID: s.id,
		Identity:  s.cfg.Identity,
		Topic:     s.cfg.Topic,
		Grade:     s.cfg.Grade,
		Chapter:   s.cfg.Chapter,
		Metadata:  s.cfg.Metadata,
	}
	if err := o.transport.Send(hello); err != nil {
		o.fail(s, fmt.Errorf("send session start: %w", err))
		return
	}

	o.mu.Lock()
	ev, ok := o.activateLocked(s)
	o.mu.Unlock()
	if ok {
		o.emit(ev)
	}
}

// ackExpired fails s unless the acknowledgement won the race with the timer.
func (o *Orchestrator) ackExpired(s *activeSession) {
	o.mu.Lock()
	pending := o.sess == s && o.state == StateConnecting && !s.acked
	o.mu.Unlock()
	if pending {
		o.fail(s, ErrAckTimeout)
	}
}

// activateLocked moves CONNECTING to ACTIVE once both the transport and the
// remote acknowledgement are in.
func (o *Orchestrator) activateLocked(s *activeSession) (events.StateChanged, bool) {
	if o.sess != s || o.state != StateConnecting || !s.connected || !s.acked {
		return events.StateChanged{}, false
	}
	o.ack.disarm()
	ev, err := o.transitionLocked(s.id, StateActive)
	return ev, err == nil
}

func (o *Orchestrator) Pause() error {
	return o.toggle(StateActive, StatePaused, protocol.TypeSessionPause)
}

func (o *Orchestrator) Resume() error {
	return o.toggle(StatePaused, StateActive, protocol.TypeSessionResume)
}

func (o *Orchestrator) toggle(from, to State, frame string) error {
	o.mu.Lock()
	s := o.sess
	if s == nil || o.state != from {
		st := o.state
		o.mu.Unlock()
		return &TransitionError{From: st, To: to}
	}
	ev, _ := o.transitionLocked(s.id, to)
	o.mu.Unlock()

	if err := o.transport.Send(protocol.Control{Type: frame, SessionID: s.id}); err != nil {
		o.logger.Debug("control frame not sent", "session_id", s.id, "type", frame, "error", err)
	}
	o.emit(ev)
	return nil
}

// EndSession tears the current session down and returns its frozen summary.
// It reports false when there was nothing to end. Persistence failures are
// logged, never returned.
func (o *Orchestrator) EndSession(ctx context.Context) (Summary, bool) {
	o.mu.Lock()
	s := o.sess
	if s == nil || o.state == StateEnding {
		o.mu.Unlock()
		return Summary{}, false
	}
	from := o.state
	ev, _ := o.transitionLocked(s.id, StateEnding)
	s.cancel()
	o.ack.disarm()
	connected := s.connected
	o.mu.Unlock()
	o.emit(ev)

	logger := logging.FromContext(logging.WithSessionID(ctx, s.id), o.logger)

	if connected && from != StateError {
		if err := o.transport.Send(protocol.Control{Type: protocol.TypeSessionEnd, SessionID: s.id}); err != nil {
			logger.Debug("session end frame not sent", "error", err)
		}
	}
	o.transport.Disconnect()

	o.writeMu.Lock()
	o.buffer.Clear()
	o.writeMu.Unlock()
	timingStats := o.timing.Stats()
	o.timing.Reset()

	var audioPath string
	if o.recorder != nil {
		path, err := o.recorder.EndSession()
		if err != nil {
			logger.Warn("failed to finish audio recording", "error", err)
		}
		audioPath = path
	}

	quality := o.transport.Status().Quality
	endedAt := o.now()
	status := storage.StatusEnded
	if from == StateError {
		status = storage.StatusError
	}

	o.mu.Lock()
	if s.metrics.Quality == 0 {
		s.metrics.Quality = quality
	}
	summary := Summary{
		SessionID: s.id,
		Identity:  s.cfg.Identity,
		Topic:     s.cfg.Topic,
		Degraded:  s.degraded,
		StartedAt: s.startedAt,
		EndedAt:   endedAt,
		Duration:  endedAt.Sub(s.startedAt),
		Status:    status,
		Metrics:   s.metrics,
		Timing:    timingStats,
		AudioPath: audioPath,
	}
	items := storageItems(s.log)
	o.mu.Unlock()

	record := recordFor(s, summary)
	if o.store != nil {
		if err := o.store.SaveSummary(record); err != nil {
			logger.Error("failed to persist session summary", "error", err)
		}
		if err := o.store.SaveTranscript(s.id, items); err != nil {
			logger.Error("failed to persist transcript", "error", err, "items", len(items))
		}
	}

	o.mu.Lock()
	o.sess = nil
	o.last = &summary
	idle, _ := o.transitionLocked(s.id, StateIdle)
	o.mu.Unlock()

	logger.Info("session ended",
		"status", status,
		"duration", summary.Duration,
		"items", summary.Metrics.Items,
		"duplicates", summary.Metrics.Duplicates,
		"dropped", summary.Metrics.Dropped,
		"errors", summary.Metrics.Errors,
	)
	o.emit(idle, events.SessionEnded{
		SessionID: s.id,
		Duration:  summary.Duration,
		Items:     summary.Metrics.Items,
		Errors:    summary.Metrics.Errors,
	})

	o.wg.Add(1)
	go o.finish(record, items)
	return summary, true
}

// finish generates the recap and exports the transcript once a session has
// been persisted.
func (o *Orchestrator) finish(record storage.Session, items []storage.TranscriptItem) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), o.recapTimeout)
	defer cancel()
	logger := o.logger.With("session_id", record.ID)

	if o.recap != nil {
		recap, status, err := o.recap.Generate(ctx, record.ID)
		if err != nil {
			logger.Warn("recap generation failed", "status", status, "error", err)
		}
		record.Recap = recap
		record.RecapStatus = status
		o.emit(events.RecapReady{SessionID: record.ID, Recap: recap, Status: status})
	}

	if o.exporter == nil {
		return
	}
	path, err := o.exporter.Export(record, items)
	if err != nil {
		logger.Warn("transcript export failed", "error", err)
		return
	}
	logger.Info("transcript exported", "path", path)

	if o.uploader != nil {
		if err := o.uploader.Upload(ctx, path); err != nil {
			logger.Warn("transcript upload failed", "path", path, "error", err)
		}
	}
}

// fail moves a live session to ERROR exactly once, persisting what it has
// and raising a single notification.
func (o *Orchestrator) fail(s *activeSession, cause error) {
	o.mu.Lock()
	if o.sess != s || s.failed {
		o.mu.Unlock()
		return
	}
	switch o.state {
	case StateConnecting, StateActive, StatePaused:
	default:
		o.mu.Unlock()
		return
	}
	s.failed = true
	s.metrics.Errors++
	o.ack.disarm()
	ev, _ := o.transitionLocked(s.id, StateError)
	endedAt := o.now()
	record := recordFor(s, Summary{
		SessionID: s.id,
		StartedAt: s.startedAt,
		EndedAt:   endedAt,
		Duration:  endedAt.Sub(s.startedAt),
		Status:    storage.StatusError,
		Metrics:   s.metrics,
		Timing:    o.timing.Stats(),
	})
	o.mu.Unlock()

	note := events.Notification{
		ID:        o.newID(),
		SessionID: s.id,
		Severity:  "error",
		Message:   failureMessage(cause),
		Retryable: retryable(cause),
		Degraded:  s.degraded,
	}
	o.logger.Error("session failed",
		"session_id", s.id,
		"notification_id", note.ID,
		"retryable", note.Retryable,
		"error", cause,
	)

	if o.store != nil {
		if err := o.store.SaveSummary(record); err != nil {
			o.logger.Error("failed to persist session summary", "session_id", s.id, "error", err)
		}
	}
	o.transport.Disconnect()
	o.emit(ev, note)
}

func failureMessage(err error) string {
	var connErr *transport.ConnectionError
	switch {
	case errors.Is(err, ErrAckTimeout):
		return "The tutor did not respond to the session request."
	case errors.Is(err, transport.ErrCircuitOpen):
		return "The tutor is unavailable after repeated failures. Try again shortly."
	case errors.Is(err, transport.ErrInvalidCredentials), errors.Is(err, transport.ErrUnauthorized):
		return "The tutor rejected the session credentials."
	case errors.As(err, &connErr) && connErr.Attempts > 0:
		return fmt.Sprintf("Could not reach the tutor after %d attempts.", connErr.Attempts)
	default:
		return "The tutoring session was interrupted."
	}
}

func retryable(err error) bool {
	var connErr *transport.ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Retryable()
	}
	return true
}

func (o *Orchestrator) handle(ev events.Event) {
	switch e := ev.(type) {
	case events.TranscriptReceived:
		o.onTranscript(e)
	case events.AudioStarted:
		o.onAudioStarted(e)
	case events.SessionAcknowledged:
		o.onAck(e)
	case events.ConnectionStateChanged:
		o.onConnectionState(e)
	case events.ConnectionQuality:
		o.mu.Lock()
		if o.sess != nil {
			o.sess.metrics.Quality = e.Score
		}
		o.mu.Unlock()
	case events.ConnectionLost:
		o.mu.Lock()
		s := o.sess
		o.mu.Unlock()
		if s != nil {
			o.fail(s, e.Err)
		}
	case events.MalformedFrame:
		o.mu.Lock()
		if o.sess != nil {
			o.sess.metrics.Malformed++
		}
		o.mu.Unlock()
		o.logger.Warn("malformed frame", "error", e.Err)
	case events.RemoteError:
		o.mu.Lock()
		if o.sess != nil {
			o.sess.metrics.Errors++
		}
		o.mu.Unlock()
		o.logger.Warn("remote error", "code", e.Code, "message", e.Message)
	}
}

func (o *Orchestrator) onTranscript(e events.TranscriptReceived) {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	o.mu.Lock()
	s := o.sess
	if s == nil || o.state != StateActive {
		st := o.state
		if s != nil {
			s.metrics.Dropped++
		}
		o.mu.Unlock()
		o.logger.Debug("transcript dropped outside active session", "state", st, "segments", len(e.Transcript.Segments))
		return
	}
	s.metrics.Messages++
	o.mu.Unlock()

	tr := e.Transcript
	var added []display.Item
	duplicates := 0
	for _, seg := range tr.Segments {
		item, res, err := o.buffer.Add(display.Candidate{
			Kind:         seg.Kind,
			Content:      seg.Content,
			Speaker:      tr.Speaker,
			ArrivedAt:    e.ReceivedAt,
			Confidence:   seg.Confidence,
			ShowThenTell: tr.ShowThenTell,
		})
		if err != nil {
			o.logger.Warn("transcript segment rejected", "session_id", s.id, "error", err)
			continue
		}
		if res == display.Duplicate {
			duplicates++
			continue
		}
		added = append(added, item)
	}

	o.mu.Lock()
	if o.sess == s {
		s.metrics.Items += len(added)
		s.metrics.Duplicates += duplicates
		s.log = append(s.log, added...)
	}
	o.mu.Unlock()

	// Every displayed tutor line is timed against its audio, flagged or not.
	if tr.Speaker == protocol.SpeakerTeacher && len(added) > 0 {
		if m, ok := o.timing.RecordTextArrival(tr.ItemID, added[0].ArrivedAt); ok {
			o.logger.Debug("show-then-tell lead", "item_id", m.ItemID, "lead", m.Lead, "classification", m.Classification)
		}
	}
}

func (o *Orchestrator) onAudioStarted(e events.AudioStarted) {
	if e.Source != o.audioSource {
		return
	}
	o.mu.Lock()
	live := o.sess != nil && (o.state == StateActive || o.state == StatePaused)
	o.mu.Unlock()
	if !live {
		return
	}
	if m, ok := o.timing.RecordAudioStart(e.ItemID, e.StartedAt); ok {
		o.logger.Debug("show-then-tell lead", "item_id", m.ItemID, "lead", m.Lead, "classification", m.Classification)
	}
}

func (o *Orchestrator) onAck(e events.SessionAcknowledged) {
	o.mu.Lock()
	s := o.sess
	if s == nil || o.state != StateConnecting || s.acked {
		o.mu.Unlock()
		return
	}
	if e.SessionID != "" && e.SessionID != s.id {
		o.mu.Unlock()
		o.logger.Warn("ignoring acknowledgement for another session", "session_id", s.id, "ack_session_id", e.SessionID)
		return
	}
	s.acked = true
	ev, ok := o.activateLocked(s)
	o.mu.Unlock()
	if ok {
		o.emit(ev)
	}
}

// onConnectionState re-announces the session after the transport recovered
// from a drop so the remote can resume it.
func (o *Orchestrator) onConnectionState(e events.ConnectionStateChanged) {
	if !e.Reconnected {
		return
	}
	o.mu.Lock()
	s := o.sess
	live := s != nil && (o.state == StateActive || o.state == StatePaused)
	o.mu.Unlock()
	if !live {
		return
	}

	o.logger.Info("connection restored, resuming session", "session_id", s.id, "endpoint", e.Endpoint)
	hello := protocol.SessionStart{
		Type:      protocol.TypeSessionStart,
		SessionID: s.id,
		Identity:  s.cfg.Identity,
		Topic:     s.cfg.Topic,
		Grade:     s.cfg.Grade,
		Chapter:   s.cfg.Chapter,
		Metadata:  s.cfg.Metadata,
		Resume:    true,
	}
	if err := o.transport.Send(hello); err != nil {
		o.logger.Warn("failed to resume session", "session_id", s.id, "error", err)
	}
}

// AudioSink returns a writer that forwards microphone PCM to the tutor while
// the session is ACTIVE and discards it otherwise.
func (o *Orchestrator) AudioSink() io.Writer {
	return audioSink{o: o}
}

type audioSink struct {
	o *Orchestrator
}

func (a audioSink) Write(p []byte) (int, error) {
	a.o.mu.Lock()
	active := a.o.state == StateActive
	a.o.mu.Unlock()
	if !active || len(p) == 0 {
		return len(p), nil
	}
	if err := a.o.transport.SendAudio(p); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		a.o.logger.Debug("audio frame not sent", "error", err)
	}
	return len(p), nil
}

func (o *Orchestrator) Snapshot() Snapshot {
	conn := o.transport.Status()
	timingStats := o.timing.Stats()

	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{State: o.state, Connection: conn, Timing: timingStats}
	if o.last != nil {
		last := *o.last
		snap.Last = &last
	}
	if s := o.sess; s != nil {
		started := s.startedAt
		snap.SessionID = s.id
		snap.Identity = s.cfg.Identity
		snap.Topic = s.cfg.Topic
		snap.Degraded = s.degraded
		snap.StartedAt = &started
		snap.Metrics = s.metrics
		if snap.Metrics.Quality == 0 {
			snap.Metrics.Quality = conn.Quality
		}
	}
	return snap
}

func (o *Orchestrator) transitionLocked(sessionID string, to State) (events.StateChanged, error) {
	from := o.state
	if !CanTransition(from, to) {
		return events.StateChanged{}, &TransitionError{From: from, To: to}
	}
	o.state = to
	o.logger.Info("session state changed", "session_id", sessionID, "from", from, "to", to)
	return events.StateChanged{SessionID: sessionID, From: from.String(), To: to.String(), At: o.now()}, nil
}

// emit publishes outside mu; bus delivery is synchronous and re-enters handle.
func (o *Orchestrator) emit(evs ...events.Event) {
	for _, ev := range evs {
		o.bus.Publish(ev)
	}
}

func recordFor(s *activeSession, sum Summary) storage.Session {
	ended := sum.EndedAt
	return storage.Session{
		ID:             s.id,
		Identity:       s.cfg.Identity,
		Topic:          s.cfg.Topic,
		Grade:          s.cfg.Grade,
		Chapter:        s.cfg.Chapter,
		Degraded:       s.degraded,
		StartedAt:      s.startedAt,
		EndedAt:        &ended,
		Duration:       sum.Duration.Milliseconds(),
		Status:         sum.Status,
		Messages:       sum.Metrics.Messages,
		Items:          sum.Metrics.Items,
		Duplicates:     sum.Metrics.Duplicates,
		Dropped:        sum.Metrics.Dropped,
		Errors:         sum.Metrics.Errors,
		Malformed:      sum.Metrics.Malformed,
		Quality:        sum.Metrics.Quality,
		TimingWithin:   sum.Timing.WithinTolerance,
		TimingDrifted:  sum.Timing.Drifted,
		TimingInverted: sum.Timing.Inverted,
		MeanLeadMS:     sum.Timing.MeanLead.Milliseconds(),
		AudioPath:      sum.AudioPath,
	}
}

func storageItems(items []display.Item) []storage.TranscriptItem {
	out := make([]storage.TranscriptItem, 0, len(items))
	for _, it := range items {
		out = append(out, storage.TranscriptItem{
			ItemID:       it.ID,
			Kind:         string(it.Kind),
			Speaker:      string(it.Speaker),
			EventType:    storage.EventTypeFor(string(it.Speaker)),
			Content:      it.Content,
			Confidence:   it.Confidence,
			ShowThenTell: it.ShowThenTell,
			ArrivedAt:    it.ArrivedAt,
		})
	}
	return out
}
