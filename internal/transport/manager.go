package transport

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/sjawhar/voice-tutor/internal/events"
	"github.com/sjawhar/voice-tutor/internal/protocol"
)

// Publisher receives the events produced by the manager's read pump.
type Publisher interface {
	Publish(events.Event)
}

// RecoveryAttempt records one dial made during a connect or reconnect
// episode. Records are discarded when the next episode begins.
type RecoveryAttempt struct {
	Number  int           `json:"number"`
	Delay   time.Duration `json:"delay"`
	Outcome string        `json:"outcome"`
	Err     string        `json:"error,omitempty"`
	At      time.Time     `json:"at"`
}

const (
	OutcomeConnected = "connected"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Status is a read-only view of the connection for UI and metrics.
type Status struct {
	State       State         `json:"state"`
	Endpoint    string        `json:"endpoint,omitempty"`
	RTT         time.Duration `json:"rtt"`
	Quality     float64       `json:"quality"`
	Retries     int           `json:"retries"`
	Reconnects  int           `json:"reconnects"`
	BreakerOpen bool          `json:"breaker_open"`
}

type Options struct {
	Policy RetryPolicy
	Logger *slog.Logger
	Now    func() time.Time
	Random func() float64
}

// Manager owns at most one live Conn. It is constructed explicitly and held
// by the session orchestrator; there is no package-level instance.
type Manager struct {
	dialer Dialer
	bus    Publisher
	policy RetryPolicy
	logger *slog.Logger
	now    func() time.Time
	random func() float64

	// dialMu serializes Connect so concurrent callers share one dial.
	dialMu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       Conn
	endpoint   string
	creds      Credentials
	epoch      uint64
	cancelDial context.CancelFunc
	stopPumps  context.CancelFunc
	attempts   []RecoveryAttempt
	retries    int
	reconnects int
	rtt        time.Duration
	quality    float64
	breaker    breaker
}

func NewManager(dialer Dialer, bus Publisher, opts Options) *Manager {
	policy := opts.Policy.withDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Random == nil {
		opts.Random = rand.Float64
	}
	return &Manager{
		dialer:  dialer,
		bus:     bus,
		policy:  policy,
		logger:  opts.Logger,
		now:     opts.Now,
		random:  opts.Random,
		breaker: breaker{threshold: policy.BreakerThreshold, cooldown: policy.BreakerCooldown},
	}
}

// Connect establishes the connection, retrying with backoff. When a
// connection is already live it is returned unchanged and nothing is dialed.
// Failures are reported as *ConnectionError.
func (m *Manager) Connect(ctx context.Context, endpoint string, creds Credentials) (Conn, error) {
	if strings.TrimSpace(creds.Token) == "" {
		return nil, &ConnectionError{Endpoint: endpoint, Err: ErrInvalidCredentials}
	}

	m.dialMu.Lock()
	defer m.dialMu.Unlock()

	m.mu.Lock()
	if m.state == StateConnected && m.conn != nil {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}
	if !m.breaker.allow(m.now()) {
		m.mu.Unlock()
		return nil, &ConnectionError{Endpoint: endpoint, Err: ErrCircuitOpen}
	}
	if m.cancelDial != nil {
		m.cancelDial()
	}
	m.epoch++
	epoch := m.epoch
	dialCtx, cancel := context.WithCancel(ctx)
	m.cancelDial = cancel
	m.endpoint = endpoint
	m.creds = creds
	m.attempts = nil
	m.retries = 0
	from := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	defer cancel()

	m.publishState(from, StateConnecting, endpoint, false)

	conn, attempts, err := m.dialWithRetry(dialCtx, epoch, endpoint, creds, false)

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil, &ConnectionError{Endpoint: endpoint, Attempts: attempts, Err: ErrDisconnected}
	}
	m.cancelDial = nil

	if err == nil && ctx.Err() != nil {
		_ = conn.Close()
		conn, err = nil, ctx.Err()
	}
	if err != nil {
		next := StateFailed
		if ctx.Err() != nil {
			next = StateDisconnected
		} else if m.breaker.failure(m.now()) {
			m.logger.Warn("circuit breaker opened", "endpoint", endpoint, "cooldown", m.policy.BreakerCooldown)
		}
		from := m.setStateLocked(next)
		m.mu.Unlock()
		m.publishState(from, next, endpoint, false)
		return nil, &ConnectionError{Endpoint: endpoint, Attempts: attempts, Err: err}
	}

	from = m.installLocked(conn, epoch)
	m.mu.Unlock()

	m.logger.Info("transport connected", "endpoint", endpoint, "attempts", attempts)
	m.publishState(from, StateConnected, endpoint, false)
	return conn, nil
}

// Disconnect tears the connection down and cancels any connect or reconnect
// in flight. Calling it while disconnected is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.stopPumps != nil {
		m.stopPumps()
		m.stopPumps = nil
	}
	conn := m.conn
	m.conn = nil
	m.attempts = nil
	endpoint := m.endpoint
	from := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("close transport", "error", err)
		}
	}
	if from != StateDisconnected {
		m.logger.Info("transport disconnected", "endpoint", endpoint)
		m.publishState(from, StateDisconnected, endpoint, false)
	}
}

func (m *Manager) Send(v any) error {
	conn := m.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteJSON(v)
}

func (m *Manager) SendAudio(pcm []byte) error {
	conn := m.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteAudio(pcm)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:       m.state,
		Endpoint:    m.endpoint,
		RTT:         m.rtt,
		Quality:     m.quality,
		Retries:     m.retries,
		Reconnects:  m.reconnects,
		BreakerOpen: !m.breaker.allow(m.now()),
	}
}

// Attempts returns the recovery attempts of the current episode.
func (m *Manager) Attempts() []RecoveryAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecoveryAttempt(nil), m.attempts...)
}

func (m *Manager) current() Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

func (m *Manager) setStateLocked(next State) State {
	from := m.state
	m.state = next
	return from
}

func (m *Manager) installLocked(conn Conn, epoch uint64) State {
	m.conn = conn
	m.breaker.success()
	if m.quality == 0 {
		m.quality = 1
	}
	pumpCtx, stop := context.WithCancel(context.Background())
	m.stopPumps = stop
	go m.readLoop(pumpCtx, conn, epoch)
	go m.pingLoop(pumpCtx, conn, epoch)
	return m.setStateLocked(StateConnected)
}

func (m *Manager) dialWithRetry(ctx context.Context, epoch uint64, endpoint string, creds Credentials, reconnecting bool) (Conn, int, error) {
	var lastErr error
	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		var delay time.Duration
		if reconnecting || attempt > 1 {
			n := attempt
			if !reconnecting {
				n = attempt - 1
			}
			delay = m.policy.Backoff(n, m.random)
			if reconnecting {
				m.publish(events.Reconnecting{Attempt: attempt, Delay: delay})
			}
			if err := wait(ctx, delay); err != nil {
				m.recordAttempt(epoch, attempt, delay, OutcomeCancelled, err)
				return nil, attempt - 1, err
			}
		}

		conn, err := m.dialer.Dial(ctx, endpoint, creds)
		if err == nil {
			m.recordAttempt(epoch, attempt, delay, OutcomeConnected, nil)
			return conn, attempt, nil
		}

		lastErr = err
		m.recordAttempt(epoch, attempt, delay, OutcomeFailed, err)
		m.logger.Warn("transport dial failed", "endpoint", endpoint, "attempt", attempt, "max_attempts", m.policy.MaxAttempts, "error", err)

		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInvalidCredentials) {
			return nil, attempt, err
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
	}
	return nil, m.policy.MaxAttempts, lastErr
}

func (m *Manager) recordAttempt(epoch uint64, n int, delay time.Duration, outcome string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch != m.epoch {
		return
	}
	rec := RecoveryAttempt{Number: n, Delay: delay, Outcome: outcome, At: m.now()}
	if err != nil {
		rec.Err = err.Error()
	}
	m.attempts = append(m.attempts, rec)
	if outcome == OutcomeFailed {
		m.retries++
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, epoch uint64) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() == nil {
				m.handleDrop(conn, epoch, err)
			}
			return
		}
		if !m.isCurrent(epoch) {
			return
		}

		msg := protocol.DecodeFrame(frame.Binary, frame.Data)
		if bad, ok := msg.(protocol.Malformed); ok {
			m.logger.Debug("dropping malformed frame", "error", bad.Err)
		}
		m.publish(events.FromMessage(msg, m.now()))
	}
}

func (m *Manager) handleDrop(conn Conn, epoch uint64, cause error) {
	m.mu.Lock()
	if epoch != m.epoch || m.conn != conn {
		m.mu.Unlock()
		return
	}
	if m.stopPumps != nil {
		m.stopPumps()
		m.stopPumps = nil
	}
	m.conn = nil
	m.epoch++
	next := m.epoch
	episode, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.attempts = nil
	m.retries = 0
	m.reconnects++
	endpoint, creds := m.endpoint, m.creds
	from := m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	_ = conn.Close()
	m.logger.Warn("transport dropped, reconnecting", "endpoint", endpoint, "error", cause)
	m.publishState(from, StateReconnecting, endpoint, false)

	go m.reconnect(episode, cancel, next, endpoint, creds)
}

func (m *Manager) reconnect(ctx context.Context, cancel context.CancelFunc, epoch uint64, endpoint string, creds Credentials) {
	defer cancel()

	conn, attempts, err := m.dialWithRetry(ctx, epoch, endpoint, creds, true)

	m.mu.Lock()
	if epoch != m.epoch || ctx.Err() != nil {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		if m.breaker.failure(m.now()) {
			m.logger.Warn("circuit breaker opened", "endpoint", endpoint, "cooldown", m.policy.BreakerCooldown)
		}
		from := m.setStateLocked(StateFailed)
		m.mu.Unlock()

		connErr := &ConnectionError{Endpoint: endpoint, Attempts: attempts, Err: err}
		m.logger.Error("transport reconnection exhausted", "endpoint", endpoint, "error", connErr)
		m.publishState(from, StateFailed, endpoint, false)
		m.publish(events.ConnectionLost{Err: connErr})
		return
	}

	from := m.installLocked(conn, epoch)
	m.mu.Unlock()

	m.logger.Info("transport reconnected", "endpoint", endpoint, "attempts", attempts)
	m.publishState(from, StateConnected, endpoint, true)
}

func (m *Manager) pingLoop(ctx context.Context, conn Conn, epoch uint64) {
	ticker := time.NewTicker(m.policy.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rtt, err := conn.Ping(ctx)
		if errors.Is(err, ErrPingUnsupported) {
			return
		}
		if err != nil {
			m.logger.Debug("transport ping failed", "error", err)
			continue
		}

		m.mu.Lock()
		if epoch != m.epoch {
			m.mu.Unlock()
			return
		}
		if m.rtt == 0 {
			m.rtt = rtt
		} else {
			m.rtt = (m.rtt*7 + rtt) / 8
		}
		m.quality = QualityScore(m.rtt, m.reconnects)
		q := events.ConnectionQuality{RTT: m.rtt, Score: m.quality}
		m.mu.Unlock()

		m.publish(q)
	}
}

// QualityScore maps round-trip latency and reconnect count to [0, 1]. RTT at
// or under 100ms scores 1, at or over 1s scores 0; each reconnect costs 0.1,
// up to 0.5.
func QualityScore(rtt time.Duration, reconnects int) float64 {
	const good, bad = 100 * time.Millisecond, time.Second
	var score float64
	switch {
	case rtt <= good:
		score = 1
	case rtt >= bad:
		score = 0
	default:
		score = 1 - float64(rtt-good)/float64(bad-good)
	}
	score -= 0.1 * float64(min(reconnects, 5))
	return max(0, min(1, score))
}

func (m *Manager) isCurrent(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return epoch == m.epoch
}

func (m *Manager) publishState(from, to State, endpoint string, reconnected bool) {
	if from == to {
		return
	}
	m.publish(events.ConnectionStateChanged{
		From:        from.String(),
		To:          to.String(),
		Endpoint:    endpoint,
		Reconnected: reconnected,
	})
}

func (m *Manager) publish(ev events.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
