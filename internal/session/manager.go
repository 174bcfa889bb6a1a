package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sonara-ai/sonara/internal/observe"
	"github.com/sonara-ai/sonara/pkg/audio"
	"github.com/sonara-ai/sonara/pkg/live"
)

// Default connection-manager timer values. All are overridable via [Config].
const (
	defaultInactivityTimeout   = 5 * time.Minute
	defaultKeepAliveInterval   = 15 * time.Second
	defaultHealthCheckInterval = 10 * time.Second
	defaultReconnectAttempts   = 3
	defaultReconnectBackoff    = 1 * time.Second

	// keepAliveFrame is the length of the silent frame sent as a keep-alive.
	keepAliveFrame = 100 * time.Millisecond
)

// ErrReconnectExhausted is the fatal error surfaced after the configured
// number of reconnect attempts all failed.
var ErrReconnectExhausted = errors.New("session: reconnect attempts exhausted")

// EventKind classifies events on the manager's stream.
type EventKind int

const (
	// EventStatusChanged reports a lifecycle transition; Event.Status holds
	// the new status.
	EventStatusChanged EventKind = iota

	// EventMessage wraps one inbound provider event in Event.Msg.
	EventMessage

	// EventClosed is the final event of a cleanly ended session.
	EventClosed

	// EventError reports a fatal error in Event.Err; the session is in the
	// error status and will take no further automatic action.
	EventError
)

// Event is one entry on the manager's event stream.
type Event struct {
	Kind   EventKind
	Status Status
	Msg    live.Event
	Err    error
}

// Config tunes the manager's timers and reconnection policy. Zero values
// fall back to the package defaults.
type Config struct {
	InactivityTimeout   time.Duration
	KeepAliveInterval   time.Duration
	HealthCheckInterval time.Duration
	ReconnectAttempts   int
	ReconnectBackoff    time.Duration
}

func (c *Config) applyDefaults() {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = defaultInactivityTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = defaultKeepAliveInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = defaultHealthCheckInterval
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = defaultReconnectAttempts
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = defaultReconnectBackoff
	}
}

// Manager owns the single duplex connection of one tutoring session. It
// implements the connect/reconnect/keep-alive/inactivity state machine and
// republishes everything the provider says on [Manager.Events].
//
// All methods are safe for concurrent use.
type Manager struct {
	provider live.Provider
	cfg      Config
	clock    clockwork.Clock
	metrics  *observe.Metrics
	log      *slog.Logger

	mu         sync.Mutex
	status     Status
	handle     live.SessionHandle
	gen        int // handle generation; stale read loops detect supersession
	sessCfg    live.SessionConfig
	manual     bool
	fatalErr   error
	lastActive time.Time
	userActive bool // first user-initiated activity seen

	ctx      context.Context // connect-time context driving background loops
	events   chan Event
	lost     chan struct{} // signalled when the connection dropped
	activity chan struct{} // signalled to (re)arm the inactivity timer
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option customizes a [Manager].
type Option func(*Manager)

// WithClock replaces the wall clock. Tests use a fake clock to drive the
// keep-alive, health-check, and inactivity timers deterministically.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a Manager in the idle status.
func NewManager(provider live.Provider, cfg Config, opts ...Option) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		provider: provider,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		log:      slog.Default(),
		status:   StatusIdle,
		events:   make(chan Event, 64),
		lost:     make(chan struct{}, 1),
		activity: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Events returns the manager's event stream. The channel is closed after
// [EventClosed] or [EventError] has been delivered.
func (m *Manager) Events() <-chan Event { return m.events }

// Status returns the current lifecycle status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Errored reports whether the session is in the error status, and the fatal
// error that put it there. Shaped for [health.SessionChecker].
func (m *Manager) Errored() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusError, m.fatalErr
}

// Connect establishes the session with the given configuration and starts
// the background timer and receive loops. Valid only in the idle status.
func (m *Manager) Connect(ctx context.Context, sessCfg live.SessionConfig) error {
	m.mu.Lock()
	if m.status != StatusIdle {
		status := m.status
		m.mu.Unlock()
		return fmt.Errorf("session: connect in status %s", status)
	}
	ev, changed := m.setStatusLocked(StatusConnecting)
	m.sessCfg = sessCfg
	m.mu.Unlock()
	if changed {
		m.emit(ev)
	}

	dialStart := m.clock.Now()
	handle, err := m.provider.Connect(ctx, sessCfg)
	if err != nil {
		m.fail(fmt.Errorf("session: connect: %w", err))
		return fmt.Errorf("session: connect: %w", err)
	}
	m.metrics.ConnectDuration.Record(ctx, m.clock.Since(dialStart).Seconds())

	m.mu.Lock()
	m.ctx = ctx
	m.handle = handle
	m.gen++
	gen := m.gen
	m.lastActive = m.clock.Now()
	ev, changed = m.setStatusLocked(StatusConnected)
	m.mu.Unlock()
	if changed {
		m.emit(ev)
	}

	m.wg.Add(2)
	go m.readLoop(handle, gen)
	go m.timerLoop()
	return nil
}

// SendAudio forwards one outbound PCM16 frame. While reconnecting or paused
// the frame is silently discarded; media pipelines run independently of
// connection state and must not treat that as an error.
func (m *Manager) SendAudio(data []byte) error {
	m.mu.Lock()
	if m.status != StatusConnected {
		m.mu.Unlock()
		return nil
	}
	h := m.handle
	m.touchUserLocked()
	m.mu.Unlock()

	if err := h.SendAudio(data); err != nil {
		m.notifyLost()
		return fmt.Errorf("session: send audio: %w", err)
	}
	m.metrics.RecordAudioChunk(context.Background(), "out")
	return nil
}

// SendText forwards a user-authored text message, completing the user turn.
// Silently discarded while reconnecting or paused.
func (m *Manager) SendText(text string) error {
	m.mu.Lock()
	if m.status != StatusConnected {
		m.mu.Unlock()
		return nil
	}
	h := m.handle
	m.touchUserLocked()
	m.mu.Unlock()

	if err := h.SendText(text); err != nil {
		m.notifyLost()
		return fmt.Errorf("session: send text: %w", err)
	}
	return nil
}

// Pause suspends the session: keep-alive and inactivity clocks halt and
// outbound media is discarded until [Manager.Resume]. The connection itself
// stays open.
func (m *Manager) Pause() {
	m.mu.Lock()
	if m.status != StatusConnected {
		m.mu.Unlock()
		return
	}
	ev, changed := m.setStatusLocked(StatusPaused)
	m.mu.Unlock()
	if changed {
		m.emit(ev)
	}
}

// Resume reverses [Manager.Pause] and rearms the inactivity timer.
func (m *Manager) Resume() {
	m.mu.Lock()
	if m.status != StatusPaused {
		m.mu.Unlock()
		return
	}
	ev, changed := m.setStatusLocked(StatusConnected)
	m.lastActive = m.clock.Now()
	userActive := m.userActive
	m.mu.Unlock()

	if changed {
		m.emit(ev)
	}
	if userActive {
		m.signalActivity()
	}
}

// Disconnect ends the session on the caller's initiative: no reconnection is
// attempted, all timers stop, and the provider handle is closed. Safe to call
// multiple times.
func (m *Manager) Disconnect() {
	m.shutdown(StatusEnded, nil)
}

// shutdown tears the session down into the given terminal status, emitting
// the corresponding final event exactly once.
func (m *Manager) shutdown(terminal Status, cause error) {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.manual = true
		h := m.handle
		m.handle = nil
		var ev Event
		var changed bool
		if !m.status.Terminal() {
			ev, changed = m.setStatusLocked(terminal)
		}
		if cause != nil && m.fatalErr == nil {
			m.fatalErr = cause
		}
		m.mu.Unlock()

		close(m.done)
		if h != nil {
			_ = h.Close()
		}
		m.wg.Wait()

		// All producers have stopped; the terminal status event precedes the
		// final event on the stream.
		if changed {
			m.events <- ev
		}
		if cause != nil {
			m.events <- Event{Kind: EventError, Err: cause}
		} else {
			m.events <- Event{Kind: EventClosed}
		}
		close(m.events)
	})
}

// fail moves the session to the error status with the given fatal cause.
func (m *Manager) fail(cause error) {
	m.log.Error("session fatal error", "err", cause)
	m.shutdown(StatusError, cause)
}

// ── internal machinery ────────────────────────────────────────────────────────

// setStatusLocked transitions to next. Callers hold m.mu and must deliver the
// returned event, if any, after releasing it: emitting on the stream under
// the lock would wedge every manager method behind a slow consumer. Illegal
// transitions are logged and ignored rather than crashing the engine
// mid-session.
func (m *Manager) setStatusLocked(next Status) (Event, bool) {
	if m.status == next {
		return Event{}, false
	}
	if !m.status.CanTransition(next) {
		m.log.Warn("illegal status transition ignored", "from", m.status, "to", next)
		return Event{}, false
	}
	m.status = next
	return Event{Kind: EventStatusChanged, Status: next}, true
}

// emit delivers an event without blocking shutdown.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// touchUserLocked records outbound user activity. The first call arms the
// inactivity timer; every call resets it. Callers hold m.mu.
func (m *Manager) touchUserLocked() {
	m.lastActive = m.clock.Now()
	m.userActive = true
	m.signalActivity()
}

// touchInbound records provider activity, resetting the inactivity timer
// only once it has been armed by user activity.
func (m *Manager) touchInbound() {
	m.mu.Lock()
	m.lastActive = m.clock.Now()
	userActive := m.userActive
	m.mu.Unlock()
	if userActive {
		m.signalActivity()
	}
}

func (m *Manager) signalActivity() {
	select {
	case m.activity <- struct{}{}:
	default:
	}
}

// notifyLost signals the timer loop that the connection dropped. Safe to
// call multiple times; only the first call per reconnection cycle has effect.
func (m *Manager) notifyLost() {
	select {
	case m.lost <- struct{}{}:
	default:
	}
}

// readLoop drains one handle's event stream into the manager stream. When
// the stream closes and this handle is still current, a reconnect cycle is
// triggered unless the close was caller-initiated.
func (m *Manager) readLoop(h live.SessionHandle, gen int) {
	defer m.wg.Done()

	for ev := range h.Events() {
		if ev.Kind == live.EventResumeHandle && ev.Text != "" {
			// Redial with the freshest handle so a reconnect restores the
			// model's conversation context.
			m.mu.Lock()
			m.sessCfg.ResumeID = ev.Text
			m.mu.Unlock()
		}
		m.touchInbound()
		m.emit(Event{Kind: EventMessage, Msg: ev})
	}

	m.mu.Lock()
	stale := gen != m.gen
	manual := m.manual
	m.mu.Unlock()
	if stale || manual {
		return
	}

	if err := h.Err(); err != nil {
		m.log.Warn("connection lost", "err", err)
	} else {
		m.log.Warn("connection closed by remote")
	}
	m.notifyLost()
}

// timerLoop owns the keep-alive ticker, health-check ticker, inactivity
// timer, and the reconnect trigger. Serializing them in one goroutine keeps
// the reconnect cycle from racing the timers.
func (m *Manager) timerLoop() {
	defer m.wg.Done()

	ka := m.clock.NewTicker(m.cfg.KeepAliveInterval)
	defer ka.Stop()
	hc := m.clock.NewTicker(m.cfg.HealthCheckInterval)
	defer hc.Stop()

	// Armed on first user activity via the activity channel.
	inact := m.clock.NewTimer(m.cfg.InactivityTimeout)
	if !inact.Stop() {
		<-inact.Chan()
	}

	for {
		select {
		case <-m.done:
			return
		case <-ka.Chan():
			m.keepAlive()
		case <-hc.Chan():
			m.healthCheck()
		case <-m.activity:
			if !inact.Stop() {
				select {
				case <-inact.Chan():
				default:
				}
			}
			inact.Reset(m.cfg.InactivityTimeout)
		case <-inact.Chan():
			if m.expireIfInactive() {
				return
			}
		case <-m.lost:
			if !m.reconnect() {
				return
			}
		}
	}
}

// keepAlive sends a short silent frame while connected and otherwise quiet,
// so the far end's idle timeout never reclaims the channel. Suppressed while
// paused.
func (m *Manager) keepAlive() {
	m.mu.Lock()
	if m.status != StatusConnected || m.clock.Now().Sub(m.lastActive) < m.cfg.KeepAliveInterval {
		m.mu.Unlock()
		return
	}
	h := m.handle
	m.lastActive = m.clock.Now()
	m.mu.Unlock()

	frame := audio.SilentFrame(keepAliveFrame, audio.WireInputRate)
	if err := h.SendAudio(frame.Data); err != nil {
		m.notifyLost()
		return
	}
	m.metrics.KeepAlives.Add(m.ctx, 1)
}

// healthCheck proactively starts reconnection when the transport has died
// quietly instead of waiting for a close event.
func (m *Manager) healthCheck() {
	m.mu.Lock()
	stale := m.status == StatusConnected &&
		m.clock.Now().Sub(m.lastActive) > m.cfg.HealthCheckInterval &&
		m.handle != nil && m.handle.Err() != nil
	m.mu.Unlock()

	if stale {
		m.log.Warn("health check found dead transport")
		m.notifyLost()
	}
}

// expireIfInactive gracefully ends the session when the inactivity window
// elapsed while connected. Returns true when the session was torn down.
func (m *Manager) expireIfInactive() bool {
	m.mu.Lock()
	expired := m.userActive && m.status == StatusConnected &&
		m.clock.Now().Sub(m.lastActive) >= m.cfg.InactivityTimeout
	m.mu.Unlock()

	if !expired {
		return false
	}
	m.log.Info("session ended by inactivity timeout")
	// Disconnect waits for this goroutine, so tear down from a fresh one.
	go m.Disconnect()
	return true
}

// reconnect runs the backoff cycle: before attempt k it waits
// backoff × 2^(k−1), then tears down and redials the provider with the
// session configuration, carrying the latest resumption handle. Returns
// false when the session is now terminal (attempts exhausted or shut down
// mid-cycle).
func (m *Manager) reconnect() bool {
	m.mu.Lock()
	if m.status.Terminal() {
		m.mu.Unlock()
		return false
	}
	ev, changed := m.setStatusLocked(StatusReconnecting)
	old := m.handle
	m.handle = nil
	sessCfg := m.sessCfg
	ctx := m.ctx
	m.mu.Unlock()
	if changed {
		m.emit(ev)
	}

	if old != nil {
		_ = old.Close()
	}

	delay := m.cfg.ReconnectBackoff
	for attempt := 1; attempt <= m.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-m.done:
			return false
		case <-ctx.Done():
			go m.Disconnect()
			return false
		case <-m.clock.After(delay):
		}

		m.log.Info("attempting reconnection",
			"attempt", attempt,
			"max_attempts", m.cfg.ReconnectAttempts,
			"backoff", delay,
		)

		handle, err := m.provider.Connect(ctx, sessCfg)
		if err == nil {
			m.mu.Lock()
			m.handle = handle
			m.gen++
			gen := m.gen
			m.lastActive = m.clock.Now()
			ev, changed = m.setStatusLocked(StatusConnected)
			m.mu.Unlock()
			if changed {
				m.emit(ev)
			}

			m.wg.Add(1)
			go m.readLoop(handle, gen)

			m.metrics.RecordReconnect(ctx, "ok")
			m.log.Info("reconnection successful", "attempt", attempt)
			return true
		}

		m.metrics.RecordReconnect(ctx, "failed")
		m.log.Warn("reconnection attempt failed", "attempt", attempt, "err", err)
		delay *= 2
	}

	// Exhausted. Surface the fatal error; fail waits for this goroutine so
	// it must run detached.
	go m.fail(ErrReconnectExhausted)
	return false
}
