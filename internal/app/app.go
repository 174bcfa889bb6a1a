// Package app wires all Sonara subsystems into a running tutoring session.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the session event loop until the connection ends,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithCaptureSource,
// WithPlaybackSink, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sonara-ai/sonara/internal/analyze"
	"github.com/sonara-ai/sonara/internal/capture"
	"github.com/sonara-ai/sonara/internal/config"
	"github.com/sonara-ai/sonara/internal/health"
	"github.com/sonara-ai/sonara/internal/observe"
	"github.com/sonara-ai/sonara/internal/persist"
	"github.com/sonara-ai/sonara/internal/playback"
	"github.com/sonara-ai/sonara/internal/session"
	"github.com/sonara-ai/sonara/internal/transcript"
	"github.com/sonara-ai/sonara/internal/turn"
	"github.com/sonara-ai/sonara/pkg/audio"
	"github.com/sonara-ai/sonara/pkg/audio/device"
	"github.com/sonara-ai/sonara/pkg/live"
	"github.com/sonara-ai/sonara/pkg/store"
)

// defaultParticipant identifies sessions started without an authenticated
// user.
const defaultParticipant = "local"

// Providers holds the backends main.go created via the config registry.
type Providers struct {
	Live  live.Provider
	Store store.Store
}

// App owns all subsystem lifetimes and orchestrates the tutoring session:
// microphone → connection manager → model, and model → playback + turn
// aggregation → persistence.
type App struct {
	cfg     *config.Config
	clock   clockwork.Clock
	metrics *observe.Metrics
	log     *slog.Logger

	st       store.Store
	provider live.Provider

	// Subsystems — initialised in New, torn down in Shutdown.
	manager      *session.Manager
	capture      *capture.Pipeline
	captureSrc   capture.Source
	playback     *playback.Scheduler
	playSink     playback.Sink
	aggregator   *turn.Aggregator
	continuation *turn.Controller
	saver        *persist.Saver
	corrector    *transcript.Corrector
	tracker      *session.Tracker
	enricher     persist.Enricher

	participant string
	resumeID    string
	sess        *store.Session

	// resumeHandle is the provider resumption handle carried over from the
	// resumed session record, then refreshed as the model announces new ones.
	// Touched only from the event loop once Run starts.
	resumeHandle string

	// turns carries finalized turns to the persistence worker so saving
	// never blocks the event loop. quit tells the worker to drain and exit.
	turns chan turn.FinalizedTurn
	quit  chan struct{}

	// User transcript accumulation. Touched only from the event loop.
	userBuf     strings.Builder
	userStarted time.Time

	// fatalErr is the error that terminated the session, if any.
	fatalErr error

	// closers are called in order during Shutdown.
	closers []func() error

	mu         sync.Mutex
	runStarted bool
	runDone    chan struct{}
	stopOnce   sync.Once
	stopErr    error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCaptureSource injects a capture source instead of opening the
// microphone.
func WithCaptureSource(src capture.Source) Option {
	return func(a *App) { a.captureSrc = src }
}

// WithPlaybackSink injects a playback sink instead of opening the speaker.
func WithPlaybackSink(sink playback.Sink) Option {
	return func(a *App) { a.playSink = sink }
}

// WithEnricher injects a message enricher instead of building one from the
// analyze config.
func WithEnricher(e persist.Enricher) Option {
	return func(a *App) { a.enricher = e }
}

// WithClock replaces the wall clock shared by all subsystems.
func WithClock(c clockwork.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithParticipant sets the participant the session is recorded under.
func WithParticipant(p string) Option {
	return func(a *App) { a.participant = p }
}

// WithResumeSession resumes the identified persisted session instead of
// creating a new record. The consumed-duration budget carries over.
func WithResumeSession(sessionID string) Option {
	return func(a *App) { a.resumeID = sessionID }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: the session record is
// created (or resumed), audio devices open, and every pipeline stage is
// constructed. The live connection itself is dialed in Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil {
		return nil, fmt.Errorf("app: live provider is required")
	}
	if providers.Store == nil {
		return nil, fmt.Errorf("app: store is required")
	}

	a := &App{
		cfg:         cfg,
		st:          providers.Store,
		provider:    providers.Live,
		participant: defaultParticipant,
		turns:       make(chan turn.FinalizedTurn, 16),
		quit:        make(chan struct{}),
		runDone:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	a.tracker = session.NewTracker(a.clock)

	// ── 1. Session record ────────────────────────────────────────────────
	if err := a.initSession(ctx); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 2. Audio devices ─────────────────────────────────────────────────
	if err := a.initDevices(); err != nil {
		return nil, fmt.Errorf("app: init devices: %w", err)
	}

	// ── 3. Connection manager ────────────────────────────────────────────
	a.manager = session.NewManager(a.provider, session.Config{
		InactivityTimeout:   a.cfg.Session.InactivityTimeout.Std(),
		KeepAliveInterval:   a.cfg.Session.KeepAliveInterval.Std(),
		HealthCheckInterval: a.cfg.Session.HealthCheckInterval.Std(),
		ReconnectAttempts:   a.cfg.Session.ReconnectAttempts,
		ReconnectBackoff:    a.cfg.Session.ReconnectBackoff.Std(),
	},
		session.WithClock(a.clock),
		session.WithMetrics(a.metrics),
		session.WithLogger(a.log),
	)

	// ── 4. Media pipelines ───────────────────────────────────────────────
	a.capture = capture.New(a.manager, capture.WithLogger(a.log))
	a.playback = playback.New(a.playSink, playback.Config{
		MinBufferedChunks: a.cfg.Audio.MinBufferedChunks,
	},
		playback.WithClock(a.clock),
		playback.WithMetrics(a.metrics),
		playback.WithLogger(a.log),
	)

	// ── 5. Turn handling ─────────────────────────────────────────────────
	a.corrector = transcript.NewCorrector(a.cfg.Tutor.Glossary)
	a.continuation = turn.NewController(a.manager,
		turn.WithMaxContinuations(a.cfg.Tutor.MaxContinuations),
		turn.WithControllerMetrics(a.metrics),
		turn.WithControllerLogger(a.log),
	)
	a.aggregator = turn.NewAggregator(turn.Config{
		Role:           store.RoleAssistant,
		SilenceTimeout: a.cfg.Session.SilenceTimeout.Std(),
	}, a.onAssistantTurn,
		turn.WithClock(a.clock),
		turn.WithMetrics(a.metrics),
		turn.WithLogger(a.log),
		turn.OnStart(a.onAssistantStart),
	)
	a.closers = append(a.closers, func() error {
		a.aggregator.Close()
		return nil
	})

	// ── 6. Persistence ───────────────────────────────────────────────────
	if err := a.initEnricher(); err != nil {
		return nil, fmt.Errorf("app: init analyzer: %w", err)
	}
	saverOpts := []persist.Option{
		persist.WithClock(a.clock),
		persist.WithMetrics(a.metrics),
		persist.WithLogger(a.log),
	}
	if a.enricher != nil {
		saverOpts = append(saverOpts, persist.WithEnricher(a.enricher))
	}
	a.saver = persist.New(a.st, persist.Config{
		AudioCap:    a.cfg.Store.AudioCap.Std(),
		BaseTimeout: a.cfg.Store.SaveTimeout.Std(),
	}, saverOpts...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSession creates the durable session record, or resumes an existing one
// and carries its consumed duration over.
func (a *App) initSession(ctx context.Context) error {
	if a.resumeID != "" {
		sess, ok, err := a.st.ResumeSession(ctx, a.resumeID)
		if err != nil {
			return fmt.Errorf("resume session %q: %w", a.resumeID, err)
		}
		if ok {
			a.sess = sess
			a.resumeHandle = sess.ResumeHandle
			a.tracker.CarryOver(sess.DurationUsed)
			a.log.Info("resuming session",
				"session_id", sess.ID,
				"duration_used", sess.DurationUsed,
			)
			return nil
		}
		a.log.Warn("session not resumable, starting fresh", "session_id", a.resumeID)
		a.resumeID = ""
	}

	sess, err := a.st.CreateSession(ctx, a.participant, store.SessionConfig{
		Language: a.cfg.Tutor.Language,
		Subject:  a.cfg.Tutor.Subject,
		Level:    a.cfg.Tutor.Level,
		Voice:    a.cfg.Tutor.Voice,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	a.sess = sess
	return nil
}

// initDevices opens the microphone and speaker unless both were injected.
// Device failures surface here, before any connection work begins.
func (a *App) initDevices() error {
	if a.captureSrc != nil && a.playSink != nil {
		return nil // both injected
	}

	if err := device.Init(); err != nil {
		return fmt.Errorf("init audio host: %w", err)
	}

	if a.captureSrc == nil {
		mic, err := device.OpenMicrophone(audio.WireInputRate, a.cfg.Audio.FrameSize)
		if err != nil {
			return fmt.Errorf("open microphone: %w", err)
		}
		a.captureSrc = mic
		a.closers = append(a.closers, mic.Close)
	}
	if a.playSink == nil {
		spk, err := device.OpenSpeaker(audio.WireOutputRate)
		if err != nil {
			return fmt.Errorf("open speaker: %w", err)
		}
		a.playSink = spk
		a.closers = append(a.closers, spk.Close)
	}
	a.closers = append(a.closers, device.Terminate)
	return nil
}

// initEnricher builds the transcript analyzer when analysis is enabled and
// no enricher was injected.
func (a *App) initEnricher() error {
	if a.enricher != nil || !a.cfg.Analyze.Enabled {
		return nil
	}

	completer, err := analyze.NewOpenAICompleter(a.cfg.Analyze.APIKey, a.cfg.Analyze.Model)
	if err != nil {
		return fmt.Errorf("create completer: %w", err)
	}
	// The embedder is optional enrichment on top of optional enrichment:
	// without it analyses still attach, only semantic search degrades.
	var embedder analyze.Embedder
	if emb, err := analyze.NewOpenAIEmbedder(a.cfg.Analyze.APIKey, a.cfg.Analyze.EmbeddingModel); err == nil {
		embedder = emb
	} else {
		a.log.Warn("embedder unavailable, analyses will not be searchable", "err", err)
	}

	a.enricher = analyze.New(a.st, completer, embedder,
		analyze.WithMetrics(a.metrics),
		analyze.WithLogger(a.log),
	)
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// SessionID returns the durable session identifier.
func (a *App) SessionID() string { return a.sess.ID }

// Pause suspends the conversation without dropping the connection.
func (a *App) Pause() { a.manager.Pause() }

// Resume reverses Pause.
func (a *App) Resume() { a.manager.Resume() }

// SetMuted gates the microphone without stopping capture.
func (a *App) SetMuted(muted bool) { a.capture.SetMuted(muted) }

// Levels returns the microphone input-level stream for UI meters.
func (a *App) Levels() <-chan float64 { return a.capture.Levels() }

// HealthCheckers returns the readiness checkers for the HTTP health handler.
func (a *App) HealthCheckers() []health.Checker {
	return []health.Checker{
		health.StoreChecker(a.st),
		health.SessionChecker(a.manager.Errored),
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run dials the live session and drives the event loop until the connection
// ends — by Disconnect/Shutdown, inactivity, the session duration cap, or a
// fatal error. It returns the fatal error, or nil for a clean end.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.runStarted = true
	instructions := a.cfg.Tutor.Instructions
	a.mu.Unlock()
	defer close(a.runDone)

	ctx, span := observe.StartSessionSpan(ctx, a.sess.ID)
	defer span.End()

	if a.resumeHandle != "" && !a.provider.Capabilities().SupportsResumption {
		a.log.Warn("provider does not support resumption, starting a fresh model session")
		a.resumeHandle = ""
	}

	sessCfg := live.SessionConfig{
		Language:     a.cfg.Tutor.Language,
		Subject:      a.cfg.Tutor.Subject,
		Level:        a.cfg.Tutor.Level,
		Voice:        live.VoiceProfile{ID: a.cfg.Tutor.Voice, Name: a.cfg.Tutor.Voice},
		Instructions: instructions,
		ResumeID:     a.resumeHandle,
	}
	if err := a.manager.Connect(ctx, sessCfg); err != nil {
		a.finishSession(ctx, err)
		// Drain the terminal event so the manager's stream is consumed.
		for range a.manager.Events() {
		}
		return err
	}

	if err := a.capture.Start(a.captureSrc); err != nil {
		a.manager.Disconnect()
		for range a.manager.Events() {
		}
		a.finishSession(ctx, err)
		return err
	}
	defer a.capture.Stop()

	a.continuation.SetEnabled(true)
	a.metrics.ActiveSessions.Add(ctx, 1)
	defer a.metrics.ActiveSessions.Add(ctx, -1)

	// Persistence worker: saving retries must never stall the event loop.
	var pwg sync.WaitGroup
	pwg.Add(1)
	go func() {
		defer pwg.Done()
		a.persistLoop(ctx)
	}()

	// Session duration cap, counted across pause/resume and restarts.
	if limit := a.cfg.Session.MaxDuration.Std(); limit > 0 {
		remaining := limit - a.tracker.Used()
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		capTimer := a.clock.AfterFunc(remaining, func() {
			a.log.Info("session duration cap reached", "cap", limit)
			a.manager.Disconnect()
		})
		defer capTimer.Stop()
	}

	a.log.Info("session running",
		"session_id", a.sess.ID,
		"subject", a.cfg.Tutor.Subject,
		"language", a.cfg.Tutor.Language,
	)

	for ev := range a.manager.Events() {
		switch ev.Kind {
		case session.EventStatusChanged:
			a.handleStatus(ctx, ev.Status)
		case session.EventMessage:
			a.handleLive(ctx, ev.Msg)
		case session.EventError:
			a.fatalErr = ev.Err
		case session.EventClosed:
			// Channel close follows immediately; nothing to do.
		}
	}

	// Flush whatever was mid-flight when the connection ended, then let the
	// worker drain.
	a.flushUserTurn()
	a.aggregator.Interrupt()
	a.tracker.Stop()
	close(a.quit)
	pwg.Wait()
	a.saver.Wait()

	a.finishSession(ctx, a.fatalErr)
	return a.fatalErr
}

// handleStatus reacts to lifecycle transitions: the duration tracker accrues
// only while connected, capture pauses with the session, and every
// transition is persisted so an external observer sees the live state.
func (a *App) handleStatus(ctx context.Context, st session.Status) {
	switch st {
	case session.StatusConnected:
		a.tracker.Start()
		a.capture.SetPaused(false)
	case session.StatusPaused:
		a.tracker.Stop()
		a.capture.SetPaused(true)
		a.playback.Interrupt()
	case session.StatusReconnecting:
		a.tracker.Stop()
	}

	ss := st.StoreStatus()
	used := a.tracker.Used()
	upd := store.SessionUpdate{Status: &ss, DurationUsed: &used}
	if err := a.st.UpdateSession(context.WithoutCancel(ctx), a.sess.ID, upd); err != nil {
		a.log.Warn("failed to persist session status", "status", st, "err", err)
	}
}

// ApplyConfigUpdate applies a hot-reloaded configuration. Only mutations that
// are safe mid-session take effect: a glossary change swaps the corrector for
// turns finished afterwards, and new tutor instructions are recorded for the
// next session start. Everything else requires a restart.
func (a *App) ApplyConfigUpdate(diff config.ConfigDiff, cfg *config.Config) {
	if diff.GlossaryChanged {
		a.mu.Lock()
		a.corrector = transcript.NewCorrector(diff.NewGlossary)
		a.mu.Unlock()
		a.log.Info("glossary reloaded", "terms", len(diff.NewGlossary))
	}
	if diff.InstructionsChanged {
		a.mu.Lock()
		a.cfg.Tutor.Instructions = cfg.Tutor.Instructions
		a.mu.Unlock()
		a.log.Info("tutor instructions updated, applies to the next session")
	}
}

// handleLive dispatches one inbound model event.
func (a *App) handleLive(ctx context.Context, ev live.Event) {
	switch ev.Kind {
	case live.EventAudio:
		chunk := audio.Chunk{Data: ev.Data, ReceivedAt: ev.ReceivedAt}
		a.aggregator.AddAudio(chunk)
		a.playback.Enqueue(chunk)

	case live.EventOutputTranscript:
		a.aggregator.AddText(ev.Text)

	case live.EventInputTranscript:
		if a.userBuf.Len() == 0 {
			a.userStarted = a.clock.Now()
			// Fresh user speech means a fresh topic: the continuation
			// budget starts over.
			a.continuation.Reset()
		}
		a.userBuf.WriteString(ev.Text)

	case live.EventTurnComplete:
		a.flushUserTurn()
		a.aggregator.Finalize(turn.ReasonTurnComplete)

	case live.EventGenerationComplete:
		a.aggregator.Finalize(turn.ReasonGenerationComplete)

	case live.EventInterrupted:
		if buffered := a.playback.Buffered(); buffered > 0 {
			a.log.Debug("barge-in discards queued playback", "buffered", buffered)
		}
		a.playback.Interrupt()
		a.aggregator.Interrupt()

	case live.EventResumeHandle:
		if ev.Text == "" || ev.Text == a.resumeHandle {
			return
		}
		a.resumeHandle = ev.Text
		upd := store.SessionUpdate{ResumeHandle: &a.resumeHandle}
		if err := a.st.UpdateSession(context.WithoutCancel(ctx), a.sess.ID, upd); err != nil {
			a.log.Warn("failed to persist resume handle", "err", err)
		}
	}
}

// onAssistantStart fires on the first fragment of a model turn. The user's
// turn is complete by then, so flush it ahead of the reply to keep the
// persisted order conversational.
func (a *App) onAssistantStart(time.Time) {
	a.flushUserTurn()
}

// onAssistantTurn receives each finalized model turn: the continuation
// controller gets first look (an incomplete turn triggers "Please
// continue."), then the turn is queued for persistence.
func (a *App) onAssistantTurn(t turn.FinalizedTurn) {
	a.continuation.TurnFinalized(t)
	a.enqueueTurn(t)
}

// flushUserTurn finalizes the accumulated user transcript, running it
// through the glossary corrector first. No-op when nothing accumulated.
func (a *App) flushUserTurn() {
	if a.userBuf.Len() == 0 {
		return
	}
	raw := a.userBuf.String()
	a.userBuf.Reset()

	a.mu.Lock()
	corrector := a.corrector
	a.mu.Unlock()
	corrected, corrections := corrector.Apply(raw)
	if len(corrections) > 0 {
		a.log.Debug("applied glossary corrections", "count", len(corrections))
	}

	now := a.clock.Now()
	a.enqueueTurn(turn.FinalizedTurn{
		Role:        store.RoleUser,
		Transcript:  corrected,
		StartedAt:   a.userStarted,
		FinalizedAt: now,
		Reason:      turn.ReasonTurnComplete,
	})
}

// enqueueTurn hands a turn to the persistence worker without ever blocking
// the event loop past shutdown.
func (a *App) enqueueTurn(t turn.FinalizedTurn) {
	select {
	case a.turns <- t:
	case <-a.quit:
		a.log.Warn("dropping turn finalized after shutdown", "role", t.Role)
	}
}

// persistLoop saves turns sequentially, preserving conversation order. After
// quit it drains what is already queued and exits.
func (a *App) persistLoop(ctx context.Context) {
	for {
		select {
		case t := <-a.turns:
			a.saveTurn(ctx, t)
		case <-a.quit:
			for {
				select {
				case t := <-a.turns:
					a.saveTurn(ctx, t)
				default:
					return
				}
			}
		}
	}
}

// saveTurn persists one turn under its own span. Shutdown must not abort
// writes already earned, so the save runs detached from ctx cancellation.
func (a *App) saveTurn(ctx context.Context, t turn.FinalizedTurn) {
	ctx, span := observe.StartTurnSpan(context.WithoutCancel(ctx), string(t.Role))
	defer span.End()
	if err := a.saver.Save(ctx, a.sess.ID, t); err != nil {
		a.log.Error("failed to persist turn", "role", t.Role, "err", err, "trace_id", observe.TraceID(ctx))
	}
}

// finishSession writes the terminal session record: ended or error status,
// end time, and the final consumed duration.
func (a *App) finishSession(ctx context.Context, cause error) {
	status := store.StatusEnded
	if cause != nil {
		status = store.StatusError
	}
	now := a.clock.Now()
	used := a.tracker.Used()
	upd := store.SessionUpdate{
		Status:       &status,
		EndedAt:      &now,
		DurationUsed: &used,
	}
	if err := a.st.UpdateSession(context.WithoutCancel(ctx), a.sess.ID, upd); err != nil {
		a.log.Warn("failed to persist final session state", "err", err)
	}
	a.log.Info("session finished",
		"session_id", a.sess.ID,
		"status", status,
		"duration_used", used,
	)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects the live session, waits for Run to drain, and tears
// down all subsystems in order. It respects the context deadline: if ctx
// expires, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		a.manager.Disconnect()

		a.mu.Lock()
		started := a.runStarted
		a.mu.Unlock()
		if started {
			select {
			case <-a.runDone:
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded waiting for event loop")
				a.stopErr = ctx.Err()
				return
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				a.stopErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return a.stopErr
}
