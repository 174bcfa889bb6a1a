// Package turn accumulates streamed transcript fragments and audio chunks
// into finalized turns, and decides when a finished turn should trigger an
// automatic continuation.
package turn

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sonara-ai/sonara/internal/observe"
	"github.com/sonara-ai/sonara/pkg/audio"
	"github.com/sonara-ai/sonara/pkg/store"
)

// DefaultSilenceTimeout closes a turn when the model stops producing without
// an explicit completion signal.
const DefaultSilenceTimeout = 5 * time.Second

// Reason records which signal finalized a turn.
type Reason string

const (
	// ReasonTurnComplete is the protocol's explicit end-of-turn signal.
	ReasonTurnComplete Reason = "turn_complete"

	// ReasonGenerationComplete is the protocol's end-of-generation signal.
	ReasonGenerationComplete Reason = "generation_complete"

	// ReasonSilence means no fragment arrived within the silence timeout.
	ReasonSilence Reason = "silence_timeout"

	// ReasonInterrupted means the user barged in mid-response.
	ReasonInterrupted Reason = "interrupted"
)

// FinalizedTurn is one complete utterance, handed off exactly once per turn.
type FinalizedTurn struct {
	Role       store.Role
	Transcript string
	Chunks     []audio.Chunk

	// AudioDuration is the summed duration of Chunks at the inbound wire rate.
	AudioDuration time.Duration

	StartedAt   time.Time
	FinalizedAt time.Time
	Reason      Reason

	// Incomplete marks a turn that ended without an explicit completion
	// signal, the cue for an automatic continuation.
	Incomplete bool
}

// Config tunes an [Aggregator]. Zero values take defaults.
type Config struct {
	// Role authoring the aggregated turns.
	Role store.Role

	// SilenceTimeout finalizes a turn when no fragment arrives in time.
	SilenceTimeout time.Duration

	// SampleRate of aggregated audio. Defaults to the inbound wire rate.
	SampleRate int
}

func (c *Config) applyDefaults() {
	if c.Role == "" {
		c.Role = store.RoleAssistant
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.SampleRate <= 0 {
		c.SampleRate = audio.WireOutputRate
	}
}

// Aggregator buffers one in-flight turn. Two finalize paths can race, an
// explicit protocol signal and the silence timer, so finalize runs at most
// once per turn regardless of how many triggers fire. Safe for concurrent
// use.
type Aggregator struct {
	cfg        Config
	clock      clockwork.Clock
	metrics    *observe.Metrics
	log        *slog.Logger
	onStart    func(startedAt time.Time)
	onFinalize func(t FinalizedTurn)

	mu         sync.Mutex
	open       bool
	transcript strings.Builder
	chunks     []audio.Chunk
	startedAt  time.Time
	timer      clockwork.Timer
	gen        int // invalidates silence timers armed for an earlier turn
}

// Option customizes an [Aggregator].
type Option func(*Aggregator)

// WithClock substitutes the wall clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.log = l }
}

// OnStart registers a callback fired when a fragment opens a new turn.
func OnStart(fn func(startedAt time.Time)) Option {
	return func(a *Aggregator) { a.onStart = fn }
}

// NewAggregator creates an Aggregator delivering finished turns to onFinalize.
// The callback runs outside the aggregator's lock, so it may call back in.
func NewAggregator(cfg Config, onFinalize func(t FinalizedTurn), opts ...Option) *Aggregator {
	cfg.applyDefaults()
	a := &Aggregator{
		cfg:        cfg,
		clock:      clockwork.NewRealClock(),
		log:        slog.Default(),
		onFinalize: onFinalize,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// AddText appends a transcript fragment, opening a turn if none is in flight.
func (a *Aggregator) AddText(fragment string) {
	if fragment == "" {
		return
	}
	a.mu.Lock()
	started := a.openLocked()
	a.transcript.WriteString(fragment)
	a.armTimerLocked()
	a.mu.Unlock()

	a.notifyStart(started)
}

// AddAudio appends an audio chunk, opening a turn if none is in flight.
func (a *Aggregator) AddAudio(chunk audio.Chunk) {
	if len(chunk.Data) == 0 {
		return
	}
	a.mu.Lock()
	started := a.openLocked()
	a.chunks = append(a.chunks, chunk)
	a.armTimerLocked()
	a.mu.Unlock()

	a.notifyStart(started)
}

// Open reports whether a turn is currently in flight.
func (a *Aggregator) Open() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

// Finalize closes the in-flight turn and delivers it. Calling it again
// before the next fragment is a no-op, which is what makes the completion
// race harmless.
func (a *Aggregator) Finalize(reason Reason) bool {
	a.mu.Lock()
	t, ok := a.finalizeLocked(reason)
	a.mu.Unlock()
	if !ok {
		return false
	}
	a.deliver(t)
	return true
}

// Interrupt finalizes immediately with whatever was accumulated, so barge-in
// never silently drops a partial response.
func (a *Aggregator) Interrupt() bool {
	return a.Finalize(ReasonInterrupted)
}

// Close stops the silence timer. Any in-flight turn is discarded.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.open = false
	a.transcript.Reset()
	a.chunks = nil
}

// openLocked starts a new turn if needed, reporting whether it did.
func (a *Aggregator) openLocked() bool {
	if a.open {
		return false
	}
	a.open = true
	a.startedAt = a.clock.Now()
	return true
}

// armTimerLocked starts or pushes back the silence timer.
func (a *Aggregator) armTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	gen := a.gen
	a.timer = a.clock.AfterFunc(a.cfg.SilenceTimeout, func() {
		a.silenceFired(gen)
	})
}

func (a *Aggregator) silenceFired(gen int) {
	a.mu.Lock()
	if gen != a.gen {
		// Timer armed for a turn that already finalized.
		a.mu.Unlock()
		return
	}
	t, ok := a.finalizeLocked(ReasonSilence)
	a.mu.Unlock()
	if ok {
		a.deliver(t)
	}
}

func (a *Aggregator) finalizeLocked(reason Reason) (FinalizedTurn, bool) {
	if !a.open {
		return FinalizedTurn{}, false
	}
	a.open = false
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}

	var total int
	for _, c := range a.chunks {
		total += len(c.Data)
	}
	t := FinalizedTurn{
		Role:          a.cfg.Role,
		Transcript:    a.transcript.String(),
		Chunks:        a.chunks,
		AudioDuration: audio.Duration(total, a.cfg.SampleRate),
		StartedAt:     a.startedAt,
		FinalizedAt:   a.clock.Now(),
		Reason:        reason,
		Incomplete:    reason == ReasonSilence,
	}
	a.transcript.Reset()
	a.chunks = nil
	return t, true
}

func (a *Aggregator) deliver(t FinalizedTurn) {
	a.metrics.RecordTurnFinalized(context.Background(), string(t.Role), string(t.Reason))
	a.metrics.TurnDuration.Record(context.Background(), t.FinalizedAt.Sub(t.StartedAt).Seconds())
	a.log.Debug("turn finalized",
		"role", t.Role,
		"reason", t.Reason,
		"transcript_len", len(t.Transcript),
		"chunks", len(t.Chunks),
		"audio", t.AudioDuration,
	)
	if a.onFinalize != nil {
		a.onFinalize(t)
	}
}

func (a *Aggregator) notifyStart(started bool) {
	if started && a.onStart != nil {
		a.mu.Lock()
		at := a.startedAt
		a.mu.Unlock()
		a.onStart(at)
	}
}
