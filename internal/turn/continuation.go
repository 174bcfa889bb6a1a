package turn

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sonara-ai/sonara/internal/observe"
	"github.com/sonara-ai/sonara/pkg/store"
)

// DefaultMaxContinuations bounds automatic "please continue" prompts per
// topic so a runaway response cannot loop forever.
const DefaultMaxContinuations = 10

// continuePrompt is the synthetic request sent on behalf of the user. It is
// never recorded as a user-authored message.
const continuePrompt = "Please continue."

// TextSender delivers the synthetic continuation prompt. session.Manager is
// the production implementation.
type TextSender interface {
	SendText(text string) error
}

// Controller requests automatic continuations of responses that ended
// without an explicit completion signal. Safe for concurrent use.
type Controller struct {
	sink    TextSender
	max     int
	metrics *observe.Metrics
	log     *slog.Logger
	notify  func(ordinal int)

	mu      sync.Mutex
	enabled bool
	count   int
}

// ControllerOption customizes a [Controller].
type ControllerOption func(*Controller)

// WithMaxContinuations caps automatic continuations per topic.
func WithMaxContinuations(max int) ControllerOption {
	return func(c *Controller) {
		if max > 0 {
			c.max = max
		}
	}
}

// WithControllerMetrics sets the metrics sink.
func WithControllerMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithControllerLogger sets the logger. Defaults to slog.Default.
func WithControllerLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.log = l }
}

// OnContinuation registers a callback fired with the ordinal of each
// continuation issued, so a caller can surface "continuing (n)".
func OnContinuation(fn func(ordinal int)) ControllerOption {
	return func(c *Controller) { c.notify = fn }
}

// NewController creates a disabled Controller sending prompts through sink.
func NewController(sink TextSender, opts ...ControllerOption) *Controller {
	c := &Controller{
		sink: sink,
		max:  DefaultMaxContinuations,
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// SetEnabled toggles automatic continuation. Disabling halts further
// continuations immediately; already-sent prompts are not recalled.
func (c *Controller) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// Enabled reports the current toggle state.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Count returns continuations issued since the last reset.
func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Reset zeroes the continuation count. Called when the user authors a new
// message, which starts a fresh topic.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count = 0
}

// TurnFinalized evaluates a finished turn and, when it looks cut off, sends
// the synthetic continuation prompt. Returns true if a continuation was
// requested.
func (c *Controller) TurnFinalized(t FinalizedTurn) bool {
	if t.Role != store.RoleAssistant || !t.Incomplete {
		return false
	}

	c.mu.Lock()
	if !c.enabled || c.count >= c.max {
		c.mu.Unlock()
		return false
	}
	c.count++
	ordinal := c.count
	c.mu.Unlock()

	if err := c.sink.SendText(continuePrompt); err != nil {
		c.log.Warn("sending continuation prompt", "ordinal", ordinal, "err", err)
		return false
	}

	c.metrics.Continuations.Add(context.Background(), 1)
	c.log.Debug("continuation requested", "ordinal", ordinal, "max", c.max)
	if c.notify != nil {
		c.notify(ordinal)
	}
	return true
}
