// Package playback schedules inbound model audio for gapless output.
//
// Chunks arrive with network jitter but must play back-to-back. The scheduler
// holds a small jitter buffer before the first dispatch, then assigns each
// buffer a start time exactly where the previous one ends.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sonara-ai/sonara/internal/observe"
	"github.com/sonara-ai/sonara/pkg/audio"
)

const (
	// DefaultMinBufferedChunks is how many chunks must be queued before
	// playback starts. Three chunks absorb typical arrival variance without
	// adding noticeable latency.
	DefaultMinBufferedChunks = 3

	// DefaultLookahead is the margin between dispatch and the first buffer's
	// start time, giving the output device room to prime.
	DefaultLookahead = 50 * time.Millisecond

	// DefaultMaxBacklog bounds how far ahead of real time audio may be
	// scheduled. Beyond this the model is producing far faster than playback
	// drains and further chunks are shed.
	DefaultMaxBacklog = 2 * time.Minute
)

// Sink plays PCM buffers at scheduled times. pkg/audio/device.Speaker is the
// production implementation.
type Sink interface {
	// Play schedules pcm to start at startAt. Buffers play in the order given.
	Play(pcm []byte, startAt time.Time) error

	// Stop halts the active buffer and discards everything scheduled.
	Stop()
}

// Config tunes a [Scheduler]. Zero values take defaults.
type Config struct {
	// MinBufferedChunks is the jitter-buffer depth before playback starts.
	MinBufferedChunks int

	// Lookahead is the scheduling margin after a cold start or drain.
	Lookahead time.Duration

	// MaxBacklog caps scheduled-ahead audio before chunks are shed.
	MaxBacklog time.Duration

	// SampleRate of enqueued PCM. Defaults to the inbound wire rate.
	SampleRate int
}

func (c *Config) applyDefaults() {
	if c.MinBufferedChunks <= 0 {
		c.MinBufferedChunks = DefaultMinBufferedChunks
	}
	if c.Lookahead <= 0 {
		c.Lookahead = DefaultLookahead
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = DefaultMaxBacklog
	}
	if c.SampleRate <= 0 {
		c.SampleRate = audio.WireOutputRate
	}
}

// Scheduler feeds a [Sink] with gapless, in-order audio. Safe for concurrent
// use.
type Scheduler struct {
	sink    Sink
	cfg     Config
	clock   clockwork.Clock
	metrics *observe.Metrics
	log     *slog.Logger

	mu        sync.Mutex
	buffering bool          // true until the jitter buffer fills
	pending   []audio.Chunk // held chunks while buffering
	nextPlay  time.Time     // start time for the next dispatched buffer
	warned    bool          // backlog warning emitted for the current overrun
}

// Option customizes a [Scheduler].
type Option func(*Scheduler)

// WithClock substitutes the wall clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New creates a Scheduler dispatching to sink.
func New(sink Sink, cfg Config, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		sink:      sink,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		log:       slog.Default(),
		buffering: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Enqueue adds one inbound chunk. The first MinBufferedChunks chunks after a
// cold start or interrupt are held; once the buffer fills they are dispatched
// together and later chunks flow straight through.
func (s *Scheduler) Enqueue(chunk audio.Chunk) {
	if len(chunk.Data) == 0 {
		return
	}
	s.metrics.RecordAudioChunk(context.Background(), "in")

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	if s.buffering {
		s.pending = append(s.pending, chunk)
		if len(s.pending) < s.cfg.MinBufferedChunks {
			return
		}
		s.buffering = false
		s.nextPlay = now.Add(s.cfg.Lookahead)
		for _, c := range s.pending {
			s.dispatchLocked(c, now)
		}
		s.pending = nil
		return
	}

	// Drained: the cursor fell behind real time, so the previous burst has
	// finished. Resume slightly ahead of now rather than in the past.
	if s.nextPlay.Before(now) {
		s.nextPlay = now.Add(s.cfg.Lookahead)
	}

	s.dispatchLocked(chunk, now)
}

// Interrupt stops the active buffer and discards everything queued. Used on
// barge-in and manual pause. Playback stays silent until new chunks refill
// the jitter buffer.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	s.buffering = true
	s.pending = nil
	s.nextPlay = time.Time{}
	s.warned = false
	s.mu.Unlock()

	s.sink.Stop()
}

// Buffered reports how much audio is scheduled but not yet played.
func (s *Scheduler) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffering {
		var total time.Duration
		for _, c := range s.pending {
			total += audio.Duration(len(c.Data), s.cfg.SampleRate)
		}
		return total
	}
	ahead := s.nextPlay.Sub(s.clock.Now())
	if ahead < 0 {
		return 0
	}
	return ahead
}

func (s *Scheduler) dispatchLocked(chunk audio.Chunk, now time.Time) {
	backlog := s.nextPlay.Sub(now)
	if backlog > s.cfg.MaxBacklog {
		if !s.warned {
			s.log.Warn("playback backlog over limit, shedding chunks",
				"backlog", backlog, "limit", s.cfg.MaxBacklog)
			s.warned = true
		}
		s.metrics.PlaybackDropped.Add(context.Background(), 1)
		return
	}
	s.warned = false

	if err := s.sink.Play(chunk.Data, s.nextPlay); err != nil {
		s.log.Warn("scheduling playback buffer", "err", err)
		return
	}
	s.nextPlay = s.nextPlay.Add(audio.Duration(len(chunk.Data), s.cfg.SampleRate))
}
