// Package persist uploads finalized turns to the store. Oversized audio is
// split into ordered parts, transient failures are retried, and an
// unrecoverable upload degrades to a text-only record rather than losing the
// turn or failing the caller.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"

	"github.com/sonara-ai/sonara/internal/observe"
	"github.com/sonara-ai/sonara/internal/turn"
	"github.com/sonara-ai/sonara/pkg/audio"
	"github.com/sonara-ai/sonara/pkg/store"
)

const (
	// DefaultAudioCap is the longest audio a single message may carry.
	// Anything longer is split into parts at chunk boundaries.
	DefaultAudioCap = 120 * time.Second

	// DefaultMaxAttempts is how often one upload is tried before falling
	// back to a text-only record.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the delay before the first retry; it doubles per
	// attempt.
	DefaultBackoffBase = 500 * time.Millisecond

	// DefaultBaseTimeout is the per-attempt timeout floor.
	DefaultBaseTimeout = 10 * time.Second

	// DefaultTimeoutPerSecond adds upload headroom per second of audio in
	// the payload.
	DefaultTimeoutPerSecond = 250 * time.Millisecond

	// maxConcurrentEnrichments bounds in-flight enrichment calls.
	maxConcurrentEnrichments = 4
)

// Config tunes a [Saver]. Zero values take defaults.
type Config struct {
	// AudioCap is the per-message audio duration limit.
	AudioCap time.Duration

	// MaxAttempts bounds upload tries per record.
	MaxAttempts int

	// BackoffBase is the first retry delay, doubled per attempt.
	BackoffBase time.Duration

	// BaseTimeout is the per-attempt timeout floor.
	BaseTimeout time.Duration

	// TimeoutPerSecond grows the per-attempt timeout with payload size.
	TimeoutPerSecond time.Duration

	// SampleRate of turn audio. Defaults to the inbound wire rate.
	SampleRate int
}

func (c *Config) applyDefaults() {
	if c.AudioCap <= 0 {
		c.AudioCap = DefaultAudioCap
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = DefaultBaseTimeout
	}
	if c.TimeoutPerSecond <= 0 {
		c.TimeoutPerSecond = DefaultTimeoutPerSecond
	}
	if c.SampleRate <= 0 {
		c.SampleRate = audio.WireOutputRate
	}
}

// Enricher receives persisted messages for best-effort post-processing.
// internal/analyze implements it.
type Enricher interface {
	Enrich(ctx context.Context, msg *store.Message)
}

// Saver persists finalized turns. Safe for concurrent use; turns for the
// same session should be saved sequentially to keep their order.
type Saver struct {
	store    store.Store
	cfg      Config
	clock    clockwork.Clock
	metrics  *observe.Metrics
	log      *slog.Logger
	enricher Enricher

	enrichSem *semaphore.Weighted
	wg        sync.WaitGroup
}

// Option customizes a [Saver].
type Option func(*Saver)

// WithClock substitutes the wall clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *Saver) { s.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Saver) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Saver) { s.log = l }
}

// WithEnricher queues persisted messages for asynchronous enrichment.
func WithEnricher(e Enricher) Option {
	return func(s *Saver) { s.enricher = e }
}

// New creates a Saver writing through st.
func New(st store.Store, cfg Config, opts ...Option) *Saver {
	cfg.applyDefaults()
	s := &Saver{
		store:     st,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		log:       slog.Default(),
		enrichSem: semaphore.NewWeighted(maxConcurrentEnrichments),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Save persists one finalized turn. Audio upload failures degrade to a
// text-only record with the failure recorded in message metadata; an error
// is returned only when even that record cannot be written.
func (s *Saver) Save(ctx context.Context, sessionID string, t turn.FinalizedTurn) error {
	msg := store.NewMessage{
		Role:           t.Role,
		Type:           store.TypeText,
		Content:        t.Transcript,
		ProcessingTime: t.FinalizedAt.Sub(t.StartedAt),
	}

	pcm := combineChunks(t.Chunks)
	if len(pcm) == 0 {
		return s.saveText(ctx, sessionID, msg)
	}

	total := audio.Duration(len(pcm), s.cfg.SampleRate)
	if total <= s.cfg.AudioCap {
		msg.Type = store.TypeAudio
		if err := s.uploadAudio(ctx, sessionID, msg, pcm); err != nil {
			return s.fallback(ctx, sessionID, msg, err)
		}
		return nil
	}

	return s.saveParts(ctx, sessionID, msg, t.Chunks, total)
}

// Wait blocks until queued enrichment work finishes. Call during shutdown.
func (s *Saver) Wait() { s.wg.Wait() }

// saveParts splits audio into sequential records each at most AudioCap long,
// cutting at chunk boundaries where possible and sample-aligned inside a
// chunk that alone exceeds the cap. Parts upload in order; a part that
// exhausts its retries degrades that part only.
func (s *Saver) saveParts(ctx context.Context, sessionID string, msg store.NewMessage, chunks []audio.Chunk, total time.Duration) error {
	capBytes := int(s.cfg.AudioCap.Seconds() * float64(s.cfg.SampleRate) * audio.BytesPerSample)
	capBytes -= capBytes % audio.BytesPerSample

	var parts [][]byte
	var current []byte
	for _, c := range chunks {
		data := c.Data
		for len(data) > 0 {
			room := capBytes - len(current)
			if room <= 0 {
				parts = append(parts, current)
				current = nil
				room = capBytes
			}
			if room > len(data) {
				room = len(data)
			}
			room -= room % audio.BytesPerSample
			if room == 0 {
				// Sub-sample remainder of a malformed chunk; not playable.
				break
			}
			current = append(current, data[:room]...)
			data = data[room:]
		}
	}
	if len(current) > 0 {
		parts = append(parts, current)
	}

	s.log.Info("splitting oversized turn audio",
		"session", sessionID, "duration", total, "parts", len(parts))

	var firstErr error
	for i, pcm := range parts {
		part := msg
		part.Part = &store.PartInfo{
			PartNumber: i + 1,
			IsPartial:  true,
			IsFinal:    i == len(parts)-1,
		}
		if i > 0 {
			// The transcript rides on the first part only.
			part.Content = ""
		}
		part.Type = store.TypeAudio

		if err := s.uploadAudio(ctx, sessionID, part, pcm); err != nil {
			if fbErr := s.fallback(ctx, sessionID, part, err); fbErr != nil && firstErr == nil {
				firstErr = fbErr
			}
		}
	}
	return firstErr
}

// uploadAudio writes one WAV record with retry. The per-attempt timeout
// grows with both payload size and attempt number so slow links still get a
// fair chance on the last try.
func (s *Saver) uploadAudio(ctx context.Context, sessionID string, msg store.NewMessage, pcm []byte) error {
	wav, err := audio.EncodeWAV(pcm, s.cfg.SampleRate)
	if err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	payload := audio.Duration(len(pcm), s.cfg.SampleRate)

	var lastErr error
	delay := s.cfg.BackoffBase
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		timeout := (s.cfg.BaseTimeout + time.Duration(payload.Seconds()*float64(s.cfg.TimeoutPerSecond))) * time.Duration(attempt)
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := s.clock.Now()
		saved, err := s.store.AddMessageWithAudio(attemptCtx, sessionID, msg, wav, s.cfg.SampleRate)
		cancel()

		if err == nil {
			s.metrics.RecordSaveAttempt(ctx, s.clock.Since(start).Seconds(), "ok")
			s.enqueueEnrichment(saved)
			return nil
		}
		s.metrics.RecordSaveAttempt(ctx, s.clock.Since(start).Seconds(), "error")
		lastErr = err

		if attempt < s.cfg.MaxAttempts {
			s.metrics.SaveRetries.Add(ctx, 1)
			s.log.Warn("audio upload failed, retrying",
				"session", sessionID, "attempt", attempt, "delay", delay, "err", err)
			select {
			case <-ctx.Done():
				return fmt.Errorf("upload aborted: %w", ctx.Err())
			case <-s.clock.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("upload failed after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

// fallback stores the turn text-only, annotated with the upload failure, so
// the record survives even when its audio does not.
func (s *Saver) fallback(ctx context.Context, sessionID string, msg store.NewMessage, cause error) error {
	s.metrics.SaveFallbacks.Add(ctx, 1)
	s.log.Error("audio upload unrecoverable, saving text-only",
		"session", sessionID, "err", cause)

	msg.Type = store.TypeText
	meta := map[string]any{"audioError": cause.Error()}
	for k, v := range msg.Metadata {
		meta[k] = v
	}
	msg.Metadata = meta
	return s.saveText(ctx, sessionID, msg)
}

func (s *Saver) saveText(ctx context.Context, sessionID string, msg store.NewMessage) error {
	saved, err := s.store.AddMessage(ctx, sessionID, msg)
	if err != nil {
		return fmt.Errorf("persist: save message: %w", err)
	}
	s.enqueueEnrichment(saved)
	return nil
}

// enqueueEnrichment hands a persisted message to the enricher without
// blocking the save path. The semaphore keeps a burst of finalized turns
// from fanning out into unbounded concurrent model calls.
func (s *Saver) enqueueEnrichment(msg *store.Message) {
	if s.enricher == nil || msg == nil || msg.Content == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		if err := s.enrichSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.enrichSem.Release(1)
		s.enricher.Enrich(ctx, msg)
	}()
}

func combineChunks(chunks []audio.Chunk) []byte {
	var n int
	for _, c := range chunks {
		n += len(c.Data)
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, 0, n)
	for _, c := range chunks {
		out = append(out, c.Data...)
	}
	return out
}
