// Package capture pulls microphone frames, converts them to the outbound
// wire format, and forwards them to the connection manager.
//
// Mute and pause only gate forwarding: the device keeps capturing so that
// unmuting never goes back through a permission prompt or device reopen.
package capture

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sonara-ai/sonara/pkg/audio"
)

// Source is a capture device producing raw PCM frames.
// pkg/audio/device.Microphone is the production implementation.
type Source interface {
	// Start begins capturing.
	Start() error

	// Frames returns the stream of captured frames. Closed when the source
	// stops.
	Frames() <-chan audio.Frame

	// Close releases the device. Idempotent.
	Close() error
}

// Sink receives wire-format audio. session.Manager is the production sink;
// it discards frames while not connected, which this pipeline relies on.
type Sink interface {
	SendAudio(data []byte) error
}

// Pipeline converts captured frames to 16 kHz mono PCM16, publishes a
// per-frame input level, and forwards frames to the sink unless muted or
// paused. All methods are safe for concurrent use.
type Pipeline struct {
	sink   Sink
	log    *slog.Logger
	levels chan float64

	mu     sync.Mutex
	src    Source
	muted  bool
	paused bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option customizes a [Pipeline].
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// New creates a Pipeline forwarding to sink.
func New(sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		sink:   sink,
		log:    slog.Default(),
		levels: make(chan float64, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins pulling frames from src. Device errors surface here, before
// any connection work proceeds.
func (p *Pipeline) Start(src Source) error {
	p.mu.Lock()
	if p.src != nil {
		p.mu.Unlock()
		return fmt.Errorf("capture: already started")
	}
	p.src = src
	p.mu.Unlock()

	if err := src.Start(); err != nil {
		return fmt.Errorf("capture: start source: %w", err)
	}

	p.wg.Add(1)
	go p.run(src)
	return nil
}

// Levels returns the rolling input level stream, normalized 0–1. The channel
// holds only the latest value; slow consumers see the freshest level, not a
// backlog.
func (p *Pipeline) Levels() <-chan float64 { return p.levels }

// SetMuted gates forwarding without touching the device.
func (p *Pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
}

// SetPaused gates forwarding while the session is paused.
func (p *Pipeline) SetPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = paused
}

// Muted reports the current mute state.
func (p *Pipeline) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// Stop releases the device and halts forwarding. Idempotent.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		src := p.src
		p.mu.Unlock()
		if src != nil {
			if err := src.Close(); err != nil {
				p.log.Warn("closing capture source", "err", err)
			}
		}
		p.wg.Wait()
	})
}

func (p *Pipeline) run(src Source) {
	defer p.wg.Done()

	for frame := range src.Frames() {
		select {
		case <-p.done:
			return
		default:
		}

		p.publishLevel(audio.Level(frame.Data))

		p.mu.Lock()
		gated := p.muted || p.paused
		p.mu.Unlock()
		if gated {
			continue
		}

		data := frame.Data
		if frame.SampleRate != audio.WireInputRate {
			data = audio.ResampleMono16(data, frame.SampleRate, audio.WireInputRate)
		}
		if err := p.sink.SendAudio(data); err != nil {
			// The sink owns connection state; a send failure here is already
			// handled there.
			p.log.Debug("forwarding frame", "err", err)
		}
	}
}

// publishLevel replaces the pending level value so the channel always holds
// the latest reading.
func (p *Pipeline) publishLevel(level float64) {
	for {
		select {
		case p.levels <- level:
			return
		default:
			select {
			case <-p.levels:
			default:
			}
		}
	}
}
