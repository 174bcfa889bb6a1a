// Package device provides microphone capture and speaker output backed by
// PortAudio.
//
// The package wraps the two local audio endpoints behind small channel-based
// types so the rest of the engine never touches the PortAudio API directly:
// [Microphone] emits [audio.Frame] values on a channel, [Speaker] accepts
// timed PCM buffers from the playback scheduler.
//
// Call [Init] once at process start and [Terminate] on shutdown. Device
// failures (no microphone, permission denied) surface as errors from
// [OpenMicrophone] before any network connection is attempted.
package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/sonara-ai/sonara/pkg/audio"
)

// DefaultFrameSize is the number of samples pulled from the device per frame.
// At 16 kHz this is a 64 ms frame.
const DefaultFrameSize = 1024

var initOnce sync.Once

// Init initialises the PortAudio runtime. Safe to call multiple times.
func Init() error {
	var err error
	initOnce.Do(func() {
		err = portaudio.Initialize()
	})
	if err != nil {
		return fmt.Errorf("device: portaudio init: %w", err)
	}
	return nil
}

// Terminate releases the PortAudio runtime. Call once during shutdown after
// all streams are closed.
func Terminate() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("device: portaudio terminate: %w", err)
	}
	return nil
}

// ── Microphone ────────────────────────────────────────────────────────────────

// Microphone captures PCM16 mono frames from the default input device and
// publishes them on a channel. The device keeps running while the session is
// muted or paused; gating happens downstream in the capture pipeline so the
// OS permission grant is never released mid-session.
type Microphone struct {
	stream *portaudio.Stream
	buf    []int16
	rate   int

	frames chan audio.Frame

	mu      sync.Mutex
	started time.Time
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// OpenMicrophone opens the default input device at the given sample rate.
// frameSize is the number of samples per emitted frame; zero selects
// [DefaultFrameSize]. The returned Microphone is not capturing until
// [Microphone.Start] is called.
func OpenMicrophone(sampleRate, frameSize int) (*Microphone, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}

	m := &Microphone{
		buf:    make([]int16, frameSize),
		rate:   sampleRate,
		frames: make(chan audio.Frame, 16),
		done:   make(chan struct{}),
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), frameSize, m.buf)
	if err != nil {
		return nil, fmt.Errorf("device: open input stream: %w", err)
	}
	m.stream = stream
	return m, nil
}

// Start begins pulling frames from the device into the Frames channel.
func (m *Microphone) Start() error {
	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("device: start input stream: %w", err)
	}

	m.mu.Lock()
	m.started = time.Now()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.captureLoop()
	return nil
}

// Frames returns the channel on which captured frames arrive. The channel is
// closed when the microphone is closed.
func (m *Microphone) Frames() <-chan audio.Frame {
	return m.frames
}

// captureLoop reads fixed-size buffers from the device until Close is called.
// Read errors terminate the loop; the channel close signals the consumer.
func (m *Microphone) captureLoop() {
	defer m.wg.Done()
	defer close(m.frames)

	for {
		select {
		case <-m.done:
			return
		default:
		}

		if err := m.stream.Read(); err != nil {
			// Aborted reads during Close are expected; anything else means the
			// device went away.
			select {
			case <-m.done:
			default:
			}
			return
		}

		m.mu.Lock()
		ts := time.Since(m.started)
		m.mu.Unlock()

		frame := audio.Frame{
			Data:       audio.Int16ToBytes(m.buf),
			SampleRate: m.rate,
			Timestamp:  ts,
		}

		select {
		case m.frames <- frame:
		case <-m.done:
			return
		}
	}
}

// Close stops capture and releases the device. Idempotent.
func (m *Microphone) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	_ = m.stream.Abort()
	m.wg.Wait()
	return m.stream.Close()
}

// ── Speaker ───────────────────────────────────────────────────────────────────

// Speaker writes scheduled PCM16 mono buffers to the default output device.
// It implements the playback scheduler's sink contract: Play never blocks,
// buffers are written in arrival order at their scheduled start times, and
// Stop discards everything pending.
type Speaker struct {
	stream *portaudio.Stream
	rate   int

	// writeBuf is the variable slice bound to the PortAudio output stream;
	// it is rebound before each write so buffers of any size can be played.
	writeBufMu sync.Mutex
	writeBuf   []int16

	mu     sync.Mutex
	queue  []timedBuffer
	wake   chan struct{}
	closed bool
	gen    int // incremented by Stop to invalidate in-flight writes

	done chan struct{}
	wg   sync.WaitGroup
}

type timedBuffer struct {
	pcm     []byte
	startAt time.Time
	gen     int
}

// OpenSpeaker opens the default output device at the given sample rate.
func OpenSpeaker(sampleRate int) (*Speaker, error) {
	if err := Init(); err != nil {
		return nil, err
	}

	s := &Speaker{
		rate: sampleRate,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	// The write buffer is sized per call in playLoop, so the stream is opened
	// with a zero frame count and variable-size writes.
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), 0, &s.writeBuf)
	if err != nil {
		return nil, fmt.Errorf("device: open output stream: %w", err)
	}
	s.stream = stream

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("device: start output stream: %w", err)
	}

	s.wg.Add(1)
	go s.playLoop()
	return s, nil
}

// Play schedules pcm to begin playing at startAt. It returns immediately;
// playback order follows call order.
func (s *Speaker) Play(pcm []byte, startAt time.Time) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("device: speaker closed")
	}
	s.queue = append(s.queue, timedBuffer{pcm: pcm, startAt: startAt, gen: s.gen})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop discards all pending buffers and drops the buffer currently being
// written once its in-flight device write returns.
func (s *Speaker) Stop() {
	s.mu.Lock()
	s.queue = nil
	s.gen++
	s.mu.Unlock()
}

// playLoop pops scheduled buffers, waits until their start time, and performs
// the blocking device write.
func (s *Speaker) playLoop() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		var next *timedBuffer
		if len(s.queue) > 0 {
			tb := s.queue[0]
			s.queue = s.queue[1:]
			next = &tb
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.done:
				return
			case <-s.wake:
				continue
			}
		}

		if wait := time.Until(next.startAt); wait > 0 {
			select {
			case <-s.done:
				return
			case <-time.After(wait):
			}
		}

		s.mu.Lock()
		stale := next.gen != s.gen
		s.mu.Unlock()
		if stale {
			continue
		}

		s.write(next.pcm)
	}
}

func (s *Speaker) write(pcm []byte) {
	s.writeBufMu.Lock()
	defer s.writeBufMu.Unlock()

	s.writeBuf = audio.BytesToInt16(pcm)
	_ = s.stream.Write()
}

// SampleRate returns the rate the output device was opened at.
func (s *Speaker) SampleRate() int { return s.rate }

// Close stops playback and releases the device. Idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	_ = s.stream.Stop()
	return s.stream.Close()
}
