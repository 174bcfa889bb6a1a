// Package live defines the Provider interface for duplex speech-model
// backends.
//
// A live provider wraps a real-time speech-to-speech service: one stateful
// session carries microphone audio and text up, and synthesised audio,
// transcript fragments, and discrete turn signals down. The central
// abstraction is [SessionHandle], a bidirectional multiplexed channel exposed
// as a single event stream so the session engine can serialise everything the
// model says into its turn state machine.
//
// Turn signals are advisory: any of TurnComplete, GenerationComplete, and
// Interrupted may arrive zero or more times per turn and in any order relative
// to the last audio chunk. Consumers must treat turn completion as a race and
// finalize idempotently.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"time"
)

// VoiceProfile identifies a synthesised voice offered by a provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string
}

// SessionConfig is the configuration surface consumed at connect time.
type SessionConfig struct {
	// Language is the BCP-47 language code for the conversation (e.g. "en-US").
	Language string

	// Subject is the tutoring subject (e.g. "physics", "french").
	Subject string

	// Level is the learner's education level (e.g. "middle-school").
	Level string

	// Voice selects the tutor's synthesised voice.
	Voice VoiceProfile

	// Instructions is the system prompt establishing the tutor persona.
	// When empty, providers derive a default from Language/Subject/Level.
	Instructions string

	// ResumeID is an opaque handle from a previous session to resume, if the
	// provider supports resumption. Empty starts a fresh session.
	ResumeID string
}

// EventKind classifies inbound session events.
type EventKind int

const (
	// EventAudio carries a chunk of synthesised PCM16 audio at 24 kHz.
	EventAudio EventKind = iota

	// EventInputTranscript carries a recognition fragment of the user's speech.
	EventInputTranscript

	// EventOutputTranscript carries a transcript fragment of the model's reply.
	EventOutputTranscript

	// EventTurnComplete signals the model considers the current turn finished.
	EventTurnComplete

	// EventGenerationComplete signals audio generation for the turn is done.
	EventGenerationComplete

	// EventInterrupted signals the model stopped because the user barged in.
	EventInterrupted

	// EventResumeHandle carries a fresh session-resumption handle in Text.
	// Providers that support resumption announce a new handle periodically;
	// persist the latest one and pass it as SessionConfig.ResumeID to restore
	// the model's conversation context in a later session.
	EventResumeHandle
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInputTranscript:
		return "input_transcript"
	case EventOutputTranscript:
		return "output_transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventGenerationComplete:
		return "generation_complete"
	case EventInterrupted:
		return "interrupted"
	case EventResumeHandle:
		return "resume_handle"
	default:
		return "unknown"
	}
}

// Event is a single inbound message from the model session.
type Event struct {
	// Kind discriminates the payload fields below.
	Kind EventKind

	// Data is the PCM16 audio payload for EventAudio; nil otherwise.
	Data []byte

	// Text is the transcript fragment for the transcript kinds; empty otherwise.
	Text string

	// ReceivedAt is the local arrival time.
	ReceivedAt time.Time
}

// Capabilities describes static properties of a live provider.
type Capabilities struct {
	// MaxSessionDuration is the provider-imposed hard limit on session
	// lifetime. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// SupportsResumption indicates whether SessionConfig.ResumeID is honoured.
	SupportsResumption bool

	// Voices lists the available voice profiles.
	Voices []VoiceProfile
}

// SessionHandle represents one open duplex session. It is the hot path of the
// engine: every method must return quickly, and consumers must drain Events
// promptly to keep the provider's receive loop from stalling.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a raw PCM16 mono 16 kHz chunk to the model.
	// Returns an error if the session is closed or the transport failed.
	SendAudio(chunk []byte) error

	// SendText delivers a user-authored text message, completing the user turn.
	SendText(text string) error

	// Events returns the stream of inbound session events. The channel is
	// closed when the session ends; check [SessionHandle.Err] afterwards to
	// distinguish clean shutdown from transport failure.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil if it ended
	// cleanly (or is still open).
	Err() error

	// Close terminates the session and releases all resources. Safe to call
	// multiple times; subsequent calls return nil.
	Close() error
}

// Provider is the abstraction over any live speech-model backend.
type Provider interface {
	// Connect establishes a new session with the given configuration. The
	// returned handle is ready to accept audio immediately. The caller owns
	// the handle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the underlying model, assumed
	// constant for the lifetime of the Provider instance.
	Capabilities() Capabilities
}
