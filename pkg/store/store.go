// Package store defines the persistence boundary of the session engine: the
// session and message shapes the engine depends on and the Store interface
// every backend implements.
//
// Two production backends exist: a direct PostgreSQL store
// (pkg/store/postgres) used when the engine runs self-hosted, and an HTTP
// client (pkg/store/api) for the hosted persistence service. Tests use
// pkg/store/mock.
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session ID does not exist.
var ErrSessionNotFound = errors.New("store: session not found")

// SessionStatus tracks the lifecycle of a tutoring session as seen by the
// connection manager.
type SessionStatus string

const (
	StatusIdle         SessionStatus = "idle"
	StatusConnecting   SessionStatus = "connecting"
	StatusConnected    SessionStatus = "connected"
	StatusReconnecting SessionStatus = "reconnecting"
	StatusPaused       SessionStatus = "paused"
	StatusEnded        SessionStatus = "ended"
	StatusError        SessionStatus = "error"
)

// IsValid reports whether s is a recognised session status.
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusIdle, StatusConnecting, StatusConnected, StatusReconnecting,
		StatusPaused, StatusEnded, StatusError:
		return true
	}
	return false
}

// Role identifies which participant authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageType distinguishes text-only records from records carrying audio.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeAudio MessageType = "audio"
)

// SessionConfig is the tutoring configuration recorded with a session.
type SessionConfig struct {
	// Language is the BCP-47 conversation language.
	Language string `json:"language"`

	// Subject is the tutoring subject.
	Subject string `json:"subject"`

	// Level is the learner's education level.
	Level string `json:"level"`

	// Voice is the tutor voice identity used for this session.
	Voice string `json:"voice"`
}

// Session is the durable record of one tutoring conversation.
type Session struct {
	// ID uniquely identifies the session.
	ID string

	// Participant references the authenticated user or anonymous guest.
	Participant string

	// Config is the tutoring configuration chosen at connect time.
	Config SessionConfig

	// Status is the last persisted lifecycle status.
	Status SessionStatus

	// CreatedAt is the session creation time.
	CreatedAt time.Time

	// EndedAt is set when the session ends. Nil while live.
	EndedAt *time.Time

	// DurationUsed is the cumulative conversation time consumed across
	// pause/resume cycles and process restarts. Monotonically non-decreasing.
	DurationUsed time.Duration

	// MessageCount is the number of persisted messages.
	MessageCount int

	// ResumeHandle is the live provider's most recent session-resumption
	// handle, empty until the model announces one. Passing it back at connect
	// time restores the model's conversation context.
	ResumeHandle string
}

// PartInfo tags one part of an oversized audio message that was split for
// upload. Consumers reassemble playback order by PartNumber; exactly one part
// per logical turn carries IsFinal.
type PartInfo struct {
	// PartNumber is the 1-based position of this part.
	PartNumber int `json:"partNumber"`

	// IsPartial is true for every part of a split message.
	IsPartial bool `json:"isPartial"`

	// IsFinal marks the last part.
	IsFinal bool `json:"isFinal"`
}

// Message is the durable record of one finished turn (or one part of it).
// Messages are immutable once persisted, except for best-effort metadata
// enrichment via [Store.AttachAnalysis].
type Message struct {
	// ID uniquely identifies the message.
	ID string

	// SessionID is the owning session.
	SessionID string

	// Seq is the message's sequence number within the session.
	Seq int

	// Role is who authored the turn.
	Role Role

	// Type is text or audio.
	Type MessageType

	// Content is the transcript text. May be a placeholder if only audio exists.
	Content string

	// AudioURL references the stored audio, empty for text-only records.
	AudioURL string

	// AudioDuration is the play time of the stored audio.
	AudioDuration time.Duration

	// ProcessingTime is how long the model took to produce the turn.
	ProcessingTime time.Duration

	// Part is set when the turn's audio was split into multiple records.
	Part *PartInfo

	// Metadata holds auxiliary annotations: upload-failure reasons, transcript
	// analysis, continuation ordinals.
	Metadata map[string]any

	// CreatedAt is the persistence time.
	CreatedAt time.Time
}

// NewMessage is the caller-supplied portion of a message record.
type NewMessage struct {
	Role           Role
	Type           MessageType
	Content        string
	ProcessingTime time.Duration
	Part           *PartInfo
	Metadata       map[string]any
}

// SessionUpdate carries the mutable session fields for [Store.UpdateSession].
// Nil fields are left unchanged.
type SessionUpdate struct {
	Status       *SessionStatus
	EndedAt      *time.Time
	DurationUsed *time.Duration
	MessageCount *int
	ResumeHandle *string
}

// Store is the persistence API the session engine writes through.
type Store interface {
	// CreateSession creates a session record and returns it with its ID set.
	CreateSession(ctx context.Context, participant string, cfg SessionConfig) (*Session, error)

	// UpdateSession applies upd to the identified session.
	UpdateSession(ctx context.Context, sessionID string, upd SessionUpdate) error

	// ResumeSession reports whether the identified session exists and can be
	// resumed, and returns its record when it can.
	ResumeSession(ctx context.Context, sessionID string) (*Session, bool, error)

	// AddMessage persists a text-only message.
	AddMessage(ctx context.Context, sessionID string, msg NewMessage) (*Message, error)

	// AddMessageWithAudio persists a message together with its WAV-encoded
	// audio payload (multipart upload on remote backends).
	AddMessageWithAudio(ctx context.Context, sessionID string, msg NewMessage, wav []byte, sampleRate int) (*Message, error)

	// GetMessages returns the session's messages in sequence order.
	GetMessages(ctx context.Context, sessionID string) ([]Message, error)

	// AttachAnalysis attaches a structured transcript analysis (and an
	// optional embedding for semantic search) to an existing message.
	// Best-effort enrichment: the message is otherwise immutable.
	AttachAnalysis(ctx context.Context, messageID string, analysis map[string]any, embedding []float32) error

	// SearchMessages finds messages across the participant's sessions whose
	// transcript matches the query, semantically when an embedding is given.
	SearchMessages(ctx context.Context, sessionID, query string, embedding []float32, limit int) ([]Message, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
