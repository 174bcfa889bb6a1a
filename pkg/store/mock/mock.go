// Package mock provides an in-memory [store.Store] for tests.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sonara-ai/sonara/pkg/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is an in-memory Store. Error fields, when set, are returned by the
// corresponding operation so tests can exercise failure paths.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
	messages map[string][]store.Message
	audio    map[string][]byte
	nextID   int

	CreateErr  error
	UpdateErr  error
	AddErr     error
	AddN       int // fail the first AddN Add* calls when AddErr is set
	addCalls   int
	AttachErr  error
	PingErr    error
	Resumable  map[string]bool // overrides default resumability per session
	AudioCalls int
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions:  make(map[string]*store.Session),
		messages:  make(map[string][]store.Message),
		audio:     make(map[string][]byte),
		Resumable: make(map[string]bool),
	}
}

func (s *Store) id(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

// CreateSession implements [store.Store].
func (s *Store) CreateSession(ctx context.Context, participant string, cfg store.SessionConfig) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	sess := &store.Session{
		ID:          s.id("sess"),
		Participant: participant,
		Config:      cfg,
		Status:      store.StatusIdle,
		CreatedAt:   time.Now(),
	}
	s.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

// UpdateSession implements [store.Store].
func (s *Store) UpdateSession(ctx context.Context, sessionID string, upd store.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrSessionNotFound
	}
	if upd.Status != nil {
		sess.Status = *upd.Status
	}
	if upd.EndedAt != nil {
		sess.EndedAt = upd.EndedAt
	}
	if upd.DurationUsed != nil && *upd.DurationUsed > sess.DurationUsed {
		sess.DurationUsed = *upd.DurationUsed
	}
	if upd.MessageCount != nil {
		sess.MessageCount = *upd.MessageCount
	}
	if upd.ResumeHandle != nil {
		sess.ResumeHandle = *upd.ResumeHandle
	}
	return nil
}

// ResumeSession implements [store.Store].
func (s *Store) ResumeSession(ctx context.Context, sessionID string) (*store.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, false, nil
	}
	cp := *sess
	if r, over := s.Resumable[sessionID]; over {
		return &cp, r, nil
	}
	return &cp, sess.Status != store.StatusError, nil
}

// AddMessage implements [store.Store].
func (s *Store) AddMessage(ctx context.Context, sessionID string, msg store.NewMessage) (*store.Message, error) {
	return s.add(sessionID, msg, nil)
}

// AddMessageWithAudio implements [store.Store].
func (s *Store) AddMessageWithAudio(ctx context.Context, sessionID string, msg store.NewMessage, wav []byte, sampleRate int) (*store.Message, error) {
	s.mu.Lock()
	s.AudioCalls++
	s.mu.Unlock()
	return s.add(sessionID, msg, wav)
}

func (s *Store) add(sessionID string, msg store.NewMessage, wav []byte) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addCalls++
	if s.AddErr != nil && (s.AddN == 0 || s.addCalls <= s.AddN) {
		return nil, s.AddErr
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	m := store.Message{
		ID:             s.id("msg"),
		SessionID:      sessionID,
		Seq:            len(s.messages[sessionID]) + 1,
		Role:           msg.Role,
		Type:           msg.Type,
		Content:        msg.Content,
		ProcessingTime: msg.ProcessingTime,
		Part:           msg.Part,
		Metadata:       msg.Metadata,
		CreatedAt:      time.Now(),
	}
	if len(wav) > 0 {
		m.AudioURL = "mock://" + m.ID
		s.audio[m.ID] = wav
	}
	s.messages[sessionID] = append(s.messages[sessionID], m)
	sess.MessageCount++
	cp := m
	return &cp, nil
}

// GetMessages implements [store.Store].
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Message, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out, nil
}

// AttachAnalysis implements [store.Store].
func (s *Store) AttachAnalysis(ctx context.Context, messageID string, analysis map[string]any, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AttachErr != nil {
		return s.AttachErr
	}
	for sid, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				if msgs[i].Metadata == nil {
					msgs[i].Metadata = make(map[string]any)
				}
				msgs[i].Metadata["analysis"] = analysis
				s.messages[sid] = msgs
				return nil
			}
		}
	}
	return fmt.Errorf("mock store: message %s not found", messageID)
}

// SearchMessages implements [store.Store]. Matching is plain substring search;
// embeddings are ignored.
func (s *Store) SearchMessages(ctx context.Context, sessionID, query string, embedding []float32, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for sid, msgs := range s.messages {
		if sessionID != "" && sid != sessionID {
			continue
		}
		for _, m := range msgs {
			if query == "" || strings.Contains(strings.ToLower(m.Content), strings.ToLower(query)) {
				out = append(out, m)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
	}
	return out, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error { return s.PingErr }

// Close implements [store.Store].
func (s *Store) Close() error { return nil }

// Audio returns the stored WAV payload for a message, for assertions.
func (s *Store) Audio(messageID string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio[messageID]
}

// Messages returns a copy of the session's messages without the error
// plumbing of GetMessages, for assertions.
func (s *Store) Messages(sessionID string) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Message, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	return out
}

// Session returns the stored session record, for assertions.
func (s *Store) Session(sessionID string) *store.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		cp := *sess
		return &cp
	}
	return nil
}
