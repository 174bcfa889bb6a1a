// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the inbound event stream and inspect what the session
// engine sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(live.Event{Kind: live.EventAudio, Data: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/sonara-ai/sonara/pkg/live"
)

// Compile-time assertions.
var _ live.Provider = (*Provider)(nil)
var _ live.SessionHandle = (*Session)(nil)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the handle returned by Connect. If nil, Connect returns a new
	// default Session.
	Session live.SessionHandle

	// ConnectErr, if non-nil, is returned from Connect. When ConnectErrs is
	// also set, ConnectErrs takes priority.
	ConnectErr error

	// ConnectErrs is consumed one entry per Connect call; a nil entry means
	// that call succeeds. Lets tests script "fail twice, then succeed".
	ConnectErrs []error

	// Caps is returned by Capabilities.
	Caps live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Created records the sessions auto-created by Connect when Session is
	// nil, in order.
	Created []*Session
}

// Connect records the call and returns the configured session or error.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})

	if len(p.ConnectErrs) > 0 {
		err := p.ConnectErrs[0]
		p.ConnectErrs = p.ConnectErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}

	if p.Session != nil {
		return p.Session, nil
	}
	sess := NewSession()
	p.Created = append(p.Created, sess)
	return sess, nil
}

// Capabilities returns the configured capabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Caps
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// CreatedSessions returns a copy of the sessions auto-created by Connect.
func (p *Provider) CreatedSessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.Created))
	copy(out, p.Created)
	return out
}

// Session is a scriptable mock implementation of live.SessionHandle.
type Session struct {
	mu sync.Mutex

	// SentAudio records every chunk passed to SendAudio.
	SentAudio [][]byte

	// SentText records every message passed to SendText.
	SentText []string

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned from SendText.
	SendTextErr error

	// ErrVal is returned from Err.
	ErrVal error

	events    chan live.Event
	closed    bool
	closeOnce sync.Once
}

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		events: make(chan live.Event, 64),
	}
}

// Emit pushes an event onto the session's event stream. Panics if called
// after CloseEvents; tests own the ordering.
func (s *Session) Emit(ev live.Event) {
	s.events <- ev
}

// CloseEvents closes the event stream without marking the session closed,
// simulating an unexpected remote channel close.
func (s *Session) CloseEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

// SetErr sets the value returned by Err, simulating a transport failure.
func (s *Session) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ErrVal = err
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SentAudio = append(s.SentAudio, cp)
	return nil
}

// SendText records the message.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendTextErr != nil {
		return s.SendTextErr
	}
	s.SentText = append(s.SentText, text)
	return nil
}

// Events returns the scriptable event channel.
func (s *Session) Events() <-chan live.Event { return s.events }

// Err returns the configured error value.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AudioSent returns a copy of the recorded audio chunks.
func (s *Session) AudioSent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SentAudio))
	copy(out, s.SentAudio)
	return out
}

// TextSent returns a copy of the recorded text messages.
func (s *Session) TextSent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SentText))
	copy(out, s.SentText)
	return out
}

// Close marks the session closed and closes the event stream. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}
