// Package session owns the lifecycle of one live tutoring conversation: the
// duplex connection to the speech model, automatic reconnection with
// exponential backoff, keep-alive and inactivity timers, and the cumulative
// duration tracker that survives pause/resume cycles.
package session

import "github.com/sonara-ai/sonara/pkg/store"

// Status is the connection lifecycle state of a session.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusPaused
	StatusEnded
	StatusError
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusPaused:
		return "paused"
	case StatusEnded:
		return "ended"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is terminal for this connection instance.
// A fresh Connect starts over from idle.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusError
}

// transitions lists the legal moves of the lifecycle state machine. Any
// state may additionally move to StatusError on a fatal failure.
var transitions = map[Status][]Status{
	StatusIdle:         {StatusConnecting},
	StatusConnecting:   {StatusConnected, StatusEnded},
	StatusConnected:    {StatusReconnecting, StatusPaused, StatusEnded},
	StatusReconnecting: {StatusConnected, StatusEnded},
	StatusPaused:       {StatusConnected, StatusReconnecting, StatusEnded},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	if next == StatusError {
		return !s.Terminal()
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// StoreStatus maps s to the persisted session status.
func (s Status) StoreStatus() store.SessionStatus {
	switch s {
	case StatusIdle:
		return store.StatusIdle
	case StatusConnecting:
		return store.StatusConnecting
	case StatusConnected:
		return store.StatusConnected
	case StatusReconnecting:
		return store.StatusReconnecting
	case StatusPaused:
		return store.StatusPaused
	case StatusEnded:
		return store.StatusEnded
	default:
		return store.StatusError
	}
}
