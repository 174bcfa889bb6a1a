package session

import (
	"testing"

	"github.com/sonara-ai/sonara/pkg/store"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{StatusIdle, "idle"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusPaused, "paused"},
		{StatusEnded, "ended"},
		{StatusError, "error"},
		{Status(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestStatus_CanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusIdle, StatusConnecting},
		{StatusConnecting, StatusConnected},
		{StatusConnected, StatusReconnecting},
		{StatusConnected, StatusPaused},
		{StatusConnected, StatusEnded},
		{StatusReconnecting, StatusConnected},
		{StatusPaused, StatusConnected},
		{StatusPaused, StatusEnded},
		{StatusConnected, StatusError},
		{StatusReconnecting, StatusError},
	}
	for _, tt := range allowed {
		if !tt.from.CanTransition(tt.to) {
			t.Errorf("%s -> %s rejected", tt.from, tt.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusIdle, StatusConnected},
		{StatusIdle, StatusPaused},
		{StatusEnded, StatusConnecting},
		{StatusEnded, StatusError},
		{StatusError, StatusConnected},
		{StatusError, StatusError},
		{StatusPaused, StatusPaused},
		{StatusConnecting, StatusPaused},
	}
	for _, tt := range denied {
		if tt.from.CanTransition(tt.to) {
			t.Errorf("%s -> %s allowed", tt.from, tt.to)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusEnded, StatusError} {
		if !s.Terminal() {
			t.Errorf("%s not terminal", s)
		}
	}
	for _, s := range []Status{StatusIdle, StatusConnecting, StatusConnected, StatusReconnecting, StatusPaused} {
		if s.Terminal() {
			t.Errorf("%s terminal", s)
		}
	}
}

func TestStatus_StoreStatus(t *testing.T) {
	tests := []struct {
		s    Status
		want store.SessionStatus
	}{
		{StatusIdle, store.StatusIdle},
		{StatusConnected, store.StatusConnected},
		{StatusPaused, store.StatusPaused},
		{StatusEnded, store.StatusEnded},
		{StatusError, store.StatusError},
	}
	for _, tt := range tests {
		if got := tt.s.StoreStatus(); got != tt.want {
			t.Errorf("%s.StoreStatus() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
