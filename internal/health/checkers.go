package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/sonara-ai/sonara/pkg/store"
)

// StoreChecker probes the persistence backend.
func StoreChecker(s store.Store) Checker {
	return Checker{
		Name: "store",
		Check: func(ctx context.Context) error {
			return s.Ping(ctx)
		},
	}
}

// SessionChecker reports a failure while the session engine sits in an error
// state. isErrored is typically Manager.Errored.
func SessionChecker(isErrored func() (bool, error)) Checker {
	return Checker{
		Name: "session",
		Check: func(ctx context.Context) error {
			errored, cause := isErrored()
			if !errored {
				return nil
			}
			if cause != nil {
				return fmt.Errorf("session in error state: %w", cause)
			}
			return errors.New("session in error state")
		},
	}
}
