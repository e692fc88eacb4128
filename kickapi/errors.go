package kickapi

import (
	"errors"
	"fmt"
)

// TransientFetchError is any status lookup failure other than "channel not found".
// The caller decides whether and when to retry.
type TransientFetchError struct {
	Username   string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("kick status %s (http %d): %v", e.Username, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("kick status %s: %v", e.Username, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// IsTransient reports whether err came from a failed status lookup.
func IsTransient(err error) bool {
	var tfe *TransientFetchError
	return errors.As(err, &tfe)
}
