package coordinator

import (
	"errors"
	"fmt"
)

// ErrNotConfigured indicates no follower config exists for the user.
var ErrNotConfigured = errors.New("copy trading not configured")

// ValidationError reports malformed registration input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RejectionError is a normal pipeline outcome, not an exceptional one: the
// protection engine declined the order and Reason says exactly why.
type RejectionError struct {
	Stage   string
	Reason  string
	Details map[string]any
}

func (e *RejectionError) Error() string { return e.Reason }

// AsRejection unwraps err into a *RejectionError if it is one.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
