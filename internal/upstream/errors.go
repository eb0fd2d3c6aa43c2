package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrUserNotFound means the gallery owner does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrAccountDisabled means the account exists but its gallery is hidden.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrUpstream covers transient and unexpected failures talking to the site.
	ErrUpstream = errors.New("upstream error")
)

// UserError carries the notice the site showed for a missing or disabled
// account. It unwraps to ErrUserNotFound or ErrAccountDisabled.
type UserError struct {
	Username string
	Kind     error
	Message  string
}

func (e *UserError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Username, e.Kind)
}

func (e *UserError) Unwrap() error { return e.Kind }

// FetchError describes a failed request. Status is zero when no response was
// received. It unwraps to ErrUpstream and to the transport error, if any.
type FetchError struct {
	URL        string
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetching %s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstream}
	}
	return []error{ErrUpstream, e.Err}
}

// Transient reports whether repeating the request may succeed.
func (e *FetchError) Transient() bool {
	switch {
	case e.Status == 0:
		return !errors.Is(e.Err, context.Canceled)
	case e.Status == 429, e.Status >= 500:
		return true
	default:
		return false
	}
}

// IsTimeout reports whether err stems from a deadline or a network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
