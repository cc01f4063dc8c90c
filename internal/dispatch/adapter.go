// Package dispatch orchestrates publishing: dedup check, rate-limit check,
// formatting, adapter calls with retry, and outcome recording.
package dispatch

import (
	"context"
	"fmt"

	"postpilot/internal/model"
)

// Payload is content formatted for a platform.
type Payload struct {
	Title string
	Body  string
	URL   string
	Tags  []string
	Text  string
}

// Receipt identifies a post on the remote platform.
type Receipt struct {
	RemoteID string
	URL      string
}

// Adapter is the capability contract a platform integration must satisfy.
// Implementations live outside this module; the dispatcher depends only on
// this interface, never on a platform's wire protocol.
type Adapter interface {
	Authenticate(ctx context.Context) error
	PostContent(ctx context.Context, p Payload) (Receipt, error)
	CheckStatus(ctx context.Context) bool
}

// AuthError marks a non-retryable credential failure. Adapters must return
// it (or wrap it) when the platform rejects their credentials, so the
// dispatcher fails fast instead of burning the retry budget.
type AuthError struct {
	Platform model.Platform
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Platform, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
