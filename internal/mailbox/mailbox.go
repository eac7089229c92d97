package mailbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/bookpipe/internal/model"
)

// AuthError indicates that the transport rejected the mailbox credentials.
type AuthError struct {
	Kind    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Kind, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// FetchError indicates that a single message could not be retrieved.
type FetchError struct {
	ID  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching message %s: %v", e.ID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// LabelError indicates that copying a message to the archive label failed,
// usually because the label does not exist. It is never fatal.
type LabelError struct {
	ID    string
	Label string
	Err   error
}

func (e *LabelError) Error() string {
	return fmt.Sprintf("copying message %s to %q: %v", e.ID, e.Label, e.Err)
}

func (e *LabelError) Unwrap() error { return e.Err }

// Mailbox opens sessions against a mail transport.
type Mailbox interface {
	// Connect authenticates and returns a session scoped to one poll cycle.
	// Authentication failures are returned as *AuthError.
	Connect(ctx context.Context) (Session, error)
}

// Session is an open, authenticated mailbox connection. It is owned by a
// single poll cycle and must be closed when the cycle ends.
type Session interface {
	// SearchUnseen returns the identifiers of all unseen messages.
	SearchUnseen(ctx context.Context) ([]string, error)

	// Fetch retrieves a message without changing its seen state.
	Fetch(ctx context.Context, id string) (*model.InboundMessage, error)

	// SetSeen flags the message as read.
	SetSeen(ctx context.Context, id string) error

	// CopyToLabel copies the message into the named folder or label.
	CopyToLabel(ctx context.Context, id, label string) error

	// Close ends the session.
	Close() error
}
