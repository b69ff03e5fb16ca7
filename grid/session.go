package grid

import (
	"context"
	"errors"
)

// ErrAuthRejected marks an authentication failure that will not succeed on
// retry (bad credentials, disabled user). Authenticators wrap it so callers
// can tell permanent rejections from transient ones with errors.Is.
var ErrAuthRejected = errors.New("grid authentication rejected")

// Session is an authenticated handle on a grid account.
type Session interface {
	Account() Account
}

// Authenticator establishes and tears down sessions.
type Authenticator interface {
	Open(ctx context.Context, account Account) (Session, error)
	Close(session Session) error
}
