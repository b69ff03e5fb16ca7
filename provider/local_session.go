package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/franksops/gridconveyor/grid"
)

// LocalAuthenticator serves grid zones from directories under Root, one
// directory per zone. It backs the "file" grid scheme and tests.
type LocalAuthenticator struct {
	Root string
	// Allowed, when set, rejects accounts it returns false for.
	Allowed func(grid.Account) bool
}

var _ grid.Authenticator = (*LocalAuthenticator)(nil)

// Open returns a session whose remote resource is Root/<zone>.
func (a *LocalAuthenticator) Open(ctx context.Context, account grid.Account) (grid.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.Allowed != nil && !a.Allowed(account) {
		return nil, fmt.Errorf("%w: %s", grid.ErrAuthRejected, account.Signature())
	}
	zoneDir := filepath.Join(a.Root, account.Zone)
	if err := os.MkdirAll(zoneDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare zone %s: %w", account.Zone, err)
	}
	return &LocalSession{account: account, root: a.Root, remote: NewLocalProvider(zoneDir)}, nil
}

func (a *LocalAuthenticator) Close(grid.Session) error { return nil }

// LocalSession is a session over a directory-backed zone.
type LocalSession struct {
	account grid.Account
	root    string
	remote  *LocalProvider
}

var _ Session = (*LocalSession)(nil)

func (s *LocalSession) Account() grid.Account { return s.account }
func (s *LocalSession) Remote() Provider      { return s.remote }

func (s *LocalSession) Resource(name string) (Provider, error) {
	if name == "" || name != filepath.Base(name) {
		return nil, errors.New("resource name must be a single path element")
	}
	return NewLocalProvider(filepath.Join(s.root, name)), nil
}
