// Package grid models remote grid storage accounts and the session contract
// used to authenticate against them.
package grid

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidAccount is returned when an account is missing identity fields.
	ErrInvalidAccount = errors.New("invalid grid account")

	// ErrAccountNotFound is returned when a signature is not registered.
	ErrAccountNotFound = errors.New("grid account not found")

	// ErrAccountConflict is returned when a different account is registered
	// under an existing signature.
	ErrAccountConflict = errors.New("grid account already registered with different settings")
)

// Account identifies a user on a specific grid host and zone.
type Account struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Zone     string `json:"zone" yaml:"zone"`
	UserName string `json:"user_name" yaml:"user_name"`

	// CredentialRef names the secret used to authenticate. The secret
	// itself is never stored on the account.
	CredentialRef string `json:"credential_ref" yaml:"credential_ref"`
}

// Signature returns the identity string of the account:
// user@host:port/zone.
func (a Account) Signature() string {
	return fmt.Sprintf("%s@%s:%d/%s", a.UserName, a.Host, a.Port, a.Zone)
}

// Validate checks the identity fields of the account.
func (a Account) Validate() error {
	switch {
	case strings.TrimSpace(a.Host) == "":
		return fmt.Errorf("%w: host is required", ErrInvalidAccount)
	case strings.TrimSpace(a.Zone) == "":
		return fmt.Errorf("%w: zone is required", ErrInvalidAccount)
	case strings.TrimSpace(a.UserName) == "":
		return fmt.Errorf("%w: user name is required", ErrInvalidAccount)
	case a.Port < 1 || a.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidAccount, a.Port)
	}
	return nil
}

// ParseSignature is the inverse of Signature. The credential reference is
// not part of the signature and is left empty.
func ParseSignature(sig string) (Account, error) {
	user, rest, ok := strings.Cut(sig, "@")
	if !ok {
		return Account{}, fmt.Errorf("%w: signature %q missing '@'", ErrInvalidAccount, sig)
	}
	hostPort, zone, ok := strings.Cut(rest, "/")
	if !ok {
		return Account{}, fmt.Errorf("%w: signature %q missing zone", ErrInvalidAccount, sig)
	}
	idx := strings.LastIndex(hostPort, ":")
	if idx < 0 {
		return Account{}, fmt.Errorf("%w: signature %q missing port", ErrInvalidAccount, sig)
	}
	var port int
	if _, err := fmt.Sscanf(hostPort[idx+1:], "%d", &port); err != nil {
		return Account{}, fmt.Errorf("%w: bad port in %q", ErrInvalidAccount, sig)
	}
	a := Account{Host: hostPort[:idx], Port: port, Zone: zone, UserName: user}
	return a, a.Validate()
}
