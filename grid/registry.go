package grid

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// AccountStore persists accounts for the Registry.
type AccountStore interface {
	SaveAccount(account Account) error
	ListAccounts() ([]Account, error)
	DeleteAccount(signature string) error
}

// Registry holds the known grid accounts keyed by signature.
type Registry struct {
	store AccountStore

	mu       sync.RWMutex
	accounts map[string]Account
}

// NewRegistry creates a registry backed by store. A nil store keeps the
// registry in memory only.
func NewRegistry(store AccountStore) *Registry {
	return &Registry{
		store:    store,
		accounts: make(map[string]Account),
	}
}

// Load replaces the in-memory view with the accounts held by the store.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	accounts, err := r.store.ListAccounts()
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts = make(map[string]Account, len(accounts))
	for _, a := range accounts {
		r.accounts[a.Signature()] = a
	}
	return nil
}

// Register validates and records account. Registering an identical account
// twice is a no-op; registering different settings under the same
// signature fails with ErrAccountConflict.
func (r *Registry) Register(ctx context.Context, account Account) error {
	if err := account.Validate(); err != nil {
		return err
	}
	sig := account.Signature()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.accounts[sig]; ok {
		if existing == account {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAccountConflict, sig)
	}

	if r.store != nil {
		if err := r.store.SaveAccount(account); err != nil {
			return fmt.Errorf("failed to save account %s: %w", sig, err)
		}
	}
	r.accounts[sig] = account
	return nil
}

// Resolve returns the account registered under signature.
func (r *Registry) Resolve(signature string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.accounts[signature]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, signature)
	}
	return a, nil
}

// Remove forgets the account registered under signature.
func (r *Registry) Remove(ctx context.Context, signature string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[signature]; !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, signature)
	}
	if r.store != nil {
		if err := r.store.DeleteAccount(signature); err != nil {
			return fmt.Errorf("failed to delete account %s: %w", signature, err)
		}
	}
	delete(r.accounts, signature)
	return nil
}

// List returns all accounts sorted by signature.
func (r *Registry) List() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Signature() < out[j].Signature()
	})
	return out
}
