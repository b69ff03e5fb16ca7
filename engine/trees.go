package engine

import (
	"context"
	"errors"
	"io/fs"

	"github.com/franksops/gridconveyor/failure"
	"github.com/franksops/gridconveyor/grid"
	"github.com/franksops/gridconveyor/provider"
)

// ProviderTrees lists local trees through a local provider and remote
// trees through sessions borrowed from Sessions. A root that does not
// exist lists as an empty tree.
type ProviderTrees struct {
	Local     provider.Provider
	Sessions  Sessions
	Checksums bool
	Buffers   *BufferPool
}

func (t *ProviderTrees) walker(p provider.Provider) *Walker {
	return &Walker{Provider: p, Checksums: t.Checksums, Buffers: t.Buffers}
}

// ListLocalTree lists the files under root on the local filesystem.
func (t *ProviderTrees) ListLocalTree(ctx context.Context, root string) ([]TreeEntry, error) {
	return walkOrEmpty(ctx, t.walker(t.Local), root)
}

// ListRemoteTree lists the files under root in account's zone.
func (t *ProviderTrees) ListRemoteTree(ctx context.Context, account grid.Account, root string) ([]TreeEntry, error) {
	lease, err := t.Sessions.Checkout(ctx, account)
	if err != nil {
		return nil, err
	}
	ps, err := remoteSession(lease.Session())
	if err != nil {
		_ = t.Sessions.Checkin(lease)
		return nil, err
	}

	entries, err := walkOrEmpty(ctx, t.walker(ps.Remote()), root)
	if err != nil && !errors.Is(err, fs.ErrNotExist) && failure.IsTransient(classify("list", err)) {
		_ = t.Sessions.Invalidate(lease)
		return nil, err
	}
	_ = t.Sessions.Checkin(lease)
	return entries, err
}
