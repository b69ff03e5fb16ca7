package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"time"

	"github.com/franksops/gridconveyor/failure"
	"github.com/franksops/gridconveyor/grid"
	"github.com/franksops/gridconveyor/provider"
	"github.com/franksops/gridconveyor/store"
)

// FileUnit is one file copied as part of a descriptor.
type FileUnit struct {
	// Type is PUT (local to remote), GET (remote to local) or REPLICATE
	// (remote to Target).
	Type        store.TransferType
	Source      string
	Destination string
	Target      string
	Size        int64
	ModTime     time.Time
	Mode        os.FileMode
}

// Local returns the side of the unit on the local filesystem.
func (u FileUnit) Local() string {
	switch u.Type {
	case store.TypePut:
		return u.Source
	case store.TypeGet:
		return u.Destination
	}
	return ""
}

// Copied is what Transfer wrote for one unit.
type Copied struct {
	Bytes int64
	// Checksum is the CRC64 (ISO) of the bytes written.
	Checksum uint64
}

// Operations moves the bytes of a descriptor. Plan lists the file units,
// Transfer copies one of them.
type Operations interface {
	Plan(ctx context.Context, session grid.Session, d *store.Descriptor) ([]FileUnit, error)
	Transfer(ctx context.Context, session grid.Session, unit FileUnit, sink ProgressSink) (Copied, error)
}

// SortUnits orders units deterministically so a resumed descriptor can skip
// the ones already confirmed.
func SortUnits(units []FileUnit) {
	sort.SliceStable(units, func(i, j int) bool {
		if units[i].Source != units[j].Source {
			return units[i].Source < units[j].Source
		}
		return units[i].Destination < units[j].Destination
	})
}

// ProviderOperations streams files between a local provider and the remote
// provider exposed by a provider.Session.
type ProviderOperations struct {
	Local      provider.Provider
	Buffers    *BufferPool
	Checkpoint CheckpointConfig
}

// NewProviderOperations creates operations over local using buffers for
// copies.
func NewProviderOperations(local provider.Provider, buffers *BufferPool) *ProviderOperations {
	if buffers == nil {
		buffers = NewBufferPool(0)
	}
	return &ProviderOperations{Local: local, Buffers: buffers, Checkpoint: DefaultCheckpointConfig}
}

func remoteSession(s grid.Session) (provider.Session, error) {
	ps, ok := s.(provider.Session)
	if !ok {
		return nil, failure.Fatal("operations", fmt.Errorf("session %T does not expose a remote provider", s))
	}
	return ps, nil
}

// Plan lists the file units for d.
func (o *ProviderOperations) Plan(ctx context.Context, session grid.Session, d *store.Descriptor) ([]FileUnit, error) {
	ps, err := remoteSession(session)
	if err != nil {
		return nil, err
	}
	remote := ps.Remote()

	var units []FileUnit
	switch d.Type {
	case store.TypePut:
		entries, err := NewWalker(o.Local).Walk(ctx, d.LocalPath)
		if err != nil {
			return nil, classify("plan", err)
		}
		for _, e := range entries {
			units = append(units, unitFor(store.TypePut, d.LocalPath, d.RemotePath, e))
		}
	case store.TypeGet, store.TypeReplicate:
		entries, err := NewWalker(remote).Walk(ctx, d.RemotePath)
		if err != nil {
			return nil, classify("plan", err)
		}
		dst := d.LocalPath
		if d.Type == store.TypeReplicate {
			dst = d.RemotePath
		}
		for _, e := range entries {
			u := unitFor(d.Type, d.RemotePath, dst, e)
			u.Target = d.TargetResource
			units = append(units, u)
		}
	case store.TypeSynchronize:
		local, err := walkOrEmpty(ctx, NewWalker(o.Local), d.LocalPath)
		if err != nil {
			return nil, classify("plan", err)
		}
		remoteEntries, err := walkOrEmpty(ctx, NewWalker(remote), d.RemotePath)
		if err != nil {
			return nil, classify("plan", err)
		}
		for _, item := range Diff(local, remoteEntries, store.DirectionBoth) {
			e := TreeEntry{RelPath: item.RelPath, Size: item.Size, ModTime: item.ModTime, Mode: item.Mode}
			if item.Type == store.TypePut {
				units = append(units, unitFor(store.TypePut, d.LocalPath, d.RemotePath, e))
			} else {
				units = append(units, unitFor(store.TypeGet, d.RemotePath, d.LocalPath, e))
			}
		}
	default:
		return nil, failure.Fatal("plan", fmt.Errorf("unsupported transfer type %q", d.Type))
	}

	SortUnits(units)
	return units, nil
}

func unitFor(t store.TransferType, srcRoot, dstRoot string, e TreeEntry) FileUnit {
	u := FileUnit{Type: t, Source: srcRoot, Destination: dstRoot, Size: e.Size, ModTime: e.ModTime, Mode: e.Mode}
	if e.RelPath != "" {
		u.Source = path.Join(srcRoot, e.RelPath)
		u.Destination = path.Join(dstRoot, e.RelPath)
	}
	return u
}

func walkOrEmpty(ctx context.Context, w *Walker, root string) ([]TreeEntry, error) {
	entries, err := w.Walk(ctx, root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return entries, err
}

// Transfer copies unit, reporting in-flight bytes to sink. The checksum is
// computed over the stream as it is written.
func (o *ProviderOperations) Transfer(ctx context.Context, session grid.Session, unit FileUnit, sink ProgressSink) (Copied, error) {
	ps, err := remoteSession(session)
	if err != nil {
		return Copied{}, err
	}

	var src, dst provider.Provider
	switch unit.Type {
	case store.TypePut:
		src, dst = o.Local, ps.Remote()
	case store.TypeGet:
		src, dst = ps.Remote(), o.Local
	case store.TypeReplicate:
		target, err := ps.Resource(unit.Target)
		if err != nil {
			return Copied{}, failure.Fatal("transfer", err)
		}
		src, dst = ps.Remote(), target
	default:
		return Copied{}, failure.Fatal("transfer", fmt.Errorf("unsupported unit type %q", unit.Type))
	}

	copied, err := o.copy(ctx, src, dst, unit, sink)
	return copied, classify("transfer", err)
}

func (o *ProviderOperations) copy(ctx context.Context, src, dst provider.Provider, unit FileUnit, sink ProgressSink) (Copied, error) {
	r, err := src.OpenRead(ctx, unit.Source)
	if err != nil {
		return Copied{}, fmt.Errorf("failed to open %s: %w", unit.Source, err)
	}
	defer r.Close()

	meta := unitInfo{name: path.Base(unit.Destination), size: unit.Size, modTime: unit.ModTime, mode: unit.Mode}
	w, err := dst.OpenWrite(ctx, unit.Destination, meta)
	if err != nil {
		return Copied{}, fmt.Errorf("failed to open %s for writing: %w", unit.Destination, err)
	}

	buf := o.Buffers.Get()
	defer o.Buffers.Put(buf)

	cw := NewChecksumWriter(w)
	tw := NewTrackedWriter(cw, sink, o.Checkpoint)
	if _, err := io.CopyBuffer(tw, &ctxReader{ctx: ctx, r: r}, *buf); err != nil {
		if a, ok := w.(provider.Aborter); ok {
			a.Abort(err)
		} else {
			w.Close()
		}
		return Copied{}, fmt.Errorf("failed to copy %s: %w", unit.Source, err)
	}
	if err := w.Close(); err != nil {
		return Copied{}, fmt.Errorf("failed to finish %s: %w", unit.Destination, err)
	}
	tw.Flush()
	return Copied{Bytes: cw.BytesWritten(), Checksum: cw.Checksum()}, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type unitInfo struct {
	name    string
	size    int64
	modTime time.Time
	mode    os.FileMode
}

func (u unitInfo) Name() string       { return u.name }
func (u unitInfo) Size() int64        { return u.size }
func (u unitInfo) IsDir() bool        { return false }
func (u unitInfo) ModTime() time.Time { return u.modTime }
func (u unitInfo) Mode() os.FileMode  { return u.mode }

// classify tags provider errors: missing files and refused access are
// fatal, everything else is worth another attempt.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	if provider.Permanent(err) {
		return failure.Fatal(op, err)
	}
	return failure.Transient(op, err)
}
