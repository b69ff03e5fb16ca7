package engine

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"time"

	"github.com/franksops/gridconveyor/provider"
)

// TreeEntry is one file found under a walked root.
type TreeEntry struct {
	// RelPath is slash-separated and relative to the root. It is empty when
	// the root itself is a file.
	RelPath string
	Size    int64
	ModTime time.Time
	Mode    os.FileMode

	// Checksum is a CRC64 (ISO) of the content when HasChecksum is set.
	Checksum    uint64
	HasChecksum bool
}

// Walker lists every file under a root of a provider.
// It walks iteratively so very deep trees cannot overflow the stack.
type Walker struct {
	Provider provider.Provider

	// Checksums makes the walker read every file to fill TreeEntry.Checksum.
	Checksums bool
	Buffers   *BufferPool
}

// NewWalker creates a walker over p.
func NewWalker(p provider.Provider) *Walker {
	return &Walker{Provider: p}
}

// Walk returns the files under root sorted by RelPath.
func (w *Walker) Walk(ctx context.Context, root string) ([]TreeEntry, error) {
	stat, err := w.Provider.Stat(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", root, err)
	}

	// A file root yields a single entry.
	if !stat.IsDir() {
		e, err := w.entry(ctx, root, "", stat)
		if err != nil {
			return nil, err
		}
		return []TreeEntry{e}, nil
	}

	var entries []TreeEntry
	stack := []string{""}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rel := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		dir := root
		if rel != "" {
			dir = path.Join(root, rel)
		}

		infos, err := w.Provider.List(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list directory %s: %w", dir, err)
		}

		for _, info := range infos {
			childRel := info.Name()
			if rel != "" {
				childRel = path.Join(rel, info.Name())
			}
			if info.IsDir() {
				stack = append(stack, childRel)
				continue
			}
			e, err := w.entry(ctx, path.Join(root, childRel), childRel, info)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelPath < entries[j].RelPath })
	return entries, nil
}

func (w *Walker) entry(ctx context.Context, full, rel string, info provider.FileInfo) (TreeEntry, error) {
	e := TreeEntry{RelPath: rel, Size: info.Size(), ModTime: info.ModTime(), Mode: provider.ModeOf(info)}
	if !w.Checksums {
		return e, nil
	}
	sum, err := FileChecksum(ctx, w.Provider, full, w.Buffers)
	if err != nil {
		return TreeEntry{}, err
	}
	e.Checksum, e.HasChecksum = sum, true
	return e, nil
}
