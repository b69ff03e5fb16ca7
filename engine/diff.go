package engine

import (
	"os"
	"sort"
	"time"

	"github.com/franksops/gridconveyor/store"
)

// modTimeTolerance absorbs the coarser timestamps kept by object stores.
const modTimeTolerance = time.Second

// DiffItem is one file that needs copying to bring two trees in sync.
type DiffItem struct {
	RelPath string
	// Type is store.TypePut for local to remote, store.TypeGet otherwise.
	Type    store.TransferType
	Size    int64
	ModTime time.Time
	Mode    os.FileMode
}

// Diff compares a local and a remote tree. Files present on one side only
// are copied to the other; files present on both are copied from the newer
// side when size, checksum or modification time differ. Checksums are only
// compared when both entries carry one. dir restricts the result to pushes
// or pulls; an empty dir means both.
func Diff(local, remote []TreeEntry, dir store.Direction) []DiffItem {
	remoteByPath := make(map[string]TreeEntry, len(remote))
	for _, r := range remote {
		remoteByPath[r.RelPath] = r
	}

	var items []DiffItem
	add := func(e TreeEntry, t store.TransferType) {
		if !allowed(dir, t) {
			return
		}
		items = append(items, DiffItem{RelPath: e.RelPath, Type: t, Size: e.Size, ModTime: e.ModTime, Mode: e.Mode})
	}

	for _, l := range local {
		r, ok := remoteByPath[l.RelPath]
		if !ok {
			add(l, store.TypePut)
			continue
		}
		delete(remoteByPath, l.RelPath)
		if inSync(l, r) {
			continue
		}
		if r.ModTime.Sub(l.ModTime) > modTimeTolerance {
			add(r, store.TypeGet)
		} else {
			add(l, store.TypePut)
		}
	}
	for _, r := range remoteByPath {
		add(r, store.TypeGet)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].RelPath < items[j].RelPath })
	return items
}

func inSync(l, r TreeEntry) bool {
	if l.Size != r.Size {
		return false
	}
	if l.HasChecksum && r.HasChecksum {
		return l.Checksum == r.Checksum
	}
	d := l.ModTime.Sub(r.ModTime)
	if d < 0 {
		d = -d
	}
	return d <= modTimeTolerance
}

func allowed(dir store.Direction, t store.TransferType) bool {
	switch dir {
	case store.DirectionPush:
		return t == store.TypePut
	case store.DirectionPull:
		return t == store.TypeGet
	}
	return true
}
