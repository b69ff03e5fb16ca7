package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/franksops/gridconveyor/store"
)

func TestDiff(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	at := func(d time.Duration) time.Time { return base.Add(d) }

	local := []TreeEntry{
		{RelPath: "both-same", Size: 10, ModTime: at(0)},
		{RelPath: "local-only", Size: 1, ModTime: at(0)},
		{RelPath: "local-newer", Size: 5, ModTime: at(time.Minute)},
		{RelPath: "remote-newer", Size: 5, ModTime: at(0)},
		{RelPath: "same-time-other-size", Size: 7, ModTime: at(0)},
		{RelPath: "object-store-rounding", Size: 3, ModTime: at(300 * time.Millisecond)},
		{RelPath: "checksum-differs", Size: 4, ModTime: at(0), Checksum: 1, HasChecksum: true},
		{RelPath: "checksum-equal", Size: 4, ModTime: at(0), Checksum: 9, HasChecksum: true},
	}
	remote := []TreeEntry{
		{RelPath: "both-same", Size: 10, ModTime: at(0)},
		{RelPath: "remote-only", Size: 2, ModTime: at(0)},
		{RelPath: "local-newer", Size: 6, ModTime: at(0)},
		{RelPath: "remote-newer", Size: 8, ModTime: at(time.Minute)},
		{RelPath: "same-time-other-size", Size: 8, ModTime: at(0)},
		{RelPath: "object-store-rounding", Size: 3, ModTime: at(0)},
		{RelPath: "checksum-differs", Size: 4, ModTime: at(0), Checksum: 2, HasChecksum: true},
		{RelPath: "checksum-equal", Size: 4, ModTime: at(time.Hour), Checksum: 9, HasChecksum: true},
	}

	got := Diff(local, remote, store.DirectionBoth)
	want := []DiffItem{
		{RelPath: "checksum-differs", Type: store.TypePut, Size: 4, ModTime: at(0)},
		{RelPath: "local-newer", Type: store.TypePut, Size: 5, ModTime: at(time.Minute)},
		{RelPath: "local-only", Type: store.TypePut, Size: 1, ModTime: at(0)},
		{RelPath: "remote-newer", Type: store.TypeGet, Size: 8, ModTime: at(time.Minute)},
		{RelPath: "remote-only", Type: store.TypeGet, Size: 2, ModTime: at(0)},
		{RelPath: "same-time-other-size", Type: store.TypePut, Size: 7, ModTime: at(0)},
	}
	assert.Equal(t, want, got)

	push := Diff(local, remote, store.DirectionPush)
	for _, it := range push {
		assert.Equal(t, store.TypePut, it.Type, it.RelPath)
	}
	assert.Len(t, push, 4)

	pull := Diff(local, remote, store.DirectionPull)
	assert.Len(t, pull, 2)
	for _, it := range pull {
		assert.Equal(t, store.TypeGet, it.Type, it.RelPath)
	}
}

func TestDiff_EmptySides(t *testing.T) {
	assert.Empty(t, Diff(nil, nil, ""))

	entries := []TreeEntry{{RelPath: "a", Size: 1}, {RelPath: "b", Size: 2}}
	up := Diff(entries, nil, "")
	assert.Len(t, up, 2)
	down := Diff(nil, entries, "")
	assert.Len(t, down, 2)
	assert.Equal(t, store.TypeGet, down[0].Type)
}
