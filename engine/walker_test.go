package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/franksops/gridconveyor/provider"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestWalker_Walk(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"file1.txt":             "file1",
		"dir1/file2.txt":        "file2!",
		"dir1/dir2/file3.txt":   "3",
		"dir1/dir2/dir3/deep.x": "deep",
	})
	if err := os.MkdirAll(filepath.Join(root, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	entries, err := NewWalker(provider.NewLocalProvider(root)).Walk(context.Background(), "")
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}

	want := []struct {
		rel  string
		size int64
	}{
		{"dir1/dir2/dir3/deep.x", 4},
		{"dir1/dir2/file3.txt", 1},
		{"dir1/file2.txt", 6},
		{"file1.txt", 5},
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d: %+v", len(want), len(entries), entries)
	}
	for i, w := range want {
		if entries[i].RelPath != w.rel || entries[i].Size != w.size {
			t.Errorf("entry %d = %s (%d); want %s (%d)", i, entries[i].RelPath, entries[i].Size, w.rel, w.size)
		}
		if entries[i].HasChecksum {
			t.Errorf("entry %s has a checksum without Checksums set", entries[i].RelPath)
		}
	}
}

func TestWalker_FileRoot(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"single.bin": "abc"})

	entries, err := NewWalker(provider.NewLocalProvider(root)).Walk(context.Background(), "single.bin")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].RelPath != "" || entries[0].Size != 3 {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestWalker_Checksums(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "same", "b/c.txt": "same"})

	w := &Walker{Provider: provider.NewLocalProvider(root), Checksums: true, Buffers: NewBufferPool(8)}
	entries, err := w.Walk(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if !e.HasChecksum {
			t.Errorf("%s: missing checksum", e.RelPath)
		}
	}
	if entries[0].Checksum != entries[1].Checksum {
		t.Errorf("identical content produced different checksums")
	}
}

func TestWalker_MissingRoot(t *testing.T) {
	_, err := NewWalker(provider.NewLocalProvider(t.TempDir())).Walk(context.Background(), "nope")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}

	entries, err := walkOrEmpty(context.Background(), NewWalker(provider.NewLocalProvider(t.TempDir())), "nope")
	if err != nil || len(entries) != 0 {
		t.Fatalf("walkOrEmpty = %v, %v", entries, err)
	}
}

func TestWalker_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a/b.txt": "x"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewWalker(provider.NewLocalProvider(root)).Walk(ctx, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
