package engine

import (
	"bytes"
	"context"
	"hash/crc64"
	"io"
	"strings"
	"testing"

	"github.com/franksops/gridconveyor/provider"
)

func TestChecksumWriterAndReaderAgree(t *testing.T) {
	data := strings.Repeat("conveyor ", 1000)
	want := crc64.Checksum([]byte(data), crc64.MakeTable(crc64.ISO))

	var dst bytes.Buffer
	cw := NewChecksumWriter(&dst)
	if _, err := io.Copy(cw, strings.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	if cw.Checksum() != want {
		t.Errorf("writer checksum %x; want %x", cw.Checksum(), want)
	}
	if cw.BytesWritten() != int64(len(data)) || dst.String() != data {
		t.Errorf("writer passed through %d bytes", cw.BytesWritten())
	}

	cr := NewChecksumReader(strings.NewReader(data))
	if _, err := io.Copy(io.Discard, cr); err != nil {
		t.Fatal(err)
	}
	if cr.Checksum() != want {
		t.Errorf("reader checksum %x; want %x", cr.Checksum(), want)
	}
}

func TestFileChecksum(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "hello", "b.txt": "hellp"})
	p := provider.NewLocalProvider(root)
	ctx := context.Background()

	a, err := FileChecksum(ctx, p, "a.txt", nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := FileChecksum(ctx, p, "b.txt", NewBufferPool(2))
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Errorf("different content produced the same checksum")
	}
	if want := crc64.Checksum([]byte("hello"), crcTable); a != want {
		t.Errorf("checksum %x; want %x", a, want)
	}

	if _, err := FileChecksum(ctx, p, "missing", nil); err == nil {
		t.Errorf("expected an error for a missing file")
	}
}
