package engine

import (
	"context"
	"fmt"
	"hash"
	"hash/crc64"
	"io"

	"github.com/franksops/gridconveyor/provider"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// ChecksumWriter wraps an io.Writer to compute a CRC64 while writing.
type ChecksumWriter struct {
	w    io.Writer
	hash hash.Hash64
	n    int64
}

// NewChecksumWriter wraps w.
func NewChecksumWriter(w io.Writer) *ChecksumWriter {
	return &ChecksumWriter{w: w, hash: crc64.New(crcTable)}
}

func (cw *ChecksumWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.n += int64(n)
		cw.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the CRC64 of everything written so far.
func (cw *ChecksumWriter) Checksum() uint64 { return cw.hash.Sum64() }

// BytesWritten returns the total number of bytes written.
func (cw *ChecksumWriter) BytesWritten() int64 { return cw.n }

// ChecksumReader wraps an io.Reader to compute a CRC64 while reading.
type ChecksumReader struct {
	r    io.Reader
	hash hash.Hash64
}

// NewChecksumReader wraps r.
func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{r: r, hash: crc64.New(crcTable)}
}

func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Checksum returns the CRC64 of everything read so far.
func (cr *ChecksumReader) Checksum() uint64 { return cr.hash.Sum64() }

// FileChecksum reads the file at name from p and returns its CRC64.
// A nil pool allocates a one-off buffer.
func FileChecksum(ctx context.Context, p provider.Provider, name string, pool *BufferPool) (uint64, error) {
	rc, err := p.OpenRead(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s for checksum: %w", name, err)
	}
	defer rc.Close()

	if pool == nil {
		pool = NewBufferPool(64 * 1024)
	}
	buf := pool.Get()
	defer pool.Put(buf)

	cr := NewChecksumReader(rc)
	if _, err := io.CopyBuffer(io.Discard, cr, *buf); err != nil {
		return 0, fmt.Errorf("failed to read %s for checksum: %w", name, err)
	}
	return cr.Checksum(), nil
}
