package provider

import (
	"context"
	"io"
	"time"
)

// FileInfo is the subset of file attributes every backend can report, for
// local files and grid objects alike.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
}

// Provider is one side of a transfer: the local filesystem or the storage
// behind a grid session. Paths are slash separated and relative to the
// provider's root.
type Provider interface {
	Stat(ctx context.Context, path string) (FileInfo, error)

	// List returns the direct children of a collection or directory.
	List(ctx context.Context, path string) ([]FileInfo, error)

	OpenRead(ctx context.Context, path string) (io.ReadCloser, error)

	// OpenWrite starts writing path. The data becomes visible only once the
	// writer is closed without error. metadata, when given, carries the
	// source's modification time and mode; a directory creates an empty
	// collection and the returned writer discards its input.
	OpenWrite(ctx context.Context, path string, metadata FileInfo) (io.WriteCloser, error)
}

// Aborter is implemented by writers that can drop a partial write instead
// of committing it on Close.
type Aborter interface {
	Abort(cause error) error
}
