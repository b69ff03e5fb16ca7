package provider

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

var _ Provider = (*LocalProvider)(nil)

type localFileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
	mode    os.FileMode
}

func (l *localFileInfo) Name() string       { return l.name }
func (l *localFileInfo) Size() int64        { return l.size }
func (l *localFileInfo) IsDir() bool        { return l.isDir }
func (l *localFileInfo) ModTime() time.Time { return l.modTime }
func (l *localFileInfo) Mode() os.FileMode  { return l.mode }

// LocalProvider serves files from the local filesystem. Zones of the "file"
// grid scheme are LocalProviders rooted at the zone directory.
type LocalProvider struct {
	basePath string
}

// NewLocalProvider creates a LocalProvider rooted at basePath. With an empty
// basePath paths are used as given. Otherwise every path, absolute or not,
// is resolved inside basePath.
func NewLocalProvider(basePath string) *LocalProvider {
	return &LocalProvider{basePath: basePath}
}

func (p *LocalProvider) resolve(path string) string {
	if p.basePath == "" {
		return path
	}
	// Cleaning from the root keeps ".." from climbing above basePath.
	return filepath.Join(p.basePath, filepath.Clean(string(filepath.Separator)+path))
}

func (p *LocalProvider) Stat(ctx context.Context, path string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(p.resolve(path))
	if err != nil {
		return nil, err
	}
	return WrapOSFileInfo(info), nil
}

func (p *LocalProvider) List(ctx context.Context, path string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p.resolve(path))
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if isPartial(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // removed between ReadDir and Info
		}
		infos = append(infos, WrapOSFileInfo(info))
	}
	return infos, nil
}

func (p *LocalProvider) OpenRead(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(p.resolve(path))
}

// OpenWrite writes into a hidden partial file next to path. Close renames it
// into place and applies the mode and modification time of metadata; Abort
// removes it.
func (p *LocalProvider) OpenWrite(ctx context.Context, path string, metadata FileInfo) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath := p.resolve(path)

	if metadata != nil && metadata.IsDir() {
		if err := os.MkdirAll(fullPath, 0o755); err != nil {
			return nil, err
		}
		return &discardWriter{}, nil
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	partial := filepath.Join(dir, partialPrefix+filepath.Base(fullPath)+"."+uuid.NewString())
	file, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	return &localWriter{File: file, partial: partial, fullPath: fullPath, metadata: metadata}, nil
}

const partialPrefix = ".conveyor-partial-"

func isPartial(name string) bool {
	return len(name) > len(partialPrefix) && name[:len(partialPrefix)] == partialPrefix
}

type localWriter struct {
	*os.File
	partial  string
	fullPath string
	metadata FileInfo
	done     bool
}

var _ Aborter = (*localWriter)(nil)

func (w *localWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.File.Close(); err != nil {
		os.Remove(w.partial)
		return err
	}
	if err := os.Chmod(w.partial, ModeOf(w.metadata)); err != nil {
		os.Remove(w.partial)
		return err
	}
	if w.metadata != nil && !w.metadata.ModTime().IsZero() {
		mtime := w.metadata.ModTime()
		if err := os.Chtimes(w.partial, mtime, mtime); err != nil {
			os.Remove(w.partial)
			return err
		}
	}
	if err := os.Rename(w.partial, w.fullPath); err != nil {
		os.Remove(w.partial)
		return err
	}
	return nil
}

func (w *localWriter) Abort(error) error {
	if w.done {
		return nil
	}
	w.done = true
	w.File.Close()
	return os.Remove(w.partial)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriter) Close() error                { return nil }
