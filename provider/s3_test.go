package provider

import (
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/franksops/gridconveyor/grid"
)

func TestS3Provider_Keys(t *testing.T) {
	tests := []struct {
		prefix string
		path   string
		key    string
		dir    string
	}{
		{"", "test.txt", "test.txt", "test.txt/"},
		{"", "/home/rods/test.txt", "home/rods/test.txt", "home/rods/test.txt/"},
		{"zone", "test.txt", "zone/test.txt", "zone/test.txt/"},
		{"zone/", "/test.txt", "zone/test.txt", "zone/test.txt/"},
		{"my/deep/prefix/", "/some/path.txt", "my/deep/prefix/some/path.txt", "my/deep/prefix/some/path.txt/"},
		{"", "", "", ""},
		{"", "/", "", ""},
		{"zone", "", "zone", "zone/"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix+"+"+tt.path, func(t *testing.T) {
			p := &S3Provider{prefix: tt.prefix}
			if got := p.key(tt.path); got != tt.key {
				t.Errorf("key(%q) with prefix %q = %q; want %q", tt.path, tt.prefix, got, tt.key)
			}
			if got := p.dirKey(tt.path); got != tt.dir {
				t.Errorf("dirKey(%q) with prefix %q = %q; want %q", tt.path, tt.prefix, got, tt.dir)
			}
		})
	}
}

func TestS3Authenticator_Endpoint(t *testing.T) {
	a := grid.Account{Host: "s3.grid", Port: 9000, Zone: "z", UserName: "u"}
	if got := NewS3Authenticator(S3Config{}).endpoint(a); got != "http://s3.grid:9000" {
		t.Errorf("endpoint = %q", got)
	}
	if got := NewS3Authenticator(S3Config{UseTLS: true}).endpoint(a); got != "https://s3.grid:9000" {
		t.Errorf("tls endpoint = %q", got)
	}
}

func TestPreservedModTime(t *testing.T) {
	last := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	src := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

	if got := preservedModTime(map[string]string{mtimeMetadataKey: src.Format(time.RFC3339Nano)}, &last); !got.Equal(src) {
		t.Errorf("expected preserved %v, got %v", src, got)
	}
	if got := preservedModTime(nil, &last); !got.Equal(last) {
		t.Errorf("expected LastModified %v, got %v", last, got)
	}
	if got := preservedModTime(map[string]string{mtimeMetadataKey: "garbage"}, &last); !got.Equal(last) {
		t.Errorf("bad metadata should fall back to LastModified, got %v", got)
	}
	if got := preservedModTime(nil, nil); !got.IsZero() {
		t.Errorf("expected zero time, got %v", got)
	}
}

func TestObjectMetadataRoundTrip(t *testing.T) {
	src := &localFileInfo{name: "run.sh", modTime: time.Date(2021, 6, 7, 8, 9, 10, 0, time.UTC), mode: 0o750}
	meta := objectMetadata(src)
	if meta[modeMetadataKey] != "750" {
		t.Errorf("mode metadata = %q; want 750", meta[modeMetadataKey])
	}

	info := &objectInfo{name: "run.sh"}
	info.fromMetadata(meta, nil)
	if !info.ModTime().Equal(src.modTime) {
		t.Errorf("mtime = %v; want %v", info.ModTime(), src.modTime)
	}
	if ModeOf(info) != 0o750 {
		t.Errorf("mode = %o; want 750", ModeOf(info))
	}

	// Objects uploaded by other tools carry no metadata.
	plain := &objectInfo{name: "other"}
	plain.fromMetadata(map[string]string{modeMetadataKey: "not-octal"}, nil)
	if plain.Mode() != DefaultFileMode {
		t.Errorf("mode = %o; want default", plain.Mode())
	}
	if (&objectInfo{isDir: true}).Mode()&os.ModeDir == 0 {
		t.Errorf("collections report a directory mode")
	}
	if objectMetadata(nil) != nil {
		t.Errorf("nil info should produce no metadata")
	}
}

func TestIsNotFound(t *testing.T) {
	if !isNotFound(&types.NoSuchKey{}) || !isNotFound(&types.NotFound{}) {
		t.Errorf("typed S3 not-found errors not recognized")
	}
	if isNotFound(&smithy.GenericAPIError{Code: "SlowDown"}) {
		t.Errorf("throttling is not a missing key")
	}
}
