package provider

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/smithy-go"

	"github.com/franksops/gridconveyor/grid"
)

func testAccount(zone string) grid.Account {
	return grid.Account{Host: "grid.local", Port: 1247, Zone: zone, UserName: "alice"}
}

func TestLocalAuthenticator_OpenCreatesZone(t *testing.T) {
	root := t.TempDir()
	auth := &LocalAuthenticator{Root: root}

	s, err := auth.Open(context.Background(), testAccount("tempZone"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if st, err := os.Stat(filepath.Join(root, "tempZone")); err != nil || !st.IsDir() {
		t.Fatalf("zone directory not created: %v", err)
	}

	ps, ok := s.(Session)
	if !ok {
		t.Fatalf("session %T does not implement provider.Session", s)
	}
	if ps.Account().Zone != "tempZone" {
		t.Errorf("unexpected account %+v", ps.Account())
	}

	wc, err := ps.Remote().OpenWrite(context.Background(), "/home/alice/f.txt", nil)
	if err != nil {
		t.Fatal(err)
	}
	wc.Write([]byte("x"))
	if err := wc.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "tempZone", "home", "alice", "f.txt")); err != nil {
		t.Errorf("remote write landed elsewhere: %v", err)
	}
	if err := auth.Close(s); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestLocalAuthenticator_Rejects(t *testing.T) {
	auth := &LocalAuthenticator{
		Root:    t.TempDir(),
		Allowed: func(a grid.Account) bool { return a.UserName != "alice" },
	}
	_, err := auth.Open(context.Background(), testAccount("z"))
	if !errors.Is(err, grid.ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

func TestLocalSession_Resource(t *testing.T) {
	root := t.TempDir()
	s, err := (&LocalAuthenticator{Root: root}).Open(context.Background(), testAccount("z"))
	if err != nil {
		t.Fatal(err)
	}
	ls := s.(*LocalSession)

	if _, err := ls.Resource("replica"); err != nil {
		t.Errorf("Resource(replica) failed: %v", err)
	}
	for _, bad := range []string{"", "a/b", "../up"} {
		if _, err := ls.Resource(bad); err == nil {
			t.Errorf("Resource(%q) should fail", bad)
		}
	}
}

func TestPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"not exist", fmt.Errorf("open: %w", fs.ErrNotExist), true},
		{"permission", fs.ErrPermission, true},
		{"auth rejected", fmt.Errorf("x: %w", grid.ErrAuthRejected), true},
		{"no such key", &smithy.GenericAPIError{Code: "NoSuchKey"}, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, true},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, false},
		{"plain", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Permanent(tt.err); got != tt.want {
				t.Errorf("Permanent(%v) = %v; want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestEnvCredentials(t *testing.T) {
	t.Setenv("ARCHIVE_ACCESS_KEY", "ak")
	t.Setenv("ARCHIVE_SECRET_KEY", "sk")

	ak, sk, err := EnvCredentials("archive")
	if err != nil {
		t.Fatalf("EnvCredentials failed: %v", err)
	}
	if ak != "ak" || sk != "sk" {
		t.Errorf("got %q/%q", ak, sk)
	}

	if _, _, err := EnvCredentials("missing"); err == nil {
		t.Errorf("expected an error for unset credentials")
	}
	if _, _, err := EnvCredentials(""); err == nil {
		t.Errorf("expected an error for an empty reference")
	}
}
