package preflight

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/tm-backup/pkg/endpoint"
	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/transport"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// newTestValidator treats every path as living below the home directory, so
// the ghost mount check never fires on temp dirs.
func newTestValidator(lookPath func(string) (string, error)) *Validator {
	return &Validator{
		lookPath: lookPath,
		rootPath: "/",
		homeDir:  func() (string, error) { return "/", nil },
	}
}

func foundRsync(file string) (string, error) { return "/usr/bin/" + file, nil }

func TestCheckBackupTargetAccessible(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewLocal(nil)

	t.Run("Happy Path - Target Exists", func(t *testing.T) {
		if err := CheckBackupTargetAccessible(ctx, tr, t.TempDir()); err != nil {
			t.Errorf("expected no error for existing directory, but got: %v", err)
		}
	})

	t.Run("Error - Target Does Not Exist", func(t *testing.T) {
		err := CheckBackupTargetAccessible(ctx, tr, filepath.Join(t.TempDir(), "new_dir"))
		if err == nil || !strings.Contains(err.Error(), "does not exist") {
			t.Errorf("expected an error about a missing root, but got: %v", err)
		}
	})

	t.Run("Error - Target Is a File", func(t *testing.T) {
		targetFile := filepath.Join(t.TempDir(), "target.txt")
		if err := os.WriteFile(targetFile, []byte("i am a file"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
		err := CheckBackupTargetAccessible(ctx, tr, targetFile)
		if err == nil || !strings.Contains(err.Error(), "is not a directory") {
			t.Errorf("expected error to be about 'not a directory', but got: %v", err)
		}
	})
}

func TestCheckBackupSourceAccessible(t *testing.T) {
	t.Run("Happy Path - Source is a directory", func(t *testing.T) {
		if err := CheckBackupSourceAccessible(t.TempDir()); err != nil {
			t.Errorf("expected no error for existing directory, but got: %v", err)
		}
	})

	t.Run("Error - Source does not exist", func(t *testing.T) {
		err := CheckBackupSourceAccessible(filepath.Join(t.TempDir(), "nonexistent"))
		if err == nil || !strings.Contains(err.Error(), "does not exist") {
			t.Errorf("expected error about non-existent source, but got: %v", err)
		}
	})

	t.Run("Error - Source is a file", func(t *testing.T) {
		srcFile := filepath.Join(t.TempDir(), "source.txt")
		if err := os.WriteFile(srcFile, []byte("i am a file"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
		err := CheckBackupSourceAccessible(srcFile)
		if err == nil || !strings.Contains(err.Error(), "is not a directory") {
			t.Errorf("expected error about source not being a directory, but got: %v", err)
		}
	})
}

func TestCheckRsyncAvailable(t *testing.T) {
	var asked string
	lookPath := func(file string) (string, error) {
		asked = file
		return "", errors.New("not found")
	}

	err := CheckRsyncAvailable(lookPath, "")
	if err == nil || !strings.Contains(err.Error(), `"rsync"`) {
		t.Errorf("expected a not found error for rsync, got %v", err)
	}
	if asked != "rsync" {
		t.Errorf("expected the default binary name, got %q", asked)
	}

	if err := CheckRsyncAvailable(foundRsync, "/opt/rsync/bin/rsync"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCheckPathNesting(t *testing.T) {
	base := t.TempDir()
	testCases := []struct {
		name      string
		src       string
		target    string
		expectErr bool
	}{
		{"Siblings", filepath.Join(base, "data"), filepath.Join(base, "backup"), false},
		{"Common prefix is not nesting", filepath.Join(base, "data"), filepath.Join(base, "data-backup"), false},
		{"Target inside source", filepath.Join(base, "data"), filepath.Join(base, "data", "backup"), true},
		{"Same path", filepath.Join(base, "data"), filepath.Join(base, "data"), true},
		{"Source inside target", filepath.Join(base, "backup", "data"), filepath.Join(base, "backup"), true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckPathNesting(tc.src, tc.target)
			if tc.expectErr && err == nil {
				t.Error("expected a nesting error, got nil")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidatorRun(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewLocal(nil)
	src := t.TempDir()
	dst := t.TempDir()
	all := &Plan{SourceAccessible: true, TargetAccessible: true, RsyncAvailable: true, PathNesting: true}

	t.Run("All checks pass", func(t *testing.T) {
		v := newTestValidator(foundRsync)
		if err := v.Run(ctx, tr, endpoint.Endpoint{Path: src}, endpoint.Endpoint{Path: dst}, all); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("Missing rsync fails", func(t *testing.T) {
		v := newTestValidator(func(string) (string, error) { return "", errors.New("missing") })
		if err := v.Run(ctx, tr, endpoint.Endpoint{Path: src}, endpoint.Endpoint{Path: dst}, all); err == nil {
			t.Fatal("expected an error when rsync is missing")
		}
	})

	t.Run("Disabled checks are skipped", func(t *testing.T) {
		v := newTestValidator(func(string) (string, error) { return "", errors.New("missing") })
		missing := endpoint.Endpoint{Path: filepath.Join(src, "absent")}
		if err := v.Run(ctx, tr, missing, endpoint.Endpoint{Path: dst}, &Plan{TargetAccessible: true}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("Remote source skips local checks", func(t *testing.T) {
		v := newTestValidator(foundRsync)
		remoteSrc := endpoint.Endpoint{Host: "nas", Path: "/data"}
		if err := v.Run(ctx, tr, remoteSrc, endpoint.Endpoint{Path: dst}, all); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("Nested target fails", func(t *testing.T) {
		v := newTestValidator(foundRsync)
		nested := filepath.Join(src, "backup")
		if err := os.Mkdir(nested, 0755); err != nil {
			t.Fatal(err)
		}
		if err := v.Run(ctx, tr, endpoint.Endpoint{Path: src}, endpoint.Endpoint{Path: nested}, all); err == nil {
			t.Fatal("expected a nesting error")
		}
	})
}
