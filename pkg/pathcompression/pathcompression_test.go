package pathcompression_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/paulschiretz/tm-backup/pkg/pathcompression"
	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/util"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// createTestSnapshot creates a directory tree resembling a promoted snapshot.
func createTestSnapshot(t *testing.T) string {
	t.Helper()
	snapPath := filepath.Join(t.TempDir(), "back-2024-03-10T11_00_00")
	if err := os.MkdirAll(filepath.Join(snapPath, "docs", "empty"), util.UserWritableDirPerms); err != nil {
		t.Fatalf("failed to create test snapshot dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(snapPath, "docs", "file1.txt"), []byte("hello"), util.UserWritableFilePerms); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	big := strings.Repeat("0123456789abcdef", 64*1024)
	if err := os.WriteFile(filepath.Join(snapPath, "big.bin"), []byte(big), util.UserWritableFilePerms); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	err := os.Symlink("docs/file1.txt", filepath.Join(snapPath, "link1.txt"))
	if err != nil {
		if runtime.GOOS == "windows" && strings.Contains(err.Error(), "A required privilege is not held by the client") {
			t.Skip("Skipping test: creating symlinks on Windows requires administrator privileges or Developer Mode.")
		}
		t.Fatalf("failed to create symlink: %v", err)
	}
	if err := os.Symlink("missing_target.txt", filepath.Join(snapPath, "broken_link.txt")); err != nil {
		t.Fatalf("failed to create broken symlink: %v", err)
	}
	return snapPath
}

type archiveEntry struct {
	typeflag byte
	content  string
	link     string
}

func readArchive(t *testing.T, archivePath string, format pathcompression.Format) map[string]archiveEntry {
	t.Helper()
	f, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	defer f.Close()

	var r io.Reader
	switch format {
	case pathcompression.TarZst:
		dec, err := zstd.NewReader(f)
		if err != nil {
			t.Fatalf("failed to create zstd reader: %v", err)
		}
		defer dec.Close()
		r = dec
	default:
		gz, err := pgzip.NewReader(f)
		if err != nil {
			t.Fatalf("failed to create gzip reader: %v", err)
		}
		defer gz.Close()
		r = gz
	}

	entries := make(map[string]archiveEntry)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read tar entry: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("failed to read tar content of %s: %v", hdr.Name, err)
		}
		entries[hdr.Name] = archiveEntry{typeflag: hdr.Typeflag, content: string(data), link: hdr.Linkname}
	}
	return entries
}

func TestCompress(t *testing.T) {
	testCases := []struct {
		name   string
		format pathcompression.Format
		level  pathcompression.Level
	}{
		{"TarGz default", pathcompression.TarGz, pathcompression.Default},
		{"TarGz best", pathcompression.TarGz, pathcompression.Best},
		{"TarZst fastest", pathcompression.TarZst, pathcompression.Fastest},
		{"TarZst better", pathcompression.TarZst, pathcompression.Better},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			src := createTestSnapshot(t)
			outDir := t.TempDir()
			archivePath := filepath.Join(outDir, "export"+tc.format.Extension())

			c := pathcompression.NewPathCompressor(0, nil)
			if err := c.Compress(context.Background(), src, archivePath, tc.format, tc.level); err != nil {
				t.Fatalf("Compress failed: %v", err)
			}

			entries := readArchive(t, archivePath, tc.format)
			if e := entries["docs/file1.txt"]; e.typeflag != tar.TypeReg || e.content != "hello" {
				t.Errorf("unexpected file entry %+v", e)
			}
			if e := entries["big.bin"]; len(e.content) != 16*64*1024 {
				t.Errorf("expected big.bin to be complete, got %d bytes", len(e.content))
			}
			if e := entries["link1.txt"]; e.typeflag != tar.TypeSymlink || e.link != "docs/file1.txt" {
				t.Errorf("expected symlink to be stored as a link, got %+v", e)
			}
			if e := entries["broken_link.txt"]; e.typeflag != tar.TypeSymlink || e.link != "missing_target.txt" {
				t.Errorf("expected broken symlink to be stored as a link, got %+v", e)
			}
			if e, ok := entries["docs/empty/"]; !ok || e.typeflag != tar.TypeDir {
				t.Errorf("expected empty directory entry, got %+v", e)
			}

			dirEntries, _ := os.ReadDir(outDir)
			if len(dirEntries) != 1 {
				t.Errorf("expected only the archive in the output dir, found %d entries", len(dirEntries))
			}
		})
	}
}

func TestCompress_ReplacesExistingArchive(t *testing.T) {
	src := createTestSnapshot(t)
	archivePath := filepath.Join(t.TempDir(), "export.tar.gz")
	os.WriteFile(archivePath, []byte("stale"), util.UserWritableFilePerms)

	if err := pathcompression.NewPathCompressor(0, nil).Compress(context.Background(), src, archivePath, pathcompression.TarGz, pathcompression.Default); err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if _, ok := readArchive(t, archivePath, pathcompression.TarGz)["docs/file1.txt"]; !ok {
		t.Error("expected the archive to be replaced")
	}
}

func TestCompress_LogsSummary(t *testing.T) {
	src := createTestSnapshot(t)
	archivePath := filepath.Join(t.TempDir(), "export.tar.zst")
	var logBuf bytes.Buffer
	logger := plog.New(&logBuf, &logBuf, slog.LevelInfo)

	c := pathcompression.NewPathCompressor(0, logger)
	// The copy buffer is pooled, a second export must not see the first one's state.
	for range 2 {
		logBuf.Reset()
		if err := c.Compress(context.Background(), src, archivePath, pathcompression.TarZst, pathcompression.Fastest); err != nil {
			t.Fatalf("Compress failed: %v", err)
		}
		output := logBuf.String()
		if !strings.Contains(output, `msg="Export finished"`) {
			t.Fatalf("expected a summary line, got: %s", output)
		}
		if !strings.Contains(output, fmt.Sprintf("bytes_read=%d", 16*64*1024+len("hello"))) {
			t.Errorf("expected bytes_read to count file contents, got: %s", output)
		}
	}
}

func TestCompress_Errors(t *testing.T) {
	src := createTestSnapshot(t)
	c := pathcompression.NewPathCompressor(0, nil)

	t.Run("missing source", func(t *testing.T) {
		err := c.Compress(context.Background(), filepath.Join(t.TempDir(), "absent"), filepath.Join(t.TempDir(), "x.tar.gz"), pathcompression.TarGz, pathcompression.Default)
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected ErrNotExist, got %v", err)
		}
	})

	t.Run("missing output directory", func(t *testing.T) {
		err := c.Compress(context.Background(), src, filepath.Join(t.TempDir(), "absent", "x.tar.gz"), pathcompression.TarGz, pathcompression.Default)
		if err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		err := c.Compress(context.Background(), src, filepath.Join(t.TempDir(), "x.zip"), pathcompression.Format("zip"), pathcompression.Default)
		if err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("canceled context leaves no file", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		outDir := t.TempDir()
		err := c.Compress(ctx, src, filepath.Join(outDir, "x.tar.zst"), pathcompression.TarZst, pathcompression.Default)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if entries, _ := os.ReadDir(outDir); len(entries) != 0 {
			t.Errorf("expected no leftovers, found %d entries", len(entries))
		}
	})
}

func TestParseFormat(t *testing.T) {
	testCases := []struct {
		in      string
		want    pathcompression.Format
		wantErr bool
	}{
		{"tar.gz", pathcompression.TarGz, false},
		{"tar.zst", pathcompression.TarZst, false},
		{"", pathcompression.TarZst, false},
		{"zip", "", true},
		{"TAR.GZ", "", true},
	}
	for _, tc := range testCases {
		got, err := pathcompression.ParseFormat(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"default", "fastest", "better", "best"} {
		if l, err := pathcompression.ParseLevel(s); err != nil || l.String() != s {
			t.Errorf("ParseLevel(%q) = %q, %v", s, l, err)
		}
	}
	if l, err := pathcompression.ParseLevel("BEST"); err != nil || l != pathcompression.Best {
		t.Errorf("expected level names to ignore case, got %q, %v", l, err)
	}
	if l, err := pathcompression.ParseLevel(""); err != nil || l != pathcompression.Default {
		t.Errorf("expected empty level to map to default, got %q, %v", l, err)
	}
	if _, err := pathcompression.ParseLevel("ultra"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestFormatAndLevelJSON(t *testing.T) {
	type export struct {
		Format pathcompression.Format `json:"format"`
		Level  pathcompression.Level  `json:"level"`
	}

	var e export
	if err := json.Unmarshal([]byte(`{"format":"tar.gz","level":"best"}`), &e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Format != pathcompression.TarGz || e.Level != pathcompression.Best {
		t.Errorf("unexpected decode result %+v", e)
	}
	data, err := json.Marshal(e)
	if err != nil || string(data) != `{"format":"tar.gz","level":"best"}` {
		t.Errorf("unexpected encode result %s, %v", data, err)
	}

	if err := json.Unmarshal([]byte(`{"format":"rar"}`), &e); err == nil {
		t.Error("expected an error for an unknown format")
	}
	if err := json.Unmarshal([]byte(`{"level":3}`), &e); err == nil {
		t.Error("expected an error for a non-string level")
	}
}
