package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/util"
)

// Local operates on the filesystem of this machine.
type Local struct {
	logger *slog.Logger
}

// NewLocal returns a Local transport. A nil logger uses plog.Default.
func NewLocal(logger *slog.Logger) *Local {
	return &Local{logger: plog.OrDefault(logger)}
}

func localErr(op, path string, err error) error {
	return &Error{Op: op, Path: path, Err: err}
}

func (l *Local) EnsureMarker(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return localErr("ensure marker", path, err)
	}
	l.logger.Debug("Created marker file", "path", path)
	if err := f.Close(); err != nil {
		return localErr("ensure marker", path, err)
	}
	return nil
}

func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, localErr("exists", path, err)
	}
	return true, nil
}

// CopyToLocalTemp returns path itself, which is already readable here.
func (l *Local) CopyToLocalTemp(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return path, nil
}

func (l *Local) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, localErr("read", path, err)
	}
	return data, nil
}

func (l *Local) WriteFile(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return localErr("write", path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return localErr("write", path, err)
	}
	if err := tmp.Close(); err != nil {
		return localErr("write", path, err)
	}
	if err := os.Chmod(tmpPath, util.UserWritableFilePerms); err != nil {
		return localErr("write", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return localErr("write", path, err)
	}
	return nil
}

func (l *Local) CreateExclusive(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserOnlyFilePerms)
	if err != nil {
		return localErr("create", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return localErr("create", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return localErr("create", path, err)
	}
	return nil
}

func (l *Local) Rename(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return localErr("rename", src, err)
	}
	l.logger.Log(ctx, plog.LevelNotice, "Renamed", "from", src, "to", dst)
	return nil
}

func (l *Local) RemoveFile(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return localErr("remove", path, err)
	}
	l.logger.Log(ctx, plog.LevelNotice, "Removed", "path", path)
	return nil
}

func (l *Local) RemoveTree(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return localErr("remove tree", path, err)
	}
	l.logger.Log(ctx, plog.LevelNotice, "Removed tree", "path", path)
	return nil
}

func (l *Local) Symlink(ctx context.Context, target, linkPath, relativeTo string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if relativeTo != "" {
		rel, err := filepath.Rel(relativeTo, target)
		if err != nil {
			return localErr("symlink", linkPath, fmt.Errorf("cannot make %s relative to %s: %w", target, relativeTo, err))
		}
		target = rel
	}
	if _, err := os.Lstat(linkPath); err == nil {
		if err := os.Remove(linkPath); err != nil {
			return localErr("symlink", linkPath, err)
		}
	}
	if err := os.Symlink(target, linkPath); err != nil {
		return localErr("symlink", linkPath, err)
	}
	l.logger.Log(ctx, plog.LevelNotice, "Linked", "link", linkPath, "target", target)
	return nil
}

func (l *Local) ListMatching(ctx context.Context, basePath string, pattern *regexp.Regexp) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(basePath)
	if err != nil {
		return nil, localErr("list", basePath, err)
	}
	var matches []string
	for _, e := range entries {
		if pattern.MatchString(e.Name()) {
			matches = append(matches, filepath.Join(basePath, e.Name()))
		}
	}
	return matches, nil
}

func (l *Local) Join(elem ...string) string { return filepath.Join(elem...) }

func (l *Local) IsLocal() bool { return true }

func (l *Local) Close() error { return nil }
