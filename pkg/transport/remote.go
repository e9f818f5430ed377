package transport

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/remoteexec"
)

// Exit codes the remote commands use to report conditions the caller has to
// tell apart from generic failures.
const (
	exitNotExist = 44
	exitExist    = 45
)

// Remote operates on a host reached through a remoteexec.Session. Every
// operation is exactly one POSIX shell command.
type Remote struct {
	sess   remoteexec.Session
	logger *slog.Logger

	mu    sync.Mutex
	temps []string
}

// NewRemote wraps sess. The Remote owns sess and closes it in Close.
func NewRemote(sess remoteexec.Session, logger *slog.Logger) *Remote {
	return &Remote{sess: sess, logger: plog.OrDefault(logger)}
}

// shellQuote wraps s in single quotes so the remote shell passes it through as
// one literal word.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// run executes command and turns a failed session or a non-zero exit into *Error.
// Exit codes listed in accept are returned without error.
func (r *Remote) run(ctx context.Context, op, p, command string, stdin io.Reader, accept ...int) (remoteexec.Result, error) {
	r.logger.Debug("Remote command", "op", op, "command", command)
	res, err := r.sess.Run(ctx, command, stdin)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, &Error{Op: op, Path: p, Command: command, ExitCode: res.ExitCode, Stderr: string(res.Stderr), Err: err}
	}
	if res.ExitCode == 0 {
		return res, nil
	}
	for _, code := range accept {
		if res.ExitCode == code {
			return res, nil
		}
	}
	return res, &Error{Op: op, Path: p, Command: command, ExitCode: res.ExitCode, Stderr: string(res.Stderr)}
}

func (r *Remote) EnsureMarker(ctx context.Context, p string) error {
	q := shellQuote(p)
	_, err := r.run(ctx, "ensure marker", p, fmt.Sprintf("test -e %s || test -L %s || touch -- %s", q, q, q), nil)
	return err
}

func (r *Remote) Exists(ctx context.Context, p string) (bool, error) {
	q := shellQuote(p)
	res, err := r.run(ctx, "exists", p, fmt.Sprintf("test -e %s || test -L %s", q, q), nil, 1)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// CopyToLocalTemp fetches p into a local temporary file that lives until Close.
func (r *Remote) CopyToLocalTemp(ctx context.Context, p string) (string, error) {
	data, err := r.ReadFile(ctx, p)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "tm-backup-"+path.Base(p)+"-*")
	if err != nil {
		return "", &Error{Op: "copy to local", Path: p, Err: err}
	}
	r.mu.Lock()
	r.temps = append(r.temps, f.Name())
	r.mu.Unlock()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", &Error{Op: "copy to local", Path: p, Err: err}
	}
	if err := f.Close(); err != nil {
		return "", &Error{Op: "copy to local", Path: p, Err: err}
	}
	return f.Name(), nil
}

func (r *Remote) ReadFile(ctx context.Context, p string) ([]byte, error) {
	q := shellQuote(p)
	cmd := fmt.Sprintf("test -e %s || exit %d; cat -- %s", q, exitNotExist, q)
	res, err := r.run(ctx, "read", p, cmd, nil, exitNotExist)
	if err != nil {
		return nil, err
	}
	if res.ExitCode == exitNotExist {
		return nil, &Error{Op: "read", Path: p, Command: cmd, ExitCode: res.ExitCode, Err: os.ErrNotExist}
	}
	return res.Stdout, nil
}

func (r *Remote) WriteFile(ctx context.Context, p string, data []byte) error {
	suffix, err := randomSuffix()
	if err != nil {
		return &Error{Op: "write", Path: p, Err: err}
	}
	q, tmp := shellQuote(p), shellQuote(p+".tmp-"+suffix)
	cmd := fmt.Sprintf("{ cat > %s && mv -f -- %s %s; } || { rm -f -- %s; exit 1; }", tmp, tmp, q, tmp)
	_, err = r.run(ctx, "write", p, cmd, bytes.NewReader(data))
	return err
}

func (r *Remote) CreateExclusive(ctx context.Context, p string, data []byte) error {
	q := shellQuote(p)
	cmd := fmt.Sprintf("test -e %s && exit %d; set -C; cat > %s", q, exitExist, q)
	res, err := r.run(ctx, "create", p, cmd, bytes.NewReader(data), exitExist)
	if err != nil {
		// Lost a race against another creator between the test and the
		// noclobber redirect.
		if exists, existsErr := r.Exists(ctx, p); existsErr == nil && exists {
			return &Error{Op: "create", Path: p, Command: cmd, ExitCode: res.ExitCode, Stderr: string(res.Stderr), Err: os.ErrExist}
		}
		return err
	}
	if res.ExitCode == exitExist {
		return &Error{Op: "create", Path: p, Command: cmd, ExitCode: res.ExitCode, Err: os.ErrExist}
	}
	return nil
}

func (r *Remote) Rename(ctx context.Context, src, dst string) error {
	if _, err := r.run(ctx, "rename", src, fmt.Sprintf("mv -- %s %s", shellQuote(src), shellQuote(dst)), nil); err != nil {
		return err
	}
	r.logger.Log(ctx, plog.LevelNotice, "Renamed", "from", src, "to", dst)
	return nil
}

func (r *Remote) RemoveFile(ctx context.Context, p string) error {
	if _, err := r.run(ctx, "remove", p, "rm -- "+shellQuote(p), nil); err != nil {
		return err
	}
	r.logger.Log(ctx, plog.LevelNotice, "Removed", "path", p)
	return nil
}

func (r *Remote) RemoveTree(ctx context.Context, p string) error {
	if _, err := r.run(ctx, "remove tree", p, "rm -rf -- "+shellQuote(p), nil); err != nil {
		return err
	}
	r.logger.Log(ctx, plog.LevelNotice, "Removed tree", "path", p)
	return nil
}

func (r *Remote) Symlink(ctx context.Context, target, linkPath, relativeTo string) error {
	if relativeTo != "" {
		rel, err := posixRel(relativeTo, target)
		if err != nil {
			return &Error{Op: "symlink", Path: linkPath, Err: err}
		}
		target = rel
	}
	cmd := fmt.Sprintf("ln -sfn -- %s %s", shellQuote(target), shellQuote(linkPath))
	if _, err := r.run(ctx, "symlink", linkPath, cmd, nil); err != nil {
		return err
	}
	r.logger.Log(ctx, plog.LevelNotice, "Linked", "link", linkPath, "target", target)
	return nil
}

func (r *Remote) ListMatching(ctx context.Context, basePath string, pattern *regexp.Regexp) ([]string, error) {
	res, err := r.run(ctx, "list", basePath, "ls -1A -- "+shellQuote(basePath), nil)
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, name := range strings.Split(string(res.Stdout), "\n") {
		if name == "" || !pattern.MatchString(name) {
			continue
		}
		matches = append(matches, path.Join(basePath, name))
	}
	return matches, nil
}

func (r *Remote) Join(elem ...string) string { return path.Join(elem...) }

func (r *Remote) IsLocal() bool { return false }

// Close removes local temporary copies and closes the session.
func (r *Remote) Close() error {
	r.mu.Lock()
	temps := r.temps
	r.temps = nil
	r.mu.Unlock()
	for _, t := range temps {
		if err := os.Remove(t); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("Could not remove temporary file", "path", t, "error", err)
		}
	}
	return r.sess.Close()
}

// posixRel is filepath.Rel for slash separated paths, independent of the
// local operating system.
func posixRel(base, target string) (string, error) {
	base, target = path.Clean(base), path.Clean(target)
	if path.IsAbs(base) != path.IsAbs(target) {
		return "", fmt.Errorf("cannot make %s relative to %s", target, base)
	}
	if base == target {
		return ".", nil
	}
	split := func(p string) []string {
		if p == "." || p == "/" {
			return nil
		}
		return strings.Split(strings.TrimPrefix(p, "/"), "/")
	}
	b, t := split(base), split(target)
	i := 0
	for i < len(b) && i < len(t) && b[i] == t[i] {
		i++
	}
	for _, seg := range b[i:] {
		if seg == ".." {
			return "", fmt.Errorf("cannot make %s relative to %s", target, base)
		}
	}
	parts := make([]string, 0, len(b)-i+len(t)-i)
	for range b[i:] {
		parts = append(parts, "..")
	}
	parts = append(parts, t[i:]...)
	return strings.Join(parts, "/"), nil
}

func randomSuffix() (string, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
