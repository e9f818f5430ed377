// Package transport gives the sync and retention code one set of filesystem
// operations that works the same on a local target root and on a root reached
// over SSH.
//
// The local implementation calls the os package directly. The remote one turns
// every operation into a single shell command run on a remoteexec.Session.
// Both report failures as *Error.
package transport

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/paulschiretz/tm-backup/pkg/endpoint"
	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/remoteexec"
)

// ErrTransport is the sentinel wrapped by every Error.
var ErrTransport = errors.New("transport operation failed")

// Error describes a failed filesystem operation. For remote operations Command,
// ExitCode and Stderr hold the shell command and what it reported.
type Error struct {
	Op       string
	Path     string
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", ErrTransport, e.Op, e.Path)
	if e.Command != "" {
		fmt.Fprintf(&b, ": command %q exited with %d", e.Command, e.ExitCode)
		if s := strings.TrimSpace(e.Stderr); s != "" {
			fmt.Fprintf(&b, ": %s", s)
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}

// Transport is the set of filesystem operations the backup cycle needs on a
// target root. Paths are in the syntax of the filesystem the root lives on;
// use Join to build them.
type Transport interface {
	// EnsureMarker creates an empty file at path unless something already exists there.
	EnsureMarker(ctx context.Context, path string) error
	// Exists reports whether path exists. Dangling symlinks exist.
	Exists(ctx context.Context, path string) (bool, error)
	// CopyToLocalTemp returns a local path holding the contents of path.
	// Temporary copies are removed by Close.
	CopyToLocalTemp(ctx context.Context, path string) (string, error)
	// ReadFile returns the contents of path. A missing file yields an error
	// matching os.ErrNotExist.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// WriteFile replaces path with data through a temporary file and a rename.
	WriteFile(ctx context.Context, path string, data []byte) error
	// CreateExclusive creates path with data and fails with an error matching
	// os.ErrExist when path already exists.
	CreateExclusive(ctx context.Context, path string, data []byte) error
	Rename(ctx context.Context, src, dst string) error
	RemoveFile(ctx context.Context, path string) error
	// RemoveTree removes path and everything below it.
	RemoveTree(ctx context.Context, path string) error
	// Symlink creates or replaces linkPath pointing at target. With a non-empty
	// relativeTo the target is stored relative to that directory.
	Symlink(ctx context.Context, target, linkPath, relativeTo string) error
	// ListMatching returns the full paths of the entries directly under basePath
	// whose name matches pattern, in no particular order.
	ListMatching(ctx context.Context, basePath string, pattern *regexp.Regexp) ([]string, error)
	// Join joins path elements with the separator of the underlying filesystem.
	Join(elem ...string) string
	// IsLocal reports whether paths refer to this machine.
	IsLocal() bool
	Close() error
}

// Open returns the transport for ep. Local endpoints never touch dial. For
// remote endpoints ssh is completed with ep's user, host and port.
func Open(ctx context.Context, ep endpoint.Endpoint, ssh remoteexec.Config, dial remoteexec.Dialer) (Transport, error) {
	logger := plog.OrDefault(ssh.Logger)
	if ep.IsLocal() {
		return NewLocal(logger), nil
	}
	if dial == nil {
		dial = remoteexec.DialSSH
	}
	sess, err := dial(ctx, SessionConfig(ep, ssh))
	if err != nil {
		return nil, fmt.Errorf("could not open session to %s: %w", ep.Destination(), err)
	}
	return NewRemote(sess, logger), nil
}

// SessionConfig completes ssh with the user, host and port of the remote
// endpoint ep. A port in the address wins over ssh.Port.
func SessionConfig(ep endpoint.Endpoint, ssh remoteexec.Config) remoteexec.Config {
	ssh.Host = ep.Host
	if ep.User != "" {
		ssh.User = ep.User
	}
	if ep.Port != 0 {
		ssh.Port = ep.Port
	}
	return ssh
}

// Opener binds the SSH settings of a run so callers only supply the endpoint.
type Opener struct {
	SSH  remoteexec.Config
	Dial remoteexec.Dialer
}

// Open calls the package-level Open with the bound settings.
func (o *Opener) Open(ctx context.Context, ep endpoint.Endpoint) (Transport, error) {
	return Open(ctx, ep, o.SSH, o.Dial)
}

