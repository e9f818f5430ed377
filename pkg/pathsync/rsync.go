package pathsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/paulschiretz/tm-backup/pkg/plog"
)

// ErrSyncTool is the sentinel wrapped by every SyncToolError.
var ErrSyncTool = errors.New("sync tool failed")

// SyncToolError reports that rsync could not be started or exited non-zero.
// ExitCode is -1 when rsync never ran.
type SyncToolError struct {
	ExitCode int
	Args     []string
	Err      error
}

func (e *SyncToolError) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("%s: could not run rsync: %v", ErrSyncTool, e.Err)
	}
	return fmt.Sprintf("%s: rsync exited with code %d", ErrSyncTool, e.ExitCode)
}

func (e *SyncToolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSyncTool}
	}
	return []error{ErrSyncTool, e.Err}
}

// Invocation is one rsync call of a backup cycle.
type Invocation struct {
	// Source and Dest are in rsync syntax, e.g. "user@host:/srv/backup/incomplete".
	Source string
	Dest   string
	// ExcludeFrom is a local file with rsync exclude patterns.
	ExcludeFrom string
	// LinkDest, when set, is the directory on the destination host whose
	// unchanged files are hard linked instead of copied.
	LinkDest string
	DryRun   bool
}

// Runner runs rsync.
type Runner interface {
	Run(ctx context.Context, inv Invocation) error
}

// Rsync runs the rsync binary as a child process.
type Rsync struct {
	path      string
	extraArgs []string
	rsh       string
	stdout    io.Writer
	stderr    io.Writer
	logger    *slog.Logger
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// Option is a functional option for configuring Rsync.
type Option func(*Rsync)

// WithRsyncPath sets a custom path to the rsync binary.
func WithRsyncPath(path string) Option {
	return func(r *Rsync) {
		if path != "" {
			r.path = path
		}
	}
}

// WithExtraArgs appends arguments after the fixed ones, before source and destination.
func WithExtraArgs(args ...string) Option {
	return func(r *Rsync) {
		r.extraArgs = append(r.extraArgs, args...)
	}
}

// WithRemoteShell sets rsync's -e option.
func WithRemoteShell(rsh string) Option {
	return func(r *Rsync) {
		r.rsh = rsh
	}
}

// WithOutput redirects rsync's stdout and stderr.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(r *Rsync) {
		r.stdout = stdout
		r.stderr = stderr
	}
}

// WithLogger sets the logger rsync invocations are reported to.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Rsync) {
		r.logger = logger
	}
}

// WithCommandContext replaces exec.CommandContext.
func WithCommandContext(fn func(ctx context.Context, name string, arg ...string) *exec.Cmd) Option {
	return func(r *Rsync) {
		r.commandContext = fn
	}
}

// NewRsync creates a new Rsync runner.
func NewRsync(opts ...Option) *Rsync {
	r := &Rsync{
		path:           "rsync",
		stdout:         os.Stdout,
		stderr:         os.Stderr,
		commandContext: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = plog.OrDefault(r.logger)
	return r
}

// Args returns the rsync arguments for inv:
//
//	-aPSvz           archive, keep partial files, sparse, verbose, compress
//	--delete         remove files gone from the source
//	--delete-excluded  and files that are excluded now
//	--exclude-from   patterns from the target's exclude file
//	--link-dest      hard link unchanged files against the previous snapshot
func (r *Rsync) Args(inv Invocation) []string {
	args := []string{"-aPSvz", "--delete", "--delete-excluded", "--exclude-from=" + inv.ExcludeFrom}
	if inv.LinkDest != "" {
		args = append(args, "--link-dest="+inv.LinkDest)
	}
	if r.rsh != "" {
		args = append(args, "-e", r.rsh)
	}
	if inv.DryRun {
		args = append(args, "--dry-run")
	}
	args = append(args, r.extraArgs...)
	return append(args, inv.Source, inv.Dest)
}

// Run starts rsync in its own process group and waits for it to exit.
func (r *Rsync) Run(ctx context.Context, inv Invocation) error {
	args := r.Args(inv)
	cmd := r.commandContext(ctx, r.path, args...)
	setProcessGroup(cmd)
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr

	r.logger.Info("Starting rsync", "source", inv.Source, "destination", inv.Dest)
	r.logger.Debug("rsync command", "command", r.path+" "+strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &SyncToolError{ExitCode: exitErr.ExitCode(), Args: args, Err: err}
		}
		return &SyncToolError{ExitCode: -1, Args: args, Err: err}
	}
	return nil
}
