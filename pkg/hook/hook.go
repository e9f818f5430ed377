// Package hook runs the user's pre- and post-backup shell commands on the local
// machine, each in its own process group so cancellation reaches the children.
package hook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/paulschiretz/tm-backup/pkg/hints"
	"github.com/paulschiretz/tm-backup/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")
var ErrDisabled = hints.New("hook execution is disabled")

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
	stdout         io.Writer
	stderr         io.Writer
}

// NewHookExecutor creates a new HookExecutor. Hook output goes to the process'
// stdout and stderr.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	return &HookExecutor{
		commandContext: commandContext,
		stdout:         os.Stdout,
		stderr:         os.Stderr,
	}
}

// RunPreHook runs the pre-backup commands in order. The first failing command
// aborts the hook and its error is returned, so the backup does not start.
func (e *HookExecutor) RunPreHook(ctx context.Context, hookName string, p *Plan) error {
	if !p.Enabled {
		return ErrDisabled
	}
	if len(p.PreHookCommands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info(fmt.Sprintf("Running pre-%s hook commands", hookName))
	for _, hookCommand := range p.PreHookCommands {
		if err := e.runCommand(ctx, hookCommand, p.DryRun); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
		}
	}
	return nil
}

// RunPostHook runs every post-backup command. Failures are logged and the
// remaining commands still run.
func (e *HookExecutor) RunPostHook(ctx context.Context, hookName string, p *Plan) error {
	if !p.Enabled {
		return ErrDisabled
	}
	if len(p.PostHookCommands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info(fmt.Sprintf("Running post-%s hook commands", hookName))
	for _, hookCommand := range p.PostHookCommands {
		if err := e.runCommand(ctx, hookCommand, p.DryRun); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			plog.Warn("Hook command failed", "command", hookCommand, "error", err)
		}
	}
	return nil
}

func (e *HookExecutor) runCommand(ctx context.Context, hookCommand string, dryRun bool) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if dryRun {
		plog.Info("[DRY RUN] Executing command", "command", hookCommand)
		return nil
	}
	plog.Info("Executing command", "command", hookCommand)

	cmd := e.createCommand(ctx, hookCommand)
	cmd.Stdout = e.stdout
	cmd.Stderr = e.stderr

	if err := cmd.Run(); err != nil {
		// Check if the context was canceled, which can cause cmd.Wait() to return an error.
		// If so, we should return the context's error to be more specific.
		if ctx.Err() == context.Canceled {
			return context.Canceled
		}
		return err
	}
	return nil
}
