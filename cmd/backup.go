package cmd

import (
	"context"
	"os/exec"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/buildinfo"
	"github.com/paulschiretz/tm-backup/pkg/engine"
	"github.com/paulschiretz/tm-backup/pkg/flagparse"
	"github.com/paulschiretz/tm-backup/pkg/hook"
	"github.com/paulschiretz/tm-backup/pkg/pathretention"
	"github.com/paulschiretz/tm-backup/pkg/pathsync"
	"github.com/paulschiretz/tm-backup/pkg/planner"
	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/preflight"
	"github.com/paulschiretz/tm-backup/pkg/transport"
)

// RunBackup handles the logic for the main backup execution.
func RunBackup(ctx context.Context, flagMap map[string]any) error {
	// Load config from the target root, or use defaults if not found.
	runConfig, err := loadRunConfig(ctx, flagparse.Backup, flagMap)
	if err != nil {
		return err
	}

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(true); err != nil {
		return err
	}

	// Set the global log level based on the final configuration.
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	// Log the Summary
	runConfig.LogSummary(flagparse.Backup)

	// Get the Plan
	backupPlan, err := planner.GenerateBackupPlan(runConfig)
	if err != nil {
		return err
	}

	logger := plog.Default()
	rsyncOpts := []pathsync.Option{
		pathsync.WithLogger(logger),
		pathsync.WithRsyncPath(backupPlan.RsyncPath),
		pathsync.WithExtraArgs(backupPlan.RsyncArgs...),
	}
	if backupPlan.RemoteShell != "" {
		rsyncOpts = append(rsyncOpts, pathsync.WithRemoteShell(backupPlan.RemoteShell))
	}

	// Create the runner and feed it with our leaf workers
	runner := engine.NewRunner(
		preflight.NewValidator(),
		&transport.Opener{SSH: backupPlan.SSH},
		pathsync.NewPathSyncer(pathsync.NewRsync(rsyncOpts...), logger),
		pathretention.NewPathRetainer(logger),
		hook.NewHookExecutor(exec.CommandContext),
		nil,
	)

	// Execute the plan
	startTime := time.Now()
	err = runner.ExecuteBackup(ctx, backupPlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", duration)
	return nil
}
