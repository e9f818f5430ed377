package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/buildinfo"
	"github.com/paulschiretz/tm-backup/pkg/engine"
	"github.com/paulschiretz/tm-backup/pkg/flagparse"
	"github.com/paulschiretz/tm-backup/pkg/pathretention"
	"github.com/paulschiretz/tm-backup/pkg/planner"
	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/preflight"
	"github.com/paulschiretz/tm-backup/pkg/transport"
)

// RunPrune handles the logic for the prune command.
func RunPrune(ctx context.Context, flagMap map[string]any) error {
	// Load config from the target root.
	runConfig, err := loadRunConfig(ctx, flagparse.Prune, flagMap)
	if err != nil {
		return err
	}

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(false); err != nil {
		return err
	}

	// Set the global log level.
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	// Log the Summary
	runConfig.LogSummary(flagparse.Prune)

	// Get the Plan
	prunePlan, err := planner.GeneratePrunePlan(runConfig)
	if err != nil {
		return err
	}

	if !prunePlan.DryRun && !runConfig.Runtime.Force {
		fmt.Printf("This operation will permanently delete outdated snapshots in %s:\n", prunePlan.Target)
		p := prunePlan.Retention.Policy
		fmt.Printf("  Keep all younger than %dd, one per day younger than %dd, one per week beyond.\n", p.HourlyDays, p.DailyDays)

		if !PromptForConfirmation("Are you sure you want to continue?", false) {
			plog.Info(buildinfo.Name + " prune operation canceled.")
			return nil
		}
	}

	// Create the runner and feed it with our leaf workers
	runner := engine.NewRunner(
		preflight.NewValidator(),
		&transport.Opener{SSH: prunePlan.SSH},
		nil,
		pathretention.NewPathRetainer(plog.Default()),
		nil,
		nil,
	)

	// Execute the plan
	startTime := time.Now()
	err = runner.ExecutePrune(ctx, prunePlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" prune finished successfully.", "duration", duration)
	return nil
}
