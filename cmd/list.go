package cmd

import (
	"context"
	"io"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/buildinfo"
	"github.com/paulschiretz/tm-backup/pkg/engine"
	"github.com/paulschiretz/tm-backup/pkg/flagparse"
	"github.com/paulschiretz/tm-backup/pkg/planner"
	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/transport"
)

// RunList handles the logic for the list command. The table goes to out.
func RunList(ctx context.Context, flagMap map[string]any, out io.Writer) error {
	// Load config from the target root.
	runConfig, err := loadRunConfig(ctx, flagparse.List, flagMap)
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
	runConfig.LogSummary(flagparse.List)

	// Get the Plan
	listPlan, err := planner.GenerateListPlan(runConfig)
	if err != nil {
		return err
	}

	runner := engine.NewRunner(nil, &transport.Opener{SSH: listPlan.SSH}, nil, nil, nil, nil)

	// Execute the plan
	startTime := time.Now()
	err = runner.ExecuteList(ctx, listPlan, out)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" list finished successfully.", "duration", duration)
	return nil
}
