package cmd

import (
	"context"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/buildinfo"
	"github.com/paulschiretz/tm-backup/pkg/engine"
	"github.com/paulschiretz/tm-backup/pkg/flagparse"
	"github.com/paulschiretz/tm-backup/pkg/pathcompression"
	"github.com/paulschiretz/tm-backup/pkg/planner"
	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/transport"
)

// RunExport handles the logic for the export command.
func RunExport(ctx context.Context, flagMap map[string]any) error {
	// Load config from the target root.
	runConfig, err := loadRunConfig(ctx, flagparse.Export, flagMap)
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
	runConfig.LogSummary(flagparse.Export)

	// Get the Plan
	exportPlan, err := planner.GenerateExportPlan(runConfig)
	if err != nil {
		return err
	}

	runner := engine.NewRunner(
		nil,
		&transport.Opener{},
		nil,
		nil,
		nil,
		pathcompression.NewPathCompressor(exportPlan.BufferSizeKB, plog.Default()),
	)

	// Execute the plan
	startTime := time.Now()
	err = runner.ExecuteExport(ctx, exportPlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" export finished successfully.", "duration", duration, "archive", exportPlan.Export.ArchivePath)
	return nil
}
