package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/buildinfo"
	"github.com/paulschiretz/tm-backup/pkg/config"
	"github.com/paulschiretz/tm-backup/pkg/flagparse"
	"github.com/paulschiretz/tm-backup/pkg/lockfile"
	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/preflight"
	"github.com/paulschiretz/tm-backup/pkg/snapshot"
	"github.com/paulschiretz/tm-backup/pkg/util"
)

// RunInit handles the logic for the 'init' command. It creates a local target
// root if needed, writes the configuration file and the exclusion list.
func RunInit(ctx context.Context, flagMap map[string]any) error {
	ep, err := targetFromFlags(flagparse.Init, flagMap)
	if err != nil {
		return err
	}

	dryRun, _ := flagMap["dry-run"].(bool)
	if ep.IsLocal() && !dryRun {
		if err := os.MkdirAll(ep.Path, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("could not create target root %s: %w", ep.Path, err)
		}
	}

	ep, tr, err := openTarget(ctx, flagparse.Init, flagMap)
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.Close(); err != nil {
			plog.Warn("Failed to close transport", "error", err)
		}
	}()

	// Try to load existing config to preserve settings.
	// If it fails (e.g. corrupt JSON), we fall back to defaults.
	// Note: config.Load returns NewDefault() if the file simply doesn't exist.
	baseConfig, err := config.Load(ctx, tr, ep.Path)
	if err != nil {
		plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
		baseConfig = config.NewDefault()
	}

	// Create a config from base merged with user flags.
	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(false); err != nil {
		return err
	}
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	startTime := time.Now()

	if runConfig.Runtime.DryRun {
		data, err := config.Generate(runConfig)
		if err != nil {
			return err
		}
		plog.Info("[DRY RUN] Would write configuration file", "path", tr.Join(ep.Path, config.ConfigFileName))
		fmt.Print(string(data))
		return nil
	}

	// 1. Preflight Checks
	if err := preflight.CheckBackupTargetAccessible(ctx, tr, ep.Path); err != nil {
		return fmt.Errorf("initialization preflight failed: %w", err)
	}

	// 2. Acquire Lock
	// Ensure exclusive access to the target root.
	lock, err := lockfile.Acquire(ctx, tr, ep.Path, buildinfo.AppID(ep.String()))
	if err != nil {
		return fmt.Errorf("failed to acquire lock on target root: %w", err)
	}
	defer lock.Release()

	// 3. Write Config
	err = config.Write(ctx, tr, ep.Path, runConfig, runConfig.Runtime.Force)
	if errors.Is(err, config.ErrConfigExists) {
		fmt.Printf("WARNING: A configuration file already exists in %s.\n", ep.String())
		fmt.Printf("It will be replaced with its current settings merged with the given flags.\n")
		if !PromptForConfirmation("Are you sure you want to continue?", false) {
			plog.Info(buildinfo.Name + " init operation canceled.")
			return nil
		}
		err = config.Write(ctx, tr, ep.Path, runConfig, true)
	}
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	// 4. Exclusion list, so the user finds it next to the config.
	if err := tr.EnsureMarker(ctx, tr.Join(ep.Path, snapshot.Exclude)); err != nil {
		return fmt.Errorf("failed to create exclude file: %w", err)
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" target successfully initialized.", "duration", duration)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
