package cmd

import (
	"context"
	"fmt"

	"github.com/paulschiretz/tm-backup/pkg/config"
	"github.com/paulschiretz/tm-backup/pkg/endpoint"
	"github.com/paulschiretz/tm-backup/pkg/flagparse"
	"github.com/paulschiretz/tm-backup/pkg/planner"
	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/transport"
)

// targetFromFlags returns the parsed target root named on the command line.
func targetFromFlags(command flagparse.Command, flagMap map[string]any) (endpoint.Endpoint, error) {
	target, ok := flagMap[flagparse.ArgTarget].(string)
	if !ok || target == "" {
		return endpoint.Endpoint{}, fmt.Errorf("a target is required to run %s", command)
	}
	ep, err := planner.ParseEndpoint(target)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("target invalid: %w", err)
	}
	return ep, nil
}

// openTarget opens a transport to the target root. SSH settings come from
// the flags only; they are needed before the config file can be read.
func openTarget(ctx context.Context, command flagparse.Command, flagMap map[string]any) (endpoint.Endpoint, transport.Transport, error) {
	ep, err := targetFromFlags(command, flagMap)
	if err != nil {
		return endpoint.Endpoint{}, nil, err
	}
	flagConfig := config.MergeConfigWithFlags(command, config.NewDefault(), flagMap)
	tr, err := transport.Open(ctx, ep, planner.SSHConfig(flagConfig), nil)
	if err != nil {
		return endpoint.Endpoint{}, nil, fmt.Errorf("failed to open target: %w", err)
	}
	return ep, tr, nil
}

// loadRunConfig loads the config file from the target root, or the defaults
// if there is none, and merges the flag values on top of it.
func loadRunConfig(ctx context.Context, command flagparse.Command, flagMap map[string]any) (config.Config, error) {
	ep, tr, err := openTarget(ctx, command, flagMap)
	if err != nil {
		return config.Config{}, err
	}
	defer func() {
		if err := tr.Close(); err != nil {
			plog.Warn("Failed to close transport", "error", err)
		}
	}()

	loadedConfig, err := config.Load(ctx, tr, ep.Path)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration from target: %w", err)
	}

	// Merge the flag values over the loaded config to get the final run config.
	return config.MergeConfigWithFlags(command, loadedConfig, flagMap), nil
}
