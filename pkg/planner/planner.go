package planner

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/config"
	"github.com/paulschiretz/tm-backup/pkg/endpoint"
	"github.com/paulschiretz/tm-backup/pkg/hook"
	"github.com/paulschiretz/tm-backup/pkg/pathcompression"
	"github.com/paulschiretz/tm-backup/pkg/pathretention"
	"github.com/paulschiretz/tm-backup/pkg/pathsync"
	"github.com/paulschiretz/tm-backup/pkg/preflight"
	"github.com/paulschiretz/tm-backup/pkg/remoteexec"
	"github.com/paulschiretz/tm-backup/pkg/transport"
	"github.com/paulschiretz/tm-backup/pkg/util"
)

// ErrBothRemote is returned when source and target both name a remote host.
// rsync can only reach one side over the remote shell.
var ErrBothRemote = errors.New("source and target cannot both be remote")

// ErrRemoteExport is returned when an export is planned against a remote
// target root.
var ErrRemoteExport = errors.New("export needs a local target root")

type BackupPlan struct {
	DryRun bool

	Source endpoint.Endpoint
	Target endpoint.Endpoint
	SSH    remoteexec.Config

	RsyncPath string
	RsyncArgs []string
	// RemoteShell is rsync's -e value; empty when both ends are local.
	RemoteShell string

	Preflight *preflight.Plan
	Sync      *pathsync.Plan
	Retention *pathretention.Plan
	Hooks     *hook.Plan
}

type PrunePlan struct {
	DryRun bool

	Target endpoint.Endpoint
	SSH    remoteexec.Config

	Preflight *preflight.Plan
	Retention *pathretention.Plan
}

type ListPlan struct {
	Target endpoint.Endpoint
	SSH    remoteexec.Config
	Policy pathretention.Policy
}

type ExportPlan struct {
	DryRun bool

	Target       endpoint.Endpoint
	BufferSizeKB int

	Export *pathcompression.Plan
}

// SSHConfig maps the client side SSH settings onto a session config. Host,
// user and port of the address are filled in when a transport is opened.
func SSHConfig(cfg config.Config) remoteexec.Config {
	return remoteexec.Config{
		Port:           cfg.SSH.Port,
		IdentityFile:   cfg.SSH.IdentityFile,
		KnownHostsFile: cfg.SSH.KnownHostsFile,
		UseAgent:       cfg.SSH.UseAgent,
		Timeout:        time.Duration(cfg.SSH.TimeoutSeconds) * time.Second,
	}
}

// ParseEndpoint parses an address and expands a local path to an absolute one.
// A remote "~/" prefix is dropped: remote commands and rsync both start in the
// login directory, while a quoted "~" would not be expanded by the shell.
func ParseEndpoint(s string) (endpoint.Endpoint, error) {
	ep, err := endpoint.Parse(s)
	if err != nil {
		return endpoint.Endpoint{}, err
	}
	if !ep.IsLocal() {
		switch {
		case ep.Path == "~":
			ep.Path = "."
		case strings.HasPrefix(ep.Path, "~/"):
			ep.Path = strings.TrimLeft(strings.TrimPrefix(ep.Path, "~/"), "/")
			if ep.Path == "" {
				ep.Path = "."
			}
		case strings.HasPrefix(ep.Path, "~"):
			return endpoint.Endpoint{}, &endpoint.MalformedError{Input: s, Reason: "'~user' paths are not supported for remote hosts"}
		}
		return ep, nil
	}
	abs, err := util.ExpandedAbsPath(ep.Path)
	if err != nil {
		return endpoint.Endpoint{}, fmt.Errorf("could not resolve path %q: %w", ep.Path, err)
	}
	ep.Path = abs
	return ep, nil
}

func retentionPolicy(cfg config.Config) pathretention.Policy {
	return pathretention.Policy{
		HourlyDays: cfg.Retention.HourlyDays,
		DailyDays:  cfg.Retention.DailyDays,
	}
}

func GenerateBackupPlan(cfg config.Config) (*BackupPlan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun

	source, err := ParseEndpoint(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("invalid source: %w", err)
	}
	target, err := ParseEndpoint(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	if !source.IsLocal() && !target.IsLocal() {
		return nil, ErrBothRemote
	}

	ssh := SSHConfig(cfg)

	var remoteShell string
	switch {
	case !target.IsLocal():
		remoteShell = transport.SessionConfig(target, ssh).RsyncShell()
	case !source.IsLocal():
		remoteShell = transport.SessionConfig(source, ssh).RsyncShell()
	}

	policy := retentionPolicy(cfg)
	if cfg.Retention.Enabled {
		if err := policy.Validate(); err != nil {
			return nil, err
		}
	}

	// finish the plan
	return &BackupPlan{
		DryRun: dryRun,

		Source: source,
		Target: target,
		SSH:    ssh,

		RsyncPath:   cfg.Sync.RsyncPath,
		RsyncArgs:   cfg.Sync.ExtraArgs,
		RemoteShell: remoteShell,

		Preflight: &preflight.Plan{
			SourceAccessible: true,
			TargetAccessible: true,
			RsyncAvailable:   true,
			PathNesting:      true,
			RsyncPath:        cfg.Sync.RsyncPath,
			// Global Flags
			DryRun: dryRun,
		},
		Sync: &pathsync.Plan{
			Source: source,
			Target: target,
			// Global Flags
			DryRun: dryRun,
		},
		Retention: &pathretention.Plan{
			Enabled: cfg.Retention.Enabled,
			Root:    target.Path,
			Policy:  policy,
			// Global Flags
			DryRun: dryRun,
		},
		Hooks: &hook.Plan{
			Enabled:          len(cfg.Hooks.PreBackup) > 0 || len(cfg.Hooks.PostBackup) > 0,
			PreHookCommands:  cfg.Hooks.PreBackup,
			PostHookCommands: cfg.Hooks.PostBackup,
			// Global Flags
			DryRun: dryRun,
		},
	}, nil
}

func GeneratePrunePlan(cfg config.Config) (*PrunePlan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun

	target, err := ParseEndpoint(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	policy := retentionPolicy(cfg)
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	// finish the plan
	return &PrunePlan{
		DryRun: dryRun,
		Target: target,
		SSH:    SSHConfig(cfg),

		Preflight: &preflight.Plan{
			SourceAccessible: false,
			TargetAccessible: true,
			RsyncAvailable:   false,
			PathNesting:      false,
			// Global Flags
			DryRun: dryRun,
		},
		// An explicit prune runs even when automatic retention after a backup
		// is switched off.
		Retention: &pathretention.Plan{
			Enabled: true,
			Root:    target.Path,
			Policy:  policy,
			// Global Flags
			DryRun: dryRun,
		},
	}, nil
}

func GenerateListPlan(cfg config.Config) (*ListPlan, error) {
	target, err := ParseEndpoint(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	policy := retentionPolicy(cfg)
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &ListPlan{
		Target: target,
		SSH:    SSHConfig(cfg),
		Policy: policy,
	}, nil
}

func GenerateExportPlan(cfg config.Config) (*ExportPlan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun

	target, err := ParseEndpoint(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}
	if !target.IsLocal() {
		return nil, ErrRemoteExport
	}
	if cfg.Runtime.Snapshot == "" {
		return nil, errors.New("no snapshot named for export")
	}
	if cfg.Runtime.Output == "" {
		return nil, errors.New("no output file named for export")
	}
	output, err := util.ExpandedAbsPath(cfg.Runtime.Output)
	if err != nil {
		return nil, fmt.Errorf("could not resolve output path %q: %w", cfg.Runtime.Output, err)
	}

	format, err := pathcompression.ParseFormat(string(cfg.Export.Format))
	if err != nil {
		return nil, err
	}
	level, err := pathcompression.ParseLevel(string(cfg.Export.Level))
	if err != nil {
		return nil, err
	}

	// finish the plan
	return &ExportPlan{
		DryRun:       dryRun,
		Target:       target,
		BufferSizeKB: cfg.Export.BufferSizeKB,
		Export: &pathcompression.Plan{
			Snapshot:    cfg.Runtime.Snapshot,
			ArchivePath: output,
			Format:      format,
			Level:       level,
			// Global Flags
			DryRun: dryRun,
		},
	}, nil
}
