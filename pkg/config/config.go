package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/paulschiretz/tm-backup/pkg/buildinfo"
	"github.com/paulschiretz/tm-backup/pkg/flagparse"
	"github.com/paulschiretz/tm-backup/pkg/pathcompression"
	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/transport"
)

// ConfigFileName is the name of the configuration file in the target root.
const ConfigFileName = "tm-backup.config.json"

// ErrConfigExists is returned by Write when a configuration file is present
// and overwriting was not requested.
var ErrConfigExists = errors.New("configuration file already exists")

type SyncConfig struct {
	// RsyncPath is the rsync binary. Empty means "rsync" from $PATH.
	RsyncPath string `json:"rsyncPath"`
	// Note: omitempty is intentionally not used for user-configurable slices
	// so that they appear in the generated config file for better discoverability.
	ExtraArgs []string `json:"extraArgs"`
}

// SSHConfig configures the connection to a remote target. It lives on the
// client side only and is never written to the target root, since it is
// needed before the file there can be read.
type SSHConfig struct {
	Port           int
	IdentityFile   string
	KnownHostsFile string
	UseAgent       bool
	TimeoutSeconds int
}

type RetentionConfig struct {
	Enabled bool `json:"enabled"`
	// HourlyDays is the age in days below which every snapshot is kept.
	HourlyDays int `json:"hourlyDays"`
	// DailyDays is the age in days below which one snapshot per day is kept.
	// Older snapshots keep one per ISO week.
	DailyDays int `json:"dailyDays"`
}

type HooksConfig struct {
	// PreBackup is a list of shell commands to execute before the backup sync begins.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreBackup []string `json:"preBackup"`
	// PostBackup is a list of shell commands to execute after the backup, whatever its outcome.
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PostBackup []string `json:"postBackup"`
}

type ExportConfig struct {
	Format pathcompression.Format `json:"format"`
	Level  pathcompression.Level  `json:"level"`
	// BufferSizeKB is the write buffer in front of the compressor.
	BufferSizeKB int `json:"bufferSizeKB"`
}

// RuntimeConfig holds per-invocation values that never go into the file.
type RuntimeConfig struct {
	DryRun bool
	Force  bool
	// Snapshot and Output are the export arguments.
	Snapshot string
	Output   string
}

type Config struct {
	Version   string          `json:"version"`
	Source    string          `json:"-"` // Never added to config file
	Target    string          `json:"-"` // Never added to config file
	Runtime   RuntimeConfig   `json:"-"` // Never added to config file
	SSH       SSHConfig       `json:"-"` // Never added to config file
	LogLevel  string          `json:"logLevel"`
	Sync      SyncConfig      `json:"sync"`
	Retention RetentionConfig `json:"retention"`
	Hooks     HooksConfig     `json:"hooks"`
	Export    ExportConfig    `json:"export"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		Source:   "",     // Intentionally empty to force user configuration.
		Target:   "",     // Intentionally empty to force user configuration.
		LogLevel: "info", // Default log level.
		SSH: SSHConfig{
			Port:           0,    // Use the port from the target address, else 22.
			UseAgent:       true, // Most setups authenticate through the agent.
			TimeoutSeconds: 30,
		},
		Sync: SyncConfig{
			RsyncPath: "",
			ExtraArgs: []string{},
		},
		Retention: RetentionConfig{
			Enabled:    true,
			HourlyDays: 1,  // Keep everything from today.
			DailyDays:  30, // One per day for a month, one per week beyond.
		},
		Hooks: HooksConfig{
			PreBackup:  []string{},
			PostBackup: []string{},
		},
		Export: ExportConfig{
			Format:       pathcompression.TarZst,
			Level:        pathcompression.Default,
			BufferSizeKB: 256, // Keep it between 64KB-4MB
		},
	}
}

// Load reads the configuration file from the target root through tr. The
// file is optional: if it does not exist, Load returns NewDefault() without
// an error. Fields missing from the file keep their defaults.
func Load(ctx context.Context, tr transport.Transport, root string) (Config, error) {
	configPath := tr.Join(root, ConfigFileName)

	exists, err := tr.Exists(ctx, configPath)
	if err != nil {
		return Config{}, fmt.Errorf("error checking for config file %s: %w", configPath, err)
	}
	if !exists {
		return NewDefault(), nil // Config file doesn't exist, which is a normal case.
	}

	localPath, err := tr.CopyToLocalTemp(ctx, configPath)
	if err != nil {
		return Config{}, fmt.Errorf("error fetching config file %s: %w", configPath, err)
	}
	file, err := os.Open(localPath)
	if err != nil {
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", configPath)
	// Start with default values, then overwrite with the file's content.
	// This makes the config loading resilient to missing fields in the JSON file.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	// NOTE: if config.Version differs from the running version a migration step goes here.
	config.Version = buildinfo.Version
	return config, nil
}

// Write stores cfg as the configuration file of the target root through tr.
// An existing file is only replaced when overwrite is set.
func Write(ctx context.Context, tr transport.Transport, root string, cfg Config, overwrite bool) error {
	configPath := tr.Join(root, ConfigFileName)

	if !overwrite {
		exists, err := tr.Exists(ctx, configPath)
		if err != nil {
			return fmt.Errorf("error checking for config file %s: %w", configPath, err)
		}
		if exists {
			return fmt.Errorf("%w: %s (use -force to overwrite)", ErrConfigExists, configPath)
		}
	}

	jsonData, err := Generate(cfg)
	if err != nil {
		return err
	}
	if err := tr.WriteFile(ctx, configPath, jsonData); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Generate renders cfg as the indented JSON written by Write.
func Generate(cfg Config) ([]byte, error) {
	jsonData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	return append(jsonData, '\n'), nil
}

// Validate checks the configuration for logical errors and inconsistencies.
// checkSource requires a source, which only the backup command has.
func (c *Config) Validate(checkSource bool) error {
	if checkSource && c.Source == "" {
		return fmt.Errorf("source cannot be empty")
	}
	if c.Target == "" {
		return fmt.Errorf("target cannot be empty")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "notice", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logLevel %q. Must be 'debug', 'notice', 'info', 'warn' or 'error'", c.LogLevel)
	}

	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh port out of range: %d", c.SSH.Port)
	}
	if c.SSH.TimeoutSeconds < 0 {
		return fmt.Errorf("ssh timeout cannot be negative")
	}

	if c.Retention.HourlyDays < 0 {
		return fmt.Errorf("retention.hourlyDays cannot be negative")
	}
	if c.Retention.DailyDays < c.Retention.HourlyDays {
		return fmt.Errorf("retention.dailyDays (%d) cannot be smaller than retention.hourlyDays (%d)", c.Retention.DailyDays, c.Retention.HourlyDays)
	}

	for _, arg := range c.Sync.ExtraArgs {
		if !strings.HasPrefix(arg, "-") {
			return fmt.Errorf("sync.extraArgs may only contain options, got %q", arg)
		}
	}

	if _, err := pathcompression.ParseFormat(string(c.Export.Format)); err != nil {
		return fmt.Errorf("export.format: %w", err)
	}
	if _, err := pathcompression.ParseLevel(string(c.Export.Level)); err != nil {
		return fmt.Errorf("export.level: %w", err)
	}
	if c.Export.BufferSizeKB <= 0 {
		return fmt.Errorf("export.bufferSizeKB must be greater than 0")
	}
	return nil
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary(command flagparse.Command) {
	logArgs := []any{
		"command", command,
		"log_level", c.LogLevel,
		"target", c.Target,
		"dry_run", c.Runtime.DryRun,
	}
	switch command {
	case flagparse.Backup:
		logArgs = append(logArgs, "source", c.Source)
		rsync := c.Sync.RsyncPath
		if rsync == "" {
			rsync = "rsync"
		}
		logArgs = append(logArgs, "rsync", rsync)
		if len(c.Sync.ExtraArgs) > 0 {
			logArgs = append(logArgs, "rsync_extra_args", strings.Join(c.Sync.ExtraArgs, " "))
		}
		if len(c.Hooks.PreBackup) > 0 {
			logArgs = append(logArgs, "pre_backup_hooks", strings.Join(c.Hooks.PreBackup, "; "))
		}
		if len(c.Hooks.PostBackup) > 0 {
			logArgs = append(logArgs, "post_backup_hooks", strings.Join(c.Hooks.PostBackup, "; "))
		}
		fallthrough
	case flagparse.Prune:
		if c.Retention.Enabled || command == flagparse.Prune {
			logArgs = append(logArgs, "retention", fmt.Sprintf("enabled (h:%dd d:%dd)", c.Retention.HourlyDays, c.Retention.DailyDays))
		} else {
			logArgs = append(logArgs, "retention", "disabled")
		}
	case flagparse.Export:
		logArgs = append(logArgs, "snapshot", c.Runtime.Snapshot, "output", c.Runtime.Output,
			"export", fmt.Sprintf("f:%s l:%s", c.Export.Format, c.Export.Level))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case flagparse.ArgSource:
			merged.Source = value.(string)
		case flagparse.ArgTarget:
			merged.Target = value.(string)
		case flagparse.ArgSnapshot:
			merged.Runtime.Snapshot = value.(string)
		case flagparse.ArgOutput:
			merged.Runtime.Output = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "force":
			merged.Runtime.Force = value.(bool)
		case "ssh-port":
			merged.SSH.Port = value.(int)
		case "ssh-identity":
			merged.SSH.IdentityFile = value.(string)
		case "ssh-known-hosts":
			merged.SSH.KnownHostsFile = value.(string)
		case "ssh-agent":
			merged.SSH.UseAgent = value.(bool)
		case "ssh-timeout":
			merged.SSH.TimeoutSeconds = value.(int)
		case "rsync-path":
			merged.Sync.RsyncPath = value.(string)
		case "rsync-args":
			merged.Sync.ExtraArgs = value.([]string)
		case "pre-backup-hooks":
			merged.Hooks.PreBackup = value.([]string)
		case "post-backup-hooks":
			merged.Hooks.PostBackup = value.([]string)
		case "retention":
			merged.Retention.Enabled = value.(bool)
		case "retention-hourly-days":
			merged.Retention.HourlyDays = value.(int)
		case "retention-daily-days":
			merged.Retention.DailyDays = value.(int)
		case "format":
			// Validate reports bad values.
			merged.Export.Format = pathcompression.Format(value.(string))
		case "level":
			merged.Export.Level = pathcompression.Level(value.(string))
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name, "command", command)
		}
	}
	return merged
}
