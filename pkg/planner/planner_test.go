package planner_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulschiretz/tm-backup/pkg/config"
	"github.com/paulschiretz/tm-backup/pkg/endpoint"
	"github.com/paulschiretz/tm-backup/pkg/pathcompression"
	"github.com/paulschiretz/tm-backup/pkg/planner"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Source = t.TempDir()
	cfg.Target = t.TempDir()
	return cfg
}

func TestGenerateBackupPlan(t *testing.T) {
	tests := []struct {
		name        string
		configMod   func(*config.Config)
		expectError error
		anyError    bool
		validate    func(*testing.T, *planner.BackupPlan)
	}{
		{
			name: "Local Defaults",
			validate: func(t *testing.T, p *planner.BackupPlan) {
				if !p.Source.IsLocal() || !p.Target.IsLocal() {
					t.Errorf("expected both endpoints local, got %v and %v", p.Source, p.Target)
				}
				if p.RemoteShell != "" {
					t.Errorf("expected no remote shell for a local run, got %q", p.RemoteShell)
				}
				if !p.Preflight.SourceAccessible || !p.Preflight.TargetAccessible || !p.Preflight.RsyncAvailable || !p.Preflight.PathNesting {
					t.Errorf("expected every preflight check on, got %+v", p.Preflight)
				}
				if p.Retention.Root != p.Target.Path {
					t.Errorf("expected retention root %s, got %s", p.Target.Path, p.Retention.Root)
				}
				if !p.Retention.Enabled || p.Retention.Policy.HourlyDays != 1 || p.Retention.Policy.DailyDays != 30 {
					t.Errorf("unexpected retention plan %+v", p.Retention)
				}
				if p.Hooks.Enabled {
					t.Error("expected hooks to be disabled without commands")
				}
			},
		},
		{
			name: "Relative Local Path Is Made Absolute",
			configMod: func(c *config.Config) {
				c.Source = "relative/src"
			},
			validate: func(t *testing.T, p *planner.BackupPlan) {
				if !filepath.IsAbs(p.Source.Path) {
					t.Errorf("expected an absolute source path, got %s", p.Source.Path)
				}
				if p.Sync.Source != p.Source {
					t.Errorf("sync plan source %v differs from plan source %v", p.Sync.Source, p.Source)
				}
			},
		},
		{
			name: "Remote Target",
			configMod: func(c *config.Config) {
				c.Target = "ssh://backup@nas:2222/srv/backups"
				c.SSH.IdentityFile = "/keys/id_ed25519"
			},
			validate: func(t *testing.T, p *planner.BackupPlan) {
				want := endpoint.Endpoint{User: "backup", Host: "nas", Port: 2222, Path: "/srv/backups"}
				if p.Target != want {
					t.Errorf("expected target %+v, got %+v", want, p.Target)
				}
				if p.RemoteShell != "ssh -p 2222 -i /keys/id_ed25519 -o BatchMode=yes" {
					t.Errorf("unexpected remote shell %q", p.RemoteShell)
				}
				if p.Retention.Root != "/srv/backups" {
					t.Errorf("expected remote retention root, got %s", p.Retention.Root)
				}
			},
		},
		{
			name: "Remote Source Uses Configured Port",
			configMod: func(c *config.Config) {
				c.Source = "laptop:/home/me"
				c.SSH.Port = 2200
			},
			validate: func(t *testing.T, p *planner.BackupPlan) {
				if p.Source.IsLocal() {
					t.Fatal("expected a remote source")
				}
				if p.RemoteShell != "ssh -p 2200 -o BatchMode=yes" {
					t.Errorf("unexpected remote shell %q", p.RemoteShell)
				}
			},
		},
		{
			name: "Both Remote",
			configMod: func(c *config.Config) {
				c.Source = "a:/x"
				c.Target = "b:/y"
			},
			expectError: planner.ErrBothRemote,
		},
		{
			name: "Malformed Target",
			configMod: func(c *config.Config) {
				c.Target = "ftp://host/x"
			},
			expectError: endpoint.ErrMalformed,
		},
		{
			name: "Invalid Retention Policy",
			configMod: func(c *config.Config) {
				c.Retention.HourlyDays = 10
				c.Retention.DailyDays = 2
			},
			anyError: true,
		},
		{
			name: "Invalid Retention Policy Ignored When Disabled",
			configMod: func(c *config.Config) {
				c.Retention.Enabled = false
				c.Retention.HourlyDays = 10
				c.Retention.DailyDays = 2
			},
			validate: func(t *testing.T, p *planner.BackupPlan) {
				if p.Retention.Enabled {
					t.Error("expected retention to be disabled")
				}
			},
		},
		{
			name: "Global Flags And Hooks Mapping",
			configMod: func(c *config.Config) {
				c.Runtime.DryRun = true
				c.Hooks.PreBackup = []string{"echo pre"}
				c.Sync.RsyncPath = "/opt/rsync"
				c.Sync.ExtraArgs = []string{"--bwlimit=1000"}
			},
			validate: func(t *testing.T, p *planner.BackupPlan) {
				if !p.DryRun || !p.Preflight.DryRun || !p.Sync.DryRun || !p.Retention.DryRun || !p.Hooks.DryRun {
					t.Error("expected dry run to reach every component plan")
				}
				if !p.Hooks.Enabled || len(p.Hooks.PreHookCommands) != 1 {
					t.Errorf("unexpected hook plan %+v", p.Hooks)
				}
				if p.RsyncPath != "/opt/rsync" || p.Preflight.RsyncPath != "/opt/rsync" {
					t.Errorf("expected rsync path to be mapped, got %q and %q", p.RsyncPath, p.Preflight.RsyncPath)
				}
				if len(p.RsyncArgs) != 1 || p.RsyncArgs[0] != "--bwlimit=1000" {
					t.Errorf("unexpected rsync args %v", p.RsyncArgs)
				}
			},
		},
		{
			name: "SSH Settings Mapping",
			configMod: func(c *config.Config) {
				c.SSH.TimeoutSeconds = 5
				c.SSH.UseAgent = false
				c.SSH.KnownHostsFile = "/etc/kh"
			},
			validate: func(t *testing.T, p *planner.BackupPlan) {
				if p.SSH.Timeout != 5*time.Second || p.SSH.UseAgent || p.SSH.KnownHostsFile != "/etc/kh" {
					t.Errorf("unexpected ssh config %+v", p.SSH)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig(t)
			if tc.configMod != nil {
				tc.configMod(&cfg)
			}

			plan, err := planner.GenerateBackupPlan(cfg)
			if tc.expectError != nil || tc.anyError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tc.expectError != nil && !errors.Is(err, tc.expectError) {
					t.Fatalf("expected %v, got %v", tc.expectError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.validate != nil {
				tc.validate(t, plan)
			}
		})
	}
}

func TestGeneratePrunePlan(t *testing.T) {
	t.Run("Runs Even When Automatic Retention Is Off", func(t *testing.T) {
		cfg := baseConfig(t)
		cfg.Retention.Enabled = false
		cfg.Retention.HourlyDays = 2
		cfg.Retention.DailyDays = 14
		cfg.Runtime.DryRun = true

		plan, err := planner.GeneratePrunePlan(cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !plan.Retention.Enabled {
			t.Error("expected an explicit prune to be enabled")
		}
		if plan.Retention.Policy.HourlyDays != 2 || plan.Retention.Policy.DailyDays != 14 {
			t.Errorf("unexpected policy %+v", plan.Retention.Policy)
		}
		if plan.Preflight.SourceAccessible || plan.Preflight.RsyncAvailable || !plan.Preflight.TargetAccessible {
			t.Errorf("unexpected preflight plan %+v", plan.Preflight)
		}
		if !plan.DryRun || !plan.Retention.DryRun {
			t.Error("expected dry run to be mapped")
		}
	})

	t.Run("Invalid Policy", func(t *testing.T) {
		cfg := baseConfig(t)
		cfg.Retention.HourlyDays = -1
		if _, err := planner.GeneratePrunePlan(cfg); err == nil {
			t.Fatal("expected an error for a negative threshold")
		}
	})

	t.Run("Remote Target", func(t *testing.T) {
		cfg := baseConfig(t)
		cfg.Target = "nas:/backups"
		plan, err := planner.GeneratePrunePlan(cfg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if plan.Target.Host != "nas" || plan.Retention.Root != "/backups" {
			t.Errorf("unexpected plan target %+v root %s", plan.Target, plan.Retention.Root)
		}
	})
}

func TestGenerateListPlan(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Retention.DailyDays = 7
	plan, err := planner.GenerateListPlan(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Policy.DailyDays != 7 {
		t.Errorf("expected DailyDays 7, got %d", plan.Policy.DailyDays)
	}
}

func TestGenerateExportPlan(t *testing.T) {
	tests := []struct {
		name        string
		configMod   func(*config.Config)
		expectError error
		anyError    bool
		validate    func(*testing.T, *planner.ExportPlan)
	}{
		{
			name: "Defaults",
			validate: func(t *testing.T, p *planner.ExportPlan) {
				if p.Export.Format != pathcompression.TarZst || p.Export.Level != pathcompression.Default {
					t.Errorf("unexpected format/level %s/%s", p.Export.Format, p.Export.Level)
				}
				if p.Export.Snapshot != "current" {
					t.Errorf("expected snapshot current, got %s", p.Export.Snapshot)
				}
				if !filepath.IsAbs(p.Export.ArchivePath) {
					t.Errorf("expected an absolute archive path, got %s", p.Export.ArchivePath)
				}
				if p.BufferSizeKB != 256 {
					t.Errorf("expected buffer 256, got %d", p.BufferSizeKB)
				}
			},
		},
		{
			name: "Gzip Best",
			configMod: func(c *config.Config) {
				c.Export.Format = pathcompression.TarGz
				c.Export.Level = pathcompression.Best
				c.Runtime.DryRun = true
			},
			validate: func(t *testing.T, p *planner.ExportPlan) {
				if p.Export.Format != pathcompression.TarGz || p.Export.Level != pathcompression.Best {
					t.Errorf("unexpected format/level %s/%s", p.Export.Format, p.Export.Level)
				}
				if !p.DryRun || !p.Export.DryRun {
					t.Error("expected dry run to be mapped")
				}
			},
		},
		{
			name: "Remote Target",
			configMod: func(c *config.Config) {
				c.Target = "nas:/backups"
			},
			expectError: planner.ErrRemoteExport,
		},
		{
			name: "Missing Snapshot",
			configMod: func(c *config.Config) {
				c.Runtime.Snapshot = ""
			},
			anyError: true,
		},
		{
			name: "Missing Output",
			configMod: func(c *config.Config) {
				c.Runtime.Output = ""
			},
			anyError: true,
		},
		{
			name: "Invalid Format",
			configMod: func(c *config.Config) {
				c.Export.Format = "zip"
			},
			anyError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig(t)
			cfg.Runtime.Snapshot = "current"
			cfg.Runtime.Output = filepath.Join(t.TempDir(), "out.tar.zst")
			if tc.configMod != nil {
				tc.configMod(&cfg)
			}

			plan, err := planner.GenerateExportPlan(cfg)
			if tc.expectError != nil || tc.anyError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tc.expectError != nil && !errors.Is(err, tc.expectError) {
					t.Fatalf("expected %v, got %v", tc.expectError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tc.validate(t, plan)
		})
	}
}

func TestParseEndpoint(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		name        string
		input       string
		expect      endpoint.Endpoint
		expectError error
	}{
		{name: "Remote Relative", input: "nas:backups", expect: endpoint.Endpoint{Host: "nas", Path: "backups"}},
		{name: "Remote Home Prefix", input: "bob@nas:~/backups", expect: endpoint.Endpoint{User: "bob", Host: "nas", Path: "backups"}},
		{name: "Remote Home Only", input: "nas:~", expect: endpoint.Endpoint{Host: "nas", Path: "."}},
		{name: "Remote Home Slash", input: "nas:~/", expect: endpoint.Endpoint{Host: "nas", Path: "."}},
		{name: "Remote Absolute", input: "nas:/srv/backups", expect: endpoint.Endpoint{Host: "nas", Path: "/srv/backups"}},
		{name: "Remote Other User Home", input: "nas:~alice/backups", expectError: endpoint.ErrMalformed},
		{name: "Local Home", input: "~/backups", expect: endpoint.Endpoint{Path: filepath.Join(home, "backups")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ep, err := planner.ParseEndpoint(tc.input)
			if tc.expectError != nil {
				if !errors.Is(err, tc.expectError) {
					t.Fatalf("expected %v, got %v", tc.expectError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ep != tc.expect {
				t.Errorf("expected %+v, got %+v", tc.expect, ep)
			}
		})
	}
}
