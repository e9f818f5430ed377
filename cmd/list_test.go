package cmd_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/tm-backup/cmd"
	"github.com/paulschiretz/tm-backup/pkg/flagparse"
)

// Two snapshots of ISO week 2020-W02 and a later one. Whenever the tests run,
// all are old enough for the weekly tier.
var weeklyHistory = []string{
	"back-2020-01-06T00_00_00",
	"back-2020-01-07T00_00_00",
	"back-2020-03-01T00_00_00",
}

func createTarget(t *testing.T, names ...string) string {
	t.Helper()
	target := t.TempDir()
	for _, name := range names {
		if err := os.MkdirAll(filepath.Join(target, name), 0755); err != nil {
			t.Fatal(err)
		}
	}
	return target
}

func snapshotExists(t *testing.T, target, name string) bool {
	t.Helper()
	_, err := os.Stat(filepath.Join(target, name))
	return err == nil
}

func TestRunList(t *testing.T) {
	target := createTarget(t, weeklyHistory...)

	var out bytes.Buffer
	if err := cmd.RunList(context.Background(), map[string]any{flagparse.ArgTarget: target}, &out); err != nil {
		t.Fatalf("RunList failed: %v", err)
	}

	verdicts := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n")[1:] {
		fields := strings.Fields(line)
		verdicts[fields[0]] = fields[len(fields)-1]
	}
	want := map[string]string{
		"back-2020-01-06T00_00_00": "purge",
		"back-2020-01-07T00_00_00": "keep",
		"back-2020-03-01T00_00_00": "keep",
	}
	for name, verdict := range want {
		if verdicts[name] != verdict {
			t.Errorf("expected %s for %s, got %q", verdict, name, verdicts[name])
		}
	}

	// Listing is read-only.
	for _, name := range weeklyHistory {
		if !snapshotExists(t, target, name) {
			t.Errorf("list removed %s", name)
		}
	}
}

func TestRunList_MissingTarget(t *testing.T) {
	var out bytes.Buffer
	err := cmd.RunList(context.Background(), map[string]any{flagparse.ArgTarget: filepath.Join(t.TempDir(), "absent")}, &out)
	if err == nil {
		t.Fatal("expected an error for a missing target root")
	}
}

func TestRunList_NoTarget(t *testing.T) {
	if err := cmd.RunList(context.Background(), map[string]any{}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected an error without a target")
	}
}
