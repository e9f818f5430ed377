// Package preflight provides the checks that run before a backup or prune
// touches anything. They only read state; a failing check aborts the run with
// an error that is easier to act on than the one rsync or the transport would
// produce later.
package preflight

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/paulschiretz/tm-backup/pkg/endpoint"
	"github.com/paulschiretz/tm-backup/pkg/plog"
	"github.com/paulschiretz/tm-backup/pkg/transport"
	"github.com/paulschiretz/tm-backup/pkg/util"
)

// Validator runs the checks selected by a Plan.
type Validator struct {
	// lookPath allows mocking exec.LookPath for testing.
	lookPath func(file string) (string, error)
	// rootPath and homeDir feed the ghost mount check.
	rootPath string
	homeDir  func() (string, error)
}

// NewValidator returns a Validator that resolves binaries through $PATH.
func NewValidator() *Validator {
	return &Validator{
		lookPath: exec.LookPath,
		rootPath: "/",
		homeDir:  os.UserHomeDir,
	}
}

// Run performs the checks enabled in p. tr must be bound to target's host.
func (v *Validator) Run(ctx context.Context, tr transport.Transport, source, target endpoint.Endpoint, p *Plan) error {
	if p.SourceAccessible {
		if source.IsLocal() {
			if err := CheckBackupSourceAccessible(source.Path); err != nil {
				return err
			}
		} else {
			plog.Debug("Skipping source check for remote source", "source", source.String())
		}
	}

	if p.RsyncAvailable {
		if err := CheckRsyncAvailable(v.lookPath, p.RsyncPath); err != nil {
			return err
		}
	}

	if p.TargetAccessible {
		if err := CheckBackupTargetAccessible(ctx, tr, target.Path); err != nil {
			return err
		}
		if tr.IsLocal() {
			homeDir, _ := v.homeDir()
			if err := platformValidateMountPoint(target.Path, v.rootPath, homeDir); err != nil {
				return err
			}
		}
	}

	if p.PathNesting && source.IsLocal() && target.IsLocal() {
		if err := CheckPathNesting(source.Path, target.Path); err != nil {
			return err
		}
	}
	return nil
}

// CheckBackupSourceAccessible validates that the source path exists and is a directory.
func CheckBackupSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	return nil
}

// CheckRsyncAvailable verifies that the rsync binary can be started.
func CheckRsyncAvailable(lookPath func(string) (string, error), rsyncPath string) error {
	if rsyncPath == "" {
		rsyncPath = "rsync"
	}
	resolved, err := lookPath(rsyncPath)
	if err != nil {
		return fmt.Errorf("rsync binary %q not found: %w", rsyncPath, err)
	}
	plog.Debug("Using rsync", "path", resolved)
	return nil
}

// CheckBackupTargetAccessible verifies that the target root exists. The root is
// never created implicitly: a missing root usually means an unmounted disk or
// a typo, and the init command exists for the first run. Local roots must also
// be directories.
//
// Run additionally rejects local roots that are "ghost" directories left on
// the system disk by a drive that is not mounted.
func CheckBackupTargetAccessible(ctx context.Context, tr transport.Transport, targetPath string) error {
	exists, err := tr.Exists(ctx, targetPath)
	if err != nil {
		return fmt.Errorf("cannot access target root %s: %w", targetPath, err)
	}
	if !exists {
		return fmt.Errorf("target root %s does not exist", targetPath)
	}
	if !tr.IsLocal() {
		return nil
	}

	info, err := os.Stat(targetPath)
	if err != nil {
		return fmt.Errorf("cannot access target root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("target path exists but is not a directory: %s", targetPath)
	}
	return nil
}

// CheckPathNesting rejects a target root that lives inside the source, which
// would make every backup contain all previous ones.
func CheckPathNesting(srcPath, targetPath string) error {
	absSrc, err := util.ExpandedAbsPath(srcPath)
	if err != nil {
		return err
	}
	absTarget, err := util.ExpandedAbsPath(targetPath)
	if err != nil {
		return err
	}
	if util.IsWithin(absSrc, absTarget) {
		return fmt.Errorf("target root %s is inside the source %s; exclude it or move it", targetPath, srcPath)
	}
	if util.IsWithin(absTarget, absSrc) {
		return fmt.Errorf("source %s is inside the target root %s", srcPath, filepath.Clean(targetPath))
	}
	return nil
}
