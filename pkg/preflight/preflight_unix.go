//go:build !windows

package preflight

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// platformValidateMountPoint checks if the path resides on the same filesystem
// as rootPath (normally "/"). If it does, it assumes the drive is NOT mounted
// (Ghost detection). Paths below homeDir are always accepted.
func platformValidateMountPoint(path, rootPath, homeDir string) error {
	// Backups to local user folders are usually intentional.
	if homeDir != "" && strings.HasPrefix(path, homeDir) {
		return nil
	}

	rootInfo, err := os.Stat(rootPath)
	if err != nil {
		return fmt.Errorf("failed to stat root: %w", err)
	}
	rootStat, ok := rootInfo.Sys().(*unix.Stat_t)
	if !ok {
		return fmt.Errorf("unsupported platform for unix.Stat_t")
	}

	pathInfo, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat target path: %w", err)
	}
	pathStat, ok := pathInfo.Sys().(*unix.Stat_t)
	if !ok {
		return fmt.Errorf("unsupported platform for unix.Stat_t")
	}

	// Exception: The user specifically targeted the root itself.
	if pathStat.Dev == rootStat.Dev && path != rootPath {
		return fmt.Errorf("path '%s' is on the root filesystem (system disk). "+
			"Ensure your external drive is mounted", path)
	}

	return nil
}
