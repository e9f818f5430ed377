//go:build windows

package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// platformValidateMountPoint on Windows verifies that the drive or network
// share root of path exists, e.g. "Z:\" for "Z:\backup".
func platformValidateMountPoint(path, _, _ string) error {
	volume := filepath.VolumeName(path)
	if volume == "" {
		return nil
	}
	checkVol := volume
	if !strings.HasSuffix(checkVol, string(filepath.Separator)) {
		checkVol += string(filepath.Separator)
	}
	checkVol = filepath.Clean(checkVol)

	if _, err := os.Stat(checkVol); os.IsNotExist(err) {
		return fmt.Errorf("volume root does not exist: %s. Ensure the drive is connected", checkVol)
	}
	return nil
}
