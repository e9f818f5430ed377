//go:build !windows

package pathsync

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts rsync and the ssh it spawns into a new process group,
// so cancellation kills the whole group.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
}
