//go:build !windows

package recording

import (
	"os/exec"
	"syscall"
)

// setProcessGroup keeps terminal signals aimed at the engine away from capture processes
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
