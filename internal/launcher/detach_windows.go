//go:build windows

package launcher

import (
	"os/exec"
	"syscall"
)

const detachedProcess = 0x00000008

func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: detachedProcess | syscall.CREATE_NEW_PROCESS_GROUP,
		HideWindow:    true,
	}
}

// backgroundShell returns a cmd invocation using start /B.
func backgroundShell(name string, args []string) (string, []string) {
	return "cmd", append([]string{"/C", "start", "", "/B", name}, args...)
}
