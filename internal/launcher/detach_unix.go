//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// detach puts the child in its own session so it survives the parent.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// backgroundShell returns an sh invocation that backgrounds name with args
// and exits immediately. Arguments are passed positionally, never
// interpolated into the script.
func backgroundShell(name string, args []string) (string, []string) {
	script := `"$0" "$@" >/dev/null 2>&1 &`
	return "sh", append([]string{"-c", script, name}, args...)
}
