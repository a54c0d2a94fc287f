//go:build windows

package shell

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// applyProcAttr keeps spawned console programs from flashing a window.
func applyProcAttr(cmd *exec.Cmd, hideWindow bool) {
	if !hideWindow {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}
