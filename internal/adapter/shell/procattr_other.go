//go:build !windows

package shell

import "os/exec"

func applyProcAttr(_ *exec.Cmd, _ bool) {}
