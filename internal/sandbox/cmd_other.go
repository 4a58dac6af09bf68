//go:build !linux

package sandbox

import "os/exec"

func applySysProcAttr(_ *exec.Cmd, _ Profile, _ Capabilities) {}
