//go:build linux

package sandbox

import (
	"os"
	"os/exec"
	"syscall"
)

func applySysProcAttr(cmd *exec.Cmd, profile Profile, caps Capabilities) {
	attr := &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	if caps.UserNamespace && !profile.Network {
		uid := os.Getuid()
		gid := os.Getgid()
		attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET
		attr.UidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: uid, Size: 1},
		}
		attr.GidMappings = []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: gid, Size: 1},
		}
	}
	cmd.SysProcAttr = attr
}
