//go:build linux

package sandbox

import "syscall"

// execCommand replaces the current process image; argv[0] is the path.
func execCommand(path string, args []string, env []string) error {
	return syscall.Exec(path, append([]string{path}, args...), env)
}
