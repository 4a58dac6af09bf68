//go:build linux

package sandbox

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// DetectCapabilities probes the kernel once and caches the result.
var DetectCapabilities = sync.OnceValue(func() Capabilities {
	abi := detectLandlockABI()
	return Capabilities{
		UserNamespace: detectUserNamespace(),
		Landlock:      abi > 0,
		LandlockABI:   abi,
	}
})

func detectUserNamespace() bool {
	// Debian-style kernels gate unprivileged namespaces behind a sysctl.
	if data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone"); err == nil {
		return strings.TrimSpace(string(data)) == "1"
	}
	data, err := os.ReadFile("/proc/sys/user/max_user_namespaces")
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	return err == nil && n > 0
}

func detectLandlockABI() int {
	// landlock_create_ruleset(NULL, 0, LANDLOCK_CREATE_RULESET_VERSION)
	// returns the highest supported ABI version.
	abi, _, errno := syscall.Syscall(
		unix.SYS_LANDLOCK_CREATE_RULESET,
		0,
		0,
		uintptr(unix.LANDLOCK_CREATE_RULESET_VERSION),
	)
	if errno != 0 {
		return 0
	}
	return int(abi)
}
