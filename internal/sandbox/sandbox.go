// Package sandbox confines external processes started by capability
// drivers. The host re-executes itself with the Sentinel argument; the
// re-executed child restricts itself with Landlock, filters its
// environment and execs the real command.
package sandbox

import (
	"path"
	"path/filepath"
	"slices"

	"github.com/VikingOwl91/capsule/internal/policy"
)

// Profile is the resolved confinement for one external process.
type Profile struct {
	Name         string
	Network      bool
	EnvAllowlist []string
	FSDeny       []string
	FSAllowRO    []string
	FSAllowRW    []string
	// RequireLandlock refuses to start the process without Landlock.
	RequireLandlock bool
}

// StrictProfile returns the built-in strict profile.
func StrictProfile() Profile {
	return Profile{
		Name:    "strict",
		Network: false,
		EnvAllowlist: []string{
			"PATH", "HOME", "LANG", "LC_*", "TERM", "TMPDIR", "TZ", "USER",
		},
		FSDeny: []string{
			"~/.ssh",
			"~/.gnupg",
			"~/.aws",
			"~/.config/gcloud",
			"~/.kube",
		},
		FSAllowRO: []string{
			"/usr", "/lib", "/lib64", "/bin", "/sbin",
			"/etc/ssl", "/etc/ca-certificates",
			"/etc/ld.so.cache", "/etc/ld.so.conf", "/etc/ld.so.conf.d",
			"/etc/nsswitch.conf", "/etc/passwd", "/etc/group",
			"/etc/localtime", "/etc/resolv.conf",
			"/proc/self", "/dev/fd",
		},
		FSAllowRW: []string{
			"/dev/null", "/dev/zero", "/dev/urandom", "/dev/random",
		},
		RequireLandlock: true,
	}
}

// Confine extends p with the host directories behind the guest paths pol
// allows. Guest paths are mapped beneath fsRoot; without fsRoot the guest
// has no filesystem and nothing is added.
func (p Profile) Confine(pol *policy.Policy, fsRoot string) Profile {
	out := p
	out.EnvAllowlist = slices.Clone(p.EnvAllowlist)
	out.FSDeny = slices.Clone(p.FSDeny)
	out.FSAllowRO = slices.Clone(p.FSAllowRO)
	out.FSAllowRW = slices.Clone(p.FSAllowRW)
	if pol == nil || fsRoot == "" {
		return out
	}
	for _, r := range pol.Roots(policy.Read) {
		out.FSAllowRO = append(out.FSAllowRO, hostPath(fsRoot, r))
	}
	for _, r := range pol.Roots(policy.Write) {
		out.FSAllowRW = append(out.FSAllowRW, hostPath(fsRoot, r))
	}
	return out
}

func hostPath(root, guest string) string {
	return filepath.Join(root, filepath.FromSlash(path.Clean("/"+guest)))
}
