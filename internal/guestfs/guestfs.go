// Package guestfs exposes host directories to a guest with every path
// operation checked against the permission policy.
package guestfs

import (
	"io/fs"
	"log/slog"
	"path"

	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/tetratelabs/wazero"
	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/experimental/sysfs"
	"github.com/tetratelabs/wazero/sys"
)

// Mount maps a host directory to a guest path.
type Mount struct {
	Host  string
	Guest string
}

// FS wraps an experimentalsys.FS mounted at a guest path. Denied
// operations fail with EPERM before reaching the host.
type FS struct {
	inner  experimentalsys.FS
	mount  string
	policy *policy.Policy
	logger *slog.Logger
}

// New wraps inner, which is mounted at guest path mount.
func New(inner experimentalsys.FS, mount string, p *policy.Policy, logger *slog.Logger) *FS {
	return &FS{inner: inner, mount: path.Clean("/" + mount), policy: p, logger: logger}
}

// Config returns an FSConfig mounting every entry through New.
func Config(mounts []Mount, p *policy.Policy, logger *slog.Logger) wazero.FSConfig {
	cfg := wazero.NewFSConfig()
	for _, m := range mounts {
		wrapped := New(sysfs.DirFS(m.Host), m.Guest, p, logger)
		cfg = cfg.(sysfs.FSConfig).WithSysFSMount(wrapped, m.Guest)
	}
	return cfg
}

// guestPath returns the absolute guest path of p, which is relative to the
// mount.
func (f *FS) guestPath(p string) string {
	return path.Join(f.mount, p)
}

func (f *FS) check(kind policy.Kind, p string) experimentalsys.Errno {
	resource := f.guestPath(p)
	effect, rule := f.policy.Evaluate(kind, resource)
	if effect == policy.Allow {
		return 0
	}
	f.logger.Debug("guest fs access denied",
		slog.String("kind", kind.String()),
		slog.String("path", resource),
		slog.String("policy_rule", rule),
	)
	return experimentalsys.EPERM
}

func isMountRoot(p string) bool {
	return p == "" || p == "."
}

func openKinds(flag experimentalsys.Oflag) (read, write bool) {
	switch flag & (experimentalsys.O_RDONLY | experimentalsys.O_WRONLY | experimentalsys.O_RDWR) {
	case experimentalsys.O_WRONLY:
		write = true
	case experimentalsys.O_RDWR:
		read, write = true, true
	default:
		read = true
	}
	if flag&(experimentalsys.O_CREAT|experimentalsys.O_TRUNC|experimentalsys.O_APPEND|experimentalsys.O_EXCL) != 0 {
		write = true
	}
	return read, write
}

func (f *FS) OpenFile(p string, flag experimentalsys.Oflag, perm fs.FileMode) (experimentalsys.File, experimentalsys.Errno) {
	read, write := openKinds(flag)
	// The engine opens each preopen's own directory read-only and treats
	// any error but ENOENT as fatal. Paths beneath it are still checked.
	if isMountRoot(p) && !write {
		return f.inner.OpenFile(p, flag, perm)
	}
	if read {
		if errno := f.check(policy.Read, p); errno != 0 {
			return nil, errno
		}
	}
	if write {
		if errno := f.check(policy.Write, p); errno != 0 {
			return nil, errno
		}
	}
	return f.inner.OpenFile(p, flag, perm)
}

func (f *FS) Lstat(p string) (sys.Stat_t, experimentalsys.Errno) {
	if errno := f.check(policy.Read, p); errno != 0 {
		return sys.Stat_t{}, errno
	}
	return f.inner.Lstat(p)
}

func (f *FS) Stat(p string) (sys.Stat_t, experimentalsys.Errno) {
	if errno := f.check(policy.Read, p); errno != 0 {
		return sys.Stat_t{}, errno
	}
	return f.inner.Stat(p)
}

func (f *FS) Mkdir(p string, perm fs.FileMode) experimentalsys.Errno {
	if errno := f.check(policy.Write, p); errno != 0 {
		return errno
	}
	return f.inner.Mkdir(p, perm)
}

func (f *FS) Chmod(p string, perm fs.FileMode) experimentalsys.Errno {
	if errno := f.check(policy.Write, p); errno != 0 {
		return errno
	}
	return f.inner.Chmod(p, perm)
}

func (f *FS) Rename(from, to string) experimentalsys.Errno {
	if errno := f.check(policy.Write, from); errno != 0 {
		return errno
	}
	if errno := f.check(policy.Write, to); errno != 0 {
		return errno
	}
	return f.inner.Rename(from, to)
}

func (f *FS) Rmdir(p string) experimentalsys.Errno {
	if errno := f.check(policy.Write, p); errno != 0 {
		return errno
	}
	return f.inner.Rmdir(p)
}

func (f *FS) Unlink(p string) experimentalsys.Errno {
	if errno := f.check(policy.Write, p); errno != 0 {
		return errno
	}
	return f.inner.Unlink(p)
}

// Link needs read access to the source and write access to the new name.
func (f *FS) Link(oldPath, newPath string) experimentalsys.Errno {
	if errno := f.check(policy.Read, oldPath); errno != 0 {
		return errno
	}
	if errno := f.check(policy.Write, newPath); errno != 0 {
		return errno
	}
	return f.inner.Link(oldPath, newPath)
}

// Symlink only checks the link name; the target is resolved by later
// operations, which are checked themselves.
func (f *FS) Symlink(oldPath, linkName string) experimentalsys.Errno {
	if errno := f.check(policy.Write, linkName); errno != 0 {
		return errno
	}
	return f.inner.Symlink(oldPath, linkName)
}

func (f *FS) Readlink(p string) (string, experimentalsys.Errno) {
	if errno := f.check(policy.Read, p); errno != 0 {
		return "", errno
	}
	return f.inner.Readlink(p)
}

func (f *FS) Utimens(p string, atim, mtim int64) experimentalsys.Errno {
	if errno := f.check(policy.Write, p); errno != 0 {
		return errno
	}
	return f.inner.Utimens(p, atim, mtim)
}
