package supply

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ResolvePath resolves a driver command to an absolute path. Relative
// commands are looked up under root when it is set and on PATH otherwise.
// Symlinks are evaluated so ValidatePath sees the real location.
func ResolvePath(command, root string) (string, error) {
	var absPath string

	switch {
	case filepath.IsAbs(command):
		absPath = command
	case root != "":
		abs, err := filepath.Abs(filepath.Join(expandTilde(root), command))
		if err != nil {
			return "", fmt.Errorf("absolute path for %q: %w", command, err)
		}
		absPath = abs
	default:
		found, err := exec.LookPath(command)
		if err != nil {
			return "", fmt.Errorf("resolving command %q: %w", command, err)
		}
		abs, err := filepath.Abs(found)
		if err != nil {
			return "", fmt.Errorf("absolute path for %q: %w", found, err)
		}
		absPath = abs
	}

	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return "", fmt.Errorf("resolving symlinks for %q: %w", absPath, err)
	}

	return resolved, nil
}

// ValidatePath checks the resolved path is under one of the allowed
// directories. Empty allowedPaths means no restriction.
func ValidatePath(resolved string, allowedPaths []string) error {
	if len(allowedPaths) == 0 {
		return nil
	}

	for _, allowed := range allowedPaths {
		prefix := expandTilde(allowed)
		if real, err := filepath.EvalSymlinks(prefix); err == nil {
			prefix = real
		}

		dir := prefix
		if !strings.HasSuffix(dir, string(filepath.Separator)) {
			dir += string(filepath.Separator)
		}

		if resolved == prefix || strings.HasPrefix(resolved, dir) {
			return nil
		}
	}

	return fmt.Errorf("command path %q is not under any allowed path", resolved)
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
