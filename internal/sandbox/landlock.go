package sandbox

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrLandlockUnsupported is returned where Landlock is unavailable.
var ErrLandlockUnsupported = errors.New("Landlock is not supported on this platform")

// pathRule is one Landlock path-beneath rule.
type pathRule struct {
	Path  string
	Write bool
}

// rules returns the path rules for c. Paths at or beneath a denied path
// are dropped, and a path listed both ways keeps write access.
func (c ExecConfig) rules(home string) []pathRule {
	deny := make([]string, 0, len(c.FSDeny))
	for _, p := range c.FSDeny {
		deny = append(deny, filepath.Clean(expandTilde(p, home)))
	}

	var out []pathRule
	seen := make(map[string]int)
	add := func(p string, write bool) {
		p = filepath.Clean(expandTilde(p, home))
		for _, d := range deny {
			if beneath(d, p) {
				return
			}
		}
		if i, ok := seen[p]; ok {
			out[i].Write = out[i].Write || write
			return
		}
		seen[p] = len(out)
		out = append(out, pathRule{Path: p, Write: write})
	}

	for _, p := range c.FSAllowRO {
		add(p, false)
	}
	if c.Dir != "" {
		add(c.Dir, false)
	}
	for _, p := range c.FSAllowRW {
		add(p, true)
	}
	return out
}

func expandTilde(path, home string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok && home != "" {
		return filepath.Join(home, rest)
	}
	return path
}

func beneath(base, p string) bool {
	if p == base {
		return true
	}
	if base == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(p, base+string(filepath.Separator))
}
