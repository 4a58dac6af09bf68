package config

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ForwardVarsEnv names the host variable holding the semicolon-delimited
// list of host environment variables forwarded into the guest. Entries may
// be glob patterns such as "AWS_*".
const ForwardVarsEnv = "BLS_LIST_VARS"

// EnvVar is one guest environment variable.
type EnvVar struct {
	Key   string
	Value string
}

// GuestEnv assembles the guest environment. Host variables named by
// BLS_LIST_VARS come first, then the manifest's envs; a later assignment
// to the same key replaces the earlier value in place.
func (m *Manifest) GuestEnv(environ []string) []EnvVar {
	var patterns []string
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k == ForwardVarsEnv {
			patterns = splitList(v)
		}
	}

	var env []EnvVar
	index := make(map[string]int)
	set := func(k, v string) {
		if i, ok := index[k]; ok {
			env[i].Value = v
			return
		}
		index[k] = len(env)
		env = append(env, EnvVar{Key: k, Value: v})
	}

	if len(patterns) > 0 {
		for _, kv := range environ {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == ForwardVarsEnv {
				continue
			}
			if matchAny(patterns, k) {
				set(k, v)
			}
		}
	}
	for _, kv := range m.Envs {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			set(k, v)
		}
	}
	return env
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
