package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RunEntrypoint confines the current process as described by ConfigEnv
// and execs the configured command. It only returns on failure on Linux.
func RunEntrypoint() error {
	configJSON := os.Getenv(ConfigEnv)
	if configJSON == "" {
		return fmt.Errorf("%s environment variable not set", ConfigEnv)
	}

	var cfg ExecConfig
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", ConfigEnv, err)
	}

	env := FilterEnv(cfg.Env, cfg.EnvAllowlist)

	if err := ApplyLandlock(cfg); err != nil && !errors.Is(err, ErrLandlockUnsupported) {
		return fmt.Errorf("applying Landlock: %w", err)
	}

	resolved, err := lookPathWithEnv(cfg.Command, env)
	if err != nil {
		return fmt.Errorf("resolving command %q: %w", cfg.Command, err)
	}
	return execCommand(resolved, cfg.Args, env)
}

// lookPathWithEnv resolves command against the PATH found in env.
func lookPathWithEnv(command string, env []string) (string, error) {
	if filepath.IsAbs(command) {
		if _, err := os.Stat(command); err != nil {
			return "", fmt.Errorf("resolving command %q: %w", command, err)
		}
		return command, nil
	}

	for _, e := range env {
		if v, ok := strings.CutPrefix(e, "PATH="); ok {
			os.Setenv("PATH", v)
			break
		}
	}
	return exec.LookPath(command)
}
