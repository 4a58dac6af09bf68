package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

const (
	// Sentinel is the first argument of a re-executed sandbox child.
	Sentinel = "__sandbox__"
	// ConfigEnv carries the JSON ExecConfig to the child.
	ConfigEnv = "_CAPSULE_SANDBOX_CONFIG"
)

// ExecConfig is what the re-executed child needs to confine itself.
type ExecConfig struct {
	Network      bool     `json:"network"`
	EnvAllowlist []string `json:"env_allowlist"`
	Env          []string `json:"env"`
	FSDeny       []string `json:"fs_deny"`
	FSAllowRO    []string `json:"fs_allow_ro"`
	FSAllowRW    []string `json:"fs_allow_rw"`
	// Dir is the working directory. It is readable by the child.
	Dir     string   `json:"dir,omitempty"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Command builds the re-exec of self that runs command under profile.
// env is the environment before filtering.
func Command(
	ctx context.Context,
	self string,
	profile Profile,
	caps Capabilities,
	command string, args, env []string,
	dir string,
) (*exec.Cmd, error) {
	if profile.RequireLandlock && !caps.Landlock {
		return nil, fmt.Errorf("sandbox profile %q requires Landlock support, but it is not available", profile.Name)
	}

	execArgs := make([]string, 0, 3+len(args))
	execArgs = append(execArgs, Sentinel, "--", command)
	execArgs = append(execArgs, args...)

	cmd := exec.CommandContext(ctx, self, execArgs...)
	cmd.Dir = dir

	cfg := ExecConfig{
		Network:      profile.Network,
		EnvAllowlist: profile.EnvAllowlist,
		Env:          env,
		FSDeny:       profile.FSDeny,
		FSAllowRO:    profile.FSAllowRO,
		FSAllowRW:    profile.FSAllowRW,
		Dir:          dir,
		Command:      command,
		Args:         args,
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshaling sandbox config: %w", err)
	}

	// The child gets nothing else; it rebuilds its environment from cfg.
	cmd.Env = []string{ConfigEnv + "=" + string(configJSON)}

	applySysProcAttr(cmd, profile, caps)
	return cmd, nil
}
