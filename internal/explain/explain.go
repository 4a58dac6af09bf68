// Package explain renders what a manifest will do before it runs: the
// effective permission rules with their provenance, the resource limits,
// module digests and the configured drivers.
package explain

import (
	"encoding/json"
	"fmt"

	"github.com/VikingOwl91/capsule/internal/config"
	"github.com/VikingOwl91/capsule/internal/driver/process"
	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/VikingOwl91/capsule/internal/sandbox"
	"github.com/VikingOwl91/capsule/internal/supply"
)

type Output struct {
	FSRoot      string   `json:"fs_root_path,omitempty"`
	DriversRoot string   `json:"drivers_root_path,omitempty"`
	Entry       string   `json:"entry"`
	Policy      Policy   `json:"policy"`
	Limits      Limits   `json:"limits"`
	Modules     []Module `json:"modules"`
	Drivers     []Driver `json:"drivers,omitempty"`
	Dirs        []string `json:"dirs,omitempty"`
	TCPListen   []string `json:"tcp_listen,omitempty"`
	NNGraphs    []string `json:"nn_graph,omitempty"`
	Sandbox     *Sandbox `json:"sandbox,omitempty"`
}

type Policy struct {
	Default string `json:"default"`
	Rules   []Rule `json:"rules,omitempty"`
}

type Rule struct {
	Kind    string `json:"kind"`
	Effect  string `json:"effect"`
	Pattern string `json:"pattern"`
	Source  string `json:"source"`
}

type Limits struct {
	Fuel          *uint64 `json:"fuel,omitempty"`
	MemoryPages   *uint32 `json:"memory_pages,omitempty"`
	TimeMS        *uint64 `json:"time_ms,omitempty"`
	MaxMemorySize *uint64 `json:"max_memory_size,omitempty"`
	Threads       bool    `json:"threads"`
}

type Module struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	File         string `json:"file"`
	DeclaredMD5  string `json:"declared_md5,omitempty"`
	DeclaredHash string `json:"declared_hash,omitempty"`
	MD5          string `json:"md5,omitempty"`
	SHA256       string `json:"sha256,omitempty"`
	Verified     bool   `json:"verified"`
	Error        string `json:"error,omitempty"`
}

type Driver struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Guards       int    `json:"guards,omitempty"`
	GuardDefault string `json:"guard_default,omitempty"`
}

type Sandbox struct {
	Capabilities sandbox.Capabilities `json:"capabilities"`
	Level        string               `json:"level"`
	// Drivers maps each external-process driver to "sandbox" or "none".
	Drivers map[string]string `json:"drivers"`
}

// Build explains m. caps describes the host's isolation support.
func Build(m *config.Manifest, caps sandbox.Capabilities) (*Output, error) {
	pol, err := m.Policy()
	if err != nil {
		return nil, fmt.Errorf("compiling permissions: %w", err)
	}

	out := &Output{
		FSRoot:      m.FSRootPath,
		DriversRoot: m.DriversRootPath,
		Entry:       m.Entry,
		Policy:      Policy{Default: policy.Deny.String()},
		Limits: Limits{
			Fuel:          m.LimitedFuel,
			MemoryPages:   m.LimitedMemory,
			TimeMS:        m.LimitedTime,
			MaxMemorySize: m.MaxMemorySize,
			Threads:       m.FeatureThread,
		},
		Dirs:      m.Dirs,
		TCPListen: m.TCPListen,
		NNGraphs:  m.NNGraphs,
	}

	for _, r := range pol.Rules() {
		pattern := r.Pattern
		if r.Match == policy.MatchAny {
			pattern = "*"
		}
		out.Policy.Rules = append(out.Policy.Rules, Rule{
			Kind:    r.Kind.String(),
			Effect:  r.Effect.String(),
			Pattern: pattern,
			Source:  r.Source,
		})
	}

	for _, mod := range m.Modules {
		out.Modules = append(out.Modules, explainModule(m, mod))
	}

	for _, d := range m.Drivers {
		out.Drivers = append(out.Drivers, Driver{
			Name:         d.Name,
			Type:         d.Type,
			Guards:       len(d.Guards),
			GuardDefault: d.GuardDefault,
		})
	}
	out.Sandbox = explainSandbox(m, caps)
	return out, nil
}

// explainModule reads a module and reports its digests. A mismatch is
// recorded rather than returned so every module is listed.
func explainModule(m *config.Manifest, mod config.Module) Module {
	em := Module{
		Name:         mod.Name,
		Type:         mod.Type,
		File:         m.ModulePath(mod),
		DeclaredMD5:  mod.MD5,
		DeclaredHash: mod.Hash,
	}
	data, err := supply.ReadSource(em.File)
	if err != nil {
		em.Error = err.Error()
		return em
	}
	computed, err := supply.VerifyModule(mod.Name, data, "", "")
	if err != nil {
		em.Error = err.Error()
		return em
	}
	em.MD5, em.SHA256 = computed.MD5, computed.SHA256
	if _, err := supply.VerifyModule(mod.Name, data, mod.MD5, mod.Hash); err != nil {
		em.Error = err.Error()
		return em
	}
	em.Verified = mod.MD5 != "" || mod.Hash != ""
	return em
}

func explainSandbox(m *config.Manifest, caps sandbox.Capabilities) *Sandbox {
	drivers := make(map[string]string)
	for _, d := range m.Drivers {
		if d.Type != process.Type {
			continue
		}
		mode := "sandbox"
		if on, ok := d.Options["sandbox"].(bool); ok && !on {
			mode = "none"
		}
		drivers[d.Name] = mode
	}
	if len(drivers) == 0 {
		return nil
	}
	return &Sandbox{
		Capabilities: caps,
		Level:        caps.EffectiveLevel(),
		Drivers:      drivers,
	}
}

// JSON renders the explanation as indented JSON.
func (o *Output) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling explanation: %w", err)
	}
	return data, nil
}
