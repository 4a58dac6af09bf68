package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/joho/godotenv"
)

// Overrides are command-line settings merged over a manifest. Zero values
// leave the manifest untouched.
type Overrides struct {
	Dirs            []string
	FSRootPath      string
	DriversRootPath string
	RuntimeLogger   string
	LogLevel        string
	LimitedMemory   *uint32
	RunTime         *time.Duration
	Entry           string
	Stdin           string
	Stdout          string
	Stderr          string
	LimitedFuel     *uint64
	Envs            []string
	EnvFile         string
	// Modules are "name=path" replacements for declared module files.
	Modules            []string
	TCPListen          []string
	UnknownImportsTrap bool
	MaxMemorySize      *uint64
	NNGraphs           []string
	FeatureThread      bool
	DebugInfo          bool

	Permissions policy.Overrides
}

// Apply merges o into m and re-validates the result.
func (m *Manifest) Apply(o Overrides) error {
	setString(&m.FSRootPath, o.FSRootPath)
	setString(&m.DriversRootPath, o.DriversRootPath)
	setString(&m.RuntimeLogger, o.RuntimeLogger)
	setString(&m.LogLevel, o.LogLevel)
	setString(&m.Entry, o.Entry)
	setString(&m.Stdin, o.Stdin)
	setString(&m.Stdout, o.Stdout)
	setString(&m.Stderr, o.Stderr)

	if o.LimitedMemory != nil {
		m.LimitedMemory = o.LimitedMemory
	}
	if o.LimitedFuel != nil {
		m.LimitedFuel = o.LimitedFuel
	}
	if o.MaxMemorySize != nil {
		m.MaxMemorySize = o.MaxMemorySize
	}
	if o.RunTime != nil {
		ms := uint64(o.RunTime.Milliseconds())
		m.LimitedTime = &ms
	}

	m.Dirs = append(m.Dirs, o.Dirs...)
	m.TCPListen = append(m.TCPListen, o.TCPListen...)
	m.NNGraphs = append(m.NNGraphs, o.NNGraphs...)
	m.UnknownImportsTrap = m.UnknownImportsTrap || o.UnknownImportsTrap
	m.FeatureThread = m.FeatureThread || o.FeatureThread
	m.DebugInfo = m.DebugInfo || o.DebugInfo
	m.PermissionOverrides = o.Permissions

	if o.EnvFile != "" {
		vars, err := godotenv.Read(o.EnvFile)
		if err != nil {
			return fmt.Errorf("reading env file %s: %w", o.EnvFile, err)
		}
		for _, k := range slices.Sorted(maps.Keys(vars)) {
			m.Envs = append(m.Envs, k+"="+vars[k])
		}
	}
	for _, kv := range o.Envs {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("env %q: want KEY=VALUE", kv)
		}
		m.Envs = append(m.Envs, kv)
	}

	for _, spec := range o.Modules {
		name, file, ok := strings.Cut(spec, "=")
		if !ok || name == "" || file == "" {
			return fmt.Errorf("module override %q: want name=path", spec)
		}
		if !m.replaceModuleFile(name, file) {
			return fmt.Errorf("module override %q: no module named %q", spec, name)
		}
	}

	return m.Validate()
}

func (m *Manifest) replaceModuleFile(name, file string) bool {
	found := false
	for i := range m.Modules {
		if m.Modules[i].Name == name {
			m.Modules[i].File = file
			m.Modules[i].MD5 = ""
			m.Modules[i].Hash = ""
			found = true
		}
	}
	return found
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
