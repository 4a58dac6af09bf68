package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/VikingOwl91/capsule/internal/policy"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

var driverNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// Module kinds.
const (
	KindEntry  = "entry"
	KindModule = "module"
)

// Driver types, one per capability provider.
var DriverTypes = []string{
	"network",
	"storage-object",
	"content-fetch",
	"model-inference",
	"external-process",
	"raw-listener",
	"host-memory",
}

type Module struct {
	File string `yaml:"file" json:"file"`
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
	MD5  string `yaml:"md5,omitempty" json:"md5,omitempty"`
	// Hash is an "<algorithm>:<hex>" digest checked in addition to MD5.
	Hash string `yaml:"hash,omitempty" json:"hash,omitempty"`
}

type Optimize struct {
	OptLevel             string `yaml:"opt_level" json:"opt_level"`
	PoolingTotalMemories uint32 `yaml:"pooling_total_memories,omitempty" json:"pooling_total_memories,omitempty"`
	PoolingTotalTables   uint32 `yaml:"pooling_total_tables,omitempty" json:"pooling_total_tables,omitempty"`
	TableLazyInit        bool   `yaml:"table_lazy_init,omitempty" json:"table_lazy_init,omitempty"`
	PoolingAllocator     bool   `yaml:"pooling_allocator,omitempty" json:"pooling_allocator,omitempty"`
}

type GuardRule struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
	Effect     string `yaml:"effect" json:"effect"`
}

type Driver struct {
	Name         string         `yaml:"name" json:"name"`
	Type         string         `yaml:"type" json:"type"`
	Options      map[string]any `yaml:"options,omitempty" json:"options,omitempty"`
	Guards       []GuardRule    `yaml:"guards,omitempty" json:"guards,omitempty"`
	GuardDefault string         `yaml:"guard_default,omitempty" json:"guard_default,omitempty"`
}

// Manifest describes one run: the modules to link, the limits to govern
// them with and the permissions and drivers the guest may use.
type Manifest struct {
	FSRootPath      string `yaml:"fs_root_path" json:"fs_root_path"`
	DriversRootPath string `yaml:"drivers_root_path" json:"drivers_root_path"`
	RuntimeLogger   string `yaml:"runtime_logger" json:"runtime_logger"`
	LogLevel        string `yaml:"log_level" json:"log_level"`

	LimitedFuel   *uint64 `yaml:"limited_fuel" json:"limited_fuel"`
	LimitedMemory *uint32 `yaml:"limited_memory" json:"limited_memory"`
	// LimitedTime is the wall-clock budget in milliseconds.
	LimitedTime   *uint64 `yaml:"limited_time" json:"limited_time"`
	MaxMemorySize *uint64 `yaml:"max_memory_size" json:"max_memory_size"`

	Entry       string   `yaml:"entry" json:"entry"`
	Modules     []Module `yaml:"modules" json:"modules"`
	Permissions []string `yaml:"permissions" json:"permissions"`
	Optimize    Optimize `yaml:"optimize" json:"optimize"`
	Drivers     []Driver `yaml:"drivers,omitempty" json:"drivers,omitempty"`

	Envs      []string `yaml:"envs,omitempty" json:"envs,omitempty"`
	Dirs      []string `yaml:"dirs,omitempty" json:"dirs,omitempty"`
	TCPListen []string `yaml:"tcp_listen,omitempty" json:"tcp_listen,omitempty"`
	NNGraphs  []string `yaml:"nn_graph,omitempty" json:"nn_graph,omitempty"`

	Stdin  string `yaml:"stdin,omitempty" json:"stdin,omitempty"`
	Stdout string `yaml:"stdout,omitempty" json:"stdout,omitempty"`
	Stderr string `yaml:"stderr,omitempty" json:"stderr,omitempty"`

	UnknownImportsTrap bool `yaml:"unknown_imports_trap,omitempty" json:"unknown_imports_trap,omitempty"`
	FeatureThread      bool `yaml:"feature_thread,omitempty" json:"feature_thread,omitempty"`
	DebugInfo          bool `yaml:"debug_info,omitempty" json:"debug_info,omitempty"`

	// PermissionOverrides holds the command-line allow/deny options.
	PermissionOverrides policy.Overrides `yaml:"-" json:"-"`

	// dir is the manifest's directory; relative module files resolve
	// against it.
	dir string
}

// oldManifest detects the deprecated scalar "module:" key.
type oldManifest struct {
	Module *string `yaml:"module"`
}

// Load reads a YAML or JSON manifest. JSON manifests may carry comments.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	m, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// Parse decodes and validates manifest bytes. ext selects JSONC comment
// stripping for ".json" and ".jsonc".
func Parse(data []byte, ext string) (*Manifest, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	var old oldManifest
	if err := yaml.Unmarshal(data, &old); err == nil && old.Module != nil {
		return nil, fmt.Errorf("parsing: old format detected, use 'modules:' (list of {file, name, type}) instead of 'module:'")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validating: %w", err)
	}
	return &m, nil
}

// FromModule builds a manifest that runs a single module file as the entry.
func FromModule(path string) *Manifest {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	m := &Manifest{Modules: []Module{{File: path, Name: name, Type: KindEntry}}}
	m.setDefaults()
	return m
}

// Dir returns the directory relative module files resolve against.
func (m *Manifest) Dir() string { return m.dir }

// ModulePath resolves a module's file against the manifest directory.
func (m *Manifest) ModulePath(mod Module) string {
	if filepath.IsAbs(mod.File) || m.dir == "" {
		return mod.File
	}
	return filepath.Join(m.dir, mod.File)
}

// Timeout returns LimitedTime as a duration, or nil when unset.
func (m *Manifest) Timeout() *time.Duration {
	if m.LimitedTime == nil {
		return nil
	}
	d := time.Duration(*m.LimitedTime) * time.Millisecond
	return &d
}

func (m *Manifest) setDefaults() {
	if m.Entry == "" {
		m.Entry = "_start"
	}
	if m.LogLevel == "" {
		m.LogLevel = "info"
	}
	if m.Optimize.OptLevel == "" {
		m.Optimize.OptLevel = "speed"
	}
	for i := range m.Modules {
		if m.Modules[i].Type == "" {
			m.Modules[i].Type = KindModule
		}
	}
	for i := range m.Drivers {
		if m.Drivers[i].GuardDefault == "" {
			m.Drivers[i].GuardDefault = "allow"
		}
	}
}

// Validate checks field shapes and fills defaults. Module name uniqueness
// and the single-entry rule are enforced when modules are loaded.
func (m *Manifest) Validate() error {
	m.setDefaults()

	if len(m.Modules) == 0 {
		return fmt.Errorf("at least one module is required")
	}
	for i, mod := range m.Modules {
		if mod.File == "" {
			return fmt.Errorf("module %d (%q): file is required", i, mod.Name)
		}
		if mod.Name == "" {
			return fmt.Errorf("module %d: name is required", i)
		}
		if mod.Type != KindEntry && mod.Type != KindModule {
			return fmt.Errorf("module %q: type must be %q or %q, got %q", mod.Name, KindEntry, KindModule, mod.Type)
		}
	}

	if _, err := policy.ParsePermissions(m.Permissions); err != nil {
		return err
	}

	switch m.Optimize.OptLevel {
	case "none", "speed", "speed_and_size":
	default:
		return fmt.Errorf("optimize.opt_level must be 'none', 'speed' or 'speed_and_size', got %q", m.Optimize.OptLevel)
	}

	for _, dir := range m.Dirs {
		if _, _, err := SplitDirMapping(dir); err != nil {
			return err
		}
	}
	for _, g := range m.NNGraphs {
		if _, _, err := SplitNNGraph(g); err != nil {
			return err
		}
	}

	return m.validateDrivers()
}

func (m *Manifest) validateDrivers() error {
	seen := make(map[string]bool)
	for i, d := range m.Drivers {
		if d.Name == "" || !driverNamePattern.MatchString(d.Name) {
			return fmt.Errorf("driver %d: name %q must match [a-zA-Z0-9_.-]+", i, d.Name)
		}
		if seen[d.Name] {
			return fmt.Errorf("driver %d: duplicate driver name %q", i, d.Name)
		}
		seen[d.Name] = true
		if !knownDriverType(d.Type) {
			return fmt.Errorf("driver %q: unknown type %q (want one of %s)", d.Name, d.Type, strings.Join(DriverTypes, ", "))
		}
		if _, err := d.Guard(); err != nil {
			return fmt.Errorf("driver %q: %w", d.Name, err)
		}
	}
	return nil
}

func knownDriverType(t string) bool {
	for _, known := range DriverTypes {
		if t == known {
			return true
		}
	}
	return false
}

func parseEffect(s string) (policy.Effect, error) {
	switch s {
	case "allow":
		return policy.Allow, nil
	case "deny":
		return policy.Deny, nil
	}
	return policy.Deny, fmt.Errorf("effect must be 'allow' or 'deny', got %q", s)
}

// Guard compiles the driver's guard rules.
func (d Driver) Guard() (*policy.Guard, error) {
	def := d.GuardDefault
	if def == "" {
		def = "allow"
	}
	defaultEffect, err := parseEffect(def)
	if err != nil {
		return nil, fmt.Errorf("guard_default: %w", err)
	}
	seen := make(map[string]bool)
	rules := make([]policy.GuardRule, 0, len(d.Guards))
	for i, g := range d.Guards {
		effect, err := parseEffect(g.Effect)
		if err != nil {
			return nil, fmt.Errorf("guard %d (%q): %w", i, g.Name, err)
		}
		if seen[g.Name] {
			return nil, fmt.Errorf("guard %d: duplicate guard name %q", i, g.Name)
		}
		seen[g.Name] = true
		rules = append(rules, policy.GuardRule{Name: g.Name, Expression: g.Expression, Effect: effect})
	}
	return policy.NewGuard(rules, defaultEffect)
}

// Policy compiles the manifest permissions followed by the command-line
// options.
func (m *Manifest) Policy() (*policy.Policy, error) {
	rules, err := policy.ParsePermissions(m.Permissions)
	if err != nil {
		return nil, err
	}
	return policy.Compile(rules, m.PermissionOverrides)
}

// SplitDirMapping splits "host::guest". A bare path maps to itself.
func SplitDirMapping(s string) (host, guest string, err error) {
	host, guest, found := strings.Cut(s, "::")
	if !found {
		guest = host
	}
	if host == "" || guest == "" {
		return "", "", fmt.Errorf("directory mapping %q: want host::guest", s)
	}
	if !strings.HasPrefix(guest, "/") {
		guest = "/" + guest
	}
	return host, guest, nil
}

// SplitNNGraph splits a model preload entry "name::path".
func SplitNNGraph(s string) (name, path string, err error) {
	name, path, found := strings.Cut(s, "::")
	if !found || name == "" || path == "" {
		return "", "", fmt.Errorf("nn graph %q: want name::path", s)
	}
	return name, path, nil
}
