package explain

import (
	"fmt"

	"github.com/VikingOwl91/capsule/internal/config"
	"github.com/VikingOwl91/capsule/internal/supply"
	"gopkg.in/yaml.v3"
)

// ModuleHash is one module's digest in the form the manifest's hash
// field expects.
type ModuleHash struct {
	Name string `yaml:"name"`
	File string `yaml:"file"`
	Hash string `yaml:"hash"`
}

// Hashes digests every module of m with algorithm (md5, sha256 or
// blake3). Module bytes are hashed after decompression, as at load time.
func Hashes(m *config.Manifest, algorithm string) ([]ModuleHash, error) {
	if algorithm == "" {
		algorithm = "sha256"
	}
	out := make([]ModuleHash, 0, len(m.Modules))
	for _, mod := range m.Modules {
		data, err := supply.ReadSource(m.ModulePath(mod))
		if err != nil {
			return nil, err
		}
		digest, err := supply.Digest(algorithm, data)
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", mod.Name, err)
		}
		out = append(out, ModuleHash{Name: mod.Name, File: mod.File, Hash: digest})
	}
	return out, nil
}

// Lockfile renders hashes as a YAML "modules:" fragment.
func Lockfile(hashes []ModuleHash) ([]byte, error) {
	data, err := yaml.Marshal(struct {
		Modules []ModuleHash `yaml:"modules"`
	}{hashes})
	if err != nil {
		return nil, fmt.Errorf("encoding lockfile: %w", err)
	}
	return data, nil
}
