// Package linker loads guest modules, checks that they form a valid set
// and links them against the host modules of a run.
package linker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/VikingOwl91/capsule/internal/supply"
	"github.com/VikingOwl91/capsule/internal/wasmbin"
	"github.com/zeebo/xxh3"
)

// Kind tells the entry module apart from libraries.
type Kind int

const (
	Entry Kind = iota
	Library
)

func (k Kind) String() string {
	if k == Entry {
		return "entry"
	}
	return "library"
}

// Descriptor names one module and where its bytes come from. Source wins
// over Path when both are set.
type Descriptor struct {
	Name   string
	Kind   Kind
	Source []byte
	Path   string
	// MD5 is a bare hex digest; Hash is "<algorithm>:<hex>".
	MD5  string
	Hash string
}

// Module is a loaded and verified module.
type Module struct {
	Name        string
	Kind        Kind
	Path        string
	Binary      []byte
	Digests     *supply.ModuleDigests
	Fingerprint uint64
	// Imports lists the distinct module names this module imports from.
	Imports []string
	// Memories are the memories the module defines.
	Memories []wasmbin.Limits
	// MemoryImports are its memory imports.
	MemoryImports []wasmbin.ImportRef
}

// LoadedSet is a valid module set. Libraries are ordered so every library
// comes after the libraries it imports.
type LoadedSet struct {
	Entry     *Module
	Libraries []*Module
}

// Modules returns the libraries followed by the entry.
func (s *LoadedSet) Modules() []*Module {
	return append(append([]*Module(nil), s.Libraries...), s.Entry)
}

// PageSize is the size of a linear memory page in bytes.
const PageSize = 65536

// InitialMemory returns the bytes every memory of the set holds when
// instantiated: those the modules define and those they import from
// outside the set, such as the shared env.memory, counted once.
func (s *LoadedSet) InitialMemory() uint64 {
	mods := s.Modules()
	loaded := make(map[string]bool, len(mods))
	for _, m := range mods {
		loaded[m.Name] = true
	}
	var pages uint64
	external := make(map[[2]string]bool)
	for _, m := range mods {
		for _, l := range m.Memories {
			pages += uint64(l.Min)
		}
		for _, ref := range m.MemoryImports {
			key := [2]string{ref.Module, ref.Name}
			if loaded[ref.Module] || external[key] {
				continue
			}
			external[key] = true
			pages += uint64(ref.Memory.Min)
		}
	}
	return pages * PageSize
}

// LoadOptions tune Load.
type LoadOptions struct {
	// SkipHashCheck computes digests without comparing them.
	SkipHashCheck bool
}

// Load reads and verifies descriptors.
func Load(descs []Descriptor, opts LoadOptions) (*LoadedSet, error) {
	seen := make(map[string]bool, len(descs))
	entries := 0
	for _, d := range descs {
		if seen[d.Name] {
			return nil, newError(ErrDuplicateModuleName, d.Name, "", nil)
		}
		seen[d.Name] = true
		if d.Kind == Entry {
			entries++
		}
	}
	if entries != 1 {
		return nil, newError(ErrMissingOrMultipleEntry, "", fmt.Sprintf("found %d entry modules", entries), nil)
	}

	set := &LoadedSet{}
	byName := make(map[string]*Module, len(descs))
	var libs []*Module
	for _, d := range descs {
		m, err := loadModule(d, opts)
		if err != nil {
			return nil, err
		}
		byName[m.Name] = m
		if m.Kind == Entry {
			set.Entry = m
		} else {
			libs = append(libs, m)
		}
	}

	ordered, err := orderLibraries(libs, byName)
	if err != nil {
		return nil, err
	}
	set.Libraries = ordered
	return set, nil
}

func loadModule(d Descriptor, opts LoadOptions) (*Module, error) {
	var (
		data []byte
		err  error
	)
	if d.Source != nil {
		data, err = supply.Decompress(d.Source)
	} else {
		data, err = supply.ReadSource(d.Path)
	}
	if err != nil {
		return nil, newError(ErrSource, d.Name, "", err)
	}

	md5, hash := d.MD5, d.Hash
	if opts.SkipHashCheck {
		md5, hash = "", ""
	}
	digests, err := supply.VerifyModule(d.Name, data, md5, hash)
	if err != nil {
		if errors.Is(err, supply.ErrHashMismatch) {
			return nil, newError(ErrHashMismatch, d.Name, "", err)
		}
		return nil, newError(ErrSource, d.Name, "", err)
	}

	sections, err := wasmbin.Parse(data)
	if err != nil {
		return nil, newError(ErrSource, d.Name, "not a WebAssembly module", err)
	}
	refs, err := wasmbin.ReadImports(sections)
	if err != nil {
		return nil, newError(ErrSource, d.Name, "", err)
	}
	mems, err := wasmbin.ReadMemories(sections)
	if err != nil {
		return nil, newError(ErrSource, d.Name, "", err)
	}

	m := &Module{
		Name:        d.Name,
		Kind:        d.Kind,
		Path:        d.Path,
		Binary:      data,
		Digests:     digests,
		Fingerprint: xxh3.Hash(data),
		Memories:    mems,
	}
	imported := make(map[string]bool)
	for _, ref := range refs {
		if ref.Kind == wasmbin.ExternMemory {
			m.MemoryImports = append(m.MemoryImports, ref)
		}
		if !imported[ref.Module] {
			imported[ref.Module] = true
			m.Imports = append(m.Imports, ref.Module)
		}
	}
	return m, nil
}

// orderLibraries sorts libraries so dependencies come first, keeping the
// declared order otherwise.
func orderLibraries(libs []*Module, byName map[string]*Module) ([]*Module, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(libs))
	ordered := make([]*Module, 0, len(libs))

	var visit func(m *Module, path []string) error
	visit = func(m *Module, path []string) error {
		switch state[m.Name] {
		case done:
			return nil
		case visiting:
			return newError(ErrImportCycle, m.Name, strings.Join(append(path, m.Name), " -> "), nil)
		}
		state[m.Name] = visiting
		for _, dep := range m.Imports {
			lib, ok := byName[dep]
			if !ok || lib.Kind != Library {
				continue
			}
			if err := visit(lib, append(path, m.Name)); err != nil {
				return err
			}
		}
		state[m.Name] = done
		ordered = append(ordered, m)
		return nil
	}

	for _, m := range libs {
		if err := visit(m, nil); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
