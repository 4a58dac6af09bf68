// Package metering rewrites guest module binaries so that execution passes
// through a host checkpoint at every function entry and at the head of
// every loop body. The checkpoint is an imported function of type () -> ()
// appended after the module's existing function imports.
package metering

import (
	"fmt"
	"strings"

	"github.com/VikingOwl91/capsule/internal/wasmbin"
)

// Default host import the checkpoint calls are wired to.
const (
	DefaultModule = "capsule_fuel"
	DefaultName   = "checkpoint"
)

// Options selects the import the checkpoints call.
type Options struct {
	Module string
	Name   string
}

// Result is an instrumented binary.
type Result struct {
	Binary []byte
	// CheckpointIndex is the function index of the checkpoint import.
	CheckpointIndex uint32
	// Checkpoints counts inserted call sites.
	Checkpoints int
	// Dropped lists custom sections removed because their offsets no
	// longer hold after rewriting.
	Dropped []string
}

// Instrument inserts checkpoint calls into every function body of bin.
// A module without a code section is returned unchanged.
func Instrument(bin []byte, opts Options) (*Result, error) {
	if opts.Module == "" {
		opts.Module = DefaultModule
	}
	if opts.Name == "" {
		opts.Name = DefaultName
	}

	sections, err := wasmbin.Parse(bin)
	if err != nil {
		return nil, err
	}
	if wasmbin.Find(sections, wasmbin.SectionCode) < 0 {
		return &Result{Binary: bin}, nil
	}

	typeIdx, sections, err := ensureVoidType(sections)
	if err != nil {
		return nil, fmt.Errorf("metering: type section: %w", err)
	}
	fnImports, sections, err := appendImport(sections, opts, typeIdx)
	if err != nil {
		return nil, fmt.Errorf("metering: import section: %w", err)
	}

	rw := &rewriter{checkpoint: fnImports}
	res := &Result{CheckpointIndex: fnImports}
	out := sections[:0]
	for _, s := range sections {
		var payload []byte
		switch s.ID {
		case wasmbin.SectionCode:
			payload, err = rw.code(s.Payload)
		case wasmbin.SectionExport:
			payload, err = rw.exports(s.Payload)
		case wasmbin.SectionStart:
			payload, err = rw.start(s.Payload)
		case wasmbin.SectionElement:
			payload, err = rw.elements(s.Payload)
		case wasmbin.SectionGlobal:
			payload, err = rw.globals(s.Payload)
		case wasmbin.SectionTable:
			payload, err = rw.tables(s.Payload)
		case wasmbin.SectionCustom:
			name := s.CustomName()
			if strings.HasPrefix(name, ".debug_") {
				res.Dropped = append(res.Dropped, name)
				continue
			}
			if name == "name" {
				if payload, err = rw.names(s.Payload); err != nil {
					res.Dropped = append(res.Dropped, name)
					err = nil
					continue
				}
				break
			}
			payload = s.Payload
		default:
			payload = s.Payload
		}
		if err != nil {
			return nil, fmt.Errorf("metering: section %d: %w", s.ID, err)
		}
		out = append(out, wasmbin.Section{ID: s.ID, Payload: payload})
	}
	res.Binary = wasmbin.Encode(out)
	res.Checkpoints = rw.inserted
	return res, nil
}

// ensureVoidType finds or appends the () -> () signature.
func ensureVoidType(sections []wasmbin.Section) (uint32, []wasmbin.Section, error) {
	i := wasmbin.Find(sections, wasmbin.SectionType)
	if i < 0 {
		payload := []byte{0x01, 0x60, 0x00, 0x00}
		return 0, wasmbin.Insert(sections, wasmbin.Section{ID: wasmbin.SectionType, Payload: payload}), nil
	}
	r := wasmbin.NewReader(sections[i].Payload)
	n, err := r.U32()
	if err != nil {
		return 0, nil, err
	}
	entries := r.Pos()
	for idx := uint32(0); idx < n; idx++ {
		form, err := r.Byte()
		if err != nil {
			return 0, nil, err
		}
		if form != 0x60 {
			return 0, nil, fmt.Errorf("unsupported type form 0x%02x", form)
		}
		params, err := r.U32()
		if err != nil {
			return 0, nil, err
		}
		if _, err := r.Bytes(int(params)); err != nil {
			return 0, nil, err
		}
		results, err := r.U32()
		if err != nil {
			return 0, nil, err
		}
		if _, err := r.Bytes(int(results)); err != nil {
			return 0, nil, err
		}
		if params == 0 && results == 0 {
			return idx, sections, nil
		}
	}
	payload := wasmbin.AppendUleb128(nil, uint64(n+1))
	payload = append(payload, r.Slice(entries, r.Pos())...)
	payload = append(payload, 0x60, 0x00, 0x00)
	sections[i].Payload = payload
	return n, sections, nil
}

// appendImport adds the checkpoint import after the existing imports and
// returns the number of function imports that preceded it, which is the
// checkpoint's function index.
func appendImport(sections []wasmbin.Section, opts Options, typeIdx uint32) (uint32, []wasmbin.Section, error) {
	entry := wasmbin.AppendName(nil, opts.Module)
	entry = wasmbin.AppendName(entry, opts.Name)
	entry = append(entry, wasmbin.ExternFunc)
	entry = wasmbin.AppendUleb128(entry, uint64(typeIdx))

	i := wasmbin.Find(sections, wasmbin.SectionImport)
	if i < 0 {
		payload := append([]byte{0x01}, entry...)
		return 0, wasmbin.Insert(sections, wasmbin.Section{ID: wasmbin.SectionImport, Payload: payload}), nil
	}
	r := wasmbin.NewReader(sections[i].Payload)
	n, err := r.U32()
	if err != nil {
		return 0, nil, err
	}
	entries := r.Pos()
	var funcs uint32
	for k := uint32(0); k < n; k++ {
		if _, err := r.Name(); err != nil {
			return 0, nil, err
		}
		if _, err := r.Name(); err != nil {
			return 0, nil, err
		}
		kind, err := r.Byte()
		if err != nil {
			return 0, nil, err
		}
		if err := wasmbin.SkipImportDesc(r, kind); err != nil {
			return 0, nil, err
		}
		if kind == wasmbin.ExternFunc {
			funcs++
		}
	}
	payload := wasmbin.AppendUleb128(nil, uint64(n+1))
	payload = append(payload, r.Slice(entries, r.Pos())...)
	payload = append(payload, entry...)
	sections[i].Payload = payload
	return funcs, sections, nil
}
