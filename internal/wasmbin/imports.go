package wasmbin

import "fmt"

// ImportRef is one entry of the import section.
type ImportRef struct {
	Module string
	Name   string
	Kind   byte
	// Memory holds the limits of a memory import.
	Memory Limits
}

// ReadImports lists the imports of a parsed module.
func ReadImports(sections []Section) ([]ImportRef, error) {
	i := Find(sections, SectionImport)
	if i < 0 {
		return nil, nil
	}
	r := NewReader(sections[i].Payload)
	n, err := r.U32()
	if err != nil {
		return nil, fmt.Errorf("import section: %w", err)
	}
	refs := make([]ImportRef, 0, n)
	for j := uint32(0); j < n; j++ {
		var ref ImportRef
		if ref.Module, err = r.Name(); err != nil {
			return nil, fmt.Errorf("import %d: %w", j, err)
		}
		if ref.Name, err = r.Name(); err != nil {
			return nil, fmt.Errorf("import %d: %w", j, err)
		}
		if ref.Kind, err = r.Byte(); err != nil {
			return nil, fmt.Errorf("import %d: %w", j, err)
		}
		if ref.Kind == ExternMemory {
			ref.Memory, err = ReadLimits(r)
		} else {
			err = SkipImportDesc(r, ref.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("import %d (%s.%s): %w", j, ref.Module, ref.Name, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// SkipImportDesc advances r past the descriptor of an import of kind.
func SkipImportDesc(r *Reader, kind byte) error {
	switch kind {
	case ExternFunc:
		_, err := r.U32()
		return err
	case ExternTable:
		if _, err := r.Byte(); err != nil {
			return err
		}
		return SkipLimits(r)
	case ExternMemory:
		return SkipLimits(r)
	case ExternGlobal:
		_, err := r.Bytes(2)
		return err
	case 0x04: // tag
		if _, err := r.Byte(); err != nil {
			return err
		}
		_, err := r.U32()
		return err
	}
	return fmt.Errorf("unknown import kind %d", kind)
}

// SkipLimits advances r past a limits encoding.
func SkipLimits(r *Reader) error {
	flags, err := r.Byte()
	if err != nil {
		return err
	}
	if err := r.SkipLEB(10); err != nil {
		return err
	}
	if flags&0x01 != 0 {
		return r.SkipLEB(10)
	}
	return nil
}

// ReadLimits reads a 32-bit limits encoding.
func ReadLimits(r *Reader) (Limits, error) {
	var l Limits
	flags, err := r.Byte()
	if err != nil {
		return l, err
	}
	if flags&0x04 != 0 {
		return l, fmt.Errorf("64-bit limits are not supported")
	}
	if l.Min, err = r.U32(); err != nil {
		return l, err
	}
	if flags&0x01 != 0 {
		max, err := r.U32()
		if err != nil {
			return l, err
		}
		l.Max = &max
	}
	l.Shared = flags&0x02 != 0
	return l, nil
}

// ReadMemories lists the memories a parsed module defines.
func ReadMemories(sections []Section) ([]Limits, error) {
	i := Find(sections, SectionMemory)
	if i < 0 {
		return nil, nil
	}
	r := NewReader(sections[i].Payload)
	n, err := r.U32()
	if err != nil {
		return nil, fmt.Errorf("memory section: %w", err)
	}
	mems := make([]Limits, 0, n)
	for j := uint32(0); j < n; j++ {
		l, err := ReadLimits(r)
		if err != nil {
			return nil, fmt.Errorf("memory %d: %w", j, err)
		}
		mems = append(mems, l)
	}
	return mems, nil
}
