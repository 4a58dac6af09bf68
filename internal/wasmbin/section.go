package wasmbin

import (
	"bytes"
	"fmt"
)

// Section ids.
const (
	SectionCustom    byte = 0
	SectionType      byte = 1
	SectionImport    byte = 2
	SectionFunction  byte = 3
	SectionTable     byte = 4
	SectionMemory    byte = 5
	SectionGlobal    byte = 6
	SectionExport    byte = 7
	SectionStart     byte = 8
	SectionElement   byte = 9
	SectionCode      byte = 10
	SectionData      byte = 11
	SectionDataCount byte = 12
	SectionTag       byte = 13
)

// External kinds used by imports and exports.
const (
	ExternFunc   byte = 0
	ExternTable  byte = 1
	ExternMemory byte = 2
	ExternGlobal byte = 3
)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// Section is one raw section of a module binary.
type Section struct {
	ID      byte
	Payload []byte
}

// CustomName returns the name of a custom section, or "" for other sections.
func (s Section) CustomName() string {
	if s.ID != SectionCustom {
		return ""
	}
	name, err := NewReader(s.Payload).Name()
	if err != nil {
		return ""
	}
	return name
}

// Order returns the canonical position of a known section id. Custom
// sections have no fixed position and report -1.
func Order(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionTag:
		return 6
	case SectionGlobal:
		return 7
	case SectionExport:
		return 8
	case SectionStart:
		return 9
	case SectionElement:
		return 10
	case SectionDataCount:
		return 11
	case SectionCode:
		return 12
	case SectionData:
		return 13
	default:
		return -1
	}
}

// Parse splits a module binary into sections.
func Parse(bin []byte) ([]Section, error) {
	if len(bin) < len(header) || !bytes.Equal(bin[:4], header[:4]) {
		return nil, fmt.Errorf("wasmbin: missing wasm magic header")
	}
	if !bytes.Equal(bin[4:8], header[4:8]) {
		return nil, fmt.Errorf("wasmbin: unsupported binary version %x", bin[4:8])
	}
	r := NewReader(bin[len(header):])
	var sections []Section
	for r.Len() > 0 {
		id, err := r.Byte()
		if err != nil {
			return nil, err
		}
		size, err := r.U32()
		if err != nil {
			return nil, fmt.Errorf("wasmbin: section %d size: %w", id, err)
		}
		payload, err := r.Bytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("wasmbin: section %d truncated: %w", id, err)
		}
		sections = append(sections, Section{ID: id, Payload: payload})
	}
	return sections, nil
}

// Encode serializes sections back into a module binary, in the order given.
func Encode(sections []Section) []byte {
	out := append([]byte(nil), header...)
	for _, s := range sections {
		out = append(out, s.ID)
		out = AppendUleb128(out, uint64(len(s.Payload)))
		out = append(out, s.Payload...)
	}
	return out
}

// Insert places s among sections at its canonical position.
func Insert(sections []Section, s Section) []Section {
	want := Order(s.ID)
	at := len(sections)
	for i, existing := range sections {
		if o := Order(existing.ID); o > want {
			at = i
			break
		}
	}
	sections = append(sections, Section{})
	copy(sections[at+1:], sections[at:])
	sections[at] = s
	return sections
}

// Find returns the index of the first section with id, or -1.
func Find(sections []Section, id byte) int {
	for i, s := range sections {
		if s.ID == id {
			return i
		}
	}
	return -1
}
