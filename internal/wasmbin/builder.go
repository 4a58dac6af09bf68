package wasmbin

// FuncType is a function signature.
type FuncType struct {
	Params  []byte
	Results []byte
}

func (t FuncType) equal(o FuncType) bool {
	return string(t.Params) == string(o.Params) && string(t.Results) == string(o.Results)
}

// Limits describes memory bounds in pages.
type Limits struct {
	Min    uint32
	Max    *uint32
	Shared bool
}

// Import is a function or memory import.
type Import struct {
	Module  string
	Name    string
	Kind    byte
	TypeIdx uint32 // ExternFunc
	Memory  Limits // ExternMemory
}

// Func is a defined function. Body holds the instructions without the
// trailing end opcode.
type Func struct {
	TypeIdx uint32
	Locals  []byte
	Body    []byte
}

// Export names an index in one of the module's index spaces.
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// Data is an active data segment for memory 0.
type Data struct {
	Offset uint32
	Bytes  []byte
}

// Module assembles a module binary. It covers the subset of the format
// the host needs to synthesize helper modules and test guests.
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []Func
	Memories []Limits
	Exports  []Export
	Data     []Data
	Start    *uint32
}

// AddType returns the index of a matching signature, appending it when new.
func (m *Module) AddType(params, results []byte) uint32 {
	t := FuncType{Params: params, Results: results}
	for i, existing := range m.Types {
		if existing.equal(t) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, t)
	return uint32(len(m.Types) - 1)
}

// ImportFunc adds a function import and returns its function index.
// Function imports must be added before any defined function.
func (m *Module) ImportFunc(module, name string, params, results []byte) uint32 {
	m.Imports = append(m.Imports, Import{Module: module, Name: name, Kind: ExternFunc, TypeIdx: m.AddType(params, results)})
	return m.funcImports() - 1
}

// AddFunc adds a defined function and returns its function index.
func (m *Module) AddFunc(params, results, locals, body []byte) uint32 {
	m.Funcs = append(m.Funcs, Func{TypeIdx: m.AddType(params, results), Locals: locals, Body: body})
	return m.funcImports() + uint32(len(m.Funcs)) - 1
}

// Export adds an export entry.
func (m *Module) Export(name string, kind byte, index uint32) {
	m.Exports = append(m.Exports, Export{Name: name, Kind: kind, Index: index})
}

func (m *Module) funcImports() uint32 {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Kind == ExternFunc {
			n++
		}
	}
	return n
}

// Encode produces the module binary.
func (m *Module) Encode() []byte {
	var sections []Section
	if len(m.Types) > 0 {
		p := AppendUleb128(nil, uint64(len(m.Types)))
		for _, t := range m.Types {
			p = append(p, 0x60)
			p = appendVec(p, t.Params)
			p = appendVec(p, t.Results)
		}
		sections = append(sections, Section{ID: SectionType, Payload: p})
	}
	if len(m.Imports) > 0 {
		p := AppendUleb128(nil, uint64(len(m.Imports)))
		for _, imp := range m.Imports {
			p = AppendName(p, imp.Module)
			p = AppendName(p, imp.Name)
			p = append(p, imp.Kind)
			switch imp.Kind {
			case ExternFunc:
				p = AppendUleb128(p, uint64(imp.TypeIdx))
			case ExternMemory:
				p = AppendLimits(p, imp.Memory)
			}
		}
		sections = append(sections, Section{ID: SectionImport, Payload: p})
	}
	if len(m.Funcs) > 0 {
		p := AppendUleb128(nil, uint64(len(m.Funcs)))
		for _, f := range m.Funcs {
			p = AppendUleb128(p, uint64(f.TypeIdx))
		}
		sections = append(sections, Section{ID: SectionFunction, Payload: p})
	}
	if len(m.Memories) > 0 {
		p := AppendUleb128(nil, uint64(len(m.Memories)))
		for _, l := range m.Memories {
			p = AppendLimits(p, l)
		}
		sections = append(sections, Section{ID: SectionMemory, Payload: p})
	}
	if len(m.Exports) > 0 {
		p := AppendUleb128(nil, uint64(len(m.Exports)))
		for _, e := range m.Exports {
			p = AppendName(p, e.Name)
			p = append(p, e.Kind)
			p = AppendUleb128(p, uint64(e.Index))
		}
		sections = append(sections, Section{ID: SectionExport, Payload: p})
	}
	if m.Start != nil {
		sections = append(sections, Section{ID: SectionStart, Payload: AppendUleb128(nil, uint64(*m.Start))})
	}
	if len(m.Funcs) > 0 {
		p := AppendUleb128(nil, uint64(len(m.Funcs)))
		for _, f := range m.Funcs {
			body := AppendUleb128(nil, uint64(len(f.Locals)))
			for _, l := range f.Locals {
				body = append(body, 0x01, l)
			}
			body = append(body, f.Body...)
			body = append(body, OpEnd)
			p = AppendUleb128(p, uint64(len(body)))
			p = append(p, body...)
		}
		sections = append(sections, Section{ID: SectionCode, Payload: p})
	}
	if len(m.Data) > 0 {
		p := AppendUleb128(nil, uint64(len(m.Data)))
		for _, d := range m.Data {
			p = append(p, 0x00, OpI32Const)
			p = AppendSleb128(p, int64(int32(d.Offset)))
			p = append(p, OpEnd)
			p = AppendUleb128(p, uint64(len(d.Bytes)))
			p = append(p, d.Bytes...)
		}
		sections = append(sections, Section{ID: SectionData, Payload: p})
	}
	return Encode(sections)
}

// AppendLimits appends memory limits, setting the shared flag when asked.
func AppendLimits(dst []byte, l Limits) []byte {
	var flags byte
	if l.Max != nil {
		flags |= 0x01
	}
	if l.Shared {
		flags |= 0x02
	}
	dst = append(dst, flags)
	dst = AppendUleb128(dst, uint64(l.Min))
	if l.Max != nil {
		dst = AppendUleb128(dst, uint64(*l.Max))
	}
	return dst
}

func appendVec(dst, items []byte) []byte {
	dst = AppendUleb128(dst, uint64(len(items)))
	return append(dst, items...)
}

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return AppendSleb128([]byte{OpI32Const}, int64(v))
}

// Call encodes call idx.
func Call(idx uint32) []byte {
	return AppendUleb128([]byte{OpCall}, uint64(idx))
}

// LocalGet encodes local.get idx.
func LocalGet(idx uint32) []byte {
	return AppendUleb128([]byte{OpLocalGet}, uint64(idx))
}

// MemOp encodes a load or store with the given alignment exponent and offset.
func MemOp(op byte, align, offset uint32) []byte {
	b := AppendUleb128([]byte{op}, uint64(align))
	return AppendUleb128(b, uint64(offset))
}

// Concat joins instruction fragments.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
