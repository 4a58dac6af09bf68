package metering

import (
	"fmt"

	"github.com/VikingOwl91/capsule/internal/wasmbin"
)

// rewriter shifts every function index at or above the checkpoint index
// by one and inserts checkpoint calls into code bodies.
type rewriter struct {
	checkpoint uint32
	inserted   int
}

func (rw *rewriter) remap(idx uint32) uint32 {
	if idx >= rw.checkpoint {
		return idx + 1
	}
	return idx
}

func (rw *rewriter) appendCheckpoint(dst []byte) []byte {
	rw.inserted++
	return append(dst, wasmbin.Call(rw.checkpoint)...)
}

// instrs copies instructions from r to dst until stop reports true for a
// decoded instruction or the reader is exhausted. Function indices are
// remapped. When meter is set a checkpoint follows every loop opcode.
func (rw *rewriter) instrs(r *wasmbin.Reader, dst []byte, meter bool, stop func(wasmbin.Instr) bool) ([]byte, error) {
	for r.Len() > 0 {
		in, err := wasmbin.ReadInstr(r)
		if err != nil {
			return nil, err
		}
		if in.HasFuncIdx {
			dst = append(dst, r.Slice(in.Start, in.IdxStart)...)
			dst = wasmbin.AppendUleb128(dst, uint64(rw.remap(in.FuncIdx)))
			dst = append(dst, r.Slice(in.IdxEnd, in.End)...)
		} else {
			dst = append(dst, r.Slice(in.Start, in.End)...)
		}
		if meter && in.Op == wasmbin.OpLoop {
			dst = rw.appendCheckpoint(dst)
		}
		if stop != nil && stop(in) {
			return dst, nil
		}
	}
	if stop != nil {
		return nil, wasmbin.ErrUnexpectedEOF
	}
	return dst, nil
}

// expr copies a constant expression terminated by end.
func (rw *rewriter) expr(r *wasmbin.Reader, dst []byte) ([]byte, error) {
	return rw.instrs(r, dst, false, func(in wasmbin.Instr) bool { return in.Op == wasmbin.OpEnd })
}

func (rw *rewriter) code(payload []byte) ([]byte, error) {
	r := wasmbin.NewReader(payload)
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	out := wasmbin.AppendUleb128(nil, uint64(n))
	for i := uint32(0); i < n; i++ {
		size, err := r.U32()
		if err != nil {
			return nil, err
		}
		raw, err := r.Bytes(int(size))
		if err != nil {
			return nil, fmt.Errorf("body %d: %w", i, err)
		}
		body, err := rw.body(raw)
		if err != nil {
			return nil, fmt.Errorf("body %d: %w", i, err)
		}
		out = wasmbin.AppendUleb128(out, uint64(len(body)))
		out = append(out, body...)
	}
	return out, nil
}

func (rw *rewriter) body(raw []byte) ([]byte, error) {
	r := wasmbin.NewReader(raw)
	groups, err := r.U32()
	if err != nil {
		return nil, err
	}
	for g := uint32(0); g < groups; g++ {
		if _, err := r.U32(); err != nil {
			return nil, err
		}
		if _, err := r.Byte(); err != nil {
			return nil, err
		}
	}
	out := make([]byte, 0, len(raw)+8)
	out = append(out, r.Slice(0, r.Pos())...)
	out = rw.appendCheckpoint(out)
	return rw.instrs(r, out, true, nil)
}

func (rw *rewriter) exports(payload []byte) ([]byte, error) {
	r := wasmbin.NewReader(payload)
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	out := wasmbin.AppendUleb128(nil, uint64(n))
	for i := uint32(0); i < n; i++ {
		name, err := r.Name()
		if err != nil {
			return nil, err
		}
		kind, err := r.Byte()
		if err != nil {
			return nil, err
		}
		idx, err := r.U32()
		if err != nil {
			return nil, err
		}
		if kind == wasmbin.ExternFunc {
			idx = rw.remap(idx)
		}
		out = wasmbin.AppendName(out, name)
		out = append(out, kind)
		out = wasmbin.AppendUleb128(out, uint64(idx))
	}
	return out, nil
}

func (rw *rewriter) start(payload []byte) ([]byte, error) {
	idx, err := wasmbin.NewReader(payload).U32()
	if err != nil {
		return nil, err
	}
	return wasmbin.AppendUleb128(nil, uint64(rw.remap(idx))), nil
}

func (rw *rewriter) funcIndices(r *wasmbin.Reader, out []byte) ([]byte, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	out = wasmbin.AppendUleb128(out, uint64(n))
	for i := uint32(0); i < n; i++ {
		idx, err := r.U32()
		if err != nil {
			return nil, err
		}
		out = wasmbin.AppendUleb128(out, uint64(rw.remap(idx)))
	}
	return out, nil
}

func (rw *rewriter) exprs(r *wasmbin.Reader, out []byte) ([]byte, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	out = wasmbin.AppendUleb128(out, uint64(n))
	for i := uint32(0); i < n; i++ {
		if out, err = rw.expr(r, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (rw *rewriter) elements(payload []byte) ([]byte, error) {
	r := wasmbin.NewReader(payload)
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	out := wasmbin.AppendUleb128(nil, uint64(n))
	for i := uint32(0); i < n; i++ {
		flags, err := r.U32()
		if err != nil {
			return nil, err
		}
		if flags > 7 {
			return nil, fmt.Errorf("element segment %d: unsupported flags %d", i, flags)
		}
		out = wasmbin.AppendUleb128(out, uint64(flags))
		if flags == 2 || flags == 6 { // explicit table index
			tbl, err := r.U32()
			if err != nil {
				return nil, err
			}
			out = wasmbin.AppendUleb128(out, uint64(tbl))
		}
		if flags&0x01 == 0 { // active: offset expression
			if out, err = rw.expr(r, out); err != nil {
				return nil, err
			}
		}
		if flags&0x03 != 0 { // elemkind or reftype byte
			b, err := r.Byte()
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
		if flags&0x04 == 0 {
			out, err = rw.funcIndices(r, out)
		} else {
			out, err = rw.exprs(r, out)
		}
		if err != nil {
			return nil, fmt.Errorf("element segment %d: %w", i, err)
		}
	}
	return out, nil
}

func (rw *rewriter) globals(payload []byte) ([]byte, error) {
	r := wasmbin.NewReader(payload)
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	out := wasmbin.AppendUleb128(nil, uint64(n))
	for i := uint32(0); i < n; i++ {
		typ, err := r.Bytes(2) // valtype, mutability
		if err != nil {
			return nil, err
		}
		out = append(out, typ...)
		if out, err = rw.expr(r, out); err != nil {
			return nil, fmt.Errorf("global %d: %w", i, err)
		}
	}
	return out, nil
}

func (rw *rewriter) tables(payload []byte) ([]byte, error) {
	r := wasmbin.NewReader(payload)
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	out := wasmbin.AppendUleb128(nil, uint64(n))
	for i := uint32(0); i < n; i++ {
		first, err := r.Peek()
		if err != nil {
			return nil, err
		}
		withInit := first == 0x40
		if withInit {
			prefix, err := r.Bytes(2)
			if err != nil {
				return nil, err
			}
			out = append(out, prefix...)
		}
		from := r.Pos()
		if _, err := r.Byte(); err != nil { // reftype
			return nil, err
		}
		if err := wasmbin.SkipLimits(r); err != nil {
			return nil, err
		}
		out = append(out, r.Slice(from, r.Pos())...)
		if withInit {
			if out, err = rw.expr(r, out); err != nil {
				return nil, fmt.Errorf("table %d: %w", i, err)
			}
		}
	}
	return out, nil
}

// names remaps the function-indexed subsections of the name section.
func (rw *rewriter) names(payload []byte) ([]byte, error) {
	r := wasmbin.NewReader(payload)
	name, err := r.Name()
	if err != nil {
		return nil, err
	}
	out := wasmbin.AppendName(nil, name)
	for r.Len() > 0 {
		id, err := r.Byte()
		if err != nil {
			return nil, err
		}
		size, err := r.U32()
		if err != nil {
			return nil, err
		}
		sub, err := r.Bytes(int(size))
		if err != nil {
			return nil, err
		}
		switch id {
		case 1:
			sub, err = rw.nameMap(wasmbin.NewReader(sub), nil)
		case 2, 3:
			sub, err = rw.indirectNameMap(sub)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, id)
		out = wasmbin.AppendUleb128(out, uint64(len(sub)))
		out = append(out, sub...)
	}
	return out, nil
}

func (rw *rewriter) nameMap(r *wasmbin.Reader, out []byte) ([]byte, error) {
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	out = wasmbin.AppendUleb128(out, uint64(n))
	for i := uint32(0); i < n; i++ {
		idx, err := r.U32()
		if err != nil {
			return nil, err
		}
		name, err := r.Name()
		if err != nil {
			return nil, err
		}
		out = wasmbin.AppendUleb128(out, uint64(rw.remap(idx)))
		out = wasmbin.AppendName(out, name)
	}
	return out, nil
}

// indirectNameMap remaps the outer function index only.
func (rw *rewriter) indirectNameMap(sub []byte) ([]byte, error) {
	r := wasmbin.NewReader(sub)
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	out := wasmbin.AppendUleb128(nil, uint64(n))
	for i := uint32(0); i < n; i++ {
		idx, err := r.U32()
		if err != nil {
			return nil, err
		}
		from := r.Pos()
		inner, err := r.U32()
		if err != nil {
			return nil, err
		}
		for k := uint32(0); k < inner; k++ {
			if _, err := r.U32(); err != nil {
				return nil, err
			}
			if _, err := r.Name(); err != nil {
				return nil, err
			}
		}
		out = wasmbin.AppendUleb128(out, uint64(rw.remap(idx)))
		out = append(out, r.Slice(from, r.Pos())...)
	}
	return out, nil
}
