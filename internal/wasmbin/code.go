package wasmbin

import "fmt"

// Opcodes referenced outside the decoder.
const (
	OpUnreachable  byte = 0x00
	OpNop          byte = 0x01
	OpBlock        byte = 0x02
	OpLoop         byte = 0x03
	OpIf           byte = 0x04
	OpElse         byte = 0x05
	OpEnd          byte = 0x0b
	OpBr           byte = 0x0c
	OpBrIf         byte = 0x0d
	OpReturn       byte = 0x0f
	OpCall         byte = 0x10
	OpCallIndirect byte = 0x11
	OpReturnCall   byte = 0x12
	OpDrop         byte = 0x1a
	OpLocalGet     byte = 0x20
	OpLocalSet     byte = 0x21
	OpLocalTee     byte = 0x22
	OpGlobalGet    byte = 0x23
	OpGlobalSet    byte = 0x24
	OpI32Load      byte = 0x28
	OpI32Store     byte = 0x36
	OpMemorySize   byte = 0x3f
	OpMemoryGrow   byte = 0x40
	OpI32Const     byte = 0x41
	OpI64Const     byte = 0x42
	OpI32Eqz       byte = 0x45
	OpI32Eq        byte = 0x46
	OpI32Add       byte = 0x6a
	OpI32Sub       byte = 0x6b
	OpI32DivS      byte = 0x6d
	OpRefFunc      byte = 0xd2
	PrefixMisc     byte = 0xfc
	PrefixSIMD     byte = 0xfd
	PrefixAtomic   byte = 0xfe
)

// Value types.
const (
	I32       byte = 0x7f
	I64       byte = 0x7e
	F32       byte = 0x7d
	F64       byte = 0x7c
	V128      byte = 0x7b
	FuncRef   byte = 0x70
	ExternRef byte = 0x6f
	// BlockEmpty is the empty block type.
	BlockEmpty byte = 0x40
)

// Instr describes one decoded instruction. Start and End delimit its
// bytes. When the instruction carries a function index immediate
// (call, return_call, ref.func) HasFuncIdx is set and IdxStart/IdxEnd
// delimit the encoded index.
type Instr struct {
	Op         byte
	Sub        uint32
	Start, End int

	HasFuncIdx       bool
	FuncIdx          uint32
	IdxStart, IdxEnd int
}

// ReadInstr decodes the instruction at the reader's position.
func ReadInstr(r *Reader) (Instr, error) {
	in := Instr{Start: r.Pos()}
	op, err := r.Byte()
	if err != nil {
		return in, err
	}
	in.Op = op
	if err := readImmediates(r, &in); err != nil {
		return in, fmt.Errorf("opcode 0x%02x at offset %d: %w", op, in.Start, err)
	}
	in.End = r.Pos()
	return in, nil
}

func readImmediates(r *Reader, in *Instr) error {
	op := in.Op
	switch {
	case op == OpUnreachable, op == OpNop, op == OpElse, op == OpEnd, op == OpReturn,
		op == OpDrop, op == 0x1b, op == 0xd1:
		return nil
	case op == OpBlock, op == OpLoop, op == OpIf:
		return skipBlockType(r)
	case op == OpBr, op == OpBrIf:
		_, err := r.U32()
		return err
	case op == 0x0e: // br_table
		n, err := r.U32()
		if err != nil {
			return err
		}
		for i := uint32(0); i <= n; i++ {
			if _, err := r.U32(); err != nil {
				return err
			}
		}
		return nil
	case op == OpCall, op == OpReturnCall, op == OpRefFunc:
		return readFuncIdx(r, in)
	case op == OpCallIndirect, op == 0x13: // call_indirect, return_call_indirect
		if _, err := r.U32(); err != nil {
			return err
		}
		_, err := r.U32()
		return err
	case op == 0x1c: // select t*
		n, err := r.U32()
		if err != nil {
			return err
		}
		_, err = r.Bytes(int(n))
		return err
	case op >= OpLocalGet && op <= 0x26: // local.*, global.*, table.get/set
		_, err := r.U32()
		return err
	case op >= OpI32Load && op <= 0x3e:
		return skipMemArg(r)
	case op == OpMemorySize, op == OpMemoryGrow:
		_, err := r.U32()
		return err
	case op == OpI32Const:
		return r.SkipLEB(5)
	case op == OpI64Const:
		return r.SkipLEB(10)
	case op == 0x43:
		_, err := r.Bytes(4)
		return err
	case op == 0x44:
		_, err := r.Bytes(8)
		return err
	case op >= OpI32Eqz && op <= 0xc4:
		return nil
	case op == 0xd0: // ref.null t
		_, err := r.Byte()
		return err
	case op == PrefixMisc:
		return readMisc(r, in)
	case op == PrefixSIMD:
		return readSIMD(r, in)
	case op == PrefixAtomic:
		return readAtomic(r, in)
	}
	return fmt.Errorf("unsupported opcode")
}

func readFuncIdx(r *Reader, in *Instr) error {
	in.IdxStart = r.Pos()
	idx, err := r.U32()
	if err != nil {
		return err
	}
	in.HasFuncIdx = true
	in.FuncIdx = idx
	in.IdxEnd = r.Pos()
	return nil
}

func skipBlockType(r *Reader) error {
	b, err := r.Peek()
	if err != nil {
		return err
	}
	switch b {
	case BlockEmpty, I32, I64, F32, F64, V128, FuncRef, ExternRef:
		_, err = r.Byte()
		return err
	}
	return r.SkipLEB(5) // s33 type index
}

func skipMemArg(r *Reader) error {
	align, err := r.U32()
	if err != nil {
		return err
	}
	if align&0x40 != 0 { // multi-memory: explicit memory index
		if _, err := r.U32(); err != nil {
			return err
		}
	}
	return r.SkipLEB(10)
}

func readMisc(r *Reader, in *Instr) error {
	sub, err := r.U32()
	if err != nil {
		return err
	}
	in.Sub = sub
	switch {
	case sub <= 7: // trunc_sat
		return nil
	case sub == 8, sub == 10, sub == 12, sub == 14: // two immediates
		if _, err := r.U32(); err != nil {
			return err
		}
		_, err := r.U32()
		return err
	case sub == 9, sub == 11, sub == 13, sub == 15, sub == 16, sub == 17:
		_, err := r.U32()
		return err
	}
	return fmt.Errorf("unsupported 0xfc sub-opcode %d", sub)
}

func readSIMD(r *Reader, in *Instr) error {
	sub, err := r.U32()
	if err != nil {
		return err
	}
	in.Sub = sub
	switch {
	case sub <= 11, sub == 92, sub == 93:
		return skipMemArg(r)
	case sub == 12, sub == 13: // v128.const, i8x16.shuffle
		_, err := r.Bytes(16)
		return err
	case sub >= 21 && sub <= 34: // extract/replace lane
		_, err := r.Byte()
		return err
	case sub >= 84 && sub <= 91: // load/store lane
		if err := skipMemArg(r); err != nil {
			return err
		}
		_, err := r.Byte()
		return err
	case sub <= 0x113:
		return nil
	}
	return fmt.Errorf("unsupported 0xfd sub-opcode %d", sub)
}

func readAtomic(r *Reader, in *Instr) error {
	sub, err := r.U32()
	if err != nil {
		return err
	}
	in.Sub = sub
	switch {
	case sub == 0x03: // atomic.fence
		_, err := r.Byte()
		return err
	case sub <= 0x02, sub >= 0x10 && sub <= 0x4e:
		return skipMemArg(r)
	}
	return fmt.Errorf("unsupported 0xfe sub-opcode %d", sub)
}
