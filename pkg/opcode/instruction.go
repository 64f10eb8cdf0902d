package opcode

import (
	"encoding/binary"

	"github.com/oisee/sbpf-go/internal/diag"
)

// Register is a single field n in 0..=10. r0 holds return/exit values,
// r1-r5 are argument registers, r6-r9 are callee-saved, r10 is the
// frame pointer.
type Register struct {
	N uint8
}

// Instruction is the fully-resolved, post-assembly form: every field
// that can carry a symbolic label before resolution has already been
// substituted with a concrete value. pkg/asm's AST node carries the
// pre-resolution (label-or-value) shape separately.
type Instruction struct {
	Op  Opcode
	Dst *Register
	Src *Register
	Off *int16
	Imm *Number
}

// Size returns the on-wire byte size of the instruction.
func (i Instruction) Size() int { return i.Op.Size() }

func reg(n uint8) *Register { return &Register{N: n} }
func off(v int16) *int16    { return &v }
func imm(n Number) *Number  { return &n }

func bcErr(op Opcode, msg string) error {
	return diag.New(diag.BytecodeError, diag.Span{}, op.String()+" "+msg)
}

// parseFields extracts (dst, src, off, imm) from the first 8 bytes of
// a raw instruction, per the standard sBPF byte layout:
// dst = bytes[1]&0xF, src = bytes[1]>>4, off = le16(bytes[2:4]),
// imm = le32(bytes[4:8]).
func parseFields(b []byte) (dst, src uint8, offv int16, immv int32) {
	dst = b[1] & 0x0f
	src = b[1] >> 4
	offv = int16(binary.LittleEndian.Uint16(b[2:4]))
	immv = int32(binary.LittleEndian.Uint32(b[4:8]))
	return
}

func putFields(b []byte, op Opcode, dst, src uint8, offv int16, immv int32) {
	b[0] = byte(op)
	b[1] = (src << 4) | (dst & 0x0f)
	binary.LittleEndian.PutUint16(b[2:4], uint16(offv))
	binary.LittleEndian.PutUint32(b[4:8], uint32(immv))
}

// DecodeLoadImmediate decodes lddw: dst, imm (64-bit, split across two
// words) present; src, off absent.
func DecodeLoadImmediate(op Opcode, b []byte) (Instruction, error) {
	dst, src, offv, immLow := parseFields(b)
	if src != 0 || offv != 0 {
		return Instruction{}, bcErr(op, "has non-zero src/off")
	}
	immHigh := int32(binary.LittleEndian.Uint32(b[12:16]))
	v := (int64(immHigh) << 32) | int64(uint32(immLow))
	return Instruction{Op: op, Dst: reg(dst), Imm: imm(Int(v))}, nil
}

func EncodeLoadImmediate(i Instruction) []byte {
	b := make([]byte, 16)
	v := i.Imm.Val
	putFields(b, i.Op, i.Dst.N, 0, 0, int32(uint32(v)))
	binary.LittleEndian.PutUint32(b[12:16], uint32(v>>32))
	return b
}

// DecodeLoadMemory decodes ldx*: dst, src, off present; imm absent.
func DecodeLoadMemory(op Opcode, b []byte) (Instruction, error) {
	dst, src, offv, immv := parseFields(b)
	if immv != 0 {
		return Instruction{}, bcErr(op, "has non-zero imm")
	}
	return Instruction{Op: op, Dst: reg(dst), Src: reg(src), Off: off(offv)}, nil
}

func EncodeLoadMemory(i Instruction) []byte {
	b := make([]byte, 8)
	putFields(b, i.Op, i.Dst.N, i.Src.N, *i.Off, 0)
	return b
}

// DecodeStoreImmediate decodes st*: dst, off, imm present; src absent.
func DecodeStoreImmediate(op Opcode, b []byte) (Instruction, error) {
	dst, src, offv, immv := parseFields(b)
	if src != 0 {
		return Instruction{}, bcErr(op, "has non-zero src")
	}
	return Instruction{Op: op, Dst: reg(dst), Off: off(offv), Imm: imm(Int(int64(immv)))}, nil
}

func EncodeStoreImmediate(i Instruction) []byte {
	b := make([]byte, 8)
	putFields(b, i.Op, i.Dst.N, 0, *i.Off, int32(i.Imm.Val))
	return b
}

// DecodeStoreRegister decodes stx*: dst, src, off present; imm absent.
func DecodeStoreRegister(op Opcode, b []byte) (Instruction, error) {
	dst, src, offv, immv := parseFields(b)
	if immv != 0 {
		return Instruction{}, bcErr(op, "has non-zero imm")
	}
	return Instruction{Op: op, Dst: reg(dst), Src: reg(src), Off: off(offv)}, nil
}

func EncodeStoreRegister(i Instruction) []byte {
	b := make([]byte, 8)
	putFields(b, i.Op, i.Dst.N, i.Src.N, *i.Off, 0)
	return b
}

// DecodeBinaryImmediate decodes <op>32/64 imm: dst, imm present.
func DecodeBinaryImmediate(op Opcode, b []byte) (Instruction, error) {
	dst, src, offv, immv := parseFields(b)
	if src != 0 || offv != 0 {
		return Instruction{}, bcErr(op, "has non-zero src/off")
	}
	return Instruction{Op: op, Dst: reg(dst), Imm: imm(Int(int64(immv)))}, nil
}

func EncodeBinaryImmediate(i Instruction) []byte {
	b := make([]byte, 8)
	putFields(b, i.Op, i.Dst.N, 0, 0, int32(i.Imm.Val))
	return b
}

// DecodeBinaryRegister decodes <op>32/64 reg: dst, src present.
func DecodeBinaryRegister(op Opcode, b []byte) (Instruction, error) {
	dst, src, offv, immv := parseFields(b)
	if offv != 0 || immv != 0 {
		return Instruction{}, bcErr(op, "has non-zero off/imm")
	}
	return Instruction{Op: op, Dst: reg(dst), Src: reg(src)}, nil
}

func EncodeBinaryRegister(i Instruction) []byte {
	b := make([]byte, 8)
	putFields(b, i.Op, i.Dst.N, i.Src.N, 0, 0)
	return b
}

// DecodeUnary decodes neg32/64 and hor64: dst present; for neg, imm
// must be zero; for le/be/hor64 imm carries the operand width or
// upper-immediate payload.
func DecodeUnary(op Opcode, b []byte) (Instruction, error) {
	dst, src, offv, immv := parseFields(b)
	if src != 0 || offv != 0 {
		return Instruction{}, bcErr(op, "has non-zero src/off")
	}
	inst := Instruction{Op: op, Dst: reg(dst)}
	if op == Neg32 || op == Neg64 {
		if immv != 0 {
			return Instruction{}, bcErr(op, "has non-zero imm")
		}
		return inst, nil
	}
	inst.Imm = imm(Int(int64(immv)))
	return inst, nil
}

func EncodeUnary(i Instruction) []byte {
	b := make([]byte, 8)
	var v int32
	if i.Imm != nil {
		v = int32(i.Imm.Val)
	}
	putFields(b, i.Op, i.Dst.N, 0, 0, v)
	return b
}

// DecodeJump decodes ja: only off present.
func DecodeJump(op Opcode, b []byte) (Instruction, error) {
	dst, src, offv, immv := parseFields(b)
	if dst != 0 || src != 0 || immv != 0 {
		return Instruction{}, bcErr(op, "has non-zero dst/src/imm")
	}
	return Instruction{Op: op, Off: off(offv)}, nil
}

func EncodeJump(i Instruction) []byte {
	b := make([]byte, 8)
	putFields(b, i.Op, 0, 0, *i.Off, 0)
	return b
}

// DecodeJumpImmediate decodes j<cc> imm: dst, off, imm present.
func DecodeJumpImmediate(op Opcode, b []byte) (Instruction, error) {
	dst, src, offv, immv := parseFields(b)
	if src != 0 {
		return Instruction{}, bcErr(op, "has non-zero src")
	}
	return Instruction{Op: op, Dst: reg(dst), Off: off(offv), Imm: imm(Int(int64(immv)))}, nil
}

func EncodeJumpImmediate(i Instruction) []byte {
	b := make([]byte, 8)
	putFields(b, i.Op, i.Dst.N, 0, *i.Off, int32(i.Imm.Val))
	return b
}

// DecodeJumpRegister decodes j<cc> reg: dst, src, off present.
func DecodeJumpRegister(op Opcode, b []byte) (Instruction, error) {
	dst, src, offv, immv := parseFields(b)
	if immv != 0 {
		return Instruction{}, bcErr(op, "has non-zero imm")
	}
	return Instruction{Op: op, Dst: reg(dst), Src: reg(src), Off: off(offv)}, nil
}

func EncodeJumpRegister(i Instruction) []byte {
	b := make([]byte, 8)
	putFields(b, i.Op, i.Dst.N, i.Src.N, *i.Off, 0)
	return b
}

// DecodeCallImmediate decodes call: only imm present (a syscall id or
// an internal call's absolute instruction index). The syscall/internal distinction is
// made by the caller (pkg/asm, pkg/disasm), which knows the registered
// syscall table; this decoder only extracts the raw fields.
func DecodeCallImmediate(op Opcode, b []byte) (Instruction, error) {
	dst, _, offv, immv := parseFields(b)
	if dst != 0 || offv != 0 {
		return Instruction{}, bcErr(op, "has non-zero dst/off")
	}
	return Instruction{Op: op, Imm: imm(Int(int64(immv)))}, nil
}

func EncodeCallImmediate(i Instruction) []byte {
	b := make([]byte, 8)
	// src is written as 0 for every call, syscall or internal: the
	// resolver has already turned imm into a concrete target, and the
	// relocation record (if any) is tracked out-of-band.
	putFields(b, i.Op, 0, 0, 0, int32(i.Imm.Val))
	return b
}

// DecodeCallRegister decodes callx rK: only src (the target register)
// present; the register travels in the wire byte's dst nibble, but the
// logical operand it names is the call target source register.
func DecodeCallRegister(op Opcode, b []byte) (Instruction, error) {
	wireDst, wireSrc, offv, immv := parseFields(b)
	if wireSrc != 0 || offv != 0 || immv != 0 {
		return Instruction{}, bcErr(op, "has non-zero src/off/imm")
	}
	return Instruction{Op: op, Src: reg(wireDst)}, nil
}

func EncodeCallRegister(i Instruction) []byte {
	b := make([]byte, 8)
	putFields(b, i.Op, i.Src.N, 0, 0, 0)
	return b
}

// DecodeExit decodes exit: no operands.
func DecodeExit(op Opcode, b []byte) (Instruction, error) {
	dst, src, offv, immv := parseFields(b)
	if dst != 0 || src != 0 || offv != 0 || immv != 0 {
		return Instruction{}, bcErr(op, "has non-zero operand")
	}
	return Instruction{Op: op}, nil
}

func EncodeExit(i Instruction) []byte {
	b := make([]byte, 8)
	putFields(b, i.Op, 0, 0, 0, 0)
	return b
}

// Decode dispatches to the family decoder for op. b must hold at least
// op.Size() bytes.
func Decode(op Opcode, b []byte) (Instruction, error) {
	f, ok := FamilyOf(op)
	if !ok {
		return Instruction{}, bcErr(op, "is not a recognized opcode")
	}
	switch f {
	case FamLoadImm:
		return DecodeLoadImmediate(op, b)
	case FamLoadMem:
		return DecodeLoadMemory(op, b)
	case FamStoreImm:
		return DecodeStoreImmediate(op, b)
	case FamStoreReg:
		return DecodeStoreRegister(op, b)
	case FamBinaryImm:
		return DecodeBinaryImmediate(op, b)
	case FamBinaryReg:
		return DecodeBinaryRegister(op, b)
	case FamUnary:
		return DecodeUnary(op, b)
	case FamJumpAbs:
		return DecodeJump(op, b)
	case FamJumpImm:
		return DecodeJumpImmediate(op, b)
	case FamJumpReg:
		return DecodeJumpRegister(op, b)
	case FamCallImm:
		return DecodeCallImmediate(op, b)
	case FamCallReg:
		return DecodeCallRegister(op, b)
	case FamExit:
		return DecodeExit(op, b)
	default:
		return Instruction{}, bcErr(op, "has no decoder")
	}
}

// Encode dispatches to the family encoder for i.Op.
func Encode(i Instruction) ([]byte, error) {
	f, ok := FamilyOf(i.Op)
	if !ok {
		return nil, bcErr(i.Op, "is not a recognized opcode")
	}
	switch f {
	case FamLoadImm:
		return EncodeLoadImmediate(i), nil
	case FamLoadMem:
		return EncodeLoadMemory(i), nil
	case FamStoreImm:
		return EncodeStoreImmediate(i), nil
	case FamStoreReg:
		return EncodeStoreRegister(i), nil
	case FamBinaryImm:
		return EncodeBinaryImmediate(i), nil
	case FamBinaryReg:
		return EncodeBinaryRegister(i), nil
	case FamUnary:
		return EncodeUnary(i), nil
	case FamJumpAbs:
		return EncodeJump(i), nil
	case FamJumpImm:
		return EncodeJumpImmediate(i), nil
	case FamJumpReg:
		return EncodeJumpRegister(i), nil
	case FamCallImm:
		return EncodeCallImmediate(i), nil
	case FamCallReg:
		return EncodeCallRegister(i), nil
	case FamExit:
		return EncodeExit(i), nil
	default:
		return nil, bcErr(i.Op, "has no encoder")
	}
}

// Validate re-checks that the operand fields present on i match
// exactly what its family requires, independent of how i was built.
func Validate(i Instruction) error {
	f, ok := FamilyOf(i.Op)
	if !ok {
		return bcErr(i.Op, "is not a recognized opcode")
	}
	switch f {
	case FamLoadImm:
		if i.Dst == nil || i.Imm == nil || i.Src != nil || i.Off != nil {
			return bcErr(i.Op, "must have exactly dst, imm")
		}
	case FamLoadMem, FamStoreReg:
		if i.Dst == nil || i.Src == nil || i.Off == nil || i.Imm != nil {
			return bcErr(i.Op, "must have exactly dst, src, off")
		}
	case FamStoreImm:
		if i.Dst == nil || i.Off == nil || i.Imm == nil || i.Src != nil {
			return bcErr(i.Op, "must have exactly dst, off, imm")
		}
	case FamBinaryImm:
		if i.Dst == nil || i.Imm == nil || i.Src != nil || i.Off != nil {
			return bcErr(i.Op, "must have exactly dst, imm")
		}
	case FamBinaryReg:
		if i.Dst == nil || i.Src == nil || i.Imm != nil || i.Off != nil {
			return bcErr(i.Op, "must have exactly dst, src")
		}
	case FamUnary:
		if i.Dst == nil || i.Src != nil || i.Off != nil {
			return bcErr(i.Op, "must have exactly dst")
		}
	case FamJumpAbs:
		if i.Off == nil || i.Dst != nil || i.Src != nil || i.Imm != nil {
			return bcErr(i.Op, "must have exactly off")
		}
	case FamJumpImm:
		if i.Dst == nil || i.Off == nil || i.Imm == nil || i.Src != nil {
			return bcErr(i.Op, "must have exactly dst, off, imm")
		}
	case FamJumpReg:
		if i.Dst == nil || i.Src == nil || i.Off == nil || i.Imm != nil {
			return bcErr(i.Op, "must have exactly dst, src, off")
		}
	case FamCallImm:
		if i.Imm == nil || i.Dst != nil || i.Src != nil || i.Off != nil {
			return bcErr(i.Op, "must have exactly imm")
		}
	case FamCallReg:
		if i.Src == nil || i.Dst != nil || i.Off != nil || i.Imm != nil {
			return bcErr(i.Op, "must have exactly src")
		}
	case FamExit:
		if i.Dst != nil || i.Src != nil || i.Off != nil || i.Imm != nil {
			return bcErr(i.Op, "must have no operands")
		}
	}
	return nil
}
