// Package platform implements the sBPF byte-level codec strategies:
// the base BPF decoder, and the SBPFv0/SBPFv2 remappings layered on
// top of it. Every other package speaks in opcode.Opcode; Platform is
// the only seam where raw bytes are interpreted differently depending
// on target version.
package platform

import "github.com/oisee/sbpf-go/pkg/opcode"

// Platform translates between an on-wire opcode byte (plus the dst
// nibble and imm, for callx) and the logical opcode.Opcode the rest of the
// toolchain operates on.
type Platform interface {
	// Name identifies the platform for e_flags encoding and CLI
	// selection ("bpf", "sbpfv0", "sbpfv2").
	Name() string

	// DecodeByte maps a raw opcode byte, together with the decoded dst
	// register, to the logical Opcode and (possibly rewritten) dst.
	// SBPFv0/v2 move callx's target register out of imm and into dst
	// here; SBPFv2 additionally remaps a handful of raw bytes to
	// different opcodes entirely.
	DecodeByte(raw byte, dst uint8, imm int32) (op opcode.Opcode, newDst uint8, newImm int32)

	// EncodeByte is DecodeByte's inverse: given the logical opcode and
	// operands, produce the raw wire byte, dst and imm to emit.
	EncodeByte(op opcode.Opcode, dst uint8, imm int32) (raw byte, newDst uint8, newImm int32)
}

// Bpf is the base platform: no transformation at all.
type Bpf struct{}

func (Bpf) Name() string { return "bpf" }

func (Bpf) DecodeByte(raw byte, dst uint8, imm int32) (opcode.Opcode, uint8, int32) {
	return opcode.Opcode(raw), dst, imm
}

func (Bpf) EncodeByte(op opcode.Opcode, dst uint8, imm int32) (byte, uint8, int32) {
	return byte(op), dst, imm
}

// SbpfV0 applies the callx register-in-imm convention: on decode, a
// callx's target register is stored in imm (dst reads 0 on the wire);
// the codec moves it into dst and zeroes imm so higher layers always
// see the target in Instruction.Src. Encoding is the exact inverse.
type SbpfV0 struct{}

func (SbpfV0) Name() string { return "sbpfv0" }

func (SbpfV0) DecodeByte(raw byte, dst uint8, imm int32) (opcode.Opcode, uint8, int32) {
	op := opcode.Opcode(raw)
	if op == opcode.CallReg {
		return op, uint8(imm), 0
	}
	return op, dst, imm
}

func (SbpfV0) EncodeByte(op opcode.Opcode, dst uint8, imm int32) (byte, uint8, int32) {
	if op == opcode.CallReg {
		return byte(op), 0, int32(dst)
	}
	return byte(op), dst, imm
}

// v2Remap is the symmetric raw-byte <-> Opcode table SBPFv2 layers on
// top of SbpfV0's callx rule, grounded on
// original_source/crates/common/src/platform.rs's SbpfV2
// decode_instruction/encode_instruction (the "new opcode mappings"
// pass over two otherwise-unclaimed bytes, 0x8C/0x8F, plus the
// "opcode translations" pass that repurposes ten ALU32/ALU64
// register-and-immediate opcode bytes, mul/div/mod/neg in the base
// ISA, as load/store mnemonics instead).
var v2RawToOp = map[byte]opcode.Opcode{
	0x8C:                  opcode.Ldxw,
	0x8F:                  opcode.Stxw,
	byte(opcode.Mul32Reg): opcode.Ldxb,
	byte(opcode.Div32Reg): opcode.Ldxh,
	byte(opcode.Mod32Reg): opcode.Ldxdw,
	byte(opcode.Mul64Imm): opcode.Stb,
	byte(opcode.Mul64Reg): opcode.Stxb,
	byte(opcode.Div64Imm): opcode.Sth,
	byte(opcode.Div64Reg): opcode.Stxh,
	byte(opcode.Neg64):    opcode.Stw,
	byte(opcode.Mod64Imm): opcode.Stdw,
	byte(opcode.Mod64Reg): opcode.Stxdw,
}

var v2OpToRaw = map[opcode.Opcode]byte{
	opcode.Ldxw:  0x8C,
	opcode.Stxw:  0x8F,
	opcode.Ldxb:  byte(opcode.Mul32Reg),
	opcode.Ldxh:  byte(opcode.Div32Reg),
	opcode.Ldxdw: byte(opcode.Mod32Reg),
	opcode.Stb:   byte(opcode.Mul64Imm),
	opcode.Stxb:  byte(opcode.Mul64Reg),
	opcode.Sth:   byte(opcode.Div64Imm),
	opcode.Stxh:  byte(opcode.Div64Reg),
	opcode.Stw:   byte(opcode.Neg64),
	opcode.Stdw:  byte(opcode.Mod64Imm),
	opcode.Stxdw: byte(opcode.Mod64Reg),
}

// SbpfV2 layers the fixed opcode-byte remap table on top of SbpfV0's
// callx handling. 0xF7 (Hor64Imm) needs no remap entry: it is already
// an unclaimed byte in the base class/op scheme, so it decodes
// identically under Bpf, SbpfV0 and SbpfV2.
type SbpfV2 struct{}

func (SbpfV2) Name() string { return "sbpfv2" }

func (SbpfV2) DecodeByte(raw byte, dst uint8, imm int32) (opcode.Opcode, uint8, int32) {
	if op, ok := v2RawToOp[raw]; ok {
		return op, dst, imm
	}
	return SbpfV0{}.DecodeByte(raw, dst, imm)
}

func (SbpfV2) EncodeByte(op opcode.Opcode, dst uint8, imm int32) (byte, uint8, int32) {
	if raw, ok := v2OpToRaw[op]; ok {
		return raw, dst, imm
	}
	return SbpfV0{}.EncodeByte(op, dst, imm)
}

// ForArch resolves a Platform from the CLI/ELF e_flags arch name.
func ForArch(name string) (Platform, bool) {
	switch name {
	case "bpf":
		return Bpf{}, true
	case "v0", "sbpfv0":
		return SbpfV0{}, true
	case "v2", "sbpfv2":
		return SbpfV2{}, true
	default:
		return nil, false
	}
}

// ForFlags resolves a Platform from the ELF e_flags field (0 =
// SBPFv0, 2 = SBPFv2, matching spec.md §4.8's disassembler rule).
func ForFlags(flags uint32) Platform {
	if flags == 2 {
		return SbpfV2{}
	}
	return SbpfV0{}
}

// Flags returns the e_flags value a platform writes into the ELF
// header it produces.
func Flags(p Platform) uint32 {
	switch p.(type) {
	case SbpfV2:
		return 2
	default:
		return 0
	}
}
