// Package opcode defines the closed sBPF instruction set: the Opcode
// enum, its twelve operand families, and the total opcode->family
// mapping every higher layer (assembler, platform codec, interpreter,
// disassembler) dispatches through.
package opcode

import "fmt"

// Opcode identifies an sBPF mnemonic by its natural (SBPFv0/base) wire
// byte. Platform codecs may translate a handful of raw bytes to and
// from different Opcodes (see pkg/platform); everywhere else in this
// module code speaks in Opcode, never in raw bytes.
type Opcode uint8

// Instruction classes: the low 3 bits of every opcode byte.
const (
	classLoadImm  = 0x00
	classLoadReg  = 0x01
	classStoreImm = 0x02
	classStoreReg = 0x03
	classALU32    = 0x04
	classJump     = 0x05
	classALU64    = 0x07
)

// Memory op mode (bits 5-7) and size (bits 3-4).
const (
	modeImm = 0x00
	modeMem = 0x60

	sizeW  = 0x00
	sizeH  = 0x08
	sizeB  = 0x10
	sizeDW = 0x18
)

// ALU/Jump source-operand bit (bit 3): 0 = immediate, 0x08 = register.
const (
	srcImm = 0x00
	srcReg = 0x08
)

// ALU op nibble (bits 4-7).
const (
	aluAdd  = 0x00
	aluSub  = 0x10
	aluMul  = 0x20
	aluDiv  = 0x30
	aluOr   = 0x40
	aluAnd  = 0x50
	aluLsh  = 0x60
	aluRsh  = 0x70
	aluNeg  = 0x80
	aluMod  = 0x90
	aluXor  = 0xA0
	aluMov  = 0xB0
	aluArsh = 0xC0
	aluEnd  = 0xD0
	aluHor  = 0xF0
)

// Jump op nibble (bits 4-7).
const (
	jmpJa   = 0x00
	jmpJeq  = 0x10
	jmpJgt  = 0x20
	jmpJge  = 0x30
	jmpJset = 0x40
	jmpJne  = 0x50
	jmpJsgt = 0x60
	jmpJsge = 0x70
	jmpCall = 0x80
	jmpExit = 0x90
	jmpJlt  = 0xA0
	jmpJle  = 0xB0
	jmpJslt = 0xC0
	jmpJsle = 0xD0
)

// Load-immediate family.
const Lddw Opcode = classLoadImm | sizeDW | modeImm

// Load-memory family.
const (
	Ldxw  Opcode = classLoadReg | modeMem | sizeW
	Ldxh  Opcode = classLoadReg | modeMem | sizeH
	Ldxb  Opcode = classLoadReg | modeMem | sizeB
	Ldxdw Opcode = classLoadReg | modeMem | sizeDW
)

// Store-immediate family.
const (
	Stw  Opcode = classStoreImm | modeMem | sizeW
	Sth  Opcode = classStoreImm | modeMem | sizeH
	Stb  Opcode = classStoreImm | modeMem | sizeB
	Stdw Opcode = classStoreImm | modeMem | sizeDW
)

// Store-register family.
const (
	Stxw  Opcode = classStoreReg | modeMem | sizeW
	Stxh  Opcode = classStoreReg | modeMem | sizeH
	Stxb  Opcode = classStoreReg | modeMem | sizeB
	Stxdw Opcode = classStoreReg | modeMem | sizeDW
)

// Binary 64-bit, immediate and register source.
const (
	Add64Imm  Opcode = classALU64 | srcImm | aluAdd
	Add64Reg  Opcode = classALU64 | srcReg | aluAdd
	Sub64Imm  Opcode = classALU64 | srcImm | aluSub
	Sub64Reg  Opcode = classALU64 | srcReg | aluSub
	Mul64Imm  Opcode = classALU64 | srcImm | aluMul
	Mul64Reg  Opcode = classALU64 | srcReg | aluMul
	Div64Imm  Opcode = classALU64 | srcImm | aluDiv
	Div64Reg  Opcode = classALU64 | srcReg | aluDiv
	Or64Imm   Opcode = classALU64 | srcImm | aluOr
	Or64Reg   Opcode = classALU64 | srcReg | aluOr
	And64Imm  Opcode = classALU64 | srcImm | aluAnd
	And64Reg  Opcode = classALU64 | srcReg | aluAnd
	Lsh64Imm  Opcode = classALU64 | srcImm | aluLsh
	Lsh64Reg  Opcode = classALU64 | srcReg | aluLsh
	Rsh64Imm  Opcode = classALU64 | srcImm | aluRsh
	Rsh64Reg  Opcode = classALU64 | srcReg | aluRsh
	Mod64Imm  Opcode = classALU64 | srcImm | aluMod
	Mod64Reg  Opcode = classALU64 | srcReg | aluMod
	Xor64Imm  Opcode = classALU64 | srcImm | aluXor
	Xor64Reg  Opcode = classALU64 | srcReg | aluXor
	Mov64Imm  Opcode = classALU64 | srcImm | aluMov
	Mov64Reg  Opcode = classALU64 | srcReg | aluMov
	Arsh64Imm Opcode = classALU64 | srcImm | aluArsh
	Arsh64Reg Opcode = classALU64 | srcReg | aluArsh
)

// Neg64 and Hor64Imm are unary-shaped 64-bit ALU ops.
const (
	Neg64    Opcode = classALU64 | srcImm | aluNeg
	Hor64Imm Opcode = classALU64 | srcImm | aluHor
)

// Binary 32-bit, immediate and register source.
const (
	Add32Imm  Opcode = classALU32 | srcImm | aluAdd
	Add32Reg  Opcode = classALU32 | srcReg | aluAdd
	Sub32Imm  Opcode = classALU32 | srcImm | aluSub
	Sub32Reg  Opcode = classALU32 | srcReg | aluSub
	Mul32Imm  Opcode = classALU32 | srcImm | aluMul
	Mul32Reg  Opcode = classALU32 | srcReg | aluMul
	Div32Imm  Opcode = classALU32 | srcImm | aluDiv
	Div32Reg  Opcode = classALU32 | srcReg | aluDiv
	Or32Imm   Opcode = classALU32 | srcImm | aluOr
	Or32Reg   Opcode = classALU32 | srcReg | aluOr
	And32Imm  Opcode = classALU32 | srcImm | aluAnd
	And32Reg  Opcode = classALU32 | srcReg | aluAnd
	Lsh32Imm  Opcode = classALU32 | srcImm | aluLsh
	Lsh32Reg  Opcode = classALU32 | srcReg | aluLsh
	Rsh32Imm  Opcode = classALU32 | srcImm | aluRsh
	Rsh32Reg  Opcode = classALU32 | srcReg | aluRsh
	Mod32Imm  Opcode = classALU32 | srcImm | aluMod
	Mod32Reg  Opcode = classALU32 | srcReg | aluMod
	Xor32Imm  Opcode = classALU32 | srcImm | aluXor
	Xor32Reg  Opcode = classALU32 | srcReg | aluXor
	Mov32Imm  Opcode = classALU32 | srcImm | aluMov
	Mov32Reg  Opcode = classALU32 | srcReg | aluMov
	Arsh32Imm Opcode = classALU32 | srcImm | aluArsh
	Arsh32Reg Opcode = classALU32 | srcReg | aluArsh
)

// Neg32, Le, Be are unary-shaped 32-bit ALU-class ops. Le/Be carry the
// operand width (16, 32 or 64) in imm; the register-source bit
// distinguishes little-endian (imm family) from big-endian (reg bit set,
// though no register operand is read).
const (
	Neg32 Opcode = classALU32 | srcImm | aluNeg
	Le    Opcode = classALU32 | srcImm | aluEnd
	Be    Opcode = classALU32 | srcReg | aluEnd
)

// Jump-absolute.
const Ja Opcode = classJump | srcImm | jmpJa

// Jump-immediate-conditional.
const (
	JeqImm  Opcode = classJump | srcImm | jmpJeq
	JgtImm  Opcode = classJump | srcImm | jmpJgt
	JgeImm  Opcode = classJump | srcImm | jmpJge
	JsetImm Opcode = classJump | srcImm | jmpJset
	JneImm  Opcode = classJump | srcImm | jmpJne
	JsgtImm Opcode = classJump | srcImm | jmpJsgt
	JsgeImm Opcode = classJump | srcImm | jmpJsge
	JltImm  Opcode = classJump | srcImm | jmpJlt
	JleImm  Opcode = classJump | srcImm | jmpJle
	JsltImm Opcode = classJump | srcImm | jmpJslt
	JsleImm Opcode = classJump | srcImm | jmpJsle
)

// Jump-register-conditional.
const (
	JeqReg  Opcode = classJump | srcReg | jmpJeq
	JgtReg  Opcode = classJump | srcReg | jmpJgt
	JgeReg  Opcode = classJump | srcReg | jmpJge
	JsetReg Opcode = classJump | srcReg | jmpJset
	JneReg  Opcode = classJump | srcReg | jmpJne
	JsgtReg Opcode = classJump | srcReg | jmpJsgt
	JsgeReg Opcode = classJump | srcReg | jmpJsge
	JltReg  Opcode = classJump | srcReg | jmpJlt
	JleReg  Opcode = classJump | srcReg | jmpJle
	JsltReg Opcode = classJump | srcReg | jmpJslt
	JsleReg Opcode = classJump | srcReg | jmpJsle
)

// Call-immediate, call-register, exit.
const (
	CallImm Opcode = classJump | srcImm | jmpCall
	CallReg Opcode = classJump | srcReg | jmpCall
	Exit    Opcode = classJump | srcImm | jmpExit
)

// Family is the equivalence class of opcodes sharing one operand shape
// and therefore one decoder, validator and encoder.
type Family int

const (
	FamLoadImm Family = iota
	FamLoadMem
	FamStoreImm
	FamStoreReg
	FamBinaryImm
	FamBinaryReg
	FamUnary
	FamJumpAbs
	FamJumpImm
	FamJumpReg
	FamCallImm
	FamCallReg
	FamExit
)

func (f Family) String() string {
	switch f {
	case FamLoadImm:
		return "load-immediate"
	case FamLoadMem:
		return "load-memory"
	case FamStoreImm:
		return "store-immediate"
	case FamStoreReg:
		return "store-register"
	case FamBinaryImm:
		return "binary-immediate"
	case FamBinaryReg:
		return "binary-register"
	case FamUnary:
		return "unary"
	case FamJumpAbs:
		return "jump-absolute"
	case FamJumpImm:
		return "jump-immediate-conditional"
	case FamJumpReg:
		return "jump-register-conditional"
	case FamCallImm:
		return "call-immediate"
	case FamCallReg:
		return "call-register"
	case FamExit:
		return "exit"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

type catalogEntry struct {
	op       Opcode
	mnemonic string
	family   Family
}

var catalog = []catalogEntry{
	{Lddw, "lddw", FamLoadImm},

	{Ldxw, "ldxw", FamLoadMem},
	{Ldxh, "ldxh", FamLoadMem},
	{Ldxb, "ldxb", FamLoadMem},
	{Ldxdw, "ldxdw", FamLoadMem},

	{Stw, "stw", FamStoreImm},
	{Sth, "sth", FamStoreImm},
	{Stb, "stb", FamStoreImm},
	{Stdw, "stdw", FamStoreImm},

	{Stxw, "stxw", FamStoreReg},
	{Stxh, "stxh", FamStoreReg},
	{Stxb, "stxb", FamStoreReg},
	{Stxdw, "stxdw", FamStoreReg},

	{Add64Imm, "add64", FamBinaryImm}, {Add64Reg, "add64", FamBinaryReg},
	{Sub64Imm, "sub64", FamBinaryImm}, {Sub64Reg, "sub64", FamBinaryReg},
	{Mul64Imm, "mul64", FamBinaryImm}, {Mul64Reg, "mul64", FamBinaryReg},
	{Div64Imm, "div64", FamBinaryImm}, {Div64Reg, "div64", FamBinaryReg},
	{Or64Imm, "or64", FamBinaryImm}, {Or64Reg, "or64", FamBinaryReg},
	{And64Imm, "and64", FamBinaryImm}, {And64Reg, "and64", FamBinaryReg},
	{Lsh64Imm, "lsh64", FamBinaryImm}, {Lsh64Reg, "lsh64", FamBinaryReg},
	{Rsh64Imm, "rsh64", FamBinaryImm}, {Rsh64Reg, "rsh64", FamBinaryReg},
	{Mod64Imm, "mod64", FamBinaryImm}, {Mod64Reg, "mod64", FamBinaryReg},
	{Xor64Imm, "xor64", FamBinaryImm}, {Xor64Reg, "xor64", FamBinaryReg},
	{Mov64Imm, "mov64", FamBinaryImm}, {Mov64Reg, "mov64", FamBinaryReg},
	{Arsh64Imm, "arsh64", FamBinaryImm}, {Arsh64Reg, "arsh64", FamBinaryReg},

	{Neg64, "neg64", FamUnary},
	{Hor64Imm, "hor64", FamUnary},

	{Add32Imm, "add32", FamBinaryImm}, {Add32Reg, "add32", FamBinaryReg},
	{Sub32Imm, "sub32", FamBinaryImm}, {Sub32Reg, "sub32", FamBinaryReg},
	{Mul32Imm, "mul32", FamBinaryImm}, {Mul32Reg, "mul32", FamBinaryReg},
	{Div32Imm, "div32", FamBinaryImm}, {Div32Reg, "div32", FamBinaryReg},
	{Or32Imm, "or32", FamBinaryImm}, {Or32Reg, "or32", FamBinaryReg},
	{And32Imm, "and32", FamBinaryImm}, {And32Reg, "and32", FamBinaryReg},
	{Lsh32Imm, "lsh32", FamBinaryImm}, {Lsh32Reg, "lsh32", FamBinaryReg},
	{Rsh32Imm, "rsh32", FamBinaryImm}, {Rsh32Reg, "rsh32", FamBinaryReg},
	{Mod32Imm, "mod32", FamBinaryImm}, {Mod32Reg, "mod32", FamBinaryReg},
	{Xor32Imm, "xor32", FamBinaryImm}, {Xor32Reg, "xor32", FamBinaryReg},
	{Mov32Imm, "mov32", FamBinaryImm}, {Mov32Reg, "mov32", FamBinaryReg},
	{Arsh32Imm, "arsh32", FamBinaryImm}, {Arsh32Reg, "arsh32", FamBinaryReg},

	{Neg32, "neg32", FamUnary},
	{Le, "le", FamUnary},
	{Be, "be", FamUnary},

	{Ja, "ja", FamJumpAbs},

	{JeqImm, "jeq", FamJumpImm}, {JeqReg, "jeq", FamJumpReg},
	{JgtImm, "jgt", FamJumpImm}, {JgtReg, "jgt", FamJumpReg},
	{JgeImm, "jge", FamJumpImm}, {JgeReg, "jge", FamJumpReg},
	{JsetImm, "jset", FamJumpImm}, {JsetReg, "jset", FamJumpReg},
	{JneImm, "jne", FamJumpImm}, {JneReg, "jne", FamJumpReg},
	{JsgtImm, "jsgt", FamJumpImm}, {JsgtReg, "jsgt", FamJumpReg},
	{JsgeImm, "jsge", FamJumpImm}, {JsgeReg, "jsge", FamJumpReg},
	{JltImm, "jlt", FamJumpImm}, {JltReg, "jlt", FamJumpReg},
	{JleImm, "jle", FamJumpImm}, {JleReg, "jle", FamJumpReg},
	{JsltImm, "jslt", FamJumpImm}, {JsltReg, "jslt", FamJumpReg},
	{JsleImm, "jsle", FamJumpImm}, {JsleReg, "jsle", FamJumpReg},

	{CallImm, "call", FamCallImm},
	{CallReg, "callx", FamCallReg},
	{Exit, "exit", FamExit},
}

var (
	opcodeToFamily   = make(map[Opcode]Family, len(catalog))
	opcodeToMnemonic = make(map[Opcode]string, len(catalog))
	mnemonicToOps    = make(map[string][]Opcode)
)

func init() {
	for _, e := range catalog {
		opcodeToFamily[e.op] = e.family
		opcodeToMnemonic[e.op] = e.mnemonic
		mnemonicToOps[e.mnemonic] = append(mnemonicToOps[e.mnemonic], e.op)
	}
}

// FamilyOf returns the family an opcode belongs to and whether the
// opcode is recognized at all.
func FamilyOf(op Opcode) (Family, bool) {
	f, ok := opcodeToFamily[op]
	return f, ok
}

// Mnemonic returns the canonical assembly mnemonic for an opcode.
func Mnemonic(op Opcode) string {
	if m, ok := opcodeToMnemonic[op]; ok {
		return m
	}
	return fmt.Sprintf("opcode(0x%02x)", uint8(op))
}

// OpcodesForMnemonic returns every opcode sharing a mnemonic (the
// immediate- and register-source variants), used by the parser's
// BPF_X operand-shape rewrite.
func OpcodesForMnemonic(mnemonic string) []Opcode {
	return mnemonicToOps[mnemonic]
}

// CanonicalOpcode returns the lexer-time opcode for a mnemonic: for
// mnemonics with both an immediate- and register-source form it is the
// immediate (source bit clear) variant; the parser ORs in 0x08 later
// if the operand shape calls for the register form. Mnemonics with a
// single form (ja, exit, callx, ...) return that opcode directly.
func CanonicalOpcode(mnemonic string) (Opcode, bool) {
	ops := mnemonicToOps[mnemonic]
	if len(ops) == 0 {
		return 0, false
	}
	best := ops[0]
	for _, op := range ops[1:] {
		if op < best {
			best = op
		}
	}
	return best, true
}

func (op Opcode) String() string {
	return Mnemonic(op)
}

// IsRegisterSourced reports whether the opcode's source-bit (bit 3) is
// set, i.e. it reads a register operand rather than an immediate.
func (op Opcode) IsRegisterSourced() bool {
	switch f, _ := FamilyOf(op); f {
	case FamBinaryReg, FamJumpReg, FamCallReg:
		return true
	default:
		return uint8(op)&srcReg != 0 && f != FamUnary
	}
}

// Size returns the on-wire byte size of the instruction: 16 for Lddw,
// 8 for everything else.
func (op Opcode) Size() int {
	if op == Lddw {
		return 16
	}
	return 8
}
