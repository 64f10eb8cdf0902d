// Package asm implements the sBPF assembler pipeline: parsing,
// constant folding, two-pass layout and label/relocation resolution.
// Its Resolved output is what pkg/elf (and optionally pkg/dwarf) turn
// into the final object. See SPEC_FULL.md §6.4 for the algorithm this follows.
package asm

import (
	"github.com/sirupsen/logrus"

	"github.com/oisee/sbpf-go/internal/diag"
	"github.com/oisee/sbpf-go/pkg/opcode"
)

// log traces pipeline-stage boundaries (parse, fold, resolve) at debug
// level, the same logrus idiom pkg/vm uses for its step trace.
var log = logrus.StandardLogger()

// Ref is the "label name or resolved value" sum type used by Off and
// Imm before resolution: before the resolve pass every branch target
// and data reference is a Name; after resolution every Ref in the AST
// has been replaced with its Value.
type Ref struct {
	Name     string
	HasValue bool
	IntVal   int64        // valid when HasValue && !IsNumber
	Num      opcode.Number // valid when HasValue && IsNumber
	IsNumber bool
}

func ResolvedOff(v int16) Ref { return Ref{HasValue: true, IntVal: int64(v)} }
func ResolvedImm(n opcode.Number) Ref { return Ref{HasValue: true, IsNumber: true, Num: n} }
func UnresolvedRef(name string) Ref { return Ref{Name: name} }

func (r Ref) Resolved() bool { return r.HasValue }

// Value returns a resolved Ref's numeric value, whichever constructor
// produced it (ResolvedOff's plain IntVal or ResolvedImm's Number).
func (r Ref) Value() opcode.Number {
	if r.IsNumber {
		return r.Num
	}
	return opcode.Int(r.IntVal)
}

// Instr is the AST's pre-resolution instruction node: Off and Imm may
// still be symbolic label references.
type Instr struct {
	Op     opcode.Opcode
	Dst    *opcode.Register
	Src    *opcode.Register
	Off    *Ref
	Imm    *Ref
	Span   diag.Span
	Offset int // byte offset within .text, assigned during layout
}

// NodeKind tags the AST's ordered node sequence.
type NodeKind int

const (
	NodeDirective NodeKind = iota
	NodeGlobalDecl
	NodeEquDecl
	NodeExternDecl
	NodeRodataDecl
	NodeLabel
	NodeROData
	NodeInstruction
)

// Node is one element of the parsed program, tagged by Kind; only the
// fields relevant to that Kind are populated.
type Node struct {
	Kind NodeKind
	Span diag.Span

	// NodeDirective / NodeRodataDecl
	DirectiveName string

	// NodeGlobalDecl / NodeExternDecl
	Idents []string

	// NodeEquDecl
	EquName string
	EquExpr Ref

	// NodeLabel
	LabelName string
	InRodata  bool
	Offset    int

	// NodeROData
	RodataName string
	RodataKind RodataKind
	RodataData []byte       // Ascii
	RodataNums []opcode.Number // Byte/Short/Int/Long/Quad
	RodataWidth int         // 1,2,4,4,8
	RodataOffset int

	// NodeInstruction
	Instruction *Instr
}

// RodataKind tags the directive that produced a ROData node.
type RodataKind int

const (
	RodataAscii RodataKind = iota
	RodataByte
	RodataShort
	RodataInt
	RodataLong
	RodataQuad
)

func (k RodataKind) Width() int {
	switch k {
	case RodataByte:
		return 1
	case RodataShort:
		return 2
	case RodataInt, RodataLong:
		return 4
	case RodataQuad:
		return 8
	default:
		return 1
	}
}

// Program is the parsed (pre- or post-resolution) assembly unit.
type Program struct {
	Nodes      []Node
	TextSize   int
	RodataSize int
}
