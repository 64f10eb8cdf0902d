package asm

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"github.com/oisee/sbpf-go/internal/diag"
	"github.com/oisee/sbpf-go/pkg/opcode"
	"github.com/oisee/sbpf-go/pkg/syscallhash"
)

// RelocType tags a relocation record's kind.
type RelocType int

const (
	RelSbf64Relative RelocType = iota // 0x08: rewritten lddw rodata address
	RelSbfSyscall                     // 0x0a: call to a named syscall
)

// Relocation is one entry of .rel.dyn: the byte offset of the
// instruction needing a runtime fixup, its kind, and (for syscalls)
// the dynamic symbol it resolves against.
type Relocation struct {
	Type   RelocType
	Offset int // byte offset within .text
	Symbol int // index into DynSymbols; 0 for RelSbf64Relative
}

// DynSymbol is one dynamic symbol table entry: syscalls are undefined
// (Defined=false, Value=0), the entry point is defined (Defined=true,
// Value=its .text byte offset).
type DynSymbol struct {
	Name    string
	Defined bool
	Value   int
}

// Resolved is the output of the resolve pass: concrete instructions
// ready for opcode.Encode, packed rodata bytes, and the relocation /
// dynamic-symbol bookkeeping pkg/elf needs to lay out a dynamic
// binary. Syscalls maps an instruction's array index (not byte
// offset) to the syscall name it calls, for pkg/vm's dispatch.
type Resolved struct {
	Instructions []opcode.Instruction
	Syscalls     map[int]string
	Rodata       []byte
	TextSize     int
	RodataSize   int
	Relocations  []Relocation
	DynSymbols   []DynSymbol
	EntryName    string
	EntryOffset  int
	HasEntry     bool
	Static       bool

	// InstrSpans holds instrs[i]'s source span, aligned index-for-index
	// with Instructions; pkg/dwarf's line program consumes this to map
	// each wire offset back to a source line. Populated unconditionally
	// (not just under a Debug option) since it is cheap and the caller
	// decides whether to invoke pkg/dwarf at all.
	InstrSpans []diag.Span

	// Labels holds every .text label's name, byte offset and source
	// span, for pkg/dwarf's per-label DW_TAG_label DIEs. Rodata labels
	// are excluded: they have no instruction address to attach to.
	Labels []LabelDebug
}

// LabelDebug is one .text label's debug-info-relevant fields.
type LabelDebug struct {
	Name   string
	Offset int // byte offset within .text
	Span   diag.Span
}

type labelInfo struct {
	inRodata bool
	offset   int // byte offset within its own section
	index    int // instruction array index; meaningful only when !inRodata
	span     diag.Span
}

// resolver carries the cross-references collected during a first
// walk of the Program, consumed by the second walk that produces
// concrete Instructions.
type resolver struct {
	prog   Program
	diags  *diag.Bag
	labels map[string]labelInfo
	syms   map[string]int // dynamic symbol name -> DynSymbols index
}

// Resolve runs the full resolution pass described in spec.md §4.4 over
// an already-parsed Program, returning the assembled Resolved form.
// Equ bindings are already substituted by this point (constant folding
// resolves them during parsing); Resolve only has to settle labels.
func Resolve(prog Program, diags *diag.Bag) *Resolved {
	log.WithFields(logrus.Fields{"nodes": len(prog.Nodes)}).Debug("resolve: start")
	r := &resolver{prog: prog, diags: diags, labels: map[string]labelInfo{}, syms: map[string]int{}}
	r.collectLabels()

	static := r.isStatic()
	phCount := 0
	if !static {
		phCount = 3
	}
	programHeaderBytes := 64 + phCount*56

	out := &Resolved{
		Syscalls:   map[int]string{},
		TextSize:   prog.TextSize,
		RodataSize: prog.RodataSize,
		Static:     static,
	}
	out.Rodata = r.packRodata()

	var globals []string
	for _, n := range prog.Nodes {
		if n.Kind == NodeGlobalDecl {
			globals = append(globals, n.Idents...)
		}
	}

	idx := 0
	for _, n := range prog.Nodes {
		switch n.Kind {
		case NodeLabel:
			if !n.InRodata {
				out.Labels = append(out.Labels, LabelDebug{Name: n.LabelName, Offset: n.Offset, Span: n.Span})
			}
		case NodeInstruction:
			inst := r.resolveInstruction(n.Instruction, idx, programHeaderBytes, out)
			out.Instructions = append(out.Instructions, inst)
			out.InstrSpans = append(out.InstrSpans, n.Instruction.Span)
			idx++
		}
	}

	for _, name := range globals {
		if li, ok := r.labels[name]; ok && !li.inRodata {
			r.dynSymbol(out, name, true, li.offset)
			if !out.HasEntry {
				out.HasEntry = true
				out.EntryName = name
				out.EntryOffset = li.offset
			}
		} else {
			r.diags.Add(diag.New(diag.UndefinedLabel, diag.Span{}, "global symbol "+name+" is never defined"))
		}
	}

	log.WithFields(logrus.Fields{
		"instructions": len(out.Instructions),
		"relocations":  len(out.Relocations),
		"static":       out.Static,
	}).Debug("resolve: done")
	return out
}

func (r *resolver) collectLabels() {
	idx := 0
	for _, n := range r.prog.Nodes {
		switch n.Kind {
		case NodeLabel:
			if existing, dup := r.labels[n.LabelName]; dup {
				r.diags.Add(diag.New(diag.DuplicateLabel, n.Span, "duplicate label "+n.LabelName).
					WithSecondary(existing.span))
				continue
			}
			r.labels[n.LabelName] = labelInfo{inRodata: n.InRodata, offset: n.Offset, index: idx, span: n.Span}
		case NodeInstruction:
			idx++
		}
	}
}

// isStatic determines whether any instruction requires a relocation:
// an lddw whose immediate is an unresolved label, or a call whose
// target name does not resolve to an internal text label.
func (r *resolver) isStatic() bool {
	for _, n := range r.prog.Nodes {
		if n.Kind != NodeInstruction {
			continue
		}
		in := n.Instruction
		fam, _ := opcode.FamilyOf(in.Op)
		switch fam {
		case opcode.FamLoadImm:
			if in.Imm != nil && !in.Imm.Resolved() {
				return false
			}
		case opcode.FamCallImm:
			if in.Imm != nil && !in.Imm.Resolved() {
				if li, ok := r.labels[in.Imm.Name]; !ok || li.inRodata {
					return false
				}
			}
		}
	}
	return true
}

func (r *resolver) packRodata() []byte {
	buf := make([]byte, r.prog.RodataSize)
	for _, n := range r.prog.Nodes {
		if n.Kind != NodeROData {
			continue
		}
		switch n.RodataKind {
		case RodataAscii:
			copy(buf[n.RodataOffset:], n.RodataData)
		default:
			w := n.RodataWidth
			off := n.RodataOffset
			for _, num := range n.RodataNums {
				switch w {
				case 1:
					buf[off] = byte(num.Val)
				case 2:
					binary.LittleEndian.PutUint16(buf[off:], uint16(num.Val))
				case 4:
					binary.LittleEndian.PutUint32(buf[off:], uint32(num.Val))
				case 8:
					binary.LittleEndian.PutUint64(buf[off:], uint64(num.Val))
				}
				off += w
			}
		}
	}
	return buf
}

// dynSymbol registers (or finds) a dynamic symbol, returning its
// index into out.DynSymbols.
func (r *resolver) dynSymbol(out *Resolved, name string, defined bool, value int) int {
	if idx, ok := r.syms[name]; ok {
		return idx
	}
	idx := len(out.DynSymbols)
	out.DynSymbols = append(out.DynSymbols, DynSymbol{Name: name, Defined: defined, Value: value})
	r.syms[name] = idx
	return idx
}

// resolveInstruction substitutes every symbolic Ref on in with a
// concrete value, emitting relocations and dynamic symbols as needed.
func (r *resolver) resolveInstruction(in *Instr, idx, programHeaderBytes int, out *Resolved) opcode.Instruction {
	result := opcode.Instruction{Op: in.Op, Dst: in.Dst, Src: in.Src}

	if in.Off != nil {
		fam, _ := opcode.FamilyOf(in.Op)
		switch fam {
		case opcode.FamJumpAbs, opcode.FamJumpImm, opcode.FamJumpReg:
			v := r.resolveJumpOff(*in.Off, idx)
			result.Off = &v
		default:
			v := int16(in.Off.IntVal)
			result.Off = &v
		}
	}

	if in.Imm != nil {
		fam, _ := opcode.FamilyOf(in.Op)
		switch fam {
		case opcode.FamLoadImm:
			n := r.resolveLddwImm(*in.Imm, in.Offset, programHeaderBytes, out)
			result.Imm = &n
		case opcode.FamCallImm:
			n := r.resolveCallImm(*in.Imm, idx, in.Offset, out)
			result.Imm = &n
		default:
			n := r.resolveGenericImm(*in.Imm, programHeaderBytes, out)
			result.Imm = &n
		}
	}

	return result
}

// resolveJumpOff converts a jump/branch target Ref to an instruction-
// index-relative i16 offset: target_index - current_index - 1, the
// standard "relative to the instruction after this one" convention,
// expressed in array-index units rather than byte units.
func (r *resolver) resolveJumpOff(ref Ref, currentIdx int) int16 {
	if ref.Resolved() {
		return int16(ref.Value().Val)
	}
	li, ok := r.labels[ref.Name]
	if !ok || li.inRodata {
		r.diags.Add(diag.New(diag.UndefinedLabel, diag.Span{}, "undefined label "+ref.Name))
		return 0
	}
	return int16(li.index - currentIdx - 1)
}

// resolveCallImm resolves a call target: an internal label becomes
// the target's absolute array index (no relocation); any other name
// is treated as a syscall, hashed with murmur3, and given a
// RelSbfSyscall relocation plus a dynamic symbol. A bare resolved
// number (e.g. "call 3") is used verbatim as an absolute index,
// matching the raw-literal scenario in spec.md §8.
func (r *resolver) resolveCallImm(ref Ref, idx, byteOffset int, out *Resolved) opcode.Number {
	if ref.Resolved() {
		return opcode.Int(ref.Value().Val)
	}
	if li, ok := r.labels[ref.Name]; ok && !li.inRodata {
		return opcode.Int(int64(li.index))
	}
	hash := syscallhash.Hash32(ref.Name)
	symIdx := r.dynSymbol(out, ref.Name, false, 0)
	out.Relocations = append(out.Relocations, Relocation{Type: RelSbfSyscall, Offset: byteOffset, Symbol: symIdx})
	out.Syscalls[idx] = ref.Name
	return opcode.Int(int64(hash))
}

// resolveLddwImm resolves an lddw immediate label reference to an
// absolute ELF virtual address: target_offset (within text or, offset
// by text_size, within rodata) plus program_header_bytes, emitting a
// RelSbf64Relative relocation.
func (r *resolver) resolveLddwImm(ref Ref, byteOffset, programHeaderBytes int, out *Resolved) opcode.Number {
	if ref.Resolved() {
		return ref.Value()
	}
	li, ok := r.labels[ref.Name]
	if !ok {
		r.diags.Add(diag.New(diag.UndefinedLabel, diag.Span{}, "undefined label "+ref.Name))
		return opcode.Int(0)
	}
	within := li.offset
	if li.inRodata {
		within += out.TextSize
	}
	abs := within + programHeaderBytes
	out.Relocations = append(out.Relocations, Relocation{Type: RelSbf64Relative, Offset: byteOffset, Symbol: 0})
	return opcode.Addr(int64(abs))
}

// resolveGenericImm handles the rare case of a label reference inside
// a non-call, non-lddw immediate position (e.g. a unary width
// operand): it resolves the same way lddw does, as an absolute
// address, but never emits a relocation since nothing else in the
// toolchain interprets such a value as one.
func (r *resolver) resolveGenericImm(ref Ref, programHeaderBytes int, out *Resolved) opcode.Number {
	if ref.Resolved() {
		return ref.Value()
	}
	li, ok := r.labels[ref.Name]
	if !ok {
		r.diags.Add(diag.New(diag.UndefinedLabel, diag.Span{}, "undefined label "+ref.Name))
		return opcode.Int(0)
	}
	within := li.offset
	if li.inRodata {
		within += out.TextSize
	}
	return opcode.Addr(int64(within + programHeaderBytes))
}
