// Package dwarf emits the minimal DWARF-5 debug info spec.md §4.6
// describes for an assembled program: a single compile unit DIE, one
// label DIE per .text label, and a line program mapping each
// instruction's byte offset back to its source line. See SPEC_FULL.md
// §6.6 for the design this follows.
package dwarf

import (
	"bytes"

	"github.com/oisee/sbpf-go/pkg/asm"
	"github.com/oisee/sbpf-go/pkg/elf"
)

const (
	dwVersion5 = 5
	dwUTCompile = 0x01
	addressSize = 8

	tagCompileUnit = 0x11
	tagLabel       = 0x0a

	atProducer  = 0x25
	atLanguage  = 0x13
	atLowPC     = 0x11
	atHighPC    = 0x12
	atStmtList  = 0x10
	atName      = 0x03
	atDeclLine  = 0x3b

	formLineStrp  = 0x1f
	formAddr      = 0x01
	formData2     = 0x05
	formData8     = 0x07
	formSecOffset = 0x17
	formUdata     = 0x0f

	// DW_LANG_Mips_Assembler — the conventional choice spec.md §4.6
	// names for an assembly-language compile unit (no DW_LANG_Assembler
	// of its own exists in the standard).
	langMipsAssembler = 0x8001

	minInstructionLength = 8 // spec.md §4.6: "minimum_instruction_length = 8"
	maxOpsPerInstruction  = 1
	lineBase              = -5
	lineRange              = 14
	opcodeBase             = 13

	lnsCopy      = 1
	lnsAdvancePC = 2
	lnsAdvanceLn = 3

	lneEndSequence = 0x01
	lneSetAddress  = 0x02
)

// strPool accumulates NUL-terminated strings for .debug_line_str,
// returning each string's byte offset on first insertion (interned).
type strPool struct {
	buf     []byte
	offsets map[string]uint32
}

func newStrPool() *strPool { return &strPool{offsets: map[string]uint32{}} }

func (p *strPool) intern(s string) uint32 {
	if off, ok := p.offsets[s]; ok {
		return off
	}
	off := uint32(len(p.buf))
	p.buf = append(p.buf, []byte(s)...)
	p.buf = append(p.buf, 0)
	p.offsets[s] = off
	return off
}

// lineOf returns the 1-based source line containing byte offset pos.
func lineOf(src []byte, pos int) int {
	if pos > len(src) {
		pos = len(src)
	}
	return 1 + bytes.Count(src[:pos], []byte{'\n'})
}

// Build emits the four DWARF-5 byte images spec.md §4.6 names, given
// the original assembly source (for offset-to-line mapping) and the
// resolved program's per-instruction spans and label table.
func Build(src []byte, res *asm.Resolved, sourceName string) *elf.DebugSections {
	strs := newStrPool()

	textSize := 0
	for _, inst := range res.Instructions {
		textSize += inst.Size()
	}

	abbrev := buildAbbrev()
	info := buildInfo(res, src, strs, uint64(textSize))
	line := buildLine(res, src, strs, sourceName, uint64(textSize))

	return &elf.DebugSections{
		Abbrev:  abbrev,
		Info:    info,
		Line:    line,
		LineStr: strs.buf,
	}
}

// buildAbbrev emits the two abbreviation declarations Build's DIEs use:
// 1 (compile_unit, has children) and 2 (label, no children).
func buildAbbrev() []byte {
	w := elf.NewWriter()

	// Abbrev 1: DW_TAG_compile_unit, children=yes.
	writeUleb(w, 1)
	writeUleb(w, tagCompileUnit)
	w.U8(1) // DW_CHILDREN_yes
	writeUleb(w, atProducer)
	writeUleb(w, formLineStrp)
	writeUleb(w, atLanguage)
	writeUleb(w, formData2)
	writeUleb(w, atLowPC)
	writeUleb(w, formAddr)
	writeUleb(w, atHighPC)
	writeUleb(w, formData8)
	writeUleb(w, atStmtList)
	writeUleb(w, formSecOffset)
	writeUleb(w, 0)
	writeUleb(w, 0)

	// Abbrev 2: DW_TAG_label, children=no.
	writeUleb(w, 2)
	writeUleb(w, tagLabel)
	w.U8(0) // DW_CHILDREN_no
	writeUleb(w, atName)
	writeUleb(w, formLineStrp)
	writeUleb(w, atDeclLine)
	writeUleb(w, formUdata)
	writeUleb(w, atLowPC)
	writeUleb(w, formAddr)
	writeUleb(w, 0)
	writeUleb(w, 0)

	writeUleb(w, 0) // end of abbreviation table
	return w.Bytes()
}

// buildInfo emits the single compile-unit DIE plus one label child DIE
// per res.Labels. stmt_list is always 0: there is exactly one
// .debug_line program, starting at the top of that section.
func buildInfo(res *asm.Resolved, src []byte, strs *strPool, textSize uint64) []byte {
	w := elf.NewWriter()
	w.U32(0) // unit_length placeholder, patched below
	lengthFieldEnd := w.Len()

	w.U16(dwVersion5)
	w.U8(dwUTCompile)
	w.U8(addressSize)
	w.U32(0) // debug_abbrev_offset: single CU, abbrev table starts at 0

	writeUleb(w, 1) // abbrev code 1: compile_unit
	w.U32(strs.intern("sbpf-go assembler"))
	w.U16(langMipsAssembler)
	w.U64(0) // low_pc
	w.U64(textSize)
	w.U32(0) // stmt_list: offset into .debug_line, single program at 0

	for _, lbl := range res.Labels {
		writeUleb(w, 2) // abbrev code 2: label
		w.U32(strs.intern(lbl.Name))
		writeUleb(w, uint64(lineOf(src, lbl.Span.Start)))
		w.U64(uint64(lbl.Offset))
	}

	writeUleb(w, 0) // end of compile_unit's children

	buf := w.Bytes()
	binaryPatchU32(buf, 0, uint32(len(buf)-lengthFieldEnd))
	return buf
}

func binaryPatchU32(buf []byte, offset int, v uint32) {
	buf[offset] = byte(v)
	buf[offset+1] = byte(v >> 8)
	buf[offset+2] = byte(v >> 16)
	buf[offset+3] = byte(v >> 24)
}

// buildLine emits the DWARF-5 .debug_line program: header (directory
// and file tables referencing .debug_line_str), then one
// advance-pc/advance-line/copy triple per instruction, ending with
// DW_LNE_end_sequence at textSize.
func buildLine(res *asm.Resolved, src []byte, strs *strPool, sourceName string, textSize uint64) []byte {
	w := elf.NewWriter()
	w.U32(0) // unit_length placeholder
	lengthFieldEnd := w.Len()

	w.U16(dwVersion5)
	w.U8(addressSize)
	w.U8(0) // segment_selector_size

	w.U32(0) // header_length placeholder
	headerLengthFieldEnd := w.Len()

	w.U8(minInstructionLength)
	w.U8(maxOpsPerInstruction)
	w.U8(1) // default_is_stmt
	w.U8(byte(int8(lineBase)))
	w.U8(lineRange)
	w.U8(opcodeBase)
	for _, n := range []byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1} {
		w.U8(n)
	}

	// Directory table: one entry, the empty "." directory.
	w.U8(1) // directory_entry_format_count
	writeUleb(w, 1) // DW_LNCT_path
	writeUleb(w, formLineStrp)
	writeUleb(w, 1) // directories_count
	w.U32(strs.intern("."))

	// File name table: one entry, the source file.
	w.U8(2) // file_name_entry_format_count
	writeUleb(w, 1) // DW_LNCT_path
	writeUleb(w, formLineStrp)
	writeUleb(w, 2) // DW_LNCT_directory_index
	writeUleb(w, formUdata)
	writeUleb(w, 1) // file_names_count
	w.U32(strs.intern(sourceName))
	writeUleb(w, 0) // directory index 0

	buf := w.Bytes()
	binaryPatchU32(buf, headerLengthFieldEnd-4, uint32(w.Len()-headerLengthFieldEnd))

	// Line number program: begin the sequence at address 0, line 1.
	writeExtSetAddress(w, 0)
	prevLine := 1
	prevAddr := uint64(0) // address of the last emitted row
	addr := uint64(0)     // running address of the instruction about to be emitted
	for i, inst := range res.Instructions {
		line := 1
		if i < len(res.InstrSpans) {
			line = lineOf(src, res.InstrSpans[i].Start)
		}
		if addr != prevAddr {
			writeUleb(w, lnsAdvancePC)
			// The operand counts units of minimum_instruction_length.
			writeUleb(w, (addr-prevAddr)/minInstructionLength)
		}
		if line != prevLine {
			w.U8(lnsAdvanceLn)
			writeSleb(w, int64(line-prevLine))
		}
		w.U8(lnsCopy)
		prevAddr = addr
		prevLine = line
		addr += uint64(inst.Size())
	}
	writeExtEndSequence(w, (addr-prevAddr)/minInstructionLength)

	buf = w.Bytes()
	binaryPatchU32(buf, 0, uint32(len(buf)-lengthFieldEnd))
	return buf
}

func writeExtSetAddress(w *elf.Writer, addr uint64) {
	w.U8(0) // extended opcode marker
	writeUleb(w, 1+addressSize)
	w.U8(lneSetAddress)
	w.U64(addr)
}

func writeExtEndSequence(w *elf.Writer, advanceBy uint64) {
	if advanceBy > 0 {
		writeUleb(w, lnsAdvancePC)
		writeUleb(w, advanceBy)
	}
	w.U8(0)
	writeUleb(w, 1)
	w.U8(lneEndSequence)
}

func writeUleb(w *elf.Writer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.U8(b)
		if v == 0 {
			return
		}
	}
}

func writeSleb(w *elf.Writer, v int64) {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		signBit := b&0x40 != 0
		if (v == 0 && !signBit) || (v == -1 && signBit) {
			more = false
		} else {
			b |= 0x80
		}
		w.U8(b)
	}
}
