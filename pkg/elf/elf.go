// Package elf synthesizes the byte-exact ELF64 little-endian object
// the assembler produces: a minimal section/program-header layout
// tailored to the sBPF loader rather than a general-purpose linker
// output. See SPEC_FULL.md §6.5 for the layout this follows.
package elf

import (
	"encoding/binary"

	"github.com/oisee/sbpf-go/pkg/asm"
	"github.com/oisee/sbpf-go/pkg/opcode"
	"github.com/oisee/sbpf-go/pkg/platform"
)

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64

	eMachineSBPF = 0xF7

	shtNull    = 0
	shtProgbit = 1
	shtStrtab  = 3
	shtDynamic = 6
	shtDynsym  = 11
	shtRel     = 9

	shfWrite     = 0x1
	shfAlloc     = 0x2
	shfExecinstr = 0x4

	ptLoad    = 1
	ptDynamic = 2
	pfX       = 1
	pfR       = 4

	dtNull     = 0
	dtSymtab   = 6
	dtStrtab   = 5
	dtRel      = 17
	dtRelsz    = 18
	dtRelent   = 19
	dtStrsz    = 10
	dtSyment   = 11
	dtRelcount = 0x6ffffffa

	dynsymEntSize = 24
	reldynEntSize = 16
	dynEntSize    = 16

	// r_type values for .rel.dyn entries; distinct from pkg/asm's
	// internal RelocType enumeration, which only tags the two kinds.
	relSbf64Relative = 0x08
	relSbfSyscall    = 0x0a
)

// DebugSections carries the four byte images pkg/dwarf produces when
// debug info is requested; a nil *DebugSections omits them entirely
// and does not perturb any other section's offset.
type DebugSections struct {
	Abbrev  []byte
	Info    []byte
	Line    []byte
	LineStr []byte
}

type section struct {
	name    string
	shType  uint32
	flags   uint64
	addr    uint64
	offset  uint64
	size    uint64
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

type programHeader struct {
	typ, flags          uint32
	offset, vaddr, size uint64
}

// Build synthesizes a complete ELF64 object from an assembled program,
// per the section order fixed by spec.md §4.5: NULL, .text,
// .rodata (iff non-empty), then — when the program is dynamic — the
// 8-byte-aligned .dynamic/.dynsym/.dynstr/.rel.dyn group, then the
// optional debug group, with .shstrtab always last.
func Build(res *asm.Resolved, plat platform.Platform, debug *DebugSections) ([]byte, error) {
	phCount := 0
	if !res.Static {
		phCount = 3
	}
	programHeaderBytes := uint64(ehdrSize + phCount*phdrSize)

	text, err := encodeText(res.Instructions, plat)
	if err != nil {
		return nil, err
	}

	var sections []section
	var sectionData [][]byte
	names := []string{""} // NULL section has an empty name

	sections = append(sections, section{shType: shtNull})
	sectionData = append(sectionData, nil)

	offset := programHeaderBytes
	textSec := section{
		name: ".text", shType: shtProgbit,
		flags: shfAlloc | shfExecinstr,
		addr:  offset, offset: offset, size: uint64(len(text)), align: 8,
	}
	sections = append(sections, textSec)
	sectionData = append(sectionData, text)
	names = append(names, ".text")
	offset += uint64(len(text))
	codeDataEnd := offset

	if len(res.Rodata) > 0 {
		rodataSec := section{
			name: ".rodata", shType: shtProgbit,
			flags: shfAlloc,
			addr:  offset, offset: offset, size: uint64(len(res.Rodata)), align: 1,
		}
		sections = append(sections, rodataSec)
		sectionData = append(sectionData, res.Rodata)
		names = append(names, ".rodata")
		offset += uint64(len(res.Rodata))
		codeDataEnd = offset
	}

	offset = align8(offset)

	var programHeaders []programHeader

	if !res.Static {
		dynstr := []byte{0}
		dynsym := make([]byte, dynsymEntSize) // index 0: the null symbol

		for _, sym := range res.DynSymbols {
			nameOff := uint32(len(dynstr))
			dynstr = append(dynstr, []byte(sym.Name)...)
			dynstr = append(dynstr, 0)

			shndx := uint16(0)
			value := uint64(0)
			if sym.Defined {
				shndx = 1 // .text
				value = uint64(sym.Value) + programHeaderBytes
			}
			rec := make([]byte, dynsymEntSize)
			binary.LittleEndian.PutUint32(rec[0:4], nameOff)
			rec[4] = 0x10 // STB_GLOBAL<<4 | STT_NOTYPE
			binary.LittleEndian.PutUint16(rec[6:8], shndx)
			binary.LittleEndian.PutUint64(rec[8:16], value)
			dynsym = append(dynsym, rec...)
		}

		relCount := uint64(0)
		reldyn := make([]byte, 0, len(res.Relocations)*reldynEntSize)
		for _, rel := range res.Relocations {
			symIdx := uint64(0)
			relType := relSbf64Relative
			if rel.Type == asm.RelSbfSyscall {
				symIdx = uint64(rel.Symbol) + 1 // +1: slot 0 is the null symbol
				relType = relSbfSyscall
			} else {
				relCount++
			}
			rOffset := uint64(rel.Offset) + programHeaderBytes
			rInfo := (symIdx << 32) | relType
			rec := make([]byte, reldynEntSize)
			binary.LittleEndian.PutUint64(rec[0:8], rOffset)
			binary.LittleEndian.PutUint64(rec[8:16], rInfo)
			reldyn = append(reldyn, rec...)
		}

		dynamicOffset := offset
		dynsymOffset := dynamicOffset + dynEntSize*9
		dynstrOffset := dynsymOffset + uint64(len(dynsym))
		reldynOffset := dynstrOffset + uint64(len(dynstr))

		dynamic := buildDynamic(reldynOffset, uint64(len(reldyn)), dynsymOffset, dynstrOffset, uint64(len(dynstr)), relCount)

		dynIdx := len(sections)
		sections = append(sections, section{
			name: ".dynamic", shType: shtDynamic, flags: shfAlloc | shfWrite,
			addr: dynamicOffset, offset: dynamicOffset, size: uint64(len(dynamic)),
			entsize: dynEntSize, align: 8,
		})
		sectionData = append(sectionData, dynamic)
		names = append(names, ".dynamic")

		dynsymIdx := len(sections)
		sections = append(sections, section{
			name: ".dynsym", shType: shtDynsym, flags: shfAlloc,
			addr: dynsymOffset, offset: dynsymOffset, size: uint64(len(dynsym)),
			entsize: dynsymEntSize, align: 8,
		})
		sectionData = append(sectionData, dynsym)
		names = append(names, ".dynsym")

		dynstrIdx := len(sections)
		sections = append(sections, section{
			name: ".dynstr", shType: shtStrtab, flags: shfAlloc,
			addr: dynstrOffset, offset: dynstrOffset, size: uint64(len(dynstr)), align: 1,
		})
		sectionData = append(sectionData, dynstr)
		names = append(names, ".dynstr")
		sections[dynsymIdx].link = uint32(dynstrIdx)

		sections = append(sections, section{
			name: ".rel.dyn", shType: shtRel, flags: shfAlloc,
			addr: reldynOffset, offset: reldynOffset, size: uint64(len(reldyn)),
			link: uint32(dynsymIdx), entsize: reldynEntSize, align: 8,
		})
		sectionData = append(sectionData, reldyn)
		names = append(names, ".rel.dyn")

		sections[dynIdx].link = uint32(dynstrIdx)

		offset = reldynOffset + uint64(len(reldyn))

		programHeaders = []programHeader{
			{typ: ptLoad, flags: pfR | pfX, offset: programHeaderBytes, vaddr: programHeaderBytes, size: codeDataEnd - programHeaderBytes},
			{typ: ptLoad, flags: pfR, offset: dynsymOffset, vaddr: dynsymOffset, size: offset - dynsymOffset},
			{typ: ptDynamic, flags: pfR, offset: dynamicOffset, vaddr: dynamicOffset, size: uint64(len(dynamic))},
		}
	}

	if debug != nil {
		for _, d := range []struct {
			name string
			data []byte
		}{
			{".debug_abbrev", debug.Abbrev},
			{".debug_info", debug.Info},
			{".debug_line", debug.Line},
			{".debug_line_str", debug.LineStr},
		} {
			sections = append(sections, section{
				name: d.name, shType: shtProgbit, align: 1,
				offset: offset, size: uint64(len(d.data)),
			})
			sectionData = append(sectionData, d.data)
			names = append(names, d.name)
			offset += uint64(len(d.data))
		}
	}

	shstrtab := buildStrtab(names)
	shstrtabIdx := len(sections)
	sections = append(sections, section{
		name: ".shstrtab", shType: shtStrtab, align: 1,
		offset: offset, size: uint64(len(shstrtab)),
	})
	sectionData = append(sectionData, shstrtab)
	offset += uint64(len(shstrtab))

	nameOffsets := strtabOffsets(names)
	shoff := align8(offset)

	entry := programHeaderBytes
	if res.HasEntry {
		entry += uint64(res.EntryOffset)
	}

	w := NewWriter()
	w.U8(0x7f)
	w.U8('E')
	w.U8('L')
	w.U8('F')
	w.U8(2) // ELFCLASS64
	w.U8(1) // ELFDATA2LSB
	w.U8(1) // EV_CURRENT
	w.U8(0) // ELFOSABI_NONE
	w.Pad(8)
	w.U16(3) // ET_DYN
	w.U16(eMachineSBPF)
	w.U32(1) // EV_CURRENT
	w.U64(entry)
	if phCount > 0 {
		w.U64(ehdrSize)
	} else {
		w.U64(0)
	}
	w.U64(shoff)
	w.U32(platform.Flags(plat))
	w.U16(ehdrSize)
	w.U16(phdrSize)
	w.U16(uint16(phCount))
	w.U16(shdrSize)
	w.U16(uint16(len(sections)))
	w.U16(uint16(shstrtabIdx))

	for _, ph := range programHeaders {
		w.U32(ph.typ)
		w.U32(ph.flags)
		w.U64(ph.offset)
		w.U64(ph.vaddr)
		w.U64(ph.vaddr)
		w.U64(ph.size)
		w.U64(ph.size)
		w.U64(pageAlignFor(ph.typ))
	}

	for i, data := range sectionData {
		w.PadTo(sections[i].offset)
		w.Write(data)
	}
	w.PadTo(shoff)

	for i, s := range sections {
		w.U32(nameOffsets[i])
		w.U32(s.shType)
		w.U64(s.flags)
		w.U64(s.addr)
		w.U64(s.offset)
		w.U64(s.size)
		w.U32(s.link)
		w.U32(s.info)
		w.U64(s.align)
		w.U64(s.entsize)
	}

	return w.Bytes(), nil
}

func pageAlignFor(typ uint32) uint64 {
	if typ == ptDynamic {
		return 8
	}
	return 0x1000
}

func buildDynamic(relOff, relSz, symtabOff, strtabOff, strtabSz, relCount uint64) []byte {
	entries := [][2]uint64{
		{dtRel, relOff},
		{dtRelsz, relSz},
		{dtRelent, reldynEntSize},
		{dtSymtab, symtabOff},
		{dtSyment, dynsymEntSize},
		{dtStrtab, strtabOff},
		{dtStrsz, strtabSz},
		{dtRelcount, relCount},
		{dtNull, 0},
	}
	buf := make([]byte, 0, len(entries)*dynEntSize)
	for _, e := range entries {
		rec := make([]byte, dynEntSize)
		binary.LittleEndian.PutUint64(rec[0:8], e[0])
		binary.LittleEndian.PutUint64(rec[8:16], e[1])
		buf = append(buf, rec...)
	}
	return buf
}

func buildStrtab(names []string) []byte {
	buf := []byte{0}
	for _, n := range names[1:] {
		buf = append(buf, []byte(n)...)
		buf = append(buf, 0)
	}
	return buf
}

func strtabOffsets(names []string) []uint32 {
	offs := make([]uint32, len(names))
	cur := uint32(1)
	for i, n := range names {
		if i == 0 {
			continue
		}
		offs[i] = cur
		cur += uint32(len(n)) + 1
	}
	return offs
}

func align8(v uint64) uint64 { return (v + 7) &^ 7 }

// encodeText lays out every instruction's canonical 8- or 16-byte
// encoding, then patches the wire opcode byte and dst/imm fields
// through the target platform's EncodeByte — the inverse of
// pkg/disasm's per-instruction decode step. Instruction semantics
// never depend on the platform; only this IO boundary does (spec.md
// §9's "Platform trait" design note).
func encodeText(instrs []opcode.Instruction, plat platform.Platform) ([]byte, error) {
	var buf []byte
	for _, inst := range instrs {
		b, err := opcode.Encode(inst)
		if err != nil {
			return nil, err
		}
		dstNibble := b[1] & 0x0f
		srcNibble := b[1] >> 4
		imm := int32(binary.LittleEndian.Uint32(b[4:8]))
		raw, newDst, newImm := plat.EncodeByte(inst.Op, dstNibble, imm)
		b[0] = raw
		b[1] = (srcNibble << 4) | (newDst & 0x0f)
		binary.LittleEndian.PutUint32(b[4:8], uint32(newImm))
		buf = append(buf, b...)
	}
	return buf, nil
}
