// Package disasm lifts a synthesized ELF64 object back into an
// instruction stream, syscall table and classified rodata: the
// inverse of pkg/elf.Build. See SPEC_FULL.md §6.8 and spec.md §4.8.
package disasm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/oisee/sbpf-go/pkg/opcode"
	"github.com/oisee/sbpf-go/pkg/platform"
)

const (
	ehdrSize      = 64
	shdrSize      = 64
	dynsymEntSize = 24
	reldynEntSize = 16

	eMachineSBPF = 0xF7

	relSbfSyscall = 0x0a
)

// RodataKind classifies one item of a disassembled .rodata section.
type RodataKind int

const (
	RodataAscii RodataKind = iota
	RodataWord
	RodataLong
	RodataQuad
	RodataByte
)

// RodataItem is one split, classified piece of .rodata: an ASCII run
// gets a str_XXXX label, anything else data_XXXX, per spec.md §4.8.
type RodataItem struct {
	Label  string
	Offset int
	Kind   RodataKind
	Data   []byte
}

// Disassembled is disasm's output: a decoded instruction stream, the
// syscall names resolved from .rel.dyn/.dynsym/.dynstr keyed by
// instruction index (the same shape pkg/asm.Resolved.Syscalls and
// vm.Program.Syscalls use), and the classified rodata section.
type Disassembled struct {
	Instructions []opcode.Instruction
	InstrOffsets []int // byte offset within .text of each instruction
	Syscalls     map[int]string
	Rodata       []byte
	RodataItems  []RodataItem
	Platform     platform.Platform
	Static       bool
	EntrySymbol  string
}

type sectionHeader struct {
	nameOff uint32
	name    string
	shType  uint32
	flags   uint64
	addr    uint64
	offset  uint64
	size    uint64
	link    uint32
	entsize uint64
}

func (s sectionHeader) bytes(raw []byte) []byte { return raw[s.offset : s.offset+s.size] }

// Disassemble parses raw as an ELF64 little-endian sBPF object and
// lifts its .text back into instructions, resolving syscall
// relocations and classifying .rodata.
func Disassemble(raw []byte) (*Disassembled, error) {
	if len(raw) < ehdrSize {
		return nil, errors.New("disasm: file too small for an ELF64 header")
	}
	if raw[0] != 0x7f || raw[1] != 'E' || raw[2] != 'L' || raw[3] != 'F' {
		return nil, errors.New("disasm: missing ELF magic")
	}
	if raw[4] != 2 {
		return nil, errors.New("disasm: not ELFCLASS64")
	}

	eMachine := binary.LittleEndian.Uint16(raw[18:20])
	if eMachine != eMachineSBPF {
		return nil, fmt.Errorf("disasm: unexpected e_machine 0x%x, want 0x%x", eMachine, uint16(eMachineSBPF))
	}
	eFlags := binary.LittleEndian.Uint32(raw[48:52])
	ePhnum := binary.LittleEndian.Uint16(raw[56:58])
	eShoff := binary.LittleEndian.Uint64(raw[40:48])
	eShentsize := binary.LittleEndian.Uint16(raw[58:60])
	eShnum := binary.LittleEndian.Uint16(raw[60:62])
	eShstrndx := binary.LittleEndian.Uint16(raw[62:64])

	if eShnum == 0 {
		return nil, errors.New("disasm: no section headers")
	}
	if int(eShentsize) != shdrSize {
		return nil, fmt.Errorf("disasm: unexpected section header entry size %d", eShentsize)
	}

	sections := make([]sectionHeader, eShnum)
	for i := range sections {
		off := eShoff + uint64(i)*uint64(shdrSize)
		sections[i] = sectionHeader{
			nameOff: binary.LittleEndian.Uint32(raw[off : off+4]),
			shType:  binary.LittleEndian.Uint32(raw[off+4 : off+8]),
			flags:   binary.LittleEndian.Uint64(raw[off+8 : off+16]),
			addr:    binary.LittleEndian.Uint64(raw[off+16 : off+24]),
			offset:  binary.LittleEndian.Uint64(raw[off+24 : off+32]),
			size:    binary.LittleEndian.Uint64(raw[off+32 : off+40]),
			link:    binary.LittleEndian.Uint32(raw[off+40 : off+44]),
			entsize: binary.LittleEndian.Uint64(raw[off+56 : off+64]),
		}
	}

	if int(eShstrndx) >= len(sections) {
		return nil, errors.New("disasm: e_shstrndx out of range")
	}
	shstrtab := sections[eShstrndx].bytes(raw)
	byName := map[string]*sectionHeader{}
	for i := range sections {
		sections[i].name = cString(shstrtab, sections[i].nameOff)
		byName[sections[i].name] = &sections[i]
	}

	textSec, ok := byName[".text"]
	if !ok {
		return nil, errors.New("disasm: missing .text section")
	}

	plat := platform.ForFlags(eFlags)
	instrs, offsets, err := decodeText(textSec.bytes(raw), plat)
	if err != nil {
		return nil, err
	}

	out := &Disassembled{
		Instructions: instrs,
		InstrOffsets: offsets,
		Syscalls:     map[int]string{},
		Platform:     plat,
		Static:       ePhnum == 0,
	}

	if rodataSec, ok := byName[".rodata"]; ok {
		out.Rodata = rodataSec.bytes(raw)
		out.RodataItems = classifyRodata(out.Rodata, instrs, rodataSec.addr)
	}

	if relSec, ok := byName[".rel.dyn"]; ok {
		dynsymSec, hasSym := byName[".dynsym"]
		dynstrSec, hasStr := byName[".dynstr"]
		if hasSym && hasStr {
			out.Syscalls, err = resolveSyscalls(raw, relSec, dynsymSec, dynstrSec, textSec.addr, offsets)
			if err != nil {
				return nil, err
			}
			out.EntrySymbol = findEntrySymbol(dynsymSec.bytes(raw), dynstrSec.bytes(raw))
		}
	}

	return out, nil
}

// decodeText walks data in 8-byte strides (16 for lddw), decoding each
// block through plat and opcode.Decode, mirroring pkg/elf.encodeText's
// inverse.
func decodeText(data []byte, plat platform.Platform) ([]opcode.Instruction, []int, error) {
	if len(data)%8 != 0 {
		return nil, nil, errors.New("disasm: .text length is not a multiple of 8")
	}
	var instrs []opcode.Instruction
	var offsets []int
	pos := 0
	for pos < len(data) {
		if len(data)-pos < 8 {
			break
		}
		dst := data[pos+1] & 0x0f
		src := data[pos+1] >> 4
		imm := int32(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		op, newDst, newImm := plat.DecodeByte(data[pos], dst, imm)

		size := op.Size()
		if pos+size > len(data) {
			return nil, nil, fmt.Errorf("disasm: instruction at .text offset %d needs %d bytes, only %d remain", pos, size, len(data)-pos)
		}
		block := make([]byte, size)
		copy(block, data[pos:pos+size])
		block[1] = (src << 4) | (newDst & 0x0f)
		binary.LittleEndian.PutUint32(block[4:8], uint32(newImm))

		inst, err := opcode.Decode(op, block)
		if err != nil {
			return nil, nil, err
		}
		offsets = append(offsets, pos)
		instrs = append(instrs, inst)
		pos += size
	}
	return instrs, offsets, nil
}

// resolveSyscalls reads .rel.dyn, resolving each R_SBF_SYSCALL entry's
// symbol name and mapping it to the instruction index whose .text
// offset the relocation targets.
func resolveSyscalls(raw []byte, relSec, dynsymSec, dynstrSec *sectionHeader, textAddr uint64, offsets []int) (map[int]string, error) {
	syscalls := map[int]string{}
	relBytes := relSec.bytes(raw)
	dynsymBytes := dynsymSec.bytes(raw)
	dynstrBytes := dynstrSec.bytes(raw)

	for i := 0; i+reldynEntSize <= len(relBytes); i += reldynEntSize {
		rOffset := binary.LittleEndian.Uint64(relBytes[i : i+8])
		rInfo := binary.LittleEndian.Uint64(relBytes[i+8 : i+16])
		rType := rInfo & 0xffffffff
		if rType != relSbfSyscall {
			continue
		}
		symIdx := rInfo >> 32
		symOff := symIdx * dynsymEntSize
		if symOff+dynsymEntSize > uint64(len(dynsymBytes)) {
			return nil, fmt.Errorf("disasm: relocation symbol index %d out of range", symIdx)
		}
		nameOff := binary.LittleEndian.Uint32(dynsymBytes[symOff : symOff+4])
		name := cString(dynstrBytes, nameOff)

		textOffset := int(rOffset - textAddr)
		idx := indexOf(offsets, textOffset)
		if idx < 0 {
			return nil, fmt.Errorf("disasm: relocation at .text offset %d does not align to any decoded instruction", textOffset)
		}
		syscalls[idx] = name
	}
	return syscalls, nil
}

// findEntrySymbol returns the name of the first defined (shndx != 0)
// dynamic symbol, i.e. the entry point pkg/asm.Resolved.EntryName
// names before assembly. Empty if none is defined.
func findEntrySymbol(dynsym, dynstr []byte) string {
	for off := dynsymEntSize; off+dynsymEntSize <= len(dynsym); off += dynsymEntSize {
		shndx := binary.LittleEndian.Uint16(dynsym[off+6 : off+8])
		if shndx == 0 {
			continue
		}
		nameOff := binary.LittleEndian.Uint32(dynsym[off : off+4])
		return cString(dynstr, nameOff)
	}
	return ""
}

// classifyRodata splits data at every lddw-referenced offset (and 0),
// trims trailing zeros from the final item, and classifies each piece
// per spec.md §4.8's Ascii/Word/Long/Quad/Byte rule.
func classifyRodata(data []byte, instrs []opcode.Instruction, rodataAddr uint64) []RodataItem {
	if len(data) == 0 {
		return nil
	}

	refSet := map[int]bool{0: true}
	for _, inst := range instrs {
		if inst.Op != opcode.Lddw || inst.Imm == nil {
			continue
		}
		v := uint64(inst.Imm.Val)
		if v >= rodataAddr && v < rodataAddr+uint64(len(data)) {
			refSet[int(v-rodataAddr)] = true
		}
	}

	refs := make([]int, 0, len(refSet))
	for o := range refSet {
		refs = append(refs, o)
	}
	sort.Ints(refs)
	if refs[len(refs)-1] != len(data) {
		refs = append(refs, len(data))
	}

	items := make([]RodataItem, 0, len(refs)-1)
	for i := 0; i < len(refs)-1; i++ {
		start, end := refs[i], refs[i+1]
		chunk := data[start:end]
		if i == len(refs)-2 {
			chunk = trimTrailingZeros(chunk)
		}
		items = append(items, classifyItem(start, chunk))
	}
	return items
}

func classifyItem(offset int, data []byte) RodataItem {
	if isPrintableASCII(data) {
		return RodataItem{Label: fmt.Sprintf("str_%04x", offset), Offset: offset, Kind: RodataAscii, Data: data}
	}
	kind := RodataByte
	switch len(data) {
	case 2:
		kind = RodataWord
	case 4:
		kind = RodataLong
	case 8:
		kind = RodataQuad
	}
	return RodataItem{Label: fmt.Sprintf("data_%04x", offset), Offset: offset, Kind: kind, Data: data}
}

func isPrintableASCII(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c == '\t' || c == '\r' || c == '\n' {
			continue
		}
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

func trimTrailingZeros(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}

func cString(b []byte, off uint32) string {
	end := off
	for end < uint32(len(b)) && b[end] != 0 {
		end++
	}
	if off > uint32(len(b)) {
		return ""
	}
	return string(b[off:end])
}

func indexOf(offsets []int, want int) int {
	for i, o := range offsets {
		if o == want {
			return i
		}
	}
	return -1
}
