package elf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/oisee/sbpf-go/internal/diag"
	"github.com/oisee/sbpf-go/pkg/asm"
	"github.com/oisee/sbpf-go/pkg/platform"
	"github.com/oisee/sbpf-go/pkg/token"
)

func assemble(t *testing.T, src string) *asm.Resolved {
	t.Helper()
	bag := &diag.Bag{}
	toks := token.New([]byte(src), bag).Lex()
	if !bag.Empty() {
		t.Fatalf("lex errors: %s", bag.Error())
	}
	p := asm.NewParser(toks, bag)
	prog := p.Parse()
	res := asm.Resolve(prog, bag)
	if !bag.Empty() {
		t.Fatalf("assemble errors: %s", bag.Error())
	}
	return res
}

// Scenario 1: a program that loads a rodata string address and calls a
// syscall must synthesize a dynamic ELF object carrying both
// relocation kinds and a defined entry symbol.
func TestBuildHelloWorldELF(t *testing.T) {
	src := `.globl entrypoint
entrypoint:
  lddw r1, message
  mov64 r2, 14
  call sol_log_
  exit
.rodata
message: .ascii "Hello, Solana!"
`
	res := assemble(t, src)
	out, err := Build(res, platform.SbpfV0{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !bytes.Equal(out[0:4], []byte{0x7f, 'E', 'L', 'F'}) {
		t.Fatalf("magic = % x", out[0:4])
	}
	if out[4] != 2 {
		t.Fatalf("EI_CLASS = %d, want 2 (ELFCLASS64)", out[4])
	}
	if got := binary.LittleEndian.Uint16(out[18:20]); got != eMachineSBPF {
		t.Fatalf("e_machine = %#x, want %#x", got, eMachineSBPF)
	}
	if got := binary.LittleEndian.Uint32(out[48:52]); got != 0 {
		t.Fatalf("e_flags = %d, want 0 (SBPFv0)", got)
	}
	phnum := binary.LittleEndian.Uint16(out[56:58])
	if phnum != 3 {
		t.Fatalf("e_phnum = %d, want 3 (dynamic program)", phnum)
	}

	if !bytes.Contains(out, []byte("Hello, Solana!")) {
		t.Fatal(".rodata bytes not found in output")
	}
	if !bytes.Contains(out, []byte("entrypoint\x00")) {
		t.Fatal("entry dynamic symbol name not found in .dynstr")
	}
	if !bytes.Contains(out, []byte("sol_log_\x00")) {
		t.Fatal("syscall dynamic symbol name not found in .dynstr")
	}

	var haveRelative, haveSyscall bool
	for _, rel := range res.Relocations {
		switch rel.Type {
		case asm.RelSbf64Relative:
			haveRelative = true
		case asm.RelSbfSyscall:
			haveSyscall = true
		}
	}
	if !haveRelative || !haveSyscall {
		t.Fatalf("expected one relative and one syscall relocation, got %+v", res.Relocations)
	}
}

// A program with only an internal call needs no dynamic section at
// all: no program headers, e_phoff == 0.
func TestBuildStaticProgramHasNoProgramHeaders(t *testing.T) {
	src := "call target\nexit\ntarget:\nmov64 r1, 7\nexit\n"
	res := assemble(t, src)
	if !res.Static {
		t.Fatal("expected a static program")
	}
	out, err := Build(res, platform.SbpfV0{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	phoff := binary.LittleEndian.Uint64(out[32:40])
	phnum := binary.LittleEndian.Uint16(out[56:58])
	if phoff != 0 || phnum != 0 {
		t.Fatalf("phoff = %d, phnum = %d, want 0, 0", phoff, phnum)
	}
	// .text must still start right after the (empty) program header area.
	ehdr := uint64(ehdrSize)
	textByte := out[ehdr]
	if textByte == 0 {
		t.Fatal(".text appears to be all zero at its expected offset")
	}
}

// e_shstrndx must point at a section whose name is literally
// ".shstrtab", and that section must be the last one in the section
// header table.
func TestBuildShstrtabIsLastSection(t *testing.T) {
	src := "mov64 r1, 5\nexit\n"
	res := assemble(t, src)
	out, err := Build(res, platform.SbpfV0{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	shnum := binary.LittleEndian.Uint16(out[60:62])
	shstrndx := binary.LittleEndian.Uint16(out[62:64])
	if shstrndx != shnum-1 {
		t.Fatalf("e_shstrndx = %d, want %d (last section)", shstrndx, shnum-1)
	}
}

// SBPFv2's e_flags must be 2 so the disassembler selects the right
// byte-remap table on the way back in.
func TestBuildSbpfV2SetsEFlags(t *testing.T) {
	res := assemble(t, "mov64 r1, 5\nexit\n")
	out, err := Build(res, platform.SbpfV2{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := binary.LittleEndian.Uint32(out[48:52]); got != 2 {
		t.Fatalf("e_flags = %d, want 2", got)
	}
}

func TestBuildWithDebugSectionsAppendsThem(t *testing.T) {
	res := assemble(t, "mov64 r1, 5\nexit\n")
	debug := &DebugSections{
		Abbrev:  []byte{1, 2, 3},
		Info:    []byte{4, 5, 6, 7},
		Line:    []byte{8},
		LineStr: []byte("x\x00"),
	}
	out, err := Build(res, platform.SbpfV0{}, debug)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !bytes.Contains(out, []byte(".debug_abbrev\x00")) {
		t.Fatal(".debug_abbrev section name missing from .shstrtab")
	}
	if !bytes.Contains(out, debug.Info) {
		t.Fatal(".debug_info bytes missing from output")
	}
}
