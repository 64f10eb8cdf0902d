package asm

import (
	"testing"

	"github.com/oisee/sbpf-go/internal/diag"
	"github.com/oisee/sbpf-go/pkg/opcode"
	"github.com/oisee/sbpf-go/pkg/token"
)

func assemble(t *testing.T, src string) (*Resolved, *diag.Bag) {
	t.Helper()
	bag := &diag.Bag{}
	toks := token.New([]byte(src), bag).Lex()
	if !bag.Empty() {
		t.Fatalf("lex errors: %s", bag.Error())
	}
	p := NewParser(toks, bag)
	prog := p.Parse()
	res := Resolve(prog, bag)
	return res, bag
}

func TestHelloWorldProgram(t *testing.T) {
	src := `.globl entrypoint
entrypoint:
  lddw r1, message
  mov64 r2, 14
  call sol_log_
  exit
.rodata
message: .ascii "Hello, Solana!"
`
	res, bag := assemble(t, src)
	if !bag.Empty() {
		t.Fatalf("unexpected diagnostics: %s", bag.Error())
	}
	if string(res.Rodata) != "Hello, Solana!" {
		t.Fatalf("rodata = %q", res.Rodata)
	}
	if res.Static {
		t.Fatal("program calling a syscall and loading a rodata address must be dynamic")
	}
	var haveRelative, haveSyscall bool
	for _, rel := range res.Relocations {
		switch rel.Type {
		case RelSbf64Relative:
			haveRelative = true
		case RelSbfSyscall:
			haveSyscall = true
			sym := res.DynSymbols[rel.Symbol]
			if sym.Name != "sol_log_" {
				t.Fatalf("syscall relocation symbol = %q", sym.Name)
			}
		}
	}
	if !haveRelative || !haveSyscall {
		t.Fatalf("expected one relative and one syscall relocation, got %+v", res.Relocations)
	}
	if !res.HasEntry || res.EntryName != "entrypoint" || res.EntryOffset != 0 {
		t.Fatalf("entry symbol = %q @ %d (has=%v)", res.EntryName, res.EntryOffset, res.HasEntry)
	}
	if len(res.Instructions) != 4 {
		t.Fatalf("got %d instructions, want 4", len(res.Instructions))
	}
	if res.Instructions[0].Op != opcode.Lddw || !res.Instructions[0].Imm.IsAddr() {
		t.Fatalf("lddw imm = %+v, want a resolved Addr", res.Instructions[0].Imm)
	}
}

func TestConstantFoldingWithEqu(t *testing.T) {
	res, bag := assemble(t, ".equ BASE, 100\nmov64 r1, BASE+10\n")
	if !bag.Empty() {
		t.Fatalf("unexpected diagnostics: %s", bag.Error())
	}
	if len(res.Instructions) != 1 {
		t.Fatalf("got %d instructions", len(res.Instructions))
	}
	imm := res.Instructions[0].Imm
	if imm == nil || imm.IsAddr() || imm.Val != 110 {
		t.Fatalf("imm = %+v, want Int(110)", imm)
	}
	if len(res.DynSymbols) != 0 {
		t.Fatalf("expected no dynamic symbols, got %+v", res.DynSymbols)
	}
}

func TestDuplicateLabelReportsBothSpans(t *testing.T) {
	src := "entrypoint:\nexit\nentrypoint:\nexit\n"
	_, bag := assemble(t, src)
	if bag.Empty() {
		t.Fatal("expected a DuplicateLabel diagnostic")
	}
	var found *diag.Diagnostic
	for _, d := range bag.Items() {
		if d.Kind == diag.DuplicateLabel {
			found = d
		}
	}
	if found == nil {
		t.Fatalf("no DuplicateLabel among %v", bag.Items())
	}
	if found.Secondary == nil {
		t.Fatal("expected a secondary span pointing at the first definition")
	}
	if found.Span.Start <= found.Secondary.Start {
		t.Fatalf("primary span %v should be after secondary %v", found.Span, *found.Secondary)
	}
}

func TestCallExitRoundTripIndexSemantics(t *testing.T) {
	// call 3; lddw r2,2; exit; lddw r1,1; exit — imm=3 is a raw literal,
	// used verbatim as the absolute target instruction index.
	res, bag := assemble(t, "call 3\nlddw r2, 2\nexit\nlddw r1, 1\nexit\n")
	if !bag.Empty() {
		t.Fatalf("unexpected diagnostics: %s", bag.Error())
	}
	if len(res.Instructions) != 5 {
		t.Fatalf("got %d instructions, want 5", len(res.Instructions))
	}
	call := res.Instructions[0]
	if call.Op != opcode.CallImm || call.Imm.Val != 3 {
		t.Fatalf("call instruction = %+v", call)
	}
	if len(res.Syscalls) != 0 {
		t.Fatalf("a literal call target must not be classified as a syscall: %+v", res.Syscalls)
	}
}

func TestInternalCallToLabelResolvesToIndex(t *testing.T) {
	src := "call target\nexit\ntarget:\nmov64 r1, 7\nexit\n"
	res, bag := assemble(t, src)
	if !bag.Empty() {
		t.Fatalf("unexpected diagnostics: %s", bag.Error())
	}
	call := res.Instructions[0]
	if call.Imm.Val != 2 {
		t.Fatalf("call imm = %d, want 2 (index of the target: label)", call.Imm.Val)
	}
	if len(res.Syscalls) != 0 {
		t.Fatalf("internal call must not register a syscall: %+v", res.Syscalls)
	}
	if res.Static != true {
		t.Fatal("a program with only an internal call needs no relocation and should be static")
	}
}

func TestJumpOffsetIsIndexRelative(t *testing.T) {
	src := "mov64 r1, 0\nja done\nmov64 r1, 99\ndone:\nexit\n"
	res, bag := assemble(t, src)
	if !bag.Empty() {
		t.Fatalf("unexpected diagnostics: %s", bag.Error())
	}
	ja := res.Instructions[1]
	if ja.Op != opcode.Ja || ja.Off == nil || *ja.Off != 1 {
		t.Fatalf("ja off = %v, want 1 (skip exactly the mov64 r1,99 at index 2)", ja.Off)
	}
}
