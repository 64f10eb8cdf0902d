package disasm

import (
	"encoding/binary"
	"reflect"
	"testing"

	"github.com/oisee/sbpf-go/internal/diag"
	"github.com/oisee/sbpf-go/pkg/asm"
	"github.com/oisee/sbpf-go/pkg/elf"
	"github.com/oisee/sbpf-go/pkg/opcode"
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

// reencodeText mirrors pkg/elf's unexported encodeText, used only to
// check the round-trip property in TestDisassembleStaticRoundTripBytes
// without exporting production encoding logic just for a test.
func reencodeText(t *testing.T, instrs []opcode.Instruction, plat platform.Platform) []byte {
	t.Helper()
	var buf []byte
	for _, inst := range instrs {
		b, err := opcode.Encode(inst)
		if err != nil {
			t.Fatalf("encode: %v", err)
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
	return buf
}

// Scenario 6: disassembling a static program's .text and re-encoding
// it produces byte-identical bytes.
func TestDisassembleStaticRoundTripBytes(t *testing.T) {
	src := "mov64 r1, 10\nadd64 r1, 5\nmul64 r1, 3\nsub64 r1, 7\nexit\n"
	res := assemble(t, src)
	if !res.Static {
		t.Fatal("expected a static program")
	}
	out, err := elf.Build(res, platform.SbpfV0{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	d, err := Disassemble(out)
	if err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if !d.Static {
		t.Fatal("expected disasm to report a static program")
	}
	if !reflect.DeepEqual(d.Instructions, res.Instructions) {
		t.Fatalf("lifted instructions = %+v, want %+v", d.Instructions, res.Instructions)
	}

	textSize := 0
	for _, inst := range res.Instructions {
		textSize += inst.Size()
	}
	originalText := out[64 : 64+textSize]
	reencoded := reencodeText(t, d.Instructions, d.Platform)
	if string(reencoded) != string(originalText) {
		t.Fatalf("re-encoded .text = % x, want % x", reencoded, originalText)
	}
}

// Scenario 1: the hello-world program's call/lddw relocations must
// come back as a syscall name and a classified, labeled rodata item.
func TestDisassembleHelloWorldRoundTrip(t *testing.T) {
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
	out, err := elf.Build(res, platform.SbpfV0{}, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	d, err := Disassemble(out)
	if err != nil {
		t.Fatalf("Disassemble: %v", err)
	}
	if d.Static {
		t.Fatal("expected a dynamic program")
	}
	if len(d.Instructions) != len(res.Instructions) {
		t.Fatalf("got %d instructions, want %d", len(d.Instructions), len(res.Instructions))
	}
	if d.EntrySymbol != "entrypoint" {
		t.Fatalf("entry symbol = %q, want entrypoint", d.EntrySymbol)
	}

	callIdx := -1
	for i, inst := range d.Instructions {
		if inst.Op == opcode.CallImm {
			callIdx = i
		}
	}
	if callIdx < 0 {
		t.Fatal("no call instruction found in lifted stream")
	}
	if name, ok := d.Syscalls[callIdx]; !ok || name != "sol_log_" {
		t.Fatalf("d.Syscalls[%d] = %q, %v, want sol_log_, true", callIdx, name, ok)
	}

	if string(d.Rodata) != "Hello, Solana!" {
		t.Fatalf("rodata = %q, want %q", d.Rodata, "Hello, Solana!")
	}
	if len(d.RodataItems) != 1 {
		t.Fatalf("got %d rodata items, want 1: %+v", len(d.RodataItems), d.RodataItems)
	}
	item := d.RodataItems[0]
	if item.Kind != RodataAscii || item.Label != "str_0000" || string(item.Data) != "Hello, Solana!" {
		t.Fatalf("rodata item = %+v, want Ascii str_0000 %q", item, "Hello, Solana!")
	}
}

func TestDisassembleRejectsBadMagic(t *testing.T) {
	if _, err := Disassemble([]byte("not an elf file at all, but long enough.......")); err == nil {
		t.Fatal("expected an error for missing ELF magic")
	}
}

func TestClassifyRodataSplitsAtReferencedOffsets(t *testing.T) {
	data := []byte("abc\x00defg\x00\x00\x00") // 2 regions: "abc\0" (4 bytes with a NUL, not printable -> long), "defg" (trailing zeros trimmed, 4 bytes -> long)
	instrs := []opcode.Instruction{
		{Op: opcode.Lddw, Dst: &opcode.Register{N: 1}, Imm: imm(opcode.Addr(1000))},
		{Op: opcode.Lddw, Dst: &opcode.Register{N: 2}, Imm: imm(opcode.Addr(1004))},
	}
	items := classifyRodata(data, instrs, 1000)
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2: %+v", len(items), items)
	}
	if items[0].Kind != RodataLong || items[0].Offset != 0 {
		t.Fatalf("item 0 = %+v", items[0])
	}
	if items[1].Kind != RodataLong || items[1].Offset != 4 || string(items[1].Data) != "defg" {
		t.Fatalf("item 1 = %+v, want trimmed \"defg\"", items[1])
	}
}

func imm(n opcode.Number) *opcode.Number { return &n }

func TestIsPrintableASCIIAcceptsControlWhitespace(t *testing.T) {
	if !isPrintableASCII([]byte("hi\tthere\r\n")) {
		t.Fatal("expected tab/CR/LF-containing text to classify as ASCII")
	}
	if isPrintableASCII([]byte{0x01, 0x02}) {
		t.Fatal("expected non-printable bytes to be rejected")
	}
	if isPrintableASCII(nil) {
		t.Fatal("expected empty data to be rejected (caller should not emit a zero-length item)")
	}
}

func TestTrimTrailingZeros(t *testing.T) {
	if got := string(trimTrailingZeros([]byte("abc\x00\x00"))); got != "abc" {
		t.Fatalf("trimTrailingZeros = %q, want %q", got, "abc")
	}
}
