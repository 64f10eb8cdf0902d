package token

import (
	"testing"

	"github.com/oisee/sbpf-go/internal/diag"
	"github.com/oisee/sbpf-go/pkg/opcode"
)

func lexAll(t *testing.T, src string) []Token {
	t.Helper()
	bag := &diag.Bag{}
	toks := New([]byte(src), bag).Lex()
	if !bag.Empty() {
		t.Fatalf("unexpected lex errors for %q: %s", src, bag.Error())
	}
	return toks
}

func TestLexDirectiveLabelOpcode(t *testing.T) {
	toks := lexAll(t, ".globl entry\nentry:\n  mov64 r1, 5\n")
	kinds := make([]Kind, len(toks))
	for i, tok := range toks {
		kinds[i] = tok.Kind
	}
	want := []Kind{Directive, Identifier, Newline, Label, Newline, OpcodeTok, RegisterTok, Comma, ImmediateValue, Newline, EOF}
	if len(kinds) != len(want) {
		t.Fatalf("got %v, want shape %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("token %d: got %s, want %s", i, kinds[i], want[i])
		}
	}
	if toks[0].Text != "globl" {
		t.Errorf("directive text = %q", toks[0].Text)
	}
	if toks[3].Text != "entry" {
		t.Errorf("label text = %q", toks[3].Text)
	}
	if toks[5].Op != opcode.Mov64Imm {
		t.Errorf("opcode = %v, want Mov64Imm", toks[5].Op)
	}
}

func TestLexHexIsAddr(t *testing.T) {
	toks := lexAll(t, "0x10")
	if toks[0].Num.Kind != opcode.KindAddr || toks[0].Num.Val != 16 {
		t.Fatalf("0x10 = %+v, want Addr(16)", toks[0].Num)
	}
}

func TestLexDecimalIsInt(t *testing.T) {
	toks := lexAll(t, "42")
	if toks[0].Num.Kind != opcode.KindInt || toks[0].Num.Val != 42 {
		t.Fatalf("42 = %+v, want Int(42)", toks[0].Num)
	}
}

func TestLexRegisterBoundary(t *testing.T) {
	toks := lexAll(t, "r10 r0")
	if toks[0].Kind != RegisterTok || toks[0].Reg != 10 {
		t.Fatalf("r10 -> %+v", toks[0])
	}
	if toks[1].Kind != RegisterTok || toks[1].Reg != 0 {
		t.Fatalf("r0 -> %+v", toks[1])
	}
}

func TestLexStringEscapes(t *testing.T) {
	toks := lexAll(t, `"a\nb\"c"`)
	if toks[0].Kind != StringLiteral || toks[0].Text != "a\nb\"c" {
		t.Fatalf("string = %q", toks[0].Text)
	}
}

func TestLexMemoryOperandBracket(t *testing.T) {
	toks := lexAll(t, "ldxw r1, [r2+8]")
	// ldxw, r1, ',', '[', r2, '+', 8, ']'
	if toks[3].Kind != LeftBracket {
		t.Fatalf("expected LeftBracket before register operand, got %v", toks[3].Kind)
	}
}

func TestLexVectorLiteral(t *testing.T) {
	toks := lexAll(t, "[1,2,3]")
	if toks[0].Kind != VectorLiteral {
		t.Fatalf("expected VectorLiteral, got %v", toks[0].Kind)
	}
	if len(toks[0].Vec) != 3 || toks[0].Vec[2].Val != 3 {
		t.Fatalf("vector = %+v", toks[0].Vec)
	}
}

func TestLexCommentsIgnored(t *testing.T) {
	toks := lexAll(t, "// a comment\nexit # trailing\n")
	if toks[0].Kind != Newline {
		t.Fatalf("expected leading newline after comment, got %v", toks[0])
	}
	if toks[1].Kind != OpcodeTok || toks[1].Op != opcode.Exit {
		t.Fatalf("expected exit opcode, got %+v", toks[1])
	}
}

func TestLexUnexpectedCharacter(t *testing.T) {
	bag := &diag.Bag{}
	New([]byte("@"), bag).Lex()
	if bag.Empty() {
		t.Fatal("expected an UnexpectedCharacter diagnostic")
	}
	if bag.Items()[0].Kind != diag.UnexpectedCharacter {
		t.Fatalf("got %v", bag.Items()[0].Kind)
	}
}
