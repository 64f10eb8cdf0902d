// Package token implements the sBPF assembly lexer: it turns source
// text into a stream of byte-spanned Tokens per spec.md §4.3. Every
// variant in the spec's Token enum is represented; VectorLiteral and
// bracket tokens distinguish a compact rodata vector (`.long [1,2,3]`)
// from a memory operand (`[r2+8]`) by looking ahead one token past the
// opening bracket.
package token

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/oisee/sbpf-go/internal/diag"
	"github.com/oisee/sbpf-go/pkg/opcode"
)

// Kind identifies a Token's variant.
type Kind int

const (
	Directive Kind = iota
	Label
	Identifier
	OpcodeTok
	RegisterTok
	ImmediateValue
	BinaryOp
	StringLiteral
	VectorLiteral
	LeftBracket
	RightBracket
	LeftParen
	RightParen
	Comma
	Colon
	Newline
	EOF
)

func (k Kind) String() string {
	names := [...]string{
		"Directive", "Label", "Identifier", "Opcode", "Register",
		"ImmediateValue", "BinaryOp", "StringLiteral", "VectorLiteral",
		"LeftBracket", "RightBracket", "LeftParen", "RightParen",
		"Comma", "Colon", "Newline", "EOF",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Op is an arithmetic operator token payload.
type Op int

const (
	Add Op = iota
	Sub
	Mul
	Div
)

func (o Op) String() string {
	return [...]string{"+", "-", "*", "/"}[o]
}

// Token is one lexeme with its byte span in the source.
type Token struct {
	Kind  Kind
	Span  diag.Span
	Text  string          // Directive/Label/Identifier/StringLiteral name or contents
	Op    opcode.Opcode   // OpcodeTok
	Reg   uint8           // RegisterTok
	Num   opcode.Number   // ImmediateValue
	Vec   []opcode.Number // VectorLiteral
	BinOp Op              // BinaryOp
}

func (t Token) String() string {
	switch t.Kind {
	case Directive:
		return "." + t.Text
	case Label:
		return t.Text + ":"
	case Identifier:
		return t.Text
	case OpcodeTok:
		return t.Op.String()
	case RegisterTok:
		return fmt.Sprintf("r%d", t.Reg)
	case ImmediateValue:
		return fmt.Sprintf("%d", t.Num.Val)
	case BinaryOp:
		return t.BinOp.String()
	case StringLiteral:
		return strconv.Quote(t.Text)
	default:
		return t.Kind.String()
	}
}

// Lexer tokenizes sBPF assembly source.
type Lexer struct {
	src  []byte
	pos  int
	diag *diag.Bag
}

// New builds a Lexer over src, accumulating lexical errors into bag.
func New(src []byte, bag *diag.Bag) *Lexer {
	return &Lexer{src: src, diag: bag}
}

func isIdentStart(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isIdentCont(b byte) bool {
	return isIdentStart(b) || (b >= '0' && b <= '9')
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func (l *Lexer) peek() byte {
	if l.pos >= len(l.src) {
		return 0
	}
	return l.src[l.pos]
}

func (l *Lexer) peekAt(n int) byte {
	if l.pos+n >= len(l.src) {
		return 0
	}
	return l.src[l.pos+n]
}

func (l *Lexer) advance() byte {
	b := l.src[l.pos]
	l.pos++
	return b
}

// Lex tokenizes the entire source and returns the token stream
// (terminated by an EOF token); lex errors are recorded into the Bag.
func (l *Lexer) Lex() []Token {
	var toks []Token
	for {
		t, ok := l.next()
		if ok {
			toks = append(toks, t)
		}
		if t.Kind == EOF {
			break
		}
	}
	return toks
}

func (l *Lexer) next() (Token, bool) {
	l.skipSpacesAndComments()
	if l.pos >= len(l.src) {
		return Token{Kind: EOF, Span: diag.Span{Start: l.pos, End: l.pos}}, true
	}
	start := l.pos
	c := l.peek()

	switch {
	case c == '\n':
		l.advance()
		return Token{Kind: Newline, Span: diag.Span{Start: start, End: l.pos}}, true
	case c == ',':
		l.advance()
		return Token{Kind: Comma, Span: diag.Span{Start: start, End: l.pos}}, true
	case c == ':':
		l.advance()
		return Token{Kind: Colon, Span: diag.Span{Start: start, End: l.pos}}, true
	case c == '(':
		l.advance()
		return Token{Kind: LeftParen, Span: diag.Span{Start: start, End: l.pos}}, true
	case c == ')':
		l.advance()
		return Token{Kind: RightParen, Span: diag.Span{Start: start, End: l.pos}}, true
	case c == '[':
		return l.lexBracket()
	case c == ']':
		l.advance()
		return Token{Kind: RightBracket, Span: diag.Span{Start: start, End: l.pos}}, true
	case c == '+':
		l.advance()
		return Token{Kind: BinaryOp, BinOp: Add, Span: diag.Span{Start: start, End: l.pos}}, true
	case c == '-':
		l.advance()
		return Token{Kind: BinaryOp, BinOp: Sub, Span: diag.Span{Start: start, End: l.pos}}, true
	case c == '*':
		l.advance()
		return Token{Kind: BinaryOp, BinOp: Mul, Span: diag.Span{Start: start, End: l.pos}}, true
	case c == '/':
		l.advance()
		return Token{Kind: BinaryOp, BinOp: Div, Span: diag.Span{Start: start, End: l.pos}}, true
	case c == '"':
		return l.lexString()
	case c == '.':
		return l.lexDirective()
	case isDigit(c):
		return l.lexNumber()
	case c == 'r' && isDigit(l.peekAt(1)):
		if t, ok := l.tryLexRegister(); ok {
			return t, true
		}
		return l.lexIdentifier()
	case isIdentStart(c):
		return l.lexIdentifier()
	default:
		l.advance()
		l.diag.Add(diag.New(diag.UnexpectedCharacter, diag.Span{Start: start, End: l.pos},
			fmt.Sprintf("unexpected character %q", c)))
		return Token{}, false
	}
}

func (l *Lexer) skipSpacesAndComments() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			l.pos++
		case c == '/' && l.peekAt(1) == '/':
			l.skipToEOL()
		case c == '#':
			l.skipToEOL()
		default:
			return
		}
	}
}

func (l *Lexer) skipToEOL() {
	for l.pos < len(l.src) && l.src[l.pos] != '\n' {
		l.pos++
	}
}

func (l *Lexer) lexDirective() (Token, bool) {
	start := l.pos
	l.advance() // '.'
	nameStart := l.pos
	for l.pos < len(l.src) && isIdentCont(l.peek()) {
		l.pos++
	}
	if l.pos == nameStart {
		l.diag.Add(diag.New(diag.UnexpectedCharacter, diag.Span{Start: start, End: l.pos}, "bare '.' with no directive name"))
		return Token{}, false
	}
	return Token{Kind: Directive, Text: string(l.src[nameStart:l.pos]), Span: diag.Span{Start: start, End: l.pos}}, true
}

func (l *Lexer) lexIdentifier() (Token, bool) {
	start := l.pos
	for l.pos < len(l.src) && isIdentCont(l.peek()) {
		l.pos++
	}
	name := string(l.src[start:l.pos])
	if l.peek() == ':' {
		l.advance()
		return Token{Kind: Label, Text: name, Span: diag.Span{Start: start, End: l.pos}}, true
	}
	if op, ok := opcode.CanonicalOpcode(name); ok {
		return Token{Kind: OpcodeTok, Op: op, Span: diag.Span{Start: start, End: l.pos}}, true
	}
	return Token{Kind: Identifier, Text: name, Span: diag.Span{Start: start, End: l.pos}}, true
}

func (l *Lexer) tryLexRegister() (Token, bool) {
	start := l.pos
	save := l.pos
	l.advance() // 'r'
	digitsStart := l.pos
	for l.pos < len(l.src) && isDigit(l.peek()) {
		l.pos++
	}
	digits := string(l.src[digitsStart:l.pos])
	if isIdentCont(l.peek()) {
		// e.g. "r10x" is an identifier, not a register.
		l.pos = save
		return Token{}, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n > 10 {
		l.pos = save
		return Token{}, false
	}
	return Token{Kind: RegisterTok, Reg: uint8(n), Span: diag.Span{Start: start, End: l.pos}}, true
}

func (l *Lexer) lexNumber() (Token, bool) {
	start := l.pos
	if l.peek() == '0' && (l.peekAt(1) == 'x' || l.peekAt(1) == 'X') {
		l.pos += 2
		digitsStart := l.pos
		for l.pos < len(l.src) && isHexDigit(l.peek()) {
			l.pos++
		}
		if l.pos == digitsStart {
			l.diag.Add(diag.New(diag.InvalidNumber, diag.Span{Start: start, End: l.pos}, "hex literal with no digits"))
			return Token{}, false
		}
		v, err := strconv.ParseUint(string(l.src[digitsStart:l.pos]), 16, 64)
		if err != nil {
			l.diag.Add(diag.New(diag.InvalidNumber, diag.Span{Start: start, End: l.pos}, err.Error()))
			return Token{}, false
		}
		return Token{Kind: ImmediateValue, Num: opcode.Addr(int64(v)), Span: diag.Span{Start: start, End: l.pos}}, true
	}
	for l.pos < len(l.src) && isDigit(l.peek()) {
		l.pos++
	}
	v, err := strconv.ParseInt(string(l.src[start:l.pos]), 10, 64)
	if err != nil {
		l.diag.Add(diag.New(diag.InvalidNumber, diag.Span{Start: start, End: l.pos}, err.Error()))
		return Token{}, false
	}
	return Token{Kind: ImmediateValue, Num: opcode.Int(v), Span: diag.Span{Start: start, End: l.pos}}, true
}

func isHexDigit(b byte) bool {
	return isDigit(b) || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

func (l *Lexer) lexString() (Token, bool) {
	start := l.pos
	l.advance() // opening quote
	var sb strings.Builder
	for {
		if l.pos >= len(l.src) {
			l.diag.Add(diag.New(diag.UnterminatedStringLiteral, diag.Span{Start: start, End: l.pos}, "unterminated string literal"))
			return Token{}, false
		}
		c := l.advance()
		if c == '"' {
			break
		}
		if c == '\n' {
			l.diag.Add(diag.New(diag.UnterminatedStringLiteral, diag.Span{Start: start, End: l.pos}, "unterminated string literal"))
			return Token{}, false
		}
		if c == '\\' {
			if l.pos >= len(l.src) {
				l.diag.Add(diag.New(diag.UnterminatedStringLiteral, diag.Span{Start: start, End: l.pos}, "unterminated escape"))
				return Token{}, false
			}
			esc := l.advance()
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '0':
				sb.WriteByte(0)
			case '\\':
				sb.WriteByte('\\')
			case '"':
				sb.WriteByte('"')
			default:
				sb.WriteByte(esc)
			}
			continue
		}
		sb.WriteByte(c)
	}
	return Token{Kind: StringLiteral, Text: sb.String(), Span: diag.Span{Start: start, End: l.pos}}, true
}

// lexBracket decides between a memory operand "[" (left alone, as in
// "[r2+8]") and a compact vector literal "[1,2,3]": it peeks past the
// '[' for a register token, in which case only LeftBracket is emitted
// and the parser consumes the rest normally.
func (l *Lexer) lexBracket() (Token, bool) {
	start := l.pos
	// Look ahead without consuming: register operand shape is '[' 'r' digit.
	if l.peekAt(1) == 'r' && isDigit(l.peekAt(2)) {
		l.advance()
		return Token{Kind: LeftBracket, Span: diag.Span{Start: start, End: l.pos}}, true
	}
	save := l.pos
	l.advance() // '['
	var nums []opcode.Number
	for {
		l.skipSpacesAndComments()
		if l.peek() == ']' {
			l.advance()
			return Token{Kind: VectorLiteral, Vec: nums, Span: diag.Span{Start: start, End: l.pos}}, true
		}
		if !isDigit(l.peek()) {
			// Not a clean vector literal; fall back to a bare bracket
			// token and let the parser handle the contents token by
			// token (e.g. an expression rather than a flat list).
			l.pos = save
			l.advance()
			return Token{Kind: LeftBracket, Span: diag.Span{Start: start, End: l.pos}}, true
		}
		numTok, ok := l.lexNumber()
		if !ok {
			l.pos = save
			l.advance()
			return Token{Kind: LeftBracket, Span: diag.Span{Start: start, End: l.pos}}, true
		}
		nums = append(nums, numTok.Num)
		l.skipSpacesAndComments()
		if l.peek() == ',' {
			l.advance()
			continue
		}
	}
}
