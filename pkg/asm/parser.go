package asm

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/oisee/sbpf-go/internal/diag"
	"github.com/oisee/sbpf-go/pkg/opcode"
	"github.com/oisee/sbpf-go/pkg/token"
)

type section int

const (
	sectionText section = iota
	sectionRodata
)

// Parser is a hand-written, recoverable, token-ahead parser: it
// accumulates diagnostics into a Bag rather than aborting on the first
// error, per spec.md §7's propagation policy for the lex/parse/resolve
// stages.
type Parser struct {
	toks    []token.Token
	pos     int
	diags   *diag.Bag
	section section

	equs         map[string]opcode.Number
	pendingLabel string

	textOffset   int
	rodataOffset int

	prog Program
}

// NewParser builds a Parser over an already-lexed token stream.
func NewParser(toks []token.Token, diags *diag.Bag) *Parser {
	return &Parser{toks: toks, diags: diags, section: sectionText, equs: map[string]opcode.Number{}}
}

func (p *Parser) cur() token.Token {
	if p.pos >= len(p.toks) {
		return token.Token{Kind: token.EOF}
	}
	return p.toks[p.pos]
}

func (p *Parser) advance() token.Token {
	t := p.cur()
	if p.pos < len(p.toks) {
		p.pos++
	}
	return t
}

func (p *Parser) skipNewlines() {
	for p.cur().Kind == token.Newline {
		p.pos++
	}
}

// skipToNewline recovers from a parse error by discarding tokens until
// the next statement boundary, so later statements can still be
// checked and their errors accumulated too.
func (p *Parser) skipToNewline() {
	for p.cur().Kind != token.Newline && p.cur().Kind != token.EOF {
		p.pos++
	}
}

func (p *Parser) errf(kind diag.Kind, span diag.Span, format string, args ...interface{}) {
	p.diags.Add(diag.New(kind, span, fmt.Sprintf(format, args...)))
}

// Parse consumes the whole token stream and returns the resulting
// Program. Callers should check diags.Empty() before proceeding to
// resolution.
func (p *Parser) Parse() Program {
	log.WithFields(logrus.Fields{"tokens": len(p.toks)}).Debug("parse: start")
	for {
		p.skipNewlines()
		if p.cur().Kind == token.EOF {
			break
		}
		p.parseStatement()
	}
	p.prog.TextSize = p.textOffset
	p.prog.RodataSize = p.rodataOffset
	log.WithFields(logrus.Fields{
		"nodes":    len(p.prog.Nodes),
		"textSize": p.prog.TextSize,
		"diags":    len(p.diags.Items()),
	}).Debug("parse: done")
	return p.prog
}

func (p *Parser) parseStatement() {
	switch p.cur().Kind {
	case token.Directive:
		p.parseDirective()
	case token.Label:
		p.parseLabel()
	case token.OpcodeTok:
		p.parseInstruction()
	default:
		p.errf(diag.UnexpectedToken, p.cur().Span, "unexpected token %s at start of statement", p.cur())
		p.skipToNewline()
	}
}

func (p *Parser) parseLabel() {
	t := p.advance()
	offset := p.textOffset
	if p.section == sectionRodata {
		offset = p.rodataOffset
	}
	p.prog.Nodes = append(p.prog.Nodes, Node{
		Kind: NodeLabel, Span: t.Span, LabelName: t.Text,
		InRodata: p.section == sectionRodata, Offset: offset,
	})
	p.pendingLabel = t.Text
}

func (p *Parser) parseDirective() {
	t := p.advance()
	switch t.Text {
	case "globl", "global":
		idents := p.parseIdentList(t.Span, diag.InvalidGlobalDecl)
		p.prog.Nodes = append(p.prog.Nodes, Node{Kind: NodeGlobalDecl, Span: t.Span, Idents: idents})
	case "extern":
		idents := p.parseIdentList(t.Span, diag.InvalidExternDecl)
		p.prog.Nodes = append(p.prog.Nodes, Node{Kind: NodeExternDecl, Span: t.Span, Idents: idents})
	case "equ":
		p.parseEqu(t.Span)
	case "text":
		p.section = sectionText
		p.prog.Nodes = append(p.prog.Nodes, Node{Kind: NodeDirective, Span: t.Span, DirectiveName: "text"})
	case "rodata":
		p.section = sectionRodata
		p.prog.Nodes = append(p.prog.Nodes, Node{Kind: NodeDirective, Span: t.Span, DirectiveName: "rodata"})
	case "section":
		p.parseSection(t.Span)
	case "ascii":
		p.parseAscii(t.Span)
	case "byte":
		p.parseRodataList(t.Span, RodataByte)
	case "short":
		p.parseRodataList(t.Span, RodataShort)
	case "int":
		p.parseRodataList(t.Span, RodataInt)
	case "long":
		p.parseRodataList(t.Span, RodataLong)
	case "quad":
		p.parseRodataList(t.Span, RodataQuad)
	default:
		p.errf(diag.InvalidDirective, t.Span, "unknown directive .%s", t.Text)
		p.skipToNewline()
	}
}

func (p *Parser) parseIdentList(span diag.Span, errKind diag.Kind) []string {
	var idents []string
	for {
		if p.cur().Kind != token.Identifier {
			p.errf(errKind, p.cur().Span, "expected identifier, got %s", p.cur())
			p.skipToNewline()
			return idents
		}
		idents = append(idents, p.advance().Text)
		if p.cur().Kind == token.Comma {
			p.advance()
			continue
		}
		break
	}
	return idents
}

func (p *Parser) parseSection(span diag.Span) {
	if p.cur().Kind != token.Identifier {
		p.errf(diag.InvalidDirective, p.cur().Span, "expected section name")
		p.skipToNewline()
		return
	}
	name := p.advance().Text
	switch name {
	case "text":
		p.section = sectionText
	case "rodata", "data":
		p.section = sectionRodata
	default:
		p.errf(diag.InvalidDirective, span, "unknown section %q", name)
	}
	p.prog.Nodes = append(p.prog.Nodes, Node{Kind: NodeDirective, Span: span, DirectiveName: name})
}

func (p *Parser) parseEqu(span diag.Span) {
	if p.cur().Kind != token.Identifier {
		p.errf(diag.InvalidEquDecl, p.cur().Span, "expected identifier after .equ")
		p.skipToNewline()
		return
	}
	name := p.advance().Text
	if p.cur().Kind != token.Comma {
		p.errf(diag.InvalidEquDecl, p.cur().Span, "expected ',' after .equ name")
		p.skipToNewline()
		return
	}
	p.advance()
	f := newFolder(p.toks, p.pos, p.equs, p.diags)
	ref, newPos := f.foldExpr()
	p.pos = newPos
	if !ref.Resolved() || !ref.IsNumber {
		p.errf(diag.InvalidEquDecl, span, ".equ %s must fold to a constant", name)
		p.skipToNewline()
		return
	}
	if _, exists := p.equs[name]; exists {
		p.errf(diag.DuplicateLabel, span, "duplicate .equ constant %q", name)
	}
	p.equs[name] = ref.Num
	p.prog.Nodes = append(p.prog.Nodes, Node{Kind: NodeEquDecl, Span: span, EquName: name, EquExpr: ref})
}

func (p *Parser) parseAscii(span diag.Span) {
	if p.cur().Kind != token.StringLiteral {
		p.errf(diag.InvalidRodataDecl, p.cur().Span, "expected string literal after .ascii")
		p.skipToNewline()
		return
	}
	s := p.advance().Text
	data := []byte(s)
	node := Node{
		Kind: NodeROData, Span: span, RodataName: p.takePendingLabel(span),
		RodataKind: RodataAscii, RodataData: data, RodataWidth: 1,
		RodataOffset: p.rodataOffset,
	}
	p.rodataOffset += len(data)
	p.prog.Nodes = append(p.prog.Nodes, node)
}

func (p *Parser) takePendingLabel(span diag.Span) string {
	if p.pendingLabel == "" {
		p.errf(diag.InvalidRodataDecl, span, "rodata item has no preceding label")
		return ""
	}
	name := p.pendingLabel
	p.pendingLabel = ""
	return name
}

func (p *Parser) parseRodataList(span diag.Span, kind RodataKind) {
	var nums []opcode.Number
	for {
		f := newFolder(p.toks, p.pos, p.equs, p.diags)
		ref, newPos := f.foldExpr()
		p.pos = newPos
		if !ref.Resolved() || !ref.IsNumber {
			p.errf(diag.InvalidRodataDecl, span, "rodata values must be constant expressions")
			p.skipToNewline()
			return
		}
		nums = append(nums, ref.Num)
		if p.cur().Kind == token.Comma {
			p.advance()
			continue
		}
		break
	}
	width := kind.Width()
	node := Node{
		Kind: NodeROData, Span: span, RodataName: p.takePendingLabel(span),
		RodataKind: kind, RodataNums: nums, RodataWidth: width,
		RodataOffset: p.rodataOffset,
	}
	p.rodataOffset += width * len(nums)
	p.prog.Nodes = append(p.prog.Nodes, node)
}

// parseInstruction dispatches on the canonical opcode's family to
// decide the expected operand shape, applying the BPF_X rewrite (OR
// 0x08 into the opcode byte) when the operand actually present is a
// register rather than an immediate.
func (p *Parser) parseInstruction() {
	t := p.advance()
	span := t.Span
	mnemonic := opcode.Mnemonic(t.Op)
	fam, _ := opcode.FamilyOf(t.Op)

	inst := &Instr{Span: span}
	switch fam {
	case opcode.FamLoadImm:
		dst := p.expectRegister()
		p.expectComma()
		imm := p.parseImmOrLabel()
		inst.Op, inst.Dst, inst.Imm = t.Op, dst, &imm

	case opcode.FamLoadMem:
		dst := p.expectRegister()
		p.expectComma()
		src, offv := p.parseMemOperand()
		off := ResolvedOff(offv)
		inst.Op, inst.Dst, inst.Src, inst.Off = t.Op, dst, src, &off

	case opcode.FamStoreImm:
		dstReg, offv := p.parseMemOperandLeading()
		off := ResolvedOff(offv)
		p.expectComma()
		imm := p.parseImmOrLabel()
		inst.Op, inst.Dst, inst.Off, inst.Imm = t.Op, dstReg, &off, &imm

	case opcode.FamStoreReg:
		dstReg, offv := p.parseMemOperandLeading()
		off := ResolvedOff(offv)
		p.expectComma()
		src := p.expectRegister()
		inst.Op, inst.Dst, inst.Src, inst.Off = t.Op, dstReg, src, &off

	case opcode.FamBinaryImm, opcode.FamBinaryReg:
		dst := p.expectRegister()
		p.expectComma()
		if p.cur().Kind == token.RegisterTok {
			src := p.expectRegister()
			op := pickVariant(mnemonic, true)
			inst.Op, inst.Dst, inst.Src = op, dst, src
		} else {
			imm := p.parseImmOrLabel()
			op := pickVariant(mnemonic, false)
			inst.Op, inst.Dst, inst.Imm = op, dst, &imm
		}

	case opcode.FamUnary:
		dst := p.expectRegister()
		if t.Op == opcode.Le || t.Op == opcode.Be || t.Op == opcode.Hor64Imm {
			p.expectComma()
			imm := p.parseImmOrLabel()
			inst.Imm = &imm
		}
		inst.Op, inst.Dst = t.Op, dst

	case opcode.FamJumpAbs:
		offv := p.parseOffOrLabel()
		inst.Op, inst.Off = t.Op, &offv

	case opcode.FamJumpImm, opcode.FamJumpReg:
		dst := p.expectRegister()
		p.expectComma()
		if p.cur().Kind == token.RegisterTok {
			src := p.expectRegister()
			p.expectComma()
			offv := p.parseOffOrLabel()
			op := pickVariant(mnemonic, true)
			inst.Op, inst.Dst, inst.Src, inst.Off = op, dst, src, &offv
		} else {
			imm := p.parseImmOrLabel()
			p.expectComma()
			offv := p.parseOffOrLabel()
			op := pickVariant(mnemonic, false)
			inst.Op, inst.Dst, inst.Imm, inst.Off = op, dst, &imm, &offv
		}

	case opcode.FamCallImm:
		imm := p.parseImmOrLabel()
		inst.Op, inst.Imm = t.Op, &imm

	case opcode.FamCallReg:
		src := p.expectRegister()
		inst.Op, inst.Src = t.Op, src

	case opcode.FamExit:
		inst.Op = t.Op

	default:
		p.errf(diag.InvalidInstruction, span, "unrecognized opcode %s", mnemonic)
		p.skipToNewline()
		return
	}

	inst.Offset = p.textOffset
	p.textOffset += inst.Op.Size()
	p.prog.Nodes = append(p.prog.Nodes, Node{Kind: NodeInstruction, Span: span, Instruction: inst})
}

// pickVariant resolves which of a dual mnemonic's opcodes (imm-source
// vs reg-source) to use, given the operand shape actually parsed.
func pickVariant(mnemonic string, wantReg bool) opcode.Opcode {
	for _, op := range opcode.OpcodesForMnemonic(mnemonic) {
		if op.IsRegisterSourced() == wantReg {
			return op
		}
	}
	// Family has only one variant (shouldn't normally happen for
	// binary/jump mnemonics, which always come in pairs).
	ops := opcode.OpcodesForMnemonic(mnemonic)
	if len(ops) > 0 {
		return ops[0]
	}
	return 0
}

func (p *Parser) expectRegister() *opcode.Register {
	if p.cur().Kind != token.RegisterTok {
		p.errf(diag.InvalidRegister, p.cur().Span, "expected register, got %s", p.cur())
		return &opcode.Register{}
	}
	t := p.advance()
	return &opcode.Register{N: t.Reg}
}

func (p *Parser) expectComma() {
	if p.cur().Kind != token.Comma {
		p.errf(diag.UnexpectedToken, p.cur().Span, "expected ',', got %s", p.cur())
		return
	}
	p.advance()
}

// parseMemOperand parses "[rN]" or "[rN+off]" or "[rN-off]" following
// an already-consumed comma, returning the base register and offset.
func (p *Parser) parseMemOperand() (*opcode.Register, int16) {
	if p.cur().Kind != token.LeftBracket {
		p.errf(diag.UnexpectedToken, p.cur().Span, "expected '[', got %s", p.cur())
		return &opcode.Register{}, 0
	}
	p.advance()
	base := p.expectRegister()
	var offv int16
	if p.cur().Kind == token.BinaryOp {
		sign := int16(1)
		if p.cur().BinOp == token.Sub {
			sign = -1
		}
		p.advance()
		if p.cur().Kind != token.ImmediateValue {
			p.errf(diag.InvalidOperand, p.cur().Span, "expected immediate offset")
		} else {
			offv = sign * int16(p.advance().Num.Val)
		}
	}
	if p.cur().Kind != token.RightBracket {
		p.errf(diag.UnexpectedToken, p.cur().Span, "expected ']', got %s", p.cur())
	} else {
		p.advance()
	}
	return base, offv
}

// parseMemOperandLeading parses the destination memory operand that
// leads a store instruction (before its comma).
func (p *Parser) parseMemOperandLeading() (*opcode.Register, int16) {
	return p.parseMemOperand()
}

// parseImmOrLabel folds a constant expression or returns a bare label
// reference, wrapping the result as an Imm Ref.
func (p *Parser) parseImmOrLabel() Ref {
	f := newFolder(p.toks, p.pos, p.equs, p.diags)
	ref, newPos := f.foldExpr()
	p.pos = newPos
	return ref
}

// parseOffOrLabel is identical in grammar to parseImmOrLabel; off and
// imm share the same "label-or-value" shape, differing only in which
// Instruction field they end up in.
func (p *Parser) parseOffOrLabel() Ref {
	return p.parseImmOrLabel()
}
