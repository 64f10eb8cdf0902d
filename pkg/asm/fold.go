package asm

import (
	"github.com/sirupsen/logrus"

	"github.com/oisee/sbpf-go/internal/diag"
	"github.com/oisee/sbpf-go/pkg/opcode"
	"github.com/oisee/sbpf-go/pkg/token"
)

// folder walks a prefix of the token stream forming one immediate
// expression and folds it to a constant Number, substituting .equ
// bindings as it goes. Per spec.md §4.4: "*"/"/" fold eagerly at the
// stack top; "+"/"-" fold at expression end or on ")"; a unary minus
// injects a synthetic "0 -"; parens recurse; an unresolved identifier
// at the start of the expression terminates it — the bare name is
// returned as a label reference instead of attempting partial
// arithmetic around it — while one later in the expression is
// reported as an undefined constant.
type folder struct {
	toks  []token.Token
	pos   int
	equs  map[string]opcode.Number
	diags *diag.Bag
}

func newFolder(toks []token.Token, pos int, equs map[string]opcode.Number, diags *diag.Bag) *folder {
	return &folder{toks: toks, pos: pos, equs: equs, diags: diags}
}

func (f *folder) cur() token.Token {
	if f.pos >= len(f.toks) {
		return token.Token{Kind: token.EOF}
	}
	return f.toks[f.pos]
}

func isExprTerminator(k token.Kind) bool {
	switch k {
	case token.Comma, token.Newline, token.EOF, token.RightBracket, token.RightParen:
		return true
	default:
		return false
	}
}

// foldExpr parses and folds one expression, returning the resulting
// Ref and the token position just past it.
func (f *folder) foldExpr() (Ref, int) {
	log.WithFields(logrus.Fields{"pos": f.pos}).Debug("fold: start expr")
	// A bare, unresolved leading identifier is a label reference: stop
	// immediately without attempting arithmetic.
	if f.cur().Kind == token.Identifier {
		if _, ok := f.equs[f.cur().Text]; !ok {
			name := f.cur().Text
			f.pos++
			log.WithFields(logrus.Fields{"label": name}).Debug("fold: unresolved label reference")
			return Ref{Name: name}, f.pos
		}
	}
	n, ok := f.foldSum()
	if !ok {
		log.WithFields(logrus.Fields{"pos": f.pos}).Debug("fold: expr failed")
		return Ref{}, f.pos
	}
	log.WithFields(logrus.Fields{"value": n.Val}).Debug("fold: expr resolved")
	return ResolvedImm(n), f.pos
}

// foldSum handles +/- at the lowest precedence, folding at expression
// end or at ")".
func (f *folder) foldSum() (opcode.Number, bool) {
	lhs, ok := f.foldProduct()
	if !ok {
		return opcode.Number{}, false
	}
	for {
		switch f.cur().BinOp {
		case token.Add:
			if f.cur().Kind != token.BinaryOp {
				return lhs, true
			}
			f.pos++
			rhs, ok := f.foldProduct()
			if !ok {
				return opcode.Number{}, false
			}
			lhs = lhs.Add(rhs)
		case token.Sub:
			if f.cur().Kind != token.BinaryOp {
				return lhs, true
			}
			f.pos++
			rhs, ok := f.foldProduct()
			if !ok {
				return opcode.Number{}, false
			}
			lhs = lhs.Sub(rhs)
		default:
			return lhs, true
		}
	}
}

// foldProduct handles */ at the higher precedence, folding eagerly.
func (f *folder) foldProduct() (opcode.Number, bool) {
	lhs, ok := f.foldUnary()
	if !ok {
		return opcode.Number{}, false
	}
	for f.cur().Kind == token.BinaryOp && (f.cur().BinOp == token.Mul || f.cur().BinOp == token.Div) {
		op := f.cur().BinOp
		f.pos++
		rhs, ok := f.foldUnary()
		if !ok {
			return opcode.Number{}, false
		}
		if op == token.Mul {
			lhs = lhs.Mul(rhs)
		} else {
			if rhs.Val == 0 {
				f.diags.Add(diag.New(diag.OutOfRangeLiteral, f.cur().Span, "division by zero in constant expression"))
				return opcode.Number{}, false
			}
			lhs = lhs.Div(rhs)
		}
	}
	return lhs, true
}

// foldUnary handles a leading unary '-' by injecting a synthetic "0 -"
// and recursing, then parentheses, then numeric/identifier primaries.
func (f *folder) foldUnary() (opcode.Number, bool) {
	if f.cur().Kind == token.BinaryOp && f.cur().BinOp == token.Sub {
		f.pos++
		v, ok := f.foldUnary()
		if !ok {
			return opcode.Number{}, false
		}
		return v.Neg(), true
	}
	if f.cur().Kind == token.LeftParen {
		f.pos++
		v, ok := f.foldSum()
		if !ok {
			return opcode.Number{}, false
		}
		if f.cur().Kind != token.RightParen {
			f.diags.Add(diag.New(diag.UnmatchedParen, f.cur().Span, "expected ')'"))
			return opcode.Number{}, false
		}
		f.pos++
		return v, true
	}
	switch f.cur().Kind {
	case token.ImmediateValue:
		v := f.cur().Num
		f.pos++
		return v, true
	case token.Identifier:
		name := f.cur().Text
		if v, ok := f.equs[name]; ok {
			f.pos++
			return v, true
		}
		f.diags.Add(diag.New(diag.UndefinedLabel, f.cur().Span, "undefined constant "+name+" inside arithmetic expression"))
		f.pos++
		return opcode.Number{}, false
	default:
		f.diags.Add(diag.New(diag.UnexpectedToken, f.cur().Span, "expected a number, identifier or '(' in expression"))
		return opcode.Number{}, false
	}
}
