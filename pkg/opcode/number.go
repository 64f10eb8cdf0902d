package opcode

// NumberKind tags whether a Number is a plain integer or an address
// that must survive arithmetic folding as an address.
type NumberKind int

const (
	KindInt NumberKind = iota
	KindAddr
)

// Number is the tagged sum {Int(int64), Addr(int64)}. Addr is
// infectious: combining an Int with an Addr under any arithmetic
// operator always yields an Addr.
type Number struct {
	Kind NumberKind
	Val  int64
}

func Int(v int64) Number  { return Number{Kind: KindInt, Val: v} }
func Addr(v int64) Number { return Number{Kind: KindAddr, Val: v} }

func (n Number) IsAddr() bool { return n.Kind == KindAddr }

func combine(a, b Number, v int64) Number {
	if a.Kind == KindAddr || b.Kind == KindAddr {
		return Addr(v)
	}
	return Int(v)
}

func (a Number) Add(b Number) Number { return combine(a, b, a.Val+b.Val) }
func (a Number) Sub(b Number) Number { return combine(a, b, a.Val-b.Val) }
func (a Number) Mul(b Number) Number { return combine(a, b, a.Val*b.Val) }
func (a Number) Div(b Number) Number { return combine(a, b, a.Val/b.Val) }

// Neg returns the additive inverse, preserving the Kind tag.
func (a Number) Neg() Number { return Number{Kind: a.Kind, Val: -a.Val} }
