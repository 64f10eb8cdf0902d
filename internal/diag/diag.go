// Package diag implements the error-diagnostic taxonomy shared by the
// lexer, parser, resolver, codec and VM layers: every error carries a
// kind, a byte span, and an optional human label, and errors from the
// accumulating stages (lex, parse, resolve) collect into a Bag instead
// of aborting on the first failure.
package diag

import "fmt"

// Kind enumerates every diagnostic category across the pipeline.
type Kind int

const (
	// Lex stage.
	UnexpectedCharacter Kind = iota
	UnterminatedStringLiteral
	InvalidNumber
	InvalidRegister

	// Parse stage.
	InvalidDirective
	InvalidGlobalDecl
	InvalidExternDecl
	InvalidRodataDecl
	InvalidEquDecl
	InvalidInstruction
	UnexpectedToken
	UnmatchedParen
	OutOfRangeLiteral
	InvalidRODataDirective

	// Resolve stage.
	UndefinedLabel
	DuplicateLabel

	// Decode/encode stage.
	BytecodeError

	// VM stage.
	DivisionByZero
	InvalidMemoryAccess
	MemoryOutOfBounds
	InvalidOperand
	PcOutOfBounds
	CallDepthExceeded
	ExecutionLimitReached
	SyscallError
)

var kindNames = map[Kind]string{
	UnexpectedCharacter:       "UnexpectedCharacter",
	UnterminatedStringLiteral: "UnterminatedStringLiteral",
	InvalidNumber:             "InvalidNumber",
	InvalidRegister:           "InvalidRegister",
	InvalidDirective:          "InvalidDirective",
	InvalidGlobalDecl:         "InvalidGlobalDecl",
	InvalidExternDecl:         "InvalidExternDecl",
	InvalidRodataDecl:         "InvalidRodataDecl",
	InvalidEquDecl:            "InvalidEquDecl",
	InvalidInstruction:        "InvalidInstruction",
	UnexpectedToken:           "UnexpectedToken",
	UnmatchedParen:            "UnmatchedParen",
	OutOfRangeLiteral:         "OutOfRangeLiteral",
	InvalidRODataDirective:    "InvalidRODataDirective",
	UndefinedLabel:            "UndefinedLabel",
	DuplicateLabel:            "DuplicateLabel",
	BytecodeError:             "BytecodeError",
	DivisionByZero:            "DivisionByZero",
	InvalidMemoryAccess:       "InvalidMemoryAccess",
	MemoryOutOfBounds:         "MemoryOutOfBounds",
	InvalidOperand:            "InvalidOperand",
	PcOutOfBounds:             "PcOutOfBounds",
	CallDepthExceeded:         "CallDepthExceeded",
	ExecutionLimitReached:     "ExecutionLimitReached",
	SyscallError:              "SyscallError",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UnknownKind"
}

// Span is a half-open byte range in the original source.
type Span struct {
	Start int
	End   int
}

// Diagnostic is a single error with its kind, span, message, and an
// optional secondary span (used by DuplicateLabel to point at both
// the original and the re-definition).
type Diagnostic struct {
	Kind      Kind
	Span      Span
	Message   string
	Secondary *Span
	Label     string
}

func (d *Diagnostic) Error() string {
	if d.Label != "" {
		return fmt.Sprintf("%s at [%d:%d) (%s): %s", d.Kind, d.Span.Start, d.Span.End, d.Label, d.Message)
	}
	return fmt.Sprintf("%s at [%d:%d): %s", d.Kind, d.Span.Start, d.Span.End, d.Message)
}

// New builds a Diagnostic.
func New(kind Kind, span Span, message string) *Diagnostic {
	return &Diagnostic{Kind: kind, Span: span, Message: message}
}

// WithSecondary attaches a second span (e.g. the earlier definition in
// a DuplicateLabel diagnostic).
func (d *Diagnostic) WithSecondary(s Span) *Diagnostic {
	d.Secondary = &s
	return d
}

// Bag accumulates diagnostics across a lex/parse/resolve pass. A
// non-empty Bag aborts assembly before ELF emission, per the
// propagation policy: lex, parse and resolve errors are collected;
// decode, encode and VM errors are surfaced immediately instead.
type Bag struct {
	items []*Diagnostic
}

func (b *Bag) Add(d *Diagnostic) { b.items = append(b.items, d) }

func (b *Bag) Empty() bool { return len(b.items) == 0 }

func (b *Bag) Items() []*Diagnostic { return b.items }

func (b *Bag) Error() string {
	if len(b.items) == 0 {
		return "no errors"
	}
	s := fmt.Sprintf("%d error(s):", len(b.items))
	for _, d := range b.items {
		s += "\n  " + d.Error()
	}
	return s
}
