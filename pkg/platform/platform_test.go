package platform

import (
	"testing"

	"github.com/oisee/sbpf-go/pkg/opcode"
)

func TestBpfIsIdentity(t *testing.T) {
	p := Bpf{}
	op, dst, imm := p.DecodeByte(byte(opcode.Add64Imm), 3, 10)
	if op != opcode.Add64Imm || dst != 3 || imm != 10 {
		t.Fatalf("bpf decode mutated fields: %v %v %v", op, dst, imm)
	}
}

func TestSbpfV0CallxRoundTrip(t *testing.T) {
	p := SbpfV0{}
	raw, dst, immOnWire := p.EncodeByte(opcode.CallReg, 5, 0)
	if raw != byte(opcode.CallReg) || dst != 0 || immOnWire != 5 {
		t.Fatalf("encode callx: raw=0x%02x dst=%d imm=%d", raw, dst, immOnWire)
	}
	op, decodedDst, decodedImm := p.DecodeByte(raw, dst, immOnWire)
	if op != opcode.CallReg || decodedDst != 5 || decodedImm != 0 {
		t.Fatalf("decode callx: op=%v dst=%d imm=%d", op, decodedDst, decodedImm)
	}
}

func TestSbpfV2RemapRoundTrip(t *testing.T) {
	p := SbpfV2{}
	tests := []struct {
		op  opcode.Opcode
		raw byte
	}{
		{opcode.Ldxw, 0x8C},
		{opcode.Stxw, 0x8F},
		{opcode.Ldxb, byte(opcode.Mul32Reg)},
		{opcode.Ldxh, byte(opcode.Div32Reg)},
		{opcode.Ldxdw, byte(opcode.Mod32Reg)},
		{opcode.Stb, byte(opcode.Mul64Imm)},
		{opcode.Stxb, byte(opcode.Mul64Reg)},
		{opcode.Sth, byte(opcode.Div64Imm)},
		{opcode.Stxh, byte(opcode.Div64Reg)},
		{opcode.Stw, byte(opcode.Neg64)},
		{opcode.Stdw, byte(opcode.Mod64Imm)},
		{opcode.Stxdw, byte(opcode.Mod64Reg)},
	}
	for _, tt := range tests {
		raw, dst, immv := p.EncodeByte(tt.op, 1, 2)
		if raw != tt.raw {
			t.Errorf("encode %v: raw=0x%02x want 0x%02x", tt.op, raw, tt.raw)
		}
		op, decDst, decImm := p.DecodeByte(raw, dst, immv)
		if op != tt.op || decDst != 1 || decImm != 2 {
			t.Errorf("decode raw 0x%02x: got op=%v dst=%d imm=%d", raw, op, decDst, decImm)
		}
	}
}

func TestSbpfV2Hor64ImmUnchanged(t *testing.T) {
	p := SbpfV2{}
	op, _, _ := p.DecodeByte(0xF7, 0, 0)
	if op != opcode.Hor64Imm {
		t.Fatalf("0xF7 should decode as Hor64Imm under SBPFv2, got %v", op)
	}
}

func TestForFlagsSelectsVersion(t *testing.T) {
	if _, ok := ForFlags(2).(SbpfV2); !ok {
		t.Fatal("e_flags=2 should select SBPFv2")
	}
	if _, ok := ForFlags(0).(SbpfV0); !ok {
		t.Fatal("e_flags=0 should select SBPFv0")
	}
}
