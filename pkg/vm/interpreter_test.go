package vm

import (
	"testing"

	"github.com/oisee/sbpf-go/internal/diag"
	"github.com/oisee/sbpf-go/pkg/opcode"
)

func reg(n uint8) *opcode.Register { return &opcode.Register{N: n} }
func off(v int16) *int16           { return &v }
func num(v int64) *opcode.Number   { n := opcode.Int(v); return &n }

func newTestVM(instrs []opcode.Instruction) *Interpreter {
	mem := NewRegionMemory(nil, nil, 0, 0)
	return NewInterpreter(Program{Instructions: instrs}, mem, nil)
}

// Scenario 4: mov64 r1,10; add64 r1,5; mul64 r1,3; sub64 r1,7; exit
// halts with r1=38, exit_code=0, compute_units_consumed=5.
func TestInterpreterArithmeticScenario(t *testing.T) {
	prog := []opcode.Instruction{
		{Op: opcode.Mov64Imm, Dst: reg(1), Imm: num(10)},
		{Op: opcode.Add64Imm, Dst: reg(1), Imm: num(5)},
		{Op: opcode.Mul64Imm, Dst: reg(1), Imm: num(3)},
		{Op: opcode.Sub64Imm, Dst: reg(1), Imm: num(7)},
		{Op: opcode.Exit},
	}
	v := newTestVM(prog)
	if err := v.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !v.Halted {
		t.Fatal("expected halted")
	}
	if v.Registers[1] != 38 {
		t.Fatalf("r1 = %d, want 38", v.Registers[1])
	}
	if v.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", v.ExitCode)
	}
	if v.ComputeUnitsConsumed != 5 {
		t.Fatalf("compute units = %d, want 5", v.ComputeUnitsConsumed)
	}
}

// Scenario 5: call 3; lddw r2,2; exit; lddw r1,1; exit halts with
// r1=1, r2=2, call stack empty.
func TestInterpreterCallExitScenario(t *testing.T) {
	prog := []opcode.Instruction{
		{Op: opcode.CallImm, Imm: num(3)},
		{Op: opcode.Lddw, Dst: reg(2), Imm: num(2)},
		{Op: opcode.Exit},
		{Op: opcode.Lddw, Dst: reg(1), Imm: num(1)},
		{Op: opcode.Exit},
	}
	v := newTestVM(prog)
	if err := v.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v.Registers[1] != 1 {
		t.Fatalf("r1 = %d, want 1", v.Registers[1])
	}
	if v.Registers[2] != 2 {
		t.Fatalf("r2 = %d, want 2", v.Registers[2])
	}
	if len(v.CallStack) != 0 {
		t.Fatalf("call stack not empty at halt: %+v", v.CallStack)
	}
}

func TestInternalCallDepthExceeded(t *testing.T) {
	// call 0 is a self-call: with MaxCallDepth=1 the second entry fails.
	prog := []opcode.Instruction{
		{Op: opcode.CallImm, Imm: num(0)},
	}
	v := newTestVM(prog)
	v.MaxCallDepth = 1
	err := v.Run()
	d, ok := err.(*diag.Diagnostic)
	if !ok || d.Kind != diag.CallDepthExceeded {
		t.Fatalf("err = %v, want CallDepthExceeded", err)
	}
}

func TestCallxRejectsR10(t *testing.T) {
	prog := []opcode.Instruction{
		{Op: opcode.CallReg, Src: reg(10)},
	}
	v := newTestVM(prog)
	err := v.Run()
	d, ok := err.(*diag.Diagnostic)
	if !ok || d.Kind != diag.InvalidOperand {
		t.Fatalf("err = %v, want InvalidOperand", err)
	}
}

func TestDivisionByZero(t *testing.T) {
	prog := []opcode.Instruction{
		{Op: opcode.Div64Imm, Dst: reg(1), Imm: num(0)},
	}
	v := newTestVM(prog)
	err := v.Run()
	d, ok := err.(*diag.Diagnostic)
	if !ok || d.Kind != diag.DivisionByZero {
		t.Fatalf("err = %v, want DivisionByZero", err)
	}
}

func Test32BitWrapAndSignExtend(t *testing.T) {
	// mov32 r1, -1 leaves r1 = 0xffffffff; add32 1 wraps the low 32
	// bits to 0, and sign-extending that 0 leaves the full register 0.
	prog := []opcode.Instruction{
		{Op: opcode.Mov32Imm, Dst: reg(1), Imm: num(-1)},
		{Op: opcode.Add32Imm, Dst: reg(1), Imm: num(1)},
		{Op: opcode.Exit},
	}
	v := newTestVM(prog)
	if err := v.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v.Registers[1] != 0 {
		t.Fatalf("r1 = %#x, want 0 (32-bit wraparound)", v.Registers[1])
	}
}

func TestArithmeticShiftRightIsSignPreserving(t *testing.T) {
	prog := []opcode.Instruction{
		{Op: opcode.Mov64Imm, Dst: reg(1), Imm: num(-8)},
		{Op: opcode.Arsh64Imm, Dst: reg(1), Imm: num(1)},
		{Op: opcode.Exit},
	}
	v := newTestVM(prog)
	if err := v.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if int64(v.Registers[1]) != -4 {
		t.Fatalf("r1 = %d, want -4", int64(v.Registers[1]))
	}
}

func TestEndianLeTruncatesLowBits(t *testing.T) {
	prog := []opcode.Instruction{
		{Op: opcode.Mov64Imm, Dst: reg(0), Imm: num(0)},
		{Op: opcode.Le, Dst: reg(0), Imm: num(16)},
		{Op: opcode.Exit},
	}
	v := newTestVM(prog)
	v.Registers[0] = 0xFFFFFFFF_FFFF1234
	// skip the mov64 that would clobber it by starting at index 1.
	v.PC = 1
	if err := v.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v.Registers[0] != 0x1234 {
		t.Fatalf("r0 = %#x, want 0x1234", v.Registers[0])
	}
}

func TestEndianInvalidWidthFails(t *testing.T) {
	prog := []opcode.Instruction{
		{Op: opcode.Le, Dst: reg(0), Imm: num(8)},
	}
	v := newTestVM(prog)
	err := v.Run()
	d, ok := err.(*diag.Diagnostic)
	if !ok || d.Kind != diag.InvalidOperand {
		t.Fatalf("err = %v, want InvalidOperand", err)
	}
}

func TestJaIsIndexRelative(t *testing.T) {
	prog := []opcode.Instruction{
		{Op: opcode.Mov64Imm, Dst: reg(1), Imm: num(0)},
		{Op: opcode.Ja, Off: off(1)},
		{Op: opcode.Mov64Imm, Dst: reg(1), Imm: num(99)},
		{Op: opcode.Exit},
	}
	v := newTestVM(prog)
	if err := v.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v.Registers[1] != 0 {
		t.Fatalf("r1 = %d, want 0 (jump must skip the mov64 r1,99)", v.Registers[1])
	}
}

func TestMemoryRoundTripAndRodataIsolation(t *testing.T) {
	mem := NewRegionMemory([]byte{1, 2, 3, 4}, nil, 0, 0)
	if err := mem.WriteU32(mem.StackTop()-4, 0xdeadbeef); err != nil {
		t.Fatalf("stack write: %v", err)
	}
	got, err := mem.ReadU32(mem.StackTop() - 4)
	if err != nil || got != 0xdeadbeef {
		t.Fatalf("stack round-trip = %#x, %v", got, err)
	}
	if err := mem.WriteU8(RodataBase, 0xff); err == nil {
		t.Fatal("expected write to rodata to fail")
	}
	b, err := mem.ReadU8(RodataBase + 2)
	if err != nil || b != 3 {
		t.Fatalf("rodata read = %d, %v, want 3", b, err)
	}
}

func TestHeapAllocBumpsPointer(t *testing.T) {
	mem := NewRegionMemory(nil, nil, 0, 128)
	a1, err := mem.Alloc(64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	a2, err := mem.Alloc(32)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if a2 != a1+64 {
		t.Fatalf("second alloc = %#x, want %#x", a2, a1+64)
	}
	if _, err := mem.Alloc(1000); err == nil {
		t.Fatal("expected heap exhaustion error")
	}
}

func TestExecutionLimitReached(t *testing.T) {
	prog := []opcode.Instruction{
		{Op: opcode.Ja, Off: off(-1)},
	}
	v := newTestVM(prog)
	v.MaxSteps = 10
	err := v.Run()
	d, ok := err.(*diag.Diagnostic)
	if !ok || d.Kind != diag.ExecutionLimitReached {
		t.Fatalf("err = %v, want ExecutionLimitReached", err)
	}
	if v.ComputeUnitsConsumed != v.MaxSteps {
		t.Fatalf("compute units = %d, want %d", v.ComputeUnitsConsumed, v.MaxSteps)
	}
}

func TestSyscallDispatchWritesR0(t *testing.T) {
	prog := Program{
		Instructions: []opcode.Instruction{
			{Op: opcode.Mov64Imm, Dst: reg(1), Imm: num(7)},
			{Op: opcode.CallImm, Imm: num(12345)},
			{Op: opcode.Exit},
		},
		Syscalls: map[int]string{1: "double"},
	}
	mem := NewRegionMemory(nil, nil, 0, 0)
	calls := 0
	handlers := map[string]SyscallFunc{
		"double": func(vm *Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
			calls++
			return r1 * 2, nil
		},
	}
	v := NewInterpreter(prog, mem, handlers)
	if err := v.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("syscall invoked %d times, want 1", calls)
	}
	if v.Registers[0] != 14 {
		t.Fatalf("r0 = %d, want 14", v.Registers[0])
	}
}
