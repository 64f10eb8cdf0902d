package vm

import (
	"fmt"
	"math/bits"

	"github.com/sirupsen/logrus"

	"github.com/oisee/sbpf-go/internal/diag"
	"github.com/oisee/sbpf-go/pkg/asm"
	"github.com/oisee/sbpf-go/pkg/opcode"
)

// Default run-loop bounds, per spec.md §4.7 (max_steps) and the
// call-depth default the reference implementation ships
// (crates/vm/src/vm.rs's Config::default, max_call_depth: 64).
const (
	DefaultMaxSteps     = 1_000_000
	DefaultMaxCallDepth = 64
)

// Program is the VM's input contract: a decoded instruction stream
// plus the syscall-name table keyed by instruction index. Both
// pkg/asm.Resolved and pkg/disasm's lifted output can produce one.
type Program struct {
	Instructions []opcode.Instruction
	Syscalls     map[int]string
}

// ProgramFromResolved adapts an assembled pkg/asm.Resolved into the
// VM's input contract.
func ProgramFromResolved(res *asm.Resolved) Program {
	return Program{Instructions: res.Instructions, Syscalls: res.Syscalls}
}

// Frame is one internal-call activation record: everything execExit
// needs to restore the caller's context.
type Frame struct {
	ReturnPC int
	SavedR6  uint64
	SavedR7  uint64
	SavedR8  uint64
	SavedR9  uint64
	SavedR10 uint64
}

// SyscallFunc is a registered syscall's implementation: it receives
// r1..r5 and the VM (for memory access) and returns the value written
// to r0.
type SyscallFunc func(vm *Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Interpreter is the single-threaded, cooperative sBPF executor
// described in spec.md §4.7: a register file, an index-based pc, a
// call-frame stack, injectable memory, and a syscall registry.
type Interpreter struct {
	Registers            [11]uint64
	PC                    int
	CallStack             []Frame
	Memory                Memory
	Program               Program
	Halted                bool
	ExitCode              uint64
	ComputeUnitsConsumed  uint64
	MaxSteps              uint64
	MaxCallDepth          int
	Syscalls              map[string]SyscallFunc

	log *logrus.Logger
}

type stackTopper interface{ StackTop() uint64 }

// NewInterpreter builds an Interpreter ready to Run: r10 is seeded
// from mem's initial frame pointer (stack_base + stack_size) when mem
// implements StackTop (RegionMemory does).
func NewInterpreter(prog Program, mem Memory, syscalls map[string]SyscallFunc) *Interpreter {
	if syscalls == nil {
		syscalls = map[string]SyscallFunc{}
	}
	vm := &Interpreter{
		Program:      prog,
		Memory:       mem,
		Syscalls:     syscalls,
		MaxSteps:     DefaultMaxSteps,
		MaxCallDepth: DefaultMaxCallDepth,
		log:          logrus.StandardLogger(),
	}
	if st, ok := mem.(stackTopper); ok {
		vm.Registers[10] = st.StackTop()
	}
	return vm
}

// Run steps until halted, a step fails, or the step budget is
// exhausted (ExecutionLimitReached, with ComputeUnitsConsumed pinned
// to MaxSteps).
func (vm *Interpreter) Run() error {
	for !vm.Halted {
		if vm.ComputeUnitsConsumed >= vm.MaxSteps {
			vm.ComputeUnitsConsumed = vm.MaxSteps
			return diag.New(diag.ExecutionLimitReached, diag.Span{},
				fmt.Sprintf("exceeded %d steps", vm.MaxSteps))
		}
		if err := vm.Step(); err != nil {
			return err
		}
	}
	return nil
}

// Step fetches program[pc], dispatches by family, and on success
// increments ComputeUnitsConsumed. A no-op on an already-halted VM.
func (vm *Interpreter) Step() error {
	if vm.Halted {
		return nil
	}
	if vm.PC < 0 || vm.PC >= len(vm.Program.Instructions) {
		return diag.New(diag.PcOutOfBounds, diag.Span{},
			fmt.Sprintf("pc %d out of bounds (%d instructions)", vm.PC, len(vm.Program.Instructions)))
	}
	inst := vm.Program.Instructions[vm.PC]
	fam, ok := opcode.FamilyOf(inst.Op)
	if !ok {
		return diag.New(diag.InvalidInstruction, diag.Span{}, "unrecognized opcode")
	}
	vm.log.WithFields(logrus.Fields{"pc": vm.PC, "op": inst.Op.String()}).Debug("step")

	var err error
	switch fam {
	case opcode.FamLoadImm:
		err = vm.execLoadImm(inst)
	case opcode.FamLoadMem:
		err = vm.execLoadMem(inst)
	case opcode.FamStoreImm:
		err = vm.execStoreImm(inst)
	case opcode.FamStoreReg:
		err = vm.execStoreReg(inst)
	case opcode.FamBinaryImm:
		err = vm.execBinaryImm(inst)
	case opcode.FamBinaryReg:
		err = vm.execBinaryReg(inst)
	case opcode.FamUnary:
		err = vm.execUnary(inst)
	case opcode.FamJumpAbs:
		err = vm.execJumpAbs(inst)
	case opcode.FamJumpImm:
		err = vm.execJumpImm(inst)
	case opcode.FamJumpReg:
		err = vm.execJumpReg(inst)
	case opcode.FamCallImm:
		err = vm.execCallImm(inst)
	case opcode.FamCallReg:
		err = vm.execCallReg(inst)
	case opcode.FamExit:
		err = vm.execExit(inst)
	default:
		err = diag.New(diag.InvalidInstruction, diag.Span{}, "instruction family has no executor")
	}
	if err != nil {
		return err
	}
	vm.ComputeUnitsConsumed++
	return nil
}

func calcAddr(base uint64, off int16) uint64 {
	return uint64(int64(base) + int64(off))
}

func signExt32(v int32) uint64 { return uint64(int64(v)) }
func zeroExt32(v uint32) uint64 { return uint64(v) }

func (vm *Interpreter) execLoadImm(inst opcode.Instruction) error {
	vm.Registers[inst.Dst.N] = uint64(inst.Imm.Val)
	vm.PC++
	return nil
}

func (vm *Interpreter) execLoadMem(inst opcode.Instruction) error {
	addr := calcAddr(vm.Registers[inst.Src.N], *inst.Off)
	var (
		v   uint64
		err error
	)
	switch inst.Op {
	case opcode.Ldxb:
		var b uint8
		b, err = vm.Memory.ReadU8(addr)
		v = uint64(b)
	case opcode.Ldxh:
		var h uint16
		h, err = vm.Memory.ReadU16(addr)
		v = uint64(h)
	case opcode.Ldxw:
		var w uint32
		w, err = vm.Memory.ReadU32(addr)
		v = uint64(w)
	case opcode.Ldxdw:
		v, err = vm.Memory.ReadU64(addr)
	default:
		return diag.New(diag.InvalidInstruction, diag.Span{}, "unhandled load-memory opcode")
	}
	if err != nil {
		return err
	}
	vm.Registers[inst.Dst.N] = v
	vm.PC++
	return nil
}

func (vm *Interpreter) execStoreImm(inst opcode.Instruction) error {
	addr := calcAddr(vm.Registers[inst.Dst.N], *inst.Off)
	imm := inst.Imm.Val
	var err error
	switch inst.Op {
	case opcode.Stb:
		err = vm.Memory.WriteU8(addr, uint8(imm))
	case opcode.Sth:
		err = vm.Memory.WriteU16(addr, uint16(imm))
	case opcode.Stw:
		err = vm.Memory.WriteU32(addr, uint32(imm))
	case opcode.Stdw:
		err = vm.Memory.WriteU64(addr, uint64(imm))
	default:
		return diag.New(diag.InvalidInstruction, diag.Span{}, "unhandled store-immediate opcode")
	}
	if err != nil {
		return err
	}
	vm.PC++
	return nil
}

func (vm *Interpreter) execStoreReg(inst opcode.Instruction) error {
	addr := calcAddr(vm.Registers[inst.Dst.N], *inst.Off)
	src := vm.Registers[inst.Src.N]
	var err error
	switch inst.Op {
	case opcode.Stxb:
		err = vm.Memory.WriteU8(addr, uint8(src))
	case opcode.Stxh:
		err = vm.Memory.WriteU16(addr, uint16(src))
	case opcode.Stxw:
		err = vm.Memory.WriteU32(addr, uint32(src))
	case opcode.Stxdw:
		err = vm.Memory.WriteU64(addr, src)
	default:
		return diag.New(diag.InvalidInstruction, diag.Span{}, "unhandled store-register opcode")
	}
	if err != nil {
		return err
	}
	vm.PC++
	return nil
}

// execBinaryImm implements every 32- and 64-bit ALU op whose second
// operand is an immediate. 64-bit ops wrap via u64; 32-bit add/sub/mul
// and arsh sign-extend their i32 result back to 64 bits, the rest
// (bitwise/shift/div/mod/mov) zero-extend, matching
// crates/common/src/execute/alu{32,64}.rs.
func (vm *Interpreter) execBinaryImm(inst opcode.Instruction) error {
	dst := inst.Dst.N
	imm := inst.Imm.Val
	switch inst.Op {
	case opcode.Add64Imm:
		vm.Registers[dst] += uint64(imm)
	case opcode.Sub64Imm:
		vm.Registers[dst] -= uint64(imm)
	case opcode.Mul64Imm:
		vm.Registers[dst] *= uint64(imm)
	case opcode.Div64Imm:
		if imm == 0 {
			return divByZero(inst.Op)
		}
		vm.Registers[dst] /= uint64(imm)
	case opcode.Or64Imm:
		vm.Registers[dst] |= uint64(imm)
	case opcode.And64Imm:
		vm.Registers[dst] &= uint64(imm)
	case opcode.Lsh64Imm:
		vm.Registers[dst] <<= uint64(imm) & 63
	case opcode.Rsh64Imm:
		vm.Registers[dst] >>= uint64(imm) & 63
	case opcode.Mod64Imm:
		if imm == 0 {
			return divByZero(inst.Op)
		}
		vm.Registers[dst] %= uint64(imm)
	case opcode.Xor64Imm:
		vm.Registers[dst] ^= uint64(imm)
	case opcode.Mov64Imm:
		vm.Registers[dst] = uint64(imm)
	case opcode.Arsh64Imm:
		vm.Registers[dst] = uint64(int64(vm.Registers[dst]) >> (uint64(imm) & 63))

	case opcode.Add32Imm:
		vm.Registers[dst] = signExt32(int32(vm.Registers[dst]) + int32(imm))
	case opcode.Sub32Imm:
		vm.Registers[dst] = signExt32(int32(vm.Registers[dst]) - int32(imm))
	case opcode.Mul32Imm:
		vm.Registers[dst] = signExt32(int32(vm.Registers[dst]) * int32(imm))
	case opcode.Div32Imm:
		d := uint32(imm)
		if d == 0 {
			return divByZero(inst.Op)
		}
		vm.Registers[dst] = zeroExt32(uint32(vm.Registers[dst]) / d)
	case opcode.Or32Imm:
		vm.Registers[dst] = zeroExt32(uint32(vm.Registers[dst]) | uint32(imm))
	case opcode.And32Imm:
		vm.Registers[dst] = zeroExt32(uint32(vm.Registers[dst]) & uint32(imm))
	case opcode.Lsh32Imm:
		vm.Registers[dst] = zeroExt32(uint32(vm.Registers[dst]) << (uint32(imm) & 31))
	case opcode.Rsh32Imm:
		vm.Registers[dst] = zeroExt32(uint32(vm.Registers[dst]) >> (uint32(imm) & 31))
	case opcode.Mod32Imm:
		d := uint32(imm)
		if d == 0 {
			return divByZero(inst.Op)
		}
		vm.Registers[dst] = zeroExt32(uint32(vm.Registers[dst]) % d)
	case opcode.Xor32Imm:
		vm.Registers[dst] = zeroExt32(uint32(vm.Registers[dst]) ^ uint32(imm))
	case opcode.Mov32Imm:
		vm.Registers[dst] = zeroExt32(uint32(imm))
	case opcode.Arsh32Imm:
		vm.Registers[dst] = signExt32(int32(vm.Registers[dst]) >> (uint32(imm) & 31))

	default:
		return diag.New(diag.InvalidInstruction, diag.Span{}, "unhandled binary-immediate opcode")
	}
	vm.PC++
	return nil
}

// execBinaryReg mirrors execBinaryImm with a register-sourced operand.
func (vm *Interpreter) execBinaryReg(inst opcode.Instruction) error {
	dst := inst.Dst.N
	srcVal := vm.Registers[inst.Src.N]
	switch inst.Op {
	case opcode.Add64Reg:
		vm.Registers[dst] += srcVal
	case opcode.Sub64Reg:
		vm.Registers[dst] -= srcVal
	case opcode.Mul64Reg:
		vm.Registers[dst] *= srcVal
	case opcode.Div64Reg:
		if srcVal == 0 {
			return divByZero(inst.Op)
		}
		vm.Registers[dst] /= srcVal
	case opcode.Or64Reg:
		vm.Registers[dst] |= srcVal
	case opcode.And64Reg:
		vm.Registers[dst] &= srcVal
	case opcode.Lsh64Reg:
		vm.Registers[dst] <<= srcVal & 63
	case opcode.Rsh64Reg:
		vm.Registers[dst] >>= srcVal & 63
	case opcode.Mod64Reg:
		if srcVal == 0 {
			return divByZero(inst.Op)
		}
		vm.Registers[dst] %= srcVal
	case opcode.Xor64Reg:
		vm.Registers[dst] ^= srcVal
	case opcode.Mov64Reg:
		vm.Registers[dst] = srcVal
	case opcode.Arsh64Reg:
		vm.Registers[dst] = uint64(int64(vm.Registers[dst]) >> (srcVal & 63))

	case opcode.Add32Reg:
		vm.Registers[dst] = signExt32(int32(vm.Registers[dst]) + int32(srcVal))
	case opcode.Sub32Reg:
		vm.Registers[dst] = signExt32(int32(vm.Registers[dst]) - int32(srcVal))
	case opcode.Mul32Reg:
		vm.Registers[dst] = signExt32(int32(vm.Registers[dst]) * int32(srcVal))
	case opcode.Div32Reg:
		d := uint32(srcVal)
		if d == 0 {
			return divByZero(inst.Op)
		}
		vm.Registers[dst] = zeroExt32(uint32(vm.Registers[dst]) / d)
	case opcode.Or32Reg:
		vm.Registers[dst] = zeroExt32(uint32(vm.Registers[dst]) | uint32(srcVal))
	case opcode.And32Reg:
		vm.Registers[dst] = zeroExt32(uint32(vm.Registers[dst]) & uint32(srcVal))
	case opcode.Lsh32Reg:
		vm.Registers[dst] = zeroExt32(uint32(vm.Registers[dst]) << (uint32(srcVal) & 31))
	case opcode.Rsh32Reg:
		vm.Registers[dst] = zeroExt32(uint32(vm.Registers[dst]) >> (uint32(srcVal) & 31))
	case opcode.Mod32Reg:
		d := uint32(srcVal)
		if d == 0 {
			return divByZero(inst.Op)
		}
		vm.Registers[dst] = zeroExt32(uint32(vm.Registers[dst]) % d)
	case opcode.Xor32Reg:
		vm.Registers[dst] = zeroExt32(uint32(vm.Registers[dst]) ^ uint32(srcVal))
	case opcode.Mov32Reg:
		vm.Registers[dst] = zeroExt32(uint32(srcVal))
	case opcode.Arsh32Reg:
		vm.Registers[dst] = signExt32(int32(vm.Registers[dst]) >> (uint32(srcVal) & 31))

	default:
		return diag.New(diag.InvalidInstruction, diag.Span{}, "unhandled binary-register opcode")
	}
	vm.PC++
	return nil
}

func divByZero(op opcode.Opcode) error {
	return diag.New(diag.DivisionByZero, diag.Span{}, op.String()+" by zero")
}

// leLowBits and beLowBits implement the endian family's low-bits
// truncation (Le is a no-op on this little-endian host; Be reverses
// the truncated width's bytes), per spec.md §4.7.
func leLowBits(v uint64, width int64) (uint64, bool) {
	switch width {
	case 16:
		return uint64(uint16(v)), true
	case 32:
		return uint64(uint32(v)), true
	case 64:
		return v, true
	default:
		return 0, false
	}
}

func beLowBits(v uint64, width int64) (uint64, bool) {
	switch width {
	case 16:
		return uint64(bits.ReverseBytes16(uint16(v))), true
	case 32:
		return uint64(bits.ReverseBytes32(uint32(v))), true
	case 64:
		return bits.ReverseBytes64(v), true
	default:
		return 0, false
	}
}

func (vm *Interpreter) execUnary(inst opcode.Instruction) error {
	dst := inst.Dst.N
	switch inst.Op {
	case opcode.Neg64:
		vm.Registers[dst] = uint64(-int64(vm.Registers[dst]))
	case opcode.Neg32:
		vm.Registers[dst] = signExt32(-int32(vm.Registers[dst]))
	case opcode.Hor64Imm:
		vm.Registers[dst] |= uint64(uint32(inst.Imm.Val)) << 32
	case opcode.Le:
		v, ok := leLowBits(vm.Registers[dst], inst.Imm.Val)
		if !ok {
			return diag.New(diag.InvalidOperand, diag.Span{}, "le: operand width must be 16, 32 or 64")
		}
		vm.Registers[dst] = v
	case opcode.Be:
		v, ok := beLowBits(vm.Registers[dst], inst.Imm.Val)
		if !ok {
			return diag.New(diag.InvalidOperand, diag.Span{}, "be: operand width must be 16, 32 or 64")
		}
		vm.Registers[dst] = v
	default:
		return diag.New(diag.InvalidInstruction, diag.Span{}, "unhandled unary opcode")
	}
	vm.PC++
	return nil
}

func (vm *Interpreter) execJumpAbs(inst opcode.Instruction) error {
	vm.PC = vm.PC + 1 + int(*inst.Off)
	return nil
}

// jumpTrue evaluates a conditional jump's predicate. opcode.Mnemonic
// already collapses the immediate- and register-sourced opcodes of a
// condition to the same name (e.g. JeqImm and JeqReg both "jeq"), so
// one table serves both families.
func jumpTrue(op opcode.Opcode, a, b uint64) bool {
	switch opcode.Mnemonic(op) {
	case "jeq":
		return a == b
	case "jgt":
		return a > b
	case "jge":
		return a >= b
	case "jlt":
		return a < b
	case "jle":
		return a <= b
	case "jset":
		return a&b != 0
	case "jne":
		return a != b
	case "jsgt":
		return int64(a) > int64(b)
	case "jsge":
		return int64(a) >= int64(b)
	case "jslt":
		return int64(a) < int64(b)
	case "jsle":
		return int64(a) <= int64(b)
	default:
		return false
	}
}

func (vm *Interpreter) execJumpImm(inst opcode.Instruction) error {
	a := vm.Registers[inst.Dst.N]
	b := signExt32(int32(inst.Imm.Val))
	if jumpTrue(inst.Op, a, b) {
		vm.PC = vm.PC + 1 + int(*inst.Off)
	} else {
		vm.PC++
	}
	return nil
}

func (vm *Interpreter) execJumpReg(inst opcode.Instruction) error {
	a := vm.Registers[inst.Dst.N]
	b := vm.Registers[inst.Src.N]
	if jumpTrue(inst.Op, a, b) {
		vm.PC = vm.PC + 1 + int(*inst.Off)
	} else {
		vm.PC++
	}
	return nil
}

// pushCall implements the shared call-entry discipline: depth check,
// frame push (return pc, callee-saved registers, frame pointer), stack
// growth by one frame, and the jump to target.
func (vm *Interpreter) pushCall(target int) error {
	if len(vm.CallStack) >= vm.MaxCallDepth {
		return diag.New(diag.CallDepthExceeded, diag.Span{},
			fmt.Sprintf("call depth exceeded max %d", vm.MaxCallDepth))
	}
	vm.CallStack = append(vm.CallStack, Frame{
		ReturnPC: vm.PC + 1,
		SavedR6:  vm.Registers[6],
		SavedR7:  vm.Registers[7],
		SavedR8:  vm.Registers[8],
		SavedR9:  vm.Registers[9],
		SavedR10: vm.Registers[10],
	})
	vm.Registers[10] += StackFrameSize
	vm.PC = target
	return nil
}

func (vm *Interpreter) execCallImm(inst opcode.Instruction) error {
	if name, ok := vm.Program.Syscalls[vm.PC]; ok {
		handler, ok := vm.Syscalls[name]
		if !ok {
			return diag.New(diag.SyscallError, diag.Span{}, "no handler registered for syscall "+name)
		}
		result, err := handler(vm, vm.Registers[1], vm.Registers[2], vm.Registers[3], vm.Registers[4], vm.Registers[5])
		if err != nil {
			return diag.New(diag.SyscallError, diag.Span{}, err.Error())
		}
		vm.Registers[0] = result
		vm.PC++
		return nil
	}
	return vm.pushCall(int(inst.Imm.Val))
}

func (vm *Interpreter) execCallReg(inst opcode.Instruction) error {
	n := inst.Src.N
	if n >= 10 {
		return diag.New(diag.InvalidOperand, diag.Span{}, "callx target register must be r0..r9")
	}
	return vm.pushCall(int(vm.Registers[n]))
}

func (vm *Interpreter) execExit(inst opcode.Instruction) error {
	if len(vm.CallStack) == 0 {
		vm.Halted = true
		vm.ExitCode = vm.Registers[0]
		return nil
	}
	top := vm.CallStack[len(vm.CallStack)-1]
	vm.CallStack = vm.CallStack[:len(vm.CallStack)-1]
	vm.Registers[6] = top.SavedR6
	vm.Registers[7] = top.SavedR7
	vm.Registers[8] = top.SavedR8
	vm.Registers[9] = top.SavedR9
	vm.Registers[10] = top.SavedR10
	vm.PC = top.ReturnPC
	return nil
}
