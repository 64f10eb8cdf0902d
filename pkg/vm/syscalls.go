package vm

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/oisee/sbpf-go/internal/diag"
)

// readString reads length bytes starting at addr and returns them
// as a string, for syscalls that take a (ptr, len) message argument.
func readString(mem Memory, addr, length uint64) (string, error) {
	b := make([]byte, length)
	for i := range b {
		v, err := mem.ReadU8(addr + uint64(i))
		if err != nil {
			return "", err
		}
		b[i] = v
	}
	return string(b), nil
}

// DefaultSyscalls builds the stub syscall registry SPEC_FULL.md §12
// names: a minimal, concrete implementation of the Solana syscalls
// named across original_source's example programs
// (sbpf-asm-counter/cpi/vault), logged through log rather than backed
// by a real runtime. Registered so cmd/sbpf run can execute a program
// that calls sol_log_-style syscalls instead of failing every call
// with SyscallError.
func DefaultSyscalls(log *logrus.Logger) map[string]SyscallFunc {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return map[string]SyscallFunc{
		"sol_log_": func(vm *Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
			msg, err := readString(vm.Memory, r1, r2)
			if err != nil {
				return 0, err
			}
			log.Info(msg)
			return 0, nil
		},
		"sol_log_64_": func(vm *Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
			log.Infof("sol_log_64_: %#x %#x %#x %#x %#x", r1, r2, r3, r4, r5)
			return 0, nil
		},
		"sol_log_compute_units_": func(vm *Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
			log.Infof("sol_log_compute_units_: %d remaining", vm.MaxSteps-vm.ComputeUnitsConsumed)
			return 0, nil
		},
		"sol_log_pubkey": func(vm *Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
			key := make([]byte, 32)
			for i := range key {
				v, err := vm.Memory.ReadU8(r1 + uint64(i))
				if err != nil {
					return 0, err
				}
				key[i] = v
			}
			log.Infof("sol_log_pubkey: % x", key)
			return 0, nil
		},
		"abort": func(vm *Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
			return 0, diag.New(diag.SyscallError, diag.Span{}, "program called abort")
		},
		"sol_panic_": func(vm *Interpreter, r1, r2, r3, r4, r5 uint64) (uint64, error) {
			file, err := readString(vm.Memory, r1, r2)
			if err != nil {
				file = "<unreadable>"
			}
			return 0, diag.New(diag.SyscallError, diag.Span{},
				fmt.Sprintf("panicked at %s:%d:%d", file, r3, r4))
		},
	}
}
