package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/oisee/sbpf-go/pkg/disasm"
	"github.com/oisee/sbpf-go/pkg/vm"
)

func newRunCmd() *cobra.Command {
	var maxSteps uint64

	cmd := &cobra.Command{
		Use:   "run <file.elf>",
		Short: "Interpret an sBPF ELF object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading %s: %w", args[0], err)
			}
			d, err := disasm.Disassemble(raw)
			if err != nil {
				return fmt.Errorf("disassembling %s: %w", args[0], err)
			}

			mem := vm.NewRegionMemory(d.Rodata, nil, 0, 0)
			interp := vm.NewInterpreter(
				vm.Program{Instructions: d.Instructions, Syscalls: d.Syscalls},
				mem,
				vm.DefaultSyscalls(logrus.StandardLogger()),
			)
			if maxSteps > 0 {
				interp.MaxSteps = maxSteps
			}

			if err := interp.Run(); err != nil {
				return fmt.Errorf("execution halted: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "exit_code=%d compute_units_consumed=%d\n",
				interp.ExitCode, interp.ComputeUnitsConsumed)
			return nil
		},
	}

	cmd.Flags().Uint64Var(&maxSteps, "max-steps", 0, "execution step budget (0 = use the interpreter default)")
	return cmd
}
