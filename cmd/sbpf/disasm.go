package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oisee/sbpf-go/pkg/disasm"
	"github.com/oisee/sbpf-go/pkg/opcode"
)

func newDisasmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disasm <file.elf>",
		Short: "Disassemble an sBPF ELF object into its instruction stream",
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
			printDisassembly(cmd, d)
			return nil
		},
	}
}

func printDisassembly(cmd *cobra.Command, d *disasm.Disassembled) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "; platform=%s static=%t", d.Platform.Name(), d.Static)
	if d.EntrySymbol != "" {
		fmt.Fprintf(out, " entry=%s", d.EntrySymbol)
	}
	fmt.Fprintln(out)

	for i, inst := range d.Instructions {
		if name, ok := d.Syscalls[i]; ok {
			fmt.Fprintf(out, "%5d  %-8s ; syscall %s\n", i, inst.Op.String(), name)
			continue
		}
		fmt.Fprintf(out, "%5d  %s\n", i, formatInstruction(inst))
	}

	if len(d.RodataItems) == 0 {
		return
	}
	fmt.Fprintln(out, "\n.rodata")
	for _, item := range d.RodataItems {
		fmt.Fprintf(out, "%s:\t%s\n", item.Label, formatRodataItem(item))
	}
}

func formatInstruction(inst opcode.Instruction) string {
	s := inst.Op.String()
	if inst.Dst != nil {
		s += fmt.Sprintf(" r%d", inst.Dst.N)
	}
	if inst.Src != nil {
		if inst.Dst != nil {
			s += fmt.Sprintf(", r%d", inst.Src.N)
		} else {
			s += fmt.Sprintf(" r%d", inst.Src.N)
		}
	}
	if inst.Off != nil && *inst.Off != 0 {
		s += fmt.Sprintf(" %+d", *inst.Off)
	}
	if inst.Imm != nil {
		s += fmt.Sprintf(", %d", inst.Imm.Val)
	}
	return s
}

func formatRodataItem(item disasm.RodataItem) string {
	switch item.Kind {
	case disasm.RodataAscii:
		return fmt.Sprintf(".ascii %q", string(item.Data))
	default:
		return fmt.Sprintf(".byte % x", item.Data)
	}
}
