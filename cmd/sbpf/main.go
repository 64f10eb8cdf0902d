// Command sbpf is the assembler/disassembler/interpreter front end
// for the sBPF toolchain: `sbpf asm` turns .sbpf source into an ELF64
// object, `sbpf disasm` lifts one back into readable instructions,
// and `sbpf run` interprets one directly. See SPEC_FULL.md §8.3 for
// the scope this CLI covers and what it deliberately omits (no
// build/deploy/test/init/e2e/clean — those assume an on-chain
// deployment target this toolchain doesn't provide).
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sbpf",
		Short: "sBPF assembler, disassembler and interpreter",
	}

	rootCmd.AddCommand(newAsmCmd(), newDisasmCmd(), newRunCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
