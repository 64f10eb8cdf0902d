package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oisee/sbpf-go/internal/config"
	"github.com/oisee/sbpf-go/internal/diag"
	"github.com/oisee/sbpf-go/pkg/asm"
	"github.com/oisee/sbpf-go/pkg/dwarf"
	"github.com/oisee/sbpf-go/pkg/elf"
	"github.com/oisee/sbpf-go/pkg/platform"
	"github.com/oisee/sbpf-go/pkg/token"
)

func newAsmCmd() *cobra.Command {
	var (
		archFlag   string
		debugFlag  bool
		outputFlag string
	)

	cmd := &cobra.Command{
		Use:   "asm <file.sbpf>",
		Short: "Assemble an sBPF source file into an ELF64 object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load("sbpf.toml")
			if err != nil {
				return fmt.Errorf("loading sbpf.toml: %w", err)
			}

			arch := cfg.Arch
			if cmd.Flags().Changed("arch") {
				arch = archFlag
			}
			plat, ok := platform.ForArch(arch)
			if !ok {
				return fmt.Errorf("unknown target architecture %q (want v0 or v2)", arch)
			}

			out := cfg.Output
			if cmd.Flags().Changed("output") {
				out = outputFlag
			}
			if out == "" {
				ext := filepath.Ext(args[0])
				out = strings.TrimSuffix(args[0], ext) + ".elf"
			}

			return assembleFile(args[0], out, plat, cfg.Debug || debugFlag)
		},
	}

	cmd.Flags().StringVar(&archFlag, "arch", "v0", "target architecture: v0 or v2")
	cmd.Flags().BoolVar(&debugFlag, "debug", false, "emit DWARF debug sections")
	cmd.Flags().StringVarP(&outputFlag, "output", "o", "", "output ELF path (default: <input> with .elf extension)")

	return cmd
}

func assembleFile(srcPath, outPath string, plat platform.Platform, withDebug bool) error {
	src, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", srcPath, err)
	}

	bag := &diag.Bag{}
	toks := token.New(src, bag).Lex()
	if !bag.Empty() {
		return fmt.Errorf("%s", bag.Error())
	}

	p := asm.NewParser(toks, bag)
	prog := p.Parse()
	if !bag.Empty() {
		return fmt.Errorf("%s", bag.Error())
	}

	res := asm.Resolve(prog, bag)
	if !bag.Empty() {
		return fmt.Errorf("%s", bag.Error())
	}

	var debugSections *elf.DebugSections
	if withDebug {
		debugSections = dwarf.Build(src, res, filepath.Base(srcPath))
	}

	out, err := elf.Build(res, plat, debugSections)
	if err != nil {
		return fmt.Errorf("building ELF object: %w", err)
	}

	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}

	fmt.Printf("wrote %s (%d bytes, %s)\n", outPath, len(out), plat.Name())
	return nil
}
