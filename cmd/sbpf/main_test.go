package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const staticSrc = `.globl entrypoint
entrypoint:
  mov64 r0, 42
  exit
`

func TestAsmDisasmRunRoundTrip(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "prog.sbpf")
	if err := os.WriteFile(srcPath, []byte(staticSrc), 0o644); err != nil {
		t.Fatal(err)
	}
	elfPath := filepath.Join(dir, "prog.elf")

	asmCmd := newAsmCmd()
	asmCmd.SetArgs([]string{srcPath, "-o", elfPath})
	if err := asmCmd.Execute(); err != nil {
		t.Fatalf("asm: %v", err)
	}
	if _, err := os.Stat(elfPath); err != nil {
		t.Fatalf("expected %s to exist: %v", elfPath, err)
	}

	var disasmOut bytes.Buffer
	disasmCmd := newDisasmCmd()
	disasmCmd.SetOut(&disasmOut)
	disasmCmd.SetArgs([]string{elfPath})
	if err := disasmCmd.Execute(); err != nil {
		t.Fatalf("disasm: %v", err)
	}
	if !strings.Contains(disasmOut.String(), "mov64") {
		t.Fatalf("disasm output missing mov64: %s", disasmOut.String())
	}
	if !strings.Contains(disasmOut.String(), "static=true") {
		t.Fatalf("disasm output should report a static program: %s", disasmOut.String())
	}

	var runOut bytes.Buffer
	runCmd := newRunCmd()
	runCmd.SetOut(&runOut)
	runCmd.SetArgs([]string{elfPath})
	if err := runCmd.Execute(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(runOut.String(), "exit_code=42") {
		t.Fatalf("run output missing exit_code=42: %s", runOut.String())
	}
}

func TestAsmRejectsUnknownArch(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "prog.sbpf")
	if err := os.WriteFile(srcPath, []byte(staticSrc), 0o644); err != nil {
		t.Fatal(err)
	}

	asmCmd := newAsmCmd()
	asmCmd.SetArgs([]string{srcPath, "--arch", "v9", "-o", filepath.Join(dir, "out.elf")})
	if err := asmCmd.Execute(); err == nil {
		t.Fatal("expected an error for an unknown --arch value")
	}
}

func TestRunMaxStepsBudgetExceeded(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "loop.sbpf")
	src := `.globl entrypoint
entrypoint:
  mov64 r0, 0
loop:
  add64 r0, 1
  ja loop
  exit
`
	if err := os.WriteFile(srcPath, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	elfPath := filepath.Join(dir, "loop.elf")

	asmCmd := newAsmCmd()
	asmCmd.SetArgs([]string{srcPath, "-o", elfPath})
	if err := asmCmd.Execute(); err != nil {
		t.Fatalf("asm: %v", err)
	}

	runCmd := newRunCmd()
	runCmd.SetArgs([]string{elfPath, "--max-steps", "10"})
	if err := runCmd.Execute(); err == nil {
		t.Fatal("expected the step budget to be exceeded")
	}
}
