package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("cfg = %+v, want defaults %+v", cfg, Default())
	}
}

func TestLoadParsesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sbpf.toml")
	body := "arch = \"v2\"\ndebug = true\noutput = \"out.elf\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Arch != "v2" || !cfg.Debug || cfg.Output != "out.elf" {
		t.Fatalf("cfg = %+v, want arch=v2 debug=true output=out.elf", cfg)
	}
}

func TestLoadPartialFileKeepsDefaultsForOmittedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sbpf.toml")
	if err := os.WriteFile(path, []byte("debug = true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Arch != "v0" {
		t.Fatalf("arch = %q, want default v0 preserved", cfg.Arch)
	}
	if !cfg.Debug {
		t.Fatal("debug = false, want true")
	}
}
