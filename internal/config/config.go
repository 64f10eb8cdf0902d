// Package config loads sbpf.toml, the project-level defaults for the
// CLI's --arch/--debug/output-path settings. See SPEC_FULL.md §3's
// Configuration section.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the subset of sbpf.toml settings the CLI consults before
// applying its own flag defaults; a flag the user passes explicitly
// always overrides the corresponding config value.
type Config struct {
	Arch   string `toml:"arch"`   // "v0" or "v2", default "v0"
	Debug  bool   `toml:"debug"`  // emit DWARF debug sections
	Output string `toml:"output"` // default output path for `asm`
}

// Default returns the configuration that applies when no sbpf.toml is
// present, or when a present file omits a field.
func Default() Config {
	return Config{Arch: "v0"}
}

// Load reads sbpf.toml from path. A missing file is not an error: it
// returns Default() unchanged, matching spec.md §6.3's "configuration
// is loaded from sbpf.toml when present".
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
