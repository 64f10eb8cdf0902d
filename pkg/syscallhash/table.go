package syscallhash

import (
	"fmt"
	"sort"
)

// entry pairs a syscall's murmur3-32 hash with its name.
type entry struct {
	hash uint32
	name string
}

// Table supports O(log n) hash->name lookup over a sorted entry set,
// built either from the compile-time static list (Static) or from a
// runtime-supplied name slice (NewDynamic).
type Table struct {
	entries []entry
}

// defaultSyscalls is a representative slice of the real sBPF syscall
// surface, gathered from names referenced by the example on-chain
// programs (counter/cpi/vault) this module was grounded against.
var defaultSyscalls = []string{
	"abort",
	"sol_panic_",
	"sol_log_",
	"sol_log_64_",
	"sol_log_compute_units_",
	"sol_log_pubkey",
	"sol_log_data",
	"sol_memcpy_",
	"sol_memmove_",
	"sol_memcmp_",
	"sol_memset_",
	"sol_sha256",
	"sol_keccak256",
	"sol_blake3",
	"sol_secp256k1_recover",
	"sol_curve_validate_point",
	"sol_curve_group_op",
	"sol_create_program_address",
	"sol_try_find_program_address",
	"sol_invoke_signed_c",
	"sol_invoke_signed_rust",
	"sol_set_return_data",
	"sol_get_return_data",
	"sol_get_stack_height",
	"sol_get_clock_sysvar",
	"sol_get_rent_sysvar",
	"sol_remaining_compute_units",
}

func build(names []string) (*Table, error) {
	entries := make([]entry, len(names))
	for i, name := range names {
		entries[i] = entry{hash: Hash32(name), name: name}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })
	for i := 1; i < len(entries); i++ {
		if entries[i].hash == entries[i-1].hash {
			return nil, fmt.Errorf("syscallhash: hash collision between %q and %q", entries[i-1].name, entries[i].name)
		}
	}
	return &Table{entries: entries}, nil
}

var static *Table

func init() {
	t, err := build(defaultSyscalls)
	if err != nil {
		panic(err)
	}
	static = t
}

// Static returns the compile-time syscall table.
func Static() *Table { return static }

// NewDynamic builds a Table from a runtime-supplied syscall name list,
// panicking on hash collision (matching the Rust const-context panic
// this mirrors).
func NewDynamic(names []string) *Table {
	t, err := build(names)
	if err != nil {
		panic(err)
	}
	return t
}

// Get looks up the syscall name registered under hash, if any.
func (t *Table) Get(hash uint32) (string, bool) {
	entries := t.entries
	i := sort.Search(len(entries), func(i int) bool { return entries[i].hash >= hash })
	if i < len(entries) && entries[i].hash == hash {
		return entries[i].name, true
	}
	return "", false
}

// Len returns the number of registered syscalls.
func (t *Table) Len() int { return len(t.entries) }

// HashOf looks up the hash for a name by linear scan (the reverse of
// Get, for when only the name, not the hash, is known).
func (t *Table) HashOf(name string) (uint32, bool) {
	for _, e := range t.entries {
		if e.name == name {
			return e.hash, true
		}
	}
	return 0, false
}
