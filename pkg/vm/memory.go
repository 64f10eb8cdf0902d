// Package vm implements the sBPF interpreter: a single-threaded,
// cooperative executor over a decoded instruction program, a
// four-region virtual memory map, and call-frame discipline. See
// SPEC_FULL.md §6.7 for the design this follows.
package vm

import (
	"encoding/binary"

	"github.com/oisee/sbpf-go/internal/diag"
)

// Region bases, per spec.md §3.7.
const (
	RodataBase = 0x1_0000_0000
	StackBase  = 0x2_0000_0000
	HeapBase   = 0x3_0000_0000
	InputBase  = 0x4_0000_0000

	DefaultStackSize = 4 * 1024
	DefaultHeapSize  = 32 * 1024
	StackFrameSize   = 4096
)

// Memory is the interpreter's injectable memory interface (spec.md
// §9's "Interpreter as a trait" design note): production code uses
// the concrete region-based Memory below; tests may substitute mocks.
type Memory interface {
	ReadU8(addr uint64) (uint8, error)
	ReadU16(addr uint64) (uint16, error)
	ReadU32(addr uint64) (uint32, error)
	ReadU64(addr uint64) (uint64, error)
	WriteU8(addr uint64, v uint8) error
	WriteU16(addr uint64, v uint16) error
	WriteU32(addr uint64, v uint32) error
	WriteU64(addr uint64, v uint64) error
	Alloc(size uint64) (uint64, error)
}

// region is one named, based byte buffer.
type region struct {
	name     string
	base     uint64
	data     []byte
	writable bool
}

// RegionMemory is the concrete four-region memory: rodata, stack,
// heap (bump-allocated), and input, matching spec.md §3.7/§4.7.
type RegionMemory struct {
	rodata region
	stack  region
	heap   region
	input  region
	heapPtr uint64 // offset within heap.data, bumped by Alloc
}

// NewRegionMemory builds the four regions; rodata is the program's
// packed .rodata bytes (read-only), input is the instruction's
// account/input buffer, and stack/heap take the given sizes (0 means
// the spec's default).
func NewRegionMemory(rodata, input []byte, stackSize, heapSize uint64) *RegionMemory {
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	if heapSize == 0 {
		heapSize = DefaultHeapSize
	}
	return &RegionMemory{
		rodata: region{name: "rodata", base: RodataBase, data: rodata, writable: false},
		stack:  region{name: "stack", base: StackBase, data: make([]byte, stackSize), writable: true},
		heap:   region{name: "heap", base: HeapBase, data: make([]byte, heapSize), writable: true},
		input:  region{name: "input", base: InputBase, data: input, writable: true},
	}
}

// locate finds the region whose base is the greatest base ≤ addr, per
// spec.md §4.7's "descending comparison against region bases".
func (m *RegionMemory) locate(addr uint64) (*region, error) {
	candidates := []*region{&m.input, &m.heap, &m.stack, &m.rodata}
	for _, r := range candidates {
		if addr >= r.base {
			return r, nil
		}
	}
	return nil, diag.New(diag.InvalidMemoryAccess, diag.Span{}, "no region contains address")
}

func (m *RegionMemory) bounds(r *region, addr uint64, width int) (int, error) {
	off := addr - r.base
	if off+uint64(width) > uint64(len(r.data)) {
		return 0, diag.New(diag.MemoryOutOfBounds, diag.Span{},
			r.name+" access out of bounds")
	}
	return int(off), nil
}

func (m *RegionMemory) ReadU8(addr uint64) (uint8, error) {
	r, err := m.locate(addr)
	if err != nil {
		return 0, err
	}
	off, err := m.bounds(r, addr, 1)
	if err != nil {
		return 0, err
	}
	return r.data[off], nil
}

func (m *RegionMemory) ReadU16(addr uint64) (uint16, error) {
	r, err := m.locate(addr)
	if err != nil {
		return 0, err
	}
	off, err := m.bounds(r, addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(r.data[off:]), nil
}

func (m *RegionMemory) ReadU32(addr uint64) (uint32, error) {
	r, err := m.locate(addr)
	if err != nil {
		return 0, err
	}
	off, err := m.bounds(r, addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.data[off:]), nil
}

func (m *RegionMemory) ReadU64(addr uint64) (uint64, error) {
	r, err := m.locate(addr)
	if err != nil {
		return 0, err
	}
	off, err := m.bounds(r, addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.data[off:]), nil
}

func (m *RegionMemory) checkWritable(r *region) error {
	if !r.writable {
		return diag.New(diag.InvalidMemoryAccess, diag.Span{}, "write to read-only "+r.name+" region")
	}
	return nil
}

func (m *RegionMemory) WriteU8(addr uint64, v uint8) error {
	r, err := m.locate(addr)
	if err != nil {
		return err
	}
	if err := m.checkWritable(r); err != nil {
		return err
	}
	off, err := m.bounds(r, addr, 1)
	if err != nil {
		return err
	}
	r.data[off] = v
	return nil
}

func (m *RegionMemory) WriteU16(addr uint64, v uint16) error {
	r, err := m.locate(addr)
	if err != nil {
		return err
	}
	if err := m.checkWritable(r); err != nil {
		return err
	}
	off, err := m.bounds(r, addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(r.data[off:], v)
	return nil
}

func (m *RegionMemory) WriteU32(addr uint64, v uint32) error {
	r, err := m.locate(addr)
	if err != nil {
		return err
	}
	if err := m.checkWritable(r); err != nil {
		return err
	}
	off, err := m.bounds(r, addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(r.data[off:], v)
	return nil
}

func (m *RegionMemory) WriteU64(addr uint64, v uint64) error {
	r, err := m.locate(addr)
	if err != nil {
		return err
	}
	if err := m.checkWritable(r); err != nil {
		return err
	}
	off, err := m.bounds(r, addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(r.data[off:], v)
	return nil
}

// Alloc bumps the heap pointer by size and returns the address of the
// allocation's start; there is no free.
func (m *RegionMemory) Alloc(size uint64) (uint64, error) {
	if m.heapPtr+size > uint64(len(m.heap.data)) {
		return 0, diag.New(diag.MemoryOutOfBounds, diag.Span{}, "heap exhausted")
	}
	addr := m.heap.base + m.heapPtr
	m.heapPtr += size
	return addr, nil
}

// StackTop returns the initial value of r10: the frame pointer starts
// at stack_base + stack_size and grows upward by one frame per call.
func (m *RegionMemory) StackTop() uint64 {
	return m.stack.base + uint64(len(m.stack.data))
}
