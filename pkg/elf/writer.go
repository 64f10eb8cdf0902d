package elf

import "encoding/binary"

// Writer is a small append-only byte buffer idiom for building a fixed
// binary layout field by field. Adapted from the Write/Write2/Write4/
// Write8u/WriteBytes style of a static-ELF emitter, renamed to match
// the field widths ELF64 (and, via pkg/dwarf, DWARF) actually need.
// Exported so pkg/dwarf's emitter can reuse the same idiom rather than
// duplicating it.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) U8(v byte) { w.buf = append(w.buf, v) }

func (w *Writer) U16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) U32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) U64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// Pad appends n zero bytes.
func (w *Writer) Pad(n int) {
	w.buf = append(w.buf, make([]byte, n)...)
}

// PadTo zero-fills up to the given absolute offset; a no-op if the
// buffer is already at or past it.
func (w *Writer) PadTo(offset uint64) {
	if uint64(len(w.buf)) < offset {
		w.Pad(int(offset - uint64(len(w.buf))))
	}
}

// Write appends raw bytes verbatim.
func (w *Writer) Write(b []byte) { w.buf = append(w.buf, b...) }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// PatchU32 overwrites the 4 bytes at offset with v, little-endian —
// used for length-prefix fields whose value is only known once the
// body that follows has been written.
func (w *Writer) PatchU32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[offset:offset+4], v)
}
