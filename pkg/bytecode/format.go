package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

var Magic = [4]byte{'V', 'R', 'B', 'C'}

const (
	MajorVersion uint16 = 1
	MinorVersion uint16 = 0

	headerSize   = 12
	checksumSize = 4

	// maxSectionSize bounds the decompressed size of one section.
	maxSectionSize = 256 << 20
)

// Flags are the header bits that change how sections are stored. Unknown
// bits are ignored on load and written as zero.
type Flags uint32

const (
	// FlagCompressed stores every section payload as a zstd frame.
	FlagCompressed Flags = 1 << iota
	// FlagChecksum appends a CRC-32 (IEEE) of everything between the magic
	// and the end of the end marker.
	FlagChecksum

	knownFlags = FlagCompressed | FlagChecksum
)

func (f Flags) String() string {
	var names []string
	if f&FlagCompressed != 0 {
		names = append(names, "compressed")
	}
	if f&FlagChecksum != 0 {
		names = append(names, "checksum")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

const (
	tagStrings   uint8 = 1
	tagConstants uint8 = 2
	tagTypes     uint8 = 3
	tagImports   uint8 = 4
	tagFunctions uint8 = 5
	tagData      uint8 = 6
	tagDebug     uint8 = 7

	// TagExtensionMin is the first tag reserved for minor-version sections
	// that older loaders skip.
	TagExtensionMin uint8 = 0x80
	tagEnd          uint8 = 0xff
)

var sectionNames = map[uint8]string{
	tagStrings:   "strings",
	tagConstants: "constants",
	tagTypes:     "types",
	tagImports:   "imports",
	tagFunctions: "functions",
	tagData:      "data",
	tagDebug:     "debug",
	tagEnd:       "end",
}

func sectionName(tag uint8) string {
	if name, ok := sectionNames[tag]; ok {
		return name
	}
	if tag >= TagExtensionMin {
		return fmt.Sprintf("extension(0x%02x)", tag)
	}
	return fmt.Sprintf("section(0x%02x)", tag)
}

var (
	ErrInvalidMagic     = errors.New("invalid magic number: expected VRBC")
	ErrVersionMismatch  = errors.New("unsupported major version")
	ErrTruncated        = errors.New("truncated module")
	ErrSectionOrder     = errors.New("section out of order")
	ErrUnknownSection   = errors.New("unknown section")
	ErrMissingSection   = errors.New("missing required section")
	ErrTrailingData     = errors.New("trailing data")
	ErrMalformed        = errors.New("malformed section")
	ErrDanglingRef      = errors.New("dangling reference")
	ErrInvalidFunction  = errors.New("invalid function")
	ErrConstantCycle    = errors.New("constant cycle")
	ErrEmptyImportName  = errors.New("empty import name")
	ErrDuplicateString  = errors.New("duplicate string")
	ErrInvalidOperation = errors.New("invalid opcode")
	ErrChecksum         = errors.New("checksum mismatch")
)

// LoadError reports why a byte sequence is not a usable module. Err wraps one
// of the sentinel errors above, or an aggregate of several.
type LoadError struct {
	Section string
	Offset  int
	Err     error
}

func (e *LoadError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("load: %v", e.Err)
	}
	return fmt.Sprintf("load: %s section at offset %d: %v", e.Section, e.Offset, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// reader is a little-endian cursor. The first short read poisons it so
// decoders can check the error once at the end of a record.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.off, len(r.data)-r.off)
		r.off = len(r.data)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// count reads a u32 element count and rejects counts that could not fit in
// the remaining bytes given a minimum element size.
func (r *reader) count(minSize int) int {
	n := int(r.u32())
	if r.err == nil && minSize > 0 && n > (len(r.data)-r.off)/minSize {
		r.err = fmt.Errorf("%w: count %d exceeds remaining %d bytes", ErrTruncated, n, len(r.data)-r.off)
		return 0
	}
	return n
}

func (r *reader) bytes() []byte {
	n := int(r.u32())
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *reader) done() bool {
	return r.off == len(r.data)
}

type writer struct {
	buf   []byte
	flags Flags
}

func (w *writer) u8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *writer) u32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *writer) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) section(tag uint8, payload []byte) {
	if w.flags&FlagCompressed != 0 {
		payload = sectionEncoder.EncodeAll(payload, nil)
	}
	w.u8(tag)
	w.bytes(payload)
}
