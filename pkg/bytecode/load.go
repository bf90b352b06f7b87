package bytecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

var typesDecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

var sectionDecoder = func() *zstd.Decoder {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxSectionSize))
	if err != nil {
		panic(err)
	}
	return dec
}()

var requiredSections = []uint8{tagStrings, tagConstants, tagImports, tagFunctions, tagData}

// Read loads a module from r.
func Read(r io.Reader) (*Module, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	return Load(data)
}

// Load parses and verifies a binary module. Any failure is a *LoadError; the
// module is never partially returned.
func Load(data []byte) (*Module, error) {
	if len(data) < headerSize {
		return nil, &LoadError{Section: "header", Err: fmt.Errorf("%w: %d byte header", ErrTruncated, len(data))}
	}

	if !bytes.Equal(data[:4], Magic[:]) {
		return nil, &LoadError{Section: "header", Err: fmt.Errorf("%w: got %q", ErrInvalidMagic, data[:4])}
	}

	hdr := reader{data: data[:headerSize], off: 4}
	m := &Module{}
	m.Version.Major = hdr.u16()
	m.Version.Minor = hdr.u16()
	m.Flags = Flags(hdr.u32()) & knownFlags

	if m.Version.Major != MajorVersion {
		return nil, &LoadError{Section: "header", Err: fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, MajorVersion, m.Version.Major)}
	}

	end := len(data)
	if m.Flags&FlagChecksum != 0 {
		if end < headerSize+checksumSize {
			return nil, &LoadError{Section: "checksum", Offset: headerSize, Err: fmt.Errorf("%w: no room for checksum", ErrTruncated)}
		}
		end -= checksumSize
		want := binary.LittleEndian.Uint32(data[end:])
		if got := crc32.ChecksumIEEE(data[len(Magic):end]); got != want {
			return nil, &LoadError{Section: "checksum", Offset: end, Err: fmt.Errorf("%w: stored %08x, computed %08x", ErrChecksum, want, got)}
		}
	}

	r := reader{data: data[:end], off: headerSize}
	seen := make(map[uint8]bool)
	var last uint8

	for {
		start := r.off
		tag := r.u8()
		if r.err != nil {
			return nil, &LoadError{Section: "end", Offset: start, Err: r.err}
		}

		if tag == tagEnd {
			if !r.done() {
				return nil, &LoadError{Section: "end", Offset: r.off, Err: fmt.Errorf("%w: %d bytes after end marker", ErrTrailingData, end-r.off)}
			}
			break
		}

		name := sectionName(tag)
		if tag < TagExtensionMin && sectionNames[tag] == "" {
			return nil, &LoadError{Section: name, Offset: start, Err: ErrUnknownSection}
		}
		if len(seen) > 0 && tag <= last {
			return nil, &LoadError{Section: name, Offset: start, Err: fmt.Errorf("%w: %s after %s", ErrSectionOrder, name, sectionName(last))}
		}
		seen[tag] = true
		last = tag

		payload := r.bytes()
		if r.err != nil {
			return nil, &LoadError{Section: name, Offset: start, Err: r.err}
		}

		if m.Flags&FlagCompressed != 0 {
			var err error
			payload, err = sectionDecoder.DecodeAll(payload, nil)
			if err != nil {
				return nil, &LoadError{Section: name, Offset: start, Err: fmt.Errorf("%w: %w", ErrMalformed, err)}
			}
		}

		if err := m.decodeSection(tag, payload); err != nil {
			return nil, &LoadError{Section: name, Offset: start, Err: err}
		}
	}

	for _, tag := range requiredSections {
		if !seen[tag] {
			return nil, &LoadError{Section: sectionName(tag), Err: ErrMissingSection}
		}
	}

	if err := m.finalize(); err != nil {
		return nil, &LoadError{Err: err}
	}

	return m, nil
}

func (m *Module) decodeSection(tag uint8, payload []byte) error {
	r := &reader{data: payload}

	switch tag {
	case tagStrings:
		if err := m.decodeStrings(r); err != nil {
			return err
		}
	case tagConstants:
		m.decodeConstants(r)
	case tagTypes:
		if err := typesDecMode.Unmarshal(payload, &m.Types); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if len(m.Types) == 0 {
			return fmt.Errorf("%w: empty types section", ErrMalformed)
		}
		return nil
	case tagImports:
		m.decodeImports(r)
	case tagFunctions:
		m.decodeFunctions(r)
	case tagData:
		n := r.count(4)
		m.Data = make([][]byte, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			m.Data = append(m.Data, r.bytes())
		}
	case tagDebug:
		m.decodeDebug(r)
	default:
		m.Extensions = append(m.Extensions, Section{Tag: tag, Payload: payload})
		return nil
	}

	if r.err != nil {
		return r.err
	}
	if !r.done() {
		return fmt.Errorf("%w: %d unread bytes", ErrMalformed, len(r.data)-r.off)
	}
	// Encode omits empty optional sections, so accepting one would break
	// the round trip.
	if tag == tagDebug && len(m.Debug) == 0 {
		return fmt.Errorf("%w: empty debug section", ErrMalformed)
	}
	return nil
}

func (m *Module) decodeStrings(r *reader) error {
	n := r.count(4)
	m.Strings = make([]string, 0, n)
	index := make(map[string]int, n)
	for i := 0; i < n && r.err == nil; i++ {
		b := r.bytes()
		if r.err != nil {
			break
		}
		if !utf8.Valid(b) {
			return fmt.Errorf("%w: string %d is not valid UTF-8", ErrMalformed, i)
		}
		s := string(b)
		if prev, ok := index[s]; ok {
			return fmt.Errorf("%w: %q at %d and %d", ErrDuplicateString, s, prev, i)
		}
		index[s] = i
		m.Strings = append(m.Strings, s)
	}
	return nil
}

func (m *Module) decodeConstants(r *reader) {
	n := r.count(1)
	m.Constants = make([]Constant, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		c := Constant{Kind: ConstKind(r.u8())}
		switch c.Kind {
		case ConstUnit:
		case ConstInt, ConstFloat:
			c.Bits = r.u64()
		case ConstBool:
			c.Bits = uint64(r.u8())
			if c.Bits > 1 {
				r.err = fmt.Errorf("%w: constant %d: bool byte %d", ErrMalformed, i, c.Bits)
			}
		case ConstString, ConstFunc:
			c.Index = r.u32()
		case ConstTuple:
			elems := r.count(4)
			c.Elems = make([]uint32, 0, elems)
			for j := 0; j < elems; j++ {
				c.Elems = append(c.Elems, r.u32())
			}
		default:
			r.err = fmt.Errorf("%w: constant %d has kind %d", ErrMalformed, i, c.Kind)
		}
		m.Constants = append(m.Constants, c)
	}
}

func (m *Module) decodeImports(r *reader) {
	n := r.count(8)
	m.Imports = make([]Import, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		m.Imports = append(m.Imports, Import{
			Name:  r.u32(),
			Arity: int16(r.u16()),
			Flags: r.u16(),
		})
	}
}

func (m *Module) decodeFunctions(r *reader) {
	n := r.count(20)
	m.Functions = make([]*Function, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		fn := &Function{
			Name:      r.u32(),
			Registers: r.u16(),
			Params:    r.u16(),
			Locals:    r.u16(),
			Flags:     FuncFlags(r.u8()),
		}
		_ = r.u8()
		blocks := int(r.u16())
		instrs := int(r.u32())
		handlers := int(r.u16())

		counts := make([]int, blocks)
		total := 0
		for b := range counts {
			counts[b] = int(r.u32())
			total += counts[b]
		}
		if r.err != nil {
			return
		}
		if total != instrs {
			r.err = fmt.Errorf("%w: function %d declares %d instructions, blocks hold %d", ErrInvalidFunction, i, instrs, total)
			return
		}
		if total > (len(r.data)-r.off)/InstructionSize {
			r.err = fmt.Errorf("%w: function %d instructions", ErrTruncated, i)
			return
		}

		fn.Blocks = make([]Block, blocks)
		for b, count := range counts {
			fn.Blocks[b].Instructions = make([]Instruction, count)
			for j := range fn.Blocks[b].Instructions {
				op := Opcode(r.u16())
				_ = r.u16()
				fn.Blocks[b].Instructions[j] = Instruction{Op: op, A: r.u32(), B: r.u32(), C: r.u32()}
			}
		}

		fn.Handlers = make([]Handler, handlers)
		for h := range fn.Handlers {
			fn.Handlers[h] = Handler{
				Start:    r.u16(),
				End:      r.u16(),
				Kind:     r.u32(),
				Landing:  r.u16(),
				Register: r.u16(),
			}
		}

		m.Functions = append(m.Functions, fn)
	}
}

func (m *Module) decodeDebug(r *reader) {
	n := r.count(14)
	m.Debug = make([]FunctionDebug, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		rec := FunctionDebug{Function: r.u32(), File: r.u32()}
		lines := r.count(8)
		for j := 0; j < lines && r.err == nil; j++ {
			rec.Lines = append(rec.Lines, LineEntry{Block: r.u16(), Index: r.u16(), Line: r.u32()})
		}
		labels := int(r.u16())
		for j := 0; j < labels && r.err == nil; j++ {
			rec.Labels = append(rec.Labels, Label{Block: r.u16(), Name: r.u32()})
		}
		m.Debug = append(m.Debug, rec)
	}
}

// finalize verifies cross references and derives the constant order and
// global count.
func (m *Module) finalize() error {
	if err := m.Verify(); err != nil {
		return err
	}

	order, err := m.constantOrder()
	if err != nil {
		return err
	}
	m.constOrder = order
	m.globals = m.maxGlobal()
	return nil
}

// IsLoadError reports whether err came from Load.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}
