package bytecode

import (
	"fmt"
	"hash/crc32"
	"io"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

var typesEncMode = func() cbor.EncMode {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

var sectionEncoder = func() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		panic(err)
	}
	return enc
}()

// Encode serializes m. Optional sections are written only when non-empty and
// don't-care fields are written as zero, so Encode(Load(Encode(m))) is
// byte-identical to Encode(m). m.Flags selects section compression and the
// checksum trailer.
func Encode(m *Module) ([]byte, error) {
	w := writer{flags: m.Flags & knownFlags}

	w.buf = append(w.buf, Magic[:]...)
	major := m.Version.Major
	if major == 0 {
		major = MajorVersion
	}
	w.u16(major)
	w.u16(m.Version.Minor)
	w.u32(uint32(w.flags))

	w.section(tagStrings, encodeStrings(m.Strings))
	w.section(tagConstants, encodeConstants(m.Constants))

	if len(m.Types) > 0 {
		payload, err := typesEncMode.Marshal(m.Types)
		if err != nil {
			return nil, fmt.Errorf("failed to encode types: %w", err)
		}
		w.section(tagTypes, payload)
	}

	w.section(tagImports, encodeImports(m.Imports))
	w.section(tagFunctions, encodeFunctions(m.Functions))
	w.section(tagData, encodeData(m.Data))

	if len(m.Debug) > 0 {
		w.section(tagDebug, encodeDebug(m.Debug))
	}

	exts := slices.Clone(m.Extensions)
	slices.SortStableFunc(exts, func(a, b Section) int { return int(a.Tag) - int(b.Tag) })
	for _, ext := range exts {
		if ext.Tag < TagExtensionMin || ext.Tag == tagEnd {
			return nil, fmt.Errorf("%w: extension tag 0x%02x", ErrUnknownSection, ext.Tag)
		}
		w.section(ext.Tag, ext.Payload)
	}

	w.u8(tagEnd)
	if w.flags&FlagChecksum != 0 {
		w.u32(crc32.ChecksumIEEE(w.buf[len(Magic):]))
	}
	return w.buf, nil
}

// WriteTo encodes m into out.
func WriteTo(out io.Writer, m *Module) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = out.Write(b)
	return err
}

func encodeStrings(strs []string) []byte {
	var w writer
	w.u32(uint32(len(strs)))
	for _, s := range strs {
		w.bytes([]byte(s))
	}
	return w.buf
}

func encodeConstants(consts []Constant) []byte {
	var w writer
	w.u32(uint32(len(consts)))
	for _, c := range consts {
		w.u8(uint8(c.Kind))
		switch c.Kind {
		case ConstUnit:
		case ConstInt, ConstFloat:
			w.u64(c.Bits)
		case ConstBool:
			w.u8(uint8(c.Bits))
		case ConstString, ConstFunc:
			w.u32(c.Index)
		case ConstTuple:
			w.u32(uint32(len(c.Elems)))
			for _, e := range c.Elems {
				w.u32(e)
			}
		}
	}
	return w.buf
}

func encodeImports(imports []Import) []byte {
	var w writer
	w.u32(uint32(len(imports)))
	for _, imp := range imports {
		w.u32(imp.Name)
		w.u16(uint16(imp.Arity))
		w.u16(imp.Flags)
	}
	return w.buf
}

func encodeFunctions(fns []*Function) []byte {
	var w writer
	w.u32(uint32(len(fns)))
	for _, fn := range fns {
		w.u32(fn.Name)
		w.u16(fn.Registers)
		w.u16(fn.Params)
		w.u16(fn.Locals)
		w.u8(uint8(fn.Flags))
		w.u8(0)
		w.u16(uint16(len(fn.Blocks)))
		w.u32(uint32(fn.InstructionCount()))
		w.u16(uint16(len(fn.Handlers)))

		for _, b := range fn.Blocks {
			w.u32(uint32(len(b.Instructions)))
		}
		for _, b := range fn.Blocks {
			for _, instr := range b.Instructions {
				w.u16(uint16(instr.Op))
				w.u16(0)
				w.u32(instr.A)
				w.u32(instr.B)
				w.u32(instr.C)
			}
		}
		for _, h := range fn.Handlers {
			w.u16(h.Start)
			w.u16(h.End)
			w.u32(h.Kind)
			w.u16(h.Landing)
			w.u16(h.Register)
		}
	}
	return w.buf
}

func encodeData(blobs [][]byte) []byte {
	var w writer
	w.u32(uint32(len(blobs)))
	for _, blob := range blobs {
		w.bytes(blob)
	}
	return w.buf
}

func encodeDebug(records []FunctionDebug) []byte {
	var w writer
	w.u32(uint32(len(records)))
	for _, rec := range records {
		w.u32(rec.Function)
		w.u32(rec.File)
		w.u32(uint32(len(rec.Lines)))
		for _, line := range rec.Lines {
			w.u16(line.Block)
			w.u16(line.Index)
			w.u32(line.Line)
		}
		w.u16(uint16(len(rec.Labels)))
		for _, label := range rec.Labels {
			w.u16(label.Block)
			w.u32(label.Name)
		}
	}
	return w.buf
}
