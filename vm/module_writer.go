package vm

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"math"
	"os"
)

// ---------------------------------------------------------------------------
// YXBC serialization
// ---------------------------------------------------------------------------
//
// File layout:
//
//   header   magic(4, big-endian) version(4) flags(4) entryPoint(4)
//            sectionCount(2) fileSize(4) checksum(4)
//   types    count(4) + typeID(4) each
//   consts   count(4) + tag(1) + payload each
//   code     funcCount(4) + functions, then globalCount(4) + globals
//   tables   tableCount(4) + jump tables
//
// The magic is written big-endian so the file starts with the literal bytes
// "YXBC"; every other field is little-endian. The checksum is CRC-32 (IEEE)
// over everything after the header.

// ModuleMagic is the first four bytes of any serialized module.
const ModuleMagic uint32 = 0x59584243 // "YXBC"

const moduleHeaderSize = 26

const moduleSectionCount = 4

// WriteTo serializes the module. The returned count is the total bytes
// written.
func (m *Module) WriteTo(w io.Writer) (int64, error) {
	body := new(bytes.Buffer)
	writeTypeSection(body, m)
	writeConstSection(body, m)
	writeCodeSection(body, m)
	writeTableSection(body, m)

	header := make([]byte, moduleHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], ModuleMagic)
	binary.LittleEndian.PutUint32(header[4:8], m.Version)
	binary.LittleEndian.PutUint32(header[8:12], m.Flags)
	binary.LittleEndian.PutUint32(header[12:16], m.EntryPoint)
	binary.LittleEndian.PutUint16(header[16:18], moduleSectionCount)
	binary.LittleEndian.PutUint32(header[18:22], uint32(moduleHeaderSize+body.Len()))
	binary.LittleEndian.PutUint32(header[22:26], crc32.ChecksumIEEE(body.Bytes()))

	n, err := w.Write(header)
	total := int64(n)
	if err != nil {
		return total, err
	}
	n2, err := w.Write(body.Bytes())
	return total + int64(n2), err
}

// Encode serializes the module into a byte slice.
func (m *Module) Encode() []byte {
	var buf bytes.Buffer
	m.WriteTo(&buf) // cannot fail on bytes.Buffer
	return buf.Bytes()
}

// SaveFile writes the module to path.
func (m *Module) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := m.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeTypeSection(buf *bytes.Buffer, m *Module) {
	putU32(buf, uint32(len(m.TypeTable)))
	for _, id := range m.TypeTable {
		putU32(buf, id)
	}
}

func writeConstSection(buf *bytes.Buffer, m *Module) {
	putU32(buf, uint32(len(m.Consts)))
	for _, c := range m.Consts {
		buf.WriteByte(byte(c.Kind))
		switch c.Kind {
		case ConstVoid:
		case ConstBool:
			if c.Bool {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		case ConstInt:
			putU64(buf, uint64(c.Int))
		case ConstFloat:
			putU64(buf, math.Float64bits(c.Float))
		case ConstChar:
			putU32(buf, uint32(c.Char))
		case ConstString:
			putU32(buf, uint32(len(c.Str)))
			buf.WriteString(c.Str)
		case ConstBytes:
			putU32(buf, uint32(len(c.Bytes)))
			buf.Write(c.Bytes)
		}
	}
}

func writeCodeSection(buf *bytes.Buffer, m *Module) {
	putU32(buf, uint32(len(m.Functions)))
	for _, f := range m.Functions {
		putU32(buf, uint32(len(f.Name)))
		buf.WriteString(f.Name)
		putU32(buf, uint32(len(f.ParamTypes)))
		for _, p := range f.ParamTypes {
			putU32(buf, p)
		}
		putU32(buf, f.ReturnType)
		putU32(buf, uint32(f.LocalCount))
		putU32(buf, uint32(len(f.Instrs)))
		for _, in := range f.Instrs {
			buf.WriteByte(byte(in.Op))
			buf.Write(in.Operands)
		}
	}
	putU32(buf, uint32(len(m.Globals)))
	for _, g := range m.Globals {
		putU32(buf, uint32(len(g.Name)))
		buf.WriteString(g.Name)
		putU32(buf, g.TypeID)
	}
}

func writeTableSection(buf *bytes.Buffer, m *Module) {
	putU32(buf, uint32(len(m.JumpTables)))
	for _, t := range m.JumpTables {
		putU16(buf, t.ID)
		putU32(buf, uint32(len(t.Cases)))
		// Deterministic order: ascending case value.
		for _, value := range sortedCases(t) {
			putU64(buf, uint64(value))
			putU32(buf, t.Cases[value])
		}
	}
}

func sortedCases(t *JumpTable) []int64 {
	values := make([]int64, 0, len(t.Cases))
	for v := range t.Cases {
		values = append(values, v)
	}
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j] < values[j-1]; j-- {
			values[j], values[j-1] = values[j-1], values[j]
		}
	}
	return values
}

// Little-endian write helpers.

func putU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// Little-endian read helpers shared with the interpreter.

func leU16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func leU32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func leU64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
