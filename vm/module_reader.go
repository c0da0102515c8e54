package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
)

// Deserialization errors.
var (
	ErrBadMagic    = errors.New("vm: not a bytecode module (bad magic)")
	ErrBadVersion  = errors.New("vm: unsupported module version")
	ErrBadChecksum = errors.New("vm: module checksum mismatch")
	ErrTruncated   = errors.New("vm: truncated module")
)

// moduleReader is a bounds-checked cursor over the module body.
type moduleReader struct {
	data []byte
	pos  int
}

func (r *moduleReader) remaining() int { return len(r.data) - r.pos }

func (r *moduleReader) u8() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrTruncated
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *moduleReader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *moduleReader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *moduleReader) u64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *moduleReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrTruncated
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// count reads a u32 length field and rejects values that could not fit in
// the remaining input, so a corrupt length never drives a huge allocation.
func (r *moduleReader) count(minElemSize int) (int, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	if minElemSize > 0 && int(n) > r.remaining()/minElemSize {
		return 0, fmt.Errorf("%w: declared count %d exceeds input", ErrTruncated, n)
	}
	return int(n), nil
}

// ReadModule parses a serialized module from raw bytes.
func ReadModule(data []byte) (*Module, error) {
	if len(data) < moduleHeaderSize {
		return nil, ErrTruncated
	}
	if binary.BigEndian.Uint32(data[0:4]) != ModuleMagic {
		return nil, ErrBadMagic
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != ModuleVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}

	m := NewModule()
	m.Version = version
	m.Flags = binary.LittleEndian.Uint32(data[8:12])
	m.EntryPoint = binary.LittleEndian.Uint32(data[12:16])

	fileSize := binary.LittleEndian.Uint32(data[18:22])
	if int(fileSize) != len(data) {
		return nil, fmt.Errorf("%w: declared size %d, have %d", ErrTruncated, fileSize, len(data))
	}
	checksum := binary.LittleEndian.Uint32(data[22:26])
	body := data[moduleHeaderSize:]
	if checksum != 0 && crc32.ChecksumIEEE(body) != checksum {
		return nil, ErrBadChecksum
	}

	r := &moduleReader{data: body}
	if err := readTypeSection(r, m); err != nil {
		return nil, err
	}
	if err := readConstSection(r, m); err != nil {
		return nil, err
	}
	if err := readCodeSection(r, m); err != nil {
		return nil, err
	}
	if err := readTableSection(r, m); err != nil {
		return nil, err
	}
	m.reindex()
	return m, nil
}

// LoadFile reads and parses a module file.
func LoadFile(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ReadModule(data)
}

// ReadFrom parses a module from a stream.
func ReadFrom(rd io.Reader) (*Module, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}
	return ReadModule(data)
}

func readTypeSection(r *moduleReader, m *Module) error {
	n, err := r.count(4)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		id, err := r.u32()
		if err != nil {
			return err
		}
		m.TypeTable = append(m.TypeTable, id)
	}
	return nil
}

func readConstSection(r *moduleReader, m *Module) error {
	n, err := r.count(1)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		tag, err := r.u8()
		if err != nil {
			return err
		}
		var c Const
		switch ConstKind(tag) {
		case ConstVoid:
			c.Kind = ConstVoid
		case ConstBool:
			b, err := r.u8()
			if err != nil {
				return err
			}
			c = Const{Kind: ConstBool, Bool: b != 0}
		case ConstInt:
			v, err := r.u64()
			if err != nil {
				return err
			}
			c = IntConst(int64(v))
		case ConstFloat:
			bits, err := r.u64()
			if err != nil {
				return err
			}
			c = FloatConst(math.Float64frombits(bits))
		case ConstChar:
			v, err := r.u32()
			if err != nil {
				return err
			}
			c = CharConst(rune(v))
		case ConstString:
			slen, err := r.count(1)
			if err != nil {
				return err
			}
			b, err := r.bytes(slen)
			if err != nil {
				return err
			}
			c = StringConst(string(b))
		case ConstBytes:
			blen, err := r.count(1)
			if err != nil {
				return err
			}
			b, err := r.bytes(blen)
			if err != nil {
				return err
			}
			c = Const{Kind: ConstBytes, Bytes: append([]byte(nil), b...)}
		default:
			return fmt.Errorf("vm: unknown constant tag %d", tag)
		}
		m.Consts = append(m.Consts, c)
	}
	return nil
}

func readCodeSection(r *moduleReader, m *Module) error {
	funcs, err := r.count(13)
	if err != nil {
		return err
	}
	for i := 0; i < funcs; i++ {
		f, err := readFunction(r)
		if err != nil {
			return fmt.Errorf("function %d: %w", i, err)
		}
		m.Functions = append(m.Functions, f)
	}
	globals, err := r.count(8)
	if err != nil {
		return err
	}
	for i := 0; i < globals; i++ {
		nameLen, err := r.count(1)
		if err != nil {
			return err
		}
		name, err := r.bytes(nameLen)
		if err != nil {
			return err
		}
		typeID, err := r.u32()
		if err != nil {
			return err
		}
		m.Globals = append(m.Globals, GlobalInfo{Name: string(name), TypeID: typeID})
	}
	return nil
}

func readFunction(r *moduleReader) (*Function, error) {
	nameLen, err := r.count(1)
	if err != nil {
		return nil, err
	}
	name, err := r.bytes(nameLen)
	if err != nil {
		return nil, err
	}
	f := &Function{Name: string(name)}

	params, err := r.count(4)
	if err != nil {
		return nil, err
	}
	for i := 0; i < params; i++ {
		p, err := r.u32()
		if err != nil {
			return nil, err
		}
		f.ParamTypes = append(f.ParamTypes, p)
	}
	ret, err := r.u32()
	if err != nil {
		return nil, err
	}
	f.ReturnType = ret
	locals, err := r.u32()
	if err != nil {
		return nil, err
	}
	f.LocalCount = int(locals)

	instrs, err := r.count(1)
	if err != nil {
		return nil, err
	}
	for i := 0; i < instrs; i++ {
		opByte, err := r.u8()
		if err != nil {
			return nil, err
		}
		op := Opcode(opByte)
		if !op.Valid() {
			return nil, fmt.Errorf("vm: unknown opcode 0x%02X at instruction %d", opByte, i)
		}
		size, err := OperandSize(op, r.data[r.pos:])
		if err != nil {
			return nil, err
		}
		operands, err := r.bytes(size)
		if err != nil {
			return nil, err
		}
		f.Instrs = append(f.Instrs, Instruction{Op: op, Operands: append([]byte(nil), operands...)})
	}
	return f, nil
}

func readTableSection(r *moduleReader, m *Module) error {
	tables, err := r.count(6)
	if err != nil {
		return err
	}
	for i := 0; i < tables; i++ {
		id, err := r.u16()
		if err != nil {
			return err
		}
		t := NewJumpTable(id)
		cases, err := r.count(12)
		if err != nil {
			return err
		}
		for j := 0; j < cases; j++ {
			value, err := r.u64()
			if err != nil {
				return err
			}
			label, err := r.u32()
			if err != nil {
				return err
			}
			t.Add(int64(value), label)
		}
		m.JumpTables = append(m.JumpTables, t)
	}
	return nil
}
