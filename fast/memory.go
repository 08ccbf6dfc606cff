package fast

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// AlignmentPolicy selects how the memory subsystem treats misaligned
// multi-byte accesses.
type AlignmentPolicy uint8

const (
	// AlignFault rejects any multi-byte access whose address is not a
	// multiple of the access size.
	AlignFault AlignmentPolicy = iota
	// AlignAllow services misaligned accesses byte-wise.
	AlignAllow
)

func (p AlignmentPolicy) String() string {
	switch p {
	case AlignFault:
		return "fault"
	case AlignAllow:
		return "allow"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// Memory is a flat, bounds-checked, little-endian byte store. The backing
// slice is allocated once at construction; no memory operation allocates.
type Memory struct {
	data   []byte
	policy AlignmentPolicy
}

func NewMemory(size uint64, policy AlignmentPolicy) *Memory {
	return &Memory{
		data:   make([]byte, size),
		policy: policy,
	}
}

func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

func (m *Memory) Policy() AlignmentPolicy {
	return m.policy
}

// check validates the access window. Overflow-safe: addr+size may wrap.
func (m *Memory) check(addr, size uint64, write bool) error {
	end := addr + size
	if end < addr || end > uint64(len(m.data)) {
		return &MemoryFaultError{Kind: MemFaultOutOfBounds, Addr: addr, Size: size, Write: write}
	}
	if m.policy == AlignFault && size > 1 && addr&(size-1) != 0 {
		return &MemoryFaultError{Kind: MemFaultMisaligned, Addr: addr, Size: size, Write: write}
	}
	return nil
}

// Load reads a 1, 2, 4 or 8 byte little-endian value, optionally
// sign-extending it to 64 bits.
func (m *Memory) Load(addr uint64, size uint64, signed bool) (uint64, error) {
	if err := m.check(addr, size, false); err != nil {
		return 0, err
	}
	var v uint64
	switch size {
	case 1:
		v = uint64(m.data[addr])
	case 2:
		v = uint64(binary.LittleEndian.Uint16(m.data[addr:]))
	case 4:
		v = uint64(binary.LittleEndian.Uint32(m.data[addr:]))
	case 8:
		v = binary.LittleEndian.Uint64(m.data[addr:])
	default:
		return 0, fmt.Errorf("invalid load size %d", size)
	}
	if signed {
		v = signExtend(v, size*8-1)
	}
	return v, nil
}

// Store writes the low size bytes of value, little-endian.
func (m *Memory) Store(addr uint64, size uint64, value uint64) error {
	if err := m.check(addr, size, true); err != nil {
		return err
	}
	switch size {
	case 1:
		m.data[addr] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(m.data[addr:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(m.data[addr:], uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(m.data[addr:], value)
	default:
		return fmt.Errorf("invalid store size %d", size)
	}
	return nil
}

// FetchInstr reads the 32-bit instruction word at pc. Instruction fetch is
// always alignment-checked: RV64I requires 4-byte aligned PCs.
func (m *Memory) FetchInstr(pc uint64) (uint32, error) {
	end := pc + 4
	if end < pc || end > uint64(len(m.data)) {
		return 0, &MemoryFaultError{Kind: MemFaultOutOfBounds, Addr: pc, Size: 4}
	}
	if pc&3 != 0 {
		return 0, &MemoryFaultError{Kind: MemFaultMisaligned, Addr: pc, Size: 4}
	}
	return binary.LittleEndian.Uint32(m.data[pc:]), nil
}

// SetMemoryRange copies the reader contents into memory starting at addr,
// used by the program loader. Unlike Load/Store this bypasses the alignment
// policy, but it is still bounds-checked.
func (m *Memory) SetMemoryRange(addr uint64, r io.Reader) error {
	if addr > uint64(len(m.data)) {
		return &MemoryFaultError{Kind: MemFaultOutOfBounds, Addr: addr, Write: true}
	}
	n, err := io.ReadFull(r, m.data[addr:])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	// Reader still has data but memory is full.
	var probe [1]byte
	if k, _ := r.Read(probe[:]); k > 0 {
		return &MemoryFaultError{Kind: MemFaultOutOfBounds, Addr: addr + uint64(n), Write: true}
	}
	return nil
}

// ReadMemoryRange exposes a bounds-checked read-only view of [addr,
// addr+count), e.g. for servicing guest write syscalls.
func (m *Memory) ReadMemoryRange(addr uint64, count uint64) (io.Reader, error) {
	end := addr + count
	if end < addr || end > uint64(len(m.data)) {
		return nil, &MemoryFaultError{Kind: MemFaultOutOfBounds, Addr: addr, Size: count}
	}
	return &memReader{m: m, addr: addr, count: count}, nil
}

type memReader struct {
	m     *Memory
	addr  uint64
	count uint64
}

func (r *memReader) Read(dest []byte) (n int, err error) {
	if r.count == 0 {
		return 0, io.EOF
	}
	n = copy(dest, r.m.data[r.addr:r.addr+r.count])
	r.addr += uint64(n)
	r.count -= uint64(n)
	return n, nil
}

// Serialize writes the memory in a simple binary format which can be read
// again using Deserialize: big-endian size prefix, then the raw contents.
func (m *Memory) Serialize(out io.Writer) error {
	if err := binary.Write(out, binary.BigEndian, uint64(len(m.data))); err != nil {
		return err
	}
	_, err := out.Write(m.data)
	return err
}

func (m *Memory) Deserialize(in io.Reader) error {
	var size uint64
	if err := binary.Read(in, binary.BigEndian, &size); err != nil {
		return err
	}
	m.data = make([]byte, size)
	_, err := io.ReadFull(in, m.data)
	return err
}

// Copy returns a deep copy with no live alias into the original backing
// store, for shard snapshots consumed while execution continues.
func (m *Memory) Copy() *Memory {
	out := &Memory{
		data:   make([]byte, len(m.data)),
		policy: m.policy,
	}
	copy(out.data, m.data)
	return out
}

type memoryJSON struct {
	Policy AlignmentPolicy `json:"policy"`
	Data   []byte          `json:"data"`
}

func (m *Memory) MarshalJSON() ([]byte, error) {
	return json.Marshal(&memoryJSON{Policy: m.policy, Data: m.data})
}

func (m *Memory) UnmarshalJSON(data []byte) error {
	var v memoryJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.policy = v.Policy
	m.data = v.Data
	return nil
}

func (m *Memory) Usage() string {
	total := uint64(len(m.data))
	const unit = 1024
	if total < unit {
		return fmt.Sprintf("%d B", total)
	}
	div, exp := uint64(unit), 0
	for n := total / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	// KiB, MiB, GiB, TiB, ...
	return fmt.Sprintf("%.1f %ciB", float64(total)/float64(div), "KMGTPE"[exp])
}

// signExtend copies the value's bit at the given position into all higher
// bits. Shift-by-64 wraps to a zero mask in Go, so bit=63 is safe.
func signExtend(v uint64, bit uint64) uint64 {
	if v&(1<<bit) != 0 {
		return v | ^uint64(0)<<bit
	}
	return v & (1<<(bit+1) - 1)
}
