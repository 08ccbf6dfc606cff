package fast

import (
	"encoding/binary"
	"io"
)

// VMState is the complete architectural state of the emulated machine:
// registers, program counter, memory, and the retired-instruction counter.
// It is exclusively owned and mutated by the Engine.
type VMState struct {
	Memory *Memory `json:"memory"`

	PC uint64 `json:"pc"`

	Registers [32]uint64 `json:"registers"`

	// Cycle counts retired instructions. An instruction that traps does not
	// retire and leaves the counter unchanged.
	Cycle uint64 `json:"cycle"`

	Heap uint64 `json:"heap"` // next anonymous mmap allocation address

	LoadReservation uint64 `json:"loadReservation"`

	ExitCode uint8 `json:"exit"`
	Exited   bool  `json:"exited"`
}

func NewVMState(memSize uint64, policy AlignmentPolicy) *VMState {
	return &VMState{
		Memory: NewMemory(memSize, policy),
	}
}

// loadRegister reads a general purpose register. Index 0 always observes
// as zero.
func (s *VMState) loadRegister(reg uint8) uint64 {
	if reg == 0 {
		return 0
	}
	return s.Registers[reg]
}

// writeRegister stores a general purpose register. Writes to index 0 are
// dropped here, so the zero invariant holds at every observation point.
func (s *VMState) writeRegister(reg uint8, v uint64) {
	if reg == 0 {
		return
	}
	s.Registers[reg] = v
}

// Register exposes a read of the register file for external observers
// (trace consumers, tests). Same x0 semantics as the engine-internal read.
func (s *VMState) Register(reg uint8) uint64 {
	return s.loadRegister(reg)
}

// Instr reads the instruction word at the current PC, for diagnostics.
func (s *VMState) Instr() uint32 {
	v, err := s.Memory.FetchInstr(s.PC)
	if err != nil {
		return 0
	}
	return v
}

// Copy returns a deep, self-contained copy with no live alias into the
// still-mutating state, suitable for handing to a parallel consumer.
func (s *VMState) Copy() *VMState {
	out := *s
	out.Memory = s.Memory.Copy()
	return &out
}

// Serialize writes the state in a simple binary format which can be read
// again using Deserialize: a concatenation of fields, numbers big-endian,
// memory framed by its own Serialize format.
func (s *VMState) Serialize(out io.Writer) error {
	var buf [8]byte
	writeU64 := func(v uint64) error {
		binary.BigEndian.PutUint64(buf[:], v)
		_, err := out.Write(buf[:])
		return err
	}
	for _, v := range []uint64{s.PC, s.Cycle, s.Heap, s.LoadReservation} {
		if err := writeU64(v); err != nil {
			return err
		}
	}
	for _, r := range s.Registers {
		if err := writeU64(r); err != nil {
			return err
		}
	}
	flags := []byte{s.ExitCode, 0}
	if s.Exited {
		flags[1] = 1
	}
	if _, err := out.Write(flags); err != nil {
		return err
	}
	return s.Memory.Serialize(out)
}

func (s *VMState) Deserialize(in io.Reader) error {
	var buf [8]byte
	readU64 := func(dest *uint64) error {
		if _, err := io.ReadFull(in, buf[:]); err != nil {
			return err
		}
		*dest = binary.BigEndian.Uint64(buf[:])
		return nil
	}
	for _, dest := range []*uint64{&s.PC, &s.Cycle, &s.Heap, &s.LoadReservation} {
		if err := readU64(dest); err != nil {
			return err
		}
	}
	for i := range s.Registers {
		if err := readU64(&s.Registers[i]); err != nil {
			return err
		}
	}
	var flags [2]byte
	if _, err := io.ReadFull(in, flags[:]); err != nil {
		return err
	}
	s.ExitCode = flags[0]
	s.Exited = flags[1] == 1
	if s.Memory == nil {
		s.Memory = &Memory{}
	}
	return s.Memory.Deserialize(in)
}
