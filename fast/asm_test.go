package fast

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardexec/shardexec/riscv"
)

// Minimal instruction encoders for building test programs in memory.

func encR(opcode, rd, funct3, rs1, rs2, funct7 uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encI(opcode, rd, funct3, rs1 uint32, imm int32) uint32 {
	return uint32(imm&0xFFF)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encS(opcode, funct3, rs1, rs2 uint32, imm int32) uint32 {
	v := uint32(imm & 0xFFF)
	return v>>5<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (v&0x1F)<<7 | opcode
}

func encB(funct3, rs1, rs2 uint32, imm int32) uint32 {
	v := uint32(imm & 0x1FFF)
	return v>>12<<31 | v>>5&0x3F<<25 | rs2<<20 | rs1<<15 | funct3<<12 | v>>1&0xF<<8 | v>>11&1<<7 | riscv.OpBranch
}

func encU(opcode, rd uint32, imm20 uint32) uint32 {
	return imm20<<12 | rd<<7 | opcode
}

func encJ(rd uint32, imm int32) uint32 {
	v := uint32(imm & 0x1FFFFF)
	return v>>20<<31 | v>>1&0x3FF<<21 | v>>11&1<<20 | v>>12&0xFF<<12 | rd<<7 | riscv.OpJal
}

func addi(rd, rs1 uint32, imm int32) uint32 {
	return encI(riscv.OpOpImm, rd, 0, rs1, imm)
}

func ecall() uint32 {
	return encI(riscv.OpSystem, 0, 0, 0, 0)
}

// testState assembles the program at address 0 and points the PC at it.
func testState(t *testing.T, memSize uint64, policy AlignmentPolicy, program ...uint32) *VMState {
	t.Helper()
	s := NewVMState(memSize, policy)
	for i, w := range program {
		require.NoError(t, s.Memory.Store(uint64(i)*4, 4, uint64(w)))
	}
	return s
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MemorySize = 0x10000
	return cfg
}

func testEngine(t *testing.T, s *VMState, cfg Config) *Engine {
	t.Helper()
	return NewEngine(s, cfg, io.Discard, io.Discard)
}

// stepN retires exactly n instructions, failing the test on any trap.
func stepN(t *testing.T, e *Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, e.Step())
	}
}
