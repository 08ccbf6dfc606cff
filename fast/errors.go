package fast

import (
	"errors"
	"fmt"
)

// MemFaultKind distinguishes why a memory access was rejected.
type MemFaultKind uint8

const (
	MemFaultOutOfBounds MemFaultKind = iota
	MemFaultMisaligned
)

func (k MemFaultKind) String() string {
	switch k {
	case MemFaultOutOfBounds:
		return "out-of-bounds"
	case MemFaultMisaligned:
		return "misaligned"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// IllegalInstructionError is returned when no opcode/function-field
// combination matches a supported instruction.
type IllegalInstructionError struct {
	Instr uint32
}

func (e *IllegalInstructionError) Error() string {
	return fmt.Sprintf("illegal instruction 0x%08x", e.Instr)
}

// MemoryFaultError is returned for out-of-bounds accesses, and for
// misaligned multi-byte accesses when the alignment policy forbids them.
type MemoryFaultError struct {
	Kind  MemFaultKind
	Addr  uint64
	Size  uint64
	Write bool
}

func (e *MemoryFaultError) Error() string {
	dir := "load"
	if e.Write {
		dir = "store"
	}
	return fmt.Sprintf("memory fault: %s %s of %d bytes at 0x%016x", e.Kind, dir, e.Size, e.Addr)
}

// UnsupportedSyscallError is returned when the syscall table has no handler
// for the requested number and the table is configured as fatal.
type UnsupportedSyscallError struct {
	Num uint64
}

func (e *UnsupportedSyscallError) Error() string {
	return fmt.Sprintf("unsupported syscall %d", e.Num)
}

// ErrShardAccounting marks an internal shard bookkeeping invariant
// violation. It should be unreachable; observing it is a defect, not a
// guest-program failure.
var ErrShardAccounting = errors.New("shard accounting invariant violated")

// TrapError annotates a failure from the execution loop with the faulting
// program counter and the cycle count reached. The cycle count excludes the
// faulting instruction: a trapped instruction does not retire.
type TrapError struct {
	PC    uint64
	Cycle uint64
	Err   error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("trap at pc=0x%016x cycle=%d: %v", e.PC, e.Cycle, e.Err)
}

func (e *TrapError) Unwrap() error { return e.Err }
