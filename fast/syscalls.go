package fast

import (
	"fmt"
	"io"

	"github.com/shardexec/shardexec/riscv"
)

// SyscallPolicy selects how an unmapped syscall number is handled.
type SyscallPolicy uint8

const (
	// SyscallFatal surfaces UnsupportedSyscall and halts the run.
	SyscallFatal SyscallPolicy = iota
	// SyscallWarn records a warning and resumes as a no-op.
	SyscallWarn
)

// SyscallContext is the view a handler gets of the machine: ABI argument
// registers, return-value registers, and memory access routed through the
// engine so traced runs capture every delta. The handler must complete
// synchronously; Fetch resumes right after it returns.
type SyscallContext struct {
	e *Engine
}

// Arg reads ABI argument register a<i>.
func (c *SyscallContext) Arg(i int) uint64 {
	return c.e.state.loadRegister(uint8(riscv.RegA0 + i))
}

// SetReturn writes the result and errno into a0/a1 per the ABI convention.
func (c *SyscallContext) SetReturn(ret, errno uint64) {
	c.e.writeRegister(riscv.RegA0, ret)
	c.e.writeRegister(riscv.RegA1, errno)
}

// ReadMemRange exposes a bounds-checked read-only view of guest memory.
func (c *SyscallContext) ReadMemRange(addr, count uint64) (io.Reader, error) {
	return c.e.state.Memory.ReadMemoryRange(addr, count)
}

// StoreMem writes guest memory on the handler's behalf.
func (c *SyscallContext) StoreMem(addr, size, v uint64) error {
	return c.e.storeMem(addr, size, v)
}

// Exit requests a halt with the given status; the current instruction still
// retires before the engine observes the exit.
func (c *SyscallContext) Exit(code uint8) {
	c.e.state.ExitCode = code
	c.e.state.Exited = true
}

// Heap returns the next anonymous allocation address; AdvanceHeap claims
// length bytes (already page-rounded by the caller).
func (c *SyscallContext) Heap() uint64 {
	return c.e.state.Heap
}

func (c *SyscallContext) AdvanceHeap(length uint64) {
	c.e.state.Heap += length
}

func (c *SyscallContext) MemSize() uint64 {
	return c.e.state.Memory.Size()
}

func (c *SyscallContext) Stdout() io.Writer { return c.e.stdOut }
func (c *SyscallContext) Stderr() io.Writer { return c.e.stdErr }

// SyscallFn services one environment call.
type SyscallFn func(c *SyscallContext) error

// SyscallTable maps guest syscall numbers to handlers. The table is
// pluggable per guest workload; DefaultSyscallTable covers the Linux
// riscv64 surface a static guest binary touches.
type SyscallTable map[uint64]SyscallFn

// sysCall services an ecall trap: number in a7, arguments in a0..a5,
// results in a0/a1.
func (e *Engine) sysCall() error {
	num := e.state.loadRegister(riscv.RegA7)
	e.syscallCounts[num]++

	handler, ok := e.syscalls[num]
	if !ok {
		if e.unknownPolicy == SyscallWarn {
			if e.logger != nil {
				e.logger.Warn("ignoring unsupported syscall", "num", num, "pc", e.state.PC)
			}
			return nil
		}
		return &UnsupportedSyscallError{Num: num}
	}
	return handler(&SyscallContext{e: e})
}

// DefaultSyscallTable covers: process exit, anonymous memory, stdio, and
// the descriptor/signal/time lookups the Go and libc runtimes probe at
// startup. Results are deterministic: identical runs see identical values.
func DefaultSyscallTable() SyscallTable {
	return SyscallTable{
		riscv.SysExit:             sysExit,
		riscv.SysExitGroup:        sysExit,
		riscv.SysBrk:              sysBrk,
		riscv.SysMmap:             sysMmap,
		riscv.SysMunmap:           sysNop,
		riscv.SysRead:             sysRead,
		riscv.SysWrite:            sysWrite,
		riscv.SysFcntl:            sysFcntl,
		riscv.SysOpenat:           sysOpenat,
		riscv.SysClockGettime:     sysClockGettime,
		riscv.SysSchedGetaffinity: sysNop,
		riscv.SysRtSigprocmask:    sysNop,
		riscv.SysSigaltstack:      sysNop,
		riscv.SysGettid:           sysNop,
		riscv.SysRtSigaction:      sysNop,
		riscv.SysGetrlimit:        sysGetrlimit,
	}
}

func sysExit(c *SyscallContext) error {
	c.Exit(uint8(c.Arg(0)))
	return nil
}

func sysBrk(c *SyscallContext) error {
	// Guests only ever probe with brk(NULL); report the current break.
	c.SetReturn(c.Heap(), 0)
	return nil
}

func sysMmap(c *SyscallContext) error {
	addr := c.Arg(0)
	length := c.Arg(1)
	// prot, flags, fd, offset ignored: anonymous memory only.
	if addr != 0 {
		// Hinted address: allow it, leave the hint as the result.
		c.SetReturn(addr, 0)
		return nil
	}
	if align := length & 4095; align != 0 {
		length += 4096 - align
		if length == 0 { // rounding wrapped
			c.SetReturn(^uint64(0), riscv.ErrnoEINVAL)
			return nil
		}
	}
	if end := c.Heap() + length; end < c.Heap() || end > c.MemSize() {
		c.SetReturn(^uint64(0), riscv.ErrnoEINVAL)
		return nil
	}
	c.SetReturn(c.Heap(), 0)
	c.AdvanceHeap(length)
	return nil
}

func sysRead(c *SyscallContext) error {
	fd := c.Arg(0)
	switch fd {
	case riscv.FdStdin:
		// Nothing to read: deterministic guests take input via the memory
		// image, not stdin.
		c.SetReturn(0, 0)
	default:
		c.SetReturn(^uint64(0), riscv.ErrnoEBADF)
	}
	return nil
}

func sysWrite(c *SyscallContext) error {
	fd := c.Arg(0)
	addr := c.Arg(1)
	count := c.Arg(2)
	var dest io.Writer
	switch fd {
	case riscv.FdStdout:
		dest = c.Stdout()
	case riscv.FdStderr:
		dest = c.Stderr()
	default:
		c.SetReturn(^uint64(0), riscv.ErrnoEBADF)
		return nil
	}
	r, err := c.ReadMemRange(addr, count)
	if err != nil {
		return err
	}
	if dest != nil {
		if _, err := io.Copy(dest, r); err != nil {
			return fmt.Errorf("guest fd %d write failed: %w", fd, err)
		}
	}
	// The write completes fully within the instruction.
	c.SetReturn(count, 0)
	return nil
}

func sysFcntl(c *SyscallContext) error {
	fd := c.Arg(0)
	cmd := c.Arg(1)
	if cmd != 0x3 { // only F_GETFL: no changing flags or duplicating fds
		c.SetReturn(^uint64(0), riscv.ErrnoEINVAL)
		return nil
	}
	switch fd {
	case riscv.FdStdin:
		c.SetReturn(0, 0) // O_RDONLY
	case riscv.FdStdout, riscv.FdStderr:
		c.SetReturn(1, 0) // O_WRONLY
	default:
		c.SetReturn(^uint64(0), riscv.ErrnoEBADF)
	}
	return nil
}

func sysOpenat(c *SyscallContext) error {
	// Runtimes probe optional /sys and /proc files at startup; no
	// filesystem exists here.
	c.SetReturn(^uint64(0), riscv.ErrnoEACCES)
	return nil
}

func sysClockGettime(c *SyscallContext) error {
	// Fixed timestamp: wall-clock time would break run determinism. The
	// nanoseconds field must be nonzero for the Go runtime init check.
	addr := c.Arg(1)
	if err := c.StoreMem(addr, 8, 1337); err != nil {
		return err
	}
	if err := c.StoreMem(addr+8, 8, 42); err != nil {
		return err
	}
	c.SetReturn(0, 0)
	return nil
}

func sysGetrlimit(c *SyscallContext) error {
	res := c.Arg(0)
	addr := c.Arg(1)
	if res != 0x7 { // RLIMIT_NOFILE
		c.SetReturn(^uint64(0), riscv.ErrnoEINVAL)
		return nil
	}
	if err := c.StoreMem(addr, 8, 1024); err != nil { // soft limit
		return err
	}
	if err := c.StoreMem(addr+8, 8, 1024); err != nil { // hard limit
		return err
	}
	c.SetReturn(0, 0)
	return nil
}

func sysNop(c *SyscallContext) error {
	c.SetReturn(0, 0)
	return nil
}
