package fast

import (
	"context"
	"errors"
	"io"

	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// Config holds the recognized execution options. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// ShardSize is the number of retired instructions per shard.
	ShardSize uint64
	// MemorySize is the guest address space in bytes, allocated once.
	MemorySize uint64
	// Alignment selects the misaligned-access policy.
	Alignment AlignmentPolicy
	// TraceEnabled wires the per-instruction trace recorder. Disabled, the
	// hot loop pays only a nil check.
	TraceEnabled bool
	// EnableMulDiv enables the M multiply/divide extension.
	EnableMulDiv bool
	// EnableAtomics enables the A extension (LR/SC and AMOs).
	EnableAtomics bool
	// Syscalls maps guest syscall numbers to handlers. Nil selects
	// DefaultSyscallTable.
	Syscalls SyscallTable
	// UnknownSyscall selects whether an unmapped syscall number is fatal or
	// a warned no-op.
	UnknownSyscall SyscallPolicy
	// StopAtCycle stops execution at the given retired-instruction count;
	// 0 means unbounded. Used for cycle-bounded benchmark runs.
	StopAtCycle uint64
}

func DefaultConfig() Config {
	return Config{
		ShardSize:     DefaultShardSize,
		MemorySize:    1 << 28, // 256 MiB
		Alignment:     AlignFault,
		EnableMulDiv:  true,
		EnableAtomics: true,
	}
}

// RunResult is what external consumers receive: totals, exit status, and
// shard accounting. Shard artifacts themselves stream through the sink.
type RunResult struct {
	Cycles   uint64
	Exited   bool
	ExitCode uint8
	// Stopped is set when the host requested an early stop (context
	// cancellation or StopAtCycle), before the guest exited.
	Stopped bool
	// Shards is the number of emitted artifacts, including a terminal
	// partial one.
	Shards uint64
	// SyscallCounts tallies invocations per syscall number.
	SyscallCounts map[uint64]uint64
}

// Engine owns the fetch-decode-execute loop and is the sole mutator of the
// architectural state. It is not safe for concurrent use; run independent
// engines for parallelism.
type Engine struct {
	state *VMState
	dec   *Decoder

	shards *ShardManager
	trace  *TraceRecorder

	syscalls      SyscallTable
	unknownPolicy SyscallPolicy
	syscallCounts map[uint64]uint64

	stdOut io.Writer
	stdErr io.Writer
	logger log.Logger

	shardSink ShardSink
	stopAt    uint64
	stopped   bool
}

// NewEngine wires an engine around an existing state. The state's memory
// must already hold the program image; its alignment policy governs guest
// accesses regardless of cfg.Alignment (the loader applies cfg).
func NewEngine(state *VMState, cfg Config, stdOut, stdErr io.Writer) *Engine {
	syscalls := cfg.Syscalls
	if syscalls == nil {
		syscalls = DefaultSyscallTable()
	}
	e := &Engine{
		state:         state,
		dec:           NewDecoder(cfg.EnableMulDiv, cfg.EnableAtomics),
		syscalls:      syscalls,
		unknownPolicy: cfg.UnknownSyscall,
		syscallCounts: make(map[uint64]uint64),
		stdOut:        stdOut,
		stdErr:        stdErr,
		stopAt:        cfg.StopAtCycle,
	}
	e.shards = NewShardManager(cfg.ShardSize, e.closeShard)
	if cfg.TraceEnabled {
		e.trace = NewTraceRecorder(nil)
	}
	return e
}

// SetShardSink directs shard artifacts to the consumer. Must be set before
// stepping.
func (e *Engine) SetShardSink(sink ShardSink) {
	e.shardSink = sink
}

// SetTraceSink directs trace flushes to the consumer; implies tracing was
// enabled in the config.
func (e *Engine) SetTraceSink(sink TraceSink) {
	if e.trace != nil {
		e.trace.sink = sink
	}
}

func (e *Engine) SetLogger(l log.Logger) {
	e.logger = l
}

func (e *Engine) State() *VMState {
	return e.state
}

// closeShard is the manager's sink: flush the trace for the closing shard
// first, then forward the artifact.
func (e *Engine) closeShard(sc *ShardComplete) error {
	if e.trace != nil {
		if err := e.trace.Flush(sc.Index); err != nil {
			return err
		}
	}
	if e.shardSink == nil {
		return nil
	}
	return e.shardSink(sc)
}

// register/memory mutation wrappers: all guest-visible writes flow through
// these so the trace recorder observes every delta.

func (e *Engine) writeRegister(reg uint8, v uint64) {
	if e.trace != nil && reg != 0 {
		e.trace.RecordRegWrite(reg, e.state.Registers[reg], v)
	}
	e.state.writeRegister(reg, v)
}

func (e *Engine) storeMem(addr, size, v uint64) error {
	if e.trace != nil {
		old, err := e.state.Memory.Load(addr, size, false)
		if err != nil {
			return err
		}
		e.trace.RecordMemWrite(addr, size, old, v)
	}
	return e.state.Memory.Store(addr, size, v)
}

// Step executes a single instruction. Fetch, decode, and execute failures
// return a *TrapError: the instruction did not retire and the cycle counter
// is unchanged. After the instruction retires, shard accounting errors
// (including shard-sink write failures) are returned as-is.
func (e *Engine) Step() error {
	s := e.state
	if s.Exited {
		return nil
	}
	pc := s.PC

	instr, err := s.Memory.FetchInstr(pc)
	if err != nil {
		return &TrapError{PC: pc, Cycle: s.Cycle, Err: err}
	}
	if e.trace != nil {
		e.trace.Begin(s.Cycle, pc, instr)
	}
	in, err := e.dec.Decode(instr)
	if err != nil {
		return &TrapError{PC: pc, Cycle: s.Cycle, Err: err}
	}
	if err := e.execute(pc, in); err != nil {
		return &TrapError{PC: pc, Cycle: s.Cycle, Err: err}
	}

	s.Cycle++
	if e.trace != nil {
		e.trace.Retire()
	}
	return e.shards.OnRetire(s)
}

// Run drives the loop until the guest exits, a trap surfaces, or the host
// requests a stop. In every case the shard sequence is closed so emitted
// spans account for exactly the retired total.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	s := e.state
	for !s.Exited {
		if s.Cycle&127 == 0 { // don't hit the ctx mutex every instruction
			if ctx.Err() != nil {
				e.stopped = true
				break
			}
		}
		if e.stopAt != 0 && s.Cycle >= e.stopAt {
			e.stopped = true
			break
		}
		if err := e.Step(); err != nil {
			// Close out accounting with the open span marked failed. An
			// accounting failure here is a defect and outranks the trap.
			if ferr := e.shards.Fail(s); ferr != nil {
				err = errors.Join(ferr, err)
			}
			return e.result(), err
		}
	}
	if err := e.shards.Finalize(s); err != nil {
		return e.result(), err
	}
	return e.result(), nil
}

// Finalize closes shard accounting after a normal exit or host stop, for
// callers driving Step directly instead of Run.
func (e *Engine) Finalize() error {
	return e.shards.Finalize(e.state)
}

// Fail closes shard accounting after a trap, marking the open span failed.
func (e *Engine) Fail() error {
	return e.shards.Fail(e.state)
}

// SyscallCounts tallies invocations per syscall number so far.
func (e *Engine) SyscallCounts() map[uint64]uint64 {
	return e.syscallCounts
}

// ShardCount is the number of emitted shard artifacts so far.
func (e *Engine) ShardCount() uint64 {
	return e.shards.NextIndex()
}

func (e *Engine) result() *RunResult {
	return &RunResult{
		Cycles:        e.state.Cycle,
		Exited:        e.state.Exited,
		ExitCode:      e.state.ExitCode,
		Stopped:       e.stopped,
		Shards:        e.shards.NextIndex(),
		SyscallCounts: e.syscallCounts,
	}
}

// execute applies the decoded instruction against the architectural state
// and computes the next PC. Dispatch is a single dense switch over the flat
// operation tag.
func (e *Engine) execute(pc uint64, in Instruction) error {
	s := e.state
	nextPC := pc + 4

	switch in.Op {
	case OpLB, OpLH, OpLW, OpLD, OpLBU, OpLHU, OpLWU:
		addr := s.loadRegister(in.Rs1) + in.Imm
		v, err := s.Memory.Load(addr, memAccessSize[in.Op], memAccessSigned[in.Op])
		if err != nil {
			return err
		}
		e.writeRegister(in.Rd, v)

	case OpSB, OpSH, OpSW, OpSD:
		addr := s.loadRegister(in.Rs1) + in.Imm
		if err := e.storeMem(addr, memAccessSize[in.Op], s.loadRegister(in.Rs2)); err != nil {
			return err
		}

	case OpBEQ, OpBNE, OpBLT, OpBGE, OpBLTU, OpBGEU:
		a, b := s.loadRegister(in.Rs1), s.loadRegister(in.Rs2)
		var taken bool
		switch in.Op {
		case OpBEQ:
			taken = a == b
		case OpBNE:
			taken = a != b
		case OpBLT:
			taken = int64(a) < int64(b)
		case OpBGE:
			taken = int64(a) >= int64(b)
		case OpBLTU:
			taken = a < b
		case OpBGEU:
			taken = a >= b
		}
		if taken {
			nextPC = pc + in.Imm
		}

	case OpADDI:
		e.writeRegister(in.Rd, s.loadRegister(in.Rs1)+in.Imm)
	case OpSLLI:
		e.writeRegister(in.Rd, s.loadRegister(in.Rs1)<<(in.Imm&0x3F))
	case OpSLTI:
		e.writeRegister(in.Rd, boolToU64(int64(s.loadRegister(in.Rs1)) < int64(in.Imm)))
	case OpSLTIU:
		e.writeRegister(in.Rd, boolToU64(s.loadRegister(in.Rs1) < in.Imm))
	case OpXORI:
		e.writeRegister(in.Rd, s.loadRegister(in.Rs1)^in.Imm)
	case OpSRLI:
		e.writeRegister(in.Rd, s.loadRegister(in.Rs1)>>(in.Imm&0x3F))
	case OpSRAI:
		e.writeRegister(in.Rd, uint64(int64(s.loadRegister(in.Rs1))>>(in.Imm&0x3F)))
	case OpORI:
		e.writeRegister(in.Rd, s.loadRegister(in.Rs1)|in.Imm)
	case OpANDI:
		e.writeRegister(in.Rd, s.loadRegister(in.Rs1)&in.Imm)

	case OpADDIW:
		e.writeRegister(in.Rd, mask32Signed(s.loadRegister(in.Rs1)+in.Imm))
	case OpSLLIW:
		e.writeRegister(in.Rd, mask32Signed(s.loadRegister(in.Rs1)<<(in.Imm&0x1F)))
	case OpSRLIW:
		e.writeRegister(in.Rd, signExtend(uint64(uint32(s.loadRegister(in.Rs1))>>(in.Imm&0x1F)), 31))
	case OpSRAIW:
		e.writeRegister(in.Rd, uint64(int64(int32(s.loadRegister(in.Rs1))>>(in.Imm&0x1F))))

	case OpADD:
		e.writeRegister(in.Rd, s.loadRegister(in.Rs1)+s.loadRegister(in.Rs2))
	case OpSUB:
		e.writeRegister(in.Rd, s.loadRegister(in.Rs1)-s.loadRegister(in.Rs2))
	case OpSLL:
		e.writeRegister(in.Rd, s.loadRegister(in.Rs1)<<(s.loadRegister(in.Rs2)&0x3F))
	case OpSLT:
		e.writeRegister(in.Rd, boolToU64(int64(s.loadRegister(in.Rs1)) < int64(s.loadRegister(in.Rs2))))
	case OpSLTU:
		e.writeRegister(in.Rd, boolToU64(s.loadRegister(in.Rs1) < s.loadRegister(in.Rs2)))
	case OpXOR:
		e.writeRegister(in.Rd, s.loadRegister(in.Rs1)^s.loadRegister(in.Rs2))
	case OpSRL:
		e.writeRegister(in.Rd, s.loadRegister(in.Rs1)>>(s.loadRegister(in.Rs2)&0x3F))
	case OpSRA:
		e.writeRegister(in.Rd, uint64(int64(s.loadRegister(in.Rs1))>>(s.loadRegister(in.Rs2)&0x3F)))
	case OpOR:
		e.writeRegister(in.Rd, s.loadRegister(in.Rs1)|s.loadRegister(in.Rs2))
	case OpAND:
		e.writeRegister(in.Rd, s.loadRegister(in.Rs1)&s.loadRegister(in.Rs2))

	case OpMUL:
		e.writeRegister(in.Rd, s.loadRegister(in.Rs1)*s.loadRegister(in.Rs2))
	case OpMULH:
		e.writeRegister(in.Rd, mulhSS(s.loadRegister(in.Rs1), s.loadRegister(in.Rs2)))
	case OpMULHSU:
		e.writeRegister(in.Rd, mulhSU(s.loadRegister(in.Rs1), s.loadRegister(in.Rs2)))
	case OpMULHU:
		e.writeRegister(in.Rd, mulhUU(s.loadRegister(in.Rs1), s.loadRegister(in.Rs2)))
	case OpDIV:
		e.writeRegister(in.Rd, sdiv(s.loadRegister(in.Rs1), s.loadRegister(in.Rs2)))
	case OpDIVU:
		e.writeRegister(in.Rd, udiv(s.loadRegister(in.Rs1), s.loadRegister(in.Rs2)))
	case OpREM:
		e.writeRegister(in.Rd, srem(s.loadRegister(in.Rs1), s.loadRegister(in.Rs2)))
	case OpREMU:
		e.writeRegister(in.Rd, urem(s.loadRegister(in.Rs1), s.loadRegister(in.Rs2)))

	case OpADDW:
		e.writeRegister(in.Rd, mask32Signed(s.loadRegister(in.Rs1)+s.loadRegister(in.Rs2)))
	case OpSUBW:
		e.writeRegister(in.Rd, mask32Signed(s.loadRegister(in.Rs1)-s.loadRegister(in.Rs2)))
	case OpSLLW:
		e.writeRegister(in.Rd, mask32Signed(s.loadRegister(in.Rs1)<<(s.loadRegister(in.Rs2)&0x1F)))
	case OpSRLW:
		e.writeRegister(in.Rd, signExtend(uint64(uint32(s.loadRegister(in.Rs1))>>(s.loadRegister(in.Rs2)&0x1F)), 31))
	case OpSRAW:
		e.writeRegister(in.Rd, uint64(int64(int32(s.loadRegister(in.Rs1))>>(s.loadRegister(in.Rs2)&0x1F))))

	case OpMULW:
		e.writeRegister(in.Rd, mask32Signed(uint64(uint32(s.loadRegister(in.Rs1))*uint32(s.loadRegister(in.Rs2)))))
	case OpDIVW:
		e.writeRegister(in.Rd, sdiv32(s.loadRegister(in.Rs1), s.loadRegister(in.Rs2)))
	case OpDIVUW:
		e.writeRegister(in.Rd, udiv32(s.loadRegister(in.Rs1), s.loadRegister(in.Rs2)))
	case OpREMW:
		e.writeRegister(in.Rd, srem32(s.loadRegister(in.Rs1), s.loadRegister(in.Rs2)))
	case OpREMUW:
		e.writeRegister(in.Rd, urem32(s.loadRegister(in.Rs1), s.loadRegister(in.Rs2)))

	case OpLUI:
		e.writeRegister(in.Rd, in.Imm)
	case OpAUIPC:
		e.writeRegister(in.Rd, pc+in.Imm)
	case OpJAL:
		e.writeRegister(in.Rd, pc+4)
		nextPC = pc + in.Imm
	case OpJALR:
		target := (s.loadRegister(in.Rs1) + in.Imm) &^ 1 // lsb forced to 0
		e.writeRegister(in.Rd, pc+4)
		nextPC = target

	case OpECALL:
		if err := e.sysCall(); err != nil {
			return err
		}
	case OpEBREAK:
		// Breakpoint with no debugger attached: resume.
	case OpFENCE:
		// Single hart, no mem-op pipeline: nothing to order.

	case OpLR:
		addr := s.loadRegister(in.Rs1)
		v, err := s.Memory.Load(addr, amoSize(in.Funct3), true)
		if err != nil {
			return err
		}
		e.writeRegister(in.Rd, v)
		s.LoadReservation = addr
	case OpSC:
		addr := s.loadRegister(in.Rs1)
		rdValue := uint64(1)
		if addr == s.LoadReservation {
			if err := e.storeMem(addr, amoSize(in.Funct3), s.loadRegister(in.Rs2)); err != nil {
				return err
			}
			rdValue = 0
		}
		e.writeRegister(in.Rd, rdValue)
		s.LoadReservation = 0
	case OpAMO:
		if err := e.amo(in); err != nil {
			return err
		}

	default:
		return &IllegalInstructionError{Instr: in.Raw}
	}

	s.PC = nextPC
	return nil
}

// amo executes a read-modify-write atomic. There is no other hart, so the
// sequence is trivially atomic; acquire/release bits are no-ops.
func (e *Engine) amo(in Instruction) error {
	s := e.state
	size := amoSize(in.Funct3)
	addr := s.loadRegister(in.Rs1)
	rs2Value := s.loadRegister(in.Rs2)
	if size == 4 {
		rs2Value = mask32Signed(rs2Value)
	}

	old, err := s.Memory.Load(addr, size, true)
	if err != nil {
		return err
	}
	v := rs2Value
	switch in.Funct7 >> 2 {
	case 0x00: // AMOADD
		v = old + rs2Value
	case 0x01: // AMOSWAP
	case 0x04: // AMOXOR
		v = old ^ rs2Value
	case 0x08: // AMOOR
		v = old | rs2Value
	case 0x0c: // AMOAND
		v = old & rs2Value
	case 0x10: // AMOMIN
		if int64(old) < int64(rs2Value) {
			v = old
		}
	case 0x14: // AMOMAX
		if int64(old) > int64(rs2Value) {
			v = old
		}
	case 0x18: // AMOMINU
		if old < rs2Value {
			v = old
		}
	case 0x1c: // AMOMAXU
		if old > rs2Value {
			v = old
		}
	}
	if err := e.storeMem(addr, size, v); err != nil {
		return err
	}
	e.writeRegister(in.Rd, old)
	return nil
}

func amoSize(funct3 uint8) uint64 {
	return 1 << funct3 // funct3 2 = W, 3 = D
}

func boolToU64(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}

func mask32Signed(v uint64) uint64 {
	return signExtend(v&0xFFFFFFFF, 31)
}

// signExtendTo256 embeds a two's complement 64-bit value into 256 bits, for
// the upper-half multiplies.
func signExtendTo256(v uint64) uint256.Int {
	var x uint256.Int
	x[0] = v
	if int64(v) < 0 {
		x[1], x[2], x[3] = ^uint64(0), ^uint64(0), ^uint64(0)
	}
	return x
}

func mulhSS(a, b uint64) uint64 {
	x, y := signExtendTo256(a), signExtendTo256(b)
	x.Mul(&x, &y)
	x.Rsh(&x, 64)
	return x[0]
}

func mulhSU(a, b uint64) uint64 {
	x := signExtendTo256(a)
	var y uint256.Int
	y[0] = b
	x.Mul(&x, &y)
	x.Rsh(&x, 64)
	return x[0]
}

func mulhUU(a, b uint64) uint64 {
	var x, y uint256.Int
	x[0], y[0] = a, b
	x.Mul(&x, &y)
	x.Rsh(&x, 64)
	return x[0]
}

// Division follows the RISC-V M definitions: division by zero yields all
// ones (or the dividend for remainders) rather than trapping, and the
// signed overflow case returns the dividend's value.

func udiv(a, b uint64) uint64 {
	if b == 0 {
		return ^uint64(0)
	}
	return a / b
}

func sdiv(a, b uint64) uint64 {
	if b == 0 {
		return ^uint64(0)
	}
	if int64(a) == -1<<63 && int64(b) == -1 {
		return a
	}
	return uint64(int64(a) / int64(b))
}

func urem(a, b uint64) uint64 {
	if b == 0 {
		return a
	}
	return a % b
}

func srem(a, b uint64) uint64 {
	if b == 0 {
		return a
	}
	if int64(a) == -1<<63 && int64(b) == -1 {
		return 0
	}
	return uint64(int64(a) % int64(b))
}

func udiv32(a, b uint64) uint64 {
	if uint32(b) == 0 {
		return ^uint64(0)
	}
	return signExtend(uint64(uint32(a)/uint32(b)), 31)
}

func sdiv32(a, b uint64) uint64 {
	if int32(b) == 0 {
		return ^uint64(0)
	}
	if int32(a) == -1<<31 && int32(b) == -1 {
		return mask32Signed(a)
	}
	return uint64(int64(int32(a) / int32(b)))
}

func urem32(a, b uint64) uint64 {
	if uint32(b) == 0 {
		return mask32Signed(a)
	}
	return signExtend(uint64(uint32(a)%uint32(b)), 31)
}

func srem32(a, b uint64) uint64 {
	if int32(b) == 0 {
		return mask32Signed(a)
	}
	if int32(a) == -1<<31 && int32(b) == -1 {
		return 0
	}
	return uint64(int64(int32(a) % int32(b)))
}
