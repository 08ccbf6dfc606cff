package riscv

// Linux riscv64 syscall numbers serviced by the default syscall table.
const (
	SysFcntl            = 25
	SysOpenat           = 56
	SysRead             = 63
	SysWrite            = 64
	SysExit             = 93
	SysExitGroup        = 94
	SysClockGettime     = 113
	SysSchedGetaffinity = 123
	SysSigaltstack      = 132
	SysRtSigaction      = 134
	SysRtSigprocmask    = 135
	SysGetrlimit        = 163
	SysGettid           = 178
	SysBrk              = 214
	SysMunmap           = 215
	SysMmap             = 222
)

// File descriptors the guest may use.
const (
	FdStdin  = 0
	FdStdout = 1
	FdStderr = 2
)

// Guest-visible errno values.
const (
	ErrnoEINVAL = 0x16
	ErrnoEBADF  = 0x4d
	ErrnoEACCES = 0xd
)

// ABI register indices (RISC-V calling convention).
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA3   = 13
	RegA4   = 14
	RegA5   = 15
	RegA7   = 17
)

// Major instruction opcodes (bits [6:0] of the encoding).
const (
	OpLoad    = 0x03
	OpMiscMem = 0x0F
	OpOpImm   = 0x13
	OpAuipc   = 0x17
	OpOpImm32 = 0x1B
	OpStore   = 0x23
	OpAmo     = 0x2F
	OpOp      = 0x33
	OpLui     = 0x37
	OpOp32    = 0x3B
	OpBranch  = 0x63
	OpJalr    = 0x67
	OpJal     = 0x6F
	OpSystem  = 0x73
)
