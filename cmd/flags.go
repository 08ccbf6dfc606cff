package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/shardexec/shardexec/fast"
)

var (
	LoadELFPathFlag = &cli.PathFlag{
		Name:      "path",
		Usage:     "Path to RISC-V ELF file",
		TakesFile: true,
		Required:  true,
	}
	LoadELFOutFlag = &cli.PathFlag{
		Name:  "out",
		Usage: "Output path to write JSON state to. Defaults to 'state.json'. Use '-' to write to stdout.",
		Value: "state.json",
	}
	MemSizeFlag = &cli.Uint64Flag{
		Name:  "mem-size",
		Usage: "Guest memory size in bytes, allocated once at load time",
		Value: 1 << 28,
	}
	MisalignedPolicyFlag = &cli.StringFlag{
		Name:  "misaligned-policy",
		Usage: "Misaligned multi-byte access policy: 'fault' or 'allow'",
		Value: "fault",
	}
	RunInputFlag = &cli.PathFlag{
		Name:      "input",
		Usage:     "Path of input JSON state.",
		TakesFile: true,
		Value:     "state.json",
	}
	RunOutputFlag = &cli.PathFlag{
		Name:  "output",
		Usage: "Path of output JSON state. Use '-' to write to stdout.",
		Value: "out.json",
	}
	RunShardDirFlag = &cli.PathFlag{
		Name:  "shard-dir",
		Usage: "Directory to write shard artifacts to. Artifacts are not persisted if empty.",
	}
	RunShardSizeFlag = &cli.Uint64Flag{
		Name:  "shard-size",
		Usage: "Retired instructions per shard",
		Value: fast.DefaultShardSize,
	}
	RunTraceFlag = &cli.BoolFlag{
		Name:  "trace",
		Usage: "Record per-instruction state deltas and flush them per shard to the shard dir",
	}
	RunStopAtCycleFlag = &cli.Uint64Flag{
		Name:  "stop-at-cycle",
		Usage: "Stop execution at the given retired-instruction count (0 = run to exit)",
	}
	RunInfoAtFlag = &cli.GenericFlag{
		Name:  "info-at",
		Usage: "Log execution progress when the cycle matches the pattern: '%123' for every 123 cycles, '=123' for exactly cycle 123, 'never' or 'always'.",
		Value: MustStepMatcherFlag("%10000000"),
	}
	RunStopAtFlag = &cli.GenericFlag{
		Name:  "stop-at",
		Usage: "Stop at the matching cycle pattern, without guest exit. Same patterns as --info-at.",
		Value: MustStepMatcherFlag("never"),
	}
	RunNoMulDivFlag = &cli.BoolFlag{
		Name:  "no-muldiv",
		Usage: "Disable the M multiply/divide extension; such instructions become illegal",
	}
	RunNoAtomicsFlag = &cli.BoolFlag{
		Name:  "no-atomics",
		Usage: "Disable the A atomics extension; such instructions become illegal",
	}
	RunUnknownSyscallsFlag = &cli.StringFlag{
		Name:  "unknown-syscalls",
		Usage: "Unknown guest syscall handling: 'fatal' or 'warn' (no-op with logged warning)",
		Value: "fatal",
	}
	RunMetaELFFlag = &cli.PathFlag{
		Name:      "meta-elf",
		Usage:     "Optional ELF to resolve symbol names for progress logging",
		TakesFile: true,
	}
	RunPProfCPU = &cli.BoolFlag{
		Name:  "pprof.cpu",
		Usage: "enable pprof cpu profiling",
	}
	WitnessInputFlag = &cli.PathFlag{
		Name:      "input",
		Usage:     "Path of input JSON state.",
		TakesFile: true,
		Required:  true,
	}
	WitnessOutputFlag = &cli.PathFlag{
		Name:  "output",
		Usage: "Path to write witness JSON to. Use '-' to write to stdout.",
		Value: "-",
	}
	BenchRunsFlag = &cli.IntFlag{
		Name:  "runs",
		Usage: "Number of benchmark runs to average over",
		Value: 5,
	}
)

func parsePolicy(v string) (fast.AlignmentPolicy, error) {
	switch v {
	case "fault":
		return fast.AlignFault, nil
	case "allow":
		return fast.AlignAllow, nil
	default:
		return 0, cli.Exit("invalid misaligned-policy, must be 'fault' or 'allow'", 1)
	}
}

func parseSyscallPolicy(v string) (fast.SyscallPolicy, error) {
	switch v {
	case "fatal":
		return fast.SyscallFatal, nil
	case "warn":
		return fast.SyscallWarn, nil
	default:
		return 0, cli.Exit("invalid unknown-syscalls policy, must be 'fatal' or 'warn'", 1)
	}
}
