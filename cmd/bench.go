package cmd

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/profile"
	"github.com/urfave/cli/v2"

	"github.com/shardexec/shardexec/fast"
)

// Bench measures raw emulation throughput: tracing stays off, shard
// artifacts are discarded, and the effective emulated clock frequency is
// derived from wall-clock time and the retired-instruction count.
func Bench(ctx *cli.Context) error {
	if ctx.Bool(RunPProfCPU.Name) {
		defer profile.Start(profile.NoShutdownHook, profile.ProfilePath("."), profile.CPUProfile).Stop()
	}

	elfPath := ctx.Path(LoadELFPathFlag.Name)
	elfProgram, err := elf.Open(elfPath)
	if err != nil {
		return fmt.Errorf("failed to open ELF file %q: %w", elfPath, err)
	}
	defer elfProgram.Close()
	policy, err := parsePolicy(ctx.String(MisalignedPolicyFlag.Name))
	if err != nil {
		return err
	}

	l := Logger(os.Stderr, log.LevelInfo)
	runs := ctx.Int(BenchRunsFlag.Name)

	cfg := fast.DefaultConfig()
	cfg.MemorySize = ctx.Uint64(MemSizeFlag.Name)
	cfg.Alignment = policy
	cfg.StopAtCycle = ctx.Uint64(RunStopAtCycleFlag.Name)

	var totalElapsed, totalMHz float64
	for i := 0; i < runs; i++ {
		l.Info("benchmark run", "run", i+1, "runs", runs)

		state, err := fast.LoadELF(elfProgram, cfg.MemorySize, cfg.Alignment)
		if err != nil {
			return fmt.Errorf("failed to load ELF data into VM state: %w", err)
		}
		if err := fast.PatchVM(elfProgram, state); err != nil {
			return fmt.Errorf("failed to patch VM: %w", err)
		}
		engine := fast.NewEngine(state, cfg, io.Discard, io.Discard)

		start := time.Now()
		result, err := engine.Run(ctx.Context)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			return fmt.Errorf("benchmark run %d failed: %w", i+1, err)
		}

		mhz := float64(result.Cycles) / elapsed / 1_000_000
		l.Info("benchmark run done",
			"cycles", result.Cycles,
			"shards", result.Shards,
			"exitCode", result.ExitCode,
			"stopped", result.Stopped,
			"elapsed", fmt.Sprintf("%.4fs", elapsed),
			"mhz", fmt.Sprintf("%.2f", mhz),
		)
		totalElapsed += elapsed
		totalMHz += mhz
	}

	l.Info("benchmark results",
		"runs", runs,
		"avgElapsed", fmt.Sprintf("%.4fs", totalElapsed/float64(runs)),
		"avgMhz", fmt.Sprintf("%.2f", totalMHz/float64(runs)),
	)
	return nil
}

var BenchCommand = &cli.Command{
	Name:        "bench",
	Usage:       "Benchmark raw emulation throughput",
	Description: "Run a guest ELF repeatedly with tracing disabled and report the effective emulated clock frequency.",
	Action:      Bench,
	Flags: []cli.Flag{
		LoadELFPathFlag,
		MemSizeFlag,
		MisalignedPolicyFlag,
		BenchRunsFlag,
		RunStopAtCycleFlag,
		RunPProfCPU,
	},
}
