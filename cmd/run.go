package cmd

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/profile"
	"github.com/urfave/cli/v2"

	"github.com/shardexec/shardexec/fast"
)

// shardDirWriter persists shard artifacts as JSON files in index order.
type shardDirWriter struct {
	dir string
	log log.Logger
}

func (w *shardDirWriter) emit(sc *fast.ShardComplete) error {
	w.log.Info("shard complete",
		"index", sc.Index,
		"cycles", sc.Cycles(),
		"start", sc.StartCycle,
		"end", sc.EndCycle,
		"partial", sc.Partial,
		"failed", sc.Failed,
		"stateHash", sc.StateHash,
	)
	if w.dir == "" {
		return nil
	}
	path := filepath.Join(w.dir, fmt.Sprintf("shard-%d.json.gz", sc.Index))
	if err := WriteJSON(path, sc); err != nil {
		return fmt.Errorf("failed to write shard %d artifact: %w", sc.Index, err)
	}
	return nil
}

// traceDirWriter persists per-shard trace flushes next to the shard
// artifacts.
type traceDirWriter struct {
	dir string
}

func (w *traceDirWriter) FlushTrace(shardIndex uint64, records []fast.TraceRecord) error {
	if w.dir == "" {
		return nil
	}
	path := filepath.Join(w.dir, fmt.Sprintf("trace-shard-%d.json.gz", shardIndex))
	if err := WriteJSON(path, records); err != nil {
		return fmt.Errorf("failed to write trace for shard %d: %w", shardIndex, err)
	}
	return nil
}

func Run(ctx *cli.Context) error {
	if ctx.Bool(RunPProfCPU.Name) {
		defer profile.Start(profile.NoShutdownHook, profile.ProfilePath("."), profile.CPUProfile).Stop()
	}

	state, err := LoadJSON[fast.VMState](ctx.Path(RunInputFlag.Name))
	if err != nil {
		return err
	}

	l := Logger(os.Stderr, log.LevelInfo)
	outLog := &LoggingWriter{Name: "program std-out", Log: l}
	errLog := &LoggingWriter{Name: "program std-err", Log: l}

	syscallPolicy, err := parseSyscallPolicy(ctx.String(RunUnknownSyscallsFlag.Name))
	if err != nil {
		return err
	}

	cfg := fast.DefaultConfig()
	cfg.ShardSize = ctx.Uint64(RunShardSizeFlag.Name)
	cfg.TraceEnabled = ctx.Bool(RunTraceFlag.Name)
	cfg.EnableMulDiv = !ctx.Bool(RunNoMulDivFlag.Name)
	cfg.EnableAtomics = !ctx.Bool(RunNoAtomicsFlag.Name)
	cfg.UnknownSyscall = syscallPolicy
	stopAtCycle := ctx.Uint64(RunStopAtCycleFlag.Name)

	shardDir := ctx.Path(RunShardDirFlag.Name)
	if shardDir != "" {
		if err := os.MkdirAll(shardDir, 0o755); err != nil {
			return fmt.Errorf("failed to create shard dir: %w", err)
		}
	}

	var symbols fast.SortedSymbols
	if metaPath := ctx.Path(RunMetaELFFlag.Name); metaPath != "" {
		metaELF, err := elf.Open(metaPath)
		if err != nil {
			return fmt.Errorf("failed to open meta ELF %q: %w", metaPath, err)
		}
		symbols, err = fast.Symbols(metaELF)
		_ = metaELF.Close()
		if err != nil {
			return fmt.Errorf("failed to load symbols: %w", err)
		}
	} else {
		l.Info("no meta ELF specified, progress logs won't be annotated with symbol names")
	}
	lookupSymbol := func(pc uint64) string {
		if symbols == nil {
			return ""
		}
		return symbols.FindSymbol(pc).Name
	}

	engine := fast.NewEngine(state, cfg, outLog, errLog)
	engine.SetLogger(l)
	engine.SetShardSink((&shardDirWriter{dir: shardDir, log: l}).emit)
	if cfg.TraceEnabled {
		engine.SetTraceSink(&traceDirWriter{dir: shardDir})
	}

	stopAt := ctx.Generic(RunStopAtFlag.Name).(*StepMatcherFlag).Matcher()
	infoAt := ctx.Generic(RunInfoAtFlag.Name).(*StepMatcherFlag).Matcher()

	start := time.Now()
	startCycle := state.Cycle

	for !state.Exited {
		if state.Cycle&127 == 0 { // don't do the ctx err check (includes lock) too often
			if err := ctx.Context.Err(); err != nil {
				break
			}
		}
		if stopAtCycle != 0 && state.Cycle >= stopAtCycle {
			break
		}
		if stopAt(state) {
			break
		}

		if infoAt(state) {
			delta := time.Since(start)
			l.Info("processing",
				"cycle", state.Cycle,
				"pc", HexU64(state.PC),
				"insn", HexU32(state.Instr()),
				"ips", float64(state.Cycle-startCycle)/(float64(delta)/float64(time.Second)),
				"shards", engine.ShardCount(),
				"mem", state.Memory.Usage(),
				"name", lookupSymbol(state.PC),
			)
		}

		if err := engine.Step(); err != nil {
			if ferr := engine.Fail(); ferr != nil {
				l.Error("failed to close shard accounting after trap", "err", ferr)
			}
			return fmt.Errorf("execution failed: %w", err)
		}
	}
	if err := engine.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize shards: %w", err)
	}

	elapsed := time.Since(start)
	l.Info("execution done",
		"exited", state.Exited,
		"exitCode", state.ExitCode,
		"cycles", state.Cycle,
		"shards", engine.ShardCount(),
		"elapsed", elapsed,
		"mhz", float64(state.Cycle-startCycle)/(float64(elapsed)/float64(time.Second))/1_000_000,
	)
	for num, count := range engine.SyscallCounts() {
		l.Debug("syscall count", "num", num, "count", count)
	}

	if err := WriteJSON(ctx.Path(RunOutputFlag.Name), state); err != nil {
		return fmt.Errorf("failed to write state output: %w", err)
	}
	return nil
}

var RunCommand = &cli.Command{
	Name:        "run",
	Usage:       "Run a guest program and emit shard artifacts.",
	Description: "Run a guest program from a JSON state file, partitioning execution into fixed-size shards for the proving pipeline. See flags to stop early, trace, or tune sharding.",
	Action:      Run,
	Flags: []cli.Flag{
		RunInputFlag,
		RunOutputFlag,
		RunShardDirFlag,
		RunShardSizeFlag,
		RunTraceFlag,
		RunStopAtCycleFlag,
		RunStopAtFlag,
		RunInfoAtFlag,
		RunNoMulDivFlag,
		RunNoAtomicsFlag,
		RunUnknownSyscallsFlag,
		RunMetaELFFlag,
		RunPProfCPU,
	},
}
