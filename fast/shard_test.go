package fast

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardexec/shardexec/riscv"
)

func collectShards(e *Engine) *[]*ShardComplete {
	out := new([]*ShardComplete)
	e.SetShardSink(func(sc *ShardComplete) error {
		*out = append(*out, sc)
		return nil
	})
	return out
}

// exitProgram runs a short dependency chain and then exits with code 15.
// a7 carries the exit syscall number from the start.
func exitState(t *testing.T) *VMState {
	s := testState(t, 0x10000, AlignFault,
		addi(10, 0, 5),
		addi(10, 10, 10),
		ecall(),
	)
	s.Registers[riscv.RegA7] = riscv.SysExit
	return s
}

func TestShardTerminalPartialOnExit(t *testing.T) {
	s := exitState(t)
	e := testEngine(t, s, testConfig())
	shards := collectShards(e)

	res, err := e.Run(context.Background())
	require.NoError(t, err)

	require.True(t, res.Exited)
	require.Equal(t, uint8(15), res.ExitCode)
	require.Equal(t, uint64(3), res.Cycles)
	require.Equal(t, uint64(1), res.Shards)

	require.Len(t, *shards, 1)
	sc := (*shards)[0]
	require.Equal(t, uint64(0), sc.Index)
	require.Equal(t, uint64(0), sc.StartCycle)
	require.Equal(t, uint64(3), sc.EndCycle)
	require.True(t, sc.Partial)
	require.False(t, sc.Failed)

	// The artifact snapshot is the post-exit state.
	wit, err := s.EncodeWitness()
	require.NoError(t, err)
	require.Equal(t, wit.StateHash(), sc.StateHash)
}

func TestShardBoundaries(t *testing.T) {
	// 9 retired instructions then an exit, over shards of 4.
	program := make([]uint32, 0, 10)
	for i := 0; i < 9; i++ {
		program = append(program, addi(1, 1, 1))
	}
	program = append(program, ecall())
	s := testState(t, 0x10000, AlignFault, program...)
	s.Registers[riscv.RegA7] = riscv.SysExit

	cfg := testConfig()
	cfg.ShardSize = 4
	e := testEngine(t, s, cfg)
	shards := collectShards(e)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(10), res.Cycles)
	require.Equal(t, uint64(3), res.Shards)

	require.Len(t, *shards, 3)
	var total uint64
	for i, sc := range *shards {
		require.Equal(t, uint64(i), sc.Index)
		total += sc.Cycles()
	}
	require.Equal(t, res.Cycles, total)

	// Contiguous spans: each shard starts where the previous ended.
	require.Equal(t, uint64(0), (*shards)[0].StartCycle)
	require.Equal(t, (*shards)[0].EndCycle, (*shards)[1].StartCycle)
	require.Equal(t, (*shards)[1].EndCycle, (*shards)[2].StartCycle)

	require.False(t, (*shards)[0].Partial)
	require.False(t, (*shards)[1].Partial)
	require.True(t, (*shards)[2].Partial)
	require.Equal(t, uint64(2), (*shards)[2].Cycles())

	// A full shard's witness resumes at its boundary cycle.
	mid, err := StateFromWitness(StateWitness((*shards)[0].Witness))
	require.NoError(t, err)
	require.Equal(t, uint64(4), mid.Cycle)
	require.Equal(t, uint64(4), mid.Register(1))
}

func TestShardBoundaryAtFullSize(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a full default-size shard")
	}
	// Spin one cycle past a full shard, stopped by the host.
	s := testState(t, 0x1000, AlignFault, encJ(0, 0))
	cfg := testConfig()
	cfg.MemorySize = 0x1000
	cfg.StopAtCycle = DefaultShardSize + 1
	e := testEngine(t, s, cfg)
	shards := collectShards(e)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Stopped)
	require.Equal(t, uint64(DefaultShardSize+1), res.Cycles)

	require.Len(t, *shards, 2)
	require.Equal(t, uint64(DefaultShardSize), (*shards)[0].Cycles())
	require.False(t, (*shards)[0].Partial)
	require.Equal(t, uint64(1), (*shards)[1].Cycles())
	require.True(t, (*shards)[1].Partial)
}

func TestShardFailedSpanOnTrap(t *testing.T) {
	s := testState(t, 0x10000, AlignFault,
		addi(1, 0, 0x101),
		addi(2, 0, 1),
		encI(riscv.OpLoad, 3, 2, 1, 0), // lw from misaligned 0x101
	)
	e := testEngine(t, s, testConfig())
	shards := collectShards(e)

	res, err := e.Run(context.Background())
	var trap *TrapError
	require.ErrorAs(t, err, &trap)
	require.Equal(t, uint64(8), trap.PC)
	require.Equal(t, uint64(2), trap.Cycle)

	// Two instructions retired before the fault; the open span is emitted
	// marked failed so the artifacts still cover the full run.
	require.Equal(t, uint64(2), res.Cycles)
	require.False(t, res.Exited)
	require.Len(t, *shards, 1)
	sc := (*shards)[0]
	require.True(t, sc.Partial)
	require.True(t, sc.Failed)
	require.Equal(t, uint64(2), sc.Cycles())
}

func TestShardTrapAtBoundaryEmitsNoFailedSpan(t *testing.T) {
	// The trap lands exactly on a shard boundary: the completed shard was
	// already emitted and no cycles remain unaccounted.
	s := testState(t, 0x10000, AlignFault,
		addi(1, 0, 0x101),
		addi(2, 0, 1),
		encI(riscv.OpLoad, 3, 2, 1, 0),
	)
	cfg := testConfig()
	cfg.ShardSize = 2
	e := testEngine(t, s, cfg)
	shards := collectShards(e)

	_, err := e.Run(context.Background())
	var trap *TrapError
	require.ErrorAs(t, err, &trap)

	require.Len(t, *shards, 1)
	require.False(t, (*shards)[0].Partial)
	require.False(t, (*shards)[0].Failed)
	require.Equal(t, uint64(2), (*shards)[0].Cycles())
}

func TestShardDeterminism(t *testing.T) {
	hashes := func() []string {
		s := exitState(t)
		cfg := testConfig()
		cfg.ShardSize = 2
		e := testEngine(t, s, cfg)
		shards := collectShards(e)
		_, err := e.Run(context.Background())
		require.NoError(t, err)
		var out []string
		for _, sc := range *shards {
			out = append(out, sc.StateHash.Hex())
		}
		return out
	}

	first := hashes()
	require.Len(t, first, 2)
	require.Equal(t, first, hashes())
	require.NotEqual(t, first[0], first[1])
}

func TestShardManagerOvershoot(t *testing.T) {
	sm := NewShardManager(4, nil)
	s := NewVMState(0x100, AlignFault)
	s.Cycle = 5 // skipped past the boundary without closing

	err := sm.OnRetire(s)
	require.ErrorIs(t, err, ErrShardAccounting)
}

func TestShardManagerFinalizeIdempotent(t *testing.T) {
	sm := NewShardManager(4, nil)
	s := NewVMState(0x100, AlignFault)
	s.Cycle = 3

	require.NoError(t, sm.Finalize(s))
	require.Equal(t, uint64(3), sm.AccountedCycles())
	require.Equal(t, uint64(1), sm.NextIndex())

	// Closing again must not double-emit.
	require.NoError(t, sm.Finalize(s))
	require.NoError(t, sm.Fail(s))
	require.Equal(t, uint64(1), sm.NextIndex())
}

func TestShardSinkErrorSurfaces(t *testing.T) {
	sinkErr := errors.New("spool full")
	s := testState(t, 0x10000, AlignFault, addi(1, 1, 1), addi(1, 1, 1))
	cfg := testConfig()
	cfg.ShardSize = 1
	e := testEngine(t, s, cfg)
	e.SetShardSink(func(sc *ShardComplete) error { return sinkErr })

	err := e.Step()
	require.ErrorIs(t, err, sinkErr)
}
