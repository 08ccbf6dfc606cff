package fast

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DefaultShardSize is the number of retired instructions per shard handed
// to the parallel proving pipeline.
const DefaultShardSize = 2_000_000

// ShardComplete is the artifact emitted when a shard closes: a contiguous
// cycle span plus a self-contained post-state snapshot. The witness holds
// no alias into live memory, so a consumer may process it while execution
// continues into the next shard.
type ShardComplete struct {
	Index uint64 `json:"index"`

	// Cycle span [StartCycle, EndCycle) covered by this shard.
	StartCycle uint64 `json:"startCycle"`
	EndCycle   uint64 `json:"endCycle"`

	// Partial marks the terminal shard of a run that did not fill a whole
	// span. Failed marks the span that was open when execution trapped; it
	// accounts for its cycles but must not be proven as a complete shard.
	Partial bool `json:"partial"`
	Failed  bool `json:"failed"`

	Witness   hexutil.Bytes `json:"witness"`
	StateHash common.Hash   `json:"stateHash"`
}

// Cycles is the number of instructions retired within the shard.
func (sc *ShardComplete) Cycles() uint64 {
	return sc.EndCycle - sc.StartCycle
}

// ShardSink consumes shard artifacts as they are emitted, in index order.
type ShardSink func(*ShardComplete) error

// ShardManager observes the cycle counter after every retired instruction
// and closes a shard each time the counter crosses a multiple of the shard
// size. Shards are indexed from 0, contiguous, and together account for
// every retired cycle in every termination mode.
type ShardManager struct {
	size uint64
	sink ShardSink

	next      uint64 // index of the currently open shard
	start     uint64 // first cycle of the currently open shard
	accounted uint64 // cycles covered by emitted artifacts
	done      bool
}

func NewShardManager(size uint64, sink ShardSink) *ShardManager {
	if size == 0 {
		size = DefaultShardSize
	}
	return &ShardManager{size: size, sink: sink}
}

func (sm *ShardManager) emit(s *VMState, partial, failed bool) error {
	wit, err := s.EncodeWitness()
	if err != nil {
		return err
	}
	sc := &ShardComplete{
		Index:      sm.next,
		StartCycle: sm.start,
		EndCycle:   s.Cycle,
		Partial:    partial,
		Failed:     failed,
		Witness:    hexutil.Bytes(wit),
		StateHash:  wit.StateHash(),
	}
	sm.accounted += sc.Cycles()
	sm.next++
	sm.start = s.Cycle
	if sm.sink == nil {
		return nil
	}
	return sm.sink(sc)
}

// OnRetire must be called after every retired instruction. It closes and
// emits the open shard when the counter reaches the next size multiple.
func (sm *ShardManager) OnRetire(s *VMState) error {
	if s.Cycle-sm.start < sm.size {
		return nil
	}
	if s.Cycle-sm.start > sm.size {
		return fmt.Errorf("%w: boundary overshoot, shard %d spans %d cycles",
			ErrShardAccounting, sm.next, s.Cycle-sm.start)
	}
	return sm.emit(s, false, false)
}

// Finalize closes the run after a normal exit or a host-requested stop,
// emitting a terminal partial shard for any remaining cycles and checking
// that the emitted spans cover the retired total exactly.
func (sm *ShardManager) Finalize(s *VMState) error {
	if sm.done {
		return nil
	}
	sm.done = true
	if s.Cycle > sm.start {
		if err := sm.emit(s, true, false); err != nil {
			return err
		}
	}
	return sm.checkAccounting(s)
}

// Fail closes the run after a trap. The open span is emitted explicitly
// marked failed, covering the cycles that retired before the fault, so the
// artifact sequence still accounts for the whole run.
func (sm *ShardManager) Fail(s *VMState) error {
	if sm.done {
		return nil
	}
	sm.done = true
	if s.Cycle > sm.start {
		if err := sm.emit(s, true, true); err != nil {
			return err
		}
	}
	return sm.checkAccounting(s)
}

func (sm *ShardManager) checkAccounting(s *VMState) error {
	if sm.accounted != s.Cycle {
		return fmt.Errorf("%w: %d cycles accounted over %d shards, but %d retired",
			ErrShardAccounting, sm.accounted, sm.next, s.Cycle)
	}
	return nil
}

// AccountedCycles is the cycle total covered by emitted artifacts so far.
func (sm *ShardManager) AccountedCycles() uint64 {
	return sm.accounted
}

// NextIndex is the index of the currently open shard.
func (sm *ShardManager) NextIndex() uint64 {
	return sm.next
}
