package fast

// RegDelta records one architectural register write.
type RegDelta struct {
	Reg uint8  `json:"reg"`
	Old uint64 `json:"old"`
	New uint64 `json:"new"`
}

// MemDelta records one memory write of 1-8 bytes, values little-endian.
type MemDelta struct {
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size"`
	Old  uint64 `json:"old"`
	New  uint64 `json:"new"`
}

// TraceRecord is the witness material for one retired instruction.
type TraceRecord struct {
	Cycle uint64 `json:"cycle"`
	PC    uint64 `json:"pc"`
	Instr uint32 `json:"instr"`

	RegWrites []RegDelta `json:"regWrites,omitempty"`
	MemWrites []MemDelta `json:"memWrites,omitempty"`
}

// TraceSink receives the accumulated records of a shard when the shard
// closes. Ownership of the slice transfers to the sink.
type TraceSink interface {
	FlushTrace(shardIndex uint64, records []TraceRecord) error
}

// TraceRecorder accumulates per-instruction state deltas between shard
// boundaries. A nil recorder imposes no work on the execution loop beyond
// the nil check.
type TraceRecorder struct {
	sink    TraceSink
	records []TraceRecord
	cur     TraceRecord
}

func NewTraceRecorder(sink TraceSink) *TraceRecorder {
	return &TraceRecorder{sink: sink}
}

// Begin opens the record for the instruction about to execute.
func (tr *TraceRecorder) Begin(cycle, pc uint64, instr uint32) {
	tr.cur = TraceRecord{Cycle: cycle, PC: pc, Instr: instr}
}

func (tr *TraceRecorder) RecordRegWrite(reg uint8, old, new uint64) {
	tr.cur.RegWrites = append(tr.cur.RegWrites, RegDelta{Reg: reg, Old: old, New: new})
}

func (tr *TraceRecorder) RecordMemWrite(addr, size, old, new uint64) {
	tr.cur.MemWrites = append(tr.cur.MemWrites, MemDelta{Addr: addr, Size: size, Old: old, New: new})
}

// Retire commits the open record. Records of trapped instructions are
// dropped by never retiring them.
func (tr *TraceRecorder) Retire() {
	tr.records = append(tr.records, tr.cur)
	tr.cur = TraceRecord{}
}

// Flush hands the accumulated records to the sink, tagged with the closing
// shard's index, and starts a fresh buffer.
func (tr *TraceRecorder) Flush(shardIndex uint64) error {
	records := tr.records
	tr.records = nil
	if tr.sink == nil {
		return nil
	}
	return tr.sink.FlushTrace(shardIndex, records)
}

func (tr *TraceRecorder) Pending() int {
	return len(tr.records)
}
