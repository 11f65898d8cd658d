// Package trace is the append-only output buffer a per-CPU decoder
// writes to and a consumer reads back: a byte stream of coalesced,
// run-length records (consecutive same-kind events become one record
// instead of one-per-event) plus a per-thread index of the spans that
// stream covers.
//
// This is a direct translation of decode_result.cpp's TraceData (the
// buffer), TraceDataRecord (the writer), and TraceDataAccess (the
// cursor reader), generalized from a single growable malloc'd buffer
// to Go's append-driven slice growth.
package trace

import (
	"fmt"
	"sort"

	"github.com/jportal-trace/decode/codelet"
	"github.com/jportal-trace/decode/jitsection"
)

// ThreadSplit is one contiguous span of a thread's activity within a
// Data's byte stream, with PT-loss flags for whatever preceded/follows
// it that the decoder could not account for.
type ThreadSplit struct {
	TID        int64
	StartAddr  uint64 // offset into Data.bytes where this span begins
	EndAddr    uint64 // offset one past the span's last record; ^uint64(0) while open
	StartTime  uint64
	EndTime    uint64
	HeadLoss   bool
	TailLoss   bool
}

// OpenEndAddr marks a ThreadSplit whose end has not yet been recorded.
const OpenEndAddr = ^uint64(0)

// recordTag is the one-byte discriminator prefixing every record in a
// Data's byte stream. Values below tagBytecode (0xf0) alias
// codelet.Kind values directly (single-shot codelet markers); Bytecode and JIT
// spans get dedicated tags so their run-length payload can be told
// apart from a bare codelet marker.
type recordTag uint8

const (
	tagBytecode recordTag = 0xf0 + iota
	tagJIT
)

// Data is the append-only record buffer one decode job (or, after
// merging, one whole capture) produces.
type Data struct {
	bytes      []byte
	methodInfo map[uint64]int32 // offset -> method index, set at method_entry records
	threads    map[int64][]ThreadSplit
}

// NewData returns an empty Data sized for roughly one decode job's
// worth of output; it grows by doubling as needed, same as
// TraceData::expand_data's growth-by-fixed-chunk but using Go's
// built-in slice growth instead of manual realloc.
func NewData() *Data {
	return &Data{
		bytes:      make([]byte, 0, 1<<16),
		methodInfo: make(map[uint64]int32),
		threads:    make(map[int64][]ThreadSplit),
	}
}

// Threads returns the per-thread span index built so far.
func (d *Data) Threads() map[int64][]ThreadSplit { return d.threads }

// Len reports the number of bytes written to the record stream so far.
func (d *Data) Len() uint64 { return uint64(len(d.bytes)) }

// openRun names what kind of coalesced run, if any, is currently open
// at the tail of the byte stream.
type openRun int

const (
	runNone openRun = iota
	runBytecode
	runJIT
)

// Recorder writes coalesced records to one Data on behalf of a single
// decoding thread of control. A Recorder is not safe for concurrent
// use; package pool gives each worker its own Recorder over its own
// Data and merges the results afterward.
type Recorder struct {
	data *Data

	run      openRun
	runLenAt int // byte offset of the current run's length prefix

	// lastCodelet mirrors decode_result.cpp's codelet_type: the kind
	// of the most recently written record, used only to recognize the
	// method_entry erasure pattern. Starting a bytecode or JIT run sets
	// it to Bytecode; a thread switch resets it to Illegal.
	lastCodelet codelet.Kind
	lastSection *jitsection.CompiledSection
	lastVariant JITEntry

	thread  *ThreadSplit // currently scheduled thread's open span, or nil
	curTime uint64
}

// JITEntry classifies which _jitcode* record variant a compiled-code
// PC produces, mirroring the runtime's own entry-selection rule: an
// OSR reentry, a fresh call into the section's (verified) entry point,
// or an ordinary mid-method PC. A run of JIT PCs only coalesces while
// both the section and this variant stay the same — a variant change
// with no section change (e.g. a call back into the same method's
// entry point) still starts a new record.
type JITEntry int

const (
	JITPlain JITEntry = iota
	JITEntryPoint
	JITOSREntry
)

// NewRecorder returns a Recorder writing to a fresh Data.
func NewRecorder() *Recorder {
	return &Recorder{data: NewData(), lastCodelet: codelet.Illegal}
}

// Data returns the Data this Recorder has been writing to.
func (r *Recorder) Data() *Data { return r.data }

func (r *Recorder) write(b ...byte) {
	r.data.bytes = append(r.data.bytes, b...)
}

// AddBytecode appends one interpreted bytecode to the currently open
// run, starting a new tagBytecode run if the last record wasn't one.
func (r *Recorder) AddBytecode(time uint64, op uint8) {
	r.curTime = time
	if r.run != runBytecode {
		r.run = runBytecode
		r.lastCodelet = codelet.Bytecode
		r.runLenAt = len(r.data.bytes) + 1
		r.write(byte(tagBytecode), 0)
	}
	r.write(op)
	r.data.bytes[r.runLenAt]++
}

// AddJIT appends one compiled-method PC to the currently open JIT run.
// A new run starts whenever the section changes, the entry variant
// differs from the run's variant, or pc is itself an entry point: a
// direct call into a compiled method's entry or verified entry point
// always opens its own record, even immediately following another hit
// on the same section and variant, since each such call is a distinct
// activation rather than a continuation of the run in progress.
func (r *Recorder) AddJIT(time uint64, section *jitsection.CompiledSection, pc uint64, variant JITEntry) {
	r.curTime = time
	if r.run != runJIT || r.lastSection != section || r.lastVariant != variant || variant == JITEntryPoint {
		r.run = runJIT
		r.lastCodelet = codelet.Bytecode // compiled code carries no interpreter codelet kind of its own
		r.runLenAt = len(r.data.bytes) + 1
		r.write(byte(tagJIT), 0)
		r.lastSection = section
		r.lastVariant = variant
	}
	writeU64(r, pc)
	r.data.bytes[r.runLenAt]++
}

func writeU64(r *Recorder, v uint64) {
	r.write(byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

// AddCodelet records a single-shot codelet boundary (method entry,
// thrown exception entry, deopt entry, etc.), applying the
// method_entry erasure rule: a _method_entry marker immediately
// followed by a return-path codelet (invoke_return and friends, or a
// native result handler) is spurious — PT occasionally reports
// re-entering the method entry codelet right before an immediate
// return, with no bytecode executed in between — and is rewound
// instead of kept.
func (r *Recorder) AddCodelet(kind codelet.Kind) error {
	r.run = runNone
	switch kind {
	case codelet.MethodEntry,
		codelet.ThrowArrayIndexOutOfBounds, codelet.ThrowArrayStore, codelet.ThrowArithmetic,
		codelet.ThrowClassCast, codelet.ThrowNullPointer, codelet.ThrowStackOverflow,
		codelet.RethrowException, codelet.DeoptEntry, codelet.DeoptReexecuteReturn,
		codelet.ThrowException, codelet.RemoveActivation, codelet.RemoveActivationPreservingArgs:
		r.lastCodelet = kind
		r.write(byte(kind))
		return nil

	case codelet.InvokeReturnEntry, codelet.InvokeDynamicReturnEntry, codelet.InvokeInterfaceReturnEntry:
		if r.lastCodelet == codelet.MethodEntry {
			r.data.bytes = r.data.bytes[:len(r.data.bytes)-1]
			r.lastCodelet = codelet.Illegal
			return nil
		}
		r.lastCodelet = kind
		r.write(byte(kind))
		return nil

	case codelet.ResultHandlerForNativeCall:
		if r.lastCodelet == codelet.MethodEntry {
			r.data.bytes = r.data.bytes[:len(r.data.bytes)-1]
		}
		r.lastCodelet = codelet.Illegal
		return nil

	default:
		r.lastCodelet = codelet.Illegal
		return fmt.Errorf("trace: unexpected codelet kind %v in AddCodelet", kind)
	}
}

// AddMethodInfo records that the most recently opened method_entry
// record identifies methodIdx, so a reader encountering this offset
// can recover which method is being entered.
func (r *Recorder) AddMethodInfo(methodIdx int32) {
	if r.lastCodelet == codelet.MethodEntry {
		r.data.methodInfo[uint64(len(r.data.bytes))] = methodIdx
	}
}

// SwitchOut closes the currently scheduled thread's span at the
// current position, flagging tail loss if the PT stream lost sync
// before the switch was observed.
func (r *Recorder) SwitchOut(loss bool) {
	r.run = runNone
	r.lastCodelet = codelet.Illegal
	if r.thread != nil {
		r.thread.EndAddr = uint64(len(r.data.bytes))
		r.thread.EndTime = r.curTime
		r.thread.TailLoss = loss
		r.writeBack()
	}
	r.thread = nil
}

// SwitchIn opens a new span for tid at time, inserted in start-time
// order among tid's existing spans (the decoder may process windows
// for the same CPU out of strict time order before the final merge).
func (r *Recorder) SwitchIn(tid int64, time uint64, loss bool) {
	if r.thread != nil && r.thread.TID == tid && !loss {
		return
	}
	r.curTime = time

	spans := r.data.threads[tid]
	span := ThreadSplit{TID: tid, StartAddr: uint64(len(r.data.bytes)), EndAddr: OpenEndAddr, StartTime: time, EndTime: time, HeadLoss: loss}

	i := 0
	for ; i < len(spans); i++ {
		if time < spans[i].StartTime {
			break
		}
	}
	spans = append(spans, ThreadSplit{})
	copy(spans[i+1:], spans[i:])
	spans[i] = span
	r.data.threads[tid] = spans

	r.thread = &r.data.threads[tid][i]
	r.run = runNone
	r.lastCodelet = codelet.Illegal
}

// writeBack persists r.thread's mutated fields into the backing slice;
// needed because SwitchIn may reallocate data.threads[tid] after
// r.thread was taken as a pointer into the old backing array.
func (r *Recorder) writeBack() {
	spans := r.data.threads[r.thread.TID]
	for i := range spans {
		if &spans[i] == r.thread {
			return
		}
	}
	// Pointer identity was lost to a slice grow; find by StartAddr
	// instead (unique per span) and copy the mutated fields back.
	for i := range spans {
		if spans[i].StartAddr == r.thread.StartAddr && spans[i].EndAddr == OpenEndAddr {
			spans[i] = *r.thread
			return
		}
	}
}

// Reader walks a Data's record stream from a given starting offset,
// yielding each record's codelet kind and its byte offset.
type Reader struct {
	data     *Data
	pos, end int
}

// NewReader returns a Reader over the full extent of data.
func NewReader(data *Data) *Reader {
	return &Reader{data: data, pos: 0, end: len(data.bytes)}
}

// NewReaderRange returns a Reader over [begin, end) of data's byte
// stream, clamped to data's actual bounds.
func NewReaderRange(data *Data, begin, end uint64) *Reader {
	b, e := int(begin), int(end)
	if b < 0 || b > len(data.bytes) {
		b = len(data.bytes)
	}
	if e > len(data.bytes) {
		e = len(data.bytes)
	}
	return &Reader{data: data, pos: b, end: e}
}

// JITKind is the Record.Kind value for a coalesced compiled-code PC
// run. It is not a member of codelet.Kind (compiled code has no
// interpreter codelet of its own) and is chosen outside that enum's
// range so it can never collide with a genuine codelet value.
const JITKind codelet.Kind = 1 << 8

// Record is one decoded entry from a Reader.
type Record struct {
	Kind   codelet.Kind
	Offset uint64 // offset of this record's tag byte

	// Bytecodes is set when Kind == codelet.Bytecode: the run of
	// opcodes sharing this record.
	Bytecodes []uint8

	// JITPCs is set when Kind == JITKind: the run of raw PCs sharing
	// this record. Resolving each PC to a jitsection.PCInfo is the
	// consumer's job (Reader has no section registry reference).
	JITPCs []uint64
}

// Next decodes the next record, or returns ok=false at end of range.
func (rd *Reader) Next() (Record, bool) {
	if rd.pos >= rd.end {
		return Record{}, false
	}
	start := rd.pos
	tag := recordTag(rd.data.bytes[rd.pos])

	switch tag {
	case tagBytecode:
		n := int(rd.data.bytes[rd.pos+1])
		rd.pos += 2
		ops := append([]uint8(nil), rd.data.bytes[rd.pos:rd.pos+n]...)
		rd.pos += n
		return Record{Kind: codelet.Bytecode, Offset: uint64(start), Bytecodes: ops}, true

	case tagJIT:
		n := int(rd.data.bytes[rd.pos+1])
		rd.pos += 2
		pcs := make([]uint64, n)
		for i := 0; i < n; i++ {
			pcs[i] = le64(rd.data.bytes[rd.pos:])
			rd.pos += 8
		}
		return Record{Kind: JITKind, Offset: uint64(start), JITPCs: pcs}, true

	default:
		rd.pos++
		return Record{Kind: codelet.Kind(int8(tag)), Offset: uint64(start)}, true
	}
}

// MethodAt returns the method index recorded at a method_entry record
// ending at offset, if any.
func (d *Data) MethodAt(offset uint64) (int32, bool) {
	idx, ok := d.methodInfo[offset]
	return idx, ok
}

// SetMethodInfo records that the method_entry record ending at offset
// identifies methodIdx. A raw PT method_entry hit carries no method
// identity on its own (see package decoder); package pool calls this
// in a single-threaded pass after every worker has finished and its
// output has been merged, matching each method_entry record up with
// the dump replay's per-thread occurrence order.
func (d *Data) SetMethodInfo(offset uint64, idx int32) {
	d.methodInfo[offset] = idx
}

// Merge concatenates datas' byte streams, in the order given, and
// merges their per-thread split indexes by start time, producing the
// same shape of Data one single decode pass over the whole capture
// would have. Callers (package pool) are responsible for ordering
// datas by (cpu, window) first, per the runtime's merge ordering rule.
func Merge(datas []*Data) *Data {
	out := NewData()
	for _, d := range datas {
		base := uint64(len(out.bytes))
		out.bytes = append(out.bytes, d.bytes...)
		for off, idx := range d.methodInfo {
			out.methodInfo[off+base] = idx
		}
		for tid, spans := range d.threads {
			for _, s := range spans {
				s.StartAddr += base
				if s.EndAddr != OpenEndAddr {
					s.EndAddr += base
				}
				out.threads[tid] = insertSplit(out.threads[tid], s)
			}
		}
	}
	return out
}

func insertSplit(spans []ThreadSplit, s ThreadSplit) []ThreadSplit {
	i := sort.Search(len(spans), func(i int) bool { return spans[i].StartTime > s.StartTime })
	spans = append(spans, ThreadSplit{})
	copy(spans[i+1:], spans[i:])
	spans[i] = s
	return spans
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
