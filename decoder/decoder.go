// Package decoder drives one per-CPU decode job to completion: it
// walks a PSB-bounded PT slice instruction-pointer event by event,
// classifies each one against the frozen codelet and JIT section
// tables, interleaves the CPU's sideband schedule to track which
// thread owns the bytes currently being decoded, and writes coalesced
// records through a trace.Recorder.
//
// This is the direct translation of decode_result.cpp's decode loop
// (TraceData::add_* call sites driven by the PT decode callback),
// generalized from a single global decoder invocation to one
// independent call per split.Job so package pool can run many
// concurrently.
package decoder

import (
	"fmt"

	"github.com/jportal-trace/decode/codelet"
	"github.com/jportal-trace/decode/internal/ptpkt"
	"github.com/jportal-trace/decode/jitsection"
	"github.com/jportal-trace/decode/perffile"
	"github.com/jportal-trace/decode/sideband"
	"github.com/jportal-trace/decode/split"
	"github.com/jportal-trace/decode/trace"
)

// Shared is the frozen, read-only state every decode job consults.
// It is built once on the main thread by replaying the dump log and
// deriving the capture's time conversion constants, before any worker
// starts; nothing here is mutated once decoding begins.
type Shared struct {
	Codelets     *codelet.Table
	Sections     *jitsection.Registry
	TimeConv     sideband.TimeConv
	SampleFormat perffile.SampleFormat
}

// Decode walks job's PT slice to completion and returns the trace.Data
// it produced. A non-nil error is returned only for a config/io-class
// failure (per the error-handling taxonomy): building the job's
// sideband schedule fails. Every other recoverable condition — PT
// desync, an IP matching neither table, a malformed codelet sequence —
// is folded into a ThreadSplit loss marker or silently dropped; it
// never aborts the job.
func Decode(job split.Job, shared *Shared) (*trace.Data, error) {
	sched, err := sideband.Build(job.Sideband, shared.SampleFormat, shared.TimeConv)
	if err != nil {
		return nil, fmt.Errorf("decoder: cpu %d window %d: %w", job.CPU, job.Window, err)
	}

	rec := trace.NewRecorder()
	cur := ptpkt.NewCursor(job.PT, 0)

	d := &decodeState{rec: rec, sched: sched}

	for {
		ev, ok := cur.Next()
		if !ok {
			if cur.Pos() < len(job.PT) {
				// The cursor stopped on a packet it doesn't recognize,
				// not clean end of data: the stream desynced before
				// this window's true end. Fold it into tail loss
				// rather than treating it as fatal; the next window
				// starts fresh at a PSB regardless.
				d.closeThread(true)
			} else {
				d.closeThread(false)
			}
			break
		}

		d.observeSwitch(ev.TSC)
		if !d.haveThread {
			continue
		}
		d.classify(shared, ev)
	}

	return rec.Data(), nil
}

// decodeState carries the small amount of mutable state the decode
// loop threads between events: which thread currently owns the
// stream, and enough of the last interpreted bytecode to resolve the
// OSR-entry record variant.
type decodeState struct {
	rec   *trace.Recorder
	sched *sideband.Schedule

	haveThread bool
	curTID     int64

	haveLastOp bool
	lastOp     uint8
}

// observeSwitch consults the sideband schedule at tsc and emits a
// switch_out/switch_in pair if the scheduled thread differs from the
// one currently recorded, per the runtime's switch_in no-op rule (same
// tid, no loss -> nothing to do).
func (d *decodeState) observeSwitch(tsc uint64) {
	tid, loss, ok := d.sched.ThreadAt(tsc)
	if !ok {
		// Nothing scheduled at this TSC (e.g. before the first sideband
		// switch, or the CPU went idle): stop attributing bytes to any
		// thread until the schedule resumes.
		d.closeThread(loss)
		return
	}
	if d.haveThread && d.curTID == int64(tid) && !loss {
		return
	}
	d.closeThread(false)
	d.rec.SwitchIn(int64(tid), tsc, loss)
	d.curTID = int64(tid)
	d.haveThread = true
	d.haveLastOp = false
}

func (d *decodeState) closeThread(loss bool) {
	if !d.haveThread {
		return
	}
	d.rec.SwitchOut(loss)
	d.haveThread = false
	d.haveLastOp = false
}

// classify resolves one IP-carrying event against the JIT registry
// first, then the codelet table, and records it.
func (d *decodeState) classify(shared *Shared, ev ptpkt.Event) {
	if cms, _, ok := shared.Sections.Find(ev.IP); ok {
		variant := entryVariant(cms, ev.IP, d.haveLastOp, d.lastOp)
		d.rec.AddJIT(ev.TSC, cms, ev.IP, variant)
		d.haveLastOp = false
		return
	}

	kind, code := shared.Codelets.Classify(ev.IP)
	switch kind {
	case codelet.Illegal:
		// bad_ip: matches neither table. Expected for non-instrumented
		// code (VM runtime helpers, libc, etc); silently dropped.
		return

	case codelet.Bytecode:
		d.rec.AddBytecode(ev.TSC, uint8(code))
		d.lastOp = uint8(code)
		d.haveLastOp = true

	default:
		if err := d.rec.AddCodelet(kind); err != nil {
			// format: a codelet kind AddCodelet doesn't expect as a
			// standalone point event. Drop and keep decoding; this
			// span's loss is already reflected at the enclosing
			// ThreadSplit level if PT itself desynced.
			return
		}
		d.haveLastOp = false
	}
}

// entryVariant selects which _jitcode* record variant ip produces,
// per the runtime's rule: an OSR reentry only counts if the preceding
// bytecode was a branch that could have triggered one; a call straight
// into the section's (verified) entry point is a fresh entry;
// everything else is an ordinary mid-method PC.
func entryVariant(cms *jitsection.CompiledSection, ip uint64, haveLastOp bool, lastOp uint8) trace.JITEntry {
	switch {
	case ip == cms.OSREntryPoint && haveLastOp && isBranchOpcode(lastOp):
		return trace.JITOSREntry
	case ip == cms.EntryPoint || ip == cms.VerifiedEntryPoint:
		return trace.JITEntryPoint
	default:
		return trace.JITPlain
	}
}

// isBranchOpcode reports whether op is one of the JVM bytecode set's
// control-transfer opcodes (the conditional ifs, goto, goto_w, jsr,
// jsr_w) that a compiler's on-stack-replacement check is attached to.
func isBranchOpcode(op uint8) bool {
	switch {
	case op >= 153 && op <= 168: // ifeq..if_acmpne, goto, jsr
		return true
	case op == 200 || op == 201: // goto_w, jsr_w
		return true
	case op == 198 || op == 199: // ifnull, ifnonnull
		return true
	default:
		return false
	}
}
