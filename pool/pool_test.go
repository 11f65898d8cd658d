package pool

import (
	"context"
	"testing"

	"github.com/jportal-trace/decode/codelet"
	"github.com/jportal-trace/decode/decoder"
	"github.com/jportal-trace/decode/dump"
	"github.com/jportal-trace/decode/jitsection"
	"github.com/jportal-trace/decode/perffile"
	"github.com/jportal-trace/decode/sideband"
	"github.com/jportal-trace/decode/split"
	"github.com/jportal-trace/decode/trace"
)

func TestOrderByCPUWindow(t *testing.T) {
	jobs := []split.Job{
		{CPU: 1, Window: 0},
		{CPU: 0, Window: 1},
		{CPU: 0, Window: 0},
	}
	// results[i] is a sentinel tagged with the job it belongs to, so we
	// can check the reordering moved the right element.
	results := []*trace.Data{
		tagged(t, 100), // cpu1 window0
		tagged(t, 101), // cpu0 window1
		tagged(t, 102), // cpu0 window0
	}

	ordered := orderByCPUWindow(jobs, results)
	if len(ordered) != 3 {
		t.Fatalf("len(ordered) = %d, want 3", len(ordered))
	}
	// Expected order: (cpu0,window0)=results[2], (cpu0,window1)=results[1], (cpu1,window0)=results[0].
	if ordered[0] != results[2] || ordered[1] != results[1] || ordered[2] != results[0] {
		t.Fatal("orderByCPUWindow did not sort results into (cpu, window) order")
	}
}

// tagged returns a distinguishable *trace.Data value so identity
// comparisons in TestOrderByCPUWindow are meaningful.
func tagged(t *testing.T, tid int64) *trace.Data {
	t.Helper()
	r := trace.NewRecorder()
	r.SwitchIn(tid, 0, false)
	r.SwitchOut(false)
	return r.Data()
}

func TestResolveMethodEntries(t *testing.T) {
	r := trace.NewRecorder()
	r.SwitchIn(5, 100, false)
	if err := r.AddCodelet(codelet.MethodEntry); err != nil {
		t.Fatalf("AddCodelet: %v", err)
	}
	r.AddBytecode(101, 0x00) // keep the method_entry marker from being erased
	if err := r.AddCodelet(codelet.MethodEntry); err != nil {
		t.Fatalf("AddCodelet: %v", err)
	}
	r.AddBytecode(102, 0x00)
	r.SwitchOut(false)
	data := r.Data()

	entries := []dump.MethodEntryEvent{
		{TID: 5, Idx: 11},
		{TID: 5, Idx: 22},
	}
	resolveMethodEntries(data, entries)

	rd := trace.NewReader(data)
	var gotIdx []int32
	for {
		rec, ok := rd.Next()
		if !ok {
			break
		}
		if rec.Kind == codelet.MethodEntry {
			idx, ok := data.MethodAt(rec.Offset + 1)
			if !ok {
				t.Fatalf("MethodAt(%d) missing for a method_entry record", rec.Offset+1)
			}
			gotIdx = append(gotIdx, idx)
		}
	}
	if len(gotIdx) != 2 || gotIdx[0] != 11 || gotIdx[1] != 22 {
		t.Fatalf("resolved method indices = %v, want [11 22] (queue order)", gotIdx)
	}
}

func TestResolveMethodEntriesSkipsThreadsWithNoQueue(t *testing.T) {
	r := trace.NewRecorder()
	r.SwitchIn(9, 0, false)
	if err := r.AddCodelet(codelet.MethodEntry); err != nil {
		t.Fatalf("AddCodelet: %v", err)
	}
	r.AddBytecode(1, 0x00)
	r.SwitchOut(false)
	data := r.Data()

	// No entries at all for tid 9: resolveMethodEntries should leave
	// the record's method info unset rather than panicking.
	resolveMethodEntries(data, nil)
	if _, ok := data.MethodAt(1); ok {
		t.Fatal("MethodAt should be unset when no dump entries exist for the thread")
	}
}

func TestRunDecodesSingleJob(t *testing.T) {
	sections := jitsection.NewRegistry()
	sections.AddCompiled(&jitsection.CompiledSection{CodeBegin: 0x1000, CodeSize: 0x100, EntryPoint: 0x1000})
	sections.Freeze()

	shared := &decoder.Shared{
		Codelets:     codelet.NewTable([codelet.CodeletAddressCount]uint64{}),
		Sections:     sections,
		TimeConv:     sideband.TimeConv{TimeMult: 1, TimeShift: 0},
		SampleFormat: perffile.SampleFormatTID | perffile.SampleFormatTime,
	}

	jobs := []split.Job{
		{CPU: 0, Window: 0, PT: fupPacket(0x1000), Sideband: switchInRecord(1, 1, 0)},
	}

	data, err := Run(context.Background(), jobs, shared, nil, 2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	rd := trace.NewReader(data)
	rec, ok := rd.Next()
	if !ok {
		t.Fatal("expected one JIT record from the single job")
	}
	if len(rec.JITPCs) != 1 || rec.JITPCs[0] != 0x1000 {
		t.Fatalf("JITPCs = %v, want [0x1000]", rec.JITPCs)
	}
}

// fupPacket and switchInRecord duplicate decoder_test.go's fixture
// builders: pool's tests need the same raw PT/sideband shapes but
// cannot import unexported test helpers across packages.
func fupPacket(ip uint64) []byte {
	b := make([]byte, 9)
	b[0] = 0x1d | (6 << 5) // FUP opcode, cyp=6: full 64-bit IP
	for i := 0; i < 8; i++ {
		b[1+i] = byte(ip >> (8 * i))
	}
	return b
}

func switchInRecord(pid, tid int32, time uint64) []byte {
	var buf []byte
	put32 := func(v uint32) { buf = append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24)) }
	put16 := func(v uint16) { buf = append(buf, byte(v), byte(v>>8)) }
	put64 := func(v uint64) {
		for i := 0; i < 8; i++ {
			buf = append(buf, byte(v>>(8*i)))
		}
	}
	put32(14) // RecordTypeSwitch
	put16(0)  // misc: in, not out
	put16(8 + 16)
	put32(uint32(pid))
	put32(uint32(tid))
	put64(time)
	return buf
}
