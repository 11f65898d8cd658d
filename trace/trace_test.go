package trace

import (
	"testing"

	"github.com/jportal-trace/decode/codelet"
	"github.com/jportal-trace/decode/jitsection"
)

func TestAddBytecodeCoalesces(t *testing.T) {
	r := NewRecorder()
	r.SwitchIn(1, 100, false)
	r.AddBytecode(100, 0x01)
	r.AddBytecode(101, 0x02)
	r.AddBytecode(102, 0x03)
	r.SwitchOut(false)

	rd := NewReader(r.Data())
	rec, ok := rd.Next()
	if !ok {
		t.Fatal("expected one record")
	}
	if rec.Kind != codelet.Bytecode {
		t.Fatalf("Kind = %v, want Bytecode", rec.Kind)
	}
	if got := rec.Bytecodes; len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("Bytecodes = %v, want [1 2 3]", got)
	}
	if _, ok := rd.Next(); ok {
		t.Fatal("expected exactly one record")
	}
}

func TestAddJITCoalescesBySectionAndVariant(t *testing.T) {
	r := NewRecorder()
	r.SwitchIn(1, 100, false)

	secA := &jitsection.CompiledSection{CodeBegin: 0x1000, CodeSize: 0x100}
	secB := &jitsection.CompiledSection{CodeBegin: 0x2000, CodeSize: 0x100}

	r.AddJIT(100, secA, 0x1010, JITEntryPoint)
	r.AddJIT(101, secA, 0x1020, JITEntryPoint) // same section, same variant, but an entry hit: still a new record
	r.AddJIT(102, secA, 0x1030, JITPlain)      // same section, different variant: new record
	r.AddJIT(103, secB, 0x2010, JITPlain)      // different section: new record

	r.SwitchOut(false)

	rd := NewReader(r.Data())
	var recs []Record
	for {
		rec, ok := rd.Next()
		if !ok {
			break
		}
		recs = append(recs, rec)
	}
	if len(recs) != 4 {
		t.Fatalf("got %d records, want 4", len(recs))
	}
	if len(recs[0].JITPCs) != 1 || recs[0].JITPCs[0] != 0x1010 {
		t.Errorf("recs[0].JITPCs = %v, want [0x1010]", recs[0].JITPCs)
	}
	if len(recs[1].JITPCs) != 1 || recs[1].JITPCs[0] != 0x1020 {
		t.Errorf("recs[1].JITPCs = %v, want [0x1020]", recs[1].JITPCs)
	}
	if len(recs[2].JITPCs) != 1 || recs[2].JITPCs[0] != 0x1030 {
		t.Errorf("recs[2].JITPCs = %v, want [0x1030]", recs[2].JITPCs)
	}
	if len(recs[3].JITPCs) != 1 || recs[3].JITPCs[0] != 0x2010 {
		t.Errorf("recs[3].JITPCs = %v, want [0x2010]", recs[3].JITPCs)
	}
}

func TestAddCodeletMethodEntryErasure(t *testing.T) {
	r := NewRecorder()
	r.SwitchIn(1, 100, false)

	if err := r.AddCodelet(codelet.MethodEntry); err != nil {
		t.Fatalf("AddCodelet(MethodEntry): %v", err)
	}
	// An immediate return-path codelet right after method_entry, with
	// no bytecode in between, means PT re-entered the entry codelet
	// spuriously; the entry marker should be rewound.
	if err := r.AddCodelet(codelet.InvokeReturnEntry); err != nil {
		t.Fatalf("AddCodelet(InvokeReturnEntry): %v", err)
	}
	r.SwitchOut(false)

	rd := NewReader(r.Data())
	if _, ok := rd.Next(); ok {
		t.Fatal("expected the erased method_entry marker to leave no record")
	}
}

func TestAddCodeletMethodEntryKeptWithBytecodeBetween(t *testing.T) {
	r := NewRecorder()
	r.SwitchIn(1, 100, false)

	if err := r.AddCodelet(codelet.MethodEntry); err != nil {
		t.Fatalf("AddCodelet(MethodEntry): %v", err)
	}
	r.AddBytecode(101, 0x00)
	if err := r.AddCodelet(codelet.InvokeReturnEntry); err != nil {
		t.Fatalf("AddCodelet(InvokeReturnEntry): %v", err)
	}
	r.SwitchOut(false)

	rd := NewReader(r.Data())
	rec, ok := rd.Next()
	if !ok || rec.Kind != codelet.MethodEntry {
		t.Fatalf("first record = (%v, ok=%v), want MethodEntry kept", rec.Kind, ok)
	}
	rec, ok = rd.Next()
	if !ok || rec.Kind != codelet.Bytecode {
		t.Fatalf("second record = (%v, ok=%v), want Bytecode", rec.Kind, ok)
	}
	rec, ok = rd.Next()
	if !ok || rec.Kind != codelet.InvokeReturnEntry {
		t.Fatalf("third record = (%v, ok=%v), want InvokeReturnEntry", rec.Kind, ok)
	}
}

func TestSwitchInOrdersByStartTime(t *testing.T) {
	r := NewRecorder()
	r.SwitchIn(1, 200, false)
	r.AddBytecode(200, 0x00)
	r.SwitchOut(false)
	r.SwitchIn(1, 100, false) // earlier time, same thread: a second window decoded out of order
	r.AddBytecode(100, 0x01)
	r.SwitchOut(false)

	spans := r.Data().Threads()[1]
	if len(spans) != 2 {
		t.Fatalf("len(spans) = %d, want 2", len(spans))
	}
	if spans[0].StartTime != 100 || spans[1].StartTime != 200 {
		t.Fatalf("spans not ordered by StartTime: %+v", spans)
	}
}

func TestMergeConcatenatesAndOffsetsSpans(t *testing.T) {
	r1 := NewRecorder()
	r1.SwitchIn(1, 100, false)
	r1.AddBytecode(100, 0xaa)
	r1.SwitchOut(false)

	r2 := NewRecorder()
	r2.SwitchIn(1, 200, false)
	r2.AddBytecode(200, 0xbb)
	r2.SwitchOut(false)

	merged := Merge([]*Data{r1.Data(), r2.Data()})
	spans := merged.Threads()[1]
	if len(spans) != 2 {
		t.Fatalf("len(spans) = %d, want 2", len(spans))
	}
	if spans[0].StartAddr != 0 {
		t.Errorf("spans[0].StartAddr = %d, want 0", spans[0].StartAddr)
	}
	if spans[1].StartAddr != r1.Data().Len() {
		t.Errorf("spans[1].StartAddr = %d, want %d", spans[1].StartAddr, r1.Data().Len())
	}

	rd := NewReader(merged)
	var ops []uint8
	for {
		rec, ok := rd.Next()
		if !ok {
			break
		}
		ops = append(ops, rec.Bytecodes...)
	}
	if len(ops) != 2 || ops[0] != 0xaa || ops[1] != 0xbb {
		t.Fatalf("merged bytecodes = %v, want [0xaa 0xbb]", ops)
	}
}

func TestSetMethodInfoAndMethodAt(t *testing.T) {
	d := NewData()
	d.SetMethodInfo(7, 42)
	idx, ok := d.MethodAt(7)
	if !ok || idx != 42 {
		t.Fatalf("MethodAt(7) = (%d, %v), want (42, true)", idx, ok)
	}
	if _, ok := d.MethodAt(8); ok {
		t.Fatal("MethodAt(8) should miss")
	}
}
