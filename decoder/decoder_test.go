package decoder

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/jportal-trace/decode/codelet"
	"github.com/jportal-trace/decode/jitsection"
	"github.com/jportal-trace/decode/perffile"
	"github.com/jportal-trace/decode/sideband"
	"github.com/jportal-trace/decode/split"
	"github.com/jportal-trace/decode/trace"
)

// Raw Intel PT opcodes, hardcoded rather than imported: internal/ptpkt
// keeps these unexported since only its own Cursor needs them, but a
// wire-accurate test fixture needs the real bytes regardless.
const (
	ptOpFUP = 0x1d
	ptOpTSC = 0x19
)

func fupPacket(ip uint64) []byte {
	b := make([]byte, 9)
	b[0] = ptOpFUP | (6 << 5) // cyp=6: full 64-bit IP
	for i := 0; i < 8; i++ {
		b[1+i] = byte(ip >> (8 * i))
	}
	return b
}

func tscPacket(tsc uint64) []byte {
	b := make([]byte, 8)
	b[0] = ptOpTSC
	for i := 0; i < 7; i++ {
		b[1+i] = byte(tsc >> (8 * i))
	}
	return b
}

func switchInRecord(pid, tid int32, time uint64) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(14)) // RecordTypeSwitch
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // misc: in, not out
	binary.Write(&buf, binary.LittleEndian, uint16(8+16))
	binary.Write(&buf, binary.LittleEndian, pid)
	binary.Write(&buf, binary.LittleEndian, tid)
	binary.Write(&buf, binary.LittleEndian, time)
	return buf.Bytes()
}

func testShared(sections *jitsection.Registry) *Shared {
	return &Shared{
		Codelets:     codelet.NewTable([codelet.CodeletAddressCount]uint64{}), // all-zero: every ip classifies Illegal
		Sections:     sections,
		TimeConv:     sideband.TimeConv{TimeMult: 1, TimeShift: 0},
		SampleFormat: perffile.SampleFormatTID | perffile.SampleFormatTime,
	}
}

func TestDecodeRoutesJITHitsAndDropsUnmatchedIP(t *testing.T) {
	sections := jitsection.NewRegistry()
	sections.AddCompiled(&jitsection.CompiledSection{
		CodeBegin:  0x1000,
		CodeSize:   0x1000,
		EntryPoint: 0x1010,
	})
	sections.Freeze()

	var pt []byte
	pt = append(pt, tscPacket(0)...)
	pt = append(pt, fupPacket(0x1010)...) // entry point: JITEntryPoint
	pt = append(pt, fupPacket(0x1500)...) // mid-method: JITPlain, new record (variant change)
	pt = append(pt, fupPacket(0xdead)...) // matches neither table: dropped

	job := split.Job{CPU: 0, Window: 0, PT: pt, Sideband: switchInRecord(1, 1, 0)}

	data, err := Decode(job, testShared(sections))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	rd := trace.NewReader(data)
	var recs []trace.Record
	for {
		rec, ok := rd.Next()
		if !ok {
			break
		}
		recs = append(recs, rec)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2 (entry-point record, then plain record; bad ip dropped)", len(recs))
	}
	if len(recs[0].JITPCs) != 1 || recs[0].JITPCs[0] != 0x1010 {
		t.Errorf("recs[0].JITPCs = %v, want [0x1010]", recs[0].JITPCs)
	}
	if len(recs[1].JITPCs) != 1 || recs[1].JITPCs[0] != 0x1500 {
		t.Errorf("recs[1].JITPCs = %v, want [0x1500]", recs[1].JITPCs)
	}

	spans := data.Threads()[1]
	if len(spans) != 1 {
		t.Fatalf("len(Threads()[1]) = %d, want 1", len(spans))
	}
}

func TestDecodeClosesThreadOnDesync(t *testing.T) {
	sections := jitsection.NewRegistry()
	sections.Freeze()

	var pt []byte
	pt = append(pt, tscPacket(0)...)
	pt = append(pt, fupPacket(0xdead)...) // opens thread 1; matches neither table: dropped
	pt = append(pt, 0xff, 0xff, 0xff)     // unrecognized packet: desync mid-window

	job := split.Job{CPU: 0, Window: 0, PT: pt, Sideband: switchInRecord(1, 1, 0)}

	data, err := Decode(job, testShared(sections))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// The FUP opened a span for thread 1 but was itself dropped, so
	// there are no records; the desync then closes that span with a
	// tail-loss mark instead of failing the decode.
	rd := trace.NewReader(data)
	if _, ok := rd.Next(); ok {
		t.Fatal("expected no records: the only IP after the TSC matched neither table")
	}
	spans := data.Threads()[1]
	if len(spans) != 1 || !spans[0].TailLoss {
		t.Fatalf("Threads()[1] = %+v, want one span closed with TailLoss", spans)
	}
}
