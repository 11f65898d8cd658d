package sideband

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/jportal-trace/decode/capture"
	"github.com/jportal-trace/decode/perffile"
)

func TestToTSCAndFromTSC(t *testing.T) {
	// time<<shift / mult, with the remainder split across the quotient
	// and fractional terms the same way pev_time_to_tsc does it.
	c := TimeConv{TimeZero: 5, TimeMult: 3, TimeShift: 2}

	if got := c.ToTSC(15); got != 13 {
		t.Fatalf("ToTSC(15) = %d, want 13", got)
	}
	if got := c.FromTSC(13); got != 14 {
		t.Fatalf("FromTSC(13) = %d, want 14", got)
	}
}

func TestNewTimeConvRejectsZeroMult(t *testing.T) {
	if _, err := NewTimeConv(&capture.TraceHeader{TimeMult: 0}); err == nil {
		t.Fatal("NewTimeConv with TimeMult=0 should error")
	}
}

const (
	recordTypeItraceStart    = 12
	recordTypeLostSamples    = 13
	recordTypeSwitch         = 14
	recordTypeSwitchCPUWide  = 15
	recordMiscSwitchOut      = 1 << 13
)

// The trailer format used throughout: PID(4) + TID(4) + Time(8), the
// on-disk layout parseCommon expects for SampleFormatTID|SampleFormatTime.
func writeTrailer(buf *bytes.Buffer, pid, tid int32, time uint64) {
	binary.Write(buf, binary.LittleEndian, pid)
	binary.Write(buf, binary.LittleEndian, tid)
	binary.Write(buf, binary.LittleEndian, time)
}

func writeHeader(buf *bytes.Buffer, typ uint32, misc uint16, bodyLen int) {
	binary.Write(buf, binary.LittleEndian, typ)
	binary.Write(buf, binary.LittleEndian, misc)
	binary.Write(buf, binary.LittleEndian, uint16(8+bodyLen))
}

func writeSwitch(buf *bytes.Buffer, out bool, pid, tid int32, time uint64) {
	var misc uint16
	if out {
		misc |= recordMiscSwitchOut
	}
	writeHeader(buf, recordTypeSwitch, misc, 16)
	writeTrailer(buf, pid, tid, time)
}

func writeLostSamples(buf *bytes.Buffer, lost uint64, pid, tid int32, time uint64) {
	writeHeader(buf, recordTypeLostSamples, 0, 8+16)
	binary.Write(buf, binary.LittleEndian, lost)
	writeTrailer(buf, pid, tid, time)
}

func writeItraceStart(buf *bytes.Buffer, pid, tid int32, time uint64) {
	writeHeader(buf, recordTypeItraceStart, 0, 8+16)
	binary.Write(buf, binary.LittleEndian, pid)
	binary.Write(buf, binary.LittleEndian, tid)
	writeTrailer(buf, pid, tid, time)
}

func TestBuildSortsByTSCAndAttachesLossMarker(t *testing.T) {
	var buf bytes.Buffer
	writeItraceStart(&buf, 7, 7, 200)
	writeLostSamples(&buf, 3, 0, 0, 150)
	writeSwitch(&buf, false, 5, 5, 100)

	format := perffile.SampleFormatTID | perffile.SampleFormatTime
	conv := TimeConv{TimeMult: 1, TimeShift: 0} // identity: ToTSC(time) == time

	sched, err := Build(buf.Bytes(), format, conv)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(sched.Switches) != 2 {
		t.Fatalf("len(Switches) = %d, want 2", len(sched.Switches))
	}
	if sched.Switches[0].TSC != 100 || sched.Switches[0].TID != 5 {
		t.Fatalf("Switches[0] = %+v, want TSC=100 TID=5", sched.Switches[0])
	}
	if !sched.Switches[0].Loss {
		t.Error("Switches[0].Loss should be true: a LostSamples record preceded it in stream order")
	}
	if sched.Switches[1].TSC != 200 || sched.Switches[1].TID != 7 {
		t.Fatalf("Switches[1] = %+v, want TSC=200 TID=7", sched.Switches[1])
	}
	if sched.Switches[1].Loss {
		t.Error("Switches[1].Loss should be false: no loss marker pending when it was appended")
	}
}

func TestThreadAt(t *testing.T) {
	var buf bytes.Buffer
	writeSwitch(&buf, false, 5, 5, 100)
	writeItraceStart(&buf, 7, 7, 200)
	writeSwitch(&buf, true, 5, 5, 300)

	format := perffile.SampleFormatTID | perffile.SampleFormatTime
	conv := TimeConv{TimeMult: 1, TimeShift: 0}

	sched, err := Build(buf.Bytes(), format, conv)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, _, ok := sched.ThreadAt(50); ok {
		t.Error("ThreadAt before the first switch should report ok=false")
	}
	if tid, loss, ok := sched.ThreadAt(150); !ok || tid != 5 || loss {
		t.Fatalf("ThreadAt(150) = (%d, %v, %v), want (5, false, true)", tid, loss, ok)
	}
	if tid, loss, ok := sched.ThreadAt(250); !ok || tid != 7 || loss {
		t.Fatalf("ThreadAt(250) = (%d, %v, %v), want (7, false, true)", tid, loss, ok)
	}
	if _, _, ok := sched.ThreadAt(300); ok {
		t.Error("ThreadAt at a switch-out boundary should report ok=false: no thread owns the CPU")
	}
}
