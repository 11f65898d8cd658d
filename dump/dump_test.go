package dump

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/jportal-trace/decode/codelet"
)

// writeHeader writes the 24-byte entry prologue (type, 4-byte pad,
// size, time). size is the total entry size including the header,
// matching what Replay expects when it computes skip lengths.
func writeHeader(buf *bytes.Buffer, typ InfoType, size uint64) {
	binary.Write(buf, binary.LittleEndian, int32(typ))
	binary.Write(buf, binary.LittleEndian, int32(0)) // pad
	binary.Write(buf, binary.LittleEndian, size)
	binary.Write(buf, binary.LittleEndian, uint64(0)) // time
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
}

func TestReplayMethodEntryInitial(t *testing.T) {
	klass, name, sig := "java/lang/Object", "toString", "()Ljava/lang/String;"
	// idx(4) + pad(4) + tid(8) + klassLen(4) + methodLen(4) + sigLen(4) + pad(4)
	fixedLen := int64(4 + 4 + 8 + 4 + 4 + 4 + 4)
	total := 24 + fixedLen + int64(len(klass)+len(name)+len(sig))

	var buf bytes.Buffer
	writeHeader(&buf, TypeMethodEntryInitial, uint64(total))
	binary.Write(&buf, binary.LittleEndian, int32(9)) // Idx
	binary.Write(&buf, binary.LittleEndian, int32(0)) // pad
	binary.Write(&buf, binary.LittleEndian, uint64(42)) // TID
	binary.Write(&buf, binary.LittleEndian, int32(len(klass)))
	binary.Write(&buf, binary.LittleEndian, int32(len(name)))
	binary.Write(&buf, binary.LittleEndian, int32(len(sig)))
	binary.Write(&buf, binary.LittleEndian, int32(0)) // trailing pad
	writeString(&buf, klass)
	writeString(&buf, name)
	writeString(&buf, sig)

	res, err := Replay(&buf)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	m := res.Methods.Get(9)
	if m == nil {
		t.Fatal("method index 9 not registered")
	}
	if m.Klass != klass || m.Name != name || m.Signature != sig || m.TID != 42 {
		t.Fatalf("method = %+v, want klass=%s name=%s sig=%s tid=42", m, klass, name, sig)
	}
}

func TestReplayMethodEntry(t *testing.T) {
	var buf bytes.Buffer
	writeHeader(&buf, TypeMethodEntry, 24+16)
	binary.Write(&buf, binary.LittleEndian, int32(3))  // Idx
	binary.Write(&buf, binary.LittleEndian, int32(0))  // padding
	binary.Write(&buf, binary.LittleEndian, uint64(7)) // TID

	res, err := Replay(&buf)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(res.MethodEntries) != 1 {
		t.Fatalf("len(MethodEntries) = %d, want 1", len(res.MethodEntries))
	}
	e := res.MethodEntries[0]
	if e.TID != 7 || e.Idx != 3 {
		t.Fatalf("MethodEntries[0] = %+v, want TID=7 Idx=3", e)
	}
}

func TestReplayMethodExitSkipsPayload(t *testing.T) {
	var buf bytes.Buffer
	writeHeader(&buf, TypeMethodExit, 24+8)
	binary.Write(&buf, binary.LittleEndian, uint64(0xdeadbeef)) // opaque payload, skipped

	res, err := Replay(&buf)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(res.MethodEntries) != 0 {
		t.Fatalf("MethodExit should not record a MethodEntryEvent, got %d", len(res.MethodEntries))
	}
}

func TestReplayThreadStart(t *testing.T) {
	var buf bytes.Buffer
	writeHeader(&buf, TypeThreadStart, 24+16)
	binary.Write(&buf, binary.LittleEndian, int64(100)) // JavaTID
	binary.Write(&buf, binary.LittleEndian, int64(200)) // SysTID

	res, err := Replay(&buf)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(res.ThreadStarts) != 1 || res.ThreadStarts[0].JavaTID != 100 || res.ThreadStarts[0].SysTID != 200 {
		t.Fatalf("ThreadStarts = %+v, want [{100 200}]", res.ThreadStarts)
	}
}

func TestReplayInterpreterInfo(t *testing.T) {
	var buf bytes.Buffer
	// bool(1) + pad(7) + addrs array
	payloadLen := int64(1 + 7 + 8*codelet.CodeletAddressCount)
	writeHeader(&buf, TypeInterpreterInfo, uint64(24+payloadLen))
	binary.Write(&buf, binary.LittleEndian, uint8(1)) // trace_bytecodes
	buf.Write(make([]byte, 7))                        // alignment padding
	var addrs [codelet.CodeletAddressCount]uint64
	addrs[0] = 0x1000
	binary.Write(&buf, binary.LittleEndian, &addrs)

	res, err := Replay(&buf)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !res.TraceBytecode {
		t.Error("TraceBytecode should be true")
	}
	if res.Codelets == nil {
		t.Fatal("Codelets table should be populated")
	}
}

func TestReplayInlineCacheAddAndClear(t *testing.T) {
	var buf bytes.Buffer
	writeHeader(&buf, TypeInlineCacheAdd, 24+16)
	binary.Write(&buf, binary.LittleEndian, uint64(0x100)) // Src
	binary.Write(&buf, binary.LittleEndian, uint64(0x200)) // Dest
	writeHeader(&buf, TypeInlineCacheClear, 24+8)
	binary.Write(&buf, binary.LittleEndian, uint64(0x100)) // Src

	res, err := Replay(&buf)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(res.InlineCaches) != 2 {
		t.Fatalf("len(InlineCaches) = %d, want 2", len(res.InlineCaches))
	}
	if !res.InlineCaches[0].Add || res.InlineCaches[0].Src != 0x100 || res.InlineCaches[0].Dest != 0x200 {
		t.Fatalf("InlineCaches[0] = %+v, want Add=true Src=0x100 Dest=0x200", res.InlineCaches[0])
	}
	if res.InlineCaches[1].Add || res.InlineCaches[1].Src != 0x100 {
		t.Fatalf("InlineCaches[1] = %+v, want Add=false Src=0x100", res.InlineCaches[1])
	}
}

// TestReplayCompiledMethodLoadAndUnload mirrors the load-with-inline-
// child, then unload sequence: after replay the registry no longer
// resolves the unloaded range, but the inline child's method stays in
// the method table (method identity outlives code cache eviction).
func TestReplayCompiledMethodLoadAndUnload(t *testing.T) {
	klass, name, sig := "java/lang/Object", "toString", "()Ljava/lang/String;"
	inlineFixedLen := int64(4 + 4 + 4 + 4 + int64(len(klass)+len(name)+len(sig)))

	var buf bytes.Buffer
	// 7 uint64 fields + InlineMethodCnt + trailing pad + 1 inline entry
	fixedLen := int64(7*8+4+4) + inlineFixedLen
	writeHeader(&buf, TypeCompiledMethodLoad, uint64(24+fixedLen))
	binary.Write(&buf, binary.LittleEndian, uint64(0x5000)) // InstsBegin
	binary.Write(&buf, binary.LittleEndian, uint64(0x100))  // InstsSize
	binary.Write(&buf, binary.LittleEndian, uint64(0))      // ScopesPCSize
	binary.Write(&buf, binary.LittleEndian, uint64(0))      // ScopesDataSize
	binary.Write(&buf, binary.LittleEndian, uint64(0x5010)) // EntryPoint
	binary.Write(&buf, binary.LittleEndian, uint64(0x5020)) // VerifiedEntryPoint
	binary.Write(&buf, binary.LittleEndian, uint64(0))      // OSREntryPoint
	binary.Write(&buf, binary.LittleEndian, int32(1))       // InlineMethodCnt
	binary.Write(&buf, binary.LittleEndian, int32(0))       // trailing pad
	binary.Write(&buf, binary.LittleEndian, int32(len(klass)))
	binary.Write(&buf, binary.LittleEndian, int32(len(name)))
	binary.Write(&buf, binary.LittleEndian, int32(len(sig)))
	binary.Write(&buf, binary.LittleEndian, int32(7)) // MethodIndex
	writeString(&buf, klass)
	writeString(&buf, name)
	writeString(&buf, sig)

	writeHeader(&buf, TypeCompiledMethodUnload, 24+8)
	binary.Write(&buf, binary.LittleEndian, uint64(0x5000)) // begin

	res, err := Replay(&buf)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if _, _, ok := res.Sections.Find(0x5050); ok {
		t.Fatal("section should have been removed by the unload entry")
	}
	if m := res.Methods.Get(7); m == nil || m.Name != name {
		t.Fatalf("method id=7 should still be registered after the section holding it unloads, got %v", m)
	}
}

func TestReplayUnknownTypeErrors(t *testing.T) {
	var buf bytes.Buffer
	writeHeader(&buf, InfoType(99), 24)
	if _, err := Replay(&buf); err == nil {
		t.Fatal("Replay with an unrecognized entry type should error")
	}
}
