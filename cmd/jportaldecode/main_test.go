package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jportal-trace/decode/codelet"
	"github.com/jportal-trace/decode/dump"
	"github.com/jportal-trace/decode/jitsection"
	"github.com/jportal-trace/decode/method"
	"github.com/jportal-trace/decode/trace"
)

func TestIoErrAndDecodeErrCarryExitCodes(t *testing.T) {
	base := errors.New("boom")

	ioe := ioErr(base)
	var ee *exitError
	if !errors.As(ioe, &ee) {
		t.Fatal("ioErr should wrap into an *exitError")
	}
	if ee.code != 2 {
		t.Errorf("ioErr code = %d, want 2", ee.code)
	}
	if !errors.Is(ioe, base) {
		t.Error("ioErr should unwrap to the original error")
	}

	de := decodeErr(base)
	ee = nil
	if !errors.As(de, &ee) || ee.code != 3 {
		t.Fatalf("decodeErr code = %+v, want code 3", ee)
	}
}

func TestReportWritesPerThreadSummary(t *testing.T) {
	r := trace.NewRecorder()
	r.SwitchIn(1, 100, false)
	r.AddBytecode(100, 0x01)
	r.AddBytecode(101, 0x02)
	if err := r.AddCodelet(codelet.ThrowNullPointer); err != nil {
		t.Fatalf("AddCodelet: %v", err)
	}
	sec := &jitsection.CompiledSection{CodeBegin: 0x1000, CodeSize: 0x100, EntryPoint: 0x1000}
	r.AddJIT(102, sec, 0x1000, trace.JITEntryPoint)
	r.SwitchOut(false)
	data := r.Data()

	methods := method.NewTable()
	dumpResult := &dump.Result{Methods: methods}

	path := filepath.Join(t.TempDir(), "out.txt")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating output file: %v", err)
	}
	if err := report(f, data, dumpResult); err != nil {
		t.Fatalf("report: %v", err)
	}
	f.Close()

	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading output file: %v", err)
	}
	text := string(out)

	for _, want := range []string{
		"thread 1: 1 split(s)",
		"bytecode x2",
		"jit pcs=[4096]",
		"split sizes: n=1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("report output missing %q; got:\n%s", want, text)
		}
	}
}
