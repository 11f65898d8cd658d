// Package dump replays the instrumented runtime's dump log: a
// ring-buffer-flushed, append-only binary log of method loads and
// unloads, inline caches, thread starts, and the one-time interpreter
// codelet table. Replaying it to completion populates the method
// table, JIT section registry, and codelet table the per-CPU decoder
// needs before it can interpret a single instruction pointer.
//
// Decoding follows the same tagged-union, binary.Read-field-by-field
// style perffile uses for perf.data records (see perffile/records.go),
// since the dump log is exactly that shape: a fixed header per entry
// followed by a type-specific, non-self-describing payload.
package dump

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jportal-trace/decode/codelet"
	"github.com/jportal-trace/decode/jitsection"
	"github.com/jportal-trace/decode/method"
)

// InfoType tags a dump log entry's payload shape.
type InfoType int32

const (
	TypeIllegal InfoType = iota - 1
	TypeMethodEntryInitial
	TypeMethodEntry
	TypeMethodExit
	TypeCompiledMethodLoad
	TypeCompiledMethodUnload
	TypeThreadStart
	TypeInterpreterInfo
	TypeDynamicCodeGenerated
	TypeInlineCacheAdd
	TypeInlineCacheClear
	TypeNoThing
)

// header is the 24-byte prologue preceding every dump log entry. The
// runtime emits this as a raw C struct; Size and Time are 8-byte
// aligned, so a 4-byte pad follows Type.
type header struct {
	Type InfoType
	_    int32 // alignment padding before Size
	Size uint64 // total entry size, including this header
	Time uint64
}

const headerSize = 24

// ThreadStart is a reported Java-thread-to-OS-thread mapping.
type ThreadStart struct {
	JavaTID int64
	SysTID  int64
}

// MethodEntryEvent is one recorded method-entry occurrence on a
// thread. A raw PT method_entry codelet hit carries no method
// identity by itself (every method shares the same handful of entry
// codelet addresses), so package pool resolves identity after
// decoding by consuming these events in order, per thread, against the
// merged trace's method_entry records.
type MethodEntryEvent struct {
	TID int64
	Idx int32
}

// InlineCacheEvent is an inline-cache mutation at a call site.
type InlineCacheEvent struct {
	Add  bool
	Src  uint64
	Dest uint64 // zero for a clear
}

// Result is everything a full dump replay produces.
type Result struct {
	Methods       *method.Table
	Sections      *jitsection.Registry
	Codelets      *codelet.Table
	ThreadStarts  []ThreadStart
	MethodEntries []MethodEntryEvent
	InlineCaches  []InlineCacheEvent
	TraceBytecode bool // interpreter-info's trace_bytecodes flag
}

// Replay reads every entry in the dump log from r until EOF,
// populating and returning a Result. It stops at the first malformed
// entry: the dump log is a closed, internally consistent format with
// no recoverable corruption the way a PT stream has.
func Replay(r io.Reader) (*Result, error) {
	br := bufio.NewReader(r)
	res := &Result{
		Methods:  method.NewTable(),
		Sections: jitsection.NewRegistry(),
	}

	// Inline methods registered mid-CompiledMethodLoad go straight into
	// res.Methods, where DecodeScopes later resolves method indices to
	// *method.Method.
	for {
		var h header
		if err := binary.Read(br, binary.LittleEndian, &h); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("dump: reading entry header: %w", err)
		}

		switch h.Type {
		case TypeMethodEntryInitial:
			if err := readMethodEntryInitial(br, res.Methods); err != nil {
				return nil, err
			}

		case TypeMethodEntry:
			var e struct {
				Idx int32
				_   int32 // alignment padding before tid in the source struct
				TID uint64
			}
			if err := binary.Read(br, binary.LittleEndian, &e); err != nil {
				return nil, fmt.Errorf("dump: reading method-entry: %w", err)
			}
			res.MethodEntries = append(res.MethodEntries, MethodEntryEvent{TID: int64(e.TID), Idx: e.Idx})

		case TypeMethodExit:
			// Per-occurrence thread-local event; method exits carry no
			// information the decoder needs (method identity is
			// resolved at entry and carried forward for the whole
			// activation). Skip the fixed-size payload.
			if err := skip(br, int64(h.Size)-headerSize); err != nil {
				return nil, err
			}

		case TypeCompiledMethodLoad:
			if err := readCompiledMethodLoad(br, res.Methods, res.Sections); err != nil {
				return nil, err
			}

		case TypeCompiledMethodUnload:
			var begin uint64
			if err := binary.Read(br, binary.LittleEndian, &begin); err != nil {
				return nil, fmt.Errorf("dump: reading compiled-method-unload: %w", err)
			}
			res.Sections.RemoveCompiled(begin)

		case TypeThreadStart:
			var ts ThreadStart
			if err := binary.Read(br, binary.LittleEndian, &ts); err != nil {
				return nil, fmt.Errorf("dump: reading thread-start: %w", err)
			}
			res.ThreadStarts = append(res.ThreadStarts, ts)

		case TypeInterpreterInfo:
			var traceBytecode uint8
			if err := binary.Read(br, binary.LittleEndian, &traceBytecode); err != nil {
				return nil, fmt.Errorf("dump: reading interpreter-info: %w", err)
			}
			if err := skip(br, 7); err != nil { // alignment padding before the codelet address array
				return nil, fmt.Errorf("dump: reading interpreter-info: %w", err)
			}
			var addrs [codelet.CodeletAddressCount]uint64
			if err := binary.Read(br, binary.LittleEndian, &addrs); err != nil {
				return nil, fmt.Errorf("dump: reading interpreter-info codelet addresses: %w", err)
			}
			res.TraceBytecode = traceBytecode != 0
			res.Codelets = codelet.NewTable(addrs)

		case TypeDynamicCodeGenerated:
			if err := readDynamicCodeGenerated(br, res.Sections); err != nil {
				return nil, err
			}

		case TypeInlineCacheAdd:
			var add struct{ Src, Dest uint64 }
			if err := binary.Read(br, binary.LittleEndian, &add); err != nil {
				return nil, fmt.Errorf("dump: reading inline-cache-add: %w", err)
			}
			res.InlineCaches = append(res.InlineCaches, InlineCacheEvent{Add: true, Src: add.Src, Dest: add.Dest})

		case TypeInlineCacheClear:
			var clear struct{ Src uint64 }
			if err := binary.Read(br, binary.LittleEndian, &clear); err != nil {
				return nil, fmt.Errorf("dump: reading inline-cache-clear: %w", err)
			}
			res.InlineCaches = append(res.InlineCaches, InlineCacheEvent{Add: false, Src: clear.Src})

		default:
			return nil, fmt.Errorf("dump: unknown entry type %d", h.Type)
		}
	}

	res.Sections.Freeze()
	return res, nil
}

func skip(r io.Reader, n int64) error {
	if n < 0 {
		return fmt.Errorf("dump: negative skip of %d bytes", n)
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}

func readString(r io.Reader, n int32) (string, error) {
	if n < 0 {
		return "", fmt.Errorf("dump: negative string length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("dump: reading %d-byte string: %w", n, err)
	}
	return string(buf), nil
}

func readMethodEntryInitial(r io.Reader, methods *method.Table) error {
	var fixed struct {
		Idx          int32
		_            int32 // alignment padding before TID
		TID          uint64
		KlassLen     int32
		MethodLen    int32
		SignatureLen int32
		_            int32 // trailing padding to an 8-byte multiple
	}
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return fmt.Errorf("dump: reading method-entry-initial: %w", err)
	}
	klass, err := readString(r, fixed.KlassLen)
	if err != nil {
		return err
	}
	name, err := readString(r, fixed.MethodLen)
	if err != nil {
		return err
	}
	sig, err := readString(r, fixed.SignatureLen)
	if err != nil {
		return err
	}
	methods.Add(&method.Method{
		Index:     fixed.Idx,
		Klass:     klass,
		Name:      name,
		Signature: sig,
		TID:       fixed.TID,
	})
	return nil
}

func readCompiledMethodLoad(r io.Reader, methods *method.Table, sections *jitsection.Registry) error {
	var fixed struct {
		InstsBegin         uint64
		InstsSize          uint64
		ScopesPCSize       uint64
		ScopesDataSize     uint64
		EntryPoint         uint64
		VerifiedEntryPoint uint64
		OSREntryPoint      uint64
		InlineMethodCnt    int32
		_                  int32 // trailing padding to an 8-byte multiple
	}
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return fmt.Errorf("dump: reading compiled-method-load: %w", err)
	}

	scopesPC := make([]byte, fixed.ScopesPCSize)
	if _, err := io.ReadFull(r, scopesPC); err != nil {
		return fmt.Errorf("dump: reading scopes_pc: %w", err)
	}
	scopesData := make([]byte, fixed.ScopesDataSize)
	if _, err := io.ReadFull(r, scopesData); err != nil {
		return fmt.Errorf("dump: reading scopes_data: %w", err)
	}

	var mainMethod *method.Method
	for i := int32(0); i < fixed.InlineMethodCnt; i++ {
		var inline struct {
			KlassLen     int32
			NameLen      int32
			SignatureLen int32
			MethodIndex  int32
		}
		if err := binary.Read(r, binary.LittleEndian, &inline); err != nil {
			return fmt.Errorf("dump: reading inline-method-info %d: %w", i, err)
		}
		klass, err := readString(r, inline.KlassLen)
		if err != nil {
			return err
		}
		name, err := readString(r, inline.NameLen)
		if err != nil {
			return err
		}
		sig, err := readString(r, inline.SignatureLen)
		if err != nil {
			return err
		}
		m := &method.Method{Index: inline.MethodIndex, Klass: klass, Name: name, Signature: sig}
		methods.Add(m)
		if i == 0 {
			mainMethod = m
		}
	}

	pcInfo, err := jitsection.DecodeScopes(fixed.InstsBegin, scopesPC, scopesData, methods)
	if err != nil {
		return fmt.Errorf("dump: decoding scopes for section at 0x%x: %w", fixed.InstsBegin, err)
	}

	sections.AddCompiled(&jitsection.CompiledSection{
		CodeBegin:          fixed.InstsBegin,
		CodeSize:           fixed.InstsSize,
		EntryPoint:         fixed.EntryPoint,
		VerifiedEntryPoint: fixed.VerifiedEntryPoint,
		OSREntryPoint:      fixed.OSREntryPoint,
		MainMethod:         mainMethod,
		PCInfo:             pcInfo,
	})
	return nil
}

func readDynamicCodeGenerated(r io.Reader, sections *jitsection.Registry) error {
	var fixed struct {
		NameLen   int32
		_         int32 // alignment padding before CodeBegin
		CodeBegin uint64
		CodeSize  uint64
	}
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return fmt.Errorf("dump: reading dynamic-code-generated: %w", err)
	}
	name, err := readString(r, fixed.NameLen)
	if err != nil {
		return err
	}
	sections.AddDynamic(&jitsection.DynamicRegion{
		Name:      name,
		CodeBegin: fixed.CodeBegin,
		CodeSize:  fixed.CodeSize,
	})
	return nil
}
