// Package jitsection tracks the lifetime of JIT-compiled code regions
// and the small number of dynamically generated (non-Java) code blobs
// the runtime reports through its dump log. It answers "what inline
// frame stack does this PC belong to" for the per-CPU decoder, and
// invalidates overlapping regions the way the runtime's own code cache
// does: a compiled method load can reuse code space a previous,
// unloaded method once occupied.
//
// The lookup structure is grounded on the same sorted-slice binary
// search perfsession.Ranges uses, generalized to support removal since
// a Ranges is append-only and JIT code regions are not.
package jitsection

import (
	"fmt"
	"sort"

	"github.com/jportal-trace/decode/method"
)

// PCInfo is one compiled-method program-counter's inline frame stack,
// derived from a CompiledMethodLoad record's scopes_pc/scopes_data
// blobs. Frames[0] is the innermost (most deeply inlined) frame;
// Frames[len-1] is the method the compiled section was built for.
type PCInfo struct {
	PC     uint64
	Frames []Frame
}

// Frame is one inlined activation at a PCInfo.
type Frame struct {
	Method *method.Method
	BCI    int32 // -1 means "no bytecode index" (native or synthetic frame)
}

// CompiledSection is one CompiledMethodLoad region: the instruction
// range the runtime handed back, plus the per-PC inline info derived
// from its scopes_pc/scopes_data.
type CompiledSection struct {
	CodeBegin uint64
	CodeSize  uint64

	EntryPoint         uint64
	VerifiedEntryPoint uint64
	OSREntryPoint      uint64

	MainMethod *method.Method
	PCInfo     []PCInfo // sorted ascending by PC
}

func (s *CompiledSection) codeEnd() uint64 { return s.CodeBegin + s.CodeSize }

// FindPC returns the PCInfo at exactly vaddr, or nil if vaddr has no
// recorded inline info (a perfectly valid compiled-code PC that simply
// isn't a safepoint/call-site boundary).
func (s *CompiledSection) FindPC(vaddr uint64) *PCInfo {
	i := sort.Search(len(s.PCInfo), func(i int) bool { return s.PCInfo[i].PC >= vaddr })
	if i < len(s.PCInfo) && s.PCInfo[i].PC == vaddr {
		return &s.PCInfo[i]
	}
	return nil
}

// DynamicRegion is a named, non-Java code blob (an interpreter stub,
// VM runtime stub, or similar) the runtime reports via
// DynamicCodeGenerated. It carries no inline frame info.
type DynamicRegion struct {
	Name      string
	CodeBegin uint64
	CodeSize  uint64
}

func (d *DynamicRegion) codeEnd() uint64 { return d.CodeBegin + d.CodeSize }

type entryKind int

const (
	kindCompiled entryKind = iota
	kindDynamic
)

type entry struct {
	lo, hi uint64
	kind   entryKind
	cms    *CompiledSection
	dyn    *DynamicRegion
}

// Registry is the set of currently live compiled and dynamic code
// regions, kept sorted by start address for binary-search lookup.
//
// Registry is built single-threaded while the dump log is replayed.
// Once replay finishes and decode workers start, the registry they
// read is a frozen snapshot (see Freeze) so no locking is needed on
// the decode hot path.
type Registry struct {
	entries []entry
	sorted  bool
	frozen  bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddCompiled inserts a compiled-method region, invalidating (removing)
// any existing region it overlaps. This matches the runtime's code
// cache semantics: a load can only occupy freshly freed or virgin
// space, but the dump log is a flat append-only history and an
// unload/invalidate event is not guaranteed to be observed strictly
// before the load that reuses its space crosses into the trace.
func (r *Registry) AddCompiled(s *CompiledSection) {
	r.invalidateOverlap(s.CodeBegin, s.codeEnd())
	r.entries = append(r.entries, entry{lo: s.CodeBegin, hi: s.codeEnd(), kind: kindCompiled, cms: s})
	r.sorted = false
}

// AddDynamic inserts a dynamic code region, invalidating any
// overlapping region.
func (r *Registry) AddDynamic(d *DynamicRegion) {
	r.invalidateOverlap(d.CodeBegin, d.codeEnd())
	r.entries = append(r.entries, entry{lo: d.CodeBegin, hi: d.codeEnd(), kind: kindDynamic, dyn: d})
	r.sorted = false
}

// RemoveCompiled removes the compiled section occupying [begin, begin+size)
// following a CompiledMethodUnload event. It is not an error for no
// matching section to be found: the section may already have been
// invalidated by an overlapping load.
func (r *Registry) RemoveCompiled(begin uint64) {
	for i, e := range r.entries {
		if e.kind == kindCompiled && e.lo == begin {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			r.sorted = false
			return
		}
	}
}

func (r *Registry) invalidateOverlap(lo, hi uint64) {
	out := r.entries[:0]
	for _, e := range r.entries {
		if e.hi <= lo || e.lo >= hi {
			out = append(out, e)
		}
	}
	r.entries = out
}

func (r *Registry) ensureSorted() {
	if r.sorted {
		return
	}
	sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].lo < r.entries[j].lo })
	r.sorted = true
}

// Freeze marks the registry read-only. Decode workers call Find
// concurrently only after Freeze has returned.
func (r *Registry) Freeze() {
	r.ensureSorted()
	r.frozen = true
}

// Find returns the compiled section or dynamic region containing ip,
// or (nil, nil, false) if ip falls in no known region.
func (r *Registry) Find(ip uint64) (*CompiledSection, *DynamicRegion, bool) {
	if !r.frozen {
		r.ensureSorted()
	}
	es := r.entries
	i := sort.Search(len(es), func(i int) bool { return es[i].hi > ip })
	if i < len(es) && es[i].lo <= ip && ip < es[i].hi {
		if es[i].kind == kindCompiled {
			return es[i].cms, nil, true
		}
		return nil, es[i].dyn, true
	}
	return nil, nil, false
}

// DecodeScopes builds the per-PC inline frame stacks for a compiled
// section from its scopes_pc/scopes_data blobs: scopes_pc is a
// sequence of fixed PcDesc{PcOffset, ScopeDecodeOffset} records;
// scopes_data is a byte stream of varint ScopeRecord entries addressed
// by byte offset, SenderOffset==0 terminating the chain.
func DecodeScopes(codeBegin uint64, scopesPC, scopesData []byte, methods *method.Table) ([]PCInfo, error) {
	const pcDescSize = 8 // PcOffset int32 + ScopeDecodeOffset int32
	if len(scopesPC)%pcDescSize != 0 {
		return nil, fmt.Errorf("jitsection: scopes_pc length %d not a multiple of %d", len(scopesPC), pcDescSize)
	}

	var out []PCInfo
	for off := 0; off < len(scopesPC); off += pcDescSize {
		pcOffset := int32(le32(scopesPC[off:]))
		scopeOff := int32(le32(scopesPC[off+4:]))
		if scopeOff == 0 {
			continue // serialized_null
		}

		frames, err := decodeScopeChain(scopesData, int(scopeOff), methods)
		if err != nil {
			return nil, err
		}
		out = append(out, PCInfo{
			PC:     codeBegin + uint64(int64(pcOffset)),
			Frames: frames,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PC < out[j].PC })
	return out, nil
}

func decodeScopeChain(data []byte, offset int, methods *method.Table) ([]Frame, error) {
	var frames []Frame
	seen := map[int]bool{}
	for offset != 0 {
		if seen[offset] {
			return nil, fmt.Errorf("jitsection: cyclic scope chain at offset %d", offset)
		}
		seen[offset] = true

		idx, n, err := readUvarint(data, offset)
		if err != nil {
			return nil, err
		}
		bciZigzag, n2, err := readUvarint(data, offset+n)
		if err != nil {
			return nil, err
		}
		sender, n3, err := readUvarint(data, offset+n+n2)
		if err != nil {
			return nil, err
		}

		bci := int32(zigzagDecode(bciZigzag))
		frames = append(frames, Frame{Method: methods.Get(int32(idx)), BCI: bci})
		_ = n3
		offset = int(sender)
	}
	return frames, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func readUvarint(data []byte, offset int) (value uint64, n int, err error) {
	var shift uint
	pos := offset
	for {
		if pos >= len(data) {
			return 0, 0, fmt.Errorf("jitsection: truncated varint at offset %d", offset)
		}
		b := data[pos]
		value |= uint64(b&0x7f) << shift
		pos++
		if b&0x80 == 0 {
			return value, pos - offset, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, 0, fmt.Errorf("jitsection: varint too long at offset %d", offset)
		}
	}
}

func zigzagDecode(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}
