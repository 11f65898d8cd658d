// Package method holds the method descriptor table that the dump
// replayer (package dump) populates and the JIT section registry
// (package jitsection) and the CLI report consult to turn a bare
// method index into a class/method/signature triple.
//
// The table is frozen before decoding starts: every method is known by
// the time the dump has been fully replayed, and workers only ever
// read it concurrently afterward.
package method

import "fmt"

// Method describes one Java method as reported by the instrumented
// runtime's class loading and JIT events.
type Method struct {
	Index     int32
	Klass     string
	Name      string
	Signature string

	// TID is the Java thread that first reported this method, set
	// only for methods discovered via a MethodEntryInitial record.
	TID uint64
}

func (m *Method) String() string {
	if m == nil {
		return "<nil method>"
	}
	return fmt.Sprintf("%s.%s%s", m.Klass, m.Name, m.Signature)
}

// Table is an append-only, index-keyed store of Methods.
//
// A Table is built single-threaded while the dump log is replayed and
// is read-only for the rest of a decode run, so no synchronization is
// needed once replay finishes.
type Table struct {
	byIndex map[int32]*Method
}

// NewTable returns an empty method table.
func NewTable() *Table {
	return &Table{byIndex: make(map[int32]*Method)}
}

// Add registers m, replacing any previous method with the same index.
//
// The runtime can legitimately reuse a method index after a class is
// unloaded; Add always reflects the most recent definition, matching
// the dump replayer's last-writer-wins treatment of method metadata.
func (t *Table) Add(m *Method) {
	t.byIndex[m.Index] = m
}

// Get returns the method registered under idx, or nil if none is
// known. A nil result is not an error: a decoder encountering an
// unknown method index for a compiled frame still emits the frame with
// a nil Method, deferring interpretation to the consumer.
func (t *Table) Get(idx int32) *Method {
	return t.byIndex[idx]
}

// Len reports how many methods are currently registered.
func (t *Table) Len() int {
	return len(t.byIndex)
}
