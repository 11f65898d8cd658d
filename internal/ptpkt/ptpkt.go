// Package ptpkt implements the two Intel PT packet-stream primitives
// this repository's core needs directly: PSB synchronization-point
// detection (for splitting a capture into per-CPU decode jobs) and a
// minimal IP/status packet cursor (for locating the instruction
// pointer values a per-CPU decoder classifies against the codelet and
// JIT section tables).
//
// This is deliberately not a PT decoder. Full Intel PT semantic
// decoding — TNT packet interpretation, conditional branch
// resolution, compound packet sequencing — is out of scope: this
// package keeps to packet/sync primitives and leaves filling in the
// branch an unconditional FUP/TIP bracket describes to whatever
// consumer needs full control-flow reconstruction. No
// library in the retrieved pack binds libipt or any other PT decode
// engine, so there is nothing to wire here; stdlib byte inspection of
// the packet opcodes in the Intel SDM Vol 3C §33 table needs no
// third-party decoder.
package ptpkt

// PSB is the 16-byte Packet Stream Boundary packet: the 2-byte pattern
// (0x02, 0x82) repeated eight times.
var PSB = []byte{0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82, 0x02, 0x82}

// PSBEND is the 2-byte packet terminating a PSB+ synchronization
// sequence.
var PSBEND = []byte{0x02, 0x23}

// FindPSB scans data starting at offset for the next PSB packet,
// returning its start offset, or -1 if none is found.
func FindPSB(data []byte, offset int) int {
	for i := offset; i+len(PSB) <= len(data); i++ {
		if matches(data, i, PSB) {
			return i
		}
	}
	return -1
}

func matches(data []byte, at int, pat []byte) bool {
	if at+len(pat) > len(data) {
		return false
	}
	for i, b := range pat {
		if data[at+i] != b {
			return false
		}
	}
	return true
}

// CountPSBs scans data for PSB packets starting at offset and returns
// the offset immediately after the n'th one found, along with how many
// were actually found (fewer than n at end of data). This is the
// primitive package split uses to carve a capture's PT stream into
// chunks of a fixed number of synchronization points.
func CountPSBs(data []byte, offset, n int) (end int, found int) {
	pos := offset
	for found = 0; found < n; found++ {
		i := FindPSB(data, pos)
		if i < 0 {
			return len(data), found
		}
		pos = i + len(PSB)
	}
	return pos, found
}

// packet opcodes this cursor recognizes, per Intel SDM Vol 3C §33.
const (
	opPad    = 0x00
	opTIPPGE = 0x11 // TIP.PGE, 1-byte opcode with variable-length IP payload
	opTIP    = 0x0d
	opFUP    = 0x1d
	opTSC    = 0x19 // full 56-bit TSC, 1-byte opcode + 7-byte payload
)

// tscPayloadLen is the fixed payload size of a TSC packet.
const tscPayloadLen = 7

// Event is one IP-carrying packet the cursor surfaces: a TIP (branch
// target), TIP.PGE (tracing resumed, i.e. a thread switch boundary),
// or FUP (flow update, last-known IP before an async event). TSC is
// the most recent full-precision timestamp packet seen at or before
// this event; MTC/CYC sub-packets that would refine this further
// between TSC packets are not decoded (see package doc), so every
// event between two TSC packets carries the same TSC value.
type Event struct {
	Offset  int
	Kind    EventKind
	IP      uint64
	IPBytes int // how many bytes of IP this packet carried (compression level)
	TSC     uint64
}

// EventKind distinguishes the three IP-carrying packet kinds this
// cursor decodes.
type EventKind int

const (
	EventTIP EventKind = iota
	EventTIPPGE
	EventFUP
)

// ipPayloadLen maps a PT IPBytes compression selector (the packet's
// top 3 bits, cyp field) to payload length in bytes.
var ipPayloadLen = [8]int{0, 2, 4, 6, 6, 0, 8, 0}

// Cursor walks a PT byte stream emitting the IP-carrying packets it
// recognizes. It steps over PAD packets and consumes TSC packets; any
// other packet (PSB, TNT, MTC, CYC, ...) ends the walk, as Next
// describes.
type Cursor struct {
	data    []byte
	pos     int
	lastIP  uint64 // last fully-resolved IP, for compressed IP payloads
	lastTSC uint64 // most recent full TSC packet value seen
}

// NewCursor returns a Cursor over data starting at offset.
func NewCursor(data []byte, offset int) *Cursor {
	return &Cursor{data: data, pos: offset}
}

// Pos returns the cursor's current byte offset into data. Callers use
// this after Next returns false to tell a clean end of data (Pos ==
// len(data)) from a stream that desynced on an unrecognized packet
// (Pos < len(data)).
func (c *Cursor) Pos() int { return c.pos }

// Next advances the cursor to the next recognized IP-carrying packet.
// It returns false at end of data, on a truncated packet, or on a
// packet it does not recognize.
func (c *Cursor) Next() (Event, bool) {
	for c.pos < len(c.data) {
		b := c.data[c.pos]

		if b == opTSC {
			start := c.pos + 1
			if start+tscPayloadLen > len(c.data) {
				return Event{}, false
			}
			var v uint64
			for i := tscPayloadLen - 1; i >= 0; i-- {
				v = v<<8 | uint64(c.data[start+i])
			}
			c.lastTSC = v
			c.pos = start + tscPayloadLen
			continue
		}

		op := b & 0x1f
		switch {
		case b == opPad:
			c.pos++
			continue

		case op == opTIP || op == opTIPPGE || op == opFUP:
			cyp := int(b >> 5)
			n := ipPayloadLen[cyp]
			start := c.pos + 1
			if start+n > len(c.data) {
				return Event{}, false
			}
			ip := decodeIP(c.lastIP, c.data[start:start+n], cyp)
			ev := Event{Offset: c.pos, IP: ip, IPBytes: n, TSC: c.lastTSC}
			switch op {
			case opTIP:
				ev.Kind = EventTIP
			case opTIPPGE:
				ev.Kind = EventTIPPGE
			case opFUP:
				ev.Kind = EventFUP
			}
			c.lastIP = ip
			c.pos = start + n
			return ev, true

		default:
			// Unrecognized/uninterpreted packet: we don't know its
			// length without full decoding, so the conservative and
			// correct move is to stop rather than guess and
			// misalign. Callers resynchronize at the next PSB.
			return Event{}, false
		}
	}
	return Event{}, false
}

// decodeIP reconstructs a (possibly compressed) IP payload against the
// last fully-known IP, per the IP compression scheme in SDM Vol 3C
// §33.4.2.2: a short payload reuses the high bits of lastIP.
func decodeIP(lastIP uint64, payload []byte, cyp int) uint64 {
	var v uint64
	for i := len(payload) - 1; i >= 0; i-- {
		v = v<<8 | uint64(payload[i])
	}
	switch cyp {
	case 1: // bits 0-15 updated, bits 63-16 kept from lastIP unchanged
		return (lastIP &^ 0xffff) | v
	case 2: // bits 0-31 updated
		return (lastIP &^ 0xffffffff) | v
	case 3: // bits 0-47 from the payload, sign-extended to 63:48
		if v&(1<<47) != 0 {
			return v | 0xffff000000000000
		}
		return v
	case 4: // bits 0-47 updated, bits 63-48 kept from lastIP
		return (lastIP &^ 0xffffffffffff) | v
	case 6: // full 64-bit IP
		return v
	default:
		return lastIP
	}
}
