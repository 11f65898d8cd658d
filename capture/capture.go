// Package capture reads the on-disk JPortal capture file: a fixed
// TraceHeader describing the PT configuration the capture was taken
// with, followed by a per-CPU directory of PT and sideband segment
// offsets. It is the file-format analog of perffile's "perf.data"
// header, generalized to a layout with no PERFILE2 magic or attr
// table, since the capture is produced directly by the instrumented
// runtime rather than by "perf record".
package capture

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// TraceHeader is the fixed-size prologue of a capture file. Field
// order and types mirror the runtime's on-disk struct exactly; no
// field may be reordered or resized without breaking existing
// captures.
type TraceHeader struct {
	HeaderSize uint64 // total bytes of this header, a format sanity check

	Vendor   uint64 // 0 = unknown, 1 = Intel
	Family   uint16
	Model    uint8
	Stepping uint8
	NrCPUs   int32

	MTCFreq   uint8
	NomFreq   uint8
	TimeShift uint16

	CPUID15EAX uint32
	CPUID15EBX uint32
	TimeMult   uint32

	Addr0A uint64 // IP filter range, low bound
	Addr0B uint64 // IP filter range, high bound

	TimeZero   uint64
	SampleType uint64 // perf_event_attr.sample_type for the sideband channel
}

const traceHeaderSize = 72

// segment is one contiguous byte range within the capture file.
type segment struct {
	Offset uint64
	Size   uint64
}

// CPUDirectory lists, for one CPU, the PT and sideband byte ranges
// recorded for it. A capture may list more than one PT segment per CPU
// when the runtime paused and resumed tracing.
type CPUDirectory struct {
	CPU      uint32
	PT       []segment
	Sideband segment
}

// PTRanges returns the (offset, size) pairs of this CPU's PT segments,
// in capture order.
func (d *CPUDirectory) PTRanges() [][2]uint64 {
	out := make([][2]uint64, len(d.PT))
	for i, s := range d.PT {
		out[i] = [2]uint64{s.Offset, s.Size}
	}
	return out
}

// Capture is an opened capture file: its header, per-CPU directory,
// and the memory-mapped file contents backing both.
type Capture struct {
	Header TraceHeader
	CPUs   []CPUDirectory

	f    *os.File
	data []byte // memory-mapped file contents
}

// Open mmaps path and parses its header and directory.
//
// Memory-mapping is the preferred I/O strategy here: a capture's PT
// and sideband segments are read randomly and repeatedly by the
// splitter and by each worker's decoder, and mmap lets the kernel
// manage the working set instead of every reader keeping its own
// buffered copy.
func Open(path string) (*Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: stat %s: %w", path, err)
	}
	if fi.Size() < traceHeaderSize {
		f.Close()
		return nil, fmt.Errorf("capture: %s is %d bytes, too small for a header", path, fi.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("capture: mmap %s: %w", path, err)
	}

	c := &Capture{f: f, data: data}
	if err := c.parse(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close unmaps and closes the underlying file. The byte slices
// returned by PT and Sideband become invalid after Close.
func (c *Capture) Close() error {
	var errs []error
	if c.data != nil {
		if err := unix.Munmap(c.data); err != nil {
			errs = append(errs, err)
		}
		c.data = nil
	}
	if c.f != nil {
		if err := c.f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (c *Capture) parse() error {
	r := &sectionCursor{data: c.data}
	if err := binary.Read(r, binary.LittleEndian, &c.Header); err != nil {
		return fmt.Errorf("capture: reading header: %w", err)
	}
	if c.Header.HeaderSize != traceHeaderSize {
		return fmt.Errorf("capture: %w: header_size %d, expected %d", errFormat, c.Header.HeaderSize, traceHeaderSize)
	}
	if c.Header.NrCPUs < 0 {
		return fmt.Errorf("capture: %w: negative nr_cpus %d", errFormat, c.Header.NrCPUs)
	}

	c.CPUs = make([]CPUDirectory, c.Header.NrCPUs)
	for i := range c.CPUs {
		var nCPU, nPT uint32
		if err := binary.Read(r, binary.LittleEndian, &nCPU); err != nil {
			return fmt.Errorf("capture: reading directory entry %d: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &nPT); err != nil {
			return fmt.Errorf("capture: reading directory entry %d: %w", i, err)
		}
		d := &c.CPUs[i]
		d.CPU = nCPU
		d.PT = make([]segment, nPT)
		for j := range d.PT {
			if err := binary.Read(r, binary.LittleEndian, &d.PT[j]); err != nil {
				return fmt.Errorf("capture: reading PT segment %d for cpu %d: %w", j, nCPU, err)
			}
		}
		if err := binary.Read(r, binary.LittleEndian, &d.Sideband); err != nil {
			return fmt.Errorf("capture: reading sideband segment for cpu %d: %w", nCPU, err)
		}
	}
	return nil
}

var errFormat = fmt.Errorf("malformed capture")

// PT returns the bytes of the i'th PT segment for cpu's directory
// entry, as a view into the mmap'd file.
func (c *Capture) PT(d *CPUDirectory, i int) []byte {
	s := d.PT[i]
	return c.data[s.Offset : s.Offset+s.Size]
}

// Sideband returns the bytes of cpu's sideband segment.
func (c *Capture) Sideband(d *CPUDirectory) []byte {
	s := d.Sideband
	return c.data[s.Offset : s.Offset+s.Size]
}

// sectionCursor is a minimal io.Reader over a byte slice. Parse errors
// do not report its offset.
type sectionCursor struct {
	data []byte
	pos  int64
}

func (s *sectionCursor) Read(p []byte) (int, error) {
	if s.pos >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += int64(n)
	return n, nil
}
