// Package split partitions a capture's per-CPU PT stream into
// independent decode jobs at PSB synchronization boundaries, so a
// worker pool can decode a capture in parallel without workers ever
// needing to share mid-stream PT decoder state.
//
// This mirrors decoder/trace_splitter.hpp's TraceSplitter: each job
// carries a self-contained slice of PT bytes (always starting exactly
// at a PSB, since the PT decoder needs one to establish any decode
// state at all) and the CPU's full sideband slice, since sideband scope
// is per-CPU rather than per-window.
package split

import (
	"github.com/jportal-trace/decode/capture"
	"github.com/jportal-trace/decode/internal/ptpkt"
)

// DefaultSyncSplitNumber is the number of PSB synchronization points
// bounding one job's PT slice, matching
// TraceSplitter::_default_sync_split_number.
const DefaultSyncSplitNumber = 500

// Job is one independent decode unit: a PSB-aligned slice of one CPU's
// PT stream, the CPU's full sideband slice, and the window index
// locating this job among its CPU's other jobs (for ordering decoder
// output during the final merge in package pool).
type Job struct {
	CPU      uint32
	Window   int
	PT       []byte
	Sideband []byte
}

// Splitter yields Jobs from an opened Capture.
type Splitter struct {
	cap         *capture.Capture
	syncNumber  int
	cpuIdx      int
	curPT       []byte // current CPU's concatenated PT bytes not yet split off
	curCPU      uint32
	curSideband []byte
	curWindow   int
}

// New returns a Splitter over cap using the default sync-split number.
func New(cap *capture.Capture) *Splitter {
	return NewN(cap, DefaultSyncSplitNumber)
}

// NewN returns a Splitter that bounds each job to n PSBs.
func NewN(cap *capture.Capture, n int) *Splitter {
	return &Splitter{cap: cap, syncNumber: n}
}

// Next returns the next Job, or ok=false once every CPU's PT stream has
// been fully split.
func (s *Splitter) Next() (Job, bool) {
	for {
		if len(s.curPT) == 0 {
			if !s.advanceCPU() {
				return Job{}, false
			}
			continue
		}

		end, found := ptpkt.CountPSBs(s.curPT, 0, s.syncNumber)
		if found == 0 {
			// No more PSBs in the remainder: hand back whatever is
			// left as a final, possibly PSB-less tail job rather than
			// spinning forever.
			job := Job{CPU: s.curCPU, Window: s.curWindow, PT: s.curPT, Sideband: s.curSideband}
			s.curPT = nil
			s.curWindow++
			return job, true
		}
		// Cut where the next PSB begins, so the following job starts
		// exactly at a PSB; with no further PSB the job runs to the end.
		if next := ptpkt.FindPSB(s.curPT, end); next >= 0 {
			end = next
		} else {
			end = len(s.curPT)
		}

		job := Job{CPU: s.curCPU, Window: s.curWindow, PT: s.curPT[:end], Sideband: s.curSideband}
		s.curPT = s.curPT[end:]
		s.curWindow++
		return job, true
	}
}

// advanceCPU loads the next CPU's concatenated PT bytes and sideband
// slice. It returns false once every CPU directory entry has been
// consumed.
func (s *Splitter) advanceCPU() bool {
	for s.cpuIdx < len(s.cap.CPUs) {
		d := &s.cap.CPUs[s.cpuIdx]
		s.cpuIdx++
		if len(d.PT) == 0 {
			continue
		}

		var pt []byte
		for i := range d.PT {
			pt = append(pt, s.cap.PT(d, i)...)
		}
		s.curPT = pt
		s.curCPU = d.CPU
		s.curSideband = s.cap.Sideband(d)
		s.curWindow = 0
		return true
	}
	return false
}

// All drains every remaining Job from s.
func (s *Splitter) All() []Job {
	var jobs []Job
	for {
		j, ok := s.Next()
		if !ok {
			return jobs
		}
		jobs = append(jobs, j)
	}
}
