// Package sideband turns one CPU's raw perf_event record stream (a
// capture's embedded sideband segment, read via
// perffile.NewRawRecords) into the TSC-ordered thread-switch schedule
// the per-CPU decoder interleaves with its PT stream. The schedule is
// built from switch, ITRACE_START and LOST_SAMPLES records only; sample
// records are not consulted and no sample stream is produced.
//
// TSC<->perf-time conversion follows the runtime's own pev_time_to_tsc
// (sideband/pevent.cpp): perf records carry a wall-clock "time" field
// sampled from the same clocksource the kernel uses to timestamp PT
// PSB packets, and the two are related by a fixed-point multiply/shift
// using the TraceHeader's TimeMult/TimeShift/TimeZero fields.
package sideband

import (
	"fmt"
	"sort"

	"github.com/jportal-trace/decode/capture"
	"github.com/jportal-trace/decode/perffile"
)

// TimeConv converts between perf sample time and TSC, parameterized by
// the capture's TraceHeader.
type TimeConv struct {
	TimeZero  uint64
	TimeMult  uint32
	TimeShift uint16
}

// NewTimeConv builds a TimeConv from a capture's TraceHeader.
func NewTimeConv(h *capture.TraceHeader) (TimeConv, error) {
	if h.TimeMult == 0 {
		return TimeConv{}, fmt.Errorf("sideband: header has zero time_mult, cannot convert time to TSC")
	}
	return TimeConv{TimeZero: h.TimeZero, TimeMult: h.TimeMult, TimeShift: h.TimeShift}, nil
}

// ToTSC converts a perf sample's time field to a TSC value.
func (c TimeConv) ToTSC(time uint64) uint64 {
	time -= c.TimeZero
	quot := time / uint64(c.TimeMult)
	rem := time % uint64(c.TimeMult)
	quot <<= c.TimeShift
	rem <<= c.TimeShift
	rem /= uint64(c.TimeMult)
	return quot + rem
}

// FromTSC converts a TSC value back to perf sample time.
func (c TimeConv) FromTSC(tsc uint64) uint64 {
	quot := tsc >> c.TimeShift
	rem := tsc & (1<<c.TimeShift - 1)
	quot *= uint64(c.TimeMult)
	rem *= uint64(c.TimeMult)
	rem >>= c.TimeShift
	return c.TimeZero + quot + rem
}

// SwitchEvent is one context-switch-in/out boundary on the CPU this
// schedule was built for, with its TSC already resolved.
type SwitchEvent struct {
	TSC  uint64
	TID  int
	PID  int
	Out  bool // true = switching away from TID, false = switching in to TID
	Loss bool // true if this boundary follows a PERF_RECORD_LOST_SAMPLES gap
}

// Schedule is the TSC-ordered sequence of thread switches observed on
// one CPU's sideband channel, plus the ITRACE_START records that tell
// the decoder which thread owns the very first PT bytes.
type Schedule struct {
	Switches []SwitchEvent
}

// Build replays a CPU's raw sideband record stream (already carved out
// by package split) into a Schedule.
//
// format is the sample_type the sideband channel was opened with
// (TraceHeader.SampleType); it determines which trailer fields every
// non-sample record carries.
func Build(data []byte, format perffile.SampleFormat, conv TimeConv) (*Schedule, error) {
	rs := perffile.NewRawRecords(data, format)

	sched := &Schedule{}
	lossPending := false

	for rs.Next() {
		switch rec := rs.Record.(type) {
		case *perffile.RecordSwitch:
			c := rec.Common()
			sched.Switches = append(sched.Switches, SwitchEvent{
				TSC:  conv.ToTSC(c.Time),
				TID:  c.TID,
				PID:  c.PID,
				Out:  rec.Out,
				Loss: lossPending,
			})
			lossPending = false

		case *perffile.RecordSwitchCPUWide:
			c := rec.Common()
			tid, pid := c.TID, c.PID
			if rec.Out {
				tid, pid = rec.SwitchTID, rec.SwitchPID
			}
			sched.Switches = append(sched.Switches, SwitchEvent{
				TSC:  conv.ToTSC(c.Time),
				TID:  tid,
				PID:  pid,
				Out:  rec.Out,
				Loss: lossPending,
			})
			lossPending = false

		case *perffile.RecordLostSamples:
			lossPending = true

		case *perffile.RecordItraceStart:
			c := rec.Common()
			sched.Switches = append(sched.Switches, SwitchEvent{
				TSC:  conv.ToTSC(c.Time),
				TID:  rec.TID,
				PID:  rec.PID,
				Out:  false,
				Loss: lossPending,
			})
			lossPending = false
		}
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("sideband: %w", err)
	}

	sort.SliceStable(sched.Switches, func(i, j int) bool { return sched.Switches[i].TSC < sched.Switches[j].TSC })
	return sched, nil
}

// ThreadAt returns the tid scheduled on the CPU at tsc, and whether the
// preceding switch-in carried a loss marker (meaning the decoder should
// flag the following span's head as lossy). It returns (0, false,
// false) if tsc precedes the first recorded switch.
func (s *Schedule) ThreadAt(tsc uint64) (tid int, loss bool, ok bool) {
	i := sort.Search(len(s.Switches), func(i int) bool { return s.Switches[i].TSC > tsc }) - 1
	if i < 0 {
		return 0, false, false
	}
	ev := s.Switches[i]
	if ev.Out {
		return 0, ev.Loss, false
	}
	return ev.TID, ev.Loss, true
}
