// Package pool runs every decode job a splitter yields across a fixed
// number of concurrent workers and merges their independent outputs
// into one trace.Data.
//
// This generalizes TraceSplitter's job-queue-plus-worker-threads model
// (trace_splitter.hpp, decode_result.cpp) from a fixed native thread
// pool pulling off a shared queue to golang.org/x/sync/errgroup fanning
// jobs out over goroutines, each with its own decoder.Decode call and
// private trace.Recorder — matching the "shared read-only state,
// per-worker write buffers, no decode-time locking" concurrency model.
package pool

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/jportal-trace/decode/codelet"
	"github.com/jportal-trace/decode/decoder"
	"github.com/jportal-trace/decode/dump"
	"github.com/jportal-trace/decode/split"
	"github.com/jportal-trace/decode/trace"
)

// Run decodes every job in jobs using up to workers concurrent
// decoder.Decode calls, merges the results in (cpu, window) order, and
// resolves method_entry record identity against entries (the dump
// replay's per-thread method-entry occurrence log) as a final
// single-threaded pass.
//
// A worker's decode error aborts the whole run: per the error-handling
// taxonomy, decoder.Decode only returns a config/io-class failure (a
// malformed sideband stream), which halts the pipeline rather than
// being folded into a loss marker.
func Run(ctx context.Context, jobs []split.Job, shared *decoder.Shared, entries []dump.MethodEntryEvent, workers int) (*trace.Data, error) {
	if workers < 1 {
		workers = 1
	}

	results := make([]*trace.Data, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, workers)

	for i, job := range jobs {
		i, job := i, job
		select {
		case sem <- struct{}{}:
		case <-gctx.Done():
			return nil, g.Wait()
		}
		g.Go(func() error {
			defer func() { <-sem }()
			d, err := decoder.Decode(job, shared)
			if err != nil {
				return fmt.Errorf("pool: worker for cpu %d window %d: %w", job.CPU, job.Window, err)
			}
			results[i] = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	ordered := orderByCPUWindow(jobs, results)
	merged := trace.Merge(ordered)
	resolveMethodEntries(merged, entries)
	return merged, nil
}

// orderByCPUWindow returns results reordered to match jobs sorted by
// (cpu, window), the merge order the runtime's own worker pool uses.
func orderByCPUWindow(jobs []split.Job, results []*trace.Data) []*trace.Data {
	order := make([]int, len(jobs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ja, jb := jobs[order[a]], jobs[order[b]]
		if ja.CPU != jb.CPU {
			return ja.CPU < jb.CPU
		}
		return ja.Window < jb.Window
	})
	ordered := make([]*trace.Data, len(jobs))
	for i, idx := range order {
		ordered[i] = results[idx]
	}
	return ordered
}

// resolveMethodEntries walks merged's per-thread splits, in split
// order, and assigns each method_entry record the next queued dump
// occurrence for that thread. PT alone cannot tell which method a
// method_entry codelet hit belongs to (every method funnels through
// the same handful of entry codelet addresses); the dump log's
// per-occurrence method_entry events, consumed in the same order the
// runtime recorded them, resolve the ambiguity.
func resolveMethodEntries(data *trace.Data, entries []dump.MethodEntryEvent) {
	queues := make(map[int64][]int32, len(entries))
	for _, e := range entries {
		queues[e.TID] = append(queues[e.TID], e.Idx)
	}

	for tid, spans := range data.Threads() {
		q := queues[tid]
		if len(q) == 0 {
			continue
		}
		qi := 0
		for _, span := range spans {
			end := span.EndAddr
			if end == trace.OpenEndAddr {
				end = data.Len()
			}
			rd := trace.NewReaderRange(data, span.StartAddr, end)
			for {
				rec, ok := rd.Next()
				if !ok || qi >= len(q) {
					break
				}
				if rec.Kind == codelet.MethodEntry {
					data.SetMethodInfo(rec.Offset+1, q[qi])
					qi++
				}
			}
		}
	}
}
