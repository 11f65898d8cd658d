// Command jportaldecode decodes a capture file and its matching dump
// log into a per-thread trace of interpreted bytecodes, JIT frames,
// and thread switches.
//
// Usage:
//
//	jportaldecode <trace-file> <dump-file> [--split N] [--workers W] [-o out]
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"sort"

	"github.com/spf13/cobra"

	"github.com/aclements/go-moremath/stats"

	"github.com/jportal-trace/decode/capture"
	"github.com/jportal-trace/decode/codelet"
	"github.com/jportal-trace/decode/decoder"
	"github.com/jportal-trace/decode/dump"
	"github.com/jportal-trace/decode/perffile"
	"github.com/jportal-trace/decode/pool"
	"github.com/jportal-trace/decode/sideband"
	"github.com/jportal-trace/decode/split"
	"github.com/jportal-trace/decode/trace"
)

// exitError carries the process exit code a failure should produce:
// 0 success, 1 argument error (cobra's own usage failures), 2 file
// I/O / config error, 3 decode error beyond tolerance.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func ioErr(err error) error     { return &exitError{code: 2, err: err} }
func decodeErr(err error) error { return &exitError{code: 3, err: err} }

func main() {
	splitN := split.DefaultSyncSplitNumber
	workers := runtime.NumCPU()
	outPath := ""

	cmd := &cobra.Command{
		Use:           "jportaldecode <trace-file> <dump-file>",
		Short:         "Decode a JPortal PT capture and dump log into a per-thread trace",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1], outPath, splitN, workers)
		},
	}
	cmd.Flags().IntVar(&splitN, "split", splitN, "PSBs per decode job")
	cmd.Flags().IntVar(&workers, "workers", workers, "concurrent decode workers")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write the decoded trace summary to `file` instead of stdout")

	if err := cmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			log.Print(ee.err)
			os.Exit(ee.code)
		}
		log.Print(err)
		os.Exit(1)
	}
}

func run(tracePath, dumpPath, outPath string, splitN, workers int) error {
	dumpFile, err := os.Open(dumpPath)
	if err != nil {
		return ioErr(fmt.Errorf("opening dump log: %w", err))
	}
	defer dumpFile.Close()

	dumpResult, err := dump.Replay(dumpFile)
	if err != nil {
		return ioErr(fmt.Errorf("replaying dump log: %w", err))
	}
	if dumpResult.Codelets == nil {
		return ioErr(fmt.Errorf("dump log never reported an interpreter-info record: cannot classify any interpreted IP"))
	}

	cp, err := capture.Open(tracePath)
	if err != nil {
		return ioErr(fmt.Errorf("opening capture: %w", err))
	}
	defer cp.Close()

	conv, err := sideband.NewTimeConv(&cp.Header)
	if err != nil {
		return ioErr(err)
	}

	shared := &decoder.Shared{
		Codelets:     dumpResult.Codelets,
		Sections:     dumpResult.Sections,
		TimeConv:     conv,
		SampleFormat: perffile.SampleFormat(cp.Header.SampleType),
	}

	splitter := split.NewN(cp, splitN)
	jobs := splitter.All()

	merged, err := pool.Run(context.Background(), jobs, shared, dumpResult.MethodEntries, workers)
	if err != nil {
		return decodeErr(err)
	}

	out := os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return ioErr(fmt.Errorf("creating output file: %w", err))
		}
		defer f.Close()
		out = f
	}

	return report(out, merged, dumpResult)
}

// report writes a per-thread summary of the decoded trace, followed by
// aggregate statistics over each thread's split sizes.
func report(w *os.File, data *trace.Data, dumpResult *dump.Result) error {
	threads := data.Threads()
	tids := make([]int64, 0, len(threads))
	for tid := range threads {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })

	var splitLens []float64
	for _, tid := range tids {
		spans := threads[tid]
		fmt.Fprintf(w, "thread %d: %d split(s)\n", tid, len(spans))
		for _, s := range spans {
			end := s.EndAddr
			if end == trace.OpenEndAddr {
				end = data.Len()
			}
			splitLens = append(splitLens, float64(end-s.StartAddr))
			fmt.Fprintf(w, "  [%d,%d) tsc=[%d,%d) head_loss=%v tail_loss=%v\n",
				s.StartAddr, end, s.StartTime, s.EndTime, s.HeadLoss, s.TailLoss)

			rd := trace.NewReaderRange(data, s.StartAddr, end)
			for {
				rec, ok := rd.Next()
				if !ok {
					break
				}
				switch rec.Kind {
				case codelet.Bytecode:
					fmt.Fprintf(w, "    bytecode x%d\n", len(rec.Bytecodes))
				case trace.JITKind:
					fmt.Fprintf(w, "    jit pcs=%v\n", rec.JITPCs)
				default:
					if idx, ok := data.MethodAt(rec.Offset + 1); ok {
						if m := dumpResult.Methods.Get(idx); m != nil {
							fmt.Fprintf(w, "    %v %v\n", rec.Kind, m)
							continue
						}
					}
					fmt.Fprintf(w, "    %v\n", rec.Kind)
				}
			}
		}
	}

	if len(splitLens) > 0 {
		sample := stats.Sample{Xs: splitLens}
		fmt.Fprintf(w, "\nsplit sizes: n=%d mean=%.1f stddev=%.1f median=%.1f\n",
			len(splitLens), sample.Mean(), sample.StdDev(), sample.Percentile(0.5))
	}
	return nil
}

