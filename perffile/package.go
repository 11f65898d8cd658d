// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package perffile decodes Linux perf_event record streams.
//
// NewRawRecords wraps a bare stream of perf_event records — the shape
// a capture's embedded sideband channel takes, with no PERFILE2 file
// header or attr table to recover a SampleFormat from — given the
// single SampleFormat the stream's one perf_event_open call was
// configured with. The resulting Records iterator decodes each record
// per the perf_event_attr sample_type bits in format.go.
package perffile
