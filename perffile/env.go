package perffile

import (
	"bytes"
	"fmt"
	"io"
)

// recordEnv carries the cross-event-type information Records needs to
// parse the sample_id trailer and resolve EventAttrs by ID.
// NewRawRecords synthesizes one around a single fixed EventAttr for
// inputs that have no perf.data attr section at all (e.g. a raw
// sideband record stream).
type recordEnv struct {
	sampleIDOffset int // byte offset of AttrID in sample
	recordIDOffset int // byte offset of AttrID in non-sample, from end
	sampleIDAll    bool

	idToAttr   map[attrID]*EventAttr
	singleAttr *EventAttr // set instead of idToAttr for raw streams
}

func (e *recordEnv) getAttr(id attrID) (*EventAttr, error) {
	if e.singleAttr != nil {
		return e.singleAttr, nil
	}
	if attr, ok := e.idToAttr[id]; ok {
		return attr, nil
	}
	return nil, fmt.Errorf("event has unknown eventAttr ID %d", id)
}

// fallbackAttr returns the EventAttr to assume when a throttle event
// carries an ID that was never registered, or nil if there is none.
func (e *recordEnv) fallbackAttr() *EventAttr {
	if e.singleAttr != nil {
		return e.singleAttr
	}
	return e.idToAttr[0]
}

// NewRawRecords returns an iterator over a bare stream of perf_event
// records that was never wrapped in a "perf.data" file -- the shape a
// capture's embedded sideband segment takes, with no PERFILE2 header,
// attr table, or feature sections to recover SampleFormat from.
//
// format describes the sample_id trailer every record in data carries,
// per the single fixed EventAttr the caller's sideband channel was
// opened with (one perf_event_open call produces one sample_type for
// the whole stream, unlike a merged perf.data file's multiple attrs).
func NewRawRecords(data []byte, format SampleFormat) *Records {
	attr := &EventAttr{SampleFormat: format}
	env := &recordEnv{
		sampleIDOffset: format.sampleIDOffset(),
		recordIDOffset: format.recordIDOffset(),
		sampleIDAll:    true,
		singleAttr:     attr,
	}
	sr := io.NewSectionReader(bytes.NewReader(data), 0, int64(len(data)))
	return &Records{env: env, sr: newBufferedSectionReader(sr)}
}
