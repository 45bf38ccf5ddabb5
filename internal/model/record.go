package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Record is one emitted frame as written to the durable log and pushed to
// realtime subscribers. A basis record carries every field of the frame; a
// diff record carries only the fields that differ from the most recent basis.
type Record struct {
	FrameNumber FrameNumber                `json:"frameNumber"`
	Timestamps  Timestamps                 `json:"timestamps"`
	IsBasis     bool                       `json:"isBasis"`
	Payload     map[string]json.RawMessage `json:"payload"`
	Hash        string                     `json:"hash,omitempty"`
}

// Keys returns the payload keys in sorted order.
func (r *Record) Keys() []string {
	return slices.Sorted(maps.Keys(r.Payload))
}

// Marshal encodes the record as a single line of JSON without a trailing
// newline. Payload keys are emitted in sorted order.
func (r *Record) Marshal() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("model: marshal record %d: %w", r.FrameNumber, err)
	}
	return b, nil
}

// UnmarshalRecord decodes a single record line.
func UnmarshalRecord(b []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("model: unmarshal record: %w", err)
	}
	return r, nil
}
