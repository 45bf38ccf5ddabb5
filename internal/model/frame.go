// Package model holds the data types shared across the pipeline: frame
// identity, lifecycle status, stream timestamps, and the emitted record.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// FrameNumber identifies a frame for its whole lifetime. Numbers are assigned
// at insertion starting at 0 and are gapless and strictly increasing.
type FrameNumber int64

// Status is a frame's position in its lifecycle. Statuses are totally ordered
// and a frame only ever moves forward.
type Status int

const (
	StatusCapturing Status = iota
	StatusAnalyzing
	StatusLateProcessing
	StatusCompleted
	StatusDrained
)

// StatusCount is the number of defined statuses, including the terminal one.
const StatusCount = int(StatusDrained) + 1

var statusNames = [StatusCount]string{
	"capturing",
	"analyzing",
	"late_processing",
	"completed",
	"drained",
}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	return s >= StatusCapturing && s <= StatusDrained
}

// Terminal reports whether s is the final status. Checkpoints cannot be
// registered on the terminal status.
func (s Status) Terminal() bool {
	return s == StatusDrained
}

// MarshalText lets statuses key JSON objects in status snapshots.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("model: invalid status %d", int(s))
	}
	return []byte(statusNames[s]), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus returns the status with the given name.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("model: unknown status %q", name)
}

// Timestamps locates a frame within the stream. Both values are offsets from
// the start of the stream as reported by the source, never wall-clock time,
// so replaying the same input yields the same timestamps.
type Timestamps struct {
	Start        time.Duration
	EstimatedEnd time.Duration
}

// Contains reports whether t falls within [Start, EstimatedEnd).
func (ts Timestamps) Contains(t time.Duration) bool {
	return t >= ts.Start && t < ts.EstimatedEnd
}

type timestampsJSON struct {
	Start        float64 `json:"start"`
	EstimatedEnd float64 `json:"estimatedEnd"`
}

// MarshalJSON encodes timestamps as fractional seconds.
func (ts Timestamps) MarshalJSON() ([]byte, error) {
	return json.Marshal(timestampsJSON{
		Start:        ts.Start.Seconds(),
		EstimatedEnd: ts.EstimatedEnd.Seconds(),
	})
}

// UnmarshalJSON decodes fractional seconds.
func (ts *Timestamps) UnmarshalJSON(b []byte) error {
	var v timestampsJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	ts.Start = Seconds(v.Start)
	ts.EstimatedEnd = Seconds(v.EstimatedEnd)
	return nil
}

// Seconds converts fractional seconds to a duration, rounding to the nearest
// nanosecond.
func Seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// RawFrame is the captured image data handed to the frame server. It is
// immutable once inserted.
type RawFrame struct {
	Data       []byte
	Width      int
	Height     int
	Timestamps Timestamps
}
