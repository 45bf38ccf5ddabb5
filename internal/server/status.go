package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/kansoku/internal/broadcast"
	"github.com/ashita-ai/kansoku/internal/frameserver"
	"github.com/ashita-ai/kansoku/internal/metrics"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/output"
	"github.com/ashita-ai/kansoku/internal/workerpool"
)

// Pipeline is the running pipeline as seen by the HTTP handlers.
type Pipeline interface {
	Status(ctx context.Context) Status
	// RequestBasis flags frame for basis emission, or the next unemitted
	// frame when frame is nil, and returns the flagged frame number.
	RequestBasis(frame *model.FrameNumber) (model.FrameNumber, error)
}

// Status is a point-in-time view of every pipeline component.
type Status struct {
	Frames  frameserver.Stats  `json:"frames"`
	Output  output.Stats       `json:"output"`
	Pools   []workerpool.Stats `json:"pools"`
	Stages  []metrics.Snapshot `json:"stages"`
	Stream  broadcast.Stats    `json:"stream"`
	Storage *StorageStatus     `json:"storage,omitempty"`
	Log     *LogStatus         `json:"log,omitempty"`
}

// StorageStatus describes the database sink.
type StorageStatus struct {
	Backend     string `json:"backend"`
	Connected   bool   `json:"connected"`
	Pending     int    `json:"pending"`
	Capacity    int    `json:"capacity"`
	Flushed     int64  `json:"flushed"`
	FlushErrors int64  `json:"flush_errors"`
	LastError   string `json:"last_error,omitempty"`
}

// LogStatus describes the frame log sink.
type LogStatus struct {
	Path    string `json:"path"`
	Records int64  `json:"records"`
	Root    string `json:"root,omitempty"`
}

// Health states, most severe first.
const (
	HealthDrained  = "drained"
	HealthStalled  = "stalled"
	HealthDraining = "draining"
	HealthDegraded = "degraded"
	HealthHealthy  = "healthy"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Uptime      int64             `json:"uptime_seconds"`
	InFlight    int               `json:"in_flight"`
	FlushCursor model.FrameNumber `json:"flush_cursor"`
	Subscribers int               `json:"subscribers"`
	Gaps        []string          `json:"gaps,omitempty"`
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Version string `json:"version"`
	Uptime  int64  `json:"uptime_seconds"`
	Status
}

// Evaluate derives the health state from st. Gaps lists every condition
// that keeps the pipeline from being healthy.
func Evaluate(st Status) (string, []string) {
	var gaps []string

	if st.Output.Stalled {
		gaps = append(gaps, fmt.Sprintf("frame %d has waited %s for %s",
			st.Output.FlushCursor, st.Output.StallFor.Round(time.Millisecond),
			strings.Join(st.Output.WaitingOn, ", ")))
	}
	if st.Output.SinkErrors > 0 {
		gaps = append(gaps, fmt.Sprintf("%d sink write errors", st.Output.SinkErrors))
	}
	if s := st.Storage; s != nil {
		if !s.Connected {
			gaps = append(gaps, s.Backend+" storage unreachable")
		}
		if s.LastError != "" {
			gaps = append(gaps, fmt.Sprintf("storage flush failing: %s", s.LastError))
		}
		if s.Capacity > 0 && s.Pending > s.Capacity*3/4 {
			gaps = append(gaps, fmt.Sprintf("storage buffer at %d of %d records", s.Pending, s.Capacity))
		}
	}
	if st.Stream.Overflowed {
		gaps = append(gaps, "stream backlog overflowed, new subscribers wait for the next basis")
	}
	for _, p := range st.Pools {
		if p.Paused {
			gaps = append(gaps, fmt.Sprintf("pool %s paused", p.Name))
		}
	}

	switch {
	case st.Frames.Drained:
		return HealthDrained, gaps
	case st.Output.Stalled:
		return HealthStalled, gaps
	case st.Frames.Draining:
		return HealthDraining, gaps
	case len(gaps) > 0:
		return HealthDegraded, gaps
	default:
		return HealthHealthy, gaps
	}
}
