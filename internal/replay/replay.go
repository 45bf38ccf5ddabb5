// Package replay re-supplies recorded events when a captured session is
// processed again. Events are read from a previous frame log and handed to
// each frame whose time window contains them.
package replay

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/kansoku/internal/framelog"
	"github.com/ashita-ai/kansoku/internal/frameserver"
	"github.com/ashita-ai/kansoku/internal/model"
)

// DefaultField is the payload key events are read from and supplied under.
const DefaultField = "events"

// Event is one recorded occurrence. Timestamp is an offset into the stream.
type Event struct {
	Timestamp time.Duration
	Type      string
	Data      json.RawMessage
}

type eventJSON struct {
	Timestamp *float64        `json:"timestamp,omitempty"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes the timestamp as fractional seconds.
func (e Event) MarshalJSON() ([]byte, error) {
	s := e.Timestamp.Seconds()
	return json.Marshal(eventJSON{Timestamp: &s, Type: e.Type, Data: e.Data})
}

// Coordinator is the part of the frame server the replayer subscribes to.
type Coordinator interface {
	OnStatusChange(status model.Status, h frameserver.Handler)
}

// FieldSupplier is the part of the output driver the replayer feeds.
type FieldSupplier interface {
	DeclareLateField(key string) error
	SupplyField(n model.FrameNumber, key string, value any) error
}

// Config configures a Replayer.
type Config struct {
	Path  string        // Frame log to read events from.
	From  time.Duration // Stream offset the current run starts at; earlier events are dropped.
	Field string        // Default: DefaultField.
}

// Replayer holds recorded events sorted by timestamp.
type Replayer struct {
	field    string
	events   []Event
	logger   *slog.Logger
	supplied atomic.Int64
}

// Load reads events from the frame log at cfg.Path.
func Load(logger *slog.Logger, cfg Config) (*Replayer, error) {
	f, err := os.Open(cfg.Path) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("replay: open %s: %w", cfg.Path, err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	r, err := Read(logger, f, cfg)
	if err != nil {
		return nil, fmt.Errorf("replay: %s: %w", cfg.Path, err)
	}
	return r, nil
}

// Read reads events from a frame log stream. A diff record that omits the
// field has no new events; exact duplicates are kept once.
func Read(logger *slog.Logger, src io.Reader, cfg Config) (*Replayer, error) {
	if cfg.Field == "" {
		cfg.Field = DefaultField
	}
	if cfg.From < 0 {
		return nil, fmt.Errorf("replay: negative offset %s: %w", cfg.From, model.ErrConfiguration)
	}

	var (
		events []Event
		seen   = make(map[string]bool)
		rd     = framelog.NewReader(src)
	)
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("replay: read log: %w", err)
		}
		raw, ok := rec.Payload[cfg.Field]
		if !ok {
			continue
		}
		var batch []eventJSON
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, fmt.Errorf("replay: frame %d: decode %q: %w", rec.FrameNumber, cfg.Field, err)
		}
		for _, ej := range batch {
			ts := rec.Timestamps.Start
			if ej.Timestamp != nil {
				ts = model.Seconds(*ej.Timestamp)
			}
			ts -= cfg.From
			if ts < 0 {
				continue
			}
			ev := Event{Timestamp: ts, Type: ej.Type, Data: ej.Data}
			key := fmt.Sprintf("%d|%s|%s", ev.Timestamp, ev.Type, ev.Data)
			if seen[key] {
				continue
			}
			seen[key] = true
			events = append(events, ev)
		}
	}

	return New(logger, cfg.Field, events), nil
}

// New creates a Replayer over events, which need not be sorted.
func New(logger *slog.Logger, field string, events []Event) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	if field == "" {
		field = DefaultField
	}
	sorted := slices.Clone(events)
	slices.SortStableFunc(sorted, func(a, b Event) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	return &Replayer{field: field, events: sorted, logger: logger}
}

// Field returns the late field key the replayer supplies.
func (r *Replayer) Field() string { return r.field }

// Len returns the number of loaded events.
func (r *Replayer) Len() int { return len(r.events) }

// Supplied returns how many frames have been supplied.
func (r *Replayer) Supplied() int64 { return r.supplied.Load() }

// Window returns the events in [ts.Start, ts.EstimatedEnd), never nil.
func (r *Replayer) Window(ts model.Timestamps) []Event {
	lo, _ := slices.BinarySearchFunc(r.events, ts.Start, func(e Event, t time.Duration) int {
		return cmp.Compare(e.Timestamp, t)
	})
	hi, _ := slices.BinarySearchFunc(r.events, ts.EstimatedEnd, func(e Event, t time.Duration) int {
		return cmp.Compare(e.Timestamp, t)
	})
	if hi <= lo {
		return []Event{}
	}
	return slices.Clone(r.events[lo:hi])
}

// Attach declares the replay field on out and supplies it for every frame
// as the frame starts analysis. Supply failures go to onError.
func (r *Replayer) Attach(coord Coordinator, out FieldSupplier, onError func(error)) error {
	if err := out.DeclareLateField(r.field); err != nil {
		return fmt.Errorf("replay: attach: %w", err)
	}
	coord.OnStatusChange(model.StatusAnalyzing, func(_ context.Context, f *frameserver.WorkingFrame) {
		events := r.Window(f.Timestamps())
		if err := out.SupplyField(f.Number(), r.field, events); err != nil {
			if onError != nil {
				onError(fmt.Errorf("replay: frame %d: %w", f.Number(), err))
			}
			return
		}
		r.supplied.Add(1)
		if len(events) > 0 {
			r.logger.Debug("replay: supplied events", "frame", f.Number(), "count", len(events))
		}
	})
	r.logger.Info("replay: attached", "field", r.field, "events", len(r.events))
	return nil
}
