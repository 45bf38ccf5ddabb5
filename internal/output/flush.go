package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/ashita-ai/kansoku/internal/integrity"
	"github.com/ashita-ai/kansoku/internal/model"
)

// BasisPolicy decides which records carry the full payload. The first record
// is always a basis. Decisions depend only on frame numbers and stream
// timestamps, so a replay of the same input emits the same record sequence.
type BasisPolicy struct {
	EveryFrames int           // Emit a basis at least every N frames. 0 disables.
	Interval    time.Duration // Emit a basis at least every interval of stream time. 0 disables.
}

func (p BasisPolicy) validate() error {
	if p.EveryFrames < 0 || p.Interval < 0 {
		return fmt.Errorf("output: basis policy must not be negative: %w", model.ErrConfiguration)
	}
	return nil
}

type basisState struct {
	number model.FrameNumber
	start  time.Duration
	fields map[string]json.RawMessage
}

func (d *Driver) isBasisLocked(c *container) bool {
	switch {
	case d.basis == nil, c.basisFlagged:
		return true
	case d.cfg.Basis.EveryFrames > 0 && int(c.number-d.basis.number) >= d.cfg.Basis.EveryFrames:
		return true
	case d.cfg.Basis.Interval > 0 && c.timestamps.Start-d.basis.start >= d.cfg.Basis.Interval:
		return true
	}
	return false
}

var jsonNull = json.RawMessage("null")

// missingLocked returns the declared core fields c has no value for, sorted.
func (d *Driver) missingLocked(c *container) []string {
	var missing []string
	for k, late := range d.declared {
		if _, ok := c.fields[k]; !ok && !late {
			missing = append(missing, k)
		}
	}
	slices.Sort(missing)
	return missing
}

// buildRecordLocked turns c into a record. Every declared field is present in
// a basis; a declared core field that was never set is emitted as null, so a
// diff can tell a removed value from an unchanged one. Diff records carry the
// fields whose serialized value differs from the last basis or that the basis
// lacks. It also returns the fields that had to be filled with null.
func (d *Driver) buildRecordLocked(c *container) (*model.Record, []string) {
	missing := d.missingLocked(c)
	for _, k := range missing {
		c.fields[k] = jsonNull
	}

	rec := &model.Record{
		FrameNumber: c.number,
		Timestamps:  c.timestamps,
		IsBasis:     d.isBasisLocked(c),
	}
	if rec.IsBasis {
		rec.Payload = maps.Clone(c.fields)
		d.basis = &basisState{number: c.number, start: c.timestamps.Start, fields: c.fields}
	} else {
		rec.Payload = make(map[string]json.RawMessage)
		for k, v := range c.fields {
			if prev, ok := d.basis.fields[k]; !ok || !bytes.Equal(prev, v) {
				rec.Payload[k] = v
			}
		}
	}
	rec.Hash = integrity.RecordHash(rec)
	return rec, missing
}

// writeLoop emits ready frames at the flush cursor until Close is called,
// then emits whatever is still ready and exits.
func (d *Driver) writeLoop(ctx context.Context) {
	defer close(d.done)
	for {
		d.mu.Lock()
		var c *container
		for {
			c = d.containerLocked(d.flush)
			if c != nil && c.ready() {
				break
			}
			if d.stopping {
				d.mu.Unlock()
				return
			}
			d.cond.Wait()
		}

		d.ring[int(c.number)%d.cfg.Capacity] = nil
		rec, missing := d.buildRecordLocked(c)
		d.flush++
		d.cursorSince = time.Now()
		d.nextWarn = d.cfg.StallWarnAfter
		d.cond.Broadcast()
		d.mu.Unlock()

		if len(missing) > 0 {
			if c.incomplete {
				d.logger.Debug("output: incomplete frame emitted", "frame", c.number, "missing", missing)
			} else {
				d.fail(fmt.Errorf("output: frame %d: declared fields never set %v: %w", c.number, missing, model.ErrUsage))
			}
		}
		d.emit(ctx, rec)
	}
}

func (d *Driver) emit(ctx context.Context, rec *model.Record) {
	line, err := rec.Marshal()
	if err != nil {
		d.fail(fmt.Errorf("output: frame %d: %w", rec.FrameNumber, err))
		return
	}

	writeCtx := context.WithoutCancel(ctx)
	for _, s := range d.sinks {
		if err := s.Write(writeCtx, rec, line); err != nil {
			d.sinkErrors.Add(1)
			d.fail(fmt.Errorf("output: write frame %d: %w", rec.FrameNumber, err))
		}
	}
	if d.cfg.Broadcaster != nil {
		d.cfg.Broadcaster.Broadcast(line, rec.IsBasis)
	}

	d.flushed.Add(1)
	if rec.IsBasis {
		d.bases.Add(1)
	}
	if err := d.coord.SatisfyCheckpoint(ctx, rec.FrameNumber, model.StatusCompleted, CheckpointFlushed); err != nil {
		d.fail(fmt.Errorf("output: frame %d: %w", rec.FrameNumber, err))
	}
}
