package segment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"time"

	"legsync/internal/legs"
)

// ErrMalformedLeg reports classifier output that violates leg ordering. It
// aborts the device pass instead of persisting corrupt state.
var ErrMalformedLeg = errors.New("malformed classifier leg")

// Leg change kinds reported to Events.
const (
	ChangeUnchanged  = "unchanged"
	ChangeInserted   = "inserted"
	ChangeUpdated    = "updated"
	ChangeDeleted    = "deleted"
	ChangeTerminator = "terminator"
)

// Device pass outcomes reported to Metrics.
const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeLocked    = "locked"
	OutcomeFailed    = "failed"
)

// Classifier turns a device's samples into candidate legs. Classify yields
// only legs ending after start, in time order.
type Classifier interface {
	Classify(samples []legs.Sample, start time.Time) iter.Seq[legs.Candidate]
}

type Events interface {
	LegChanged(ctx context.Context, change string, leg legs.Leg)
}

type Metrics interface {
	LegOutcome(outcome string)
	ModeWrites(n int)
	DevicePass(outcome string, d time.Duration)
}

// Stats summarizes one device pass.
type Stats struct {
	Skipped     bool
	Unchanged   int
	Inserted    int
	Updated     int
	Deleted     int
	Terminators int
	ModeWrites  int
}

// Mutations counts store writes made by the pass.
func (s Stats) Mutations() int {
	return s.Inserted + s.Updated + s.Deleted + s.Terminators + s.ModeWrites
}

type Reconciler struct {
	store      legs.LegStore
	classifier Classifier
	events     Events
	metrics    Metrics
	// preserve lists mode sources owned by other detectors; they are left
	// alone on legs whose fields did not change.
	preserve map[string]bool
}

func NewReconciler(store legs.LegStore, classifier Classifier, events Events, metrics Metrics) *Reconciler {
	return &Reconciler{
		store:      store,
		classifier: classifier,
		events:     events,
		metrics:    metrics,
		preserve:   map[string]bool{legs.SourcePlanner: true},
	}
}

// Run reconciles every device. A failing device is logged and does not stop
// the others.
func (r *Reconciler) Run(ctx context.Context, repair bool) error {
	devices, err := r.store.Devices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	var total Stats
	failed := 0
	for _, id := range devices {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := r.RunDevice(ctx, id, repair)
		if err != nil {
			if errors.Is(err, ErrMalformedLeg) {
				log.Printf("[segment] device %d: pass aborted, classifier output rejected: %v", id, err)
			} else {
				log.Printf("[segment] device %d: pass failed: %v", id, err)
			}
			failed++
			continue
		}
		total.add(st)
	}
	log.Printf("[segment] pass done: devices=%d failed=%d inserted=%d updated=%d deleted=%d unchanged=%d terminators=%d modes=%d",
		len(devices), failed, total.Inserted, total.Updated, total.Deleted, total.Unchanged, total.Terminators, total.ModeWrites)
	if failed > 0 {
		return fmt.Errorf("%d of %d devices failed", failed, len(devices))
	}
	return nil
}

// RunDevice performs one reconciliation pass for a device. Every leg merge
// commits on its own, so an error leaves earlier legs persisted and the next
// pass resumes from the same computed point.
func (r *Reconciler) RunDevice(ctx context.Context, deviceID int64, repair bool) (st Stats, err error) {
	began := time.Now()
	outcome := OutcomeProcessed
	defer func() {
		if err != nil {
			outcome = OutcomeFailed
		}
		if r.metrics != nil {
			r.metrics.DevicePass(outcome, time.Since(began))
		}
	}()

	release, ok, err := r.store.LockDevice(ctx, deviceID)
	if err != nil {
		return st, fmt.Errorf("lock device %d: %w", deviceID, err)
	}
	if !ok {
		outcome = OutcomeLocked
		st.Skipped = true
		return st, nil
	}
	defer release()

	rp, ok, err := r.resumePoint(ctx, deviceID, repair)
	if err != nil {
		return st, err
	}
	if !ok {
		outcome = OutcomeSkipped
		st.Skipped = true
		return st, nil
	}

	samples, err := r.store.Samples(ctx, deviceID, rp.rewind, rp.last)
	if err != nil {
		return st, fmt.Errorf("fetch samples of device %d: %w", deviceID, err)
	}

	var prev *legs.Leg
	for cand := range r.classifier.Classify(samples, rp.start) {
		cur := cand.Leg
		cur.ID, cur.DeviceID, cur.UserID = 0, deviceID, nil
		if err := checkOrder(prev, cur); err != nil {
			return st, fmt.Errorf("device %d: %w", deviceID, err)
		}
		overlapStart := rp.start
		if prev != nil {
			overlapStart = prev.TimeEnd
		}
		if err := r.mergeLeg(ctx, &st, cur, cand.Modes, overlapStart); err != nil {
			return st, err
		}
		prev = &cur
	}

	// Samples past the last emitted leg could not be classified yet.
	threshold := rp.start
	if prev != nil {
		threshold = prev.TimeEnd
	}
	for i, s := range samples {
		if !s.Time.Before(threshold) {
			if err := r.writeTerminator(ctx, &st, deviceID, samples[i:]); err != nil {
				return st, err
			}
			break
		}
	}
	return st, nil
}

func checkOrder(prev *legs.Leg, cur legs.Leg) error {
	switch {
	case cur.IsTerminator():
		return fmt.Errorf("%w: leg at %s has no activity", ErrMalformedLeg, cur.TimeStart.Format(time.RFC3339))
	case cur.TimeEnd.Before(cur.TimeStart):
		return fmt.Errorf("%w: leg ends %s before it starts %s", ErrMalformedLeg,
			cur.TimeEnd.Format(time.RFC3339), cur.TimeStart.Format(time.RFC3339))
	case prev != nil && cur.TimeStart.Before(prev.TimeEnd):
		return fmt.Errorf("%w: leg starting %s overlaps previous leg ending %s", ErrMalformedLeg,
			cur.TimeStart.Format(time.RFC3339), prev.TimeEnd.Format(time.RFC3339))
	}
	return nil
}

// mergeLeg applies one classifier leg and its modes as a single unit.
func (r *Reconciler) mergeLeg(ctx context.Context, st *Stats, cur legs.Leg, modes legs.Modes, overlapStart time.Time) error {
	var (
		outcome string
		deleted []int64
		writes  int
	)
	err := r.store.InTx(ctx, func(tx legs.LegTx) error {
		deleted, writes = nil, 0

		id, same, err := tx.FindIdentical(ctx, cur)
		if err != nil {
			return fmt.Errorf("find identical leg: %w", err)
		}
		if same {
			outcome = ChangeUnchanged
			existing, err := tx.Modes(ctx, id)
			if err != nil {
				return fmt.Errorf("load modes of leg %d: %w", id, err)
			}
			writes, err = reconcileModes(ctx, tx, id, modes, restrictModes(existing, r.preserve))
			return err
		}

		stale, err := tx.Overlapping(ctx, cur.DeviceID, overlapStart, cur.TimeEnd)
		if err != nil {
			return fmt.Errorf("find overlapping legs: %w", err)
		}
		if len(stale) == 0 {
			outcome = ChangeInserted
			if cur.ID, err = tx.InsertLeg(ctx, cur); err != nil {
				return fmt.Errorf("insert leg: %w", err)
			}
			writes, err = reconcileModes(ctx, tx, cur.ID, modes, nil)
			return err
		}

		outcome = ChangeUpdated
		cur.ID = stale[0].ID
		if err := tx.UpdateLeg(ctx, cur); err != nil {
			return fmt.Errorf("update leg %d: %w", cur.ID, err)
		}
		for _, old := range stale[1:] {
			if err := tx.DeleteLeg(ctx, old.ID); err != nil {
				return fmt.Errorf("delete leg %d: %w", old.ID, err)
			}
			deleted = append(deleted, old.ID)
		}
		existing, err := tx.Modes(ctx, cur.ID)
		if err != nil {
			return fmt.Errorf("load modes of leg %d: %w", cur.ID, err)
		}
		writes, err = reconcileModes(ctx, tx, cur.ID, modes, existing)
		return err
	})
	if err != nil {
		return fmt.Errorf("merge leg %s-%s of device %d: %w",
			cur.TimeStart.Format(time.RFC3339), cur.TimeEnd.Format(time.RFC3339), cur.DeviceID, err)
	}

	st.ModeWrites += writes
	st.Deleted += len(deleted)
	switch outcome {
	case ChangeUnchanged:
		st.Unchanged++
	case ChangeInserted:
		st.Inserted++
	case ChangeUpdated:
		st.Updated++
	}
	if r.metrics != nil {
		r.metrics.LegOutcome(outcome)
		for range deleted {
			r.metrics.LegOutcome(ChangeDeleted)
		}
		r.metrics.ModeWrites(writes)
	}
	if r.events != nil {
		if outcome != ChangeUnchanged {
			r.events.LegChanged(ctx, outcome, cur)
		}
		for _, id := range deleted {
			r.events.LegChanged(ctx, ChangeDeleted, legs.Leg{ID: id, DeviceID: cur.DeviceID})
		}
	}
	return nil
}

// writeTerminator covers the unclassified tail with a terminator leg,
// replacing legs lying entirely inside it.
func (r *Reconciler) writeTerminator(ctx context.Context, st *Stats, deviceID int64, rejects []legs.Sample) error {
	first, last := rejects[0], rejects[len(rejects)-1]
	term := legs.Leg{
		DeviceID:  deviceID,
		TimeStart: first.Time,
		TimeEnd:   last.Time,
		Start:     first.Coordinate,
		End:       last.Coordinate,
	}
	var (
		written bool
		deleted []int64
	)
	err := r.store.InTx(ctx, func(tx legs.LegTx) error {
		written, deleted = false, nil
		_, same, err := tx.FindIdentical(ctx, term)
		if err != nil {
			return fmt.Errorf("find identical terminator: %w", err)
		}
		if same {
			return nil
		}
		if deleted, err = tx.DeleteContained(ctx, deviceID, term.TimeStart, term.TimeEnd); err != nil {
			return fmt.Errorf("delete legs under terminator: %w", err)
		}
		if term.ID, err = tx.InsertLeg(ctx, term); err != nil {
			return fmt.Errorf("insert terminator: %w", err)
		}
		written = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("terminator %s-%s of device %d: %w",
			term.TimeStart.Format(time.RFC3339), term.TimeEnd.Format(time.RFC3339), deviceID, err)
	}
	if !written {
		return nil
	}

	st.Terminators++
	st.Deleted += len(deleted)
	if r.metrics != nil {
		r.metrics.LegOutcome(ChangeTerminator)
		for range deleted {
			r.metrics.LegOutcome(ChangeDeleted)
		}
	}
	if r.events != nil {
		r.events.LegChanged(ctx, ChangeTerminator, term)
		for _, id := range deleted {
			r.events.LegChanged(ctx, ChangeDeleted, legs.Leg{ID: id, DeviceID: deviceID})
		}
	}
	return nil
}

func (s *Stats) add(o Stats) {
	s.Unchanged += o.Unchanged
	s.Inserted += o.Inserted
	s.Updated += o.Updated
	s.Deleted += o.Deleted
	s.Terminators += o.Terminators
	s.ModeWrites += o.ModeWrites
}
