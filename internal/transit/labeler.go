package transit

import (
	"context"
	"fmt"
	"log"
	"maps"
	"math"
	"slices"
	"strings"
	"time"

	"legsync/internal/legs"
)

// Label outcomes reported to Metrics.
const (
	LabelMatched   = "matched"
	LabelUnmatched = "unmatched"
	LabelNoPlan    = "no_plan"
)

type LegMatcher interface {
	Match(ctx context.Context, obs Observed) Result
}

type Events interface {
	LegMatched(ctx context.Context, leg legs.Leg, m Match)
}

type LabelStats struct {
	Attempted int
	Matched   int
	Unmatched int
	NoPlan    int
	// Deferred counts matches left unwritten because the leg was locked or
	// rewritten meanwhile; they are retried on the next run.
	Deferred int
}

// Labeler writes PLANNER mode entries for vehicle legs the matcher can
// identify. Legs without a match keep no entry and are retried after
// retryAfter.
type Labeler struct {
	store       legs.LabelStore
	matcher     LegMatcher
	tol         Tolerances
	events      Events
	metrics     Metrics
	batch       int
	defaultMode string
	retryAfter  time.Duration

	tried map[int64]time.Time
	now   func() time.Time
}

func NewLabeler(store legs.LabelStore, matcher LegMatcher, tol Tolerances, events Events, metrics Metrics, batch int, defaultMode string, retryAfter time.Duration) *Labeler {
	if batch <= 0 {
		batch = 20
	}
	if defaultMode == "" {
		defaultMode = tol.FallbackMode
	}
	return &Labeler{
		store:       store,
		matcher:     matcher,
		tol:         tol,
		events:      events,
		metrics:     metrics,
		batch:       batch,
		defaultMode: strings.ToUpper(defaultMode),
		retryAfter:  retryAfter,
		tried:       make(map[int64]time.Time),
		now:         time.Now,
	}
}

// Run attempts up to batch unlabeled vehicle legs, newest first, skipping
// legs attempted within retryAfter.
func (l *Labeler) Run(ctx context.Context) (LabelStats, error) {
	var st LabelStats
	now := l.now()
	for id, at := range l.tried {
		if now.Sub(at) >= l.retryAfter {
			delete(l.tried, id)
		}
	}

	cursor := legs.LabelCursor{TimeStart: now, ID: math.MaxInt64}
	for st.Attempted < l.batch {
		page, err := l.store.UnlabeledVehicleLegs(ctx, legs.SourcePlanner, cursor, l.batch)
		if err != nil {
			return st, fmt.Errorf("load unlabeled legs: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, vl := range page {
			cursor = legs.LabelCursor{TimeStart: vl.Leg.TimeStart, ID: vl.Leg.ID}
			if _, ok := l.tried[vl.Leg.ID]; ok {
				continue
			}
			if st.Attempted >= l.batch {
				break
			}
			if err := ctx.Err(); err != nil {
				return st, err
			}
			st.Attempted++
			l.tried[vl.Leg.ID] = now
			if err := l.label(ctx, &st, vl); err != nil {
				return st, err
			}
		}
	}
	if st.Attempted > 0 {
		log.Printf("[transit] labeled %d of %d legs (unmatched=%d no_plan=%d deferred=%d)", st.Matched, st.Attempted, st.Unmatched, st.NoPlan, st.Deferred)
	}
	return st, nil
}

func (l *Labeler) label(ctx context.Context, st *LabelStats, vl legs.LegWithModes) error {
	res := l.matcher.Match(ctx, Observed{
		From:  vl.Leg.Start,
		To:    vl.Leg.End,
		Start: vl.Leg.TimeStart,
		End:   vl.Leg.TimeEnd,
		Mode:  l.declaredMode(vl.Modes),
	})
	switch {
	case res.Code != CodeCompleted:
		st.NoPlan++
		l.outcome(LabelNoPlan)
		return nil
	case res.MatchCount == 0 || res.Best == nil:
		st.Unmatched++
		l.outcome(LabelUnmatched)
		return nil
	}

	written, err := l.write(ctx, vl.Leg, legs.ModeLine{Mode: res.Best.LineMode, Line: res.Best.LineName})
	if err != nil {
		return fmt.Errorf("store planner mode of leg %d: %w", vl.Leg.ID, err)
	}
	if !written {
		delete(l.tried, vl.Leg.ID)
		st.Deferred++
		return nil
	}
	st.Matched++
	l.outcome(LabelMatched)
	if l.events != nil {
		l.events.LegMatched(ctx, vl.Leg, *res.Best)
	}
	return nil
}

// write stores the planner mode under the device lock, the same lock the
// reconciler holds while it rewrites the device's legs.
func (l *Labeler) write(ctx context.Context, leg legs.Leg, ml legs.ModeLine) (bool, error) {
	release, ok, err := l.store.LockDevice(ctx, leg.DeviceID)
	if err != nil || !ok {
		return false, err
	}
	defer release()
	return l.store.UpsertMode(ctx, leg, legs.SourcePlanner, ml)
}

// declaredMode picks a transit mode some detector already assigned the leg.
func (l *Labeler) declaredMode(modes legs.Modes) string {
	for _, src := range slices.Sorted(maps.Keys(modes)) {
		if mode := modes[src].Mode; l.tol.Has(mode) {
			return strings.ToUpper(mode)
		}
	}
	return l.defaultMode
}

func (l *Labeler) outcome(o string) {
	if l.metrics != nil {
		l.metrics.LabelOutcome(o)
	}
}
