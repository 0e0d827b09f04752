package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"legsync/internal/ownership"
	"legsync/internal/rating"
	"legsync/internal/scheduler"
	"legsync/internal/segment"
	"legsync/internal/transit"
)

// Task names registered with the scheduler.
const (
	TaskLegs    = "legs"
	TaskTransit = "transit"
	TaskRating  = "rating"
)

type Options struct {
	// Repair recomputes every device and user from their earliest data.
	Repair bool
	// Devices restricts the legs pass to these devices. Empty means all.
	Devices []int64
}

type Pipeline struct {
	reconciler *segment.Reconciler
	attacher   *ownership.Attacher
	labeler    *transit.Labeler // nil disables transit labeling
	rater      *rating.Rater    // nil disables daily ratings
	opts       Options
}

func New(reconciler *segment.Reconciler, attacher *ownership.Attacher, labeler *transit.Labeler, rater *rating.Rater, opts Options) *Pipeline {
	return &Pipeline{reconciler: reconciler, attacher: attacher, labeler: labeler, rater: rater, opts: opts}
}

// Intervals holds the period of each task.
type Intervals struct {
	Legs    time.Duration
	Transit time.Duration
	Rating  time.Duration
}

// Register adds the pipeline tasks to s.
func (p *Pipeline) Register(s *scheduler.Scheduler, every Intervals) {
	s.Add(TaskLegs, every.Legs, p.Legs)
	if p.labeler != nil {
		s.Add(TaskTransit, every.Transit, p.Transit)
	}
	if p.rater != nil {
		s.Add(TaskRating, every.Rating, p.Rating)
	}
}

// Legs reconciles device legs and then reattaches them to their owners. The
// attach pass runs even when some devices failed, so owners of the devices
// that succeeded are not held back.
func (p *Pipeline) Legs(ctx context.Context) error {
	var errs []error
	if len(p.opts.Devices) == 0 {
		if err := p.reconciler.Run(ctx, p.opts.Repair); err != nil {
			errs = append(errs, fmt.Errorf("reconcile: %w", err))
		}
	} else {
		for _, id := range p.opts.Devices {
			st, err := p.reconciler.RunDevice(ctx, id, p.opts.Repair)
			if err != nil {
				errs = append(errs, fmt.Errorf("reconcile device %d: %w", id, err))
				continue
			}
			if st.Skipped {
				log.Printf("[pipeline] device %d skipped", id)
			}
		}
	}
	if ctx.Err() != nil {
		return errors.Join(append(errs, ctx.Err())...)
	}
	if err := p.attacher.Run(ctx, p.opts.Repair); err != nil {
		errs = append(errs, fmt.Errorf("attach: %w", err))
	}
	return errors.Join(errs...)
}

// Transit labels one batch of vehicle legs with planner modes.
func (p *Pipeline) Transit(ctx context.Context) error {
	if p.labeler == nil {
		return nil
	}
	_, err := p.labeler.Run(ctx)
	return err
}

// Rating rates the complete days not rated yet.
func (p *Pipeline) Rating(ctx context.Context) error {
	if p.rater == nil {
		return nil
	}
	_, err := p.rater.Run(ctx)
	return err
}
