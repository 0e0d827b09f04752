package ownership

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"legsync/internal/legs"
)

// Notifier fans out the follow-up work of an attach pass. Both calls are fire
// and forget.
type Notifier interface {
	TriggerBacklog(ctx context.Context, maxItems int) error
	RefreshLabels(ctx context.Context, userIDs []int64) error
}

type Metrics interface {
	LegsAttached(n int)
	LegsDetached(n int)
}

// Stats summarizes one user's attach pass.
type Stats struct {
	Attached int
	Detached int
	Kept     int
	// Skipped is set when another writer held one of the user's devices.
	Skipped bool
}

// Attacher assigns legs to the current owner of their device, keeping a
// user's attached legs free of overlaps.
type Attacher struct {
	store       legs.OwnershipStore
	notifier    Notifier
	metrics     Metrics
	backlogSize int
}

func NewAttacher(store legs.OwnershipStore, notifier Notifier, metrics Metrics, backlogSize int) *Attacher {
	return &Attacher{store: store, notifier: notifier, metrics: metrics, backlogSize: backlogSize}
}

// Run attaches legs for every device owner, then triggers backlog clustering
// and a label refresh for the users that changed.
func (a *Attacher) Run(ctx context.Context, repair bool) error {
	users, err := a.store.Owners(ctx)
	if err != nil {
		return fmt.Errorf("list owners: %w", err)
	}
	var (
		changed []int64
		errs    []error
		total   Stats
		skipped int
	)
	for _, user := range users {
		if user == legs.SentinelUserID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := a.RunUser(ctx, user, repair)
		if err != nil {
			log.Printf("[attach] user %d: %v", user, err)
			errs = append(errs, fmt.Errorf("user %d: %w", user, err))
			continue
		}
		total.Attached += st.Attached
		total.Detached += st.Detached
		total.Kept += st.Kept
		if st.Skipped {
			log.Printf("[attach] user %d: device locked, deferring", user)
			skipped++
			continue
		}
		if st.Attached+st.Detached > 0 {
			changed = append(changed, user)
		}
	}
	log.Printf("[attach] pass done: users=%d skipped=%d attached=%d detached=%d kept=%d", len(users), skipped, total.Attached, total.Detached, total.Kept)

	if a.notifier != nil {
		if err := a.notifier.TriggerBacklog(ctx, a.backlogSize); err != nil {
			log.Printf("[attach] backlog trigger: %v", err)
		}
		if len(changed) > 0 {
			if err := a.notifier.RefreshLabels(ctx, changed); err != nil {
				log.Printf("[attach] label refresh: %v", err)
			}
		}
	}
	return errors.Join(errs...)
}

// RunUser reconsiders the user's owned legs from the resume point on. Legs
// are taken by ascending end time, so a shorter leg wins over a longer one it
// overlaps. Legs still attached to the user on devices the user no longer
// owns cannot be reconsidered and block every owned leg they overlap.
//
// The user's devices are locked for the whole pass; when another writer holds
// one of them the user is skipped and picked up by the next pass.
func (a *Attacher) RunUser(ctx context.Context, user int64, repair bool) (Stats, error) {
	var st Stats
	devices, err := a.store.OwnedDevices(ctx, user)
	if err != nil {
		return st, fmt.Errorf("owned devices: %w", err)
	}
	release, ok, err := a.lockDevices(ctx, devices)
	if err != nil || !ok {
		st.Skipped = !ok && err == nil
		return st, err
	}
	defer release()

	resume, ok, err := a.resumePoint(ctx, user, repair)
	if err != nil || !ok {
		return st, err
	}

	lastEnd, _, err := a.store.LastAttachedEnd(ctx, user, resume)
	if err != nil {
		return st, fmt.Errorf("last attached leg: %w", err)
	}
	candidates, err := a.store.OwnedLegsEndingAfter(ctx, user, resume)
	if err != nil {
		return st, fmt.Errorf("owned legs: %w", err)
	}
	attachedAfter, err := a.store.AttachedLegsEndingAfter(ctx, user, resume)
	if err != nil {
		return st, fmt.Errorf("attached legs: %w", err)
	}

	locked := make(map[int64]bool, len(devices))
	for _, d := range devices {
		locked[d] = true
	}
	owned := make(map[int64]bool, len(candidates))
	for _, leg := range candidates {
		if !locked[leg.DeviceID] {
			// Ownership moved since the devices were locked.
			st.Skipped = true
			return st, nil
		}
		owned[leg.ID] = true
	}
	var blockers []legs.Leg
	for _, leg := range attachedAfter {
		if !owned[leg.ID] {
			blockers = append(blockers, leg)
		}
	}

	for _, leg := range candidates {
		attached := leg.UserID != nil && *leg.UserID == user
		if leg.TimeStart.Before(lastEnd) || blocked(leg, blockers) {
			if attached {
				if err := a.store.SetLegUser(ctx, leg.ID, nil); err != nil {
					return st, fmt.Errorf("detach leg %d: %w", leg.ID, err)
				}
				st.Detached++
			}
			continue
		}
		if attached {
			st.Kept++
		} else {
			if err := a.store.SetLegUser(ctx, leg.ID, legs.Int64Ptr(user)); err != nil {
				return st, fmt.Errorf("attach leg %d: %w", leg.ID, err)
			}
			st.Attached++
		}
		lastEnd = leg.TimeEnd
	}

	if a.metrics != nil {
		a.metrics.LegsAttached(st.Attached)
		a.metrics.LegsDetached(st.Detached)
	}
	return st, nil
}

func blocked(leg legs.Leg, blockers []legs.Leg) bool {
	for _, b := range blockers {
		if leg.TimeStart.Before(b.TimeEnd) && b.TimeStart.Before(leg.TimeEnd) {
			return true
		}
	}
	return false
}

// lockDevices takes the locks of all devices or none of them.
func (a *Attacher) lockDevices(ctx context.Context, devices []int64) (func(), bool, error) {
	var releases []func()
	releaseAll := func() {
		for _, r := range slices.Backward(releases) {
			r()
		}
	}
	for _, d := range devices {
		release, ok, err := a.store.LockDevice(ctx, d)
		if err != nil || !ok {
			releaseAll()
			if err != nil {
				return nil, false, fmt.Errorf("lock device %d: %w", d, err)
			}
			return nil, false, nil
		}
		releases = append(releases, release)
	}
	return releaseAll, true, nil
}

func (a *Attacher) resumePoint(ctx context.Context, user int64, repair bool) (time.Time, bool, error) {
	if repair {
		t, ok, err := a.store.EarliestOwned(ctx, user)
		if err != nil {
			return t, false, fmt.Errorf("earliest owned leg: %w", err)
		}
		return t, ok, nil
	}
	unattached, okU, err := a.store.EarliestUnattached(ctx, user)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("earliest unattached leg: %w", err)
	}
	overlapped, okO, err := a.store.EarliestAttachedOverlappingUnattached(ctx, user)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("earliest reopened leg: %w", err)
	}
	switch {
	case okU && okO:
		if overlapped.Before(unattached) {
			return overlapped, true, nil
		}
		return unattached, true, nil
	case okU:
		return unattached, true, nil
	case okO:
		return overlapped, true, nil
	}
	return time.Time{}, false, nil
}
