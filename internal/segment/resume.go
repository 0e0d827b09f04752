package segment

import (
	"context"
	"fmt"
	"time"
)

const (
	// rewindLegs is how many persisted legs back samples are re-fetched, to
	// give the classifier context.
	rewindLegs = 4
	// rewriteLegs is how many persisted legs back legs may be overwritten.
	rewriteLegs = 2
)

type resumePoint struct {
	rewind time.Time // earliest sample re-fetched
	start  time.Time // earliest time legs may be rewritten from
	last   time.Time // last sample of the device
}

// resumePoint computes where a device pass starts. ok is false when there is
// nothing new to process.
func (r *Reconciler) resumePoint(ctx context.Context, deviceID int64, repair bool) (resumePoint, bool, error) {
	first, last, ok, err := r.store.SampleBounds(ctx, deviceID)
	if err != nil {
		return resumePoint{}, false, fmt.Errorf("sample bounds of device %d: %w", deviceID, err)
	}
	if !ok {
		return resumePoint{}, false, nil
	}
	if repair {
		return resumePoint{rewind: first, start: first, last: last}, true, nil
	}

	lastEnd, ok, err := r.store.LastLegEnd(ctx, deviceID)
	if err != nil {
		return resumePoint{}, false, fmt.Errorf("last leg end of device %d: %w", deviceID, err)
	}
	if ok && !last.After(lastEnd) {
		return resumePoint{}, false, nil
	}

	starts, err := r.store.RecentLegStarts(ctx, deviceID, rewindLegs)
	if err != nil {
		return resumePoint{}, false, fmt.Errorf("recent legs of device %d: %w", deviceID, err)
	}
	rp := resumePoint{rewind: first, start: first, last: last}
	if len(starts) >= rewindLegs {
		rp.rewind = starts[rewindLegs-1]
	}
	if len(starts) >= rewriteLegs {
		rp.start = starts[rewriteLegs-1]
	}
	return rp, true, nil
}
