package classify

import (
	"iter"
	"time"

	"legsync/internal/geo"
	"legsync/internal/legs"
)

// RunClassifier segments samples into runs of one dominant activity. It is a
// stand-in for the production activity classifier and keeps the same
// contract: output is lazy, ordered, and starting over from any run boundary
// reproduces the same subsequent legs.
type RunClassifier struct {
	MinConfidence  int           // activities below this confidence do not switch runs
	ConfirmSamples int           // consecutive agreeing samples needed to switch
	MaxGap         time.Duration // a silence longer than this closes the run, 0 disables
	MaxAccuracy    float64       // meters; worse samples are dropped, 0 disables
	MaxSpeed       float64       // m/s between kept samples; faster jumps are dropped, 0 disables
}

func NewRunClassifier() *RunClassifier {
	return &RunClassifier{
		MinConfidence:  60,
		ConfirmSamples: 2,
		MaxGap:         10 * time.Minute,
		MaxAccuracy:    1000,
		MaxSpeed:       70,
	}
}

// Classify yields the closed runs of samples that end after start. The
// trailing open run is never yielded.
func (c *RunClassifier) Classify(samples []legs.Sample, start time.Time) iter.Seq[legs.Candidate] {
	return func(yield func(legs.Candidate) bool) {
		kept := c.filter(samples)
		confirm := max(c.ConfirmSamples, 1)

		runStart := -1 // index into kept of the current run's first sample
		current := ""
		pending := ""
		pendingAt, pendingN := 0, 0

		// emit closes the current run at end, whose coordinate is taken from
		// kept[last].
		emit := func(end time.Time, last int) bool {
			leg := legs.Leg{
				DeviceID:  kept[runStart].DeviceID,
				TimeStart: kept[runStart].Time,
				TimeEnd:   end,
				Activity:  current,
				Start:     kept[runStart].Coordinate,
				End:       kept[last].Coordinate,
			}
			if !leg.TimeEnd.After(leg.TimeStart) || !leg.TimeEnd.After(start) {
				return true
			}
			return yield(legs.Candidate{
				Leg:   leg,
				Modes: legs.Modes{legs.SourceActivity: {Mode: current}},
			})
		}

		for i, s := range kept {
			if runStart >= 0 && c.MaxGap > 0 && s.Time.Sub(kept[i-1].Time) > c.MaxGap {
				if !emit(kept[i-1].Time, i-1) {
					return
				}
				runStart, current, pending, pendingN = -1, "", "", 0
			}
			act := c.activityOf(s)
			if runStart < 0 {
				if act != "" {
					runStart, current = i, act
				}
				continue
			}
			if act == "" || act == current {
				pending, pendingN = "", 0
				continue
			}
			if act != pending {
				pending, pendingAt, pendingN = act, i, 0
			}
			pendingN++
			if pendingN < confirm {
				continue
			}
			if !emit(kept[pendingAt].Time, pendingAt-1) {
				return
			}
			runStart, current = pendingAt, pending
			pending, pendingN = "", 0
		}
	}
}

// filter drops inaccurate samples and impossible jumps relative to the last
// kept sample.
func (c *RunClassifier) filter(samples []legs.Sample) []legs.Sample {
	out := make([]legs.Sample, 0, len(samples))
	for _, s := range samples {
		if c.MaxAccuracy > 0 && s.Accuracy > c.MaxAccuracy {
			continue
		}
		if n := len(out); n > 0 && c.MaxSpeed > 0 && geo.SpeedMps(out[n-1], s) > c.MaxSpeed {
			continue
		}
		out = append(out, s)
	}
	return out
}

// activityOf returns the sample's top movement activity, or "" when the
// sample carries no confident movement evidence.
func (c *RunClassifier) activityOf(s legs.Sample) string {
	if len(s.Activities) == 0 {
		return ""
	}
	top := s.Activities[0]
	for _, a := range s.Activities[1:] {
		if a.Confidence > top.Confidence {
			top = a
		}
	}
	if top.Confidence < c.MinConfidence {
		return ""
	}
	switch top.Type {
	case legs.ActivityStill, legs.ActivityTilting, legs.ActivityUnknown:
		return ""
	}
	return top.Type
}
