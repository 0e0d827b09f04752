package segment

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"legsync/internal/classify"
	"legsync/internal/legs"
	"legsync/internal/store/memstore"
)

const device int64 = 1

var base = time.Date(2016, 1, 25, 10, 0, 0, 0, time.UTC)

type scripted []legs.Candidate

func (s scripted) Classify(_ []legs.Sample, _ time.Time) iter.Seq[legs.Candidate] {
	return slices.Values(s)
}

type recordedEvent struct {
	change string
	leg    legs.Leg
}

type eventLog []recordedEvent

func (e *eventLog) LegChanged(_ context.Context, change string, leg legs.Leg) {
	*e = append(*e, recordedEvent{change, leg})
}

func sample(ts time.Time, act string, i int) legs.Sample {
	return legs.Sample{
		DeviceID:   device,
		Time:       ts,
		Coordinate: legs.Coordinate{Lon: 24.90, Lat: 60.10 + float64(i)*0.0003},
		Accuracy:   15,
		Activities: []legs.RankedActivity{{Type: act, Confidence: 85}, {Type: legs.ActivityStill, Confidence: 10}},
	}
}

// randomTrack generates runs of activities with occasional still samples and
// silences, one sample every 30 seconds.
func randomTrack(r *rand.Rand, n int) []legs.Sample {
	acts := []string{legs.ActivityWalking, legs.ActivityInVehicle, legs.ActivityOnBicycle}
	out := make([]legs.Sample, 0, n)
	ts := base
	act := acts[0]
	for len(out) < n {
		runLen := 3 + r.IntN(10)
		for j := 0; j < runLen && len(out) < n; j++ {
			a := act
			if r.IntN(12) == 0 {
				a = legs.ActivityStill
			}
			out = append(out, sample(ts, a, len(out)))
			ts = ts.Add(30 * time.Second)
		}
		if r.IntN(6) == 0 {
			ts = ts.Add(25 * time.Minute)
		}
		next := acts[r.IntN(len(acts))]
		for next == act {
			next = acts[r.IntN(len(acts))]
		}
		act = next
	}
	return out
}

type legView struct {
	leg   legs.Leg
	modes legs.Modes
}

func snapshot(s *memstore.Store) []legView {
	var out []legView
	for _, l := range s.Legs(device) {
		m := s.LegModes(l.ID)
		l.ID, l.UserID = 0, nil
		if len(m) == 0 {
			m = nil
		}
		out = append(out, legView{l, m})
	}
	slices.SortFunc(out, func(a, b legView) int {
		return cmp.Or(a.leg.TimeStart.Compare(b.leg.TimeStart), a.leg.TimeEnd.Compare(b.leg.TimeEnd),
			cmp.Compare(a.leg.Activity, b.leg.Activity))
	})
	return out
}

// requireInvariants checks no-overlap of real legs and terminator placement.
func requireInvariants(t *testing.T, ls []legs.Leg) {
	t.Helper()
	var lastReal *legs.Leg
	for i := range ls {
		l := ls[i]
		require.False(t, l.TimeEnd.Before(l.TimeStart), "negative leg %+v", l)
		if l.IsTerminator() {
			if lastReal != nil {
				require.False(t, l.TimeStart.Before(lastReal.TimeEnd), "terminator %+v before real leg end %+v", l, *lastReal)
			}
			continue
		}
		if lastReal != nil {
			require.False(t, l.TimeStart.Before(lastReal.TimeEnd), "overlap %+v and %+v", *lastReal, l)
		}
		lastReal = &ls[i]
	}
}

func TestSecondRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.AddSamples(randomTrack(rand.New(rand.NewPCG(1, 2)), 300)...)
	rec := NewReconciler(store, classify.NewRunClassifier(), nil, nil)

	st, err := rec.RunDevice(ctx, device, false)
	require.NoError(t, err)
	require.Positive(t, st.Inserted)
	writes := store.Writes()

	st, err = rec.RunDevice(ctx, device, false)
	require.NoError(t, err)
	require.True(t, st.Skipped)
	require.Zero(t, st.Mutations())
	require.Equal(t, writes, store.Writes())

	// A repair pass recomputes everything and still finds nothing to change.
	st, err = rec.RunDevice(ctx, device, true)
	require.NoError(t, err)
	require.False(t, st.Skipped)
	require.Positive(t, st.Unchanged)
	require.Zero(t, st.Mutations())
	require.Equal(t, writes, store.Writes())
}

func TestIncrementalRunsConvergeToFullRun(t *testing.T) {
	ctx := context.Background()
	for seed := uint64(1); seed <= 25; seed++ {
		r := rand.New(rand.NewPCG(seed, 99))
		samples := randomTrack(r, 200+r.IntN(200))

		full := memstore.New()
		full.AddSamples(samples...)
		_, err := NewReconciler(full, classify.NewRunClassifier(), nil, nil).RunDevice(ctx, device, false)
		require.NoError(t, err)

		chunked := memstore.New()
		rec := NewReconciler(chunked, classify.NewRunClassifier(), nil, nil)
		for rest := samples; len(rest) > 0; {
			n := min(1+r.IntN(40), len(rest))
			chunked.AddSamples(rest[:n]...)
			rest = rest[n:]
			_, err := rec.RunDevice(ctx, device, false)
			require.NoError(t, err)
			requireInvariants(t, chunked.Legs(device))
		}

		requireInvariants(t, full.Legs(device))
		require.Equal(t, snapshot(full), snapshot(chunked), "seed %d", seed)
	}
}

func TestOverlapCollapse(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	for i := 0; i <= 12; i++ {
		store.AddSamples(sample(base.Add(time.Duration(i)*time.Minute), legs.ActivityInVehicle, i))
	}
	walk := legs.Modes{legs.SourceActivity: {Mode: legs.ActivityWalking}}
	first := store.PutLeg(legs.Leg{DeviceID: device, TimeStart: base, TimeEnd: base.Add(5 * time.Minute), Activity: legs.ActivityWalking}, walk)
	second := store.PutLeg(legs.Leg{DeviceID: device, TimeStart: base.Add(5 * time.Minute), TimeEnd: base.Add(12 * time.Minute), Activity: legs.ActivityWalking}, walk)

	merged := legs.Leg{
		TimeStart: base,
		TimeEnd:   base.Add(12 * time.Minute),
		Activity:  legs.ActivityInVehicle,
	}
	var events eventLog
	rec := NewReconciler(store, scripted{{Leg: merged, Modes: legs.Modes{legs.SourceActivity: {Mode: legs.ActivityInVehicle}}}}, &events, nil)

	st, err := rec.RunDevice(ctx, device, true)
	require.NoError(t, err)
	require.Equal(t, 1, st.Updated)
	require.Equal(t, 1, st.Deleted)

	got, ok := store.Leg(first)
	require.True(t, ok)
	require.True(t, got.TimeStart.Equal(base))
	require.True(t, got.TimeEnd.Equal(base.Add(12*time.Minute)))
	require.Equal(t, legs.ActivityInVehicle, got.Activity)
	require.Equal(t, legs.Modes{legs.SourceActivity: {Mode: legs.ActivityInVehicle}}, store.LegModes(first))

	_, ok = store.Leg(second)
	require.False(t, ok)

	var real []legs.Leg
	for _, l := range store.Legs(device) {
		if !l.IsTerminator() {
			real = append(real, l)
		}
	}
	require.Len(t, real, 1)
	requireInvariants(t, store.Legs(device))

	require.Equal(t, ChangeUpdated, events[0].change)
	require.Equal(t, first, events[0].leg.ID)
	require.Equal(t, recordedEvent{ChangeDeleted, legs.Leg{ID: second, DeviceID: device}}, events[1])
}

func TestUnchangedLegKeepsPlannerMode(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.AddSamples(sample(base, legs.ActivityInVehicle, 0), sample(base.Add(20*time.Minute), legs.ActivityInVehicle, 1))
	leg := legs.Leg{DeviceID: device, TimeStart: base, TimeEnd: base.Add(10 * time.Minute), Activity: legs.ActivityInVehicle}
	id := store.PutLeg(leg, legs.Modes{
		legs.SourceActivity: {Mode: legs.ActivityOnBicycle},
		legs.SourcePlanner:  {Mode: "BUS", Line: "18"},
	})

	rec := NewReconciler(store, scripted{{Leg: leg, Modes: legs.Modes{legs.SourceActivity: {Mode: legs.ActivityInVehicle}}}}, nil, nil)
	st, err := rec.RunDevice(ctx, device, true)
	require.NoError(t, err)
	require.Equal(t, 1, st.Unchanged)
	require.Equal(t, 2, st.ModeWrites)
	require.Equal(t, legs.Modes{
		legs.SourceActivity: {Mode: legs.ActivityInVehicle},
		legs.SourcePlanner:  {Mode: "BUS", Line: "18"},
	}, store.LegModes(id))
}

func TestRewrittenLegDropsPlannerModeAndUser(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.AddSamples(sample(base, legs.ActivityInVehicle, 0), sample(base.Add(20*time.Minute), legs.ActivityInVehicle, 1))
	old := legs.Leg{DeviceID: device, UserID: legs.Int64Ptr(5), TimeStart: base, TimeEnd: base.Add(8 * time.Minute), Activity: legs.ActivityInVehicle}
	id := store.PutLeg(old, legs.Modes{
		legs.SourceActivity: {Mode: legs.ActivityInVehicle},
		legs.SourcePlanner:  {Mode: "BUS", Line: "18"},
	})

	longer := old
	longer.UserID = nil
	longer.TimeEnd = base.Add(10 * time.Minute)
	rec := NewReconciler(store, scripted{{Leg: longer, Modes: legs.Modes{legs.SourceActivity: {Mode: legs.ActivityInVehicle}}}}, nil, nil)
	st, err := rec.RunDevice(ctx, device, true)
	require.NoError(t, err)
	require.Equal(t, 1, st.Updated)

	got, _ := store.Leg(id)
	require.Nil(t, got.UserID)
	require.True(t, got.TimeEnd.Equal(base.Add(10*time.Minute)))
	require.Equal(t, legs.Modes{legs.SourceActivity: {Mode: legs.ActivityInVehicle}}, store.LegModes(id))
}

func TestMalformedOutputAbortsPass(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.AddSamples(sample(base, legs.ActivityWalking, 0), sample(base.Add(time.Hour), legs.ActivityWalking, 1))
	modes := legs.Modes{legs.SourceActivity: {Mode: legs.ActivityWalking}}
	out := scripted{
		{Leg: legs.Leg{TimeStart: base, TimeEnd: base.Add(10 * time.Minute), Activity: legs.ActivityWalking}, Modes: modes},
		{Leg: legs.Leg{TimeStart: base.Add(5 * time.Minute), TimeEnd: base.Add(20 * time.Minute), Activity: legs.ActivityWalking}, Modes: modes},
	}

	_, err := NewReconciler(store, out, nil, nil).RunDevice(ctx, device, true)
	require.ErrorIs(t, err, ErrMalformedLeg)

	// The first unit committed, nothing after the violation did.
	ls := store.Legs(device)
	require.Len(t, ls, 1)
	require.True(t, ls[0].TimeEnd.Equal(base.Add(10*time.Minute)))
}

func TestNegativeLegIsRejected(t *testing.T) {
	err := checkOrder(nil, legs.Leg{TimeStart: base, TimeEnd: base.Add(-time.Second), Activity: legs.ActivityWalking})
	require.ErrorIs(t, err, ErrMalformedLeg)
	err = checkOrder(nil, legs.Leg{TimeStart: base, TimeEnd: base})
	require.ErrorIs(t, err, ErrMalformedLeg)
	require.NoError(t, checkOrder(nil, legs.Leg{TimeStart: base, TimeEnd: base, Activity: legs.ActivityWalking}))
}

func TestWriteFailureResumesOnNextPass(t *testing.T) {
	ctx := context.Background()
	samples := randomTrack(rand.New(rand.NewPCG(7, 7)), 250)

	want := memstore.New()
	want.AddSamples(samples...)
	_, err := NewReconciler(want, classify.NewRunClassifier(), nil, nil).RunDevice(ctx, device, false)
	require.NoError(t, err)

	store := memstore.New()
	store.AddSamples(samples...)
	commits := 0
	store.CommitHook = func() error {
		commits++
		if commits == 3 {
			return errors.New("connection reset")
		}
		return nil
	}
	rec := NewReconciler(store, classify.NewRunClassifier(), nil, nil)
	_, err = rec.RunDevice(ctx, device, false)
	require.Error(t, err)
	require.Len(t, store.Legs(device), 2)

	store.CommitHook = nil
	_, err = rec.RunDevice(ctx, device, false)
	require.NoError(t, err)
	require.Equal(t, snapshot(want), snapshot(store))
}

func TestResumePoint(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.AddSamples(sample(base, legs.ActivityWalking, 0), sample(base.Add(2*time.Hour), legs.ActivityWalking, 1))
	for i := 0; i < 5; i++ {
		from := base.Add(time.Duration(i) * 10 * time.Minute)
		store.PutLeg(legs.Leg{DeviceID: device, TimeStart: from, TimeEnd: from.Add(10 * time.Minute), Activity: legs.ActivityWalking}, nil)
	}
	store.PutLeg(legs.Leg{DeviceID: device, TimeStart: base.Add(50 * time.Minute), TimeEnd: base.Add(60 * time.Minute)}, nil)
	rec := NewReconciler(store, scripted{}, nil, nil)

	rp, ok, err := rec.resumePoint(ctx, device, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rp.rewind.Equal(base.Add(10*time.Minute)))
	require.True(t, rp.start.Equal(base.Add(30*time.Minute)))
	require.True(t, rp.last.Equal(base.Add(2*time.Hour)))

	rp, ok, err = rec.resumePoint(ctx, device, true)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rp.rewind.Equal(base))
	require.True(t, rp.start.Equal(base))

	// The terminator reaching the last sample means nothing is new.
	store.PutLeg(legs.Leg{DeviceID: device, TimeStart: base.Add(time.Hour), TimeEnd: base.Add(2 * time.Hour)}, nil)
	_, ok, err = rec.resumePoint(ctx, device, false)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResumePointWithFewLegs(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.AddSamples(sample(base, legs.ActivityWalking, 0), sample(base.Add(time.Hour), legs.ActivityWalking, 1))
	store.PutLeg(legs.Leg{DeviceID: device, TimeStart: base.Add(time.Minute), TimeEnd: base.Add(9 * time.Minute), Activity: legs.ActivityWalking}, nil)
	store.PutLeg(legs.Leg{DeviceID: device, TimeStart: base.Add(9 * time.Minute), TimeEnd: base.Add(20 * time.Minute), Activity: legs.ActivityWalking}, nil)

	rp, ok, err := NewReconciler(store, scripted{}, nil, nil).resumePoint(ctx, device, false)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rp.rewind.Equal(base))
	require.True(t, rp.start.Equal(base.Add(time.Minute)))
}

func TestLockedDeviceIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.AddSamples(randomTrack(rand.New(rand.NewPCG(3, 3)), 50)...)

	release, ok, err := store.LockDevice(ctx, device)
	require.NoError(t, err)
	require.True(t, ok)

	st, err := NewReconciler(store, classify.NewRunClassifier(), nil, nil).RunDevice(ctx, device, false)
	require.NoError(t, err)
	require.True(t, st.Skipped)
	require.Empty(t, store.Legs(device))
	release()
}

func TestTerminatorCoversUnclassifiedTail(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	var smp []legs.Sample
	for i := 0; i < 6; i++ {
		smp = append(smp, sample(base.Add(time.Duration(i)*30*time.Second), legs.ActivityWalking, i))
	}
	store.AddSamples(smp...)
	var events eventLog

	st, err := NewReconciler(store, classify.NewRunClassifier(), &events, nil).RunDevice(ctx, device, false)
	require.NoError(t, err)
	require.Zero(t, st.Inserted)
	require.Equal(t, 1, st.Terminators)

	ls := store.Legs(device)
	require.Len(t, ls, 1)
	require.True(t, ls[0].IsTerminator())
	require.True(t, ls[0].TimeStart.Equal(smp[0].Time))
	require.True(t, ls[0].TimeEnd.Equal(smp[5].Time))
	require.Equal(t, ChangeTerminator, events[0].change)
}

func TestRunContinuesPastFailingDevice(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.AddSamples(sample(base, legs.ActivityWalking, 0), sample(base.Add(time.Hour), legs.ActivityWalking, 1))
	other := sample(base, legs.ActivityWalking, 0)
	other.DeviceID = 2
	store.AddSamples(other)

	bad := scripted{{Leg: legs.Leg{TimeStart: base, TimeEnd: base.Add(-time.Minute), Activity: legs.ActivityWalking}}}
	err := NewReconciler(store, bad, nil, nil).Run(ctx, false)
	require.ErrorContains(t, err, "2 of 2 devices failed")
}
