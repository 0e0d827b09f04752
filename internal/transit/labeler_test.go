package transit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"legsync/internal/legs"
	"legsync/internal/store/memstore"
)

type scriptedMatcher struct {
	results map[time.Time]Result
	calls   []Observed
}

func (s *scriptedMatcher) Match(_ context.Context, obs Observed) Result {
	s.calls = append(s.calls, obs)
	return s.results[obs.Start]
}

type matchLog []string

func (m *matchLog) LegMatched(_ context.Context, _ legs.Leg, match Match) {
	*m = append(*m, match.LineName)
}

func vehicleLeg(store *memstore.Store, start time.Time, modes legs.Modes) int64 {
	return store.PutLeg(legs.Leg{
		DeviceID:  1,
		TimeStart: start,
		TimeEnd:   start.Add(10 * time.Minute),
		Activity:  legs.ActivityInVehicle,
		Start:     legs.Coordinate{Lat: 60.17, Lon: 24.94},
		End:       legs.Coordinate{Lat: 60.20, Lon: 24.90},
	}, modes)
}

func TestLabelerWritesPlannerMode(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	t1 := now.Add(-3 * time.Hour)
	t2 := now.Add(-2 * time.Hour)
	t3 := now.Add(-time.Hour)
	matched := vehicleLeg(store, t1, legs.Modes{
		legs.SourceActivity: {Mode: legs.ActivityInVehicle},
		"MANUAL":            {Mode: "tram"},
	})
	unmatched := vehicleLeg(store, t2, nil)
	noPlan := vehicleLeg(store, t3, nil)
	store.PutLeg(legs.Leg{DeviceID: 1, TimeStart: t1, TimeEnd: t2, Activity: legs.ActivityWalking}, nil)

	best := Match{LineMode: "TRAM", LineName: "4"}
	fm := &scriptedMatcher{results: map[time.Time]Result{
		t1: {Code: CodeCompleted, MatchCount: 1, Best: &best},
		t2: {Code: CodeCompleted},
		t3: {Code: 404},
	}}
	var events matchLog
	l := NewLabeler(store, fm, DefaultTolerances(), &events, nil, 10, "", time.Hour)
	l.now = func() time.Time { return now }

	st, err := l.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, LabelStats{Attempted: 3, Matched: 1, Unmatched: 1, NoPlan: 1}, st)

	require.Equal(t, legs.ModeLine{Mode: "TRAM", Line: "4"}, store.LegModes(matched)[legs.SourcePlanner])
	require.Empty(t, store.LegModes(unmatched))
	require.Empty(t, store.LegModes(noPlan))
	require.Equal(t, matchLog{"4"}, events)

	// Newest first; the declared mode comes from the leg's own modes.
	require.Len(t, fm.calls, 3)
	require.True(t, fm.calls[0].Start.Equal(t3))
	require.Equal(t, "BUS", fm.calls[0].Mode)
	require.Equal(t, "TRAM", fm.calls[2].Mode)
	require.Equal(t, legs.Coordinate{Lat: 60.17, Lon: 24.94}, fm.calls[2].From)
}

func TestLabelerRetriesAfterInterval(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	vehicleLeg(store, now.Add(-time.Hour), nil)
	fm := &scriptedMatcher{}
	l := NewLabeler(store, fm, DefaultTolerances(), nil, nil, 10, "TRAIN", 30*time.Minute)
	clock := now
	l.now = func() time.Time { return clock }

	_, err := l.Run(ctx)
	require.NoError(t, err)
	st, err := l.Run(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Attempted)
	require.Len(t, fm.calls, 1)
	require.Equal(t, "TRAIN", fm.calls[0].Mode)

	clock = clock.Add(31 * time.Minute)
	st, err = l.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Attempted)
	require.Len(t, fm.calls, 2)
}

func TestLabelerBatchPagesPastTriedLegs(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	for i := 1; i <= 5; i++ {
		vehicleLeg(store, now.Add(-time.Duration(i)*time.Hour), nil)
	}
	fm := &scriptedMatcher{}
	l := NewLabeler(store, fm, DefaultTolerances(), nil, nil, 2, "", time.Hour)
	l.now = func() time.Time { return now }

	for _, want := range []int{2, 2, 1, 0} {
		st, err := l.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, want, st.Attempted)
	}
	require.Len(t, fm.calls, 5)
	for i, c := range fm.calls {
		require.True(t, c.Start.Equal(now.Add(-time.Duration(i+1)*time.Hour)))
	}
}

func TestLabelerPagesThroughSharedStartTimes(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	start := now.Add(-time.Hour)
	for range 3 {
		vehicleLeg(store, start, nil)
	}
	fm := &scriptedMatcher{}
	l := NewLabeler(store, fm, DefaultTolerances(), nil, nil, 1, "", time.Hour)
	l.now = func() time.Time { return now }

	for _, want := range []int{1, 1, 1, 0} {
		st, err := l.Run(ctx)
		require.NoError(t, err)
		require.Equal(t, want, st.Attempted)
	}
	require.Len(t, fm.calls, 3)
}

// rewritingMatcher changes the leg in the store while the plan is fetched.
type rewritingMatcher struct {
	store *memstore.Store
	best  Match
}

func (r *rewritingMatcher) Match(ctx context.Context, obs Observed) Result {
	_ = r.store.InTx(ctx, func(tx legs.LegTx) error {
		ls, err := tx.Overlapping(ctx, 1, obs.Start, obs.End)
		if err != nil {
			return err
		}
		for _, l := range ls {
			l.TimeEnd = l.TimeEnd.Add(time.Minute)
			if err := tx.UpdateLeg(ctx, l); err != nil {
				return err
			}
		}
		return nil
	})
	return Result{Code: CodeCompleted, MatchCount: 1, Best: &r.best}
}

func TestLabelerDoesNotLabelRewrittenLeg(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	id := vehicleLeg(store, now.Add(-time.Hour), nil)
	l := NewLabeler(store, &rewritingMatcher{store: store, best: Match{LineMode: "BUS", LineName: "55"}}, DefaultTolerances(), nil, nil, 10, "", time.Hour)
	l.now = func() time.Time { return now }

	st, err := l.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, LabelStats{Attempted: 1, Deferred: 1}, st)
	require.Empty(t, store.LegModes(id))

	// The rewritten leg is retried at once and now matches its stored fields.
	l.matcher = &scriptedMatcher{results: map[time.Time]Result{
		now.Add(-time.Hour): {Code: CodeCompleted, MatchCount: 1, Best: &Match{LineMode: "BUS", LineName: "55"}},
	}}
	st, err = l.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Matched)
	require.Equal(t, legs.ModeLine{Mode: "BUS", Line: "55"}, store.LegModes(id)[legs.SourcePlanner])
}

func TestLabelerDefersLockedDevice(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	start := now.Add(-time.Hour)
	id := vehicleLeg(store, start, nil)
	best := Match{LineMode: "TRAIN", LineName: "P"}
	fm := &scriptedMatcher{results: map[time.Time]Result{start: {Code: CodeCompleted, MatchCount: 1, Best: &best}}}
	l := NewLabeler(store, fm, DefaultTolerances(), nil, nil, 10, "", time.Hour)
	l.now = func() time.Time { return now }

	release, ok, err := store.LockDevice(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	st, err := l.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Deferred)
	require.Empty(t, store.LegModes(id))

	release()
	st, err = l.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, LabelStats{Attempted: 1, Matched: 1}, st)
	require.Equal(t, legs.ModeLine{Mode: "TRAIN", Line: "P"}, store.LegModes(id)[legs.SourcePlanner])
}
