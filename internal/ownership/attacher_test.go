package ownership

import (
	"context"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"legsync/internal/legs"
	"legsync/internal/store/memstore"
)

const user int64 = 7

var base = time.Date(2016, 2, 1, 9, 0, 0, 0, time.UTC)

type fakeNotifier struct {
	backlog []int
	refresh [][]int64
}

func (f *fakeNotifier) TriggerBacklog(_ context.Context, n int) error {
	f.backlog = append(f.backlog, n)
	return nil
}

func (f *fakeNotifier) RefreshLabels(_ context.Context, ids []int64) error {
	f.refresh = append(f.refresh, ids)
	return nil
}

func at(min int) time.Time { return base.Add(time.Duration(min) * time.Minute) }

func leg(device int64, from, to int, activity string) legs.Leg {
	return legs.Leg{DeviceID: device, TimeStart: at(from), TimeEnd: at(to), Activity: activity}
}

func attachedTo(s *memstore.Store, devices ...int64) []legs.Leg {
	var out []legs.Leg
	for _, d := range devices {
		for _, l := range s.Legs(d) {
			if l.UserID != nil && *l.UserID == user {
				out = append(out, l)
			}
		}
	}
	slices.SortFunc(out, func(a, b legs.Leg) int { return a.TimeStart.Compare(b.TimeStart) })
	return out
}

func requireExclusive(t *testing.T, ls []legs.Leg) {
	t.Helper()
	for i := 1; i < len(ls); i++ {
		require.False(t, ls[i].TimeStart.Before(ls[i-1].TimeEnd), "attached legs %+v and %+v overlap", ls[i-1], ls[i])
	}
}

func TestShorterLegWins(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetOwner(1, legs.Int64Ptr(user))
	store.SetOwner(2, legs.Int64Ptr(user))
	phone := store.PutLeg(leg(1, 60, 90, legs.ActivityWalking), nil)
	idle := store.PutLeg(leg(2, 50, 100, legs.ActivityInVehicle), nil)
	later := store.PutLeg(leg(2, 105, 120, legs.ActivityInVehicle), nil)
	store.PutLeg(leg(1, 90, 200, ""), nil)

	n := &fakeNotifier{}
	require.NoError(t, NewAttacher(store, n, nil, 50).Run(ctx, false))

	for id, want := range map[int64]bool{phone: true, idle: false, later: true} {
		l, _ := store.Leg(id)
		require.Equal(t, want, l.UserID != nil, "leg %d", id)
	}
	requireExclusive(t, attachedTo(store, 1, 2))
	require.Equal(t, []int{50}, n.backlog)
	require.Equal(t, [][]int64{{user}}, n.refresh)
}

func TestConflictingAttachedLegIsDetached(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetOwner(1, legs.Int64Ptr(user))
	store.SetOwner(2, legs.Int64Ptr(user))
	long := leg(2, 0, 60, legs.ActivityInVehicle)
	long.UserID = legs.Int64Ptr(user)
	longID := store.PutLeg(long, nil)
	shortID := store.PutLeg(leg(1, 10, 30, legs.ActivityOnBicycle), nil)

	st, err := NewAttacher(store, nil, nil, 0).RunUser(ctx, user, false)
	require.NoError(t, err)
	require.Equal(t, Stats{Attached: 1, Detached: 1}, st)

	l, _ := store.Leg(longID)
	require.Nil(t, l.UserID)
	l, _ = store.Leg(shortID)
	require.Equal(t, user, *l.UserID)
}

func TestAttachedLegBeforeWindowBlocksOverlap(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetOwner(1, legs.Int64Ptr(user))
	store.SetOwner(2, legs.Int64Ptr(user))
	done := leg(1, 0, 40, legs.ActivityWalking)
	done.UserID = legs.Int64Ptr(user)
	store.PutLeg(done, nil)
	// Still carries the previous owner of device 2.
	handed := leg(2, 30, 48, legs.ActivityInVehicle)
	handed.UserID = legs.Int64Ptr(99)
	handedID := store.PutLeg(handed, nil)
	fresh := store.PutLeg(leg(1, 45, 50, legs.ActivityInVehicle), nil)

	st, err := NewAttacher(store, nil, nil, 0).RunUser(ctx, user, false)
	require.NoError(t, err)
	require.Equal(t, Stats{Attached: 1}, st)
	l, _ := store.Leg(fresh)
	require.Equal(t, user, *l.UserID)
	l, _ = store.Leg(handedID)
	require.Equal(t, int64(99), *l.UserID)
	requireExclusive(t, attachedTo(store, 1, 2))
}

func TestSentinelUserIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetOwner(3, legs.Int64Ptr(legs.SentinelUserID))
	id := store.PutLeg(leg(3, 0, 10, legs.ActivityWalking), nil)

	require.NoError(t, NewAttacher(store, nil, nil, 0).Run(ctx, true))
	l, _ := store.Leg(id)
	require.Nil(t, l.UserID)
	require.Zero(t, store.Writes())
}

func TestSecondPassChangesNothing(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetOwner(1, legs.Int64Ptr(user))
	store.SetOwner(2, legs.Int64Ptr(user))
	store.PutLeg(leg(1, 0, 20, legs.ActivityWalking), nil)
	store.PutLeg(leg(2, 10, 50, legs.ActivityInVehicle), nil)
	store.PutLeg(leg(1, 25, 45, legs.ActivityOnBicycle), nil)

	a := NewAttacher(store, nil, nil, 0)
	_, err := a.RunUser(ctx, user, false)
	require.NoError(t, err)
	writes := store.Writes()

	st, err := a.RunUser(ctx, user, false)
	require.NoError(t, err)
	require.Zero(t, st.Attached+st.Detached)
	require.Equal(t, writes, store.Writes())

	st, err = a.RunUser(ctx, user, true)
	require.NoError(t, err)
	require.Zero(t, st.Attached+st.Detached)
}

func randomLegs(r *rand.Rand, device int64, from, n int) ([]legs.Leg, int) {
	out := make([]legs.Leg, 0, n)
	t := from
	for range n {
		t += r.IntN(15)
		d := 1 + r.IntN(40)
		act := legs.ActivityWalking
		if r.IntN(2) == 0 {
			act = legs.ActivityInVehicle
		}
		out = append(out, leg(device, t, t+d, act))
		t += d
	}
	return out, t
}

func TestAttachedLegsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	for seed := uint64(1); seed <= 30; seed++ {
		r := rand.New(rand.NewPCG(seed, 5))
		store := memstore.New()
		store.SetOwner(1, legs.Int64Ptr(user))
		store.SetOwner(2, legs.Int64Ptr(user))
		a := NewAttacher(store, nil, nil, 0)

		end1, end2 := 0, 0
		for range 4 {
			var batch []legs.Leg
			batch, end1 = randomLegs(r, 1, end1, 1+r.IntN(6))
			for _, l := range batch {
				store.PutLeg(l, nil)
			}
			batch, end2 = randomLegs(r, 2, end2, 1+r.IntN(6))
			for _, l := range batch {
				store.PutLeg(l, nil)
			}
			require.NoError(t, a.Run(ctx, false))
			requireExclusive(t, attachedTo(store, 1, 2))
		}
		require.NoError(t, a.Run(ctx, true))
		requireExclusive(t, attachedTo(store, 1, 2))
	}
}

func TestTransferredDeviceLegBlocksOverlap(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	// Device 1 moved to user 8 but keeps a leg attached to user 7.
	store.SetOwner(1, legs.Int64Ptr(8))
	store.SetOwner(2, legs.Int64Ptr(user))
	old := leg(1, 0, 60, legs.ActivityInVehicle)
	old.UserID = legs.Int64Ptr(user)
	oldID := store.PutLeg(old, nil)
	inside := store.PutLeg(leg(2, 10, 30, legs.ActivityWalking), nil)
	after := store.PutLeg(leg(2, 60, 75, legs.ActivityWalking), nil)

	st, err := NewAttacher(store, nil, nil, 0).RunUser(ctx, user, false)
	require.NoError(t, err)
	require.Equal(t, Stats{Attached: 1}, st)

	l, _ := store.Leg(inside)
	require.Nil(t, l.UserID)
	l, _ = store.Leg(after)
	require.Equal(t, user, *l.UserID)
	l, _ = store.Leg(oldID)
	require.Equal(t, user, *l.UserID)
	requireExclusive(t, attachedTo(store, 1, 2))

	// User 8 now owns device 1 and does not get the leg attached elsewhere.
	require.NoError(t, NewAttacher(store, nil, nil, 0).Run(ctx, false))
	l, _ = store.Leg(oldID)
	require.Equal(t, user, *l.UserID)
	requireExclusive(t, attachedTo(store, 1, 2))
}

func TestLockedDeviceDefersUser(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.SetOwner(1, legs.Int64Ptr(user))
	store.SetOwner(2, legs.Int64Ptr(user))
	id := store.PutLeg(leg(1, 0, 10, legs.ActivityWalking), nil)

	release, ok, err := store.LockDevice(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	st, err := NewAttacher(store, nil, nil, 0).RunUser(ctx, user, false)
	require.NoError(t, err)
	require.True(t, st.Skipped)
	l, _ := store.Leg(id)
	require.Nil(t, l.UserID)

	// The lock on device 1 taken by the skipped pass was given back.
	release()
	st, err = NewAttacher(store, nil, nil, 0).RunUser(ctx, user, false)
	require.NoError(t, err)
	require.Equal(t, Stats{Attached: 1}, st)
}
