// Package memstore is an in-memory implementation of the leg and rating store contracts.
// It backs the package tests, and mirrors the SQL of package db closely enough
// for the PostgreSQL tests of that package to compare against it.
package memstore

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"legsync/internal/legs"
)

type state struct {
	legs   map[int64]legs.Leg
	modes  map[int64]legs.Modes
	nextID int64
	writes int
}

func (st *state) clone() *state {
	out := &state{
		legs:   maps.Clone(st.legs),
		modes:  make(map[int64]legs.Modes, len(st.modes)),
		nextID: st.nextID,
		writes: st.writes,
	}
	for id, m := range st.modes {
		out.modes[id] = maps.Clone(m)
	}
	return out
}

type Store struct {
	mu      sync.Mutex
	samples map[int64][]legs.Sample
	owners  map[int64]*int64
	locks   map[int64]bool
	st      *state
	rt      *ratingState

	// CommitHook runs before a transaction commits; a non-nil error rolls it back.
	CommitHook func() error
}

func New() *Store {
	return &Store{
		samples: make(map[int64][]legs.Sample),
		owners:  make(map[int64]*int64),
		locks:   make(map[int64]bool),
		st:      &state{legs: make(map[int64]legs.Leg), modes: make(map[int64]legs.Modes)},
	}
}

// SetOwner registers a device and its current owner (nil for none).
func (s *Store) SetOwner(deviceID int64, userID *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[deviceID] = userID
}

// AddSamples appends samples, keeping each device's samples time ordered.
func (s *Store) AddSamples(samples ...legs.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, smp := range samples {
		if _, ok := s.owners[smp.DeviceID]; !ok {
			s.owners[smp.DeviceID] = nil
		}
		s.samples[smp.DeviceID] = append(s.samples[smp.DeviceID], smp)
	}
	for id := range s.samples {
		slices.SortStableFunc(s.samples[id], func(a, b legs.Sample) int { return a.Time.Compare(b.Time) })
	}
}

// PutLeg stores a leg as is and returns its id. It does not count as a write.
func (s *Store) PutLeg(l legs.Leg, modes legs.Modes) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.nextID++
	l.ID = s.st.nextID
	s.st.legs[l.ID] = l
	if len(modes) > 0 {
		s.st.modes[l.ID] = maps.Clone(modes)
	}
	return l.ID
}

// Legs returns the legs of a device ordered by start time, terminators included.
func (s *Store) Legs(deviceID int64) []legs.Leg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceLegs(deviceID)
}

func (s *Store) Leg(id int64) (legs.Leg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.st.legs[id]
	return l, ok
}

func (s *Store) LegModes(id int64) legs.Modes {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.st.modes[id])
}

// Writes counts committed mutations since the store was created.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.writes
}

func (s *Store) deviceLegs(deviceID int64) []legs.Leg {
	var out []legs.Leg
	for _, l := range s.st.legs {
		if l.DeviceID == deviceID {
			out = append(out, l)
		}
	}
	sortByStart(out)
	return out
}

func sortByStart(ls []legs.Leg) {
	slices.SortFunc(ls, func(a, b legs.Leg) int {
		return cmp.Or(a.TimeStart.Compare(b.TimeStart), cmp.Compare(a.ID, b.ID))
	})
}

// Telemetry

func (s *Store) Devices(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.owners)), nil
}

func (s *Store) SampleBounds(ctx context.Context, deviceID int64) (time.Time, time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	smp := s.samples[deviceID]
	if len(smp) == 0 {
		return time.Time{}, time.Time{}, false, nil
	}
	return smp[0].Time, smp[len(smp)-1].Time, true, nil
}

func (s *Store) Samples(ctx context.Context, deviceID int64, from, to time.Time) ([]legs.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []legs.Sample
	for _, smp := range s.samples[deviceID] {
		if smp.Time.Before(from) || smp.Time.After(to) {
			continue
		}
		out = append(out, smp)
	}
	return out, nil
}

// LegStore

func (s *Store) LastLegEnd(ctx context.Context, deviceID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var end time.Time
	found := false
	for _, l := range s.st.legs {
		if l.DeviceID == deviceID && (!found || l.TimeEnd.After(end)) {
			end, found = l.TimeEnd, true
		}
	}
	return end, found, nil
}

func (s *Store) RecentLegStarts(ctx context.Context, deviceID int64, n int) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var starts []time.Time
	for _, l := range s.deviceLegs(deviceID) {
		if !l.IsTerminator() {
			starts = append(starts, l.TimeStart)
		}
	}
	slices.Reverse(starts)
	if len(starts) > n {
		starts = starts[:n]
	}
	return starts, nil
}

func (s *Store) LockDevice(ctx context.Context, deviceID int64) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[deviceID] {
		return nil, false, nil
	}
	s.locks[deviceID] = true
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.locks, deviceID)
	}, true, nil
}

// InTx runs fn against a copy of the leg state and commits it only when fn
// and CommitHook succeed.
func (s *Store) InTx(ctx context.Context, fn func(tx legs.LegTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{st: s.st.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if s.CommitHook != nil {
		if err := s.CommitHook(); err != nil {
			return err
		}
	}
	s.st = tx.st
	return nil
}

type memTx struct {
	st *state
}

func (tx *memTx) FindIdentical(ctx context.Context, leg legs.Leg) (int64, bool, error) {
	ids := slices.Sorted(maps.Keys(tx.st.legs))
	for _, id := range ids {
		if tx.st.legs[id].SameFields(leg) {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (tx *memTx) Overlapping(ctx context.Context, deviceID int64, from, to time.Time) ([]legs.Leg, error) {
	var out []legs.Leg
	for _, l := range tx.st.legs {
		if l.DeviceID == deviceID && l.Overlaps(from, to) {
			out = append(out, l)
		}
	}
	sortByStart(out)
	return out, nil
}

func (tx *memTx) InsertLeg(ctx context.Context, leg legs.Leg) (int64, error) {
	tx.st.nextID++
	leg.ID = tx.st.nextID
	tx.st.legs[leg.ID] = leg
	tx.st.writes++
	return leg.ID, nil
}

func (tx *memTx) UpdateLeg(ctx context.Context, leg legs.Leg) error {
	if _, ok := tx.st.legs[leg.ID]; !ok {
		return nil
	}
	leg.UserID = nil
	tx.st.legs[leg.ID] = leg
	tx.st.writes++
	return nil
}

func (tx *memTx) DeleteLeg(ctx context.Context, id int64) error {
	if _, ok := tx.st.legs[id]; !ok {
		return nil
	}
	delete(tx.st.legs, id)
	delete(tx.st.modes, id)
	tx.st.writes++
	return nil
}

func (tx *memTx) DeleteContained(ctx context.Context, deviceID int64, from, to time.Time) ([]int64, error) {
	var ids []int64
	for id, l := range tx.st.legs {
		if l.DeviceID == deviceID && !l.TimeStart.Before(from) && !l.TimeEnd.After(to) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		delete(tx.st.legs, id)
		delete(tx.st.modes, id)
		tx.st.writes++
	}
	return ids, nil
}

func (tx *memTx) Modes(ctx context.Context, legID int64) (legs.Modes, error) {
	return maps.Clone(tx.st.modes[legID]), nil
}

func (tx *memTx) InsertMode(ctx context.Context, m legs.Mode) error {
	if tx.st.modes[m.LegID] == nil {
		tx.st.modes[m.LegID] = make(legs.Modes)
	}
	tx.st.modes[m.LegID][m.Source] = m.ModeLine
	tx.st.writes++
	return nil
}

func (tx *memTx) DeleteMode(ctx context.Context, legID int64, source string) error {
	delete(tx.st.modes[legID], source)
	tx.st.writes++
	return nil
}

// OwnershipStore

func (s *Store) owned(userID int64) []legs.Leg {
	var out []legs.Leg
	for _, l := range s.st.legs {
		owner := s.owners[l.DeviceID]
		if owner != nil && *owner == userID && !l.IsTerminator() {
			out = append(out, l)
		}
	}
	sortByStart(out)
	return out
}

func attachedTo(l legs.Leg, userID int64) bool { return l.UserID != nil && *l.UserID == userID }

func (s *Store) Owners(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int64]bool)
	for _, u := range s.owners {
		if u != nil {
			seen[*u] = true
		}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

func (s *Store) OwnedDevices(ctx context.Context, userID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for d, u := range s.owners {
		if u != nil && *u == userID {
			out = append(out, d)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) EarliestUnattached(ctx context.Context, userID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.owned(userID) {
		if l.UserID == nil {
			return l.TimeStart, true, nil
		}
	}
	return time.Time{}, false, nil
}

func (s *Store) EarliestAttachedOverlappingUnattached(ctx context.Context, userID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := s.owned(userID)
	for _, l1 := range owned {
		if !attachedTo(l1, userID) {
			continue
		}
		for _, l2 := range owned {
			if l2.UserID == nil && l2.TimeStart.Before(l1.TimeEnd) && l2.TimeEnd.After(l1.TimeStart) {
				return l1.TimeStart, true, nil
			}
		}
	}
	return time.Time{}, false, nil
}

func (s *Store) EarliestOwned(ctx context.Context, userID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := s.owned(userID)
	if len(owned) == 0 {
		return time.Time{}, false, nil
	}
	return owned[0].TimeStart, true, nil
}

func (s *Store) LastAttachedEnd(ctx context.Context, userID int64, before time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var end time.Time
	found := false
	for _, l := range s.st.legs {
		if attachedTo(l, userID) && !l.IsTerminator() && !l.TimeEnd.After(before) && (!found || l.TimeEnd.After(end)) {
			end, found = l.TimeEnd, true
		}
	}
	return end, found, nil
}

func (s *Store) OwnedLegsEndingAfter(ctx context.Context, userID int64, after time.Time) ([]legs.Leg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []legs.Leg
	for _, l := range s.owned(userID) {
		if l.TimeEnd.After(after) {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b legs.Leg) int {
		return cmp.Or(a.TimeEnd.Compare(b.TimeEnd), b.TimeStart.Compare(a.TimeStart), cmp.Compare(a.ID, b.ID))
	})
	return out, nil
}

func (s *Store) AttachedLegsEndingAfter(ctx context.Context, userID int64, after time.Time) ([]legs.Leg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []legs.Leg
	for _, l := range s.st.legs {
		if attachedTo(l, userID) && !l.IsTerminator() && l.TimeEnd.After(after) {
			out = append(out, l)
		}
	}
	sortByStart(out)
	return out, nil
}

func (s *Store) SetLegUser(ctx context.Context, legID int64, userID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.st.legs[legID]
	if !ok {
		return nil
	}
	if userID != nil {
		userID = legs.Int64Ptr(*userID)
	}
	l.UserID = userID
	s.st.legs[legID] = l
	s.st.writes++
	return nil
}

// LabelStore

func (s *Store) UnlabeledVehicleLegs(ctx context.Context, source string, after legs.LabelCursor, limit int) ([]legs.LegWithModes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []legs.LegWithModes
	for _, l := range s.st.legs {
		if l.Activity != legs.ActivityInVehicle || !after.Before(l) {
			continue
		}
		if _, ok := s.st.modes[l.ID][source]; ok {
			continue
		}
		out = append(out, legs.LegWithModes{Leg: l, Modes: maps.Clone(s.st.modes[l.ID])})
	}
	slices.SortFunc(out, func(a, b legs.LegWithModes) int {
		return cmp.Or(b.Leg.TimeStart.Compare(a.Leg.TimeStart), cmp.Compare(b.Leg.ID, a.Leg.ID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpsertMode(ctx context.Context, leg legs.Leg, source string, ml legs.ModeLine) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.st.legs[leg.ID]
	if !ok || !stored.SameFields(leg) {
		return false, nil
	}
	if s.st.modes[leg.ID] == nil {
		s.st.modes[leg.ID] = make(legs.Modes)
	}
	s.st.modes[leg.ID][source] = ml
	s.st.writes++
	return true, nil
}
