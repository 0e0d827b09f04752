package memstore

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"time"

	"legsync/internal/legs"
	"legsync/internal/rating"
)

type ratingKey struct {
	user int64
	day  int64 // unix seconds of the day
}

type ratingState struct {
	ratings  map[ratingKey]rating.DailyRating
	rankings map[int64][]rating.Ranking
	stats    map[int64]rating.Statistics
}

func (s *Store) ratingsState() *ratingState {
	if s.rt == nil {
		s.rt = &ratingState{
			ratings:  make(map[ratingKey]rating.DailyRating),
			rankings: make(map[int64][]rating.Ranking),
			stats:    make(map[int64]rating.Statistics),
		}
	}
	return s.rt
}

// Ratings returns the stored ratings ordered by day, then user.
func (s *Store) Ratings() []rating.DailyRating {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratingsWhere(func(rating.DailyRating) bool { return true })
}

func (s *Store) Rankings(day time.Time) []rating.Ranking {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ratingsState().rankings[day.Unix()])
}

// Statistics returns the stored global statistics ordered by day.
func (s *Store) Statistics() []rating.Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Collect(maps.Values(s.ratingsState().stats))
	slices.SortFunc(out, func(a, b rating.Statistics) int { return a.Day.Compare(b.Day) })
	return out
}

func (s *Store) ratingsWhere(keep func(rating.DailyRating) bool) []rating.DailyRating {
	var out []rating.DailyRating
	for _, r := range s.ratingsState().ratings {
		if keep(r) {
			r.Distances = maps.Clone(r.Distances)
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b rating.DailyRating) int {
		return cmp.Or(a.Day.Compare(b.Day), cmp.Compare(a.UserID, b.UserID))
	})
	return out
}

func (s *Store) RatedUsers(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int64]bool)
	for _, l := range s.st.legs {
		if l.UserID != nil {
			seen[*l.UserID] = true
		}
	}
	return slices.Sorted(maps.Keys(seen)), nil
}

func (s *Store) EarliestAttached(ctx context.Context, userID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first time.Time
	found := false
	for _, l := range s.st.legs {
		if attachedTo(l, userID) && !l.IsTerminator() && (!found || l.TimeStart.Before(first)) {
			first, found = l.TimeStart, true
		}
	}
	return first, found, nil
}

func (s *Store) AttachedLegs(ctx context.Context, userID int64, from, to time.Time) ([]legs.LegWithModes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ls []legs.Leg
	for _, l := range s.st.legs {
		if attachedTo(l, userID) && !l.IsTerminator() && l.TimeEnd.After(from) && l.TimeStart.Before(to) {
			ls = append(ls, l)
		}
	}
	sortByStart(ls)
	out := make([]legs.LegWithModes, len(ls))
	for i, l := range ls {
		out[i] = legs.LegWithModes{Leg: l, Modes: maps.Clone(s.st.modes[l.ID])}
	}
	return out, nil
}

func (s *Store) LastRatedDay(ctx context.Context, userID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	found := false
	for k, r := range s.ratingsState().ratings {
		if k.user == userID && (!found || r.Day.After(last)) {
			last, found = r.Day, true
		}
	}
	return last, found, nil
}

func (s *Store) SaveRatings(ctx context.Context, rs []rating.DailyRating) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rs {
		r.Distances = maps.Clone(r.Distances)
		s.ratingsState().ratings[ratingKey{user: r.UserID, day: r.Day.Unix()}] = r
	}
	return nil
}

func (s *Store) RatingsBetween(ctx context.Context, from, to time.Time) ([]rating.DailyRating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ratingsWhere(func(r rating.DailyRating) bool {
		return !r.Day.Before(from) && r.Day.Before(to)
	}), nil
}

func (s *Store) SaveRankings(ctx context.Context, day time.Time, rs []rating.Ranking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratingsState().rankings[day.Unix()] = slices.Clone(rs)
	return nil
}

func (s *Store) FirstRatedDay(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.ratingsWhere(func(rating.DailyRating) bool { return true })
	if len(rs) == 0 {
		return time.Time{}, false, nil
	}
	return rs[0].Day, true, nil
}

func (s *Store) LastStatisticsDay(ctx context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	found := false
	for _, st := range s.ratingsState().stats {
		if !found || st.Day.After(last) {
			last, found = st.Day, true
		}
	}
	return last, found, nil
}

func (s *Store) SaveStatistics(ctx context.Context, st []rating.Statistics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range st {
		s.ratingsState().stats[x.Day.Unix()] = x
	}
	return nil
}
