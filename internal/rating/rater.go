package rating

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"time"

	"legsync/internal/geo"
	"legsync/internal/legs"
)

type Metrics interface {
	RatingsWritten(n int)
}

// Stats summarizes one rating pass.
type Stats struct {
	Users          int
	Ratings        int
	RankedDays     int
	StatisticsDays int
}

// Rater computes ratings for complete days only: a day is rated once it
// has ended in the configured location and is never revisited afterwards.
type Rater struct {
	store    Store
	settings Settings
	loc      *time.Location
	metrics  Metrics
}

func NewRater(store Store, settings Settings, loc *time.Location, metrics Metrics) *Rater {
	if loc == nil {
		loc = time.Local
	}
	return &Rater{store: store, settings: settings, loc: loc, metrics: metrics}
}

// Run rates every user's unrated complete days, reranks the days the new
// ratings touch and appends global statistics up to yesterday.
func (r *Rater) Run(ctx context.Context) (Stats, error) { return r.RunAt(ctx, time.Now()) }

// RunAt is Run with days complete before now counted as complete.
func (r *Rater) RunAt(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats
	today := DayOf(now, r.loc)

	users, err := r.store.RatedUsers(ctx)
	if err != nil {
		return st, fmt.Errorf("list rated users: %w", err)
	}
	var (
		errs    []error
		touched []time.Time
	)
	for _, user := range users {
		if user == legs.SentinelUserID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}
		rs, err := r.RateUser(ctx, user, today)
		if err != nil {
			log.Printf("[rating] user %d: %v", user, err)
			errs = append(errs, fmt.Errorf("user %d: %w", user, err))
			continue
		}
		st.Users++
		st.Ratings += len(rs)
		for _, rt := range rs {
			touched = append(touched, rt.Day)
		}
	}
	if r.metrics != nil {
		r.metrics.RatingsWritten(st.Ratings)
	}

	if len(touched) > 0 {
		first, last := slices.MinFunc(touched, time.Time.Compare), slices.MaxFunc(touched, time.Time.Compare)
		// A day's rating also moves the rankings of the following week.
		last = last.AddDate(0, 0, WindowDays-1)
		for day := first; !day.After(last) && day.Before(today); day = day.AddDate(0, 0, 1) {
			if err := r.RankDay(ctx, day); err != nil {
				errs = append(errs, fmt.Errorf("rank %s: %w", day.Format(time.DateOnly), err))
				continue
			}
			st.RankedDays++
		}
	}

	n, err := r.UpdateStatistics(ctx, today)
	st.StatisticsDays = n
	if err != nil {
		errs = append(errs, fmt.Errorf("statistics: %w", err))
	}
	log.Printf("[rating] pass done: users=%d ratings=%d ranked_days=%d statistics_days=%d", st.Users, st.Ratings, st.RankedDays, st.StatisticsDays)
	return st, errors.Join(errs...)
}

// RateUser rates the user's days after the last rated one and before today.
// Days without distance get no rating.
func (r *Rater) RateUser(ctx context.Context, user int64, today time.Time) ([]DailyRating, error) {
	first, ok, err := r.firstUnrated(ctx, user)
	if err != nil || !ok || !first.Before(today) {
		return nil, err
	}
	from, to := StartOf(first, r.loc), StartOf(today, r.loc)
	ls, err := r.store.AttachedLegs(ctx, user, from, to)
	if err != nil {
		return nil, fmt.Errorf("attached legs: %w", err)
	}

	km := make(map[time.Time]map[Category]float64)
	add := func(at time.Time, c Category, d float64) {
		if at.Before(from) || !at.Before(to) || d <= 0 {
			return
		}
		day := DayOf(at, r.loc)
		if km[day] == nil {
			km[day] = make(map[Category]float64)
		}
		km[day][c] += d
	}
	for _, lm := range ls {
		c, ok := CategoryOf(lm.Leg.Activity, lm.Modes)
		if !ok {
			continue
		}
		samples, err := r.store.Samples(ctx, lm.Leg.DeviceID, lm.Leg.TimeStart, lm.Leg.TimeEnd)
		if err != nil {
			return nil, fmt.Errorf("samples of leg %d: %w", lm.Leg.ID, err)
		}
		if len(samples) < 2 {
			add(lm.Leg.TimeEnd, c, geo.DistanceMeters(lm.Leg.Start, lm.Leg.End)/1000)
			continue
		}
		for i := 1; i < len(samples); i++ {
			prev, cur := samples[i-1], samples[i]
			if cur.Time.Sub(prev.Time) > r.settings.MaxGap() {
				continue
			}
			// A segment counts toward the day it ends in.
			add(cur.Time, c, geo.DistanceMeters(prev.Coordinate, cur.Coordinate)/1000)
		}
	}

	out := make([]DailyRating, 0, len(km))
	for _, day := range slices.SortedFunc(maps.Keys(km), time.Time.Compare) {
		out = append(out, r.rate(user, day, km[day]))
	}
	if len(out) == 0 {
		return nil, nil
	}
	if err := r.store.SaveRatings(ctx, out); err != nil {
		return nil, fmt.Errorf("save ratings: %w", err)
	}
	return out, nil
}

func (r *Rater) firstUnrated(ctx context.Context, user int64) (time.Time, bool, error) {
	last, ok, err := r.store.LastRatedDay(ctx, user)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last rated day: %w", err)
	}
	if ok {
		return last.AddDate(0, 0, 1), true, nil
	}
	earliest, ok, err := r.store.EarliestAttached(ctx, user)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("earliest attached leg: %w", err)
	}
	return DayOf(earliest, r.loc), ok, nil
}

func (r *Rater) rate(user int64, day time.Time, distances map[Category]float64) DailyRating {
	var w weighted
	for _, c := range Categories {
		w.add(distances[c], r.settings.Factors[c])
	}
	return DailyRating{UserID: user, Day: day, Distances: distances, TotalKm: w.km, AverageCO2: w.average()}
}

// RankDay ranks the users rated in the week ending on day by their
// distance-weighted average CO2, lowest first.
func (r *Rater) RankDay(ctx context.Context, day time.Time) error {
	rs, err := r.store.RatingsBetween(ctx, day.AddDate(0, 0, 1-WindowDays), day.AddDate(0, 0, 1))
	if err != nil {
		return err
	}
	byUser := make(map[int64]*weighted)
	for _, rt := range rs {
		if byUser[rt.UserID] == nil {
			byUser[rt.UserID] = &weighted{}
		}
		byUser[rt.UserID].add(rt.TotalKm, rt.AverageCO2)
	}
	ranks := make([]Ranking, 0, len(byUser))
	for user, w := range byUser {
		if w.km > 0 {
			ranks = append(ranks, Ranking{Day: day, UserID: user, AverageCO2: w.average()})
		}
	}
	slices.SortFunc(ranks, func(a, b Ranking) int {
		return cmp.Or(cmp.Compare(a.AverageCO2, b.AverageCO2), cmp.Compare(a.UserID, b.UserID))
	})
	for i := range ranks {
		ranks[i].Rank = i + 1
	}
	return r.store.SaveRankings(ctx, day, ranks)
}

// UpdateStatistics appends global statistics for the days after the last
// summarized one and before today.
func (r *Rater) UpdateStatistics(ctx context.Context, today time.Time) (int, error) {
	day, ok, err := r.store.LastStatisticsDay(ctx)
	if err != nil {
		return 0, err
	}
	if ok {
		day = day.AddDate(0, 0, 1)
	} else if day, ok, err = r.store.FirstRatedDay(ctx); err != nil || !ok {
		return 0, err
	}

	var out []Statistics
	for ; day.Before(today); day = day.AddDate(0, 0, 1) {
		rs, err := r.store.RatingsBetween(ctx, day.AddDate(0, 0, 1-WindowDays), day.AddDate(0, 0, 1))
		if err != nil {
			return 0, err
		}
		var w weighted
		users := make(map[int64]bool)
		for _, rt := range rs {
			users[rt.UserID] = true
			if rt.Day.Equal(day) {
				w.add(rt.TotalKm, rt.AverageCO2)
			}
		}
		out = append(out, Statistics{Day: day, TotalKm: w.km, AverageCO2: w.average(), PastWeekUsers: len(users)})
	}
	if len(out) == 0 {
		return 0, nil
	}
	if err := r.store.SaveStatistics(ctx, out); err != nil {
		return 0, err
	}
	return len(out), nil
}
