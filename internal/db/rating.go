package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"legsync/internal/legs"
	"legsync/internal/rating"
)

// upsertRating and ratingSelect follow the order of rating.Categories.
var upsertRating, ratingSelect = ratingQueries()

func ratingQueries() (string, string) {
	cols := make([]string, len(rating.Categories))
	params := make([]string, len(rating.Categories))
	sets := make([]string, 0, len(rating.Categories)+2)
	for i, c := range rating.Categories {
		cols[i] = string(c)
		params[i] = fmt.Sprintf("$%d", i+3)
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	n := len(cols)
	sets = append(sets, "total_distance = EXCLUDED.total_distance", "average_co2 = EXCLUDED.average_co2")
	upsert := fmt.Sprintf(`
INSERT INTO daily_ratings (user_id, day, %s, total_distance, average_co2)
VALUES ($1, $2, %s, $%d, $%d)
ON CONFLICT (user_id, day) DO UPDATE SET %s`,
		strings.Join(cols, ", "), strings.Join(params, ", "), n+3, n+4, strings.Join(sets, ", "))
	sel := fmt.Sprintf(`SELECT user_id, day, %s, total_distance, average_co2 FROM daily_ratings`, strings.Join(cols, ", "))
	return upsert, sel
}

func (s *Store) RatedUsers(ctx context.Context) ([]int64, error) {
	ids, err := queryIDs(ctx, s.db, `SELECT DISTINCT user_id FROM legs WHERE user_id IS NOT NULL ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query rated users: %w", err)
	}
	return ids, nil
}

func (s *Store) EarliestAttached(ctx context.Context, userID int64) (time.Time, bool, error) {
	return scanTime(ctx, s.db, `SELECT min(time_start) FROM legs WHERE user_id = $1 AND activity IS NOT NULL`, userID)
}

func (s *Store) AttachedLegs(ctx context.Context, userID int64, from, to time.Time) ([]legs.LegWithModes, error) {
	ls, err := queryLegs(ctx, s.db, `
SELECT `+legColumns+` FROM legs l
WHERE l.user_id = $1 AND l.activity IS NOT NULL AND l.time_end > $2 AND l.time_start < $3
ORDER BY l.time_start, l.id`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query attached legs: %w", err)
	}
	return s.withModes(ctx, ls)
}

func (s *Store) LastRatedDay(ctx context.Context, userID int64) (time.Time, bool, error) {
	return scanTime(ctx, s.db, `SELECT max(day) FROM daily_ratings WHERE user_id = $1`, userID)
}

func (s *Store) SaveRatings(ctx context.Context, rs []rating.DailyRating) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, r := range rs {
		args := []any{r.UserID, r.Day}
		for _, c := range rating.Categories {
			args = append(args, r.Distances[c])
		}
		args = append(args, r.TotalKm, r.AverageCO2)
		if _, err := tx.ExecContext(ctx, upsertRating, args...); err != nil {
			return fmt.Errorf("upsert rating of user %d: %w", r.UserID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) RatingsBetween(ctx context.Context, from, to time.Time) ([]rating.DailyRating, error) {
	rows, err := s.db.QueryContext(ctx, ratingSelect+`
WHERE day >= $1 AND day < $2
ORDER BY day, user_id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query ratings: %w", err)
	}
	defer rows.Close()
	var out []rating.DailyRating
	for rows.Next() {
		r := rating.DailyRating{Distances: make(map[rating.Category]float64)}
		dist := make([]float64, len(rating.Categories))
		dest := []any{&r.UserID, &r.Day}
		for i := range dist {
			dest = append(dest, &dist[i])
		}
		dest = append(dest, &r.TotalKm, &r.AverageCO2)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, c := range rating.Categories {
			if dist[i] != 0 {
				r.Distances[c] = dist[i]
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveRankings(ctx context.Context, day time.Time, rs []rating.Ranking) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM rankings WHERE day = $1`, day); err != nil {
		return fmt.Errorf("clear rankings: %w", err)
	}
	for _, r := range rs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO rankings (day, user_id, ranking, average_co2) VALUES ($1, $2, $3, $4)`,
			day, r.UserID, r.Rank, r.AverageCO2); err != nil {
			return fmt.Errorf("insert ranking of user %d: %w", r.UserID, err)
		}
	}
	return tx.Commit()
}

// Rankings returns the rankings of day, best first.
func (s *Store) Rankings(ctx context.Context, day time.Time) ([]rating.Ranking, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT day, user_id, ranking, average_co2 FROM rankings WHERE day = $1 ORDER BY ranking`, day)
	if err != nil {
		return nil, fmt.Errorf("query rankings: %w", err)
	}
	defer rows.Close()
	var out []rating.Ranking
	for rows.Next() {
		var r rating.Ranking
		if err := rows.Scan(&r.Day, &r.UserID, &r.Rank, &r.AverageCO2); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) FirstRatedDay(ctx context.Context) (time.Time, bool, error) {
	return scanTime(ctx, s.db, `SELECT min(day) FROM daily_ratings`)
}

func (s *Store) LastStatisticsDay(ctx context.Context) (time.Time, bool, error) {
	return scanTime(ctx, s.db, `SELECT max(day) FROM global_statistics`)
}

func (s *Store) SaveStatistics(ctx context.Context, st []rating.Statistics) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, x := range st {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO global_statistics (day, total_distance, average_co2, past_week_users)
VALUES ($1, $2, $3, $4)
ON CONFLICT (day) DO UPDATE SET total_distance = EXCLUDED.total_distance,
	average_co2 = EXCLUDED.average_co2, past_week_users = EXCLUDED.past_week_users`,
			x.Day, x.TotalKm, x.AverageCO2, x.PastWeekUsers); err != nil {
			return fmt.Errorf("upsert statistics of %s: %w", x.Day.Format(time.DateOnly), err)
		}
	}
	return tx.Commit()
}
