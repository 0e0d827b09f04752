package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"legsync/internal/legs"
)

// Store implements the telemetry, leg, ownership and label store contracts
// on PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

const legColumns = `l.id, l.device_id, l.user_id, l.time_start, l.time_end, l.activity,
	l.start_lon, l.start_lat, l.end_lon, l.end_lat`

// ownedLegs joins legs to the current owner of their device.
const ownedLegs = `legs l JOIN devices d ON d.id = l.device_id
	WHERE d.user_id = $1 AND l.activity IS NOT NULL`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLeg(r rowScanner) (legs.Leg, error) {
	var (
		l        legs.Leg
		user     sql.NullInt64
		activity sql.NullString
	)
	if err := r.Scan(&l.ID, &l.DeviceID, &user, &l.TimeStart, &l.TimeEnd, &activity,
		&l.Start.Lon, &l.Start.Lat, &l.End.Lon, &l.End.Lat); err != nil {
		return l, err
	}
	if user.Valid {
		l.UserID = legs.Int64Ptr(user.Int64)
	}
	l.Activity = activity.String
	return l, nil
}

func queryLegs(ctx context.Context, q querier, query string, args ...any) ([]legs.Leg, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []legs.Leg
	for rows.Next() {
		l, err := scanLeg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Telemetry

func (s *Store) Devices(ctx context.Context) ([]int64, error) {
	ids, err := queryIDs(ctx, s.db, `SELECT id FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	return ids, nil
}

func (s *Store) SampleBounds(ctx context.Context, deviceID int64) (time.Time, time.Time, bool, error) {
	var first, last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT min(time), max(time) FROM device_data WHERE device_id = $1`, deviceID).Scan(&first, &last)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("query sample bounds: %w", err)
	}
	return first.Time, last.Time, first.Valid && last.Valid, nil
}

func (s *Store) Samples(ctx context.Context, deviceID int64, from, to time.Time) ([]legs.Sample, error) {
	q := `
SELECT time, lon, lat, accuracy,
	activity_1, activity_1_conf, activity_2, activity_2_conf, activity_3, activity_3_conf
FROM device_data
WHERE device_id = $1 AND time >= $2 AND time <= $3
ORDER BY time, id`
	rows, err := s.db.QueryContext(ctx, q, deviceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var out []legs.Sample
	for rows.Next() {
		var (
			smp   = legs.Sample{DeviceID: deviceID}
			types [3]sql.NullString
			confs [3]sql.NullInt64
		)
		if err := rows.Scan(&smp.Time, &smp.Coordinate.Lon, &smp.Coordinate.Lat, &smp.Accuracy,
			&types[0], &confs[0], &types[1], &confs[1], &types[2], &confs[2]); err != nil {
			return nil, err
		}
		for i := range types {
			if types[i].Valid {
				smp.Activities = append(smp.Activities, legs.RankedActivity{Type: types[i].String, Confidence: int(confs[i].Int64)})
			}
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

// LegStore

func (s *Store) LastLegEnd(ctx context.Context, deviceID int64) (time.Time, bool, error) {
	t, ok, err := scanTime(ctx, s.db, `SELECT max(time_end) FROM legs WHERE device_id = $1`, deviceID)
	if err != nil {
		return t, false, fmt.Errorf("query last leg end: %w", err)
	}
	return t, ok, nil
}

func (s *Store) RecentLegStarts(ctx context.Context, deviceID int64, n int) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT time_start FROM legs
WHERE device_id = $1 AND activity IS NOT NULL
ORDER BY time_start DESC
LIMIT $2`, deviceID, n)
	if err != nil {
		return nil, fmt.Errorf("query recent legs: %w", err)
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InTx runs fn in one transaction, rolling back when fn fails.
func (s *Store) InTx(ctx context.Context, fn func(tx legs.LegTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&legTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type legTx struct {
	tx *sql.Tx
}

func (t *legTx) FindIdentical(ctx context.Context, leg legs.Leg) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
SELECT id FROM legs
WHERE device_id = $1 AND time_start = $2 AND time_end = $3
	AND activity IS NOT DISTINCT FROM $4
	AND start_lon = $5 AND start_lat = $6 AND end_lon = $7 AND end_lat = $8
ORDER BY id
LIMIT 1`,
		leg.DeviceID, leg.TimeStart, leg.TimeEnd, nullString(leg.Activity),
		leg.Start.Lon, leg.Start.Lat, leg.End.Lon, leg.End.Lat).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (t *legTx) Overlapping(ctx context.Context, deviceID int64, from, to time.Time) ([]legs.Leg, error) {
	return queryLegs(ctx, t.tx, `
SELECT `+legColumns+`
FROM legs l
WHERE l.device_id = $1 AND l.time_start < $3 AND (l.time_end > $2 OR l.time_start >= $2)
ORDER BY l.time_start, l.id
FOR UPDATE`, deviceID, from, to)
}

func (t *legTx) InsertLeg(ctx context.Context, leg legs.Leg) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
INSERT INTO legs (device_id, user_id, time_start, time_end, activity, start_lon, start_lat, end_lon, end_lat)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id`,
		leg.DeviceID, nullInt64(leg.UserID), leg.TimeStart, leg.TimeEnd, nullString(leg.Activity),
		leg.Start.Lon, leg.Start.Lat, leg.End.Lon, leg.End.Lat).Scan(&id)
	return id, err
}

func (t *legTx) UpdateLeg(ctx context.Context, leg legs.Leg) error {
	_, err := t.tx.ExecContext(ctx, `
UPDATE legs SET device_id = $2, user_id = NULL, time_start = $3, time_end = $4, activity = $5,
	start_lon = $6, start_lat = $7, end_lon = $8, end_lat = $9
WHERE id = $1`,
		leg.ID, leg.DeviceID, leg.TimeStart, leg.TimeEnd, nullString(leg.Activity),
		leg.Start.Lon, leg.Start.Lat, leg.End.Lon, leg.End.Lat)
	return err
}

func (t *legTx) DeleteLeg(ctx context.Context, id int64) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM legs WHERE id = $1`, id)
	return err
}

func (t *legTx) DeleteContained(ctx context.Context, deviceID int64, from, to time.Time) ([]int64, error) {
	return queryIDs(ctx, t.tx, `
DELETE FROM legs
WHERE device_id = $1 AND time_start >= $2 AND time_end <= $3
RETURNING id`, deviceID, from, to)
}

func (t *legTx) Modes(ctx context.Context, legID int64) (legs.Modes, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT leg_id, source, mode, COALESCE(line, '') FROM modes WHERE leg_id = $1`, legID)
	if err != nil {
		return nil, err
	}
	byLeg, err := scanModes(rows)
	if err != nil {
		return nil, err
	}
	return byLeg[legID], nil
}

func (t *legTx) InsertMode(ctx context.Context, m legs.Mode) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO modes (leg_id, source, mode, line) VALUES ($1, $2, $3, $4)`,
		m.LegID, m.Source, m.Mode, nullString(m.Line))
	return err
}

func (t *legTx) DeleteMode(ctx context.Context, legID int64, source string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM modes WHERE leg_id = $1 AND source = $2`, legID, source)
	return err
}

func scanModes(rows *sql.Rows) (map[int64]legs.Modes, error) {
	defer rows.Close()
	out := make(map[int64]legs.Modes)
	for rows.Next() {
		var (
			id     int64
			source string
			ml     legs.ModeLine
		)
		if err := rows.Scan(&id, &source, &ml.Mode, &ml.Line); err != nil {
			return nil, err
		}
		if out[id] == nil {
			out[id] = make(legs.Modes)
		}
		out[id][source] = ml
	}
	return out, rows.Err()
}

// OwnershipStore

func (s *Store) Owners(ctx context.Context) ([]int64, error) {
	ids, err := queryIDs(ctx, s.db, `SELECT DISTINCT user_id FROM devices WHERE user_id IS NOT NULL ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("query owners: %w", err)
	}
	return ids, nil
}

func (s *Store) OwnedDevices(ctx context.Context, userID int64) ([]int64, error) {
	ids, err := queryIDs(ctx, s.db, `SELECT id FROM devices WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query owned devices: %w", err)
	}
	return ids, nil
}

func (s *Store) EarliestUnattached(ctx context.Context, userID int64) (time.Time, bool, error) {
	return scanTime(ctx, s.db, `SELECT min(l.time_start) FROM `+ownedLegs+` AND l.user_id IS NULL`, userID)
}

func (s *Store) EarliestAttachedOverlappingUnattached(ctx context.Context, userID int64) (time.Time, bool, error) {
	return scanTime(ctx, s.db, `
SELECT min(l.time_start) FROM `+ownedLegs+` AND l.user_id = $1
	AND EXISTS (
		SELECT 1 FROM legs u JOIN devices ud ON ud.id = u.device_id
		WHERE ud.user_id = $1 AND u.activity IS NOT NULL AND u.user_id IS NULL
			AND u.time_start < l.time_end AND u.time_end > l.time_start
	)`, userID)
}

func (s *Store) EarliestOwned(ctx context.Context, userID int64) (time.Time, bool, error) {
	return scanTime(ctx, s.db, `SELECT min(l.time_start) FROM `+ownedLegs, userID)
}

func (s *Store) LastAttachedEnd(ctx context.Context, userID int64, before time.Time) (time.Time, bool, error) {
	return scanTime(ctx, s.db, `
SELECT max(time_end) FROM legs
WHERE user_id = $1 AND activity IS NOT NULL AND time_end <= $2`, userID, before)
}

func (s *Store) OwnedLegsEndingAfter(ctx context.Context, userID int64, after time.Time) ([]legs.Leg, error) {
	ls, err := queryLegs(ctx, s.db, `
SELECT `+legColumns+` FROM `+ownedLegs+` AND l.time_end > $2
ORDER BY l.time_end, l.time_start DESC, l.id`, userID, after)
	if err != nil {
		return nil, fmt.Errorf("query owned legs: %w", err)
	}
	return ls, nil
}

func (s *Store) AttachedLegsEndingAfter(ctx context.Context, userID int64, after time.Time) ([]legs.Leg, error) {
	ls, err := queryLegs(ctx, s.db, `
SELECT `+legColumns+` FROM legs l
WHERE l.user_id = $1 AND l.activity IS NOT NULL AND l.time_end > $2
ORDER BY l.time_start, l.id`, userID, after)
	if err != nil {
		return nil, fmt.Errorf("query attached legs: %w", err)
	}
	return ls, nil
}

func (s *Store) SetLegUser(ctx context.Context, legID int64, userID *int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE legs SET user_id = $2 WHERE id = $1`, legID, nullInt64(userID))
	return err
}

// LabelStore

func (s *Store) UnlabeledVehicleLegs(ctx context.Context, source string, after legs.LabelCursor, limit int) ([]legs.LegWithModes, error) {
	ls, err := queryLegs(ctx, s.db, `
SELECT `+legColumns+`
FROM legs l
WHERE l.activity = $1 AND (l.time_start, l.id) < ($3, $4)
	AND NOT EXISTS (SELECT 1 FROM modes m WHERE m.leg_id = l.id AND m.source = $2)
ORDER BY l.time_start DESC, l.id DESC
LIMIT $5`, legs.ActivityInVehicle, source, after.TimeStart, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("query unlabeled legs: %w", err)
	}
	return s.withModes(ctx, ls)
}

// withModes loads the mode entries of ls in one query.
func (s *Store) withModes(ctx context.Context, ls []legs.Leg) ([]legs.LegWithModes, error) {
	if len(ls) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(ls))
	for i, l := range ls {
		ids[i] = l.ID
	}
	rows, err := s.db.QueryContext(ctx, `SELECT leg_id, source, mode, COALESCE(line, '') FROM modes WHERE leg_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query leg modes: %w", err)
	}
	byLeg, err := scanModes(rows)
	if err != nil {
		return nil, fmt.Errorf("scan leg modes: %w", err)
	}
	out := make([]legs.LegWithModes, len(ls))
	for i, l := range ls {
		out[i] = legs.LegWithModes{Leg: l, Modes: byLeg[l.ID]}
	}
	return out, nil
}

// UpsertMode locks the leg row and writes the entry only when the row still
// carries the fields the caller matched against.
func (s *Store) UpsertMode(ctx context.Context, leg legs.Leg, source string, ml legs.ModeLine) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
SELECT id FROM legs
WHERE id = $1 AND device_id = $2 AND time_start = $3 AND time_end = $4
	AND activity IS NOT DISTINCT FROM $5
	AND start_lon = $6 AND start_lat = $7 AND end_lon = $8 AND end_lat = $9
FOR SHARE`,
		leg.ID, leg.DeviceID, leg.TimeStart, leg.TimeEnd, nullString(leg.Activity),
		leg.Start.Lon, leg.Start.Lat, leg.End.Lon, leg.End.Lat).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check leg %d: %w", leg.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO modes (leg_id, source, mode, line) VALUES ($1, $2, $3, $4)
ON CONFLICT (leg_id, source) DO UPDATE SET mode = EXCLUDED.mode, line = EXCLUDED.line`,
		leg.ID, source, ml.Mode, nullString(ml.Line)); err != nil {
		return false, fmt.Errorf("upsert mode: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}
