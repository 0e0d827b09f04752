package db

import (
	"context"
	"database/sql/driver"
	"fmt"
	"log"
	"strconv"
	"time"
)

// lockKey namespaces device locks within the advisory lock key space.
func lockKey(deviceID int64) string { return "legsync:device:" + strconv.FormatInt(deviceID, 10) }

// LockDevice takes a session advisory lock for the device on a dedicated
// connection, so passes from two scheduler instances never interleave. ok is
// false when another session holds the lock.
func (s *Store) LockDevice(ctx context.Context, deviceID int64) (func(), bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("lock connection: %w", err)
	}
	key := lockKey(deviceID)
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}
	release := func() {
		// The pass context may already be cancelled; unlock regardless.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
			log.Printf("[db] unlock device %d: %v", deviceID, err)
			// Drop the session so the lock cannot outlive it in the pool.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}
	return release, true, nil
}
