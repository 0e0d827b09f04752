package db

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id          BIGINT PRIMARY KEY,
	user_id     BIGINT,
	created     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_devices_user ON devices(user_id);

-- Raw telemetry, written by the ingestion API.
CREATE TABLE IF NOT EXISTS device_data (
	id              BIGSERIAL PRIMARY KEY,
	device_id       BIGINT NOT NULL REFERENCES devices(id),
	time            TIMESTAMPTZ NOT NULL,
	lon             DOUBLE PRECISION NOT NULL,
	lat             DOUBLE PRECISION NOT NULL,
	accuracy        DOUBLE PRECISION NOT NULL,
	activity_1      TEXT,
	activity_1_conf INTEGER,
	activity_2      TEXT,
	activity_2_conf INTEGER,
	activity_3      TEXT,
	activity_3_conf INTEGER
);

CREATE INDEX IF NOT EXISTS idx_device_data_device_time ON device_data(device_id, time);

-- activity NULL marks a terminator leg.
CREATE TABLE IF NOT EXISTS legs (
	id          BIGSERIAL PRIMARY KEY,
	device_id   BIGINT NOT NULL REFERENCES devices(id),
	user_id     BIGINT,
	time_start  TIMESTAMPTZ NOT NULL,
	time_end    TIMESTAMPTZ NOT NULL,
	activity    TEXT,
	start_lon   DOUBLE PRECISION NOT NULL,
	start_lat   DOUBLE PRECISION NOT NULL,
	end_lon     DOUBLE PRECISION NOT NULL,
	end_lat     DOUBLE PRECISION NOT NULL,
	CHECK (time_end >= time_start)
);

CREATE INDEX IF NOT EXISTS idx_legs_device_start ON legs(device_id, time_start);
CREATE INDEX IF NOT EXISTS idx_legs_user_end ON legs(user_id, time_end);

CREATE TABLE IF NOT EXISTS modes (
	leg_id  BIGINT NOT NULL REFERENCES legs(id) ON DELETE CASCADE,
	source  TEXT NOT NULL,
	mode    TEXT NOT NULL,
	line    TEXT,
	PRIMARY KEY (leg_id, source)
);

-- Distances are km, CO2 figures g/km.
CREATE TABLE IF NOT EXISTS daily_ratings (
	user_id         BIGINT NOT NULL,
	day             DATE NOT NULL,
	walking         DOUBLE PRECISION NOT NULL DEFAULT 0,
	running         DOUBLE PRECISION NOT NULL DEFAULT 0,
	on_bicycle      DOUBLE PRECISION NOT NULL DEFAULT 0,
	in_vehicle      DOUBLE PRECISION NOT NULL DEFAULT 0,
	mass_transit_a  DOUBLE PRECISION NOT NULL DEFAULT 0,
	mass_transit_b  DOUBLE PRECISION NOT NULL DEFAULT 0,
	mass_transit_c  DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_distance  DOUBLE PRECISION NOT NULL,
	average_co2     DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (user_id, day)
);

CREATE INDEX IF NOT EXISTS idx_daily_ratings_day ON daily_ratings(day);

CREATE TABLE IF NOT EXISTS rankings (
	day          DATE NOT NULL,
	user_id      BIGINT NOT NULL,
	ranking      INTEGER NOT NULL,
	average_co2  DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (day, user_id)
);

CREATE TABLE IF NOT EXISTS global_statistics (
	day              DATE PRIMARY KEY,
	total_distance   DOUBLE PRECISION NOT NULL,
	average_co2      DOUBLE PRECISION NOT NULL,
	past_week_users  INTEGER NOT NULL
);
`

// CreateSchema creates the telemetry, leg, mode and rating tables when missing.
func CreateSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
