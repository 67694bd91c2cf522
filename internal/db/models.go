package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// AccountRow is a meter profile as mirrored into meter_accounts
type AccountRow struct {
	MeterID      string
	Username     string
	DwellingType string
	Region       string
	Area         string
	UpdatedAt    time.Time
}

// ArchivedReading is a reading as mirrored into meter_archive_readings
type ArchivedReading struct {
	ID          uuid.UUID
	MeterID     string
	ReadingTime time.Time
	Reading     float64
	ArchivedAt  time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS meter_accounts (
	meter_id      TEXT PRIMARY KEY,
	username      TEXT NOT NULL,
	dwelling_type TEXT NOT NULL DEFAULT '',
	region        TEXT NOT NULL DEFAULT '',
	area          TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS meter_archive_readings (
	id           UUID PRIMARY KEY,
	meter_id     TEXT NOT NULL REFERENCES meter_accounts (meter_id),
	reading_time TIMESTAMP NOT NULL,
	reading      DOUBLE PRECISION NOT NULL,
	archived_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (meter_id, reading_time, reading)
);

CREATE INDEX IF NOT EXISTS idx_meter_archive_readings_day
	ON meter_archive_readings (meter_id, reading_time);
`

// Execer runs a statement
type Execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// EnsureSchema creates the mirror tables when they do not exist
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}
