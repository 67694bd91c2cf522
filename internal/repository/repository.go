package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/septivank/electricity-meter-portal/internal/archive"
	"github.com/septivank/electricity-meter-portal/internal/db"
	"github.com/septivank/electricity-meter-portal/tools/timeparser"
	"go.uber.org/zap"
)

// Tx is an alias for pgx.Tx
type Tx = pgx.Tx

// TxBeginner starts transactions; *pgxpool.Pool satisfies it
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository mirrors archive backups into PostgreSQL
type Repository struct {
	db     TxBeginner
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db TxBeginner, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// MirrorBackup upserts the profiles and inserts the appended readings of one
// backup in a single transaction. Readings already mirrored are ignored.
func (r *Repository) MirrorBackup(ctx context.Context, report archive.Report, archivedAt time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, m := range report.Meters {
		account := db.AccountRow{
			MeterID:      m.MeterID,
			Username:     m.Account.Username,
			DwellingType: m.Account.DwellingType,
			Region:       m.Account.Region,
			Area:         m.Account.Area,
			UpdatedAt:    archivedAt,
		}
		if err := r.UpsertAccountTx(ctx, tx, &account); err != nil {
			return err
		}

		// The whole archived list is sent so readings from an earlier failed
		// mirror are picked up; duplicates are ignored by the insert.
		for _, rd := range m.Archived {
			readingTime, err := timeparser.ParseReadingTime(rd.Time)
			if err != nil {
				r.logger.Warn("skipping archived reading with unparseable time",
					zap.String("meter_id", m.MeterID),
					zap.String("time", rd.Time),
				)
				continue
			}
			n, err := r.InsertArchivedReadingTx(ctx, tx, &db.ArchivedReading{
				ID:          uuid.New(),
				MeterID:     m.MeterID,
				ReadingTime: readingTime,
				Reading:     rd.Reading,
				ArchivedAt:  archivedAt,
			})
			if err != nil {
				return err
			}
			inserted += int(n)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Info("backup mirrored to database",
		zap.Int("meters", len(report.Meters)),
		zap.Int("readings_inserted", inserted),
	)
	return nil
}

// UpsertAccountTx inserts or refreshes a meter profile within a transaction
func (r *Repository) UpsertAccountTx(ctx context.Context, tx pgx.Tx, account *db.AccountRow) error {
	query := `
		INSERT INTO meter_accounts (meter_id, username, dwelling_type, region, area, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (meter_id) DO UPDATE
		SET username = EXCLUDED.username,
			dwelling_type = EXCLUDED.dwelling_type,
			region = EXCLUDED.region,
			area = EXCLUDED.area,
			updated_at = EXCLUDED.updated_at
	`

	_, err := tx.Exec(ctx, query,
		account.MeterID,
		account.Username,
		account.DwellingType,
		account.Region,
		account.Area,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", account.MeterID, err)
	}
	return nil
}

// InsertArchivedReadingTx inserts one reading within a transaction and
// returns the number of rows written (0 when it was already mirrored)
func (r *Repository) InsertArchivedReadingTx(ctx context.Context, tx pgx.Tx, reading *db.ArchivedReading) (int64, error) {
	query := `
		INSERT INTO meter_archive_readings (id, meter_id, reading_time, reading, archived_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (meter_id, reading_time, reading) DO NOTHING
	`

	tag, err := tx.Exec(ctx, query,
		reading.ID,
		reading.MeterID,
		reading.ReadingTime,
		reading.Reading,
		reading.ArchivedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert archived reading: %w", err)
	}
	return tag.RowsAffected(), nil
}
