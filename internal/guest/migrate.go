// Package guest moves a device's guest history into an account.
package guest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"make24/internal/metrics"
	"make24/internal/store"
)

// Exporter is the guest side of a migration.
type Exporter interface {
	Export(ctx context.Context) ([]store.Record, error)
	Clear(ctx context.Context) error
}

// Importer is the account side of a migration. Import must be idempotent so
// that a retried migration does not duplicate records.
type Importer interface {
	Import(ctx context.Context, rec store.Record) error
}

type Report struct {
	Migrated int `json:"migrated"`
	Total    int `json:"total"`
}

// MigrationPartialFailure reports how far a migration got before a record
// failed. Local data is left intact so the migration can be retried.
type MigrationPartialFailure struct {
	Migrated int
	Total    int
	FailedID string
	Err      error
}

func (e *MigrationPartialFailure) Error() string {
	return fmt.Sprintf("migrated %d of %d challenges, failed at %s: %v", e.Migrated, e.Total, e.FailedID, e.Err)
}

func (e *MigrationPartialFailure) Unwrap() error { return e.Err }

type Migrator struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Migrate copies every completed guest challenge, oldest first, and clears
// the guest history only once all of them are stored.
func (m Migrator) Migrate(ctx context.Context, src Exporter, dst Importer) (Report, error) {
	log := m.Logger
	if log == nil {
		log = zap.NewNop()
	}
	records, err := src.Export(ctx)
	if err != nil {
		m.Metrics.Migration("failed")
		return Report{}, fmt.Errorf("export guest history: %w", err)
	}
	rep := Report{Total: len(records)}
	for _, rec := range records {
		if err := dst.Import(ctx, rec); err != nil {
			m.Metrics.Migration("partial")
			log.Warn("guest migration stopped", zap.String("challenge_id", rec.Challenge.ID), zap.Int("migrated", rep.Migrated), zap.Error(err))
			return rep, &MigrationPartialFailure{Migrated: rep.Migrated, Total: rep.Total, FailedID: rec.Challenge.ID, Err: err}
		}
		rep.Migrated++
	}
	if err := src.Clear(ctx); err != nil {
		// everything was imported; the next run re-imports idempotently
		m.Metrics.Migration("clear_failed")
		return rep, fmt.Errorf("clear guest history: %w", err)
	}
	m.Metrics.Migration("ok")
	log.Info("guest migration complete", zap.Int("migrated", rep.Migrated))
	return rep, nil
}

// IsPartial reports whether err is a *MigrationPartialFailure.
func IsPartial(err error) bool {
	var pf *MigrationPartialFailure
	return errors.As(err, &pf)
}
