package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"telemetry-ingest/internal/datastore"
)

// DeviceRepository upserts device registry rows.
type DeviceRepository struct {
	ex    datastore.Execer
	table string
}

// NewDeviceRepository binds the repository to ex, which may be the pool or a transaction.
func NewDeviceRepository(ex datastore.Execer, opts ...Option) *DeviceRepository {
	return &DeviceRepository{ex: ex, table: newTables(opts).device}
}

// Upsert creates the device row or advances last_seen to seenAt. A seenAt older than
// the stored last_seen leaves the row unchanged, so last_seen never moves backwards.
func (r *DeviceRepository) Upsert(ctx context.Context, deviceID string, seenAt time.Time) error {
	if r == nil || r.ex == nil {
		return errors.New("device repo: nil executor")
	}
	if deviceID == "" || seenAt.IsZero() {
		return errors.New("device repo: invalid arguments")
	}

	query := fmt.Sprintf(`
INSERT INTO %[1]s (id, last_seen)
VALUES ($1, $2)
ON CONFLICT (id)
DO UPDATE SET last_seen = GREATEST(%[1]s.last_seen, EXCLUDED.last_seen)`, r.table)

	if _, err := r.ex.ExecContext(ctx, query, deviceID, seenAt.UTC()); err != nil {
		return fmt.Errorf("device repo: upsert %s: %w", deviceID, err)
	}
	return nil
}
