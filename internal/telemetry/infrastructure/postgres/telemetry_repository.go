package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"telemetry-ingest/internal/datastore"
	telemetry "telemetry-ingest/internal/telemetry/domain"
)

// TelemetryRepository appends telemetry rows.
type TelemetryRepository struct {
	ex    datastore.Execer
	table string
}

// NewTelemetryRepository binds the repository to ex, which may be the pool or a transaction.
func NewTelemetryRepository(ex datastore.Execer, opts ...Option) *TelemetryRepository {
	return &TelemetryRepository{ex: ex, table: newTables(opts).telemetry}
}

// Append inserts one row. Duplicates are stored as distinct rows.
func (r *TelemetryRepository) Append(ctx context.Context, record telemetry.TelemetryRecord) error {
	if r == nil || r.ex == nil {
		return errors.New("telemetry repo: nil executor")
	}
	if record.DeviceID == "" || record.TS.IsZero() {
		return errors.New("telemetry repo: invalid record")
	}

	payload, err := encodePayload(record)
	if err != nil {
		return fmt.Errorf("telemetry repo: encode payload: %w", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (device_id, ts, payload)
VALUES ($1, $2, $3)`, r.table)

	if _, err := r.ex.ExecContext(ctx, query, record.DeviceID, record.TS.UTC(), payload); err != nil {
		return fmt.Errorf("telemetry repo: append %s: %w", record.DeviceID, err)
	}
	return nil
}

// encodePayload prefers the published bytes. The column is JSON rather than JSONB so
// key order, duplicate keys and \u0000 escapes survive.
func encodePayload(record telemetry.TelemetryRecord) ([]byte, error) {
	if len(record.Document) > 0 {
		return record.Document, nil
	}
	if record.Payload == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(record.Payload)
}
