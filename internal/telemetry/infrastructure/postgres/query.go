package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"telemetry-ingest/internal/datastore"
	telemetry "telemetry-ingest/internal/telemetry/domain"
)

// TelemetryQuery is the read side for telemetry and the device registry.
type TelemetryQuery struct {
	store  *datastore.Store
	tables tables
}

// NewTelemetryQuery constructs a query with default table names.
func NewTelemetryQuery(store *datastore.Store, opts ...Option) *TelemetryQuery {
	return &TelemetryQuery{store: store, tables: newTables(opts)}
}

// ListTelemetry returns telemetry newest first, optionally for one device.
func (q *TelemetryQuery) ListTelemetry(ctx context.Context, filter telemetry.TelemetryFilter) ([]telemetry.TelemetryRecord, error) {
	if q == nil || q.store == nil {
		return nil, errors.New("telemetry query: nil store")
	}
	ctx, cancel := q.store.OpContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
SELECT id, device_id, ts, payload
FROM %s
WHERE ($1 = '' OR device_id = $1)
ORDER BY ts DESC, id DESC
LIMIT $2 OFFSET $3`, q.tables.telemetry)

	rows, err := q.store.DB().QueryContext(ctx, query, filter.DeviceID, filter.Page.Limit, filter.Page.Offset)
	if err != nil {
		return nil, datastore.Classify(err)
	}
	defer rows.Close()

	records := make([]telemetry.TelemetryRecord, 0, filter.Page.Limit)
	for rows.Next() {
		var record telemetry.TelemetryRecord
		var payload []byte
		if err := rows.Scan(&record.ID, &record.DeviceID, &record.TS, &payload); err != nil {
			return nil, err
		}
		record.TS = record.TS.UTC()
		if record.Payload, err = decodePayload(payload); err != nil {
			return nil, fmt.Errorf("telemetry query: decode payload %d: %w", record.ID, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, datastore.Classify(err)
	}
	return records, nil
}

// ListDevices returns registered devices, most recently seen first.
func (q *TelemetryQuery) ListDevices(ctx context.Context, page telemetry.Page) ([]telemetry.DeviceRecord, error) {
	if q == nil || q.store == nil {
		return nil, errors.New("telemetry query: nil store")
	}
	ctx, cancel := q.store.OpContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
SELECT id, last_seen
FROM %s
ORDER BY last_seen DESC, id ASC
LIMIT $1 OFFSET $2`, q.tables.device)

	rows, err := q.store.DB().QueryContext(ctx, query, page.Limit, page.Offset)
	if err != nil {
		return nil, datastore.Classify(err)
	}
	defer rows.Close()

	devices := make([]telemetry.DeviceRecord, 0, page.Limit)
	for rows.Next() {
		var device telemetry.DeviceRecord
		var lastSeen time.Time
		if err := rows.Scan(&device.ID, &lastSeen); err != nil {
			return nil, err
		}
		device.LastSeen = lastSeen.UTC()
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, datastore.Classify(err)
	}
	return devices, nil
}

func decodePayload(raw []byte) (telemetry.Payload, error) {
	payload := telemetry.Payload{}
	if len(raw) == 0 {
		return payload, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

var (
	_ telemetry.TelemetryQuery = (*TelemetryQuery)(nil)
	_ telemetry.DeviceQuery    = (*TelemetryQuery)(nil)
)
