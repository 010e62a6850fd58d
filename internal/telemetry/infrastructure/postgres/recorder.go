package postgres

import (
	"context"
	"errors"
	"time"

	"telemetry-ingest/internal/datastore"
	telemetry "telemetry-ingest/internal/telemetry/domain"
)

type txExecer interface {
	datastore.Execer
	WithTx(ctx context.Context, fn func(ctx context.Context, ex datastore.Execer) error) error
}

// Recorder writes the registry upsert and the telemetry append for one accepted message.
type Recorder struct {
	store  txExecer
	atomic bool
	opts   []Option
}

// NewRecorder constructs a recorder. With atomic set both writes share one transaction;
// otherwise they are issued independently and both are attempted.
func NewRecorder(store txExecer, atomic bool, opts ...Option) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("recorder: nil store")
	}
	return &Recorder{store: store, atomic: atomic, opts: opts}, nil
}

// Record persists record and marks the device seen at seenAt.
func (r *Recorder) Record(ctx context.Context, record telemetry.TelemetryRecord, seenAt time.Time) error {
	if r.atomic {
		return r.store.WithTx(ctx, func(ctx context.Context, ex datastore.Execer) error {
			if err := NewDeviceRepository(ex, r.opts...).Upsert(ctx, record.DeviceID, seenAt); err != nil {
				return err
			}
			return NewTelemetryRepository(ex, r.opts...).Append(ctx, record)
		})
	}

	upsertErr := NewDeviceRepository(r.store, r.opts...).Upsert(ctx, record.DeviceID, seenAt)
	appendErr := NewTelemetryRepository(r.store, r.opts...).Append(ctx, record)
	return errors.Join(upsertErr, appendErr)
}

var _ telemetry.Recorder = (*Recorder)(nil)
