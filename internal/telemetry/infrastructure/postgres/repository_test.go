package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-ingest/internal/datastore"
	telemetry "telemetry-ingest/internal/telemetry/domain"
)

type execCall struct {
	query string
	args  []any
	inTx  bool
}

type fakeStore struct {
	calls   []execCall
	failOn  string
	txs     int
	commits int
	inTx    bool
}

func (s *fakeStore) ExecContext(_ context.Context, query string, args ...any) (sql.Result, error) {
	s.calls = append(s.calls, execCall{query: query, args: args, inTx: s.inTx})
	if s.failOn != "" && strings.Contains(query, s.failOn) {
		return nil, errors.New("exec failed")
	}
	return driverResult(1), nil
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, ex datastore.Execer) error) error {
	s.txs++
	s.inTx = true
	defer func() { s.inTx = false }()
	if err := fn(ctx, s); err != nil {
		return err
	}
	s.commits++
	return nil
}

type driverResult int64

func (r driverResult) LastInsertId() (int64, error) { return 0, nil }
func (r driverResult) RowsAffected() (int64, error) { return int64(r), nil }

func TestDeviceRepository_Upsert(t *testing.T) {
	store := &fakeStore{}
	repo := NewDeviceRepository(store)
	seen := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))

	require.NoError(t, repo.Upsert(context.Background(), "abc", seen))

	require.Len(t, store.calls, 1)
	call := store.calls[0]
	assert.Contains(t, call.query, "INSERT INTO device (id, last_seen)")
	assert.Contains(t, call.query, "ON CONFLICT (id)")
	assert.Contains(t, call.query, "GREATEST(device.last_seen, EXCLUDED.last_seen)")
	require.Len(t, call.args, 2)
	assert.Equal(t, "abc", call.args[0])
	assert.Equal(t, time.UTC, call.args[1].(time.Time).Location())
	assert.True(t, seen.Equal(call.args[1].(time.Time)))
}

func TestDeviceRepository_InvalidArguments(t *testing.T) {
	store := &fakeStore{}
	repo := NewDeviceRepository(store)

	assert.Error(t, repo.Upsert(context.Background(), "", time.Now()))
	assert.Error(t, repo.Upsert(context.Background(), "abc", time.Time{}))
	assert.Empty(t, store.calls)

	var nilRepo *DeviceRepository
	assert.Error(t, nilRepo.Upsert(context.Background(), "abc", time.Now()))
}

func TestTelemetryRepository_Append(t *testing.T) {
	store := &fakeStore{}
	repo := NewTelemetryRepository(store, WithTelemetryTable("telemetry_v2"))
	ts := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

	record := telemetry.TelemetryRecord{
		DeviceID: "abc",
		TS:       ts,
		Payload:  telemetry.Payload{"v": json.Number("3"), "ts": json.Number("1700000000")},
	}
	require.NoError(t, repo.Append(context.Background(), record))
	require.NoError(t, repo.Append(context.Background(), record))

	require.Len(t, store.calls, 2)
	call := store.calls[0]
	assert.Contains(t, call.query, "INSERT INTO telemetry_v2 (device_id, ts, payload)")
	assert.NotContains(t, call.query, "ON CONFLICT")
	assert.Equal(t, "abc", call.args[0])
	assert.Equal(t, ts, call.args[1])
	assert.JSONEq(t, `{"v":3,"ts":1700000000}`, string(call.args[2].([]byte)))
}

func TestTelemetryRepository_NilPayload(t *testing.T) {
	store := &fakeStore{}
	repo := NewTelemetryRepository(store)

	require.NoError(t, repo.Append(context.Background(), telemetry.TelemetryRecord{DeviceID: "abc", TS: time.Now()}))
	assert.Equal(t, []byte("{}"), store.calls[0].args[2])
}

func TestRecorder_AtomicSharesTransaction(t *testing.T) {
	store := &fakeStore{}
	recorder, err := NewRecorder(store, true)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, recorder.Record(context.Background(), telemetry.TelemetryRecord{DeviceID: "abc", TS: now}, now))

	assert.Equal(t, 1, store.txs)
	assert.Equal(t, 1, store.commits)
	require.Len(t, store.calls, 2)
	assert.True(t, store.calls[0].inTx)
	assert.True(t, store.calls[1].inTx)
	assert.Contains(t, store.calls[0].query, "INSERT INTO device")
	assert.Contains(t, store.calls[1].query, "INSERT INTO telemetry")
}

func TestRecorder_AtomicFailureSkipsAppend(t *testing.T) {
	store := &fakeStore{failOn: "INSERT INTO device"}
	recorder, err := NewRecorder(store, true)
	require.NoError(t, err)

	now := time.Now().UTC()
	err = recorder.Record(context.Background(), telemetry.TelemetryRecord{DeviceID: "abc", TS: now}, now)
	require.Error(t, err)
	assert.Equal(t, 0, store.commits)
	assert.Len(t, store.calls, 1)
}

func TestRecorder_IndependentAttemptsBoth(t *testing.T) {
	store := &fakeStore{failOn: "INSERT INTO device"}
	recorder, err := NewRecorder(store, false)
	require.NoError(t, err)

	now := time.Now().UTC()
	err = recorder.Record(context.Background(), telemetry.TelemetryRecord{DeviceID: "abc", TS: now}, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device repo")
	assert.Equal(t, 0, store.txs)
	require.Len(t, store.calls, 2)
	assert.False(t, store.calls[1].inTx)
}

func TestNewRecorder_NilStore(t *testing.T) {
	_, err := NewRecorder(nil, true)
	assert.Error(t, err)
}

func TestTelemetryRepository_PersistsPublishedDocument(t *testing.T) {
	store := &fakeStore{}
	repo := NewTelemetryRepository(store)
	doc := []byte(`{"z":1,"a":"x\u0000y","z":2}`)

	require.NoError(t, repo.Append(context.Background(), telemetry.TelemetryRecord{
		DeviceID: "abc",
		TS:       time.Now(),
		Payload:  telemetry.Payload{"z": json.Number("2"), "a": "x\x00y"},
		Document: doc,
	}))
	assert.Equal(t, doc, store.calls[0].args[2])
}
