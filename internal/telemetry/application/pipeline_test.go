package application

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-ingest/internal/datastore"
	telemetry "telemetry-ingest/internal/telemetry/domain"
)

type recordCall struct {
	record telemetry.TelemetryRecord
	seenAt time.Time
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordCall
	err   error
}

func (r *fakeRecorder) Record(_ context.Context, record telemetry.TelemetryRecord, seenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordCall{record: record, seenAt: seenAt})
	return r.err
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeNotifier struct {
	records []telemetry.TelemetryRecord
}

func (n *fakeNotifier) Notify(record telemetry.TelemetryRecord) {
	n.records = append(n.records, record)
}

func newTestPipeline(t *testing.T, recorder telemetry.Recorder, opts ...PipelineOption) (*Pipeline, *bytes.Buffer) {
	t.Helper()
	router, err := NewTopicRouter("devices/+/telemetry")
	require.NoError(t, err)
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	opts = append([]PipelineOption{WithClock(fixedClock{now: testNow})}, opts...)
	p, err := NewPipeline(router, recorder, logger, opts...)
	require.NoError(t, err)
	return p, &buf
}

func TestPipeline_AcceptsTelemetry(t *testing.T) {
	recorder := &fakeRecorder{}
	notifier := &fakeNotifier{}
	p, _ := newTestPipeline(t, recorder, WithNotifier(notifier))

	outcome := p.Handle(context.Background(), telemetry.InboundMessage{
		ID:    "m-1",
		Topic: "devices/abc/telemetry",
		Raw:   []byte(`{"v":3,"ts":1700000000}`),
	})

	assert.Equal(t, OutcomeAccepted, outcome)
	require.Equal(t, 1, recorder.count())
	call := recorder.calls[0]
	assert.Equal(t, "abc", call.record.DeviceID)
	assert.True(t, time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC).Equal(call.record.TS))
	assert.Equal(t, telemetry.Payload{"v": json.Number("3"), "ts": json.Number("1700000000")}, call.record.Payload)
	assert.Equal(t, []byte(`{"v":3,"ts":1700000000}`), call.record.Document)
	assert.True(t, testNow.Equal(call.seenAt))

	require.Len(t, notifier.records, 1)
	assert.Equal(t, "abc", notifier.records[0].DeviceID)
}

func TestPipeline_IgnoresUnexpectedTopic(t *testing.T) {
	recorder := &fakeRecorder{}
	p, logs := newTestPipeline(t, recorder)

	outcome := p.Handle(context.Background(), telemetry.InboundMessage{
		Topic: "devices/abc/status",
		Raw:   []byte(`{"v":1}`),
	})

	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Zero(t, recorder.count())
	assert.Contains(t, logs.String(), `"level":"debug"`)
}

func TestPipeline_DiscardsWithoutWrites(t *testing.T) {
	tests := []struct {
		name   string
		raw    []byte
		reason string
	}{
		{name: "not json", raw: []byte("not json"), reason: "non-structured payload"},
		{name: "invalid utf-8", raw: []byte{0xff}, reason: "non-structured payload"},
		{name: "string v", raw: []byte(`{"v":"hot"}`), reason: "schema violation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := &fakeRecorder{}
			notifier := &fakeNotifier{}
			p, logs := newTestPipeline(t, recorder, WithNotifier(notifier))

			outcome := p.Handle(context.Background(), telemetry.InboundMessage{
				Topic: "devices/abc/telemetry",
				Raw:   tt.raw,
			})

			assert.Equal(t, OutcomeDiscarded, outcome)
			assert.Zero(t, recorder.count())
			assert.Empty(t, notifier.records)
			assert.Contains(t, logs.String(), `"reason":"`+tt.reason+`"`)
			assert.Contains(t, logs.String(), `"topic":"devices/abc/telemetry"`)
		})
	}
}

func TestPipeline_WriteFailureIsLoggedAndDropped(t *testing.T) {
	recorder := &fakeRecorder{err: datastore.Classify(&pgconn.PgError{Code: "08006"})}
	notifier := &fakeNotifier{}
	p, logs := newTestPipeline(t, recorder, WithNotifier(notifier))

	outcome := p.Handle(context.Background(), telemetry.InboundMessage{
		Topic: "devices/abc/telemetry",
		Raw:   []byte(`{"v":1}`),
	})

	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, 1, recorder.count())
	assert.Empty(t, notifier.records)
	assert.Contains(t, logs.String(), `"class":"unavailable"`)
	assert.Contains(t, logs.String(), `"level":"error"`)
}

func TestPipeline_DefaultsMissingTimestamp(t *testing.T) {
	recorder := &fakeRecorder{}
	p, _ := newTestPipeline(t, recorder)

	outcome := p.Handle(context.Background(), telemetry.InboundMessage{
		Topic: "devices/abc/telemetry",
		Raw:   []byte(`{"v":1,"ts":"not a date"}`),
	})

	assert.Equal(t, OutcomeAccepted, outcome)
	require.Equal(t, 1, recorder.count())
	assert.True(t, testNow.Equal(recorder.calls[0].record.TS))
}

func TestNewPipeline_Validation(t *testing.T) {
	router, err := NewTopicRouter("devices/+/telemetry")
	require.NoError(t, err)

	_, err = NewPipeline(nil, &fakeRecorder{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewPipeline(router, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestTruncatePayload(t *testing.T) {
	assert.Equal(t, "short", truncatePayload([]byte("short")))

	long := strings.Repeat("é", maxLoggedPayload)
	got := truncatePayload([]byte(long))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len(got), maxLoggedPayload+3)
	assert.NotContains(t, got, "�")
}
