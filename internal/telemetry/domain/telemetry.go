package telemetry

import (
	"context"
	"time"
)

// Payload is the open telemetry document as published by the device.
// Numbers are held as json.Number so passthrough values keep their precision.
type Payload map[string]any

// InboundMessage is a single message delivered by the bus.
type InboundMessage struct {
	ID         string
	Topic      string
	Raw        []byte
	ReceivedAt time.Time
}

// Telemetry is a validated payload with its normalized timestamp.
type Telemetry struct {
	TS      time.Time
	Payload Payload
	// Document is the payload exactly as published.
	Document []byte
	// TSDefaulted is set when ts was absent or unparsable and the ingestion time was used.
	TSDefaulted bool
}

// TelemetryRecord is one persisted telemetry row.
type TelemetryRecord struct {
	ID       int64
	DeviceID string
	TS       time.Time
	Payload  Payload
	// Document, when set, is persisted verbatim instead of re-encoding Payload.
	Document []byte
}

// DeviceRecord is one row of the device registry.
type DeviceRecord struct {
	ID       string
	LastSeen time.Time
}

// Recorder persists an accepted message: registry upsert plus telemetry append.
type Recorder interface {
	Record(ctx context.Context, record TelemetryRecord, seenAt time.Time) error
}

// Notifier receives accepted records for live fan-out.
type Notifier interface {
	Notify(record TelemetryRecord)
}

// TelemetryQuery reads persisted telemetry.
type TelemetryQuery interface {
	ListTelemetry(ctx context.Context, filter TelemetryFilter) ([]TelemetryRecord, error)
}

// DeviceQuery reads the device registry.
type DeviceQuery interface {
	ListDevices(ctx context.Context, page Page) ([]DeviceRecord, error)
}

// TelemetryFilter selects recent telemetry, newest first.
type TelemetryFilter struct {
	DeviceID string
	Page     Page
}

// Clock provides the ingestion time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
