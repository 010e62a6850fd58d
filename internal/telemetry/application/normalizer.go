package application

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	telemetry "telemetry-ingest/internal/telemetry/domain"
)

const (
	fieldValue     = "v"
	fieldTimestamp = "ts"

	// Numeric timestamps at or above this are milliseconds, below are seconds.
	millisThreshold = 1e12
)

var (
	minInstant = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	maxInstant = time.Date(9999, time.December, 31, 23, 59, 59, 999_000_000, time.UTC)
)

// Layouts accepted for string timestamps, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// Normalizer validates raw payloads and resolves their timestamp.
type Normalizer struct {
	clock telemetry.Clock
}

// NewNormalizer constructs a normalizer. A nil clock uses the system clock.
func NewNormalizer(clock telemetry.Clock) *Normalizer {
	if clock == nil {
		clock = telemetry.SystemClock{}
	}
	return &Normalizer{clock: clock}
}

// Normalize decodes raw into a Telemetry. Rejections are returned as *telemetry.DiscardError.
func (n *Normalizer) Normalize(raw []byte) (telemetry.Telemetry, error) {
	if !utf8.Valid(raw) {
		return telemetry.Telemetry{}, telemetry.Discard(telemetry.ReasonNonStructured, errors.New("invalid utf-8"))
	}

	doc, err := decodeObject(raw)
	if err != nil {
		return telemetry.Telemetry{}, telemetry.Discard(telemetry.ReasonNonStructured, err)
	}

	if value, ok := doc[fieldValue]; ok {
		if _, isNumber := value.(json.Number); !isNumber {
			return telemetry.Telemetry{}, telemetry.Discard(telemetry.ReasonSchemaViolation,
				fmt.Errorf("%q must be a number, got %s", fieldValue, typeName(value)))
		}
	}

	now := n.clock.Now().UTC().Truncate(time.Millisecond)
	out := telemetry.Telemetry{Payload: telemetry.Payload(doc), Document: raw}

	tsValue, present := doc[fieldTimestamp]
	if !present {
		out.TS, out.TSDefaulted = now, true
		return out, nil
	}
	switch ts := tsValue.(type) {
	case json.Number:
		if parsed, ok := numericTimestamp(ts); ok {
			out.TS = parsed
		} else {
			out.TS, out.TSDefaulted = now, true
		}
	case string:
		if parsed, ok := stringTimestamp(ts); ok {
			out.TS = parsed
		} else {
			out.TS, out.TSDefaulted = now, true
		}
	default:
		return telemetry.Telemetry{}, telemetry.Discard(telemetry.ReasonSchemaViolation,
			fmt.Errorf("%q must be a number or string, got %s", fieldTimestamp, typeName(tsValue)))
	}
	return out, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after document")
	}
	doc, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("document is %s, not an object", typeName(value))
	}
	return doc, nil
}

func numericTimestamp(value json.Number) (time.Time, bool) {
	f, err := value.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	ms := f
	if f < millisThreshold {
		ms = f * 1000
	}
	ms = math.Round(ms)
	if ms < float64(minInstant.UnixMilli()) || ms > float64(maxInstant.UnixMilli()) {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)).UTC(), true
}

func stringTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		parsed, err := time.Parse(layout, value)
		if err != nil {
			continue
		}
		parsed = parsed.UTC()
		if parsed.Before(minInstant) || parsed.After(maxInstant) {
			return time.Time{}, false
		}
		return parsed.Truncate(time.Millisecond), true
	}
	return time.Time{}, false
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}
