package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	telemetry "telemetry-ingest/internal/telemetry/domain"
)

type telemetryItem struct {
	ID       int64             `json:"id"`
	DeviceID string            `json:"deviceId"`
	TS       string            `json:"ts"`
	Payload  telemetry.Payload `json:"payload"`
}

type deviceItem struct {
	ID       string `json:"id"`
	LastSeen string `json:"lastSeen"`
}

type pageResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// TelemetryHandler serves recent telemetry.
type TelemetryHandler struct {
	query  telemetry.TelemetryQuery
	logger zerolog.Logger
}

// NewTelemetryHandler constructs a TelemetryHandler.
func NewTelemetryHandler(query telemetry.TelemetryQuery, logger zerolog.Logger) *TelemetryHandler {
	return &TelemetryHandler{query: query, logger: logger.With().Str("component", "api").Logger()}
}

// ServeHTTP handles GET /api/v1/telemetry.
func (h *TelemetryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.query == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	filter, err := parseTelemetryFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	records, err := h.query.ListTelemetry(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("list telemetry failed")
		http.Error(w, "query telemetry error", http.StatusInternalServerError)
		return
	}

	items := make([]telemetryItem, 0, len(records))
	for _, record := range records {
		items = append(items, telemetryItem{
			ID:       record.ID,
			DeviceID: record.DeviceID,
			TS:       record.TS.UTC().Format(time.RFC3339Nano),
			Payload:  record.Payload,
		})
	}
	writeJSON(w, http.StatusOK, pageResponse[telemetryItem]{Items: items, Limit: filter.Page.Limit, Offset: filter.Page.Offset})
}

// DevicesHandler serves the device registry.
type DevicesHandler struct {
	query  telemetry.DeviceQuery
	logger zerolog.Logger
}

// NewDevicesHandler constructs a DevicesHandler.
func NewDevicesHandler(query telemetry.DeviceQuery, logger zerolog.Logger) *DevicesHandler {
	return &DevicesHandler{query: query, logger: logger.With().Str("component", "api").Logger()}
}

// ServeHTTP handles GET /api/v1/devices.
func (h *DevicesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.query == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	page, err := parsePage(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	devices, err := h.query.ListDevices(r.Context(), page)
	if err != nil {
		h.logger.Error().Err(err).Msg("list devices failed")
		http.Error(w, "query devices error", http.StatusInternalServerError)
		return
	}

	items := make([]deviceItem, 0, len(devices))
	for _, device := range devices {
		items = append(items, deviceItem{ID: device.ID, LastSeen: device.LastSeen.UTC().Format(time.RFC3339Nano)})
	}
	writeJSON(w, http.StatusOK, pageResponse[deviceItem]{Items: items, Limit: page.Limit, Offset: page.Offset})
}

func parseTelemetryFilter(r *http.Request) (telemetry.TelemetryFilter, error) {
	page, err := parsePage(r)
	if err != nil {
		return telemetry.TelemetryFilter{}, err
	}
	return telemetry.TelemetryFilter{DeviceID: r.URL.Query().Get("device_id"), Page: page}, nil
}

// parsePage reads limit and offset. Missing values take defaults and out of range values
// are clamped; non-integers are rejected.
func parsePage(r *http.Request) (telemetry.Page, error) {
	limit, err := optionalInt(r, "limit")
	if err != nil {
		return telemetry.Page{}, err
	}
	offset, err := optionalInt(r, "offset")
	if err != nil {
		return telemetry.Page{}, err
	}
	return telemetry.NewPage(limit, offset), nil
}

func optionalInt(r *http.Request, key string) (*int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return nil, errors.New(key + " must be an integer")
	}
	return &value, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
