package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"telemetry-ingest/internal/observability/metrics"
	telemetry "telemetry-ingest/internal/telemetry/domain"
)

const (
	formatXLSX = "xlsx"
	formatPDF  = "pdf"

	pdfPayloadWidth = 90
)

// ExportHandler renders the telemetry query as a spreadsheet or PDF.
type ExportHandler struct {
	query  telemetry.TelemetryQuery
	logger zerolog.Logger
}

// NewExportHandler constructs an ExportHandler.
func NewExportHandler(query telemetry.TelemetryQuery, logger zerolog.Logger) *ExportHandler {
	return &ExportHandler{query: query, logger: logger.With().Str("component", "export").Logger()}
}

// ServeHTTP handles GET /api/v1/telemetry/export.xlsx and /api/v1/telemetry/export.pdf.
func (h *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.query == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	format := exportFormat(r.URL.Path)
	if format == "" {
		http.NotFound(w, r)
		return
	}
	filter, err := parseTelemetryFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveExport(format, result, time.Since(start))
	}()

	records, err := h.query.ListTelemetry(r.Context(), filter)
	if err != nil {
		result = metrics.ResultError
		h.logger.Error().Err(err).Msg("export query failed")
		http.Error(w, "query telemetry error", http.StatusInternalServerError)
		return
	}

	var body []byte
	var contentType string
	switch format {
	case formatXLSX:
		body, err = BuildTelemetryXLSX(records)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case formatPDF:
		body, err = BuildTelemetryPDF(filter, records, time.Now().UTC())
		contentType = "application/pdf"
	}
	if err != nil {
		result = metrics.ResultError
		h.logger.Error().Err(err).Str("format", format).Msg("export render failed")
		http.Error(w, "export error", http.StatusInternalServerError)
		return
	}

	name := "telemetry"
	if filter.DeviceID != "" {
		name += "-" + filter.DeviceID
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+"."+format))
	_, _ = w.Write(body)
}

func exportFormat(path string) string {
	switch {
	case strings.HasSuffix(path, "/export."+formatXLSX):
		return formatXLSX
	case strings.HasSuffix(path, "/export."+formatPDF):
		return formatPDF
	default:
		return ""
	}
}

// BuildTelemetryXLSX renders records as one row each; the payload is kept as JSON text.
func BuildTelemetryXLSX(records []telemetry.TelemetryRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := "telemetry"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	_ = f.SetCellValue(sheet, "A1", "ID")
	_ = f.SetCellValue(sheet, "B1", "Device")
	_ = f.SetCellValue(sheet, "C1", "Timestamp (UTC)")
	_ = f.SetCellValue(sheet, "D1", "v")
	_ = f.SetCellValue(sheet, "E1", "Payload")
	for i, record := range records {
		row := i + 2
		_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), record.ID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), record.DeviceID)
		_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row), record.TS.UTC().Format(time.RFC3339Nano))
		if v, ok := numericValue(record.Payload); ok {
			_ = f.SetCellValue(sheet, fmt.Sprintf("D%d", row), v)
		}
		_ = f.SetCellValue(sheet, fmt.Sprintf("E%d", row), payloadText(record.Payload))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildTelemetryPDF renders a minimal telemetry report.
func BuildTelemetryPDF(filter telemetry.TelemetryFilter, records []telemetry.TelemetryRecord, generatedAt time.Time) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Telemetry Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	device := filter.DeviceID
	if device == "" {
		device = "all"
	}
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s", device))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Rows: %d (limit %d, offset %d)", len(records), filter.Page.Limit, filter.Page.Offset))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generatedAt.Format(time.RFC3339)))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(45, 6, "Device", "1", 0, "C", false, 0, "")
	pdf.CellFormat(55, 6, "Timestamp (UTC)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(25, 6, "v", "1", 0, "C", false, 0, "")
	pdf.CellFormat(150, 6, "Payload", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for _, record := range records {
		value := ""
		if v, ok := numericValue(record.Payload); ok {
			value = fmt.Sprintf("%g", v)
		}
		pdf.CellFormat(45, 6, record.DeviceID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(55, 6, record.TS.UTC().Format("2006-01-02 15:04:05.000"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(25, 6, value, "1", 0, "R", false, 0, "")
		pdf.CellFormat(150, 6, truncate(payloadText(record.Payload), pdfPayloadWidth), "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func numericValue(payload telemetry.Payload) (float64, bool) {
	number, ok := payload["v"].(json.Number)
	if !ok {
		return 0, false
	}
	v, err := number.Float64()
	return v, err == nil
}

func payloadText(payload telemetry.Payload) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
