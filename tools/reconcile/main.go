// reconcile reports devices whose registry row and telemetry rows disagree, which happens
// when INGEST_ATOMIC_WRITES=false and one of the two writes failed.
package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"telemetry-ingest/internal/config"
	"telemetry-ingest/internal/datastore"
	"telemetry-ingest/internal/observability/logging"
)

const (
	issueMissingDevice    = "telemetry_without_device"
	issueMissingTelemetry = "device_without_telemetry"
)

type mismatch struct {
	DeviceID      string
	Issue         string
	TelemetryRows int64
	LastTS        sql.NullTime
	LastSeen      sql.NullTime
}

func main() {
	outDir := flag.String("out", "./out", "output directory")
	fix := flag.Bool("fix", false, "insert missing registry rows with last_seen = latest telemetry ts")
	flag.Parse()

	logger := logging.Component(logging.New(os.Getenv("LOG_LEVEL"), logging.FormatConsole, os.Stderr), "reconcile")
	if err := run(context.Background(), logger, *outDir, *fix); err != nil {
		logger.Error().Err(err).Msg("reconcile failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, logger zerolog.Logger, outDir string, fix bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create out dir: %w", err)
	}

	store, err := datastore.Open(ctx, datastore.Config{
		URL:            cfg.DatabaseURL,
		MaxOpenConns:   2,
		ConnectTimeout: cfg.DBConnectTimeout,
		OpTimeout:      time.Minute,
	})
	if err != nil {
		return fmt.Errorf("datastore %s: %w", config.MaskURL(cfg.DatabaseURL), err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("datastore close error")
		}
	}()

	rows, err := loadMismatches(ctx, store.DB())
	if err != nil {
		return fmt.Errorf("load mismatches: %w", err)
	}
	path := filepath.Join(outDir, "device_mismatches.csv")
	if err := writeMismatches(path, rows); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	logger.Info().Int("mismatches", len(rows)).Str("path", path).Msg("report written")

	if fix {
		fixed, err := backfillDevices(ctx, store)
		if err != nil {
			return fmt.Errorf("backfill devices: %w", err)
		}
		logger.Info().Int64("inserted", fixed).Msg("registry backfilled")
	}
	return nil
}

func loadMismatches(ctx context.Context, db *sql.DB) ([]mismatch, error) {
	const query = `
SELECT t.device_id, $1::text, COUNT(*), MAX(t.ts), NULL::timestamptz
FROM telemetry t
LEFT JOIN device d ON d.id = t.device_id
WHERE d.id IS NULL
GROUP BY t.device_id
UNION ALL
SELECT d.id, $2::text, 0, NULL::timestamptz, d.last_seen
FROM device d
WHERE NOT EXISTS (SELECT 1 FROM telemetry t WHERE t.device_id = d.id)
ORDER BY 1`

	rows, err := db.QueryContext(ctx, query, issueMissingDevice, issueMissingTelemetry)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mismatch
	for rows.Next() {
		var row mismatch
		if err := rows.Scan(&row.DeviceID, &row.Issue, &row.TelemetryRows, &row.LastTS, &row.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func backfillDevices(ctx context.Context, store *datastore.Store) (int64, error) {
	const stmt = `
INSERT INTO device (id, last_seen)
SELECT device_id, MAX(ts) FROM telemetry GROUP BY device_id
ON CONFLICT (id) DO NOTHING`

	res, err := store.ExecContext(ctx, stmt)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func writeMismatches(path string, rows []mismatch) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, file.Close())
	}()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"device_id", "issue", "telemetry_rows", "last_telemetry_ts", "last_seen"}); err != nil {
		return err
	}
	for _, row := range rows {
		if err := writer.Write([]string{
			row.DeviceID,
			row.Issue,
			strconv.FormatInt(row.TelemetryRows, 10),
			formatOptionalTime(row.LastTS),
			formatOptionalTime(row.LastSeen),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func formatOptionalTime(value sql.NullTime) string {
	if !value.Valid {
		return ""
	}
	return value.Time.UTC().Format(time.RFC3339Nano)
}
