// migrate applies the embedded schema migrations; run with go run ./tools/migrate.
package main

import (
	"flag"
	"os"

	"telemetry-ingest/internal/config"
	"telemetry-ingest/internal/datastore"
	"telemetry-ingest/internal/observability/logging"
)

func main() {
	direction := flag.String("direction", datastore.DirectionUp, "migration direction: up, down or version")
	flag.Parse()

	logger := logging.Component(logging.New(os.Getenv("LOG_LEVEL"), logging.FormatConsole, os.Stderr), "migrate")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	dsn := config.MaskURL(cfg.DatabaseURL)

	if *direction == "version" {
		version, dirty, err := datastore.MigrationVersion(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Str("database_url", dsn).Msg("read version failed")
		}
		logger.Info().Uint("version", version).Bool("dirty", dirty).Msg("schema version")
		return
	}

	if err := datastore.Migrate(cfg.DatabaseURL, *direction); err != nil {
		logger.Fatal().Err(err).Str("database_url", dsn).Msg("migrate failed")
	}
	logger.Info().Str("direction", *direction).Str("database_url", dsn).Msg("migrate completed")
}
