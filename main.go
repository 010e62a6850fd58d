package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"telemetry-ingest/internal/auth"
	"telemetry-ingest/internal/config"
	"telemetry-ingest/internal/datastore"
	"telemetry-ingest/internal/observability/logging"
	"telemetry-ingest/internal/observability/metrics"
	"telemetry-ingest/internal/observability/tracing"
	telemetryapp "telemetry-ingest/internal/telemetry/application"
	telemetry "telemetry-ingest/internal/telemetry/domain"
	telemetrypostgres "telemetry-ingest/internal/telemetry/infrastructure/postgres"
	telemetryhttp "telemetry-ingest/internal/telemetry/interfaces/http"
	telemetrymqtt "telemetry-ingest/internal/telemetry/interfaces/mqtt"
)

const (
	busQuiesce          = 250 * time.Millisecond
	serverShutdownGrace = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap := logging.New("info", logging.FormatJSON, os.Stderr)
		bootstrap.Fatal().Err(err).Msg("config error")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	mainLog := logging.Component(logger, "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.NewProvider(ctx, cfg.OTLPEndpoint, cfg.OTELServiceName, cfg.OTLPInsecure)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("tracing setup error")
	}

	if cfg.MigrateOnStart {
		if err := datastore.Migrate(cfg.DatabaseURL, datastore.DirectionUp); err != nil {
			mainLog.Fatal().Err(err).Msg("migration error")
		}
		mainLog.Info().Msg("schema migrated")
	}

	store, err := datastore.Open(ctx, datastore.Config{
		URL:             cfg.DatabaseURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnectTimeout:  cfg.DBConnectTimeout,
		OpTimeout:       cfg.DBOpTimeout,
	})
	if err != nil {
		mainLog.Fatal().Err(err).Str("database_url", config.MaskURL(cfg.DatabaseURL)).Msg("datastore unreachable")
	}
	mainLog.Info().Str("database_url", config.MaskURL(cfg.DatabaseURL)).Msg("datastore connected")

	metrics.Init(store.DB(), logger)

	broker := telemetryhttp.NewBroker()
	recorder, err := telemetrypostgres.NewRecorder(store, cfg.IngestAtomicWrites)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("recorder error")
	}
	router, err := telemetryapp.NewTopicRouter(cfg.MQTTTopic)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("topic filter error")
	}
	pipeline, err := telemetryapp.NewPipeline(router, recorder, logger, telemetryapp.WithNotifier(broker))
	if err != nil {
		mainLog.Fatal().Err(err).Msg("pipeline error")
	}
	dispatcher, err := telemetryapp.NewDispatcher(func(ctx context.Context, msg telemetry.InboundMessage) {
		pipeline.Handle(ctx, msg)
	}, cfg.Workers(), cfg.IngestQueueSize, logger)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("dispatcher error")
	}
	dispatcher.Start()

	bus, err := telemetrymqtt.NewManager(telemetrymqtt.Config{
		URL:                  cfg.MQTTURL,
		Username:             cfg.MQTTUsername,
		Password:             cfg.MQTTPassword,
		ClientID:             cfg.MQTTClientID,
		Topic:                cfg.MQTTTopic,
		QoS:                  byte(cfg.MQTTQoS),
		KeepAlive:            cfg.MQTTKeepAlive,
		ConnectTimeout:       cfg.MQTTConnectTimeout,
		ReconnectInterval:    cfg.MQTTReconnectInterval,
		MaxReconnectInterval: cfg.MQTTMaxReconnectInterval,
		CleanSession:         cfg.MQTTCleanSession,
		TLSCAFile:            cfg.MQTTTLSCAFile,
		TLSInsecure:          cfg.MQTTTLSInsecure,
	}, dispatcher, logger)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("bus manager error")
	}
	if err := bus.Start(); err != nil {
		mainLog.Fatal().Err(err).Msg("bus start error")
	}

	query := telemetrypostgres.NewTelemetryQuery(store)
	policy := auth.NewDefaultPolicy([]string{"/", "/healthz", "/readyz", "/metrics"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.AuthJWTSecret), policy, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/", telemetryhttp.RootHandler)
	mux.HandleFunc("/healthz", telemetryhttp.LivenessHandler)
	mux.Handle("/readyz", telemetryhttp.NewReadinessHandler(store, bus))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/v1/telemetry", telemetryhttp.NewTelemetryHandler(query, logger))
	mux.Handle("/api/v1/telemetry/export.xlsx", telemetryhttp.NewExportHandler(query, logger))
	mux.Handle("/api/v1/telemetry/export.pdf", telemetryhttp.NewExportHandler(query, logger))
	mux.Handle("/api/v1/devices", telemetryhttp.NewDevicesHandler(query, logger))
	mux.Handle("/ws", telemetryhttp.NewStreamHandler(broker, cfg.StreamTickInterval, logger))

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           telemetryhttp.LoggingMiddleware(telemetryhttp.CORSMiddleware(authMiddleware.Wrap(mux)), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		mainLog.Info().Str("addr", cfg.HTTPAddr).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdown(mainLog, bus, dispatcher, server, cfg.ShutdownGrace)
		return nil
	})

	if err := group.Wait(); err != nil {
		mainLog.Error().Err(err).Msg("http server error")
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), serverShutdownGrace)
	defer cancel()
	if err := tracer.Shutdown(flushCtx); err != nil {
		mainLog.Warn().Err(err).Msg("tracing shutdown error")
	}
	if err := store.Close(); err != nil {
		mainLog.Warn().Err(err).Msg("datastore close error")
	}
	mainLog.Info().Msg("stopped")
}

// shutdown stops intake first so queued messages can still be written before the
// datastore closes.
func shutdown(logger zerolog.Logger, bus *telemetrymqtt.Manager, dispatcher *telemetryapp.Dispatcher, server *http.Server, grace time.Duration) {
	logger.Info().Dur("grace", grace).Msg("shutting down")
	bus.Stop(busQuiesce)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), grace)
	defer cancelDrain()
	if err := dispatcher.Stop(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("dispatcher did not drain within grace period")
	}

	serverCtx, cancelServer := context.WithTimeout(context.Background(), serverShutdownGrace)
	defer cancelServer()
	if err := server.Shutdown(serverCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown error")
	}
}
