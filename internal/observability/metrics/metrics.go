package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	metricPrefix = "ingest_"

	resultAccepted  = "accepted"
	resultDiscarded = "discarded"
	resultIgnored   = "ignored"
	resultFailed    = "failed"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	messagesTotal   *prometheus.CounterVec
	discardsTotal   *prometheus.CounterVec
	writeErrors     *prometheus.CounterVec
	pipelineLatency *prometheus.HistogramVec
	inflight        prometheus.Gauge
	queueDepth      prometheus.Gauge

	busState             prometheus.Gauge
	busReconnects        prometheus.Counter
	busConnectionLost    prometheus.Counter
	busSubscribeFailures prometheus.Counter

	exportTotal   *prometheus.CounterVec
	exportLatency *prometheus.HistogramVec
	streamClients prometheus.Gauge
)

// Init registers ingest metrics and DB-backed gauges.
func Init(db *sql.DB, logger zerolog.Logger) {
	registerOnce.Do(func() {
		messagesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_total",
				Help: "Total bus messages by pipeline result",
			},
			[]string{"result"},
		)
		discardsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "discards_total",
				Help: "Total discarded payloads by reason",
			},
			[]string{"reason"},
		)
		writeErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "write_errors_total",
				Help: "Total datastore write failures by class",
			},
			[]string{"class"},
		)
		pipelineLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "pipeline_latency_seconds",
				Help:    "Pipeline latency per message in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		inflight = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "inflight_messages",
			Help: "Messages currently being processed",
		})
		queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "dispatcher_queued_messages",
			Help: "Messages waiting in dispatcher shard queues",
		})

		busState = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "bus_state",
			Help: "Bus connection state (0 disconnected, 1 connecting, 2 connected, 3 stopped)",
		})
		busReconnects = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "bus_reconnects_total",
			Help: "Total bus reconnect attempts",
		})
		busConnectionLost = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "bus_connection_lost_total",
			Help: "Total unexpected bus disconnects",
		})
		busSubscribeFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "bus_subscribe_failures_total",
			Help: "Total failed subscribe attempts",
		})

		exportTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "export_total",
				Help: "Total telemetry exports by format and result",
			},
			[]string{"format", "result"},
		)
		exportLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "export_latency_seconds",
				Help:    "Telemetry export latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"format", "result"},
		)
		streamClients = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "stream_clients",
			Help: "Connected live stream clients",
		})

		prometheus.MustRegister(
			messagesTotal,
			discardsTotal,
			writeErrors,
			pipelineLatency,
			inflight,
			queueDepth,
			busState,
			busReconnects,
			busConnectionLost,
			busSubscribeFailures,
			exportTotal,
			exportLatency,
			streamClients,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveMessage records one pipeline invocation.
func ObserveMessage(result string, duration time.Duration) {
	if result == "" {
		result = resultAccepted
	}
	if messagesTotal != nil {
		messagesTotal.WithLabelValues(result).Inc()
	}
	if pipelineLatency != nil {
		pipelineLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncDiscard increments the discard counter.
func IncDiscard(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if discardsTotal != nil {
		discardsTotal.WithLabelValues(reason).Inc()
	}
}

// IncWriteError increments the write failure counter.
func IncWriteError(class string) {
	if class == "" {
		class = "unknown"
	}
	if writeErrors != nil {
		writeErrors.WithLabelValues(class).Inc()
	}
}

// AddInflight adjusts the in-flight gauge.
func AddInflight(delta float64) {
	if inflight != nil {
		inflight.Add(delta)
	}
}

// AddQueued adjusts the dispatcher queue gauge.
func AddQueued(delta float64) {
	if queueDepth != nil {
		queueDepth.Add(delta)
	}
}

// SetBusState sets the bus state gauge.
func SetBusState(state int) {
	if busState != nil {
		busState.Set(float64(state))
	}
}

// IncBusReconnect increments reconnect attempts.
func IncBusReconnect() {
	if busReconnects != nil {
		busReconnects.Inc()
	}
}

// IncBusConnectionLost increments unexpected disconnects.
func IncBusConnectionLost() {
	if busConnectionLost != nil {
		busConnectionLost.Inc()
	}
}

// IncBusSubscribeFailure increments failed subscribes.
func IncBusSubscribeFailure() {
	if busSubscribeFailures != nil {
		busSubscribeFailures.Inc()
	}
}

// ObserveExport records export latency and result.
func ObserveExport(format, result string, duration time.Duration) {
	if format == "" {
		format = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if exportTotal != nil {
		exportTotal.WithLabelValues(format, result).Inc()
	}
	if exportLatency != nil {
		exportLatency.WithLabelValues(format, result).Observe(duration.Seconds())
	}
}

// AddStreamClients adjusts the live stream client gauge.
func AddStreamClients(delta float64) {
	if streamClients != nil {
		streamClients.Add(delta)
	}
}

// Exported constants for callers.
const (
	ResultAccepted  = resultAccepted
	ResultDiscarded = resultDiscarded
	ResultIgnored   = resultIgnored
	ResultFailed    = resultFailed

	ResultSuccess = resultSuccess
	ResultError   = resultError
)
