package application

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"telemetry-ingest/internal/datastore"
	"telemetry-ingest/internal/observability/metrics"
	telemetry "telemetry-ingest/internal/telemetry/domain"
)

const (
	tracerName = "telemetry-ingest/pipeline"

	// Raw payloads are truncated to this many bytes in discard logs.
	maxLoggedPayload = 512
)

// Outcome is the terminal state of one pipeline invocation.
type Outcome string

const (
	OutcomeAccepted  Outcome = Outcome(metrics.ResultAccepted)
	OutcomeDiscarded Outcome = Outcome(metrics.ResultDiscarded)
	OutcomeIgnored   Outcome = Outcome(metrics.ResultIgnored)
	OutcomeFailed    Outcome = Outcome(metrics.ResultFailed)
)

// Pipeline routes, normalizes and records inbound messages.
type Pipeline struct {
	router     *TopicRouter
	normalizer *Normalizer
	recorder   telemetry.Recorder
	notifier   telemetry.Notifier
	clock      telemetry.Clock
	tracer     trace.Tracer
	logger     zerolog.Logger
}

// PipelineOption configures the pipeline.
type PipelineOption func(*Pipeline)

// WithNotifier publishes accepted records to n.
func WithNotifier(n telemetry.Notifier) PipelineOption {
	return func(p *Pipeline) {
		p.notifier = n
	}
}

// WithClock overrides the ingestion clock.
func WithClock(clock telemetry.Clock) PipelineOption {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// NewPipeline constructs a pipeline.
func NewPipeline(router *TopicRouter, recorder telemetry.Recorder, logger zerolog.Logger, opts ...PipelineOption) (*Pipeline, error) {
	if router == nil {
		return nil, errors.New("pipeline: nil router")
	}
	if recorder == nil {
		return nil, errors.New("pipeline: nil recorder")
	}
	p := &Pipeline{
		router:   router,
		recorder: recorder,
		clock:    telemetry.SystemClock{},
		tracer:   otel.Tracer(tracerName),
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.normalizer = NewNormalizer(p.clock)
	return p, nil
}

// Handle runs one message through the pipeline. Failures are logged and counted; the
// message is never retried.
func (p *Pipeline) Handle(ctx context.Context, msg telemetry.InboundMessage) Outcome {
	start := time.Now()
	metrics.AddInflight(1)
	defer metrics.AddInflight(-1)

	ctx, span := p.tracer.Start(ctx, "ingest.message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.String("messaging.message.id", msg.ID),
			attribute.Int("messaging.message.body.size", len(msg.Raw)),
		),
	)
	defer span.End()

	outcome := p.handle(ctx, span, msg)
	span.SetAttributes(attribute.String("ingest.outcome", string(outcome)))
	metrics.ObserveMessage(string(outcome), time.Since(start))
	return outcome
}

func (p *Pipeline) handle(ctx context.Context, span trace.Span, msg telemetry.InboundMessage) Outcome {
	deviceID, ok := p.router.Route(msg.Topic)
	if !ok {
		p.logger.Debug().Str("topic", msg.Topic).Str("msg_id", msg.ID).Msg("ignoring message on unexpected topic")
		return OutcomeIgnored
	}
	span.SetAttributes(attribute.String("device.id", deviceID))

	normalized, err := p.normalizer.Normalize(msg.Raw)
	if err != nil {
		reason := string(telemetry.ReasonNonStructured)
		var discard *telemetry.DiscardError
		if errors.As(err, &discard) {
			reason = string(discard.Reason)
		}
		p.logger.Warn().
			Str("topic", msg.Topic).
			Str("msg_id", msg.ID).
			Str("device_id", deviceID).
			Str("reason", reason).
			Str("raw", truncatePayload(msg.Raw)).
			Err(err).
			Msg("discarding telemetry")
		metrics.IncDiscard(reason)
		span.AddEvent("discard", trace.WithAttributes(attribute.String("reason", reason)))
		return OutcomeDiscarded
	}
	if normalized.TSDefaulted {
		p.logger.Debug().Str("device_id", deviceID).Str("msg_id", msg.ID).Msg("ts missing or unparsable, using ingestion time")
	}

	record := telemetry.TelemetryRecord{
		DeviceID: deviceID,
		TS:       normalized.TS,
		Payload:  normalized.Payload,
		Document: normalized.Document,
	}
	if err := p.recorder.Record(ctx, record, p.clock.Now().UTC()); err != nil {
		class := datastore.Class(err)
		p.logger.Error().
			Err(err).
			Str("topic", msg.Topic).
			Str("msg_id", msg.ID).
			Str("device_id", deviceID).
			Str("class", class).
			Msg("telemetry write failed, message dropped")
		metrics.IncWriteError(class)
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return OutcomeFailed
	}

	if p.notifier != nil {
		p.notifier.Notify(record)
	}
	return OutcomeAccepted
}

func truncatePayload(raw []byte) string {
	if len(raw) <= maxLoggedPayload {
		return string(raw)
	}
	cut := maxLoggedPayload
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	return string(raw[:cut]) + "..."
}
