package application

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"telemetry-ingest/internal/observability/metrics"
	telemetry "telemetry-ingest/internal/telemetry/domain"
)

// ErrDispatcherStopped is returned by Submit after Stop.
var ErrDispatcherStopped = errors.New("dispatcher: stopped")

// HandleFunc processes one message.
type HandleFunc func(ctx context.Context, msg telemetry.InboundMessage)

// Dispatcher runs messages on a fixed set of shard workers. Messages with the same topic
// always land on the same shard, so each device is processed in arrival order while
// devices on different shards proceed concurrently.
type Dispatcher struct {
	handle HandleFunc
	shards []chan telemetry.InboundMessage
	logger zerolog.Logger

	mu        sync.RWMutex
	stopped   bool
	closing   chan struct{}
	closeOnce sync.Once

	workCtx    context.Context
	cancelWork context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
}

// NewDispatcher constructs a dispatcher with workers shards, each buffering up to
// queueSize messages.
func NewDispatcher(handle HandleFunc, workers, queueSize int, logger zerolog.Logger) (*Dispatcher, error) {
	if handle == nil {
		return nil, errors.New("dispatcher: nil handler")
	}
	if workers <= 0 {
		return nil, errors.New("dispatcher: workers must be positive")
	}
	if queueSize < 0 {
		return nil, errors.New("dispatcher: queue size must not be negative")
	}
	shards := make([]chan telemetry.InboundMessage, workers)
	for i := range shards {
		shards[i] = make(chan telemetry.InboundMessage, queueSize)
	}
	workCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handle:     handle,
		shards:     shards,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
		closing:    make(chan struct{}),
		workCtx:    workCtx,
		cancelWork: cancel,
	}, nil
}

// Start launches the shard workers.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i, shard := range d.shards {
			d.wg.Add(1)
			go d.run(i, shard)
		}
		d.logger.Info().Int("workers", len(d.shards)).Int("queue_size", cap(d.shards[0])).Msg("dispatcher started")
	})
}

func (d *Dispatcher) run(id int, shard <-chan telemetry.InboundMessage) {
	defer d.wg.Done()
	for msg := range shard {
		metrics.AddQueued(-1)
		d.handle(d.workCtx, msg)
	}
	d.logger.Debug().Int("worker", id).Msg("shard worker stopped")
}

// Submit enqueues msg on its shard, blocking while the shard is full. It returns
// ctx.Err() if ctx ends first and ErrDispatcherStopped after Stop.
func (d *Dispatcher) Submit(ctx context.Context, msg telemetry.InboundMessage) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	shard := d.shards[d.shardFor(msg.Topic)]
	select {
	case shard <- msg:
		metrics.AddQueued(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.closing:
		return ErrDispatcherStopped
	}
}

func (d *Dispatcher) shardFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(d.shards)))
}

// Stop rejects new submissions and waits for queued and in-flight messages. When ctx
// ends first the remaining work is cancelled and ctx.Err() is returned once workers exit.
func (d *Dispatcher) Stop(ctx context.Context) error {
	// Release submitters blocked on a full shard so the write lock can be taken.
	d.closeOnce.Do(func() { close(d.closing) })
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	for _, shard := range d.shards {
		close(shard)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancelWork()
		d.logger.Info().Msg("dispatcher drained")
		return nil
	case <-ctx.Done():
		d.logger.Warn().Msg("dispatcher grace period expired, cancelling in-flight messages")
		d.cancelWork()
		<-done
		return ctx.Err()
	}
}
