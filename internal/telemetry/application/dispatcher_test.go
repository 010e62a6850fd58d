package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	telemetry "telemetry-ingest/internal/telemetry/domain"
)

func TestDispatcher_PreservesPerTopicOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]int{}
	handle := func(_ context.Context, msg telemetry.InboundMessage) {
		var seq int
		_, _ = fmt.Sscanf(string(msg.Raw), "%d", &seq)
		mu.Lock()
		seen[msg.Topic] = append(seen[msg.Topic], seq)
		mu.Unlock()
	}

	d, err := NewDispatcher(handle, 4, 8, zerolog.Nop())
	require.NoError(t, err)
	d.Start()

	topics := []string{"devices/a/telemetry", "devices/b/telemetry", "devices/c/telemetry"}
	for i := 0; i < 50; i++ {
		for _, topic := range topics {
			require.NoError(t, d.Submit(context.Background(), telemetry.InboundMessage{Topic: topic, Raw: []byte(fmt.Sprint(i))}))
		}
	}
	require.NoError(t, d.Stop(context.Background()))

	for _, topic := range topics {
		got := seen[topic]
		require.Len(t, got, 50, topic)
		for i, seq := range got {
			assert.Equal(t, i, seq, topic)
		}
	}
}

func TestDispatcher_BoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	handle := func(_ context.Context, _ telemetry.InboundMessage) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		current.Add(-1)
	}

	d, err := NewDispatcher(handle, 2, 1, zerolog.Nop())
	require.NoError(t, err)
	d.Start()
	for i := 0; i < 40; i++ {
		topic := fmt.Sprintf("devices/%d/telemetry", i)
		require.NoError(t, d.Submit(context.Background(), telemetry.InboundMessage{Topic: topic}))
	}
	require.NoError(t, d.Stop(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDispatcher_SubmitBlocksUntilContextDone(t *testing.T) {
	release := make(chan struct{})
	handle := func(_ context.Context, _ telemetry.InboundMessage) {
		<-release
	}
	d, err := NewDispatcher(handle, 1, 0, zerolog.Nop())
	require.NoError(t, err)
	d.Start()

	msg := telemetry.InboundMessage{Topic: "devices/a/telemetry"}
	require.NoError(t, d.Submit(context.Background(), msg))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Submit(ctx, msg), context.DeadlineExceeded)

	close(release)
	require.NoError(t, d.Stop(context.Background()))
}

func TestDispatcher_StopDrainsQueuedWork(t *testing.T) {
	var handled atomic.Int32
	handle := func(_ context.Context, _ telemetry.InboundMessage) {
		time.Sleep(time.Millisecond)
		handled.Add(1)
	}
	d, err := NewDispatcher(handle, 2, 16, zerolog.Nop())
	require.NoError(t, err)
	d.Start()
	for i := 0; i < 20; i++ {
		require.NoError(t, d.Submit(context.Background(), telemetry.InboundMessage{Topic: fmt.Sprintf("devices/%d/telemetry", i%3)}))
	}

	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, int32(20), handled.Load())
	assert.ErrorIs(t, d.Submit(context.Background(), telemetry.InboundMessage{Topic: "devices/a/telemetry"}), ErrDispatcherStopped)
	assert.NoError(t, d.Stop(context.Background()))
}

func TestDispatcher_StopCancelsAfterGrace(t *testing.T) {
	handle := func(ctx context.Context, _ telemetry.InboundMessage) {
		<-ctx.Done()
	}
	d, err := NewDispatcher(handle, 1, 1, zerolog.Nop())
	require.NoError(t, err)
	d.Start()
	require.NoError(t, d.Submit(context.Background(), telemetry.InboundMessage{Topic: "devices/a/telemetry"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)
}

func TestDispatcher_StopReleasesBlockedSubmitter(t *testing.T) {
	release := make(chan struct{})
	handle := func(ctx context.Context, _ telemetry.InboundMessage) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
	d, err := NewDispatcher(handle, 1, 0, zerolog.Nop())
	require.NoError(t, err)
	d.Start()
	msg := telemetry.InboundMessage{Topic: "devices/a/telemetry"}
	require.NoError(t, d.Submit(context.Background(), msg))

	errs := make(chan error, 1)
	go func() { errs <- d.Submit(context.Background(), msg) }()
	time.Sleep(10 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- d.Stop(context.Background()) }()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrDispatcherStopped)
	case <-time.After(time.Second):
		t.Fatal("blocked submit was not released")
	}
	close(release)
	require.NoError(t, <-stopped)
}

func TestNewDispatcher_Validation(t *testing.T) {
	noop := func(context.Context, telemetry.InboundMessage) {}
	_, err := NewDispatcher(nil, 1, 1, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewDispatcher(noop, 0, 1, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewDispatcher(noop, 1, -1, zerolog.Nop())
	assert.Error(t, err)
}
