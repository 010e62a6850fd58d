package http

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"telemetry-ingest/internal/observability/metrics"
	telemetry "telemetry-ingest/internal/telemetry/domain"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
)

// StreamEvent is one frame sent to live clients.
type StreamEvent struct {
	Kind     string            `json:"kind"`
	DeviceID string            `json:"deviceId,omitempty"`
	TS       string            `json:"ts,omitempty"`
	Payload  telemetry.Payload `json:"payload,omitempty"`
	Now      string            `json:"now,omitempty"`
}

// Broker fans out accepted telemetry to connected clients. Slow clients miss frames
// rather than blocking ingestion.
type Broker struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
}

// NewBroker constructs a broker.
func NewBroker() *Broker {
	return &Broker{clients: make(map[chan []byte]struct{})}
}

// Notify implements telemetry.Notifier.
func (b *Broker) Notify(record telemetry.TelemetryRecord) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(StreamEvent{
		Kind:     "telemetry",
		DeviceID: record.DeviceID,
		TS:       record.TS.UTC().Format(time.RFC3339Nano),
		Payload:  record.Payload,
	})
	if err != nil {
		return
	}
	b.broadcast(payload)
}

// Subscribe registers a new client channel.
func (b *Broker) Subscribe() chan []byte {
	if b == nil {
		return nil
	}
	ch := make(chan []byte, clientBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	metrics.AddStreamClients(1)
	return ch
}

// Unsubscribe removes a client channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b == nil || ch == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.clients[ch]
	delete(b.clients, ch)
	b.mu.Unlock()
	if ok {
		metrics.AddStreamClients(-1)
		close(ch)
	}
}

// Clients returns the number of subscribed clients.
func (b *Broker) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// broadcast holds mu across the sends so Unsubscribe cannot close a channel mid fan-out.
// Sends never block.
func (b *Broker) broadcast(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// StreamHandler serves the live WebSocket feed.
type StreamHandler struct {
	broker       *Broker
	tickInterval time.Duration
	upgrader     websocket.Upgrader
	logger       zerolog.Logger
}

// NewStreamHandler constructs a stream handler. tickInterval <= 0 disables ticks.
func NewStreamHandler(broker *Broker, tickInterval time.Duration, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		broker:       broker,
		tickInterval: tickInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "stream").Logger(),
	}
}

// ServeHTTP handles GET /ws.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	closed := make(chan struct{})
	go h.readLoop(conn, closed)

	if err := h.writeEvent(conn, StreamEvent{Kind: "welcome", Now: time.Now().UTC().Format(time.RFC3339Nano)}); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	var tick <-chan time.Time
	if h.tickInterval > 0 {
		ticker := time.NewTicker(h.tickInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case now := <-tick:
			if err := h.writeEvent(conn, StreamEvent{Kind: "tick", Now: now.UTC().Format(time.RFC3339Nano)}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// readLoop consumes client frames so pongs and close frames are processed.
func (h *StreamHandler) readLoop(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StreamHandler) writeEvent(conn *websocket.Conn, event StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
