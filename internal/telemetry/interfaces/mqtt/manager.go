package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"telemetry-ingest/internal/config"
	"telemetry-ingest/internal/observability/metrics"
	telemetry "telemetry-ingest/internal/telemetry/domain"
)

// State is the bus connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Submitter accepts inbound messages for processing. Submit may block for backpressure.
type Submitter interface {
	Submit(ctx context.Context, msg telemetry.InboundMessage) error
}

// Config holds broker connection settings.
type Config struct {
	URL                  string
	Username             string
	Password             string
	ClientID             string
	Topic                string
	QoS                  byte
	KeepAlive            time.Duration
	ConnectTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	CleanSession         bool
	TLSCAFile            string
	TLSInsecure          bool
}

// ClientFactory builds the paho client from options.
type ClientFactory func(opts *paho.ClientOptions) paho.Client

// Option configures the manager.
type Option func(*Manager)

// WithClientFactory overrides paho.NewClient.
func WithClientFactory(factory ClientFactory) Option {
	return func(m *Manager) {
		if factory != nil {
			m.newClient = factory
		}
	}
}

// Manager keeps a subscription to the telemetry topic alive across reconnects and hands
// every delivered message to the submitter.
type Manager struct {
	cfg       Config
	submitter Submitter
	logger    zerolog.Logger
	newClient ClientFactory

	state      atomic.Int32
	subscribed atomic.Bool

	mu     sync.Mutex
	client paho.Client

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager constructs a manager; call Start to connect.
func NewManager(cfg Config, submitter Submitter, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if submitter == nil {
		return nil, errors.New("mqtt manager: nil submitter")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("mqtt manager: empty url")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt manager: empty topic")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt manager: invalid qos %d", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "telemetry-ingest-" + uuid.NewString()[:8]
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if cfg.MaxReconnectInterval < cfg.ReconnectInterval {
		cfg.MaxReconnectInterval = cfg.ReconnectInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		submitter: submitter,
		logger:    logger.With().Str("component", "mqtt").Logger(),
		newClient: paho.NewClient,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.setState(StateDisconnected)
	return m, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Ready reports whether the manager is connected and subscribed.
func (m *Manager) Ready() bool {
	return m.State() == StateConnected && m.subscribed.Load()
}

// setState moves to next unless the manager is stopped.
func (m *Manager) setState(next State) bool {
	for {
		current := m.state.Load()
		if State(current) == StateStopped {
			return false
		}
		if m.state.CompareAndSwap(current, int32(next)) {
			metrics.SetBusState(int(next))
			return true
		}
	}
}

// Start creates the client and begins connecting. Connection failures are retried in the
// background; Start only fails on invalid options.
func (m *Manager) Start() error {
	opts, err := m.clientOptions()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.client != nil {
		m.mu.Unlock()
		return errors.New("mqtt manager: already started")
	}
	if m.State() == StateStopped {
		m.mu.Unlock()
		return errors.New("mqtt manager: stopped")
	}
	client := m.newClient(opts)
	m.client = client
	m.mu.Unlock()

	m.setState(StateConnecting)
	m.logger.Info().
		Str("broker", config.MaskURL(m.cfg.URL)).
		Str("client_id", m.cfg.ClientID).
		Str("topic", m.cfg.Topic).
		Msg("connecting to broker")

	token := client.Connect()
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			m.logger.Error().Err(err).Msg("broker connect ended with error")
		}
	}()
	return nil
}

// Stop unsubscribes, disconnects and makes the manager terminal. quiesce bounds the time
// given to in-flight broker work.
func (m *Manager) Stop(quiesce time.Duration) {
	m.cancel()
	m.state.Store(int32(StateStopped))
	metrics.SetBusState(int(StateStopped))
	m.subscribed.Store(false)

	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return
	}
	if client.IsConnectionOpen() {
		token := client.Unsubscribe(m.cfg.Topic)
		if !token.WaitTimeout(quiesce) {
			m.logger.Warn().Msg("unsubscribe timed out")
		} else if err := token.Error(); err != nil {
			m.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
	client.Disconnect(uint(quiesce / time.Millisecond))
	m.logger.Info().Msg("disconnected from broker")
}

func (m *Manager) clientOptions() (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(m.cfg.URL)
	opts.SetClientID(m.cfg.ClientID)
	opts.SetUsername(m.cfg.Username)
	opts.SetPassword(m.cfg.Password)
	if m.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(m.cfg.KeepAlive)
	}
	opts.SetConnectTimeout(m.cfg.ConnectTimeout)
	opts.SetCleanSession(m.cfg.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(m.cfg.ReconnectInterval)
	opts.SetMaxReconnectInterval(m.cfg.MaxReconnectInterval)
	// Subscriptions are reissued in the connect handler.
	opts.SetResumeSubs(false)
	opts.SetOrderMatters(true)

	if m.usesTLS() {
		tlsConfig, err := newTLSConfig(m.cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetConnectionAttemptHandler(m.onConnectionAttempt)
	opts.SetReconnectingHandler(m.onReconnecting)
	opts.SetOnConnectHandler(m.onConnect)
	opts.SetConnectionLostHandler(m.onConnectionLost)
	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		m.logger.Warn().Str("topic", msg.Topic()).Msg("message outside subscription ignored")
	})
	return opts, nil
}

func (m *Manager) usesTLS() bool {
	if m.cfg.TLSCAFile != "" {
		return true
	}
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "ssl", "tls", "mqtts", "tcps", "wss":
		return true
	}
	return false
}

func newTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLSInsecure,
	}
	if cfg.TLSCAFile != "" {
		caCert, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt manager: read CA file %s: %w", cfg.TLSCAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("mqtt manager: no certificates in %s", cfg.TLSCAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

func (m *Manager) onConnectionAttempt(broker *url.URL, tlsCfg *tls.Config) *tls.Config {
	m.setState(StateConnecting)
	m.logger.Debug().Str("broker", config.MaskURL(broker.String())).Msg("connection attempt")
	return tlsCfg
}

func (m *Manager) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	if m.setState(StateConnecting) {
		metrics.IncBusReconnect()
		m.logger.Info().Msg("reconnecting to broker")
	}
}

func (m *Manager) onConnect(client paho.Client) {
	if !m.setState(StateConnected) {
		return
	}
	m.logger.Info().Str("broker", config.MaskURL(m.cfg.URL)).Msg("connected to broker")
	m.subscribe(client)
}

// subscribe issues the subscription, retrying with capped backoff while the connection
// stays open.
func (m *Manager) subscribe(client paho.Client) {
	m.subscribed.Store(false)
	backoff := m.cfg.ReconnectInterval
	for attempt := 1; ; attempt++ {
		token := client.Subscribe(m.cfg.Topic, m.cfg.QoS, m.onMessage)
		var err error
		if !token.WaitTimeout(m.cfg.ConnectTimeout) {
			err = errors.New("subscribe timed out")
		} else {
			err = token.Error()
		}
		if err == nil {
			m.subscribed.Store(true)
			m.logger.Info().Str("topic", m.cfg.Topic).Uint8("qos", m.cfg.QoS).Msg("subscribed")
			return
		}

		metrics.IncBusSubscribeFailure()
		m.logger.Error().Err(err).Str("topic", m.cfg.Topic).Int("attempt", attempt).Msg("subscribe failed")

		select {
		case <-m.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if !client.IsConnectionOpen() || m.State() != StateConnected {
			return
		}
		backoff *= 2
		if backoff > m.cfg.MaxReconnectInterval {
			backoff = m.cfg.MaxReconnectInterval
		}
	}
}

func (m *Manager) onConnectionLost(_ paho.Client, err error) {
	m.subscribed.Store(false)
	if !m.setState(StateDisconnected) {
		return
	}
	metrics.IncBusConnectionLost()
	m.logger.Warn().Err(err).Msg("broker connection lost")
}

func (m *Manager) onMessage(_ paho.Client, msg paho.Message) {
	raw := make([]byte, len(msg.Payload()))
	copy(raw, msg.Payload())
	inbound := telemetry.InboundMessage{
		ID:         uuid.NewString(),
		Topic:      msg.Topic(),
		Raw:        raw,
		ReceivedAt: time.Now().UTC(),
	}
	if err := m.submitter.Submit(m.ctx, inbound); err != nil {
		event := m.logger.Warn()
		if m.State() == StateStopped {
			event = m.logger.Debug()
		}
		event.Err(err).Str("topic", inbound.Topic).Str("msg_id", inbound.ID).Msg("message dropped")
	}
}
