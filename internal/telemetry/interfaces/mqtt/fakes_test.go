package mqtt

import (
	"context"
	"errors"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	telemetry "telemetry-ingest/internal/telemetry/domain"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type subscribeCall struct {
	topic string
	qos   byte
}

type fakeClient struct {
	mu            sync.Mutex
	opts          *paho.ClientOptions
	open          bool
	subscribes    []subscribeCall
	subscribeErrs []error
	unsubscribes  []string
	disconnected  bool
	handler       paho.MessageHandler
}

func (c *fakeClient) IsConnected() bool { return c.isOpen() }
func (c *fakeClient) IsConnectionOpen() bool {
	return c.isOpen()
}

func (c *fakeClient) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) setOpen(open bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = open
}

func (c *fakeClient) Connect() paho.Token {
	return newFakeToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	c.open = false
}

func (c *fakeClient) Publish(string, byte, bool, interface{}) paho.Token {
	return newFakeToken(nil)
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes = append(c.subscribes, subscribeCall{topic: topic, qos: qos})
	c.handler = callback
	var err error
	if len(c.subscribeErrs) > 0 {
		err = c.subscribeErrs[0]
		c.subscribeErrs = c.subscribeErrs[1:]
	}
	return newFakeToken(err)
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return newFakeToken(errors.New("not supported"))
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribes = append(c.unsubscribes, topics...)
	return newFakeToken(nil)
}

func (c *fakeClient) AddRoute(string, paho.MessageHandler) {}

func (c *fakeClient) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

func (c *fakeClient) subscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribes)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakeSubmitter struct {
	mu   sync.Mutex
	msgs []telemetry.InboundMessage
	err  error
}

func (s *fakeSubmitter) Submit(_ context.Context, msg telemetry.InboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, msg)
	return nil
}
