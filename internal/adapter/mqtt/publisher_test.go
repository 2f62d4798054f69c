package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	messages   []message
}

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return newFakeToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return newFakeToken(c.publishErr)
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) sent() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...)
}

func newTestPublisher(prefix string) (*Publisher, *fakeClient) {
	cfg := PublisherConfig{BrokerURL: "tcp://broker:1883", TopicPrefix: prefix, QoS: 1}
	applyDefaults(&cfg)
	fc := &fakeClient{}
	p := &Publisher{config: cfg, client: fc, logger: zerolog.Nop()}
	return p, fc
}

func TestPublisher_Topics(t *testing.T) {
	p, fc := newTestPublisher("plant/")
	fc.connected = true
	p.onConnect(nil)

	require.NoError(t, p.Publish(domain.NewConnectionStatus(true, "opc.tcp://plc:4840", "")))
	require.NoError(t, p.Publish(domain.NewValueChangesBatch([]domain.ValueChange{
		domain.NewValueChange("ns=2;s=Level", 2.5, "Double", time.Unix(0, 0).UTC()),
	})))

	sent := fc.sent()
	require.Len(t, sent, 2)

	assert.Equal(t, "plant/connection_status", sent[0].topic)
	assert.True(t, sent[0].retained)
	assert.Equal(t, byte(1), sent[0].qos)

	assert.Equal(t, "plant/value_changes_batch", sent[1].topic)
	assert.False(t, sent[1].retained)

	var batch map[string]any
	require.NoError(t, json.Unmarshal(sent[1].payload, &batch))
	assert.Equal(t, "value_changes_batch", batch["type"])
	assert.Len(t, batch["changes"], 1)
}

func TestPublisher_DropsWhileDisconnected(t *testing.T) {
	p, fc := newTestPublisher("")

	require.NoError(t, p.Publish(domain.NewPong(time.Now())))
	assert.Empty(t, fc.sent())
	assert.Equal(t, uint64(1), p.Stats()["dropped"])

	p.onConnect(nil)
	fc.connected = true
	require.NoError(t, p.Publish(domain.NewPong(time.Now())))
	require.Len(t, fc.sent(), 1)
	assert.Equal(t, "opcuagua/pong", fc.sent()[0].topic)

	p.onConnectionLost(nil, errors.New("broker gone"))
	require.NoError(t, p.Publish(domain.NewPong(time.Now())))
	assert.Len(t, fc.sent(), 1)
}

func TestPublisher_FailedPublishCounted(t *testing.T) {
	p, fc := newTestPublisher("")
	fc.connected = true
	fc.publishErr = errors.New("not authorized")
	p.onConnect(nil)

	require.NoError(t, p.Publish(domain.NewPong(time.Now())))
	require.Eventually(t, func() bool { return p.failed.Load() == 1 }, time.Second, 5*time.Millisecond)
}
