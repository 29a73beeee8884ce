package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/felippe-mendonca/dataset-creator/internal/orchestrator"
)

const (
	connectTimeout   = 5 * time.Second
	subscribeTimeout = 5 * time.Second
	publishTimeout   = 2 * time.Second
)

// MQTTOptions configures a broker connection.
type MQTTOptions struct {
	Options
	// Broker is a URI such as tcp://localhost:1883.
	Broker   string
	ClientID string
	QoS      byte
	// ReplyPrefix is prepended to the private reply topic.
	ReplyPrefix string
}

// Connect opens a paho client with automatic reconnection.
func Connect(o MQTTOptions) (mqtt.Client, error) {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	if o.ClientID == "" {
		o.ClientID = "dataset-creator-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info("mqtt connection established", "broker", o.Broker, "client_id", o.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost, will auto-reconnect", "broker", o.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	log.Info("connecting to mqtt broker", "broker", o.Broker)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connection to %s timed out", o.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

// MQTT is a request/reply client on top of an MQTT broker. Requests go to
// the service topic; replies arrive on a private topic named in every
// request.
type MQTT struct {
	opts    MQTTOptions
	client  mqtt.Client
	owned   bool
	replyTo string
	inbox   *inbox
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// DialMQTT connects to the broker and subscribes to a fresh reply topic.
func DialMQTT(o MQTTOptions) (*MQTT, error) {
	client, err := Connect(o)
	if err != nil {
		return nil, err
	}
	m, err := NewMQTT(client, o)
	if err != nil {
		client.Disconnect(250)
		return nil, err
	}
	m.owned = true
	return m, nil
}

// NewMQTT uses an already connected client.
func NewMQTT(client mqtt.Client, o MQTTOptions) (*MQTT, error) {
	o.Options = o.Options.withDefaults()
	if o.ReplyPrefix == "" {
		o.ReplyPrefix = "dataset-creator/replies"
	}
	m := &MQTT{
		opts:    o,
		client:  client,
		replyTo: o.ReplyPrefix + "/" + uuid.NewString(),
		inbox:   newInbox(o.InboxSize, o.Logger),
		log:     o.Logger,
	}

	token := client.Subscribe(m.replyTo, o.QoS, m.onReply)
	if !token.WaitTimeout(subscribeTimeout) {
		return nil, errors.New("reply topic subscription timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("reply topic subscription failed: %w", err)
	}
	m.log.Info("subscribed to reply topic", "topic", m.replyTo, "qos", o.QoS)
	return m, nil
}

// ReplyTo returns the private reply topic.
func (m *MQTT) ReplyTo() string {
	return m.replyTo
}

func (m *MQTT) onReply(_ mqtt.Client, msg mqtt.Message) {
	resp, err := DecodeResponse(msg.Payload())
	if err != nil {
		m.log.Warn("discarding malformed reply", "topic", msg.Topic(), "error", err)
		return
	}
	m.inbox.deliver(resp.Reply())
}

// Publish implements orchestrator.Transport.
func (m *MQTT) Publish(ctx context.Context, payload []byte) (string, error) {
	id := uuid.NewString()
	raw, err := encode(m.opts.request(id, m.replyTo, payload))
	if err != nil {
		return id, err
	}

	token := m.client.Publish(m.opts.Topic, m.opts.QoS, false, raw)
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-timer.C:
		return id, errors.New("publish timeout")
	case <-ctx.Done():
		return id, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return id, fmt.Errorf("publish failed: %w", err)
	}

	m.log.Debug("request published", "topic", m.opts.Topic, "correlation_id", id, "size", len(raw))
	return id, nil
}

// Consume implements orchestrator.Transport.
func (m *MQTT) Consume(ctx context.Context, timeout time.Duration) (orchestrator.Reply, error) {
	return m.inbox.consume(ctx, timeout)
}

// Close unsubscribes and, for clients opened by DialMQTT, disconnects.
func (m *MQTT) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	if m.client.IsConnected() {
		m.client.Unsubscribe(m.replyTo).WaitTimeout(subscribeTimeout)
	}
	if m.owned {
		m.client.Disconnect(250)
		m.log.Info("mqtt disconnected")
	}
	return nil
}

// ServeMQTT answers requests published on topic with h until ctx is done.
// Requests are queued and handled by workers goroutines; when the queue is
// full new requests are dropped and the client eventually reissues them.
func ServeMQTT(ctx context.Context, client mqtt.Client, topic string, qos byte, h Handler, workers int, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan []byte, 64*workers)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case jobs <- msg.Payload():
		default:
			log.Warn("request queue full, dropping request", "topic", msg.Topic())
		}
	}

	log.Info("subscribing to service topic", "topic", topic, "qos", qos)
	token := client.Subscribe(topic, qos, handler)
	if !token.WaitTimeout(subscribeTimeout) {
		return errors.New("service topic subscription timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("service topic subscription failed: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw := <-jobs:
					req, reply, ok := dispatch(ctx, h, raw, log)
					if !ok {
						continue
					}
					if req.ReplyTo == "" {
						log.Warn("request without reply topic", "correlation_id", req.CorrelationID)
						continue
					}
					t := client.Publish(req.ReplyTo, qos, false, reply)
					if !t.WaitTimeout(publishTimeout) {
						log.Warn("reply publish timeout", "correlation_id", req.CorrelationID)
					} else if err := t.Error(); err != nil {
						log.Warn("reply publish failed", "correlation_id", req.CorrelationID, "error", err)
					}
				}
			}
		}()
	}

	<-ctx.Done()
	if client.IsConnected() {
		client.Unsubscribe(topic).WaitTimeout(subscribeTimeout)
	}
	wg.Wait()
	log.Info("service stopped", "topic", topic)
	return nil
}
