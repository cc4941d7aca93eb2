package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"atlas-gateway/internal/config"
	"atlas-gateway/internal/metrics"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

// Handler receives the payload of a subscribed topic.
type Handler func(payload []byte)

type Client struct {
	client    mqtt.Client
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	mu        sync.RWMutex
	connected bool

	subMu sync.Mutex
	subs  map[string]Handler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClient builds a client for the configured broker. m may be nil.
func NewClient(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MQTTQoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.MQTTQoS)
	}
	c := &Client{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		subs:    map[string]Handler{},
		stopCh:  make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)

	// Session settings
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// A clean session loses subscriptions, so they are renewed on every connect.
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		c.resubscribe()
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect establishes connection to the MQTT broker.
// This function waits for the initial connection, and respects ctx and Disconnect().
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return fmt.Errorf("client stopped")
	default:
	}

	if c.IsConnected() {
		return nil
	}

	// With ConnectRetry(true) paho keeps retrying internally until it succeeds.
	token := c.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return fmt.Errorf("client stopped")
		default:
		}
	}
}

// Advertise registers an outgoing topic. Messages published on the returned
// channel queue in a backlog of depth entries and are sent in order by a
// background goroutine until Disconnect.
func (c *Client) Advertise(topic string, depth int) (*Channel, error) {
	if err := validateTopic(topic, false); err != nil {
		return nil, err
	}
	select {
	case <-c.stopCh:
		return nil, fmt.Errorf("client stopped")
	default:
	}

	ch := newChannel(topic, depth, c, c.logger)
	if c.metrics != nil {
		drops := c.metrics.BacklogDrops.WithLabelValues(topic)
		ch.onDrop = drops.Inc
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ch.run(c.stopCh)
	}()

	c.logger.Info("advertised topic", "topic", topic, "depth", ch.backlog.Cap())
	return ch, nil
}

// Subscribe routes messages on topic to handler. The subscription is kept
// across reconnects.
func (c *Client) Subscribe(topic string, handler Handler) error {
	if err := validateTopic(topic, true); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("subscribe %s: nil handler", topic)
	}

	c.subMu.Lock()
	c.subs[topic] = handler
	c.subMu.Unlock()

	if !c.IsConnected() {
		c.logger.Debug("subscription deferred until connected", "topic", topic)
		return nil
	}
	return c.subscribe(topic, handler)
}

func (c *Client) subscribe(topic string, handler Handler) error {
	token := c.client.Subscribe(topic, c.cfg.MQTTQoS, func(_ mqtt.Client, msg mqtt.Message) {
		c.logger.Debug("received mqtt message", "topic", msg.Topic(), "size", len(msg.Payload()))
		handler(msg.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	c.logger.Info("subscribed to mqtt topic", "topic", topic, "qos", c.cfg.MQTTQoS)
	return nil
}

// resubscribe runs from the paho connect callback.
func (c *Client) resubscribe() {
	c.subMu.Lock()
	subs := make(map[string]Handler, len(c.subs))
	for topic, h := range c.subs {
		subs[topic] = h
	}
	c.subMu.Unlock()

	for topic, h := range subs {
		if err := c.subscribe(topic, h); err != nil {
			c.logger.Error("mqtt resubscribe failed", "topic", topic, "error", err)
		}
	}
}

// PublishRetained sends v as JSON with the retain flag, waiting for the broker.
func (c *Client) PublishRetained(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	if !c.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}
	return c.publish(topic, true, data)
}

func (c *Client) publish(topic string, retained bool, payload []byte) error {
	token := c.client.Publish(topic, c.cfg.MQTTQoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the channel goroutines and closes the MQTT connection.
// Idempotent and safe to call multiple times.
// After Disconnect, Connect() will return "client stopped".
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	// Paho Disconnect quiesces in-flight work for the given ms.
	if c.client != nil {
		c.client.Disconnect(250)
	}

	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
