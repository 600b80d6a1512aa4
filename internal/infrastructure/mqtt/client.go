package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/biotinker/viam-homeassistant/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang for the bridge.
//
// It owns the broker session, the retained status topic and the set of
// subscriptions, which are replayed after every reconnect.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	status Status

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	onConnect    []func()
	onDisconnect []func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is the subset of logging.Logger the client needs.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers run on paho's goroutines and should return quickly. A returned
// error is logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

// Connect establishes a connection to the MQTT broker.
//
// It performs the following setup:
//  1. Builds connection options from config (broker URL, auth, TLS)
//  2. Registers status.Offline as the Last Will on status.Topic
//  3. Waits up to 10s for the first connection
//  4. Publishes status.Online, and again after each reconnect
//
// Parameters:
//   - cfg: MQTT configuration
//   - status: Retained status topic; an empty Topic disables it
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: wraps ErrConnectionFailed if the broker cannot be reached
func Connect(cfg config.MQTTConfig, status Status) (*Client, error) {
	status = status.withDefaults()
	opts := buildClientOptions(cfg)
	configureLWT(opts, status)

	c := &Client{
		cfg:           cfg,
		status:        status,
		subscriptions: make(map[string]subscription),
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously; mark connected here so
	// callers can publish straight away.
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	return c, nil
}

func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.restoreSubscriptions()
	c.publishStatus(c.status.Online)

	c.callbackMu.RLock()
	callbacks := append([]func(){}, c.onConnect...)
	c.callbackMu.RUnlock()
	for _, cb := range callbacks {
		cb()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	if logger := c.getLogger(); logger != nil {
		logger.Warn("mqtt connection lost", "error", err)
	}

	c.callbackMu.RLock()
	callbacks := append([]func(error){}, c.onDisconnect...)
	c.callbackMu.RUnlock()
	for _, cb := range callbacks {
		cb(err)
	}
}

// restoreSubscriptions re-subscribes to all tracked topics after reconnect.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler)) //nolint:errcheck // Failures resurface on next reconnect
	}
}

func (c *Client) publishStatus(payload string) {
	if c.status.Topic == "" {
		return
	}
	token := c.client.Publish(c.status.Topic, byte(c.cfg.QoS), true, payload)
	if !token.WaitTimeout(defaultPublishTimeout) || token.Error() != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("publishing mqtt status failed", "topic", c.status.Topic, "payload", payload, "error", token.Error())
		}
	}
}

// Close publishes the offline status and disconnects.
//
// Returns:
//   - error: always nil; a closed connection is not an error
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		c.publishStatus(c.status.Offline)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	return nil
}

// HealthCheck returns ErrNotConnected when the broker session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// StatusTopic returns the retained status topic, or "" when disabled.
func (c *Client) StatusTopic() string {
	return c.status.Topic
}

// OnConnect registers a callback run after every (re)connect, once
// subscriptions are restored and the online status is published.
func (c *Client) OnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = append(c.onConnect, callback)
	c.callbackMu.Unlock()
}

// OnDisconnect registers a callback run when the connection is lost.
func (c *Client) OnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = append(c.onDisconnect, callback)
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for handler errors and panics.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.deliver(handler, msg.Topic(), msg.Payload())
	}
}

func (c *Client) deliver(handler MessageHandler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Error("mqtt handler panic recovered", "topic", topic, "panic", r)
			}
		}
	}()

	if err := handler(topic, payload); err != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("mqtt handler returned error", "topic", topic, "error", err)
		}
	}
}
