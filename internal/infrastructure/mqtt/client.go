package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-ramses/internal/infrastructure/config"
)

// Client is the bridge's single broker connection. It is safe for
// concurrent use and renews its subscriptions after every reconnect.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig

	connected atomic.Bool

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is satisfied by *logging.Logger and *slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Will is the message the broker publishes for the bridge when the
// connection drops without a clean Close.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Connect dials the broker and blocks until the first connection is up
// or defaultConnectTimeout passes. will may be nil. Later drops are
// retried by paho in the background with the configured backoff.
func Connect(cfg config.MQTTConfig, will *Will) (*Client, error) {
	c := newClient(cfg, will)
	c.client = pahomqtt.NewClient(c.options)

	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: %s did not answer within %v", ErrConnectionFailed, brokerURL(cfg), defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, brokerURL(cfg), err)
	}

	// The OnConnect handler may still be queued.
	c.connected.Store(true)
	return c, nil
}

func newClient(cfg config.MQTTConfig, will *Will) *Client {
	c := &Client{
		cfg:           cfg,
		subscriptions: make(map[string]subscription),
	}

	c.options = buildClientOptions(cfg)
	configureWill(c.options, will)
	c.options.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	c.options.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	return c
}

func (c *Client) handleConnect() {
	c.connected.Store(true)
	c.restoreSubscriptions()

	c.callbackMu.RLock()
	fn := c.onConnect
	c.callbackMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connected.Store(false)

	c.callbackMu.RLock()
	fn := c.onDisconnect
	c.callbackMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// restoreSubscriptions renews every remembered subscription. A clean
// session starts with none on the broker side. Failures are logged; the
// next reconnect tries again.
func (c *Client) restoreSubscriptions() {
	if c.client == nil {
		return
	}

	c.subMu.RLock()
	subs := make(map[string]subscription, len(c.subscriptions))
	for topic, sub := range c.subscriptions {
		subs[topic] = sub
	}
	c.subMu.RUnlock()
	if len(subs) == 0 {
		return
	}

	log := c.getLogger()
	var failed int
	for topic, sub := range subs {
		// paho's callbacks run on its own goroutine so waiting here is safe.
		if err := await(c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler)), ErrSubscribeFailed); err != nil {
			failed++
			if log != nil {
				log.Warn("mqtt resubscribe failed", "topic", topic, "error", err)
			}
		}
	}
	if log != nil {
		log.Info("mqtt subscriptions restored", "count", len(subs)-failed, "failed", failed)
	}
}

// Close disconnects after a short quiesce. A clean disconnect does not
// fire the Will, so callers publish their offline status before closing.
func (c *Client) Close() error {
	c.connected.Store(false)
	if c.client != nil {
		c.client.Disconnect(defaultDisconnectQuiesce)
	}
	return nil
}

// HealthCheck reports ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the last known connection state is up
// and paho agrees.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// SetOnConnect sets fn to run after every successful (re)connect, once
// subscriptions have been renewed. nil clears it.
func (c *Client) SetOnConnect(fn func()) {
	c.callbackMu.Lock()
	c.onConnect = fn
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets fn to run when the connection is lost. It is not
// called for Close.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = fn
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for handler failures and reconnect notes.
// Without one they are dropped.
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
