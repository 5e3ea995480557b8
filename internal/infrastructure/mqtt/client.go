package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/itron-bridge/internal/infrastructure/config"
)

// newPahoClient creates the underlying paho client.
// Overridable in tests to inject a fake broker connection.
var newPahoClient = func(opts *pahomqtt.ClientOptions) pahomqtt.Client {
	return pahomqtt.NewClient(opts)
}

// Client wraps paho.mqtt.golang with Itron bridge-specific functionality.
//
// The client connects lazily: New does not touch the network, and the first
// Publish or Subscribe establishes the broker connection. Reconnection after
// a drop is also driven by the publish path, never by a background loop.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - The connect path is serialised by a single connect lock, so concurrent
//     first publishes result in exactly one broker connect.
//   - Subscriptions are automatically restored on reconnection.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig

	// connMu is the connect lock. It guards connected and the reconnect
	// pacing state, and serialises connection attempts from concurrent
	// publishers.
	connMu    sync.Mutex
	connected bool

	// Reconnect pacing: after a failed attempt, further attempts are
	// refused until nextAttempt, with the wait doubling up to the
	// configured ceiling. Reset on a successful connect.
	reconnectWait time.Duration
	nextAttempt   time.Time

	// subscriptions tracks active subscriptions for re-subscription on reconnect.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	// Watchdog lifecycle (started on first successful connect).
	watchdogOnce sync.Once
	done         chan struct{}
	wg           sync.WaitGroup
	closeOnce    sync.Once

	// logger for warning/error logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked in separate goroutines by the paho library.
// They should not block for extended periods.
type MessageHandler func(topic string, payload []byte) error

// New creates a disconnected client from the given configuration.
// The broker is first contacted when Connect, Publish, or Subscribe is called.
func New(cfg config.MQTTConfig) *Client {
	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)

	c := &Client{
		cfg:           cfg,
		options:       opts,
		subscriptions: make(map[string]subscription),
		done:          make(chan struct{}),
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleConnectionLost(err)
	})

	c.client = newPahoClient(opts)
	return c
}

// Connect establishes the broker connection if one does not already exist.
//
// Connecting while connected is a no-op. Concurrent callers are serialised
// by the connect lock; only the first performs the network connect.
//
// Returns:
//   - error: If the connection attempt fails within the connect timeout
func (c *Client) Connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connectLocked()
}

// connectLocked performs the actual connect. Caller must hold connMu.
func (c *Client) connectLocked() error {
	if c.connected && c.client.IsConnected() {
		return nil
	}

	if wait := time.Until(c.nextAttempt); wait > 0 {
		return fmt.Errorf("%w: reconnect backoff, next attempt in %v",
			ErrConnectionFailed, wait.Round(time.Millisecond))
	}

	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		c.scheduleRetryLocked()
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		c.scheduleRetryLocked()
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// Set connected state immediately after successful connection.
	// The OnConnectHandler callback runs asynchronously and may not have
	// executed yet; it handles subscription restoration and status publishing.
	c.connected = true
	c.reconnectWait = 0
	c.nextAttempt = time.Time{}

	// The watchdog outlives individual connections and is only started once.
	c.watchdogOnce.Do(func() {
		c.startWatchdog()
	})

	return nil
}

// ensureConnected connects if no connection exists. Used by the publish
// and subscribe paths to realise lazy (re)connection.
func (c *Client) ensureConnected() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connectLocked()
}

// scheduleRetryLocked records a failed attempt, doubling the wait before
// the next one up to the configured ceiling. Caller must hold connMu.
func (c *Client) scheduleRetryLocked() {
	if c.reconnectWait <= 0 {
		c.reconnectWait = c.cfg.GetReconnectInitialDelay()
	} else {
		c.reconnectWait *= 2
	}
	if ceiling := c.cfg.GetReconnectMaxDelay(); c.reconnectWait > ceiling {
		c.reconnectWait = ceiling
	}
	c.nextAttempt = time.Now().Add(c.reconnectWait)
}

// handleConnect is called by paho when a connection is established.
func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.restoreSubscriptions()
	c.publishOnlineStatus()
}

// handleConnectionLost is called by paho when the connection drops.
// Reconnection is deliberately not attempted here; the next publish
// re-establishes the connection under the connect lock.
func (c *Client) handleConnectionLost(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	if logger := c.getLogger(); logger != nil {
		logger.Warn("mqtt connection lost", "error", err)
	}
}

// restoreSubscriptions re-subscribes to all tracked topics after reconnect.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for _, sub := range c.subscriptions {
		// Re-subscribe (ignore errors during reconnection)
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))
	}
}

// publishOnlineStatus publishes the bridge's online status to the status topic.
func (c *Client) publishOnlineStatus() {
	payload := buildOnlinePayload(c.cfg.Broker.ClientID)
	c.client.Publish(StatusTopic(), byte(c.cfg.QoS), true, payload)
}

// Close gracefully disconnects from the MQTT broker.
//
// It performs:
//  1. Stops the watchdog and waits for it to finish
//  2. Publishes graceful offline status (different from LWT crash status)
//  3. Disconnects from the broker with a quiesce period
//
// Closing a client that never connected logs and returns nil.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()

	if !c.IsConnected() {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("mqtt close: not connected, skipping disconnect")
		}
		return nil
	}

	token := c.client.Publish(StatusTopic(), byte(c.cfg.QoS), true,
		buildOfflinePayload(c.cfg.Broker.ClientID))
	token.WaitTimeout(defaultPublishTimeout)

	c.client.Disconnect(defaultDisconnectQuiesce)

	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	return nil
}

// HealthCheck verifies the MQTT connection is alive and functioning.
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

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.connected && c.client.IsConnected()
}

// SetLogger sets a logger for warning and error logging.
// If not set, connection and handler errors are silently ignored.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// getLogger returns the current logger (may be nil).
func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and optional logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error",
					"topic", msg.Topic(),
					"error", err,
				)
			}
		}
	}
}
