package mqtt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/eddielth/envnode-ingest/clock"
	"github.com/eddielth/envnode-ingest/config"
	"github.com/eddielth/envnode-ingest/logger"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MessageHandler receives every inbound message. A returned error is
// logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

// HandlerID identifies a registered MessageHandler.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn MessageHandler
}

// attempt is one in-flight connect shared by concurrent Connect callers.
type attempt struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newAttempt() *attempt {
	return &attempt{done: make(chan struct{})}
}

func (a *attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *attempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Option configures a Connection.
type Option func(*Connection)

// WithDialer replaces the paho transport.
func WithDialer(d Dialer) Option {
	return func(c *Connection) { c.dial = d }
}

// WithClock replaces the clock used for reconnect timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Connection) { c.clock = clk }
}

// Connection is the process-wide broker session. It is safe for
// concurrent use.
type Connection struct {
	cfg   config.MQTTConfig
	qos   byte
	dial  Dialer
	clock clock.Clock

	mu        sync.Mutex
	transport Transport
	gen       uint64 // bumped per transport; stale events are dropped
	state     State
	stopping  bool
	pending   *attempt
	timer     *clock.Timer
	nextDelay time.Duration
	topics    []string
	topicSet  map[string]struct{}

	handlersMu sync.RWMutex
	handlers   []handlerEntry
	lastID     HandlerID
}

// NewConnection validates cfg and returns a disconnected Connection.
func NewConnection(cfg config.MQTTConfig, opts ...Option) (*Connection, error) {
	if err := cfg.Reconnect.Validate(); err != nil {
		return nil, err
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		return nil, fmt.Errorf("%w: invalid qos %d", config.ErrConfiguration, cfg.QoS)
	}

	c := &Connection{
		cfg:       cfg,
		qos:       byte(cfg.QoS),
		dial:      NewPahoTransport,
		clock:     clock.Real(),
		nextDelay: cfg.Reconnect.Initial(),
		topicSet:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect establishes the broker session. It returns nil immediately when
// already connected. Concurrent callers share the attempt in flight.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		logger.Debug().Msg("MQTT client already connected")
		return nil
	}
	if p := c.pending; p != nil {
		c.mu.Unlock()
		logger.Debug().Msg("MQTT connection already in progress, waiting")
		return p.wait(ctx)
	}

	c.stopping = false
	c.stopTimerLocked()
	p := newAttempt()
	c.pending = p
	c.state = StateConnecting
	if c.transport == nil {
		c.gen++
		c.transport = c.dial(c.cfg, c.eventsFor(c.gen))
	}
	t := c.transport
	c.mu.Unlock()

	logger.Info().Str("broker", c.cfg.BrokerURL()).Str("client_id", c.cfg.ClientID).Msg("connecting to MQTT broker")

	if err := t.Connect(ctx); err != nil {
		c.mu.Lock()
		if c.pending != p {
			// Disconnect already settled this attempt.
			c.mu.Unlock()
			return p.wait(ctx)
		}
		c.pending = nil
		c.state = StateDisconnected
		c.mu.Unlock()

		err = fmt.Errorf("%w: %s: %w", ErrConnection, c.cfg.BrokerURL(), err)
		p.finish(err)
		logger.Error().Err(err).Msg("failed to connect to MQTT broker")
		return err
	}

	return p.wait(ctx)
}

// Disconnect cancels any pending reconnect, aborts an attempt in flight and
// closes the session. The Connection can be connected again later.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.stopping = true
	c.stopTimerLocked()
	p := c.pending
	c.pending = nil
	t := c.transport
	c.transport = nil
	c.gen++
	c.state = StateDisconnected
	c.nextDelay = c.cfg.Reconnect.Initial()
	c.mu.Unlock()

	if p != nil {
		p.finish(ErrClosed)
	}
	if t == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		t.Disconnect()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("disconnected from MQTT broker")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe adds topic to the desired subscription set and registers
// handler, if non-nil. While disconnected the subscription is queued and
// applied on the next connect.
func (c *Connection) Subscribe(topic string, handler MessageHandler) HandlerID {
	var id HandlerID
	if handler != nil {
		id = c.AddMessageHandler(handler)
	}
	if topic == "" {
		logger.Warn().Msg("ignoring subscription to empty topic")
		return id
	}

	c.mu.Lock()
	if _, ok := c.topicSet[topic]; !ok {
		c.topicSet[topic] = struct{}{}
		c.topics = append(c.topics, topic)
	}
	connected := c.state == StateConnected
	t := c.transport
	c.mu.Unlock()

	if !connected {
		logger.Warn().Str("topic", topic).Msg("MQTT client not connected, subscription queued")
		return id
	}
	c.subscribeOn(t, topic)
	return id
}

// Publish sends payload to topic. Broker-side failures are logged; only a
// missing session is reported to the caller.
func (c *Connection) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	t := c.transport
	c.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	if err := t.Publish(topic, c.qos, payload); err != nil {
		logger.Error().Err(err).Str("topic", topic).Msg("failed to publish MQTT message")
	}
	return nil
}

// AddMessageHandler registers a handler for every inbound message.
func (c *Connection) AddMessageHandler(handler MessageHandler) HandlerID {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.lastID++
	c.handlers = append(c.handlers, handlerEntry{id: c.lastID, fn: handler})
	return c.lastID
}

// RemoveMessageHandler unregisters a handler. Unknown ids are ignored.
func (c *Connection) RemoveMessageHandler(id HandlerID) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	for i, h := range c.handlers {
		if h.id == id {
			c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
			return
		}
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a broker session is up.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// NextReconnectDelay is the delay the next scheduled reconnect will use.
// It grows by the backoff factor on every connection loss, is capped at
// the configured maximum and resets on a successful connect.
func (c *Connection) NextReconnectDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextDelay
}

// Topics returns the desired subscription set in subscription order.
func (c *Connection) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

func (c *Connection) eventsFor(gen uint64) Events {
	return Events{
		OnConnect:        func() { c.handleConnect(gen) },
		OnConnectionLost: func(err error) { c.handleConnectionLost(gen, err) },
		OnMessage: func(topic string, payload []byte) {
			c.mu.Lock()
			stale := gen != c.gen
			c.mu.Unlock()
			if !stale {
				c.dispatch(topic, payload)
			}
		},
	}
}

func (c *Connection) handleConnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.stopping {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.nextDelay = c.cfg.Reconnect.Initial()
	c.stopTimerLocked()
	p := c.pending
	c.pending = nil
	topics := append([]string(nil), c.topics...)
	t := c.transport
	c.mu.Unlock()

	logger.Info().Str("broker", c.cfg.BrokerURL()).Msg("connected to MQTT broker")

	for _, topic := range topics {
		c.subscribeOn(t, topic)
	}
	if p != nil {
		p.finish(nil)
	}
}

func (c *Connection) handleConnectionLost(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.stopping {
		return
	}
	if err == nil {
		err = errors.New("connection closed")
	}
	logger.Warn().Err(err).Msg("MQTT connection lost")

	c.state = StateReconnecting
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the reconnect timer unless one is already
// pending. c.mu must be held.
func (c *Connection) scheduleReconnectLocked() {
	if c.timer != nil {
		return
	}

	delay := c.nextDelay
	next := time.Duration(math.Round(float64(delay) * c.cfg.Reconnect.Factor))
	if limit := c.cfg.Reconnect.Max(); next > limit {
		next = limit
	}
	c.nextDelay = next

	gen := c.gen
	c.timer = c.clock.AfterFunc(delay, func() { c.reconnect(gen) })
	logger.Info().Dur("delay", delay).Msg("scheduled MQTT reconnect")
}

func (c *Connection) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	if c.stopping || c.state == StateConnected || c.transport == nil || c.pending != nil {
		c.mu.Unlock()
		return
	}
	// Connect callers join this attempt instead of dialing in parallel.
	p := newAttempt()
	c.pending = p
	t := c.transport
	c.mu.Unlock()

	logger.Info().Str("broker", c.cfg.BrokerURL()).Msg("MQTT reconnect attempt")
	err := t.Connect(context.Background())
	if err == nil {
		return
	}

	c.mu.Lock()
	owned := c.pending == p
	if owned {
		c.pending = nil
	}
	c.mu.Unlock()
	if !owned {
		// Disconnect settled the attempt.
		return
	}

	p.finish(fmt.Errorf("%w: %s: %w", ErrConnection, c.cfg.BrokerURL(), err))
	c.handleConnectionLost(gen, err)
}

// stopTimerLocked cancels the pending reconnect. c.mu must be held.
func (c *Connection) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Connection) subscribeOn(t Transport, topic string) {
	if t == nil {
		return
	}
	if err := t.Subscribe(topic, c.qos); err != nil {
		logger.Error().Err(err).Str("topic", topic).Msg("failed to subscribe to topic")
		return
	}
	logger.Info().Str("topic", topic).Msg("subscribed to topic")
}

func (c *Connection) dispatch(topic string, payload []byte) {
	c.handlersMu.RLock()
	handlers := make([]handlerEntry, len(c.handlers))
	copy(handlers, c.handlers)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		c.invoke(h, topic, payload)
	}
}

func (c *Connection) invoke(h handlerEntry, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("topic", topic).
				Uint64("handler", uint64(h.id)).
				Msg("MQTT message handler panicked")
		}
	}()

	if err := h.fn(topic, payload); err != nil {
		logger.Warn().Err(err).Str("topic", topic).Msg("MQTT message handler failed")
	}
}
