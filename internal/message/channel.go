package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"docflow/internal/document"
	"docflow/internal/keys"
)

const (
	DefaultConnectTimeout = 60 * time.Second
	// QoS used for every publish the channel makes on its own behalf.
	DefaultQoS byte = 1
)

// Channel routes broker deliveries into destination buffers by topic
// pattern and publishes documents under the configured topic names.
type Channel struct {
	broker         Broker
	names          keys.Names
	logger         *slog.Logger
	connectTimeout time.Duration
	bufferCapacity int
	defaultBuffer  *Buffer
	now            func() time.Time

	mu   sync.RWMutex
	subs map[string][]*Buffer

	connected atomic.Bool
}

// Option configures a Channel.
type Option func(*Channel)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithBufferCapacity bounds the default buffer and buffers made by NewBuffer.
func WithBufferCapacity(n int) Option {
	return func(c *Channel) {
		c.bufferCapacity = n
	}
}

func NewChannel(broker Broker, names keys.Names, opts ...Option) *Channel {
	c := &Channel{
		broker:         broker,
		names:          names,
		logger:         slog.Default(),
		connectTimeout: DefaultConnectTimeout,
		subs:           make(map[string][]*Buffer),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "message")
	c.defaultBuffer = NewBuffer(c.bufferCapacity, c.logger)
	return c
}

// Names returns the topic naming the channel publishes under.
func (c *Channel) Names() keys.Names { return c.names }

// NewBuffer makes a destination buffer with the channel's capacity.
func (c *Channel) NewBuffer() *Buffer {
	return NewBuffer(c.bufferCapacity, c.logger)
}

// Buffer is the destination used when Subscribe is given none.
func (c *Channel) Buffer() *Buffer { return c.defaultBuffer }

// Connect opens the broker connection. It fails with ErrConnectTimeout when
// the broker does not answer within the connect timeout; callers should treat
// that as fatal.
func (c *Channel) Connect(ctx context.Context, clientID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	if err := c.broker.Connect(ctx, clientID, c.deliver); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %w", ErrConnectTimeout, c.connectTimeout, err)
		}
		return fmt.Errorf("connect message broker: %w", err)
	}
	c.connected.Store(true)
	c.logger.Info("connected", "client_id", clientID)
	return nil
}

// Subscribe routes messages matching pattern into dest, or the default buffer
// when dest is nil. Several destinations may share a pattern. The broker
// replays retained messages once per pattern, on its first subscription; a
// destination added to a pattern already subscribed receives only later
// deliveries. Subscribe each destination to its own pattern when it needs
// the retained state.
func (c *Channel) Subscribe(ctx context.Context, pattern string, dest *Buffer) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if !ValidPattern(pattern) {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	if dest == nil {
		dest = c.defaultBuffer
	}

	c.mu.Lock()
	dests, known := c.subs[pattern]
	if !slices.Contains(dests, dest) {
		c.subs[pattern] = append(dests, dest)
	}
	c.mu.Unlock()

	if known {
		return nil
	}
	if err := c.broker.Subscribe(ctx, pattern); err != nil {
		c.mu.Lock()
		delete(c.subs, pattern)
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}
	c.logger.Info("subscribed", "pattern", pattern)
	return nil
}

// Unsubscribe removes routing for pattern. Buffers keep whatever was already
// delivered to them.
func (c *Channel) Unsubscribe(ctx context.Context, pattern string) error {
	c.mu.Lock()
	_, known := c.subs[pattern]
	delete(c.subs, pattern)
	c.mu.Unlock()

	if !known {
		return nil
	}
	if err := c.broker.Unsubscribe(ctx, pattern); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", pattern, err)
	}
	return nil
}

// Publish serializes doc to topic.
func (c *Channel) Publish(ctx context.Context, topic string, doc document.Document, retain bool, qos byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	payload, err := document.Encode(doc)
	if err != nil {
		return err
	}
	msg := Message{Topic: topic, Payload: payload, Retain: retain, QoS: qos}
	if err := c.broker.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	c.logger.Debug("published", "topic", topic, "retain", retain)
	return nil
}

// DeleteRetainedTopic clears the retained message at topic, marking the unit
// of work it represents as done.
func (c *Channel) DeleteRetainedTopic(ctx context.Context, topic string) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	if err := c.broker.Publish(ctx, Message{Topic: topic, Retain: true, QoS: DefaultQoS}); err != nil {
		return fmt.Errorf("delete retained %s: %w", topic, err)
	}
	return nil
}

// Fetch drains the default buffer; see Buffer.Fetch.
func (c *Channel) Fetch(ctx context.Context, timeout time.Duration, max int) []document.Document {
	return c.defaultBuffer.Fetch(ctx, timeout, max)
}

func (c *Channel) Close() error {
	c.connected.Store(false)
	return c.broker.Close()
}

// deliver runs on the broker's goroutine.
func (c *Channel) deliver(msg Message) {
	if len(msg.Payload) == 0 {
		return
	}
	doc, err := document.Decode(msg.Payload)
	if err != nil {
		c.logger.Warn("dropping undecodable message", "topic", msg.Topic, "error", err)
		return
	}
	doc[document.FieldTopic] = msg.Topic
	if !doc.Has(document.FieldTimestamp) {
		doc[document.FieldTimestamp] = document.FormatTime(c.now())
	}

	c.mu.RLock()
	var dests []*Buffer
	for pattern, bufs := range c.subs {
		if !Match(pattern, msg.Topic) {
			continue
		}
		for _, b := range bufs {
			if !slices.Contains(dests, b) {
				dests = append(dests, b)
			}
		}
	}
	c.mu.RUnlock()

	// Every destination but the last gets its own copy.
	for i, b := range dests {
		if i == len(dests)-1 {
			b.Put(doc)
			continue
		}
		b.Put(doc.Clone())
	}
}
