// Package kafkaclient runs the message channel over Kafka. A hierarchical
// topic a/b/c/d/e is written to the Kafka topic "a.b.c" with the full path as
// the message key; a retained tombstone is a record with a nil value.
// Retained state is rebuilt on subscribe by reading the Kafka topic from the
// first offset, so each Kafka topic is expected to have a single partition.
package kafkaclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"docflow/internal/message"
)

const (
	retainHeader = "retain"
	// topicDepth is how many leading topic levels name the Kafka topic.
	topicDepth = 3
)

// ErrUnsupportedPattern is returned for patterns with a wildcard in the
// levels that select the Kafka topic.
var ErrUnsupportedPattern = errors.New("kafka: pattern must name its first three levels")

// KafkaReader defines the interface for a Kafka message reader.
// This allows for easy mocking in unit tests.
type KafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaWriter is the producing half, mockable the same way.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory opens a reader positioned at the first offset of topic.
type ReaderFactory func(topic string) KafkaReader

// Dialer checks that the cluster is reachable.
type Dialer func(ctx context.Context) error

// EndOffsetFunc returns the offset the next message written to topic will
// get. A topic with no messages has end offset 0.
type EndOffsetFunc func(ctx context.Context, topic string) (int64, error)

// Broker implements message.Broker on Kafka.
type Broker struct {
	writer    KafkaWriter
	newReader ReaderFactory
	dial      Dialer
	endOffset EndOffsetFunc
	logger    *slog.Logger

	mu        sync.Mutex
	deliver   func(message.Message)
	consumers map[string]*topicConsumer
	ctx       context.Context
	cancel    context.CancelFunc
}

var _ message.Broker = (*Broker)(nil)

// New builds a Broker for the given bootstrap brokers.
func New(brokers []string, logger *slog.Logger) *Broker {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	newReader := func(topic string) KafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			Partition:   0,
			StartOffset: kafka.FirstOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     500 * time.Millisecond,
		})
	}
	dial := func(ctx context.Context) error {
		var errs []error
		for _, addr := range brokers {
			conn, err := kafka.DialContext(ctx, "tcp", addr)
			if err == nil {
				return conn.Close()
			}
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	endOffset := func(ctx context.Context, topic string) (int64, error) {
		var errs []error
		for _, addr := range brokers {
			conn, err := kafka.DialLeader(ctx, "tcp", addr, topic, 0)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			off, err := conn.ReadLastOffset()
			conn.Close()
			return off, err
		}
		return 0, errors.Join(errs...)
	}
	return NewWithClients(writer, newReader, dial, endOffset, logger)
}

// NewWithClients builds a Broker from explicit clients, for tests. A nil
// endOffset leaves consumers to find the end of history from each message's
// high water mark.
func NewWithClients(writer KafkaWriter, newReader ReaderFactory, dial Dialer, endOffset EndOffsetFunc, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		writer:    writer,
		newReader: newReader,
		dial:      dial,
		endOffset: endOffset,
		logger:    logger.With("component", "kafka"),
		consumers: make(map[string]*topicConsumer),
	}
}

// KafkaTopic maps a hierarchical topic or pattern to its Kafka topic.
func KafkaTopic(topic string) (string, error) {
	levels := strings.SplitN(topic, "/", topicDepth+1)
	if len(levels) < topicDepth {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedPattern, topic)
	}
	for _, l := range levels[:topicDepth] {
		if l == "" || l == "+" || l == "#" {
			return "", fmt.Errorf("%w: %q", ErrUnsupportedPattern, topic)
		}
	}
	return strings.Join(levels[:topicDepth], "."), nil
}

func (b *Broker) Connect(ctx context.Context, clientID string, deliver func(message.Message)) error {
	if b.dial != nil {
		if err := b.dial(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("dial kafka: %w", err)
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliver = deliver
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.logger.Info("connected to kafka", "client_id", clientID)
	return nil
}

func (b *Broker) Publish(ctx context.Context, msg message.Message) error {
	topic, err := KafkaTopic(msg.Topic)
	if err != nil {
		return err
	}
	km := kafka.Message{
		Topic: topic,
		Key:   []byte(msg.Topic),
		Value: msg.Payload,
	}
	if msg.Retain {
		km.Headers = []kafka.Header{{Key: retainHeader, Value: []byte("1")}}
		if len(msg.Payload) == 0 {
			km.Value = nil
		}
	}
	if err := b.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Subscribe starts a consumer for the pattern's Kafka topic, or adds the
// pattern to a running one and replays its retained messages. A new consumer
// treats every message written after Subscribe as live.
func (b *Broker) Subscribe(ctx context.Context, pattern string) error {
	topic, err := KafkaTopic(pattern)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return message.ErrNotConnected
	}
	if tc, ok := b.consumers[topic]; ok {
		tc.addPattern(pattern)
		return nil
	}
	end := int64(-1)
	if b.endOffset != nil {
		off, err := b.endOffset(ctx, topic)
		if err != nil {
			b.logger.Warn("could not read end offset; using high water marks", "kafka_topic", topic, "error", err)
		} else {
			end = off
		}
	}
	tc := newTopicConsumer(topic, end, b.newReader(topic), b.deliver, b.logger)
	tc.addPattern(pattern)
	b.consumers[topic] = tc
	tc.StartConsuming(b.ctx)
	return nil
}

func (b *Broker) Unsubscribe(_ context.Context, pattern string) error {
	topic, err := KafkaTopic(pattern)
	if err != nil {
		return err
	}

	b.mu.Lock()
	tc, ok := b.consumers[topic]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	if tc.removePattern(pattern) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.consumers, topic)
	b.mu.Unlock()

	tc.Stop()
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	consumers := b.consumers
	b.consumers = make(map[string]*topicConsumer)
	if b.cancel != nil {
		b.cancel()
	}
	b.mu.Unlock()

	for _, tc := range consumers {
		tc.Stop()
	}
	return b.writer.Close()
}

func isRetained(m kafka.Message) bool {
	for _, h := range m.Headers {
		if h.Key == retainHeader {
			return true
		}
	}
	return false
}

func toMessage(m kafka.Message) message.Message {
	return message.Message{
		Topic:   string(m.Key),
		Payload: m.Value,
		Retain:  isRetained(m),
	}
}

// isClosed reports whether err means the reader will never return again.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
