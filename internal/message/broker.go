// Package message provides publish/subscribe over hierarchical topics with
// retained-message semantics and a bounded, time-windowed fetch.
package message

import (
	"context"
	"errors"
)

// Message is one unit on the wire.
type Message struct {
	Topic   string
	Payload []byte
	// Retain keeps the message at the broker until a tombstone (empty
	// payload, Retain set) is published to the same topic.
	Retain bool
	QoS    byte
}

// IsTombstone reports whether the message clears a retained topic.
func (m Message) IsTombstone() bool {
	return m.Retain && len(m.Payload) == 0
}

// Broker is the transport a Channel runs on. Implementations call deliver
// from their own goroutine for every message matching a subscribed pattern,
// replaying matching retained messages on Subscribe.
type Broker interface {
	Connect(ctx context.Context, clientID string, deliver func(Message)) error
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, pattern string) error
	Unsubscribe(ctx context.Context, pattern string) error
	Close() error
}

var (
	// ErrConnectTimeout is returned when the broker cannot be reached in time.
	ErrConnectTimeout = errors.New("message broker connect timeout")
	// ErrNotConnected is returned by operations issued before Connect.
	ErrNotConnected = errors.New("message channel not connected")
	// ErrInvalidPattern is returned for malformed subscription filters.
	ErrInvalidPattern = errors.New("invalid topic pattern")
)
