// Package memory is an in-process message broker with retained-topic
// semantics. Clients of one Server see each other's messages.
package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"

	"docflow/internal/message"
)

var ErrClosed = errors.New("memory broker: client closed")

// Server holds retained messages and the connected clients.
type Server struct {
	mu          sync.Mutex
	retained    map[string]message.Message
	clients     map[*Client]struct{}
	unavailable chan struct{}
}

func NewServer() *Server {
	return &Server{
		retained: make(map[string]message.Message),
		clients:  make(map[*Client]struct{}),
	}
}

// SetAvailable toggles whether Connect succeeds. An unavailable server makes
// Connect block until its context ends.
func (s *Server) SetAvailable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case ok && s.unavailable != nil:
		close(s.unavailable)
		s.unavailable = nil
	case !ok && s.unavailable == nil:
		s.unavailable = make(chan struct{})
	}
}

// Retained returns the retained message at topic, if any.
func (s *Server) Retained(topic string) (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.retained[topic]
	return m, ok
}

// RetainedTopics lists retained topics matching pattern.
func (s *Server) RetainedTopics(pattern string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for t := range s.retained {
		if message.Match(pattern, t) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// NewClient returns an unconnected client of s.
func (s *Server) NewClient() *Client {
	return &Client{
		srv:      s,
		patterns: make(map[string]struct{}),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *Server) publish(msg message.Message) {
	s.mu.Lock()
	if msg.Retain {
		if len(msg.Payload) == 0 {
			delete(s.retained, msg.Topic)
		} else {
			s.retained[msg.Topic] = msg
		}
	}
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	// Live delivery does not carry the retain flag, as in MQTT.
	live := msg
	live.Retain = false
	for _, c := range clients {
		if c.matches(msg.Topic) {
			c.enqueue(live)
		}
	}
}

// Client implements message.Broker against a Server.
type Client struct {
	srv *Server

	mu       sync.Mutex
	patterns map[string]struct{}
	queue    []message.Message
	deliver  func(message.Message)
	closed   bool

	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ message.Broker = (*Client)(nil)

func (c *Client) Connect(ctx context.Context, _ string, deliver func(message.Message)) error {
	c.srv.mu.Lock()
	wait := c.srv.unavailable
	c.srv.mu.Unlock()
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	c.deliver = deliver
	c.mu.Unlock()

	c.srv.mu.Lock()
	c.srv.clients[c] = struct{}{}
	c.srv.mu.Unlock()

	c.wg.Add(1)
	go c.loop()
	return nil
}

func (c *Client) Publish(_ context.Context, msg message.Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.srv.publish(msg)
	return nil
}

// Subscribe replays retained messages matching pattern, in topic order.
func (c *Client) Subscribe(_ context.Context, pattern string) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.mu.Lock()
	c.patterns[pattern] = struct{}{}
	c.mu.Unlock()

	c.srv.mu.Lock()
	var replay []message.Message
	for t, m := range c.srv.retained {
		if message.Match(pattern, t) {
			replay = append(replay, m)
		}
	}
	c.srv.mu.Unlock()

	slices.SortFunc(replay, func(a, b message.Message) int {
		switch {
		case a.Topic < b.Topic:
			return -1
		case a.Topic > b.Topic:
			return 1
		}
		return 0
	})
	for _, m := range replay {
		c.enqueue(m)
	}
	return nil
}

func (c *Client) Unsubscribe(_ context.Context, pattern string) error {
	c.mu.Lock()
	delete(c.patterns, pattern)
	c.mu.Unlock()
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.srv.mu.Lock()
	delete(c.srv.clients, c)
	c.srv.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) matches(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.patterns {
		if message.Match(p, topic) {
			return true
		}
	}
	return false
}

func (c *Client) enqueue(msg message.Message) {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// loop hands queued messages to deliver, one at a time, in order.
func (c *Client) loop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		deliver := c.deliver
		c.mu.Unlock()

		for _, m := range batch {
			deliver(m)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-c.signal:
		case <-c.done:
			return
		}
	}
}
