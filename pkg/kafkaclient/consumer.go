package kafkaclient

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"docflow/internal/message"
)

// topicConsumer reads one Kafka topic from the first offset. Offsets below
// end, the topic's end offset when the consumer started, are history: they
// only rebuild the retained state. Once the history is read the consumer
// delivers that state and then every live message matching a pattern. With
// end unknown (negative) the high water mark of each message stands in.
type topicConsumer struct {
	topic   string
	reader  KafkaReader
	deliver func(message.Message)
	logger  *slog.Logger
	end     int64

	mu       sync.Mutex
	patterns map[string]struct{}
	retained map[string]kafka.Message
	live     bool

	// a channel to signal a graceful shutdown.
	doneChan chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	// a wait group to ensure the read loop has exited before the reader closes.
	wg sync.WaitGroup
}

func newTopicConsumer(topic string, end int64, reader KafkaReader, deliver func(message.Message), logger *slog.Logger) *topicConsumer {
	return &topicConsumer{
		topic:    topic,
		reader:   reader,
		deliver:  deliver,
		logger:   logger.With("kafka_topic", topic),
		end:      end,
		patterns: make(map[string]struct{}),
		retained: make(map[string]kafka.Message),
		live:     end == 0,
		doneChan: make(chan struct{}),
	}
}

// addPattern registers pattern. On a consumer that is already live, the
// retained messages matching it are replayed.
func (tc *topicConsumer) addPattern(pattern string) {
	tc.mu.Lock()
	_, known := tc.patterns[pattern]
	tc.patterns[pattern] = struct{}{}
	var replay []kafka.Message
	if tc.live && !known {
		replay = tc.retainedMatching(func(key string) bool { return message.Match(pattern, key) })
	}
	tc.mu.Unlock()

	for _, m := range replay {
		tc.deliver(toMessage(m))
	}
}

// removePattern drops pattern and returns how many remain.
func (tc *topicConsumer) removePattern(pattern string) int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.patterns, pattern)
	return len(tc.patterns)
}

func (tc *topicConsumer) matches(key string) bool {
	for p := range tc.patterns {
		if message.Match(p, key) {
			return true
		}
	}
	return false
}

// retainedMatching returns retained messages accepted by keep, oldest first.
// Callers hold tc.mu.
func (tc *topicConsumer) retainedMatching(keep func(string) bool) []kafka.Message {
	var out []kafka.Message
	for key, m := range tc.retained {
		if keep(key) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// handle folds m into the retained state and returns the messages to deliver.
func (tc *topicConsumer) handle(m kafka.Message) []kafka.Message {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	key := string(m.Key)
	if isRetained(m) {
		if len(m.Value) == 0 {
			delete(tc.retained, key)
		} else {
			tc.retained[key] = m
		}
	}

	if tc.live {
		if tc.matches(key) {
			return []kafka.Message{m}
		}
		return nil
	}

	end := tc.end
	if end < 0 {
		end = m.HighWaterMark
	}
	if m.Offset+1 < end {
		return nil
	}
	tc.live = true
	tc.logger.Debug("retained replay complete", "retained", len(tc.retained))
	out := tc.retainedMatching(tc.matches)
	// Past the recorded history m is live; without a recorded end the
	// catch-up message is taken as live too.
	if !isRetained(m) && tc.matches(key) && (tc.end < 0 || m.Offset >= tc.end) {
		out = append(out, m)
	}
	return out
}

// StartConsuming begins the read loop in a separate goroutine.
func (tc *topicConsumer) StartConsuming(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	tc.cancel = cancel

	tc.wg.Add(1)
	go func() {
		defer tc.wg.Done()
		tc.logger.Info("starting kafka consumer loop")

		for {
			select {
			case <-ctx.Done():
				return
			case <-tc.doneChan:
				return
			default:
			}

			msg, err := tc.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || isClosed(err) {
					return
				}
				tc.logger.Error("error reading message", "error", err)
				// Back off to prevent a tight error loop.
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				case <-tc.doneChan:
					return
				}
				continue
			}

			for _, m := range tc.handle(msg) {
				tc.deliver(toMessage(m))
			}
		}
	}()
}

// Stop gracefully shuts down the consumer.
func (tc *topicConsumer) Stop() {
	tc.stopOnce.Do(func() {
		close(tc.doneChan)
		if tc.cancel != nil {
			tc.cancel()
		}
		tc.wg.Wait()
		if err := tc.reader.Close(); err != nil {
			tc.logger.Error("failed to close kafka reader", "error", err)
		}
		tc.logger.Info("kafka consumer stopped")
	})
}
