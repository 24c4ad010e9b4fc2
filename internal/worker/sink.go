package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"docflow/internal/docstore"
	"docflow/internal/document"
	"docflow/internal/message"
)

// SinkWorker writes documents from the sink topic to the store. A sink
// request is cleared only after its document was stored or diverted, so a
// failed flush leaves it retained for redelivery.
type SinkWorker struct {
	channel   *message.Channel
	store     *docstore.Store
	buffer    *message.Buffer
	fetchSize int
	poll      time.Duration
	logger    *slog.Logger
	total     int
}

func NewSinkWorker(ch *message.Channel, store *docstore.Store, fetchSize int, poll time.Duration, logger *slog.Logger) *SinkWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if fetchSize < 1 {
		fetchSize = 1000
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &SinkWorker{
		channel:   ch,
		store:     store,
		buffer:    ch.NewBuffer(),
		fetchSize: fetchSize,
		poll:      poll,
		logger:    logger.With("component", "sink-worker"),
	}
}

// Run creates the configured collections, subscribes to the sink topic and
// stores documents until ctx is done.
func (w *SinkWorker) Run(ctx context.Context) error {
	if err := w.store.InitIndexes(ctx); err != nil {
		return fmt.Errorf("init indexes: %w", err)
	}
	if err := w.channel.SubscribeSink(ctx, w.buffer); err != nil {
		return fmt.Errorf("subscribe sink: %w", err)
	}
	w.logger.Info("ready for sink", "fetch_size", w.fetchSize)

	for ctx.Err() == nil {
		fetched := w.buffer.Fetch(ctx, w.poll, w.fetchSize)
		if len(fetched) == 0 {
			continue
		}
		w.Drain(context.WithoutCancel(ctx), fetched)
	}
	return nil
}

// Drain stores one fetched batch and acknowledges what was handled: the
// retained sink request is deleted for stored and diverted documents, and
// stored documents are announced on the sinklog.
func (w *SinkWorker) Drain(ctx context.Context, fetched []document.Document) {
	// Documents sharing a ref (several without an id, say) queue their
	// topics in fetch order, which is the order the store reports them in.
	topics := make(map[document.Ref][]string, len(fetched))
	var handled []docstore.ItemResult

	for _, doc := range fetched {
		ref := doc.Ref()
		topics[ref] = append(topics[ref], detach(doc))
		w.store.Enqueue(doc)
		if w.store.IsTimeToFlush() {
			handled = append(handled, w.flush(ctx)...)
		}
	}
	handled = append(handled, w.flush(ctx)...)

	acked := 0
	for _, it := range handled {
		ref := it.Doc.Ref()
		var topic string
		if queued := topics[ref]; len(queued) > 0 {
			topic, topics[ref] = queued[0], queued[1:]
		}
		if it.Outcome == docstore.Fatal {
			continue
		}
		acked++
		if topic != "" {
			if err := w.channel.DeleteRetainedTopic(ctx, topic); err != nil {
				w.logger.Error("failed to clear sink request", "topic", topic, "error", err)
			}
		}
		if it.Outcome != docstore.Stored {
			continue
		}
		if err := w.channel.PublishSinklog(ctx, it.Doc); err != nil {
			w.logger.Error("failed to publish sinklog", "doc", ref.String(), "error", err)
		}
	}
	w.total += acked
	w.logger.Info("flushed", "documents", acked, "total", w.total)
}

// flush writes the store buffer and returns every item's result. Fatal items
// keep their requests retained.
func (w *SinkWorker) flush(ctx context.Context) []docstore.ItemResult {
	res, err := w.store.Flush(ctx, docstore.StoreOptions{})
	if err != nil {
		w.logger.Error("flush failed, leaving requests retained", "error", err)
	}
	return res.Items
}
