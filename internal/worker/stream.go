// Package worker contains the standalone loops that move documents between
// message topics and the document store: the ingest pipeline worker, the
// sink worker and the sinklog writer.
package worker

import (
	"context"
	"time"

	"docflow/internal/document"
)

// Source is where a worker fetches delivered documents from.
// *message.Buffer and *message.Channel implement it.
type Source interface {
	Fetch(ctx context.Context, timeout time.Duration, max int) []document.Document
}

// Stream turns a Source into a channel of documents.
//
// It starts a goroutine that:
//  1. Fetches up to max documents, waiting at most poll
//  2. Emits each one on the returned channel
//  3. Repeats until ctx is done
//
// The channel is closed once ctx is done. Documents already fetched when
// ctx ends are dropped, so callers that must not lose work fetch directly.
func Stream(ctx context.Context, src Source, poll time.Duration, max int) <-chan document.Document {
	out := make(chan document.Document)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			for _, doc := range src.Fetch(ctx, poll, max) {
				select {
				case out <- doc:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// detach removes the delivery topic from doc and returns it.
func detach(doc document.Document) string {
	topic := doc.String(document.FieldTopic)
	delete(doc, document.FieldTopic)
	return topic
}
