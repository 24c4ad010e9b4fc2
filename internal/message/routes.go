package message

import (
	"context"
	"fmt"

	"docflow/internal/document"
)

// PublishIngest queues doc for pipeline processing. The message is retained
// until the ingest worker deletes it.
func (c *Channel) PublishIngest(ctx context.Context, doc document.Document) error {
	return c.Publish(ctx, c.names.IngestTopic(doc.DocType(), doc.ID()), doc, true, DefaultQoS)
}

func (c *Channel) SubscribeIngest(ctx context.Context, dest *Buffer) error {
	return c.Subscribe(ctx, c.names.IngestPattern(), dest)
}

// PublishSink queues doc for writing. The message is retained until the sink
// worker deletes it.
func (c *Channel) PublishSink(ctx context.Context, doc document.Document) error {
	return c.Publish(ctx, c.names.SinkTopic(doc.DocType(), doc.ID()), doc, true, DefaultQoS)
}

func (c *Channel) SubscribeSink(ctx context.Context, dest *Buffer) error {
	return c.Subscribe(ctx, c.names.SinkPattern(), dest)
}

// PublishSinklog announces that doc was persisted.
func (c *Channel) PublishSinklog(ctx context.Context, doc document.Document) error {
	return c.Publish(ctx, c.names.SinklogTopic(doc.DocType(), doc.ID()), doc, false, DefaultQoS)
}

func (c *Channel) SubscribeSinklog(ctx context.Context, dest *Buffer) error {
	return c.Subscribe(ctx, c.names.SinklogPattern(), dest)
}

// PublishAnalyticRequest leaves a retained request for an analytic worker.
func (c *Channel) PublishAnalyticRequest(ctx context.Context, req document.Document) error {
	name := req.String(document.FieldAnalyticName)
	session := req.String(document.FieldSessionID)
	if name == "" || session == "" {
		return fmt.Errorf("analytic request needs %s and %s", document.FieldAnalyticName, document.FieldSessionID)
	}
	return c.Publish(ctx, c.names.AnalyticRequestTopic(name, session), req, true, DefaultQoS)
}

func (c *Channel) SubscribeAnalyticRequest(ctx context.Context, dest *Buffer) error {
	return c.Subscribe(ctx, c.names.AnalyticRequestPattern(), dest)
}

// PublishAnalyticStatus sends a status snapshot. Status is not retained.
func (c *Channel) PublishAnalyticStatus(ctx context.Context, status document.Document) error {
	topic := c.names.AnalyticStatusTopic(status.String(document.FieldAnalyticName), status.String(document.FieldSessionID))
	return c.Publish(ctx, topic, status, false, DefaultQoS)
}

// SubscribeAnalyticStatus accepts "+" for analytic or session.
func (c *Channel) SubscribeAnalyticStatus(ctx context.Context, analytic, session string, dest *Buffer) error {
	return c.Subscribe(ctx, c.names.AnalyticStatusPattern(analytic, session), dest)
}

func (c *Channel) UnsubscribeAnalyticStatus(ctx context.Context, analytic, session string) error {
	return c.Unsubscribe(ctx, c.names.AnalyticStatusPattern(analytic, session))
}

func (c *Channel) PublishEvent(ctx context.Context, topic string, doc document.Document) error {
	return c.Publish(ctx, c.names.EventTopic(topic), doc, false, DefaultQoS)
}

// SubscribeEvent takes a pattern relative to the event base, e.g. "jobs/#".
func (c *Channel) SubscribeEvent(ctx context.Context, pattern string, dest *Buffer) error {
	return c.Subscribe(ctx, c.names.EventTopic(pattern), dest)
}
