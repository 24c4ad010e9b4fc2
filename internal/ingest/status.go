package ingest

import (
	"context"
	"errors"
	"time"

	"docflow/internal/document"
)

// Status record fields.
const (
	FieldStarted     = "started"
	FieldFinished    = "finished"
	FieldError       = "error"
	FieldMessage     = "message"
	FieldInputStats  = "input_stats"
	FieldOutputStats = "output_stats"
	FieldParameters  = document.FieldParameters
	FieldParent      = "parent"
	FieldStartTime   = "analytic_start_time"
	FieldFinishTime  = "analytic_finish_time"
	FieldDuration    = "analytic_compute_duration_seconds"
	FieldResults     = "results"
)

func newStatus(analyticName, sessionID string) document.Document {
	return document.Document{
		document.FieldAnalyticName: analyticName,
		document.FieldSessionID:    sessionID,
		FieldStarted:               false,
		FieldFinished:              false,
		FieldInputStats:            map[string]any{},
		FieldOutputStats:           map[string]any{},
		FieldError:                 false,
		FieldMessage:               nil,
		FieldParameters:            map[string]any{},
	}
}

// Status returns a copy of the current status record.
func (c *Coordinator) Status() document.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// snapshot copies the status; mu must be held.
func (c *Coordinator) snapshot() document.Document {
	s := c.status.Clone()
	if c.resultsInStatus {
		results := make([]any, len(c.results))
		for i, r := range c.results {
			results[i] = map[string]any(r.Clone())
		}
		s[FieldResults] = results
	}
	return s
}

// IncludeResultsInStatus makes Result keep a copy of every document it
// accepts and report them in the status record.
func (c *Coordinator) IncludeResultsInStatus(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resultsInStatus = on
	c.results = nil
}

// Results returns the documents captured since IncludeResultsInStatus.
func (c *Coordinator) Results() []document.Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]document.Document(nil), c.results...)
}

func (c *Coordinator) countOutput(doc document.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bump(c.status.Map(FieldOutputStats), doc.DocType())
	if c.resultsInStatus {
		c.results = append(c.results, doc.Clone())
	}
}

func (c *Coordinator) countInput(docType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bump(c.status.Map(FieldInputStats), docType)
}

func bump(stats map[string]any, docType string) {
	n, _ := stats[docType].(int)
	stats[docType] = n + 1
}

// ReportStatus publishes a status snapshot, and with write also stores it in
// the analytic's collection. A non-empty message replaces the status message.
func (c *Coordinator) ReportStatus(ctx context.Context, write bool, message string) error {
	c.mu.Lock()
	now := time.Now()
	c.status[document.FieldTimestamp] = document.FormatTime(now)
	c.status[FieldDuration] = now.Sub(c.start).Seconds()
	if message != "" {
		c.status[FieldMessage] = message
	}
	snap := c.snapshot()
	c.mu.Unlock()

	var errs []error
	if c.channel != nil {
		if err := c.channel.PublishAnalyticStatus(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	if write && c.store != nil {
		if err := c.store.WriteAnalyticStatus(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Error("failed to report status", "error", err)
		return err
	}
	return nil
}

// Started resets the counters and reports the run as started.
func (c *Coordinator) Started(ctx context.Context) error {
	c.mu.Lock()
	c.start = time.Now()
	c.status[FieldInputStats] = map[string]any{}
	c.status[FieldOutputStats] = map[string]any{}
	c.status[FieldError] = false
	c.status[FieldMessage] = nil
	c.status[FieldFinishTime] = nil
	c.status[FieldFinished] = false
	c.status[FieldDuration] = nil
	c.status[FieldStarted] = true
	c.status[FieldStartTime] = document.FormatTime(c.start)
	c.mu.Unlock()
	return c.ReportStatus(ctx, true, "")
}

// Finished reports the run as finished.
func (c *Coordinator) Finished(ctx context.Context) error {
	c.mu.Lock()
	finish := time.Now()
	c.status[FieldFinishTime] = document.FormatTime(finish)
	c.status[FieldFinished] = true
	c.mu.Unlock()
	return c.ReportStatus(ctx, true, "")
}

// Error marks the run as failed with message.
func (c *Coordinator) Error(ctx context.Context, message string) error {
	c.mu.Lock()
	c.status[FieldError] = true
	c.status[FieldMessage] = message
	c.mu.Unlock()
	return c.ReportStatus(ctx, true, "")
}

// SetStatus sets an extra field on the status record.
func (c *Coordinator) SetStatus(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[key] = value
}
