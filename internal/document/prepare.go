package document

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// PrepareOptions controls how a document is readied for insert.
type PrepareOptions struct {
	AnalyticName string
	SessionID    string
	// Upsert marks the document for merge-on-write.
	Upsert bool
	// Archive skips attribution and timestamp assignment, for replays of
	// previously ingested data.
	Archive bool
	// Now overrides the clock; zero means time.Now.
	Now time.Time
}

// AssignID makes _id and id agree. id wins when both are set; a document
// with neither gets a new random identifier. The resulting id is returned.
func (d Document) AssignID() string {
	switch {
	case d.String(FieldID) != "":
		d[FieldID] = d.String(FieldID)
	case d.String(FieldInternalID) != "":
		d[FieldID] = d.String(FieldInternalID)
	default:
		d[FieldID] = uuid.NewString()
	}
	d[FieldInternalID] = d[FieldID]
	return d.String(FieldID)
}

// Prepare applies identity, attribution and timestamp rules in place.
// Preparing the same document twice leaves its identity unchanged.
func Prepare(d Document, opts PrepareOptions) Document {
	d.AssignID()

	if !opts.Archive {
		d.AddTag(FieldAnalyticName, opts.AnalyticName)
		d.AddTag(FieldSessionID, opts.SessionID)
	}

	if opts.Upsert {
		d[FieldOpType] = OpUpdate
	}

	if !opts.Archive {
		now := opts.Now
		if now.IsZero() {
			now = time.Now()
		}
		ts := FormatTime(now)
		d[FieldUpdated] = ts
		if !d.Has(FieldTimestamp) {
			d[FieldTimestamp] = ts
		}
	}
	return d
}

// Tags returns the string set stored at field. A scalar counts as a
// one-element set.
func (d Document) Tags(field string) []string {
	switch v := d[field].(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{d.String(field)}
}

// AddTag adds tag to the set at field, keeping it sorted and unique.
func (d Document) AddTag(field, tag string) {
	tags := d.Tags(field)
	if tag != "" && !slices.Contains(tags, tag) {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	tags = slices.Compact(tags)
	if len(tags) == 0 {
		if _, ok := d[field]; ok {
			d[field] = []any{}
		}
		return
	}
	out := make([]any, len(tags))
	for i, t := range tags {
		out[i] = t
	}
	d[field] = out
}
