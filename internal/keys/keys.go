// Package keys builds the names the system shares with its backing services:
// message topics, document collections and artifact object paths.
package keys

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Names holds the prefix, tenant and topic bases every name derives from.
type Names struct {
	Prefix  string
	Tenant  string
	Ingest  string
	Sink    string
	Sinklog string
	// TimePartitioned appends a -YYYYMMDD suffix to document collections.
	TimePartitioned bool
}

// Default returns the names used when nothing is configured.
func Default() Names {
	return Names{
		Prefix:  "docflow",
		Tenant:  "default",
		Ingest:  "ingest",
		Sink:    "sink",
		Sinklog: "sinklog",
	}
}

func (n Names) base() string {
	return n.Prefix + "/" + n.Tenant
}

// IngestTopic is where a document waits for pipeline processing.
func (n Names) IngestTopic(docType, id string) string {
	return fmt.Sprintf("%s/%s/%s/%s", n.base(), n.Ingest, Escape(docType), Escape(id))
}

func (n Names) IngestPattern() string {
	return fmt.Sprintf("%s/%s/#", n.base(), n.Ingest)
}

// SinkTopic is where a processed document waits to be written.
func (n Names) SinkTopic(docType, id string) string {
	return fmt.Sprintf("%s/%s/%s/%s", n.base(), n.Sink, Escape(docType), Escape(id))
}

func (n Names) SinkPattern() string {
	return fmt.Sprintf("%s/%s/#", n.base(), n.Sink)
}

// SinklogTopic carries the audit record of a persisted write.
func (n Names) SinklogTopic(docType, id string) string {
	return fmt.Sprintf("%s/%s/%s/%s", n.base(), n.Sinklog, Escape(docType), Escape(id))
}

func (n Names) SinklogPattern() string {
	return fmt.Sprintf("%s/%s/#", n.base(), n.Sinklog)
}

func (n Names) AnalyticRequestTopic(analytic, session string) string {
	return fmt.Sprintf("%s/analytic/request/%s/%s", n.base(), Escape(analytic), Escape(session))
}

func (n Names) AnalyticRequestPattern() string {
	return n.base() + "/analytic/request/#"
}

func (n Names) AnalyticStatusTopic(analytic, session string) string {
	return fmt.Sprintf("%s/analytic/status/%s/%s", n.base(), Escape(analytic), Escape(session))
}

// AnalyticStatusPattern accepts "+" for either argument.
func (n Names) AnalyticStatusPattern(analytic, session string) string {
	return fmt.Sprintf("%s/analytic/status/%s/%s", n.base(), wildcardOrEscape(analytic), wildcardOrEscape(session))
}

// EventTopic keeps the slashes of topic so callers can build hierarchies.
func (n Names) EventTopic(topic string) string {
	return n.base() + "/event/" + topic
}

// Collection names the document collection for docType written at t.
func (n Names) Collection(docType string, t time.Time) string {
	name := n.DocumentCollectionBase() + lower(docType)
	if n.TimePartitioned {
		name += "-" + t.UTC().Format("20060102")
	}
	return name
}

// DocumentCollectionBase prefixes every document collection.
func (n Names) DocumentCollectionBase() string {
	return fmt.Sprintf("%s-%s-document-", n.Prefix, n.Tenant)
}

// CollectionStem is the collection name without any time suffix.
func (n Names) CollectionStem(docType string) string {
	return n.DocumentCollectionBase() + lower(docType)
}

// ErrorCollection holds documents diverted for the given reason.
func (n Names) ErrorCollection(kind string) string {
	return fmt.Sprintf("%s-%s-error-%s", n.Prefix, n.Tenant, lower(kind))
}

// AnalyticCollection holds status records of one analytic.
func (n Names) AnalyticCollection(analytic string) string {
	return fmt.Sprintf("%s-%s-analytic-%s", n.Prefix, n.Tenant, lower(analytic))
}

// ArtifactPath is the object path of a document's artifact.
func (n Names) ArtifactPath(docType, id, artifactType string) string {
	return fmt.Sprintf("%s/artifacts/%s/%s/%s", n.Tenant, Escape(docType), Escape(id), Escape(artifactType))
}

// lower folds case the same way for every collection name. A Caser keeps
// state, so each call builds its own.
func lower(s string) string {
	return cases.Lower(language.Und).String(s)
}

func wildcardOrEscape(s string) string {
	if s == "+" || s == "#" {
		return s
	}
	return Escape(s)
}

const hexDigits = "0123456789ABCDEF"

// Escape percent-encodes s so it fits in one topic or path level. Only
// unreserved URL characters are kept, which also removes the / + # topic
// metacharacters.
func Escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&15])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}
