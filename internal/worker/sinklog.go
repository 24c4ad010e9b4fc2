package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"docflow/internal/document"
)

// Appender writes one JSON document per line to {dir}/{basename}-YYYYMMDD.ldjson,
// switching files when the local date changes.
type Appender struct {
	dir      string
	basename string
	now      func() time.Time

	mu   sync.Mutex
	path string
	file *os.File
}

// NewAppender writes into dir, which must exist.
func NewAppender(dir, basename string) (*Appender, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("output directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("output directory doesn't exist: %s", abs)
	}
	if basename == "" {
		basename = "sinklog"
	}
	return &Appender{dir: abs, basename: basename, now: time.Now}, nil
}

// Path is the file the next append goes to.
func (a *Appender) Path() string {
	return filepath.Join(a.dir, fmt.Sprintf("%s-%s.ldjson", a.basename, a.now().Format("20060102")))
}

func (a *Appender) current() (*os.File, error) {
	path := a.Path()
	if a.file != nil && a.path == path {
		return a.file, nil
	}
	if a.file != nil {
		if err := a.file.Close(); err != nil {
			return nil, err
		}
		a.file = nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	a.file, a.path = f, path
	return f, nil
}

func (a *Appender) Append(doc document.Document) error {
	line, err := document.Encode(doc)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := a.current()
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// WriteSinklog appends every document from src until ctx is done.
func WriteSinklog(ctx context.Context, src Source, a *Appender, fetchSize int, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sinklog-writer")
	logger.Info("writing sinklog", "path", a.Path())

	var written int
	flushed := time.Now()
	for doc := range Stream(ctx, src, time.Second, fetchSize) {
		if err := a.Append(doc); err != nil {
			return err
		}
		written++
		if time.Since(flushed) >= 10*time.Second {
			logger.Info("wrote logs", "count", written)
			written, flushed = 0, time.Now()
		}
	}
	if written > 0 {
		logger.Info("wrote logs", "count", written)
	}
	return nil
}
