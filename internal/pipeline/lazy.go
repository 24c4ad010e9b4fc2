package pipeline

import "sync"

// Lazy builds a Pipeline on first use. Concurrent first callers wait for the
// one construction and share its result, including a construction error.
type Lazy struct {
	once  sync.Once
	build func() (*Pipeline, error)
	p     *Pipeline
	err   error
}

func NewLazy(build func() (*Pipeline, error)) *Lazy {
	return &Lazy{build: build}
}

// LazyFrom defers New(cfg, reg, env) until first use.
func LazyFrom(cfg Config, reg *Registry, env Env) *Lazy {
	return NewLazy(func() (*Pipeline, error) { return New(cfg, reg, env) })
}

func (l *Lazy) Get() (*Pipeline, error) {
	l.once.Do(func() {
		l.p, l.err = l.build()
	})
	return l.p, l.err
}
