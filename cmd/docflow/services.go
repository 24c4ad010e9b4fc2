package main

import (
	"context"
	"fmt"
	"log/slog"

	"docflow/internal/analytic"
	"docflow/internal/config"
	"docflow/internal/docstore"
	docbadger "docflow/internal/docstore/badger"
	"docflow/internal/docstore/postgres"
	"docflow/internal/ingest"
	"docflow/internal/message"
	"docflow/internal/message/memory"
	"docflow/internal/pipeline"
	"docflow/internal/pipeline/builtin"
	"docflow/internal/schema"
	"docflow/internal/storage"
	"docflow/pkg/kafkaclient"
)

// services holds the connections one command needs. Fields a command did
// not ask for stay nil.
type services struct {
	cfg       config.Config
	logger    *slog.Logger
	channel   *message.Channel
	store     *docstore.Store
	blobs     *storage.Store
	validator schema.Validator
}

type need int

const (
	needChannel need = 1 << iota
	needStore
)

func openServices(ctx context.Context, cfg config.Config, clientID string, needs need) (*services, error) {
	s := &services{cfg: cfg, logger: slog.Default(), validator: schema.Nop{}}
	var err error
	if needs&needChannel != 0 {
		if s.channel, err = openChannel(ctx, cfg, clientID); err != nil {
			return nil, err
		}
	}
	if needs&needStore != 0 {
		if s.store, err = openStore(ctx, cfg); err != nil {
			s.Close()
			return nil, err
		}
		if s.blobs, err = storage.New(ctx, cfg.Blob, cfg.Names(), s.logger); err != nil {
			s.Close()
			return nil, err
		}
		if cfg.Schema.Dir != "" {
			v, err := schema.LoadDir(cfg.Schema.Dir)
			if err != nil {
				s.Close()
				return nil, err
			}
			s.validator = v
			s.logger.Info("loaded schemas", "dir", cfg.Schema.Dir, "doc_types", v.DocTypes())
		}
	}
	return s, nil
}

func openChannel(ctx context.Context, cfg config.Config, clientID string) (*message.Channel, error) {
	var broker message.Broker
	switch cfg.Broker.Kind {
	case config.BrokerKafka:
		broker = kafkaclient.New(cfg.Broker.Brokers, slog.Default())
	default:
		broker = memory.NewServer().NewClient()
	}
	ch := message.NewChannel(broker, cfg.Names(),
		message.WithLogger(slog.Default()),
		message.WithConnectTimeout(cfg.ConnectionTimeout),
		message.WithBufferCapacity(cfg.Ingest.DeliveryBuffer),
	)
	if err := ch.Connect(ctx, clientID); err != nil {
		return nil, fmt.Errorf("connect %s broker: %w", cfg.Broker.Kind, err)
	}
	return ch, nil
}

func openStore(ctx context.Context, cfg config.Config) (*docstore.Store, error) {
	var (
		backend docstore.Backend
		err     error
	)
	switch cfg.Store.Kind {
	case config.StorePostgres:
		openCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
		defer cancel()
		backend, err = postgres.Open(openCtx, cfg.Store.DSN, slog.Default())
	default:
		backend, err = docbadger.Open(cfg.Store.Path, slog.Default())
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Kind, err)
	}
	return docstore.New(backend, cfg.Names(),
		docstore.WithLogger(slog.Default()),
		docstore.WithIndexSettings(cfg.Store.Indexes),
		docstore.WithBuffer(cfg.Ingest.BufferSize, cfg.Store.FlushInterval),
		docstore.WithRequestTimeout(cfg.Store.RequestTimeout),
	), nil
}

// warnIsolated logs when command runs on the in-process broker, which no
// other docflow process can reach.
func (s *services) warnIsolated(command string) {
	if s.cfg.Broker.Kind != config.BrokerMemory {
		return
	}
	s.logger.Warn("running on the in-process memory broker; other docflow processes will not see these messages",
		"command", command, "hint", "set broker.kind: kafka")
}

func (s *services) Close() {
	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			s.logger.Warn("closing channel", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("closing store", "error", err)
		}
	}
}

// processors returns the registry of every pipeline processor this binary
// ships.
func processors() *pipeline.Registry {
	reg := pipeline.NewRegistry()
	builtin.Register(reg)
	return reg
}

func analytics() (*analytic.Registry, error) {
	reg := analytic.NewRegistry()
	if err := analytic.RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// coordinator builds a coordinator acting as name/session over s.
func (s *services) coordinator(name, session string) *ingest.Coordinator {
	c := ingest.New(s.channel, s.store, name, session,
		ingest.WithLogger(s.logger),
		ingest.WithBlobs(s.blobs),
		ingest.WithValidator(s.validator),
		ingest.WithBatchSize(s.cfg.Ingest.BatchSize),
		ingest.WithBarrier(s.cfg.Barrier.Schedule, s.cfg.Barrier.Timeout),
	)
	ingest.WithPipeline(pipeline.LazyFrom(s.cfg.Pipelines, processors(), c.PipelineEnv()))(c)
	return c
}
