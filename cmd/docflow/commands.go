package main

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"docflow/internal/analytic"
	"docflow/internal/worker"
	"docflow/pkg/graceful"
)

const defaultDrain = 30 * time.Second

func ingestPipelineCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if n := c.Int("workers"); n > 0 {
		cfg.Ingest.Workers = n
	}
	if n := c.Int("buffer-size"); n > 0 {
		cfg.Ingest.BufferSize = n
	}

	ctx, cancel := graceful.Context(c.Context)
	defer cancel()
	svc, err := openServices(ctx, cfg, "ingest-pipeline-0", needChannel|needStore)
	if err != nil {
		return err
	}
	defer svc.Close()
	svc.warnIsolated("ingest-pipeline")

	p, err := svc.coordinator("ingest_pipeline_worker", "0").Pipeline()
	if err != nil {
		return err
	}
	w, err := worker.NewIngestWorker(svc.channel, p, worker.IngestConfig{
		BufferSize: cfg.Ingest.BufferSize,
		Workers:    cfg.Ingest.Workers,
		Poll:       cfg.Ingest.BufferTimeout,
	}, svc.logger)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

func sinkCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := graceful.Context(c.Context)
	defer cancel()
	svc, err := openServices(ctx, cfg, "sink-0", needChannel|needStore)
	if err != nil {
		return err
	}
	defer svc.Close()
	svc.warnIsolated("sink")

	if err := svc.coordinator("sink_worker", "0").WaitForReady(ctx, cfg.ConnectionTimeout); err != nil {
		return err
	}
	return worker.NewSinkWorker(svc.channel, svc.store, cfg.Ingest.BufferSize, cfg.Ingest.BufferTimeout, svc.logger).Run(ctx)
}

func sinklogCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	a, err := worker.NewAppender(c.String("output"), c.String("basename"))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := graceful.Context(c.Context)
	defer cancel()
	svc, err := openServices(ctx, cfg, "sinklog-0", needChannel)
	if err != nil {
		return err
	}
	defer svc.Close()
	svc.warnIsolated("sinklog")

	buf := svc.channel.NewBuffer()
	if err := svc.channel.SubscribeSinklog(ctx, buf); err != nil {
		return err
	}
	return worker.WriteSinklog(ctx, buf, a, cfg.Ingest.BufferSize, svc.logger)
}

func workerCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if labels := c.StringSlice("label"); len(labels) > 0 {
		cfg.Analytic.Labels = labels
	}
	reg, err := analytics()
	if err != nil {
		return err
	}

	ctx, cancel := graceful.Context(c.Context)
	defer cancel()
	svc, err := openServices(ctx, cfg, "analytic-worker-0", needChannel|needStore)
	if err != nil {
		return err
	}
	defer svc.Close()
	svc.warnIsolated("worker")

	w, err := analytic.NewWorker(svc.coordinator("analytic_worker", "0"), reg, cfg.Analytic.Labels, cfg.Analytic.Workers,
		analytic.WithWorkerLogger(svc.logger))
	if err != nil {
		return err
	}
	return w.Run(ctx, c.Duration("drain"))
}

func execCommand(c *cli.Context) error {
	name := c.Args().First()
	if name == "" {
		return errors.New("analytic name is required")
	}
	params, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return err
	}
	session := c.String("session")
	if session == "" {
		session = uuid.NewString()
	}
	req := analytic.Request{AnalyticName: name, SessionID: session, Parameters: params, Worker: c.String("worker")}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx, cancel := graceful.Context(c.Context)
	defer cancel()

	if c.Bool("async") {
		svc, err := openServices(ctx, cfg, "exec-"+session, needChannel)
		if err != nil {
			return err
		}
		defer svc.Close()
		svc.warnIsolated("exec --async")
		doc, err := analytic.AsyncExec(ctx, svc.channel, req)
		if err != nil {
			return err
		}
		return printYAML(c, doc)
	}

	reg, err := analytics()
	if err != nil {
		return err
	}
	svc, err := openServices(ctx, cfg, "exec-"+session, needChannel|needStore)
	if err != nil {
		return err
	}
	defer svc.Close()

	base := svc.coordinator("exec", "0")
	if err := base.WaitForReady(ctx, cfg.ConnectionTimeout); err != nil {
		return err
	}
	status, runErr := analytic.SyncExec(ctx, reg, base, req, c.Bool("include-results"))
	if status != nil {
		if err := printYAML(c, status); err != nil {
			return err
		}
	}
	return runErr
}

func countsCommand(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	svc, err := openServices(c.Context, cfg, "counts", needStore)
	if err != nil {
		return err
	}
	defer svc.Close()

	counts, err := svc.store.TermCounts(c.Context, c.String("doc-type"), c.String("field"))
	if err != nil {
		return err
	}
	for _, k := range slices.Sorted(maps.Keys(counts)) {
		fmt.Fprintf(c.App.Writer, "%s\t%d\n", k, counts[k])
	}
	return nil
}

func listCommand(c *cli.Context) error {
	reg, err := analytics()
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "analytics:")
	for _, name := range reg.Names() {
		a, _ := reg.Get(name)
		fmt.Fprintf(c.App.Writer, "  %s\t%s\n", name, a.Description())
	}
	fmt.Fprintln(c.App.Writer, "pipeline processors:")
	for _, name := range processors().Names() {
		fmt.Fprintf(c.App.Writer, "  %s\n", name)
	}
	return nil
}

// parseParams reads key=value pairs. Values are YAML scalars or flow
// collections, so "n=3" gives an int and "tags=[a, b]" a list.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("parameter %q: want key=value", p)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("parameter %s: %w", key, err)
		}
		if v == nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}

func printYAML(c *cli.Context, v any) error {
	enc := yaml.NewEncoder(c.App.Writer)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
