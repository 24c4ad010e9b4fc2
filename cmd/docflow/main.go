package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"docflow/internal/config"
	"docflow/internal/env"
	"docflow/internal/logging"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "docflow",
		Usage: "Document ingest pipeline, store sink and analytic runner",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
				EnvVars: []string{"DOCFLOW_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "Load environment variables from these files (default .env)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"DOCFLOW_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:  "log-json",
				Usage: "Write logs as JSON",
			},
		},
		Before: setup,
		Commands: []*cli.Command{
			{
				Name:   "ingest-pipeline",
				Usage:  "Run ingest requests through the pipeline and forward them to the sink",
				Action: ingestPipelineCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Concurrent pipeline runs (overrides ingest.workers)",
					},
					&cli.IntFlag{
						Name:  "buffer-size",
						Usage: "Fetch size and backlog limit (overrides ingest.buffer_size)",
					},
				},
			},
			{
				Name:   "sink",
				Usage:  "Write documents from the sink topic to the store",
				Action: sinkCommand,
			},
			{
				Name:   "sinklog",
				Usage:  "Append every stored document to daily ldjson files",
				Action: sinklogCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Directory to write sinklog files into",
						Value:   ".",
					},
					&cli.StringFlag{
						Name:    "basename",
						Aliases: []string{"b"},
						Usage:   "Basename for generated files",
						Value:   "sinklog",
					},
				},
			},
			{
				Name:   "worker",
				Usage:  "Execute analytic requests addressed to this worker's labels",
				Action: workerCommand,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "label",
						Usage: "Worker label (overrides analytic.labels)",
					},
					&cli.DurationFlag{
						Name:  "drain",
						Usage: "How long to wait for running analytics on shutdown",
						Value: defaultDrain,
					},
				},
			},
			{
				Name:      "exec",
				Usage:     "Run an analytic, here or on a worker",
				ArgsUsage: "<analytic>",
				Action:    execCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "session",
						Usage: "Session id (default: random)",
					},
					&cli.StringSliceFlag{
						Name:    "param",
						Aliases: []string{"p"},
						Usage:   "Parameter as key=value; the value is parsed as YAML",
					},
					&cli.BoolFlag{
						Name:  "async",
						Usage: "Publish a request for a worker instead of running here",
					},
					&cli.StringFlag{
						Name:  "worker",
						Usage: "Worker label pattern for --async",
						Value: "default",
					},
					&cli.BoolFlag{
						Name:  "include-results",
						Usage: "Report every written document in the final status",
					},
				},
			},
			{
				Name:   "counts",
				Usage:  "Print stored document counts per type",
				Action: countsCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "doc-type",
						Usage: "Restrict to one document type",
						Value: "*",
					},
					&cli.StringFlag{
						Name:  "field",
						Usage: "Group by this field instead of doc_type",
						Value: "doc_type",
					},
				},
			},
			{
				Name:   "list",
				Usage:  "List the analytics and pipeline processors this binary ships",
				Action: listCommand,
			},
		},
	}
}

func setup(c *cli.Context) error {
	env.LoadEnv(c.StringSlice("env-file")...)

	levelStr := strings.ToLower(c.String("log-level"))
	switch levelStr {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}
	logging.Init(c.Bool("log-json"), logging.ParseLevel(levelStr))
	return nil
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
