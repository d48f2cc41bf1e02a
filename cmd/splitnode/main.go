// splitnode is a processing node for the split-processing network. It
// connects to the marketplace server's /ws endpoint with an operator-issued
// token (see escrowctl node-token) and splits large tasks into per-worker
// work units.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/model"
	"github.com/lizcirble/shakabackend/internal/worknode"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatalln("splitnode failed:", err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "splitnode",
		Usage: "process split jobs for the escrow marketplace",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "WebSocket URL of the server",
				Value:   "ws://localhost:8080/ws",
				EnvVars: []string{"SPLITNODE_SERVER"},
			},
			&cli.StringFlag{
				Name:     "token",
				Usage:    "node token in NodeID:Signature form",
				EnvVars:  []string{"SPLITNODE_TOKEN"},
				Required: true,
			},
			&cli.IntFlag{
				Name:  "workers",
				Value: worknode.DefaultConfig.Workers,
			},
			&cli.StringSliceFlag{
				Name:  "category",
				Usage: "only claim jobs of this category (repeatable)",
			},
			&cli.DurationFlag{
				Name:  "job-timeout",
				Value: worknode.DefaultConfig.JobTimeout,
			},
			&cli.StringFlag{
				Name:    "log-env",
				Value:   string(logging.Production),
				EnvVars: []string{"LOG_ENV"},
			},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	logger, err := logging.NewZapLogger(logging.LogLevel(c.String("log-env")), "splitnode")
	if err != nil {
		return err
	}

	cfg := worknode.DefaultConfig
	cfg.Workers = c.Int("workers")
	cfg.JobTimeout = c.Duration("job-timeout")
	for _, cat := range c.StringSlice("category") {
		category := model.Category(cat)
		if !category.Valid() {
			return cli.Exit("unknown category "+cat, 2)
		}
		cfg.Categories = append(cfg.Categories, category)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := worknode.NewRunner(cfg, worknode.Planner{}, logger)
	if err := runner.Start(ctx, c.String("server"), c.String("token")); err != nil {
		return err
	}
	logger.Info("node started", "server", c.String("server"), "workers", cfg.Workers)

	<-ctx.Done()
	logger.Info("shutting down")
	err = runner.Stop()
	logger.Info("node stopped", "stats", runner.Stats())
	return err
}
