package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/lizcirble/shakabackend/internal/app"
	"github.com/lizcirble/shakabackend/internal/config"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/node"
	"github.com/lizcirble/shakabackend/internal/store"
	"github.com/urfave/cli/v2"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "escrowctl",
		Usage: "operate the escrow marketplace backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML config file (overrides CONFIG_FILE)",
				EnvVars: []string{"CONFIG_FILE"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "create or update the database schema",
				Action: migrate,
			},
			{
				Name:   "sweep",
				Usage:  "expire stale slot reservations now",
				Action: sweep,
			},
			{
				Name:   "reconcile",
				Usage:  "run one reconciliation pass against the ledger",
				Action: reconcile,
			},
			{
				Name:      "retry-payout",
				Usage:     "reissue a failed payout and finish its approval",
				ArgsUsage: "<reconciliation-id>",
				Action:    retryPayout,
			},
			{
				Name:      "ledger-status",
				Usage:     "compare a task's local status with the escrow contract",
				ArgsUsage: "<task-id>",
				Action:    ledgerStatus,
			},
			{
				Name:   "node-keygen",
				Usage:  "generate an ED25519 key pair for processing-node tokens",
				Action: nodeKeygen,
			},
			{
				Name:      "node-token",
				Usage:     "issue an X-Auth-Token for a processing node",
				ArgsUsage: "<node-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "key",
						Usage:    "Base64 ED25519 private key (seed or full key)",
						EnvVars:  []string{"NODE_SIGNING_KEY"},
						Required: true,
					},
				},
				Action: nodeToken,
			},
		},
	}
}

// withApp loads configuration, wires the services and runs fn.
func withApp(c *cli.Context, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := logging.NewZapLogger(logging.LogLevel(cfg.LogEnv), "escrowctl")
	if err != nil {
		return err
	}
	a, err := app.New(c.Context, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(c.Context, a)
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		if err := os.Setenv("CONFIG_FILE", path); err != nil {
			return nil, err
		}
	}
	return config.Load()
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ─────────────────────────────────────────────
// Database and periodic jobs
// ─────────────────────────────────────────────

func migrate(c *cli.Context) error {
	return withApp(c, func(_ context.Context, _ *app.App) error {
		// app.New auto-migrates on open.
		fmt.Fprintf(c.App.Writer, "schema up to date (%d tables)\n", len(store.Models()))
		return nil
	})
}

func sweep(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		n, err := a.Sweeper.CheckExpiredSubmissions(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "expired %d reservations\n", n)
		return nil
	})
}

func reconcile(c *cli.Context) error {
	return withApp(c, func(ctx context.Context, a *app.App) error {
		rep, err := a.Reconciler.Run(ctx)
		if err != nil {
			return err
		}
		return printJSON(c, rep)
	})
}

func retryPayout(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: escrowctl retry-payout <reconciliation-id>", 2)
	}
	id, err := strconv.ParseUint(c.Args().First(), 10, 64)
	if err != nil {
		return cli.Exit("reconciliation id must be a number", 2)
	}
	return withApp(c, func(ctx context.Context, a *app.App) error {
		rec, err := a.Reconciler.RetryPayout(ctx, uint(id))
		if err != nil {
			return err
		}
		return printJSON(c, rec)
	})
}

func ledgerStatus(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: escrowctl ledger-status <task-id>", 2)
	}
	taskID := c.Args().First()
	return withApp(c, func(ctx context.Context, a *app.App) error {
		task, err := a.Tasks.Get(ctx, taskID)
		if err != nil {
			return err
		}
		onChain, err := a.Ledger.GetTaskStatus(ctx, taskID)
		if err != nil {
			return err
		}
		return printJSON(c, map[string]any{
			"task_id":        task.ID,
			"ledger_task_id": task.LedgerTaskID,
			"local_status":   task.Status,
			"ledger_status":  onChain.String(),
			"resolved":       fmt.Sprintf("%d/%d", task.ResolvedCount, task.RequiredWorkers),
		})
	})
}

// ─────────────────────────────────────────────
// Processing-node credentials
// ─────────────────────────────────────────────

func nodeKeygen(c *cli.Context) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "NODE_VERIFY_KEY=%s\n", base64.StdEncoding.EncodeToString(pub))
	fmt.Fprintf(c.App.Writer, "NODE_SIGNING_KEY=%s\n", base64.StdEncoding.EncodeToString(priv.Seed()))
	return nil
}

func nodeToken(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: escrowctl node-token --key <base64> <node-id>", 2)
	}
	priv, err := parseSigningKey(c.String("key"))
	if err != nil {
		return err
	}
	token, err := node.IssueToken(priv, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}

func parseSigningKey(b64 string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	}
	return nil, fmt.Errorf("signing key: want %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
}
