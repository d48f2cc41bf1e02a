// Package app wires the marketplace's collaborators from configuration. The
// server and the ops CLI share it.
package app

import (
	"context"
	"fmt"

	"github.com/lizcirble/shakabackend/internal/auth"
	"github.com/lizcirble/shakabackend/internal/config"
	"github.com/lizcirble/shakabackend/internal/escrow"
	"github.com/lizcirble/shakabackend/internal/identity"
	"github.com/lizcirble/shakabackend/internal/ledger"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/repository"
	"github.com/lizcirble/shakabackend/internal/reputation"
	"github.com/lizcirble/shakabackend/internal/service"
	"github.com/lizcirble/shakabackend/internal/splitproc"
	"github.com/lizcirble/shakabackend/internal/store"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options select the optional subsystems.
type Options struct {
	SplitProcessing bool // connect Redis and offload large tasks
	Dialector       gorm.Dialector
}

// App holds the wired services.
type App struct {
	Config *config.Config
	Logger logging.Logger

	Store     *store.Store
	Redis     *redis.Client        // nil without split processing
	Scheduler *splitproc.Scheduler // nil without split processing
	Ledger    ledger.Gateway
	Verifier  identity.Verifier // nil when sign-in is not configured

	Users      auth.UserService
	Reputation reputation.Adjuster
	Repos      *repository.Repositories
	Deps       *service.Deps

	Tasks      *service.TaskService
	Review     *service.ReviewService
	Sweeper    *service.Sweeper
	Reconciler *service.Reconciler

	closers []func()
}

// New opens every dependency. On error, whatever was opened is closed.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger, opts Options) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// ── SQL Store ──
	dialector := opts.Dialector
	if dialector == nil {
		dialector = store.Postgres(cfg.DSN())
	}
	a.Store, err = store.NewStore(dialector, store.DefaultOptions, logger)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.Store.Close() })
	logger.Info("database initialised", "host", cfg.DBHost, "db", cfg.DBName)
	db := a.Store.DB()

	// ── Redis + split scheduler ──
	if opts.SplitProcessing {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = a.Redis.Close() })
		if err = a.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
		a.Scheduler = splitproc.NewScheduler(a.Redis, splitproc.Options{
			LeaseTTL:  cfg.SplitJobLeaseTTL,
			ResultTTL: cfg.SplitResultTTL,
		}, logger)
	}

	// ── Escrow ledger ──
	if a.Ledger, err = openLedger(ctx, cfg, logger, a); err != nil {
		return nil, err
	}

	// ── Identity provider ──
	if cfg.PrivyAppID != "" {
		a.Verifier, err = identity.NewPrivyVerifier(identity.PrivyConfig{
			AppID:           cfg.PrivyAppID,
			AppSecret:       cfg.PrivyAppSecret,
			VerificationKey: cfg.PrivyVerificationKey,
			APIURL:          cfg.PrivyAPIURL,
		})
		if err != nil {
			return nil, fmt.Errorf("init identity verifier: %w", err)
		}
	} else {
		logger.Warn("identity provider not configured, only API keys are accepted")
	}

	// ── Services ──
	econ := cfg.Economics
	a.Users = auth.NewUserService(db, econ.ReputationInitial)
	a.Reputation = reputation.NewAdjuster(db, reputation.Bounds{
		Min:           econ.ReputationMin,
		Max:           econ.ReputationMax,
		DefaultWeight: econ.DefaultVoteWeight,
	})
	a.Repos = repository.New(db)
	a.Deps = &service.Deps{
		Repos:      a.Repos,
		Users:      a.Users,
		Reputation: a.Reputation,
		Ledger:     a.Ledger,
		Escrow:     escrow.NewRecorder(db),
		Events:     a.Store,
		Economics:  econ,
		Logger:     logger.With("component", "service"),
	}
	if a.Scheduler != nil {
		a.Deps.Split = a.Scheduler
	}
	a.Tasks = service.NewTaskService(a.Deps)
	a.Review = service.NewReviewService(a.Deps)
	a.Sweeper = service.NewSweeper(a.Deps)
	a.Reconciler = service.NewReconciler(a.Deps)
	return a, nil
}

// openLedger dials the escrow contract, or falls back to the in-memory
// ledger when no RPC endpoint is configured.
func openLedger(ctx context.Context, cfg *config.Config, logger logging.Logger, a *App) (ledger.Gateway, error) {
	if cfg.EthRPCURL == "" {
		logger.Warn("ETH_RPC_URL not set, using the in-memory ledger; escrow state is lost on restart")
		return ledger.NewMemory(), nil
	}
	gw, err := ledger.NewEthGateway(ctx, ledger.EthConfig{
		RPCURL:          cfg.EthRPCURL,
		ContractAddress: cfg.EscrowContract,
		SignerKey:       cfg.SignerKey,
		ChainID:         cfg.ChainID,
		ConfirmTimeout:  cfg.TxConfirmTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	a.closers = append(a.closers, gw.Close)
	if err := gw.CheckContractDeployed(ctx); err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	logger.Info("escrow ledger connected", "contract", cfg.EscrowContract, "chain_id", cfg.ChainID)
	return gw, nil
}

// Close releases everything New opened, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
