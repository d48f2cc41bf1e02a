package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lizcirble/shakabackend/internal/app"
	"github.com/lizcirble/shakabackend/internal/config"
	"github.com/lizcirble/shakabackend/internal/handler"
	"github.com/lizcirble/shakabackend/internal/logging"
	"github.com/lizcirble/shakabackend/internal/metrics"
	"github.com/lizcirble/shakabackend/internal/middleware"
	"github.com/lizcirble/shakabackend/internal/node"
	"github.com/lizcirble/shakabackend/internal/ws"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"
)

func main() {
	// ── Configuration ──
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.NewZapLogger(logging.LogLevel(cfg.LogEnv), "server")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Dependencies ──
	a, err := app.New(ctx, cfg, logger, app.Options{SplitProcessing: true})
	if err != nil {
		logger.Fatal("startup failed", "error", err)
	}
	defer a.Close()

	// ── WebSocket Hub + node authenticator ──
	hub := ws.NewHub(a.Scheduler, logger)
	a.Scheduler.SetAnnouncer(hub)

	var nodeAuth *node.Authenticator
	if cfg.NodeVerifyKey != "" {
		if nodeAuth, err = node.NewAuthenticator(cfg.NodeVerifyKey); err != nil {
			logger.Fatal("failed to init node authenticator", "error", err)
		}
	} else {
		logger.Warn("NODE_VERIFY_KEY not set, processing nodes cannot connect")
	}

	// ── Background work ──
	go a.Scheduler.StartLeaseWatchdog(ctx)
	metrics.StartUptimeCollector(ctx.Done())

	sched := cron.New()
	every := func(d time.Duration, name string, job func(context.Context) error) {
		if _, err := sched.AddFunc("@every "+d.String(), func() {
			jobCtx, jobCancel := context.WithTimeout(ctx, d)
			defer jobCancel()
			if err := job(jobCtx); err != nil {
				logger.Error("periodic job failed", "job", name, "error", err)
			}
		}); err != nil {
			logger.Fatal("failed to schedule job", "job", name, "error", err)
		}
	}
	every(cfg.SweepInterval, "sweep", func(ctx context.Context) error {
		_, err := a.Sweeper.CheckExpiredSubmissions(ctx)
		return err
	})
	every(cfg.ReconcileInterval, "reconcile", func(ctx context.Context) error {
		_, err := a.Reconciler.Run(ctx)
		return err
	})
	every(cfg.SplitSyncInterval, "split-sync", func(ctx context.Context) error {
		_, err := a.Tasks.SyncSplitJobs(ctx)
		return err
	})
	sched.Start()

	// ── Gin Router ──
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(logger))

	authn := middleware.NewAuthenticator(a.Users, a.Verifier)
	h := handler.NewHandler(a.Tasks, a.Review, hub, nodeAuth, logger)
	authHandler := handler.NewAuthHandler(a.Users, a.Verifier)
	userHandler := handler.NewUserHandler(a.Users, a.Review, a.Reputation)
	adminHandler := handler.NewAdminHandler(a.Users, a.Tasks, a.Sweeper, a.Reconciler, a.Repos.Reconciliations)

	authHandler.RegisterRoutes(r)
	h.RegisterRoutes(r, authn.Required(), authn.Optional())
	userHandler.RegisterRoutes(r.Group("/api/v1", authn.Required()))
	adminHandler.RegisterRoutes(r.Group("/api/v1/admin", middleware.AdminTokenAuth(cfg.AdminToken)))

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Auth-Token"},
		MaxAge:         600,
	})

	// ── HTTP Server with graceful shutdown ──
	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           corsHandler.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	<-sched.Stop().Done()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server exited cleanly")
}
