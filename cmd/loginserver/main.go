package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/vanadiel/loginserver/internal/auth"
	"github.com/vanadiel/loginserver/internal/charmsg"
	"github.com/vanadiel/loginserver/internal/config"
	"github.com/vanadiel/loginserver/internal/handler"
	xinet "github.com/vanadiel/loginserver/internal/net"
	"github.com/vanadiel/loginserver/internal/persist"
	"github.com/vanadiel/loginserver/internal/session"
	"github.com/vanadiel/loginserver/internal/world"
)

const sweepInterval = 2500 * time.Millisecond

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := "config/login.toml"
	if p := os.Getenv("LOGINSERVER_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.LoadLogin(path)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Database
	dbCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	db, err := persist.NewDB(dbCtx, cfg.Database, log)
	cancel()
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	if err := persist.RunLoginMigrations(ctx, db.Pool); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// 2. Repositories and services
	accountRepo := persist.NewAccountRepo(db)
	contentRepo := persist.NewContentRepo(db)
	charRepo := persist.NewCharRepo(db)
	worldRepo := persist.NewWorldRepo(db)

	tracker := session.NewTracker(log)
	authSvc := auth.NewService(accountRepo, cfg.Server.NewAccountContentIDs, log)
	mirror := charmsg.NewMirror(charRepo, contentRepo, log)

	// 3. World fabric
	registry, err := world.NewRegistry(ctx, worldRepo, cfg.MQ, log)
	if err != nil {
		return err
	}
	defer registry.Close()
	registry.AddHandler(charmsg.NewRouter(tracker, mirror, log))

	// 4. Client ports. One limiter so the per-IP cap spans all three.
	deps := &handler.Deps{
		Cfg:      cfg.Server,
		Log:      log,
		Tracker:  tracker,
		Auth:     authSvc,
		Accounts: accountRepo,
		Contents: contentRepo,
		Mirror:   mirror,
		Worlds:   registry,
	}
	limiter := xinet.NewConnLimiter(cfg.Server.MaxClientConnections)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.Run(ctx) })
	g.Go(func() error {
		return xinet.NewServer("auth", cfg.Server.AuthBind, handler.NewAuthHandler(deps), limiter, log).Run(ctx)
	})
	g.Go(func() error {
		return xinet.NewServer("data", cfg.Server.DataBind, handler.NewDataHandler(deps), limiter, log).Run(ctx)
	})
	g.Go(func() error {
		return xinet.NewServer("view", cfg.Server.ViewBind, handler.NewViewHandler(deps), limiter, log).Run(ctx)
	})
	g.Go(func() error { return xinet.RunSweeper(ctx, tracker, sweepInterval) })

	log.Info("login server ready",
		zap.String("auth", cfg.Server.AuthBind),
		zap.String("data", cfg.Server.DataBind),
		zap.String("view", cfg.Server.ViewBind))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("login server stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
