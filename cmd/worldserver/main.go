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

	"github.com/vanadiel/loginserver/internal/config"
	"github.com/vanadiel/loginserver/internal/mq"
	"github.com/vanadiel/loginserver/internal/persist"
	"github.com/vanadiel/loginserver/internal/worldsrv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := "config/world.toml"
	if p := os.Getenv("WORLDSERVER_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.LoadWorld(path)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()
	log = log.With(zap.Uint32("world", cfg.World.WorldID))

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

	if err := persist.RunWorldMigrations(ctx, db.Pool); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// 2. Character allocator behind the login fabric
	charRepo := persist.NewWorldCharRepo(db)
	alloc := worldsrv.NewAllocator(charRepo, cfg.World.ReservationTimeout, log)
	h, err := worldsrv.NewHandler(cfg.World, alloc, charRepo, log)
	if err != nil {
		return err
	}

	conn, err := mq.Connect(cfg.MQ, cfg.World.WorldID, log)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.AddHandler(h)

	// 3. Search port
	search := worldsrv.NewSearchServer(cfg.World.SearchBind, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conn.Run(ctx) })
	g.Go(func() error { return search.Run(ctx) })

	log.Info("world server ready",
		zap.String("queue", cfg.MQ.Queue),
		zap.String("search", cfg.World.SearchBind))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("world server stopped")
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
