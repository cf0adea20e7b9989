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

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/DoyleJ11/tabletop-sessions/internal/auth"
	"github.com/DoyleJ11/tabletop-sessions/internal/config"
	"github.com/DoyleJ11/tabletop-sessions/internal/httpapi"
	"github.com/DoyleJ11/tabletop-sessions/internal/hub"
	"github.com/DoyleJ11/tabletop-sessions/internal/session"
	"github.com/DoyleJ11/tabletop-sessions/internal/store"
	"github.com/DoyleJ11/tabletop-sessions/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(cfg config.Config, log *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		db       *gorm.DB
		repo     *store.Repository
		recorder session.Recorder
		writer   *store.Writer
	)
	if cfg.DatabaseDriver != config.DriverNone {
		db, err = store.Open(cfg.DatabaseDriver, cfg.DatabaseURL, log)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, store.Close(db)) }()

		repo = store.NewRepository(db)
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		writer = store.NewWriter(repo, store.WriterOptions{
			QueueSize: cfg.PersistQueueSize,
			MaxRetry:  cfg.PersistMaxRetry,
		}, log)
		recorder = writer
	}

	// The hub outlives the signal context so sessions can be closed in order.
	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	h := hub.NewHub(hubCtx, hub.Options{
		MaxSessionsPerHost: cfg.MaxSessionsPerHost,
		IdleTimeout:        cfg.IdleTimeout,
		Logger:             log,
		Session: session.Options{
			EventLogSize:  cfg.EventLogSize,
			Grace:         cfg.DisconnectGrace,
			SweepInterval: cfg.SweepInterval,
			Recorder:      recorder,
		},
	})
	if writer != nil {
		writer.SetFailureHandler(h.AlertHost)
		if err := restoreSessions(ctx, repo, h, log); err != nil {
			return err
		}
	}

	validator := auth.NewValidator(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Hub:  h,
			Auth: validator,
			WS: ws.HandlerOptions{
				AuthTimeout:    cfg.AuthTimeout,
				ReadTimeout:    cfg.ReadTimeout,
				OriginPatterns: cfg.AllowedOrigins,
				OutboxSize:     cfg.OutboxSize,
			},
			Logger: log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Addr), zap.String("db", cfg.DatabaseDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweepIdle(gctx, h, cfg.SweepInterval, log)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return multierr.Combine(srv.Shutdown(sctx), h.Shutdown(sctx))
	})

	// The writer drains after the hub has flushed its final snapshots.
	var writerDone chan error
	wctx, cancelWriter := context.WithCancel(context.Background())
	defer cancelWriter()
	if writer != nil {
		writerDone = make(chan error, 1)
		go func() { writerDone <- writer.Run(wctx) }()
	}

	err = g.Wait()
	if writer != nil {
		cancelWriter()
		if werr := <-writerDone; werr != nil && !errors.Is(werr, context.Canceled) {
			err = multierr.Append(err, werr)
		}
	}
	return err
}

func restoreSessions(ctx context.Context, repo *store.Repository, h *hub.Hub, log *zap.Logger) error {
	recs, err := repo.LoadActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	now := time.Now()
	for _, rec := range recs {
		st, seq := session.StateFromRecord(rec, now)
		// log rows can be newer than the session row after a crash
		stored, err := repo.MaxEventSeq(ctx, rec.ID)
		if err != nil {
			return err
		}
		seq = max(seq, stored)
		if err := h.Restore(ctx, st, seq); err != nil {
			log.Warn("session not restored", zap.String("session_id", rec.ID), zap.Error(err))
			continue
		}
	}
	log.Info("sessions restored", zap.Int("count", len(recs)))
	return nil
}

func sweepIdle(ctx context.Context, h *hub.Hub, every time.Duration, log *zap.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			ids, err := h.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if len(ids) > 0 {
				log.Info("archived idle sessions", zap.Strings("session_ids", ids))
			}
		}
	}
}
