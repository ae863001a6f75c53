package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/structlink/internal/api"
	"github.com/rickgao/structlink/internal/config"
	"github.com/rickgao/structlink/internal/connection"
	"github.com/rickgao/structlink/internal/credential"
	"github.com/rickgao/structlink/internal/database"
	"github.com/rickgao/structlink/internal/journal"
	"github.com/rickgao/structlink/internal/poller"
	"github.com/rickgao/structlink/internal/protocol"
	"github.com/rickgao/structlink/internal/retry"
	"github.com/rickgao/structlink/internal/router"
	"github.com/rickgao/structlink/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/structlink.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "config", *configPath, "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg.Log).With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting structlink", append(version.LogAttrs(), "config", *configPath)...)

	if err := run(cfg, logger); err != nil {
		logger.Error("structlink failed", "error", err)
		os.Exit(1)
	}
	logger.Info("structlink stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	rawCredential, err := loadCredential(cfg.Credential)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	mgr := connection.NewManager(managerConfig(cfg), logger)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		mgr.Stop(shutdownCtx)
	}()

	watchEvents(mgr, logger)

	var rec journalStats
	if cfg.Journal.Enabled {
		recorder, closeDB, err := startJournal(ctx, cfg, mgr, logger)
		if err != nil {
			return err
		}
		defer closeDB()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			recorder.Stop(shutdownCtx)
		}()
		rec = recorder
	}

	if cfg.Poll.Interval > 0 {
		p := startPoller(ctx, cfg, mgr, logger)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			p.Stop(shutdownCtx)
		}()
	}

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           newHealthHandler(cfg.Health.Path, mgr, rec),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port, "path", cfg.Health.Path)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return healthServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		s := &session{
			mgr:        mgr,
			credential: rawCredential,
			baseDelay:  cfg.Connection.ReconnectBaseDelay,
			maxDelay:   cfg.Connection.ReconnectMaxDelay,
			logger:     logger,
		}
		if err := s.run(gctx); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func loadCredential(cfg config.CredentialConfig) (string, error) {
	if cfg.Token != "" {
		return cfg.Token, nil
	}
	cred, err := credential.Load(cfg.File)
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	return cred.Token, nil
}

func managerConfig(cfg *config.Config) connection.ManagerConfig {
	return connection.ManagerConfig{
		Client: connection.ClientConfig{
			HandshakeTimeout: cfg.Connection.HandshakeTimeout,
			WriteTimeout:     cfg.Connection.WriteTimeout,
			PingInterval:     cfg.Connection.PingInterval,
			PongTimeout:      cfg.Connection.PongTimeout,
			ReadLimit:        cfg.Connection.ReadLimit,
			BufferSize:       cfg.Connection.BufferSize,
		},
		Router: router.Config{BufferSize: cfg.Events.BufferSize},
		Retry: retry.Config{
			Delay:           cfg.Retry.Delay,
			InitialCapacity: cfg.Retry.InitialCapacity,
		},
		RetryEnabled: cfg.Retry.Enabled,
	}
}

func startJournal(ctx context.Context, cfg *config.Config, mgr connection.Manager, logger *slog.Logger) (*journal.Recorder, func(), error) {
	db := cfg.Journal.Database
	logger.Info("connecting to journal database", "host", db.Host, "port", db.Port, "database", db.Name)

	pool, err := database.Connect(ctx, db)
	if err != nil {
		return nil, nil, fmt.Errorf("connect journal database: %w", err)
	}
	if err := journal.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	rec := journal.New(journal.Config{
		Instance:      cfg.Instance.ID,
		BatchSize:     cfg.Journal.BatchSize,
		FlushInterval: cfg.Journal.FlushInterval,
	}, mgr, pool, logger)
	if err := rec.Start(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("start journal: %w", err)
	}
	return rec, pool.Close, nil
}

func pollerConfig(cfg *config.Config) poller.Config {
	pc := poller.Config{
		Interval:    cfg.Poll.Interval,
		Concurrency: cfg.Poll.Concurrency,
		Timeout:     cfg.Poll.Timeout,
		Fuel:        cfg.Poll.Fuel,
	}
	for _, pos := range cfg.Poll.Positions {
		pc.Positions = append(pc.Positions, protocol.Position{X: pos.X, Y: pos.Y, Z: pos.Z})
	}
	return pc
}

func startPoller(ctx context.Context, cfg *config.Config, mgr connection.Manager, logger *slog.Logger) *poller.Poller {
	ready := func() bool { return mgr.State() == connection.StateAuthenticated }
	onSample := poller.SampleHandlerFunc(func(s poller.Sample) error {
		if s.Changed {
			logger.Info("watched block changed",
				"x", s.Position.X, "y", s.Position.Y, "z", s.Position.Z,
				"from", s.Previous,
				"to", s.Block.Name,
			)
		}
		return nil
	})

	p := poller.New(pollerConfig(cfg), api.NewClient(mgr, api.WithLogger(logger)), ready, onSample, logger)
	p.Start(ctx)
	return p
}

// watchEvents logs the notifications an unattended daemon cannot act on.
func watchEvents(mgr connection.Manager, logger *slog.Logger) {
	mgr.On(router.TopicOutOfFuel, func(ev router.Event) {
		logger.Warn("structure out of fuel", "conn_id", ev.ConnID, "retry_enabled", mgr.RetryEnabled())
	})
	mgr.On(router.TopicError, func(ev router.Event) {
		logger.Debug("connection error event", "conn_id", ev.ConnID, "error", ev.Err)
	})
	mgr.On(router.TopicTransact, func(ev router.Event) {
		tx := ev.Transaction
		logger.Info("transaction pending",
			"conn_id", ev.ConnID,
			"token", tx.Token,
			"player", tx.Player,
			"query", tx.Query,
			"amount", tx.Amount,
		)
	})
}
