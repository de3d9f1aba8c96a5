package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/karasz/aidledger"
	"github.com/karasz/aidledger/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger API",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				slog.Error("no config found in context")
				os.Exit(1)
			}
			serveRun(cmd, args, cfg)
		},
	}
	return cmd
}

func serveRun(_ *cobra.Command, _ []string, cfg *config.Config) {
	logger := commonRun()
	if err := run(cfg, logger); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// openStore opens the configured ledger store.
func openStore(cfg *config.Config, logger *slog.Logger) (aidledger.Store, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return aidledger.NewMemoryStore(), nil
	case config.StorageSQLite:
		if err := os.MkdirAll(cfg.DatabasePath, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		return aidledger.OpenSQLiteStore(filepath.Join(cfg.DatabasePath, "ledger.db"))
	case config.StorageBadger:
		return aidledger.OpenBadgerStore(filepath.Join(cfg.DatabasePath, "badger"), logger)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidStorage, cfg.Storage)
	}
}

func journalKeyFile(cfg *config.Config) string {
	if cfg.JournalKeyFile != "" {
		return cfg.JournalKeyFile
	}
	return filepath.Join(cfg.DatabasePath, "journal.keys")
}

// openJournal opens the configured journal, creating its key file on
// first use. It returns nil when no journal is configured.
func openJournal(cfg *config.Config, logger *slog.Logger) (*aidledger.Journal, error) {
	if cfg.JournalPath == "" {
		return nil, nil
	}
	st, err := aidledger.OpenJournalStore(cfg.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("open journal store: %w", err)
	}
	keyFile := journalKeyFile(cfg)
	a0, b0, ok, err := aidledger.LoadJournalKeys(keyFile)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	jcfg := aidledger.JournalConfig{AnchorEvery: cfg.AnchorEvery}
	if ok {
		jcfg.KeyV, jcfg.KeyT = &a0, &b0
	}
	j, err := aidledger.OpenJournal(jcfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if !ok {
		a0, b0 = j.InitialKeys()
		if err := aidledger.SaveJournalKeys(keyFile, a0, b0); err != nil {
			_ = j.Close()
			return nil, fmt.Errorf("save journal keys: %w", err)
		}
		logger.Info("journal keys created", "path", keyFile)
	}
	return j, nil
}

func openEngine(
	cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer,
) (*aidledger.Engine, error) {
	timeout, err := cfg.OracleTimeoutDuration()
	if err != nil {
		return nil, err
	}
	opts := aidledger.Options{
		MaxCommitments: cfg.MaxCommitments,
		LoggingFee:     &cfg.LoggingFee,
		Treasury:       aidledger.LogTreasury{Logger: logger},
		PromRegistry:   reg,
		Logger:         logger,
	}
	if len(cfg.Authorities) > 0 {
		ps := make([]aidledger.Principal, 0, len(cfg.Authorities))
		for _, a := range cfg.Authorities {
			ps = append(ps, aidledger.Principal(a))
		}
		opts.Authorities = aidledger.NewStaticAuthorities(ps...)
	}
	if cfg.DuplicationOracleURL != "" {
		o := aidledger.NewHTTPDuplicationOracle(cfg.DuplicationOracleURL, timeout)
		o.Protobuf = cfg.OracleProtobuf
		opts.DuplicationOracle = o
	}
	if cfg.UpdateOracleURL != "" {
		o := aidledger.NewHTTPUpdateOracle(cfg.UpdateOracleURL, timeout)
		o.Protobuf = cfg.OracleProtobuf
		opts.UpdateOracle = o
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	journal, err := openJournal(cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	opts.Journal = journal
	e, err := aidledger.Open(st, opts)
	if err != nil {
		if journal != nil {
			_ = journal.Close()
		}
		_ = st.Close()
		return nil, err
	}
	return e, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	shutdownTimeout, err := cfg.ShutdownTimeoutDuration()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := openEngine(cfg, logger, reg)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error("close ledger", "error", err)
		}
	}()

	api := aidledger.NewServer(engine, logger)
	apiServer := api.HTTPServer(cfg.APIAddr())

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr(),
		Handler:           metricsMux,
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()

	g, ctx := errgroup.WithContext(signalCtx)
	g.Go(func() error {
		logger.Info("serving ledger API on "+cfg.APIAddr(), "component", programName)
		var err error
		if cfg.TlsCertFilePath != "" && cfg.TlsKeyFilePath != "" {
			err = apiServer.ListenAndServeTLS(cfg.TlsCertFilePath, cfg.TlsKeyFilePath)
		} else {
			err = apiServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api listener: %w", err)
	})
	g.Go(func() error {
		logger.Info("serving prometheus metrics on "+cfg.MetricsAddr(), "component", programName)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("initiating graceful shutdown", "component", programName)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(
			apiServer.Shutdown(shutdownCtx),
			metricsServer.Shutdown(shutdownCtx),
		)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete", "component", programName)
	return nil
}
