package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/funderberkr/tractor"
	"github.com/funderberkr/tractor/internal/config"
	"github.com/funderberkr/tractor/ledger/redisledger"
	"github.com/funderberkr/tractor/ledger/sqlledger"
	"github.com/funderberkr/tractor/observe"
	"github.com/funderberkr/tractor/remote"
)

// openLedger builds the configured ledger backend. The returned close
// function releases its connections.
func openLedger(ctx context.Context, cfg config.LedgerConfig) (tractor.Ledger, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return tractor.NewMemoryLedger(), func() error { return nil }, nil
	case config.BackendSQLite:
		l, err := sqlledger.Open(ctx, sqlledger.SQLite, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	case config.BackendPostgres:
		l, err := sqlledger.Open(ctx, sqlledger.Postgres, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	case config.BackendRedis:
		l := redisledger.Dial(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Prefix)
		return l, l.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger backend %q", cfg.Backend)
	}
}

// newServer wires a controller for cfg and returns the HTTP handler serving
// it.
func newServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (http.Handler, func() error, error) {
	ledger, closeLedger, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return nil, nil, err
	}
	metrics, err := observe.NewPrometheus(reg)
	if err != nil {
		_ = closeLedger()
		return nil, nil, err
	}

	controller := tractor.NewController(cfg.Domain, ledger,
		tractor.WithLogger(logger.With("component", "controller")),
		tractor.WithSigners(delegateSigners(cfg)),
		tractor.WithMaxDelegationDepth(cfg.MaxDelegationDepth),
		tractor.WithMetrics(metrics),
		tractor.WithNotifier(tractor.Notifiers{metrics, tractor.LogNotifier(logger)}),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/v1/", remote.NewHandler(controller, logger))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux, closeLedger, nil
}

func runServe(args []string) error {
	var configPath string
	flagSet := newFlagSet("serve")
	flagSet.StringVar(&configPath, "config", "", "path to tractor YAML config")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, closeLedger, err := newServer(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLedger(); err != nil {
			logger.Error("failed to close ledger", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("tractor serving",
			"listen", cfg.Listen,
			"instance", cfg.Domain.Instance,
			"separator", cfg.Domain.Separator().String(),
			"ledger", cfg.Ledger.Backend,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
