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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/towerduo-backend/internal/config"
	"github.com/DoyleJ11/towerduo-backend/internal/directory"
	"github.com/DoyleJ11/towerduo-backend/internal/httpapi"
	"github.com/DoyleJ11/towerduo-backend/internal/ledger"
	"github.com/DoyleJ11/towerduo-backend/internal/metrics"
	"github.com/DoyleJ11/towerduo-backend/internal/ws"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:          "towerduo-server",
		Short:        "Relay server for two-party tower sessions",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.New(envFile)
			if err != nil {
				return err
			}
			if err := bindFlags(cmd, v); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	f.String("addr", ":8080", "listen address")
	f.String("log-level", "info", "debug, info, warn or error")
	f.Bool("dev", false, "human-readable logs")
	f.String("rules", "", "YAML mode catalog; built-in catalog when empty")
	f.String("ledger-dsn", "", "postgres DSN; enables the /ledger endpoints")
	return cmd
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	f := cmd.Flags()
	return errors.Join(
		v.BindPFlag("server.addr", f.Lookup("addr")),
		v.BindPFlag("log.level", f.Lookup("log-level")),
		v.BindPFlag("log.development", f.Lookup("dev")),
		v.BindPFlag("rules.file", f.Lookup("rules")),
		v.BindPFlag("ledger.dsn", f.Lookup("ledger-dsn")),
	)
}

func serve(ctx context.Context, cfg config.Config) error {
	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	catalog, err := cfg.Catalog()
	if err != nil {
		return fmt.Errorf("rules: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var svc *ledger.Service
	if cfg.Ledger.DSN != "" {
		db, err := ledger.Open(cfg.Ledger.DSN)
		if err != nil {
			return err
		}
		store := ledger.NewStore(db)
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
		svc = ledger.NewService(store, log)
		log.Info("ledger enabled")
	}

	d := directory.New(ctx, directory.Config{
		Catalog:             catalog,
		StaleAfter:          cfg.Lobby.StaleAfter,
		SweepInterval:       cfg.Lobby.SweepInterval,
		NegotiationDeadline: cfg.Session.NegotiationDeadline,
		EvictAfter:          cfg.Session.EvictAfter,
		MetricTolerance:     cfg.Session.MetricTolerance,
	}, nil, log, m)

	handler := httpapi.SetupRoutes(httpapi.Deps{
		Directory: d,
		WS: ws.Options{
			InFlightRate:  rate.Limit(cfg.Relay.InFlightRate),
			InFlightBurst: cfg.Relay.InFlightBurst,
			Log:           log,
			Metrics:       m,
		},
		Gatherer: reg,
		Ledger:   svc,
	})
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Server.Addr), zap.Int("modes", len(catalog.Modes)))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
