// Package main provides the fsmcore binary entry point.
// fsmcore is the event ingestion and state machine core of the field
// service platform: it validates work order events, appends them to the
// event store and maintains the read projections.
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

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/csdp/fsmcore/api"
	"github.com/csdp/fsmcore/applier"
	"github.com/csdp/fsmcore/config"
	"github.com/csdp/fsmcore/domain"
	"github.com/csdp/fsmcore/ingest"
	"github.com/csdp/fsmcore/kpi"
	"github.com/csdp/fsmcore/schema"
	"github.com/csdp/fsmcore/store"
	"github.com/csdp/fsmcore/store/memory"
	"github.com/csdp/fsmcore/store/postgres"
	"github.com/csdp/fsmcore/validator"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fsmcore"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Work order event ingestion core",
		Long: `fsmcore ingests work order events for the field service platform.

Every event passes schema validation, RBAC, time policy, catalog guards
and the coupled state machines before it is appended to the event store
and folded into the read projections, all in one transaction.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(serveCmd(&configPath))
	cmd.AddCommand(migrateCmd(&configPath))
	cmd.AddCommand(kpiCmd(&configPath))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.NewLoader(nil).Load()
}

func serveCmd(configPath *string) *cobra.Command {
	var demo bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg, demo)
		},
	}

	cmd.Flags().BoolVar(&demo, "demo", false, "Serve from an in-memory store instead of Postgres")
	return cmd
}

// demoDB builds an in-memory store seeded with the reference catalogs the
// migrations would provide.
func demoDB() *memory.DB {
	db := memory.New()
	seeds := map[string][]string{
		"WORK_PAUSE_REASON": {"PARTS", "CLIENT", "ACCESS", "WEATHER"},
		"CANCEL_REASON":     {"CLIENT_REFUSED", "DUPLICATE", "OUT_OF_SCOPE"},
		"SYMPTOM":           {"NOISE", "LEAK", "NO_POWER", "OVERHEAT"},
		"CAUSE":             {"WEAR", "MISUSE", "DEFECT"},
		"ACTION":            {"REPLACE", "ADJUST", "CLEAN"},
	}
	for catalog, codes := range seeds {
		for i, code := range codes {
			db.SeedCatalogItem(domain.CatalogItem{
				Catalog:   catalog,
				Code:      code,
				Title:     code,
				IsActive:  true,
				SortOrder: i,
			})
		}
	}
	return db
}

func serve(ctx context.Context, cfg *config.Config, demo bool) error {
	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db store.DB
	if demo {
		logger.Info("serving from in-memory store, nothing will persist")
		db = demoDB()
	} else {
		pg, err := postgres.Open(ctx, cfg.Database.URL, logger, postgres.WithMaxConns(cfg.Database.MaxConns))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		db = pg
	}
	defer db.Close()

	var registry *schema.Registry
	var err error
	if cfg.Schemas.Dir != "" {
		registry, err = schema.NewRegistryFromDir(cfg.Schemas.Dir, logger)
	} else {
		registry, err = schema.NewRegistry(logger)
	}
	if err != nil {
		return fmt.Errorf("compile schemas: %w", err)
	}
	if cfg.Schemas.Watch {
		go func() {
			if err := registry.Watch(ctx); err != nil {
				logger.Warn("schema watcher stopped", "error", err)
			}
		}()
	}

	opts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithMetrics(ingest.NewMetrics(prometheus.DefaultRegisterer)),
	}
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(appName))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()
		pub, err := ingest.NewJetStreamPublisher(ctx, nc, cfg.NATS.Stream, cfg.NATS.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("create event publisher: %w", err)
		}
		opts = append(opts, ingest.WithPublisher(pub))
		logger.Info("accepted event feed enabled",
			"url", cfg.NATS.URL,
			"stream", cfg.NATS.Stream,
			"subject_prefix", cfg.NATS.SubjectPrefix)
	}

	orch := ingest.NewOrchestrator(db, validator.New(registry, nil), applier.New(nil), opts...)
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewServer(db, orch, logger).Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr, "version", Version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := cfg.Log.NewLogger()
			if err := postgres.Migrate(cfg.Database.URL); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func kpiCmd(configPath *string) *cobra.Command {
	var fromFlag, toFlag string

	cmd := &cobra.Command{
		Use:   "kpi-rebuild",
		Short: "Rebuild daily KPI aggregates for a day range",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := cfg.Log.NewLogger()

			from, to, err := parseDayRange(fromFlag, toFlag)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			db, err := postgres.Open(ctx, cfg.Database.URL, logger, postgres.WithMaxConns(cfg.Database.MaxConns))
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			return kpi.NewRebuilder(db, logger).Rebuild(ctx, from, to)
		},
	}

	cmd.Flags().StringVar(&fromFlag, "from", "", "First day of the range (YYYY-MM-DD, default: yesterday)")
	cmd.Flags().StringVar(&toFlag, "to", "", "Last day of the range (YYYY-MM-DD, default: from)")
	return cmd
}

func parseDayRange(fromFlag, toFlag string) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	if fromFlag != "" {
		parsed, err := time.Parse("2006-01-02", fromFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --from: %w", err)
		}
		from = parsed
	}
	to := from
	if toFlag != "" {
		parsed, err := time.Parse("2006-01-02", toFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --to: %w", err)
		}
		to = parsed
	}
	return from, to, nil
}
