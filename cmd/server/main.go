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

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/podushkina/claimflow/internal/api"
	"github.com/podushkina/claimflow/internal/claim"
	"github.com/podushkina/claimflow/internal/clearinghouse"
	"github.com/podushkina/claimflow/internal/config"
	"github.com/podushkina/claimflow/internal/edi"
	"github.com/podushkina/claimflow/internal/eligibility"
	"github.com/podushkina/claimflow/internal/filestore"
	"github.com/podushkina/claimflow/internal/handlers"
	"github.com/podushkina/claimflow/internal/queue"
	"github.com/podushkina/claimflow/internal/scheduler"
	"github.com/podushkina/claimflow/internal/task"
	"github.com/podushkina/claimflow/internal/telemetry"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "server",
		Short:        "Claim billing pipeline: scheduler, EDI generation and task API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(enqueueCmd())
	rootCmd.AddCommand(retryCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg), nil
}

// app holds the components every command shares.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	queue     *queue.Queue
	claims    claim.Store
	scheduler *scheduler.Scheduler
	telemetry *telemetry.Providers
	closers   []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
}

func openClaims(ctx context.Context, cfg *config.Config, log zerolog.Logger) (claim.Store, func() error, error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set, keeping claims in memory")
		return claim.NewMemoryStore(), func() error { return nil }, nil
	}
	db, err := claim.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Msg("connected to database")
	return claim.NewPostgresStore(db), db.Close, nil
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	q, err := queue.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.queue = q
	a.closers = append(a.closers, q.Close)
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	claims, closeClaims, err := openClaims(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.claims = claims
	a.closers = append(a.closers, closeClaims)

	files, err := filestore.New(ctx, cfg.FileStore())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open edi store: %w", err)
	}

	rules, err := payerRules(cfg.EligibilityRulesFile)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.telemetry, err = telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "claimflow",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       !cfg.IsProduction(),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.telemetry.Shutdown(shutdownCtx)
	})

	h := handlers.New(handlers.Deps{
		Claims:        claims,
		Validator:     eligibility.NewValidator(rules...),
		Generator:     edi.NewGenerator(cfg.Sender(), q.Sequence("edi")),
		Files:         files,
		Clearinghouse: clearinghouse.NewStub(clearinghouse.WithRate(cfg.ClearinghouseRPS, cfg.ClearinghouseBurst)),
		Tasks:         q,
		Logger:        log.With().Str("component", "handlers").Logger(),
	})

	a.scheduler, err = scheduler.New(q, h.Table(),
		scheduler.WithLogger(log.With().Str("component", "scheduler").Logger()),
		scheduler.WithPollInterval(cfg.PollInterval),
		scheduler.WithBatchSize(cfg.BatchSize),
		scheduler.WithLeaseTimeout(cfg.LeaseTimeout),
		scheduler.WithRetryPolicy(cfg.RetryPolicy()),
		scheduler.WithMeterProvider(a.telemetry.MeterProvider),
		scheduler.WithTracerProvider(a.telemetry.TracerProvider),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func payerRules(path string) ([]eligibility.Rule, error) {
	if path == "" {
		return nil, nil
	}
	rules, err := eligibility.LoadPayerRules(path)
	if err != nil {
		return nil, fmt.Errorf("load payer rules: %w", err)
	}
	return rules, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	a.scheduler.Start(ctx)

	handler := api.NewHandler(a.scheduler, a.claims, a.queue, logger.With().Str("component", "api").Logger())
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.ServerPort).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	a.scheduler.Stop()
	cancel()
	logger.Info().Msg("server stopped")
	return nil
}

func enqueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Start the billing pipeline for a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			reportID, _ := cmd.Flags().GetString("report")
			if reportID == "" {
				return fmt.Errorf("--report is required")
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.scheduler.Enqueue(ctx, task.Params{
				Type:       task.TypeCreateClaim,
				EntityID:   reportID,
				EntityType: task.EntityReport,
				Priority:   task.PriorityCreateClaim,
				DedupeKey:  "report-ready:" + reportID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), t.ID)
			return nil
		},
	}
	cmd.Flags().String("report", "", "ID of the billable report")
	return cmd
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Return a FAILED task to PENDING",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.scheduler.RetryTask(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", t.ID, t.Status)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the claim tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}

			ctx := cmd.Context()
			db, err := claim.OpenPostgres(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := claim.NewPostgresStore(db).Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Claim tables are up to date.")
			return nil
		},
	}
}
