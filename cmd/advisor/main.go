package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/quantfolio/advisor/internal/accounts"
	"github.com/quantfolio/advisor/internal/audit"
	"github.com/quantfolio/advisor/internal/broker"
	"github.com/quantfolio/advisor/internal/compliance"
	"github.com/quantfolio/advisor/internal/config"
	"github.com/quantfolio/advisor/internal/identity"
	httpapi "github.com/quantfolio/advisor/internal/interfaces/http"
	"github.com/quantfolio/advisor/internal/persistence/postgres"
	"github.com/quantfolio/advisor/internal/saga"
	"github.com/quantfolio/advisor/internal/tax"
	"github.com/quantfolio/advisor/internal/washsale"
	"github.com/quantfolio/advisor/internal/workflow"
)

const (
	appName = "advisor"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Transactional portfolio advisory engine",
		Version: version,
		Long: `Advisor executes financially irreversible portfolio operations as
sagas: strictly sequential steps, reverse-order compensation on failure,
and a pivot past which nothing is unwound. It ships the rebalance and
tax-loss harvesting workflows behind a JSON API with a full audit trail.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "config/advisor.yaml", "Path to configuration file")

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and fund-family mapping, then exit",
		RunE:  runCheckConfig,
	}
	checkCmd.Flags().String("config", "config/advisor.yaml", "Path to configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runCheckConfig(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	famCfg, err := washsale.LoadConfig(cfg.FundFamilies)
	if err != nil {
		return fmt.Errorf("fund families: %w", err)
	}
	detector, err := washsale.NewDetector(famCfg)
	if err != nil {
		return fmt.Errorf("fund families: %w", err)
	}
	log.Info().
		Str("config", configPath).
		Str("fund_families", cfg.FundFamilies).
		Int("tickers", len(detector.Tickers())).
		Msg("configuration OK")
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	famCfg, err := washsale.LoadConfig(cfg.FundFamilies)
	if err != nil {
		return fmt.Errorf("fund families: %w", err)
	}
	detector, err := washsale.NewDetector(famCfg)
	if err != nil {
		return fmt.Errorf("fund families: %w", err)
	}

	metrics := httpapi.NewMetricsRegistry()
	hooks := metrics.SagaHooks()

	var recorder audit.Recorder = audit.NewMemoryRecorder()
	if cfg.Postgres.DSN != "" {
		db, err := postgres.Open(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer db.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := postgres.Migrate(migrateCtx, db); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}

		recorder = postgres.NewDurableRecorder(postgres.NewAuditRepo(db, 5*time.Second))
		sagaRepo := postgres.NewSagaRepo(db, 5*time.Second)
		hooks.Persist = func(exec saga.Execution) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sagaRepo.Save(ctx, exec); err != nil {
				log.Error().Err(err).Str("saga_id", exec.ID).Msg("persisting saga record")
			}
		}
		log.Info().Msg("durable audit and saga stores enabled")
	}

	var idem saga.IdempotencyStore = saga.NewMemoryIdempotencyStore()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		idem = saga.NewRedisIdempotencyStore(client, cfg.Redis.KeyTTL)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("shared idempotency store enabled")
	}

	registry := identity.NewRegistry()
	apiAgent := identity.NewAgent("advisor-api", version, identity.AuthorityTradeLarge)
	registry.Register(apiAgent)
	registry.Register(identity.NewAgent("advisor-reporting", version, identity.AuthorityReadOnly))

	gate := compliance.NewGate(cfg.Gate, registry, recorder)
	executor := broker.NewSimBroker(cfg.Broker)
	rates := tax.Rates{ShortTerm: cfg.Tax.ShortTermRate, LongTerm: cfg.Tax.LongTermRate}

	orch := saga.New(cfg.Saga, recorder, idem, hooks)
	svc := workflow.NewService(cfg.Workflow, orch, gate, detector, rates, executor, recorder)

	store := accounts.NewStore()
	accounts.SeedSample(store)

	handlers := httpapi.NewHandlers(svc, recorder, registry, store, metrics, apiAgent, version)
	server := httpapi.NewServer(cfg.Server, handlers, metrics)

	// SIGHUP reloads the fund-family mapping without a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			famCfg, err := washsale.LoadConfig(cfg.FundFamilies)
			if err != nil {
				log.Error().Err(err).Msg("reloading fund families")
				continue
			}
			if err := detector.Reload(famCfg); err != nil {
				log.Error().Err(err).Msg("reloading fund families")
				continue
			}
			log.Info().Int("tickers", len(detector.Tickers())).Msg("fund families reloaded")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := orch.Drain(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("sagas still in flight at shutdown deadline")
	}
	return nil
}
