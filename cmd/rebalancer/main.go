package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer/pkg/concurrency"
	"rebalancer/pkg/telemetry"

	"rebalancer/internal/alert"
	"rebalancer/internal/bootstrap"
	"rebalancer/internal/broker"
	"rebalancer/internal/config"
	"rebalancer/internal/coordinator"
	"rebalancer/internal/core"
	"rebalancer/internal/execution"
	"rebalancer/internal/infrastructure/health"
	"rebalancer/internal/infrastructure/metrics"
	infraredis "rebalancer/internal/infrastructure/redis"
	"rebalancer/internal/liquidity"
	"rebalancer/internal/mock"
	"rebalancer/internal/settlement"
	"rebalancer/internal/store"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/rebalancer.yaml", "Path to configuration file")
	planPath := flag.String("plan", "", "Path to a rebalance plan JSON file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rebalancer version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}
	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "a plan file is required: -plan <file.json>")
		os.Exit(1)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	logger := app.Logger
	cfg := app.Cfg

	plan, err := loadPlan(*planPath)
	if err != nil {
		logger.Error("Failed to load plan", "path", *planPath, "error", err)
		os.Exit(1)
	}
	logger.Info("Starting rebalancer",
		"version", version,
		"plan_id", plan.PlanID,
		"sells", len(plan.SellItems),
		"buys", len(plan.BuyItems),
		"broker", cfg.Broker.Kind,
	)

	brk, err := buildBroker(cfg, logger)
	if err != nil {
		logger.Error("Failed to create broker", "error", err)
		os.Exit(1)
	}
	gateway := broker.NewGateway(brk, cfg.Broker, logger)

	healthMon := health.NewManager(logger)
	healthMon.Register("broker", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return gateway.CheckHealth(ctx)
	})

	settleStore, cleanup, err := buildSettlementStore(cfg, logger, healthMon)
	if err != nil {
		logger.Error("Failed to create settlement store", "error", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}
	tracker := settlement.NewTracker(settleStore, logger, telemetry.GetGlobalMetrics())

	var resultStore core.IResultStore
	if cfg.Archive.SQLitePath != "" {
		resultStore, err = store.NewSQLiteStore(cfg.Archive.SQLitePath, logger)
		if err != nil {
			logger.Error("Failed to open result archive", "error", err)
			os.Exit(1)
		}
		defer resultStore.Close()
	}

	alerts := alert.NewManager(logger)
	if cfg.Alerting.SlackWebhookURL != "" {
		alerts.AddChannel(alert.NewSlackChannel(cfg.Alerting.SlackWebhookURL))
	}
	if cfg.Alerting.TelegramBotToken != "" {
		alerts.AddChannel(alert.NewTelegramChannel(cfg.Alerting.TelegramBotToken, cfg.Alerting.TelegramChatID))
	}

	params := cfg.Execution.Params()
	fillPoll := time.Duration(cfg.Broker.FillPollSeconds * float64(time.Second))
	fills := broker.NewFillMonitor(gateway, fillPoll, logger)
	assessor := liquidity.NewAssessor(params, logger)
	machine := execution.NewMachine(gateway, fills, assessor, params, logger, telemetry.GetGlobalMetrics())

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "execution",
		MaxWorkers:  cfg.Concurrency.MaxWorkers,
		MaxCapacity: cfg.Concurrency.QueueCapacity,
	}, logger)
	defer pool.Stop()

	coord := coordinator.New(machine, tracker, pool, resultStore, alerts, coordinator.Options{
		SellFailureThresholdUSD: decimal.NewFromFloat(cfg.Settlement.SellFailureThresholdUSD),
		MaxSellRetries:          cfg.Settlement.MaxSellRetries,
		SellRetryDelay:          time.Duration(cfg.Settlement.SellRetryDelaySeconds) * time.Second,
	}, logger, telemetry.GetGlobalMetrics())
	defer coord.Stop()

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, healthMon, logger)
		metricsServer.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Stop(ctx)
		}()
	}

	err = app.Run(bootstrap.RunnerFunc(func(ctx context.Context) error {
		if err := fills.Start(ctx); err != nil {
			logger.Warn("Fill stream unavailable, relying on polling", "error", err)
		}
		defer fills.Stop()

		summary, err := coord.ExecutePlan(ctx, plan)
		if err != nil {
			return fmt.Errorf("plan execution: %w", err)
		}
		printSummary(summary)
		if summary.Phase == core.PhaseBlocked {
			return fmt.Errorf("plan %s blocked: failed sell value %s over threshold %s",
				summary.PlanID, summary.FailedSellValue.StringFixed(2), summary.ThresholdUSD.StringFixed(2))
		}
		return nil
	}))
	if err != nil {
		os.Exit(1)
	}
}

func buildBroker(cfg *config.Config, logger core.ILogger) (core.IBroker, error) {
	switch cfg.Broker.Kind {
	case "mock":
		b := mock.NewBroker()
		b.SyntheticQuotes = true
		b.OnLimitPlaced = mock.AutoFillAfter(250 * time.Millisecond)
		return b, nil
	case "remote":
		return broker.NewRemoteBroker(cfg.Broker, logger), nil
	default:
		return nil, fmt.Errorf("unknown broker kind: %s", cfg.Broker.Kind)
	}
}

func buildSettlementStore(cfg *config.Config, logger core.ILogger, healthMon *health.Manager) (core.ISettlementStore, func(), error) {
	switch cfg.Settlement.StoreKind {
	case "memory":
		return settlement.NewMemoryStore(), nil, nil
	case "redis":
		ttl := time.Duration(cfg.Settlement.PlanStateTTLHours) * time.Hour
		rs, err := infraredis.NewStore(cfg.Settlement.RedisURL, ttl, logger)
		if err != nil {
			return nil, nil, err
		}
		healthMon.Register("settlement_store", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return rs.Ping(ctx)
		})
		return rs, func() { rs.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown settlement store kind: %s", cfg.Settlement.StoreKind)
	}
}

func loadPlan(path string) (*core.RebalancePlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var plan core.RebalancePlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	return &plan, nil
}

func printSummary(s *core.PlanSummary) {
	fmt.Printf("plan %s finished in phase %s\n", s.PlanID, s.Phase)
	fmt.Printf("  filled value:      $%s\n", s.FilledValue.StringFixed(2))
	fmt.Printf("  failed sell value: $%s (threshold $%s)\n",
		s.FailedSellValue.StringFixed(2), s.ThresholdUSD.StringFixed(2))
	for _, r := range s.Results {
		fmt.Printf("  %-4s %-6s %s/%s @ %s  %s %s\n",
			r.Side, r.Symbol, r.FilledQuantity.String(), r.Quantity.String(),
			r.FinalPrice.StringFixed(2), r.Status, r.ErrorKind)
	}
}
