/**
 * @description
 * This is the main entry point for the payout service. It is a non-HTTP batch
 * process: by default it runs one reconciliation over the requested reporting
 * window and writes a CSV report; with -schedule it stays resident and runs the
 * job on a cron schedule.
 *
 * Transfers are dry-run unless -execute-payouts is passed, so a casual run can
 * never move money.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/ant10293/payout-service/internal/app"
	"github.com/ant10293/payout-service/internal/config"
	"github.com/ant10293/payout-service/internal/report"
	"github.com/ant10293/payout-service/internal/store"
	"github.com/ant10293/payout-service/pkg/appstoreclient"
	"github.com/ant10293/payout-service/pkg/rabbitmq"
	"github.com/ant10293/payout-service/pkg/stripeclient"
)

func main() {
	startFlag := flag.String("start", "", "Reporting window start (ISO 8601). Defaults to 7 days ago.")
	endFlag := flag.String("end", "", "Reporting window end (ISO 8601). Defaults to now (UTC).")
	outputFlag := flag.String("output", "", "Override for the report output directory.")
	manualFlag := flag.Bool("manual", false, "Mark the run as manual (affects run naming only).")
	executeFlag := flag.Bool("execute-payouts", false, "Execute transfers and update the payout ledger (overrides the dry-run default).")
	scheduleFlag := flag.Bool("schedule", false, "Stay resident and run the payout job on the configured cron schedule.")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load a local .env if present; environment variables still win.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *outputFlag != "" {
		cfg.ReportOutputDir = *outputFlag
	}

	dryRun := cfg.PayoutDryRun
	if *executeFlag {
		dryRun = false
	}

	ctx := context.Background()

	dbpool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	repository := store.NewPostgresRepository(dbpool)

	historyClient, err := appstoreclient.NewClient(cfg.AppStoreIssuerID, cfg.AppStoreKeyID,
		cfg.AppStorePrivateKey, cfg.AppStoreBundleID, cfg.AppStoreAppAppleID)
	if err != nil {
		logger.Error("failed to initialise App Store client", "error", err)
		os.Exit(1)
	}

	transferClient := stripeclient.NewClient(cfg.StripeSecretKey, cfg.StripePayoutCurrency,
		dryRun, cfg.StripeTransferDescription)
	logger.Info("stripe client initialised", "dry_run", transferClient.DryRun())

	var producer rabbitmq.Publisher = rabbitmq.NoopProducer{}
	if cfg.RabbitMQURL != "" {
		p, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, cfg.PayoutEventQueue)
		if err != nil {
			logger.Warn("rabbitmq unavailable; payout events disabled", "error", err)
		} else {
			producer = p
			defer p.Close()
		}
	}

	normalizer := app.NewNormalizer(cfg.ProductPrices, cfg.PriceScaleTolerance, logger)
	aggregator := app.NewAggregator(cfg.AffiliateShare, logger)
	orchestrator := app.NewOrchestrator(transferClient, repository, producer, logger, cfg.StripePayoutCurrency)
	service := app.NewService(repository, historyClient, normalizer, aggregator, orchestrator, logger, cfg.FetchConcurrency)

	if *scheduleFlag {
		runScheduled(ctx, service, cfg, logger, *manualFlag)
		return
	}

	start, end, err := determineWindow(*startFlag, *endFlag)
	if err != nil {
		logger.Error("invalid reporting window", "error", err)
		os.Exit(1)
	}
	if err := runOnce(ctx, service, cfg, logger, start, end, *manualFlag); err != nil {
		logger.Error("payout run failed", "error", err)
		os.Exit(1)
	}
}

// runOnce executes a single reconciliation batch and writes the CSV report.
func runOnce(ctx context.Context, service *app.Service, cfg *config.Config, logger *slog.Logger, start, end time.Time, manual bool) error {
	runID := time.Now().UTC().Format("20060102_150405")
	if manual {
		runID += "_manual"
	}

	result, err := service.Run(ctx, runID, start, end)
	if err != nil {
		return err
	}

	reportPath := filepath.Join(cfg.ReportOutputDir, "reports", start.Format("2006-01-02"), runID+".csv")
	if err := report.WriteCSV(reportPath, result, cfg.ReportCurrency, cfg.DisplayLocation); err != nil {
		return err
	}
	logger.Info("report written", "path", reportPath)
	return nil
}

// runScheduled registers the payout job with the cron scheduler and blocks
// until a termination signal. Each invocation uses a fresh default window.
func runScheduled(ctx context.Context, service *app.Service, cfg *config.Config, logger *slog.Logger, manual bool) {
	scheduler := app.NewScheduler(logger)
	err := scheduler.Schedule(cfg.PayoutJobSchedule, func() {
		start, end := defaultWindow()
		if err := runOnce(ctx, service, cfg, logger, start, end, manual); err != nil {
			logger.Error("scheduled payout run failed", "error", err)
		}
	})
	if err != nil {
		logger.Error("failed to schedule payout job", "error", err)
		os.Exit(1)
	}

	scheduler.Start()
	logger.Info("scheduler started", "schedule", cfg.PayoutJobSchedule)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}

// defaultWindow is the trailing 7 days ending now (UTC).
func defaultWindow() (time.Time, time.Time) {
	end := time.Now().UTC()
	return end.AddDate(0, 0, -7), end
}

// determineWindow resolves the reporting window from the CLI flags, accepting
// RFC 3339 timestamps or bare dates. End must be after start.
func determineWindow(startRaw, endRaw string) (time.Time, time.Time, error) {
	defStart, defEnd := defaultWindow()

	start := defStart
	if startRaw != "" {
		parsed, err := parseTimestamp(startRaw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -start: %w", err)
		}
		start = parsed
	}

	end := defEnd
	if endRaw != "" {
		parsed, err := parseTimestamp(endRaw)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -end: %w", err)
		}
		end = parsed
	}

	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end timestamp must be after start timestamp")
	}
	return start, end, nil
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q (want RFC 3339 or YYYY-MM-DD)", value)
}
