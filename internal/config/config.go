/**
 * @description
 * Configuration management for the payout service. It uses the Viper library to
 * read configuration from environment variables, providing a centralized and
 * straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Exact representation for the affiliate share
 *   and the price table.
 */

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payout service.
// These values are loaded from environment variables.
type Config struct {
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	AppStoreIssuerID   string `mapstructure:"APPSTORE_ISSUER_ID"`
	AppStoreKeyID      string `mapstructure:"APPSTORE_KEY_ID"`
	AppStorePrivateKey string `mapstructure:"APPSTORE_PRIVATE_KEY"`
	AppStoreBundleID   string `mapstructure:"APPSTORE_BUNDLE_ID"`
	AppStoreAppAppleID string `mapstructure:"APPSTORE_APP_APPLE_ID"`

	StripeSecretKey           string `mapstructure:"STRIPE_SECRET_KEY"`
	StripePayoutCurrency      string `mapstructure:"STRIPE_PAYOUT_CURRENCY"`
	StripeTransferDescription string `mapstructure:"STRIPE_TRANSFER_DESCRIPTION"`
	PayoutDryRun              bool   `mapstructure:"PAYOUT_DRY_RUN"`

	ReportCurrency   string `mapstructure:"REPORT_CURRENCY"`
	ReportOutputDir  string `mapstructure:"REPORT_OUTPUT_DIR"`
	ReportTimezone   string `mapstructure:"REPORT_TIMEZONE"`
	FetchConcurrency int    `mapstructure:"FETCH_CONCURRENCY"`

	RabbitMQURL      string `mapstructure:"RABBITMQ_URL"`
	PayoutEventQueue string `mapstructure:"PAYOUT_EVENT_QUEUE"`

	PayoutJobSchedule string `mapstructure:"PAYOUT_JOB_SCHEDULE"`

	// Parsed after unmarshalling; not bound directly by viper.
	AffiliateShare      decimal.Decimal            `mapstructure:"-"`
	PriceScaleTolerance decimal.Decimal            `mapstructure:"-"`
	ProductPrices       map[string]decimal.Decimal `mapstructure:"-"`
	DisplayLocation     *time.Location             `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables. A missing required
// variable or an invalid value is a fatal configuration error: the caller must
// abort before any processing begins.
func LoadConfig() (*Config, error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("STRIPE_PAYOUT_CURRENCY", "USD")
	viper.SetDefault("PAYOUT_DRY_RUN", true)
	viper.SetDefault("REPORT_CURRENCY", "USD")
	viper.SetDefault("REPORT_TIMEZONE", "UTC")
	viper.SetDefault("AFFILIATE_SHARE", "0.40")
	viper.SetDefault("PRICE_SCALE_TOLERANCE", "1")
	viper.SetDefault("FETCH_CONCURRENCY", 4)
	viper.SetDefault("PAYOUT_EVENT_QUEUE", "payout_service.payout_events")
	viper.SetDefault("PAYOUT_JOB_SCHEDULE", "0 6 * * 1")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("APPSTORE_ISSUER_ID")
	_ = viper.BindEnv("APPSTORE_KEY_ID")
	_ = viper.BindEnv("APPSTORE_PRIVATE_KEY")
	_ = viper.BindEnv("APPSTORE_BUNDLE_ID")
	_ = viper.BindEnv("APPSTORE_APP_APPLE_ID")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("STRIPE_PAYOUT_CURRENCY")
	_ = viper.BindEnv("STRIPE_TRANSFER_DESCRIPTION")
	_ = viper.BindEnv("PAYOUT_DRY_RUN")
	_ = viper.BindEnv("REPORT_CURRENCY")
	_ = viper.BindEnv("REPORT_OUTPUT_DIR")
	_ = viper.BindEnv("REPORT_TIMEZONE")
	_ = viper.BindEnv("AFFILIATE_SHARE")
	_ = viper.BindEnv("PRICE_SCALE_TOLERANCE")
	_ = viper.BindEnv("FETCH_CONCURRENCY")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYOUT_EVENT_QUEUE")
	_ = viper.BindEnv("PAYOUT_JOB_SCHEDULE")

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	required := map[string]string{
		"DATABASE_URL":         cfg.DatabaseURL,
		"APPSTORE_ISSUER_ID":   cfg.AppStoreIssuerID,
		"APPSTORE_KEY_ID":      cfg.AppStoreKeyID,
		"APPSTORE_PRIVATE_KEY": cfg.AppStorePrivateKey,
		"APPSTORE_BUNDLE_ID":   cfg.AppStoreBundleID,
	}
	for _, name := range []string{"DATABASE_URL", "APPSTORE_ISSUER_ID", "APPSTORE_KEY_ID", "APPSTORE_PRIVATE_KEY", "APPSTORE_BUNDLE_ID"} {
		if strings.TrimSpace(required[name]) == "" {
			return nil, fmt.Errorf("missing required environment variable: %s", name)
		}
	}

	// Private keys exported into env files usually carry literal \n sequences.
	cfg.AppStorePrivateKey = strings.TrimSpace(strings.ReplaceAll(cfg.AppStorePrivateKey, `\n`, "\n"))

	share, err := decimal.NewFromString(viper.GetString("AFFILIATE_SHARE"))
	if err != nil {
		return nil, fmt.Errorf("invalid AFFILIATE_SHARE: %w", err)
	}
	if !share.IsPositive() || share.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("AFFILIATE_SHARE must be in (0, 1], got %s", share)
	}
	cfg.AffiliateShare = share

	tolerance, err := decimal.NewFromString(viper.GetString("PRICE_SCALE_TOLERANCE"))
	if err != nil || tolerance.IsNegative() {
		return nil, fmt.Errorf("invalid PRICE_SCALE_TOLERANCE: %q", viper.GetString("PRICE_SCALE_TOLERANCE"))
	}
	cfg.PriceScaleTolerance = tolerance

	loc, err := time.LoadLocation(cfg.ReportTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid REPORT_TIMEZONE %q: %w", cfg.ReportTimezone, err)
	}
	cfg.DisplayLocation = loc

	if cfg.ReportOutputDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory for report output: %w", err)
		}
		cfg.ReportOutputDir = filepath.Join(home, "FitHubPayoutReports")
	}

	if cfg.FetchConcurrency < 1 {
		cfg.FetchConcurrency = 1
	}

	cfg.StripePayoutCurrency = strings.ToUpper(cfg.StripePayoutCurrency)
	cfg.ProductPrices = defaultProductPrices()

	return &cfg, nil
}

// defaultProductPrices is the static expected-price table (USD) used for the
// price-correction heuristic and the missing-price fallback.
func defaultProductPrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"com.FitHub.premium.monthly":  decimal.RequireFromString("3.99"),
		"com.FitHub.premium.yearly":   decimal.RequireFromString("29.99"),
		"com.FitHub.premium.lifetime": decimal.RequireFromString("89.99"),
	}
}
