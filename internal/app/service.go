/**
 * @description
 * The run pipeline: snapshot the user and referral stores, fetch each user's
 * purchase history, normalize, aggregate, orchestrate transfers, and compute
 * growth metrics. One sequential batch per run; only the per-user history
 * fetches are parallelized, since each is independent and produces immutable
 * output.
 */

package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ant10293/payout-service/internal/domain"
	"github.com/ant10293/payout-service/pkg/appstoreclient"
)

// HistoryClient fetches a user's full purchase history from the verification API.
type HistoryClient interface {
	GetTransactionHistory(ctx context.Context, originalTransactionID, environment string) ([]appstoreclient.DecodedTransaction, error)
}

// SnapshotReader reads the run-start snapshots from the store.
type SnapshotReader interface {
	ListUserSnapshots(ctx context.Context) ([]domain.UserSnapshot, error)
	ListReferralCodes(ctx context.Context) (map[string]domain.ReferralCodeSnapshot, error)
}

// Service wires the pipeline components together for a run.
type Service struct {
	store            SnapshotReader
	history          HistoryClient
	normalizer       *Normalizer
	aggregator       *Aggregator
	orchestrator     *Orchestrator
	logger           *slog.Logger
	fetchConcurrency int
}

// NewService creates the run pipeline.
func NewService(store SnapshotReader, history HistoryClient, normalizer *Normalizer, aggregator *Aggregator, orchestrator *Orchestrator, logger *slog.Logger, fetchConcurrency int) *Service {
	if fetchConcurrency < 1 {
		fetchConcurrency = 1
	}
	return &Service{
		store:            store,
		history:          history,
		normalizer:       normalizer,
		aggregator:       aggregator,
		orchestrator:     orchestrator,
		logger:           logger,
		fetchConcurrency: fetchConcurrency,
	}
}

// RunResult carries everything the report consumer needs for one run.
type RunResult struct {
	RunID               string
	Start               time.Time
	End                 time.Time
	UserMetrics         domain.UserMetrics
	SubscriptionMetrics domain.SubscriptionMetrics
	Payouts             map[string]*domain.InfluencerPayout
	Transactions        []domain.TransactionRecord
	TotalRevenue        decimal.Decimal
	TotalPayout         decimal.Decimal
}

// Run executes one reconciliation batch over the inclusive [start, end] window.
func (s *Service) Run(ctx context.Context, runID string, start, end time.Time) (*RunResult, error) {
	s.logger.Info("starting payout run", "run_id", runID,
		"window_start", start.Format(time.RFC3339), "window_end", end.Format(time.RFC3339))

	users, err := s.store.ListUserSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load user snapshots: %w", err)
	}
	s.logger.Info("prepared user snapshots", "count", len(users))

	referralCodes, err := s.store.ListReferralCodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load referral codes: %w", err)
	}
	s.logger.Info("loaded referral codes", "count", len(referralCodes))

	transactionsByUser := s.fetchTransactions(ctx, users)

	referrals := make(map[string]ReferralAttribution, len(users))
	for _, user := range users {
		referrals[user.UID] = ReferralAttribution{
			Code:            user.ReferralCode,
			UsedForPurchase: user.ReferralCodeUsedForPurchase,
		}
	}

	records := s.normalizer.BuildTransactionRecords(transactionsByUser, referrals, start, end)

	totalRevenue := decimal.Zero
	for _, record := range records {
		totalRevenue = totalRevenue.Add(record.Price)
	}

	payouts := s.aggregator.ComputeInfluencerPayouts(records, referralCodes)
	s.orchestrator.Execute(ctx, runID, payouts)

	totalPayout := decimal.Zero
	for _, payout := range payouts {
		totalPayout = totalPayout.Add(payout.TotalPayout)
	}

	result := &RunResult{
		RunID:               runID,
		Start:               start,
		End:                 end,
		UserMetrics:         ComputeUserMetrics(users, start, end),
		SubscriptionMetrics: ComputeSubscriptionMetrics(users, transactionsByUser, start, end),
		Payouts:             payouts,
		Transactions:        records,
		TotalRevenue:        totalRevenue,
		TotalPayout:         totalPayout,
	}

	s.logger.Info("payout run finished", "run_id", runID,
		"transactions", len(records), "referral_payouts", len(payouts),
		"total_revenue", totalRevenue.StringFixed(2), "total_payout", totalPayout.StringFixed(2))
	return result, nil
}

// fetchTransactions retrieves each subscribed user's purchase history with a
// bounded worker pool. A failed fetch excludes that user from the run and is
// logged; partial data never aborts the batch.
func (s *Service) fetchTransactions(ctx context.Context, users []domain.UserSnapshot) map[string][]domain.RawTransaction {
	out := make(map[string][]domain.RawTransaction)
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, s.fetchConcurrency)
	)

	for _, user := range users {
		originalTransactionID := strings.TrimSpace(user.SubscriptionStatus.OriginalTransactionID)
		if originalTransactionID == "" || originalTransactionID == "0" {
			s.logger.Debug("skipping user without subscription identity", "uid", user.UID)
			continue
		}

		wg.Add(1)
		go func(user domain.UserSnapshot, originalTransactionID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			decoded, err := s.history.GetTransactionHistory(ctx, originalTransactionID, user.SubscriptionStatus.Environment)
			if err != nil {
				s.logger.Error("failed to fetch transactions for user",
					"uid", user.UID, "original_transaction_id", originalTransactionID, "error", err)
				return
			}

			raw := make([]domain.RawTransaction, 0, len(decoded))
			for _, tx := range decoded {
				raw = append(raw, domain.RawTransaction{
					OriginalTransactionID: tx.OriginalTransactionID,
					TransactionID:         tx.TransactionID,
					ProductID:             tx.ProductID,
					PurchaseDate:          tx.PurchaseDate,
					ExpiresDate:           tx.ExpiresDate,
					Currency:              tx.Currency,
					Price:                 tx.Price,
					TransactionReason:     tx.TransactionReason,
					Environment:           tx.Environment,
				})
			}

			mu.Lock()
			out[user.UID] = raw
			mu.Unlock()
		}(user, originalTransactionID)
	}

	wg.Wait()
	s.logger.Info("fetched transaction histories", "users", len(out))
	return out
}
