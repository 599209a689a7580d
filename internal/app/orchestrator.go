/**
 * @description
 * Transfer orchestration. Each referral code's payout aggregate is driven
 * through a small state machine with terminal states: no_transactions,
 * non_positive, missing_account, dry_run, executed, failed. Side effects
 * (transfer call, ledger write, event publish) happen exclusively on the
 * executed path; every other branch is pure decision logic plus notes for the
 * report.
 */

package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ant10293/payout-service/internal/domain"
	"github.com/ant10293/payout-service/pkg/rabbitmq"
	"github.com/ant10293/payout-service/pkg/stripeclient"
)

// metadataTransactionLimit caps how many transaction ids are attached to a
// transfer's metadata for traceability.
const metadataTransactionLimit = 20

// TransferClient submits transfers to the payments processor.
type TransferClient interface {
	CreateTransfer(ctx context.Context, req stripeclient.TransferRequest) (*stripeclient.TransferResult, error)
	DryRun() bool
}

// LedgerWriter persists confirmed payout runs.
type LedgerWriter interface {
	RecordPayoutRun(ctx context.Context, record domain.PayoutRunRecord) error
}

// Orchestrator decides, per referral code, whether to skip, flag, or execute a
// transfer, and commits ledger updates only on confirmed execution.
type Orchestrator struct {
	transfers TransferClient
	ledger    LedgerWriter
	events    rabbitmq.Publisher
	logger    *slog.Logger
	currency  string
}

// NewOrchestrator creates a transfer orchestrator. currency is the payout
// currency used for transfers and ledger records.
func NewOrchestrator(transfers TransferClient, ledger LedgerWriter, events rabbitmq.Publisher, logger *slog.Logger, currency string) *Orchestrator {
	return &Orchestrator{
		transfers: transfers,
		ledger:    ledger,
		events:    events,
		logger:    logger,
		currency:  currency,
	}
}

// Execute evaluates every payout aggregate independently, in deterministic code
// order. Each code's ledger is owned by exactly one evaluation for the run.
func (o *Orchestrator) Execute(ctx context.Context, runID string, payouts map[string]*domain.InfluencerPayout) {
	codes := make([]string, 0, len(payouts))
	for code := range payouts {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		o.executeOne(ctx, runID, code, payouts[code])
	}
}

func (o *Orchestrator) executeOne(ctx context.Context, runID, code string, payout *domain.InfluencerPayout) {
	payout.DryRun = o.transfers.DryRun()

	if len(payout.TransactionIDs) == 0 {
		payout.State = domain.PayoutStateNoTransactions
		payout.Notes = append(payout.Notes, "No new referral transactions in this window.")
		return
	}

	if !payout.TotalPayout.IsPositive() {
		payout.State = domain.PayoutStateNonPositive
		if payout.TotalPayout.IsNegative() {
			payout.Notes = append(payout.Notes, "Net negative balance (credit carried forward).")
		} else {
			payout.Notes = append(payout.Notes, "No positive payout due.")
		}
		return
	}

	if payout.PayoutAccountID == "" {
		payout.State = domain.PayoutStateMissingAccount
		payout.Notes = append(payout.Notes, "Missing payout account ID; manual follow-up required.")
		o.logger.Warn("referral code has no payout account; skipping transfer", "referral_code", code)
		return
	}

	transactionIDs := uniqueSorted(payout.TransactionIDs)
	metadataIDs := transactionIDs
	if len(metadataIDs) > metadataTransactionLimit {
		metadataIDs = metadataIDs[:metadataTransactionLimit]
	}

	result, err := o.transfers.CreateTransfer(ctx, stripeclient.TransferRequest{
		Amount:             payout.TotalPayout,
		Currency:           o.currency,
		DestinationAccount: payout.PayoutAccountID,
		Metadata: map[string]string{
			"run_id":        runID,
			"referral_code": code,
			"transactions":  strings.Join(metadataIDs, ","),
		},
	})
	if err != nil {
		payout.State = domain.PayoutStateFailed
		payout.Notes = append(payout.Notes, fmt.Sprintf("Transfer error: %v", err))
		o.logger.Error("transfer failed", "referral_code", code, "amount", payout.TotalPayout, "error", err)
		return
	}

	payout.DryRun = result.DryRun
	if result.DryRun {
		payout.State = domain.PayoutStateDryRun
		payout.Notes = append(payout.Notes, "Dry-run mode: transfer not sent.")
		return
	}
	if result.TransferID == "" {
		payout.State = domain.PayoutStateFailed
		payout.Notes = append(payout.Notes, "Transfer completed without an id; see logs.")
		o.logger.Error("transfer returned no id", "referral_code", code)
		return
	}

	payout.TransferID = result.TransferID
	executedAt := time.Now().UTC()
	newTotalPaid := payout.ExistingTotalPaid.Add(payout.TotalPayout)

	record := domain.PayoutRunRecord{
		ReferralCode:   code,
		RunID:          runID,
		Amount:         payout.TotalPayout,
		NewTotalPaid:   newTotalPaid,
		Currency:       o.currency,
		TransactionIDs: transactionIDs,
		TransferID:     result.TransferID,
		ExecutedAt:     executedAt,
	}
	if err := o.ledger.RecordPayoutRun(ctx, record); err != nil {
		// The transfer went out but the ledger write failed. Without the
		// processed-id append the next run would pay these transactions again,
		// so this must surface for manual reconciliation.
		payout.State = domain.PayoutStateFailed
		payout.Notes = append(payout.Notes,
			fmt.Sprintf("Transfer %s sent but ledger update failed: %v; manual reconciliation required.", result.TransferID, err))
		o.logger.Error("ledger update failed after transfer",
			"referral_code", code, "transfer_id", result.TransferID, "error", err)
		return
	}

	payout.State = domain.PayoutStateExecuted
	payout.ExistingTotalPaid = newTotalPaid
	payout.Notes = append(payout.Notes,
		fmt.Sprintf("Transfer %s sent.", result.TransferID),
		fmt.Sprintf("Lifetime paid: %s %s", newTotalPaid.StringFixed(2), o.currency))
	o.logger.Info("payout executed",
		"referral_code", code, "amount", payout.TotalPayout.StringFixed(2),
		"currency", o.currency, "transfer_id", result.TransferID, "transactions", len(transactionIDs))

	if err := o.events.PublishPayoutExecuted(ctx, rabbitmq.PayoutExecutedEvent{
		RunID:            runID,
		ReferralCode:     code,
		Amount:           payout.TotalPayout.StringFixed(2),
		Currency:         o.currency,
		TransferID:       result.TransferID,
		TransactionCount: len(transactionIDs),
		ExecutedAt:       executedAt,
	}); err != nil {
		// Event delivery is best effort; the ledger is already consistent.
		o.logger.Warn("failed to publish payout event", "referral_code", code, "error", err)
	}
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
