/**
 * @description
 * This file defines the core domain models for the payout reconciliation pipeline:
 * the boundary-normalized raw transaction, the canonical transaction record, the
 * per-code referral ledger snapshot, and the per-run payout aggregate.
 *
 * @notes
 * - Monetary values use shopspring/decimal rather than floats so that rounding
 *   and equality checks stay deterministic.
 * - The processed-transaction-id set on ReferralCodeSnapshot is the system's core
 *   idempotency guard: an id present in the set must never contribute to a new
 *   payout aggregate in any later run.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PayoutState is the terminal outcome of a referral code's payout for one run.
type PayoutState string

const (
	PayoutStateNoTransactions PayoutState = "no_transactions"
	PayoutStateNonPositive    PayoutState = "non_positive"
	PayoutStateMissingAccount PayoutState = "missing_account"
	PayoutStateDryRun         PayoutState = "dry_run"
	PayoutStateExecuted       PayoutState = "executed"
	PayoutStateFailed         PayoutState = "failed"
)

// RawTransaction is one decoded purchase event as reported by the purchase
// verification API, normalized at the boundary into a typed shape. Optional
// fields are pointers; a nil PurchaseDate excludes the event from every run.
type RawTransaction struct {
	OriginalTransactionID string
	TransactionID         string
	ProductID             string
	PurchaseDate          *time.Time
	ExpiresDate           *time.Time
	Currency              string
	Price                 *decimal.Decimal
	TransactionReason     string
	Environment           string
}

// TransactionRecord is the canonical, immutable transaction shape consumed by
// the aggregator and the report. Its purchase date always lies within the
// reporting window, and its price is resolved to 2 decimal places.
type TransactionRecord struct {
	UserID                string
	ReferralCode          string // empty when the purchase was not attributed to a referral
	ProductID             string
	PurchaseDate          time.Time
	Price                 decimal.Decimal
	Currency              string
	TransactionReason     string
	OriginalTransactionID string
	Environment           string
	TransactionID         string
}

// ReferralCodeSnapshot is the durable per-code ledger state read at run start.
// It is the only entity with cross-run persistence; mutations happen exclusively
// through RecordPayoutRun after a confirmed transfer.
type ReferralCodeSnapshot struct {
	Code                    string
	InfluencerName          string
	InfluencerEmail         string
	PayoutAccountID         string
	PayoutProvider          string
	PayoutFrequency         string
	ProcessedTransactionIDs map[string]struct{}
	TotalPaid               decimal.Decimal
	PayoutCurrency          string
}

// InfluencerPayout is the transient per-run aggregate for one referral code.
// The aggregator builds it incrementally; the orchestrator finalizes state,
// transfer id, and notes for the report.
type InfluencerPayout struct {
	ReferralCode      string
	InfluencerName    string
	InfluencerEmail   string
	PayoutAccountID   string
	PayoutProvider    string
	PayoutFrequency   string
	TotalRevenue      decimal.Decimal
	TotalPayout       decimal.Decimal
	TransactionCount  int
	TransactionIDs    []string
	ExistingTotalPaid decimal.Decimal
	Currency          string
	State             PayoutState
	TransferID        string
	DryRun            bool
	Notes             []string
}

// PayoutRunRecord is the append-only ledger entry persisted when a transfer
// executes. The write must be atomic: the run record, the new cumulative total,
// and the processed-id set union land in a single database transaction.
type PayoutRunRecord struct {
	ReferralCode   string
	RunID          string
	Amount         decimal.Decimal
	NewTotalPaid   decimal.Decimal
	Currency       string
	TransactionIDs []string
	TransferID     string
	ExecutedAt     time.Time
}
