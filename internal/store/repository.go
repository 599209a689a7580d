/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for
 * all data access required by the payout service: reading user snapshots and the
 * referral-code ledger at run start, and appending payout run records after
 * confirmed transfers. Defining an interface decouples the run pipeline from the
 * PostgreSQL implementation and keeps the components testable with stubs.
 */

package store

import (
	"context"

	"github.com/ant10293/payout-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// ListUserSnapshots reads every user document into an immutable run snapshot.
	ListUserSnapshots(ctx context.Context) ([]domain.UserSnapshot, error)

	// ListReferralCodes reads the full referral-code ledger keyed by upper-cased code.
	ListReferralCodes(ctx context.Context) (map[string]domain.ReferralCodeSnapshot, error)

	// RecordPayoutRun appends a payout run record, updates the cumulative total
	// paid, and unions the run's transaction ids into the processed set — all in
	// one database transaction. Called only after a confirmed transfer.
	RecordPayoutRun(ctx context.Context, record domain.PayoutRunRecord) error
}
