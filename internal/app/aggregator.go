/**
 * @description
 * Payout aggregation. Attributed canonical transactions are accumulated into
 * per-referral-code payout aggregates, guarded by the durable
 * processed-transaction ledger so reruns can never double-pay.
 */

package app

import (
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ant10293/payout-service/internal/domain"
)

// negativeReasons are the transaction reasons that flip revenue into a credit
// against the influencer's balance.
var negativeReasons = map[string]struct{}{
	"REFUND":     {},
	"DOWNGRADE":  {},
	"REVERSAL":   {},
	"CHARGEBACK": {},
}

// Aggregator accumulates attributed revenue into per-code payout aggregates.
type Aggregator struct {
	affiliateShare decimal.Decimal
	logger         *slog.Logger
}

// NewAggregator creates an aggregator for the given affiliate share ratio.
func NewAggregator(affiliateShare decimal.Decimal, logger *slog.Logger) *Aggregator {
	return &Aggregator{affiliateShare: affiliateShare, logger: logger}
}

// ComputeInfluencerPayouts folds canonical transactions into one payout
// aggregate per referral code. Transaction ids already present in a code's
// processed set are skipped entirely; this is the critical correctness control
// for resumed and repeated runs.
//
// The payout for each transaction is revenue x share banker's-rounded to 2
// decimal places individually, then summed. The summed payout can therefore
// differ slightly from rounding revenue x share once on the aggregate; that is
// intentional and matches the ledger history.
func (a *Aggregator) ComputeInfluencerPayouts(
	records []domain.TransactionRecord,
	referralCodes map[string]domain.ReferralCodeSnapshot,
) map[string]*domain.InfluencerPayout {
	payouts := make(map[string]*domain.InfluencerPayout)

	for _, record := range records {
		if record.ReferralCode == "" {
			continue
		}

		snapshot, known := referralCodes[record.ReferralCode]
		if known && record.TransactionID != "" {
			if _, processed := snapshot.ProcessedTransactionIDs[record.TransactionID]; processed {
				a.logger.Debug("skipping already-processed transaction",
					"transaction_id", record.TransactionID, "referral_code", record.ReferralCode)
				continue
			}
		}

		revenue := record.Price
		reason := strings.ToUpper(record.TransactionReason)
		if _, negative := negativeReasons[reason]; negative && revenue.IsPositive() {
			revenue = revenue.Neg()
		}

		payoutAmount := revenue.Mul(a.affiliateShare).RoundBank(2)

		current, ok := payouts[record.ReferralCode]
		if !ok {
			current = &domain.InfluencerPayout{
				ReferralCode: record.ReferralCode,
				Currency:     record.Currency,
			}
			if known {
				current.InfluencerName = snapshot.InfluencerName
				current.InfluencerEmail = snapshot.InfluencerEmail
				current.PayoutAccountID = snapshot.PayoutAccountID
				current.PayoutProvider = snapshot.PayoutProvider
				current.PayoutFrequency = snapshot.PayoutFrequency
				current.ExistingTotalPaid = snapshot.TotalPaid
				if snapshot.PayoutCurrency != "" {
					current.Currency = snapshot.PayoutCurrency
				}
			}
			payouts[record.ReferralCode] = current
		}

		current.TotalRevenue = current.TotalRevenue.Add(revenue)
		current.TotalPayout = current.TotalPayout.Add(payoutAmount)
		current.TransactionCount++
		if record.TransactionID != "" {
			current.TransactionIDs = append(current.TransactionIDs, record.TransactionID)
		}
	}

	return payouts
}
