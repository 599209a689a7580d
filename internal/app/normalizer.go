/**
 * @description
 * Transaction normalization and referral attribution. Raw purchase events from
 * the verification API are converted into canonical transaction records:
 * window-filtered, price-corrected, and attributed to a referral code when the
 * user's purchase carried one.
 */

package app

import (
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ant10293/payout-service/internal/domain"
)

// ReferralAttribution is the per-user referral info consulted during
// normalization: the code on file and whether it was used for a purchase.
type ReferralAttribution struct {
	Code            string
	UsedForPurchase bool
}

// priceScaleFactors are the known upstream unit-scaling defects: prices
// occasionally arrive multiplied by one of these factors. The set is fixed; the
// tolerance band around each factor is configurable, but no additional factors
// are inferred.
var priceScaleFactors = []decimal.Decimal{
	decimal.NewFromInt(100),
	decimal.NewFromInt(1000),
	decimal.NewFromInt(10000),
}

// Normalizer converts raw transactions into canonical records.
type Normalizer struct {
	productPrices  map[string]decimal.Decimal
	scaleTolerance decimal.Decimal
	logger         *slog.Logger
}

// NewNormalizer creates a normalizer with the static expected-price table and
// the tolerance band applied around each scale factor.
func NewNormalizer(productPrices map[string]decimal.Decimal, scaleTolerance decimal.Decimal, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		productPrices:  productPrices,
		scaleTolerance: scaleTolerance,
		logger:         logger,
	}
}

// BuildTransactionRecords produces one canonical record per retained raw
// transaction. A transaction is retained iff it has a purchase timestamp inside
// the inclusive [start, end] window and its price can be resolved. Purely
// functional: no side effects beyond logging.
func (n *Normalizer) BuildTransactionRecords(
	userTransactions map[string][]domain.RawTransaction,
	userReferrals map[string]ReferralAttribution,
	start, end time.Time,
) []domain.TransactionRecord {
	var records []domain.TransactionRecord

	// Stable user order keeps record and report ordering identical across runs.
	uids := make([]string, 0, len(userTransactions))
	for uid := range userTransactions {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	for _, uid := range uids {
		transactions := userTransactions[uid]
		referral := userReferrals[uid]

		for _, tx := range transactions {
			if tx.PurchaseDate == nil {
				continue
			}
			purchaseDate := tx.PurchaseDate.UTC()
			if purchaseDate.Before(start) || purchaseDate.After(end) {
				continue
			}

			price, ok := n.resolvePrice(tx)
			if !ok {
				continue
			}

			// Revenue is attributed only when the purchase actually used the code;
			// unattributed records still feed the metrics and the report.
			code := ""
			if referral.UsedForPurchase {
				code = referral.Code
			}

			currency := tx.Currency
			if currency == "" {
				currency = "USD"
			}
			transactionID := tx.TransactionID
			if transactionID == "" {
				transactionID = tx.OriginalTransactionID
			}

			records = append(records, domain.TransactionRecord{
				UserID:                uid,
				ReferralCode:          code,
				ProductID:             tx.ProductID,
				PurchaseDate:          purchaseDate,
				Price:                 price,
				Currency:              currency,
				TransactionReason:     tx.TransactionReason,
				OriginalTransactionID: tx.OriginalTransactionID,
				Environment:           tx.Environment,
				TransactionID:         transactionID,
			})
		}
	}

	n.logger.Info("built transaction records within reporting window", "count", len(records))
	return records
}

// resolvePrice returns the transaction's price corrected for known upstream
// scaling defects, falling back to the static expected price when the raw
// record reports none. Returns false when no price can be resolved; such
// transactions are skipped, never fabricated.
func (n *Normalizer) resolvePrice(tx domain.RawTransaction) (decimal.Decimal, bool) {
	expected, hasExpected := n.productPrices[tx.ProductID]

	if tx.Price == nil {
		if hasExpected {
			n.logger.Warn("transaction missing price; falling back to static price",
				"transaction_id", tx.TransactionID, "product_id", tx.ProductID)
			return expected, true
		}
		n.logger.Warn("skipping transaction because price is unavailable",
			"transaction_id", tx.TransactionID, "product_id", tx.ProductID)
		return decimal.Decimal{}, false
	}

	price := *tx.Price
	if hasExpected {
		if !price.Equal(expected) {
			ratio := price.Div(expected)
			for _, factor := range priceScaleFactors {
				if ratio.GreaterThanOrEqual(factor.Sub(n.scaleTolerance)) && ratio.LessThanOrEqual(factor.Add(n.scaleTolerance)) {
					return price.Div(factor).RoundBank(2), true
				}
			}
		}
	} else if price.GreaterThanOrEqual(decimal.NewFromInt(1000)) {
		// No expected price to compare against; a four-digit price for a
		// subscription product is the milliunit defect.
		return price.Div(decimal.NewFromInt(1000)).RoundBank(2), true
	}
	return price, true
}
