/**
 * @description
 * Growth metrics over the reporting window: user counts and per-product
 * subscription counts with referred-vs-total ratios. Independent of the payout
 * path but sharing the same window and snapshot inputs.
 */

package app

import (
	"sort"
	"time"

	"github.com/ant10293/payout-service/internal/domain"
)

// ratio guards against a zero denominator, returning 0.0 instead of dividing.
func ratio(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0.0
	}
	return float64(numerator) / float64(denominator)
}

// ComputeUserMetrics summarizes user growth over [start, end]. "New" means the
// account was created within the window; "referred" means a referral code is on
// file.
func ComputeUserMetrics(users []domain.UserSnapshot, start, end time.Time) domain.UserMetrics {
	metrics := domain.UserMetrics{TotalUsers: len(users)}

	for _, user := range users {
		isNew := !user.CreatedAt.Before(start) && !user.CreatedAt.After(end)
		if isNew {
			metrics.NewUsers++
		}
		if user.ReferralCode != "" {
			metrics.TotalReferredUsers++
			if isNew {
				metrics.NewReferredUsers++
			}
		}
	}

	metrics.NewReferredRatio = ratio(metrics.NewReferredUsers, metrics.NewUsers)
	metrics.TotalReferredRatio = ratio(metrics.TotalReferredUsers, metrics.TotalUsers)
	return metrics
}

// productAccumulator tracks per-product subscriber sets while walking a user's
// transaction history.
type productAccumulator struct {
	newSubscribers map[string]struct{}
	active         map[string]struct{}
}

func newProductAccumulator() *productAccumulator {
	return &productAccumulator{
		newSubscribers: make(map[string]struct{}),
		active:         make(map[string]struct{}),
	}
}

// ComputeSubscriptionMetrics determines new vs active subscribers for each
// premium product within the reporting window.
//
// It deliberately consumes the full (window-unfiltered) transaction history:
// whether a user is a *new* subscriber depends on their first purchase ever,
// which may predate the window, and whether a recurring subscription is
// *active* depends on the latest transaction's expiry relative to the window
// end. The lifetime product is active from its first purchase onward.
func ComputeSubscriptionMetrics(
	users []domain.UserSnapshot,
	transactionsByUser map[string][]domain.RawTransaction,
	start, end time.Time,
) domain.SubscriptionMetrics {
	userMap := make(map[string]domain.UserSnapshot, len(users))
	for _, user := range users {
		userMap[user.UID] = user
	}

	accumulators := map[string]*productAccumulator{
		domain.ProductMonthly:  newProductAccumulator(),
		domain.ProductYearly:   newProductAccumulator(),
		domain.ProductLifetime: newProductAccumulator(),
	}

	for uid, transactions := range transactionsByUser {
		// Sort ascending by purchase date for deterministic first/latest picks.
		sorted := make([]domain.RawTransaction, 0, len(transactions))
		for _, tx := range transactions {
			if tx.PurchaseDate != nil {
				sorted = append(sorted, tx)
			}
		}
		sortByPurchaseDate(sorted)

		firstPurchase := make(map[string]time.Time)
		latestByProduct := make(map[string]domain.RawTransaction)

		for _, tx := range sorted {
			acc, tracked := accumulators[tx.ProductID]
			if !tracked {
				continue
			}
			purchase := tx.PurchaseDate.UTC()

			if _, seen := firstPurchase[tx.ProductID]; !seen {
				firstPurchase[tx.ProductID] = purchase
			}
			latestByProduct[tx.ProductID] = tx

			// New subscriber: the product's first-ever purchase falls inside the window.
			if firstPurchase[tx.ProductID].Equal(purchase) &&
				!purchase.Before(start) && !purchase.After(end) {
				acc.newSubscribers[uid] = struct{}{}
			}
		}

		for productID, latest := range latestByProduct {
			acc := accumulators[productID]
			if productID == domain.ProductLifetime {
				acc.active[uid] = struct{}{}
				continue
			}
			if latest.ExpiresDate != nil && !latest.ExpiresDate.Before(end) {
				acc.active[uid] = struct{}{}
			}
		}
	}

	classMetrics := func(productID string) domain.ProductClassMetrics {
		acc := accumulators[productID]
		newReferred := 0
		for uid := range acc.newSubscribers {
			if user, ok := userMap[uid]; ok && user.ReferralCode != "" {
				newReferred++
			}
		}
		activeReferred := 0
		for uid := range acc.active {
			if user, ok := userMap[uid]; ok && user.ReferralCode != "" {
				activeReferred++
			}
		}
		return domain.ProductClassMetrics{
			NewSubscribers:      len(acc.newSubscribers),
			ActiveSubscribers:   len(acc.active),
			NewReferredRatio:    ratio(newReferred, len(acc.newSubscribers)),
			ActiveReferredRatio: ratio(activeReferred, len(acc.active)),
		}
	}

	return domain.SubscriptionMetrics{
		Monthly:  classMetrics(domain.ProductMonthly),
		Yearly:   classMetrics(domain.ProductYearly),
		Lifetime: classMetrics(domain.ProductLifetime),
	}
}

func sortByPurchaseDate(transactions []domain.RawTransaction) {
	sort.SliceStable(transactions, func(i, j int) bool {
		return transactions[i].PurchaseDate.Before(*transactions[j].PurchaseDate)
	})
}
