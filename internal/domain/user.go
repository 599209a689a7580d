/**
 * @description
 * User snapshot and growth-metrics domain models. Snapshots are taken once at
 * run start and are immutable for the run's duration.
 */

package domain

import "time"

// Premium product identifiers. The monthly and yearly products auto-renew;
// lifetime is a one-time purchase.
const (
	ProductMonthly  = "com.FitHub.premium.monthly"
	ProductYearly   = "com.FitHub.premium.yearly"
	ProductLifetime = "com.FitHub.premium.lifetime"
)

// SubscriptionStatus is the typed subset of a user's subscription-status blob
// consumed by this service. Unrecognized blob shapes fail at the store boundary
// rather than defaulting to empty values.
type SubscriptionStatus struct {
	OriginalTransactionID string `json:"originalTransactionID"`
	Environment           string `json:"environment"`
	ProductID             string `json:"productID,omitempty"`
}

// UserSnapshot is the per-user view assembled at run start from the user store.
type UserSnapshot struct {
	UID                         string
	Email                       string
	CreatedAt                   time.Time
	ReferralCode                string
	ReferralCodeUsedForPurchase bool
	SubscriptionStatus          SubscriptionStatus
}

// UserMetrics summarizes user growth over the reporting window. Ratios are 0.0
// when their denominator is zero.
type UserMetrics struct {
	TotalUsers         int
	NewUsers           int
	TotalReferredUsers int
	NewReferredUsers   int
	NewReferredRatio   float64
	TotalReferredRatio float64
}

// ProductClassMetrics holds subscriber counts and referred ratios for one
// premium product.
type ProductClassMetrics struct {
	NewSubscribers      int
	ActiveSubscribers   int
	NewReferredRatio    float64
	ActiveReferredRatio float64
}

// SubscriptionMetrics aggregates per-product subscription growth over the
// reporting window.
type SubscriptionMetrics struct {
	Monthly  ProductClassMetrics
	Yearly   ProductClassMetrics
	Lifetime ProductClassMetrics
}
