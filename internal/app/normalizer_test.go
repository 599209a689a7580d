package app

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ant10293/payout-service/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPrices() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		domain.ProductMonthly:  decimal.RequireFromString("3.99"),
		domain.ProductYearly:   decimal.RequireFromString("29.99"),
		domain.ProductLifetime: decimal.RequireFromString("89.99"),
	}
}

func newTestNormalizer() *Normalizer {
	return NewNormalizer(testPrices(), decimal.NewFromInt(1), testLogger())
}

func priceOf(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func timeOf(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

var (
	windowStart = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)
)

func rawTx(id string, purchase *time.Time, price *decimal.Decimal) domain.RawTransaction {
	return domain.RawTransaction{
		OriginalTransactionID: "orig-" + id,
		TransactionID:         id,
		ProductID:             domain.ProductYearly,
		PurchaseDate:          purchase,
		Currency:              "USD",
		Price:                 price,
		Environment:           "Production",
	}
}

func TestBuildTransactionRecords_WindowFiltering(t *testing.T) {
	n := newTestNormalizer()
	txs := map[string][]domain.RawTransaction{
		"user-1": {
			rawTx("at-start", &windowStart, priceOf("29.99")),
			rawTx("at-end", &windowEnd, priceOf("29.99")),
			rawTx("before", timeOf("2024-05-31T23:59:59Z"), priceOf("29.99")),
			rawTx("after", timeOf("2024-06-08T00:00:01Z"), priceOf("29.99")),
			rawTx("no-date", nil, priceOf("29.99")),
		},
	}

	records := n.BuildTransactionRecords(txs, nil, windowStart, windowEnd)

	if len(records) != 2 {
		t.Fatalf("expected 2 records inside the window, got %d", len(records))
	}
	got := map[string]bool{}
	for _, r := range records {
		got[r.TransactionID] = true
	}
	if !got["at-start"] || !got["at-end"] {
		t.Fatalf("expected the boundary transactions to be retained, got %v", got)
	}
}

func TestBuildTransactionRecords_PriceScaleCorrection(t *testing.T) {
	cases := []struct {
		name     string
		reported string
		want     string
	}{
		{"factor 100", "2999.00", "29.99"},
		{"factor 1000", "29990.00", "29.99"},
		{"factor 10000", "299900.00", "29.99"},
		{"already correct", "29.99", "29.99"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := newTestNormalizer()
			txs := map[string][]domain.RawTransaction{
				"user-1": {rawTx("tx-1", &windowStart, priceOf(tc.reported))},
			}
			records := n.BuildTransactionRecords(txs, nil, windowStart, windowEnd)
			if len(records) != 1 {
				t.Fatalf("expected 1 record, got %d", len(records))
			}
			if !records[0].Price.Equal(decimal.RequireFromString(tc.want)) {
				t.Fatalf("expected price %s, got %s", tc.want, records[0].Price)
			}
		})
	}
}

func TestBuildTransactionRecords_MismatchOutsideToleranceKept(t *testing.T) {
	n := newTestNormalizer()
	// Ratio 2 is not near any known scale factor; the reported price stands.
	txs := map[string][]domain.RawTransaction{
		"user-1": {rawTx("tx-1", &windowStart, priceOf("59.98"))},
	}
	records := n.BuildTransactionRecords(txs, nil, windowStart, windowEnd)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if !records[0].Price.Equal(decimal.RequireFromString("59.98")) {
		t.Fatalf("expected uncorrected price 59.98, got %s", records[0].Price)
	}
}

func TestBuildTransactionRecords_MissingPriceFallsBackToStaticPrice(t *testing.T) {
	n := newTestNormalizer()
	txs := map[string][]domain.RawTransaction{
		"user-1": {rawTx("tx-1", &windowStart, nil)},
	}
	records := n.BuildTransactionRecords(txs, nil, windowStart, windowEnd)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if !records[0].Price.Equal(decimal.RequireFromString("29.99")) {
		t.Fatalf("expected static price fallback 29.99, got %s", records[0].Price)
	}
}

func TestBuildTransactionRecords_UnresolvablePriceSkipsTransaction(t *testing.T) {
	n := newTestNormalizer()
	tx := rawTx("tx-1", &windowStart, nil)
	tx.ProductID = "com.FitHub.unknown"
	txs := map[string][]domain.RawTransaction{"user-1": {tx}}

	records := n.BuildTransactionRecords(txs, nil, windowStart, windowEnd)
	if len(records) != 0 {
		t.Fatalf("expected unresolvable-price transaction to be skipped, got %d records", len(records))
	}
}

func TestBuildTransactionRecords_UnknownProductMilliunitFallback(t *testing.T) {
	n := newTestNormalizer()
	tx := rawTx("tx-1", &windowStart, priceOf("3990"))
	tx.ProductID = "com.FitHub.unknown"
	txs := map[string][]domain.RawTransaction{"user-1": {tx}}

	records := n.BuildTransactionRecords(txs, nil, windowStart, windowEnd)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if !records[0].Price.Equal(decimal.RequireFromString("3.99")) {
		t.Fatalf("expected milliunit-corrected price 3.99, got %s", records[0].Price)
	}
}

func TestBuildTransactionRecords_Attribution(t *testing.T) {
	n := newTestNormalizer()
	txs := map[string][]domain.RawTransaction{
		"used":     {rawTx("tx-1", &windowStart, priceOf("29.99"))},
		"not-used": {rawTx("tx-2", &windowStart, priceOf("29.99"))},
		"no-code":  {rawTx("tx-3", &windowStart, priceOf("29.99"))},
	}
	referrals := map[string]ReferralAttribution{
		"used":     {Code: "ALICE10", UsedForPurchase: true},
		"not-used": {Code: "ALICE10", UsedForPurchase: false},
	}

	records := n.BuildTransactionRecords(txs, referrals, windowStart, windowEnd)
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for _, r := range records {
		switch r.UserID {
		case "used":
			if r.ReferralCode != "ALICE10" {
				t.Errorf("expected attribution for user %q, got %q", r.UserID, r.ReferralCode)
			}
		default:
			if r.ReferralCode != "" {
				t.Errorf("expected no attribution for user %q, got %q", r.UserID, r.ReferralCode)
			}
		}
	}
}

func TestBuildTransactionRecords_TransactionIDFallsBackToOriginal(t *testing.T) {
	n := newTestNormalizer()
	tx := rawTx("", &windowStart, priceOf("29.99"))
	tx.OriginalTransactionID = "orig-77"
	txs := map[string][]domain.RawTransaction{"user-1": {tx}}

	records := n.BuildTransactionRecords(txs, nil, windowStart, windowEnd)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].TransactionID != "orig-77" {
		t.Fatalf("expected transaction id fallback to original id, got %q", records[0].TransactionID)
	}
}
