package report

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ant10293/payout-service/internal/app"
	"github.com/ant10293/payout-service/internal/domain"
)

func sampleResult() *app.RunResult {
	purchase := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	return &app.RunResult{
		RunID: "20240608_060000",
		Start: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC),
		UserMetrics: domain.UserMetrics{
			TotalUsers: 10, NewUsers: 2, TotalReferredUsers: 4, NewReferredUsers: 1,
			NewReferredRatio: 0.5, TotalReferredRatio: 0.4,
		},
		Payouts: map[string]*domain.InfluencerPayout{
			"ALICE10": {
				ReferralCode:      "ALICE10",
				InfluencerName:    "Alice",
				InfluencerEmail:   "alice@example.com",
				TotalRevenue:      decimal.RequireFromString("119.98"),
				TotalPayout:       decimal.RequireFromString("48.00"),
				TransactionCount:  2,
				ExistingTotalPaid: decimal.RequireFromString("148.00"),
				Currency:          "USD",
				State:             domain.PayoutStateExecuted,
				TransferID:        "tr_test",
				Notes:             []string{"Transfer tr_test sent.", "Lifetime paid: 148.00 USD"},
			},
			"BOB20": {
				ReferralCode: "BOB20",
				State:        domain.PayoutStateMissingAccount,
				Notes:        []string{"Missing payout account ID; manual follow-up required."},
			},
		},
		Transactions: []domain.TransactionRecord{
			{
				UserID:        "u1",
				ReferralCode:  "ALICE10",
				ProductID:     domain.ProductYearly,
				PurchaseDate:  purchase,
				Price:         decimal.RequireFromString("29.99"),
				Currency:      "USD",
				TransactionID: "tx-1",
			},
		},
		TotalRevenue: decimal.RequireFromString("123.97"),
		TotalPayout:  decimal.RequireFromString("48.00"),
	}
}

func TestWriteCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "2024-06-08", "20240608_060000.csv")

	if err := WriteCSV(path, sampleResult(), "USD", time.UTC); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open report: %v", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("failed to parse report: %v", err)
	}

	var payoutRow, totalRow []string
	aliceIndex, bobIndex := -1, -1
	for i, row := range rows {
		if len(row) > 0 && row[0] == "ALICE10" {
			payoutRow = row
			aliceIndex = i
		}
		if len(row) > 0 && row[0] == "BOB20" {
			bobIndex = i
		}
		if len(row) > 1 && row[0] == "Total Affiliate Payout" {
			totalRow = row
		}
	}

	if payoutRow == nil {
		t.Fatal("expected a payout row for ALICE10")
	}
	if payoutRow[3] != "executed" || payoutRow[6] != "48.00" || payoutRow[9] != "tr_test" {
		t.Errorf("unexpected payout row: %v", payoutRow)
	}
	if !strings.Contains(payoutRow[11], "Transfer tr_test sent.") {
		t.Errorf("expected the transfer note in the notes column, got %q", payoutRow[11])
	}
	if bobIndex < aliceIndex {
		t.Error("expected payout rows in code order")
	}
	if totalRow == nil || totalRow[1] != "USD 48.00" {
		t.Errorf("expected run total 'USD 48.00', got %v", totalRow)
	}

	last := rows[len(rows)-1]
	if last[0] != "u1" || last[4] != "29.99" {
		t.Errorf("unexpected transaction row: %v", last)
	}
}

func TestWriteCSV_CreatesParentDirectories(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "a", "b", "c", "report.csv")

	if err := WriteCSV(path, sampleResult(), "USD", time.UTC); err != nil {
		t.Fatalf("WriteCSV failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected the report file to exist: %v", err)
	}
}
