/**
 * @description
 * CSV rendering of a run result: window summary, growth metrics, per-code
 * payout rows with states and notes, and the canonical transaction detail.
 */

package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ant10293/payout-service/internal/app"
)

// WriteCSV renders the run result to path, creating parent directories as
// needed. Timestamps are displayed in loc; currency labels the run totals.
func WriteCSV(path string, result *app.RunResult, currency string, loc *time.Location) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := writeSections(w, result, currency, loc); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func writeSections(w *csv.Writer, result *app.RunResult, currency string, loc *time.Location) error {
	rows := [][]string{
		{"FitHub Affiliate Payout Report"},
		{"Run ID", result.RunID},
		{"Window Start", result.Start.In(loc).Format(time.RFC3339)},
		{"Window End", result.End.In(loc).Format(time.RFC3339)},
		{"Generated At", time.Now().In(loc).Format(time.RFC3339)},
		{},
		{"User Metrics"},
		{"Total Users", strconv.Itoa(result.UserMetrics.TotalUsers)},
		{"New Users", strconv.Itoa(result.UserMetrics.NewUsers)},
		{"Total Referred Users", strconv.Itoa(result.UserMetrics.TotalReferredUsers)},
		{"New Referred Users", strconv.Itoa(result.UserMetrics.NewReferredUsers)},
		{"New Referred Ratio", formatRatio(result.UserMetrics.NewReferredRatio)},
		{"Total Referred Ratio", formatRatio(result.UserMetrics.TotalReferredRatio)},
		{},
		{"Subscription Metrics"},
		{"Product", "New Subscribers", "Active Subscribers", "New Referred Ratio", "Active Referred Ratio"},
	}
	for _, row := range subscriptionRows(result) {
		rows = append(rows, row)
	}

	rows = append(rows,
		[]string{},
		[]string{"Influencer Payouts"},
		[]string{"Referral Code", "Influencer", "Email", "State", "Transactions", "Revenue", "Payout", "Lifetime Paid", "Currency", "Transfer ID", "Dry Run", "Notes"},
	)
	for _, code := range sortedCodes(result) {
		payout := result.Payouts[code]
		rows = append(rows, []string{
			payout.ReferralCode,
			payout.InfluencerName,
			payout.InfluencerEmail,
			string(payout.State),
			strconv.Itoa(payout.TransactionCount),
			payout.TotalRevenue.StringFixed(2),
			payout.TotalPayout.StringFixed(2),
			payout.ExistingTotalPaid.StringFixed(2),
			payout.Currency,
			payout.TransferID,
			strconv.FormatBool(payout.DryRun),
			strings.Join(payout.Notes, " | "),
		})
	}

	rows = append(rows,
		[]string{},
		[]string{"Run Totals"},
		[]string{"Total Revenue", formatCurrency(result.TotalRevenue, currency)},
		[]string{"Total Affiliate Payout", formatCurrency(result.TotalPayout, currency)},
		[]string{},
		[]string{"Transactions"},
		[]string{"User ID", "Referral Code", "Product", "Purchase Date", "Price", "Currency", "Reason", "Transaction ID", "Original Transaction ID", "Environment"},
	)
	for _, tx := range result.Transactions {
		rows = append(rows, []string{
			tx.UserID,
			tx.ReferralCode,
			tx.ProductID,
			tx.PurchaseDate.In(loc).Format(time.RFC3339),
			tx.Price.StringFixed(2),
			tx.Currency,
			tx.TransactionReason,
			tx.TransactionID,
			tx.OriginalTransactionID,
			tx.Environment,
		})
	}

	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write report row: %w", err)
		}
	}
	return nil
}

func subscriptionRows(result *app.RunResult) [][]string {
	classes := []struct {
		name    string
		metrics func() (int, int, float64, float64)
	}{
		{"Monthly", func() (int, int, float64, float64) {
			m := result.SubscriptionMetrics.Monthly
			return m.NewSubscribers, m.ActiveSubscribers, m.NewReferredRatio, m.ActiveReferredRatio
		}},
		{"Yearly", func() (int, int, float64, float64) {
			m := result.SubscriptionMetrics.Yearly
			return m.NewSubscribers, m.ActiveSubscribers, m.NewReferredRatio, m.ActiveReferredRatio
		}},
		{"Lifetime", func() (int, int, float64, float64) {
			m := result.SubscriptionMetrics.Lifetime
			return m.NewSubscribers, m.ActiveSubscribers, m.NewReferredRatio, m.ActiveReferredRatio
		}},
	}

	rows := make([][]string, 0, len(classes))
	for _, class := range classes {
		newCount, active, newRatio, activeRatio := class.metrics()
		rows = append(rows, []string{
			class.name,
			strconv.Itoa(newCount),
			strconv.Itoa(active),
			formatRatio(newRatio),
			formatRatio(activeRatio),
		})
	}
	return rows
}

func sortedCodes(result *app.RunResult) []string {
	codes := make([]string, 0, len(result.Payouts))
	for code := range result.Payouts {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func formatRatio(r float64) string {
	return strconv.FormatFloat(r, 'f', 4, 64)
}

func formatCurrency(amount decimal.Decimal, currency string) string {
	return fmt.Sprintf("%s %s", currency, amount.StringFixed(2))
}
