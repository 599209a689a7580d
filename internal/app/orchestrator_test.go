package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ant10293/payout-service/internal/domain"
	"github.com/ant10293/payout-service/pkg/rabbitmq"
	"github.com/ant10293/payout-service/pkg/stripeclient"
)

type stubTransferClient struct {
	dryRun   bool
	err      error
	result   *stripeclient.TransferResult
	requests []stripeclient.TransferRequest
}

func (s *stubTransferClient) CreateTransfer(_ context.Context, req stripeclient.TransferRequest) (*stripeclient.TransferResult, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &stripeclient.TransferResult{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Destination: req.DestinationAccount,
		TransferID:  "tr_test",
		DryRun:      s.dryRun,
	}, nil
}

func (s *stubTransferClient) DryRun() bool { return s.dryRun }

type stubLedger struct {
	err     error
	records []domain.PayoutRunRecord
}

func (s *stubLedger) RecordPayoutRun(_ context.Context, record domain.PayoutRunRecord) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, record)
	return nil
}

type stubPublisher struct {
	events []rabbitmq.PayoutExecutedEvent
	err    error
}

func (s *stubPublisher) PublishPayoutExecuted(_ context.Context, event rabbitmq.PayoutExecutedEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *stubPublisher) Close() {}

func newTestOrchestrator(transfers *stubTransferClient, ledger *stubLedger, events rabbitmq.Publisher) *Orchestrator {
	return NewOrchestrator(transfers, ledger, events, testLogger(), "USD")
}

func testPayout(amount string, ids ...string) *domain.InfluencerPayout {
	return &domain.InfluencerPayout{
		ReferralCode:    "ALICE10",
		PayoutAccountID: "acct_1",
		TotalRevenue:    decimal.RequireFromString(amount).Div(decimal.RequireFromString("0.40")),
		TotalPayout:     decimal.RequireFromString(amount),
		TransactionIDs:  ids,
	}
}

func TestExecute_NoTransactions(t *testing.T) {
	transfers := &stubTransferClient{}
	ledger := &stubLedger{}
	o := newTestOrchestrator(transfers, ledger, &stubPublisher{})

	payout := testPayout("0.00")
	o.Execute(context.Background(), "run-1", map[string]*domain.InfluencerPayout{"ALICE10": payout})

	if payout.State != domain.PayoutStateNoTransactions {
		t.Fatalf("expected state no_transactions, got %s", payout.State)
	}
	if len(transfers.requests) != 0 {
		t.Error("expected no transfer calls for an empty aggregate")
	}
}

func TestExecute_ZeroPayoutNeverCallsTransfer(t *testing.T) {
	transfers := &stubTransferClient{}
	ledger := &stubLedger{}
	o := newTestOrchestrator(transfers, ledger, &stubPublisher{})

	payout := testPayout("0.00", "tx-1")
	o.Execute(context.Background(), "run-1", map[string]*domain.InfluencerPayout{"ALICE10": payout})

	if payout.State != domain.PayoutStateNonPositive {
		t.Fatalf("expected state non_positive, got %s", payout.State)
	}
	if len(transfers.requests) != 0 {
		t.Error("expected no transfer calls for a zero payout")
	}
	if len(ledger.records) != 0 {
		t.Error("expected no ledger writes for a zero payout")
	}
}

func TestExecute_NegativePayoutNote(t *testing.T) {
	o := newTestOrchestrator(&stubTransferClient{}, &stubLedger{}, &stubPublisher{})

	payout := testPayout("-12.00", "tx-1")
	o.Execute(context.Background(), "run-1", map[string]*domain.InfluencerPayout{"ALICE10": payout})

	if payout.State != domain.PayoutStateNonPositive {
		t.Fatalf("expected state non_positive, got %s", payout.State)
	}
	if len(payout.Notes) != 1 || !strings.Contains(payout.Notes[0], "credit carried forward") {
		t.Errorf("expected a carried-forward note, got %v", payout.Notes)
	}
}

func TestExecute_MissingAccount(t *testing.T) {
	transfers := &stubTransferClient{}
	o := newTestOrchestrator(transfers, &stubLedger{}, &stubPublisher{})

	payout := testPayout("48.00", "tx-1")
	payout.PayoutAccountID = ""
	o.Execute(context.Background(), "run-1", map[string]*domain.InfluencerPayout{"ALICE10": payout})

	if payout.State != domain.PayoutStateMissingAccount {
		t.Fatalf("expected state missing_account, got %s", payout.State)
	}
	if len(transfers.requests) != 0 {
		t.Error("expected no transfer calls without a payout account")
	}
}

func TestExecute_DryRunSkipsLedger(t *testing.T) {
	transfers := &stubTransferClient{dryRun: true}
	ledger := &stubLedger{}
	events := &stubPublisher{}
	o := newTestOrchestrator(transfers, ledger, events)

	payout := testPayout("48.00", "tx-1", "tx-2")
	o.Execute(context.Background(), "run-1", map[string]*domain.InfluencerPayout{"ALICE10": payout})

	if payout.State != domain.PayoutStateDryRun {
		t.Fatalf("expected state dry_run, got %s", payout.State)
	}
	if !payout.DryRun {
		t.Error("expected the dry-run flag to be set")
	}
	if len(ledger.records) != 0 {
		t.Error("expected no ledger writes in dry-run mode")
	}
	if len(events.events) != 0 {
		t.Error("expected no events in dry-run mode")
	}
}

func TestExecute_ExecutedPathCommitsLedgerAndPublishes(t *testing.T) {
	transfers := &stubTransferClient{}
	ledger := &stubLedger{}
	events := &stubPublisher{}
	o := newTestOrchestrator(transfers, ledger, events)

	payout := testPayout("48.00", "tx-2", "tx-1", "tx-2")
	payout.ExistingTotalPaid = decimal.RequireFromString("100.00")
	o.Execute(context.Background(), "run-1", map[string]*domain.InfluencerPayout{"ALICE10": payout})

	if payout.State != domain.PayoutStateExecuted {
		t.Fatalf("expected state executed, got %s (notes: %v)", payout.State, payout.Notes)
	}
	if payout.TransferID != "tr_test" {
		t.Errorf("expected transfer id tr_test, got %s", payout.TransferID)
	}
	if !payout.ExistingTotalPaid.Equal(decimal.RequireFromString("148.00")) {
		t.Errorf("expected lifetime total 148.00, got %s", payout.ExistingTotalPaid)
	}

	if len(ledger.records) != 1 {
		t.Fatalf("expected one ledger record, got %d", len(ledger.records))
	}
	record := ledger.records[0]
	if !record.NewTotalPaid.Equal(decimal.RequireFromString("148.00")) {
		t.Errorf("expected ledger total 148.00, got %s", record.NewTotalPaid)
	}
	if len(record.TransactionIDs) != 2 || record.TransactionIDs[0] != "tx-1" || record.TransactionIDs[1] != "tx-2" {
		t.Errorf("expected deduplicated sorted ids [tx-1 tx-2], got %v", record.TransactionIDs)
	}

	if len(events.events) != 1 {
		t.Fatalf("expected one payout event, got %d", len(events.events))
	}
	if events.events[0].Amount != "48.00" || events.events[0].TransferID != "tr_test" {
		t.Errorf("unexpected event payload: %+v", events.events[0])
	}
}

func TestExecute_TransferErrorFailsWithoutLedgerWrite(t *testing.T) {
	transfers := &stubTransferClient{err: errors.New("api unavailable")}
	ledger := &stubLedger{}
	o := newTestOrchestrator(transfers, ledger, &stubPublisher{})

	payout := testPayout("48.00", "tx-1")
	o.Execute(context.Background(), "run-1", map[string]*domain.InfluencerPayout{"ALICE10": payout})

	if payout.State != domain.PayoutStateFailed {
		t.Fatalf("expected state failed, got %s", payout.State)
	}
	if len(ledger.records) != 0 {
		t.Error("expected no ledger writes when the transfer fails")
	}
}

func TestExecute_LedgerErrorAfterTransferFlagsReconciliation(t *testing.T) {
	transfers := &stubTransferClient{}
	ledger := &stubLedger{err: errors.New("connection reset")}
	events := &stubPublisher{}
	o := newTestOrchestrator(transfers, ledger, events)

	payout := testPayout("48.00", "tx-1")
	o.Execute(context.Background(), "run-1", map[string]*domain.InfluencerPayout{"ALICE10": payout})

	if payout.State != domain.PayoutStateFailed {
		t.Fatalf("expected state failed, got %s", payout.State)
	}
	found := false
	for _, note := range payout.Notes {
		if strings.Contains(note, "manual reconciliation required") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a manual reconciliation note, got %v", payout.Notes)
	}
	if len(events.events) != 0 {
		t.Error("expected no events when the ledger write fails")
	}
}

func TestExecute_PublishFailureDoesNotAffectState(t *testing.T) {
	transfers := &stubTransferClient{}
	ledger := &stubLedger{}
	events := &stubPublisher{err: errors.New("broker down")}
	o := newTestOrchestrator(transfers, ledger, events)

	payout := testPayout("48.00", "tx-1")
	o.Execute(context.Background(), "run-1", map[string]*domain.InfluencerPayout{"ALICE10": payout})

	if payout.State != domain.PayoutStateExecuted {
		t.Fatalf("expected state executed despite publish failure, got %s", payout.State)
	}
	if len(ledger.records) != 1 {
		t.Error("expected the ledger write to stand")
	}
}

func TestExecute_MetadataCapsTransactionList(t *testing.T) {
	transfers := &stubTransferClient{}
	o := newTestOrchestrator(transfers, &stubLedger{}, &stubPublisher{})

	ids := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		ids = append(ids, "tx-"+string(rune('a'+i/10))+string(rune('0'+i%10)))
	}
	payout := testPayout("48.00", ids...)
	o.Execute(context.Background(), "run-1", map[string]*domain.InfluencerPayout{"ALICE10": payout})

	if len(transfers.requests) != 1 {
		t.Fatalf("expected one transfer call, got %d", len(transfers.requests))
	}
	listed := strings.Split(transfers.requests[0].Metadata["transactions"], ",")
	if len(listed) != metadataTransactionLimit {
		t.Errorf("expected metadata capped at %d ids, got %d", metadataTransactionLimit, len(listed))
	}
}
