/**
 * @description
 * PostgreSQL implementation of the `Repository` interface. It contains the SQL
 * for reading user snapshots and the referral-code ledger, and for the atomic
 * payout run write.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC columns are round-tripped as text.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ant10293/payout-service/internal/domain"
)

var (
	ErrReferralCodeNotFound = errors.New("referral code not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ListUserSnapshots reads all user documents. A subscription-status blob that
// fails to decode is a hard error: unrecognized shapes must fail explicitly
// rather than silently defaulting to empty values.
func (r *PostgresRepository) ListUserSnapshots(ctx context.Context) ([]domain.UserSnapshot, error) {
	query := `
		SELECT uid, COALESCE(email, ''), created_at, COALESCE(referral_code, ''),
		       referral_code_used_for_purchase, subscription_status
		FROM users
		ORDER BY uid`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var snapshots []domain.UserSnapshot
	for rows.Next() {
		var (
			snapshot  domain.UserSnapshot
			createdAt time.Time
			statusRaw []byte
		)
		if err := rows.Scan(&snapshot.UID, &snapshot.Email, &createdAt, &snapshot.ReferralCode,
			&snapshot.ReferralCodeUsedForPurchase, &statusRaw); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		snapshot.CreatedAt = createdAt.UTC()
		if len(statusRaw) > 0 {
			if err := json.Unmarshal(statusRaw, &snapshot.SubscriptionStatus); err != nil {
				return nil, fmt.Errorf("unrecognized subscription status shape for user %s: %w", snapshot.UID, err)
			}
		}
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user rows: %w", err)
	}
	return snapshots, nil
}

// ListReferralCodes reads the referral-code ledger keyed by upper-cased code.
func (r *PostgresRepository) ListReferralCodes(ctx context.Context) (map[string]domain.ReferralCodeSnapshot, error) {
	query := `
		SELECT upper(code), COALESCE(influencer_name, ''), COALESCE(influencer_email, ''),
		       COALESCE(payout_account_id, ''), COALESCE(payout_provider, ''),
		       COALESCE(payout_frequency, ''), COALESCE(payout_currency, ''),
		       total_paid::text, processed_transaction_ids
		FROM referral_codes`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query referral codes: %w", err)
	}
	defer rows.Close()

	codes := make(map[string]domain.ReferralCodeSnapshot)
	for rows.Next() {
		var (
			snapshot     domain.ReferralCodeSnapshot
			totalPaidRaw string
			processedIDs []string
		)
		if err := rows.Scan(&snapshot.Code, &snapshot.InfluencerName, &snapshot.InfluencerEmail,
			&snapshot.PayoutAccountID, &snapshot.PayoutProvider, &snapshot.PayoutFrequency,
			&snapshot.PayoutCurrency, &totalPaidRaw, &processedIDs); err != nil {
			return nil, fmt.Errorf("failed to scan referral code row: %w", err)
		}
		totalPaid, err := decimal.NewFromString(strings.TrimSpace(totalPaidRaw))
		if err != nil {
			return nil, fmt.Errorf("invalid total_paid %q for referral code %s: %w", totalPaidRaw, snapshot.Code, err)
		}
		snapshot.TotalPaid = totalPaid
		snapshot.ProcessedTransactionIDs = make(map[string]struct{}, len(processedIDs))
		for _, id := range processedIDs {
			snapshot.ProcessedTransactionIDs[id] = struct{}{}
		}
		codes[snapshot.Code] = snapshot
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate referral code rows: %w", err)
	}
	return codes, nil
}

// RecordPayoutRun appends the run record and folds the run into the code's
// ledger state in a single transaction, so a partial write (total updated but
// ids not appended, or vice versa) can never be observed by a later run.
func (r *PostgresRepository) RecordPayoutRun(ctx context.Context, record domain.PayoutRunRecord) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin payout run transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	code := strings.ToUpper(record.ReferralCode)

	insert := `
		INSERT INTO payout_runs (referral_code, run_id, amount, currency, transaction_ids, transfer_id, executed_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)`
	if _, err := tx.Exec(ctx, insert, code, record.RunID, record.Amount.StringFixed(2),
		record.Currency, record.TransactionIDs, record.TransferID, record.ExecutedAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert payout run for %s: %w", code, err)
	}

	update := `
		UPDATE referral_codes
		SET total_paid = $2::numeric,
		    payout_currency = $3,
		    processed_transaction_ids = ARRAY(
		        SELECT DISTINCT unnest(processed_transaction_ids || $4::text[])
		    ),
		    last_run_at = now()
		WHERE upper(code) = $1`
	tag, err := tx.Exec(ctx, update, code, record.NewTotalPaid.StringFixed(2), record.Currency, record.TransactionIDs)
	if err != nil {
		return fmt.Errorf("failed to update referral code ledger for %s: %w", code, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record payout run for %s: %w", code, ErrReferralCodeNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit payout run for %s: %w", code, err)
	}
	return nil
}
