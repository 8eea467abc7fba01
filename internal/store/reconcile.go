package store

import (
	"context"
	"database/sql"
	"time"

	"repaircoin/internal/amount"
	"repaircoin/internal/faults"
	"repaircoin/internal/models"

	"github.com/jackc/pgx/v5"
)

// ReconcileBatch wraps one storage transaction over the stale pending
// purchases it selected. Rows stay locked until Commit or Rollback, so a
// concurrent reconciliation run or a manual completion cannot race them.
type ReconcileBatch struct {
	tx        pgx.Tx
	purchases []*models.PendingPurchase
}

// BeginReconcileBatch opens the batch transaction and row-locks every pending
// credit-card purchase older than the cutoff.
func (s *Store) BeginReconcileBatch(ctx context.Context, olderThan time.Time) (*ReconcileBatch, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT id, shop_id, amount, payment_reference, payment_method,
			status, created_at, completed_at
		FROM pending_purchases
		WHERE status=$1 AND payment_method=$2 AND created_at < $3
		ORDER BY created_at ASC
		FOR UPDATE
	`, models.PurchasePending, models.PaymentMethodCreditCard, olderThan)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	defer rows.Close()

	var purchases []*models.PendingPurchase
	for rows.Next() {
		var p models.PendingPurchase
		var amt int64
		var ref sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(
			&p.ID,
			&p.ShopID,
			&amt,
			&ref,
			&p.PaymentMethod,
			&p.Status,
			&p.CreatedAt,
			&completedAt,
		); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
		p.Amount = amount.FromCents(amt)
		if ref.Valid {
			p.PaymentReference = &ref.String
		}
		if completedAt.Valid {
			p.CompletedAt = &completedAt.Time
		}
		purchases = append(purchases, &p)
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	return &ReconcileBatch{tx: tx, purchases: purchases}, nil
}

func (b *ReconcileBatch) Purchases() []*models.PendingPurchase {
	return b.purchases
}

func (b *ReconcileBatch) ShopExists(ctx context.Context, shopID string) (bool, error) {
	var exists bool
	row := b.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM shops WHERE id=$1)`, shopID)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Complete marks one purchase completed and credits the shop in the same unit
// of work: the balance increment and the status flip commit or roll back
// together.
func (b *ReconcileBatch) Complete(ctx context.Context, purchaseID, shopID string, amt amount.Amount, verifiedReference string, at time.Time) error {
	res, err := b.tx.Exec(ctx, `
		UPDATE pending_purchases
		SET status=$2, completed_at=$3, payment_reference=$4
		WHERE id=$1 AND status=$5
	`, purchaseID, models.PurchaseCompleted, at, verifiedReference, models.PurchasePending)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return faults.Conflict("purchase already processed")
	}

	_, err = b.tx.Exec(ctx, `
		UPDATE shops
		SET purchased_balance = purchased_balance + $2,
			lifetime_purchased = lifetime_purchased + $2,
			last_activity_at=$3, updated_at=now()
		WHERE id=$1
	`, shopID, amt.Cents(), at)
	return err
}

func (b *ReconcileBatch) Commit(ctx context.Context) error {
	return b.tx.Commit(ctx)
}

func (b *ReconcileBatch) Rollback(ctx context.Context) error {
	return b.tx.Rollback(ctx)
}
