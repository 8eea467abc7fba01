package store

import (
	"context"

	"repaircoin/internal/models"
)

// RecordRedemption appends the settlement ledger entry and bumps the shop's
// redemption counters in one transaction, so a retry can never leave a record
// without its counter move or vice versa.
func (s *Store) RecordRedemption(ctx context.Context, record *models.TransactionRecord) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO transactions (
			id, type, customer_address, shop_id, amount, status,
			source, session_id, burn_successful, tx_hash, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		record.ID,
		record.Type,
		record.CustomerAddress,
		record.ShopID,
		record.Amount.Cents(),
		record.Status,
		nullString(string(record.Source)),
		record.SessionID,
		record.BurnSuccessful,
		record.TxHash,
		record.CreatedAt,
	)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE shops
		SET total_redeemed = total_redeemed + $2, last_activity_at=$3, updated_at=now()
		WHERE id=$1
	`, record.ShopID, record.Amount.Cents(), record.CreatedAt)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}
