package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"repaircoin/internal/amount"
	"repaircoin/internal/faults"
	"repaircoin/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

const sessionColumns = `session_id, customer_address, shop_id, max_amount, status,
	meta, signature, created_at, expires_at, approved_at, used_at`

func (s *Store) CreateSession(ctx context.Context, session *models.RedemptionSession) error {
	meta, err := models.EncodeMeta(session.Meta)
	if err != nil {
		return err
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO redemption_sessions (
			session_id, customer_address, shop_id, max_amount, status,
			meta, signature, created_at, expires_at, approved_at, used_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		session.SessionID,
		session.CustomerAddress,
		session.ShopID,
		session.MaxAmount.Cents(),
		session.Status,
		meta,
		session.Signature,
		session.CreatedAt,
		session.ExpiresAt,
		session.ApprovedAt,
		session.UsedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return faults.Conflict("pending redemption session already exists")
	}
	return err
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.RedemptionSession, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM redemption_sessions WHERE session_id=$1
	`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, faults.NotFound("session", sessionID)
	}
	return session, err
}

func (s *Store) ListCustomerSessions(ctx context.Context, customerAddress string) ([]*models.RedemptionSession, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM redemption_sessions
		WHERE customer_address=$1
		ORDER BY created_at DESC
	`, customerAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.RedemptionSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// MarkSessionApproved is the pending->approved transition. The guard on the
// current status makes concurrent approvals single-winner.
func (s *Store) MarkSessionApproved(ctx context.Context, sessionID, signature string, meta []byte, approvedAt time.Time) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE redemption_sessions
		SET status=$2, signature=$3, meta=$4, approved_at=$5
		WHERE session_id=$1 AND status=$6
	`, sessionID, models.SessionApproved, signature, meta, approvedAt, models.SessionPending)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) MarkSessionRejected(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE redemption_sessions
		SET status=$2
		WHERE session_id=$1 AND status=$3
	`, sessionID, models.SessionRejected, models.SessionPending)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// MarkSessionExpired expires a single session, guarded on its expected
// current status (pending for the lazy check, approved for stale consumes).
func (s *Store) MarkSessionExpired(ctx context.Context, sessionID string, from models.SessionStatus) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE redemption_sessions
		SET status=$2
		WHERE session_id=$1 AND status=$3
	`, sessionID, models.SessionExpired, from)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// MarkSessionUsed performs the approved->used compare-and-set. Exactly one
// caller can win it for a given session.
func (s *Store) MarkSessionUsed(ctx context.Context, sessionID string, usedAt time.Time) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE redemption_sessions
		SET status=$2, used_at=$3
		WHERE session_id=$1 AND status=$4 AND used_at IS NULL
	`, sessionID, models.SessionUsed, usedAt, models.SessionApproved)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// RevertSessionUsed compensates a used mark whose settlement failed at the
// infrastructure level, so a shop can retry consumption later.
func (s *Store) RevertSessionUsed(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE redemption_sessions
		SET status=$2, used_at=NULL
		WHERE session_id=$1 AND status=$3
	`, sessionID, models.SessionApproved, models.SessionUsed)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) ExpireStaleSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE redemption_sessions
		SET status=$1
		WHERE status=$2 AND expires_at < $3
	`, models.SessionExpired, models.SessionPending, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected(), nil
}

func (s *Store) GetCustomer(ctx context.Context, address string) (*models.Customer, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT address, name, joined_at FROM customers WHERE address=$1
	`, address)
	var c models.Customer
	if err := row.Scan(&c.Address, &c.Name, &c.JoinedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, faults.NotFound("customer", address)
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetShop(ctx context.Context, shopID string) (*models.Shop, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, name, wallet_address, active, verified,
			purchased_balance, lifetime_purchased, total_redeemed,
			last_activity_at, created_at, updated_at
		FROM shops WHERE id=$1
	`, shopID)
	var shop models.Shop
	var purchased, lifetime, redeemed int64
	var lastActivity sql.NullTime
	err := row.Scan(
		&shop.ID,
		&shop.Name,
		&shop.WalletAddress,
		&shop.Active,
		&shop.Verified,
		&purchased,
		&lifetime,
		&redeemed,
		&lastActivity,
		&shop.CreatedAt,
		&shop.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, faults.NotFound("shop", shopID)
		}
		return nil, err
	}
	shop.PurchasedBalance = amount.FromCents(purchased)
	shop.LifetimePurchased = amount.FromCents(lifetime)
	shop.TotalRedeemed = amount.FromCents(redeemed)
	if lastActivity.Valid {
		shop.LastActivityAt = &lastActivity.Time
	}
	return &shop, nil
}

// AddShopRedemption bumps the shop's cumulative redemption counter as an
// atomic in-database increment, never read-modify-write.
func (s *Store) AddShopRedemption(ctx context.Context, shopID string, amt amount.Amount, at time.Time) error {
	res, err := s.Pool.Exec(ctx, `
		UPDATE shops
		SET total_redeemed = total_redeemed + $2, last_activity_at=$3, updated_at=now()
		WHERE id=$1
	`, shopID, amt.Cents(), at)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return faults.NotFound("shop", shopID)
	}
	return nil
}

func (s *Store) InsertTransaction(ctx context.Context, record *models.TransactionRecord) error {
	_, err := s.Pool.Exec(ctx, `
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
	return err
}

func (s *Store) ListCustomerTransactions(ctx context.Context, customerAddress string) ([]*models.TransactionRecord, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, type, customer_address, shop_id, amount, status,
			source, session_id, burn_successful, tx_hash, created_at
		FROM transactions
		WHERE customer_address=$1
		ORDER BY created_at ASC
	`, customerAddress)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.TransactionRecord
	for rows.Next() {
		var r models.TransactionRecord
		var amt int64
		var source, sessionID, txHash sql.NullString
		if err := rows.Scan(
			&r.ID,
			&r.Type,
			&r.CustomerAddress,
			&r.ShopID,
			&amt,
			&r.Status,
			&source,
			&sessionID,
			&r.BurnSuccessful,
			&txHash,
			&r.CreatedAt,
		); err != nil {
			return nil, err
		}
		r.Amount = amount.FromCents(amt)
		if source.Valid {
			r.Source = models.EarnSource(source.String)
		}
		if sessionID.Valid {
			r.SessionID = &sessionID.String
		}
		if txHash.Valid {
			r.TxHash = &txHash.String
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

type sessionRow interface {
	Scan(dest ...any) error
}

func scanSession(row sessionRow) (*models.RedemptionSession, error) {
	var session models.RedemptionSession
	var maxAmount int64
	var meta []byte
	var signature sql.NullString
	var approvedAt, usedAt sql.NullTime

	err := row.Scan(
		&session.SessionID,
		&session.CustomerAddress,
		&session.ShopID,
		&maxAmount,
		&session.Status,
		&meta,
		&signature,
		&session.CreatedAt,
		&session.ExpiresAt,
		&approvedAt,
		&usedAt,
	)
	if err != nil {
		return nil, err
	}

	session.MaxAmount = amount.FromCents(maxAmount)
	decoded, err := models.DecodeMeta(meta)
	if err != nil {
		return nil, err
	}
	session.Meta = decoded
	if signature.Valid {
		session.Signature = &signature.String
	}
	if approvedAt.Valid {
		session.ApprovedAt = &approvedAt.Time
	}
	if usedAt.Valid {
		session.UsedAt = &usedAt.Time
	}
	return &session, nil
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
