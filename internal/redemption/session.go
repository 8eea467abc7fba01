package redemption

import (
	"context"
	"fmt"
	"time"

	"repaircoin/internal/amount"
	"repaircoin/internal/faults"
	"repaircoin/internal/metrics"
	"repaircoin/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultTTL = 5 * time.Minute

type SessionStore interface {
	CreateSession(ctx context.Context, session *models.RedemptionSession) error
	GetSession(ctx context.Context, sessionID string) (*models.RedemptionSession, error)
	ListCustomerSessions(ctx context.Context, customerAddress string) ([]*models.RedemptionSession, error)
	MarkSessionApproved(ctx context.Context, sessionID, signature string, meta []byte, approvedAt time.Time) (bool, error)
	MarkSessionRejected(ctx context.Context, sessionID string) (bool, error)
	MarkSessionExpired(ctx context.Context, sessionID string, from models.SessionStatus) (bool, error)
	MarkSessionUsed(ctx context.Context, sessionID string, usedAt time.Time) (bool, error)
	RevertSessionUsed(ctx context.Context, sessionID string) (bool, error)
	ExpireStaleSessions(ctx context.Context, now time.Time) (int64, error)
}

type CustomerRepo interface {
	GetCustomer(ctx context.Context, address string) (*models.Customer, error)
}

type ShopRepo interface {
	GetShop(ctx context.Context, shopID string) (*models.Shop, error)
}

// Settler records the redemption in the ledger, optionally burning on-chain.
type Settler interface {
	Settle(ctx context.Context, session *models.RedemptionSession) (*models.TransactionRecord, error)
}

// Notifier pushes session events to the customer. Fire-and-forget: it must
// never fail a session operation.
type Notifier interface {
	NotifySession(session *models.RedemptionSession)
}

// Manager owns the session state machine. All transitions go through
// conditional single-row updates in the store, so each transition has exactly
// one winner under concurrency.
type Manager struct {
	Sessions  SessionStore
	Customers CustomerRepo
	Shops     ShopRepo
	Verifier  Verifier
	Settler   Settler
	Notifier  Notifier
	TTL       time.Duration
	Now       func() time.Time
	Log       zerolog.Logger
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m *Manager) ttl() time.Duration {
	if m.TTL > 0 {
		return m.TTL
	}
	return DefaultTTL
}

func (m *Manager) notify(session *models.RedemptionSession) {
	if m.Notifier != nil {
		m.Notifier.NotifySession(session)
	}
}

// Create opens a pending session for the pair. The store's uniqueness guard
// rejects a second pending session for the same customer and shop.
func (m *Manager) Create(ctx context.Context, customerAddress, shopID string, amt amount.Amount, meta models.SessionMeta) (*models.RedemptionSession, error) {
	if !amt.IsPositive() {
		return nil, faults.InvalidState("redemption amount must be positive")
	}
	if _, err := m.Customers.GetCustomer(ctx, customerAddress); err != nil {
		return nil, err
	}
	shop, err := m.Shops.GetShop(ctx, shopID)
	if err != nil {
		return nil, err
	}
	if !shop.Active || !shop.Verified {
		return nil, faults.NotFound("active verified shop", shopID)
	}
	verdict, err := m.Verifier.Verify(ctx, customerAddress, shopID, amt)
	if err != nil {
		return nil, err
	}
	if !verdict.Allowed {
		return nil, faults.InvalidState(verdict.Reason)
	}
	if meta == nil {
		meta = models.ShopInitiatedMeta{}
	}

	now := m.now()
	session := &models.RedemptionSession{
		SessionID:       uuid.NewString(),
		CustomerAddress: customerAddress,
		ShopID:          shopID,
		MaxAmount:       amt,
		Status:          models.SessionPending,
		Meta:            meta,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.ttl()),
	}
	if err := m.Sessions.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	metrics.SessionsCreated.Inc()
	m.notify(session)
	return session, nil
}

// Approve is the customer-authorization event. On success it immediately
// tries to consume and settle; a settlement failure leaves the session
// approved so a shop can retry via ValidateAndConsume.
func (m *Manager) Approve(ctx context.Context, sessionID, customerAddress, signature string, transferTxHash *string) (*models.RedemptionSession, error) {
	session, err := m.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.CustomerAddress != customerAddress {
		return nil, faults.Forbidden("session does not belong to customer")
	}
	if session.Status != models.SessionPending {
		return nil, faults.InvalidState(fmt.Sprintf("session is %s, not pending", session.Status))
	}
	if signature == "" {
		return nil, faults.Forbidden("missing approval signature")
	}

	now := m.now()
	if session.ExpiredBy(now) {
		if ok, err := m.Sessions.MarkSessionExpired(ctx, sessionID, models.SessionPending); err != nil {
			return nil, err
		} else if ok {
			metrics.SessionsExpired.Inc()
		}
		return nil, faults.InvalidState("session expired")
	}

	// A failed re-verification leaves the session pending; the customer may
	// retry with a smaller amount through a new session.
	verdict, err := m.Verifier.Verify(ctx, session.CustomerAddress, session.ShopID, session.MaxAmount)
	if err != nil {
		return nil, err
	}
	if !verdict.Allowed {
		return nil, faults.InvalidState(verdict.Reason)
	}

	meta := session.Meta
	if transferTxHash != nil && *transferTxHash != "" {
		meta = models.TransferMeta{TransferTxHash: *transferTxHash}
	}
	encoded, err := models.EncodeMeta(meta)
	if err != nil {
		return nil, err
	}

	ok, err := m.Sessions.MarkSessionApproved(ctx, sessionID, signature, encoded, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, faults.InvalidState("session is no longer pending")
	}

	session.Status = models.SessionApproved
	session.ApprovedAt = &now
	session.Signature = &signature
	session.Meta = meta
	metrics.SessionsApproved.Inc()
	m.notify(session)

	if err := m.consume(ctx, session); err != nil {
		switch {
		case faults.IsExternal(err):
			// Authorization stands; settlement is retried out-of-band.
			m.Log.Warn().Err(err).Str("session_id", sessionID).
				Msg("settlement deferred, session stays approved")
			return session, nil
		case faults.IsInvalidState(err):
			// A concurrent explicit consume won the used transition.
			return m.Sessions.GetSession(ctx, sessionID)
		default:
			return nil, err
		}
	}
	return session, nil
}

func (m *Manager) Reject(ctx context.Context, sessionID, customerAddress string) (*models.RedemptionSession, error) {
	session, err := m.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.CustomerAddress != customerAddress {
		return nil, faults.Forbidden("session does not belong to customer")
	}
	if session.Status != models.SessionPending {
		return nil, faults.InvalidState(fmt.Sprintf("session is %s, not pending", session.Status))
	}

	ok, err := m.Sessions.MarkSessionRejected(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, faults.InvalidState("session is no longer pending")
	}

	session.Status = models.SessionRejected
	metrics.SessionsRejected.Inc()
	m.notify(session)
	return session, nil
}

// ValidateAndConsume lets a shop redeem an already-approved session
// out-of-band, for example after scanning a QR code or retrying a deferred
// settlement.
func (m *Manager) ValidateAndConsume(ctx context.Context, sessionID, shopID string, amt amount.Amount) (*models.RedemptionSession, error) {
	session, err := m.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.ShopID != shopID {
		return nil, faults.Forbidden("session does not belong to shop")
	}
	if session.UsedAt != nil || session.Status == models.SessionUsed {
		return nil, faults.InvalidState("session already used")
	}
	if session.Status != models.SessionApproved {
		return nil, faults.InvalidState(fmt.Sprintf("session is %s, not approved", session.Status))
	}
	if session.ExpiredBy(m.now()) {
		if ok, err := m.Sessions.MarkSessionExpired(ctx, sessionID, models.SessionApproved); err != nil {
			return nil, err
		} else if ok {
			metrics.SessionsExpired.Inc()
		}
		return nil, faults.InvalidState("session expired")
	}
	if amt > session.MaxAmount {
		return nil, faults.InvalidState("amount exceeds session maximum")
	}

	if err := m.consume(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// consume is the single gate both Approve's settlement step and
// ValidateAndConsume funnel through: whoever wins the approved->used
// compare-and-set settles; the loser sees "already used". If settlement fails
// at the infrastructure level the used mark is compensated back to approved.
func (m *Manager) consume(ctx context.Context, session *models.RedemptionSession) error {
	now := m.now()
	ok, err := m.Sessions.MarkSessionUsed(ctx, session.SessionID, now)
	if err != nil {
		return err
	}
	if !ok {
		return faults.InvalidState("session already used")
	}

	if _, err := m.Settler.Settle(ctx, session); err != nil {
		if _, revertErr := m.Sessions.RevertSessionUsed(ctx, session.SessionID); revertErr != nil {
			m.Log.Error().Err(revertErr).Str("session_id", session.SessionID).
				Msg("failed to revert used mark after settlement failure")
		}
		return faults.External("settlement", err)
	}

	session.Status = models.SessionUsed
	session.UsedAt = &now
	metrics.SessionsUsed.Inc()
	m.notify(session)
	return nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (*models.RedemptionSession, error) {
	return m.Sessions.GetSession(ctx, sessionID)
}

func (m *Manager) ListForCustomer(ctx context.Context, customerAddress string) ([]*models.RedemptionSession, error) {
	return m.Sessions.ListCustomerSessions(ctx, customerAddress)
}

// SweepExpired moves stale pending sessions to expired. Only pending rows are
// eligible; approved and terminal sessions are never touched by the sweep.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := m.Sessions.ExpireStaleSessions(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.SessionsExpired.Add(float64(n))
		m.Log.Info().Int64("count", n).Msg("expired stale sessions")
	}
	return n, nil
}
