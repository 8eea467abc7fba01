package settlement

import (
	"context"
	"time"

	"repaircoin/internal/amount"
	"repaircoin/internal/metrics"
	"repaircoin/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ChainClient is the on-chain surface settlement touches.
type ChainClient interface {
	Balance(ctx context.Context, address string) (amount.Amount, error)
	Burn(ctx context.Context, address string, amt amount.Amount, sink string) (string, error)
}

// SinkResolver maps a shop to the burn sink address for its redemptions.
type SinkResolver interface {
	SinkAddress(shopID string) (string, error)
}

// Ledger appends the settlement record and the shop counter move in one unit
// of work.
type Ledger interface {
	RecordRedemption(ctx context.Context, record *models.TransactionRecord) error
}

// Settler consumes an approved session's tokens. The off-chain ledger is the
// record of authority: on-chain burns are attempted opportunistically and any
// chain failure degrades to burn_successful=false instead of propagating.
type Settler struct {
	Chain   ChainClient
	Sink    SinkResolver
	Ledger  Ledger
	Enabled bool
	Now     func() time.Time
	Log     zerolog.Logger
}

func (s *Settler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Settler) Settle(ctx context.Context, session *models.RedemptionSession) (*models.TransactionRecord, error) {
	now := s.now()
	burnSuccessful := false
	var txHash *string

	if s.Enabled && s.Chain != nil {
		if hash, ok := s.tryBurn(ctx, session); ok {
			burnSuccessful = true
			txHash = &hash
		}
	}

	record := &models.TransactionRecord{
		ID:              uuid.NewString(),
		Type:            models.TxRedeem,
		CustomerAddress: session.CustomerAddress,
		ShopID:          session.ShopID,
		Amount:          session.MaxAmount,
		Status:          models.TxStatusConfirmed,
		SessionID:       &session.SessionID,
		BurnSuccessful:  burnSuccessful,
		TxHash:          txHash,
		CreatedAt:       now,
	}
	if err := s.Ledger.RecordRedemption(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// tryBurn never propagates a chain failure; each step falls through to the
// off-chain record with a structured log entry.
func (s *Settler) tryBurn(ctx context.Context, session *models.RedemptionSession) (string, bool) {
	onChain, err := s.Chain.Balance(ctx, session.CustomerAddress)
	if err != nil {
		s.Log.Warn().Err(err).Str("session_id", session.SessionID).
			Msg("on-chain balance lookup failed, settling off-chain")
		metrics.BurnsAttempted.WithLabelValues("balance_error").Inc()
		return "", false
	}
	if onChain < session.MaxAmount {
		metrics.BurnsAttempted.WithLabelValues("insufficient").Inc()
		return "", false
	}

	if s.Sink == nil {
		metrics.BurnsAttempted.WithLabelValues("sink_error").Inc()
		return "", false
	}
	sink, err := s.Sink.SinkAddress(session.ShopID)
	if err != nil {
		s.Log.Warn().Err(err).Str("shop_id", session.ShopID).
			Msg("sink derivation failed, settling off-chain")
		metrics.BurnsAttempted.WithLabelValues("sink_error").Inc()
		return "", false
	}

	hash, err := s.Chain.Burn(ctx, session.CustomerAddress, session.MaxAmount, sink)
	if err != nil {
		s.Log.Warn().Err(err).Str("session_id", session.SessionID).
			Msg("on-chain burn failed, settling off-chain")
		metrics.BurnsAttempted.WithLabelValues("burn_error").Inc()
		return "", false
	}
	metrics.BurnsAttempted.WithLabelValues("success").Inc()
	return hash, true
}
