package models

import (
	"time"

	"repaircoin/internal/amount"
)

type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionApproved SessionStatus = "approved"
	SessionRejected SessionStatus = "rejected"
	SessionExpired  SessionStatus = "expired"
	SessionUsed     SessionStatus = "used"
)

// Terminal reports whether no further transition may leave the status.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionRejected, SessionExpired, SessionUsed:
		return true
	}
	return false
}

type RedemptionSession struct {
	SessionID       string
	CustomerAddress string
	ShopID          string
	MaxAmount       amount.Amount
	Status          SessionStatus
	Meta            SessionMeta
	Signature       *string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ApprovedAt      *time.Time
	UsedAt          *time.Time
}

func (s *RedemptionSession) ExpiredBy(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}

type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
)

const PaymentMethodCreditCard = "credit_card"

type PendingPurchase struct {
	ID               string
	ShopID           string
	Amount           amount.Amount
	PaymentReference *string
	PaymentMethod    string
	Status           PurchaseStatus
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

type TransactionType string

const (
	TxEarn      TransactionType = "earn"
	TxRedeem    TransactionType = "redeem"
	TxTransfer  TransactionType = "transfer"
	TxPurchase  TransactionType = "purchase"
	TxMarketBuy TransactionType = "market_buy"
)

type EarnSource string

const (
	SourceRepair   EarnSource = "repair"
	SourceReferral EarnSource = "referral"
	SourceBonus    EarnSource = "bonus"
)

const TxStatusConfirmed = "confirmed"

// TransactionRecord is an append-only ledger entry. Rows are created once per
// award or settlement event and never mutated.
type TransactionRecord struct {
	ID              string
	Type            TransactionType
	CustomerAddress string
	ShopID          string
	Amount          amount.Amount
	Status          string
	Source          EarnSource
	SessionID       *string
	BurnSuccessful  bool
	TxHash          *string
	CreatedAt       time.Time
}

type Customer struct {
	Address  string
	Name     string
	JoinedAt time.Time
}

type Shop struct {
	ID                string
	Name              string
	WalletAddress     string
	Active            bool
	Verified          bool
	PurchasedBalance  amount.Amount
	LifetimePurchased amount.Amount
	TotalRedeemed     amount.Amount
	LastActivityAt    *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BalanceBreakdown is derived from the ledger on each query, never stored.
type BalanceBreakdown struct {
	Earned       amount.Amount
	MarketBought amount.Amount
	ByShop       map[string]amount.Amount
	ByType       map[EarnSource]amount.Amount
	HomeShop     string
}
