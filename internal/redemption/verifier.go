package redemption

import (
	"context"

	"repaircoin/internal/amount"
	"repaircoin/internal/balance"
	"repaircoin/internal/models"
)

const (
	ReasonInsufficientEarned = "insufficient earned balance"
	ReasonCrossShopLimit     = "cross-shop redemptions limited to 20% of earned balance"
)

type Verdict struct {
	Allowed         bool
	Reason          string
	AvailableAmount amount.Amount
	HomeShop        string
}

// Verifier gates redemptions: the full earned balance is spendable at the
// customer's home shop, a capped share anywhere else.
type Verifier struct {
	Balances         balance.Calculator
	CrossShopPercent int64
}

func (v Verifier) Verify(ctx context.Context, customerAddress, shopID string, amt amount.Amount) (*Verdict, error) {
	breakdown, err := v.Balances.ComputeBreakdown(ctx, customerAddress)
	if err != nil {
		return nil, err
	}
	return v.verdict(breakdown, shopID, amt), nil
}

func (v Verifier) verdict(breakdown *models.BalanceBreakdown, shopID string, amt amount.Amount) *Verdict {
	earned := breakdown.Earned
	if amt > earned {
		return &Verdict{
			Reason:          ReasonInsufficientEarned,
			AvailableAmount: earned,
			HomeShop:        breakdown.HomeShop,
		}
	}
	if shopID == breakdown.HomeShop {
		return &Verdict{Allowed: true, AvailableAmount: earned, HomeShop: breakdown.HomeShop}
	}

	// Same floored value for the check and the reported ceiling, so a
	// boundary amount never fails by a fraction of a cent.
	ceiling := earned.Percent(v.percent())
	if amt > ceiling {
		return &Verdict{
			Reason:          ReasonCrossShopLimit,
			AvailableAmount: ceiling,
			HomeShop:        breakdown.HomeShop,
		}
	}
	return &Verdict{Allowed: true, AvailableAmount: ceiling, HomeShop: breakdown.HomeShop}
}

func (v Verifier) percent() int64 {
	if v.CrossShopPercent <= 0 {
		return 20
	}
	return v.CrossShopPercent
}
