package balance

import (
	"context"

	"repaircoin/internal/amount"
	"repaircoin/internal/models"
)

// Ledger is the slice of transaction storage the calculator reads.
type Ledger interface {
	ListCustomerTransactions(ctx context.Context, customerAddress string) ([]*models.TransactionRecord, error)
}

// Calculator derives a customer's earned-vs-purchased split from the ledger.
// Pure read-side logic; a customer with no ledger entries gets a zero
// breakdown rather than an error.
type Calculator struct {
	Ledger Ledger
}

func (c Calculator) ComputeBreakdown(ctx context.Context, customerAddress string) (*models.BalanceBreakdown, error) {
	records, err := c.Ledger.ListCustomerTransactions(ctx, customerAddress)
	if err != nil {
		return nil, err
	}

	breakdown := &models.BalanceBreakdown{
		ByShop: map[string]amount.Amount{},
		ByType: map[models.EarnSource]amount.Amount{},
	}

	for _, r := range records {
		switch r.Type {
		case models.TxEarn:
			breakdown.Earned = breakdown.Earned.Add(r.Amount)
			breakdown.ByShop[r.ShopID] = breakdown.ByShop[r.ShopID].Add(r.Amount)
			breakdown.ByType[r.Source] = breakdown.ByType[r.Source].Add(r.Amount)
		case models.TxRedeem:
			breakdown.Earned = breakdown.Earned.Sub(r.Amount)
		case models.TxMarketBuy:
			breakdown.MarketBought = breakdown.MarketBought.Add(r.Amount)
		}
	}
	if breakdown.Earned.IsNegative() {
		breakdown.Earned = 0
	}

	breakdown.HomeShop = homeShop(breakdown.ByShop)
	return breakdown, nil
}

// homeShop picks the shop holding the plurality of gross awards. Ties break
// toward the lexicographically smaller id so the result is stable.
func homeShop(byShop map[string]amount.Amount) string {
	var best string
	var bestAmount amount.Amount
	for shopID, amt := range byShop {
		if best == "" || amt > bestAmount || (amt == bestAmount && shopID < best) {
			best = shopID
			bestAmount = amt
		}
	}
	return best
}
