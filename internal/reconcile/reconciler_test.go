package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"repaircoin/internal/amount"
	"repaircoin/internal/gateway"
	"repaircoin/internal/models"
	"repaircoin/internal/store"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	intents   map[string]*gateway.PaymentIntent
	invoices  map[string]*gateway.Invoice
	checkouts map[string]*gateway.CheckoutSession
	subs      map[string]*gateway.Subscription
	err       error
}

func (g *stubGateway) GetPaymentIntent(ctx context.Context, id string) (*gateway.PaymentIntent, error) {
	if g.err != nil {
		return nil, g.err
	}
	if pi, ok := g.intents[id]; ok {
		return pi, nil
	}
	return nil, errors.New("no such payment_intent")
}

func (g *stubGateway) GetInvoice(ctx context.Context, id string) (*gateway.Invoice, error) {
	if g.err != nil {
		return nil, g.err
	}
	if in, ok := g.invoices[id]; ok {
		return in, nil
	}
	return nil, errors.New("no such invoice")
}

func (g *stubGateway) GetCheckoutSession(ctx context.Context, id string) (*gateway.CheckoutSession, error) {
	if g.err != nil {
		return nil, g.err
	}
	if cs, ok := g.checkouts[id]; ok {
		return cs, nil
	}
	return nil, errors.New("no such checkout session")
}

func (g *stubGateway) GetSubscription(ctx context.Context, id string) (*gateway.Subscription, error) {
	if g.err != nil {
		return nil, g.err
	}
	if sub, ok := g.subs[id]; ok {
		return sub, nil
	}
	return nil, errors.New("no such subscription")
}

func strPtr(s string) *string { return &s }

func stalePurchase(id, shopID string, ref *string, tokens int64) *models.PendingPurchase {
	return &models.PendingPurchase{
		ID:               id,
		ShopID:           shopID,
		Amount:           amount.FromTokens(tokens),
		PaymentMethod:    models.PaymentMethodCreditCard,
		PaymentReference: ref,
		Status:           models.PurchasePending,
		CreatedAt:        time.Now().UTC().Add(-2 * time.Hour),
	}
}

func newReconciler(mem *store.Memory, gw Gateway) *Reconciler {
	return &Reconciler{
		Gateway: gw,
		BeginBatch: func(ctx context.Context, olderThan time.Time) (Batch, error) {
			return mem.BeginReconcileBatch(ctx, olderThan)
		},
		Log: zerolog.Nop(),
	}
}

func TestReconcileCompletesConfirmedPurchase(t *testing.T) {
	mem := store.NewMemory()
	mem.PutShop(&models.Shop{ID: "shop-a", Active: true, Verified: true})
	mem.PutPurchase(stalePurchase("p-1", "shop-a", strPtr("pi_123"), 100))

	gw := &stubGateway{intents: map[string]*gateway.PaymentIntent{
		"pi_123": {ID: "pi_123", Status: gateway.PaymentIntentSucceeded},
	}}
	r := newReconciler(mem, gw)

	result, err := r.ReconcileBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.CompletedCount)
	require.Equal(t, 0, result.SkippedCount)
	require.Equal(t, 0, result.FailedCount)
	require.Equal(t, ReasonConfirmed, result.Details[0].Reason)

	purchase := mem.GetPurchase("p-1")
	require.Equal(t, models.PurchaseCompleted, purchase.Status)
	require.NotNil(t, purchase.CompletedAt)
	require.True(t, strings.HasPrefix(*purchase.PaymentReference, "verified:pi_123:"))

	shop, err := mem.GetShop(context.Background(), "shop-a")
	require.NoError(t, err)
	require.Equal(t, amount.FromTokens(100), shop.PurchasedBalance)
	require.Equal(t, amount.FromTokens(100), shop.LifetimePurchased)
}

func TestReconcileSkipsUnconfirmed(t *testing.T) {
	mem := store.NewMemory()
	mem.PutShop(&models.Shop{ID: "shop-a", Active: true, Verified: true})
	mem.PutPurchase(stalePurchase("p-1", "shop-a", strPtr("pi_wait"), 50))
	mem.PutPurchase(stalePurchase("p-2", "shop-a", strPtr("in_open"), 50))

	gw := &stubGateway{
		intents:  map[string]*gateway.PaymentIntent{"pi_wait": {ID: "pi_wait", Status: "requires_payment_method"}},
		invoices: map[string]*gateway.Invoice{"in_open": {ID: "in_open", Status: "open"}},
	}
	r := newReconciler(mem, gw)

	result, err := r.ReconcileBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, result.CompletedCount)
	require.Equal(t, 2, result.SkippedCount)
	for _, d := range result.Details {
		require.Equal(t, ReasonNotConfirmed, d.Reason)
	}

	// Unconfirmed purchases stay pending for the next run.
	require.Equal(t, models.PurchasePending, mem.GetPurchase("p-1").Status)
	require.Equal(t, models.PurchasePending, mem.GetPurchase("p-2").Status)
}

func TestReconcileGatewayErrorSkips(t *testing.T) {
	mem := store.NewMemory()
	mem.PutShop(&models.Shop{ID: "shop-a", Active: true, Verified: true})
	mem.PutPurchase(stalePurchase("p-1", "shop-a", strPtr("pi_123"), 50))

	r := newReconciler(mem, &stubGateway{err: errors.New("gateway timeout")})

	result, err := r.ReconcileBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.SkippedCount)
	require.Equal(t, ReasonGatewayError, result.Details[0].Reason)
	require.Equal(t, models.PurchasePending, mem.GetPurchase("p-1").Status)
}

func TestReconcileReferenceHandling(t *testing.T) {
	mem := store.NewMemory()
	mem.PutShop(&models.Shop{ID: "shop-a", Active: true, Verified: true})
	mem.PutPurchase(stalePurchase("p-none", "shop-a", nil, 10))
	mem.PutPurchase(stalePurchase("p-blank", "shop-a", strPtr("   "), 10))
	mem.PutPurchase(stalePurchase("p-odd", "shop-a", strPtr("txn_999"), 10))

	r := newReconciler(mem, &stubGateway{})

	result, err := r.ReconcileBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, result.SkippedCount)

	reasons := map[string]string{}
	for _, d := range result.Details {
		reasons[d.PurchaseID] = d.Reason
	}
	require.Equal(t, ReasonNoReference, reasons["p-none"])
	require.Equal(t, ReasonNoReference, reasons["p-blank"])
	require.Equal(t, ReasonUnknownReference, reasons["p-odd"])
}

func TestReconcileShopNotFoundFails(t *testing.T) {
	mem := store.NewMemory()
	mem.PutPurchase(stalePurchase("p-1", "ghost-shop", strPtr("cs_123"), 10))

	gw := &stubGateway{checkouts: map[string]*gateway.CheckoutSession{
		"cs_123": {ID: "cs_123", PaymentStatus: gateway.CheckoutSessionPaid},
	}}
	r := newReconciler(mem, gw)

	result, err := r.ReconcileBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.FailedCount)
	require.Equal(t, ReasonShopNotFound, result.Details[0].Reason)
	require.Equal(t, models.PurchasePending, mem.GetPurchase("p-1").Status)
}

func TestReconcileSubscriptionUsesLatestInvoice(t *testing.T) {
	mem := store.NewMemory()
	mem.PutShop(&models.Shop{ID: "shop-a", Active: true, Verified: true})
	mem.PutPurchase(stalePurchase("p-paid", "shop-a", strPtr("sub_paid"), 20))
	mem.PutPurchase(stalePurchase("p-open", "shop-a", strPtr("sub_open"), 20))

	gw := &stubGateway{subs: map[string]*gateway.Subscription{
		"sub_paid": {ID: "sub_paid", Status: "active", LatestInvoice: &gateway.Invoice{ID: "in_1", Status: gateway.InvoicePaid}},
		"sub_open": {ID: "sub_open", Status: "active", LatestInvoice: &gateway.Invoice{ID: "in_2", Status: "open"}},
	}}
	r := newReconciler(mem, gw)

	result, err := r.ReconcileBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.CompletedCount)
	require.Equal(t, 1, result.SkippedCount)
	require.Equal(t, models.PurchaseCompleted, mem.GetPurchase("p-paid").Status)
	require.Equal(t, models.PurchasePending, mem.GetPurchase("p-open").Status)
}

func TestReconcileIgnoresFreshAndNonCardPurchases(t *testing.T) {
	mem := store.NewMemory()
	mem.PutShop(&models.Shop{ID: "shop-a", Active: true, Verified: true})

	fresh := stalePurchase("p-fresh", "shop-a", strPtr("pi_123"), 10)
	fresh.CreatedAt = time.Now().UTC()
	mem.PutPurchase(fresh)

	crypto := stalePurchase("p-crypto", "shop-a", strPtr("pi_456"), 10)
	crypto.PaymentMethod = "usdc"
	mem.PutPurchase(crypto)

	r := newReconciler(mem, &stubGateway{})

	result, err := r.ReconcileBatch(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Details)
}

func TestReconcileSecondRunIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	mem.PutShop(&models.Shop{ID: "shop-a", Active: true, Verified: true})
	mem.PutPurchase(stalePurchase("p-1", "shop-a", strPtr("pi_123"), 100))

	gw := &stubGateway{intents: map[string]*gateway.PaymentIntent{
		"pi_123": {ID: "pi_123", Status: gateway.PaymentIntentSucceeded},
	}}
	r := newReconciler(mem, gw)

	first, err := r.ReconcileBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, first.CompletedCount)

	second, err := r.ReconcileBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, second.CompletedCount)
	require.Empty(t, second.Details)

	// The shop was credited exactly once.
	shop, err := mem.GetShop(context.Background(), "shop-a")
	require.NoError(t, err)
	require.Equal(t, amount.FromTokens(100), shop.PurchasedBalance)
}
