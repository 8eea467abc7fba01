package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"repaircoin/internal/amount"
	"repaircoin/internal/faults"
	"repaircoin/internal/gateway"
	"repaircoin/internal/metrics"
	"repaircoin/internal/models"

	"github.com/rs/zerolog"
)

const DefaultStaleAfter = 30 * time.Minute

// Gateway is the payment-gateway surface the reconciler queries, one getter
// per reference type.
type Gateway interface {
	GetPaymentIntent(ctx context.Context, id string) (*gateway.PaymentIntent, error)
	GetInvoice(ctx context.Context, id string) (*gateway.Invoice, error)
	GetCheckoutSession(ctx context.Context, id string) (*gateway.CheckoutSession, error)
	GetSubscription(ctx context.Context, id string) (*gateway.Subscription, error)
}

// Batch is one row-locked storage transaction over the purchases selected for
// a run. Completions inside it are atomic with the shop balance credit.
type Batch interface {
	Purchases() []*models.PendingPurchase
	ShopExists(ctx context.Context, shopID string) (bool, error)
	Complete(ctx context.Context, purchaseID, shopID string, amt amount.Amount, verifiedReference string, at time.Time) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

const (
	ReasonConfirmed        = "payment_confirmed"
	ReasonNotConfirmed     = "not_confirmed"
	ReasonGatewayError     = "gateway_error"
	ReasonNoReference      = "no_payment_reference"
	ReasonUnknownReference = "unknown_reference_format"
	ReasonShopNotFound     = "shop_not_found"
)

// Detail records the decision made on a single purchase, for operator audit.
type Detail struct {
	PurchaseID string  `json:"purchaseId"`
	ShopID     string  `json:"shopId"`
	Reference  string  `json:"reference,omitempty"`
	Outcome    Outcome `json:"outcome"`
	Reason     string  `json:"reason"`
}

type Result struct {
	CompletedCount int      `json:"completedCount"`
	SkippedCount   int      `json:"skippedCount"`
	FailedCount    int      `json:"failedCount"`
	Details        []Detail `json:"details"`
}

// Reconciler sweeps stale pending shop purchases and completes the ones the
// gateway confirms as paid. Unconfirmed purchases stay pending for the next
// run; a gateway error on one item never aborts the batch.
type Reconciler struct {
	Gateway    Gateway
	BeginBatch func(ctx context.Context, olderThan time.Time) (Batch, error)
	StaleAfter time.Duration
	Now        func() time.Time
	Log        zerolog.Logger
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *Reconciler) staleAfter() time.Duration {
	if r.StaleAfter > 0 {
		return r.StaleAfter
	}
	return DefaultStaleAfter
}

// ReconcileBatch runs one pass. Item-level outcomes are durable once the
// batch commits; only a failure of the storage transaction itself rolls the
// whole run back.
func (r *Reconciler) ReconcileBatch(ctx context.Context) (*Result, error) {
	cutoff := r.now().Add(-r.staleAfter())
	batch, err := r.BeginBatch(ctx, cutoff)
	if err != nil {
		return nil, faults.External("storage", err)
	}

	result := &Result{Details: []Detail{}}
	for _, purchase := range batch.Purchases() {
		detail, err := r.reconcileOne(ctx, batch, purchase)
		if err != nil {
			_ = batch.Rollback(ctx)
			return nil, faults.External("storage", err)
		}
		result.Details = append(result.Details, detail)
		switch detail.Outcome {
		case OutcomeCompleted:
			result.CompletedCount++
		case OutcomeSkipped:
			result.SkippedCount++
		case OutcomeFailed:
			result.FailedCount++
		}
		metrics.ReconcileOutcomes.WithLabelValues(string(detail.Outcome)).Inc()
	}

	if err := batch.Commit(ctx); err != nil {
		return nil, faults.External("storage", err)
	}

	r.Log.Info().
		Int("completed", result.CompletedCount).
		Int("skipped", result.SkippedCount).
		Int("failed", result.FailedCount).
		Msg("reconcile batch finished")
	return result, nil
}

// reconcileOne decides one purchase. The returned error is reserved for
// storage failures, which poison the batch transaction and abort the run.
func (r *Reconciler) reconcileOne(ctx context.Context, batch Batch, purchase *models.PendingPurchase) (Detail, error) {
	detail := Detail{PurchaseID: purchase.ID, ShopID: purchase.ShopID}
	if purchase.PaymentReference == nil || strings.TrimSpace(*purchase.PaymentReference) == "" {
		detail.Outcome = OutcomeSkipped
		detail.Reason = ReasonNoReference
		return detail, nil
	}
	ref := strings.TrimSpace(*purchase.PaymentReference)
	detail.Reference = ref

	confirmed, reason := r.verifyReference(ctx, ref)
	if !confirmed {
		detail.Outcome = OutcomeSkipped
		detail.Reason = reason
		return detail, nil
	}

	exists, err := batch.ShopExists(ctx, purchase.ShopID)
	if err != nil {
		return detail, err
	}
	if !exists {
		detail.Outcome = OutcomeFailed
		detail.Reason = ReasonShopNotFound
		return detail, nil
	}

	now := r.now()
	verifiedRef := fmt.Sprintf("verified:%s:%s", ref, now.Format(time.RFC3339))
	if err := batch.Complete(ctx, purchase.ID, purchase.ShopID, purchase.Amount, verifiedRef, now); err != nil {
		return detail, err
	}
	detail.Outcome = OutcomeCompleted
	detail.Reason = ReasonConfirmed
	return detail, nil
}

// verifyReference dispatches on the reference prefix and maps each object
// type's own notion of "paid" to a single confirmed bit. Gateway call errors
// count as unconfirmed, never as failures.
func (r *Reconciler) verifyReference(ctx context.Context, ref string) (bool, string) {
	switch {
	case strings.HasPrefix(ref, "pi_"):
		intent, err := r.Gateway.GetPaymentIntent(ctx, ref)
		if err != nil {
			r.Log.Warn().Err(err).Str("reference", ref).Msg("payment intent lookup failed")
			return false, ReasonGatewayError
		}
		if intent.Status == gateway.PaymentIntentSucceeded {
			return true, ReasonConfirmed
		}
		return false, ReasonNotConfirmed
	case strings.HasPrefix(ref, "in_"):
		invoice, err := r.Gateway.GetInvoice(ctx, ref)
		if err != nil {
			r.Log.Warn().Err(err).Str("reference", ref).Msg("invoice lookup failed")
			return false, ReasonGatewayError
		}
		if invoice.Status == gateway.InvoicePaid {
			return true, ReasonConfirmed
		}
		return false, ReasonNotConfirmed
	case strings.HasPrefix(ref, "cs_"):
		session, err := r.Gateway.GetCheckoutSession(ctx, ref)
		if err != nil {
			r.Log.Warn().Err(err).Str("reference", ref).Msg("checkout session lookup failed")
			return false, ReasonGatewayError
		}
		if session.PaymentStatus == gateway.CheckoutSessionPaid {
			return true, ReasonConfirmed
		}
		return false, ReasonNotConfirmed
	case strings.HasPrefix(ref, "sub_"):
		sub, err := r.Gateway.GetSubscription(ctx, ref)
		if err != nil {
			r.Log.Warn().Err(err).Str("reference", ref).Msg("subscription lookup failed")
			return false, ReasonGatewayError
		}
		if sub.LatestInvoice != nil && sub.LatestInvoice.Status == gateway.InvoicePaid {
			return true, ReasonConfirmed
		}
		return false, ReasonNotConfirmed
	}
	return false, ReasonUnknownReference
}
