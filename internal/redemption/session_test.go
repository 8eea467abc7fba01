package redemption

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"repaircoin/internal/amount"
	"repaircoin/internal/faults"
	"repaircoin/internal/models"
	"repaircoin/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubSettler struct {
	mu      sync.Mutex
	err     error
	settled []*models.TransactionRecord
}

func (s *stubSettler) Settle(ctx context.Context, session *models.RedemptionSession) (*models.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	record := &models.TransactionRecord{
		ID:        uuid.NewString(),
		Type:      models.TxRedeem,
		SessionID: &session.SessionID,
		Amount:    session.MaxAmount,
	}
	s.settled = append(s.settled, record)
	return record, nil
}

func (s *stubSettler) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubSettler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.settled)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	mem     *store.Memory
	settler *stubSettler
	clock   *fakeClock
	mgr     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	mem.PutCustomer(&models.Customer{Address: "cust-1", Name: "Ada"})
	mem.PutShop(&models.Shop{ID: "shop-a", Name: "Home Repairs", Active: true, Verified: true})
	mem.PutShop(&models.Shop{ID: "shop-b", Name: "Away Repairs", Active: true, Verified: true})
	mem.PutShop(&models.Shop{ID: "shop-off", Name: "Closed", Active: false, Verified: true})
	seedEarned(t, mem, "cust-1", "shop-a", 100)

	settler := &stubSettler{}
	clock := &fakeClock{t: time.Now().UTC()}
	mgr := &Manager{
		Sessions:  mem,
		Customers: mem,
		Shops:     mem,
		Verifier:  newVerifier(mem),
		Settler:   settler,
		Now:       clock.Now,
		Log:       zerolog.Nop(),
	}
	return &fixture{mem: mem, settler: settler, clock: clock, mgr: mgr}
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.mgr.Create(ctx, "cust-1", "shop-a", amount.FromTokens(50), nil)
	require.NoError(t, err)
	require.Equal(t, models.SessionPending, session.Status)
	require.Equal(t, f.clock.Now().Add(5*time.Minute), session.ExpiresAt)
	require.Equal(t, "shop_initiated", session.Meta.Kind())

	// Only one pending session per (customer, shop) pair.
	_, err = f.mgr.Create(ctx, "cust-1", "shop-a", amount.FromTokens(10), nil)
	require.True(t, faults.IsConflict(err))

	// A different shop is a different pair.
	_, err = f.mgr.Create(ctx, "cust-1", "shop-b", amount.FromTokens(10), models.QRMeta{DisplayCode: "RC-1"})
	require.NoError(t, err)
}

func TestCreateSessionRequirements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.Create(ctx, "ghost", "shop-a", amount.FromTokens(10), nil)
	require.True(t, faults.IsNotFound(err))

	_, err = f.mgr.Create(ctx, "cust-1", "shop-off", amount.FromTokens(10), nil)
	require.True(t, faults.IsNotFound(err))

	_, err = f.mgr.Create(ctx, "cust-1", "shop-a", amount.FromTokens(0), nil)
	require.True(t, faults.IsInvalidState(err))

	// Creation is verifier-gated: over the cross-shop ceiling fails up front.
	_, err = f.mgr.Create(ctx, "cust-1", "shop-b", amount.FromTokens(21), nil)
	require.True(t, faults.IsInvalidState(err))
	require.Contains(t, err.Error(), "cross-shop")
}

func TestApproveSettlesAndConsumes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.mgr.Create(ctx, "cust-1", "shop-a", amount.FromTokens(40), nil)
	require.NoError(t, err)

	approved, err := f.mgr.Approve(ctx, session.SessionID, "cust-1", "sig-1", nil)
	require.NoError(t, err)
	require.Equal(t, models.SessionUsed, approved.Status)
	require.NotNil(t, approved.UsedAt)
	require.Equal(t, 1, f.settler.count())

	stored, err := f.mem.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionUsed, stored.Status)
	require.Equal(t, "sig-1", *stored.Signature)

	// A used session cannot be consumed again.
	_, err = f.mgr.ValidateAndConsume(ctx, session.SessionID, "shop-a", amount.FromTokens(40))
	require.True(t, faults.IsInvalidState(err))
	require.Equal(t, 1, f.settler.count())
}

func TestApproveGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.mgr.Create(ctx, "cust-1", "shop-a", amount.FromTokens(40), nil)
	require.NoError(t, err)

	_, err = f.mgr.Approve(ctx, "missing", "cust-1", "sig", nil)
	require.True(t, faults.IsNotFound(err))

	_, err = f.mgr.Approve(ctx, session.SessionID, "someone-else", "sig", nil)
	require.True(t, faults.IsForbidden(err))

	_, err = f.mgr.Approve(ctx, session.SessionID, "cust-1", "", nil)
	require.True(t, faults.IsForbidden(err))
}

func TestApproveExpiredSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.mgr.Create(ctx, "cust-1", "shop-a", amount.FromTokens(40), nil)
	require.NoError(t, err)

	f.clock.Advance(5*time.Minute + time.Second)
	_, err = f.mgr.Approve(ctx, session.SessionID, "cust-1", "sig", nil)
	require.True(t, faults.IsInvalidState(err))

	stored, err := f.mem.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionExpired, stored.Status)
	require.Equal(t, 0, f.settler.count())
}

func TestApproveReverifiesAndLeavesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.mgr.Create(ctx, "cust-1", "shop-a", amount.FromTokens(80), nil)
	require.NoError(t, err)

	// Balance shrinks between creation and approval.
	require.NoError(t, f.mem.InsertTransaction(ctx, &models.TransactionRecord{
		ID:              uuid.NewString(),
		Type:            models.TxRedeem,
		CustomerAddress: "cust-1",
		ShopID:          "shop-a",
		Amount:          amount.FromTokens(90),
		Status:          models.TxStatusConfirmed,
		CreatedAt:       time.Now().UTC(),
	}))

	_, err = f.mgr.Approve(ctx, session.SessionID, "cust-1", "sig", nil)
	require.True(t, faults.IsInvalidState(err))
	require.Contains(t, err.Error(), ReasonInsufficientEarned)

	// The failed approval does not reject the session.
	stored, err := f.mem.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionPending, stored.Status)
}

func TestApproveSettlementFailureLeavesApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.mgr.Create(ctx, "cust-1", "shop-a", amount.FromTokens(40), nil)
	require.NoError(t, err)

	f.settler.setErr(errors.New("ledger write failed"))
	approved, err := f.mgr.Approve(ctx, session.SessionID, "cust-1", "sig", nil)
	require.NoError(t, err)
	require.Equal(t, models.SessionApproved, approved.Status)

	stored, err := f.mem.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionApproved, stored.Status)
	require.Nil(t, stored.UsedAt)

	// The shop retries consumption once settlement recovers.
	f.settler.setErr(nil)
	consumed, err := f.mgr.ValidateAndConsume(ctx, session.SessionID, "shop-a", amount.FromTokens(40))
	require.NoError(t, err)
	require.Equal(t, models.SessionUsed, consumed.Status)
	require.Equal(t, 1, f.settler.count())
}

func TestApproveStoresTransferMeta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.mgr.Create(ctx, "cust-1", "shop-a", amount.FromTokens(40), nil)
	require.NoError(t, err)

	hash := "0xabc123"
	approved, err := f.mgr.Approve(ctx, session.SessionID, "cust-1", "sig", &hash)
	require.NoError(t, err)
	meta, ok := approved.Meta.(models.TransferMeta)
	require.True(t, ok)
	require.Equal(t, hash, meta.TransferTxHash)
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.mgr.Create(ctx, "cust-1", "shop-a", amount.FromTokens(40), nil)
	require.NoError(t, err)

	rejected, err := f.mgr.Reject(ctx, session.SessionID, "cust-1")
	require.NoError(t, err)
	require.Equal(t, models.SessionRejected, rejected.Status)

	// Rejected is terminal.
	_, err = f.mgr.Reject(ctx, session.SessionID, "cust-1")
	require.True(t, faults.IsInvalidState(err))
	_, err = f.mgr.Approve(ctx, session.SessionID, "cust-1", "sig", nil)
	require.True(t, faults.IsInvalidState(err))
	require.Equal(t, 0, f.settler.count())
}

func TestConsumeGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.mgr.Create(ctx, "cust-1", "shop-a", amount.FromTokens(40), nil)
	require.NoError(t, err)

	// Not yet approved.
	_, err = f.mgr.ValidateAndConsume(ctx, session.SessionID, "shop-a", amount.FromTokens(40))
	require.True(t, faults.IsInvalidState(err))

	f.settler.setErr(errors.New("down"))
	_, err = f.mgr.Approve(ctx, session.SessionID, "cust-1", "sig", nil)
	require.NoError(t, err)
	f.settler.setErr(nil)

	_, err = f.mgr.ValidateAndConsume(ctx, session.SessionID, "shop-b", amount.FromTokens(40))
	require.True(t, faults.IsForbidden(err))

	_, err = f.mgr.ValidateAndConsume(ctx, session.SessionID, "shop-a", amount.FromTokens(41))
	require.True(t, faults.IsInvalidState(err))
}

func TestConsumeExpiredApprovedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.mgr.Create(ctx, "cust-1", "shop-a", amount.FromTokens(40), nil)
	require.NoError(t, err)
	f.settler.setErr(errors.New("down"))
	_, err = f.mgr.Approve(ctx, session.SessionID, "cust-1", "sig", nil)
	require.NoError(t, err)
	f.settler.setErr(nil)

	f.clock.Advance(10 * time.Minute)
	_, err = f.mgr.ValidateAndConsume(ctx, session.SessionID, "shop-a", amount.FromTokens(40))
	require.True(t, faults.IsInvalidState(err))

	stored, err := f.mem.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionExpired, stored.Status)
	require.Equal(t, 0, f.settler.count())
}

func TestNoDoubleSpend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	session, err := f.mgr.Create(ctx, "cust-1", "shop-a", amount.FromTokens(40), nil)
	require.NoError(t, err)
	f.settler.setErr(errors.New("down"))
	_, err = f.mgr.Approve(ctx, session.SessionID, "cust-1", "sig", nil)
	require.NoError(t, err)
	f.settler.setErr(nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.mgr.ValidateAndConsume(ctx, session.SessionID, "shop-a", amount.FromTokens(40))
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		if err == nil {
			wins++
		} else if faults.IsInvalidState(err) {
			losses++
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, losses)
	require.Equal(t, 1, f.settler.count())

	stored, err := f.mem.GetSession(ctx, session.SessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionUsed, stored.Status)
	require.NotNil(t, stored.UsedAt)
}

func TestSweepExpiredOnlyTouchesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending, err := f.mgr.Create(ctx, "cust-1", "shop-b", amount.FromTokens(10), nil)
	require.NoError(t, err)

	approvedSession, err := f.mgr.Create(ctx, "cust-1", "shop-a", amount.FromTokens(40), nil)
	require.NoError(t, err)
	f.settler.setErr(errors.New("down"))
	_, err = f.mgr.Approve(ctx, approvedSession.SessionID, "cust-1", "sig", nil)
	require.NoError(t, err)
	f.settler.setErr(nil)

	f.clock.Advance(6 * time.Minute)
	n, err := f.mgr.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	stored, err := f.mem.GetSession(ctx, pending.SessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionExpired, stored.Status)

	// Approved sessions are mid-flight; the sweep must not touch them.
	stored, err = f.mem.GetSession(ctx, approvedSession.SessionID)
	require.NoError(t, err)
	require.Equal(t, models.SessionApproved, stored.Status)

	_, err = f.mgr.Approve(ctx, pending.SessionID, "cust-1", "sig", nil)
	require.True(t, faults.IsInvalidState(err))
}
