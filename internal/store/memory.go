package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"repaircoin/internal/amount"
	"repaircoin/internal/faults"
	"repaircoin/internal/models"
)

// Memory is an in-memory store with the same semantics as the Postgres store:
// conditional transitions are atomic under the lock, the pending-pair
// uniqueness guard holds, and reconcile batches are serialized the way row
// locks serialize them. It backs the test suites.
type Memory struct {
	mu           sync.Mutex
	batchMu      sync.Mutex
	sessions     map[string]*models.RedemptionSession
	customers    map[string]*models.Customer
	shops        map[string]*models.Shop
	purchases    map[string]*models.PendingPurchase
	transactions []*models.TransactionRecord
}

func NewMemory() *Memory {
	return &Memory{
		sessions:  map[string]*models.RedemptionSession{},
		customers: map[string]*models.Customer{},
		shops:     map[string]*models.Shop{},
		purchases: map[string]*models.PendingPurchase{},
	}
}

func (m *Memory) PutCustomer(c *models.Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[c.Address] = c
}

func (m *Memory) PutShop(s *models.Shop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shops[s.ID] = s
}

func (m *Memory) PutPurchase(p *models.PendingPurchase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.purchases[p.ID] = &cp
}

func (m *Memory) GetPurchase(id string) *models.PendingPurchase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.purchases[id]; ok {
		cp := *p
		return &cp
	}
	return nil
}

func (m *Memory) Transactions() []*models.TransactionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.TransactionRecord, len(m.transactions))
	copy(out, m.transactions)
	return out
}

func (m *Memory) CreateSession(ctx context.Context, session *models.RedemptionSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.Status == models.SessionPending &&
			existing.CustomerAddress == session.CustomerAddress &&
			existing.ShopID == session.ShopID {
			return faults.Conflict("pending redemption session already exists")
		}
	}
	cp := *session
	m.sessions[session.SessionID] = &cp
	return nil
}

func (m *Memory) GetSession(ctx context.Context, sessionID string) (*models.RedemptionSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, faults.NotFound("session", sessionID)
	}
	cp := *session
	return &cp, nil
}

func (m *Memory) ListCustomerSessions(ctx context.Context, customerAddress string) ([]*models.RedemptionSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RedemptionSession
	for _, session := range m.sessions {
		if session.CustomerAddress == customerAddress {
			cp := *session
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MarkSessionApproved(ctx context.Context, sessionID, signature string, meta []byte, approvedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok || session.Status != models.SessionPending {
		return false, nil
	}
	decoded, err := models.DecodeMeta(meta)
	if err != nil {
		return false, err
	}
	session.Status = models.SessionApproved
	session.Signature = &signature
	session.Meta = decoded
	at := approvedAt
	session.ApprovedAt = &at
	return true, nil
}

func (m *Memory) MarkSessionRejected(ctx context.Context, sessionID string) (bool, error) {
	return m.transition(sessionID, models.SessionPending, models.SessionRejected), nil
}

func (m *Memory) MarkSessionExpired(ctx context.Context, sessionID string, from models.SessionStatus) (bool, error) {
	return m.transition(sessionID, from, models.SessionExpired), nil
}

func (m *Memory) MarkSessionUsed(ctx context.Context, sessionID string, usedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok || session.Status != models.SessionApproved || session.UsedAt != nil {
		return false, nil
	}
	session.Status = models.SessionUsed
	at := usedAt
	session.UsedAt = &at
	return true, nil
}

func (m *Memory) RevertSessionUsed(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok || session.Status != models.SessionUsed {
		return false, nil
	}
	session.Status = models.SessionApproved
	session.UsedAt = nil
	return true, nil
}

func (m *Memory) ExpireStaleSessions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, session := range m.sessions {
		if session.Status == models.SessionPending && session.ExpiresAt.Before(now) {
			session.Status = models.SessionExpired
			n++
		}
	}
	return n, nil
}

func (m *Memory) transition(sessionID string, from, to models.SessionStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok || session.Status != from {
		return false
	}
	session.Status = to
	return true
}

func (m *Memory) GetCustomer(ctx context.Context, address string) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	customer, ok := m.customers[address]
	if !ok {
		return nil, faults.NotFound("customer", address)
	}
	cp := *customer
	return &cp, nil
}

func (m *Memory) GetShop(ctx context.Context, shopID string) (*models.Shop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	shop, ok := m.shops[shopID]
	if !ok {
		return nil, faults.NotFound("shop", shopID)
	}
	cp := *shop
	return &cp, nil
}

func (m *Memory) AddShopRedemption(ctx context.Context, shopID string, amt amount.Amount, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	shop, ok := m.shops[shopID]
	if !ok {
		return faults.NotFound("shop", shopID)
	}
	shop.TotalRedeemed = shop.TotalRedeemed.Add(amt)
	t := at
	shop.LastActivityAt = &t
	return nil
}

func (m *Memory) InsertTransaction(ctx context.Context, record *models.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *record
	m.transactions = append(m.transactions, &cp)
	return nil
}

func (m *Memory) ListCustomerTransactions(ctx context.Context, customerAddress string) ([]*models.TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TransactionRecord
	for _, record := range m.transactions {
		if record.CustomerAddress == customerAddress {
			cp := *record
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) RecordRedemption(ctx context.Context, record *models.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	shop, ok := m.shops[record.ShopID]
	if !ok {
		return faults.NotFound("shop", record.ShopID)
	}
	cp := *record
	m.transactions = append(m.transactions, &cp)
	shop.TotalRedeemed = shop.TotalRedeemed.Add(record.Amount)
	at := record.CreatedAt
	shop.LastActivityAt = &at
	return nil
}

// MemoryBatch mirrors the Postgres batch: selected purchases stay exclusive
// to one run until Commit or Rollback, and completions apply atomically at
// Commit.
type MemoryBatch struct {
	store     *Memory
	purchases []*models.PendingPurchase
	completed []memCompletion
	done      bool
}

type memCompletion struct {
	purchaseID string
	shopID     string
	amt        amount.Amount
	reference  string
	at         time.Time
}

func (m *Memory) BeginReconcileBatch(ctx context.Context, olderThan time.Time) (*MemoryBatch, error) {
	m.batchMu.Lock()
	m.mu.Lock()
	defer m.mu.Unlock()

	var selected []*models.PendingPurchase
	for _, p := range m.purchases {
		if p.Status == models.PurchasePending &&
			p.PaymentMethod == models.PaymentMethodCreditCard &&
			p.CreatedAt.Before(olderThan) {
			cp := *p
			selected = append(selected, &cp)
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].CreatedAt.Before(selected[j].CreatedAt) })
	return &MemoryBatch{store: m, purchases: selected}, nil
}

func (b *MemoryBatch) Purchases() []*models.PendingPurchase {
	return b.purchases
}

func (b *MemoryBatch) ShopExists(ctx context.Context, shopID string) (bool, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	_, ok := b.store.shops[shopID]
	return ok, nil
}

func (b *MemoryBatch) Complete(ctx context.Context, purchaseID, shopID string, amt amount.Amount, verifiedReference string, at time.Time) error {
	b.completed = append(b.completed, memCompletion{
		purchaseID: purchaseID,
		shopID:     shopID,
		amt:        amt,
		reference:  verifiedReference,
		at:         at,
	})
	return nil
}

func (b *MemoryBatch) Commit(ctx context.Context) error {
	if b.done {
		return nil
	}
	b.done = true
	defer b.store.batchMu.Unlock()

	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, c := range b.completed {
		purchase, ok := b.store.purchases[c.purchaseID]
		if !ok || purchase.Status != models.PurchasePending {
			continue
		}
		purchase.Status = models.PurchaseCompleted
		at := c.at
		purchase.CompletedAt = &at
		ref := c.reference
		purchase.PaymentReference = &ref
		if shop, ok := b.store.shops[c.shopID]; ok {
			shop.PurchasedBalance = shop.PurchasedBalance.Add(c.amt)
			shop.LifetimePurchased = shop.LifetimePurchased.Add(c.amt)
			shop.LastActivityAt = &at
		}
	}
	return nil
}

func (b *MemoryBatch) Rollback(ctx context.Context) error {
	if b.done {
		return nil
	}
	b.done = true
	b.store.batchMu.Unlock()
	return nil
}
