package payments

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-events/backend/internal/instamojo"
	"github.com/aura-events/backend/internal/models"
)

var ErrMockDB = errors.New("mock db error")

// MockGateway implements Gateway with optional function overrides.
type MockGateway struct {
	mu sync.Mutex

	Disabled        bool
	CreateFunc      func(ctx context.Context, in instamojo.PaymentRequestInput) (*instamojo.PaymentRequest, error)
	GetPaymentFunc  func(ctx context.Context, id string) (*instamojo.Verified, error)
	GetRequestFunc  func(ctx context.Context, id string) (*instamojo.Verified, error)
	CreateCalls     []instamojo.PaymentRequestInput
	GetPaymentCalls []string
	GetRequestCalls []string
}

func (m *MockGateway) Configured() bool { return !m.Disabled }

func (m *MockGateway) CreatePaymentRequest(ctx context.Context, in instamojo.PaymentRequestInput) (*instamojo.PaymentRequest, error) {
	m.mu.Lock()
	m.CreateCalls = append(m.CreateCalls, in)
	m.mu.Unlock()
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, in)
	}
	return &instamojo.PaymentRequest{ID: "PR1", LongURL: "https://pay.example/PR1"}, nil
}

func (m *MockGateway) GetPayment(ctx context.Context, id string) (*instamojo.Verified, error) {
	m.mu.Lock()
	m.GetPaymentCalls = append(m.GetPaymentCalls, id)
	m.mu.Unlock()
	if m.GetPaymentFunc != nil {
		return m.GetPaymentFunc(ctx, id)
	}
	return nil, errors.New("not stubbed")
}

func (m *MockGateway) GetPaymentRequest(ctx context.Context, id string) (*instamojo.Verified, error) {
	m.mu.Lock()
	m.GetRequestCalls = append(m.GetRequestCalls, id)
	m.mu.Unlock()
	if m.GetRequestFunc != nil {
		return m.GetRequestFunc(ctx, id)
	}
	return nil, errors.New("not stubbed")
}

func (m *MockGateway) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CreateCalls) + len(m.GetPaymentCalls) + len(m.GetRequestCalls)
}

// MemoryLedger is an in-memory LedgerStore with the same CAS and fill rules as the SQL one.
type MemoryLedger struct {
	mu        sync.Mutex
	rows      []*models.PaymentRecord
	InsertErr error
	SettleErr error
	Annotated int
	clock     time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (l *MemoryLedger) Insert(ctx context.Context, rec *models.PaymentRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.InsertErr != nil {
		return l.InsertErr
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	l.clock = l.clock.Add(time.Second)
	rec.CreatedAt, rec.UpdatedAt = l.clock, l.clock
	cp := *rec
	l.rows = append(l.rows, &cp)
	return nil
}

// Seed inserts rec as-is.
func (l *MemoryLedger) Seed(rec models.PaymentRecord) *models.PaymentRecord {
	_ = l.Insert(context.Background(), &rec)
	return l.Get(rec.ID)
}

func (l *MemoryLedger) Get(id uuid.UUID) *models.PaymentRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rows {
		if r.ID == id {
			cp := *r
			return &cp
		}
	}
	return nil
}

func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

func (l *MemoryLedger) latest(match func(*models.PaymentRecord) bool) *models.PaymentRecord {
	var best *models.PaymentRecord
	for _, r := range l.rows {
		if match(r) && (best == nil || r.CreatedAt.After(best.CreatedAt)) {
			best = r
		}
	}
	return best
}

func (l *MemoryLedger) LatestByReference(ctx context.Context, ref string) (*models.PaymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.latest(func(p *models.PaymentRecord) bool { return p.ReferenceID == ref })
	if r == nil {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (l *MemoryLedger) FindForDelivery(ctx context.Context, m Match) (*models.PaymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var r *models.PaymentRecord
	if m.ProviderOrderID != "" {
		r = l.latest(func(p *models.PaymentRecord) bool { return deref(p.ProviderOrderID) == m.ProviderOrderID })
	}
	if r == nil && m.ProviderPaymentID != "" {
		r = l.latest(func(p *models.PaymentRecord) bool { return deref(p.ProviderPaymentID) == m.ProviderPaymentID })
	}
	if r == nil && m.ReferenceID != "" {
		r = l.latest(func(p *models.PaymentRecord) bool { return p.ReferenceID == m.ReferenceID })
	}
	if r == nil {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (l *MemoryLedger) fill(r *models.PaymentRecord, payload []byte, f Fill) {
	r.WebhookPayload = append([]byte(nil), payload...)
	if r.ProviderPaymentID == nil && f.ProviderPaymentID != "" {
		v := f.ProviderPaymentID
		r.ProviderPaymentID = &v
	}
	if !r.Amount.Valid && f.Amount.Valid {
		r.Amount = f.Amount
	}
	if r.Currency == nil && f.Currency != "" {
		v := f.Currency
		r.Currency = &v
	}
	now := l.clock
	r.ReceivedAt = &now
}

func (l *MemoryLedger) Settle(ctx context.Context, id uuid.UUID, status string, payload []byte, f Fill) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SettleErr != nil {
		return false, l.SettleErr
	}
	for _, r := range l.rows {
		if r.ID == id && r.Status == models.PaymentStatusCreated {
			r.Status = status
			l.fill(r, payload, f)
			return true, nil
		}
	}
	return false, nil
}

func (l *MemoryLedger) Annotate(ctx context.Context, id uuid.UUID, payload []byte, f Fill) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Annotated++
	for _, r := range l.rows {
		if r.ID == id {
			l.fill(r, payload, f)
		}
	}
	return nil
}

func lastTouched(r models.PaymentRecord) time.Time {
	if r.ReceivedAt != nil {
		return *r.ReceivedAt
	}
	return r.CreatedAt
}

func (l *MemoryLedger) ListStale(ctx context.Context, q StaleQuery) ([]models.PaymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.PaymentRecord
	for _, r := range l.rows {
		if r.Status != models.PaymentStatusCreated || r.ProviderOrderID == nil || !lastTouched(*r).Before(q.IdleSince) {
			continue
		}
		if !q.CreatedAfter.IsZero() && !r.CreatedAt.After(q.CreatedAfter) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return lastTouched(out[i]).Before(lastTouched(out[j])) })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (l *MemoryLedger) List(ctx context.Context, f ListFilter) ([]models.PaymentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.PaymentRecord
	for i := len(l.rows) - 1; i >= 0; i-- {
		r := l.rows[i]
		if (f.Status == "" || r.Status == f.Status) && (f.ReferenceID == "" || r.ReferenceID == f.ReferenceID) {
			out = append(out, *r)
		}
	}
	return out, nil
}

type registrantRow struct {
	email string
	view  *models.RegistrantPaymentView
}

// MockRegistrants is an in-memory RegistrantStore.
type MockRegistrants struct {
	mu       sync.Mutex
	rows     map[models.EntityType]map[int64]*registrantRow
	ApplyErr error
}

func NewMockRegistrants() *MockRegistrants {
	return &MockRegistrants{rows: map[models.EntityType]map[int64]*registrantRow{}}
}

func (m *MockRegistrants) Add(entity models.EntityType, id int64, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[entity] == nil {
		m.rows[entity] = map[int64]*registrantRow{}
	}
	m.rows[entity][id] = &registrantRow{email: email}
}

func (m *MockRegistrants) View(entity models.EntityType, id int64) *models.RegistrantPaymentView {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[entity][id]; ok {
		return r.view
	}
	return nil
}

func (m *MockRegistrants) Exists(ctx context.Context, entity models.EntityType, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[entity][id]
	return ok, nil
}

func (m *MockRegistrants) FindIDByEmail(ctx context.Context, entity models.EntityType, email string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.rows[entity] {
		if r.email == email {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (m *MockRegistrants) ApplyPayment(ctx context.Context, entity models.EntityType, id int64, view models.RegistrantPaymentView) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ApplyErr != nil {
		return false, m.ApplyErr
	}
	r, ok := m.rows[entity][id]
	if !ok {
		return false, nil
	}
	if r.view != nil && r.view.PaymentStatus == models.PaymentStatusPaid {
		return false, nil
	}
	v := view
	r.view = &v
	return true, nil
}

type confirmCall struct {
	Entity models.EntityType
	ID     string
	TxID   string
}

// MockFanOut records downstream calls.
type MockFanOut struct {
	mu       sync.Mutex
	Upgrades []UpgradeRequest
	Confirms []confirmCall
	Err      error
}

func (m *MockFanOut) Upgrade(ctx context.Context, req UpgradeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Upgrades = append(m.Upgrades, req)
	return m.Err
}

func (m *MockFanOut) Confirm(ctx context.Context, entity models.EntityType, id, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Confirms = append(m.Confirms, confirmCall{Entity: entity, ID: id, TxID: txID})
	return m.Err
}

func (m *MockFanOut) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Upgrades), len(m.Confirms)
}

// MockPublisher records status pushes.
type MockPublisher struct {
	mu     sync.Mutex
	Events [][2]string
}

func (m *MockPublisher) PublishPaymentStatus(ctx context.Context, ref, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, [2]string{ref, status})
	return nil
}

// MockArchiver records archived bodies.
type MockArchiver struct {
	mu     sync.Mutex
	Bodies map[string][]byte
}

func (m *MockArchiver) ArchiveWebhook(ctx context.Context, id string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Bodies == nil {
		m.Bodies = map[string][]byte{}
	}
	m.Bodies[id] = body
	return nil
}

func strPtr(s string) *string { return &s }
