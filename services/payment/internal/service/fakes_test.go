package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/kyungseok/seminar-payments-go/common/idempotency"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/domain"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/provider"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/repository"
)

type fakeTxRunner struct{}

func (fakeTxRunner) WithinTx(ctx context.Context, fn func(tx repository.DBTX) error) error {
	return fn(nil)
}

type fakePaymentRepo struct {
	mu         sync.Mutex
	payments   map[string]*domain.Payment
	createHook func(p *domain.Payment) error
	findErr    error
}

func newFakePaymentRepo() *fakePaymentRepo {
	return &fakePaymentRepo{payments: make(map[string]*domain.Payment)}
}

func (r *fakePaymentRepo) seed(p *domain.Payment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.payments[p.ID] = &cp
}

func (r *fakePaymentRepo) get(id string) *domain.Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (r *fakePaymentRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payments)
}

func (r *fakePaymentRepo) Create(ctx context.Context, p *domain.Payment) error {
	if r.createHook != nil {
		if err := r.createHook(p); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.payments[p.ID]; exists {
		return fmt.Errorf("payment %s: %w", p.ID, repository.ErrDuplicate)
	}
	cp := *p
	r.payments[p.ID] = &cp
	return nil
}

func (r *fakePaymentRepo) FindByID(ctx context.Context, id string) (*domain.Payment, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	if p := r.get(id); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("payment %s: %w", id, repository.ErrNotFound)
}

func (r *fakePaymentRepo) FindByProviderInvoiceID(ctx context.Context, invoiceID string) (*domain.Payment, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.ProviderInvoiceID == invoiceID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("payment with provider invoice %s: %w", invoiceID, repository.ErrNotFound)
}

func (r *fakePaymentRepo) List(ctx context.Context, filter repository.PaymentFilter) ([]*domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Payment
	for _, p := range r.payments {
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.SeminarID != "" && p.SeminarID != filter.SeminarID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakePaymentRepo) TransitionStatusTx(ctx context.Context, tx repository.DBTX, id string, t domain.Transition) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.Status != t.From {
		return false, nil
	}
	p.Apply(t)
	return true, nil
}

type fakeOutboxRepo struct {
	mu     sync.Mutex
	events []*repository.OutboxEvent
}

func (r *fakeOutboxRepo) InsertTx(ctx context.Context, tx repository.DBTX, event *repository.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.ID = int64(len(r.events) + 1)
	r.events = append(r.events, event)
	return nil
}

func (r *fakeOutboxRepo) FindPending(ctx context.Context, limit int) ([]*repository.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*repository.OutboxEvent
	for _, e := range r.events {
		if e.Status == repository.OutboxStatusPending {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeOutboxRepo) MarkSent(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			e.Status = repository.OutboxStatusSent
		}
	}
	return nil
}

func (r *fakeOutboxRepo) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

type fakeProvider struct {
	createCalls int32
	refundCalls int32
	create      func(ctx context.Context, req provider.Request) (*provider.Result, error)
	refund      func(ctx context.Context, invoiceID string, amount decimal.Decimal) error
}

func (p *fakeProvider) CreatePayment(ctx context.Context, req provider.Request) (*provider.Result, error) {
	atomic.AddInt32(&p.createCalls, 1)
	if p.create == nil {
		return &provider.Result{Status: provider.StatusCompleted, InvoiceID: "inv-" + req.ReferenceID}, nil
	}
	return p.create(ctx, req)
}

func (p *fakeProvider) Refund(ctx context.Context, invoiceID string, amount decimal.Decimal) error {
	atomic.AddInt32(&p.refundCalls, 1)
	if p.refund == nil {
		return nil
	}
	return p.refund(ctx, invoiceID, amount)
}

func (p *fakeProvider) calls() int {
	return int(atomic.LoadInt32(&p.createCalls))
}

func newTestIdempotencyStore(t *testing.T) *idempotency.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return idempotency.NewRedisStore(client, "payments-test")
}

type fakeSeminarRepo struct {
	mu       sync.Mutex
	seminars map[string]*domain.Seminar
}

func newFakeSeminarRepo(seminars ...*domain.Seminar) *fakeSeminarRepo {
	r := &fakeSeminarRepo{seminars: make(map[string]*domain.Seminar)}
	for _, s := range seminars {
		cp := *s
		r.seminars[s.ID] = &cp
	}
	return r
}

func (r *fakeSeminarRepo) Create(ctx context.Context, s *domain.Seminar) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seminars[s.ID]; ok {
		return repository.ErrDuplicate
	}
	cp := *s
	r.seminars[s.ID] = &cp
	return nil
}

func (r *fakeSeminarRepo) Update(ctx context.Context, s *domain.Seminar) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.seminars[s.ID]
	if !ok {
		return repository.ErrNotFound
	}
	cp := *s
	cp.RegisteredCount = existing.RegisteredCount
	r.seminars[s.ID] = &cp
	return nil
}

func (r *fakeSeminarRepo) FindByID(ctx context.Context, id string) (*domain.Seminar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.seminars[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSeminarRepo) List(ctx context.Context, activeOnly bool) ([]*domain.Seminar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Seminar
	for _, s := range r.seminars {
		if activeOnly && !s.IsActive {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeSeminarRepo) Deactivate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.seminars[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.IsActive = false
	return nil
}

func (r *fakeSeminarRepo) AdjustRegisteredCountTx(ctx context.Context, tx repository.DBTX, id string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.seminars[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.RegisteredCount += delta
	if s.RegisteredCount < 0 {
		s.RegisteredCount = 0
	}
	return nil
}

func (r *fakeSeminarRepo) registered(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seminars[id].RegisteredCount
}

type fakeRegistrationRepo struct {
	mu            sync.Mutex
	registrations map[string]*domain.Registration // payment id -> registration
}

func newFakeRegistrationRepo() *fakeRegistrationRepo {
	return &fakeRegistrationRepo{registrations: make(map[string]*domain.Registration)}
}

func (r *fakeRegistrationRepo) CreateTx(ctx context.Context, tx repository.DBTX, reg *domain.Registration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registrations[reg.PaymentID]; ok {
		return false, nil
	}
	cp := *reg
	r.registrations[reg.PaymentID] = &cp
	return true, nil
}

func (r *fakeRegistrationRepo) CancelByPaymentIDTx(ctx context.Context, tx repository.DBTX, paymentID string) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.registrations[paymentID]
	if !ok || reg.Status != domain.RegistrationStatusConfirmed {
		return "", "", nil
	}
	reg.Status = domain.RegistrationStatusCancelled
	reg.UpdatedAt = time.Now()
	return reg.ID, reg.SeminarID, nil
}

func (r *fakeRegistrationRepo) ListBySeminar(ctx context.Context, seminarID string) ([]*domain.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Registration
	for _, reg := range r.registrations {
		if reg.SeminarID == seminarID {
			cp := *reg
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeNewsletterRepo struct {
	subscribers map[string]*domain.NewsletterSubscriber
}

func (r *fakeNewsletterRepo) Upsert(ctx context.Context, s *domain.NewsletterSubscriber) error {
	if r.subscribers == nil {
		r.subscribers = make(map[string]*domain.NewsletterSubscriber)
	}
	if existing, ok := r.subscribers[s.Email]; ok {
		if s.Name != "" {
			existing.Name = s.Name
		}
		return nil
	}
	cp := *s
	r.subscribers[s.Email] = &cp
	return nil
}

func (r *fakeNewsletterRepo) List(ctx context.Context) ([]*domain.NewsletterSubscriber, error) {
	var out []*domain.NewsletterSubscriber
	for _, s := range r.subscribers {
		out = append(out, s)
	}
	return out, nil
}
