package handler

import (
	"context"
	"sync"

	"github.com/kyungseok/seminar-payments-go/common/errors"
	"github.com/kyungseok/seminar-payments-go/common/events"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/domain"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/repository"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/service"
)

type stubPayments struct {
	mu        sync.Mutex
	created   []service.CreatePaymentCommand
	callbacks []service.ProviderCallback
	filter    repository.PaymentFilter

	createFn   func(cmd service.CreatePaymentCommand) (*domain.Payment, error)
	callbackFn func(cb service.ProviderCallback) (service.CallbackResult, error)
	payments   map[string]*domain.Payment
}

func (s *stubPayments) CreatePayment(ctx context.Context, cmd service.CreatePaymentCommand) (*domain.Payment, error) {
	s.mu.Lock()
	s.created = append(s.created, cmd)
	s.mu.Unlock()
	if s.createFn != nil {
		return s.createFn(cmd)
	}
	return &domain.Payment{ID: "pay-1", SeminarID: cmd.SeminarID, Amount: cmd.Amount, Currency: cmd.Currency, Status: domain.PaymentStatusCompleted}, nil
}

func (s *stubPayments) HandleProviderCallback(ctx context.Context, cb service.ProviderCallback) (service.CallbackResult, error) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
	if s.callbackFn != nil {
		return s.callbackFn(cb)
	}
	return service.CallbackApplied, nil
}

func (s *stubPayments) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	if p, ok := s.payments[id]; ok {
		return p, nil
	}
	return nil, errors.New(errors.ErrCodePaymentNotFound, "payment not found")
}

func (s *stubPayments) ListPayments(ctx context.Context, filter repository.PaymentFilter) ([]*domain.Payment, error) {
	s.filter = filter
	var out []*domain.Payment
	for _, p := range s.payments {
		out = append(out, p)
	}
	return out, nil
}

func (s *stubPayments) CancelPayment(ctx context.Context, id string) (*domain.Payment, error) {
	p, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.PaymentStatusPending {
		return nil, errors.New(errors.ErrCodeInvalidTransition, "payment cannot be cancelled")
	}
	p.Status = domain.PaymentStatusCancelled
	return p, nil
}

func (s *stubPayments) RefundPayment(ctx context.Context, id, reason string) (*domain.Payment, error) {
	p, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.PaymentStatusCompleted {
		return nil, errors.New(errors.ErrCodeInvalidTransition, "payment cannot be refunded")
	}
	p.Status = domain.PaymentStatusRefunded
	p.FailureReason = reason
	return p, nil
}

type stubSeminars struct {
	seminars map[string]*domain.Seminar
	accept   map[string]bool
	created  []service.SeminarInput
}

func (s *stubSeminars) CreateSeminar(ctx context.Context, input service.SeminarInput) (*domain.Seminar, error) {
	s.created = append(s.created, input)
	return &domain.Seminar{ID: "new", City: input.City, Date: input.Date, Price: input.Price, IsActive: input.IsActive}, nil
}

func (s *stubSeminars) UpdateSeminar(ctx context.Context, id string, input service.SeminarInput) (*domain.Seminar, error) {
	if _, ok := s.seminars[id]; !ok {
		return nil, errors.New(errors.ErrCodeSeminarNotFound, "seminar not found")
	}
	return &domain.Seminar{ID: id, City: input.City}, nil
}

func (s *stubSeminars) GetSeminar(ctx context.Context, id string) (*domain.Seminar, error) {
	if seminar, ok := s.seminars[id]; ok {
		return seminar, nil
	}
	return nil, errors.New(errors.ErrCodeSeminarNotFound, "seminar not found")
}

func (s *stubSeminars) ListSeminars(ctx context.Context, activeOnly bool) ([]*domain.Seminar, error) {
	var out []*domain.Seminar
	for _, seminar := range s.seminars {
		if activeOnly && !seminar.IsActive {
			continue
		}
		out = append(out, seminar)
	}
	return out, nil
}

func (s *stubSeminars) DeactivateSeminar(ctx context.Context, id string) error {
	seminar, ok := s.seminars[id]
	if !ok {
		return errors.New(errors.ErrCodeSeminarNotFound, "seminar not found")
	}
	seminar.IsActive = false
	return nil
}

func (s *stubSeminars) CheckAccepting(ctx context.Context, id string) (*domain.Seminar, error) {
	seminar, err := s.GetSeminar(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.accept[id] {
		return nil, errors.New(errors.ErrCodeSeminarNotAccepting, "seminar is not accepting payments")
	}
	return seminar, nil
}

type stubRegistrations struct {
	mu        sync.Mutex
	completed []events.PaymentCompletedEvent
	refunded  []events.PaymentRefundedEvent
	failNext  error
}

func (s *stubRegistrations) HandlePaymentCompleted(ctx context.Context, evt events.PaymentCompletedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	s.completed = append(s.completed, evt)
	return nil
}

func (s *stubRegistrations) HandlePaymentRefunded(ctx context.Context, evt events.PaymentRefundedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunded = append(s.refunded, evt)
	return nil
}

func (s *stubRegistrations) ListRegistrations(ctx context.Context, seminarID string) ([]*domain.Registration, error) {
	return []*domain.Registration{{ID: "reg-1", SeminarID: seminarID, PaymentID: "pay-1"}}, nil
}

type stubNewsletter struct {
	subscribed []string
}

func (s *stubNewsletter) Subscribe(ctx context.Context, email, name string) (*domain.NewsletterSubscriber, error) {
	s.subscribed = append(s.subscribed, email)
	return &domain.NewsletterSubscriber{Email: email, Name: name}, nil
}

func (s *stubNewsletter) ListSubscribers(ctx context.Context) ([]*domain.NewsletterSubscriber, error) {
	var out []*domain.NewsletterSubscriber
	for _, email := range s.subscribed {
		out = append(out, &domain.NewsletterSubscriber{Email: email})
	}
	return out, nil
}
