package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kyungseok/seminar-payments-go/common/errors"
	"github.com/kyungseok/seminar-payments-go/common/events"
	"github.com/kyungseok/seminar-payments-go/common/idempotency"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/domain"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/metrics"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/provider"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/repository"
)

// CallbackResult 콜백 처리 결과
type CallbackResult string

const (
	CallbackApplied   CallbackResult = "applied"
	CallbackIgnored   CallbackResult = "ignored"
	CallbackDuplicate CallbackResult = "duplicate"
)

// CreatePaymentCommand 결제 생성 요청
type CreatePaymentCommand struct {
	// ID 호출자가 지정한 결제 ID. 같은 ID로 다시 호출하면 저장된 결제를 그대로 반환
	ID          string
	SeminarID   string
	Participant domain.Participant
	Business    domain.BusinessInvoice
	Amount      decimal.Decimal
	Currency    string
	Description string
}

// ProviderCallback 결제사 비동기 알림
type ProviderCallback struct {
	EventID       string
	InvoiceID     string
	ReferenceID   string
	Status        string
	InvoiceNumber string
	PaymentMethod string
	Message       string
}

// PaymentService 결제 서비스 인터페이스
type PaymentService interface {
	CreatePayment(ctx context.Context, cmd CreatePaymentCommand) (*domain.Payment, error)
	HandleProviderCallback(ctx context.Context, cb ProviderCallback) (CallbackResult, error)
	GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
	ListPayments(ctx context.Context, filter repository.PaymentFilter) ([]*domain.Payment, error)
	CancelPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
	RefundPayment(ctx context.Context, paymentID, reason string) (*domain.Payment, error)
}

// PaymentConfig 결제 서비스 설정
type PaymentConfig struct {
	ProviderTimeout time.Duration
	CallbackTTL     time.Duration
}

type paymentService struct {
	txRunner    repository.TxRunner
	paymentRepo repository.PaymentRepository
	outboxRepo  repository.OutboxRepository
	provider    provider.Client
	idemStore   idempotency.Store
	metrics     *metrics.Metrics
	logger      *zap.Logger
	cfg         PaymentConfig
	now         func() time.Time
}

// NewPaymentService 결제 서비스 생성
func NewPaymentService(
	txRunner repository.TxRunner,
	paymentRepo repository.PaymentRepository,
	outboxRepo repository.OutboxRepository,
	providerClient provider.Client,
	idemStore idempotency.Store,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg PaymentConfig,
) PaymentService {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}
	if cfg.CallbackTTL <= 0 {
		cfg.CallbackTTL = 24 * time.Hour
	}
	return &paymentService{
		txRunner:    txRunner,
		paymentRepo: paymentRepo,
		outboxRepo:  outboxRepo,
		provider:    providerClient,
		idemStore:   idemStore,
		metrics:     m,
		logger:      logger,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreatePayment 결제 생성 후 결제사 호출
//
// 결제사 실패는 에러가 아니라 status=failed로 표현된다. 에러는 검증 실패와 저장소 실패뿐이다.
func (s *paymentService) CreatePayment(ctx context.Context, cmd CreatePaymentCommand) (*domain.Payment, error) {
	if err := validateCreate(cmd); err != nil {
		return nil, err
	}

	if cmd.ID != "" {
		existing, err := s.paymentRepo.FindByID(ctx, cmd.ID)
		if err == nil {
			s.logger.Info("payment already exists, returning stored record",
				zap.String("paymentId", existing.ID),
				zap.String("status", string(existing.Status)))
			return existing, nil
		}
		if !stderrors.Is(err, repository.ErrNotFound) {
			return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to load payment", err)
		}
	} else {
		cmd.ID = uuid.New().String()
	}

	now := s.now()
	payment := &domain.Payment{
		ID:          cmd.ID,
		SeminarID:   strings.TrimSpace(cmd.SeminarID),
		Participant: trimParticipant(cmd.Participant),
		Business:    cmd.Business,
		Amount:      cmd.Amount,
		Currency:    normalizeCurrency(cmd.Currency),
		Status:      domain.PaymentStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.paymentRepo.Create(ctx, payment); err != nil {
		if stderrors.Is(err, repository.ErrDuplicate) {
			// 같은 ID의 동시 요청이 먼저 저장됨
			existing, findErr := s.paymentRepo.FindByID(ctx, payment.ID)
			if findErr != nil {
				return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to load payment", findErr)
			}
			return existing, nil
		}
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to create payment", err)
	}

	s.logger.Info("payment created",
		zap.String("paymentId", payment.ID),
		zap.String("seminarId", payment.SeminarID),
		zap.String("amount", payment.Amount.String()),
		zap.String("currency", payment.Currency))

	ok, err := s.transition(ctx, payment, domain.Transition{
		From: domain.PaymentStatusPending,
		To:   domain.PaymentStatusProcessing,
		At:   s.now(),
	}, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.reload(ctx, payment.ID)
	}

	result, callErr := s.callProvider(ctx, payment, messageOr(cmd.Description, "Seminar "+payment.SeminarID))

	// 클라이언트 연결이 끊겨도 결제사 결과는 기록한다
	persistCtx := context.WithoutCancel(ctx)

	t := s.outcomeTransition(payment, result, callErr)
	ok, err = s.transition(persistCtx, payment, t, t.FailureReason)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Info("payment moved by a concurrent callback",
			zap.String("paymentId", payment.ID))
		payment, err = s.reload(persistCtx, payment.ID)
		if err != nil {
			return nil, err
		}
	}

	s.metrics.PaymentCreated(string(payment.Status))
	return payment, nil
}

// HandleProviderCallback 결제사 콜백 반영
//
// 알 수 없는 결제, processing이 아닌 결제, 알 수 없는 상태, CAS 실패는 모두 무시(ack)한다.
func (s *paymentService) HandleProviderCallback(ctx context.Context, cb ProviderCallback) (CallbackResult, error) {
	logger := s.logger.With(
		zap.String("eventId", cb.EventID),
		zap.String("invoiceId", cb.InvoiceID),
		zap.String("referenceId", cb.ReferenceID),
		zap.String("providerStatus", cb.Status))

	var reservation *idempotency.Reservation
	if cb.EventID != "" {
		r, err := s.idemStore.Reserve(ctx, callbackKey(cb.EventID), idempotency.DefaultInFlightTTL)
		if err != nil {
			logger.Warn("idempotency store unavailable, processing callback without dedup", zap.Error(err))
		} else if r == nil {
			logger.Info("duplicate callback delivery")
			s.metrics.Callback(string(CallbackDuplicate))
			return CallbackDuplicate, nil
		} else {
			reservation = r
		}
	}

	result, err := s.applyCallback(ctx, cb, logger)
	if err != nil {
		if reservation != nil {
			// 결제사 재전송 시 다시 처리되도록 키 해제
			if relErr := s.idemStore.Release(context.WithoutCancel(ctx), reservation); relErr != nil {
				logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		return "", err
	}

	if reservation != nil {
		if err := s.idemStore.Complete(context.WithoutCancel(ctx), reservation, s.cfg.CallbackTTL); err != nil {
			logger.Warn("failed to mark callback as processed", zap.Error(err))
		}
	}

	s.metrics.Callback(string(result))
	return result, nil
}

func (s *paymentService) applyCallback(ctx context.Context, cb ProviderCallback, logger *zap.Logger) (CallbackResult, error) {
	payment, err := s.findForCallback(ctx, cb)
	if err != nil {
		return "", err
	}
	if payment == nil {
		logger.Warn("callback for unknown payment ignored")
		return CallbackIgnored, nil
	}

	logger = logger.With(zap.String("paymentId", payment.ID))

	if payment.Status != domain.PaymentStatusProcessing {
		logger.Info("callback for non-processing payment ignored",
			zap.String("status", string(payment.Status)))
		return CallbackIgnored, nil
	}

	t := domain.Transition{
		From:          domain.PaymentStatusProcessing,
		At:            s.now(),
		InvoiceNumber: cb.InvoiceNumber,
		PaymentMethod: cb.PaymentMethod,
	}
	switch {
	case payment.ProviderInvoiceID == "" || payment.ProviderInvoiceID == cb.InvoiceID:
		t.ProviderInvoiceID = cb.InvoiceID
	default:
		// 참조 ID로 찾은 결제의 인보이스는 덮어쓰지 않는다
		logger.Warn("callback invoice id differs from stored invoice, keeping stored value",
			zap.String("storedInvoiceId", payment.ProviderInvoiceID))
	}
	switch mapCallbackStatus(cb.Status) {
	case domain.PaymentStatusCompleted:
		t.To = domain.PaymentStatusCompleted
	case domain.PaymentStatusFailed:
		t.To = domain.PaymentStatusFailed
		t.FailureReason = messageOr(cb.Message, "payment failed at provider")
	default:
		logger.Info("callback status does not settle the payment, ignored")
		return CallbackIgnored, nil
	}

	ok, err := s.transition(ctx, payment, t, t.FailureReason)
	if err != nil {
		return "", err
	}
	if !ok {
		logger.Info("callback lost the race to another writer, ignored")
		return CallbackIgnored, nil
	}

	logger.Info("callback applied", zap.String("status", string(t.To)))
	return CallbackApplied, nil
}

// findForCallback 결제사 인보이스 ID, 그다음 내부 참조 ID 순서로 조회. 없으면 nil
func (s *paymentService) findForCallback(ctx context.Context, cb ProviderCallback) (*domain.Payment, error) {
	if cb.InvoiceID != "" {
		payment, err := s.paymentRepo.FindByProviderInvoiceID(ctx, cb.InvoiceID)
		if err == nil {
			return payment, nil
		}
		if !stderrors.Is(err, repository.ErrNotFound) {
			return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to load payment", err)
		}
	}

	if cb.ReferenceID != "" {
		payment, err := s.paymentRepo.FindByID(ctx, cb.ReferenceID)
		if err == nil {
			return payment, nil
		}
		if !stderrors.Is(err, repository.ErrNotFound) {
			return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to load payment", err)
		}
	}

	return nil, nil
}

// GetPayment 결제 조회
func (s *paymentService) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	return s.reload(ctx, paymentID)
}

// ListPayments 결제 목록 조회
func (s *paymentService) ListPayments(ctx context.Context, filter repository.PaymentFilter) ([]*domain.Payment, error) {
	payments, err := s.paymentRepo.List(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to list payments", err)
	}
	return payments, nil
}

// CancelPayment 결제사 호출 전(pending) 결제 취소
func (s *paymentService) CancelPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	payment, err := s.reload(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !payment.Status.CanTransitionTo(domain.PaymentStatusCancelled) {
		return nil, errors.New(errors.ErrCodeInvalidTransition,
			"only pending payments can be cancelled, current status is "+string(payment.Status))
	}

	ok, err := s.transition(ctx, payment, domain.Transition{
		From: domain.PaymentStatusPending,
		To:   domain.PaymentStatusCancelled,
		At:   s.now(),
	}, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(errors.ErrCodeInvalidTransition, "payment status changed concurrently")
	}

	s.logger.Info("payment cancelled", zap.String("paymentId", payment.ID))
	return payment, nil
}

// RefundPayment 완료된 결제 환불 (결제사 환불 후 completed → refunded)
func (s *paymentService) RefundPayment(ctx context.Context, paymentID, reason string) (*domain.Payment, error) {
	payment, err := s.reload(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !payment.Status.CanTransitionTo(domain.PaymentStatusRefunded) {
		return nil, errors.New(errors.ErrCodeInvalidTransition,
			"only completed payments can be refunded, current status is "+string(payment.Status))
	}
	if payment.ProviderInvoiceID == "" {
		return nil, errors.New(errors.ErrCodeInvalidTransition, "payment has no provider invoice to refund")
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	started := time.Now()
	err = s.provider.Refund(callCtx, payment.ProviderInvoiceID, payment.Amount)
	cancel()
	s.metrics.ObserveProvider("refund", providerOutcome(err), time.Since(started))

	if err != nil {
		var bizErr *provider.BusinessError
		if stderrors.As(err, &bizErr) {
			return nil, errors.Wrap(errors.ErrCodeProviderDeclined, bizErr.Message, err)
		}
		return nil, errors.Wrap(errors.ErrCodeProviderError, "refund request failed", err)
	}

	ok, err := s.transition(context.WithoutCancel(ctx), payment, domain.Transition{
		From: domain.PaymentStatusCompleted,
		To:   domain.PaymentStatusRefunded,
		At:   s.now(),
	}, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Error("refund accepted by provider but payment status changed concurrently",
			zap.String("paymentId", payment.ID))
		return nil, errors.New(errors.ErrCodeInvalidTransition, "payment status changed concurrently")
	}

	s.logger.Info("payment refunded",
		zap.String("paymentId", payment.ID),
		zap.String("reason", reason))
	return payment, nil
}

// callProvider 결제사 단일 호출 (PROVIDER_TIMEOUT 제한)
func (s *paymentService) callProvider(ctx context.Context, payment *domain.Payment, description string) (*provider.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()

	started := time.Now()
	result, err := s.provider.CreatePayment(callCtx, provider.Request{
		ReferenceID: payment.ID,
		Description: description,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Customer: provider.Customer{
			Name:          payment.Name,
			Email:         payment.Email,
			Phone:         payment.Phone,
			BusinessName:  payment.Business.Name,
			BusinessTaxID: payment.Business.TaxID,
		},
	})

	outcome := providerOutcome(err)
	if err == nil && result != nil {
		outcome = resultOutcome(result)
	}
	s.metrics.ObserveProvider("create", outcome, time.Since(started))

	if err == nil && result == nil {
		return nil, &provider.TransportError{Class: provider.ClassUnavailable}
	}
	return result, err
}

// outcomeTransition 결제사 응답을 processing에서의 전이로 변환
func (s *paymentService) outcomeTransition(payment *domain.Payment, result *provider.Result, callErr error) domain.Transition {
	t := domain.Transition{From: domain.PaymentStatusProcessing, At: s.now()}

	if callErr != nil {
		t.To = domain.PaymentStatusFailed
		t.FailureReason = failureReason(callErr)
		s.logger.Warn("provider call failed",
			zap.String("paymentId", payment.ID),
			zap.String("failureReason", t.FailureReason),
			zap.Error(callErr))
		return t
	}

	t.ProviderInvoiceID = result.InvoiceID
	t.InvoiceNumber = result.InvoiceNumber
	t.PaymentMethod = result.PaymentMethod

	switch {
	case result.Completed():
		t.To = domain.PaymentStatusCompleted
	case strings.EqualFold(result.Status, provider.StatusFailed):
		t.To = domain.PaymentStatusFailed
		t.FailureReason = messageOr(result.Message, "payment failed at provider")
	default:
		// 확정은 콜백으로 온다. 결제사 ID만 저장하고 processing 유지
		t.To = domain.PaymentStatusProcessing
	}
	return t
}

// transition CAS 전이와 Outbox 이벤트를 한 트랜잭션으로 기록. CAS 실패 시 false
func (s *paymentService) transition(ctx context.Context, payment *domain.Payment, t domain.Transition, reason string) (bool, error) {
	next := *payment
	next.Apply(t)

	outboxEvent, err := buildPaymentEvent(&next, t, reason)
	if err != nil {
		return false, err
	}

	applied := false
	err = s.txRunner.WithinTx(ctx, func(tx repository.DBTX) error {
		ok, err := s.paymentRepo.TransitionStatusTx(ctx, tx, payment.ID, t)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if outboxEvent != nil {
			if err := s.outboxRepo.InsertTx(ctx, tx, outboxEvent); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, errors.Wrap(errors.ErrCodeDatabaseError, "failed to update payment status", err)
	}
	if !applied {
		return false, nil
	}

	*payment = next
	if t.From != t.To {
		s.metrics.Transition(string(t.From), string(t.To))
	}
	return true, nil
}

func (s *paymentService) reload(ctx context.Context, paymentID string) (*domain.Payment, error) {
	payment, err := s.paymentRepo.FindByID(ctx, paymentID)
	if stderrors.Is(err, repository.ErrNotFound) {
		return nil, errors.New(errors.ErrCodePaymentNotFound, "payment not found: "+paymentID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to load payment", err)
	}
	return payment, nil
}

// buildPaymentEvent 전이 결과에 해당하는 Outbox 이벤트 생성 (processing 전이는 이벤트 없음)
func buildPaymentEvent(p *domain.Payment, t domain.Transition, reason string) (*repository.OutboxEvent, error) {
	base := events.BaseEvent{
		EventID:       uuid.New().String(),
		SchemaVersion: 1,
		OccurredAt:    t.At,
		CorrelationID: p.ID,
	}

	var payload interface{}
	switch t.To {
	case domain.PaymentStatusCompleted:
		base.EventType = events.EventPaymentCompleted
		payload = events.PaymentCompletedEvent{
			BaseEvent:     base,
			PaymentID:     p.ID,
			SeminarID:     p.SeminarID,
			Participant:   events.PaymentParticipant{Name: p.Name, Email: p.Email, Phone: p.Phone},
			Amount:        p.Amount,
			Currency:      p.Currency,
			InvoiceNumber: p.InvoiceNumber,
			PaymentMethod: p.PaymentMethod,
			PaidAt:        t.At,
		}
	case domain.PaymentStatusFailed:
		base.EventType = events.EventPaymentFailed
		payload = events.PaymentFailedEvent{BaseEvent: base, PaymentID: p.ID, SeminarID: p.SeminarID, Reason: reason}
	case domain.PaymentStatusCancelled:
		base.EventType = events.EventPaymentCancelled
		payload = events.PaymentCancelledEvent{BaseEvent: base, PaymentID: p.ID, SeminarID: p.SeminarID}
	case domain.PaymentStatusRefunded:
		base.EventType = events.EventPaymentRefunded
		payload = events.PaymentRefundedEvent{
			BaseEvent: base,
			PaymentID: p.ID,
			SeminarID: p.SeminarID,
			Amount:    p.Amount,
			Reason:    reason,
		}
	default:
		return nil, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerializationError, "failed to marshal event", err)
	}

	return &repository.OutboxEvent{
		AggregateType: "payment",
		AggregateID:   p.ID,
		EventType:     string(base.EventType),
		Payload:       raw,
		Status:        repository.OutboxStatusPending,
		CreatedAt:     t.At,
	}, nil
}

func validateCreate(cmd CreatePaymentCommand) error {
	var problems []string
	if strings.TrimSpace(cmd.SeminarID) == "" {
		problems = append(problems, "seminar id is required")
	}
	if strings.TrimSpace(cmd.Participant.Name) == "" {
		problems = append(problems, "participant name is required")
	}
	if strings.TrimSpace(cmd.Participant.Email) == "" {
		problems = append(problems, "participant email is required")
	}
	if strings.TrimSpace(cmd.Participant.Phone) == "" {
		problems = append(problems, "participant phone is required")
	}
	if !cmd.Amount.IsPositive() {
		problems = append(problems, "amount must be greater than zero")
	}
	if len(problems) > 0 {
		return errors.New(errors.ErrCodeInvalidPayment, strings.Join(problems, "; "))
	}
	return nil
}

func trimParticipant(p domain.Participant) domain.Participant {
	return domain.Participant{
		Name:  strings.TrimSpace(p.Name),
		Email: strings.TrimSpace(p.Email),
		Phone: strings.TrimSpace(p.Phone),
	}
}

func normalizeCurrency(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return domain.DefaultCurrency
	}
	return currency
}

// failureReason 결제사 오류를 failure_reason으로 변환
func failureReason(err error) string {
	var bizErr *provider.BusinessError
	if stderrors.As(err, &bizErr) {
		return bizErr.Message
	}
	var transportErr *provider.TransportError
	if stderrors.As(err, &transportErr) {
		return transportErr.Error()
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return "transport error: " + provider.ClassTimeout
	}
	return "transport error: " + provider.ClassNetwork
}

// resultOutcome 결제사 응답 상태를 고정된 라벨 값으로 변환
func resultOutcome(result *provider.Result) string {
	switch {
	case result.Completed():
		return provider.StatusCompleted
	case strings.EqualFold(result.Status, provider.StatusFailed):
		return provider.StatusFailed
	case strings.EqualFold(result.Status, provider.StatusPending):
		return provider.StatusPending
	}
	return "unknown"
}

func providerOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	var bizErr *provider.BusinessError
	if stderrors.As(err, &bizErr) {
		return "declined"
	}
	var transportErr *provider.TransportError
	if stderrors.As(err, &transportErr) {
		return transportErr.Class
	}
	return "error"
}

// mapCallbackStatus 결제사 콜백 상태를 결제 상태로 변환 (모르는 상태는 빈 값)
func mapCallbackStatus(status string) domain.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "paid", "succeeded", "success", "settlement":
		return domain.PaymentStatusCompleted
	case "failed", "declined", "expired", "rejected", "error":
		return domain.PaymentStatusFailed
	}
	return ""
}

func callbackKey(eventID string) string {
	return "callback:" + eventID
}

func messageOr(msg, fallback string) string {
	if strings.TrimSpace(msg) == "" {
		return fallback
	}
	return msg
}
