package service

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kyungseok/seminar-payments-go/common/errors"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/domain"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/repository"
)

// SeminarInput 세미나 생성/수정 입력
type SeminarInput struct {
	ID              string
	City            string
	Venue           string
	Date            time.Time
	Price           decimal.Decimal
	Currency        string
	MaxParticipants int
	PaymentOpensAt  *time.Time
	PaymentClosesAt *time.Time
	IsActive        bool
}

// SeminarService 세미나 서비스 인터페이스
type SeminarService interface {
	CreateSeminar(ctx context.Context, input SeminarInput) (*domain.Seminar, error)
	UpdateSeminar(ctx context.Context, id string, input SeminarInput) (*domain.Seminar, error)
	GetSeminar(ctx context.Context, id string) (*domain.Seminar, error)
	ListSeminars(ctx context.Context, activeOnly bool) ([]*domain.Seminar, error)
	DeactivateSeminar(ctx context.Context, id string) error
	// CheckAccepting 결제 가능한 세미나인지 확인 (정원, 결제 기간)
	CheckAccepting(ctx context.Context, id string) (*domain.Seminar, error)
}

type seminarService struct {
	seminarRepo repository.SeminarRepository
	logger      *zap.Logger
	now         func() time.Time
}

// NewSeminarService 세미나 서비스 생성
func NewSeminarService(seminarRepo repository.SeminarRepository, logger *zap.Logger) SeminarService {
	return &seminarService{
		seminarRepo: seminarRepo,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateSeminar 세미나 생성
func (s *seminarService) CreateSeminar(ctx context.Context, input SeminarInput) (*domain.Seminar, error) {
	if err := validateSeminar(input); err != nil {
		return nil, err
	}

	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = uuid.New().String()
	}

	now := s.now()
	seminar := &domain.Seminar{
		ID:        id,
		CreatedAt: now,
	}
	applySeminarInput(seminar, input, now)

	if err := s.seminarRepo.Create(ctx, seminar); err != nil {
		if stderrors.Is(err, repository.ErrDuplicate) {
			return nil, errors.Wrap(errors.ErrCodeInvalidRequest, "seminar already exists: "+id, err)
		}
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to create seminar", err)
	}

	s.logger.Info("seminar created",
		zap.String("seminarId", seminar.ID),
		zap.String("city", seminar.City),
		zap.Time("date", seminar.Date))
	return seminar, nil
}

// UpdateSeminar 세미나 수정 (등록 인원은 유지)
func (s *seminarService) UpdateSeminar(ctx context.Context, id string, input SeminarInput) (*domain.Seminar, error) {
	if err := validateSeminar(input); err != nil {
		return nil, err
	}

	seminar, err := s.GetSeminar(ctx, id)
	if err != nil {
		return nil, err
	}
	applySeminarInput(seminar, input, s.now())

	if err := s.seminarRepo.Update(ctx, seminar); err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return nil, errors.New(errors.ErrCodeSeminarNotFound, "seminar not found: "+id)
		}
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to update seminar", err)
	}

	s.logger.Info("seminar updated", zap.String("seminarId", seminar.ID))
	return seminar, nil
}

// GetSeminar 세미나 조회
func (s *seminarService) GetSeminar(ctx context.Context, id string) (*domain.Seminar, error) {
	seminar, err := s.seminarRepo.FindByID(ctx, id)
	if stderrors.Is(err, repository.ErrNotFound) {
		return nil, errors.New(errors.ErrCodeSeminarNotFound, "seminar not found: "+id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to load seminar", err)
	}
	return seminar, nil
}

// ListSeminars 세미나 목록
func (s *seminarService) ListSeminars(ctx context.Context, activeOnly bool) ([]*domain.Seminar, error) {
	seminars, err := s.seminarRepo.List(ctx, activeOnly)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to list seminars", err)
	}
	return seminars, nil
}

// DeactivateSeminar 세미나 비활성화
func (s *seminarService) DeactivateSeminar(ctx context.Context, id string) error {
	if err := s.seminarRepo.Deactivate(ctx, id); err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return errors.New(errors.ErrCodeSeminarNotFound, "seminar not found: "+id)
		}
		return errors.Wrap(errors.ErrCodeDatabaseError, "failed to deactivate seminar", err)
	}
	s.logger.Info("seminar deactivated", zap.String("seminarId", id))
	return nil
}

// CheckAccepting 결제 가능한 세미나인지 확인
func (s *seminarService) CheckAccepting(ctx context.Context, id string) (*domain.Seminar, error) {
	seminar, err := s.GetSeminar(ctx, id)
	if err != nil {
		return nil, err
	}
	if !seminar.IsAcceptingRegistrations(s.now()) {
		return nil, errors.New(errors.ErrCodeSeminarNotAccepting, "seminar is not accepting registrations: "+id)
	}
	return seminar, nil
}

func applySeminarInput(seminar *domain.Seminar, input SeminarInput, now time.Time) {
	seminar.City = strings.TrimSpace(input.City)
	seminar.Venue = strings.TrimSpace(input.Venue)
	seminar.Date = input.Date
	seminar.Price = input.Price
	seminar.Currency = normalizeCurrency(input.Currency)
	seminar.MaxParticipants = input.MaxParticipants
	seminar.PaymentOpensAt = input.PaymentOpensAt
	seminar.PaymentClosesAt = input.PaymentClosesAt
	seminar.IsActive = input.IsActive
	seminar.UpdatedAt = now
}

func validateSeminar(input SeminarInput) error {
	var problems []string
	if strings.TrimSpace(input.City) == "" {
		problems = append(problems, "city is required")
	}
	if input.Date.IsZero() {
		problems = append(problems, "date is required")
	}
	if input.Price.IsNegative() {
		problems = append(problems, "price must not be negative")
	}
	if input.MaxParticipants < 0 {
		problems = append(problems, "max participants must not be negative")
	}
	if input.PaymentOpensAt != nil && input.PaymentClosesAt != nil &&
		input.PaymentClosesAt.Before(*input.PaymentOpensAt) {
		problems = append(problems, "payment window closes before it opens")
	}
	if len(problems) > 0 {
		return errors.New(errors.ErrCodeInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}
