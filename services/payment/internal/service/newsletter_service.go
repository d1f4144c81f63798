package service

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/kyungseok/seminar-payments-go/common/errors"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/domain"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/repository"
)

// NewsletterService 뉴스레터 서비스 인터페이스
type NewsletterService interface {
	Subscribe(ctx context.Context, email, name string) (*domain.NewsletterSubscriber, error)
	ListSubscribers(ctx context.Context) ([]*domain.NewsletterSubscriber, error)
}

type newsletterService struct {
	repo     repository.NewsletterRepository
	validate *validator.Validate
	logger   *zap.Logger
}

// NewNewsletterService 뉴스레터 서비스 생성
func NewNewsletterService(repo repository.NewsletterRepository, logger *zap.Logger) NewsletterService {
	return &newsletterService{
		repo:     repo,
		validate: validator.New(),
		logger:   logger,
	}
}

// Subscribe 구독 (같은 이메일은 이름만 갱신)
func (s *newsletterService) Subscribe(ctx context.Context, email, name string) (*domain.NewsletterSubscriber, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidRequest, "a valid email is required", err)
	}

	subscriber := &domain.NewsletterSubscriber{
		Email:     email,
		Name:      strings.TrimSpace(name),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Upsert(ctx, subscriber); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to subscribe", err)
	}

	s.logger.Info("newsletter subscription stored")
	return subscriber, nil
}

// ListSubscribers 구독자 목록
func (s *newsletterService) ListSubscribers(ctx context.Context) ([]*domain.NewsletterSubscriber, error) {
	subscribers, err := s.repo.List(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to list subscribers", err)
	}
	return subscribers, nil
}
