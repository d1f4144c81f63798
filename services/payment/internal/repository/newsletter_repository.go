package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kyungseok/seminar-payments-go/services/payment/internal/domain"
)

// NewsletterRepository 뉴스레터 구독자 레포지토리 인터페이스
type NewsletterRepository interface {
	Upsert(ctx context.Context, subscriber *domain.NewsletterSubscriber) error
	List(ctx context.Context) ([]*domain.NewsletterSubscriber, error)
}

type newsletterRepository struct {
	db *sql.DB
}

// NewNewsletterRepository 뉴스레터 레포지토리 생성
func NewNewsletterRepository(db *sql.DB) NewsletterRepository {
	return &newsletterRepository{db: db}
}

// Upsert 구독자 추가 (이미 있으면 이름만 갱신)
func (r *newsletterRepository) Upsert(ctx context.Context, s *domain.NewsletterSubscriber) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO newsletter_subscribers (email, name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET name = COALESCE(EXCLUDED.name, newsletter_subscribers.name)
	`, s.Email, nullString(s.Name), s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert newsletter subscriber: %w", err)
	}
	return nil
}

// List 구독자 목록 (최신순)
func (r *newsletterRepository) List(ctx context.Context) ([]*domain.NewsletterSubscriber, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT email, name, created_at FROM newsletter_subscribers ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list newsletter subscribers: %w", err)
	}
	defer rows.Close()

	subscribers := make([]*domain.NewsletterSubscriber, 0)
	for rows.Next() {
		s := &domain.NewsletterSubscriber{}
		var name sql.NullString
		if err := rows.Scan(&s.Email, &name, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan newsletter subscriber: %w", err)
		}
		s.Name = name.String
		subscribers = append(subscribers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate newsletter subscribers: %w", err)
	}
	return subscribers, nil
}
