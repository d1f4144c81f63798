package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kyungseok/seminar-payments-go/services/payment/internal/domain"
)

const seminarColumns = `id, city, venue, date, price, currency, max_participants, registered_count,
	payment_opens_at, payment_closes_at, is_active, created_at, updated_at`

// SeminarRepository 세미나 레포지토리 인터페이스
type SeminarRepository interface {
	Create(ctx context.Context, seminar *domain.Seminar) error
	Update(ctx context.Context, seminar *domain.Seminar) error
	FindByID(ctx context.Context, id string) (*domain.Seminar, error)
	List(ctx context.Context, activeOnly bool) ([]*domain.Seminar, error)
	Deactivate(ctx context.Context, id string) error
	AdjustRegisteredCountTx(ctx context.Context, tx DBTX, id string, delta int) error
}

type seminarRepository struct {
	db *sql.DB
}

// NewSeminarRepository 세미나 레포지토리 생성
func NewSeminarRepository(db *sql.DB) SeminarRepository {
	return &seminarRepository{db: db}
}

// Create 세미나 생성
func (r *seminarRepository) Create(ctx context.Context, s *domain.Seminar) error {
	query := `
		INSERT INTO seminars (id, city, venue, date, price, currency, max_participants, registered_count,
			payment_opens_at, payment_closes_at, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.City, nullString(s.Venue), s.Date, s.Price, s.Currency,
		s.MaxParticipants, s.RegisteredCount,
		nullTime(s.PaymentOpensAt), nullTime(s.PaymentClosesAt),
		s.IsActive, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("seminar %s: %w", s.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create seminar: %w", err)
	}
	return nil
}

// Update 세미나 수정 (registered_count는 등록 처리에서만 변경)
func (r *seminarRepository) Update(ctx context.Context, s *domain.Seminar) error {
	query := `
		UPDATE seminars
		SET city = $1, venue = $2, date = $3, price = $4, currency = $5, max_participants = $6,
			payment_opens_at = $7, payment_closes_at = $8, is_active = $9, updated_at = $10
		WHERE id = $11
	`

	result, err := r.db.ExecContext(ctx, query,
		s.City, nullString(s.Venue), s.Date, s.Price, s.Currency, s.MaxParticipants,
		nullTime(s.PaymentOpensAt), nullTime(s.PaymentClosesAt), s.IsActive, s.UpdatedAt,
		s.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update seminar: %w", err)
	}
	return expectAffected(result, "seminar", s.ID)
}

// FindByID ID로 세미나 조회
func (r *seminarRepository) FindByID(ctx context.Context, id string) (*domain.Seminar, error) {
	query := `SELECT ` + seminarColumns + ` FROM seminars WHERE id = $1`

	seminar, err := scanSeminar(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("seminar %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find seminar: %w", err)
	}
	return seminar, nil
}

// List 세미나 목록 (날짜순)
func (r *seminarRepository) List(ctx context.Context, activeOnly bool) ([]*domain.Seminar, error) {
	query := `SELECT ` + seminarColumns + ` FROM seminars`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY date ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list seminars: %w", err)
	}
	defer rows.Close()

	seminars := make([]*domain.Seminar, 0)
	for rows.Next() {
		seminar, err := scanSeminar(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan seminar: %w", err)
		}
		seminars = append(seminars, seminar)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate seminars: %w", err)
	}
	return seminars, nil
}

// Deactivate 세미나 비활성화 (결제 이력 보존을 위해 삭제하지 않음)
func (r *seminarRepository) Deactivate(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE seminars SET is_active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate seminar: %w", err)
	}
	return expectAffected(result, "seminar", id)
}

// AdjustRegisteredCountTx 등록 인원 증감 (0 미만으로 내려가지 않음)
func (r *seminarRepository) AdjustRegisteredCountTx(ctx context.Context, tx DBTX, id string, delta int) error {
	if tx == nil {
		tx = r.db
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE seminars
		SET registered_count = GREATEST(registered_count + $1, 0), updated_at = NOW()
		WHERE id = $2
	`, delta, id)
	if err != nil {
		return fmt.Errorf("failed to adjust registered count: %w", err)
	}
	return expectAffected(result, "seminar", id)
}

func scanSeminar(row rowScanner) (*domain.Seminar, error) {
	s := &domain.Seminar{}
	var (
		venue         sql.NullString
		opens, closes sql.NullTime
	)

	err := row.Scan(
		&s.ID,
		&s.City,
		&venue,
		&s.Date,
		&s.Price,
		&s.Currency,
		&s.MaxParticipants,
		&s.RegisteredCount,
		&opens,
		&closes,
		&s.IsActive,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Venue = venue.String
	s.PaymentOpensAt = timePtr(opens)
	s.PaymentClosesAt = timePtr(closes)
	return s, nil
}

func expectAffected(result sql.Result, entity, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}
