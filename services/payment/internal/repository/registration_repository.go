package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kyungseok/seminar-payments-go/services/payment/internal/domain"
)

// RegistrationRepository 세미나 등록 레포지토리 인터페이스
type RegistrationRepository interface {
	// CreateTx 결제당 하나의 등록만 생성. 이미 있으면 false
	CreateTx(ctx context.Context, tx DBTX, registration *domain.Registration) (bool, error)
	// CancelByPaymentIDTx 확정된 등록을 취소. 취소할 등록이 없으면 빈 문자열
	CancelByPaymentIDTx(ctx context.Context, tx DBTX, paymentID string) (string, string, error)
	ListBySeminar(ctx context.Context, seminarID string) ([]*domain.Registration, error)
}

type registrationRepository struct {
	db *sql.DB
}

// NewRegistrationRepository 등록 레포지토리 생성
func NewRegistrationRepository(db *sql.DB) RegistrationRepository {
	return &registrationRepository{db: db}
}

// CreateTx 등록 생성
func (r *registrationRepository) CreateTx(ctx context.Context, tx DBTX, reg *domain.Registration) (bool, error) {
	if tx == nil {
		tx = r.db
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO registrations (id, seminar_id, payment_id, participant_name, participant_email,
			participant_phone, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (payment_id) DO NOTHING
	`,
		reg.ID, reg.SeminarID, reg.PaymentID, reg.Name, reg.Email, reg.Phone,
		reg.Status, reg.CreatedAt, reg.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create registration: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

// CancelByPaymentIDTx 결제 ID로 등록 취소. 반환값은 (등록 ID, 세미나 ID)
func (r *registrationRepository) CancelByPaymentIDTx(ctx context.Context, tx DBTX, paymentID string) (string, string, error) {
	if tx == nil {
		tx = r.db
	}

	var registrationID, seminarID string
	err := tx.QueryRowContext(ctx, `
		UPDATE registrations
		SET status = 'cancelled', updated_at = NOW()
		WHERE payment_id = $1 AND status = 'confirmed'
		RETURNING id, seminar_id
	`, paymentID).Scan(&registrationID, &seminarID)

	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to cancel registration: %w", err)
	}
	return registrationID, seminarID, nil
}

// ListBySeminar 세미나별 등록 목록
func (r *registrationRepository) ListBySeminar(ctx context.Context, seminarID string) ([]*domain.Registration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, seminar_id, payment_id, participant_name, participant_email, participant_phone,
			status, created_at, updated_at
		FROM registrations
		WHERE seminar_id = $1
		ORDER BY created_at ASC
	`, seminarID)
	if err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	defer rows.Close()

	registrations := make([]*domain.Registration, 0)
	for rows.Next() {
		reg := &domain.Registration{}
		if err := rows.Scan(
			&reg.ID,
			&reg.SeminarID,
			&reg.PaymentID,
			&reg.Name,
			&reg.Email,
			&reg.Phone,
			&reg.Status,
			&reg.CreatedAt,
			&reg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		registrations = append(registrations, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate registrations: %w", err)
	}
	return registrations, nil
}
