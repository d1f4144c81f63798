package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/kyungseok/seminar-payments-go/services/payment/internal/domain"
)

const paymentColumns = `id, seminar_id, participant_name, participant_email, participant_phone,
	business_name, business_tax_id, amount, currency, status,
	provider_invoice_id, invoice_number, payment_method, failure_reason,
	created_at, updated_at, paid_at, failed_at, refunded_at`

// PaymentFilter 결제 목록 조회 조건
type PaymentFilter struct {
	Status    domain.PaymentStatus
	SeminarID string
	Limit     int
	Offset    int
}

// PaymentRepository 결제 레포지토리 인터페이스
type PaymentRepository interface {
	Create(ctx context.Context, payment *domain.Payment) error
	FindByID(ctx context.Context, id string) (*domain.Payment, error)
	FindByProviderInvoiceID(ctx context.Context, invoiceID string) (*domain.Payment, error)
	List(ctx context.Context, filter PaymentFilter) ([]*domain.Payment, error)
	// TransitionStatusTx 현재 상태가 t.From일 때에만 t.To로 변경 (compare-and-set)
	TransitionStatusTx(ctx context.Context, tx DBTX, id string, t domain.Transition) (bool, error)
}

type paymentRepository struct {
	db *sql.DB
}

// NewPaymentRepository 결제 레포지토리 생성
func NewPaymentRepository(db *sql.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

// Create 결제 생성
func (r *paymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (id, seminar_id, participant_name, participant_email, participant_phone,
			business_name, business_tax_id, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		payment.ID,
		payment.SeminarID,
		payment.Name,
		payment.Email,
		payment.Phone,
		nullString(payment.Business.Name),
		nullString(payment.Business.TaxID),
		payment.Amount,
		payment.Currency,
		payment.Status,
		payment.CreatedAt,
		payment.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", payment.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}

	return nil
}

// FindByID ID로 결제 조회
func (r *paymentRepository) FindByID(ctx context.Context, id string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	payment, err := scanPayment(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	return payment, nil
}

// FindByProviderInvoiceID 결제사 인보이스 ID로 결제 조회 (콜백 매핑용)
func (r *paymentRepository) FindByProviderInvoiceID(ctx context.Context, invoiceID string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE provider_invoice_id = $1`

	payment, err := scanPayment(r.db.QueryRowContext(ctx, query, invoiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment with provider invoice %s: %w", invoiceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	return payment, nil
}

// List 결제 목록 조회 (최신순)
func (r *paymentRepository) List(ctx context.Context, filter PaymentFilter) ([]*domain.Payment, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.SeminarID != "" {
		args = append(args, filter.SeminarID)
		conditions = append(conditions, fmt.Sprintf("seminar_id = $%d", len(args)))
	}

	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	payments := make([]*domain.Payment, 0)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}

	return payments, nil
}

// TransitionStatusTx 상태 조건부 업데이트
func (r *paymentRepository) TransitionStatusTx(ctx context.Context, tx DBTX, id string, t domain.Transition) (bool, error) {
	if tx == nil {
		tx = r.db
	}

	query := `
		UPDATE payments
		SET status = $1::text,
			updated_at = $2::timestamptz,
			provider_invoice_id = COALESCE(NULLIF($3::text, ''), provider_invoice_id),
			invoice_number = COALESCE(NULLIF($4::text, ''), invoice_number),
			payment_method = COALESCE(NULLIF($5::text, ''), payment_method),
			paid_at = CASE WHEN $1::text = 'completed' THEN $2::timestamptz
				WHEN $1::text = 'refunded' THEN NULL ELSE paid_at END,
			failed_at = CASE WHEN $1::text = 'failed' THEN $2::timestamptz ELSE failed_at END,
			failure_reason = CASE WHEN $1::text = 'failed' THEN $6::text ELSE failure_reason END,
			refunded_at = CASE WHEN $1::text = 'refunded' THEN $2::timestamptz ELSE refunded_at END
		WHERE id = $7 AND status = $8
	`

	result, err := tx.ExecContext(ctx, query,
		string(t.To),
		t.At,
		t.ProviderInvoiceID,
		t.InvoiceNumber,
		t.PaymentMethod,
		t.FailureReason,
		id,
		string(t.From),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update payment status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	payment := &domain.Payment{}
	var (
		businessName, businessTaxID              sql.NullString
		providerInvoiceID, invoiceNumber, method sql.NullString
		failureReason                            sql.NullString
		paidAt, failedAt, refundedAt             sql.NullTime
	)

	err := row.Scan(
		&payment.ID,
		&payment.SeminarID,
		&payment.Name,
		&payment.Email,
		&payment.Phone,
		&businessName,
		&businessTaxID,
		&payment.Amount,
		&payment.Currency,
		&payment.Status,
		&providerInvoiceID,
		&invoiceNumber,
		&method,
		&failureReason,
		&payment.CreatedAt,
		&payment.UpdatedAt,
		&paidAt,
		&failedAt,
		&refundedAt,
	)
	if err != nil {
		return nil, err
	}

	payment.Business.Name = businessName.String
	payment.Business.TaxID = businessTaxID.String
	payment.ProviderInvoiceID = providerInvoiceID.String
	payment.InvoiceNumber = invoiceNumber.String
	payment.PaymentMethod = method.String
	payment.FailureReason = failureReason.String
	payment.PaidAt = timePtr(paidAt)
	payment.FailedAt = timePtr(failedAt)
	payment.RefundedAt = timePtr(refundedAt)

	return payment, nil
}
