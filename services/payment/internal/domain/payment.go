package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency 기본 통화
const DefaultCurrency = "ILS"

// PaymentStatus 결제 상태 (저장된 값과 대시보드 필터 호환을 위해 문자열 그대로 유지)
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
	PaymentStatusRefunded   PaymentStatus = "refunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {
		PaymentStatusProcessing,
		PaymentStatusCancelled,
	},
	PaymentStatusProcessing: {
		PaymentStatusCompleted,
		PaymentStatusFailed,
	},
	PaymentStatusCompleted: {
		PaymentStatusRefunded,
	},
}

// ParsePaymentStatus 문자열을 결제 상태로 변환
func ParsePaymentStatus(s string) (PaymentStatus, bool) {
	switch status := PaymentStatus(s); status {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusCompleted,
		PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return status, true
	}
	return "", false
}

// CanTransitionTo 상태 전이 가능 여부 확인
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal 자동 전이가 더 이상 일어나지 않는 상태인지 확인
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

// Participant 세미나 참가자 연락처
type Participant struct {
	Name  string `json:"participantName"`
	Email string `json:"participantEmail"`
	Phone string `json:"participantPhone"`
}

// BusinessInvoice 사업자 영수증 발행 정보 (선택)
type BusinessInvoice struct {
	Name  string `json:"businessName,omitempty"`
	TaxID string `json:"businessTaxId,omitempty"`
}

// Payment 결제 도메인 모델
type Payment struct {
	ID        string `json:"id"`
	SeminarID string `json:"seminarId"`
	Participant
	Business          BusinessInvoice `json:"business"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            PaymentStatus   `json:"status"`
	ProviderInvoiceID string          `json:"providerInvoiceId,omitempty"`
	InvoiceNumber     string          `json:"invoiceNumber,omitempty"`
	PaymentMethod     string          `json:"paymentMethod,omitempty"`
	FailureReason     string          `json:"failureReason,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	PaidAt            *time.Time      `json:"paidAt,omitempty"`
	FailedAt          *time.Time      `json:"failedAt,omitempty"`
	RefundedAt        *time.Time      `json:"refundedAt,omitempty"`
}

// Transition 상태 전이 시 함께 기록할 값
//
// 저장소는 현재 상태가 From일 때에만 To로 바꾼다. 빈 문자열 필드는 기존 값을 유지한다.
type Transition struct {
	From              PaymentStatus
	To                PaymentStatus
	At                time.Time
	ProviderInvoiceID string
	InvoiceNumber     string
	PaymentMethod     string
	FailureReason     string
}

// Apply 전이를 메모리상의 결제에 반영 (저장소 CAS 성공 이후 호출)
func (p *Payment) Apply(t Transition) {
	p.Status = t.To
	p.UpdatedAt = t.At
	if t.ProviderInvoiceID != "" {
		p.ProviderInvoiceID = t.ProviderInvoiceID
	}
	if t.InvoiceNumber != "" {
		p.InvoiceNumber = t.InvoiceNumber
	}
	if t.PaymentMethod != "" {
		p.PaymentMethod = t.PaymentMethod
	}

	switch t.To {
	case PaymentStatusCompleted:
		at := t.At
		p.PaidAt = &at
	case PaymentStatusFailed:
		at := t.At
		p.FailedAt = &at
		p.FailureReason = t.FailureReason
	case PaymentStatusRefunded:
		at := t.At
		p.RefundedAt = &at
		p.PaidAt = nil
	}
}
