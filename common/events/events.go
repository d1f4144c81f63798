package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType 이벤트 타입 정의 (Kafka 토픽 이름으로도 사용)
type EventType string

const (
	// Payment Events
	EventPaymentCompleted EventType = "payment.completed.v1"
	EventPaymentFailed    EventType = "payment.failed.v1"
	EventPaymentCancelled EventType = "payment.cancelled.v1"
	EventPaymentRefunded  EventType = "payment.refunded.v1"

	// Registration Events
	EventRegistrationConfirmed EventType = "registration.confirmed.v1"
	EventRegistrationCancelled EventType = "registration.cancelled.v1"
)

// BaseEvent 모든 이벤트의 기본 구조
type BaseEvent struct {
	EventID       string    `json:"eventId"`
	EventType     EventType `json:"eventType"`
	SchemaVersion int       `json:"schemaVersion"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"` // payment id
}

// PaymentParticipant 결제 이벤트에 포함되는 참가자 정보
type PaymentParticipant struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// PaymentCompletedEvent 결제 완료 이벤트
type PaymentCompletedEvent struct {
	BaseEvent
	PaymentID     string             `json:"paymentId"`
	SeminarID     string             `json:"seminarId"`
	Participant   PaymentParticipant `json:"participant"`
	Amount        decimal.Decimal    `json:"amount"`
	Currency      string             `json:"currency"`
	InvoiceNumber string             `json:"invoiceNumber,omitempty"`
	PaymentMethod string             `json:"paymentMethod,omitempty"`
	PaidAt        time.Time          `json:"paidAt"`
}

// PaymentFailedEvent 결제 실패 이벤트
type PaymentFailedEvent struct {
	BaseEvent
	PaymentID string `json:"paymentId"`
	SeminarID string `json:"seminarId"`
	Reason    string `json:"reason"`
}

// PaymentCancelledEvent 결제 취소 이벤트
type PaymentCancelledEvent struct {
	BaseEvent
	PaymentID string `json:"paymentId"`
	SeminarID string `json:"seminarId"`
}

// PaymentRefundedEvent 결제 환불 이벤트
type PaymentRefundedEvent struct {
	BaseEvent
	PaymentID string          `json:"paymentId"`
	SeminarID string          `json:"seminarId"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
}

// RegistrationConfirmedEvent 세미나 등록 확정 이벤트
type RegistrationConfirmedEvent struct {
	BaseEvent
	RegistrationID string `json:"registrationId"`
	PaymentID      string `json:"paymentId"`
	SeminarID      string `json:"seminarId"`
}

// RegistrationCancelledEvent 세미나 등록 취소 이벤트
type RegistrationCancelledEvent struct {
	BaseEvent
	RegistrationID string `json:"registrationId"`
	PaymentID      string `json:"paymentId"`
	SeminarID      string `json:"seminarId"`
}
