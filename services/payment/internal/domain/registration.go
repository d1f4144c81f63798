package domain

import "time"

// RegistrationStatus 등록 상태
type RegistrationStatus string

const (
	RegistrationStatusConfirmed RegistrationStatus = "confirmed"
	RegistrationStatusCancelled RegistrationStatus = "cancelled"
)

// Registration 결제 완료로 확정된 세미나 등록
type Registration struct {
	ID        string `json:"id"`
	SeminarID string `json:"seminarId"`
	PaymentID string `json:"paymentId"`
	Participant
	Status    RegistrationStatus `json:"status"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// NewsletterSubscriber 뉴스레터 구독자
type NewsletterSubscriber struct {
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
