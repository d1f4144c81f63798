package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Seminar 세미나 도메인 모델
type Seminar struct {
	ID              string          `json:"id"`
	City            string          `json:"city"`
	Venue           string          `json:"venue,omitempty"`
	Date            time.Time       `json:"date"`
	Price           decimal.Decimal `json:"price"`
	Currency        string          `json:"currency"`
	MaxParticipants int             `json:"maxParticipants"`
	RegisteredCount int             `json:"registeredCount"`
	PaymentOpensAt  *time.Time      `json:"paymentOpensAt,omitempty"`
	PaymentClosesAt *time.Time      `json:"paymentClosesAt,omitempty"`
	IsActive        bool            `json:"isActive"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// SpotsLeft 남은 자리 수 (정원 0은 무제한)
func (s *Seminar) SpotsLeft() int {
	if s.MaxParticipants <= 0 {
		return -1
	}
	left := s.MaxParticipants - s.RegisteredCount
	if left < 0 {
		return 0
	}
	return left
}

// IsAcceptingRegistrations 등록(결제) 가능 여부 확인
func (s *Seminar) IsAcceptingRegistrations(now time.Time) bool {
	if !s.IsActive {
		return false
	}
	if s.SpotsLeft() == 0 {
		return false
	}
	if s.PaymentOpensAt != nil && now.Before(*s.PaymentOpensAt) {
		return false
	}
	if s.PaymentClosesAt != nil && now.After(*s.PaymentClosesAt) {
		return false
	}
	// 세미나 당일 이후에는 결제 불가
	if !s.Date.IsZero() && now.After(s.Date) {
		return false
	}
	return true
}
