package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SignatureHeader 콜백 서명 헤더
const SignatureHeader = "X-Provider-Signature"

// Callback 결제사 비동기 알림
type Callback struct {
	EventID       string `json:"eventId"`
	InvoiceID     string `json:"invoiceId"`
	ReferenceID   string `json:"referenceId"`
	Status        string `json:"status"`
	InvoiceNumber string `json:"invoiceNumber"`
	PaymentMethod string `json:"paymentMethod"`
	Message       string `json:"message"`
}

// ParseCallback 콜백 본문 파싱
func ParseCallback(body []byte) (*Callback, error) {
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("failed to decode provider callback: %w", err)
	}
	if cb.InvoiceID == "" && cb.ReferenceID == "" {
		return nil, fmt.Errorf("provider callback has neither invoiceId nor referenceId")
	}
	cb.Status = strings.ToLower(strings.TrimSpace(cb.Status))
	return &cb, nil
}

// Sign 본문의 HMAC-SHA256 hex 서명
func Sign(secret string, body []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}

// VerifySignature 콜백 서명 검증. 비밀키가 없으면 항상 실패
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	return hmac.Equal(got, m.Sum(nil))
}
