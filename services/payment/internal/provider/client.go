package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// 결제사 응답 상태
const (
	StatusCompleted = "completed"
	StatusPending   = "pending"
	StatusFailed    = "failed"
)

// 전송 오류 분류
const (
	ClassTimeout     = "timeout"
	ClassNetwork     = "network"
	ClassUnavailable = "provider unavailable"
)

const apiKeyHeader = "X-Api-Key"

// Client 결제사 클라이언트 인터페이스
type Client interface {
	CreatePayment(ctx context.Context, req Request) (*Result, error)
	Refund(ctx context.Context, invoiceID string, amount decimal.Decimal) error
}

// Customer 결제자 정보 (사업자 영수증 필드는 선택)
type Customer struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	BusinessName  string `json:"businessName,omitempty"`
	BusinessTaxID string `json:"businessTaxId,omitempty"`
}

// Request 결제 생성 요청
type Request struct {
	ReferenceID string          `json:"referenceId"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Customer    Customer        `json:"customer"`
}

// Result 결제 생성 결과
type Result struct {
	Status        string `json:"status"`
	InvoiceID     string `json:"invoiceId"`
	InvoiceNumber string `json:"invoiceNumber"`
	PaymentMethod string `json:"paymentMethod"`
	// Message 결제사가 함께 보낸 메시지 (동기 실패 사유 등)
	Message string `json:"-"`
}

// Completed 동기 응답으로 결제가 확정되었는지
func (r *Result) Completed() bool {
	return strings.EqualFold(r.Status, StatusCompleted)
}

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Result
}

// TransportError 네트워크/타임아웃/5xx 오류
type TransportError struct {
	Class      string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Class
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BusinessError 결제사가 거절한 요청 (4xx 또는 success=false)
type BusinessError struct {
	StatusCode int
	Message    string
}

func (e *BusinessError) Error() string {
	return e.Message
}

// Config 결제사 클라이언트 설정
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient JSON over HTTP 결제사 클라이언트
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient 결제사 클라이언트 생성
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreatePayment 결제 생성 요청 (단일 시도)
func (c *HTTPClient) CreatePayment(ctx context.Context, req Request) (*Result, error) {
	var resp apiResponse
	if err := c.post(ctx, "/payments", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &BusinessError{StatusCode: http.StatusOK, Message: messageOr(resp.Message, "payment rejected by provider")}
	}

	result := resp.Result
	result.Message = resp.Message
	return &result, nil
}

// Refund 결제 환불 요청
func (c *HTTPClient) Refund(ctx context.Context, invoiceID string, amount decimal.Decimal) error {
	body := struct {
		Amount decimal.Decimal `json:"amount"`
	}{Amount: amount}

	var resp apiResponse
	if err := c.post(ctx, "/payments/"+url.PathEscape(invoiceID)+"/refund", body, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &BusinessError{StatusCode: http.StatusOK, Message: messageOr(resp.Message, "refund rejected by provider")}
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload interface{}, out *apiResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal provider request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(apiKeyHeader, c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &TransportError{Class: classify(ctx, err), Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &TransportError{Class: classify(ctx, err), StatusCode: httpResp.StatusCode, Err: err}
	}

	if httpResp.StatusCode >= http.StatusInternalServerError {
		return &TransportError{
			Class:      ClassUnavailable,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("provider returned %d: %s", httpResp.StatusCode, string(raw)),
		}
	}

	decodeErr := json.Unmarshal(raw, out)

	if httpResp.StatusCode >= http.StatusBadRequest {
		msg := ""
		if decodeErr == nil {
			msg = out.Message
		}
		return &BusinessError{
			StatusCode: httpResp.StatusCode,
			Message:    messageOr(msg, http.StatusText(httpResp.StatusCode)),
		}
	}

	if decodeErr != nil {
		return &TransportError{Class: ClassUnavailable, StatusCode: httpResp.StatusCode, Err: decodeErr}
	}
	return nil
}

func classify(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	return ClassNetwork
}

func messageOr(msg, fallback string) string {
	if strings.TrimSpace(msg) == "" {
		return fallback
	}
	return msg
}
