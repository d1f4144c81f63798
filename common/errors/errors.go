package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode 에러 코드 정의
type ErrorCode string

const (
	// Business Errors
	ErrCodeInvalidPayment      ErrorCode = "INVALID_PAYMENT"
	ErrCodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrCodePaymentNotFound     ErrorCode = "PAYMENT_NOT_FOUND"
	ErrCodeSeminarNotFound     ErrorCode = "SEMINAR_NOT_FOUND"
	ErrCodeSeminarNotAccepting ErrorCode = "SEMINAR_NOT_ACCEPTING"
	ErrCodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	ErrCodeProviderDeclined    ErrorCode = "PROVIDER_DECLINED"
	ErrCodeUnauthorized        ErrorCode = "UNAUTHORIZED"

	// Technical Errors
	ErrCodeDatabaseError      ErrorCode = "DATABASE_ERROR"
	ErrCodeNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrCodeTimeoutError       ErrorCode = "TIMEOUT_ERROR"
	ErrCodeProviderError      ErrorCode = "PROVIDER_ERROR"
	ErrCodeSerializationError ErrorCode = "SERIALIZATION_ERROR"
	ErrCodeUnknownError       ErrorCode = "UNKNOWN_ERROR"
)

// DomainError 도메인 에러 구조체
type DomainError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// New 새로운 도메인 에러 생성
func New(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Wrap 기존 에러를 래핑한 도메인 에러 생성
func Wrap(code ErrorCode, message string, cause error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf 에러 체인에서 도메인 에러 코드 추출 (없으면 UNKNOWN_ERROR)
func CodeOf(err error) ErrorCode {
	var domainErr *DomainError
	if stderrors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ErrCodeUnknownError
}

// IsRetryable 재시도 가능한 에러인지 판단
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeDatabaseError, ErrCodeNetworkError, ErrCodeTimeoutError, ErrCodeProviderError:
		return true
	}
	return false
}

// IsBusinessError 비즈니스 에러인지 판단 (재시도 불필요)
func IsBusinessError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeInvalidPayment, ErrCodeInvalidRequest, ErrCodePaymentNotFound,
		ErrCodeSeminarNotFound, ErrCodeSeminarNotAccepting, ErrCodeInvalidTransition,
		ErrCodeProviderDeclined, ErrCodeUnauthorized:
		return true
	}
	return false
}
