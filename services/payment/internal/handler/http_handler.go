package handler

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kyungseok/seminar-payments-go/common/errors"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/auth"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/domain"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/metrics"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/provider"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/repository"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/service"
)

const maxBodyBytes = 1 << 20

// Services HTTP 핸들러가 사용하는 서비스 묶음
type Services struct {
	Payments      service.PaymentService
	Seminars      service.SeminarService
	Registrations service.RegistrationService
	Newsletter    service.NewsletterService
}

// Options HTTP 핸들러 설정
type Options struct {
	AppToken       string
	CallbackSecret string
}

// HTTPHandler HTTP 핸들러
type HTTPHandler struct {
	svc      Services
	guard    *auth.Guard
	metrics  *metrics.Metrics
	opts     Options
	validate *validator.Validate
	logger   *zap.Logger
}

// NewHTTPHandler HTTP 핸들러 생성
func NewHTTPHandler(svc Services, guard *auth.Guard, m *metrics.Metrics, opts Options, logger *zap.Logger) *HTTPHandler {
	v := validator.New()
	// 검증 에러에 JSON 필드 이름을 사용
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	return &HTTPHandler{
		svc:      svc,
		guard:    guard,
		metrics:  m,
		opts:     opts,
		validate: v,
		logger:   logger,
	}
}

// Router 라우터 구성
func (h *HTTPHandler) Router() *mux.Router {
	r := mux.NewRouter()
	appOnly := auth.RequireAppToken(h.opts.AppToken)

	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/seminars", h.ListPublicSeminars).Methods(http.MethodGet)
	api.HandleFunc("/payments/callback", h.ProviderCallback).Methods(http.MethodPost)
	api.Handle("/payments", appOnly(http.HandlerFunc(h.CreatePayment))).Methods(http.MethodPost)
	api.Handle("/newsletter", appOnly(http.HandlerFunc(h.SubscribeNewsletter))).Methods(http.MethodPost)

	r.HandleFunc("/admin/login", h.LoginStatus).Methods(http.MethodGet)
	r.HandleFunc("/admin/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/admin/logout", h.Logout).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin/api").Subrouter()
	admin.Use(h.guard.Require)
	admin.HandleFunc("/payments", h.ListPayments).Methods(http.MethodGet)
	admin.HandleFunc("/payments/{id}", h.GetPayment).Methods(http.MethodGet)
	admin.HandleFunc("/payments/{id}/cancel", h.CancelPayment).Methods(http.MethodPost)
	admin.HandleFunc("/payments/{id}/refund", h.RefundPayment).Methods(http.MethodPost)
	admin.HandleFunc("/seminars", h.ListSeminars).Methods(http.MethodGet)
	admin.HandleFunc("/seminars", h.CreateSeminar).Methods(http.MethodPost)
	admin.HandleFunc("/seminars/{id}", h.GetSeminar).Methods(http.MethodGet)
	admin.HandleFunc("/seminars/{id}", h.UpdateSeminar).Methods(http.MethodPut)
	admin.HandleFunc("/seminars/{id}", h.DeactivateSeminar).Methods(http.MethodDelete)
	admin.HandleFunc("/seminars/{id}/registrations", h.ListRegistrations).Methods(http.MethodGet)
	admin.HandleFunc("/newsletter", h.ListNewsletter).Methods(http.MethodGet)

	return r
}

// SeminarRef 결제 요청에 포함된 세미나 정보. 저장된 세미나를 ID로 다시 조회한다.
type SeminarRef struct {
	ID              string          `json:"id" validate:"required,max=64"`
	City            string          `json:"city"`
	Date            string          `json:"date"`
	Price           decimal.Decimal `json:"price"`
	MaxParticipants int             `json:"maxParticipants"`
	RegisteredCount int             `json:"registeredCount"`
	PaymentOpensAt  *time.Time      `json:"paymentOpensAt"`
	PaymentClosesAt *time.Time      `json:"paymentClosesAt"`
}

// PaymentData 참가자 입력 정보
type PaymentData struct {
	ID               string `json:"id" validate:"omitempty,max=64"`
	ParticipantName  string `json:"participantName" validate:"required,max=200"`
	ParticipantEmail string `json:"participantEmail" validate:"required,email"`
	ParticipantPhone string `json:"participantPhone" validate:"required,max=32"`
	BusinessName     string `json:"businessName" validate:"max=200"`
	BusinessTaxID    string `json:"businessTaxId" validate:"max=32"`
	AcceptTerms      bool   `json:"acceptTerms"`
	AcceptPrivacy    bool   `json:"acceptPrivacy"`
}

// CreatePaymentRequest 결제 생성 요청
type CreatePaymentRequest struct {
	Seminar     SeminarRef  `json:"seminar"`
	PaymentData PaymentData `json:"paymentData"`
}

// PaymentResponse 결제 응답
type PaymentResponse struct {
	Success bool            `json:"success"`
	Payment *domain.Payment `json:"payment,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// CreatePayment 결제 생성
func (h *HTTPHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !req.PaymentData.AcceptTerms || !req.PaymentData.AcceptPrivacy {
		h.respondError(w, http.StatusBadRequest, "terms and privacy policy must be accepted", string(errors.ErrCodeInvalidRequest))
		return
	}

	seminar, err := h.svc.Seminars.CheckAccepting(r.Context(), req.Seminar.ID)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	data := req.PaymentData
	payment, err := h.svc.Payments.CreatePayment(r.Context(), service.CreatePaymentCommand{
		ID:        data.ID,
		SeminarID: seminar.ID,
		Participant: domain.Participant{
			Name:  data.ParticipantName,
			Email: data.ParticipantEmail,
			Phone: data.ParticipantPhone,
		},
		Business: domain.BusinessInvoice{
			Name:  data.BusinessName,
			TaxID: data.BusinessTaxID,
		},
		Amount:      seminar.Price,
		Currency:    seminar.Currency,
		Description: fmt.Sprintf("Seminar registration: %s %s", seminar.City, seminar.Date.Format("2006-01-02")),
	})
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	switch payment.Status {
	case domain.PaymentStatusCompleted:
		h.respondJSON(w, http.StatusOK, PaymentResponse{Success: true, Payment: payment})
	case domain.PaymentStatusFailed:
		status, code := failedPaymentStatus(payment)
		h.respondJSON(w, status, PaymentResponse{
			Success: false,
			Payment: payment,
			Error:   payment.FailureReason,
			Code:    string(code),
		})
	default:
		// 결제사가 비동기로 확정하는 경우 콜백을 기다린다
		h.respondJSON(w, http.StatusAccepted, PaymentResponse{Success: true, Payment: payment})
	}
}

// ProviderCallback 결제사 콜백 처리
func (h *HTTPHandler) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "failed to read request body", string(errors.ErrCodeInvalidRequest))
		return
	}

	if !provider.VerifySignature(h.opts.CallbackSecret, body, r.Header.Get(provider.SignatureHeader)) {
		h.logger.Warn("provider callback rejected: bad signature", zap.String("remoteAddr", r.RemoteAddr))
		h.metrics.Callback("unauthorized")
		h.respondError(w, http.StatusUnauthorized, "invalid signature", string(errors.ErrCodeUnauthorized))
		return
	}

	cb, err := provider.ParseCallback(body)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), string(errors.ErrCodeInvalidRequest))
		return
	}

	result, err := h.svc.Payments.HandleProviderCallback(r.Context(), service.ProviderCallback{
		EventID:       cb.EventID,
		InvoiceID:     cb.InvoiceID,
		ReferenceID:   cb.ReferenceID,
		Status:        cb.Status,
		InvoiceNumber: cb.InvoiceNumber,
		PaymentMethod: cb.PaymentMethod,
		Message:       cb.Message,
	})
	if err != nil {
		// 5xx로 응답해 결제사가 다시 보내도록 한다
		if errors.IsRetryable(err) {
			w.Header().Set("Retry-After", "30")
		}
		h.respondDomainError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  result,
	})
}

// SubscribeRequest 뉴스레터 구독 요청
type SubscribeRequest struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"max=200"`
}

// SubscribeNewsletter 뉴스레터 구독
func (h *HTTPHandler) SubscribeNewsletter(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !h.decode(w, r, &req) {
		return
	}

	subscriber, err := h.svc.Newsletter.Subscribe(r.Context(), req.Email, req.Name)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "subscriber": subscriber})
}

// SeminarView 공개 세미나 목록 항목
type SeminarView struct {
	*domain.Seminar
	SpotsLeft int  `json:"spotsLeft"`
	Accepting bool `json:"acceptingPayments"`
}

// ListPublicSeminars 활성 세미나 목록
func (h *HTTPHandler) ListPublicSeminars(w http.ResponseWriter, r *http.Request) {
	seminars, err := h.svc.Seminars.ListSeminars(r.Context(), true)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}

	now := time.Now()
	views := make([]SeminarView, 0, len(seminars))
	for _, s := range seminars {
		views = append(views, SeminarView{Seminar: s, SpotsLeft: s.SpotsLeft(), Accepting: s.IsAcceptingRegistrations(now)})
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "seminars": views})
}

// LoginRequest 관리자 로그인 요청
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// LoginStatus 현재 세션의 로그인 여부
func (h *HTTPHandler) LoginStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": h.guard.Check(auth.SessionFromRequest(r)),
	})
}

// Login 관리자 로그인
func (h *HTTPHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decode(w, r, &req) {
		return
	}

	token, expiresAt, err := h.guard.Authenticate(req.Email, req.Password)
	if err != nil {
		if stderrors.Is(err, auth.ErrInvalidCredentials) {
			h.logger.Info("admin login rejected", zap.String("email", req.Email))
			h.respondError(w, http.StatusUnauthorized, "invalid email or password", string(errors.ErrCodeUnauthorized))
			return
		}
		h.logger.Error("admin login failed", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "login failed", string(errors.ErrCodeUnknownError))
		return
	}

	http.SetCookie(w, h.guard.SessionCookie(token, expiresAt))
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"token":     token,
		"expiresAt": expiresAt,
	})
}

// Logout 관리자 로그아웃
func (h *HTTPHandler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, h.guard.ClearCookie())
	h.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ListPayments 결제 목록 (관리자)
func (h *HTTPHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.PaymentFilter{SeminarID: q.Get("seminarId")}

	if raw := q.Get("status"); raw != "" {
		status, ok := domain.ParsePaymentStatus(strings.ToLower(raw))
		if !ok {
			h.respondError(w, http.StatusBadRequest, "unknown status: "+raw, string(errors.ErrCodeInvalidRequest))
			return
		}
		filter.Status = status
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	payments, err := h.svc.Payments.ListPayments(r.Context(), filter)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "payments": payments})
}

// GetPayment 결제 조회 (관리자)
func (h *HTTPHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := h.svc.Payments.GetPayment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, PaymentResponse{Success: true, Payment: payment})
}

// CancelPayment 결제 취소 (관리자)
func (h *HTTPHandler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := h.svc.Payments.CancelPayment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, PaymentResponse{Success: true, Payment: payment})
}

// RefundRequest 환불 요청
type RefundRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// RefundPayment 결제 환불 (관리자)
func (h *HTTPHandler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	payment, err := h.svc.Payments.RefundPayment(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, PaymentResponse{Success: true, Payment: payment})
}

// SeminarRequest 세미나 생성/수정 요청
type SeminarRequest struct {
	ID              string          `json:"id" validate:"omitempty,max=64"`
	City            string          `json:"city" validate:"required,max=100"`
	Venue           string          `json:"venue" validate:"max=200"`
	Date            time.Time       `json:"date" validate:"required"`
	Price           decimal.Decimal `json:"price"`
	Currency        string          `json:"currency" validate:"omitempty,len=3"`
	MaxParticipants int             `json:"maxParticipants" validate:"min=0"`
	PaymentOpensAt  *time.Time      `json:"paymentOpensAt"`
	PaymentClosesAt *time.Time      `json:"paymentClosesAt"`
	IsActive        *bool           `json:"isActive"`
}

func (req SeminarRequest) input() service.SeminarInput {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return service.SeminarInput{
		ID:              req.ID,
		City:            req.City,
		Venue:           req.Venue,
		Date:            req.Date,
		Price:           req.Price,
		Currency:        req.Currency,
		MaxParticipants: req.MaxParticipants,
		PaymentOpensAt:  req.PaymentOpensAt,
		PaymentClosesAt: req.PaymentClosesAt,
		IsActive:        active,
	}
}

// ListSeminars 전체 세미나 목록 (관리자)
func (h *HTTPHandler) ListSeminars(w http.ResponseWriter, r *http.Request) {
	seminars, err := h.svc.Seminars.ListSeminars(r.Context(), false)
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "seminars": seminars})
}

// CreateSeminar 세미나 생성 (관리자)
func (h *HTTPHandler) CreateSeminar(w http.ResponseWriter, r *http.Request) {
	var req SeminarRequest
	if !h.decode(w, r, &req) {
		return
	}

	seminar, err := h.svc.Seminars.CreateSeminar(r.Context(), req.input())
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "seminar": seminar})
}

// GetSeminar 세미나 조회 (관리자)
func (h *HTTPHandler) GetSeminar(w http.ResponseWriter, r *http.Request) {
	seminar, err := h.svc.Seminars.GetSeminar(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "seminar": seminar})
}

// UpdateSeminar 세미나 수정 (관리자)
func (h *HTTPHandler) UpdateSeminar(w http.ResponseWriter, r *http.Request) {
	var req SeminarRequest
	if !h.decode(w, r, &req) {
		return
	}

	seminar, err := h.svc.Seminars.UpdateSeminar(r.Context(), mux.Vars(r)["id"], req.input())
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "seminar": seminar})
}

// DeactivateSeminar 세미나 비활성화 (관리자)
func (h *HTTPHandler) DeactivateSeminar(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Seminars.DeactivateSeminar(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ListRegistrations 세미나 등록자 목록 (관리자)
func (h *HTTPHandler) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	registrations, err := h.svc.Registrations.ListRegistrations(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "registrations": registrations})
}

// ListNewsletter 뉴스레터 구독자 목록 (관리자)
func (h *HTTPHandler) ListNewsletter(w http.ResponseWriter, r *http.Request) {
	subscribers, err := h.svc.Newsletter.ListSubscribers(r.Context())
	if err != nil {
		h.respondDomainError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "subscribers": subscribers})
}

// HealthCheck 헬스 체크
func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// decode 요청 본문 디코딩과 검증. 실패 시 응답을 쓰고 false 반환
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", string(errors.ErrCodeInvalidRequest))
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, validationMessage(err), string(errors.ErrCodeInvalidRequest))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request"
	}
	fe := fieldErrs[0]
	return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
}

// failedPaymentStatus 전송 실패는 재시도 가능한 502, 결제사 거절은 402
func failedPaymentStatus(p *domain.Payment) (int, errors.ErrorCode) {
	if strings.HasPrefix(p.FailureReason, "transport error") {
		return http.StatusBadGateway, errors.ErrCodeProviderError
	}
	return http.StatusPaymentRequired, errors.ErrCodeProviderDeclined
}

func statusForCode(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeInvalidPayment, errors.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodePaymentNotFound, errors.ErrCodeSeminarNotFound:
		return http.StatusNotFound
	case errors.ErrCodeSeminarNotAccepting, errors.ErrCodeInvalidTransition:
		return http.StatusConflict
	case errors.ErrCodeProviderDeclined, errors.ErrCodeProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) respondDomainError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusForCode(code)

	message := err.Error()
	var domainErr *errors.DomainError
	if stderrors.As(err, &domainErr) {
		message = domainErr.Message
	}
	if errors.IsBusinessError(err) {
		h.logger.Debug("request rejected", zap.String("code", string(code)), zap.String("message", message))
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("code", string(code)), zap.Error(err))
		if code != errors.ErrCodeProviderDeclined && code != errors.ErrCodeProviderError {
			message = "internal error"
		}
	}

	h.respondError(w, status, message, string(code))
}

func (h *HTTPHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *HTTPHandler) respondError(w http.ResponseWriter, status int, message, code string) {
	h.respondJSON(w, status, PaymentResponse{
		Success: false,
		Error:   message,
		Code:    code,
	})
}
