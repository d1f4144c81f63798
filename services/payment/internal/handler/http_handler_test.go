package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kyungseok/seminar-payments-go/common/errors"
	"github.com/kyungseok/seminar-payments-go/common/logger"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/auth"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/domain"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/metrics"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/provider"
	"github.com/kyungseok/seminar-payments-go/services/payment/internal/service"
)

const (
	testAppToken = "app-token"
	testSecret   = "callback-secret"
)

type fixture struct {
	router        http.Handler
	guard         *auth.Guard
	payments      *stubPayments
	seminars      *stubSeminars
	registrations *stubRegistrations
	newsletter    *stubNewsletter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("deadlift"), bcrypt.MinCost)
	require.NoError(t, err)

	f := &fixture{
		guard: auth.NewGuard(auth.Config{
			Secret:            "jwt-secret",
			AdminEmail:        "admin@example.com",
			AdminPasswordHash: string(hash),
			TokenTTL:          time.Hour,
		}),
		payments: &stubPayments{payments: map[string]*domain.Payment{}},
		seminars: &stubSeminars{
			seminars: map[string]*domain.Seminar{
				"tlv-2026": {ID: "tlv-2026", City: "Tel Aviv", Date: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), Price: decimal.NewFromInt(300), Currency: "ILS", MaxParticipants: 20, IsActive: true},
				"full":     {ID: "full", City: "Haifa", IsActive: true},
			},
			accept: map[string]bool{"tlv-2026": true},
		},
		registrations: &stubRegistrations{},
		newsletter:    &stubNewsletter{},
	}

	h := NewHTTPHandler(Services{
		Payments:      f.payments,
		Seminars:      f.seminars,
		Registrations: f.registrations,
		Newsletter:    f.newsletter,
	}, f.guard, metrics.New(), Options{AppToken: testAppToken, CallbackSecret: testSecret}, logger.NewTestLogger())
	f.router = h.Router()
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func (f *fixture) adminRequest(t *testing.T, method, path string, body string) *http.Request {
	t.Helper()
	token, _, err := f.guard.IssueToken("admin@example.com")
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	return req
}

func paymentBody(mutate func(m map[string]interface{})) string {
	data := map[string]interface{}{
		"participantName":  "Dana Levi",
		"participantEmail": "dana@example.com",
		"participantPhone": "050-1234567",
		"acceptTerms":      true,
		"acceptPrivacy":    true,
	}
	if mutate != nil {
		mutate(data)
	}
	b, _ := json.Marshal(map[string]interface{}{
		"seminar":     map[string]interface{}{"id": "tlv-2026", "price": 1},
		"paymentData": data,
	})
	return string(b)
}

func paymentRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/payments", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAppToken)
	return req
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	rec, _ = f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCreatePayment_UsesStoredSeminarPrice(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, paymentRequest(paymentBody(nil)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["success"])

	require.Len(t, f.payments.created, 1)
	cmd := f.payments.created[0]
	assert.True(t, cmd.Amount.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, "ILS", cmd.Currency)
	assert.Equal(t, "tlv-2026", cmd.SeminarID)
	assert.Equal(t, "dana@example.com", cmd.Participant.Email)
}

func TestCreatePayment_RequiresAppToken(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/payments", strings.NewReader(paymentBody(nil)))

	rec, _ := f.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.payments.created)
}

func TestCreatePayment_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"terms not accepted", paymentBody(func(m map[string]interface{}) { m["acceptTerms"] = false }), http.StatusBadRequest},
		{"privacy not accepted", paymentBody(func(m map[string]interface{}) { delete(m, "acceptPrivacy") }), http.StatusBadRequest},
		{"bad email", paymentBody(func(m map[string]interface{}) { m["participantEmail"] = "nope" }), http.StatusBadRequest},
		{"missing name", paymentBody(func(m map[string]interface{}) { m["participantName"] = "" }), http.StatusBadRequest},
		{"malformed json", "{", http.StatusBadRequest},
		{"no seminar", `{"paymentData":{}}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec, body := f.do(t, paymentRequest(tt.body))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
			assert.Empty(t, f.payments.created)
		})
	}
}

func TestCreatePayment_SeminarNotAccepting(t *testing.T) {
	f := newFixture(t)
	body := strings.Replace(paymentBody(nil), "tlv-2026", "full", 1)

	rec, resp := f.do(t, paymentRequest(body))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(errors.ErrCodeSeminarNotAccepting), resp["code"])
	assert.Empty(t, f.payments.created)

	body = strings.Replace(paymentBody(nil), "tlv-2026", "missing", 1)
	rec, _ = f.do(t, paymentRequest(body))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreatePayment_ProviderOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		payment *domain.Payment
		status  int
		success bool
		message string
	}{
		{"declined", &domain.Payment{ID: "p", Status: domain.PaymentStatusFailed, FailureReason: "Card declined"}, http.StatusPaymentRequired, false, "Card declined"},
		{"transport", &domain.Payment{ID: "p", Status: domain.PaymentStatusFailed, FailureReason: "transport error: timeout"}, http.StatusBadGateway, false, "transport error: timeout"},
		{"async", &domain.Payment{ID: "p", Status: domain.PaymentStatusProcessing}, http.StatusAccepted, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.payments.createFn = func(cmd service.CreatePaymentCommand) (*domain.Payment, error) { return tt.payment, nil }

			rec, body := f.do(t, paymentRequest(paymentBody(nil)))
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.success, body["success"])
			if tt.message != "" {
				assert.Equal(t, tt.message, body["error"])
			}
			assert.NotNil(t, body["payment"])
		})
	}
}

func TestCreatePayment_StorageErrorHidesDetails(t *testing.T) {
	f := newFixture(t)
	f.payments.createFn = func(cmd service.CreatePaymentCommand) (*domain.Payment, error) {
		return nil, errors.Wrap(errors.ErrCodeDatabaseError, "failed to create payment", assert.AnError)
	}

	rec, body := f.do(t, paymentRequest(paymentBody(nil)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", body["error"])
	assert.Nil(t, body["payment"])
}

func signedCallback(body, secret string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/payments/callback", bytes.NewBufferString(body))
	req.Header.Set(provider.SignatureHeader, provider.Sign(secret, []byte(body)))
	return req
}

func TestProviderCallback(t *testing.T) {
	f := newFixture(t)
	body := `{"eventId":"evt-1","invoiceId":"inv-1","status":"PAID","invoiceNumber":"INV-100"}`

	rec, resp := f.do(t, signedCallback(body, testSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(service.CallbackApplied), resp["result"])

	require.Len(t, f.payments.callbacks, 1)
	cb := f.payments.callbacks[0]
	assert.Equal(t, "evt-1", cb.EventID)
	assert.Equal(t, "paid", cb.Status)
	assert.Equal(t, "INV-100", cb.InvoiceNumber)
}

func TestProviderCallback_IgnoredIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.payments.callbackFn = func(cb service.ProviderCallback) (service.CallbackResult, error) {
		return service.CallbackIgnored, nil
	}

	rec, resp := f.do(t, signedCallback(`{"invoiceId":"inv-unknown","status":"paid"}`, testSecret))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, string(service.CallbackIgnored), resp["result"])
}

func TestProviderCallback_RejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	body := `{"invoiceId":"inv-1","status":"paid"}`

	rec, _ := f.do(t, signedCallback(body, "wrong-secret"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/callback", strings.NewReader(body))
	rec, _ = f.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, f.payments.callbacks)
}

func TestProviderCallback_MalformedAndStorageError(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, signedCallback(`{"status":"paid"}`, testSecret))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.payments.callbackFn = func(cb service.ProviderCallback) (service.CallbackResult, error) {
		return "", errors.Wrap(errors.ErrCodeDatabaseError, "failed to load payment", assert.AnError)
	}
	rec, _ = f.do(t, signedCallback(`{"invoiceId":"inv-1","status":"paid"}`, testSecret))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestAdminRoutes_RedirectWithoutSession(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/admin/api/payments", "/admin/api/seminars", "/admin/api/newsletter"} {
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusFound, rec.Code, path)
		assert.Equal(t, auth.LoginPath, rec.Header().Get("Location"), path)
	}
}

func TestLoginLogout(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, httptest.NewRequest(http.MethodPost, "/admin/login",
		strings.NewReader(`{"email":"admin@example.com","password":"deadlift"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, auth.CookieName, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/admin/login", nil)
	req.AddCookie(cookies[0])
	_, body = f.do(t, req)
	assert.Equal(t, true, body["authenticated"])

	rec, _ = f.do(t, httptest.NewRequest(http.MethodPost, "/admin/logout", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, "", cleared[0].Value)
	assert.True(t, cleared[0].MaxAge < 0)

	rec, _ = f.do(t, httptest.NewRequest(http.MethodPost, "/admin/login",
		strings.NewReader(`{"email":"admin@example.com","password":"wrong"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminPayments(t *testing.T) {
	f := newFixture(t)
	f.payments.payments["pay-1"] = &domain.Payment{ID: "pay-1", Status: domain.PaymentStatusCompleted}
	f.payments.payments["pay-2"] = &domain.Payment{ID: "pay-2", Status: domain.PaymentStatusPending}

	rec, body := f.do(t, f.adminRequest(t, http.MethodGet, "/admin/api/payments?status=COMPLETED&seminarId=tlv-2026&limit=10", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["payments"], 2)
	assert.Equal(t, domain.PaymentStatusCompleted, f.payments.filter.Status)
	assert.Equal(t, "tlv-2026", f.payments.filter.SeminarID)
	assert.Equal(t, 10, f.payments.filter.Limit)

	rec, _ = f.do(t, f.adminRequest(t, http.MethodGet, "/admin/api/payments?status=bogus", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, f.adminRequest(t, http.MethodGet, "/admin/api/payments/pay-1", ""))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, f.adminRequest(t, http.MethodGet, "/admin/api/payments/nope", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, f.adminRequest(t, http.MethodPost, "/admin/api/payments/pay-1/cancel", ""))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = f.do(t, f.adminRequest(t, http.MethodPost, "/admin/api/payments/pay-2/cancel", ""))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = f.do(t, f.adminRequest(t, http.MethodPost, "/admin/api/payments/pay-1/refund", `{"reason":"injury"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	payment := body["payment"].(map[string]interface{})
	assert.Equal(t, string(domain.PaymentStatusRefunded), payment["status"])
}

func TestAdminSeminars(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, f.adminRequest(t, http.MethodGet, "/admin/api/seminars", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["seminars"], 2)

	rec, _ = f.do(t, f.adminRequest(t, http.MethodPost, "/admin/api/seminars",
		`{"city":"Eilat","date":"2026-09-01T09:00:00Z","price":"450","maxParticipants":12}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.seminars.created, 1)
	assert.True(t, f.seminars.created[0].IsActive)
	assert.True(t, f.seminars.created[0].Price.Equal(decimal.NewFromInt(450)))

	rec, _ = f.do(t, f.adminRequest(t, http.MethodPost, "/admin/api/seminars", `{"date":"2026-09-01T09:00:00Z"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, f.adminRequest(t, http.MethodPut, "/admin/api/seminars/missing", `{"city":"Eilat","date":"2026-09-01T09:00:00Z"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, f.adminRequest(t, http.MethodDelete, "/admin/api/seminars/tlv-2026", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.seminars.seminars["tlv-2026"].IsActive)

	rec, body = f.do(t, f.adminRequest(t, http.MethodGet, "/admin/api/seminars/tlv-2026/registrations", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["registrations"], 1)
}

func TestPublicSeminarsAndNewsletter(t *testing.T) {
	f := newFixture(t)
	f.seminars.seminars["full"].IsActive = false

	rec, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/seminars", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	seminars := body["seminars"].([]interface{})
	require.Len(t, seminars, 1)
	assert.Equal(t, float64(20), seminars[0].(map[string]interface{})["spotsLeft"])

	req := httptest.NewRequest(http.MethodPost, "/api/newsletter", strings.NewReader(`{"email":"lifter@example.com"}`))
	req.Header.Set("Authorization", "Bearer "+testAppToken)
	rec, _ = f.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"lifter@example.com"}, f.newsletter.subscribed)

	req = httptest.NewRequest(http.MethodPost, "/api/newsletter", strings.NewReader(`{"email":"bad"}`))
	req.Header.Set("Authorization", "Bearer "+testAppToken)
	rec, _ = f.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, f.adminRequest(t, http.MethodGet, "/admin/api/newsletter", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["subscribers"], 1)
}
