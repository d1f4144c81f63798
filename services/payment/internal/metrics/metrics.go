package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "seminar_payments"

// Metrics 결제 서비스 Prometheus 메트릭
type Metrics struct {
	registry *prometheus.Registry

	paymentsCreated *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	callbacks       *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	eventsPublished *prometheus.CounterVec
}

// New 전용 레지스트리에 메트릭 등록
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		paymentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_created_total",
			Help:      "CreatePayment calls by resulting payment status",
		}, []string{"status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_transitions_total",
			Help:      "Applied payment status transitions",
		}, []string{"from", "to"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_callbacks_total",
			Help:      "Provider callbacks by outcome",
		}, []string{"result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Latency of outbound provider requests",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation", "outcome"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_events_published_total",
			Help:      "Outbox events published to Kafka",
		}, []string{"event_type", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.paymentsCreated,
		m.transitions,
		m.callbacks,
		m.providerLatency,
		m.eventsPublished,
	)
	return m
}

// Registry 메트릭 레지스트리
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 핸들러
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// 기록 메서드는 nil *Metrics에서 아무것도 하지 않는다.

// PaymentCreated CreatePayment 결과 상태 기록
func (m *Metrics) PaymentCreated(status string) {
	if m == nil {
		return
	}
	m.paymentsCreated.WithLabelValues(status).Inc()
}

// Transition 적용된 상태 전이 기록
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Callback 콜백 처리 결과 기록
func (m *Metrics) Callback(result string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(result).Inc()
}

// ObserveProvider 결제사 요청 지연 기록
func (m *Metrics) ObserveProvider(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.providerLatency.WithLabelValues(operation, outcome).Observe(elapsed.Seconds())
}

// EventPublished Outbox 이벤트 발행 결과 기록
func (m *Metrics) EventPublished(eventType string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.eventsPublished.WithLabelValues(eventType, result).Inc()
}
