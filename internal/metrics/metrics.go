// Package metrics собирает Prometheus-метрики шлюза мутаций.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector собирает метрики действий, вызовов бэкенда и инвалидаций.
type Collector struct {
	actions       *prometheus.CounterVec
	backendCalls  *prometheus.CounterVec
	backendLat    prometheus.Histogram
	invalidations *prometheus.CounterVec
	coalesced     prometheus.Counter
}

// NewCollector создаёт Collector и регистрирует метрики в указанном реестре.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_actions_total",
			Help: "Число выполненных действий по исходу",
		}, []string{"action", "outcome"}),
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_backend_calls_total",
			Help: "Число вызовов бэкенда по HTTP-статусу",
		}, []string{"method", "status_code"}),
		backendLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storefront_backend_latency_seconds",
			Help:    "Длительность вызовов бэкенда",
			Buckets: prometheus.DefBuckets,
		}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_view_invalidations_total",
			Help: "Число инвалидаций представлений",
		}, []string{"result"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_control_coalesced_total",
			Help: "Число нажатий, присоединённых к уже выполняющейся мутации",
		}),
	}

	reg.MustRegister(
		c.actions,
		c.backendCalls,
		c.backendLat,
		c.invalidations,
		c.coalesced,
	)

	return c
}

// RecordAction учитывает исход действия: "committed" или вид ошибки.
func (c *Collector) RecordAction(action, outcome string) {
	c.actions.WithLabelValues(action, outcome).Inc()
}

// ObserveBackendCall учитывает вызов бэкенда. Статус 0 означает, что ответ не получен.
func (c *Collector) ObserveBackendCall(method, _ string, statusCode int, duration time.Duration) {
	c.backendCalls.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	c.backendLat.Observe(duration.Seconds())
}

// RecordInvalidation учитывает инвалидацию представления.
func (c *Collector) RecordInvalidation(_ string, err error) {
	if err != nil {
		c.invalidations.WithLabelValues("error").Inc()
		return
	}
	c.invalidations.WithLabelValues("ok").Inc()
}

// RecordCoalesced учитывает нажатие, присоединённое к выполняющейся мутации.
func (c *Collector) RecordCoalesced() {
	c.coalesced.Inc()
}

// Handler возвращает HTTP-обработчик для эндпоинта /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
