package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by all workers, labeled by worker tag.
type Metrics struct {
	requests      *prometheus.CounterVec
	networkErrors *prometheus.CounterVec
	cacheErrors   *prometheus.CounterVec
	installs      *prometheus.CounterVec
	activations   *prometheus.CounterVec
	deleted       *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_requests_total",
			Help: "Intercepted requests by outcome.",
		}, []string{"worker", "outcome"}),
		networkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_network_errors_total",
			Help: "Failed network fetches.",
		}, []string{"worker"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_cache_errors_total",
			Help: "Failed cache storage operations.",
		}, []string{"worker", "op"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_installs_total",
			Help: "Install attempts by result.",
		}, []string{"worker", "result"}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_activations_total",
			Help: "Activations by result.",
		}, []string{"worker", "result"}),
		deleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_deleted_buckets_total",
			Help: "Stale cache buckets deleted at activation.",
		}, []string{"worker"}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.networkErrors, m.cacheErrors, m.installs, m.activations, m.deleted} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// tagMetrics is the view of Metrics for one worker tag. A nil *tagMetrics
// records nothing.
type tagMetrics struct {
	m   *Metrics
	tag string
}

func (m *Metrics) forTag(tag string) *tagMetrics {
	if m == nil {
		return nil
	}
	return &tagMetrics{m: m, tag: tag}
}

func (t *tagMetrics) request(o Outcome) {
	if t != nil {
		t.m.requests.WithLabelValues(t.tag, string(o)).Inc()
	}
}

func (t *tagMetrics) networkError() {
	if t != nil {
		t.m.networkErrors.WithLabelValues(t.tag).Inc()
	}
}

func (t *tagMetrics) cacheError(op string) {
	if t != nil {
		t.m.cacheErrors.WithLabelValues(t.tag, op).Inc()
	}
}

func (t *tagMetrics) install(ok bool) {
	if t != nil {
		t.m.installs.WithLabelValues(t.tag, result(ok)).Inc()
	}
}

func (t *tagMetrics) activation(ok bool, deleted int) {
	if t != nil {
		t.m.activations.WithLabelValues(t.tag, result(ok)).Inc()
		t.m.deleted.WithLabelValues(t.tag).Add(float64(deleted))
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
