package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 服务的 Prometheus 指标。所有方法在 nil 上调用都是安全的。
type Metrics struct {
	cacheLookups     *prometheus.CounterVec
	cacheEvictions   prometheus.Counter
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	liveSessions     prometheus.Gauge
	bytesServed      *prometheus.CounterVec
}

// New 创建并注册所有指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mp3proxy_cache_lookups_total",
			Help: "Track cache lookups by result (hit, miss).",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mp3proxy_cache_evictions_total",
			Help: "Tracks evicted from the in-memory cache.",
		}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mp3proxy_upstream_requests_total",
			Help: "Outbound upstream API calls by operation and result.",
		}, []string{"op", "result"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mp3proxy_upstream_request_seconds",
			Help:    "Latency of outbound upstream API calls.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30, 60, 120},
		}, []string{"op"}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mp3proxy_live_sessions",
			Help: "Live radio transcode sessions currently streaming.",
		}),
		bytesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mp3proxy_bytes_served_total",
			Help: "Audio bytes written to clients by source (cache, upstream, live).",
		}, []string{"source"}),
	}
	reg.MustRegister(
		m.cacheLookups,
		m.cacheEvictions,
		m.upstreamRequests,
		m.upstreamDuration,
		m.liveSessions,
		m.bytesServed,
	)
	return m
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) CacheEvicted() {
	if m == nil {
		return
	}
	m.cacheEvictions.Inc()
}

// ObserveUpstream 记录一次上游调用
func (m *Metrics) ObserveUpstream(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.upstreamRequests.WithLabelValues(op, result).Inc()
	m.upstreamDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.liveSessions.Inc()
}

func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.liveSessions.Dec()
}

// BytesServed 记录写给客户端的音频字节数
func (m *Metrics) BytesServed(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesServed.WithLabelValues(source).Add(float64(n))
}
