package tiercore

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TierMetrics 单层统计。
type TierMetrics struct {
	Tier          string  `json:"tier"`
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	TotalRequests uint64  `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`       // 0~1
	AvgLatencyMs  float64 `json:"avg_latency_ms"` // 最近样本窗口的均值
}

// MetricsSnapshot 全部层的统计以及整体命中率。
type MetricsSnapshot struct {
	Tiers          map[string]TierMetrics `json:"tiers"`
	TotalLookups   uint64                 `json:"total_lookups"`
	CacheHits      uint64                 `json:"cache_hits"`
	OverallHitRate float64                `json:"overall_hit_rate"` // 0~1
	Timestamp      time.Time              `json:"timestamp"`
}

// latencyRing 固定容量的延迟样本环，满时覆盖最旧样本。
type latencyRing struct {
	samples []float64
	next    int
	full    bool
	sum     float64
}

func newLatencyRing(n int) *latencyRing {
	return &latencyRing{samples: make([]float64, n)}
}

func (r *latencyRing) push(ms float64) {
	if r.full {
		r.sum -= r.samples[r.next]
	}
	r.samples[r.next] = ms
	r.sum += ms
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

func (r *latencyRing) len() int {
	if r.full {
		return len(r.samples)
	}
	return r.next
}

func (r *latencyRing) avg() float64 {
	n := r.len()
	if n == 0 {
		return 0
	}
	return r.sum / float64(n)
}

type tierState struct {
	hits, misses uint64
	latency      *latencyRing
}

// MetricsTracker 按层记录命中/未命中和延迟。
// 同时镜像到 Prometheus（如果提供了 Registerer）。
type MetricsTracker struct {
	mu     sync.Mutex
	window int
	tiers  map[string]*tierState

	hits    *prometheus.CounterVec
	misses  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetricsTracker window: 每层保留的延迟样本数；reg 可为 nil。
func NewMetricsTracker(window int, namespace string, reg prometheus.Registerer) (*MetricsTracker, error) {
	if window < 1 {
		return nil, &ConfigError{Field: "metrics.latency_window", Reason: "must be at least 1"}
	}
	t := &MetricsTracker{
		window: window,
		tiers:  make(map[string]*tierState),
	}
	if reg == nil {
		return t, nil
	}

	t.hits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tier_hits_total",
		Help:      "Lookups answered by the tier.",
	}, []string{"tier"})
	t.misses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tier_misses_total",
		Help:      "Lookups that fell through the tier.",
	}, []string{"tier"})
	t.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tier_latency_seconds",
		Help:      "Latency observed at each tier.",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
	}, []string{"tier"})

	for _, c := range []prometheus.Collector{t.hits, t.misses, t.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *MetricsTracker) RecordHit(tier string, latency time.Duration) {
	t.record(tier, latency, true)
}

func (t *MetricsTracker) RecordMiss(tier string, latency time.Duration) {
	t.record(tier, latency, false)
}

func (t *MetricsTracker) record(tier string, latency time.Duration, hit bool) {
	t.mu.Lock()
	st, ok := t.tiers[tier]
	if !ok {
		st = &tierState{latency: newLatencyRing(t.window)}
		t.tiers[tier] = st
	}
	if hit {
		st.hits++
	} else {
		st.misses++
	}
	st.latency.push(float64(latency) / float64(time.Millisecond))
	t.mu.Unlock()

	if t.hits == nil {
		return
	}
	if hit {
		t.hits.WithLabelValues(tier).Inc()
	} else {
		t.misses.WithLabelValues(tier).Inc()
	}
	t.latency.WithLabelValues(tier).Observe(latency.Seconds())
}

// Tier 返回某一层的统计，不存在时返回零值。
func (t *MetricsTracker) Tier(tier string) TierMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tierLocked(tier)
}

func (t *MetricsTracker) tierLocked(tier string) TierMetrics {
	m := TierMetrics{Tier: tier}
	st, ok := t.tiers[tier]
	if !ok {
		return m
	}
	m.Hits = st.hits
	m.Misses = st.misses
	m.TotalRequests = st.hits + st.misses
	if m.TotalRequests > 0 {
		m.HitRate = float64(m.Hits) / float64(m.TotalRequests)
	}
	m.AvgLatencyMs = st.latency.avg()
	return m
}

// Snapshot 汇总所有层。
// 每次查找都经过 bloom 层，因此以 bloom 的请求数作为查找总数；
// database 层的解析不算缓存命中。
func (t *MetricsTracker) Snapshot() MetricsSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := MetricsSnapshot{
		Tiers:     make(map[string]TierMetrics, len(t.tiers)),
		Timestamp: time.Now(),
	}
	for name := range t.tiers {
		s.Tiers[name] = t.tierLocked(name)
	}

	bloom := s.Tiers[TierBloom]
	s.TotalLookups = bloom.TotalRequests
	if s.TotalLookups == 0 {
		for _, name := range []string{TierLocal, TierDistributed, TierDatabase} {
			s.TotalLookups = max(s.TotalLookups, s.Tiers[name].TotalRequests)
		}
	}
	s.CacheHits = bloom.Hits + s.Tiers[TierLocal].Hits + s.Tiers[TierDistributed].Hits
	if s.TotalLookups > 0 {
		s.OverallHitRate = float64(s.CacheHits) / float64(s.TotalLookups)
	}
	return s
}

// Reset 清空内存统计。Prometheus 计数器单调递增，不受影响。
func (t *MetricsTracker) Reset() {
	t.mu.Lock()
	t.tiers = make(map[string]*tierState)
	t.mu.Unlock()
}
