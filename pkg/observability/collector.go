package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

const maxPoints = 10000

type point struct {
	ts    time.Time
	value float64
}

// Collector stores counters and histograms as bounded, time-tagged
// sample lists and answers windowed queries for the dashboard.
type Collector struct {
	mu         sync.RWMutex
	counters   map[string][]point
	histograms map[string][]point
}

func NewCollector() *Collector {
	return &Collector{
		counters:   make(map[string][]point),
		histograms: make(map[string][]point),
	}
}

// Increment adds delta to a counter.
func (c *Collector) Increment(name string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] = appendBounded(c.counters[name], point{time.Now(), delta})
}

// Observe records one histogram sample.
func (c *Collector) Observe(name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.histograms[name] = appendBounded(c.histograms[name], point{time.Now(), value})
}

func appendBounded(points []point, p point) []point {
	points = append(points, p)
	if len(points) > maxPoints {
		points = points[len(points)-maxPoints:]
	}
	return points
}

// CounterTotal sums counter increments since the given time.
func (c *Collector) CounterTotal(name string, since time.Time) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := 0.0
	for _, p := range c.counters[name] {
		if !p.ts.Before(since) {
			total += p.value
		}
	}
	return total
}

// HistogramSummary summarises samples since the given time.
type HistogramSummary struct {
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
	Max   float64 `json:"max"`
}

func (c *Collector) Summary(name string, since time.Time) HistogramSummary {
	c.mu.RLock()
	samples := make([]float64, 0, len(c.histograms[name]))
	for _, p := range c.histograms[name] {
		if !p.ts.Before(since) {
			samples = append(samples, p.value)
		}
	}
	c.mu.RUnlock()

	if len(samples) == 0 {
		return HistogramSummary{}
	}

	sort.Float64s(samples)
	sum := 0.0
	for _, v := range samples {
		sum += v
	}

	return HistogramSummary{
		Count: len(samples),
		Avg:   sum / float64(len(samples)),
		P50:   percentile(samples, 0.50),
		P90:   percentile(samples, 0.90),
		P99:   percentile(samples, 0.99),
		Max:   samples[len(samples)-1],
	}
}

// percentile over sorted samples, nearest-rank.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// TimeSeriesPoint is one bucket of a bucketed counter query.
type TimeSeriesPoint struct {
	Bucket time.Time `json:"bucket"`
	Value  float64   `json:"value"`
}

// TimeSeries buckets counter increments since the given time.
func (c *Collector) TimeSeries(name string, since time.Time, interval time.Duration) []TimeSeriesPoint {
	if interval <= 0 {
		interval = time.Minute
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	buckets := make(map[int64]float64)
	for _, p := range c.counters[name] {
		if p.ts.Before(since) {
			continue
		}
		key := p.ts.Truncate(interval).Unix()
		buckets[key] += p.value
	}

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]TimeSeriesPoint, 0, len(keys))
	for _, k := range keys {
		out = append(out, TimeSeriesPoint{Bucket: time.Unix(k, 0), Value: buckets[k]})
	}
	return out
}

// Dashboard aggregates the standard AI metrics over a window.
func (c *Collector) Dashboard(since time.Time) map[string]any {
	return map[string]any{
		"ai_requests":   c.CounterTotal("ai_requests", since),
		"ai_errors":     c.CounterTotal("ai_errors", since),
		"tokens_used":   c.CounterTotal("tokens_used", since),
		"cost_cents":    c.CounterTotal("cost_cents", since),
		"tool_calls":    c.CounterTotal("tool_calls", since),
		"ai_latency_ms": c.Summary("ai_latency_ms", since),
	}
}
