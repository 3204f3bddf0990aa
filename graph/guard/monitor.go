package guard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

const (
	// maxCompletedMetrics bounds the completed-operation ring.
	maxCompletedMetrics = 4096

	// maxPerNodeMetrics bounds the per-node metric lists. When a list
	// fills, the oldest half is evicted in one chunk to amortize the
	// copy.
	maxPerNodeMetrics = 256

	// maxCustomMetrics bounds the free-form metric stream.
	maxCustomMetrics = 4096

	// maxSnapshots caps retained periodic snapshots.
	maxSnapshots = 100
)

// Metric is a free-form named measurement recorded via RecordMetric.
type Metric struct {
	Name  string
	Value float64
	Unit  string
	At    time.Time
}

// OperationMetric records one completed tracked operation.
type OperationMetric struct {
	Name     string
	Duration time.Duration
	At       time.Time
}

// NodeMetric records one node evaluation outcome.
type NodeMetric struct {
	NodeID   string
	Duration time.Duration
	Success  bool
	At       time.Time
}

// Snapshot is a point-in-time view of the monitor's aggregates.
type Snapshot struct {
	At              time.Time
	ActiveOps       int
	CompletedOps    int
	CacheHits       int64
	CacheMisses     int64
	NodeEvaluations int64
	NodeFailures    int64
	CPUPercent      float64
}

// Report is the aggregate produced by PerformanceMonitor.Report.
type Report struct {
	// P50, P95 and P99 are percentiles over completed operation
	// durations.
	P50, P95, P99 time.Duration

	// CacheHitRate is hits / (hits + misses), 0 when no lookups
	// happened.
	CacheHitRate float64

	// ThroughputOpsPerSec is completed operations divided by the
	// monitor's lifetime.
	ThroughputOpsPerSec float64

	// EstimatedCPUReduction is the advisory fraction of CPU work avoided
	// through caching and incremental evaluation. Not a correctness
	// figure.
	EstimatedCPUReduction float64

	// Recommendation is a human-readable tuning hint derived from the
	// aggregates.
	Recommendation string
}

// CPUReduction is the advisory output of CPUReductionAnalysis.
type CPUReduction struct {
	CacheHitRate        float64
	IncrementalFraction float64
	EstimatedReduction  float64
}

// PerformanceMonitor owns the metric streams for one execution context:
// the in-flight operation map, a bounded completed ring, bounded per-node
// metric lists, cache counters, and optional periodic snapshots.
//
// All methods are safe for concurrent use.
type PerformanceMonitor struct {
	mu sync.Mutex

	startedAt time.Time
	active    map[string]int
	completed []OperationMetric
	perNode   map[string][]NodeMetric
	custom    []Metric
	snapshots []Snapshot

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	nodeEvals   atomic.Int64
	nodeFails   atomic.Int64

	// incrementalRuns and fullRuns feed the CPU reduction estimate.
	incrementalRuns atomic.Int64
	fullRuns        atomic.Int64

	snapshotCancel context.CancelFunc
}

// NewPerformanceMonitor returns an empty monitor with its lifetime clock
// started.
func NewPerformanceMonitor() *PerformanceMonitor {
	return &PerformanceMonitor{
		startedAt: time.Now(),
		active:    make(map[string]int),
		perNode:   make(map[string][]NodeMetric),
	}
}

func (m *PerformanceMonitor) operationStarted(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[name]++
}

func (m *PerformanceMonitor) operationEnded(name string, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[name] > 1 {
		m.active[name]--
	} else {
		delete(m.active, name)
	}
	m.completed = append(m.completed, OperationMetric{Name: name, Duration: took, At: time.Now()})
	if len(m.completed) > maxCompletedMetrics {
		m.completed = m.completed[len(m.completed)-maxCompletedMetrics:]
	}
}

// RecordMetric appends a free-form measurement to the bounded metric
// stream.
func (m *PerformanceMonitor) RecordMetric(name string, value float64, unit string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.custom = append(m.custom, Metric{Name: name, Value: value, Unit: unit, At: time.Now()})
	if len(m.custom) > maxCustomMetrics {
		m.custom = m.custom[len(m.custom)-maxCustomMetrics:]
	}
}

// RecordCacheHit increments the cache hit counter.
func (m *PerformanceMonitor) RecordCacheHit() { m.cacheHits.Add(1) }

// RecordCacheMiss increments the cache miss counter.
func (m *PerformanceMonitor) RecordCacheMiss() { m.cacheMisses.Add(1) }

// RecordIncrementalRun notes that a top-level evaluation ran the
// incremental strategy. Feeds the CPU reduction estimate.
func (m *PerformanceMonitor) RecordIncrementalRun() { m.incrementalRuns.Add(1) }

// RecordFullRun notes that a top-level evaluation ran the full strategy.
func (m *PerformanceMonitor) RecordFullRun() { m.fullRuns.Add(1) }

// RecordNodeEvaluation appends one node outcome to the node's bounded
// metric list. When a list exceeds its bound the oldest half is dropped.
func (m *PerformanceMonitor) RecordNodeEvaluation(nodeID string, took time.Duration, success bool) {
	m.nodeEvals.Add(1)
	if !success {
		m.nodeFails.Add(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.perNode[nodeID], NodeMetric{NodeID: nodeID, Duration: took, Success: success, At: time.Now()})
	if len(list) > maxPerNodeMetrics {
		list = list[len(list)/2:]
	}
	m.perNode[nodeID] = list
}

// NodeMetrics returns a copy of the recorded metrics for one node.
func (m *PerformanceMonitor) NodeMetrics(nodeID string) []NodeMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeMetric, len(m.perNode[nodeID]))
	copy(out, m.perNode[nodeID])
	return out
}

// CacheHitRate returns hits / (hits + misses), or 0 with no lookups.
func (m *PerformanceMonitor) CacheHitRate() float64 {
	hits := m.cacheHits.Load()
	total := hits + m.cacheMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// SampleCPU reads the host's current CPU utilization. Returns the percent
// and whether it exceeds the configured target.
func (m *PerformanceMonitor) SampleCPU(maxPercent float64) (float64, bool, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, false, err
	}
	p := percents[0]
	return p, maxPercent > 0 && p > maxPercent, nil
}

// Snapshot returns a point-in-time view of the monitor's aggregates and
// retains it in the bounded snapshot list.
func (m *PerformanceMonitor) Snapshot() Snapshot {
	cpuPercent, _, _ := m.SampleCPU(0)

	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, n := range m.active {
		active += n
	}
	snap := Snapshot{
		At:              time.Now(),
		ActiveOps:       active,
		CompletedOps:    len(m.completed),
		CacheHits:       m.cacheHits.Load(),
		CacheMisses:     m.cacheMisses.Load(),
		NodeEvaluations: m.nodeEvals.Load(),
		NodeFailures:    m.nodeFails.Load(),
		CPUPercent:      cpuPercent,
	}
	m.snapshots = append(m.snapshots, snap)
	if len(m.snapshots) > maxSnapshots {
		m.snapshots = m.snapshots[len(m.snapshots)-maxSnapshots:]
	}
	return snap
}

// Snapshots returns a copy of the retained snapshots.
func (m *PerformanceMonitor) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}

// StartPeriodicSnapshots launches a background goroutine taking a snapshot
// every interval until ctx is done or StopPeriodicSnapshots runs. At most
// maxSnapshots snapshots are retained.
func (m *PerformanceMonitor) StartPeriodicSnapshots(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.snapshotCancel != nil {
		m.snapshotCancel()
	}
	m.snapshotCancel = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Snapshot()
			}
		}
	}()
}

// StopPeriodicSnapshots stops the background snapshot goroutine if one is
// running.
func (m *PerformanceMonitor) StopPeriodicSnapshots() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotCancel != nil {
		m.snapshotCancel()
		m.snapshotCancel = nil
	}
}

// CPUReductionAnalysis estimates the fraction of CPU work avoided through
// caching and incremental evaluation. The figure is advisory.
func (m *PerformanceMonitor) CPUReductionAnalysis() CPUReduction {
	hitRate := m.CacheHitRate()
	inc := m.incrementalRuns.Load()
	full := m.fullRuns.Load()
	var incFraction float64
	if inc+full > 0 {
		incFraction = float64(inc) / float64(inc+full)
	}
	reduction := hitRate*0.8 + incFraction*0.15
	if reduction > 0.95 {
		reduction = 0.95
	}
	return CPUReduction{
		CacheHitRate:        hitRate,
		IncrementalFraction: incFraction,
		EstimatedReduction:  reduction,
	}
}

// Report aggregates the completed-operation durations into percentiles,
// cache hit rate, throughput and the advisory CPU reduction estimate.
func (m *PerformanceMonitor) Report() Report {
	m.mu.Lock()
	durations := make([]time.Duration, len(m.completed))
	for i, om := range m.completed {
		durations[i] = om.Duration
	}
	lifetime := time.Since(m.startedAt)
	m.mu.Unlock()

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	r := Report{
		P50:          percentile(durations, 0.50),
		P95:          percentile(durations, 0.95),
		P99:          percentile(durations, 0.99),
		CacheHitRate: m.CacheHitRate(),
	}
	if lifetime > 0 {
		r.ThroughputOpsPerSec = float64(len(durations)) / lifetime.Seconds()
	}
	r.EstimatedCPUReduction = m.CPUReductionAnalysis().EstimatedReduction
	r.Recommendation = recommend(r)
	return r
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func recommend(r Report) string {
	switch {
	case r.CacheHitRate < 0.2 && r.P95 > 100*time.Millisecond:
		return "low cache hit rate with slow operations: check that node inputs are stable between frames"
	case r.CacheHitRate < 0.2:
		return "low cache hit rate: most evaluations recompute from scratch"
	case r.P99 > time.Second:
		return fmt.Sprintf("p99 latency is %v: consider splitting slow nodes or raising operation budgets", r.P99)
	default:
		return "evaluation pipeline is healthy"
	}
}
