/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics carries the coordinator's monotonic counters and gauges.
// Every counter is mirrored to Prometheus and into an atomic snapshot that
// feeds the periodic self-report on the health stream.
package metrics

import (
	"math"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coordinator"

// Metrics is safe for concurrent use; counters are monotonic.
type Metrics struct {
	opportunitiesSeen    atomic.Int64
	executionsForwarded  atomic.Int64
	successfulExecutions atomic.Int64
	failedExecutions     atomic.Int64
	totalProfit          atomicFloat
	swapEvents           atomic.Int64
	volumeUSD            atomicFloat
	aggregatesProcessed  atomic.Int64
	priceUpdates         atomic.Int64
	whaleAlerts          atomic.Int64
	streamRecoveries     atomic.Int64
	staleLockRecoveries  atomic.Int64
	dlqWrites            atomic.Int64
	rateLimited          atomic.Int64

	systemHealth         atomicFloat
	activeServices       atomic.Int64
	pendingOpportunities atomic.Int64
	activePairs          atomic.Int64
	averageLatencyMs     atomicFloat
	averageMemory        atomicFloat

	promCounters map[string]prometheus.Counter
	promGauges   map[string]prometheus.Gauge
}

// Snapshot is a point-in-time copy of all metrics, shaped for the
// coordinator's self-report envelope.
type Snapshot struct {
	OpportunitiesSeen    int64   `json:"opportunitiesSeen"`
	ExecutionsForwarded  int64   `json:"executionsForwarded"`
	SuccessfulExecutions int64   `json:"successfulExecutions"`
	FailedExecutions     int64   `json:"failedExecutions"`
	TotalProfit          float64 `json:"totalProfit"`
	SwapEvents           int64   `json:"swapEvents"`
	VolumeUSD            float64 `json:"volumeUsd"`
	AggregatesProcessed  int64   `json:"aggregatesProcessed"`
	PriceUpdates         int64   `json:"priceUpdates"`
	WhaleAlerts          int64   `json:"whaleAlerts"`
	StreamRecoveries     int64   `json:"streamRecoveries"`
	StaleLockRecoveries  int64   `json:"staleLockRecoveries"`
	DLQWrites            int64   `json:"dlqWrites"`
	RateLimited          int64   `json:"rateLimited"`
	SystemHealth         float64 `json:"systemHealth"`
	ActiveServices       int64   `json:"activeServices"`
	PendingOpportunities int64   `json:"pendingOpportunities"`
	ActivePairs          int64   `json:"activePairsTracked"`
	AverageLatencyMs     float64 `json:"averageLatency"`
	AverageMemory        float64 `json:"averageMemory"`
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		promCounters: map[string]prometheus.Counter{},
		promGauges:   map[string]prometheus.Gauge{},
	}
	counters := []string{
		"opportunities_seen_total",
		"executions_forwarded_total",
		"executions_successful_total",
		"executions_failed_total",
		"profit_usd_total",
		"swap_events_total",
		"volume_usd_total",
		"aggregates_processed_total",
		"price_updates_total",
		"whale_alerts_total",
		"stream_recoveries_total",
		"stale_lock_recoveries_total",
		"dlq_writes_total",
		"rate_limited_total",
	}
	for _, name := range counters {
		c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name})
		m.promCounters[name] = c
		reg.MustRegister(c)
	}
	gauges := []string{
		"system_health_percent",
		"active_services",
		"pending_opportunities",
		"active_pairs_tracked",
		"average_latency_ms",
		"average_memory_bytes",
	}
	for _, name := range gauges {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name})
		m.promGauges[name] = g
		reg.MustRegister(g)
	}
	return m
}

func (m *Metrics) count(name string, v float64) {
	if c, ok := m.promCounters[name]; ok {
		c.Add(v)
	}
}

func (m *Metrics) gauge(name string, v float64) {
	if g, ok := m.promGauges[name]; ok {
		g.Set(v)
	}
}

func (m *Metrics) OpportunitySeen() {
	m.opportunitiesSeen.Add(1)
	m.count("opportunities_seen_total", 1)
}

func (m *Metrics) ExecutionForwarded() {
	m.executionsForwarded.Add(1)
	m.count("executions_forwarded_total", 1)
}

// ExecutionResult records a completed execution; negative profit is clamped
// to zero before accumulating.
func (m *Metrics) ExecutionResult(success bool, profit float64) {
	if success {
		m.successfulExecutions.Add(1)
		m.count("executions_successful_total", 1)
		if profit < 0 {
			profit = 0
		}
		m.totalProfit.Add(profit)
		m.count("profit_usd_total", profit)
		return
	}
	m.failedExecutions.Add(1)
	m.count("executions_failed_total", 1)
}

func (m *Metrics) SwapEvent(volumeUSD float64) {
	m.swapEvents.Add(1)
	m.count("swap_events_total", 1)
	if volumeUSD > 0 {
		m.volumeUSD.Add(volumeUSD)
		m.count("volume_usd_total", volumeUSD)
	}
}

func (m *Metrics) AggregateProcessed() {
	m.aggregatesProcessed.Add(1)
	m.count("aggregates_processed_total", 1)
}

func (m *Metrics) PriceUpdate() {
	m.priceUpdates.Add(1)
	m.count("price_updates_total", 1)
}

func (m *Metrics) WhaleAlert() {
	m.whaleAlerts.Add(1)
	m.count("whale_alerts_total", 1)
}

func (m *Metrics) StreamRecovered() {
	m.streamRecoveries.Add(1)
	m.count("stream_recoveries_total", 1)
}

func (m *Metrics) StaleLockRecovered() {
	m.staleLockRecoveries.Add(1)
	m.count("stale_lock_recoveries_total", 1)
}

func (m *Metrics) DLQWrite() {
	m.dlqWrites.Add(1)
	m.count("dlq_writes_total", 1)
}

func (m *Metrics) RateLimited() {
	m.rateLimited.Add(1)
	m.count("rate_limited_total", 1)
}

// SetHealthGauges publishes the aggregated health pass.
func (m *Metrics) SetHealthGauges(systemHealth float64, activeServices int64, avgLatencyMs, avgMemory float64) {
	m.systemHealth.Store(systemHealth)
	m.activeServices.Store(activeServices)
	m.averageLatencyMs.Store(avgLatencyMs)
	m.averageMemory.Store(avgMemory)
	m.gauge("system_health_percent", systemHealth)
	m.gauge("active_services", float64(activeServices))
	m.gauge("average_latency_ms", avgLatencyMs)
	m.gauge("average_memory_bytes", avgMemory)
}

func (m *Metrics) SetPendingOpportunities(n int64) {
	m.pendingOpportunities.Store(n)
	m.gauge("pending_opportunities", float64(n))
}

func (m *Metrics) SetActivePairs(n int64) {
	m.activePairs.Store(n)
	m.gauge("active_pairs_tracked", float64(n))
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		OpportunitiesSeen:    m.opportunitiesSeen.Load(),
		ExecutionsForwarded:  m.executionsForwarded.Load(),
		SuccessfulExecutions: m.successfulExecutions.Load(),
		FailedExecutions:     m.failedExecutions.Load(),
		TotalProfit:          m.totalProfit.Load(),
		SwapEvents:           m.swapEvents.Load(),
		VolumeUSD:            m.volumeUSD.Load(),
		AggregatesProcessed:  m.aggregatesProcessed.Load(),
		PriceUpdates:         m.priceUpdates.Load(),
		WhaleAlerts:          m.whaleAlerts.Load(),
		StreamRecoveries:     m.streamRecoveries.Load(),
		StaleLockRecoveries:  m.staleLockRecoveries.Load(),
		DLQWrites:            m.dlqWrites.Load(),
		RateLimited:          m.rateLimited.Load(),
		SystemHealth:         m.systemHealth.Load(),
		ActiveServices:       m.activeServices.Load(),
		PendingOpportunities: m.pendingOpportunities.Load(),
		ActivePairs:          m.activePairs.Load(),
		AverageLatencyMs:     m.averageLatencyMs.Load(),
		AverageMemory:        m.averageMemory.Load(),
	}
}

// atomicFloat is a float64 with atomic add/load, stored as bits.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Add(v float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + v)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (f *atomicFloat) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

func (f *atomicFloat) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}
