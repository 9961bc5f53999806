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

// Package health aggregates per-service heartbeat records into fleet-wide
// metrics and a degradation tier, and raises alerts on unhealthy services
// once the startup grace period has passed.
package health

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/dexfleet/coordinator/pkg/alerts"
	"github.com/dexfleet/coordinator/pkg/envelope"
	"github.com/dexfleet/coordinator/pkg/metrics"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
	StatusStarting  = "starting"
	StatusStopping  = "stopping"
)

// Tier is the fleet degradation level derived from executor and detector
// health.
type Tier string

const (
	TierFullOperation  Tier = "FULL_OPERATION"
	TierReducedChains  Tier = "REDUCED_CHAINS"
	TierDetectionOnly  Tier = "DETECTION_ONLY"
	TierReadOnly       Tier = "READ_ONLY"
	TierCompleteOutage Tier = "COMPLETE_OUTAGE"
)

const lowHealthThreshold = 80.0

// Record is the latest observed state of one fleet service.
type Record struct {
	Name                string  `json:"name"`
	Status              string  `json:"status"`
	Uptime              float64 `json:"uptime"`
	MemoryUsage         float64 `json:"memoryUsage"`
	CPUUsage            float64 `json:"cpuUsage"`
	LatencyMs           float64 `json:"latencyMs"`
	HasLatency          bool    `json:"-"`
	LastHeartbeat       int64   `json:"lastHeartbeat"`
	ConsecutiveFailures int64   `json:"consecutiveFailures"`
	RestartCount        int64   `json:"restartCount"`
}

// CoerceStatus maps unrecognized status strings to unhealthy.
func CoerceStatus(s string) string {
	switch s {
	case StatusHealthy, StatusUnhealthy, StatusDegraded, StatusStarting, StatusStopping:
		return s
	default:
		return StatusUnhealthy
	}
}

type Config struct {
	ExecutorService   string
	DetectorSubstring string
	StartupGrace      time.Duration

	// LegacyPolling treats services whose last heartbeat is older than
	// LegacyStaleAfter as unhealthy, covering fleets with services that
	// only report while alive and never publish a terminal status.
	LegacyPolling    bool
	LegacyStaleAfter time.Duration
}

// Monitor holds the service-health map and the derived fleet state.
type Monitor struct {
	clk     clock.Clock
	log     *zap.SugaredLogger
	alerts  alerts.Recorder
	metrics *metrics.Metrics
	cfg     Config

	mu        sync.Mutex
	services  map[string]*Record
	tier      Tier
	startTime time.Time
}

func NewMonitor(clk clock.Clock, log *zap.SugaredLogger, recorder alerts.Recorder, m *metrics.Metrics, cfg Config) *Monitor {
	if cfg.ExecutorService == "" {
		cfg.ExecutorService = "EXECUTION_ENGINE"
	}
	if cfg.DetectorSubstring == "" {
		cfg.DetectorSubstring = "detector"
	}
	if cfg.LegacyStaleAfter <= 0 {
		cfg.LegacyStaleAfter = 30 * time.Second
	}
	return &Monitor{
		clk:       clk,
		log:       log.Named("health"),
		alerts:    recorder,
		metrics:   m,
		cfg:       cfg,
		services:  map[string]*Record{},
		tier:      TierCompleteOutage,
		startTime: clk.Now(),
	}
}

// HandleHealth ingests one service heartbeat. Accepts both "name" and
// "service" field names; the upsert is idempotent under duplicate delivery.
func (m *Monitor) HandleHealth(_ context.Context, payload map[string]any) error {
	name := envelope.Str(payload, "name", "service")
	if name == "" {
		return fmt.Errorf("health record missing service name")
	}
	rec := &Record{
		Name:                name,
		Status:              CoerceStatus(envelope.Str(payload, "status")),
		Uptime:              envelope.Float(payload, "uptime"),
		MemoryUsage:         envelope.Float(payload, "memoryUsage"),
		CPUUsage:            envelope.Float(payload, "cpuUsage"),
		LastHeartbeat:       m.clk.Now().UnixMilli(),
		ConsecutiveFailures: envelope.Int64(payload, "consecutiveFailures"),
		RestartCount:        envelope.Int64(payload, "restartCount"),
	}
	switch {
	case envelope.Has(payload, "latency"):
		rec.HasLatency = true
		rec.LatencyMs = envelope.Float(payload, "latency")
	case envelope.Has(payload, "latencyMs"):
		rec.HasLatency = true
		rec.LatencyMs = envelope.Float(payload, "latencyMs")
	}
	m.mu.Lock()
	m.services[name] = rec
	m.mu.Unlock()
	return nil
}

// Summary is the derived fleet state after one evaluation pass.
type Summary struct {
	SystemHealth   float64 `json:"systemHealth"`
	ActiveServices int     `json:"activeServices"`
	TotalServices  int     `json:"totalServices"`
	AverageMemory  float64 `json:"averageMemory"`
	AverageLatency float64 `json:"averageLatencyMs"`
	Tier           Tier    `json:"degradationLevel"`
}

// EvaluateTick recomputes fleet metrics and the degradation tier in a single
// pass, then runs the alert checker.
func (m *Monitor) EvaluateTick(ctx context.Context) Summary {
	now := m.clk.Now()
	nowMs := now.UnixMilli()

	m.mu.Lock()
	var healthy int
	var memorySum, latencySum float64
	healthByService := make(map[string]bool, len(m.services))
	type unhealthyService struct {
		name   string
		status string
	}
	var unhealthy []unhealthyService
	for name, rec := range m.services {
		status := rec.Status
		if m.cfg.LegacyPolling && status == StatusHealthy && nowMs-rec.LastHeartbeat > m.cfg.LegacyStaleAfter.Milliseconds() {
			// Silent legacy services never report their own death.
			status = StatusUnhealthy
		}
		ok := status == StatusHealthy
		healthByService[name] = ok
		if ok {
			healthy++
		}
		memorySum += rec.MemoryUsage
		if rec.HasLatency {
			latencySum += rec.LatencyMs
		} else {
			latencySum += float64(nowMs - rec.LastHeartbeat)
		}
		if status != StatusHealthy && status != StatusStarting && status != StatusStopping {
			unhealthy = append(unhealthy, unhealthyService{name: name, status: status})
		}
	}
	total := len(m.services)
	summary := Summary{
		ActiveServices: healthy,
		TotalServices:  total,
	}
	divisor := total
	if divisor == 0 {
		divisor = 1
	}
	summary.SystemHealth = float64(healthy) / float64(divisor) * 100
	if total > 0 {
		summary.AverageMemory = memorySum / float64(total)
		summary.AverageLatency = latencySum / float64(total)
	}
	summary.Tier = ComputeTier(healthByService, summary.SystemHealth, m.cfg.ExecutorService, m.cfg.DetectorSubstring)
	previous := m.tier
	m.tier = summary.Tier
	startTime := m.startTime
	m.mu.Unlock()

	m.metrics.SetHealthGauges(summary.SystemHealth, int64(summary.ActiveServices), summary.AverageLatency, summary.AverageMemory)
	if previous != summary.Tier {
		m.log.Warnw("degradation level changed", "previous", previous, "current", summary.Tier)
	}

	inGrace := now.Sub(startTime) < m.cfg.StartupGrace
	if inGrace {
		if total >= 3 && summary.SystemHealth < lowHealthThreshold {
			m.publishLowHealth(ctx, summary)
		}
		return summary
	}
	for _, svc := range unhealthy {
		m.alerts.Publish(ctx, alerts.Alert{
			Type:     alerts.TypeServiceUnhealthy,
			Severity: alerts.SeverityHigh,
			Service:  svc.name,
			Message:  fmt.Sprintf("service %s reported status %s", svc.name, svc.status),
			Details:  map[string]any{"status": svc.status},
		})
	}
	if summary.SystemHealth < lowHealthThreshold {
		m.publishLowHealth(ctx, summary)
	}
	return summary
}

func (m *Monitor) publishLowHealth(ctx context.Context, summary Summary) {
	m.alerts.Publish(ctx, alerts.Alert{
		Type:     alerts.TypeSystemHealthLow,
		Severity: alerts.SeverityCritical,
		Message:  fmt.Sprintf("system health at %.1f%% (%d/%d services healthy)", summary.SystemHealth, summary.ActiveServices, summary.TotalServices),
		Details:  map[string]any{"systemHealth": summary.SystemHealth, "activeServices": summary.ActiveServices},
	})
}

// ComputeTier derives the degradation tier from per-service health. It is a
// pure function of its inputs.
func ComputeTier(healthByService map[string]bool, systemHealth float64, executorService, detectorSubstring string) Tier {
	if len(healthByService) == 0 || systemHealth == 0 {
		return TierCompleteOutage
	}
	executorHealthy := healthByService[executorService]
	var detectors, healthyDetectors int
	for name, ok := range healthByService {
		if strings.Contains(name, detectorSubstring) {
			detectors++
			if ok {
				healthyDetectors++
			}
		}
	}
	switch {
	case executorHealthy && healthyDetectors == detectors:
		return TierFullOperation
	case executorHealthy && healthyDetectors > 0:
		return TierReducedChains
	case healthyDetectors > 0:
		return TierDetectionOnly
	default:
		return TierReadOnly
	}
}

// Tier returns the current degradation tier.
func (m *Monitor) Tier() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

// Snapshot returns a defensive copy of the service map.
func (m *Monitor) Snapshot() map[string]Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Record, len(m.services))
	for name, rec := range m.services {
		out[name] = *rec
	}
	return out
}

// Clear drops all service records. Used on shutdown.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = map[string]*Record{}
	m.tier = TierCompleteOutage
}
