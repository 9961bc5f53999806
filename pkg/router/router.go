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

// Package router triages incoming arbitrage opportunities and forwards at
// most one execution request per opportunity. The in-memory store is bounded;
// expiry and eviction happen only on the periodic cleanup tick, never on the
// per-message path.
package router

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/dexfleet/coordinator/pkg/alerts"
	"github.com/dexfleet/coordinator/pkg/broker"
	"github.com/dexfleet/coordinator/pkg/envelope"
	"github.com/dexfleet/coordinator/pkg/metrics"
)

const (
	duplicateWindow  = 5 * time.Second
	minProfitPercent = -100
	maxProfitPercent = 10000

	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Config struct {
	ExecutionStream  string
	InstanceID       string
	MaxOpportunities int
	TTL              time.Duration
	BreakerThreshold uint32
	BreakerReset     time.Duration
}

// LeaderChecker gates forwarding to the single elected coordinator.
type LeaderChecker interface {
	IsLeader() bool
}

// Router owns the opportunity store and the forwarding path.
type Router struct {
	streams broker.Streams
	leader  LeaderChecker
	clk     clock.Clock
	log     *zap.SugaredLogger
	alerts  alerts.Recorder
	metrics *metrics.Metrics
	cfg     Config
	breaker *gobreaker.CircuitBreaker

	mu            sync.Mutex
	opportunities map[string]*Opportunity
}

func NewRouter(streams broker.Streams, leader LeaderChecker, clk clock.Clock, log *zap.SugaredLogger, recorder alerts.Recorder, m *metrics.Metrics, cfg Config) *Router {
	r := &Router{
		streams:       streams,
		leader:        leader,
		clk:           clk,
		log:           log.Named("router"),
		alerts:        recorder,
		metrics:       m,
		cfg:           cfg,
		opportunities: map[string]*Opportunity{},
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "execution-forward",
		MaxRequests: 1,
		Timeout:     cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warnw("execution circuit state change", "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				r.alerts.Publish(context.Background(), alerts.Alert{
					Type:     alerts.TypeExecutionCircuitOpen,
					Severity: alerts.SeverityCritical,
					Message:  "execution forwarding circuit opened after consecutive failures",
					Details:  map[string]any{"breaker": name},
				})
			}
		},
	})
	return r
}

// HandleOpportunity validates, dedupes and stores one opportunity, then
// forwards it when this instance is leader and the opportunity is actionable.
func (r *Router) HandleOpportunity(ctx context.Context, payload map[string]any) error {
	opp, err := ParseOpportunity(payload)
	if err != nil {
		return err
	}
	r.metrics.OpportunitySeen()

	r.mu.Lock()
	if existing, ok := r.opportunities[opp.ID]; ok {
		delta := opp.Timestamp - existing.Timestamp
		if delta < 0 {
			delta = -delta
		}
		if time.Duration(delta)*time.Millisecond < duplicateWindow {
			r.mu.Unlock()
			r.log.Debugw("dropping duplicate opportunity", "id", opp.ID, "deltaMs", delta)
			return nil
		}
	}
	if p := opp.ProfitPercentage; p != nil && (*p < minProfitPercent || *p > maxProfitPercent) {
		r.mu.Unlock()
		r.log.Debugw("dropping opportunity with out-of-range profit", "id", opp.ID, "profitPercentage", *p)
		return nil
	}
	r.opportunities[opp.ID] = opp
	size := len(r.opportunities)
	// Snapshot before unlocking: once in the map, the record may only be
	// touched under the lock (execution results mutate its status).
	wire := *opp
	r.mu.Unlock()
	r.metrics.SetPendingOpportunities(int64(size))

	if r.leader.IsLeader() && (wire.Status == "" || wire.Status == StatusPending) {
		r.forward(ctx, &wire)
	}
	return nil
}

// forward operates on a private copy of the opportunity; the map-resident
// record stays lock-protected.
func (r *Router) forward(ctx context.Context, opp *Opportunity) {
	_, err := r.breaker.Execute(func() (any, error) {
		opp.ForwardedBy = r.cfg.InstanceID
		opp.ForwardedAt = r.clk.Now().UnixMilli()
		_, appendErr := r.streams.Append(ctx, r.cfg.ExecutionStream, opp.Serialize())
		return nil, appendErr
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		r.log.Debugw("skipping forward, execution circuit open", "id", opp.ID)
	case err != nil:
		r.log.Warnf("forwarding opportunity %s, %v", opp.ID, err)
	default:
		r.metrics.ExecutionForwarded()
		r.log.Debugw("forwarded opportunity", "id", opp.ID, "chain", opp.Chain)
	}
}

// HandleExecutionResult records the downstream outcome for a forwarded
// opportunity. Negative realized profit is clamped to zero before adding.
func (r *Router) HandleExecutionResult(_ context.Context, payload map[string]any) error {
	id := envelope.Str(payload, "opportunityId")
	success := envelope.Bool(payload, "success")
	profit := envelope.Float(payload, "actualProfit")
	if profit < 0 {
		profit = 0
	}
	r.metrics.ExecutionResult(success, profit)

	r.mu.Lock()
	defer r.mu.Unlock()
	if opp, ok := r.opportunities[id]; ok {
		if success {
			opp.Status = StatusCompleted
		} else {
			opp.Status = StatusFailed
		}
	}
	return nil
}

// CleanupTick expires and, if needed, evicts opportunities. Expired ids are
// collected first and deleted second so concurrent inserts between the two
// phases are never evaluated against a stale snapshot. When the store still
// exceeds the bound, the oldest entries by timestamp go first, ties broken by
// lexicographic id order.
func (r *Router) CleanupTick() {
	now := r.clk.Now().UnixMilli()
	ttlMs := r.cfg.TTL.Milliseconds()

	r.mu.Lock()
	expired := make([]string, 0)
	for id, opp := range r.opportunities {
		if (opp.ExpiresAt != nil && *opp.ExpiresAt < now) || now-opp.Timestamp > ttlMs {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.opportunities, id)
	}

	var evicted int
	if excess := len(r.opportunities) - r.cfg.MaxOpportunities; excess > 0 {
		type aged struct {
			id string
			ts int64
		}
		all := make([]aged, 0, len(r.opportunities))
		for id, opp := range r.opportunities {
			all = append(all, aged{id: id, ts: opp.Timestamp})
		}
		sort.Slice(all, func(i, j int) bool {
			if all[i].ts != all[j].ts {
				return all[i].ts < all[j].ts
			}
			return all[i].id < all[j].id
		})
		for _, a := range all[:excess] {
			delete(r.opportunities, a.id)
		}
		evicted = excess
	}
	size := len(r.opportunities)
	r.mu.Unlock()

	r.metrics.SetPendingOpportunities(int64(size))
	if len(expired) > 0 || evicted > 0 {
		r.log.Debugw("opportunity cleanup", "expired", len(expired), "evicted", evicted, "remaining", size)
	}
}

// Size reports the current store size.
func (r *Router) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opportunities)
}

// Get returns a copy of the stored opportunity for id, if present.
func (r *Router) Get(id string) (Opportunity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if opp, ok := r.opportunities[id]; ok {
		return *opp, true
	}
	return Opportunity{}, false
}

// Clear drops every stored opportunity. Used on shutdown.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opportunities = map[string]*Opportunity{}
}
