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

// Package operator orchestrates the coordinator's lifecycle: it wires the
// components together, runs the periodic ticks, and enforces the ordered
// start and stop sequences behind a serialized state machine.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/dexfleet/coordinator/pkg/alerts"
	"github.com/dexfleet/coordinator/pkg/broker"
	"github.com/dexfleet/coordinator/pkg/consumer"
	"github.com/dexfleet/coordinator/pkg/envelope"
	"github.com/dexfleet/coordinator/pkg/health"
	"github.com/dexfleet/coordinator/pkg/leadership"
	"github.com/dexfleet/coordinator/pkg/metrics"
	"github.com/dexfleet/coordinator/pkg/operator/options"
	"github.com/dexfleet/coordinator/pkg/pairs"
	"github.com/dexfleet/coordinator/pkg/ratelimit"
	"github.com/dexfleet/coordinator/pkg/router"
	"github.com/dexfleet/coordinator/pkg/webserver"
)

// Streams consumed and produced by the coordinator.
const (
	StreamHealth            = "stream:health"
	StreamOpportunities     = "stream:opportunities"
	StreamWhaleAlerts       = "stream:whale-alerts"
	StreamSwapEvents        = "stream:swap-events"
	StreamVolumeAggregates  = "stream:volume-aggregates"
	StreamPriceUpdates      = "stream:price-updates"
	StreamExecutionResults  = "stream:execution-results"
	StreamExecutionRequests = "stream:execution-requests"
)

const (
	metricsInterval        = 5 * time.Second
	generalCleanupInterval = 10 * time.Second
	closeTimeout           = 5 * time.Second
)

type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateError    State = "ERROR"
)

// Dependencies is the injected wiring for an Operator. Tests substitute a
// fake broker and clock.
type Dependencies struct {
	Broker   broker.Broker
	Clock    clock.WithTicker
	Logger   *zap.SugaredLogger
	Registry *prometheus.Registry
	Alerts   alerts.Recorder
	Options  *options.Options
}

// Operator owns every coordinator component and their lifecycles.
type Operator struct {
	deps    Dependencies
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	elector   *leadership.Elector
	router    *router.Router
	monitor   *health.Monitor
	consumers *consumer.Manager
	limiter   *ratelimit.Limiter
	pairs     *pairs.Tracker
	server    *webserver.Server

	lifecycleMu sync.Mutex
	stateMu     sync.RWMutex
	state       State
	startTime   time.Time

	intervalCancel context.CancelFunc
	intervalWG     sync.WaitGroup
}

func NewOperator(deps Dependencies) *Operator {
	opts := deps.Options
	log := deps.Logger.Named("operator")
	m := metrics.NewMetrics(deps.Registry)

	o := &Operator{
		deps:    deps,
		log:     log,
		metrics: m,
		state:   StateStopped,
	}
	o.elector = leadership.NewElector(deps.Broker, deps.Clock, deps.Logger, deps.Alerts, m, leadership.Config{
		LockKey:           opts.LockKey,
		InstanceID:        instanceID(opts),
		TTL:               opts.LockTTL,
		HeartbeatInterval: opts.HeartbeatInterval,
		Standby:           opts.IsStandby,
		CanBecomeLeader:   opts.CanBecomeLeader,
	})
	o.router = router.NewRouter(deps.Broker, o.elector, deps.Clock, deps.Logger, deps.Alerts, m, router.Config{
		ExecutionStream:  StreamExecutionRequests,
		InstanceID:       instanceID(opts),
		MaxOpportunities: opts.MaxOpportunities,
		TTL:              opts.OpportunityTTL,
		BreakerThreshold: uint32(opts.BreakerThreshold),
		BreakerReset:     opts.BreakerReset,
	})
	o.monitor = health.NewMonitor(deps.Clock, deps.Logger, deps.Alerts, m, health.Config{
		StartupGrace:  opts.StartupGrace,
		LegacyPolling: opts.EnableLegacyHealthPolling,
	})
	o.limiter = ratelimit.NewLimiter(deps.Clock, opts.RateLimitMaxTokens, opts.RateLimitRefill)
	o.pairs = pairs.NewTracker(opts.PairTTL)
	o.consumers = consumer.NewManager(deps.Broker, o.limiter, deps.Clock, deps.Logger, deps.Alerts, m, consumer.Config{
		Group:               opts.ConsumerGroup,
		ConsumerID:          opts.ConsumerID,
		ServiceName:         "coordinator",
		DLQStream:           opts.DLQStream,
		OrphanIdleThreshold: opts.OrphanIdleThreshold,
		MaxErrors:           opts.MaxStreamErrors,
	})
	o.registerHandlers()
	o.server = webserver.NewServer(opts.Port, deps.Logger, deps.Registry, o.Ready, o.Status)
	return o
}

func instanceID(opts *options.Options) string {
	if opts.RegionID == "" {
		return opts.ConsumerID
	}
	return fmt.Sprintf("%s-%s", opts.RegionID, opts.ConsumerID)
}

func (o *Operator) registerHandlers() {
	o.consumers.Register(StreamHealth, o.monitor.HandleHealth)
	o.consumers.Register(StreamOpportunities, o.router.HandleOpportunity)
	o.consumers.Register(StreamExecutionResults, o.router.HandleExecutionResult)
	o.consumers.Register(StreamWhaleAlerts, o.handleWhaleAlert)
	o.consumers.Register(StreamSwapEvents, o.handleSwapEvent)
	o.consumers.Register(StreamVolumeAggregates, o.handleVolumeAggregate)
	o.consumers.Register(StreamPriceUpdates, o.handlePriceUpdate)
}

func (o *Operator) handleWhaleAlert(ctx context.Context, payload map[string]any) error {
	address := envelope.Str(payload, "address")
	if address == "" {
		return fmt.Errorf("whale alert missing address")
	}
	o.metrics.WhaleAlert()
	o.deps.Alerts.Publish(ctx, alerts.Alert{
		Type:     alerts.TypeWhaleAlert,
		Severity: alerts.SeverityHigh,
		Message:  fmt.Sprintf("whale movement on %s", envelope.Str(payload, "chain")),
		Details: map[string]any{
			"address":   address,
			"usdValue":  envelope.Float(payload, "usdValue"),
			"direction": envelope.Str(payload, "direction"),
			"chain":     envelope.Str(payload, "chain"),
			"dex":       envelope.Str(payload, "dex"),
		},
	})
	return nil
}

func (o *Operator) handleSwapEvent(_ context.Context, payload map[string]any) error {
	o.metrics.SwapEvent(envelope.Float(payload, "usdValue"))
	o.pairs.Touch(envelope.Str(payload, "pairAddress"), envelope.Str(payload, "chain"), envelope.Str(payload, "dex"))
	return nil
}

func (o *Operator) handleVolumeAggregate(_ context.Context, payload map[string]any) error {
	o.metrics.AggregateProcessed()
	o.pairs.Touch(envelope.Str(payload, "pairAddress"), envelope.Str(payload, "chain"), envelope.Str(payload, "dex"))
	return nil
}

func (o *Operator) handlePriceUpdate(_ context.Context, payload map[string]any) error {
	o.metrics.PriceUpdate()
	o.pairs.Touch(envelope.Str(payload, "pairKey"), envelope.Str(payload, "chain"), envelope.Str(payload, "dex"))
	return nil
}

// Start runs the ordered start sequence. It is serialized against Stop and
// legal only from STOPPED or ERROR. A mid-sequence failure unwinds whatever
// came up and leaves the operator in ERROR.
func (o *Operator) Start(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	switch o.getState() {
	case StateStopped, StateError:
	default:
		return fmt.Errorf("cannot start from state %s", o.getState())
	}
	o.setState(StateStarting)
	o.startTime = o.deps.Clock.Now()

	if err := o.consumers.Start(ctx); err != nil {
		o.setState(StateError)
		return fmt.Errorf("starting stream consumers, %w", err)
	}
	// Leadership is settled before any reader runs, so opportunities read
	// from a backlog are forwarded rather than silently parked.
	o.elector.Start(ctx)
	o.consumers.StartReaders(ctx)
	o.startIntervals(ctx)
	if err := o.server.Start(ctx); err != nil {
		o.unwind(ctx)
		o.setState(StateError)
		return fmt.Errorf("starting http server, %w", err)
	}
	o.setState(StateRunning)
	o.log.Infow("coordinator started", "consumerId", o.deps.Options.ConsumerID, "standby", o.deps.Options.IsStandby)
	return nil
}

// Stop runs the ordered stop sequence: release leadership, cancel intervals,
// drain readers, close the http listener, close the broker, clear state.
func (o *Operator) Stop(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	switch o.getState() {
	case StateRunning, StateStarting, StateError:
	default:
		return nil
	}
	o.setState(StateStopping)

	var errs error
	o.elector.Stop(ctx)
	o.stopIntervals()
	if err := o.consumers.Stop(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("stopping consumers, %w", err))
	}
	if err := o.server.Shutdown(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := o.deps.Broker.Close(closeCtx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("closing broker, %w", err))
	}
	o.router.Clear()
	o.monitor.Clear()
	o.pairs.Clear()
	o.setState(StateStopped)
	o.log.Infow("coordinator stopped")
	return errs
}

func (o *Operator) startIntervals(ctx context.Context) {
	intervalCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.intervalCancel = cancel
	o.runInterval(intervalCtx, metricsInterval, o.metricsTick)
	o.runInterval(intervalCtx, o.deps.Options.OpportunityCleanupInterval, func(context.Context) { o.router.CleanupTick() })
	o.runInterval(intervalCtx, generalCleanupInterval, o.generalCleanupTick)
}

func (o *Operator) stopIntervals() {
	if o.intervalCancel != nil {
		o.intervalCancel()
	}
	o.intervalWG.Wait()
}

func (o *Operator) runInterval(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	o.intervalWG.Add(1)
	go func() {
		defer o.intervalWG.Done()
		ticker := o.deps.Clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				fn(ctx)
			}
		}
	}()
}

// metricsTick re-evaluates fleet health and publishes the coordinator's own
// heartbeat to the health stream.
func (o *Operator) metricsTick(ctx context.Context) {
	o.monitor.EvaluateTick(ctx)
	o.selfReport(ctx)
}

func (o *Operator) generalCleanupTick(context.Context) {
	o.metrics.SetActivePairs(int64(o.pairs.Count()))
}

func (o *Operator) selfReport(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snapshot, err := json.Marshal(o.metrics.Snapshot())
	if err != nil {
		o.log.Warnf("marshaling metrics snapshot, %v", err)
		snapshot = []byte("{}")
	}
	fields := map[string]string{
		"name":        "coordinator",
		"service":     "coordinator",
		"status":      "healthy",
		"isLeader":    fmt.Sprint(o.elector.IsLeader()),
		"uptime":      fmt.Sprint(o.deps.Clock.Since(o.startTime).Seconds()),
		"memoryUsage": fmt.Sprint(mem.Alloc / 1024 / 1024),
		"cpuUsage":    "0",
		"timestamp":   fmt.Sprint(o.deps.Clock.Now().UnixMilli()),
		"metrics":     string(snapshot),
	}
	if _, err := o.deps.Broker.Append(ctx, StreamHealth, fields); err != nil {
		o.log.Debugf("publishing self health report, %v", err)
	}
}

// ActivateStandby promotes a standby instance to contend for leadership.
func (o *Operator) ActivateStandby(ctx context.Context) (bool, error) {
	return o.elector.ActivateStandby(ctx)
}

// Ready reports whether the operator reached RUNNING.
func (o *Operator) Ready() bool {
	return o.getState() == StateRunning
}

// Status is the /v1/status document.
func (o *Operator) Status() any {
	return map[string]any{
		"state":            o.getState(),
		"isLeader":         o.elector.IsLeader(),
		"uptimeSeconds":    o.deps.Clock.Since(o.startTime).Seconds(),
		"degradationLevel": o.monitor.Tier(),
		"services":         o.monitor.Snapshot(),
		"metrics":          o.metrics.Snapshot(),
		"activePairs":      o.pairs.Count(),
		"opportunities":    o.router.Size(),
	}
}

func (o *Operator) getState() State {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

func (o *Operator) setState(s State) {
	o.stateMu.Lock()
	o.state = s
	o.stateMu.Unlock()
}

// unwind tears down partially started subsystems after a start failure.
func (o *Operator) unwind(ctx context.Context) {
	o.elector.Stop(ctx)
	o.stopIntervals()
	if err := o.consumers.Stop(ctx); err != nil {
		o.log.Warnf("unwinding consumers, %v", err)
	}
}
