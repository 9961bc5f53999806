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

// Package leadership elects a single coordinator instance through an owned
// lock in the broker KV. The lock value is the instance id; renewal and
// release are atomic compare-and-(extend|delete) operations so two instances
// can never both observe ownership.
package leadership

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/dexfleet/coordinator/pkg/alerts"
	"github.com/dexfleet/coordinator/pkg/broker"
	"github.com/dexfleet/coordinator/pkg/metrics"
)

const (
	maxRenewFailures = 3
	maxJitter        = 2 * time.Second
	minInterval      = time.Second
)

type Config struct {
	LockKey           string
	InstanceID        string
	TTL               time.Duration
	HeartbeatInterval time.Duration
	Standby           bool
	CanBecomeLeader   bool
}

// Elector maintains this instance's claim on the leader lock.
type Elector struct {
	kv      broker.KV
	clk     clock.Clock
	log     *zap.SugaredLogger
	alerts  alerts.Recorder
	metrics *metrics.Metrics
	cfg     Config

	isLeader     atomic.Bool
	isActivating atomic.Bool
	failures     atomic.Int32
	activation   singleflight.Group

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewElector(kv broker.KV, clk clock.Clock, log *zap.SugaredLogger, recorder alerts.Recorder, m *metrics.Metrics, cfg Config) *Elector {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.TTL / 3
	}
	return &Elector{
		kv:      kv,
		clk:     clk,
		log:     log.Named("leadership"),
		alerts:  recorder,
		metrics: m,
		cfg:     cfg,
	}
}

// Start performs the initial acquisition attempt and launches the heartbeat
// loop. Acquisition failures are not fatal; the loop keeps contending.
func (e *Elector) Start(ctx context.Context) {
	if _, err := e.tryAcquireLeadership(ctx); err != nil {
		e.log.Debugf("initial leadership attempt, %v", err)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.wg.Add(1)
	go e.heartbeatLoop(loopCtx)
}

// Stop halts the heartbeat loop and, when leader, releases the lock. A false
// release (lock already expired or taken over) is not an error.
func (e *Elector) Stop(ctx context.Context) {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if !e.isLeader.Load() {
		return
	}
	e.isLeader.Store(false)
	released, err := e.kv.ReleaseIfOwned(ctx, e.cfg.LockKey, e.cfg.InstanceID)
	if err != nil {
		e.log.Warnf("releasing leader lock, %v", err)
		return
	}
	e.log.Infow("released leadership", "released", released)
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// ActivateStandby promotes a standby instance. Concurrent callers share a
// single in-flight promotion attempt and observe the same result. The standby
// configuration itself is never mutated; tryAcquireLeadership bypasses the
// standby gate while the activation flag is set.
func (e *Elector) ActivateStandby(ctx context.Context) (bool, error) {
	v, err, _ := e.activation.Do("activate", func() (any, error) {
		e.isActivating.Store(true)
		defer e.isActivating.Store(false)
		ok, err := e.tryAcquireLeadership(ctx)
		if err != nil {
			e.log.Errorf("standby activation, %v", err)
			return false, err
		}
		e.log.Infow("standby activation attempted", "acquired", ok)
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// tryAcquireLeadership attempts setIfAbsent and, failing that, renewIfOwned.
// A successful renew means this instance already held the lock, e.g. after a
// restart within the TTL.
func (e *Elector) tryAcquireLeadership(ctx context.Context) (bool, error) {
	if !e.cfg.CanBecomeLeader {
		return false, nil
	}
	if e.cfg.Standby && !e.isActivating.Load() {
		return false, nil
	}
	acquired, err := e.kv.SetIfAbsent(ctx, e.cfg.LockKey, e.cfg.InstanceID, e.cfg.TTL)
	if err != nil {
		return false, err
	}
	if acquired {
		e.becomeLeader("acquired leadership")
		return true, nil
	}
	renewed, err := e.kv.RenewIfOwned(ctx, e.cfg.LockKey, e.cfg.InstanceID, e.cfg.TTL)
	if err != nil {
		return false, err
	}
	if renewed {
		e.metrics.StaleLockRecovered()
		e.becomeLeader("recovered own leadership lock")
		return true, nil
	}
	return false, nil
}

func (e *Elector) becomeLeader(msg string) {
	if e.isLeader.CompareAndSwap(false, true) {
		e.failures.Store(0)
		e.log.Infow(msg, "lockKey", e.cfg.LockKey, "instanceId", e.cfg.InstanceID)
	}
}

// Heartbeat runs a single heartbeat pass: renew while leader, contend while
// follower, count consecutive failures and self-demote at the threshold.
func (e *Elector) Heartbeat(ctx context.Context) {
	if e.isLeader.Load() {
		renewed, err := e.kv.RenewIfOwned(ctx, e.cfg.LockKey, e.cfg.InstanceID, e.cfg.TTL)
		if err != nil {
			e.recordFailure(ctx, err)
			return
		}
		e.failures.Store(0)
		if !renewed {
			e.isLeader.Store(false)
			e.log.Warnw("lost leadership", "lockKey", e.cfg.LockKey)
		}
		return
	}
	if _, err := e.tryAcquireLeadership(ctx); err != nil {
		e.recordFailure(ctx, err)
	}
}

func (e *Elector) recordFailure(ctx context.Context, err error) {
	n := e.failures.Add(1)
	e.log.Debugf("leadership heartbeat, %v", err)
	if n >= maxRenewFailures && e.isLeader.CompareAndSwap(true, false) {
		e.failures.Store(0)
		e.log.Errorw("demoting after consecutive renewal failures", "failures", n)
		e.alerts.Publish(ctx, alerts.Alert{
			Type:     alerts.TypeLeaderDemotion,
			Severity: alerts.SeverityCritical,
			Message:  "coordinator demoted itself after repeated lock renewal failures",
			Details:  map[string]any{"instanceId": e.cfg.InstanceID, "failures": n},
		})
	}
}

func (e *Elector) heartbeatLoop(ctx context.Context) {
	defer e.wg.Done()
	timer := e.clk.NewTimer(e.jittered())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
			e.Heartbeat(ctx)
			timer.Reset(e.jittered())
		}
	}
}

// jittered spreads heartbeats by up to ±2s to avoid thundering-herd renewals
// on failover, with a 1s floor.
func (e *Elector) jittered() time.Duration {
	d := e.cfg.HeartbeatInterval + time.Duration((rand.Float64()*2-1)*float64(maxJitter))
	if d < minInterval {
		d = minInterval
	}
	return d
}
