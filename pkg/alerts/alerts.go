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

// Package alerts publishes operational alerts to outbound notification
// channels. Publishing is fire-and-forget: transport failures are logged and
// never propagate to the caller. A per-key cooldown collapses repeats.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert types emitted by the coordinator.
const (
	TypeLeaderDemotion        = "LEADER_DEMOTION"
	TypeStreamConsumerFailure = "STREAM_CONSUMER_FAILURE"
	TypeStreamRecovered       = "STREAM_RECOVERED"
	TypeExecutionCircuitOpen  = "EXECUTION_CIRCUIT_OPEN"
	TypeServiceUnhealthy      = "SERVICE_UNHEALTHY"
	TypeSystemHealthLow       = "SYSTEM_HEALTH_LOW"
	TypeWhaleAlert            = "WHALE_ALERT"
)

// Alert is the permissive alert envelope.
type Alert struct {
	Type     string
	Severity Severity
	Service  string
	Message  string
	Details  map[string]any
}

// Recorder publishes alerts. Implementations must never block on or
// propagate transport failures.
type Recorder interface {
	Publish(ctx context.Context, alert Alert)
}

// Notifier delivers a single alert to one outbound channel.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
	Name() string
}

const (
	cooldownEntryTTL = time.Hour
	cooldownMaxSize  = 1000
)

// Manager dedupes alerts by `${type}_${service||"system"}` within the
// cooldown window, then fans out to the configured notifiers.
type Manager struct {
	log       *zap.SugaredLogger
	clk       clock.Clock
	cooldown  time.Duration
	cooldowns *cache.Cache
	notifiers []Notifier
}

func NewManager(log *zap.SugaredLogger, clk clock.Clock, cooldown time.Duration, notifiers ...Notifier) *Manager {
	return &Manager{
		log:       log.Named("alerts"),
		clk:       clk,
		cooldown:  cooldown,
		cooldowns: cache.New(cooldownEntryTTL, 10*time.Minute),
		notifiers: notifiers,
	}
}

func (m *Manager) Publish(ctx context.Context, alert Alert) {
	key := cooldownKey(alert)
	if last, ok := m.cooldowns.Get(key); ok {
		if m.clk.Now().Sub(last.(time.Time)) < m.cooldown {
			return
		}
	}
	m.cooldowns.Set(key, m.clk.Now(), cooldownEntryTTL)
	m.prune()

	m.log.Infow("publishing alert",
		"type", alert.Type,
		"severity", alert.Severity,
		"service", alert.Service,
		"message", alert.Message,
	)
	for _, n := range m.notifiers {
		notifier := n
		go func() {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := notifier.Notify(sendCtx, alert); err != nil {
				m.log.Warnf("sending alert via %s, %v", notifier.Name(), err)
			}
		}()
	}
}

// prune bounds the cooldown table. The janitor already drops hour-old
// entries; this is the inline guard for pathological alert-key cardinality.
func (m *Manager) prune() {
	if m.cooldowns.ItemCount() <= cooldownMaxSize {
		return
	}
	m.cooldowns.DeleteExpired()
	if m.cooldowns.ItemCount() > cooldownMaxSize {
		m.log.Warnf("alert cooldown table exceeded %d entries, flushing", cooldownMaxSize)
		m.cooldowns.Flush()
	}
}

func cooldownKey(alert Alert) string {
	service := alert.Service
	if service == "" {
		service = "system"
	}
	return fmt.Sprintf("%s_%s", alert.Type, service)
}
