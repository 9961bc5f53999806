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

// Package consumer runs the stream reader loops. Every registered stream
// gets its own consumer-group subscription, orphan recovery on start, and a
// deferred-ack wrapper that terminates each message exactly once: ack on
// success, DLQ-then-ack on failure.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/dexfleet/coordinator/pkg/alerts"
	"github.com/dexfleet/coordinator/pkg/broker"
	"github.com/dexfleet/coordinator/pkg/envelope"
	"github.com/dexfleet/coordinator/pkg/metrics"
	"github.com/dexfleet/coordinator/pkg/ratelimit"
)

const (
	readBlock     = time.Second
	readBatch     = 10
	maxStackChars = 500
	dlqMaxLen     = 10000
	stopTimeout   = 5 * time.Second
)

// Handler processes one normalized stream payload. Returning an error sends
// the original message to the DLQ; handlers must be idempotent because
// delivery is at-least-once.
type Handler func(ctx context.Context, payload map[string]any) error

type Config struct {
	Group               string
	ConsumerID          string
	ServiceName         string
	DLQStream           string
	OrphanIdleThreshold time.Duration
	MaxErrors           int64
}

type subscription struct {
	stream  string
	handler Handler

	errorCount   atomic.Int64
	sendingAlert atomic.Bool
}

// Manager owns the consumer-group subscriptions and their reader loops.
type Manager struct {
	streams broker.Streams
	limiter *ratelimit.Limiter
	clk     clock.Clock
	log     *zap.SugaredLogger
	alerts  alerts.Recorder
	metrics *metrics.Metrics
	cfg     Config

	subs   []*subscription
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewManager(streams broker.Streams, limiter *ratelimit.Limiter, clk clock.Clock, log *zap.SugaredLogger, recorder alerts.Recorder, m *metrics.Metrics, cfg Config) *Manager {
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 10
	}
	return &Manager{
		streams: streams,
		limiter: limiter,
		clk:     clk,
		log:     log.Named("consumer"),
		alerts:  recorder,
		metrics: m,
		cfg:     cfg,
	}
}

// Register binds a handler to a stream. Must be called before Start.
func (m *Manager) Register(stream string, handler Handler) {
	m.subs = append(m.subs, &subscription{stream: stream, handler: handler})
}

// Start creates the consumer groups and recovers orphaned pending entries
// left by crashed consumers. Reader loops are launched separately via
// StartReaders so the caller can attempt leadership in between.
func (m *Manager) Start(ctx context.Context) error {
	for _, sub := range m.subs {
		if err := m.streams.CreateGroup(ctx, sub.stream, m.cfg.Group, "0"); err != nil {
			return fmt.Errorf("creating consumer group for %s, %w", sub.stream, err)
		}
		if err := m.recoverOrphans(ctx, sub.stream); err != nil {
			m.log.Warnf("recovering orphans on %s, %v", sub.stream, err)
		}
	}
	return nil
}

// StartReaders launches one reader loop per registered stream.
func (m *Manager) StartReaders(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	for _, sub := range m.subs {
		m.wg.Add(1)
		go m.readLoop(loopCtx, sub)
	}
}

// Stop cancels the reader loops and waits up to 5s for them to drain.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	timeout := m.clk.NewTimer(stopTimeout)
	defer timeout.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C():
		return fmt.Errorf("stream readers did not stop within %s", stopTimeout)
	}
}

// recoverOrphans claims pending entries abandoned by other consumers past
// the idle threshold, copies them to the DLQ, and acks them on the source
// stream. Our own pending entries stay on the PEL untouched; they are only
// logged, since group reads with the latest-id cursor never revisit them.
func (m *Manager) recoverOrphans(ctx context.Context, stream string) error {
	summary, err := m.streams.PendingSummary(ctx, stream, m.cfg.Group)
	if err != nil {
		return fmt.Errorf("reading pending summary, %w", err)
	}
	if summary.Total == 0 {
		return nil
	}
	for consumer, count := range summary.Consumers {
		if count == 0 {
			continue
		}
		if consumer == m.cfg.ConsumerID {
			m.log.Debugw("leaving own pending entries on the PEL", "stream", stream, "count", count)
			continue
		}
		entries, err := m.streams.PendingRange(ctx, stream, m.cfg.Group, "-", "+", count, consumer)
		if err != nil {
			m.log.Warnf("listing pending entries for %s on %s, %v", consumer, stream, err)
			continue
		}
		var stale []string
		for _, e := range entries {
			if e.Idle >= m.cfg.OrphanIdleThreshold {
				stale = append(stale, e.ID)
			}
		}
		if len(stale) == 0 {
			continue
		}
		claimed, err := m.streams.Claim(ctx, stream, m.cfg.Group, m.cfg.ConsumerID, m.cfg.OrphanIdleThreshold, stale)
		if err != nil {
			m.log.Warnf("claiming %d orphans from %s on %s, %v", len(stale), consumer, stream, err)
			continue
		}
		for _, msg := range claimed {
			m.writeDLQ(ctx, stream, msg, "Orphaned PEL message recovered", "")
			if err := m.streams.Ack(ctx, stream, m.cfg.Group, msg.ID); err != nil {
				m.log.Warnf("acking recovered orphan %s, %v", msg.ID, err)
			}
		}
		m.log.Infow("recovered orphaned messages", "stream", stream, "consumer", consumer, "count", len(claimed))
	}
	return nil
}

func (m *Manager) readLoop(ctx context.Context, sub *subscription) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := m.streams.ReadGroup(ctx, sub.stream, m.cfg.Group, m.cfg.ConsumerID, readBlock, readBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.recordError(ctx, sub)
			m.log.Debugf("reading %s, %v", sub.stream, err)
			continue
		}
		for _, msg := range msgs {
			if !m.limiter.Allow(sub.stream) {
				// Dropped without ack so the broker redelivers later.
				m.metrics.RateLimited()
				m.log.Warnw("rate limited, dropping message", "stream", sub.stream, "id", msg.ID)
				continue
			}
			m.process(ctx, sub, msg)
		}
	}
}

// process invokes the handler with deferred ack. Handler failures (errors and
// panics alike) are written to the DLQ and the original is still acked; a
// DLQ-write failure is logged but never blocks the ack.
func (m *Manager) process(ctx context.Context, sub *subscription, msg broker.Message) {
	err := m.invoke(ctx, sub, msg)
	if err != nil {
		m.recordError(ctx, sub)
		m.log.Errorf("handling %s message %s, %v", sub.stream, msg.ID, err)
		m.writeDLQ(ctx, sub.stream, msg, err.Error(), truncate(fmt.Sprintf("%+v", err), maxStackChars))
	} else {
		m.resetErrors(ctx, sub)
	}
	if ackErr := m.streams.Ack(ctx, sub.stream, m.cfg.Group, msg.ID); ackErr != nil {
		m.log.Warnf("acking %s message %s, %v", sub.stream, msg.ID, ackErr)
	}
}

func (m *Manager) invoke(ctx context.Context, sub *subscription, msg broker.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, truncate(string(debug.Stack()), maxStackChars))
		}
	}()
	return sub.handler(ctx, envelope.Normalize(msg.Fields))
}

func (m *Manager) writeDLQ(ctx context.Context, stream string, msg broker.Message, errMsg, errStack string) {
	data, _ := json.Marshal(msg.Fields)
	fields := map[string]string{
		"originalStream": stream,
		"originalId":     msg.ID,
		"data":           string(data),
		"error":          errMsg,
		"errorStack":     errStack,
		"timestamp":      fmt.Sprint(m.clk.Now().UnixMilli()),
		"service":        m.cfg.ServiceName,
		"instanceId":     m.cfg.ConsumerID,
	}
	if _, err := m.streams.AppendCapped(ctx, m.cfg.DLQStream, dlqMaxLen, fields); err != nil {
		m.log.Errorf("writing %s message %s to DLQ, %v", stream, msg.ID, err)
		return
	}
	m.metrics.DLQWrite()
}

// recordError counts consecutive failures on a stream. Crossing the burst
// threshold emits exactly one critical alert; the flag is set synchronously
// so concurrent crossings collapse to a single send.
func (m *Manager) recordError(ctx context.Context, sub *subscription) {
	n := sub.errorCount.Add(1)
	if n >= m.cfg.MaxErrors && sub.sendingAlert.CompareAndSwap(false, true) {
		m.alerts.Publish(ctx, alerts.Alert{
			Type:     alerts.TypeStreamConsumerFailure,
			Severity: alerts.SeverityCritical,
			Service:  m.cfg.ServiceName,
			Message:  fmt.Sprintf("stream consumer for %s crossed %d consecutive errors", sub.stream, n),
			Details:  map[string]any{"streamName": sub.stream, "errorCount": n},
		})
	}
}

func (m *Manager) resetErrors(ctx context.Context, sub *subscription) {
	sub.errorCount.Store(0)
	if sub.sendingAlert.CompareAndSwap(true, false) {
		m.metrics.StreamRecovered()
		m.alerts.Publish(ctx, alerts.Alert{
			Type:     alerts.TypeStreamRecovered,
			Severity: alerts.SeverityHigh,
			Service:  m.cfg.ServiceName,
			Message:  fmt.Sprintf("stream consumer for %s recovered", sub.stream),
			Details:  map[string]any{"streamName": sub.stream},
		})
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
