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

// Package fake provides an in-memory broker implementation for unit suites.
// Behavior flags let tests inject failures; call recording lets them assert
// on adapter traffic.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/dexfleet/coordinator/pkg/broker"
)

type kvEntry struct {
	value     string
	expiresAt time.Time
}

type pending struct {
	consumer    string
	deliveredAt time.Time
	count       int64
}

type stream struct {
	entries []broker.Message
	groups  map[string]*group
}

type group struct {
	nextIndex int
	pending   map[string]*pending
}

// Broker is an in-memory broker.Broker.
type Broker struct {
	mu      sync.Mutex
	clk     clock.Clock
	nextSeq int64

	kv      map[string]kvEntry
	streams map[string]*stream

	// KVErr, when set, is returned by every KV operation.
	KVErr error
	// appendErrs fails Append/AppendCapped per stream.
	appendErrs map[string]error

	claimed map[string][]string
	acked   map[string][]string
}

func NewBroker(clk clock.Clock) *Broker {
	return &Broker{
		clk:        clk,
		kv:         map[string]kvEntry{},
		streams:    map[string]*stream{},
		appendErrs: map[string]error{},
		claimed:    map[string][]string{},
		acked:      map[string][]string{},
	}
}

func (b *Broker) getStream(name string) *stream {
	s, ok := b.streams[name]
	if !ok {
		s = &stream{groups: map[string]*group{}}
		b.streams[name] = s
	}
	return s
}

func (b *Broker) getGroup(s *stream, name string) *group {
	g, ok := s.groups[name]
	if !ok {
		g = &group{pending: map[string]*pending{}}
		s.groups[name] = g
	}
	return g
}

// --- KV ---

func (b *Broker) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.KVErr != nil {
		return false, b.KVErr
	}
	if e, ok := b.kv[key]; ok && b.clk.Now().Before(e.expiresAt) {
		return false, nil
	}
	b.kv[key] = kvEntry{value: value, expiresAt: b.clk.Now().Add(ttl)}
	return true, nil
}

func (b *Broker) RenewIfOwned(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.KVErr != nil {
		return false, b.KVErr
	}
	e, ok := b.kv[key]
	if !ok || b.clk.Now().After(e.expiresAt) || e.value != value {
		return false, nil
	}
	e.expiresAt = b.clk.Now().Add(ttl)
	b.kv[key] = e
	return true, nil
}

func (b *Broker) ReleaseIfOwned(_ context.Context, key, value string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.KVErr != nil {
		return false, b.KVErr
	}
	e, ok := b.kv[key]
	if !ok || b.clk.Now().After(e.expiresAt) || e.value != value {
		return false, nil
	}
	delete(b.kv, key)
	return true, nil
}

// LockValue returns the live value of a KV key, or "" when absent/expired.
func (b *Broker) LockValue(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.kv[key]
	if !ok || b.clk.Now().After(e.expiresAt) {
		return ""
	}
	return e.value
}

// --- Streams ---

func (b *Broker) CreateGroup(_ context.Context, streamName, groupName, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.getGroup(b.getStream(streamName), groupName)
	return nil
}

func (b *Broker) ReadGroup(_ context.Context, streamName, groupName, consumer string, _ time.Duration, count int64) ([]broker.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getStream(streamName)
	g := b.getGroup(s, groupName)
	var out []broker.Message
	for g.nextIndex < len(s.entries) && int64(len(out)) < count {
		m := s.entries[g.nextIndex]
		g.nextIndex++
		g.pending[m.ID] = &pending{consumer: consumer, deliveredAt: b.clk.Now(), count: 1}
		out = append(out, m)
	}
	return out, nil
}

func (b *Broker) Ack(_ context.Context, streamName, groupName, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getStream(streamName)
	g := b.getGroup(s, groupName)
	delete(g.pending, id)
	b.acked[streamName] = append(b.acked[streamName], id)
	return nil
}

func (b *Broker) Append(ctx context.Context, streamName string, fields map[string]string) (string, error) {
	return b.AppendCapped(ctx, streamName, 0, fields)
}

func (b *Broker) AppendCapped(_ context.Context, streamName string, _ int64, fields map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.appendErrs[streamName]; err != nil {
		return "", err
	}
	b.nextSeq++
	id := fmt.Sprintf("%d-0", b.nextSeq)
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s := b.getStream(streamName)
	s.entries = append(s.entries, broker.Message{ID: id, Fields: cp})
	return id, nil
}

func (b *Broker) PendingSummary(_ context.Context, streamName, groupName string) (broker.PendingSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.getGroup(b.getStream(streamName), groupName)
	sum := broker.PendingSummary{Consumers: map[string]int64{}}
	for id, p := range g.pending {
		sum.Total++
		sum.Consumers[p.consumer]++
		if sum.MinID == "" || id < sum.MinID {
			sum.MinID = id
		}
		if id > sum.MaxID {
			sum.MaxID = id
		}
	}
	return sum, nil
}

func (b *Broker) PendingRange(_ context.Context, streamName, groupName, _, _ string, limit int64, consumer string) ([]broker.PendingEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getStream(streamName)
	g := b.getGroup(s, groupName)
	var out []broker.PendingEntry
	for _, m := range s.entries {
		p, ok := g.pending[m.ID]
		if !ok {
			continue
		}
		if consumer != "" && p.consumer != consumer {
			continue
		}
		out = append(out, broker.PendingEntry{
			ID:            m.ID,
			Consumer:      p.consumer,
			Idle:          b.clk.Since(p.deliveredAt),
			DeliveryCount: p.count,
		})
		if int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (b *Broker) Claim(_ context.Context, streamName, groupName, newConsumer string, minIdle time.Duration, ids []string) ([]broker.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getStream(streamName)
	g := b.getGroup(s, groupName)
	var out []broker.Message
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || b.clk.Since(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = newConsumer
		p.deliveredAt = b.clk.Now()
		p.count++
		b.claimed[streamName] = append(b.claimed[streamName], id)
		for _, m := range s.entries {
			if m.ID == id {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

func (b *Broker) Close(context.Context) error { return nil }

// --- test helpers ---

// SeedPending appends a message and registers it as pending for the given
// consumer, delivered age ago.
func (b *Broker) SeedPending(streamName, groupName, consumer string, fields map[string]string, age time.Duration) string {
	id, _ := b.Append(context.Background(), streamName, fields)
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getStream(streamName)
	g := b.getGroup(s, groupName)
	g.nextIndex = len(s.entries)
	g.pending[id] = &pending{consumer: consumer, deliveredAt: b.clk.Now().Add(-age), count: 1}
	return id
}

// FailAppends makes future appends to streamName return err; nil clears it.
func (b *Broker) FailAppends(streamName string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.appendErrs, streamName)
		return
	}
	b.appendErrs[streamName] = err
}

// Entries returns a copy of every entry appended to streamName.
func (b *Broker) Entries(streamName string) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.getStream(streamName)
	out := make([]broker.Message, len(s.entries))
	copy(out, s.entries)
	return out
}

// ClaimedIDs returns the ids claimed on streamName, in call order.
func (b *Broker) ClaimedIDs(streamName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.claimed[streamName]))
	copy(out, b.claimed[streamName])
	return out
}

// AckedIDs returns the ids acked on streamName, in call order.
func (b *Broker) AckedIDs(streamName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.acked[streamName]))
	copy(out, b.acked[streamName])
	return out
}

// PendingFor reports how many entries are pending for consumer on streamName.
func (b *Broker) PendingFor(streamName, groupName, consumer string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.getGroup(b.getStream(streamName), groupName)
	var n int
	for _, p := range g.pending {
		if p.consumer == consumer {
			n++
		}
	}
	return n
}

// Reset clears all state and behavior flags.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kv = map[string]kvEntry{}
	b.streams = map[string]*stream{}
	b.appendErrs = map[string]error{}
	b.claimed = map[string][]string{}
	b.acked = map[string][]string{}
	b.KVErr = nil
	b.nextSeq = 0
}
