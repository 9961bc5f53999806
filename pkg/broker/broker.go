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

// Package broker defines the narrow capability surface the coordinator
// requires from its message broker: an atomic owned-lock KV and consumer-group
// streams. Implementations live in subpackages; tests use pkg/fake.
package broker

import (
	"context"
	"time"
)

// Message is a single stream entry as delivered to a consumer group.
type Message struct {
	ID     string
	Fields map[string]string
}

// PendingSummary describes a consumer group's pending-entries list.
type PendingSummary struct {
	Total     int64
	Consumers map[string]int64
	MinID     string
	MaxID     string
}

// PendingEntry is one pending message as reported by a ranged pending query.
type PendingEntry struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// KV exposes the atomic owned-lock operations used for leader election.
// All three operations are atomic on the broker side.
type KV interface {
	// SetIfAbsent sets key=value with a TTL only if the key does not exist.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// RenewIfOwned extends the TTL in a single check-and-extend, returning
	// true only when the stored value equals value.
	RenewIfOwned(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// ReleaseIfOwned deletes the key in a single check-and-delete, returning
	// true only when the stored value equals value.
	ReleaseIfOwned(ctx context.Context, key, value string) (bool, error)
}

// Streams exposes consumer-group stream operations.
type Streams interface {
	// CreateGroup creates a consumer group. "Already exists" is not an error.
	CreateGroup(ctx context.Context, stream, group, startFrom string) error
	// ReadGroup performs a blocking group read of up to count messages.
	// A block <= 0 reads without blocking. An empty batch is not an error.
	ReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int64) ([]Message, error)
	// Ack acknowledges a delivered message.
	Ack(ctx context.Context, stream, group, id string) error
	// Append adds an entry to a stream and returns its id.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)
	// AppendCapped is Append with an approximate upper bound on stream length.
	AppendCapped(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error)
	// PendingSummary returns the group's pending-entries summary.
	PendingSummary(ctx context.Context, stream, group string) (PendingSummary, error)
	// PendingRange lists pending entries in [from, to], optionally filtered
	// to a single consumer.
	PendingRange(ctx context.Context, stream, group, from, to string, limit int64, consumer string) ([]PendingEntry, error)
	// Claim transfers ownership of the given pending ids to newConsumer,
	// provided they have been idle at least minIdle.
	Claim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]Message, error)
}

// Broker is the full adapter surface.
type Broker interface {
	KV
	Streams
	// Close releases the underlying connections. It should respect ctx for
	// its deadline.
	Close(ctx context.Context) error
}
