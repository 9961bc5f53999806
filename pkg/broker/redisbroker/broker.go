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

// Package redisbroker implements the broker capability surface on Redis:
// streams through consumer groups and the owned-lock KV through server-side
// Lua scripts so check-and-extend / check-and-delete stay atomic.
package redisbroker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/redis/go-redis/v9"

	"github.com/dexfleet/coordinator/pkg/broker"
)

var (
	// renewScript extends the TTL only while we still own the lock.
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	// releaseScript deletes the lock only while we still own it.
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)
)

type Broker struct {
	client redis.UniversalClient
}

func New(client redis.UniversalClient) *Broker {
	return &Broker{client: client}
}

// Connect verifies broker connectivity, retrying transient failures so a
// coordinator booting alongside its Redis does not flap.
func (b *Broker) Connect(ctx context.Context) error {
	if err := retry.Do(func() error {
		return b.client.Ping(ctx).Err()
	}, retry.Context(ctx), retry.Attempts(5), retry.Delay(500*time.Millisecond)); err != nil {
		return fmt.Errorf("pinging redis, %w", wrap(err))
	}
	return nil
}

func (b *Broker) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring lock %q, %w", key, wrap(err))
	}
	return ok, nil
}

func (b *Broker) RenewIfOwned(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, b.client, []string{key}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renewing lock %q, %w", key, wrap(err))
	}
	return res == 1, nil
}

func (b *Broker) ReleaseIfOwned(ctx context.Context, key, value string) (bool, error) {
	res, err := releaseScript.Run(ctx, b.client, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("releasing lock %q, %w", key, wrap(err))
	}
	return res == 1, nil
}

func (b *Broker) CreateGroup(ctx context.Context, stream, group, startFrom string) error {
	if startFrom == "" {
		startFrom = "0"
	}
	err := b.client.XGroupCreateMkStream(ctx, stream, group, startFrom).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating group %q on %q, %w", group, stream, wrap(err))
	}
	return nil
}

func (b *Broker) ReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int64) ([]broker.Message, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
	}
	// go-redis treats Block == 0 as "block forever"; a non-positive block
	// here means a non-blocking read.
	if block > 0 {
		args.Block = block
	} else {
		args.Block = -1
	}
	res, err := b.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("reading group %q on %q, %w", group, stream, wrap(err))
	}
	var out []broker.Message
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, broker.Message{ID: m.ID, Fields: stringFields(m.Values)})
		}
	}
	return out, nil
}

func (b *Broker) Ack(ctx context.Context, stream, group, id string) error {
	if err := b.client.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("acking %q on %q, %w", id, stream, wrap(err))
	}
	return nil
}

func (b *Broker) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	return b.add(ctx, stream, 0, fields)
}

func (b *Broker) AppendCapped(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error) {
	return b.add(ctx, stream, maxLen, fields)
}

func (b *Broker) add(ctx context.Context, stream string, maxLen int64, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("appending to %q, %w", stream, wrap(err))
	}
	return id, nil
}

func (b *Broker) PendingSummary(ctx context.Context, stream, group string) (broker.PendingSummary, error) {
	res, err := b.client.XPending(ctx, stream, group).Result()
	if err != nil {
		if err == redis.Nil {
			return broker.PendingSummary{}, nil
		}
		return broker.PendingSummary{}, fmt.Errorf("querying pending on %q, %w", stream, wrap(err))
	}
	return broker.PendingSummary{
		Total:     res.Count,
		Consumers: res.Consumers,
		MinID:     res.Lower,
		MaxID:     res.Higher,
	}, nil
}

func (b *Broker) PendingRange(ctx context.Context, stream, group, from, to string, limit int64, consumer string) ([]broker.PendingEntry, error) {
	args := &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  from,
		End:    to,
		Count:  limit,
	}
	if consumer != "" {
		args.Consumer = consumer
	}
	res, err := b.client.XPendingExt(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("ranging pending on %q, %w", stream, wrap(err))
	}
	out := make([]broker.PendingEntry, 0, len(res))
	for _, e := range res {
		out = append(out, broker.PendingEntry{
			ID:            e.ID,
			Consumer:      e.Consumer,
			Idle:          e.Idle,
			DeliveryCount: e.RetryCount,
		})
	}
	return out, nil
}

func (b *Broker) Claim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]broker.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	res, err := b.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming %d entries on %q, %w", len(ids), stream, wrap(err))
	}
	out := make([]broker.Message, 0, len(res))
	for _, m := range res {
		out = append(out, broker.Message{ID: m.ID, Fields: stringFields(m.Values)})
	}
	return out, nil
}

func (b *Broker) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- b.client.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wrap classifies a go-redis error into the adapter taxonomy. Group and
// stream shape errors are protocol failures; everything else is treated as a
// transient outage.
func wrap(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "NOGROUP") || strings.Contains(msg, "WRONGTYPE") {
		return fmt.Errorf("%w: %s", broker.ErrProtocol, msg)
	}
	return fmt.Errorf("%w: %s", broker.ErrUnavailable, msg)
}

func stringFields(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	return out
}
