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

// Package ratelimit implements the per-stream token bucket that gates
// ingestion. Refill is proportional: a partial refill period credits a
// partial share of the bucket, so sub-period bursts are not starved.
package ratelimit

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter tracks one token bucket per key.
type Limiter struct {
	mu        sync.Mutex
	clk       clock.Clock
	maxTokens float64
	refill    time.Duration
	buckets   map[string]*bucket
}

func NewLimiter(clk clock.Clock, maxTokens int, refill time.Duration) *Limiter {
	return &Limiter{
		clk:       clk,
		maxTokens: float64(maxTokens),
		refill:    refill,
		buckets:   map[string]*bucket{},
	}
}

// Allow consumes one token from key's bucket, reporting whether the caller
// may proceed. New keys start with a full bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clk.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.maxTokens, lastRefill: now}
		l.buckets[key] = b
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		// Fractional refill: (elapsed/refill) * max, clamped at max. The
		// discrete floor(elapsed/refill) variant starves sub-period bursts.
		b.tokens += elapsed.Seconds() / l.refill.Seconds() * l.maxTokens
		if b.tokens > l.maxTokens {
			b.tokens = l.maxTokens
		}
		b.lastRefill = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tokens returns the current token count for key without consuming.
func (l *Limiter) Tokens(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		return l.maxTokens
	}
	elapsed := l.clk.Now().Sub(b.lastRefill)
	tokens := b.tokens + elapsed.Seconds()/l.refill.Seconds()*l.maxTokens
	if tokens > l.maxTokens {
		tokens = l.maxTokens
	}
	return tokens
}
