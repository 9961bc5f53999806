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

// Package options holds the coordinator's configuration, populated from
// flags with environment-variable fallbacks. Invalid configuration aborts
// startup.
package options

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Options struct {
	Port        int    `validate:"min=1,max=65535"`
	Environment string `validate:"required"`
	RegionID    string

	RedisURL string `validate:"required,uri"`

	LockKey           string        `validate:"required"`
	LockTTL           time.Duration `validate:"min=1s"`
	HeartbeatInterval time.Duration
	IsStandby         bool
	CanBecomeLeader   bool

	ConsumerGroup       string        `validate:"required"`
	ConsumerID          string        `validate:"required"`
	DLQStream           string        `validate:"required"`
	OrphanIdleThreshold time.Duration `validate:"min=1s"`
	MaxStreamErrors     int64         `validate:"min=1"`

	MaxOpportunities           int           `validate:"min=1"`
	OpportunityTTL             time.Duration `validate:"min=1s"`
	OpportunityCleanupInterval time.Duration `validate:"min=1s"`
	PairTTL                    time.Duration `validate:"min=1s"`

	RateLimitMaxTokens int           `validate:"min=1"`
	RateLimitRefill    time.Duration `validate:"min=1ms"`

	BreakerThreshold uint          `validate:"min=1"`
	BreakerReset     time.Duration `validate:"min=1s"`

	AlertCooldown     time.Duration
	SlackWebhookURL   string
	DiscordWebhookURL string

	StartupGrace              time.Duration
	EnableLegacyHealthPolling bool
}

// New parses args into Options, falling back to environment variables, and
// fails fast on invalid values.
func New(args []string) (*Options, error) {
	o := &Options{}
	environment := envString("ENV", "development")
	defaultCooldown := 30 * time.Second
	if environment == "production" {
		defaultCooldown = 300 * time.Second
	}

	fs := flag.NewFlagSet("coordinator", flag.ContinueOnError)
	fs.IntVar(&o.Port, "port", envInt("PORT", 8080), "HTTP listen port")
	fs.StringVar(&o.Environment, "environment", environment, "Deployment environment (development, production)")
	fs.StringVar(&o.RegionID, "region-id", envString("REGION_ID", ""), "Region identifier included in the instance id")
	fs.StringVar(&o.RedisURL, "redis-url", envString("REDIS_URL", "redis://localhost:6379"), "Redis connection URL")
	fs.StringVar(&o.LockKey, "lock-key", envString("LOCK_KEY", "coordinator:leader:lock"), "Leader lock key")
	fs.DurationVar(&o.LockTTL, "lock-ttl", envDurationMs("LOCK_TTL_MS", 30*time.Second), "Leader lock TTL")
	fs.DurationVar(&o.HeartbeatInterval, "heartbeat-interval", envDurationMs("HEARTBEAT_INTERVAL_MS", 10*time.Second), "Leader heartbeat interval")
	fs.BoolVar(&o.IsStandby, "standby", envBool("IS_STANDBY", false), "Start as a standby that only leads after explicit activation")
	fs.BoolVar(&o.CanBecomeLeader, "can-become-leader", envBool("CAN_BECOME_LEADER", true), "Whether this instance ever contends for leadership")
	fs.StringVar(&o.ConsumerGroup, "consumer-group", envString("CONSUMER_GROUP", "coordinator-group"), "Stream consumer group name")
	fs.StringVar(&o.ConsumerID, "consumer-id", envString("CONSUMER_ID", defaultConsumerID()), "Unique consumer id for this instance")
	fs.StringVar(&o.DLQStream, "dlq-stream", envString("DLQ_STREAM", "stream:dead-letter-queue"), "Dead-letter stream name")
	fs.DurationVar(&o.OrphanIdleThreshold, "orphan-idle-threshold", envDurationMs("ORPHAN_IDLE_THRESHOLD_MS", 60*time.Second), "Minimum idle time before a pending entry is treated as orphaned")
	fs.Int64Var(&o.MaxStreamErrors, "max-stream-errors", int64(envInt("MAX_STREAM_ERRORS", 10)), "Consecutive stream errors before a consumer-failure alert")
	fs.IntVar(&o.MaxOpportunities, "max-opportunities", envInt("MAX_OPPORTUNITIES", 1000), "Opportunity store bound")
	fs.DurationVar(&o.OpportunityTTL, "opportunity-ttl", envDurationMs("OPPORTUNITY_TTL_MS", 60*time.Second), "Opportunity retention")
	fs.DurationVar(&o.OpportunityCleanupInterval, "opportunity-cleanup-interval", envDurationMs("OPPORTUNITY_CLEANUP_INTERVAL_MS", 10*time.Second), "Opportunity cleanup tick interval")
	fs.DurationVar(&o.PairTTL, "pair-ttl", envDurationMs("PAIR_TTL_MS", 300*time.Second), "Active-pair retention")
	fs.IntVar(&o.RateLimitMaxTokens, "rate-limit-max-tokens", envInt("RATE_LIMIT_MAX_TOKENS", 1000), "Token-bucket capacity per stream")
	fs.DurationVar(&o.RateLimitRefill, "rate-limit-refill", envDurationMs("RATE_LIMIT_REFILL_MS", time.Second), "Token-bucket full-refill interval")
	fs.UintVar(&o.BreakerThreshold, "circuit-breaker-threshold", uint(envInt("CIRCUIT_BREAKER_THRESHOLD", 5)), "Consecutive forward failures before the circuit opens")
	fs.DurationVar(&o.BreakerReset, "circuit-breaker-reset", envDurationMs("CIRCUIT_BREAKER_RESET_MS", 60*time.Second), "Open-circuit reset timeout")
	fs.DurationVar(&o.AlertCooldown, "alert-cooldown", envDurationMs("ALERT_COOLDOWN_MS", defaultCooldown), "Per-key alert cooldown")
	fs.StringVar(&o.SlackWebhookURL, "slack-webhook-url", envString("SLACK_WEBHOOK_URL", ""), "Slack incoming webhook for alerts")
	fs.StringVar(&o.DiscordWebhookURL, "discord-webhook-url", envString("DISCORD_WEBHOOK_URL", ""), "Discord webhook for alerts")
	fs.DurationVar(&o.StartupGrace, "startup-grace", envDurationMs("STARTUP_GRACE_PERIOD_MS", 60*time.Second), "Grace period before unhealthy-service alerts fire")
	fs.BoolVar(&o.EnableLegacyHealthPolling, "enable-legacy-health-polling", envBool("ENABLE_LEGACY_HEALTH_POLLING", false), "Treat services silent past the staleness window as unhealthy")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags, %w", err)
	}
	if err := validator.New().Struct(o); err != nil {
		return nil, fmt.Errorf("validating configuration, %w", err)
	}
	return o, nil
}

func defaultConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "coordinator"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// envDurationMs reads a millisecond-valued environment variable, matching
// the *_MS convention of the fleet's other services.
func envDurationMs(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}
