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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/dexfleet/coordinator/pkg/alerts"
	"github.com/dexfleet/coordinator/pkg/broker/redisbroker"
	"github.com/dexfleet/coordinator/pkg/operator"
	"github.com/dexfleet/coordinator/pkg/operator/options"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := options.New(os.Args[1:])
	if err != nil {
		return err
	}
	logger, err := newLogger(opts.Environment)
	if err != nil {
		return fmt.Errorf("building logger, %w", err)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis url, %w", err)
	}
	b := redisbroker.New(redis.NewClient(redisOpts))
	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to redis, %w", err)
	}

	var notifiers []alerts.Notifier
	if opts.SlackWebhookURL != "" {
		notifiers = append(notifiers, alerts.NewSlackNotifier(opts.SlackWebhookURL))
	}
	if opts.DiscordWebhookURL != "" {
		notifiers = append(notifiers, alerts.NewDiscordNotifier(opts.DiscordWebhookURL))
	}

	op := operator.NewOperator(operator.Dependencies{
		Broker:   b,
		Clock:    clock.RealClock{},
		Logger:   log,
		Registry: prometheus.NewRegistry(),
		Alerts:   alerts.NewManager(log, clock.RealClock{}, opts.AlertCooldown, notifiers...),
		Options:  opts,
	})
	if err := op.Start(ctx); err != nil {
		return fmt.Errorf("starting coordinator, %w", err)
	}

	<-ctx.Done()
	log.Info("shutdown signal received")
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := op.Stop(stopCtx); err != nil {
		return fmt.Errorf("stopping coordinator, %w", err)
	}
	return nil
}

func newLogger(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
