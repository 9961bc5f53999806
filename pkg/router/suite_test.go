package router_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dexfleet/coordinator/pkg/alerts"
	"github.com/dexfleet/coordinator/pkg/broker"
	"github.com/dexfleet/coordinator/pkg/fake"
	"github.com/dexfleet/coordinator/pkg/metrics"
	"github.com/dexfleet/coordinator/pkg/router"
	"github.com/dexfleet/coordinator/pkg/test"
	"github.com/prometheus/client_golang/prometheus"
)

const executionStream = "stream:execution-requests"

func TestRouter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Router")
}

type staticLeader bool

func (s staticLeader) IsLeader() bool { return bool(s) }

// countingStreams counts Append attempts, including failed ones.
type countingStreams struct {
	broker.Streams
	appends atomic.Int64
}

func (c *countingStreams) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	c.appends.Add(1)
	return c.Streams.Append(ctx, stream, fields)
}

var _ = Describe("Router", func() {
	var (
		ctx      context.Context
		clk      *clocktesting.FakeClock
		fb       *fake.Broker
		streams  *countingStreams
		recorder *test.AlertRecorder
		r        *router.Router
		cfg      router.Config
		leader   staticLeader
	)

	newRouter := func() *router.Router {
		return router.NewRouter(streams, leader, clk, zap.NewNop().Sugar(), recorder, metrics.NewMetrics(prometheus.NewRegistry()), cfg)
	}

	opportunity := func(id string, ts int64) map[string]any {
		return map[string]any{"id": id, "timestamp": float64(ts), "chain": "base", "confidence": 0.9}
	}

	BeforeEach(func() {
		ctx = context.Background()
		clk = clocktesting.NewFakeClock(time.UnixMilli(1_700_000_000_000))
		fb = fake.NewBroker(clk)
		streams = &countingStreams{Streams: fb}
		recorder = test.NewAlertRecorder()
		leader = staticLeader(true)
		cfg = router.Config{
			ExecutionStream:  executionStream,
			InstanceID:       "coordinator-1",
			MaxOpportunities: 1000,
			TTL:              time.Minute,
			BreakerThreshold: 5,
			BreakerReset:     time.Minute,
		}
		r = newRouter()
	})

	Context("validation", func() {
		It("should reject opportunities without an id", func() {
			Expect(r.HandleOpportunity(ctx, map[string]any{"timestamp": float64(1000)})).ToNot(Succeed())
			Expect(r.Size()).To(Equal(0))
		})

		It("should accept profit percentages at the boundaries", func() {
			for i, profit := range []float64{-100, 10000} {
				payload := opportunity(fmt.Sprintf("opp-%d", i), clk.Now().UnixMilli())
				payload["profitPercentage"] = profit
				Expect(r.HandleOpportunity(ctx, payload)).To(Succeed())
			}
			Expect(r.Size()).To(Equal(2))
		})

		It("should drop profit percentages just outside the boundaries", func() {
			for i, profit := range []float64{-100.0001, 10000.0001} {
				payload := opportunity(fmt.Sprintf("opp-%d", i), clk.Now().UnixMilli())
				payload["profitPercentage"] = profit
				Expect(r.HandleOpportunity(ctx, payload)).To(Succeed())
			}
			Expect(r.Size()).To(Equal(0))
		})
	})

	Context("deduplication", func() {
		It("should drop a duplicate id within the window and accept it after", func() {
			Expect(r.HandleOpportunity(ctx, opportunity("X", 1000))).To(Succeed())
			Expect(r.HandleOpportunity(ctx, opportunity("X", 2000))).To(Succeed())
			Expect(r.HandleOpportunity(ctx, opportunity("X", 10000))).To(Succeed())
			Expect(r.Size()).To(Equal(1))
			Expect(streams.appends.Load()).To(Equal(int64(2)))
		})
	})

	Context("forwarding", func() {
		It("should not forward when this instance is not leader", func() {
			leader = staticLeader(false)
			r = newRouter()
			Expect(r.HandleOpportunity(ctx, opportunity("opp-1", clk.Now().UnixMilli()))).To(Succeed())
			Expect(streams.appends.Load()).To(BeZero())
			Expect(r.Size()).To(Equal(1))
		})

		It("should not forward opportunities with a non-pending status", func() {
			payload := opportunity("opp-1", clk.Now().UnixMilli())
			payload["status"] = "completed"
			Expect(r.HandleOpportunity(ctx, payload)).To(Succeed())
			Expect(streams.appends.Load()).To(BeZero())
		})

		It("should serialize the forwarded opportunity as a flat map", func() {
			payload := opportunity("opp-1", clk.Now().UnixMilli())
			payload["profitPercentage"] = 1.5
			payload["buyDex"] = "uniswap"
			payload["sellDex"] = "sushiswap"
			Expect(r.HandleOpportunity(ctx, payload)).To(Succeed())

			entries := fb.Entries(executionStream)
			Expect(entries).To(HaveLen(1))
			fields := entries[0].Fields
			Expect(fields["id"]).To(Equal("opp-1"))
			Expect(fields["profitPercentage"]).To(Equal("1.5"))
			Expect(fields["buyDex"]).To(Equal("uniswap"))
			Expect(fields["forwardedBy"]).To(Equal("coordinator-1"))
			Expect(fields["expectedProfit"]).To(Equal("0"))
			Expect(fields["tokenIn"]).To(Equal(""))
			Expect(fields).ToNot(HaveKey("expiresAt"))
		})

		It("should open the circuit after consecutive failures and alert once", func() {
			cfg.BreakerThreshold = 3
			r = newRouter()
			fb.FailAppends(executionStream, errors.New("connection refused"))

			for i := 0; i < 5; i++ {
				Expect(r.HandleOpportunity(ctx, opportunity(fmt.Sprintf("opp-%d", i), clk.Now().UnixMilli()))).To(Succeed())
			}
			// Three attempts reach the broker; the remaining two are skipped
			// while the circuit is open.
			Expect(streams.appends.Load()).To(Equal(int64(3)))
			Expect(recorder.Calls(alerts.TypeExecutionCircuitOpen)).To(Equal(1))
		})
	})

	Context("execution results", func() {
		It("should mark a stored opportunity completed on success", func() {
			Expect(r.HandleOpportunity(ctx, opportunity("opp-1", clk.Now().UnixMilli()))).To(Succeed())
			Expect(r.HandleExecutionResult(ctx, map[string]any{"opportunityId": "opp-1", "success": true, "actualProfit": 12.5})).To(Succeed())
			opp, ok := r.Get("opp-1")
			Expect(ok).To(BeTrue())
			Expect(opp.Status).To(Equal(router.StatusCompleted))
		})

		It("should accept the string form of success", func() {
			Expect(r.HandleOpportunity(ctx, opportunity("opp-1", clk.Now().UnixMilli()))).To(Succeed())
			Expect(r.HandleExecutionResult(ctx, map[string]any{"opportunityId": "opp-1", "success": "true"})).To(Succeed())
			opp, _ := r.Get("opp-1")
			Expect(opp.Status).To(Equal(router.StatusCompleted))
		})

		It("should mark a stored opportunity failed otherwise", func() {
			Expect(r.HandleOpportunity(ctx, opportunity("opp-1", clk.Now().UnixMilli()))).To(Succeed())
			Expect(r.HandleExecutionResult(ctx, map[string]any{"opportunityId": "opp-1", "success": false, "actualProfit": -3.0})).To(Succeed())
			opp, _ := r.Get("opp-1")
			Expect(opp.Status).To(Equal(router.StatusFailed))
		})
	})

	Context("concurrent access", func() {
		It("should keep stores and status updates consistent across goroutines", func() {
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(worker int) {
					defer GinkgoRecover()
					defer wg.Done()
					for j := 0; j < 50; j++ {
						id := fmt.Sprintf("opp-%d-%d", worker, j)
						Expect(r.HandleOpportunity(ctx, opportunity(id, clk.Now().UnixMilli()))).To(Succeed())
						Expect(r.HandleExecutionResult(ctx, map[string]any{"opportunityId": id, "success": true})).To(Succeed())
					}
				}(i)
			}
			wg.Wait()
			Expect(r.Size()).To(Equal(400))
			opp, ok := r.Get("opp-0-0")
			Expect(ok).To(BeTrue())
			Expect(opp.Status).To(Equal(router.StatusCompleted))
		})
	})

	Context("cleanup", func() {
		It("should expire opportunities past their TTL", func() {
			Expect(r.HandleOpportunity(ctx, opportunity("opp-1", clk.Now().UnixMilli()))).To(Succeed())
			clk.Step(2 * time.Minute)
			r.CleanupTick()
			Expect(r.Size()).To(Equal(0))
		})

		It("should expire opportunities past their explicit expiresAt", func() {
			payload := opportunity("opp-1", clk.Now().UnixMilli())
			payload["expiresAt"] = float64(clk.Now().UnixMilli() + 1000)
			Expect(r.HandleOpportunity(ctx, payload)).To(Succeed())
			clk.Step(2 * time.Second)
			r.CleanupTick()
			Expect(r.Size()).To(Equal(0))
		})

		It("should evict exactly the excess, oldest first", func() {
			cfg.MaxOpportunities = 5
			r = newRouter()
			base := clk.Now().UnixMilli()
			for i := 0; i < 6; i++ {
				Expect(r.HandleOpportunity(ctx, opportunity(fmt.Sprintf("opp-%d", i), base+int64(i)))).To(Succeed())
			}
			Expect(r.Size()).To(Equal(6))
			r.CleanupTick()
			Expect(r.Size()).To(Equal(5))
			_, ok := r.Get("opp-0")
			Expect(ok).To(BeFalse())
		})

		It("should break timestamp ties by lexicographic id order", func() {
			cfg.MaxOpportunities = 2
			r = newRouter()
			ts := clk.Now().UnixMilli()
			for _, id := range []string{"c", "a", "b"} {
				Expect(r.HandleOpportunity(ctx, opportunity(id, ts))).To(Succeed())
			}
			r.CleanupTick()
			Expect(r.Size()).To(Equal(2))
			_, ok := r.Get("a")
			Expect(ok).To(BeFalse())
		})
	})

	Context("serialization", func() {
		It("should round-trip through parse and re-serialize", func() {
			payload := map[string]any{
				"id":               "opp-1",
				"type":             "cross-dex",
				"chain":            "base",
				"buyDex":           "uniswap",
				"sellDex":          "sushiswap",
				"profitPercentage": 2.25,
				"confidence":       0.8,
				"timestamp":        float64(1_700_000_000_000),
				"expiresAt":        float64(1_700_000_060_000),
				"tokenIn":          "WETH",
				"tokenOut":         "USDC",
				"amountIn":         "1000000000000000000",
				"_trace_traceId":   "abc123",
			}
			first, err := router.ParseOpportunity(payload)
			Expect(err).ToNot(HaveOccurred())
			wire := first.Serialize()

			reparsed, err := router.ParseOpportunity(anyMap(wire))
			Expect(err).ToNot(HaveOccurred())
			Expect(reparsed.Serialize()).To(Equal(wire))
		})
	})
})

func anyMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
