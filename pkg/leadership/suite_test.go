package leadership_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dexfleet/coordinator/pkg/alerts"
	"github.com/dexfleet/coordinator/pkg/fake"
	"github.com/dexfleet/coordinator/pkg/leadership"
	"github.com/dexfleet/coordinator/pkg/metrics"
	"github.com/dexfleet/coordinator/pkg/test"
)

const lockKey = "coordinator:leader:lock"

func TestLeadership(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Leadership")
}

// gatedKV blocks SetIfAbsent until released and counts attempts.
type gatedKV struct {
	*fake.Broker
	gate     chan struct{}
	attempts atomic.Int64
}

func (g *gatedKV) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	g.attempts.Add(1)
	<-g.gate
	return g.Broker.SetIfAbsent(ctx, key, value, ttl)
}

var _ = Describe("Elector", func() {
	var (
		ctx      context.Context
		clk      *clocktesting.FakeClock
		fb       *fake.Broker
		recorder *test.AlertRecorder
	)

	newElector := func(cfg leadership.Config) *leadership.Elector {
		if cfg.LockKey == "" {
			cfg.LockKey = lockKey
		}
		if cfg.TTL == 0 {
			cfg.TTL = 30 * time.Second
		}
		return leadership.NewElector(fb, clk, zap.NewNop().Sugar(), recorder, metrics.NewMetrics(prometheus.NewRegistry()), cfg)
	}

	BeforeEach(func() {
		ctx = context.Background()
		clk = clocktesting.NewFakeClock(time.UnixMilli(1_700_000_000_000))
		fb = fake.NewBroker(clk)
		recorder = test.NewAlertRecorder()
	})

	Context("acquisition", func() {
		It("should acquire the lock on the first heartbeat", func() {
			e := newElector(leadership.Config{InstanceID: "a", CanBecomeLeader: true})
			e.Heartbeat(ctx)
			Expect(e.IsLeader()).To(BeTrue())
			Expect(fb.LockValue(lockKey)).To(Equal("a"))
		})

		It("should never contend when leadership is disabled", func() {
			e := newElector(leadership.Config{InstanceID: "a", CanBecomeLeader: false})
			e.Heartbeat(ctx)
			Expect(e.IsLeader()).To(BeFalse())
			Expect(fb.LockValue(lockKey)).To(BeEmpty())
		})

		It("should recover its own lock after a restart within the TTL", func() {
			first := newElector(leadership.Config{InstanceID: "a", CanBecomeLeader: true})
			first.Heartbeat(ctx)
			Expect(first.IsLeader()).To(BeTrue())

			// Same instance id, fresh process state.
			restarted := newElector(leadership.Config{InstanceID: "a", CanBecomeLeader: true})
			restarted.Heartbeat(ctx)
			Expect(restarted.IsLeader()).To(BeTrue())
			Expect(fb.LockValue(lockKey)).To(Equal("a"))
		})

		It("should uphold leader uniqueness while the lock is live", func() {
			a := newElector(leadership.Config{InstanceID: "a", CanBecomeLeader: true})
			b := newElector(leadership.Config{InstanceID: "b", CanBecomeLeader: true})
			a.Heartbeat(ctx)
			b.Heartbeat(ctx)
			Expect(a.IsLeader()).To(BeTrue())
			Expect(b.IsLeader()).To(BeFalse())
			Expect(fb.LockValue(lockKey)).To(Equal("a"))
		})
	})

	Context("handoff", func() {
		It("should let a second instance take over after the first goes silent", func() {
			a := newElector(leadership.Config{InstanceID: "a", CanBecomeLeader: true, TTL: 30 * time.Second})
			a.Heartbeat(ctx)
			Expect(a.IsLeader()).To(BeTrue())

			// A stops heartbeating; its lock expires.
			clk.Step(31 * time.Second)

			b := newElector(leadership.Config{InstanceID: "b", CanBecomeLeader: true, TTL: 30 * time.Second})
			b.Heartbeat(ctx)
			Expect(b.IsLeader()).To(BeTrue())
			Expect(fb.LockValue(lockKey)).To(Equal("b"))

			// A's next heartbeat observes the loss without error.
			a.Heartbeat(ctx)
			Expect(a.IsLeader()).To(BeFalse())

			// A's release attempt finds nothing to release; not an error.
			released, err := fb.ReleaseIfOwned(ctx, lockKey, "a")
			Expect(err).ToNot(HaveOccurred())
			Expect(released).To(BeFalse())
		})
	})

	Context("demotion", func() {
		It("should demote after three consecutive renewal failures and alert once", func() {
			e := newElector(leadership.Config{InstanceID: "a", CanBecomeLeader: true})
			e.Heartbeat(ctx)
			Expect(e.IsLeader()).To(BeTrue())

			fb.KVErr = errors.New("connection refused")
			e.Heartbeat(ctx)
			e.Heartbeat(ctx)
			Expect(e.IsLeader()).To(BeTrue())
			e.Heartbeat(ctx)
			Expect(e.IsLeader()).To(BeFalse())
			Expect(recorder.Calls(alerts.TypeLeaderDemotion)).To(Equal(1))
		})

		It("should reset the failure count on a successful renewal", func() {
			e := newElector(leadership.Config{InstanceID: "a", CanBecomeLeader: true})
			e.Heartbeat(ctx)

			fb.KVErr = errors.New("connection refused")
			e.Heartbeat(ctx)
			e.Heartbeat(ctx)
			fb.KVErr = nil
			e.Heartbeat(ctx)

			fb.KVErr = errors.New("connection refused")
			e.Heartbeat(ctx)
			e.Heartbeat(ctx)
			Expect(e.IsLeader()).To(BeTrue())
			Expect(recorder.Calls(alerts.TypeLeaderDemotion)).To(BeZero())
		})
	})

	Context("standby", func() {
		It("should not contend while standby", func() {
			e := newElector(leadership.Config{InstanceID: "a", CanBecomeLeader: true, Standby: true})
			e.Heartbeat(ctx)
			Expect(e.IsLeader()).To(BeFalse())
			Expect(fb.LockValue(lockKey)).To(BeEmpty())
		})

		It("should acquire leadership on activation", func() {
			e := newElector(leadership.Config{InstanceID: "a", CanBecomeLeader: true, Standby: true})
			acquired, err := e.ActivateStandby(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(acquired).To(BeTrue())
			Expect(e.IsLeader()).To(BeTrue())
		})

		It("should report activation failure when another instance holds the lock", func() {
			other := newElector(leadership.Config{InstanceID: "other", CanBecomeLeader: true})
			other.Heartbeat(ctx)

			e := newElector(leadership.Config{InstanceID: "a", CanBecomeLeader: true, Standby: true})
			acquired, err := e.ActivateStandby(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(acquired).To(BeFalse())
			Expect(e.IsLeader()).To(BeFalse())

			// The standby gate is restored; heartbeats do not contend.
			clk.Step(time.Minute)
			e.Heartbeat(ctx)
			Expect(e.IsLeader()).To(BeFalse())
		})

		It("should share one in-flight attempt across concurrent activations", func() {
			gated := &gatedKV{Broker: fb, gate: make(chan struct{})}
			e := leadership.NewElector(gated, clk, zap.NewNop().Sugar(), recorder, metrics.NewMetrics(prometheus.NewRegistry()), leadership.Config{
				LockKey:         lockKey,
				InstanceID:      "a",
				TTL:             30 * time.Second,
				CanBecomeLeader: true,
				Standby:         true,
			})

			const callers = 5
			results := make([]bool, callers)
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					defer GinkgoRecover()
					acquired, err := e.ActivateStandby(ctx)
					Expect(err).ToNot(HaveOccurred())
					results[i] = acquired
				}(i)
			}
			// Let every caller join the in-flight attempt before releasing it.
			Eventually(gated.attempts.Load).Should(Equal(int64(1)))
			time.Sleep(50 * time.Millisecond)
			close(gated.gate)
			wg.Wait()

			Expect(gated.attempts.Load()).To(Equal(int64(1)))
			for _, acquired := range results {
				Expect(acquired).To(BeTrue())
			}
		})
	})
})
