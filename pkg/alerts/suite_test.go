package alerts_test

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dexfleet/coordinator/pkg/alerts"
)

func TestAlerts(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Alerts")
}

type capturingNotifier struct {
	mu   sync.Mutex
	sent []alerts.Alert
}

func (c *capturingNotifier) Name() string { return "capture" }

func (c *capturingNotifier) Notify(_ context.Context, alert alerts.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, alert)
	return nil
}

func (c *capturingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

var _ = Describe("Manager", func() {
	var (
		ctx      context.Context
		clk      *clocktesting.FakeClock
		notifier *capturingNotifier
		manager  *alerts.Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		clk = clocktesting.NewFakeClock(time.UnixMilli(1_700_000_000_000))
		notifier = &capturingNotifier{}
		manager = alerts.NewManager(zap.NewNop().Sugar(), clk, 5*time.Minute, notifier)
	})

	It("should deliver an alert to the notifier", func() {
		manager.Publish(ctx, alerts.Alert{Type: alerts.TypeServiceUnhealthy, Severity: alerts.SeverityHigh, Service: "detector-base"})
		Eventually(notifier.count).Should(Equal(1))
	})

	It("should suppress repeats within the cooldown window", func() {
		for i := 0; i < 3; i++ {
			manager.Publish(ctx, alerts.Alert{Type: alerts.TypeServiceUnhealthy, Severity: alerts.SeverityHigh, Service: "detector-base"})
		}
		Eventually(notifier.count).Should(Equal(1))
		Consistently(notifier.count, 200*time.Millisecond).Should(Equal(1))
	})

	It("should deliver again once the cooldown window has elapsed", func() {
		manager.Publish(ctx, alerts.Alert{Type: alerts.TypeServiceUnhealthy, Severity: alerts.SeverityHigh, Service: "detector-base"})
		clk.Step(4 * time.Minute)
		manager.Publish(ctx, alerts.Alert{Type: alerts.TypeServiceUnhealthy, Severity: alerts.SeverityHigh, Service: "detector-base"})
		Eventually(notifier.count).Should(Equal(1))

		clk.Step(time.Minute + time.Second)
		manager.Publish(ctx, alerts.Alert{Type: alerts.TypeServiceUnhealthy, Severity: alerts.SeverityHigh, Service: "detector-base"})
		Eventually(notifier.count).Should(Equal(2))
	})

	It("should key the cooldown by type and service", func() {
		manager.Publish(ctx, alerts.Alert{Type: alerts.TypeServiceUnhealthy, Severity: alerts.SeverityHigh, Service: "detector-base"})
		manager.Publish(ctx, alerts.Alert{Type: alerts.TypeServiceUnhealthy, Severity: alerts.SeverityHigh, Service: "detector-arbitrum"})
		manager.Publish(ctx, alerts.Alert{Type: alerts.TypeSystemHealthLow, Severity: alerts.SeverityCritical})
		Eventually(notifier.count).Should(Equal(3))
	})

	It("should treat an empty service as the system scope", func() {
		manager.Publish(ctx, alerts.Alert{Type: alerts.TypeSystemHealthLow, Severity: alerts.SeverityCritical})
		manager.Publish(ctx, alerts.Alert{Type: alerts.TypeSystemHealthLow, Severity: alerts.SeverityCritical})
		Eventually(notifier.count).Should(Equal(1))
		Consistently(notifier.count, 200*time.Millisecond).Should(Equal(1))
	})
})
