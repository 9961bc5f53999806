package redisbroker_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"github.com/dexfleet/coordinator/pkg/broker/redisbroker"
)

func TestRedisBroker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RedisBroker")
}

var _ = Describe("Broker", func() {
	var (
		ctx context.Context
		mr  *miniredis.Miniredis
		b   *redisbroker.Broker
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		mr, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(mr.Close)
		b = redisbroker.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	})

	Context("locks", func() {
		It("should acquire a free lock and refuse a held one", func() {
			ok, err := b.SetIfAbsent(ctx, "lock", "a", time.Minute)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())

			ok, err = b.SetIfAbsent(ctx, "lock", "b", time.Minute)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(mr.Get("lock")).To(Equal("a"))
		})

		It("should renew only for the owner", func() {
			_, err := b.SetIfAbsent(ctx, "lock", "a", time.Minute)
			Expect(err).ToNot(HaveOccurred())

			renewed, err := b.RenewIfOwned(ctx, "lock", "b", time.Minute)
			Expect(err).ToNot(HaveOccurred())
			Expect(renewed).To(BeFalse())

			renewed, err = b.RenewIfOwned(ctx, "lock", "a", time.Minute)
			Expect(err).ToNot(HaveOccurred())
			Expect(renewed).To(BeTrue())
		})

		It("should release only for the owner", func() {
			_, err := b.SetIfAbsent(ctx, "lock", "a", time.Minute)
			Expect(err).ToNot(HaveOccurred())

			released, err := b.ReleaseIfOwned(ctx, "lock", "b")
			Expect(err).ToNot(HaveOccurred())
			Expect(released).To(BeFalse())
			Expect(mr.Exists("lock")).To(BeTrue())

			released, err = b.ReleaseIfOwned(ctx, "lock", "a")
			Expect(err).ToNot(HaveOccurred())
			Expect(released).To(BeTrue())
			Expect(mr.Exists("lock")).To(BeFalse())
		})

		It("should allow re-acquisition after the TTL lapses", func() {
			_, err := b.SetIfAbsent(ctx, "lock", "a", time.Second)
			Expect(err).ToNot(HaveOccurred())
			mr.FastForward(2 * time.Second)

			ok, err := b.SetIfAbsent(ctx, "lock", "b", time.Minute)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		})
	})

	Context("streams", func() {
		It("should tolerate creating the same group twice", func() {
			Expect(b.CreateGroup(ctx, "s", "g", "0")).To(Succeed())
			Expect(b.CreateGroup(ctx, "s", "g", "0")).To(Succeed())
		})

		It("should append, read and ack through a consumer group", func() {
			Expect(b.CreateGroup(ctx, "s", "g", "0")).To(Succeed())
			id, err := b.Append(ctx, "s", map[string]string{"id": "opp-1"})
			Expect(err).ToNot(HaveOccurred())

			msgs, err := b.ReadGroup(ctx, "s", "g", "c1", 0, 10)
			Expect(err).ToNot(HaveOccurred())
			Expect(msgs).To(HaveLen(1))
			Expect(msgs[0].ID).To(Equal(id))
			Expect(msgs[0].Fields).To(HaveKeyWithValue("id", "opp-1"))

			sum, err := b.PendingSummary(ctx, "s", "g")
			Expect(err).ToNot(HaveOccurred())
			Expect(sum.Total).To(Equal(int64(1)))
			Expect(sum.Consumers).To(HaveKeyWithValue("c1", int64(1)))

			Expect(b.Ack(ctx, "s", "g", id)).To(Succeed())
			sum, err = b.PendingSummary(ctx, "s", "g")
			Expect(err).ToNot(HaveOccurred())
			Expect(sum.Total).To(BeZero())
		})

		It("should return an empty batch when the stream is drained", func() {
			Expect(b.CreateGroup(ctx, "s", "g", "0")).To(Succeed())
			msgs, err := b.ReadGroup(ctx, "s", "g", "c1", 0, 10)
			Expect(err).ToNot(HaveOccurred())
			Expect(msgs).To(BeEmpty())
		})

		It("should claim idle pending entries for a new consumer", func() {
			Expect(b.CreateGroup(ctx, "s", "g", "0")).To(Succeed())
			id, err := b.Append(ctx, "s", map[string]string{"id": "opp-1"})
			Expect(err).ToNot(HaveOccurred())
			_, err = b.ReadGroup(ctx, "s", "g", "crashed", 0, 10)
			Expect(err).ToNot(HaveOccurred())

			mr.FastForward(2 * time.Minute)
			entries, err := b.PendingRange(ctx, "s", "g", "-", "+", 10, "crashed")
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(1))

			claimed, err := b.Claim(ctx, "s", "g", "new", time.Minute, []string{id})
			Expect(err).ToNot(HaveOccurred())
			Expect(claimed).To(HaveLen(1))
			Expect(claimed[0].Fields).To(HaveKeyWithValue("id", "opp-1"))

			entries, err = b.PendingRange(ctx, "s", "g", "-", "+", 10, "new")
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(1))
		})

		It("should accept capped appends", func() {
			for i := 0; i < 5; i++ {
				id, err := b.AppendCapped(ctx, "s", 2, map[string]string{"n": "x"})
				Expect(err).ToNot(HaveOccurred())
				Expect(id).ToNot(BeEmpty())
			}
		})
	})
})
