package store_test

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/proxy-pool-manager/internal/store"
)

var _ = Describe("RedisStore", func() {
	var (
		mr  *miniredis.Miniredis
		s   *store.RedisStore
		ctx context.Context
	)

	BeforeEach(func() {
		mr = miniredis.RunT(GinkgoT())
		var err error
		s, err = store.NewRedisStore(store.RedisOptions{Addr: mr.Addr(), OpTimeout: time.Second})
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()
	})

	AfterEach(func() {
		s.Close()
	})

	It("should fail to connect to a dead server", func() {
		_, err := store.NewRedisStore(store.RedisOptions{
			Addr:        "127.0.0.1:1",
			DialTimeout: 100 * time.Millisecond,
			OpTimeout:   200 * time.Millisecond,
		})
		Expect(err).To(MatchError(ContainSubstring("redis ping")))
	})

	Describe("sets", func() {
		It("should report how many members changed", func() {
			n, err := s.SAdd(ctx, store.KeyActive, "a", "b")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(2)))

			n, err = s.SAdd(ctx, store.KeyActive, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())

			n, err = s.SRem(ctx, store.KeyActive, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(1)))

			n, err = s.SRem(ctx, store.KeyActive, "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())

			members, err := s.SMembers(ctx, store.KeyActive)
			Expect(err).NotTo(HaveOccurred())
			Expect(members).To(ConsistOf("b"))

			card, err := s.SCard(ctx, store.KeyActive)
			Expect(err).NotTo(HaveOccurred())
			Expect(card).To(Equal(int64(1)))

			ok, err := s.SIsMember(ctx, store.KeyActive, "b")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
		})
	})

	Describe("hashes", func() {
		It("should set many fields and single fields", func() {
			key := store.ProxyKey("p-1")
			Expect(s.HSet(ctx, key, map[string]string{"requests": "1", "url": "http://x"})).To(Succeed())
			Expect(s.HSetField(ctx, key, "requests", "2")).To(Succeed())

			fields, err := s.HGetAll(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(fields).To(Equal(map[string]string{"requests": "2", "url": "http://x"}))
		})

		It("should return an empty map for a missing hash", func() {
			fields, err := s.HGetAll(ctx, store.ProxyKey("missing"))
			Expect(err).NotTo(HaveOccurred())
			Expect(fields).To(BeEmpty())
		})

		It("should increment counters in place", func() {
			key := store.ProxyKey("p-2")
			Expect(s.HSet(ctx, key, map[string]string{"requests": "4", "total_bandwidth_mb": "1.5"})).To(Succeed())

			n, err := s.HIncrBy(ctx, key, "requests", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(int64(5)))

			mb, err := s.HIncrByFloat(ctx, key, "total_bandwidth_mb", 0.25)
			Expect(err).NotTo(HaveOccurred())
			Expect(mb).To(BeNumerically("~", 1.75, 1e-9))

			Expect(mr.HGet(key, "requests")).To(Equal("5"))
		})

		It("should ignore an empty field set", func() {
			Expect(s.HSet(ctx, "empty", map[string]string{})).To(Succeed())
			Expect(mr.Exists("empty")).To(BeFalse())
		})
	})

	Describe("strings", func() {
		It("should distinguish missing keys", func() {
			_, ok, err := s.Get(ctx, "nope")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeFalse())

			Expect(s.Set(ctx, "k", "v", 0)).To(Succeed())
			v, ok, err := s.Get(ctx, "k")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal("v"))
		})

		It("should expire keys", func() {
			Expect(s.Set(ctx, "k", "v", time.Minute)).To(Succeed())
			mr.FastForward(2 * time.Minute)
			exists, err := s.Exists(ctx, "k")
			Expect(err).NotTo(HaveOccurred())
			Expect(exists).To(BeFalse())
		})

		It("should increment floats", func() {
			v, err := s.IncrByFloat(ctx, store.KeyCostToday, 1.25)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeNumerically("~", 1.25, 1e-9))
			v, err = s.IncrByFloat(ctx, store.KeyCostToday, 0.5)
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(BeNumerically("~", 1.75, 1e-9))
		})

		It("should set a TTL on an existing hash", func() {
			key := store.ProxyKey("p-2")
			Expect(s.HSetField(ctx, key, "id", "p-2")).To(Succeed())
			Expect(s.Expire(ctx, key, 24*time.Hour)).To(Succeed())
			Expect(mr.TTL(key)).To(Equal(24 * time.Hour))
		})
	})

	Describe("queues and channels", func() {
		It("should push onto lists", func() {
			Expect(s.LPush(ctx, "maintenance", "a", "b")).To(Succeed())
			list, err := mr.List("maintenance")
			Expect(err).NotTo(HaveOccurred())
			Expect(list).To(Equal([]string{"b", "a"}))
		})

		It("should publish to a channel", func() {
			sub := s.Client().Subscribe(ctx, store.ChannelAlerts)
			defer sub.Close()
			_, err := sub.Receive(ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(s.Publish(ctx, store.ChannelAlerts, `{"type":"alert"}`)).To(Succeed())

			msg, err := sub.ReceiveMessage(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Payload).To(Equal(`{"type":"alert"}`))
		})
	})

	It("should surface errors once the server is gone", func() {
		gone, err := miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		dead, err := store.NewRedisStore(store.RedisOptions{Addr: gone.Addr(), OpTimeout: time.Second})
		Expect(err).NotTo(HaveOccurred())
		defer dead.Close()
		gone.Close()

		_, err = dead.SMembers(ctx, store.KeyActive)
		Expect(err).To(MatchError(ContainSubstring("redis smembers")))
	})
})
