package manager_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/proxy-pool-manager/internal/manager"
	"github.com/proxy-pool-manager/internal/types"
)

var _ = Describe("Monitors", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture()
	})

	Describe("CheckHealth", func() {
		var prov *fakeProvider

		BeforeEach(func() {
			prov = newFakeProvider("fake", types.ISP)

			// 6 + 28 + 0 = 34
			sick := proxyWith("sick", types.ISP, 100, 90)
			sick.LastUsed = f.ago(2 * time.Hour)

			// 0 + 0 + 0 = 0
			dead := proxyWith("dead", types.ISP, 100, 100)
			dead.ResponseTimes = []float64{2000}
			dead.LastUsed = f.ago(2 * time.Hour)

			f.seed(
				proxyWith("good-1", types.ISP, 10, 0),
				proxyWith("good-2", types.ISP, 10, 0),
				proxyWith("good-3", types.ISP, 0, 0),
				sick,
				dead,
			)
		})

		It("should burn the worst and top up the pool", func() {
			m := f.manager(prov)

			report, err := m.CheckHealth(f.ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Healthy).To(Equal(3))
			Expect(report.Unhealthy).To(Equal(2))
			Expect(report.Burned).To(Equal(1))
			Expect(report.Total).To(Equal(5))
			Expect(report.Provisioned).To(Equal(17))
			Expect(prov.AcquireCalls()).To(Equal([]int{17}))

			Expect(f.isBurned("dead")).To(BeTrue())
			Expect(f.isActive("sick")).To(BeTrue())
			Expect(f.store.Alerts()).To(HaveLen(1))

			Expect(f.mr.HGet("metrics:proxy_health", "healthy")).To(Equal("3"))
			Expect(f.mr.HGet("metrics:proxy_health", "unhealthy")).To(Equal("2"))
			Expect(f.mr.HGet("metrics:proxy_health", "total")).To(Equal("5"))
			Expect(f.mr.HGet("metrics:proxy_health", "last_check")).To(Equal(f.now.Format(time.RFC3339)))
		})

		It("should not provision while enough proxies are healthy", func() {
			f.opts.MinHealthy = 3
			m := f.manager(prov)

			report, err := m.CheckHealth(f.ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Provisioned).To(BeZero())
			Expect(prov.AcquireCalls()).To(BeEmpty())
		})

		It("should not alert again for an already burned proxy", func() {
			f.opts.MinHealthy = 1
			m := f.manager(prov)

			_, err := m.CheckHealth(f.ctx)
			Expect(err).NotTo(HaveOccurred())
			_, err = m.CheckHealth(f.ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(f.store.Alerts()).To(HaveLen(1))
		})

		It("should prune burned ids whose record expired", func() {
			f.opts.MinHealthy = 1
			_, err := f.redis.SAdd(f.ctx, "proxies:burned", "ghost")
			Expect(err).NotTo(HaveOccurred())

			m := f.manager(prov)
			_, err = m.CheckHealth(f.ctx)
			Expect(err).NotTo(HaveOccurred())

			Expect(f.isBurned("ghost")).To(BeFalse())
			Expect(f.isBurned("dead")).To(BeTrue())
		})
	})

	Describe("FlushCosts", func() {
		var m *manager.Manager

		report := func(id string, kind types.ProxyType, mb float64) {
			p := proxyWith(id, kind, 0, 0)
			p.Provider = string(kind) + "-vendor"
			f.seed(p)
			Expect(m.ReportUsage(f.ctx, &p, types.Usage{Success: true, BandwidthMB: mb})).To(Succeed())
		}

		BeforeEach(func() {
			m = f.manager()
		})

		It("should roll the hour into the daily total and alert on high spend", func() {
			report("res", types.Residential, 1024) // 15.001
			report("isp", types.ISP, 512)          // 1.5

			Expect(m.FlushCosts(f.ctx)).To(Succeed())

			total, err := f.mr.Get("metrics:proxy_cost_today")
			Expect(err).NotTo(HaveOccurred())
			Expect(total).To(HavePrefix("16.50"))
			Expect(f.mr.TTL("metrics:proxy_cost_today")).To(Equal(12 * time.Hour))

			Expect(f.mr.HGet("metrics:proxy_cost_breakdown", "residential-vendor")).To(Equal("15.00"))
			Expect(f.mr.HGet("metrics:proxy_cost_breakdown", "isp-vendor")).To(Equal("1.50"))

			alerts := f.store.Alerts()
			Expect(alerts).To(HaveLen(1))
			Expect(alerts[0].Payload.Message).To(ContainSubstring("$16.50/hour"))
			Expect(alerts[0].Payload.Breakdown).To(HaveKeyWithValue("isp-vendor", 1.5))

			stats, err := m.GetStats(f.ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.CostThisHour).To(BeEmpty())
			Expect(stats.CostToday).To(BeNumerically("~", 16.501, 1e-6))
		})

		It("should stay quiet under the alert threshold and accumulate", func() {
			report("dc-1", types.Datacenter, 1024)
			Expect(m.FlushCosts(f.ctx)).To(Succeed())
			report("dc-2", types.Datacenter, 1024)
			Expect(m.FlushCosts(f.ctx)).To(Succeed())

			stats, err := m.GetStats(f.ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.CostToday).To(BeNumerically("~", 1.0, 1e-9))
			Expect(f.store.Alerts()).To(BeEmpty())
		})

		It("should keep the ledger when the daily total cannot be written", func() {
			report("dc", types.Datacenter, 2048)

			f.store.failIncr.Store(true)
			Expect(m.FlushCosts(f.ctx)).To(MatchError(manager.ErrStoreUnavailable))

			f.store.failIncr.Store(false)
			Expect(m.FlushCosts(f.ctx)).To(Succeed())

			stats, err := m.GetStats(f.ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.CostToday).To(BeNumerically("~", 1.0, 1e-9))
		})
	})

	Describe("RotateSessions", func() {
		var prov *fakeProvider

		BeforeEach(func() {
			prov = newFakeProvider("fake", types.Residential)

			stale := proxyWith("stale", types.Residential, 40, 4)
			stale.StickySessionID = "old-session"
			stale.Username = "old-user"
			stale.LastUsed = f.ago(20 * time.Minute)

			fresh := proxyWith("fresh", types.Residential, 5, 0)
			fresh.StickySessionID = "fresh-session"
			fresh.LastUsed = f.ago(5 * time.Minute)

			unsticky := proxyWith("unsticky", types.Residential, 5, 0)
			unsticky.LastUsed = f.ago(time.Hour)

			orphan := proxyWith("orphan", types.Residential, 5, 0)
			orphan.Provider = "retired"
			orphan.StickySessionID = "orphan-session"
			orphan.LastUsed = f.ago(time.Hour)

			f.seed(stale, fresh, unsticky, orphan)
		})

		It("should rotate only stale sticky sessions with a known provider", func() {
			m := f.manager(prov)

			rotated, err := m.RotateSessions(f.ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rotated).To(Equal(1))
			Expect(prov.RotateCalls()).To(Equal(1))

			stale := f.load("stale")
			Expect(stale.StickySessionID).To(Equal("rotated-1"))
			Expect(stale.Username).To(Equal("user-rotated-1"))
			Expect(stale.Requests).To(Equal(int64(40)))
			Expect(stale.Failures).To(Equal(int64(4)))
			Expect(stale.Type).To(Equal(types.Residential))

			Expect(f.load("fresh").StickySessionID).To(Equal("fresh-session"))
			Expect(f.load("orphan").StickySessionID).To(Equal("orphan-session"))
		})

		It("should isolate provider failures", func() {
			prov.rotateErr = errBoom
			m := f.manager(prov)

			rotated, err := m.RotateSessions(f.ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(rotated).To(BeZero())
			Expect(f.load("stale").StickySessionID).To(Equal("old-session"))
		})
	})
})
