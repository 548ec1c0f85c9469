package manager_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/proxy-pool-manager/internal/manager"
	"github.com/proxy-pool-manager/internal/snapshot"
	"github.com/proxy-pool-manager/internal/storage"
	"github.com/proxy-pool-manager/internal/types"
)

var _ = Describe("Lifecycle", func() {
	var (
		f    *fixture
		prov *fakeProvider
	)

	BeforeEach(func() {
		f = newFixture()
		prov = newFakeProvider("fake", types.ISP)
	})

	It("should top up a thin pool on start", func() {
		m := f.manager(prov)
		Expect(m.Start(f.ctx)).To(Succeed())
		defer m.Shutdown(f.ctx)

		Expect(prov.AcquireCalls()).To(Equal([]int{20}))
		Expect(f.redis.SCard(f.ctx, "proxies:active")).To(Equal(int64(20)))
	})

	It("should leave a full pool alone on start", func() {
		for i := 0; i < 12; i++ {
			f.seed(proxyWith(string(rune('a'+i)), types.ISP, 0, 0))
		}

		m := f.manager(prov)
		Expect(m.Start(f.ctx)).To(Succeed())
		defer m.Shutdown(f.ctx)

		Expect(prov.AcquireCalls()).To(BeEmpty())
	})

	It("should keep looping after a panicking iteration", func() {
		prov.panicRotate = true
		stale := proxyWith("stale", types.ISP, 5, 0)
		stale.Provider = "fake"
		stale.StickySessionID = "s"
		stale.LastUsed = f.ago(time.Hour)
		f.seed(stale)

		f.opts.MinHealthy = 1
		f.opts.RotationInterval = 10 * time.Millisecond
		m := f.manager(prov)
		Expect(m.Start(f.ctx)).To(Succeed())

		Eventually(prov.RotateCalls).WithTimeout(2 * time.Second).Should(BeNumerically(">=", 3))
		Expect(m.Shutdown(f.ctx)).To(Succeed())
	})

	It("should record final stats and refuse work after shutdown", func() {
		archive, err := storage.NewFileArchive(filepath.Join(GinkgoT().TempDir(), "stats.json"))
		Expect(err).NotTo(HaveOccurred())
		f.opts.Snapshots = snapshot.NewManager(archive, 0)

		p := proxyWith("one", types.ISP, 3, 0)
		f.seed(p)
		f.opts.MinHealthy = 1
		m := f.manager(prov)
		Expect(m.Start(f.ctx)).To(Succeed())

		ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
		defer cancel()
		Expect(m.Shutdown(ctx)).To(Succeed())
		Expect(m.Shutdown(ctx)).To(Succeed())

		raw, err := f.mr.Get("proxy_manager:final_stats")
		Expect(err).NotTo(HaveOccurred())
		var stats types.Stats
		Expect(json.Unmarshal([]byte(raw), &stats)).To(Succeed())
		Expect(stats.Active).To(Equal(1))
		Expect(stats.Providers).To(Equal([]string{"fake"}))

		archived, err := archive.Load()
		Expect(err).NotTo(HaveOccurred())
		Expect(archived.Stats.Active).To(Equal(1))

		Expect(m.ReportUsage(f.ctx, &p, types.Usage{Success: true})).To(MatchError(manager.ErrShuttingDown))
	})

	It("should summarize pool health", func() {
		sick := proxyWith("sick", types.ISP, 100, 90)
		sick.LastUsed = f.ago(2 * time.Hour)
		f.seed(
			proxyWith("new", types.ISP, 0, 0),     // 100
			proxyWith("good", types.ISP, 10, 0),   // 98
			proxyWith("fair", types.ISP, 100, 50), // 68
			sick,                                  // 34
		)
		_, err := f.redis.SAdd(f.ctx, "proxies:burned", "gone")
		Expect(err).NotTo(HaveOccurred())
		Expect(f.redis.Set(f.ctx, "metrics:proxy_cost_today", "2.5", 0)).To(Succeed())

		m := f.manager(prov)
		stats, err := m.GetStats(f.ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.Active).To(Equal(4))
		Expect(stats.Burned).To(Equal(1))
		Expect(stats.Providers).To(Equal([]string{"fake"}))
		Expect(stats.CostToday).To(Equal(2.5))
		Expect(stats.HealthBreakdown).To(Equal(types.HealthBreakdown{Excellent: 2, Good: 0, Fair: 1, Poor: 1}))
	})

	It("should find proxies by id", func() {
		f.seed(proxyWith("known", types.ISP, 1, 0))
		m := f.manager()

		p, err := m.Lookup(f.ctx, "known")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Requests).To(Equal(int64(1)))

		_, err = m.Lookup(f.ctx, "unknown")
		Expect(err).To(MatchError(manager.ErrNoProxy))
	})
})
