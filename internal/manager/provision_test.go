package manager_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/proxy-pool-manager/internal/types"
)

var _ = Describe("Provision", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture()
	})

	It("should split the count evenly and drop the remainder", func() {
		a := newFakeProvider("a", types.Residential)
		b := newFakeProvider("b", types.ISP)
		m := f.manager(a, b)

		Expect(m.Provision(f.ctx, 7)).To(Equal(6))
		Expect(a.AcquireCalls()).To(Equal([]int{3}))
		Expect(b.AcquireCalls()).To(Equal([]int{3}))
		Expect(f.redis.SCard(f.ctx, "proxies:active")).To(Equal(int64(6)))

		p := f.load("a-1")
		Expect(p.Provider).To(Equal("a"))
		Expect(p.Password).To(Equal("secret"))
		Expect(p.Requests).To(BeZero())
	})

	It("should skip a failing provider", func() {
		broken := newFakeProvider("broken", types.ISP)
		broken.acquireErr = errBoom
		healthy := newFakeProvider("healthy", types.ISP)
		m := f.manager(broken, healthy)

		Expect(m.Provision(f.ctx, 4)).To(Equal(2))
		Expect(f.isActive("healthy-1")).To(BeTrue())
		Expect(f.isActive("healthy-2")).To(BeTrue())
	})

	It("should add nothing when the share rounds down to zero", func() {
		a := newFakeProvider("a", types.ISP)
		b := newFakeProvider("b", types.ISP)
		m := f.manager(a, b)

		Expect(m.Provision(f.ctx, 1)).To(BeZero())
		Expect(a.AcquireCalls()).To(BeEmpty())
	})

	It("should add nothing without providers", func() {
		Expect(f.manager().Provision(f.ctx, 10)).To(BeZero())
	})
})
