package manager_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/proxy-pool-manager/internal/manager"
	"github.com/proxy-pool-manager/internal/provider"
	"github.com/proxy-pool-manager/internal/store"
	"github.com/proxy-pool-manager/internal/tasks"
	"github.com/proxy-pool-manager/internal/types"
)

// fakeProvider hands out numbered proxies and records every call
type fakeProvider struct {
	name string
	kind types.ProxyType

	mu           sync.Mutex
	acquireCalls []int
	rotateCalls  int
	seq          int
	acquireErr   error
	rotateErr    error
	panicRotate  bool
}

func newFakeProvider(name string, kind types.ProxyType) *fakeProvider {
	return &fakeProvider{name: name, kind: kind}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Acquire(_ context.Context, count int) ([]types.Proxy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.acquireCalls = append(f.acquireCalls, count)
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}

	proxies := make([]types.Proxy, 0, count)
	for i := 0; i < count; i++ {
		f.seq++
		proxies = append(proxies, types.Proxy{
			ID:              fmt.Sprintf("%s-%d", f.name, f.seq),
			URL:             "http://" + f.name + ".example:8000",
			Provider:        f.name,
			Type:            f.kind,
			Location:        "us",
			Username:        fmt.Sprintf("user-%d", f.seq),
			Password:        "secret",
			StickySessionID: fmt.Sprintf("session-%d", f.seq),
		})
	}
	return proxies, nil
}

func (f *fakeProvider) RotateSession(_ context.Context, p types.Proxy) (types.Proxy, error) {
	f.mu.Lock()
	f.rotateCalls++
	n := f.rotateCalls
	f.mu.Unlock()

	if f.panicRotate {
		panic("rotate exploded")
	}
	if f.rotateErr != nil {
		return types.Proxy{}, f.rotateErr
	}

	p.StickySessionID = fmt.Sprintf("rotated-%d", n)
	p.Username = fmt.Sprintf("user-rotated-%d", n)
	return p, nil
}

func (f *fakeProvider) AcquireCalls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.acquireCalls...)
}

func (f *fakeProvider) RotateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rotateCalls
}

// recordingStore captures published messages and can fail INCRBYFLOAT
type recordingStore struct {
	store.Store

	failIncr atomic.Bool

	mu        sync.Mutex
	published map[string][]string
}

func (r *recordingStore) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	if r.failIncr.Load() {
		return 0, errBoom
	}
	return r.Store.IncrByFloat(ctx, key, delta)
}

func (r *recordingStore) Publish(ctx context.Context, channel, message string) error {
	if err := r.Store.Publish(ctx, channel, message); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.published == nil {
		r.published = make(map[string][]string)
	}
	r.published[channel] = append(r.published[channel], message)
	return nil
}

func (r *recordingStore) Alerts() []types.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	alerts := make([]types.Alert, 0, len(r.published[store.ChannelAlerts]))
	for _, msg := range r.published[store.ChannelAlerts] {
		var a types.Alert
		Expect(json.Unmarshal([]byte(msg), &a)).To(Succeed())
		alerts = append(alerts, a)
	}
	return alerts
}

// fixture wires a manager to a throwaway redis
type fixture struct {
	ctx   context.Context
	mr    *miniredis.Miniredis
	redis *store.RedisStore
	store *recordingStore
	now   time.Time
	opts  manager.Options
}

func newFixture() *fixture {
	mr := miniredis.RunT(GinkgoT())
	rs, err := store.NewRedisStore(store.RedisOptions{Addr: mr.Addr(), OpTimeout: time.Second})
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = rs.Close() })

	f := &fixture{
		ctx:   context.Background(),
		mr:    mr,
		redis: rs,
		store: &recordingStore{Store: rs},
		now:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.opts = manager.Options{
		OperationTimeout:    time.Second,
		HealthCheckInterval: time.Hour,
		CostMonitorInterval: time.Hour,
		RotationInterval:    time.Hour,
		Jobs:                tasks.NewDispatcher(rs),
		Now:                 func() time.Time { return f.now },
	}
	return f
}

func (f *fixture) manager(providers ...provider.Provider) *manager.Manager {
	return manager.New(f.store, providers, f.opts)
}

func (f *fixture) seed(proxies ...types.Proxy) {
	for _, p := range proxies {
		Expect(f.redis.HSet(f.ctx, store.ProxyKey(p.ID), p.Fields())).To(Succeed())
		_, err := f.redis.SAdd(f.ctx, store.KeyActive, p.ID)
		Expect(err).NotTo(HaveOccurred())
	}
}

func (f *fixture) load(id string) *types.Proxy {
	fields, err := f.redis.HGetAll(f.ctx, store.ProxyKey(id))
	Expect(err).NotTo(HaveOccurred())
	p, err := types.ProxyFromFields(fields)
	Expect(err).NotTo(HaveOccurred())
	return p
}

func (f *fixture) isActive(id string) bool {
	ok, err := f.redis.SIsMember(f.ctx, store.KeyActive, id)
	Expect(err).NotTo(HaveOccurred())
	return ok
}

func (f *fixture) isBurned(id string) bool {
	ok, err := f.redis.SIsMember(f.ctx, store.KeyBurned, id)
	Expect(err).NotTo(HaveOccurred())
	return ok
}

func (f *fixture) ago(d time.Duration) *time.Time {
	t := f.now.Add(-d)
	return &t
}

// proxyWith builds a proxy with the given counts and a fixed 100ms latency
func proxyWith(id string, kind types.ProxyType, requests, failures int64) types.Proxy {
	p := types.Proxy{
		ID:       id,
		URL:      "http://" + id + ".example:8000",
		Provider: "fake",
		Type:     kind,
		Location: "us",
		Requests: requests,
		Failures: failures,
	}
	p.Successes = requests - failures
	if requests > 0 {
		p.ResponseTimes = []float64{100}
	}
	return p
}

var errBoom = errors.New("boom")
