// Package manager runs the proxy pool: selection, usage accounting, burn
// policy, provisioning and the health, cost and rotation loops.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/proxy-pool-manager/internal/config"
	"github.com/proxy-pool-manager/internal/metrics"
	"github.com/proxy-pool-manager/internal/provider"
	"github.com/proxy-pool-manager/internal/snapshot"
	"github.com/proxy-pool-manager/internal/store"
	"github.com/proxy-pool-manager/internal/tasks"
	"github.com/proxy-pool-manager/internal/types"
	log "github.com/sirupsen/logrus"
)

// JobQueue enqueues background jobs. *tasks.Dispatcher satisfies it.
type JobQueue interface {
	Enqueue(ctx context.Context, queue, jobType string, payload interface{}) (tasks.Job, error)
}

type Options struct {
	DefaultBatch     int
	MinHealthy       int
	TargetHealthy    int
	OperationTimeout time.Duration
	// MinHealthScore applies to requests that set no threshold
	MinHealthScore *float64

	HealthCheckInterval time.Duration
	CostMonitorInterval time.Duration
	RotationInterval    time.Duration

	// MaintenanceQueue receives proxy_burned jobs when Jobs is set
	MaintenanceQueue string

	Metrics    *metrics.Collector
	Jobs       JobQueue
	Snapshots  *snapshot.Manager
	HTTPClient *http.Client
	Now        func() time.Time
}

// OptionsFromConfig maps the pool and monitoring sections. Collaborators
// are left for the caller to set.
func OptionsFromConfig(cfg *config.Config) Options {
	minScore := cfg.Pool.MinHealthScore
	return Options{
		MinHealthScore:      &minScore,
		DefaultBatch:        cfg.Pool.DefaultBatch,
		MinHealthy:          cfg.Pool.MinHealthy,
		TargetHealthy:       cfg.Pool.TargetHealthy,
		OperationTimeout:    cfg.Pool.OperationTimeout,
		HealthCheckInterval: cfg.Monitoring.HealthCheckInterval,
		CostMonitorInterval: cfg.Monitoring.CostMonitorInterval,
		RotationInterval:    cfg.Monitoring.RotationInterval,
		MaintenanceQueue:    cfg.Tasks.MaintenanceQueue,
	}
}

func (o *Options) setDefaults() {
	if o.DefaultBatch <= 0 {
		o.DefaultBatch = 10
	}
	if o.MinHealthy <= 0 {
		o.MinHealthy = 10
	}
	if o.TargetHealthy <= 0 {
		o.TargetHealthy = 20
	}
	if o.MinHealthScore == nil {
		minScore := types.DefaultMinHealthScore
		o.MinHealthScore = &minScore
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 10 * time.Second
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 300 * time.Second
	}
	if o.CostMonitorInterval <= 0 {
		o.CostMonitorInterval = time.Hour
	}
	if o.RotationInterval <= 0 {
		o.RotationInterval = 600 * time.Second
	}
	if o.MaintenanceQueue == "" {
		o.MaintenanceQueue = "maintenance"
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewCollector("proxypool")
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.OperationTimeout}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Manager struct {
	store     store.Store
	providers []provider.Provider
	byName    map[string]provider.Provider
	opts      Options
	metrics   *metrics.Collector
	now       func() time.Time

	costMu sync.Mutex
	costs  map[string]float64

	// ids of proxies currently being rotated
	rotating sync.Map

	lifecycleMu sync.RWMutex
	closed      bool
	inflight    sync.WaitGroup

	cancel       context.CancelFunc
	loops        sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(s store.Store, providers []provider.Provider, opts Options) *Manager {
	opts.setDefaults()

	byName := make(map[string]provider.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}

	return &Manager{
		store:     s,
		providers: providers,
		byName:    byName,
		opts:      opts,
		metrics:   opts.Metrics,
		now:       opts.Now,
		costs:     make(map[string]float64),
	}
}

// Providers returns the registered provider names in registration order
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for _, p := range m.providers {
		names = append(names, p.Name())
	}
	return names
}

// Start tops up a thin pool and launches the background loops. The loops
// run until ctx is cancelled or Shutdown is called.
func (m *Manager) Start(ctx context.Context) error {
	log.Info("Starting proxy manager...")

	active, err := m.store.SCard(ctx, store.KeyActive)
	if err != nil {
		return storeErr("count active", err)
	}
	burned, err := m.store.SCard(ctx, store.KeyBurned)
	if err != nil {
		return storeErr("count burned", err)
	}

	log.Infof("Loaded %d active proxies, %d burned", active, burned)
	m.metrics.SetPoolSize(int(active), int(burned))

	if active < int64(m.opts.MinHealthy) {
		m.Provision(ctx, m.opts.TargetHealthy)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.loops.Add(3)
	go m.runLoop(loopCtx, "health", m.opts.HealthCheckInterval, func(ctx context.Context) error {
		_, err := m.CheckHealth(ctx)
		return err
	})
	go m.runLoop(loopCtx, "cost", m.opts.CostMonitorInterval, m.FlushCosts)
	go m.runLoop(loopCtx, "rotation", m.opts.RotationInterval, func(ctx context.Context) error {
		_, err := m.RotateSessions(ctx)
		return err
	})

	log.Infof("Proxy manager started with %d providers", len(m.providers))
	return nil
}

// Shutdown stops the loops, lets in-flight usage reports finish, records
// final stats and releases the store and pooled connections. Only the
// first call does work.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.shutdownErr = m.shutdown(ctx)
	})
	return m.shutdownErr
}

func (m *Manager) shutdown(ctx context.Context) error {
	log.Info("Shutting down proxy manager...")

	if m.cancel != nil {
		m.cancel()
	}
	if err := wait(ctx, &m.loops); err != nil {
		log.Warnf("Background loops did not stop in time: %v", err)
	}

	m.lifecycleMu.Lock()
	m.closed = true
	m.lifecycleMu.Unlock()
	if err := wait(ctx, &m.inflight); err != nil {
		log.Warnf("In-flight usage reports did not finish in time: %v", err)
	}

	var errs []error

	stats, err := m.GetStats(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("final stats: %w", err))
	} else {
		data, _ := json.Marshal(stats)
		if err := m.store.Set(ctx, store.KeyFinalStats, string(data), 0); err != nil {
			errs = append(errs, storeErr("save final stats", err))
		}
		if m.opts.Snapshots != nil {
			m.opts.Snapshots.UpdateStats(stats)
		}
	}

	if m.opts.Snapshots != nil {
		if err := m.opts.Snapshots.Close(); err != nil {
			errs = append(errs, fmt.Errorf("flush stats snapshot: %w", err))
		}
	}

	m.opts.HTTPClient.CloseIdleConnections()

	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	log.Info("Proxy manager shutdown complete")
	return errors.Join(errs...)
}

// enter registers a request-path call so Shutdown can wait for it
func (m *Manager) enter() error {
	m.lifecycleMu.RLock()
	defer m.lifecycleMu.RUnlock()
	if m.closed {
		return ErrShuttingDown
	}
	m.inflight.Add(1)
	return nil
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup loads an active or recently burned proxy by id
func (m *Manager) Lookup(ctx context.Context, id string) (*types.Proxy, error) {
	p, err := m.loadProxy(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: proxy %s not found", ErrNoProxy, id)
	}
	return p, nil
}

// loadProxy returns nil without error for missing or unreadable records
func (m *Manager) loadProxy(ctx context.Context, id string) (*types.Proxy, error) {
	fields, err := m.store.HGetAll(ctx, store.ProxyKey(id))
	if err != nil {
		return nil, storeErr("load proxy", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	p, err := types.ProxyFromFields(fields)
	if err != nil {
		log.WithField("proxy_id", id).Warnf("Skipping unreadable proxy record: %v", err)
		return nil, nil
	}
	if p.ID == "" {
		p.ID = id
	}
	return p, nil
}

func (m *Manager) saveProxy(ctx context.Context, p *types.Proxy) error {
	if err := m.store.HSet(ctx, store.ProxyKey(p.ID), p.Fields()); err != nil {
		return storeErr("save proxy", err)
	}
	return nil
}

func (m *Manager) activeIDs(ctx context.Context) ([]string, error) {
	ids, err := m.store.SMembers(ctx, store.KeyActive)
	if err != nil {
		return nil, storeErr("list active", err)
	}
	return ids, nil
}
