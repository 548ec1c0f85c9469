package manager

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/proxy-pool-manager/internal/store"
	"github.com/proxy-pool-manager/internal/types"
	log "github.com/sirupsen/logrus"
)

// Loop thresholds
const (
	UnhealthyScore     = 50.0
	BurnScore          = 20.0
	RotationAge        = 15 * time.Minute
	CostAlertThreshold = 5.0 // USD per hour
)

func (m *Manager) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	defer m.loops.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("%s loop stopped", name)
			return
		case <-ticker.C:
			m.runIteration(ctx, name, fn)
		}
	}
}

// runIteration never lets a failure escape the loop
func (m *Manager) runIteration(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("loop", name).Errorf("Recovered from panic: %v\n%s", r, debug.Stack())
			m.metrics.RecordLoopError(name)
		}
	}()

	if err := fn(ctx); err != nil {
		log.WithField("loop", name).Errorf("Loop iteration failed: %v", err)
		m.metrics.RecordLoopError(name)
	}
}

// CheckHealth scores every active proxy, burns the worst, tops up the
// pool when too few are healthy and publishes the result.
func (m *Manager) CheckHealth(ctx context.Context) (types.HealthReport, error) {
	now := m.now()
	report := types.HealthReport{LastCheck: now}

	ids, err := m.activeIDs(ctx)
	if err != nil {
		return report, err
	}
	report.Total = len(ids)

	for _, id := range ids {
		p, err := m.loadProxy(ctx, id)
		if err != nil {
			return report, err
		}
		if p == nil {
			continue
		}

		score := p.HealthScore(now)
		if score >= UnhealthyScore {
			report.Healthy++
			continue
		}

		report.Unhealthy++
		if score < BurnScore {
			burned, err := m.Burn(ctx, p, ReasonLowHealth)
			if err != nil {
				log.WithField("proxy_id", p.ID).Errorf("Failed to burn unhealthy proxy: %v", err)
				continue
			}
			if burned {
				report.Burned++
			}
		}
	}

	if report.Healthy < m.opts.MinHealthy {
		report.Provisioned = m.Provision(ctx, m.opts.TargetHealthy-report.Healthy)
	}

	if err := m.store.HSet(ctx, store.KeyHealthMetrics, map[string]string{
		"healthy":    strconv.Itoa(report.Healthy),
		"unhealthy":  strconv.Itoa(report.Unhealthy),
		"total":      strconv.Itoa(report.Total),
		"last_check": now.UTC().Format(time.RFC3339),
	}); err != nil {
		return report, storeErr("write health metrics", err)
	}

	if err := m.pruneBurned(ctx); err != nil {
		log.Warnf("Failed to prune burned set: %v", err)
	}

	m.metrics.SetHealth(report.Healthy, report.Unhealthy)
	if m.opts.Snapshots != nil {
		m.opts.Snapshots.UpdateHealth(report)
	}
	if stats, err := m.GetStats(ctx); err == nil {
		m.metrics.SetPoolSize(stats.Active, stats.Burned)
		if m.opts.Snapshots != nil {
			m.opts.Snapshots.UpdateStats(stats)
		}
	}

	log.Infof("Health check: %d healthy, %d unhealthy, %d burned, %d provisioned",
		report.Healthy, report.Unhealthy, report.Burned, report.Provisioned)
	return report, nil
}

// pruneBurned drops burned ids whose records have expired
func (m *Manager) pruneBurned(ctx context.Context) error {
	ids, err := m.store.SMembers(ctx, store.KeyBurned)
	if err != nil {
		return storeErr("list burned", err)
	}

	var stale []string
	for _, id := range ids {
		exists, err := m.store.Exists(ctx, store.ProxyKey(id))
		if err != nil {
			return storeErr("check burned record", err)
		}
		if !exists {
			stale = append(stale, id)
		}
	}

	if len(stale) == 0 {
		return nil
	}
	if _, err := m.store.SRem(ctx, store.KeyBurned, stale...); err != nil {
		return storeErr("prune burned", err)
	}
	log.Debugf("Pruned %d expired burned proxies", len(stale))
	return nil
}

// FlushCosts moves the hourly ledger into the daily total and breakdown,
// alerting when the hour cost more than CostAlertThreshold. On store
// failure the ledger is restored for the next run.
func (m *Manager) FlushCosts(ctx context.Context) error {
	m.costMu.Lock()
	hourly := m.costs
	m.costs = make(map[string]float64)
	m.costMu.Unlock()

	var total float64
	breakdown := make(map[string]float64, len(hourly))
	fields := make(map[string]string, len(hourly))
	for provider, cost := range hourly {
		rounded := math.Round(cost*100) / 100
		breakdown[provider] = rounded
		fields[provider] = strconv.FormatFloat(rounded, 'f', 2, 64)
		total += cost
	}

	if total > 0 {
		if _, err := m.store.IncrByFloat(ctx, store.KeyCostToday, total); err != nil {
			m.restoreCosts(hourly)
			return storeErr("add daily cost", err)
		}
		if err := m.store.Expire(ctx, store.KeyCostToday, untilMidnight(m.now())); err != nil {
			log.Warnf("Failed to set daily cost expiry: %v", err)
		}
	}

	if err := m.store.HSet(ctx, store.KeyCostBreakdown, fields); err != nil {
		return storeErr("write cost breakdown", err)
	}

	if total > CostAlertThreshold {
		alert := types.NewAlert(types.SeverityWarning, fmt.Sprintf("High proxy costs: $%.2f/hour", total))
		alert.Payload.Breakdown = breakdown
		if err := m.publishAlert(ctx, alert); err != nil {
			return err
		}
	}

	log.Infof("Hourly proxy cost: $%.2f", total)
	return nil
}

func (m *Manager) restoreCosts(hourly map[string]float64) {
	m.costMu.Lock()
	defer m.costMu.Unlock()
	for provider, cost := range hourly {
		m.costs[provider] += cost
	}
}

// untilMidnight is the time left in the current UTC day
func untilMidnight(now time.Time) time.Duration {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return midnight.Sub(now)
}

// RotateSessions gives sticky proxies idle for over RotationAge a fresh
// identity. Proxies without a sticky session or a known provider are
// skipped. Returns how many were rotated.
func (m *Manager) RotateSessions(ctx context.Context) (int, error) {
	ids, err := m.activeIDs(ctx)
	if err != nil {
		return 0, err
	}

	now := m.now()
	rotated := 0
	for _, id := range ids {
		p, err := m.loadProxy(ctx, id)
		if err != nil {
			return rotated, err
		}
		if p == nil || p.StickySessionID == "" || p.LastUsed == nil {
			continue
		}
		if now.Sub(*p.LastUsed) <= RotationAge {
			continue
		}

		ok, err := m.rotate(ctx, p)
		if err != nil {
			log.WithField("proxy_id", p.ID).Errorf("Failed to rotate session: %v", err)
			continue
		}
		if ok {
			rotated++
		}
	}

	if rotated > 0 {
		log.Infof("Rotated %d sticky sessions", rotated)
	}
	return rotated, nil
}

func (m *Manager) rotate(ctx context.Context, p *types.Proxy) (bool, error) {
	prov, ok := m.byName[p.Provider]
	if !ok {
		return false, nil
	}

	if _, busy := m.rotating.LoadOrStore(p.ID, struct{}{}); busy {
		return false, nil
	}
	defer m.rotating.Delete(p.ID)

	opCtx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
	next, err := prov.RotateSession(opCtx, *p)
	cancel()
	if err != nil {
		m.metrics.RecordProviderError(prov.Name(), "rotate")
		return false, &ProviderError{Provider: prov.Name(), Op: "rotate", Err: err}
	}

	// Only identity fields change so concurrent usage stats are not lost
	if err := m.store.HSet(ctx, store.ProxyKey(p.ID), map[string]string{
		types.FieldURL:             next.URL,
		types.FieldUsername:        next.Username,
		types.FieldStickySessionID: next.StickySessionID,
	}); err != nil {
		return false, storeErr("save rotated session", err)
	}

	m.metrics.RecordRotation(prov.Name())
	log.WithFields(log.Fields{"proxy_id": p.ID, "provider": p.Provider}).Info("Rotated sticky session")
	return true, nil
}
