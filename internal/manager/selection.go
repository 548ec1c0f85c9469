package manager

import (
	"context"
	"time"

	"github.com/proxy-pool-manager/internal/store"
	"github.com/proxy-pool-manager/internal/types"
	log "github.com/sirupsen/logrus"
)

// GetProxy returns the highest scoring active proxy that satisfies req.
// An empty pool is provisioned once before giving up. The chosen proxy is
// stamped as used; concurrent callers may receive the same proxy.
func (m *Manager) GetProxy(ctx context.Context, req types.Requirements) (*types.Proxy, error) {
	start := time.Now()

	ids, err := m.activeIDs(ctx)
	if err != nil {
		m.metrics.RecordSelection("error", time.Since(start).Seconds())
		return nil, err
	}

	if len(ids) == 0 {
		log.Warn("No active proxies, provisioning new batch")
		m.Provision(ctx, m.opts.DefaultBatch)

		if ids, err = m.activeIDs(ctx); err != nil {
			m.metrics.RecordSelection("error", time.Since(start).Seconds())
			return nil, err
		}
	}

	now := m.now()
	minScore := req.MinScore(*m.opts.MinHealthScore)

	var (
		best      *types.Proxy
		bestScore float64
	)
	for _, id := range ids {
		p, err := m.loadProxy(ctx, id)
		if err != nil {
			m.metrics.RecordSelection("error", time.Since(start).Seconds())
			return nil, err
		}
		if p == nil || !req.Matches(p) {
			continue
		}

		score := p.HealthScore(now)
		if score < minScore {
			continue
		}
		if best == nil || score > bestScore {
			best, bestScore = p, score
		}
	}

	if best == nil {
		m.metrics.RecordSelection("not_found", time.Since(start).Seconds())
		return nil, ErrNoProxy
	}

	best.LastUsed = &now
	if err := m.store.HSetField(ctx, store.ProxyKey(best.ID), types.FieldLastUsed, now.UTC().Format(time.RFC3339Nano)); err != nil {
		m.metrics.RecordSelection("error", time.Since(start).Seconds())
		return nil, storeErr("stamp last used", err)
	}

	m.metrics.RecordSelection("found", time.Since(start).Seconds())
	return best, nil
}
