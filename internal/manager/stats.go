package manager

import (
	"context"
	"strconv"

	"github.com/proxy-pool-manager/internal/store"
	"github.com/proxy-pool-manager/internal/types"
)

// GetStats summarizes pool size, spend and health distribution
func (m *Manager) GetStats(ctx context.Context) (types.Stats, error) {
	stats := types.Stats{Providers: m.Providers()}

	ids, err := m.activeIDs(ctx)
	if err != nil {
		return stats, err
	}
	stats.Active = len(ids)

	burned, err := m.store.SCard(ctx, store.KeyBurned)
	if err != nil {
		return stats, storeErr("count burned", err)
	}
	stats.Burned = int(burned)

	raw, ok, err := m.store.Get(ctx, store.KeyCostToday)
	if err != nil {
		return stats, storeErr("read daily cost", err)
	}
	if ok {
		stats.CostToday, _ = strconv.ParseFloat(raw, 64)
	}

	m.costMu.Lock()
	if len(m.costs) > 0 {
		stats.CostThisHour = make(map[string]float64, len(m.costs))
		for provider, cost := range m.costs {
			stats.CostThisHour[provider] = cost
		}
	}
	m.costMu.Unlock()

	now := m.now()
	for _, id := range ids {
		p, err := m.loadProxy(ctx, id)
		if err != nil {
			return stats, err
		}
		if p == nil {
			continue
		}
		stats.HealthBreakdown.Add(p.HealthScore(now))
	}

	return stats, nil
}
