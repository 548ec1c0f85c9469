package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/proxy-pool-manager/internal/store"
	"github.com/proxy-pool-manager/internal/types"
	log "github.com/sirupsen/logrus"
)

// Burn policy
const (
	BurnFailureRate = 30.0 // percent, exclusive
	BurnMinRequests = 10   // exclusive
	BurnedRetention = 24 * time.Hour
	ReasonFailures  = "failure_rate"
	ReasonLowHealth = "low_health"
	burnedJobType   = "proxy_burned"
	residentialFee  = 0.001
	defaultPerGB    = 1.0
)

// Cost per GB of transfer by proxy type, in USD
var costPerGB = map[types.ProxyType]float64{
	types.Residential: 15.0,
	types.ISP:         3.0,
	types.Datacenter:  0.5,
}

// CalculateCost prices one request. Residential proxies also pay a flat
// per-request fee.
func CalculateCost(t types.ProxyType, bandwidthMB float64) float64 {
	rate, ok := costPerGB[t]
	if !ok {
		rate = defaultPerGB
	}

	cost := bandwidthMB / 1024 * rate
	if t == types.Residential {
		cost += residentialFee
	}
	return cost
}

// ReportUsage folds one outcome into the stored record and burns the proxy
// once it fails more than 30% of over 10 requests. Counters are bumped in
// place so concurrent reports add up, and identity fields are never written
// so a rotation that ran after the lease survives. On return p holds the
// current record. A proxy whose record is gone is written back whole from p.
func (m *Manager) ReportUsage(ctx context.Context, p *types.Proxy, u types.Usage) error {
	if err := m.enter(); err != nil {
		return err
	}
	defer m.inflight.Done()

	current, err := m.recordUsage(ctx, p.ID, u)
	if err != nil {
		return err
	}
	if current == nil {
		p.Apply(u)
		if err := m.saveProxy(ctx, p); err != nil {
			return err
		}
	} else {
		*p = *current
	}

	cost := CalculateCost(p.Type, u.BandwidthMB)
	m.addCost(p.Provider, cost)
	m.metrics.RecordCost(p.Provider, cost)
	m.metrics.RecordUsage(p.Provider, u.Success, u.ResponseTimeMS/1000)

	if p.FailureRate() > BurnFailureRate && p.Requests > BurnMinRequests {
		if _, err := m.Burn(ctx, p, ReasonFailures); err != nil {
			return err
		}
	}

	return nil
}

// recordUsage writes only the stats fields of one record and returns it
// with the post-increment counters. It returns nil without writing when
// the record is missing.
func (m *Manager) recordUsage(ctx context.Context, id string, u types.Usage) (*types.Proxy, error) {
	current, err := m.loadProxy(ctx, id)
	if err != nil || current == nil {
		return nil, err
	}

	key := store.ProxyKey(id)
	if current.Requests, err = m.store.HIncrBy(ctx, key, types.FieldRequests, 1); err != nil {
		return nil, storeErr("count request", err)
	}
	if u.Success {
		current.Successes, err = m.store.HIncrBy(ctx, key, types.FieldSuccesses, 1)
	} else {
		current.Failures, err = m.store.HIncrBy(ctx, key, types.FieldFailures, 1)
	}
	if err != nil {
		return nil, storeErr("count outcome", err)
	}
	if u.BandwidthMB != 0 {
		if current.TotalBandwidthMB, err = m.store.HIncrByFloat(ctx, key, types.FieldBandwidthMB, u.BandwidthMB); err != nil {
			return nil, storeErr("add bandwidth", err)
		}
	}

	// Samples are last-writer-wins: a concurrent report may drop one.
	current.RecordResponseTime(u.ResponseTimeMS)
	fields := map[string]string{types.FieldResponseTimes: current.EncodedResponseTimes()}
	if !u.Success {
		current.LastError = u.Error
		fields[types.FieldLastError] = u.Error
	}
	if err := m.store.HSet(ctx, key, fields); err != nil {
		return nil, storeErr("save samples", err)
	}

	return current, nil
}

func (m *Manager) addCost(provider string, cost float64) {
	m.costMu.Lock()
	m.costs[provider] += cost
	m.costMu.Unlock()
}

// Burn moves p from the active to the burned set and keeps its record for
// BurnedRetention. Only the call that actually removes p from the active
// set publishes the alert; later calls return false.
func (m *Manager) Burn(ctx context.Context, p *types.Proxy, reason string) (bool, error) {
	removed, err := m.store.SRem(ctx, store.KeyActive, p.ID)
	if err != nil {
		return false, storeErr("remove from active", err)
	}
	if removed == 0 {
		log.WithField("proxy_id", p.ID).Debug("Proxy already burned")
		return false, nil
	}

	logger := log.WithFields(log.Fields{
		"proxy_id":     p.ID,
		"provider":     p.Provider,
		"reason":       reason,
		"failure_rate": fmt.Sprintf("%.1f", p.FailureRate()),
	})
	logger.Warn("Burning proxy")
	m.metrics.RecordBurn(reason)

	if _, err := m.store.SAdd(ctx, store.KeyBurned, p.ID); err != nil {
		return true, storeErr("add to burned", err)
	}
	if err := m.store.Expire(ctx, store.ProxyKey(p.ID), BurnedRetention); err != nil {
		return true, storeErr("expire burned record", err)
	}

	alert := types.NewAlert(types.SeverityWarning,
		fmt.Sprintf("Proxy burned: %s proxy with %.1f%% failure rate", p.Provider, p.FailureRate()))
	alert.Payload.ProxyID = p.ID
	alert.Payload.ProxyURL = p.URL
	if err := m.publishAlert(ctx, alert); err != nil {
		return true, err
	}

	if m.opts.Jobs != nil {
		payload := map[string]interface{}{
			"proxy_id":     p.ID,
			"provider":     p.Provider,
			"reason":       reason,
			"failure_rate": p.FailureRate(),
		}
		if _, err := m.opts.Jobs.Enqueue(ctx, m.opts.MaintenanceQueue, burnedJobType, payload); err != nil {
			logger.Errorf("Failed to enqueue burn job: %v", err)
		}
	}

	return true, nil
}

func (m *Manager) publishAlert(ctx context.Context, alert types.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := m.store.Publish(ctx, store.ChannelAlerts, string(data)); err != nil {
		return storeErr("publish alert", err)
	}
	return nil
}
