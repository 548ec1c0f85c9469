package manager

import (
	"context"

	"github.com/proxy-pool-manager/internal/store"
	log "github.com/sirupsen/logrus"
)

// Provision splits count evenly across providers (remainder dropped) and
// adds every acquired proxy to the active set. Failing providers are
// skipped. Returns how many proxies were added.
func (m *Manager) Provision(ctx context.Context, count int) int {
	if len(m.providers) == 0 {
		log.Warn("No proxy providers configured, cannot provision")
		return 0
	}

	perProvider := count / len(m.providers)
	log.Infof("Provisioning %d new proxies (%d per provider)", count, perProvider)
	if perProvider <= 0 {
		return 0
	}

	added := 0
	for _, prov := range m.providers {
		opCtx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
		proxies, err := prov.Acquire(opCtx, perProvider)
		cancel()
		if err != nil {
			perr := &ProviderError{Provider: prov.Name(), Op: "acquire", Err: err}
			log.Errorf("Failed to provision: %v", perr)
			m.metrics.RecordProviderError(prov.Name(), "acquire")
			continue
		}

		n := 0
		for i := range proxies {
			p := &proxies[i]
			if err := m.saveProxy(ctx, p); err != nil {
				log.WithField("proxy_id", p.ID).Errorf("Failed to save provisioned proxy: %v", err)
				continue
			}
			if _, err := m.store.SAdd(ctx, store.KeyActive, p.ID); err != nil {
				log.WithField("proxy_id", p.ID).Errorf("Failed to activate provisioned proxy: %v", err)
				continue
			}
			n++
		}

		m.metrics.RecordProvisioned(prov.Name(), n)
		log.Infof("Provisioned %d proxies from %s", n, prov.Name())
		added += n
	}

	return added
}
