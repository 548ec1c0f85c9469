// Package snapshot holds the latest view of the pool in memory and
// archives it in the background.
package snapshot

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxy-pool-manager/internal/storage"
	"github.com/proxy-pool-manager/internal/types"
	log "github.com/sirupsen/logrus"
)

type Manager struct {
	current   atomic.Value // stores *types.StatsSnapshot
	archive   storage.Archive
	persistMu sync.Mutex

	persistInterval time.Duration
	stopPersist     chan struct{}
	closeOnce       sync.Once
	wg              sync.WaitGroup
	now             func() time.Time
}

// NewManager starts periodic persistence when interval is positive
func NewManager(archive storage.Archive, interval time.Duration) *Manager {
	m := &Manager{
		archive:         archive,
		persistInterval: interval,
		stopPersist:     make(chan struct{}),
		now:             time.Now,
	}

	m.current.Store(&types.StatsSnapshot{Updated: m.now()})

	if interval > 0 {
		m.wg.Add(1)
		go m.periodicPersist()
	}

	return m
}

// UpdateStats swaps in new pool stats, keeping the last health report
func (m *Manager) UpdateStats(stats types.Stats) {
	prev := m.Get()
	m.store(&types.StatsSnapshot{
		Stats:   stats,
		Health:  prev.Health,
		Updated: m.now(),
	})
}

// UpdateHealth swaps in a new health report, keeping the last stats
func (m *Manager) UpdateHealth(report types.HealthReport) {
	prev := m.Get()
	m.store(&types.StatsSnapshot{
		Stats:   prev.Stats,
		Health:  report,
		Updated: m.now(),
	})
}

func (m *Manager) store(snap *types.StatsSnapshot) {
	m.current.Store(snap)
	log.Debugf("Stats snapshot updated: %d active, %d burned", snap.Stats.Active, snap.Stats.Burned)
}

// Get returns the current snapshot
func (m *Manager) Get() *types.StatsSnapshot {
	return m.current.Load().(*types.StatsSnapshot)
}

// Persist writes the current snapshot to the archive
func (m *Manager) Persist() error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	snap := m.Get()
	if err := m.archive.Save(snap); err != nil {
		return err
	}
	log.Debugf("Stats snapshot persisted (updated %s)", snap.Updated.Format(time.RFC3339))
	return nil
}

func (m *Manager) periodicPersist() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Persist(); err != nil {
				log.Errorf("Failed to persist stats snapshot: %v", err)
			}
		case <-m.stopPersist:
			return
		}
	}
}

// LoadFromArchive restores the last archived snapshot, if any
func (m *Manager) LoadFromArchive() error {
	snap, err := m.archive.Load()
	if err != nil {
		return err
	}

	if snap == nil {
		log.Info("No archived stats snapshot")
		return nil
	}

	m.current.Store(snap)
	log.Infof("Restored stats snapshot from %s", snap.Updated.Format(time.RFC3339))
	return nil
}

// Close stops the persist loop, writes a final snapshot and closes the
// archive. Safe to call more than once.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopPersist)
		m.wg.Wait()

		if perr := m.Persist(); perr != nil {
			log.Errorf("Failed to persist final stats snapshot: %v", perr)
			err = perr
		}
		if cerr := m.archive.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
