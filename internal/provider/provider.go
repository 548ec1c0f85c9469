// Package provider acquires proxies from upstream vendors and rotates their
// sticky sessions. Every vendor is reached through the same Provider
// capability so the pool manager never branches on vendor.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/proxy-pool-manager/internal/config"
	"github.com/proxy-pool-manager/internal/types"
	log "github.com/sirupsen/logrus"
)

// Provider is the capability set of a proxy vendor
type Provider interface {
	// Name is the key stored on every proxy this provider creates
	Name() string
	// Acquire creates count new proxies, each with a fresh session
	Acquire(ctx context.Context, count int) ([]types.Proxy, error)
	// RotateSession returns the proxy with a new network identity. Stats,
	// provider, type and location are left untouched.
	RotateSession(ctx context.Context, p types.Proxy) (types.Proxy, error)
}

// New builds the provider named in cfg
func New(cfg config.ProviderConfig, client *http.Client) (Provider, error) {
	switch cfg.Name {
	case config.ProviderBrightData:
		return NewBrightData(cfg), nil
	case config.ProviderOxylabs:
		return NewOxylabs(cfg), nil
	case config.ProviderList:
		return NewList(cfg, client), nil
	default:
		return nil, fmt.Errorf("unsupported proxy provider: %s", cfg.Name)
	}
}

// FromConfig builds every enabled provider, skipping ones that fail
func FromConfig(cfgs []config.ProviderConfig, client *http.Client) []Provider {
	providers := make([]Provider, 0, len(cfgs))
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		p, err := New(cfg, client)
		if err != nil {
			log.Warnf("Skipping provider %q: %v", cfg.Name, err)
			continue
		}
		providers = append(providers, p)
	}
	return providers
}

// newSessionID is unique across calls and processes: a unix timestamp for
// readability plus 48 random bits.
func newSessionID() string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%d%s", time.Now().Unix(), random[:12])
}

func newProxyID() string {
	return uuid.NewString()
}

func checkOwner(name string, p types.Proxy) error {
	if p.Provider != name {
		return fmt.Errorf("proxy %s belongs to provider %q, not %q", p.ID, p.Provider, name)
	}
	return nil
}
