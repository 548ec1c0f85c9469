package provider

import (
	"context"
	"fmt"

	"github.com/proxy-pool-manager/internal/config"
	"github.com/proxy-pool-manager/internal/types"
)

const oxylabsEndpoint = "http://pr.oxylabs.io:7777"

// Oxylabs hands out residential proxies with a country-pinned session
type Oxylabs struct {
	username string
	password string
	country  string
	endpoint string
}

func NewOxylabs(cfg config.ProviderConfig) *Oxylabs {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = oxylabsEndpoint
	}
	country := cfg.Country
	if country == "" {
		country = "us"
	}
	return &Oxylabs{
		username: cfg.Username,
		password: cfg.Password,
		country:  country,
		endpoint: endpoint,
	}
}

func (o *Oxylabs) Name() string {
	return config.ProviderOxylabs
}

func (o *Oxylabs) sessionUsername(sessionID string) string {
	return fmt.Sprintf("customer-%s-cc-%s-sessid-%s", o.username, o.country, sessionID)
}

func (o *Oxylabs) Acquire(ctx context.Context, count int) ([]types.Proxy, error) {
	proxies := make([]types.Proxy, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return proxies, err
		}
		sessionID := newSessionID()
		proxies = append(proxies, types.Proxy{
			ID:              newProxyID(),
			URL:             o.endpoint,
			Provider:        o.Name(),
			Type:            types.Residential,
			Location:        o.country,
			Username:        o.sessionUsername(sessionID),
			Password:        o.password,
			StickySessionID: sessionID,
		})
	}
	return proxies, nil
}

func (o *Oxylabs) RotateSession(ctx context.Context, p types.Proxy) (types.Proxy, error) {
	if err := checkOwner(o.Name(), p); err != nil {
		return p, err
	}
	sessionID := newSessionID()
	p.StickySessionID = sessionID
	p.Username = o.sessionUsername(sessionID)
	return p, nil
}
