package provider

import (
	"context"
	"fmt"

	"github.com/proxy-pool-manager/internal/config"
	"github.com/proxy-pool-manager/internal/types"
)

const brightDataEndpoint = "http://zproxy.lum-superproxy.io:22225"

// BrightData hands out high-bandwidth ISP proxies. The session id lives in
// the username, so rotation is a credential change on the same gateway.
type BrightData struct {
	customerID string
	password   string
	zone       string
	country    string
	endpoint   string
}

func NewBrightData(cfg config.ProviderConfig) *BrightData {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = brightDataEndpoint
	}
	country := cfg.Country
	if country == "" {
		country = "us"
	}
	return &BrightData{
		customerID: cfg.CustomerID,
		password:   cfg.Password,
		zone:       cfg.Zone,
		country:    country,
		endpoint:   endpoint,
	}
}

func (b *BrightData) Name() string {
	return config.ProviderBrightData
}

func (b *BrightData) username(sessionID string) string {
	return fmt.Sprintf("%s-zone-%s-session-%s", b.customerID, b.zone, sessionID)
}

func (b *BrightData) Acquire(ctx context.Context, count int) ([]types.Proxy, error) {
	proxies := make([]types.Proxy, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return proxies, err
		}
		sessionID := newSessionID()
		proxies = append(proxies, types.Proxy{
			ID:              newProxyID(),
			URL:             b.endpoint,
			Provider:        b.Name(),
			Type:            types.ISP,
			Location:        b.country,
			Username:        b.username(sessionID),
			Password:        b.password,
			StickySessionID: sessionID,
		})
	}
	return proxies, nil
}

func (b *BrightData) RotateSession(ctx context.Context, p types.Proxy) (types.Proxy, error) {
	if err := checkOwner(b.Name(), p); err != nil {
		return p, err
	}
	sessionID := newSessionID()
	p.StickySessionID = sessionID
	p.Username = b.username(sessionID)
	return p, nil
}
