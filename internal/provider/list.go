package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/proxy-pool-manager/internal/config"
	"github.com/proxy-pool-manager/internal/types"
	log "github.com/sirupsen/logrus"
)

var (
	// IP:PORT, optionally prefixed with http://, https://, socks4:// or socks5://
	endpointRegex = regexp.MustCompile(`(?:(socks5|socks4|https?)://)?(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{2,5})`)
)

// maxListBytes caps how much of a source response is parsed
const maxListBytes = 10 * 1024 * 1024

// List serves datacenter proxies from a plain-text endpoint list. The
// session id only tracks the endpoint assignment: rotation moves a proxy
// to the next endpoint under a new session id.
type List struct {
	sourceURL string
	proxyType types.ProxyType
	location  string
	username  string
	password  string
	client    *http.Client
	next      atomic.Uint64
}

func NewList(cfg config.ProviderConfig, client *http.Client) *List {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	proxyType := types.ProxyType(cfg.ProxyType)
	if proxyType == "" {
		proxyType = types.Datacenter
	}
	return &List{
		sourceURL: cfg.SourceURL,
		proxyType: proxyType,
		location:  cfg.Country,
		username:  cfg.Username,
		password:  cfg.Password,
		client:    client,
	}
}

func (l *List) Name() string {
	return config.ProviderList
}

func (l *List) Acquire(ctx context.Context, count int) ([]types.Proxy, error) {
	endpoints, err := l.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("source %s listed no proxies", l.sourceURL)
	}

	if count > len(endpoints) {
		count = len(endpoints)
	}

	proxies := make([]types.Proxy, 0, count)
	for i := 0; i < count; i++ {
		proxies = append(proxies, types.Proxy{
			ID:              newProxyID(),
			URL:             l.pick(endpoints),
			Provider:        l.Name(),
			Type:            l.proxyType,
			Location:        l.location,
			Username:        l.username,
			Password:        l.password,
			StickySessionID: newSessionID(),
		})
	}

	return proxies, nil
}

func (l *List) RotateSession(ctx context.Context, p types.Proxy) (types.Proxy, error) {
	if err := checkOwner(l.Name(), p); err != nil {
		return p, err
	}

	endpoints, err := l.fetch(ctx)
	if err != nil {
		return p, err
	}
	if len(endpoints) == 0 {
		return p, fmt.Errorf("source %s listed no proxies", l.sourceURL)
	}

	p.URL = l.pick(endpoints)
	p.StickySessionID = newSessionID()
	return p, nil
}

// pick walks the list round-robin across calls
func (l *List) pick(endpoints []string) string {
	idx := (l.next.Add(1) - 1) % uint64(len(endpoints))
	return endpoints[idx]
}

func (l *List) fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	endpoints, err := parseEndpoints(io.LimitReader(resp.Body, maxListBytes))
	if err != nil {
		return nil, err
	}

	log.Debugf("Source %s returned %d endpoints", l.sourceURL, len(endpoints))
	return endpoints, nil
}

// parseEndpoints extracts unique proxy URLs, defaulting the scheme to http.
// socks4 entries are dropped since the client cannot dial them.
func parseEndpoints(r io.Reader) ([]string, error) {
	seen := make(map[string]struct{})
	endpoints := make([]string, 0)
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		matches := endpointRegex.FindStringSubmatch(line)
		if len(matches) < 4 {
			continue
		}

		scheme := matches[1]
		switch scheme {
		case "socks4":
			continue
		case "":
			scheme = "http"
		}

		endpoint := fmt.Sprintf("%s://%s:%s", scheme, matches[2], matches[3])
		if _, dup := seen[endpoint]; dup {
			continue
		}
		seen[endpoint] = struct{}{}
		endpoints = append(endpoints, endpoint)
	}

	if err := scanner.Err(); err != nil {
		return endpoints, fmt.Errorf("scan: %w", err)
	}

	return endpoints, nil
}
