// Package client sends HTTP requests through pooled proxies and reports
// every outcome back to the pool.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/proxy-pool-manager/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// DefaultTimeout bounds a single proxied request
const DefaultTimeout = 10 * time.Second

// TransportIdleTTL is how long an unused proxy transport stays cached
const TransportIdleTTL = 15 * time.Minute

// ProxySource leases proxies and takes usage reports. *manager.Manager
// satisfies it.
type ProxySource interface {
	GetProxy(ctx context.Context, req types.Requirements) (*types.Proxy, error)
	ReportUsage(ctx context.Context, p *types.Proxy, u types.Usage) error
}

// StatusError is returned alongside the response for non 2xx/3xx codes
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// cachedTransport is the transport of one proxy for its current credentials
type cachedTransport struct {
	authURL   string
	transport *http.Transport
	lastUsed  time.Time
}

type ProxiedClient struct {
	source  ProxySource
	timeout time.Duration
	now     func() time.Time

	// transports keyed by proxy id
	mu         sync.Mutex
	transports map[string]*cachedTransport
	lastSweep  time.Time
}

func New(source ProxySource, timeout time.Duration) *ProxiedClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &ProxiedClient{
		source:     source,
		timeout:    timeout,
		now:        time.Now,
		transports: make(map[string]*cachedTransport),
	}
}

// Do sends req through the best proxy matching reqs. The response body is
// fully read so its size can be billed; callers still close it. A non
// 2xx/3xx status returns the response together with a *StatusError.
func (c *ProxiedClient) Do(ctx context.Context, req *http.Request, reqs types.Requirements) (*http.Response, error) {
	p, err := c.source.GetProxy(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("acquire proxy: %w", err)
	}

	start := time.Now()

	transport, err := c.transportFor(p)
	if err != nil {
		c.report(ctx, p, types.Usage{Success: false, Error: err.Error()})
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpClient := &http.Client{Transport: transport}
	resp, err := httpClient.Do(req.WithContext(reqCtx))
	if err != nil {
		c.report(ctx, p, types.Usage{
			Success:        false,
			ResponseTimeMS: elapsedMS(start),
			Error:          err.Error(),
		})
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		c.report(ctx, p, types.Usage{
			Success:        false,
			ResponseTimeMS: elapsedMS(start),
			Error:          fmt.Sprintf("read body: %v", err),
		})
		return nil, fmt.Errorf("read body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	usage := types.Usage{
		Success:        resp.StatusCode >= 200 && resp.StatusCode < 400,
		ResponseTimeMS: elapsedMS(start),
	}
	if usage.Success {
		usage.BandwidthMB = float64(len(body)) / (1024 * 1024)
		c.report(ctx, p, usage)
		return resp, nil
	}

	statusErr := &StatusError{StatusCode: resp.StatusCode}
	usage.Error = statusErr.Error()
	c.report(ctx, p, usage)
	return resp, statusErr
}

// Close drops pooled proxy connections
func (c *ProxiedClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.transports {
		entry.transport.CloseIdleConnections()
		delete(c.transports, id)
	}
}

// CachedTransports returns how many proxy transports are pooled
func (c *ProxiedClient) CachedTransports() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transports)
}

func (c *ProxiedClient) report(ctx context.Context, p *types.Proxy, u types.Usage) {
	if err := c.source.ReportUsage(ctx, p, u); err != nil {
		log.WithField("proxy_id", p.ID).Warnf("Failed to report proxy usage: %v", err)
	}
}

// transportFor returns the pooled transport of p, replacing it once the
// proxy's credentials changed after a session rotation
func (c *ProxiedClient) transportFor(p *types.Proxy) (*http.Transport, error) {
	authURL := p.AuthURL()
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep(now)

	if entry, ok := c.transports[p.ID]; ok {
		if entry.authURL == authURL {
			entry.lastUsed = now
			return entry.transport, nil
		}
		entry.transport.CloseIdleConnections()
		delete(c.transports, p.ID)
	}

	t, err := newTransport(authURL, c.timeout)
	if err != nil {
		return nil, err
	}
	c.transports[p.ID] = &cachedTransport{authURL: authURL, transport: t, lastUsed: now}
	return t, nil
}

// sweep drops transports of proxies unused for TransportIdleTTL, at most
// once per TTL. Callers hold c.mu.
func (c *ProxiedClient) sweep(now time.Time) {
	if now.Sub(c.lastSweep) < TransportIdleTTL {
		return
	}
	c.lastSweep = now

	for id, entry := range c.transports {
		if now.Sub(entry.lastUsed) >= TransportIdleTTL {
			entry.transport.CloseIdleConnections()
			delete(c.transports, id)
		}
	}
}

func newTransport(rawURL string, timeout time.Duration) (*http.Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy URL: %w", err)
	}

	base := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
		transport.DialContext = base.DialContext
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(u, base)
		if err != nil {
			return nil, fmt.Errorf("SOCKS5 dialer error: %w", err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer does not support contexts")
		}
		transport.DialContext = cd.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	return transport, nil
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
