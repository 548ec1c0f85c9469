// Package store is the shared key-value, set and pub/sub state used by the
// pool manager, the façade and the task dispatcher.
package store

import (
	"context"
	"time"
)

// Keys and channels shared with the rest of the platform
const (
	KeyActive          = "proxies:active"
	KeyBurned          = "proxies:burned"
	KeyHealthMetrics   = "metrics:proxy_health"
	KeyCostToday       = "metrics:proxy_cost_today"
	KeyCostBreakdown   = "metrics:proxy_cost_breakdown"
	KeyFinalStats      = "proxy_manager:final_stats"
	KeyActiveMonitors  = "active_monitors"
	ChannelAlerts      = "system_alerts"
	ChannelMonitorCmds = "monitor_commands"
)

// ProxyKey is the hash holding one proxy record
func ProxyKey(id string) string {
	return "proxy:" + id
}

// MonitorKey is the hash holding one product monitor
func MonitorKey(id string) string {
	return "monitor:" + id
}

// Store is the abstract shared state service. Every operation is atomic on
// its own key; there are no cross-key transactions.
type Store interface {
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HSetField(ctx context.Context, key, field, value string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error)

	// Get returns ok=false when the key does not exist
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)

	LPush(ctx context.Context, key string, values ...string) error
	Publish(ctx context.Context, channel, message string) error

	Close() error
}
