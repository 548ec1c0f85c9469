package types

import "time"

// DefaultMinHealthScore applies when neither the request nor the pool
// sets a threshold
const DefaultMinHealthScore = 70.0

// AnyValue matches every proxy type or location
const AnyValue = "any"

// Requirements narrows proxy selection
type Requirements struct {
	Type           ProxyType `json:"type,omitempty"`
	Location       string    `json:"location,omitempty"`
	MinHealthScore *float64  `json:"min_health_score,omitempty"`
}

// MinScore returns the requested threshold or fallback
func (r Requirements) MinScore(fallback float64) float64 {
	if r.MinHealthScore == nil {
		return fallback
	}
	return *r.MinHealthScore
}

// Matches reports whether the proxy satisfies the type and location filters
func (r Requirements) Matches(p *Proxy) bool {
	if r.Type != "" && r.Type != AnyValue && p.Type != r.Type {
		return false
	}
	if r.Location != "" && r.Location != AnyValue && p.Location != r.Location {
		return false
	}
	return true
}

// Usage is the outcome of one proxied request
type Usage struct {
	Success        bool    `json:"success"`
	ResponseTimeMS float64 `json:"response_time_ms"`
	BandwidthMB    float64 `json:"bandwidth_mb,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// HealthBreakdown buckets active proxies by score
type HealthBreakdown struct {
	Excellent int `json:"excellent"` // 90-100
	Good      int `json:"good"`      // 70-89
	Fair      int `json:"fair"`      // 50-69
	Poor      int `json:"poor"`      // <50
}

// Add buckets a single score
func (b *HealthBreakdown) Add(score float64) {
	switch {
	case score >= 90:
		b.Excellent++
	case score >= 70:
		b.Good++
	case score >= 50:
		b.Fair++
	default:
		b.Poor++
	}
}

// Stats summarizes the pool
type Stats struct {
	Active          int                `json:"active"`
	Burned          int                `json:"burned"`
	Providers       []string           `json:"providers"`
	CostToday       float64            `json:"cost_today"`
	CostThisHour    map[string]float64 `json:"cost_this_hour,omitempty"`
	HealthBreakdown HealthBreakdown    `json:"health_breakdown"`
}

// HealthReport is the result of one health monitor pass
type HealthReport struct {
	Healthy     int       `json:"healthy"`
	Unhealthy   int       `json:"unhealthy"`
	Burned      int       `json:"burned"`
	Total       int       `json:"total"`
	Provisioned int       `json:"provisioned"`
	LastCheck   time.Time `json:"last_check"`
}

// StatsSnapshot is the archived point-in-time view of the pool
type StatsSnapshot struct {
	Stats   Stats        `json:"stats"`
	Health  HealthReport `json:"health"`
	Updated time.Time    `json:"updated"`
}

// Alert severities
const (
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Alert is published on the system alerts channel
type Alert struct {
	Type    string       `json:"type"`
	Payload AlertPayload `json:"payload"`
}

// AlertPayload carries the message plus optional context
type AlertPayload struct {
	Message   string             `json:"message"`
	Severity  string             `json:"severity"`
	ProxyID   string             `json:"proxy_id,omitempty"`
	ProxyURL  string             `json:"proxy_url,omitempty"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
}

// NewAlert builds an alert envelope
func NewAlert(severity, message string) Alert {
	return Alert{
		Type: "alert",
		Payload: AlertPayload{
			Message:  message,
			Severity: severity,
		},
	}
}
