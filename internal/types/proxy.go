package types

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"
)

// ProxyType is the network class of an egress proxy
type ProxyType string

const (
	Residential ProxyType = "residential"
	ISP         ProxyType = "isp"
	Datacenter  ProxyType = "datacenter"
)

// MaxResponseSamples bounds the response time ring buffer
const MaxResponseSamples = 100

// Proxy is a leasable egress identity with its rolling usage stats
type Proxy struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	Provider        string    `json:"provider"`
	Type            ProxyType `json:"proxy_type"`
	Location        string    `json:"location,omitempty"`
	Username        string    `json:"username,omitempty"`
	Password        string    `json:"-"`
	StickySessionID string    `json:"sticky_session_id,omitempty"`

	Requests         int64      `json:"requests"`
	Successes        int64      `json:"successes"`
	Failures         int64      `json:"failures"`
	TotalBandwidthMB float64    `json:"total_bandwidth_mb"`
	LastUsed         *time.Time `json:"last_used,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	ResponseTimes    []float64  `json:"response_times,omitempty"`
}

// AuthURL returns the proxy URL with escaped credentials embedded
func (p *Proxy) AuthURL() string {
	if p.Username == "" || p.Password == "" {
		return p.URL
	}
	u, err := url.Parse(p.URL)
	if err != nil || u.Host == "" {
		return p.URL
	}
	u.User = url.UserPassword(p.Username, p.Password)
	return u.String()
}

// FailureRate returns failures as a percentage of requests
func (p *Proxy) FailureRate() float64 {
	if p.Requests == 0 {
		return 0
	}
	return float64(p.Failures) / float64(p.Requests) * 100
}

// AvgResponseTime returns the mean of the retained samples in milliseconds
func (p *Proxy) AvgResponseTime() float64 {
	if len(p.ResponseTimes) == 0 {
		return 0
	}
	var sum float64
	for _, v := range p.ResponseTimes {
		sum += v
	}
	return sum / float64(len(p.ResponseTimes))
}

// HealthScore blends success rate (60), latency (30) and recency (10).
// The weights and the 50ms / 6 minute slopes are compared against stored
// historical scores and must not change.
func (p *Proxy) HealthScore(now time.Time) float64 {
	if p.Requests == 0 {
		return 100
	}

	success := float64(p.Successes) / float64(p.Requests) * 60

	latency := 30.0
	if len(p.ResponseTimes) > 0 {
		latency = math.Max(0, 30-p.AvgResponseTime()/50)
	}

	recency := 10.0
	if p.LastUsed != nil {
		minutes := math.Max(0, now.Sub(*p.LastUsed).Minutes())
		recency = math.Max(0, 10-minutes/6)
	}

	score := success + latency + recency
	return math.Min(100, math.Max(0, score))
}

// RecordResponseTime appends a sample, dropping the oldest beyond the limit
func (p *Proxy) RecordResponseTime(ms float64) {
	p.ResponseTimes = append(p.ResponseTimes, ms)
	if n := len(p.ResponseTimes); n > MaxResponseSamples {
		trimmed := make([]float64, MaxResponseSamples)
		copy(trimmed, p.ResponseTimes[n-MaxResponseSamples:])
		p.ResponseTimes = trimmed
	}
}

// Apply folds one usage outcome into the rolling stats
func (p *Proxy) Apply(u Usage) {
	p.Requests++
	if u.Success {
		p.Successes++
	} else {
		p.Failures++
		p.LastError = u.Error
	}
	p.RecordResponseTime(u.ResponseTimeMS)
	p.TotalBandwidthMB += u.BandwidthMB
}

// Hash field names of a persisted proxy record
const (
	FieldID              = "id"
	FieldURL             = "url"
	FieldProvider        = "provider"
	FieldType            = "proxy_type"
	FieldLocation        = "location"
	FieldUsername        = "username"
	FieldPassword        = "password"
	FieldStickySessionID = "sticky_session_id"
	FieldRequests        = "requests"
	FieldSuccesses       = "successes"
	FieldFailures        = "failures"
	FieldBandwidthMB     = "total_bandwidth_mb"
	FieldLastUsed        = "last_used"
	FieldLastError       = "last_error"
	FieldResponseTimes   = "response_times"
)

// Fields flattens the proxy into string hash fields
func (p *Proxy) Fields() map[string]string {
	lastUsed := ""
	if p.LastUsed != nil {
		lastUsed = p.LastUsed.UTC().Format(time.RFC3339Nano)
	}

	return map[string]string{
		FieldID:              p.ID,
		FieldURL:             p.URL,
		FieldProvider:        p.Provider,
		FieldType:            string(p.Type),
		FieldLocation:        p.Location,
		FieldUsername:        p.Username,
		FieldPassword:        p.Password,
		FieldStickySessionID: p.StickySessionID,
		FieldRequests:        strconv.FormatInt(p.Requests, 10),
		FieldSuccesses:       strconv.FormatInt(p.Successes, 10),
		FieldFailures:        strconv.FormatInt(p.Failures, 10),
		FieldBandwidthMB:     strconv.FormatFloat(p.TotalBandwidthMB, 'f', -1, 64),
		FieldLastUsed:        lastUsed,
		FieldLastError:       p.LastError,
		FieldResponseTimes:   p.EncodedResponseTimes(),
	}
}

// EncodedResponseTimes is the hash form of the sample ring buffer
func (p *Proxy) EncodedResponseTimes() string {
	samples := p.ResponseTimes
	if samples == nil {
		samples = []float64{}
	}
	encoded, _ := json.Marshal(samples)
	return string(encoded)
}

// ProxyFromFields rebuilds a proxy from a persisted hash
func ProxyFromFields(fields map[string]string) (*Proxy, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty proxy record")
	}

	p := &Proxy{
		ID:              fields[FieldID],
		URL:             fields[FieldURL],
		Provider:        fields[FieldProvider],
		Type:            ProxyType(fields[FieldType]),
		Location:        fields[FieldLocation],
		Username:        fields[FieldUsername],
		Password:        fields[FieldPassword],
		StickySessionID: fields[FieldStickySessionID],
		LastError:       fields[FieldLastError],
	}

	var err error
	if p.Requests, err = parseInt(fields, FieldRequests); err != nil {
		return nil, err
	}
	if p.Successes, err = parseInt(fields, FieldSuccesses); err != nil {
		return nil, err
	}
	if p.Failures, err = parseInt(fields, FieldFailures); err != nil {
		return nil, err
	}
	if v := fields[FieldBandwidthMB]; v != "" {
		if p.TotalBandwidthMB, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("parse %s: %w", FieldBandwidthMB, err)
		}
	}
	if v := fields[FieldLastUsed]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", FieldLastUsed, err)
		}
		p.LastUsed = &t
	}
	if v := fields[FieldResponseTimes]; v != "" {
		if err := json.Unmarshal([]byte(v), &p.ResponseTimes); err != nil {
			return nil, fmt.Errorf("parse %s: %w", FieldResponseTimes, err)
		}
		if n := len(p.ResponseTimes); n > MaxResponseSamples {
			p.ResponseTimes = p.ResponseTimes[n-MaxResponseSamples:]
		}
	}

	return p, nil
}

func parseInt(fields map[string]string, key string) (int64, error) {
	v := fields[key]
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
