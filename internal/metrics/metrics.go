package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	// Pool state
	activeProxies    prometheus.Gauge
	burnedProxies    prometheus.Gauge
	healthyProxies   prometheus.Gauge
	unhealthyProxies prometheus.Gauge

	// Pool events
	burnsTotal       *prometheus.CounterVec
	usageTotal       *prometheus.CounterVec
	responseTime     *prometheus.HistogramVec
	provisionedTotal *prometheus.CounterVec
	providerErrors   *prometheus.CounterVec
	rotationsTotal   *prometheus.CounterVec
	costTotal        *prometheus.CounterVec
	selectionTotal   *prometheus.CounterVec
	selectionTime    prometheus.Histogram
	loopErrors       *prometheus.CounterVec

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

// NewCollector registers all metrics on a private registry
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		activeProxies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_proxies",
			Help:      "Current number of proxies in the active set",
		}),
		burnedProxies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "burned_proxies",
			Help:      "Current number of proxies in the burned set",
		}),
		healthyProxies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "healthy_proxies",
			Help:      "Active proxies scoring at least 50 on the last health pass",
		}),
		unhealthyProxies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unhealthy_proxies",
			Help:      "Active proxies scoring below 50 on the last health pass",
		}),
		burnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "burns_total",
			Help:      "Total number of proxies burned",
		}, []string{"reason"}),
		usageTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_reports_total",
			Help:      "Total number of usage reports",
		}, []string{"provider", "result"}),
		responseTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxied_request_duration_seconds",
			Help:      "Reported proxied request duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 1.5, 2.5, 5, 10},
		}, []string{"provider"}),
		provisionedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioned_total",
			Help:      "Total number of proxies provisioned",
		}, []string{"provider"}),
		providerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Total number of provider failures",
		}, []string{"provider", "op"}),
		rotationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Total number of sticky session rotations",
		}, []string{"provider"}),
		costTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Accrued proxy cost in USD",
		}, []string{"provider"}),
		selectionTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "Total number of proxy selections",
		}, []string{"result"}),
		selectionTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "selection_duration_seconds",
			Help:      "Proxy selection duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		loopErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_errors_total",
			Help:      "Total number of failed background loop iterations",
		}, []string{"loop"}),
		apiRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of API requests",
		}, []string{"method", "endpoint", "status"}),
		apiDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "API request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) SetPoolSize(active, burned int) {
	c.activeProxies.Set(float64(active))
	c.burnedProxies.Set(float64(burned))
}

func (c *Collector) SetHealth(healthy, unhealthy int) {
	c.healthyProxies.Set(float64(healthy))
	c.unhealthyProxies.Set(float64(unhealthy))
}

func (c *Collector) RecordBurn(reason string) {
	c.burnsTotal.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordUsage(provider string, success bool, seconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.usageTotal.WithLabelValues(provider, result).Inc()
	c.responseTime.WithLabelValues(provider).Observe(seconds)
}

func (c *Collector) RecordProvisioned(provider string, count int) {
	c.provisionedTotal.WithLabelValues(provider).Add(float64(count))
}

func (c *Collector) RecordProviderError(provider, op string) {
	c.providerErrors.WithLabelValues(provider, op).Inc()
}

func (c *Collector) RecordRotation(provider string) {
	c.rotationsTotal.WithLabelValues(provider).Inc()
}

func (c *Collector) RecordCost(provider string, usd float64) {
	if usd <= 0 {
		return
	}
	c.costTotal.WithLabelValues(provider).Add(usd)
}

func (c *Collector) RecordSelection(result string, seconds float64) {
	c.selectionTotal.WithLabelValues(result).Inc()
	c.selectionTime.Observe(seconds)
}

func (c *Collector) RecordLoopError(loop string) {
	c.loopErrors.WithLabelValues(loop).Inc()
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
