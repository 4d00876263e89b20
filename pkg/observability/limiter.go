package observability

import (
	"github.com/aretw0/espalier/pkg/throttle"
	"github.com/prometheus/client_golang/prometheus"
)

// LimiterCollector reports throttle statistics at scrape time.
type LimiterCollector struct {
	limiters []*throttle.Limiter

	total    *prometheus.Desc
	inFlight *prometheus.Desc
	peak     *prometheus.Desc
}

// NewLimiterCollector creates a collector over the given limiters. Limiters
// are labelled by name.
func NewLimiterCollector(limiters ...*throttle.Limiter) *LimiterCollector {
	labels := []string{"service"}
	return &LimiterCollector{
		limiters: limiters,
		total: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "limiter", "calls_total"),
			"Operations admitted by the limiter", labels, nil),
		inFlight: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "limiter", "in_flight"),
			"Operations currently holding a slot", labels, nil),
		peak: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "limiter", "peak_in_flight"),
			"Highest concurrent operations since the last reset", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *LimiterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.inFlight
	ch <- c.peak
}

// Collect implements prometheus.Collector.
func (c *LimiterCollector) Collect(ch chan<- prometheus.Metric) {
	for _, l := range c.limiters {
		s := l.Stats()
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue, float64(s.TotalCalls), l.Name())
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(s.InFlight), l.Name())
		ch <- prometheus.MustNewConstMetric(c.peak, prometheus.GaugeValue, float64(s.PeakInFlight), l.Name())
	}
}
