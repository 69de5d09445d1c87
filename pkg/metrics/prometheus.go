package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements Collector on a prometheus registry. Metric
// vectors are created lazily on first use, keyed by name and label set.
type Prometheus struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewPrometheus() *Prometheus {
	return &Prometheus{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry for the HTTP handler.
func (p *Prometheus) Registry() *prometheus.Registry { return p.reg }

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Prometheus) IncCounter(name string, labels map[string]string, delta float64) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelNames(labels))
		p.reg.MustRegister(vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()
	vec.With(labels).Add(delta)
}

func (p *Prometheus) SetGauge(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelNames(labels))
		p.reg.MustRegister(vec)
		p.gauges[name] = vec
	}
	p.mu.Unlock()
	vec.With(labels).Set(value)
}

func (p *Prometheus) ObserveHistogram(name string, labels map[string]string, value float64) {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, labelNames(labels))
		p.reg.MustRegister(vec)
		p.histograms[name] = vec
	}
	p.mu.Unlock()
	vec.With(labels).Observe(value)
}
