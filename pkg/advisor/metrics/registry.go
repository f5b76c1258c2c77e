// Package metrics owns the Prometheus registry behind /metrics and the
// collectors describing prediction traffic and artifact state.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes the advisor's own collectors.
const DefaultNamespace = "crop_advisor"

// Options shapes a Registry.
type Options struct {
	// Namespace prefixes every advisor collector. Empty means DefaultNamespace.
	Namespace string
	// Version is exported as the version label of <namespace>_build_info.
	Version string
	// RuntimeCollectors adds the Go runtime and process collectors.
	RuntimeCollectors bool
}

// Registry is a private Prometheus registry carrying the advisor namespace.
// A nil *Registry accepts every call and serves 404.
type Registry struct {
	namespace string
	registry  *prometheus.Registry
}

// NewRegistry builds a registry and registers the build info gauge.
func NewRegistry(opts Options) *Registry {
	ns := strings.TrimSpace(opts.Namespace)
	if ns == "" {
		ns = DefaultNamespace
	}

	reg := prometheus.NewRegistry()
	if opts.RuntimeCollectors {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "dev"
	}
	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Name:        "build_info",
		Help:        "Always 1; labelled with the running advisor version.",
		ConstLabels: prometheus.Labels{"version": version},
	})
	buildInfo.Set(1)
	reg.MustRegister(buildInfo)

	return &Registry{namespace: ns, registry: reg}
}

// Namespace returns the collector prefix.
func (r *Registry) Namespace() string {
	if r == nil {
		return ""
	}
	return r.namespace
}

// MustRegister adds collectors, panicking on duplicates.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	if r == nil {
		return
	}
	for _, c := range cs {
		if c != nil {
			r.registry.MustRegister(c)
		}
	}
}

// Gatherer exposes the registry for scraping helpers and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.Gatherers{}
	}
	return r.registry
}

// Handler serves the text exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
