package pipeline

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"skyreduce/pkg/catalog"
)

// Metrics holds the run counters on a private registry. They are written to
// a node-exporter textfile at the end of a run.
type Metrics struct {
	Frames         *prometheus.CounterVec
	Sources        *prometheus.CounterVec
	CatalogQueries *prometheus.CounterVec
	FrameDuration  prometheus.Histogram

	registry *prometheus.Registry
}

func NewMetrics() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.Frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skyreduce_frames_total",
			Help: "Science frames processed, partitioned by outcome.",
		},
		[]string{"state"},
	)
	m.Sources = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skyreduce_sources_total",
			Help: "Detected sources, partitioned by photometry and matching outcome.",
		},
		[]string{"outcome"},
	)
	m.CatalogQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skyreduce_catalog_queries_total",
			Help: "Catalog lookups, partitioned by result.",
		},
		[]string{"result"},
	)
	m.FrameDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skyreduce_frame_duration_seconds",
			Help:    "Time taken to process one science frame.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)
	for _, c := range []prometheus.Collector{m.Frames, m.Sources, m.CatalogQueries, m.FrameDuration} {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile writes the current values in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// countingCatalog records the result of every lookup.
type countingCatalog struct {
	next    catalog.Catalog
	queries *prometheus.CounterVec
}

func (c countingCatalog) Nearest(ctx context.Context, q catalog.Query) (catalog.Result, error) {
	res, err := c.next.Nearest(ctx, q)
	switch {
	case err != nil:
		c.queries.WithLabelValues("error").Inc()
	case res.Found:
		c.queries.WithLabelValues("found").Inc()
	default:
		c.queries.WithLabelValues("not_found").Inc()
	}
	return res, err
}
