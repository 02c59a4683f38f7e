// Package metrics renders process metrics in the Prometheus text exposition
// format without pulling in a client library.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type family interface {
	render(builder *strings.Builder)
}

// families is populated by package-level var initialisers and is read-only afterwards.
var families []family

func register[F family](f F) F {
	families = append(families, f)
	return f
}

// counterVec is a labelled monotonic counter.
type counterVec struct {
	mu     sync.Mutex
	name   string
	help   string
	labels []string
	values map[string]uint64
}

func newCounterVec(name, help string, labels ...string) *counterVec {
	return register(&counterVec{name: name, help: help, labels: labels, values: make(map[string]uint64)})
}

func (c *counterVec) inc(values ...string) {
	c.mu.Lock()
	c.values[joinKey(values)]++
	c.mu.Unlock()
}

func (c *counterVec) render(builder *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	writeHeader(builder, c.name, c.help, "counter")
	for _, key := range sortedKeys(c.values) {
		fmt.Fprintf(builder, "%s{%s} %d\n", c.name, labelPairs(c.labels, splitKey(key)), c.values[key])
	}
}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

// histogramVec is a labelled histogram with fixed upper bounds.
type histogramVec struct {
	mu      sync.Mutex
	name    string
	help    string
	labels  []string
	buckets []float64
	series  map[string]*histogram
}

func newHistogramVec(name, help string, buckets []float64, labels ...string) *histogramVec {
	return register(&histogramVec{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: buckets,
		series:  make(map[string]*histogram),
	})
}

// observe adds value to every bucket whose bound it does not exceed; values
// above the last bound only show up in +Inf through count.
func (h *histogramVec) observe(value float64, values ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := joinKey(values)
	series := h.series[key]
	if series == nil {
		series = &histogram{counts: make([]uint64, len(h.buckets))}
		h.series[key] = series
	}
	series.count++
	series.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			series.counts[i]++
		}
	}
}

func (h *histogramVec) render(builder *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	writeHeader(builder, h.name, h.help, "histogram")
	for _, key := range sortedKeys(h.series) {
		series := h.series[key]
		labels := labelPairs(h.labels, splitKey(key))
		for i, bound := range h.buckets {
			fmt.Fprintf(builder, "%s_bucket{%s,le=\"%s\"} %d\n", h.name, labels, formatFloat(bound), series.counts[i])
		}
		fmt.Fprintf(builder, "%s_bucket{%s,le=\"+Inf\"} %d\n", h.name, labels, series.count)
		fmt.Fprintf(builder, "%s_sum{%s} %s\n", h.name, labels, formatFloat(series.sum))
		fmt.Fprintf(builder, "%s_count{%s} %d\n", h.name, labels, series.count)
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, Render())
	})
}

// Render returns every collected metric.
func Render() string {
	var builder strings.Builder
	builder.Grow(4096)
	for _, f := range families {
		f.render(&builder)
	}
	return builder.String()
}

func writeHeader(builder *strings.Builder, name, help, kind string) {
	fmt.Fprintf(builder, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

func joinKey(values []string) string { return strings.Join(values, "\x00") }

func splitKey(key string) []string { return strings.Split(key, "\x00") }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func labelPairs(labels, values []string) string {
	pairs := make([]string, 0, len(labels))
	for i, label := range labels {
		value := ""
		if i < len(values) {
			value = values[i]
		}
		pairs = append(pairs, label+"=\""+escape(value)+"\"")
	}
	return strings.Join(pairs, ",")
}

func escape(value string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", "").Replace(value)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
