package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, bucketCounts: make([]int64, len(boundaries))}
}

func (h *histogram) observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		next := math.Float64bits(math.Float64frombits(old) + v)
		if atomic.CompareAndSwapUint64(&h.sum, old, next) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		out[i] = running
	}
	return out
}

// Metrics collects the server's counters, gauges and histograms. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	mu         sync.RWMutex
	counters   map[string]int64
	durations  map[string]*histogram
	turnTimes  *histogram
	wsConns    int64
	activeReqs int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		counters:  make(map[string]int64),
		durations: make(map[string]*histogram),
		turnTimes: newHistogram(durationBuckets),
	}
}

func (m *Metrics) inc(name, label string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counters[name+"|"+label]++
	m.mu.Unlock()
}

// Counter returns the current value of a labeled counter.
func (m *Metrics) Counter(name, label string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name+"|"+label]
}

// TurnFinished records the outcome ("ok", "error", "busy") and duration of
// one chat turn.
func (m *Metrics) TurnFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.inc("chat_turns_total", outcome)
	if outcome != "busy" {
		m.turnTimes.observe(d.Seconds())
	}
}

func (m *Metrics) ToolCalled(tool string) {
	m.inc("agent_tool_calls_total", tool)
}

func (m *Metrics) RecordsIngested(dataType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	m.counters["rpa_records_ingested_total|"+dataType] += int64(n)
	m.mu.Unlock()
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		atomic.AddInt64(&m.wsConns, 1)
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		atomic.AddInt64(&m.wsConns, -1)
	}
}

func (m *Metrics) Connections() int64 {
	if m == nil {
		return 0
	}
	return atomic.LoadInt64(&m.wsConns)
}

func (m *Metrics) observeRequest(method, route string, status int, d time.Duration) {
	key := method + "|" + route + "|" + strconv.Itoa(status)
	m.mu.RLock()
	h, ok := m.durations[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if h, ok = m.durations[key]; !ok {
			h = newHistogram(durationBuckets)
			m.durations[key] = h
		}
		m.mu.Unlock()
	}
	h.observe(d.Seconds())
}

// Middleware records request durations keyed by route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			atomic.AddInt64(&m.activeReqs, 1)
			start := time.Now()
			err := next(c)
			atomic.AddInt64(&m.activeReqs, -1)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.observeRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}

// Handler serves the metrics in the Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		m.write(&b)
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

var counterLabels = map[string]string{
	"chat_turns_total":           "outcome",
	"agent_tool_calls_total":     "tool",
	"rpa_records_ingested_total": "data_type",
}

func (m *Metrics) write(b *strings.Builder) {
	if m == nil {
		return
	}
	m.mu.RLock()
	counters := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		counters[k] = v
	}
	durations := make(map[string]*histogram, len(m.durations))
	for k, v := range m.durations {
		durations[k] = v
	}
	m.mu.RUnlock()

	names := make([]string, 0, len(counterLabels))
	for name := range counterLabels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(b, "# TYPE %s counter\n", name)
		for _, key := range sortedKeys(counters) {
			parts := strings.SplitN(key, "|", 2)
			if parts[0] == name {
				fmt.Fprintf(b, "%s{%s=%q} %d\n", name, counterLabels[name], parts[1], counters[key])
			}
		}
	}

	b.WriteString("# TYPE ws_connections gauge\n")
	fmt.Fprintf(b, "ws_connections %d\n", m.Connections())
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(b, "http_server_active_requests %d\n", atomic.LoadInt64(&m.activeReqs))

	b.WriteString("# TYPE chat_turn_duration_seconds histogram\n")
	writeHistogram(b, "chat_turn_duration_seconds", "", m.turnTimes)

	b.WriteString("# TYPE http_server_request_duration_seconds histogram\n")
	for _, key := range sortedKeys(durations) {
		parts := strings.SplitN(key, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(b, "http_server_request_duration_seconds", labels, durations[key])
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	prefix := ""
	suffix := ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	cum := h.cumulative()
	for i, bound := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, bound, cum[i])
	}
	count := atomic.LoadInt64(&h.count)
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, count)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, math.Float64frombits(atomic.LoadUint64(&h.sum)))
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, count)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
