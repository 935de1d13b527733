// Package metrics exposes service counters in Prometheus text exposition
// format without pulling in a client library. It tracks HTTP traffic,
// conversation turns and tool action executions.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type errorKey struct {
	handler string
	method  string
}

type latencyKey struct {
	handler string
	method  string
}

type turnKey struct {
	source   string
	degraded string
}

type actionKey struct {
	action string
	status string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu          sync.Mutex
	requests    map[requestKey]uint64
	errors      map[errorKey]uint64
	latency     map[latencyKey]*histogram
	turns       map[turnKey]uint64
	turnLatency *histogram
	actions     map[actionKey]uint64
}

var serviceCollector = &collector{
	requests: make(map[requestKey]uint64),
	errors:   make(map[errorKey]uint64),
	latency:  make(map[latencyKey]*histogram),
	turns:    make(map[turnKey]uint64),
	actions:  make(map[actionKey]uint64),
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	serviceCollector.observeHTTP(handler, method, status, duration)
}

// ObserveTurn records a completed conversation turn.
func ObserveTurn(source string, degraded bool, duration time.Duration) {
	serviceCollector.observeTurn(source, degraded, duration)
}

// ObserveAction records one tool action execution.
func ObserveAction(action string, success bool) {
	serviceCollector.observeAction(action, success)
}

func (c *collector) observeHTTP(handler, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKey := requestKey{handler: handler, method: method, code: strconv.Itoa(status)}
	c.requests[reqKey]++
	if status >= 500 {
		errKey := errorKey{handler: handler, method: method}
		c.errors[errKey]++
	}

	latKey := latencyKey{handler: handler, method: method}
	hist := c.latency[latKey]
	if hist == nil {
		hist = newHistogram()
		c.latency[latKey] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeTurn(source string, degraded bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := turnKey{source: source, degraded: strconv.FormatBool(degraded)}
	c.turns[key]++
	if c.turnLatency == nil {
		c.turnLatency = newHistogram()
	}
	c.turnLatency.observe(duration.Seconds())
}

func (c *collector) observeAction(action string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := "completed"
	if !success {
		status = "failed"
	}
	c.actions[actionKey{action: action, status: status}]++
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, serviceCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type requestMetric struct {
		requestKey
		value uint64
	}
	type errorMetric struct {
		errorKey
		value uint64
	}
	type latencyMetric struct {
		latencyKey
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}
	type turnMetric struct {
		turnKey
		value uint64
	}
	type actionMetric struct {
		actionKey
		value uint64
	}

	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	errs := make([]errorMetric, 0, len(c.errors))
	for key, value := range c.errors {
		errs = append(errs, errorMetric{errorKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for key, hist := range c.latency {
		lats = append(lats, latencyMetric{
			latencyKey: key,
			buckets:    append([]float64(nil), hist.buckets...),
			counts:     append([]uint64(nil), hist.counts...),
			sum:        hist.sum,
			count:      hist.count,
		})
	}
	turns := make([]turnMetric, 0, len(c.turns))
	for key, value := range c.turns {
		turns = append(turns, turnMetric{turnKey: key, value: value})
	}
	actions := make([]actionMetric, 0, len(c.actions))
	for key, value := range c.actions {
		actions = append(actions, actionMetric{actionKey: key, value: value})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].handler == errs[j].handler {
			return errs[i].method < errs[j].method
		}
		return errs[i].handler < errs[j].handler
	})
	sort.Slice(lats, func(i, j int) bool {
		if lats[i].handler == lats[j].handler {
			return lats[i].method < lats[j].method
		}
		return lats[i].handler < lats[j].handler
	})
	sort.Slice(turns, func(i, j int) bool {
		if turns[i].source == turns[j].source {
			return turns[i].degraded < turns[j].degraded
		}
		return turns[i].source < turns[j].source
	})
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].action == actions[j].action {
			return actions[i].status < actions[j].status
		}
		return actions[i].action < actions[j].action
	})

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP chainchat_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE chainchat_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("chainchat_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP chainchat_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE chainchat_http_request_errors_total counter\n")
	for _, metric := range errs {
		builder.WriteString(fmt.Sprintf("chainchat_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.value))
	}

	builder.WriteString("# HELP chainchat_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE chainchat_http_request_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("chainchat_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"%s\"} %d\n",
				escape(metric.handler), escape(metric.method), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("chainchat_http_request_duration_seconds_bucket{handler=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
		builder.WriteString(fmt.Sprintf("chainchat_http_request_duration_seconds_sum{handler=\"%s\",method=\"%s\"} %s\n",
			escape(metric.handler), escape(metric.method), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("chainchat_http_request_duration_seconds_count{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.count))
	}

	builder.WriteString("# HELP chainchat_turns_total Total number of conversation turns handled.\n")
	builder.WriteString("# TYPE chainchat_turns_total counter\n")
	for _, metric := range turns {
		builder.WriteString(fmt.Sprintf("chainchat_turns_total{source=\"%s\",degraded=\"%s\"} %d\n",
			escape(metric.source), escape(metric.degraded), metric.value))
	}

	if c.turnLatency != nil {
		builder.WriteString("# HELP chainchat_turn_duration_seconds Conversation turn duration in seconds.\n")
		builder.WriteString("# TYPE chainchat_turn_duration_seconds histogram\n")
		for idx, bound := range c.turnLatency.buckets {
			builder.WriteString(fmt.Sprintf("chainchat_turn_duration_seconds_bucket{le=\"%s\"} %d\n",
				formatFloat(bound), c.turnLatency.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("chainchat_turn_duration_seconds_bucket{le=\"+Inf\"} %d\n", c.turnLatency.count))
		builder.WriteString(fmt.Sprintf("chainchat_turn_duration_seconds_sum %s\n", formatFloat(c.turnLatency.sum)))
		builder.WriteString(fmt.Sprintf("chainchat_turn_duration_seconds_count %d\n", c.turnLatency.count))
	}

	builder.WriteString("# HELP chainchat_actions_total Total number of tool actions executed.\n")
	builder.WriteString("# TYPE chainchat_actions_total counter\n")
	for _, metric := range actions {
		builder.WriteString(fmt.Sprintf("chainchat_actions_total{action=\"%s\",status=\"%s\"} %d\n",
			escape(metric.action), escape(metric.status), metric.value))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
