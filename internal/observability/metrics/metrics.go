package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// CallLabel identifies an upstream call by endpoint and outcome.
type CallLabel struct {
	Endpoint string
	Outcome  string
}

// AuthLabel identifies a token exchange by channel and outcome.
type AuthLabel struct {
	Channel string
	Outcome string
}

// ResolutionLabel identifies an engine query by kind and outcome.
type ResolutionLabel struct {
	Query   string
	Outcome string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// upstream calls, token exchanges and channel resolutions. Writers are
// serialised by a RWMutex; the active session gauge is atomic.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	upstreamCalls   map[CallLabel]uint64
	upstreamLatency map[string]time.Duration
	authExchanges   map[AuthLabel]uint64
	resolutions     map[ResolutionLabel]uint64
	downloads       map[string]uint64
	activeSessions  atomic.Int64
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	r := &Recorder{}
	r.init()
	return r
}

func (r *Recorder) init() {
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.upstreamCalls = make(map[CallLabel]uint64)
	r.upstreamLatency = make(map[string]time.Duration)
	r.authExchanges = make(map[AuthLabel]uint64)
	r.resolutions = make(map[ResolutionLabel]uint64)
	r.downloads = make(map[string]uint64)
}

// Default returns the process-wide Recorder used by the package helpers.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveUpstreamCall records one backend call and its latency.
func (r *Recorder) ObserveUpstreamCall(endpoint, outcome string, duration time.Duration) {
	label := CallLabel{Endpoint: normalizeName(endpoint), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.upstreamCalls[label]++
	r.upstreamLatency[label.Endpoint] += duration
	r.mu.Unlock()
}

// ObserveAuthExchange records a token exchange for a channel.
func (r *Recorder) ObserveAuthExchange(channel, outcome string) {
	label := AuthLabel{Channel: normalizeName(channel), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.authExchanges[label]++
	r.mu.Unlock()
}

// ObserveResolution records the outcome of a multi, fallback or download
// query.
func (r *Recorder) ObserveResolution(query, outcome string) {
	label := ResolutionLabel{Query: normalizeName(query), Outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.resolutions[label]++
	r.mu.Unlock()
}

// ObserveDownload counts a granted download bundle per channel.
func (r *Recorder) ObserveDownload(channel string) {
	normalized := normalizeName(channel)
	r.mu.Lock()
	r.downloads[normalized]++
	r.mu.Unlock()
}

// SessionOpened increments the active session gauge.
func (r *Recorder) SessionOpened() {
	r.activeSessions.Add(1)
}

// SessionClosed decrements the active session gauge without going negative.
func (r *Recorder) SessionClosed() {
	r.decrementGauge(&r.activeSessions)
}

// ActiveSessions exposes the current number of cached channel sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// UpstreamCalls returns a copy of the upstream call counters.
func (r *Recorder) UpstreamCalls() map[CallLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[CallLabel]uint64, len(r.upstreamCalls))
	for k, v := range r.upstreamCalls {
		out[k] = v
	}
	return out
}

// AuthExchanges returns a copy of the token exchange counters.
func (r *Recorder) AuthExchanges() map[AuthLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[AuthLabel]uint64, len(r.authExchanges))
	for k, v := range r.authExchanges {
		out[k] = v
	}
	return out
}

// Resolutions returns a copy of the resolution counters.
func (r *Recorder) Resolutions() map[ResolutionLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[ResolutionLabel]uint64, len(r.resolutions))
	for k, v := range r.resolutions {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP sniff_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE sniff_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "sniff_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP sniff_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE sniff_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "sniff_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP sniff_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE sniff_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "sniff_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP sniff_upstream_calls_total Store backend calls by endpoint and outcome")
	fmt.Fprintln(w, "# TYPE sniff_upstream_calls_total counter")
	calls := make([]CallLabel, 0, len(r.upstreamCalls))
	for label := range r.upstreamCalls {
		calls = append(calls, label)
	}
	sort.Slice(calls, func(i, j int) bool {
		if calls[i].Endpoint != calls[j].Endpoint {
			return calls[i].Endpoint < calls[j].Endpoint
		}
		return calls[i].Outcome < calls[j].Outcome
	})
	for _, label := range calls {
		fmt.Fprintf(w, "sniff_upstream_calls_total{endpoint=\"%s\",outcome=\"%s\"} %d\n", label.Endpoint, label.Outcome, r.upstreamCalls[label])
	}

	fmt.Fprintln(w, "# HELP sniff_upstream_call_duration_seconds_sum Cumulative store backend latency by endpoint")
	fmt.Fprintln(w, "# TYPE sniff_upstream_call_duration_seconds_sum counter")
	for _, endpoint := range sortedKeys(r.upstreamLatency) {
		fmt.Fprintf(w, "sniff_upstream_call_duration_seconds_sum{endpoint=\"%s\"} %f\n", endpoint, r.upstreamLatency[endpoint].Seconds())
	}

	fmt.Fprintln(w, "# HELP sniff_auth_exchanges_total Token exchanges by channel and outcome")
	fmt.Fprintln(w, "# TYPE sniff_auth_exchanges_total counter")
	auths := make([]AuthLabel, 0, len(r.authExchanges))
	for label := range r.authExchanges {
		auths = append(auths, label)
	}
	sort.Slice(auths, func(i, j int) bool {
		if auths[i].Channel != auths[j].Channel {
			return auths[i].Channel < auths[j].Channel
		}
		return auths[i].Outcome < auths[j].Outcome
	})
	for _, label := range auths {
		fmt.Fprintf(w, "sniff_auth_exchanges_total{channel=\"%s\",outcome=\"%s\"} %d\n", label.Channel, label.Outcome, r.authExchanges[label])
	}

	fmt.Fprintln(w, "# HELP sniff_resolutions_total Channel resolution queries by kind and outcome")
	fmt.Fprintln(w, "# TYPE sniff_resolutions_total counter")
	resolutions := make([]ResolutionLabel, 0, len(r.resolutions))
	for label := range r.resolutions {
		resolutions = append(resolutions, label)
	}
	sort.Slice(resolutions, func(i, j int) bool {
		if resolutions[i].Query != resolutions[j].Query {
			return resolutions[i].Query < resolutions[j].Query
		}
		return resolutions[i].Outcome < resolutions[j].Outcome
	})
	for _, label := range resolutions {
		fmt.Fprintf(w, "sniff_resolutions_total{query=\"%s\",outcome=\"%s\"} %d\n", label.Query, label.Outcome, r.resolutions[label])
	}

	fmt.Fprintln(w, "# HELP sniff_downloads_total Granted download bundles by channel")
	fmt.Fprintln(w, "# TYPE sniff_downloads_total counter")
	for _, channel := range sortedKeys(r.downloads) {
		fmt.Fprintf(w, "sniff_downloads_total{channel=\"%s\"} %d\n", channel, r.downloads[channel])
	}

	fmt.Fprintln(w, "# HELP sniff_active_sessions Current number of authenticated channel sessions")
	fmt.Fprintln(w, "# TYPE sniff_active_sessions gauge")
	fmt.Fprintf(w, "sniff_active_sessions %d\n", r.activeSessions.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// normalizePath folds identifier-like segments (package names, version codes)
// into ":id" to bound label cardinality.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 24 || strings.Contains(segment, ".") {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
