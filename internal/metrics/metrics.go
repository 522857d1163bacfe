// Package metrics provides a lightweight Prometheus-compatible registry for
// LeaseQ. It renders the text exposition format itself instead of pulling in
// prometheus/client_golang.
//
// # Counter keys
//
// Every counter uses a tab-separated string as its label key so a single
// sync.Map holds all label combinations:
//
//	Events              →  key = "queue\tevent"
//	HTTPReqs            →  key = "method\tpath\tstatus"
//	HTTPDurMs/DurCnt    →  key = "method\tpath"
//
// Queue depths are gauges read from a DepthSource at scrape time.
package metrics

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Get returns the current value for key.
func (lc *labelCounter) Get(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key in sorted order.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	var keys []string
	lc.vals.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	slices.Sort(keys)
	for _, k := range keys {
		fn(k, lc.Get(k))
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Depth is a point-in-time depth reading for one queue.
type Depth struct {
	Queue        string
	Available    int
	Delayed      int
	InFlight     int
	DeadLettered int
}

// DepthSource returns current depths for every queue.
type DepthSource func() []Depth

// Registry holds all LeaseQ application metrics. The zero value is ready to
// use.
type Registry struct {
	// Events counts queue events. key = "queue\tevent"
	Events labelCounter

	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter

	depths atomic.Pointer[DepthSource]
}

// Observe adds n to the counter for event on queue. Its signature fits a
// queue observer once the event is converted to a string.
func (r *Registry) Observe(queue, event string, n int) {
	r.Events.Add(EventKey(queue, event), int64(n))
}

// SetDepthSource installs the gauge source read at scrape time.
func (r *Registry) SetDepthSource(fn DepthSource) {
	r.depths.Store(&fn)
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler renders all metrics in the Prometheus text exposition format
// (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.render())
	})
}

func (r *Registry) render() string {
	var b strings.Builder

	writeFamily(&b, "leaseq_queue_events_total",
		"Queue events by queue and event name", "counter",
		func(fn func(labels string, val int64)) {
			r.Events.Each(func(key string, val int64) {
				q, ev := splitTwo(key)
				fn(fmt.Sprintf(`queue=%q,event=%q`, q, ev), val)
			})
		})

	if src := r.depths.Load(); src != nil && *src != nil {
		depths := (*src)()
		slices.SortFunc(depths, func(a, b Depth) int { return strings.Compare(a.Queue, b.Queue) })
		writeFamily(&b, "leaseq_queue_messages",
			"Current messages by queue and state", "gauge",
			func(fn func(labels string, val int64)) {
				for _, d := range depths {
					for _, s := range []struct {
						state string
						n     int
					}{
						{"available", d.Available},
						{"delayed", d.Delayed},
						{"in_flight", d.InFlight},
						{"dead_lettered", d.DeadLettered},
					} {
						fn(fmt.Sprintf(`queue=%q,state=%q`, d.Queue, s.state), int64(s.n))
					}
				}
			})
	}

	writeFamily(&b, "leaseq_http_requests_total",
		"HTTP requests by method, path and status code", "counter",
		func(fn func(labels string, val int64)) {
			r.HTTPReqs.Each(func(key string, val int64) {
				method, path, status := splitThree(key)
				fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status), val)
			})
		})

	writeFamily(&b, "leaseq_http_request_duration_milliseconds_sum",
		"Sum of HTTP request durations in milliseconds", "counter",
		func(fn func(labels string, val int64)) {
			r.HTTPDurMs.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path), val)
			})
		})

	writeFamily(&b, "leaseq_http_request_duration_milliseconds_count",
		"Count of observed HTTP request durations", "counter",
		func(fn func(labels string, val int64)) {
			r.HTTPDurCnt.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path), val)
			})
		})

	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes one metric family, skipping it entirely when empty.
func writeFamily(b *strings.Builder, name, help, typ string, fill func(fn func(labels string, val int64))) {
	var lines []string
	fill(func(labels string, val int64) {
		lines = append(lines, fmt.Sprintf("%s{%s} %d\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

func splitTwo(key string) (string, string) {
	a, b, _ := strings.Cut(key, "\t")
	return a, b
}

func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// EventKey builds the label key used by Events.
func EventKey(queue, event string) string {
	return queue + "\t" + event
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs and HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
