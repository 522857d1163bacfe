package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/snehjoshi/leaseq/internal/metrics"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

func scrape(t *testing.T, reg *metrics.Registry) (string, http.Header) {
	t.Helper()
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body), resp.Header
}

func mustContain(t *testing.T, body string, substrs ...string) {
	t.Helper()
	for _, s := range substrs {
		if !strings.Contains(body, s) {
			t.Errorf("body missing %q\nbody:\n%s", s, body)
		}
	}
}

// ─── counters ─────────────────────────────────────────────────────────────────

func TestRegistry_Observe(t *testing.T) {
	var reg metrics.Registry
	reg.Observe("orders", "received", 1)
	reg.Observe("orders", "received", 4)
	reg.Observe("orders", "acked", 2)

	if got := reg.Events.Get(metrics.EventKey("orders", "received")); got != 5 {
		t.Errorf("received = %d, want 5", got)
	}
	if got := reg.Events.Get(metrics.EventKey("orders", "missing")); got != 0 {
		t.Errorf("missing = %d, want 0", got)
	}
}

func TestRegistry_ConcurrentObserve(t *testing.T) {
	var reg metrics.Registry
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Observe("load", "enqueued", 1)
		}()
	}
	wg.Wait()
	if got := reg.Events.Get(metrics.EventKey("load", "enqueued")); got != 100 {
		t.Fatalf("got %d, want 100", got)
	}
}

// ─── Prometheus output ────────────────────────────────────────────────────────

func TestHandler_EmptyRegistry(t *testing.T) {
	var reg metrics.Registry
	body, hdr := scrape(t, &reg)
	if body != "" {
		t.Fatalf("expected empty body, got:\n%s", body)
	}
	if ct := hdr.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestHandler_EventFamily(t *testing.T) {
	var reg metrics.Registry
	reg.Observe("payments", "redriven", 3)
	reg.Observe("analytics", "enqueued", 1)

	body, _ := scrape(t, &reg)
	mustContain(t, body,
		"# HELP leaseq_queue_events_total",
		"# TYPE leaseq_queue_events_total counter",
		`leaseq_queue_events_total{queue="payments",event="redriven"} 3`,
		`leaseq_queue_events_total{queue="analytics",event="enqueued"} 1`,
	)
	if strings.Index(body, `queue="analytics"`) > strings.Index(body, `queue="payments"`) {
		t.Error("series not sorted by key")
	}
}

func TestHandler_DepthGauges(t *testing.T) {
	var reg metrics.Registry
	reg.SetDepthSource(func() []metrics.Depth {
		return []metrics.Depth{{Queue: "jobs", Available: 7, InFlight: 2}}
	})

	body, _ := scrape(t, &reg)
	mustContain(t, body,
		"# TYPE leaseq_queue_messages gauge",
		`leaseq_queue_messages{queue="jobs",state="available"} 7`,
		`leaseq_queue_messages{queue="jobs",state="in_flight"} 2`,
		`leaseq_queue_messages{queue="jobs",state="dead_lettered"} 0`,
	)
}

func TestHandler_HTTPCounters(t *testing.T) {
	var reg metrics.Registry
	reg.HTTPReqs.Inc(metrics.HTTPKey("GET", "/health", "200"))
	reg.HTTPDurMs.Add(metrics.HTTPDurKey("GET", "/health"), 5)
	reg.HTTPDurCnt.Inc(metrics.HTTPDurKey("GET", "/health"))

	body, _ := scrape(t, &reg)
	mustContain(t, body,
		`leaseq_http_requests_total{method="GET",path="/health",status="200"} 1`,
		`leaseq_http_request_duration_milliseconds_sum{method="GET",path="/health"} 5`,
		`leaseq_http_request_duration_milliseconds_count{method="GET",path="/health"} 1`,
	)
}
