package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetrics_Exposition(t *testing.T) {
	m := New()
	m.Aggregation("month", "ok", 5*time.Millisecond)
	m.Aggregation("day", "degraded", time.Millisecond)
	m.MQTTMessage("sqm")
	m.SetMQTTConnected(true)

	body := scrape(t, m)
	for _, want := range []string{
		`pubobs_safe_hours_aggregations_total{granularity="month",outcome="ok"} 1`,
		`pubobs_safe_hours_aggregations_total{granularity="day",outcome="degraded"} 1`,
		`pubobs_mqtt_messages_total{topic="sqm"} 1`,
		`pubobs_mqtt_connected 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMetrics_Middleware(t *testing.T) {
	m := New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/topics/{topic}/history", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := m.Middleware(mux)

	for _, topic := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/topics/"+topic+"/history", nil))
	}

	body := scrape(t, m)
	want := `pubobs_http_requests_total{route="GET /api/v1/topics/{topic}/history",status="404"} 2`
	if !strings.Contains(body, want) {
		t.Errorf("exposition missing %q", want)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Aggregation("day", "ok", time.Second)
	m.MQTTMessage("x")
	m.SetMQTTConnected(false)

	called := false
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Error("nil metrics middleware did not call next")
	}
}
