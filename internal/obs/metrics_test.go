package obs

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsExposeRouteTemplates(t *testing.T) {
	m := NewMetrics()
	m.SetBuildInfo("test")
	m.RequestStarted()
	m.RequestFinished(http.MethodGet, "/api/leads/{id}", http.StatusOK, 12*time.Millisecond)
	m.SessionsSwept("timeout", 3)
	m.SessionsSwept("expired", 0)
	m.AuditDropped()

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)
	text := string(body)

	for _, want := range []string{
		`http_requests_total{method="GET",route="/api/leads/{id}",status="200"} 1`,
		`sessions_swept_total{reason="timeout"} 3`,
		`build_info{version="test"} 1`,
		`audit_sink_dropped_total 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
	if strings.Contains(text, `reason="expired"`) {
		t.Fatalf("zero sweeps must not create a series")
	}
}

func TestSanitizeCorrelationID(t *testing.T) {
	if got := SanitizeCorrelationID("abc-123_x.y"); got != "abc-123_x.y" {
		t.Fatalf("valid id rewritten: %q", got)
	}
	if got := SanitizeCorrelationID("bad id\n"); got == "bad id\n" || got == "" {
		t.Fatalf("invalid id accepted: %q", got)
	}
	if got := SanitizeCorrelationID(""); got == "" {
		t.Fatalf("expected generated id")
	}
}
