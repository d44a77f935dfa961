package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareCountsByRouteTemplate(t *testing.T) {
	m := New()
	r := mux.NewRouter()
	r.Use(m.Middleware)
	r.HandleFunc("/api/emails/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/emails/"+id, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/api/emails/{id}", "200")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.responseBytes.WithLabelValues("/api/emails/{id}")))
}

func TestMiddlewareLabelsUnmatchedRequests(t *testing.T) {
	m := New()
	r := mux.NewRouter()
	r.NotFoundHandler = m.Middleware(http.NotFoundHandler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/emails/AAMk/x=", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "unmatched", "404")))
}

func TestRecordLLMCall(t *testing.T) {
	m := New()
	m.RecordLLMCall("summarize", "success", 100, 20, 0.0006)
	m.RecordLLMCall("draft", "client_error", 0, 0, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmCalls.WithLabelValues("summarize", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmCalls.WithLabelValues("draft", "client_error")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.llmTokens.WithLabelValues("input")))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.llmTokens.WithLabelValues("output")))
	assert.InDelta(t, 0.0006, testutil.ToFloat64(m.llmCost), 1e-12)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordLLMCall("summarize", "success", 1, 1, 1)
	m.RecordTriage("actionable", 3)
	m.SetSessions(2)
	m.SetTierCounts(map[string]int{"1": 1})
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.SetSessions(3)
	m.RecordTriage("calendar_invite", 2)
	m.SetTierCounts(map[string]int{"vvip": 4})

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	body := rr.Body.String()
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(body, "email_agent_sessions_active 3"))
	assert.Contains(t, body, `email_agent_emails_triaged_total{outcome="calendar_invite"} 2`)
	assert.Contains(t, body, `email_agent_tier_config_entries{tier="vvip"} 4`)
}
