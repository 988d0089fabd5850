package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMiddlewareRecordsRoute(t *testing.T) {
	m := NewMetrics()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	rc := chi.NewRouteContext()
	rc.RoutePatterns = append(rc.RoutePatterns, "/signin")
	req := httptest.NewRequest(http.MethodPost, "/signin", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
	h.ServeHTTP(httptest.NewRecorder(), req)

	body := scrape(t, m)
	assert.Contains(t, body, `identity_http_requests_total{code="401",route="/signin"} 1`)
	assert.Contains(t, body, `identity_http_request_duration_seconds_bucket{route="/signin"`)
}

func TestDomainCounters(t *testing.T) {
	m := NewMetrics()
	m.SignIn("password", "ok")
	m.SignIn("password", "ok")
	m.SignIn("oauth", "linkage_conflict")
	m.BillingTransition("cancel", nil)
	m.BillingTransition("cancel", errors.New("boom"))

	body := scrape(t, m)
	assert.Contains(t, body, `identity_signin_total{method="password",outcome="ok"} 2`)
	assert.Contains(t, body, `identity_signin_total{method="oauth",outcome="linkage_conflict"} 1`)
	assert.Contains(t, body, `identity_billing_transitions_total{op="cancel",outcome="error"} 1`)
	assert.Contains(t, body, `identity_billing_transitions_total{op="cancel",outcome="ok"} 1`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SignIn("password", "ok")
	m.BillingTransition("trial", nil)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	rr := httptest.NewRecorder()
	m.Middleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
