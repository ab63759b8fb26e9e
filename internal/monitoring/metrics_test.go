package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMiddlewareCountsByRoutePattern(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/v1/documents/{doc_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/documents/"+id, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	body := scrape(t, m)
	assert.Contains(t, body,
		`mindvault_http_requests_total{method="GET",route="/v1/documents/{doc_id}",status="200"} 3`)
	assert.Contains(t, body, "mindvault_http_request_duration_seconds_count")
	assert.Contains(t, body, "go_goroutines")
}

func TestMiddlewareLabelsUnmatchedRoutes(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/known", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	assert.Contains(t, scrape(t, m), `route="unmatched",status="404"`)
}

func TestObserveJobRecordsOutcomes(t *testing.T) {
	m := New()
	m.ObserveJob("ingest_document", "success", 1200*time.Millisecond)
	m.ObserveJob("ingest_document", "success", 300*time.Millisecond)
	m.ObserveJob("ingest_document", "failure", 50*time.Millisecond)
	m.SetQueueDepth(7)

	body := scrape(t, m)
	assert.Contains(t, body,
		`mindvault_jobs_processed_total{outcome="success",task="ingest_document"} 2`)
	assert.Contains(t, body,
		`mindvault_jobs_processed_total{outcome="failure",task="ingest_document"} 1`)
	assert.Contains(t, body, "mindvault_jobs_queue_depth 7")
}

func TestIndependentRegistries(t *testing.T) {
	// Two instances must not share state or panic on duplicate
	// registration.
	a, b := New(), New()
	a.ObserveJob("summarize_cluster", "success", time.Second)

	assert.Contains(t, scrape(t, a), `task="summarize_cluster"`)
	assert.NotContains(t, scrape(t, b), `task="summarize_cluster"`)
}
