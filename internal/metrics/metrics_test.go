package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/records/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/records/"+id, nil))
	}

	want := `http_requests_total{endpoint="/records/{id}",method="GET",status="418"} 2`
	if !strings.Contains(scrape(t, m), want) {
		t.Errorf("expected %q in metrics output", want)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Submissions.WithLabelValues(SubmissionForced).Inc()
	m.GaugeFunc("proctor_live_sessions", "Live sessions", func() float64 { return 3 })

	body := scrape(t, m)
	for _, want := range []string{`proctor_submissions_total{kind="forced"} 1`, "proctor_live_sessions 3"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
