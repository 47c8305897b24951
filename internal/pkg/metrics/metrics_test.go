package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoute(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := NewHTTP(reg)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/banner/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok")) //nolint:errcheck
	})

	for _, path := range []string{"/banner/1", "/banner/2", "/ok"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, 2, testutil.ToFloat64(m.Requests().WithLabelValues("404", "/banner/{id}", http.MethodGet)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.Requests().WithLabelValues("200", "/ok", http.MethodGet)), 0)
}

func TestNewHTTPReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := NewHTTP(reg)
	require.NoError(t, err)

	second, err := NewHTTP(reg)
	require.NoError(t, err)

	require.Same(t, first.Requests(), second.Requests())
}
