package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnProvidedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ChunkTransitions.WithLabelValues("ready").Inc()
	m.ChunkTransitions.WithLabelValues("ready").Inc()
	m.ObserveStage("upload", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChunkTransitions.WithLabelValues("ready")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `chunkledger_chunk_transitions_total{status="ready"} 2`))
	assert.Contains(t, body, "chunkledger_ingest_stage_duration_seconds")
}

func TestNew_NilRegistryIsPrivate(t *testing.T) {
	// Two instances must not collide.
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}
