package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chunkledger/internal/events"
	"github.com/roach88/chunkledger/internal/fault"
	"github.com/roach88/chunkledger/internal/ingest"
	"github.com/roach88/chunkledger/internal/ledger"
	"github.com/roach88/chunkledger/internal/metrics"
	"github.com/roach88/chunkledger/internal/record"
	"github.com/roach88/chunkledger/internal/retry"
	"github.com/roach88/chunkledger/internal/session"
	"github.com/roach88/chunkledger/internal/store"
	"github.com/roach88/chunkledger/internal/testutil"
	"github.com/roach88/chunkledger/internal/verify"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testServer struct {
	handler http.Handler
	content *testutil.FlakyStore
	ledger  *testutil.FakeLedger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	fast := retry.Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, CallTimeout: time.Second}

	content := testutil.NewFlakyStore(nil)
	l := testutil.NewFakeLedger()
	bus := events.NewBroadcaster()
	t.Cleanup(bus.Close)
	pipeline := ingest.New(s, content, l, ingest.Config{Upload: fast, Commit: fast},
		ingest.WithMetrics(m), ingest.WithPublisher(bus))
	t.Cleanup(func() { _ = pipeline.Shutdown(context.Background()) })

	mgr := session.NewManager(s, pipeline, content, session.WithMetrics(m),
		session.WithIDGenerator(testutil.NewSequentialIDs("id")))
	verifier := verify.New(content, l, verify.Config{Store: fast, LedgerTimeout: time.Second}, verify.WithMetrics(m))

	srv := New(mgr, verifier, s, pipeline, WithGatherer(reg), WithEvents(bus), WithMaxChunkBytes(1024),
		WithGateway("https://gw.example"))
	return &testServer{handler: srv.Handler(), content: content, ledger: l}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (ts *testServer) createSession(t *testing.T, owner string) record.Session {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/sessions", []byte(`{"owner":"`+owner+`"}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[record.Session](t, rec)
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "0xABC")
	assert.Equal(t, record.SessionActive, sess.Status)

	rec := ts.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/chunks", []byte("first"),
		map[string]string{headerClientTimestamp: "2024-03-01T12:00:00Z", headerSequenceHint: "0"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	chunk := decode[record.Chunk](t, rec)
	assert.Equal(t, int64(0), chunk.SequenceNumber)
	assert.Equal(t, record.ContentID([]byte("first")), chunk.ContentID)

	rec = ts.do(t, http.MethodGet, "/v1/chunks/"+chunk.AttemptID+"?wait=5s", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, record.ChunkReady, decode[record.Chunk](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/end", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/end", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, "ending twice succeeds")
	assert.Equal(t, record.SessionCompleted, decode[record.Session](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/chunks", []byte("late"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(fault.KindInvalidState), decode[errorResponse](t, rec).Error.Kind)

	rec = ts.do(t, http.MethodGet, "/v1/sessions/"+sess.ID+"/canonical", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	canon := decode[canonicalResponse](t, rec)
	require.Len(t, canon.Chunks, 1)
	assert.Empty(t, canon.Gaps)

	rec = ts.do(t, http.MethodGet, "/v1/sessions?owner=0xABC", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[struct {
		Sessions []session.Log `json:"sessions"`
	}](t, rec)
	require.Len(t, listing.Sessions, 1)
	assert.Len(t, listing.Sessions[0].Chunks, 1)

	rec = ts.do(t, http.MethodGet, "/v1/media?owner=0xABC", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	media := decode[struct {
		Media []struct {
			ContentID string `json:"content_id"`
			Owner     string `json:"owner"`
			URL       string `json:"url"`
		} `json:"media"`
	}](t, rec)
	require.Len(t, media.Media, 1)
	assert.Equal(t, chunk.ContentID, media.Media[0].ContentID)
	assert.Equal(t, "0xABC", media.Media[0].Owner)
	assert.Equal(t, "https://gw.example/content/"+chunk.ContentID, media.Media[0].URL)
}

func TestResubmitOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "0xABC")

	ts.ledger.FailCommitsWith(fault.Permanent("ledger.commit", 1, testutil.ErrInjected))
	rec := ts.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/chunks", []byte("flaky"),
		map[string]string{headerClientTimestamp: "2024-03-01T12:00:00Z"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	chunk := decode[record.Chunk](t, rec)

	rec = ts.do(t, http.MethodGet, "/v1/chunks/"+chunk.AttemptID+"?wait=5s", nil, nil)
	require.Equal(t, record.ChunkError, decode[record.Chunk](t, rec).Status)
	ts.ledger.FailCommitsWith(nil)

	rec = ts.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/chunks/0/resubmit", nil,
		map[string]string{headerClientTimestamp: "2024-03-01T12:00:05Z"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	re := decode[record.Chunk](t, rec)
	assert.Equal(t, chunk.AttemptID, re.Supersedes)

	rec = ts.do(t, http.MethodGet, "/v1/chunks/"+re.AttemptID+"?wait=5s", nil, nil)
	assert.Equal(t, record.ChunkReady, decode[record.Chunk](t, rec).Status)

	rec = ts.do(t, http.MethodGet, "/v1/sessions/"+sess.ID+"/chunks", nil, nil)
	raw := decode[struct {
		Chunks []record.Chunk `json:"chunks"`
	}](t, rec)
	assert.Len(t, raw.Chunks, 2)
}

func TestVerifyEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	cid, err := ts.content.Put(ctx, []byte("stored only"))
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/v1/verify/"+cid, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := rec.Body.String()
	assert.Contains(t, body, `"exists_in_store":true`)
	assert.Contains(t, body, `"exists_on_ledger":false`)
	assert.Contains(t, body, `"owner":null`)

	rec = ts.do(t, http.MethodPost, "/v1/verify", []byte("never uploaded"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"exists_in_store":false`)

	_, err = ts.ledger.Commit(ctx, ledger.Entry{ContentID: cid, Owner: "0xABC"})
	require.NoError(t, err)
	ts.content.FailExists(fault.Transient("store.exists", testutil.ErrInjected))
	rec = ts.do(t, http.MethodGet, "/v1/verify/"+cid, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"exists_in_store":"unknown"`)
	assert.Contains(t, rec.Body.String(), `"owner":"0xABC"`)

	ts.ledger.FailQueries(fault.Transient("ledger.query", testutil.ErrInjected))
	rec = ts.do(t, http.MethodGet, "/v1/verify/"+cid, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(fault.KindServiceUnavailable), decode[errorResponse](t, rec).Error.Kind)
}

func TestErrors(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "0xABC")

	tests := []struct {
		name    string
		method  string
		path    string
		body    []byte
		headers map[string]string
		status  int
	}{
		{"missing owner", http.MethodPost, "/v1/sessions", []byte(`{}`), nil, http.StatusBadRequest},
		{"owner with space", http.MethodPost, "/v1/sessions", []byte(`{"owner":"a b"}`), nil, http.StatusBadRequest},
		{"unknown session", http.MethodGet, "/v1/sessions/nope", nil, nil, http.StatusNotFound},
		{"empty chunk", http.MethodPost, "/v1/sessions/" + sess.ID + "/chunks", nil, nil, http.StatusBadRequest},
		{"bad timestamp", http.MethodPost, "/v1/sessions/" + sess.ID + "/chunks", []byte("x"),
			map[string]string{headerClientTimestamp: "yesterday"}, http.StatusBadRequest},
		{"bad hint", http.MethodPost, "/v1/sessions/" + sess.ID + "/chunks", []byte("x"),
			map[string]string{headerSequenceHint: "two"}, http.StatusBadRequest},
		{"oversized chunk", http.MethodPost, "/v1/sessions/" + sess.ID + "/chunks", bytes.Repeat([]byte("x"), 2048), nil, http.StatusBadRequest},
		{"bad seq", http.MethodPost, "/v1/sessions/" + sess.ID + "/chunks/-1/resubmit", nil, nil, http.StatusBadRequest},
		{"unknown chunk", http.MethodGet, "/v1/chunks/nope", nil, nil, http.StatusNotFound},
		{"bad wait", http.MethodGet, "/v1/chunks/nope?wait=forever", nil, nil, http.StatusBadRequest},
		{"malformed cid", http.MethodGet, "/v1/verify/abc", nil, nil, http.StatusBadRequest},
		{"listing without owner", http.MethodGet, "/v1/sessions", nil, nil, http.StatusBadRequest},
		{"media without owner", http.MethodGet, "/v1/media", nil, nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body, tt.headers)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[errorResponse](t, rec).Error.Kind)
		})
	}
}

func TestHealthStatsMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(0), decode[ingest.Stats](t, rec).Submitted)

	ts.createSession(t, "0xABC")
	rec = ts.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "chunkledger_sessions_created_total 1"), rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(fault.InvalidInput("op", "x")))
	assert.Equal(t, http.StatusNotFound, statusFor(fault.NotFound("op", "x")))
	assert.Equal(t, http.StatusConflict, statusFor(fault.InvalidState("op", "x")))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fault.Transient("op", testutil.ErrInjected)))
	assert.Equal(t, http.StatusBadGateway, statusFor(fault.Permanent("op", 3, testutil.ErrInjected)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fault.ServiceUnavailable("op", testutil.ErrInjected)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t)
	sess := ts.createSession(t, "0xABC")

	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/sessions/"+sess.ID+"/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rec := ts.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/chunks", []byte("streamed"), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var statuses []record.ChunkStatus
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var ev events.ChunkEvent
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		statuses = append(statuses, ev.Status)
		if ev.Terminal() {
			break
		}
	}
	require.NotEmpty(t, statuses)
	assert.Equal(t, record.ChunkReady, statuses[len(statuses)-1])
	assert.Contains(t, statuses, record.ChunkUploading)
}

func TestEventStream_UnknownSession(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/v1/sessions/missing/events", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
