package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/gazette-sync/internal/config"
	"github.com/JakeFAU/gazette-sync/internal/crawler"
	queueMemory "github.com/JakeFAU/gazette-sync/internal/queue/memory"
	"github.com/JakeFAU/gazette-sync/internal/source"
	storageMemory "github.com/JakeFAU/gazette-sync/internal/storage/memory"
)

var testNow = time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	runs   *storageMemory.RunStore
	queue  *queueMemory.Queue
}

func newTestEnv(t *testing.T, cfg config.Config, ids ...string) testEnv {
	t.Helper()
	registry := source.NewRegistry()
	require.NoError(t, registry.Register(stubSource{name: "central"}))
	require.NoError(t, registry.Register(stubSource{name: "state"}))

	env := testEnv{runs: storageMemory.NewRunStore(), queue: queueMemory.NewQueue(1)}
	env.server = NewServer(Deps{
		Runs:     env.runs,
		Enqueuer: env.queue,
		Sources:  registry,
		IDGen:    &fakeIDGen{ids: ids},
		Clock:    &fakeClock{now: testNow},
		Logger:   zap.NewNop(),
	}, cfg)
	return env
}

func (e testEnv) do(method, target, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_SubmitSync_Succeeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, "run-1")
	rec := env.do(http.MethodPost, "/v1/syncs",
		`{"from":"2024-03-01","to":"2024-03-02","sources":["central"],"force_refresh":true}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "run-1")

	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", item.RunID)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), item.Params.From)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), item.Params.To)
	assert.Equal(t, []string{"central"}, item.Params.Sources)
	assert.True(t, item.Params.ForceRefresh)
	assert.Equal(t, testNow.Unix(), item.Submitted)

	run, err := env.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusQueued, run.Status)
}

func TestServer_SubmitSync_DefaultsToToday(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{Sync: config.SyncConfig{ForceRefresh: true}}, "run-today")
	rec := env.do(http.MethodPost, "/v1/syncs", `{}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	today := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, today, item.Params.From)
	assert.Equal(t, today, item.Params.To)
	assert.True(t, item.Params.ForceRefresh)
}

func TestServer_SubmitSync_RejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "invalid json", body: "{invalid", wantErr: "invalid JSON"},
		{name: "bad date", body: `{"from":"03/01/2024"}`, wantErr: "sync.from"},
		{name: "inverted range", body: `{"from":"2024-03-05","to":"2024-03-01"}`, wantErr: "after"},
		{name: "unknown source", body: `{"sources":["atlantis"]}`, wantErr: "atlantis"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, config.Config{})
			rec := env.do(http.MethodPost, "/v1/syncs", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.wantErr)
			assert.Zero(t, env.queue.Len())
		})
	}
}

func TestServer_SubmitSync_QueueClosed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, "run-closed")
	env.queue.Close()

	rec := env.do(http.MethodPost, "/v1/syncs", `{}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	run, err := env.runs.GetRun(context.Background(), "run-closed")
	require.NoError(t, err)
	assert.Equal(t, crawler.RunStatusFailed, run.Status)
}

func TestServer_GetRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	require.NoError(t, env.runs.CreateRun(context.Background(), crawler.Run{ID: "run-9", Status: crawler.RunStatusRunning}))

	rec := env.do(http.MethodGet, "/v1/syncs/run-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run crawler.Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, crawler.RunStatusRunning, body.Run.Status)

	rec = env.do(http.MethodGet, "/v1/syncs/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetRunResult(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	ctx := context.Background()
	require.NoError(t, env.runs.CreateRun(ctx, crawler.Run{ID: "run-5"}))
	require.NoError(t, env.runs.RecordArtifacts(ctx, "run-5", "central", []string{"central/2024-03-01/A"}))

	rec := env.do(http.MethodGet, "/v1/syncs/run-5/result", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result crawler.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "run-5", result.Run.ID)
	assert.Equal(t, map[string][]string{"central": {"central/2024-03-01/A"}}, result.Artifacts)
}

func TestServer_ListSourcesAndProbes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})

	rec := env.do(http.MethodGet, "/v1/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sources":["central","state"]}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/readyz", "").Code)

	rec = env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_ReadyzWithoutSources(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Sources: source.NewRegistry()}, config.Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}, "run-auth")

	rec := env.do(http.MethodGet, "/v1/sources", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodGet, "/v1/sources", "", "X-API-Key", "secret")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/v1/sources?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", "").Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{})
	rec := env.do(http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := &Server{logger: zap.NewNop()}
	handler := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.Error(t, err)

	hijacker := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: hijacker}
	conn, _, err := rw.Hijack()
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, hijacker.CloseClient())
}

// --- helpers/fakes ---

type stubSource struct{ name string }

func (s stubSource) Name() string             { return s.name }
func (s stubSource) IdentifierPrefix() string { return "" }
func (s stubSource) Sync(context.Context, time.Time, time.Time) ([]string, error) {
	return nil, errors.New("not used")
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	return h.client.Close()
}
