package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryguard/waf/internal/waf/cache"
	"github.com/sentryguard/waf/internal/waf/judge"
	"github.com/sentryguard/waf/internal/waf/llm"
	"github.com/sentryguard/waf/internal/waf/model"
	"github.com/sentryguard/waf/internal/waf/rulebook"
)

type fakeLog struct{}

func (fakeLog) Append(_ context.Context, _ model.LogEntry) (int64, error) { return 1, nil }

func newTestServer(t *testing.T, gw llm.Gateway, upstream *httptest.Server) *Server {
	t.Helper()
	rb, err := rulebook.Open(filepath.Join(t.TempDir(), "rulebook.json"))
	require.NoError(t, err)
	t.Cleanup(func() { rb.Close() })

	j := judge.New(judge.Config{
		Cache:    cache.NewMemoryCache(),
		Rulebook: rb,
		LLM:      gw,
		Log:      fakeLog{},
	})

	srv, err := New(Config{
		Judge:       j,
		Rulebook:    rb,
		LLMGateway:  gw,
		UpstreamURL: upstream.URL,
	})
	require.NoError(t, err)
	return srv
}

func TestProxyBlocksSQLi(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be called for a blocked request")
	}))
	defer upstream.Close()

	gw := &llm.MockGateway{BlockSubstrings: []string{"' OR '1'='1"}}
	srv := newTestServer(t, gw, upstream)

	req := httptest.NewRequest(http.MethodGet, "/users?id=1'%20OR%20'1'='1", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "blocked")
}

func TestProxyForwardsCleanRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("upstream-ok"))
	}))
	defer upstream.Close()

	gw := &llm.MockGateway{Decision: model.AllowDecision(0.99)}
	srv := newTestServer(t, gw, upstream)

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "upstream-ok", rec.Body.String())
}

func TestHealthReportsUnavailableWithoutFreshLLMCheck(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	gw := &llm.MockGateway{}
	srv := newTestServer(t, gw, upstream)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "no health probe has run yet")
}

func TestHealthReportsOKAfterProbe(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	gw := &llm.MockGateway{}
	srv := newTestServer(t, gw, upstream)
	srv.probeOnce()

	stop := make(chan struct{})
	defer close(stop)
	_ = stop

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNormalizeUppercasesMethodAndLowercasesHeaders(t *testing.T) {
	req := httptest.NewRequest("get", "/x?b=2&a=1", nil)
	req.Header.Set("X-Custom", "v")
	payload, err := normalize(req, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "GET", payload.Method)
	assert.Equal(t, "v", payload.Headers["x-custom"])
	require.Len(t, payload.Query, 2)
	assert.Equal(t, "a", payload.Query[0].Name)
}

func TestAdminRulesListAndAdd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	rb, err := rulebook.Open(filepath.Join(t.TempDir(), "rulebook.json"))
	require.NoError(t, err)
	t.Cleanup(func() { rb.Close() })

	gw := &llm.MockGateway{}
	j := judge.New(judge.Config{Cache: cache.NewMemoryCache(), Rulebook: rb, LLM: gw, Log: fakeLog{}})
	srv, err := New(Config{Judge: j, Rulebook: rb, LLMGateway: gw, UpstreamURL: upstream.URL})
	require.NoError(t, err)

	body := `{"pattern":"union select","threat_type":"sqli","action":"block","confidence":0.9}`
	req := httptest.NewRequest(http.MethodPost, "/admin/rules", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/rules", nil)
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "union select")
}

func TestAdminRequiresBearerTokenWhenConfigured(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	rb, err := rulebook.Open(filepath.Join(t.TempDir(), "rulebook.json"))
	require.NoError(t, err)
	t.Cleanup(func() { rb.Close() })

	gw := &llm.MockGateway{}
	j := judge.New(judge.Config{Cache: cache.NewMemoryCache(), Rulebook: rb, LLM: gw, Log: fakeLog{}})
	srv, err := New(Config{Judge: j, Rulebook: rb, LLMGateway: gw, UpstreamURL: upstream.URL, AdminAPIKey: "secret"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/admin/rules", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin/rules", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProbeRunsPeriodically(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	gw := &llm.MockGateway{}
	srv := newTestServer(t, gw, upstream)

	stop := make(chan struct{})
	go srv.RunHealthProbe(stop)
	defer close(stop)

	require.Eventually(t, func() bool { return srv.lastHealthAt.Load() > 0 }, time.Second, 5*time.Millisecond)
}
