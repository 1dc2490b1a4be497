package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/bender/pkg/metrics"
	"github.com/migadu/bender/server"
)

type fakeProxy struct {
	name    string
	open    int
	idle    int
	limiter *server.ConnectionStats
}

func (f *fakeProxy) Name() string { return f.name }

func (f *fakeProxy) Stats() metrics.ServerStats {
	return metrics.ServerStats{Name: f.name, OpenConnections: f.open, IdleUpstreams: f.idle}
}

func (f *fakeProxy) LimiterStats() *server.ConnectionStats { return f.limiter }

func newTestServer(t *testing.T, opts ServerOptions) http.Handler {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	s, err := New([]ProxyServer{
		&fakeProxy{name: "edge", open: 3, idle: 1, limiter: &server.ConnectionStats{Name: "edge", TotalConnections: 3, MaxConnections: 10}},
		&fakeProxy{name: "internal"},
	}, opts)
	require.NoError(t, err)
	return s.Handler()
}

func do(h http.Handler, method, path string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, ServerOptions{})
	assert.Error(t, err)

	_, err = New(nil, ServerOptions{Addr: ":9090", AllowedHosts: []string{"not-an-ip"}})
	assert.Error(t, err)

	_, err = New(nil, ServerOptions{Addr: ":9090", AllowedHosts: []string{"10.0.0.0/8", "::1"}})
	assert.NoError(t, err)
}

func TestHealth(t *testing.T) {
	rec := do(newTestServer(t, ServerOptions{}), "GET", "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(2), body["servers"])
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.ConnectionsTotal.WithLabelValues("admin-test").Inc()

	rec := do(newTestServer(t, ServerOptions{MetricsPath: "/prom"}), "GET", "/prom")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `bender_connections_total{server="admin-test"}`)

	rec = do(newTestServer(t, ServerOptions{MetricsPath: "/prom"}), "GET", "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListServers(t *testing.T) {
	rec := do(newTestServer(t, ServerOptions{}), "GET", "/api/v1/servers")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Servers []ServerStatus `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Servers, 2)
	assert.Equal(t, "edge", body.Servers[0].Name)
	assert.Equal(t, 3, body.Servers[0].OpenConnections)
	assert.Equal(t, 1, body.Servers[0].IdleUpstreams)
	require.NotNil(t, body.Servers[0].Limiter)
	assert.Equal(t, int64(10), body.Servers[0].Limiter.MaxConnections)
	assert.Nil(t, body.Servers[1].Limiter)
}

func TestGetServer(t *testing.T) {
	h := newTestServer(t, ServerOptions{})

	rec := do(h, "GET", "/api/v1/servers/internal")
	require.Equal(t, http.StatusOK, rec.Code)
	var status ServerStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "internal", status.Name)

	rec = do(h, "GET", "/api/v1/servers/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKey(t *testing.T) {
	h := newTestServer(t, ServerOptions{APIKey: "secret"})

	assert.Equal(t, http.StatusUnauthorized, do(h, "GET", "/api/v1/servers").Code)
	assert.Equal(t, http.StatusForbidden, do(h, "GET", "/api/v1/servers", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong")
	}).Code)
	assert.Equal(t, http.StatusOK, do(h, "GET", "/api/v1/servers", func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer secret")
	}).Code)

	assert.Equal(t, http.StatusOK, do(h, "GET", "/healthz").Code, "health is not behind the API key")
}

func TestAllowedHosts(t *testing.T) {
	h := newTestServer(t, ServerOptions{AllowedHosts: []string{"10.1.0.0/16", "192.0.2.7"}})
	from := func(addr string) func(*http.Request) {
		return func(r *http.Request) { r.RemoteAddr = addr }
	}

	assert.Equal(t, http.StatusOK, do(h, "GET", "/healthz", from("10.1.2.3:5555")).Code)
	assert.Equal(t, http.StatusOK, do(h, "GET", "/healthz", from("192.0.2.7:5555")).Code)
	assert.Equal(t, http.StatusForbidden, do(h, "GET", "/healthz", from("192.0.2.8:5555")).Code)
	assert.Equal(t, http.StatusForbidden, do(h, "GET", "/healthz", from("192.0.2.8:5555"), func(r *http.Request) {
		r.Header.Set("X-Forwarded-For", "10.1.2.3")
	}).Code, "forwarding headers are ignored")
}
