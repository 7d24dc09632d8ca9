// ABOUTME: Contract tests for the HTTP API surface to detect breaking route changes
// ABOUTME: Every documented method and path must reach a handler rather than the mux fallback

package contract

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/gateway"
)

// expectedRoutes is the public HTTP surface. Paths use a conversation id
// that does not exist, so handlers answer with a JSON error.
var expectedRoutes = []struct {
	method string
	path   string
}{
	{http.MethodPost, "/api/conversations"},
	{http.MethodGet, "/api/conversations"},
	{http.MethodGet, "/api/conversations/missing"},
	{http.MethodPatch, "/api/conversations/missing"},
	{http.MethodDelete, "/api/conversations/missing"},
	{http.MethodGet, "/api/conversations/missing/messages"},
	{http.MethodPost, "/api/conversations/missing/messages"},
	{http.MethodPost, "/api/messages"},
	{http.MethodGet, "/api/conversations/missing/events"},
	{http.MethodGet, "/api/conversations/missing/ws"},
	{http.MethodPost, "/api/media"},
}

func TestRouteSurface(t *testing.T) {
	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"},
		Realtime: config.RealtimeConfig{Driver: "memory", BufferSize: 8},
		Tenants:  []config.TenantSeed{{Slug: "acme", Status: "active"}},
	}
	gw, err := gateway.New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		_ = gw.Shutdown(context.Background())
		srv.Close()
	})

	for _, path := range []string{"/health", "/health/ready"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	for _, route := range expectedRoutes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			req, err := http.NewRequest(route.method, srv.URL+route.path, strings.NewReader("{}"))
			require.NoError(t, err)
			req.Header.Set("X-User-ID", "contract")
			req.Header.Set("X-Tenant", "acme")

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.NotEqual(t, http.StatusMethodNotAllowed, resp.StatusCode, "method should be routed")
			assert.Contains(t, resp.Header.Get("Content-Type"), "application/json",
				"response should come from a handler, not the mux 404 page")
		})
	}
}
