// ABOUTME: HTTP route table and the tenant-resolution middleware
// ABOUTME: Every /api route runs behind auth, then tenant lookup, then the handler

package gateway

import (
	"context"
	"net/http"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/store"
	"github.com/2389/relay-gateway/internal/tenant"
)

type tenantContextKey struct{}

// tenantFromContext returns the tenant record loaded by requireTenant.
func tenantFromContext(ctx context.Context) *store.Tenant {
	t, _ := ctx.Value(tenantContextKey{}).(*store.Tenant)
	return t
}

// requireTenant resolves the request's tenant slug and loads its record once.
func (g *Gateway) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slug := tenant.FromRequest(r)
		t, err := g.directory.Lookup(r.Context(), slug)
		if err != nil {
			g.sendError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), tenantContextKey{}, t)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	authMiddleware := auth.HTTPAuthMiddleware(g.verifier)
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(g.requireTenant(h)))
	}

	api("POST /api/conversations", g.handleCreateConversation)
	api("GET /api/conversations", g.handleListConversations)
	api("GET /api/conversations/{id}", g.handleGetConversation)
	api("PATCH /api/conversations/{id}", g.handleRenameConversation)
	api("DELETE /api/conversations/{id}", g.handleDeleteConversation)
	api("GET /api/conversations/{id}/messages", g.handleListMessages)
	api("POST /api/conversations/{id}/messages", g.handleSubmitMessage)
	api("POST /api/messages", g.handleSubmitMessage)
	api("GET /api/conversations/{id}/events", g.handleEvents)
	api("GET /api/conversations/{id}/ws", g.handleWebSocket)
	api("POST /api/media", g.handleUploadMedia)

	// Uploaded media is fetched by tenant webhooks, so it is served without auth
	mux.HandleFunc("GET /media/{name}", g.handleServeMedia)
}
