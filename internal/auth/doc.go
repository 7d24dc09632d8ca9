// Package auth identifies the user behind each API request.
//
// Identity is delegated to an external provider; the gateway only verifies
// HS256 JWTs signed with auth.jwt_secret and takes the user ID from the "sub"
// claim:
//
//	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	handler = auth.HTTPAuthMiddleware(verifier)(handler)
//
// Tokens arrive in the Authorization header ("Bearer <token>") or, for
// EventSource and WebSocket clients, in the access_token query parameter.
//
// Without a secret the middleware runs in development mode and trusts the
// X-User-ID header. Handlers read the identity with FromContext or UserID.
package auth
