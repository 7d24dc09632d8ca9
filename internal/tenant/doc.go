// Package tenant maps incoming requests to tenant accounts.
//
// Resolve derives a slug from an explicit override or the request host:
//
//	Resolve("acme.example.com", "")  // "acme"
//	Resolve("app.example.com", "")   // "default" (reserved label)
//	Resolve("example.com", "")       // "default" (too few labels)
//	Resolve("acme.example.com", "b") // "b" (override wins)
//
// Directory turns a slug into a store.Tenant once per request and rejects
// unknown (ErrUnknownTenant) or suspended/cancelled (ErrTenantInactive)
// tenants. The record then travels explicitly to the webhook relay.
package tenant
