// ABOUTME: Tenant directory that loads tenant records and enforces their status
// ABOUTME: The loaded record is passed explicitly through the message pipeline

package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/relay-gateway/internal/store"
)

// ErrUnknownTenant is returned when no tenant with the resolved slug exists
var ErrUnknownTenant = errors.New("unknown tenant")

// ErrTenantInactive is returned for suspended or cancelled tenants
var ErrTenantInactive = errors.New("tenant inactive")

// Reader is the read side of the tenant table
type Reader interface {
	GetTenant(ctx context.Context, slug string) (*store.Tenant, error)
}

// Writer provisions tenant rows
type Writer interface {
	UpsertTenant(ctx context.Context, tenant *store.Tenant) error
}

// Directory looks up tenant records for resolved slugs
type Directory struct {
	tenants Reader
	logger  *slog.Logger
}

// NewDirectory creates a Directory backed by r.
func NewDirectory(r Reader, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		tenants: r,
		logger:  logger.With("component", "tenant"),
	}
}

// Lookup returns the tenant record for slug.
// Returns ErrUnknownTenant if it does not exist and ErrTenantInactive if it
// may not exchange messages.
func (d *Directory) Lookup(ctx context.Context, slug string) (*store.Tenant, error) {
	t, err := d.tenants.GetTenant(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("loading tenant %s: %w", slug, err)
	}
	if !t.Status.Serving() {
		d.logger.Debug("rejecting inactive tenant", "tenant", slug, "status", t.Status)
		return nil, fmt.Errorf("%w: %s is %s", ErrTenantInactive, slug, t.Status)
	}
	return t, nil
}

// Seed upserts the given tenants. It stands in for external provisioning.
func Seed(ctx context.Context, w Writer, tenants []store.Tenant, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for i := range tenants {
		t := tenants[i]
		if err := w.UpsertTenant(ctx, &t); err != nil {
			return fmt.Errorf("seeding tenant %s: %w", t.Slug, err)
		}
		logger.Info("tenant provisioned", "component", "tenant", "tenant", t.Slug, "status", t.Status, "webhook", t.WebhookURL != "")
	}
	return nil
}
