// Package sequence allocates human-readable identifiers. Numbers come from
// durable per-key counters; formatting is a pure layer on top and never
// feeds back into allocation. A number consumed by a transaction that later
// aborts is simply skipped.
package sequence

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

// Counter prefixes.
const (
	PrefixPatient = "patient"
	PrefixRequest = "request"
	PrefixBarcode = "barcode"
	PrefixTenant  = "tenant"
)

type Generator struct {
	counter        store.Counter
	metrics        *metrics.Metrics
	globalBarcodes bool
}

type Option func(*Generator)

// WithMetrics counts allocations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithTenantBarcodes scopes sample barcodes per tenant instead of globally.
func WithTenantBarcodes() Option {
	return func(g *Generator) { g.globalBarcodes = false }
}

func NewGenerator(counter store.Counter, opts ...Option) *Generator {
	g := &Generator{counter: counter, globalBarcodes: true}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next returns the next number for prefix. A zero tenantID selects the
// global sequence.
func (g *Generator) Next(ctx context.Context, prefix string, tenantID uuid.UUID) (int64, error) {
	key := store.CounterKey{Prefix: prefix, TenantID: tenantID}
	n, err := g.counter.Next(ctx, key)
	if err != nil {
		if _, ok := apperr.KindOf(err); ok {
			return 0, err
		}
		return 0, apperr.Wrap(apperr.KindUnavailable, err, "allocate %s sequence", prefix)
	}
	g.metrics.IncSequence(prefix, key.Global())
	return n, nil
}

// PatientID allocates a tenant-scoped patient display id.
func (g *Generator) PatientID(ctx context.Context, scope tenant.Scope) (string, error) {
	n, err := g.Next(ctx, PrefixPatient, scope.TenantID())
	if err != nil {
		return "", err
	}
	return FormatNumber(n), nil
}

// RequestID allocates a tenant-scoped request number.
func (g *Generator) RequestID(ctx context.Context, scope tenant.Scope) (string, error) {
	n, err := g.Next(ctx, PrefixRequest, scope.TenantID())
	if err != nil {
		return "", err
	}
	return FormatRequestID(scope.Code(), n), nil
}

// Barcode allocates a sample barcode, globally unique unless the generator
// was built with WithTenantBarcodes.
func (g *Generator) Barcode(ctx context.Context, scope tenant.Scope) (string, error) {
	id := uuid.Nil
	if !g.globalBarcodes {
		id = scope.TenantID()
	}
	n, err := g.Next(ctx, PrefixBarcode, id)
	if err != nil {
		return "", err
	}
	return FormatNumber(n), nil
}

// TenantCode allocates the next platform-wide laboratory code.
func (g *Generator) TenantCode(ctx context.Context) (string, error) {
	n, err := g.Next(ctx, PrefixTenant, uuid.Nil)
	if err != nil {
		return "", err
	}
	return FormatTenantCode(n), nil
}

// FormatNumber zero-pads n to six digits.
func FormatNumber(n int64) string {
	return fmt.Sprintf("%06d", n)
}

func FormatRequestID(tenantCode string, n int64) string {
	return fmt.Sprintf("ORD-%s-%06d", tenantCode, n)
}

func FormatTenantCode(n int64) string {
	return fmt.Sprintf("LAB%02d", n)
}
