package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

// Resolved is an enabled offering joined with its catalog entry.
type Resolved struct {
	Offering *lims.Offering
	Entry    lims.CatalogEntry
}

// Department is the routing department: the tenant override if set, else
// the catalog default.
func (r Resolved) Department() string {
	if r.Offering.Department != "" {
		return r.Offering.Department
	}
	return r.Entry.Department
}

type Service struct {
	store   store.Store
	catalog *Catalog
	audit   *audit.Recorder
}

func NewService(s store.Store, c *Catalog, rec *audit.Recorder) *Service {
	return &Service{store: s, catalog: c, audit: rec}
}

func (s *Service) Catalog() *Catalog { return s.catalog }

// SaveOffering creates or updates the tenant's offering of a catalog test.
// An existing offering for the same test code is updated in place.
func (s *Service) SaveOffering(ctx context.Context, o *lims.Offering) error {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return err
	}
	o.TestCode = strings.ToUpper(strings.TrimSpace(o.TestCode))
	if _, ok := s.catalog.Test(o.TestCode); !ok {
		return apperr.Validation("test %s is not in the catalog", o.TestCode)
	}
	if o.PriceCents < 0 {
		return apperr.Validation("price must not be negative")
	}
	if o.TurnaroundHours < 0 {
		return apperr.Validation("turnaround must not be negative")
	}
	if o.ReferenceLow != nil && o.ReferenceHigh != nil && *o.ReferenceLow > *o.ReferenceHigh {
		return apperr.Validation("reference low exceeds reference high")
	}

	return s.store.InTx(ctx, scope, func(tx store.Tx) error {
		existing, err := tx.ListOfferings(ctx)
		if err != nil {
			return err
		}
		action := "create"
		for _, e := range existing {
			if e.TestCode == o.TestCode {
				o.ID = e.ID
				action = "update"
			}
		}
		if o.ID == uuid.Nil {
			o.ID = uuid.New()
		}
		if err := tx.SaveOffering(ctx, o); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, audit.EntityOffering, o.ID.String(), action, map[string]any{
			"test_code": o.TestCode,
			"enabled":   o.Enabled,
		})
	})
}

func (s *Service) ListOfferings(ctx context.Context) ([]*lims.Offering, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []*lims.Offering
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		var err error
		out, err = tx.ListOfferings(ctx)
		return err
	})
	return out, err
}

// Resolve loads each id as an enabled offering of the transaction's tenant.
// Duplicated ids resolve once per occurrence.
func (s *Service) Resolve(ctx context.Context, tx store.Tx, ids []uuid.UUID) ([]Resolved, error) {
	if len(ids) == 0 {
		return nil, apperr.Validation("at least one offering is required")
	}
	out := make([]Resolved, 0, len(ids))
	for _, id := range ids {
		o, err := tx.GetOffering(ctx, id)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return nil, invalidOffering(id, "unknown to this laboratory")
			}
			return nil, err
		}
		if !o.Enabled {
			return nil, invalidOffering(id, "disabled")
		}
		entry, ok := s.catalog.Entry(o.TestCode)
		if !ok {
			return nil, invalidOffering(id, "not in the catalog")
		}
		out = append(out, Resolved{Offering: o, Entry: entry})
	}
	return out, nil
}

func invalidOffering(id uuid.UUID, why string) error {
	return apperr.Validation("offering %s is %s", id, why).With("reason", "InvalidOffering")
}
