package audit

import (
	"context"

	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

type Service struct {
	store store.Store
}

func NewService(s store.Store) *Service {
	return &Service{store: s}
}

func (s *Service) List(ctx context.Context, f store.AuditFilter, limit, offset int) ([]*lims.AuditEvent, int, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, 0, err
	}
	var (
		items []*lims.AuditEvent
		total int
	)
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		var err error
		items, total, err = tx.ListAudit(ctx, f, limit, offset)
		return err
	})
	return items, total, err
}
