package instrument

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

// forEachTenant runs fn once per active tenant under a system actor. The
// tenant list is read through an audited platform-admin escalation.
func forEachTenant(ctx context.Context, s store.Store, logger zerolog.Logger, actor, reason string, fn func(context.Context, tenant.Scope) error) error {
	admin, err := tenant.Escalate(logger, actor, reason)
	if err != nil {
		return err
	}
	tenants, err := s.Tenants().List(ctx, admin)
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range tenants {
		if !t.Active {
			continue
		}
		scope, err := tenant.NewScope(t.ID, t.Code, actor)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := fn(tenant.WithScope(ctx, scope), scope); err != nil {
			logger.Error().Err(err).Str("tenant", t.Code).Msg(reason + " failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Poller fetches results for queued assignments on equipment that
// supports auto-fetch.
type Poller struct {
	svc         *Service
	store       store.Store
	logger      zerolog.Logger
	concurrency int
}

func NewPoller(svc *Service, s store.Store, concurrency int, logger zerolog.Logger) *Poller {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Poller{svc: svc, store: s, concurrency: concurrency, logger: logger.With().Str("component", "poller").Logger()}
}

// PollReport counts what one polling pass did.
type PollReport struct {
	Checked    int
	Reconciled int
	Held       int
	Failed     int
}

func (p *Poller) RunOnce(ctx context.Context) (PollReport, error) {
	var report PollReport
	err := forEachTenant(ctx, p.store, p.logger, "system:poller", "result polling", func(ctx context.Context, scope tenant.Scope) error {
		r, err := p.pollTenant(ctx, scope)
		report.Checked += r.Checked
		report.Reconciled += r.Reconciled
		report.Held += r.Held
		report.Failed += r.Failed
		return err
	})
	return report, err
}

func (p *Poller) pollTenant(ctx context.Context, scope tenant.Scope) (PollReport, error) {
	var queued []*lims.Assignment
	err := p.store.InTx(ctx, scope, func(tx store.Tx) error {
		equipment, err := tx.ListEquipment(ctx, store.EquipmentFilter{Status: lims.EquipmentActive, AutoFetch: true})
		if err != nil {
			return err
		}
		for _, e := range equipment {
			if !e.Connected() {
				continue
			}
			as, err := tx.ListAssignments(ctx, store.AssignmentFilter{
				EquipmentID: &e.ID,
				Statuses:    []lims.AssignmentStatus{lims.AssignmentQueued},
			})
			if err != nil {
				return err
			}
			for _, a := range as {
				if a.ExternalJobID != "" {
					queued = append(queued, a)
				}
			}
		}
		return nil
	})
	if err != nil {
		return PollReport{}, err
	}

	outcomes := make([]string, len(queued))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, a := range queued {
		g.Go(func() error {
			out, err := p.svc.FetchResult(gctx, a.ID)
			switch {
			case errors.Is(err, apperr.ErrUnmatched), errors.Is(err, apperr.ErrAmbiguous):
				outcomes[i] = "held"
			case err != nil:
				outcomes[i] = "failed"
				p.logger.Warn().Err(err).Str("tenant", scope.Code()).Str("assignment_id", a.ID.String()).Msg("result fetch failed")
				// One analyser failing does not stop the pass; shutdown does.
				return gctx.Err()
			case out != nil:
				outcomes[i] = "reconciled"
			}
			return nil
		})
	}
	werr := g.Wait()

	report := PollReport{Checked: len(queued)}
	for _, o := range outcomes {
		switch o {
		case "reconciled":
			report.Reconciled++
		case "held":
			report.Held++
		case "failed":
			report.Failed++
		}
	}
	return report, werr
}

// Run polls every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r, err := p.RunOnce(ctx)
			if err != nil {
				p.logger.Error().Err(err).Msg("polling pass incomplete")
			}
			if r.Checked > 0 {
				p.logger.Info().Int("checked", r.Checked).Int("reconciled", r.Reconciled).Int("held", r.Held).Int("failed", r.Failed).Msg("polling pass")
			}
		}
	}
}

// Sweeper re-dispatches pending assignments whose earlier dispatch failed
// and reports assignments that have been queued too long.
type Sweeper struct {
	svc         *Service
	store       store.Store
	bus         *events.Bus
	logger      zerolog.Logger
	maxAttempts int
	staleAfter  time.Duration
	concurrency int
	nowFn       func() time.Time
}

func NewSweeper(svc *Service, s store.Store, bus *events.Bus, maxAttempts int, staleAfter time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		svc:         svc,
		store:       s,
		bus:         bus,
		maxAttempts: maxAttempts,
		staleAfter:  staleAfter,
		concurrency: 4,
		logger:      logger.With().Str("component", "sweeper").Logger(),
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

type SweepReport struct {
	Retried int
	Failed  int
	Stale   int
}

func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	err := forEachTenant(ctx, s.store, s.logger, "system:sweeper", "dispatch sweep", func(ctx context.Context, scope tenant.Scope) error {
		r, err := s.sweepTenant(ctx, scope)
		report.Retried += r.Retried
		report.Failed += r.Failed
		report.Stale += r.Stale
		return err
	})
	return report, err
}

func (s *Sweeper) sweepTenant(ctx context.Context, scope tenant.Scope) (SweepReport, error) {
	var retry, stale []*lims.Assignment
	cutoff := s.nowFn().Add(-s.staleAfter)
	err := s.store.InTx(ctx, scope, func(tx store.Tx) error {
		var err error
		if s.maxAttempts > 1 {
			retry, err = tx.ListAssignments(ctx, store.AssignmentFilter{
				Statuses:    []lims.AssignmentStatus{lims.AssignmentPending},
				MinAttempts: 1,
				MaxAttempts: s.maxAttempts - 1,
			})
			if err != nil {
				return err
			}
		}
		if s.staleAfter > 0 {
			stale, err = tx.ListAssignments(ctx, store.AssignmentFilter{
				Statuses:     []lims.AssignmentStatus{lims.AssignmentQueued},
				QueuedBefore: &cutoff,
			})
		}
		return err
	})
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	retried := make([]bool, len(retry))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, a := range retry {
		if a.EquipmentID == nil {
			continue
		}
		g.Go(func() error {
			if _, err := s.svc.Dispatch(gctx, a.ID); err != nil {
				s.logger.Info().Err(err).Str("tenant", scope.Code()).Str("assignment_id", a.ID.String()).Msg("retry dispatch failed")
				return gctx.Err()
			}
			retried[i] = true
			return nil
		})
	}
	werr := g.Wait()
	for i, a := range retry {
		if a.EquipmentID == nil {
			continue
		}
		if retried[i] {
			report.Retried++
		} else {
			report.Failed++
		}
	}

	for _, a := range stale {
		report.Stale++
		s.bus.Emit(ctx, events.New(events.AssignmentStale, scope.TenantID(), scope.Code(), audit.EntityAssignment, a.ID.String(), map[string]any{
			"request_id": a.RequestID.String(),
			"test_code":  a.TestCode,
			"queued_at":  a.QueuedAt,
		}))
	}
	if len(stale) > 0 {
		s.logger.Warn().Str("tenant", scope.Code()).Int("count", len(stale)).Msg("stale queued assignments")
	}
	return report, werr
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("sweep incomplete")
			}
		}
	}
}
