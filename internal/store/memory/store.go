// Package memory is an in-process store. Each tenant's data lives in its own
// partition guarded by its own mutex; a transaction works on a shallow copy
// of the partition and swaps it in on success, so a failed transaction
// leaves no trace.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

type partition struct {
	patients    map[uuid.UUID]*lims.Patient
	offerings   map[uuid.UUID]*lims.Offering
	requests    map[uuid.UUID]*lims.Request
	samples     map[uuid.UUID]*lims.Sample
	assignments map[uuid.UUID]*lims.Assignment
	results     map[uuid.UUID]*lims.Result
	equipment   map[uuid.UUID]*lims.Equipment
	held        map[uuid.UUID]*lims.HeldResult
	logs        []*lims.InstrumentLog
	audit       []*lims.AuditEvent
}

func newPartition() *partition {
	return &partition{
		patients:    make(map[uuid.UUID]*lims.Patient),
		offerings:   make(map[uuid.UUID]*lims.Offering),
		requests:    make(map[uuid.UUID]*lims.Request),
		samples:     make(map[uuid.UUID]*lims.Sample),
		assignments: make(map[uuid.UUID]*lims.Assignment),
		results:     make(map[uuid.UUID]*lims.Result),
		equipment:   make(map[uuid.UUID]*lims.Equipment),
		held:        make(map[uuid.UUID]*lims.HeldResult),
	}
}

// clone copies the maps but shares the rows. Rows are never mutated in
// place: every write stores a fresh copy.
func (p *partition) clone() *partition {
	return &partition{
		patients:    cloneMap(p.patients),
		offerings:   cloneMap(p.offerings),
		requests:    cloneMap(p.requests),
		samples:     cloneMap(p.samples),
		assignments: cloneMap(p.assignments),
		results:     cloneMap(p.results),
		equipment:   cloneMap(p.equipment),
		held:        cloneMap(p.held),
		logs:        p.logs[:len(p.logs):len(p.logs)],
		audit:       p.audit[:len(p.audit):len(p.audit)],
	}
}

func cloneMap[T any](m map[uuid.UUID]*T) map[uuid.UUID]*T {
	out := make(map[uuid.UUID]*T, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type tenantData struct {
	mu   sync.Mutex
	data *partition
}

// Store implements store.Store in memory.
type Store struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*lims.Tenant
	data    map[uuid.UUID]*tenantData

	counters  *counter
	faults    *faults
	nowFn     func() time.Time
	persister Persister
}

// Persister receives every committed partition and every change to the
// tenant directory. Calls for one tenant never overlap.
type Persister interface {
	SavePartition(ctx context.Context, tenantID uuid.UUID, snap PartitionSnapshot) error
	SaveTenants(ctx context.Context, tenants []lims.Tenant) error
}

func New() *Store {
	return &Store{
		tenants:  make(map[uuid.UUID]*lims.Tenant),
		data:     make(map[uuid.UUID]*tenantData),
		counters: newCounter(),
		faults:   newFaults(),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// SetPersister installs p. A failed save rolls the write back.
func (s *Store) SetPersister(p Persister) {
	s.persister = p
}

// FailOn makes the nth call (1-based) to the named Tx operation fail with
// err. It is meant for exercising rollback paths.
func (s *Store) FailOn(op string, nth int, err error) {
	s.faults.set(op, nth, err)
}

func (s *Store) Close() error { return nil }

func (s *Store) Counter() store.Counter { return s.counters }

func (s *Store) Tenants() store.TenantDirectory { return &directory{s: s} }

func (s *Store) partitionFor(id uuid.UUID) *tenantData {
	s.mu.Lock()
	defer s.mu.Unlock()
	td, ok := s.data[id]
	if !ok {
		td = &tenantData{data: newPartition()}
		s.data[id] = td
	}
	return td
}

func (s *Store) InTx(ctx context.Context, scope tenant.Scope, fn func(store.Tx) error) error {
	if !scope.Valid() {
		return apperr.Configuration("transaction opened without a tenant scope")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	td := s.partitionFor(scope.TenantID())
	td.mu.Lock()
	defer td.mu.Unlock()

	tx := &txn{s: s, scope: scope, p: td.data.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if s.persister != nil {
		if err := s.persister.SavePartition(ctx, scope.TenantID(), tx.p.snapshot()); err != nil {
			return fmt.Errorf("persist partition: %w", err)
		}
	}
	td.data = tx.p
	return nil
}

// ---------------------------------------------------------------------------
// Tenant directory
// ---------------------------------------------------------------------------

type directory struct {
	s *Store
}

func (d *directory) ByCode(_ context.Context, code string) (*lims.Tenant, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for _, t := range d.s.tenants {
		if strings.EqualFold(t.Code, code) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("tenant", code)
}

func (d *directory) Get(_ context.Context, id uuid.UUID) (*lims.Tenant, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	t, ok := d.s.tenants[id]
	if !ok {
		return nil, apperr.NotFound("tenant", id)
	}
	cp := *t
	return &cp, nil
}

func (d *directory) Create(ctx context.Context, admin tenant.Admin, t *lims.Tenant) error {
	if !admin.Valid() {
		return apperr.Configuration("tenant creation requires platform escalation")
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for _, existing := range d.s.tenants {
		if strings.EqualFold(existing.Code, t.Code) {
			return fmt.Errorf("%w: tenant code %s", store.ErrDuplicate, t.Code)
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = d.s.nowFn()
	}
	cp := *t
	d.s.tenants[t.ID] = &cp
	if err := d.s.saveTenantsLocked(ctx); err != nil {
		delete(d.s.tenants, t.ID)
		return err
	}
	return nil
}

func (d *directory) SetActive(ctx context.Context, admin tenant.Admin, id uuid.UUID, active bool) error {
	if !admin.Valid() {
		return apperr.Configuration("tenant update requires platform escalation")
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	t, ok := d.s.tenants[id]
	if !ok {
		return apperr.NotFound("tenant", id)
	}
	cp := *t
	cp.Active = active
	d.s.tenants[id] = &cp
	if err := d.s.saveTenantsLocked(ctx); err != nil {
		d.s.tenants[id] = t
		return err
	}
	return nil
}

func (d *directory) List(_ context.Context, admin tenant.Admin) ([]*lims.Tenant, error) {
	if !admin.Valid() {
		return nil, apperr.Configuration("listing tenants requires platform escalation")
	}
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	out := make([]*lims.Tenant, 0, len(d.s.tenants))
	for _, t := range d.s.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) saveTenantsLocked(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	list := make([]lims.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		list = append(list, *t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Code < list[j].Code })
	if err := s.persister.SaveTenants(ctx, list); err != nil {
		return fmt.Errorf("persist tenants: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Counters
// ---------------------------------------------------------------------------

type counterRow struct {
	mu   sync.Mutex
	last int64
}

type counter struct {
	mu   sync.Mutex
	rows map[store.CounterKey]*counterRow
}

func newCounter() *counter {
	return &counter{rows: make(map[store.CounterKey]*counterRow)}
}

// Next locks only the row for key, so distinct keys never contend.
func (c *counter) Next(ctx context.Context, key store.CounterKey) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if key.Prefix == "" {
		return 0, apperr.Validation("sequence prefix is required")
	}
	c.mu.Lock()
	row, ok := c.rows[key]
	if !ok {
		row = &counterRow{}
		c.rows[key] = row
	}
	c.mu.Unlock()

	row.mu.Lock()
	defer row.mu.Unlock()
	row.last++
	return row.last, nil
}

// ---------------------------------------------------------------------------
// Fault injection
// ---------------------------------------------------------------------------

type fault struct {
	nth   int
	calls int
	err   error
}

type faults struct {
	mu  sync.Mutex
	ops map[string]*fault
}

func newFaults() *faults {
	return &faults{ops: make(map[string]*fault)}
}

func (f *faults) set(op string, nth int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops[op] = &fault{nth: nth, err: err}
}

func (f *faults) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft, ok := f.ops[op]
	if !ok {
		return nil
	}
	ft.calls++
	if ft.calls == ft.nth {
		return ft.err
	}
	return nil
}
