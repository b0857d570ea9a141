package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
	"github.com/lims/lims/internal/store/memory"
)

func mustScope(t *testing.T, code string) tenant.Scope {
	t.Helper()
	s, err := tenant.NewScope(uuid.New(), code, "tester")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFormatting(t *testing.T) {
	if got := FormatNumber(1); got != "000001" {
		t.Errorf("FormatNumber(1) = %s", got)
	}
	if got := FormatRequestID("LAB01", 1); got != "ORD-LAB01-000001" {
		t.Errorf("FormatRequestID = %s", got)
	}
	if got := FormatTenantCode(3); got != "LAB03" {
		t.Errorf("FormatTenantCode = %s", got)
	}
	if got := FormatNumber(1234567); got != "1234567" {
		t.Errorf("overflowing width must not truncate, got %s", got)
	}
}

func TestNext_ConcurrentAllocationsAreUnique(t *testing.T) {
	g := NewGenerator(memory.New().Counter())
	tenantID := uuid.New()
	const workers = 100

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := g.Next(context.Background(), PrefixPatient, tenantID)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			seen[n]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != workers {
		t.Fatalf("expected %d distinct numbers, got %d", workers, len(seen))
	}
	for n := int64(1); n <= workers; n++ {
		if seen[n] != 1 {
			t.Errorf("number %d allocated %d times", n, seen[n])
		}
	}
}

func TestNext_KeysAreIndependent(t *testing.T) {
	g := NewGenerator(memory.New().Counter())
	ctx := context.Background()
	lab1, lab2 := mustScope(t, "LAB01"), mustScope(t, "LAB02")

	id1, _ := g.RequestID(ctx, lab1)
	id2, _ := g.RequestID(ctx, lab2)
	if id1 != "ORD-LAB01-000001" || id2 != "ORD-LAB02-000001" {
		t.Errorf("unexpected ids %s %s", id1, id2)
	}
	p, _ := g.PatientID(ctx, lab1)
	if p != "000001" {
		t.Errorf("patient sequence must start at 1, got %s", p)
	}
}

func TestBarcode_GlobalByDefault(t *testing.T) {
	ctx := context.Background()
	lab1, lab2 := mustScope(t, "LAB01"), mustScope(t, "LAB02")

	g := NewGenerator(memory.New().Counter())
	a, _ := g.Barcode(ctx, lab1)
	b, _ := g.Barcode(ctx, lab2)
	if a == b {
		t.Errorf("global barcodes must differ across tenants, both %s", a)
	}

	scoped := NewGenerator(memory.New().Counter(), WithTenantBarcodes())
	a, _ = scoped.Barcode(ctx, lab1)
	b, _ = scoped.Barcode(ctx, lab2)
	if a != "000001" || b != "000001" {
		t.Errorf("tenant barcodes should each start at 1, got %s %s", a, b)
	}
}

func TestNext_GapsAfterAbortedTransaction(t *testing.T) {
	s := memory.New()
	g := NewGenerator(s.Counter())
	ctx := context.Background()
	scope := mustScope(t, "LAB01")

	_ = s.InTx(ctx, scope, func(store.Tx) error {
		if _, err := g.PatientID(ctx, scope); err != nil {
			return err
		}
		return errors.New("abort")
	})
	next, _ := g.PatientID(ctx, scope)
	if next != "000002" {
		t.Errorf("expected the aborted number to be skipped, got %s", next)
	}
}

func TestNext_EmptyPrefix(t *testing.T) {
	g := NewGenerator(memory.New().Counter())
	_, err := g.Next(context.Background(), "", uuid.Nil)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestNext_CountsMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	g := NewGenerator(memory.New().Counter(), WithMetrics(m))
	if _, err := g.TenantCode(context.Background()); err != nil {
		t.Fatal(err)
	}
	if v := testutil.ToFloat64(m.SequenceAllocations.WithLabelValues(PrefixTenant, "global")); v != 1 {
		t.Errorf("expected 1 allocation, got %v", v)
	}
}
