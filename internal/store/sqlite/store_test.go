package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "lims.db")
	s, err := Open(context.Background(), path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	return s, path
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t)

	admin, err := tenant.Escalate(zerolog.Nop(), "test", "fixture")
	require.NoError(t, err)
	tn := &lims.Tenant{Name: "Central Lab", Code: "LAB01", Active: true}
	require.NoError(t, s.Tenants().Create(ctx, admin, tn))
	scope, err := tenant.NewScope(tn.ID, tn.Code, "tester")
	require.NoError(t, err)

	p := &lims.Patient{ID: uuid.New(), DisplayID: "000001", GivenName: "Ada", FamilyName: "Lovelace", CreatedAt: time.Now().UTC()}
	e := &lims.Equipment{ID: uuid.New(), Name: "XN-1000", Department: "hematology", APIKey: "secret", Status: lims.EquipmentActive}
	require.NoError(t, s.InTx(ctx, scope, func(tx store.Tx) error {
		if err := tx.CreatePatient(ctx, p); err != nil {
			return err
		}
		return tx.SaveEquipment(ctx, e)
	}))

	key := store.CounterKey{Prefix: "REQ", TenantID: tn.ID}
	for want := int64(1); want <= 2; want++ {
		got, err := s.Counter().Next(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Tenants().ByCode(ctx, "lab01")
	require.NoError(t, err)
	assert.Equal(t, tn.ID, got.ID)

	require.NoError(t, reopened.InTx(ctx, scope, func(tx store.Tx) error {
		gotP, err := tx.GetPatient(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Ada", gotP.GivenName)
		gotE, err := tx.GetEquipment(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, "secret", gotE.APIKey)
		return nil
	}))

	next, err := reopened.Counter().Next(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), next)
}

func TestStore_FailedTxIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	s, path := openTemp(t)
	scope, err := tenant.NewScope(uuid.New(), "LAB01", "tester")
	require.NoError(t, err)

	boom := errors.New("boom")
	p := &lims.Patient{ID: uuid.New(), DisplayID: "000001"}
	err = s.InTx(ctx, scope, func(tx store.Tx) error {
		if err := tx.CreatePatient(ctx, p); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()
	err = reopened.InTx(ctx, scope, func(tx store.Tx) error {
		_, err := tx.GetPatient(ctx, p.ID)
		return err
	})
	assert.Error(t, err)
}

func TestCounter_GlobalKeyIsSeparate(t *testing.T) {
	ctx := context.Background()
	s, _ := openTemp(t)
	defer s.Close()

	tenantID := uuid.New()
	g, err := s.Counter().Next(ctx, store.CounterKey{Prefix: "TENANT"})
	require.NoError(t, err)
	l, err := s.Counter().Next(ctx, store.CounterKey{Prefix: "TENANT", TenantID: tenantID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), g)
	assert.Equal(t, int64(1), l)

	_, err = s.Counter().Next(ctx, store.CounterKey{})
	assert.Error(t, err)
}
