package postgres

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

func TestGaveUp_IsConcurrencyConflict(t *testing.T) {
	scope, err := tenant.NewScope(uuid.New(), "LAB01", "tech")
	require.NoError(t, err)
	serialization := &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	require.True(t, db.Retryable(serialization))

	got := gaveUp(scope, serialization)
	assert.ErrorIs(t, got, store.ErrConflict)
	assert.ErrorIs(t, got, apperr.ErrConcurrencyConflict)
	assert.Equal(t, http.StatusConflict, apperr.HTTPStatus(got))
	kind, ok := apperr.KindOf(got)
	require.True(t, ok)
	assert.Equal(t, apperr.KindConcurrencyConflict, kind)
	assert.Contains(t, got.Error(), "LAB01")
	assert.False(t, errors.Is(got, apperr.ErrNotFound))
}

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil, "sample", 1))
	assert.ErrorIs(t, mapErr(&pgconn.PgError{Code: "23505"}, "sample", "000001"), store.ErrDuplicate)
	assert.ErrorIs(t, mapErr(pgx.ErrNoRows, "sample", "000001"), apperr.ErrNotFound)

	boom := errors.New("boom")
	err := mapErr(boom, "sample", "000001")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, store.ErrDuplicate)
}
