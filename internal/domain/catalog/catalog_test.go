package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
	"github.com/lims/lims/internal/store/memory"
)

func ptr(v float64) *float64 { return &v }

func TestDefaultCatalog(t *testing.T) {
	c := Default()
	entry, ok := c.Entry("cbc")
	require.True(t, ok)
	assert.Equal(t, "blood", entry.SpecimenType)
	assert.Equal(t, "hematology", entry.Department)
	assert.NotEmpty(t, c.Entries())
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"duplicate": "tests:\n  - {code: A}\n  - {code: a}\n",
		"no code":   "tests:\n  - {name: x}\n",
		"bad kind":  "tests:\n  - {code: A, kind: fuzzy}\n",
		"bad flag":  "tests:\n  - {code: A, kind: qualitative, options: [{value: X, flag: weird}]}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestRangePolicy_Quantitative(t *testing.T) {
	p := NewRangePolicy(Default())
	glu := &lims.Offering{TestCode: "GLU"}
	adult := Subject{Sex: "female", AgeYears: 40}

	cases := []struct {
		value string
		want  lims.Flag
	}{
		{"85", lims.FlagNormal},
		{"100", lims.FlagNormal},
		{"65", lims.FlagLow},
		{"150", lims.FlagHigh},
		{"35", lims.FlagCritical},
		{"450", lims.FlagCritical},
	}
	for _, tc := range cases {
		ev, err := p.Evaluate(glu, tc.value, adult)
		require.NoError(t, err, tc.value)
		assert.Equal(t, tc.want, ev.Flag, tc.value)
		assert.Equal(t, "70 - 100", ev.ReferenceRange)
	}
}

func TestRangePolicy_DemographicBuckets(t *testing.T) {
	p := NewRangePolicy(Default())
	hgb := &lims.Offering{TestCode: "HGB"}

	ev, err := p.Evaluate(hgb, "13.0", Subject{Sex: "male", AgeYears: 30})
	require.NoError(t, err)
	assert.Equal(t, lims.FlagLow, ev.Flag)

	ev, err = p.Evaluate(hgb, "13.0", Subject{Sex: "female", AgeYears: 30})
	require.NoError(t, err)
	assert.Equal(t, lims.FlagNormal, ev.Flag)

	// Unknown age falls back to the unbounded rule.
	ev, err = p.Evaluate(hgb, "13.0", Subject{Sex: "male", AgeYears: -1})
	require.NoError(t, err)
	assert.Equal(t, "11 - 16", ev.ReferenceRange)

	glu := &lims.Offering{TestCode: "GLU"}
	ev, err = p.Evaluate(glu, "65", Subject{AgeYears: 10})
	require.NoError(t, err)
	assert.Equal(t, lims.FlagNormal, ev.Flag, "paediatric range applies")
}

func TestRangePolicy_OfferingOverride(t *testing.T) {
	p := NewRangePolicy(Default())
	glu := &lims.Offering{TestCode: "GLU", ReferenceLow: ptr(60), ReferenceHigh: ptr(110)}
	ev, err := p.Evaluate(glu, "105", Subject{AgeYears: 40})
	require.NoError(t, err)
	assert.Equal(t, lims.FlagNormal, ev.Flag)
	assert.Equal(t, "60 - 110", ev.ReferenceRange)

	ev, err = p.Evaluate(glu, "30", Subject{AgeYears: 40})
	require.NoError(t, err)
	assert.Equal(t, lims.FlagCritical, ev.Flag, "critical limits still come from the catalog")
}

func TestRangePolicy_Validation(t *testing.T) {
	p := NewRangePolicy(Default())
	for _, tc := range []struct {
		code, value string
	}{
		{"GLU", "abc"},
		{"GLU", ""},
		{"GLU", "5000"},
		{"GLU", "NaN"},
		{"GLU", "nan"},
		{"GLU", "+Inf"},
		{"GLU", "-inf"},
		{"HIV", "maybe"},
		{"NOPE", "1"},
	} {
		_, err := p.Evaluate(&lims.Offering{TestCode: tc.code}, tc.value, Subject{AgeYears: -1})
		assert.ErrorIs(t, err, apperr.ErrValidation, "%s=%s", tc.code, tc.value)
	}
}

func TestRangePolicy_NoApplicableRange(t *testing.T) {
	c, err := Parse([]byte("tests:\n  - code: TST\n    ranges:\n      - {sex: male, low: 10, high: 20}\n  - code: RAW\n"))
	require.NoError(t, err)
	p := NewRangePolicy(c)

	_, err = p.Evaluate(&lims.Offering{TestCode: "TST"}, "999", Subject{Sex: "female", AgeYears: 30})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	ev, err := p.Evaluate(&lims.Offering{TestCode: "TST"}, "25", Subject{Sex: "male", AgeYears: 30})
	require.NoError(t, err)
	assert.Equal(t, lims.FlagHigh, ev.Flag)

	// A tenant override supplies the range when no catalog bucket applies.
	ev, err = p.Evaluate(&lims.Offering{TestCode: "TST", ReferenceLow: ptr(1), ReferenceHigh: ptr(5)}, "3", Subject{Sex: "female"})
	require.NoError(t, err)
	assert.Equal(t, lims.FlagNormal, ev.Flag)

	// Tests without any configured range are reported uninterpreted.
	ev, err = p.Evaluate(&lims.Offering{TestCode: "RAW"}, "42", Subject{Sex: "female"})
	require.NoError(t, err)
	assert.Equal(t, lims.FlagNormal, ev.Flag)
	assert.Empty(t, ev.ReferenceRange)
}

func TestRangePolicy_Qualitative(t *testing.T) {
	p := NewRangePolicy(Default())
	ev, err := p.Evaluate(&lims.Offering{TestCode: "HIV"}, "reactive", Subject{})
	require.NoError(t, err)
	assert.Equal(t, lims.FlagCritical, ev.Flag)
	assert.Equal(t, "NONREACTIVE", ev.ReferenceRange)
}

func newService(t *testing.T) (*Service, context.Context) {
	t.Helper()
	scope, err := tenant.NewScope(uuid.New(), "LAB01", "manager")
	require.NoError(t, err)
	return NewService(memory.New(), Default(), audit.NewRecorder()), tenant.WithScope(context.Background(), scope)
}

func TestSaveOffering_UpsertsByTestCode(t *testing.T) {
	svc, ctx := newService(t)
	first := &lims.Offering{TestCode: "glu", Enabled: true, PriceCents: 500}
	require.NoError(t, svc.SaveOffering(ctx, first))
	assert.Equal(t, "GLU", first.TestCode)

	second := &lims.Offering{TestCode: "GLU", Enabled: false}
	require.NoError(t, svc.SaveOffering(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	list, err := svc.ListOfferings(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Enabled)
}

func TestSaveOffering_UnknownTest(t *testing.T) {
	svc, ctx := newService(t)
	err := svc.SaveOffering(ctx, &lims.Offering{TestCode: "XYZ"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestResolve(t *testing.T) {
	svc, ctx := newService(t)
	cbc := &lims.Offering{TestCode: "CBC", Enabled: true, Department: "core-lab"}
	off := &lims.Offering{TestCode: "K", Enabled: false}
	require.NoError(t, svc.SaveOffering(ctx, cbc))
	require.NoError(t, svc.SaveOffering(ctx, off))
	scope, _ := tenant.FromContext(ctx)

	err := svc.store.InTx(ctx, scope, func(tx store.Tx) error {
		got, err := svc.Resolve(ctx, tx, []uuid.UUID{cbc.ID, cbc.ID})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "core-lab", got[0].Department())

		_, err = svc.Resolve(ctx, tx, []uuid.UUID{off.ID})
		assert.ErrorIs(t, err, apperr.ErrValidation)
		_, err = svc.Resolve(ctx, tx, []uuid.UUID{uuid.New()})
		assert.ErrorIs(t, err, apperr.ErrValidation)
		_, err = svc.Resolve(ctx, tx, nil)
		assert.True(t, errors.Is(err, apperr.ErrValidation))
		return nil
	})
	require.NoError(t, err)
}
