package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lims/lims/internal/config"
	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/tenant"
)

const testInstrumentToken = "instrument-secret"

func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := &config.Config{
		Env:                  "development",
		StoreDriver:          config.DriverMemory,
		ArchiveDriver:        config.ArchiveMemory,
		ReleaseMode:          "per_request",
		MakerChecker:         true,
		GlobalBarcodes:       true,
		StoreRetryAttempts:   3,
		DispatchMaxAttempts:  3,
		InstrumentToken:      testInstrumentToken,
		InstrumentTimeout:    2 * time.Second,
		StaleAssignmentAfter: 24 * time.Hour,
		CORSOrigins:          []string{"*"},
		RateLimitRPS:         1000,
		RateLimitBurst:       1000,
		BatchBodyLimit:       "10M",
		RequestTimeout:       5 * time.Second,
	}
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func createTenant(t *testing.T, a *app, name string) *lims.Tenant {
	t.Helper()
	ctx := context.Background()
	admin, err := tenant.Escalate(zerolog.Nop(), "test", "fixture")
	require.NoError(t, err)
	code, err := a.seq.TenantCode(ctx)
	require.NoError(t, err)
	lab := &lims.Tenant{ID: uuid.New(), Name: name, Code: code, Active: true, CreatedAt: time.Now().UTC()}
	require.NoError(t, a.store.Tenants().Create(ctx, admin, lab))
	return lab
}

func do(t *testing.T, a *app, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.echo.ServeHTTP(rec, req)
	return rec
}

func TestApp_Health(t *testing.T) {
	a := newTestApp(t)
	rec := do(t, a, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestApp_RequiresTenant(t *testing.T) {
	a := newTestApp(t)

	rec := do(t, a, http.MethodGet, "/api/v1/offerings", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, a, http.MethodGet, "/api/v1/offerings", "", map[string]string{"X-Tenant-ID": "LAB99"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApp_InactiveTenantIsForbidden(t *testing.T) {
	a := newTestApp(t)
	lab := createTenant(t, a, "Closed Lab")
	admin, err := tenant.Escalate(zerolog.Nop(), "test", "close lab")
	require.NoError(t, err)
	require.NoError(t, a.store.Tenants().SetActive(context.Background(), admin, lab.ID, false))

	rec := do(t, a, http.MethodGet, "/api/v1/offerings", "", map[string]string{"X-Tenant-ID": lab.Code})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApp_OrderFlow(t *testing.T) {
	a := newTestApp(t)
	lab := createTenant(t, a, "Central Lab")
	assert.Equal(t, "LAB01", lab.Code)
	hdr := map[string]string{"X-Tenant-ID": lab.Code, "X-User-ID": "reception-1"}

	rec := do(t, a, http.MethodPut, "/api/v1/offerings",
		`{"test_code":"glu","enabled":true,"price_cents":500,"turnaround_hours":4}`, hdr)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var offering lims.Offering
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &offering))
	assert.Equal(t, "GLU", offering.TestCode)

	body := `{"patient":{"given_name":"Ada","family_name":"Lovelace","sex":"female"},"offering_ids":["` + offering.ID.String() + `"]}`
	rec = do(t, a, http.MethodPost, "/api/v1/requests", body, hdr)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var req lims.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))
	assert.True(t, strings.HasPrefix(req.RequestID, "ORD-LAB01-"), req.RequestID)
	assert.Equal(t, "reception-1", req.OrderedBy)

	other := createTenant(t, a, "Other Lab")
	rec = do(t, a, http.MethodGet, "/api/v1/requests/"+req.ID.String(), "", map[string]string{"X-Tenant-ID": other.Code})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApp_InstrumentCallback(t *testing.T) {
	a := newTestApp(t)
	lab := createTenant(t, a, "Central Lab")
	body := `{"results":[{"sample_barcode":"999999","test_code":"GLU","value":"5.4"}]}`

	rec := do(t, a, http.MethodPost, "/callbacks/instrument/results", body, map[string]string{"X-Tenant-ID": lab.Code})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, a, http.MethodPost, "/callbacks/instrument/results", body, map[string]string{
		"X-Tenant-ID":   lab.Code,
		"Authorization": "Bearer wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, a, http.MethodPost, "/callbacks/instrument/results", body, map[string]string{
		"X-Tenant-ID":   lab.Code,
		"Authorization": "Bearer " + testInstrumentToken,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Results []struct {
			Status string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "held", resp.Results[0].Status)
}

func TestApp_BenchEntryAndSampleRejection(t *testing.T) {
	a := newTestApp(t)
	lab := createTenant(t, a, "Central Lab")
	hdr := map[string]string{"X-Tenant-ID": lab.Code, "X-User-ID": "tech-1"}

	var offerings []lims.Offering
	for _, code := range []string{"glu", "upreg"} {
		rec := do(t, a, http.MethodPut, "/api/v1/offerings", `{"test_code":"`+code+`","enabled":true}`, hdr)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var o lims.Offering
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
		offerings = append(offerings, o)
	}
	body := `{"patient":{"given_name":"Ada","family_name":"Lovelace"},"offering_ids":["` +
		offerings[0].ID.String() + `","` + offerings[1].ID.String() + `"]}`
	rec := do(t, a, http.MethodPost, "/api/v1/requests", body, hdr)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var req lims.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &req))

	rec = do(t, a, http.MethodPost, "/api/v1/requests/"+req.ID.String()+"/accession",
		`{"specimens":[{"type":"blood"},{"type":"urine"}]}`, hdr)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var acc struct {
		Samples []lims.Sample `json:"samples"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acc))
	require.Len(t, acc.Samples, 2)
	blood, urine := acc.Samples[0], acc.Samples[1]
	if blood.SpecimenType != "blood" {
		blood, urine = urine, blood
	}

	entry := `{"sample_barcode":"` + blood.Barcode + `","test_code":"GLU","value":"85"}`
	var out struct {
		Status string `json:"status"`
	}
	rec = do(t, a, http.MethodPost, "/api/v1/results", entry, hdr)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "reconciled", out.Status)

	rec = do(t, a, http.MethodPost, "/api/v1/results", entry, hdr)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "duplicate", out.Status)

	rec = do(t, a, http.MethodPost, "/api/v1/samples/"+urine.ID.String()+"/reject", `{"reason":""}`, hdr)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = do(t, a, http.MethodPost, "/api/v1/samples/"+urine.ID.String()+"/reject", `{"reason":"leaked in transit"}`, hdr)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rejected lims.Sample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rejected))
	assert.Equal(t, lims.SampleRejected, rejected.Status)

	rec = do(t, a, http.MethodPost, "/api/v1/samples/"+blood.ID.String()+"/reject", `{"reason":"too late"}`, hdr)
	assert.Equal(t, http.StatusConflict, rec.Code, "GLU already has a result")
}
