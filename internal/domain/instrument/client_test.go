package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lims/lims/internal/lims"
)

func analyser(t *testing.T, h http.HandlerFunc) *lims.Equipment {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &lims.Equipment{ID: uuid.New(), Name: "XN-1000", Endpoint: srv.URL, APIKey: "secret"}
}

func TestRESTClient_Queue(t *testing.T) {
	var got QueueRequest
	e := analyser(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/queue", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"instrument_job_id":"J-42","status":"queued","queue_position":3}`))
	})

	resp, err := NewRESTClient(e, time.Second).Queue(context.Background(), QueueRequest{
		SubOrderID: "SO-1", Barcode: "000001", TestCode: "CBC", Priority: lims.PriorityRoutine,
	})
	require.NoError(t, err)
	assert.Equal(t, "J-42", resp.JobID)
	assert.Equal(t, 3, resp.QueuePosition)
	assert.Equal(t, "SO-1", got.SubOrderID)
	assert.Equal(t, "000001", got.Barcode)
}

func TestRESTClient_ErrorStatus(t *testing.T) {
	e := analyser(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	})
	_, err := NewRESTClient(e, time.Second).Queue(context.Background(), QueueRequest{})
	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, http.StatusServiceUnavailable, ce.StatusCode)
}

func TestRESTClient_QueueWithoutJobID(t *testing.T) {
	e := analyser(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	})
	_, err := NewRESTClient(e, time.Second).Queue(context.Background(), QueueRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job_id")
}

func TestRESTClient_Timeout(t *testing.T) {
	e := analyser(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	_, err := NewRESTClient(e, 20*time.Millisecond).Status(context.Background())
	var ce *CallError
	require.True(t, errors.As(err, &ce))
	assert.Zero(t, ce.StatusCode)
}

func TestRESTClient_FetchResult(t *testing.T) {
	e := analyser(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/results/J-42", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"instrument_job_id":"J-42","status":"completed","value":"7.2","unit":"10^9/L","quality_control_status":"pass"}`))
	})
	res, err := NewRESTClient(e, time.Second).FetchResult(context.Background(), "J-42")
	require.NoError(t, err)
	assert.True(t, res.Completed())
	assert.Equal(t, "7.2", res.Value)
}

func TestRedisStatusCache(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	c, err := NewRedisStatusCache(ctx, "redis://"+mr.Addr(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	tid, eid := uuid.New(), uuid.New()
	_, ok, err := c.Get(ctx, tid, eid)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, tid, eid, Status{Status: "online"}))
	st, ok, err := c.Get(ctx, tid, eid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, st.Online())

	_, ok, _ = c.Get(ctx, uuid.New(), eid)
	assert.False(t, ok, "keys are tenant scoped")

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, tid, eid)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRedisStatusCache_BadURL(t *testing.T) {
	_, err := NewRedisStatusCache(context.Background(), "not a url", time.Minute)
	require.Error(t, err)
}
