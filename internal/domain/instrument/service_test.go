package instrument_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/instrument"
	"github.com/lims/lims/internal/domain/instrument/mocks"
	"github.com/lims/lims/internal/domain/orders"
	"github.com/lims/lims/internal/domain/reconcile"
	"github.com/lims/lims/internal/domain/sequence"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/hl7v2"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
	"github.com/lims/lims/internal/store/memory"
)

type rig struct {
	store     *memory.Store
	scope     tenant.Scope
	client    *mocks.MockClient
	svc       *instrument.Service
	gw        *reconcile.Gateway
	orders    *orders.Service
	workflow  *workflow.Service
	bus       *events.Bus
	events    *events.Recorder
	offerings map[string]uuid.UUID
}

func newRig(t *testing.T, opts ...instrument.Option) *rig {
	t.Helper()
	s := memory.New()
	admin, err := tenant.Escalate(zerolog.Nop(), "test", "fixture")
	require.NoError(t, err)
	lab := &lims.Tenant{Name: "Central Lab", Code: "LAB01", Active: true}
	require.NoError(t, s.Tenants().Create(context.Background(), admin, lab))
	scope, err := tenant.NewScope(lab.ID, lab.Code, "tech")
	require.NoError(t, err)

	r := &rig{
		store:     s,
		scope:     scope,
		client:    mocks.NewMockClient(gomock.NewController(t)),
		events:    &events.Recorder{},
		offerings: map[string]uuid.UUID{},
	}
	rec := audit.NewRecorder()
	cat := catalog.Default()
	catSvc := catalog.NewService(s, cat, rec)
	for _, code := range []string{"CBC", "GLU"} {
		o := &lims.Offering{TestCode: code, Enabled: true}
		require.NoError(t, catSvc.SaveOffering(r.ctx(), o))
		r.offerings[code] = o.ID
	}
	m := metrics.New(prometheus.NewRegistry())
	r.bus = events.NewBus(zerolog.Nop(), r.events)
	machine := workflow.NewMachine(rec, m)
	r.orders = orders.NewService(s, sequence.NewGenerator(s.Counter()), catSvc, rec, r.bus)
	r.workflow = workflow.NewService(s, machine, r.bus, workflow.Policy{})
	r.gw = reconcile.NewGateway(s, machine, catalog.NewRangePolicy(cat), rec, r.bus, reconcile.WithMetrics(m))
	factory := func(*lims.Equipment) instrument.Client { return r.client }
	r.svc = instrument.NewService(s, machine, r.gw, factory, rec, r.bus, append([]instrument.Option{instrument.WithMetrics(m)}, opts...)...)
	return r
}

func (r *rig) ctx() context.Context { return tenant.WithScope(context.Background(), r.scope) }

func (r *rig) order(t *testing.T, codes ...string) *orders.Accessioned {
	t.Helper()
	ids := make([]uuid.UUID, len(codes))
	for i, c := range codes {
		ids[i] = r.offerings[c]
	}
	birth := time.Date(1980, 5, 1, 0, 0, 0, 0, time.UTC)
	req, err := r.orders.CreateRequest(r.ctx(), orders.CreateRequestInput{
		Patient:     &orders.PatientInput{GivenName: "Ada", FamilyName: "Lovelace", BirthDate: &birth},
		OfferingIDs: ids,
	})
	require.NoError(t, err)
	out, err := r.orders.Accession(r.ctx(), req.ID, []orders.SpecimenInput{{Type: "blood"}})
	require.NoError(t, err)
	return out
}

func (r *rig) analyser(t *testing.T, name, dept, endpoint string, autoFetch bool) *lims.Equipment {
	t.Helper()
	e, err := r.svc.SaveEquipment(r.ctx(), &lims.Equipment{
		Name: name, Department: dept, Endpoint: endpoint, SupportsAutoFetch: autoFetch,
	})
	require.NoError(t, err)
	return e
}

func (r *rig) assignment(t *testing.T, id uuid.UUID) *lims.Assignment {
	t.Helper()
	var a *lims.Assignment
	require.NoError(t, r.store.InTx(context.Background(), r.scope, func(tx store.Tx) error {
		var err error
		a, err = tx.GetAssignment(context.Background(), id)
		return err
	}))
	return a
}

// routed returns a CBC assignment assigned to a connected analyser.
func (r *rig) routed(t *testing.T, autoFetch bool) (*lims.Assignment, *lims.Equipment) {
	t.Helper()
	acc := r.order(t, "CBC")
	e := r.analyser(t, "XN-1000", "hematology", "http://xn.local", autoFetch)
	a, err := r.svc.Assign(r.ctx(), acc.Assignments[0].ID, e.ID)
	require.NoError(t, err)
	return a, e
}

func TestSaveEquipment_Validation(t *testing.T) {
	r := newRig(t)
	_, err := r.svc.SaveEquipment(r.ctx(), &lims.Equipment{Name: "X"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = r.svc.SaveEquipment(r.ctx(), &lims.Equipment{Name: "X", Department: "chemistry", Status: "broken"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	e := r.analyser(t, "AU480", "Chemistry", "", false)
	assert.Equal(t, "chemistry", e.Department)
	assert.Equal(t, lims.EquipmentActive, e.Status)
}

func TestAssign_Rules(t *testing.T) {
	r := newRig(t)
	acc := r.order(t, "CBC")
	a := acc.Assignments[0]
	chem := r.analyser(t, "AU480", "chemistry", "http://au.local", false)
	heme := r.analyser(t, "XN-1000", "hematology", "http://xn.local", false)

	_, err := r.svc.Assign(r.ctx(), a.ID, chem.ID)
	assert.ErrorIs(t, err, apperr.ErrValidation, "department must match")

	_, err = r.svc.SetEquipmentStatus(r.ctx(), heme.ID, lims.EquipmentMaintenance)
	require.NoError(t, err)
	_, err = r.svc.Assign(r.ctx(), a.ID, heme.ID)
	assert.ErrorIs(t, err, apperr.ErrValidation, "equipment must be active")

	_, err = r.svc.SetEquipmentStatus(r.ctx(), heme.ID, lims.EquipmentActive)
	require.NoError(t, err)
	got, err := r.svc.Assign(r.ctx(), a.ID, heme.ID)
	require.NoError(t, err)
	assert.Equal(t, heme.ID, *got.EquipmentID)

	_, err = r.workflow.StartManual(r.ctx(), a.ID)
	require.NoError(t, err)
	_, err = r.svc.Assign(r.ctx(), a.ID, heme.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "queued work cannot be re-routed")
}

func TestAutoAssign_PrefersConnected(t *testing.T) {
	r := newRig(t)
	acc := r.order(t, "CBC")
	r.analyser(t, "A-bench", "hematology", "", false)
	connected := r.analyser(t, "Z-analyser", "hematology", "http://z.local", false)

	a, err := r.svc.AutoAssign(r.ctx(), acc.Assignments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, connected.ID, *a.EquipmentID)
}

func TestAutoAssign_NoEquipment(t *testing.T) {
	r := newRig(t)
	acc := r.order(t, "CBC")
	_, err := r.svc.AutoAssign(r.ctx(), acc.Assignments[0].ID)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDispatch_QueuesWithJobID(t *testing.T) {
	r := newRig(t)
	a, _ := r.routed(t, false)

	var sent instrument.QueueRequest
	r.client.EXPECT().Queue(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req instrument.QueueRequest) (*instrument.QueueResponse, error) {
			sent = req
			return &instrument.QueueResponse{JobID: "J-1", Status: "queued"}, nil
		})

	out, err := r.svc.Dispatch(r.ctx(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, lims.AssignmentQueued, out.Status)
	assert.Equal(t, "J-1", out.ExternalJobID)
	assert.Equal(t, 1, out.DispatchAttempts)
	assert.NotEmpty(t, out.SubOrderID)
	assert.Equal(t, out.SubOrderID, sent.SubOrderID)
	assert.Equal(t, "000001", sent.Barcode)
	assert.Equal(t, "blood", sent.SpecimenType)

	logs, err := r.svc.Logs(r.ctx(), a.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, lims.LogSend, logs[0].Direction)
	assert.Contains(t, r.events.Types(), events.AssignmentQueued)
}

func TestDispatch_FailureStaysPendingAndRetryReusesSubOrder(t *testing.T) {
	r := newRig(t)
	a, _ := r.routed(t, false)

	var first, second string
	gomock.InOrder(
		r.client.EXPECT().Queue(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req instrument.QueueRequest) (*instrument.QueueResponse, error) {
				first = req.SubOrderID
				return nil, &instrument.CallError{StatusCode: 503, Message: "busy"}
			}),
		r.client.EXPECT().Queue(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, req instrument.QueueRequest) (*instrument.QueueResponse, error) {
				second = req.SubOrderID
				return &instrument.QueueResponse{JobID: "J-2"}, nil
			}),
	)

	out, err := r.svc.Dispatch(r.ctx(), a.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.Equal(t, lims.AssignmentPending, out.Status)
	assert.Equal(t, 1, out.DispatchAttempts)
	assert.Contains(t, out.LastDispatchError, "busy")
	assert.Contains(t, r.events.Types(), events.DispatchFailed)

	logs, err := r.svc.Logs(r.ctx(), a.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, lims.LogError, logs[0].Direction)
	assert.Equal(t, 503, logs[0].StatusCode)

	out, err = r.svc.Dispatch(r.ctx(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, lims.AssignmentQueued, out.Status)
	assert.Equal(t, 2, out.DispatchAttempts)
	assert.Empty(t, out.LastDispatchError)
	assert.Equal(t, first, second)
}

func TestDispatch_Refusals(t *testing.T) {
	r := newRig(t)
	acc := r.order(t, "CBC")
	_, err := r.svc.Dispatch(r.ctx(), acc.Assignments[0].ID)
	assert.ErrorIs(t, err, apperr.ErrValidation, "no equipment")

	bench := r.analyser(t, "bench", "hematology", "", false)
	_, err = r.svc.Assign(r.ctx(), acc.Assignments[0].ID, bench.ID)
	require.NoError(t, err)
	_, err = r.svc.Dispatch(r.ctx(), acc.Assignments[0].ID)
	assert.ErrorIs(t, err, apperr.ErrValidation, "no endpoint")

	_, err = r.workflow.StartManual(r.ctx(), acc.Assignments[0].ID)
	require.NoError(t, err)
	_, err = r.svc.Dispatch(r.ctx(), acc.Assignments[0].ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func dispatched(t *testing.T, r *rig, a *lims.Assignment) *lims.Assignment {
	t.Helper()
	r.client.EXPECT().Queue(gomock.Any(), gomock.Any()).Return(&instrument.QueueResponse{JobID: "J-9"}, nil)
	out, err := r.svc.Dispatch(r.ctx(), a.ID)
	require.NoError(t, err)
	return out
}

func TestFetchResult(t *testing.T) {
	r := newRig(t)
	a, _ := r.routed(t, true)
	a = dispatched(t, r, a)

	r.client.EXPECT().FetchResult(gomock.Any(), "J-9").Return(&instrument.RemoteResult{JobID: "J-9", Status: "running"}, nil)
	out, err := r.svc.FetchResult(r.ctx(), a.ID)
	require.NoError(t, err)
	assert.Nil(t, out)

	r.client.EXPECT().FetchResult(gomock.Any(), "J-9").Return(&instrument.RemoteResult{
		JobID: "J-9", Status: "completed", Value: "7.2", Unit: "10^9/L", QCStatus: "pass",
	}, nil)
	out, err = r.svc.FetchResult(r.ctx(), a.ID)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, reconcile.OutcomeReconciled, out.Status)
	assert.Equal(t, lims.AssignmentAnalysisComplete, r.assignment(t, a.ID).Status)

	logs, err := r.svc.Logs(r.ctx(), a.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestFetchResult_RequiresJob(t *testing.T) {
	r := newRig(t)
	a, _ := r.routed(t, true)
	_, err := r.svc.FetchResult(r.ctx(), a.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCheckStatus_Cached(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := instrument.NewRedisStatusCache(context.Background(), "redis://"+mr.Addr(), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	r := newRig(t, instrument.WithStatusCache(cache))
	e := r.analyser(t, "XN-1000", "hematology", "http://xn.local", false)
	r.client.EXPECT().Status(gomock.Any()).Return(&instrument.Status{Status: "online"}, nil).Times(1)

	for range 3 {
		st, err := r.svc.CheckStatus(r.ctx(), e.ID)
		require.NoError(t, err)
		assert.True(t, st.Online())
	}

	bench := r.analyser(t, "bench", "hematology", "", false)
	st, err := r.svc.CheckStatus(r.ctx(), bench.ID)
	require.NoError(t, err)
	assert.Equal(t, "offline", st.Status)
}

func TestCheckStatus_Unreachable(t *testing.T) {
	r := newRig(t)
	e := r.analyser(t, "XN-1000", "hematology", "http://xn.local", false)
	r.client.EXPECT().Status(gomock.Any()).Return(nil, errors.New("connection refused"))
	st, err := r.svc.CheckStatus(r.ctx(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, "unreachable", st.Status)
}

func TestSweeper_RetriesFailedDispatch(t *testing.T) {
	r := newRig(t)
	a, _ := r.routed(t, false)

	r.client.EXPECT().Queue(gomock.Any(), gomock.Any()).Return(nil, &instrument.CallError{Message: "timeout"})
	_, err := r.svc.Dispatch(r.ctx(), a.ID)
	require.Error(t, err)

	r.client.EXPECT().Queue(gomock.Any(), gomock.Any()).Return(&instrument.QueueResponse{JobID: "J-3"}, nil)
	sw := instrument.NewSweeper(r.svc, r.store, r.bus, 3, 0, zerolog.Nop())
	report, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, lims.AssignmentQueued, r.assignment(t, a.ID).Status)

	report, err = sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Retried, "queued work is not retried")
}

func TestSweeper_StopsAtMaxAttempts(t *testing.T) {
	r := newRig(t)
	a, _ := r.routed(t, false)
	r.client.EXPECT().Queue(gomock.Any(), gomock.Any()).Return(nil, &instrument.CallError{Message: "down"}).Times(2)

	_, err := r.svc.Dispatch(r.ctx(), a.ID)
	require.Error(t, err)
	sw := instrument.NewSweeper(r.svc, r.store, r.bus, 2, 0, zerolog.Nop())
	report, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	report, err = sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Failed+report.Retried)
	assert.Equal(t, 2, r.assignment(t, a.ID).DispatchAttempts)
}

func TestSweeper_FlagsStaleQueuedWork(t *testing.T) {
	r := newRig(t)
	acc := r.order(t, "CBC")
	_, err := r.workflow.StartManual(r.ctx(), acc.Assignments[0].ID)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	sw := instrument.NewSweeper(r.svc, r.store, r.bus, 3, time.Millisecond, zerolog.Nop())
	report, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Stale)
	assert.Contains(t, r.events.Types(), events.AssignmentStale)
}

func TestPoller_ReconcilesCompletedJobs(t *testing.T) {
	r := newRig(t)
	a, _ := r.routed(t, true)
	a = dispatched(t, r, a)

	r.client.EXPECT().FetchResult(gomock.Any(), "J-9").Return(&instrument.RemoteResult{
		JobID: "J-9", Status: "completed", Value: "7.2",
	}, nil)
	p := instrument.NewPoller(r.svc, r.store, 2, zerolog.Nop())
	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Reconciled)
	assert.Equal(t, lims.AssignmentAnalysisComplete, r.assignment(t, a.ID).Status)
}

func TestPoller_ReportsShutdownMidPass(t *testing.T) {
	r := newRig(t)
	a, _ := r.routed(t, true)
	a = dispatched(t, r, a)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.client.EXPECT().FetchResult(gomock.Any(), "J-9").DoAndReturn(func(context.Context, string) (*instrument.RemoteResult, error) {
		cancel()
		return nil, context.Canceled
	})
	p := instrument.NewPoller(r.svc, r.store, 2, zerolog.Nop())
	report, err := p.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, lims.AssignmentQueued, r.assignment(t, a.ID).Status)
}

func TestPoller_FailedFetchDoesNotFailPass(t *testing.T) {
	r := newRig(t)
	a, _ := r.routed(t, true)
	dispatched(t, r, a)

	r.client.EXPECT().FetchResult(gomock.Any(), "J-9").Return(nil, &instrument.CallError{Message: "timeout"})
	p := instrument.NewPoller(r.svc, r.store, 2, zerolog.Nop())
	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
}

func TestPoller_SkipsEquipmentWithoutAutoFetch(t *testing.T) {
	r := newRig(t)
	a, _ := r.routed(t, false)
	dispatched(t, r, a)

	p := instrument.NewPoller(r.svc, r.store, 2, zerolog.Nop())
	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)
}

func oru(facility, subOrder, value string) *hl7v2.Message {
	raw := "MSH|^~\\&|XN|LAB|LIMS|" + facility + "|20260101120000||ORU^R01|MSG1|P|2.5\r" +
		"PID|1||P1\r" +
		"OBR|1|" + subOrder + "|000001|CBC\r" +
		"OBX|1|NM|CBC^Complete blood count||" + value + "|10^9/L|4-11|N|||F\r"
	msg, err := hl7v2.Parse([]byte(raw))
	if err != nil {
		panic(err)
	}
	return msg
}

func TestHL7Bridge(t *testing.T) {
	r := newRig(t)
	acc := r.order(t, "CBC")
	a, err := r.workflow.StartManual(r.ctx(), acc.Assignments[0].ID)
	require.NoError(t, err)
	bridge := instrument.NewHL7Bridge(r.gw, r.store.Tenants(), zerolog.Nop())

	ack := bridge.Handle(context.Background(), oru("LAB02", a.SubOrderID, "7.2"))
	assert.Equal(t, hl7v2.AckReject, ack.GetSegment("MSA").GetField(1))

	ack = bridge.Handle(context.Background(), oru("LAB01", "SO-OTHER", "7.2"))
	assert.Equal(t, hl7v2.AckError, ack.GetSegment("MSA").GetField(1), "unmatched sub-order is held")

	ack = bridge.Handle(context.Background(), oru("LAB01", a.SubOrderID, "7.2"))
	assert.Equal(t, hl7v2.AckAccept, ack.GetSegment("MSA").GetField(1))
	assert.Equal(t, "MSG1", ack.GetSegment("MSA").GetField(2))
	assert.Equal(t, lims.AssignmentAnalysisComplete, r.assignment(t, a.ID).Status)

	ack = bridge.Handle(context.Background(), oru("LAB01", a.SubOrderID, "7.2"))
	assert.Equal(t, hl7v2.AckAccept, ack.GetSegment("MSA").GetField(1), "redelivery is a no-op")
}
