/*
handlers_test.go - HTTP tests for the leave API

Tests for:
- Submit, approve and cancel through the router
- Error class to status code mapping
- Holidays, employees and comp-off endpoints
- Admin batch triggers and catalog reload
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/store/sqlite"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

// Monday 2025-03-03, 09:00 UTC.
var monday = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

var asha = leave.EmployeeProfile{
	ID: "asha", Name: "Asha", Region: generic.RegionIndia,
	Gender: leave.GenderFemale, MaritalStatus: leave.MaritalMarried,
	Designation: leave.DesignationEngineer,
	JoiningDate: generic.NewTimePoint(2022, time.June, 1),
	ManagerID:   "mgr-1",
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *sqlite.Store
	clock  *generic.FixedClock
	engine *Engine
	router http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.SaveEmployee(ctx, asha))
	require.NoError(t, store.SavePolicies(ctx, leave.AllPresets(generic.NewTimePoint(2024, time.January, 1))))
	require.NoError(t, store.SaveDefinitions(ctx, leave.DefaultWorkflows()))

	clock := &generic.FixedClock{T: monday}
	engine, err := NewEngine(ctx, store, EngineSettings{
		MaxRetries:          5,
		LowBalanceThreshold: decimal.NewFromInt(2),
		Workers:             2,
		CompOff:             leave.DefaultCompOffConfig(),
		Roles: leave.NewStaticRoleResolver(map[string][]workflow.Role{
			"hr-1": {workflow.RoleHR},
		}),
	}, leave.Options{Clock: clock})
	require.NoError(t, err)

	return &harness{
		t:      t,
		ctx:    ctx,
		store:  store,
		clock:  clock,
		engine: engine,
		router: NewRouter(NewHandler(store, engine, nil), nil),
	}
}

// do sends body as JSON; a string body is sent verbatim.
func (h *harness) do(method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(h.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (h *harness) grant(lt generic.LeaveTypeCode, days int64) {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/api/employees/asha/adjustments", AdjustmentRequest{
		LeaveType:      lt,
		Year:           2025,
		Days:           decimal.NewFromInt(days),
		IdempotencyKey: "opening-" + string(lt),
		ActorID:        "hr-1",
		Reason:         "opening balance",
	})
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (h *harness) submitCasual(startDay, endDay int) *httptest.ResponseRecorder {
	h.t.Helper()
	return h.do(http.MethodPost, "/api/requests", leave.SubmitCommand{
		EmployeeID: "asha",
		LeaveType:  leave.TypeCasual,
		StartDate:  generic.NewTimePoint(2025, time.March, startDay),
		EndDate:    generic.NewTimePoint(2025, time.March, endDay),
	})
}

func (h *harness) balance(lt generic.LeaveTypeCode) leave.BalanceView {
	h.t.Helper()
	rec := h.do(http.MethodGet, "/api/employees/asha/balances?year=2025", nil)
	require.Equal(h.t, http.StatusOK, rec.Code)
	resp := decode[BalancesResponse](h.t, rec)
	for _, b := range resp.Balances {
		if b.LeaveType == lt {
			return b
		}
	}
	h.t.Fatalf("no %s balance in %s", lt, rec.Body.String())
	return leave.BalanceView{}
}

// =============================================================================
// REQUEST LIFECYCLE
// =============================================================================

func TestRequestLifecycle_SubmitApprove(t *testing.T) {
	// GIVEN: Asha holds 3 casual days
	h := newHarness(t)
	h.grant(leave.TypeCasual, 3)

	// WHEN: She asks for Wednesday and Thursday
	rec := h.submitCasual(5, 6)

	// THEN: The request is filed and waits on her manager
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decode[leave.LeaveRequest](t, rec)
	assert.Equal(t, leave.StatusPending, req.Status)
	assert.Equal(t, "single-level", req.ApprovalChain.WorkflowType)
	assert.True(t, h.balance(leave.TypeCasual).Pending.Equal(decimal.NewFromInt(2)))

	rec = h.do(http.MethodGet, "/api/requests/pending?actor=mgr-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]leave.LeaveRequest](t, rec), 1)

	// WHEN: The manager approves
	rec = h.do(http.MethodPost, "/api/requests/"+string(req.ID)+"/actions", ActRequest{
		ActorID:  "mgr-1",
		Decision: workflow.DecisionApprove,
	})

	// THEN: The request is approved and the days are used
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, leave.StatusApproved, decode[leave.LeaveRequest](t, rec).Status)
	b := h.balance(leave.TypeCasual)
	assert.True(t, b.Used.Equal(decimal.NewFromInt(2)))
	assert.True(t, b.Available.Equal(decimal.NewFromInt(1)))

	rec = h.do(http.MethodGet, "/api/requests/pending?actor=mgr-1", nil)
	assert.Empty(t, decode[[]leave.LeaveRequest](t, rec))

	rec = h.do(http.MethodGet, "/api/requests/"+string(req.ID)+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var actions []generic.AuditAction
	for _, e := range decode[[]generic.AuditEntry](t, rec) {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, generic.AuditRequestSubmitted)
	assert.Contains(t, actions, generic.AuditRequestApproved)
}

func TestCancelRequest_EmployeeOnly(t *testing.T) {
	h := newHarness(t)
	h.grant(leave.TypeCasual, 3)
	rec := h.submitCasual(5, 6)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := string(decode[leave.LeaveRequest](t, rec).ID)

	// the manager may decide but not cancel
	rec = h.do(http.MethodPost, "/api/requests/"+id+"/cancel", CancelRequest{ActorID: "mgr-1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/api/requests/"+id+"/cancel", CancelRequest{ActorID: "asha", Reason: "plans changed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, leave.StatusCancelled, decode[leave.LeaveRequest](t, rec).Status)
	b := h.balance(leave.TypeCasual)
	assert.True(t, b.Pending.IsZero())
	assert.True(t, b.Available.Equal(decimal.NewFromInt(3)))
}

func TestListRequests_FiltersByStatus(t *testing.T) {
	h := newHarness(t)
	h.grant(leave.TypeCasual, 5)
	require.Equal(t, http.StatusCreated, h.submitCasual(5, 6).Code)
	require.Equal(t, http.StatusCreated, h.submitCasual(12, 12).Code)

	rec := h.do(http.MethodGet, "/api/requests?employee_id=asha&status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]leave.LeaveRequest](t, rec), 2)

	rec = h.do(http.MethodGet, "/api/requests?employee_id=asha&status=approved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestSubmit_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(h *harness)
		body    any
		want    int
		reasons bool
	}{
		{
			name: "malformed body",
			body: "{",
			want: http.StatusBadRequest,
		},
		{
			name: "end before start",
			body: leave.SubmitCommand{
				EmployeeID: "asha", LeaveType: leave.TypeCasual,
				StartDate: generic.NewTimePoint(2025, time.March, 6),
				EndDate:   generic.NewTimePoint(2025, time.March, 5),
			},
			want:    http.StatusBadRequest,
			reasons: true,
		},
		{
			name: "not eligible",
			body: leave.SubmitCommand{
				EmployeeID: "asha", LeaveType: leave.TypePaternity,
				StartDate: generic.NewTimePoint(2025, time.March, 10),
				EndDate:   generic.NewTimePoint(2025, time.March, 11),
			},
			want:    http.StatusUnprocessableEntity,
			reasons: true,
		},
		{
			name: "insufficient balance",
			body: leave.SubmitCommand{
				EmployeeID: "asha", LeaveType: leave.TypeCasual,
				StartDate: generic.NewTimePoint(2025, time.March, 5),
				EndDate:   generic.NewTimePoint(2025, time.March, 6),
			},
			want: http.StatusUnprocessableEntity,
		},
		{
			name:    "overlap",
			prepare: func(h *harness) { require.Equal(h.t, http.StatusCreated, h.submitCasual(5, 6).Code) },
			body: leave.SubmitCommand{
				EmployeeID: "asha", LeaveType: leave.TypeCasual,
				StartDate: generic.NewTimePoint(2025, time.March, 6),
				EndDate:   generic.NewTimePoint(2025, time.March, 6),
			},
			want: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.prepare != nil {
				h.grant(leave.TypeCasual, 5)
				tt.prepare(h)
			}

			rec := h.do(http.MethodPost, "/api/requests", tt.body)

			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
			if tt.reasons {
				assert.NotEmpty(t, resp.Reasons)
			}
		})
	}
}

func TestActOnRequest_StatusCodes(t *testing.T) {
	h := newHarness(t)
	h.grant(leave.TypeCasual, 3)
	rec := h.submitCasual(5, 6)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := string(decode[leave.LeaveRequest](t, rec).ID)

	rec = h.do(http.MethodGet, "/api/requests/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/api/requests/"+id+"/actions", ActRequest{ActorID: "stranger", Decision: workflow.DecisionApprove})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/api/requests/"+id+"/actions", "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/requests/pending", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{generic.NewValidationError("bad"), http.StatusBadRequest},
		{&generic.UnauthorizedActorError{ActorID: "x"}, http.StatusForbidden},
		{generic.ErrNotFound, http.StatusNotFound},
		{&generic.PolicyNotFoundError{}, http.StatusNotFound},
		{&generic.EligibilityError{}, http.StatusUnprocessableEntity},
		{&generic.InsufficientBalanceError{}, http.StatusUnprocessableEntity},
		{&generic.OverlapConflictError{}, http.StatusConflict},
		{&generic.InvalidTransitionError{}, http.StatusConflict},
		{&generic.ConcurrencyConflictError{}, http.StatusConflict},
		{&generic.AlreadyProcessedError{}, http.StatusConflict},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

// =============================================================================
// EMPLOYEES, HOLIDAYS, COMP-OFF
// =============================================================================

func TestCreateEmployee(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/employees", map[string]any{"name": "Nobody"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, decode[ErrorResponse](t, rec).Reasons, 3)

	rec = h.do(http.MethodPost, "/api/employees", leave.EmployeeProfile{
		ID: "mary", Name: "Mary", Region: generic.RegionUSA,
		JoiningDate: generic.NewTimePoint(2021, time.May, 3), ManagerID: "mgr-2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(http.MethodGet, "/api/employees/mary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, generic.RegionUSA, decode[leave.EmployeeProfile](t, rec).Region)

	rec = h.do(http.MethodGet, "/api/employees", nil)
	assert.Len(t, decode[[]leave.EmployeeProfile](t, rec), 2)

	rec = h.do(http.MethodGet, "/api/employees/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHolidays_ReduceWorkingDays(t *testing.T) {
	// GIVEN: Wednesday March 5 is a holiday in India
	h := newHarness(t)
	h.grant(leave.TypeCasual, 3)
	rec := h.do(http.MethodPost, "/api/holidays", HolidayDTO{Region: "in", Date: "2025-03-05", Name: "Festival"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(http.MethodGet, "/api/holidays?region=IN", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	holidays := decode[[]HolidayDTO](t, rec)
	require.Len(t, holidays, 1)
	assert.Equal(t, "IN", holidays[0].Region)
	require.NotEmpty(t, holidays[0].ID)

	// WHEN: Asha asks for Wednesday and Thursday
	rec = h.submitCasual(5, 6)

	// THEN: Only Thursday counts
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, decode[leave.LeaveRequest](t, rec).TotalDays.Value.Equal(decimal.NewFromInt(1)))

	rec = h.do(http.MethodDelete, "/api/holidays/"+holidays[0].ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(http.MethodGet, "/api/holidays?region=IN", nil)
	assert.Empty(t, decode[[]HolidayDTO](t, rec))

	rec = h.do(http.MethodPost, "/api/holidays", HolidayDTO{Date: "05/03/2025", Name: "Bad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompOff_RecordAndView(t *testing.T) {
	h := newHarness(t)

	// Saturday work earns a full day
	rec := h.do(http.MethodPost, "/api/compoff/worklogs", leave.WorkLog{
		EmployeeID: "asha",
		WorkDate:   generic.NewTimePoint(2025, time.March, 1),
		Hours:      8,
		WorkType:   leave.WorkWeekend,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// a normal Monday does not
	rec = h.do(http.MethodPost, "/api/compoff/worklogs", leave.WorkLog{
		EmployeeID: "asha",
		WorkDate:   generic.NewTimePoint(2025, time.March, 3),
		Hours:      8,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodGet, "/api/employees/asha/compoff", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[CompOffDTO](t, rec)
	assert.True(t, resp.Available.Equal(decimal.NewFromInt(1)))
	assert.Len(t, resp.Grants, 1)
}

func TestEncashment_ReducesAvailable(t *testing.T) {
	h := newHarness(t)
	h.grant(leave.TypePrivilege, 10)

	rec := h.do(http.MethodPost, "/api/employees/asha/encashments", EncashmentRequest{
		LeaveType: leave.TypePrivilege, Year: 2025,
		Days: decimal.NewFromInt(4), IdempotencyKey: "enc-1", ActorID: "hr-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[leave.BalanceView](t, rec)
	assert.True(t, view.Encashed.Equal(decimal.NewFromInt(4)))
	assert.True(t, view.Available.Equal(decimal.NewFromInt(6)))

	rec = h.do(http.MethodPost, "/api/employees/asha/encashments", EncashmentRequest{LeaveType: leave.TypePrivilege})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckEligibility(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/employees/asha/eligibility?leave_type=patl", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[leave.EligibilityResult](t, rec).Eligible)

	rec = h.do(http.MethodGet, "/api/employees/asha/eligibility?leave_type=ml&as_of=2025-04-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[leave.EligibilityResult](t, rec).Eligible)

	rec = h.do(http.MethodGet, "/api/employees/asha/eligibility", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// CATALOG AND ADMIN
// =============================================================================

func TestCatalogEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/policies?region=IN", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var codes []generic.LeaveTypeCode
	for _, p := range decode[[]PolicyDTO](t, rec) {
		codes = append(codes, p.LeaveType)
	}
	assert.Contains(t, codes, leave.TypeCasual)
	assert.Contains(t, codes, leave.TypeCompOff)
	assert.NotContains(t, codes, leave.TypePTO)

	rec = h.do(http.MethodGet, "/api/workflows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]workflow.Definition](t, rec), 4)
}

func TestReloadCatalog_PicksUpNewVersion(t *testing.T) {
	h := newHarness(t)
	cl := leave.IndiaPolicies(generic.NewTimePoint(2025, time.April, 1))[0]
	cl.Version = 2
	cl.MaxConsecutiveDays = 5
	require.NoError(t, h.store.SavePolicies(h.ctx, []leave.LeavePolicy{cl}))

	rec := h.do(http.MethodPost, "/api/admin/catalog/reload?actor=hr-1", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ReloadResponse](t, rec)
	assert.Equal(t, 11, resp.Policies)
	assert.Equal(t, 4, resp.Workflows)

	rec = h.do(http.MethodGet, "/api/audit?action=catalog_reloaded", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]generic.AuditEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "hr-1", entries[0].ActorID)
}

func TestAdminMonthlyAccrual_Idempotent(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/admin/accruals/monthly", AccrualRunRequest{Year: 2025, Month: 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decode[generic.JobResult](t, rec)
	assert.Equal(t, 2, first.Processed)
	assert.False(t, first.Failed())

	// an empty body defaults to the previous month, already credited
	rec = h.do(http.MethodPost, "/api/admin/accruals/monthly", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	again := decode[generic.JobResult](t, rec)
	assert.Equal(t, 0, again.Processed)
	assert.Equal(t, 2, again.Skipped)

	assert.True(t, h.balance(leave.TypeCasual).TotalEntitlement.Equal(decimal.NewFromInt(1)))

	rec = h.do(http.MethodPost, "/api/admin/accruals/monthly", AccrualRunRequest{Year: 2025, Month: 13})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminTimers_AutoApprove(t *testing.T) {
	h := newHarness(t)
	h.grant(leave.TypeCasual, 3)
	rec := h.submitCasual(10, 11)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := string(decode[leave.LeaveRequest](t, rec).ID)

	// WHEN: The manager stays silent past 72h
	h.clock.Advance(73 * time.Hour)
	rec = h.do(http.MethodPost, "/api/admin/timers", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[generic.JobResult](t, rec).Processed)

	// THEN: The request is approved by the system
	rec = h.do(http.MethodGet, "/api/requests/"+id, nil)
	req := decode[leave.LeaveRequest](t, rec)
	assert.Equal(t, leave.StatusApproved, req.Status)
	assert.True(t, req.Settled)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ok"))
}
