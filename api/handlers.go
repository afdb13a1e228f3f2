/*
handlers.go - HTTP API handlers for the leave engine

PURPOSE:
  Exposes the leave engine via REST API. Handles HTTP request/response and
  JSON serialization, and delegates to the orchestrator, the ledgers and the
  batch jobs.

ENDPOINTS:
  Requests:
    POST   /api/requests                   Submit a leave request
    GET    /api/requests                   List (employee_id, leave_type, status, unsettled)
    GET    /api/requests/pending?actor=    Requests the actor may decide now
    GET    /api/requests/{id}              Request with its approval chain
    POST   /api/requests/{id}/actions      Approve or reject a step
    POST   /api/requests/{id}/cancel       Cancel
    GET    /api/requests/{id}/audit        Audit trail of one request

  Employees:
    GET    /api/employees                  List employees
    POST   /api/employees                  Create or update a profile
    GET    /api/employees/{id}             Profile
    GET    /api/employees/{id}/balances    Balances for ?year=
    GET    /api/employees/{id}/eligibility Eligibility preview (?leave_type, ?as_of)
    GET    /api/employees/{id}/compoff     Comp-off grants and availability
    POST   /api/employees/{id}/adjustments Manual entitlement change
    POST   /api/employees/{id}/encashments Encash available days

  Catalog:
    GET    /api/policies                   Policies effective for ?region at ?as_of
    GET    /api/workflows                  Active workflow definitions
    GET    /api/holidays                   Holidays (?region)
    POST   /api/holidays                   Add a holiday
    DELETE /api/holidays/{id}              Remove a holiday

  Comp-off:
    POST   /api/compoff/worklogs           Record work on a non-working day

  Admin:
    POST   /api/admin/accruals/monthly     Monthly accrual batch
    POST   /api/admin/accruals/annual      Annual grant batch
    POST   /api/admin/year-end             Carry-forward batch
    POST   /api/admin/compoff/sweep        Comp-off expiry sweep
    POST   /api/admin/timers               Fire due approval timers
    POST   /api/admin/catalog/reload       Reload policies and workflows
    GET    /api/audit                      Audit query

ERROR HANDLING:
  Engine errors map to HTTP status by class:
  - 400: Validation errors, invalid input
  - 403: Unauthorized actor
  - 404: Request, employee or policy not found
  - 409: Overlap, invalid transition, concurrency conflict, already processed
  - 422: Not eligible, insufficient balance
  - 500: Internal errors

SECURITY NOTE:
  The actor is taken from the request body or query. Authentication is
  expected in front of this service.

SEE ALSO:
  - dto.go: Request/response data structures
  - engine.go: Component wiring
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  *sqlite.Store
	Engine *Engine
	Logger *zap.Logger
}

func NewHandler(store *sqlite.Store, engine *Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Store: store, Engine: engine, Logger: logger}
}

func (h *Handler) today() generic.TimePoint {
	return generic.DateOf(h.Engine.Clock.Now())
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// SubmitRequest files a leave request.
// POST /api/requests
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var cmd leave.SubmitCommand
	if !decodeBody(w, r, &cmd) {
		return
	}
	req, err := h.Engine.Orchestrator.Submit(r.Context(), cmd)
	if err != nil {
		h.writeDomainError(w, "Failed to submit request", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListRequests lists requests matching the query filters.
// GET /api/requests
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := leave.RequestFilter{
		EmployeeID: generic.EmployeeID(q.Get("employee_id")),
		LeaveType:  generic.LeaveTypeCode(q.Get("leave_type")),
		Unsettled:  q.Get("unsettled") == "true",
	}
	for _, s := range splitList(q.Get("status")) {
		filter.Statuses = append(filter.Statuses, leave.RequestStatus(strings.ToUpper(s)))
	}
	reqs, err := h.Engine.Orchestrator.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list requests", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(reqs))
}

// ListPendingRequests lists the requests an approver can act on now.
// GET /api/requests/pending?actor=mgr-1
func (h *Handler) ListPendingRequests(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		writeError(w, http.StatusBadRequest, "actor query parameter is required", nil)
		return
	}
	reqs, err := h.Engine.Orchestrator.PendingFor(r.Context(), actor)
	if err != nil {
		h.writeDomainError(w, "Failed to list pending requests", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(reqs))
}

// GetRequest returns one request.
// GET /api/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Engine.Orchestrator.Get(r.Context(), generic.RequestID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get request", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ActOnRequest approves or rejects an approval step.
// POST /api/requests/{id}/actions
func (h *Handler) ActOnRequest(w http.ResponseWriter, r *http.Request) {
	var body ActRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := h.Engine.Orchestrator.Act(r.Context(), leave.ActCommand{
		RequestID: generic.RequestID(chi.URLParam(r, "id")),
		StepID:    body.StepID,
		ActorID:   body.ActorID,
		Decision:  body.Decision,
		Comment:   body.Comment,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to act on request", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// CancelRequest cancels a pending or not-yet-started approved request.
// POST /api/requests/{id}/cancel
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	var body CancelRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := h.Engine.Orchestrator.Cancel(r.Context(), leave.CancelCommand{
		RequestID: generic.RequestID(chi.URLParam(r, "id")),
		ActorID:   body.ActorID,
		Reason:    body.Reason,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to cancel request", err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// GetRequestAudit returns the audit trail of one request.
// GET /api/requests/{id}/audit
func (h *Handler) GetRequestAudit(w http.ResponseWriter, r *http.Request) {
	id := generic.RequestID(chi.URLParam(r, "id"))
	entries, err := h.Store.Query(r.Context(), generic.AuditFilter{RequestID: &id})
	if err != nil {
		h.writeDomainError(w, "Failed to query audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

// ListEmployees returns all employees.
// GET /api/employees
func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	emps, err := h.Store.ListEmployees(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list employees", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(emps))
}

// GetEmployee returns a single employee.
// GET /api/employees/{id}
func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Store.GetEmployee(r.Context(), generic.EmployeeID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get employee", err)
		return
	}
	writeJSON(w, http.StatusOK, emp)
}

// CreateEmployee stores an employee profile mirrored from the HR system.
// POST /api/employees
func (h *Handler) CreateEmployee(w http.ResponseWriter, r *http.Request) {
	var emp leave.EmployeeProfile
	if !decodeBody(w, r, &emp) {
		return
	}
	var reasons []string
	if emp.ID == "" {
		reasons = append(reasons, "id is required")
	}
	if emp.Region == "" {
		reasons = append(reasons, "region is required")
	}
	if emp.JoiningDate.IsZero() {
		reasons = append(reasons, "joiningDate is required")
	}
	if len(reasons) > 0 {
		h.writeDomainError(w, "Invalid employee", generic.NewValidationError(reasons...))
		return
	}
	if err := h.Store.SaveEmployee(r.Context(), emp); err != nil {
		h.writeDomainError(w, "Failed to save employee", err)
		return
	}
	writeJSON(w, http.StatusCreated, emp)
}

// GetBalances returns the employee's balances for a year (default: this year).
// GET /api/employees/{id}/balances?year=2025
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	emp := generic.EmployeeID(chi.URLParam(r, "id"))
	year, err := intParam(r, "year", h.today().Year())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	views, err := h.Engine.Orchestrator.Balances(r.Context(), emp, year)
	if err != nil {
		h.writeDomainError(w, "Failed to get balances", err)
		return
	}
	writeJSON(w, http.StatusOK, BalancesResponse{EmployeeID: emp, Year: year, Balances: nonNil(views)})
}

// CheckEligibility previews the eligibility rules for one leave type.
// GET /api/employees/{id}/eligibility?leave_type=ML&as_of=2025-04-01
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	leaveType := generic.LeaveTypeCode(strings.ToUpper(r.URL.Query().Get("leave_type")))
	if leaveType == "" {
		writeError(w, http.StatusBadRequest, "leave_type query parameter is required", nil)
		return
	}
	asOf, err := dateParam(r, "as_of", h.today())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date (use YYYY-MM-DD)", err)
		return
	}
	res, err := h.Engine.Orchestrator.CheckEligibility(r.Context(), generic.EmployeeID(chi.URLParam(r, "id")), leaveType, asOf)
	if err != nil {
		h.writeDomainError(w, "Failed to check eligibility", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetCompOff returns the employee's comp-off grants.
// GET /api/employees/{id}/compoff?as_of=
func (h *Handler) GetCompOff(w http.ResponseWriter, r *http.Request) {
	emp := generic.EmployeeID(chi.URLParam(r, "id"))
	asOf, err := dateParam(r, "as_of", h.today())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date (use YYYY-MM-DD)", err)
		return
	}
	account, err := h.Engine.CompOff.Account(r.Context(), emp)
	if err != nil {
		h.writeDomainError(w, "Failed to load comp-off account", err)
		return
	}
	writeJSON(w, http.StatusOK, CompOffDTO{
		EmployeeID: emp,
		AsOf:       asOf,
		Available:  account.Available(asOf),
		Grants:     nonNil(account.Grants),
	})
}

// CreateAdjustment applies a manual entitlement change.
// POST /api/employees/{id}/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var body AdjustmentRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.IdempotencyKey == "" || body.LeaveType == "" || body.Reason == "" {
		h.writeDomainError(w, "Invalid adjustment", generic.NewValidationError("leaveType, idempotencyKey and reason are required"))
		return
	}
	key := h.balanceKey(r, body.LeaveType, body.Year)
	b, err := h.Engine.Ledger.Adjust(r.Context(), key, body.IdempotencyKey, body.Days, body.ActorID, body.Reason)
	if err != nil {
		h.writeDomainError(w, "Failed to adjust balance", err)
		return
	}
	writeJSON(w, http.StatusOK, b.View())
}

// CreateEncashment removes encashed days from a balance.
// POST /api/employees/{id}/encashments
func (h *Handler) CreateEncashment(w http.ResponseWriter, r *http.Request) {
	var body EncashmentRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.IdempotencyKey == "" || body.LeaveType == "" {
		h.writeDomainError(w, "Invalid encashment", generic.NewValidationError("leaveType and idempotencyKey are required"))
		return
	}
	key := h.balanceKey(r, body.LeaveType, body.Year)
	b, err := h.Engine.Ledger.Encash(r.Context(), key, body.IdempotencyKey, body.Days, body.ActorID)
	if err != nil {
		h.writeDomainError(w, "Failed to encash balance", err)
		return
	}
	writeJSON(w, http.StatusOK, b.View())
}

func (h *Handler) balanceKey(r *http.Request, lt generic.LeaveTypeCode, year int) generic.BalanceKey {
	if year == 0 {
		year = h.today().Year()
	}
	return generic.BalanceKey{
		EmployeeID: generic.EmployeeID(chi.URLParam(r, "id")),
		LeaveType:  generic.LeaveTypeCode(strings.ToUpper(string(lt))),
		Year:       year,
	}
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

// ListPolicies lists the policies in effect for a region.
// GET /api/policies?region=IN&as_of=2025-03-01
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	asOf, err := dateParam(r, "as_of", h.today())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of date (use YYYY-MM-DD)", err)
		return
	}
	var policies []leave.LeavePolicy
	if region := r.URL.Query().Get("region"); region != "" {
		policies = h.Engine.Catalog.ForRegion(generic.Region(strings.ToUpper(region)), asOf)
	} else {
		policies = h.Engine.Catalog.All()
	}
	dtos := make([]PolicyDTO, len(policies))
	for i, p := range policies {
		dtos[i] = toPolicyDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListWorkflows returns the active workflow definitions.
// GET /api/workflows
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(h.Engine.Workflows.Definitions()))
}

// ListHolidays returns holidays, optionally for one region.
// GET /api/holidays?region=IN
func (h *Handler) ListHolidays(w http.ResponseWriter, r *http.Request) {
	region := generic.Region(strings.ToUpper(r.URL.Query().Get("region")))
	holidays, err := h.Store.GetAllHolidays(r.Context(), region)
	if err != nil {
		h.writeDomainError(w, "Failed to list holidays", err)
		return
	}
	dtos := make([]HolidayDTO, len(holidays))
	for i, hol := range holidays {
		dtos[i] = toHolidayDTO(hol)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateHoliday adds a holiday. Holidays change working-day counts for
// requests submitted afterwards.
// POST /api/holidays
func (h *Handler) CreateHoliday(w http.ResponseWriter, r *http.Request) {
	var body HolidayDTO
	if !decodeBody(w, r, &body) {
		return
	}
	date, err := generic.ParseDate(body.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	hol := generic.Holiday{
		ID:        body.ID,
		Region:    generic.Region(strings.ToUpper(body.Region)),
		Date:      date,
		Name:      body.Name,
		Recurring: body.Recurring,
	}
	if err := h.Store.SaveHoliday(r.Context(), hol); err != nil {
		h.writeDomainError(w, "Failed to save holiday", err)
		return
	}
	writeJSON(w, http.StatusCreated, toHolidayDTO(hol))
}

// DeleteHoliday removes a holiday.
// DELETE /api/holidays/{id}
func (h *Handler) DeleteHoliday(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteHoliday(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, "Failed to delete holiday", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// COMP-OFF HANDLERS
// =============================================================================

// RecordWorkLog credits comp-off for work on a non-working day.
// POST /api/compoff/worklogs
func (h *Handler) RecordWorkLog(w http.ResponseWriter, r *http.Request) {
	var log leave.WorkLog
	if !decodeBody(w, r, &log) {
		return
	}
	grant, err := h.Engine.CompOff.RecordWorkLog(r.Context(), log)
	if err != nil {
		h.writeDomainError(w, "Failed to record work log", err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerMonthlyAccrual credits one month for every employee.
// POST /api/admin/accruals/monthly
func (h *Handler) TriggerMonthlyAccrual(w http.ResponseWriter, r *http.Request) {
	var body AccrualRunRequest
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	if body.Year == 0 || body.Month == 0 {
		prev := h.today().AddMonths(-1)
		body.Year, body.Month = prev.Year(), int(prev.Month())
	}
	if body.Month < 1 || body.Month > 12 {
		writeError(w, http.StatusBadRequest, "month must be between 1 and 12", nil)
		return
	}
	res, err := h.Engine.Accrual.RunMonthly(r.Context(), body.Year, time.Month(body.Month))
	h.writeJob(w, res, err)
}

// TriggerAnnualAccrual grants annual entitlements for a year.
// POST /api/admin/accruals/annual
func (h *Handler) TriggerAnnualAccrual(w http.ResponseWriter, r *http.Request) {
	var body AccrualRunRequest
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	if body.Year == 0 {
		body.Year = h.today().Year()
	}
	res, err := h.Engine.Accrual.RunAnnual(r.Context(), body.Year)
	h.writeJob(w, res, err)
}

// TriggerYearEnd runs carry-forward and expiry for a closing year.
// POST /api/admin/year-end
func (h *Handler) TriggerYearEnd(w http.ResponseWriter, r *http.Request) {
	var body YearEndRunRequest
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	if body.FromYear == 0 {
		body.FromYear = h.today().Year() - 1
	}
	res, err := h.Engine.YearEnd.RunYearEnd(r.Context(), body.FromYear)
	h.writeJob(w, res, err)
}

// TriggerCompOffSweep expires comp-off grants past their validity.
// POST /api/admin/compoff/sweep
func (h *Handler) TriggerCompOffSweep(w http.ResponseWriter, r *http.Request) {
	var body SweepRequest
	if !decodeOptionalBody(w, r, &body) {
		return
	}
	asOf := h.today()
	if body.AsOf != "" {
		d, err := generic.ParseDate(body.AsOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid asOf date (use YYYY-MM-DD)", err)
			return
		}
		asOf = d
	}
	res, err := h.Engine.CompOff.SweepExpired(r.Context(), asOf)
	h.writeJob(w, res, err)
}

// TriggerTimers fires elapsed auto-approve and escalation timers.
// POST /api/admin/timers
func (h *Handler) TriggerTimers(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Orchestrator.ProcessTimers(r.Context(), h.Engine.Clock.Now())
	h.writeJob(w, res, err)
}

// ReloadCatalog swaps in the current policies and workflow definitions. On
// failure the previous snapshot stays active.
// POST /api/admin/catalog/reload
func (h *Handler) ReloadCatalog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.Engine.Reload(ctx); err != nil {
		h.writeDomainError(w, "Failed to reload catalog", err)
		return
	}
	resp := ReloadResponse{
		Policies:  len(h.Engine.Catalog.All()),
		Workflows: len(h.Engine.Workflows.Definitions()),
	}
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		actor = generic.SystemActor
	}
	if err := h.Store.Append(ctx, generic.AuditEntry{
		ActorID: actor,
		Action:  generic.AuditCatalogReloaded,
		Payload: map[string]any{"policies": resp.Policies, "workflows": resp.Workflows},
	}); err != nil {
		h.Logger.Warn("audit append failed", zap.String("action", string(generic.AuditCatalogReloaded)), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

// QueryAudit searches the audit log.
// GET /api/audit?employee_id=&request_id=&leave_type=&actor_id=&action=a,b&from=&to=
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter generic.AuditFilter
	if v := q.Get("employee_id"); v != "" {
		id := generic.EmployeeID(v)
		filter.EmployeeID = &id
	}
	if v := q.Get("request_id"); v != "" {
		id := generic.RequestID(v)
		filter.RequestID = &id
	}
	if v := q.Get("leave_type"); v != "" {
		lt := generic.LeaveTypeCode(strings.ToUpper(v))
		filter.LeaveType = &lt
	}
	if v := q.Get("actor_id"); v != "" {
		filter.ActorID = &v
	}
	for _, a := range splitList(q.Get("action")) {
		filter.Actions = append(filter.Actions, generic.AuditAction(a))
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s timestamp (use RFC 3339)", name), err)
				return
			}
			*dst = &t
		}
	}
	entries, err := h.Store.Query(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to query audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps the engine's error classes to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, generic.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, generic.ErrUnauthorizedActor):
		return http.StatusForbidden
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrEligibility), errors.Is(err, generic.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, generic.ErrOverlapConflict),
		errors.Is(err, generic.ErrInvalidTransition),
		generic.IsRetryable(err),
		generic.IsIdempotentRepeat(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: message, Details: err.Error()}
	var verr *generic.ValidationError
	var eerr *generic.EligibilityError
	switch {
	case errors.As(err, &verr):
		resp.Reasons = verr.Reasons
	case errors.As(err, &eerr):
		resp.Reasons = eerr.Reasons
	}
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, zap.Error(err))
	}
	writeJSON(w, status, resp)
}

// writeJob reports a batch run. Per-subject failures are in the body; only a
// run that could not start is an error.
func (h *Handler) writeJob(w http.ResponseWriter, res generic.JobResult, err error) {
	if err != nil {
		h.writeDomainError(w, "Job failed", err)
		return
	}
	if res.Failed() {
		h.Logger.Warn("job finished with failures",
			zap.String("job", res.Job),
			zap.Int("failures", len(res.Failures)))
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func dateParam(r *http.Request, name string, def generic.TimePoint) (generic.TimePoint, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return generic.ParseDate(v)
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// nonNil keeps empty lists as [] in JSON.
func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
