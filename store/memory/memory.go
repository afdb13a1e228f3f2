// Package memory provides an in-memory implementation of every repository
// interface the leave engine consumes. It backs tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/leave"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Store struct {
	mu          sync.RWMutex
	balances    map[generic.BalanceKey]leave.LeaveBalance
	requests    map[generic.RequestID]leave.LeaveRequest
	compoff     map[generic.EmployeeID]leave.CompOffAccount
	calendars   map[generic.EmployeeID]leave.LeaveCalendar
	expiries    map[string]leave.ExpiryRecord
	employees   map[generic.EmployeeID]leave.EmployeeProfile
	audit       []generic.AuditEntry
	holidays    []generic.Holiday
	policies    []leave.LeavePolicy
	definitions []workflow.Definition
}

var (
	_ leave.Repository          = (*Store)(nil)
	_ leave.PolicySource        = (*Store)(nil)
	_ workflow.DefinitionSource = (*Store)(nil)
	_ generic.HolidayCalendar   = (*Store)(nil)
	_ leave.HolidaySource       = (*Store)(nil)
)

func New() *Store {
	return &Store{
		balances:  make(map[generic.BalanceKey]leave.LeaveBalance),
		requests:  make(map[generic.RequestID]leave.LeaveRequest),
		compoff:   make(map[generic.EmployeeID]leave.CompOffAccount),
		calendars: make(map[generic.EmployeeID]leave.LeaveCalendar),
		expiries:  make(map[string]leave.ExpiryRecord),
		employees: make(map[generic.EmployeeID]leave.EmployeeProfile),
	}
}

// =============================================================================
// BALANCES
// =============================================================================

func (s *Store) LoadBalance(_ context.Context, key generic.BalanceKey) (leave.LeaveBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[key]
	if !ok {
		return leave.LeaveBalance{}, fmt.Errorf("balance %s: %w", key, generic.ErrNotFound)
	}
	return b.Clone(), nil
}

func (s *Store) SaveBalance(_ context.Context, b leave.LeaveBalance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current := s.balances[b.Key].Version; current != expectedVersion {
		return fmt.Errorf("balance %s at version %d, expected %d: %w", b.Key, current, expectedVersion, generic.ErrVersionMismatch)
	}
	b = b.Clone()
	b.Version = expectedVersion + 1
	s.balances[b.Key] = b
	return nil
}

func (s *Store) ListBalances(_ context.Context, employeeID generic.EmployeeID, year int) ([]leave.LeaveBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []leave.LeaveBalance
	for k, b := range s.balances {
		if k.EmployeeID == employeeID && k.Year == year {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.LeaveType < out[j].Key.LeaveType })
	return out, nil
}

// =============================================================================
// REQUESTS
// =============================================================================

func (s *Store) LoadRequest(_ context.Context, id generic.RequestID) (leave.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return leave.LeaveRequest{}, fmt.Errorf("request %s: %w", id, generic.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) SaveRequest(_ context.Context, r leave.LeaveRequest, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current := s.requests[r.ID].Version; current != expectedVersion {
		return fmt.Errorf("request %s at version %d, expected %d: %w", r.ID, current, expectedVersion, generic.ErrVersionMismatch)
	}
	r = r.Clone()
	r.Version = expectedVersion + 1
	s.requests[r.ID] = r
	return nil
}

func (s *Store) ListRequests(_ context.Context, filter leave.RequestFilter) ([]leave.LeaveRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []leave.LeaveRequest
	for _, r := range s.requests {
		if filter.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// COMP-OFF
// =============================================================================

func (s *Store) LoadCompOffAccount(_ context.Context, employeeID generic.EmployeeID) (leave.CompOffAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.compoff[employeeID]
	if !ok {
		return leave.CompOffAccount{}, fmt.Errorf("comp-off account %s: %w", employeeID, generic.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *Store) SaveCompOffAccount(_ context.Context, a leave.CompOffAccount, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current := s.compoff[a.EmployeeID].Version; current != expectedVersion {
		return fmt.Errorf("comp-off account %s at version %d, expected %d: %w", a.EmployeeID, current, expectedVersion, generic.ErrVersionMismatch)
	}
	a = a.Clone()
	a.Version = expectedVersion + 1
	s.compoff[a.EmployeeID] = a
	return nil
}

func (s *Store) ListCompOffEmployees(_ context.Context) ([]generic.EmployeeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]generic.EmployeeID, 0, len(s.compoff))
	for id := range s.compoff {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// =============================================================================
// LEAVE CALENDARS
// =============================================================================

func (s *Store) LoadLeaveCalendar(_ context.Context, employeeID generic.EmployeeID) (leave.LeaveCalendar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calendars[employeeID]
	if !ok {
		return leave.LeaveCalendar{}, fmt.Errorf("leave calendar %s: %w", employeeID, generic.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *Store) SaveLeaveCalendar(_ context.Context, c leave.LeaveCalendar, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current := s.calendars[c.EmployeeID].Version; current != expectedVersion {
		return fmt.Errorf("leave calendar %s at version %d, expected %d: %w", c.EmployeeID, current, expectedVersion, generic.ErrVersionMismatch)
	}
	c = c.Clone()
	c.Version = expectedVersion + 1
	s.calendars[c.EmployeeID] = c
	return nil
}

// =============================================================================
// EXPIRIES
// =============================================================================

func (s *Store) AppendExpiry(_ context.Context, rec leave.ExpiryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.expiries[rec.ID]; !ok {
		s.expiries[rec.ID] = rec
	}
	return nil
}

func (s *Store) ListExpiries(_ context.Context, employeeID generic.EmployeeID, year int) ([]leave.ExpiryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []leave.ExpiryRecord
	for _, rec := range s.expiries {
		if rec.EmployeeID == employeeID && (year == 0 || rec.Year == year) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// EMPLOYEES
// =============================================================================

// PutEmployee adds or replaces an employee profile.
func (s *Store) PutEmployee(emp leave.EmployeeProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.employees[emp.ID] = emp
}

func (s *Store) GetEmployee(_ context.Context, id generic.EmployeeID) (leave.EmployeeProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	emp, ok := s.employees[id]
	if !ok {
		return leave.EmployeeProfile{}, fmt.Errorf("employee %s: %w", id, generic.ErrNotFound)
	}
	return emp, nil
}

func (s *Store) ListEmployees(_ context.Context) ([]leave.EmployeeProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]leave.EmployeeProfile, 0, len(s.employees))
	for _, emp := range s.employees {
		out = append(out, emp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) Append(_ context.Context, entry generic.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) Query(_ context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []generic.AuditEntry
	for _, e := range s.audit {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// HOLIDAYS
// =============================================================================

// AddHoliday registers a holiday; an empty region applies everywhere.
func (s *Store) AddHoliday(h generic.Holiday) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holidays = append(s.holidays, h)
}

func (s *Store) IsHoliday(region generic.Region, date generic.TimePoint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cal := generic.StaticHolidayCalendar{Holidays: s.holidays}
	return cal.IsHoliday(region, date)
}

func (s *Store) GetHolidays(region generic.Region, year int) []generic.Holiday {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cal := generic.StaticHolidayCalendar{Holidays: s.holidays}
	return cal.GetHolidays(region, year)
}

// GetAllHolidays returns the holidays of a region plus the global ones.
func (s *Store) GetAllHolidays(_ context.Context, region generic.Region) ([]generic.Holiday, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []generic.Holiday
	for _, h := range s.holidays {
		if h.Region == "" || h.Region == region {
			out = append(out, h)
		}
	}
	return out, nil
}

// =============================================================================
// DEFINITIONS
// =============================================================================

// SetPolicies replaces the stored policy set served by LoadPolicies.
func (s *Store) SetPolicies(policies []leave.LeavePolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = make([]leave.LeavePolicy, len(policies))
	for i, p := range policies {
		s.policies[i] = p.Clone()
	}
}

func (s *Store) LoadPolicies(context.Context) ([]leave.LeavePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]leave.LeavePolicy, len(s.policies))
	for i, p := range s.policies {
		out[i] = p.Clone()
	}
	return out, nil
}

// SetDefinitions replaces the stored workflow definitions.
func (s *Store) SetDefinitions(defs []workflow.Definition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions = make([]workflow.Definition, len(defs))
	for i, d := range defs {
		s.definitions[i] = d.Clone()
	}
}

func (s *Store) LoadDefinitions(context.Context) ([]workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]workflow.Definition, len(s.definitions))
	for i, d := range s.definitions {
		out[i] = d.Clone()
	}
	return out, nil
}
