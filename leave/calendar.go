package leave

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// LEAVE CALENDAR - Per-employee index of claimed dates
// =============================================================================

// DateClaim holds a request's dates on the employee's calendar from submit
// until the request is rejected or cancelled.
type DateClaim struct {
	RequestID      generic.RequestID `json:"requestId"`
	StartDate      generic.TimePoint `json:"startDate"`
	EndDate        generic.TimePoint `json:"endDate"`
	IsHalfDay      bool              `json:"isHalfDay,omitempty"`
	HalfDaySession HalfDaySession    `json:"halfDaySession,omitempty"`
}

func claimOf(r LeaveRequest) DateClaim {
	return DateClaim{
		RequestID:      r.ID,
		StartDate:      r.StartDate,
		EndDate:        r.EndDate,
		IsHalfDay:      r.IsHalfDay,
		HalfDaySession: r.HalfDaySession,
	}
}

// asRequest lets the OverlapValidator compare a claim like an open request.
func (c DateClaim) asRequest(emp generic.EmployeeID) LeaveRequest {
	return LeaveRequest{
		ID:             c.RequestID,
		EmployeeID:     emp,
		StartDate:      c.StartDate,
		EndDate:        c.EndDate,
		IsHalfDay:      c.IsHalfDay,
		HalfDaySession: c.HalfDaySession,
		Status:         StatusPending,
	}
}

// LeaveCalendar is versioned like a balance row. Every submit of an employee
// saves it, so two submits for intersecting dates are linearized by the
// store's version check.
type LeaveCalendar struct {
	EmployeeID generic.EmployeeID `json:"employeeId"`
	Claims     []DateClaim        `json:"claims"`
	Version    int64              `json:"version"`
}

func NewLeaveCalendar(emp generic.EmployeeID) LeaveCalendar {
	return LeaveCalendar{EmployeeID: emp}
}

func (c LeaveCalendar) Clone() LeaveCalendar {
	out := c
	out.Claims = append([]DateClaim(nil), c.Claims...)
	return out
}

func (c *LeaveCalendar) put(claim DateClaim) {
	for i, cl := range c.Claims {
		if cl.RequestID == claim.RequestID {
			c.Claims[i] = claim
			return
		}
	}
	c.Claims = append(c.Claims, claim)
	sort.Slice(c.Claims, func(i, j int) bool {
		if !c.Claims[i].StartDate.Equal(c.Claims[j].StartDate) {
			return c.Claims[i].StartDate.Before(c.Claims[j].StartDate)
		}
		return c.Claims[i].RequestID < c.Claims[j].RequestID
	})
}

func (c *LeaveCalendar) remove(id generic.RequestID) bool {
	for i, cl := range c.Claims {
		if cl.RequestID == id {
			c.Claims = append(c.Claims[:i], c.Claims[i+1:]...)
			return true
		}
	}
	return false
}

// =============================================================================
// CLAIMS
// =============================================================================

// claimDates re-runs the overlap check against the employee's calendar and
// records req's dates in the same versioned write. Claims of requests that
// have since closed are pruned; claims whose request isn't saved yet belong
// to an in-flight submit and still conflict.
func (o *Orchestrator) claimDates(ctx context.Context, req LeaveRequest, role workflow.Role) (OverlapDecision, []generic.RequestID, error) {
	var (
		decision  OverlapDecision
		conflicts []generic.RequestID
	)
	_, err := o.mutateCalendar(ctx, req.EmployeeID, func(c *LeaveCalendar) error {
		decision, conflicts = OverlapDecision{}, nil
		live := make([]LeaveRequest, 0, len(c.Claims))
		for _, cl := range c.Claims {
			live = append(live, cl.asRequest(req.EmployeeID))
		}
		found, err := o.dropClosedClaims(ctx, c, o.overlap.Check(req, live))
		if err != nil {
			return err
		}
		if decision, err = o.overlap.Decide(found, role); err != nil {
			return err
		}
		conflicts = found
		c.put(claimOf(req))
		return nil
	})
	return decision, conflicts, err
}

func (o *Orchestrator) dropClosedClaims(ctx context.Context, c *LeaveCalendar, ids []generic.RequestID) ([]generic.RequestID, error) {
	var out []generic.RequestID
	for _, id := range ids {
		r, err := o.deps.Requests.LoadRequest(ctx, id)
		switch {
		case errors.Is(err, generic.ErrNotFound):
			out = append(out, id)
		case err != nil:
			return nil, fmt.Errorf("load request %s: %w", id, err)
		case r.Status.Open():
			out = append(out, id)
		default:
			c.remove(id)
		}
	}
	return out, nil
}

// releaseDates frees a request's dates. Releasing an unknown claim is a no-op.
func (o *Orchestrator) releaseDates(ctx context.Context, emp generic.EmployeeID, id generic.RequestID) error {
	_, err := o.mutateCalendar(ctx, emp, func(c *LeaveCalendar) error {
		if !c.remove(id) {
			return errNoop
		}
		return nil
	})
	return err
}

// Calendar returns the employee's claimed dates.
func (o *Orchestrator) Calendar(ctx context.Context, emp generic.EmployeeID) (LeaveCalendar, error) {
	if o.deps.LeaveCalendars == nil {
		return LeaveCalendar{}, errors.New("no leave calendar store configured")
	}
	c, err := o.deps.LeaveCalendars.LoadLeaveCalendar(ctx, emp)
	if errors.Is(err, generic.ErrNotFound) {
		return NewLeaveCalendar(emp), nil
	}
	if err != nil {
		return LeaveCalendar{}, fmt.Errorf("load leave calendar %s: %w", emp, err)
	}
	return c, nil
}

// mutateCalendar is the optimistic loop for leave calendars.
func (o *Orchestrator) mutateCalendar(ctx context.Context, emp generic.EmployeeID, fn func(c *LeaveCalendar) error) (LeaveCalendar, error) {
	for attempt := 1; attempt <= o.deps.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return LeaveCalendar{}, err
		}
		current, err := o.Calendar(ctx, emp)
		if err != nil {
			return LeaveCalendar{}, err
		}
		next := current.Clone()
		if err := fn(&next); err != nil {
			if errors.Is(err, errNoop) {
				return current, nil
			}
			return current, err
		}
		next.Version = current.Version + 1
		err = o.deps.LeaveCalendars.SaveLeaveCalendar(ctx, next, current.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, generic.ErrVersionMismatch) {
			return LeaveCalendar{}, fmt.Errorf("save leave calendar %s: %w", emp, err)
		}
		o.opts.Logger.Debug("leave calendar version conflict, retrying",
			zap.String("employee_id", string(emp)),
			zap.Int("attempt", attempt))
	}
	return LeaveCalendar{}, &generic.ConcurrencyConflictError{Key: "calendar/" + string(emp), Attempts: o.deps.MaxRetries}
}
