/*
ledger.go - BalanceLedger: the only writer of balance rows

PURPOSE:
  Every change to a LeaveBalance goes through the BalanceLedger: reserving
  days for a pending request, committing them on approval, releasing them on
  rejection or cancellation, restoring them when an approved future request
  is cancelled, crediting accruals, and closing the year.

CRITICAL INVARIANTS:
  1. Available = TotalEntitlement + CarryForwardIn - Used - Pending - Expired - Encashed
  2. Each request's reserve/commit/release/restore fires at most once; a
     repeat is a no-op, an out-of-order call is an InvalidTransitionError
  3. An accrual idempotency key is applied at most once (AlreadyAccruedError)
  4. Mutations on one row are linearized by optimistic versioning

OPTIMISTIC LOOP:
  load row -> mutate a copy -> SaveBalance(expectedVersion)
  On generic.ErrVersionMismatch the loop re-reads and re-applies the
  mutation against fresh state (so a balance check is re-evaluated), up to
  MaxRetries attempts, then returns ConcurrencyConflictError.

RESERVATION LIFECYCLE:
  RESERVED -> COMMITTED -> RESTORED
  RESERVED -> RELEASED

ARCHIVED ROWS:
  After year end a row is archived. It accepts no new reservations or
  credits. Settling a reservation made before year end still works; days it
  frees are expired, since the year they belong to is closed, and get an
  ExpiryRecord keyed by the request plus an EXPIRY audit entry.

SEE ALSO:
  - store.go: BalanceStore version contract
  - carryforward.go: Year-end use of CloseYear/OpenYear
*/
package leave

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/generic"
)

// DefaultMaxRetries bounds the optimistic loop.
const DefaultMaxRetries = 5

var errNoop = errors.New("no-op")

// LedgerConfig tunes the BalanceLedger.
type LedgerConfig struct {
	MaxRetries          int
	LowBalanceThreshold decimal.Decimal // BalanceLow fires when available drops below it; 0 disables
	// Expiries receives days freed on archived rows; nil skips the record.
	Expiries ExpiryStore
}

type BalanceLedger struct {
	store BalanceStore
	cfg   LedgerConfig
	opts  Options
}

func NewBalanceLedger(store BalanceStore, cfg LedgerConfig, opts Options) *BalanceLedger {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &BalanceLedger{store: store, cfg: cfg, opts: opts.withDefaults()}
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the row for key, or an empty row if none exists yet.
func (l *BalanceLedger) Balance(ctx context.Context, key generic.BalanceKey) (LeaveBalance, error) {
	b, err := l.store.LoadBalance(ctx, key)
	if errors.Is(err, generic.ErrNotFound) {
		return NewBalance(key), nil
	}
	if err != nil {
		return LeaveBalance{}, fmt.Errorf("load balance %s: %w", key, err)
	}
	return b, nil
}

// List returns an employee's rows for a year.
func (l *BalanceLedger) List(ctx context.Context, emp generic.EmployeeID, year int) ([]LeaveBalance, error) {
	rows, err := l.store.ListBalances(ctx, emp, year)
	if err != nil {
		return nil, fmt.Errorf("list balances of %s: %w", emp, err)
	}
	return rows, nil
}

// =============================================================================
// REQUEST RESERVATIONS
// =============================================================================

// Reserve moves days from available to pending for a request.
func (l *BalanceLedger) Reserve(ctx context.Context, key generic.BalanceKey, requestID generic.RequestID, days decimal.Decimal, allowNegative bool) (LeaveBalance, error) {
	if !days.IsPositive() {
		return LeaveBalance{}, generic.NewValidationError(fmt.Sprintf("reserve amount must be positive, got %s", days))
	}
	applied := false
	b, err := l.mutate(ctx, key, func(b *LeaveBalance) error {
		applied = false
		if r, ok := b.Reservations[requestID]; ok {
			if r.State == ReservationReserved || r.State == ReservationCommitted {
				return errNoop
			}
			return reservationTransition(requestID, r.State, ReservationReserved)
		}
		if b.Archived {
			return &generic.InvalidTransitionError{Entity: "balance " + key.String(), From: "ARCHIVED", To: string(ReservationReserved)}
		}
		if !allowNegative && b.Available().LessThan(days) {
			avail := b.AvailableAmount()
			req := generic.NewAmountFromDecimal(days, generic.UnitDays)
			return &generic.InsufficientBalanceError{Key: key, Available: avail, Requested: req, Shortfall: req.Sub(avail)}
		}
		b.Pending = b.Pending.Add(days)
		b.Reservations[requestID] = Reservation{Days: days, State: ReservationReserved}
		applied = true
		return nil
	})
	if err != nil || !applied {
		return b, err
	}
	l.record(ctx, key, requestID, generic.AuditBalanceReserved, days.Neg())
	l.checkLow(ctx, b)
	return b, nil
}

// Commit moves a request's reserved days from pending to used.
func (l *BalanceLedger) Commit(ctx context.Context, key generic.BalanceKey, requestID generic.RequestID) (LeaveBalance, error) {
	var moved decimal.Decimal
	b, err := l.mutate(ctx, key, func(b *LeaveBalance) error {
		moved = decimal.Zero
		r, ok := b.Reservations[requestID]
		if !ok {
			return reservationTransition(requestID, "", ReservationCommitted)
		}
		switch r.State {
		case ReservationCommitted, ReservationRestored:
			return errNoop
		case ReservationReserved:
		default:
			return reservationTransition(requestID, r.State, ReservationCommitted)
		}
		b.Pending = b.Pending.Sub(r.Days)
		b.Used = b.Used.Add(r.Days)
		r.State = ReservationCommitted
		b.Reservations[requestID] = r
		moved = r.Days
		return nil
	})
	if err == nil && !moved.IsZero() {
		l.record(ctx, key, requestID, generic.AuditBalanceCommitted, decimal.Zero)
	}
	return b, err
}

// Release returns a request's reserved days to available.
func (l *BalanceLedger) Release(ctx context.Context, key generic.BalanceKey, requestID generic.RequestID) (LeaveBalance, error) {
	var moved, expired decimal.Decimal
	b, err := l.mutate(ctx, key, func(b *LeaveBalance) error {
		moved, expired = decimal.Zero, decimal.Zero
		r, ok := b.Reservations[requestID]
		if !ok {
			return reservationTransition(requestID, "", ReservationReleased)
		}
		switch r.State {
		case ReservationReleased:
			if r.Expired {
				expired = r.Days
			}
			return errNoop
		case ReservationReserved:
		default:
			return reservationTransition(requestID, r.State, ReservationReleased)
		}
		b.Pending = b.Pending.Sub(r.Days)
		if b.Archived {
			b.Expired = b.Expired.Add(r.Days)
			r.Expired = true
			expired = r.Days
		}
		r.State = ReservationReleased
		b.Reservations[requestID] = r
		moved = r.Days
		return nil
	})
	if err != nil {
		return b, err
	}
	if !moved.IsZero() {
		l.record(ctx, key, requestID, generic.AuditBalanceReleased, moved)
	}
	if !expired.IsZero() {
		return b, l.recordLateExpiry(ctx, key, requestID, expired, !moved.IsZero())
	}
	return b, nil
}

// Restore returns a committed request's days to available, for cancelling
// an approved request before it starts.
func (l *BalanceLedger) Restore(ctx context.Context, key generic.BalanceKey, requestID generic.RequestID) (LeaveBalance, error) {
	var moved, expired decimal.Decimal
	b, err := l.mutate(ctx, key, func(b *LeaveBalance) error {
		moved, expired = decimal.Zero, decimal.Zero
		r, ok := b.Reservations[requestID]
		if !ok {
			return reservationTransition(requestID, "", ReservationRestored)
		}
		switch r.State {
		case ReservationRestored:
			if r.Expired {
				expired = r.Days
			}
			return errNoop
		case ReservationCommitted:
		default:
			return reservationTransition(requestID, r.State, ReservationRestored)
		}
		b.Used = b.Used.Sub(r.Days)
		if b.Archived {
			b.Expired = b.Expired.Add(r.Days)
			r.Expired = true
			expired = r.Days
		}
		r.State = ReservationRestored
		b.Reservations[requestID] = r
		moved = r.Days
		return nil
	})
	if err != nil {
		return b, err
	}
	if !moved.IsZero() {
		l.record(ctx, key, requestID, generic.AuditBalanceRestored, moved)
	}
	if !expired.IsZero() {
		return b, l.recordLateExpiry(ctx, key, requestID, expired, !moved.IsZero())
	}
	return b, nil
}

// LateExpiryRecordID names the expiry of days a request freed after its
// year closed. One record per request, however often settlement retries.
func LateExpiryRecordID(key generic.BalanceKey, requestID generic.RequestID) string {
	return fmt.Sprintf("expiry:%s:%s:%d:%s", key.EmployeeID, key.LeaveType, key.Year, requestID)
}

// recordLateExpiry writes the expiry record on every call, since appending
// is idempotent and a repeat may follow a failed append. The audit entry is
// written only with the balance change.
func (l *BalanceLedger) recordLateExpiry(ctx context.Context, key generic.BalanceKey, requestID generic.RequestID, days decimal.Decimal, fresh bool) error {
	if l.cfg.Expiries != nil {
		rec := ExpiryRecord{
			ID:         LateExpiryRecordID(key, requestID),
			EmployeeID: key.EmployeeID,
			LeaveType:  key.LeaveType,
			Year:       key.Year,
			Days:       generic.NewAmountFromDecimal(days, generic.UnitDays),
			Reason:     fmt.Sprintf("request %s settled after year end", requestID),
			CreatedAt:  l.opts.Clock.Now(),
		}
		if err := l.cfg.Expiries.AppendExpiry(ctx, rec); err != nil {
			return fmt.Errorf("record expiry %s: %w", key, err)
		}
	}
	if fresh {
		l.opts.audit(ctx, generic.AuditEntry{
			Action:     generic.AuditExpiry,
			EmployeeID: key.EmployeeID,
			LeaveType:  key.LeaveType,
			RequestID:  requestID,
			Delta:      generic.NewAmountFromDecimal(days.Neg(), generic.UnitDays),
			Payload:    map[string]any{"year": key.Year, "reason": "settled after year end"},
		})
	}
	return nil
}

func reservationTransition(id generic.RequestID, from, to ReservationState) error {
	if from == "" {
		from = "NONE"
	}
	return &generic.InvalidTransitionError{Entity: "reservation " + string(id), From: string(from), To: string(to)}
}

// =============================================================================
// CREDITS
// =============================================================================

// AccrualKey is the idempotency key of an accrual for a period ("2025-03", "2025").
func AccrualKey(period string) string { return "accrual:" + period }

// Accrue credits delta under an idempotency key. A zero delta is recorded
// too, so suspended months leave an explicit trace.
func (l *BalanceLedger) Accrue(ctx context.Context, key generic.BalanceKey, period string, delta decimal.Decimal) (LeaveBalance, error) {
	idem := AccrualKey(period)
	b, err := l.mutate(ctx, key, func(b *LeaveBalance) error {
		if b.HasApplied(idem) {
			return &generic.AlreadyAccruedError{Key: key, Period: period}
		}
		if b.Archived {
			return &generic.InvalidTransitionError{Entity: "balance " + key.String(), From: "ARCHIVED", To: "ACCRUE"}
		}
		b.TotalEntitlement = b.TotalEntitlement.Add(delta)
		b.Accrued = b.Accrued.Add(delta)
		b.AppliedKeys[idem] = delta
		return nil
	})
	if err != nil {
		return b, err
	}
	l.opts.audit(ctx, generic.AuditEntry{
		Action:     generic.AuditAccrual,
		EmployeeID: key.EmployeeID,
		LeaveType:  key.LeaveType,
		Delta:      generic.NewAmountFromDecimal(delta, generic.UnitDays),
		Payload:    map[string]any{"period": period, "year": key.Year},
	})
	return b, nil
}

// SeedKey is the idempotency key of a one-off entitlement grant.
func SeedKey(name string) string { return "seed:" + name }

// Seed grants a fixed entitlement once per key, for leave types that are not
// accrued (maternity, bereavement). A repeat is a no-op.
func (l *BalanceLedger) Seed(ctx context.Context, key generic.BalanceKey, name string, days decimal.Decimal) (LeaveBalance, error) {
	idem := SeedKey(name)
	applied := false
	b, err := l.mutate(ctx, key, func(b *LeaveBalance) error {
		applied = false
		if b.HasApplied(idem) {
			return errNoop
		}
		if b.Archived {
			return &generic.InvalidTransitionError{Entity: "balance " + key.String(), From: "ARCHIVED", To: "SEED"}
		}
		b.TotalEntitlement = b.TotalEntitlement.Add(days)
		b.AppliedKeys[idem] = days
		applied = true
		return nil
	})
	if err != nil || !applied {
		return b, err
	}
	l.opts.audit(ctx, generic.AuditEntry{
		Action:     generic.AuditAccrual,
		EmployeeID: key.EmployeeID,
		LeaveType:  key.LeaveType,
		Delta:      generic.NewAmountFromDecimal(days, generic.UnitDays),
		Payload:    map[string]any{"seed": name, "year": key.Year},
	})
	return b, nil
}

// Adjust applies a manual entitlement change (positive or negative) under an
// idempotency key. A repeated key is a no-op.
func (l *BalanceLedger) Adjust(ctx context.Context, key generic.BalanceKey, idempotencyKey string, delta decimal.Decimal, actorID, reason string) (LeaveBalance, error) {
	idem := "adjust:" + idempotencyKey
	b, err := l.mutate(ctx, key, func(b *LeaveBalance) error {
		if b.HasApplied(idem) {
			return errNoop
		}
		if b.Archived {
			return &generic.InvalidTransitionError{Entity: "balance " + key.String(), From: "ARCHIVED", To: "ADJUST"}
		}
		b.TotalEntitlement = b.TotalEntitlement.Add(delta)
		b.AppliedKeys[idem] = delta
		return nil
	})
	if err != nil {
		return b, err
	}
	l.opts.audit(ctx, generic.AuditEntry{
		ActorID:    actorID,
		Action:     generic.AuditManualAdjust,
		EmployeeID: key.EmployeeID,
		LeaveType:  key.LeaveType,
		Delta:      generic.NewAmountFromDecimal(delta, generic.UnitDays),
		Payload:    map[string]any{"reason": reason, "key": idempotencyKey},
	})
	return b, nil
}

// Encash converts available days to money. The payout itself happens
// elsewhere; the ledger only removes the days.
func (l *BalanceLedger) Encash(ctx context.Context, key generic.BalanceKey, idempotencyKey string, days decimal.Decimal, actorID string) (LeaveBalance, error) {
	if !days.IsPositive() {
		return LeaveBalance{}, generic.NewValidationError("encash amount must be positive")
	}
	idem := "encash:" + idempotencyKey
	b, err := l.mutate(ctx, key, func(b *LeaveBalance) error {
		if b.HasApplied(idem) {
			return errNoop
		}
		if b.Archived {
			return &generic.InvalidTransitionError{Entity: "balance " + key.String(), From: "ARCHIVED", To: "ENCASH"}
		}
		if b.Available().LessThan(days) {
			avail := b.AvailableAmount()
			req := generic.NewAmountFromDecimal(days, generic.UnitDays)
			return &generic.InsufficientBalanceError{Key: key, Available: avail, Requested: req, Shortfall: req.Sub(avail)}
		}
		b.Encashed = b.Encashed.Add(days)
		b.AppliedKeys[idem] = days
		return nil
	})
	if err != nil {
		return b, err
	}
	l.opts.audit(ctx, generic.AuditEntry{
		ActorID:    actorID,
		Action:     generic.AuditEncashment,
		EmployeeID: key.EmployeeID,
		LeaveType:  key.LeaveType,
		Delta:      generic.NewAmountFromDecimal(days.Neg(), generic.UnitDays),
	})
	return b, nil
}

// =============================================================================
// YEAR END
// =============================================================================

// YearEndOutcome is what CloseYear did to the closing row.
type YearEndOutcome struct {
	Row     LeaveBalance
	Carried decimal.Decimal
	Expired decimal.Decimal
}

// YearEndExpiredKey records on a closed row how many days year end expired.
const YearEndExpiredKey = "year-end:expired"

// CloseYear archives the row. capFor receives the row's available balance
// and returns the most that may carry forward; the rest expires. A second
// call returns AlreadyProcessedError.
func (l *BalanceLedger) CloseYear(ctx context.Context, key generic.BalanceKey, capFor func(available decimal.Decimal) decimal.Decimal) (YearEndOutcome, error) {
	var out YearEndOutcome
	b, err := l.mutate(ctx, key, func(b *LeaveBalance) error {
		if b.YearEndProcessed {
			return &generic.AlreadyProcessedError{Key: key}
		}
		avail := b.Available()
		carry, expire := decimal.Zero, decimal.Zero
		if avail.IsPositive() {
			carry = decimal.Min(avail, capFor(avail))
			if carry.IsNegative() {
				carry = decimal.Zero
			}
			expire = avail.Sub(carry)
		}
		b.Expired = b.Expired.Add(expire)
		b.AppliedKeys[YearEndExpiredKey] = expire
		b.CarriedForward = carry
		b.YearEndProcessed = true
		b.Archived = true
		out.Carried, out.Expired = carry, expire
		return nil
	})
	if err != nil {
		return YearEndOutcome{}, err
	}
	out.Row = b
	return out, nil
}

// CarryForwardKey is the idempotency key of the carry into a year's row.
func CarryForwardKey(fromYear int) string { return fmt.Sprintf("carry-forward:%d", fromYear) }

// OpenYear credits carried days into the next year's row, creating it if
// needed (even for zero). A repeat returns AlreadyProcessedError.
func (l *BalanceLedger) OpenYear(ctx context.Context, key generic.BalanceKey, fromYear int, carried decimal.Decimal) (LeaveBalance, error) {
	idem := CarryForwardKey(fromYear)
	return l.mutate(ctx, key, func(b *LeaveBalance) error {
		if b.HasApplied(idem) {
			return &generic.AlreadyProcessedError{Key: key}
		}
		b.CarryForwardIn = b.CarryForwardIn.Add(carried)
		b.AppliedKeys[idem] = carried
		return nil
	})
}

// =============================================================================
// OPTIMISTIC LOOP
// =============================================================================

// mutate applies fn to a fresh copy of the row and saves it under the read
// version. fn returning errNoop ends the loop successfully without a write.
func (l *BalanceLedger) mutate(ctx context.Context, key generic.BalanceKey, fn func(b *LeaveBalance) error) (LeaveBalance, error) {
	for attempt := 1; attempt <= l.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return LeaveBalance{}, err
		}
		current, err := l.store.LoadBalance(ctx, key)
		if errors.Is(err, generic.ErrNotFound) {
			current = NewBalance(key)
		} else if err != nil {
			return LeaveBalance{}, fmt.Errorf("load balance %s: %w", key, err)
		}

		next := current.Clone()
		if err := fn(&next); err != nil {
			if errors.Is(err, errNoop) {
				return current, nil
			}
			return current, err
		}
		next.Version = current.Version + 1

		err = l.store.SaveBalance(ctx, next, current.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, generic.ErrVersionMismatch) {
			return LeaveBalance{}, fmt.Errorf("save balance %s: %w", key, err)
		}
		l.opts.Logger.Debug("balance version conflict, retrying",
			zap.String("key", key.String()),
			zap.Int("attempt", attempt))
	}
	return LeaveBalance{}, &generic.ConcurrencyConflictError{Key: key.String(), Attempts: l.cfg.MaxRetries}
}

func (l *BalanceLedger) record(ctx context.Context, key generic.BalanceKey, requestID generic.RequestID, action generic.AuditAction, delta decimal.Decimal) {
	l.opts.audit(ctx, generic.AuditEntry{
		Action:     action,
		EmployeeID: key.EmployeeID,
		LeaveType:  key.LeaveType,
		RequestID:  requestID,
		Delta:      generic.NewAmountFromDecimal(delta, generic.UnitDays),
		Payload:    map[string]any{"year": key.Year},
	})
}

func (l *BalanceLedger) checkLow(ctx context.Context, b LeaveBalance) {
	if !l.cfg.LowBalanceThreshold.IsPositive() || !b.Available().LessThan(l.cfg.LowBalanceThreshold) {
		return
	}
	l.opts.publish(ctx, generic.Event{
		Type:       generic.EventBalanceLow,
		EmployeeID: b.Key.EmployeeID,
		Payload: map[string]any{
			"leaveType": string(b.Key.LeaveType),
			"year":      b.Key.Year,
			"available": b.Available().String(),
		},
	})
}
