package leave

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/generic"
)

// Options carries the collaborators every engine component shares. Zero
// fields get working defaults: no-op audit and events, the system clock,
// zap.NewNop and random UUIDs.
type Options struct {
	Audit  generic.AuditLog
	Events generic.Publisher
	Clock  generic.Clock
	Logger *zap.Logger
	NewID  func() string
}

func (o Options) withDefaults() Options {
	if o.Audit == nil {
		o.Audit = generic.NopAuditLog{}
	}
	if o.Events == nil {
		o.Events = generic.NopPublisher{}
	}
	if o.Clock == nil {
		o.Clock = generic.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.NewID == nil {
		o.NewID = func() string { return uuid.NewString() }
	}
	return o
}

// audit appends an entry and logs, rather than fails, on error: the state
// change it describes is already persisted.
func (o Options) audit(ctx context.Context, e generic.AuditEntry) {
	if e.ID == "" {
		e.ID = o.NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = o.Clock.Now()
	}
	if e.ActorID == "" {
		e.ActorID = generic.SystemActor
	}
	if err := o.Audit.Append(ctx, e); err != nil {
		o.Logger.Warn("audit append failed",
			zap.String("action", string(e.Action)),
			zap.String("employee_id", string(e.EmployeeID)),
			zap.Error(err))
	}
}

func (o Options) publish(ctx context.Context, e generic.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = o.Clock.Now()
	}
	o.Events.Publish(ctx, e)
}

// today is the clock's current date.
func (o Options) today() generic.TimePoint {
	return generic.DateOf(o.Clock.Now())
}
