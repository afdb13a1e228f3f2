package leave

import (
	"context"
	"sync"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/workflow"
)

// RoleResolver maps an actor to the approver roles they hold for one
// employee's requests.
type RoleResolver interface {
	RolesFor(ctx context.Context, actorID string, subject EmployeeProfile) ([]workflow.Role, error)
}

// StaticRoleResolver grants MANAGER to the subject's direct manager and any
// statically configured roles (HR, HR_ADMIN, DEPARTMENT_HEAD) to listed
// actors.
type StaticRoleResolver struct {
	mu     sync.RWMutex
	grants map[string][]workflow.Role
}

func NewStaticRoleResolver(grants map[string][]workflow.Role) *StaticRoleResolver {
	r := &StaticRoleResolver{grants: map[string][]workflow.Role{}}
	for actor, roles := range grants {
		r.grants[actor] = append([]workflow.Role(nil), roles...)
	}
	return r
}

// Grant adds roles to an actor.
func (r *StaticRoleResolver) Grant(actorID string, roles ...workflow.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grants[actorID] = append(r.grants[actorID], roles...)
}

func (r *StaticRoleResolver) RolesFor(_ context.Context, actorID string, subject EmployeeProfile) ([]workflow.Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var roles []workflow.Role
	if subject.ManagerID != "" && generic.EmployeeID(actorID) == subject.ManagerID {
		roles = append(roles, workflow.RoleManager)
	}
	roles = append(roles, r.grants[actorID]...)
	return roles, nil
}

func hasRole(roles []workflow.Role, want ...workflow.Role) bool {
	for _, r := range roles {
		for _, w := range want {
			if r == w {
				return true
			}
		}
	}
	return false
}
