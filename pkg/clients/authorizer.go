package clients

import (
	"context"
	"sync"

	"github.com/evidentra/testcycle-orchestrator/pkg/logging"
	"github.com/evidentra/testcycle-orchestrator/pkg/workflow"
)

const authorizerComponent = "role-authorizer"

// RoleMapAuthorizer answers capability checks from an in-memory actor to
// roles assignment. The map is swapped wholesale on reload, so checks never
// see a half-updated table.
type RoleMapAuthorizer struct {
	mu     sync.RWMutex
	roles  map[string][]workflow.Role
	logger *logging.StructuredLogger
}

func NewRoleMapAuthorizer(assignments map[string][]workflow.Role, logger *logging.StructuredLogger) *RoleMapAuthorizer {
	if assignments == nil {
		assignments = make(map[string][]workflow.Role)
	}
	return &RoleMapAuthorizer{
		roles:  assignments,
		logger: logger.WithComponent(authorizerComponent),
	}
}

// MayResolve reports whether the actor holds the step's required role.
// Admin short-circuits everything, matching the administrative override
// powers elsewhere in the workflow.
func (a *RoleMapAuthorizer) MayResolve(_ context.Context, actorID string, step *workflow.StepRecord) bool {
	a.mu.RLock()
	held := a.roles[actorID]
	a.mu.RUnlock()

	for _, r := range held {
		if r == workflow.RoleAdmin || r == step.Role {
			return true
		}
	}
	return false
}

// Replace swaps the full assignment table, used by config hot reload.
func (a *RoleMapAuthorizer) Replace(assignments map[string][]workflow.Role) {
	a.mu.Lock()
	a.roles = assignments
	a.mu.Unlock()
	a.logger.InfoWithContext("role assignments replaced", "actors", len(assignments))
}

// Grant adds one role to an actor.
func (a *RoleMapAuthorizer) Grant(actorID string, role workflow.Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.roles[actorID] {
		if r == role {
			return
		}
	}
	next := make(map[string][]workflow.Role, len(a.roles))
	for k, v := range a.roles {
		next[k] = v
	}
	next[actorID] = append(append([]workflow.Role(nil), a.roles[actorID]...), role)
	a.roles = next
}
