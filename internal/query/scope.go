package query

import (
	"errors"
	"fmt"

	"RiskCore/internal/core"
	"RiskCore/internal/hierarchy"
)

var (
	ErrUnauthenticated  = errors.New("query: no tenant in scope")
	ErrPermissionDenied = errors.New("query: outside caller scope")
	ErrInvalidArgument  = errors.New("query: invalid argument")
	ErrUnavailable      = errors.New("query: backing store unavailable")
)

// Scope is the already-resolved access scope of a caller. The engine does
// not authenticate; whoever builds the Scope vouches for it.
type Scope struct {
	Tenant string
	// Nodes are the subtrees the caller may see. Empty means the whole
	// tenant.
	Nodes []hierarchy.NodeID
	Actor string
	Admin bool
}

// TenantWide reports whether the scope is not restricted to subtrees.
func (s Scope) TenantWide() bool { return len(s.Nodes) == 0 }

// Action is what a caller wants to do with the nodes it names.
type Action int32

const (
	ActionRead Action = iota
	ActionAdmin
	// ActionTenantAdmin mutates tenant-wide state and needs an
	// unrestricted admin scope.
	ActionTenantAdmin
)

func (a Action) String() string {
	switch a {
	case ActionRead:
		return "read"
	case ActionAdmin:
		return "admin"
	case ActionTenantAdmin:
		return "tenant_admin"
	default:
		return "unknown"
	}
}

// Interceptor is the single place access is checked. Every query and
// mutation of Service passes through Authorize before touching the engine.
type Interceptor struct {
	engine *core.Engine
}

func NewInterceptor(engine *core.Engine) *Interceptor {
	return &Interceptor{engine: engine}
}

// Check validates the scope against action without resolving a tenant
// partition. Used for submissions that may create the tenant.
func (i *Interceptor) Check(s Scope, action Action) error {
	if s.Tenant == "" {
		return ErrUnauthenticated
	}
	switch action {
	case ActionRead:
	case ActionAdmin:
		if !s.Admin {
			return fmt.Errorf("%w: %s requires admin", ErrPermissionDenied, action)
		}
	case ActionTenantAdmin:
		if !s.Admin || !s.TenantWide() {
			return fmt.Errorf("%w: %s requires an unrestricted admin scope", ErrPermissionDenied, action)
		}
	default:
		return fmt.Errorf("%w: unknown action %d", ErrPermissionDenied, action)
	}
	return nil
}

// Authorize checks action on every node and returns the tenant partition.
// Nodes must exist and sit inside one of the scope's subtrees.
func (i *Interceptor) Authorize(s Scope, action Action, nodes ...hierarchy.NodeID) (*core.Partition, error) {
	if err := i.Check(s, action); err != nil {
		return nil, err
	}
	p, err := i.engine.Partition(s.Tenant)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if _, err := p.Tree().Node(n); err != nil {
			return nil, fmt.Errorf("node %s: %w", n, err)
		}
		if !Visible(p, s, n) {
			return nil, fmt.Errorf("%w: node %s", ErrPermissionDenied, n)
		}
	}
	return p, nil
}

// Visible reports whether node lies inside the scope. Used to filter
// tenant-wide listings down to the caller's subtrees.
func Visible(p *core.Partition, s Scope, node hierarchy.NodeID) bool {
	if s.TenantWide() {
		return true
	}
	for _, root := range s.Nodes {
		if p.Tree().Contains(root, node) {
			return true
		}
	}
	return false
}
