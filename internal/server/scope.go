package server

import (
	"context"
	"strings"

	"RiskCore/internal/hierarchy"
	"RiskCore/internal/query"

	"google.golang.org/grpc/metadata"
)

// Scope headers. An upstream gateway authenticates the caller and sets
// them; the engine trusts what it receives.
const (
	HeaderTenant = "x-riskcore-tenant"
	HeaderActor  = "x-riskcore-actor"
	HeaderNodes  = "x-riskcore-nodes" // comma separated subtree roots
	HeaderRole   = "x-riskcore-role"  // "admin" grants mutations
)

type scopeKey struct{}

func WithScope(ctx context.Context, s query.Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFromContext returns the caller scope, or the zero scope which the
// interceptor rejects.
func ScopeFromContext(ctx context.Context) query.Scope {
	s, _ := ctx.Value(scopeKey{}).(query.Scope)
	return s
}

// scopeFrom builds a scope from header values looked up by get.
func scopeFrom(get func(key string) []string) query.Scope {
	first := func(key string) string {
		if vs := get(key); len(vs) > 0 {
			return strings.TrimSpace(vs[0])
		}
		return ""
	}
	s := query.Scope{
		Tenant: first(HeaderTenant),
		Actor:  first(HeaderActor),
		Admin:  strings.EqualFold(first(HeaderRole), "admin"),
	}
	for _, v := range get(HeaderNodes) {
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				s.Nodes = append(s.Nodes, hierarchy.NodeID(n))
			}
		}
	}
	return s
}

func scopeFromMetadata(ctx context.Context) query.Scope {
	md, _ := metadata.FromIncomingContext(ctx)
	return scopeFrom(md.Get)
}
