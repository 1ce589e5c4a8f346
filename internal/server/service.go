package server

import (
	"context"
	"encoding/json"
	"time"

	"RiskCore/internal/hierarchy"
	"RiskCore/internal/query"

	"github.com/google/uuid"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "riskcore.v1.RiskCore"

// Request messages. The JSON field names are the wire contract of both
// the gRPC service and the gateway bodies.

type NodeRequest struct {
	Node string    `json:"node"`
	AsOf time.Time `json:"as_of,omitempty"`
}

type MatrixRequest struct {
	Type     string    `json:"type"`
	Nodes    []string  `json:"nodes"`
	Lookback int       `json:"lookback_days,omitempty"`
	AsOf     time.Time `json:"as_of,omitempty"`
}

type BreachRequest struct {
	BreachID uuid.UUID `json:"breach_id"`
}

type WaiveRequest struct {
	BreachID uuid.UUID `json:"breach_id"`
	Reason   string    `json:"reason"`
	Expiry   time.Time `json:"expiry"`
}

type LimitRequest struct {
	Limit json.RawMessage `json:"limit"`
}

type BatchRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type MergeRequest struct {
	Source uuid.UUID `json:"source"`
	Target uuid.UUID `json:"target"`
}

type AsOfRequest struct {
	AsOf time.Time `json:"as_of,omitempty"`
}

type Empty struct{}

type MergeResponse struct {
	Source uuid.UUID `json:"source"`
	Target uuid.UUID `json:"target"`
}

type ReleaseResponse struct {
	Released int `json:"released"`
}

type RecomputeResponse struct {
	Matrices []*query.CorrelationMatrixResponse `json:"matrices"`
}

type RebuildResponse struct {
	Rebuilt bool `json:"rebuilt"`
}

// riskCoreServer is the handler type of ServiceDesc.
type riskCoreServer interface {
	queryService() *query.QueryService
}

type riskService struct {
	qs *query.QueryService
}

func (s *riskService) queryService() *query.QueryService { return s.qs }

func nodeIDs(ss []string) []hierarchy.NodeID {
	out := make([]hierarchy.NodeID, len(ss))
	for i, s := range ss {
		out[i] = hierarchy.NodeID(s)
	}
	return out
}

// unary builds a method whose request decodes into Req. The scope is put
// on the context by the server interceptor chain.
func unary[Req any](name string, call func(ctx context.Context, qs *query.QueryService, scope query.Scope, req *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			qs := srv.(riskCoreServer).queryService()
			handler := func(ctx context.Context, req any) (any, error) {
				return call(ctx, qs, ScopeFromContext(ctx), req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the RiskCore query and admin service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*riskCoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetAggregateExposure", func(ctx context.Context, qs *query.QueryService, sc query.Scope, r *NodeRequest) (any, error) {
			return qs.GetAggregateExposure(ctx, sc, hierarchy.NodeID(r.Node), r.AsOf)
		}),
		unary("GetOverlapFindings", func(ctx context.Context, qs *query.QueryService, sc query.Scope, r *NodeRequest) (any, error) {
			return qs.GetOverlapFindings(ctx, sc, hierarchy.NodeID(r.Node), r.AsOf)
		}),
		unary("GetRolledUpRiskMetrics", func(ctx context.Context, qs *query.QueryService, sc query.Scope, r *NodeRequest) (any, error) {
			return qs.GetRolledUpRiskMetrics(ctx, sc, hierarchy.NodeID(r.Node), r.AsOf)
		}),
		unary("GetCorrelationMatrix", func(ctx context.Context, qs *query.QueryService, sc query.Scope, r *MatrixRequest) (any, error) {
			return qs.GetCorrelationMatrix(ctx, sc, r.Type, nodeIDs(r.Nodes), r.Lookback, r.AsOf)
		}),
		unary("GetActiveBreaches", func(ctx context.Context, qs *query.QueryService, sc query.Scope, _ *Empty) (any, error) {
			return qs.GetActiveBreaches(ctx, sc)
		}),
		unary("GetBreachHistory", func(ctx context.Context, qs *query.QueryService, sc query.Scope, r *BreachRequest) (any, error) {
			return qs.GetBreachHistory(ctx, sc, r.BreachID)
		}),
		unary("GetDataQuality", func(ctx context.Context, qs *query.QueryService, sc query.Scope, _ *Empty) (any, error) {
			return qs.GetDataQuality(ctx, sc)
		}),
		unary("GetExposureSummaries", func(ctx context.Context, qs *query.QueryService, sc query.Scope, _ *Empty) (any, error) {
			return qs.GetExposureSummaries(ctx, sc)
		}),
		unary("GetStatus", func(ctx context.Context, qs *query.QueryService, sc query.Scope, _ *Empty) (any, error) {
			return qs.GetStatus(ctx, sc)
		}),
		unary("AcknowledgeBreach", func(ctx context.Context, qs *query.QueryService, sc query.Scope, r *BreachRequest) (any, error) {
			return qs.AcknowledgeBreach(ctx, sc, r.BreachID)
		}),
		unary("WaiveBreach", func(ctx context.Context, qs *query.QueryService, sc query.Scope, r *WaiveRequest) (any, error) {
			return qs.WaiveBreach(ctx, sc, r.BreachID, r.Reason, r.Expiry)
		}),
		unary("DefineLimit", func(ctx context.Context, qs *query.QueryService, sc query.Scope, r *LimitRequest) (any, error) {
			return qs.DefineLimit(ctx, sc, r.Limit)
		}),
		unary("MergeSecurities", func(ctx context.Context, qs *query.QueryService, sc query.Scope, r *MergeRequest) (any, error) {
			if err := qs.MergeSecurities(ctx, sc, r.Source, r.Target); err != nil {
				return nil, err
			}
			return &MergeResponse{Source: r.Source, Target: r.Target}, nil
		}),
		unary("ReleaseQuarantine", func(ctx context.Context, qs *query.QueryService, sc query.Scope, _ *Empty) (any, error) {
			n, err := qs.ReleaseQuarantine(ctx, sc)
			if err != nil {
				return nil, err
			}
			return &ReleaseResponse{Released: n}, nil
		}),
		unary("SubmitBatch", func(ctx context.Context, qs *query.QueryService, sc query.Scope, r *BatchRequest) (any, error) {
			return qs.SubmitBatch(ctx, sc, r.Kind, r.Payload)
		}),
		unary("RunAggregation", func(ctx context.Context, qs *query.QueryService, sc query.Scope, r *NodeRequest) (any, error) {
			return qs.RunAggregation(ctx, sc, hierarchy.NodeID(r.Node), r.AsOf)
		}),
		unary("RecomputeCorrelations", func(ctx context.Context, qs *query.QueryService, sc query.Scope, r *AsOfRequest) (any, error) {
			ms, err := qs.RecomputeCorrelations(ctx, sc, r.AsOf)
			if err != nil {
				return nil, err
			}
			return &RecomputeResponse{Matrices: ms}, nil
		}),
		unary("RebuildProjections", func(ctx context.Context, qs *query.QueryService, sc query.Scope, _ *Empty) (any, error) {
			if err := qs.RebuildProjections(ctx, sc); err != nil {
				return nil, err
			}
			return &RebuildResponse{Rebuilt: true}, nil
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "riskcore/v1/riskcore.json",
}
