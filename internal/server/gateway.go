package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"RiskCore/internal/hierarchy"
	"RiskCore/internal/observability"
	"RiskCore/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 8 << 20

// gateway serves the REST surface. Routes call the query service in
// process; they share scope handling and error mapping with gRPC.
type gateway struct {
	qs        *query.QueryService
	mux       *runtime.ServeMux
	marshaler runtime.Marshaler
	metrics   *observability.Metrics
	log       zerolog.Logger
}

type route struct {
	method  string
	pattern string
	handler func(r *http.Request, scope query.Scope, params map[string]string) (any, error)
	status  int
}

func newGateway(qs *query.QueryService, hc *observability.HealthChecker, exposeMetrics bool, metrics *observability.Metrics, log zerolog.Logger) *runtime.ServeMux {
	mux := runtime.NewServeMux()
	g := &gateway{qs: qs, mux: mux, marshaler: &runtime.JSONPb{}, metrics: metrics, log: log}

	for _, rt := range g.routes() {
		if err := mux.HandlePath(rt.method, rt.pattern, g.handle(rt)); err != nil {
			panic(fmt.Sprintf("gateway route %s %s: %v", rt.method, rt.pattern, err))
		}
	}

	healthz := func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	}
	readyz := healthz
	if hc != nil {
		healthz = func(w http.ResponseWriter, r *http.Request, _ map[string]string) { hc.LivenessHandler(w, r) }
		readyz = func(w http.ResponseWriter, r *http.Request, _ map[string]string) { hc.ReadinessHandler(w, r) }
	}
	_ = mux.HandlePath(http.MethodGet, "/healthz", healthz)
	_ = mux.HandlePath(http.MethodGet, "/readyz", readyz)
	if exposeMetrics {
		metricsHandler := promhttp.Handler()
		_ = mux.HandlePath(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			metricsHandler.ServeHTTP(w, r)
		})
	}
	return mux
}

func (g *gateway) routes() []route {
	const base = "/v1/tenants/{tenant}"
	return []route{
		{http.MethodGet, base + "/nodes/{node}/exposure", g.getExposure, http.StatusOK},
		{http.MethodGet, base + "/nodes/{node}/findings", g.getFindings, http.StatusOK},
		{http.MethodGet, base + "/nodes/{node}/risk", g.getRisk, http.StatusOK},
		{http.MethodGet, base + "/correlations", g.getMatrix, http.StatusOK},
		{http.MethodGet, base + "/breaches", g.getBreaches, http.StatusOK},
		{http.MethodGet, base + "/breaches/{breach_id}", g.getBreachHistory, http.StatusOK},
		{http.MethodGet, base + "/data-quality", g.getDataQuality, http.StatusOK},
		{http.MethodGet, base + "/exposure-summaries", g.getSummaries, http.StatusOK},
		{http.MethodGet, base + "/status", g.getStatus, http.StatusOK},

		{http.MethodPost, base + "/breaches/{breach_id}/acknowledge", g.acknowledge, http.StatusOK},
		{http.MethodPost, base + "/breaches/{breach_id}/waive", g.waive, http.StatusOK},
		{http.MethodPost, base + "/limits", g.defineLimit, http.StatusCreated},
		{http.MethodPost, base + "/batches/{kind}", g.submitBatch, http.StatusAccepted},
		{http.MethodPost, base + "/nodes/{node}/runs", g.runAggregation, http.StatusOK},
		{http.MethodPost, base + "/correlations/recompute", g.recompute, http.StatusOK},
		{http.MethodPost, base + "/quarantine/release", g.releaseQuarantine, http.StatusOK},
		{http.MethodPost, base + "/securities/merge", g.merge, http.StatusOK},
		{http.MethodPost, base + "/projections/rebuild", g.rebuild, http.StatusOK},
	}
}

func (g *gateway) handle(rt route) runtime.HandlerFunc {
	endpoint := rt.method + " " + rt.pattern
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := g.serve(rt, r, params)
		if g.metrics != nil {
			g.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
			g.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			st := toStatus(err)
			if g.metrics != nil {
				g.metrics.QueryErrors.WithLabelValues(endpoint, codeOf(err).String()).Inc()
			}
			g.log.Debug().Err(err).Str("endpoint", endpoint).Msg("gateway request failed")
			runtime.HTTPError(r.Context(), g.mux, g.marshaler, w, r, st)
			return
		}
		g.write(w, rt.status, resp)
	}
}

func (g *gateway) serve(rt route, r *http.Request, params map[string]string) (any, error) {
	scope, err := httpScope(r, params["tenant"])
	if err != nil {
		return nil, err
	}
	return rt.handler(r, scope, params)
}

func (g *gateway) write(w http.ResponseWriter, code int, resp any) {
	buf, err := g.marshaler.Marshal(resp)
	if err != nil {
		g.log.Error().Err(err).Msg("gateway marshal failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", g.marshaler.ContentType(resp))
	w.WriteHeader(code)
	_, _ = w.Write(buf)
}

// httpScope reads scope headers; the tenant comes from the path and must
// agree with the header when one is sent.
func httpScope(r *http.Request, tenant string) (query.Scope, error) {
	s := scopeFrom(r.Header.Values)
	if s.Tenant != "" && s.Tenant != tenant {
		return query.Scope{}, fmt.Errorf("%w: tenant header %q does not match path", query.ErrPermissionDenied, s.Tenant)
	}
	s.Tenant = tenant
	return s, nil
}

func asOfParam(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("as_of")
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: as_of: %v", query.ErrInvalidArgument, err)
	}
	return t, nil
}

func breachParam(params map[string]string) (uuid.UUID, error) {
	id, err := uuid.Parse(params["breach_id"])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: breach_id: %v", query.ErrInvalidArgument, err)
	}
	return id, nil
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", query.ErrInvalidArgument, err)
	}
	if len(data) > maxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", query.ErrInvalidArgument, maxBodyBytes)
	}
	return data, nil
}

func decodeBody(r *http.Request, v any) error {
	data, err := readBody(r)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", query.ErrInvalidArgument, err)
	}
	return nil
}

// ============================================================================
// Reads
// ============================================================================

func (g *gateway) getExposure(r *http.Request, scope query.Scope, p map[string]string) (any, error) {
	asOf, err := asOfParam(r)
	if err != nil {
		return nil, err
	}
	return g.qs.GetAggregateExposure(r.Context(), scope, hierarchy.NodeID(p["node"]), asOf)
}

func (g *gateway) getFindings(r *http.Request, scope query.Scope, p map[string]string) (any, error) {
	asOf, err := asOfParam(r)
	if err != nil {
		return nil, err
	}
	return g.qs.GetOverlapFindings(r.Context(), scope, hierarchy.NodeID(p["node"]), asOf)
}

func (g *gateway) getRisk(r *http.Request, scope query.Scope, p map[string]string) (any, error) {
	asOf, err := asOfParam(r)
	if err != nil {
		return nil, err
	}
	return g.qs.GetRolledUpRiskMetrics(r.Context(), scope, hierarchy.NodeID(p["node"]), asOf)
}

func (g *gateway) getMatrix(r *http.Request, scope query.Scope, _ map[string]string) (any, error) {
	asOf, err := asOfParam(r)
	if err != nil {
		return nil, err
	}
	q := r.URL.Query()
	var nodes []string
	for _, v := range q["nodes"] {
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				nodes = append(nodes, n)
			}
		}
	}
	lookback := 0
	if v := q.Get("lookback_days"); v != "" {
		if lookback, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("%w: lookback_days: %v", query.ErrInvalidArgument, err)
		}
	}
	typ := q.Get("type")
	if typ == "" {
		typ = "realized"
	}
	return g.qs.GetCorrelationMatrix(r.Context(), scope, typ, nodeIDs(nodes), lookback, asOf)
}

func (g *gateway) getBreaches(r *http.Request, scope query.Scope, _ map[string]string) (any, error) {
	return g.qs.GetActiveBreaches(r.Context(), scope)
}

func (g *gateway) getBreachHistory(r *http.Request, scope query.Scope, p map[string]string) (any, error) {
	id, err := breachParam(p)
	if err != nil {
		return nil, err
	}
	return g.qs.GetBreachHistory(r.Context(), scope, id)
}

func (g *gateway) getDataQuality(r *http.Request, scope query.Scope, _ map[string]string) (any, error) {
	return g.qs.GetDataQuality(r.Context(), scope)
}

func (g *gateway) getSummaries(r *http.Request, scope query.Scope, _ map[string]string) (any, error) {
	return g.qs.GetExposureSummaries(r.Context(), scope)
}

func (g *gateway) getStatus(r *http.Request, scope query.Scope, _ map[string]string) (any, error) {
	return g.qs.GetStatus(r.Context(), scope)
}

// ============================================================================
// Admin
// ============================================================================

func (g *gateway) acknowledge(r *http.Request, scope query.Scope, p map[string]string) (any, error) {
	id, err := breachParam(p)
	if err != nil {
		return nil, err
	}
	return g.qs.AcknowledgeBreach(r.Context(), scope, id)
}

func (g *gateway) waive(r *http.Request, scope query.Scope, p map[string]string) (any, error) {
	id, err := breachParam(p)
	if err != nil {
		return nil, err
	}
	var req WaiveRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return g.qs.WaiveBreach(r.Context(), scope, id, req.Reason, req.Expiry)
}

func (g *gateway) defineLimit(r *http.Request, scope query.Scope, _ map[string]string) (any, error) {
	data, err := readBody(r)
	if err != nil {
		return nil, err
	}
	return g.qs.DefineLimit(r.Context(), scope, data)
}

func (g *gateway) submitBatch(r *http.Request, scope query.Scope, p map[string]string) (any, error) {
	data, err := readBody(r)
	if err != nil {
		return nil, err
	}
	return g.qs.SubmitBatch(r.Context(), scope, p["kind"], data)
}

func (g *gateway) runAggregation(r *http.Request, scope query.Scope, p map[string]string) (any, error) {
	asOf, err := asOfParam(r)
	if err != nil {
		return nil, err
	}
	return g.qs.RunAggregation(r.Context(), scope, hierarchy.NodeID(p["node"]), asOf)
}

func (g *gateway) recompute(r *http.Request, scope query.Scope, _ map[string]string) (any, error) {
	asOf, err := asOfParam(r)
	if err != nil {
		return nil, err
	}
	ms, err := g.qs.RecomputeCorrelations(r.Context(), scope, asOf)
	if err != nil {
		return nil, err
	}
	return &RecomputeResponse{Matrices: ms}, nil
}

func (g *gateway) releaseQuarantine(r *http.Request, scope query.Scope, _ map[string]string) (any, error) {
	n, err := g.qs.ReleaseQuarantine(r.Context(), scope)
	if err != nil {
		return nil, err
	}
	return &ReleaseResponse{Released: n}, nil
}

func (g *gateway) merge(r *http.Request, scope query.Scope, _ map[string]string) (any, error) {
	var req MergeRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := g.qs.MergeSecurities(r.Context(), scope, req.Source, req.Target); err != nil {
		return nil, err
	}
	return &MergeResponse{Source: req.Source, Target: req.Target}, nil
}

func (g *gateway) rebuild(r *http.Request, scope query.Scope, _ map[string]string) (any, error) {
	if err := g.qs.RebuildProjections(r.Context(), scope); err != nil {
		return nil, err
	}
	return &RebuildResponse{Rebuilt: true}, nil
}
