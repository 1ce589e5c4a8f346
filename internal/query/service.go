package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"RiskCore/internal/core"
	"RiskCore/internal/correlation"
	"RiskCore/internal/hierarchy"
	"RiskCore/internal/ingestion"
	"RiskCore/internal/projection"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueryService is the read and admin surface of the engine. Live views are
// computed from the engine at a fixed as-of; dashboard reads come from the
// projection tables. Every call is checked by the Interceptor first and
// every response carries the engine sequence it reflects.
type QueryService struct {
	engine     *core.Engine
	dispatcher *ingestion.Dispatcher
	auth       *Interceptor
	db         *sql.DB // nil disables projection reads
	now        func() time.Time
	log        zerolog.Logger
}

func NewQueryService(engine *core.Engine, dispatcher *ingestion.Dispatcher, db *sql.DB, log zerolog.Logger) *QueryService {
	return &QueryService{
		engine:     engine,
		dispatcher: dispatcher,
		auth:       NewInterceptor(engine),
		db:         db,
		now:        time.Now,
		log:        log.With().Str("component", "query").Logger(),
	}
}

// SetClock replaces the clock used for defaulted as-of times.
func (qs *QueryService) SetClock(now func() time.Time) { qs.now = now }

func (qs *QueryService) Interceptor() *Interceptor { return qs.auth }

func (qs *QueryService) asOf(t time.Time) time.Time {
	if t.IsZero() {
		return qs.now().UTC()
	}
	return t.UTC()
}

// ===========================================================================
// Reads
// ===========================================================================

// GetAggregateExposure returns the consolidated exposure of node at asOf.
// A zero asOf means now.
func (qs *QueryService) GetAggregateExposure(ctx context.Context, scope Scope, node hierarchy.NodeID, asOf time.Time) (*ExposureResponse, error) {
	p, err := qs.auth.Authorize(scope, ActionRead, node)
	if err != nil {
		return nil, err
	}
	seq := qs.engine.Sequence()
	exp, err := p.Aggregator().Rollup(node, qs.asOf(asOf))
	if err != nil {
		return nil, fmt.Errorf("rollup %s: %w", node, err)
	}
	return toExposure(exp, seq), nil
}

// GetOverlapFindings returns the findings at node and every aggregate node
// below it.
func (qs *QueryService) GetOverlapFindings(ctx context.Context, scope Scope, node hierarchy.NodeID, asOf time.Time) (*OverlapFindingsResponse, error) {
	p, err := qs.auth.Authorize(scope, ActionRead, node)
	if err != nil {
		return nil, err
	}
	seq := qs.engine.Sequence()
	at := qs.asOf(asOf)
	fs, err := p.Detector().DetectTree(node, at)
	if err != nil {
		return nil, fmt.Errorf("detect %s: %w", node, err)
	}
	resp := &OverlapFindingsResponse{
		Node:         string(node),
		AsOf:         at,
		Findings:     make([]OverlapFindingResponse, len(fs)),
		AsOfSequence: seq,
	}
	for i, f := range fs {
		resp.Findings[i] = toFinding(f)
	}
	return resp, nil
}

func (qs *QueryService) GetRolledUpRiskMetrics(ctx context.Context, scope Scope, node hierarchy.NodeID, asOf time.Time) (*RiskMetricsResponse, error) {
	p, err := qs.auth.Authorize(scope, ActionRead, node)
	if err != nil {
		return nil, err
	}
	seq := qs.engine.Sequence()
	at := qs.asOf(asOf)
	ms, err := p.Roller().RollupAll(node, at)
	if err != nil {
		return nil, fmt.Errorf("risk rollup %s: %w", node, err)
	}
	resp := &RiskMetricsResponse{
		Node:         string(node),
		AsOf:         at,
		Metrics:      make([]RolledUpMetricResponse, len(ms)),
		AsOfSequence: seq,
	}
	for i, m := range ms {
		resp.Metrics[i] = toMetric(m)
	}
	return resp, nil
}

// GetCorrelationMatrix returns the latest matrix of the given type over
// nodes, computing it when none exists. lookback 0 uses the configured
// default.
func (qs *QueryService) GetCorrelationMatrix(ctx context.Context, scope Scope, matrixType string, nodes []hierarchy.NodeID, lookback int, asOf time.Time) (*CorrelationMatrixResponse, error) {
	t, err := correlation.ParseMatrixType(matrixType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: empty node set", ErrInvalidArgument)
	}
	if lookback < 0 {
		return nil, fmt.Errorf("%w: negative lookback", ErrInvalidArgument)
	}
	if lookback == 0 {
		lookback = qs.engine.Config().Correlation.LookbackDays
	}
	p, err := qs.auth.Authorize(scope, ActionRead, nodes...)
	if err != nil {
		return nil, err
	}
	m, err := p.CorrelationMatrix(ctx, t, nodes, lookback, qs.asOf(asOf))
	if err != nil {
		return nil, fmt.Errorf("correlation matrix: %w", err)
	}
	return toMatrix(m), nil
}

// GetActiveBreaches lists the tenant's non-resolved breaches visible to
// the scope, oldest first.
func (qs *QueryService) GetActiveBreaches(ctx context.Context, scope Scope) (*BreachesResponse, error) {
	p, err := qs.auth.Authorize(scope, ActionRead)
	if err != nil {
		return nil, err
	}
	seq := qs.engine.Sequence()
	resp := &BreachesResponse{Tenant: scope.Tenant, Breaches: []BreachResponse{}, AsOfSequence: seq}
	for _, b := range p.Monitor().ActiveBreaches() {
		if Visible(p, scope, b.Node) {
			resp.Breaches = append(resp.Breaches, toBreach(b))
		}
	}
	sortBreaches(resp.Breaches)
	return resp, nil
}

func (qs *QueryService) GetBreachHistory(ctx context.Context, scope Scope, id uuid.UUID) (*BreachHistoryResponse, error) {
	p, err := qs.auth.Authorize(scope, ActionRead)
	if err != nil {
		return nil, err
	}
	b, err := p.Monitor().Breach(id)
	if err != nil {
		return nil, err
	}
	if !Visible(p, scope, b.Node) {
		return nil, fmt.Errorf("%w: breach %s", ErrPermissionDenied, id)
	}
	return &BreachHistoryResponse{
		Breach:  toBreach(b),
		History: toHistory(p.Monitor().History(id)),
	}, nil
}

// GetDataQuality reports quarantined records and recent issues. Counts are
// tenant-wide; records and items are filtered to the scope.
func (qs *QueryService) GetDataQuality(ctx context.Context, scope Scope) (*DataQualityResponse, error) {
	p, err := qs.auth.Authorize(scope, ActionRead)
	if err != nil {
		return nil, err
	}
	seq := qs.engine.Sequence()
	rep := p.DataQuality()

	resp := &DataQualityResponse{
		Tenant:       scope.Tenant,
		Quarantined:  []QuarantinedRecordResponse{},
		Items:        []DataQualityItemResponse{},
		Counts:       rep.Counts,
		AsOfSequence: seq,
	}
	for _, r := range rep.Quarantined {
		if !scope.TenantWide() && !Visible(p, scope, r.Book) {
			continue
		}
		ids := make([]string, len(r.Identifiers))
		for i, id := range r.Identifiers {
			ids[i] = id.String()
		}
		resp.Quarantined = append(resp.Quarantined, QuarantinedRecordResponse{
			RecordID:    r.ID,
			Book:        string(r.Book),
			Identifiers: ids,
			Reason:      r.Reason.String(),
			Detail:      r.Detail,
			ReceivedAt:  r.ReceivedAt,
			Attempts:    r.Attempts,
		})
	}
	for _, it := range rep.Items {
		if !scope.TenantWide() && (it.Book == "" || !Visible(p, scope, it.Book)) {
			continue
		}
		item := DataQualityItemResponse{
			ItemID: it.ID,
			Kind:   it.Kind.String(),
			Book:   string(it.Book),
			Code:   it.Code,
			Detail: it.Detail,
			At:     it.At,
		}
		if it.RecordID != uuid.Nil {
			id := it.RecordID
			item.RecordID = &id
		}
		resp.Items = append(resp.Items, item)
	}
	return resp, nil
}

// GetExposureSummaries reads the dashboard projection. It may trail the
// engine; ProjectionSequence tells by how much.
func (qs *QueryService) GetExposureSummaries(ctx context.Context, scope Scope) (*ExposureSummariesResponse, error) {
	p, err := qs.auth.Authorize(scope, ActionRead)
	if err != nil {
		return nil, err
	}
	if qs.db == nil {
		return nil, ErrUnavailable
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT node, level, as_of, base_currency, net_market_value, gross_market_value,
		       long_market_value, short_market_value, securities, positions, run_id
		FROM projections.exposure_summaries
		WHERE tenant = $1
		ORDER BY node
	`, scope.Tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &ExposureSummariesResponse{Tenant: scope.Tenant, Summaries: []ExposureSummary{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var s ExposureSummary
		if err := rows.Scan(
			&s.Node, &s.Level, &s.AsOf, &s.BaseCurrency, &s.NetMarketValue, &s.GrossMarketValue,
			&s.LongMarketValue, &s.ShortMarketValue, &s.Securities, &s.Positions, &s.RunID,
		); err != nil {
			return nil, err
		}
		if Visible(p, scope, hierarchy.NodeID(s.Node)) {
			resp.Summaries = append(resp.Summaries, s)
		}
	}
	return resp, rows.Err()
}

func (qs *QueryService) GetStatus(ctx context.Context, scope Scope) (*StatusResponse, error) {
	p, err := qs.auth.Authorize(scope, ActionRead)
	if err != nil {
		return nil, err
	}
	resp := &StatusResponse{
		Tenant:         scope.Tenant,
		EngineSequence: qs.engine.Sequence(),
		Nodes:          len(p.Tree().Nodes(hierarchy.LevelUnknown)),
		ActiveBreaches: len(p.Monitor().ActiveBreaches()),
		Quarantined:    p.Quarantine().Len(),
	}
	if qs.db != nil {
		wm, err := qs.getWatermark(ctx)
		if err != nil {
			return nil, fmt.Errorf("watermark: %w", err)
		}
		resp.ProjectionSequence = wm
		resp.ProjectionLag = resp.EngineSequence - wm
	}
	return resp, nil
}

// ===========================================================================
// Admin
// ===========================================================================

func (qs *QueryService) AcknowledgeBreach(ctx context.Context, scope Scope, id uuid.UUID) (*BreachResponse, error) {
	if err := qs.authorizeBreach(scope, id); err != nil {
		return nil, err
	}
	b, err := qs.engine.AcknowledgeBreach(scope.Tenant, id, scope.Actor)
	if err != nil {
		return nil, err
	}
	qs.audit(scope, "acknowledge_breach").Str("breach_id", id.String()).Msg("breach acknowledged")
	resp := toBreach(b)
	return &resp, nil
}

func (qs *QueryService) WaiveBreach(ctx context.Context, scope Scope, id uuid.UUID, reason string, expiry time.Time) (*BreachResponse, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: waiver reason required", ErrInvalidArgument)
	}
	if err := qs.authorizeBreach(scope, id); err != nil {
		return nil, err
	}
	b, err := qs.engine.WaiveBreach(scope.Tenant, id, scope.Actor, reason, expiry.UTC())
	if err != nil {
		return nil, err
	}
	qs.audit(scope, "waive_breach").
		Str("breach_id", id.String()).
		Time("expiry", expiry).
		Msg("breach waived")
	resp := toBreach(b)
	return &resp, nil
}

func (qs *QueryService) authorizeBreach(scope Scope, id uuid.UUID) error {
	p, err := qs.auth.Authorize(scope, ActionAdmin)
	if err != nil {
		return err
	}
	b, err := p.Monitor().Breach(id)
	if err != nil {
		return err
	}
	if !Visible(p, scope, b.Node) {
		return fmt.Errorf("%w: breach %s", ErrPermissionDenied, id)
	}
	return nil
}

// DefineLimit decodes one limit in the wire format and defines or
// supersedes it. The author defaults to the scope's actor.
func (qs *QueryService) DefineLimit(ctx context.Context, scope Scope, data []byte) (*LimitResponse, error) {
	rec, err := ingestion.ParseLimit(data)
	if err != nil {
		return nil, err
	}
	if rec.Limit.Author == "" {
		rec.Limit.Author = scope.Actor
	}
	if _, err := qs.auth.Authorize(scope, ActionAdmin, rec.Limit.Node); err != nil {
		return nil, err
	}
	l, err := qs.engine.DefineLimit(scope.Tenant, rec)
	if err != nil {
		return nil, err
	}
	qs.audit(scope, "define_limit").
		Str("limit_id", l.ID.String()).
		Int("version", l.Version).
		Msg("limit defined")
	return toLimit(l), nil
}

// MergeSecurities folds source into target. The security master is shared
// by every tenant, so this needs an unrestricted admin scope.
func (qs *QueryService) MergeSecurities(ctx context.Context, scope Scope, source, target uuid.UUID) error {
	if err := qs.auth.Check(scope, ActionTenantAdmin); err != nil {
		return err
	}
	if err := qs.engine.MergeSecurities(source, target); err != nil {
		return err
	}
	qs.audit(scope, "merge_securities").
		Str("source", source.String()).
		Str("target", target.String()).
		Msg("securities merged")
	return nil
}

func (qs *QueryService) ReleaseQuarantine(ctx context.Context, scope Scope) (int, error) {
	if _, err := qs.auth.Authorize(scope, ActionTenantAdmin); err != nil {
		return 0, err
	}
	n, err := qs.engine.ReleaseQuarantine(ctx, scope.Tenant)
	if err != nil {
		return 0, err
	}
	qs.audit(scope, "release_quarantine").Int("released", n).Msg("quarantine released")
	return n, nil
}

// SubmitBatch applies a raw batch of kind for the scope's tenant, the
// same way a NATS delivery would.
func (qs *QueryService) SubmitBatch(ctx context.Context, scope Scope, kind string, data []byte) (*IngestResponse, error) {
	if err := qs.auth.Check(scope, ActionTenantAdmin); err != nil {
		return nil, err
	}
	if qs.dispatcher == nil {
		return nil, ErrUnavailable
	}
	rep, err := qs.dispatcher.Apply(ctx, kind, scope.Tenant, data)
	if err != nil {
		return nil, err
	}
	return toIngest(rep), nil
}

// RunAggregation runs and publishes one aggregation synchronously.
func (qs *QueryService) RunAggregation(ctx context.Context, scope Scope, node hierarchy.NodeID, asOf time.Time) (*RunResponse, error) {
	if _, err := qs.auth.Authorize(scope, ActionAdmin, node); err != nil {
		return nil, err
	}
	res, err := qs.engine.RunAggregation(ctx, scope.Tenant, node, qs.asOf(asOf))
	if err != nil {
		return nil, err
	}
	return toRun(res), nil
}

func (qs *QueryService) RecomputeCorrelations(ctx context.Context, scope Scope, asOf time.Time) ([]*CorrelationMatrixResponse, error) {
	if _, err := qs.auth.Authorize(scope, ActionTenantAdmin); err != nil {
		return nil, err
	}
	ms, err := qs.engine.RecomputeCorrelations(ctx, scope.Tenant, qs.asOf(asOf))
	out := make([]*CorrelationMatrixResponse, 0, len(ms))
	for _, m := range ms {
		out = append(out, toMatrix(m))
	}
	return out, err
}

// RebuildProjections refills the caller's tenant's projection rows from
// history.
func (qs *QueryService) RebuildProjections(ctx context.Context, scope Scope) error {
	if err := qs.auth.Check(scope, ActionTenantAdmin); err != nil {
		return err
	}
	if qs.db == nil {
		return ErrUnavailable
	}
	qs.audit(scope, "rebuild_projections").Msg("projection rebuild requested")
	return projection.RebuildProjections(ctx, qs.db, scope.Tenant, qs.log)
}

func (qs *QueryService) audit(scope Scope, action string) *zerolog.Event {
	return qs.log.Info().
		Str("action", action).
		Str("tenant", scope.Tenant).
		Str("actor", scope.Actor)
}

// ===========================================================================
// Helpers
// ===========================================================================

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx,
		"SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'",
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
