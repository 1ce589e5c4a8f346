package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"RiskCore/internal/aggregation"
	"RiskCore/internal/event"
	"RiskCore/internal/hierarchy"
	"RiskCore/internal/limits"
	"RiskCore/internal/risk"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LimitEvaluation is one limit measured during a run.
type LimitEvaluation struct {
	Limit  limits.Limit
	Value  float64
	Stale  bool
	Result limits.Result

	// Missing lists books under the limit's node that never reported the
	// limit's risk metric. They count as zero in Value.
	Missing []hierarchy.NodeID
}

// RunResult is everything one aggregation run computed at a fixed as-of.
// A result is published whole or not at all.
type RunResult struct {
	ID      uuid.UUID
	Tenant  string
	Node    hierarchy.NodeID
	AsOf    time.Time
	Attempt int

	StartedAt  time.Time
	FinishedAt time.Time

	Exposures   map[hierarchy.NodeID]*aggregation.AggregateExposure
	Findings    []aggregation.OverlapFinding
	NewFindings []aggregation.OverlapFinding
	Metrics     map[hierarchy.NodeID][]risk.RolledUpMetric
	Evaluations []LimitEvaluation

	// Digest chains this result onto the previous published run of the
	// tenant; see RunHasher.
	Digest [32]byte
}

// Metric returns the rolled-up metric of kind at node, if computed.
func (r *RunResult) Metric(node hierarchy.NodeID, kind risk.MetricKind) (risk.RolledUpMetric, bool) {
	for _, m := range r.Metrics[node] {
		if m.Kind == kind {
			return m, true
		}
	}
	return risk.RolledUpMetric{}, false
}

// FindingsAt returns the findings detected at node.
func (r *RunResult) FindingsAt(node hierarchy.NodeID) []aggregation.OverlapFinding {
	var out []aggregation.OverlapFinding
	for _, f := range r.Findings {
		if f.Node == node {
			out = append(out, f)
		}
	}
	return out
}

// subtree lists root and every node below it, breadth first.
func subtree(tree *hierarchy.Tree, root hierarchy.NodeID) ([]hierarchy.Node, error) {
	var out []hierarchy.Node
	queue := []hierarchy.NodeID{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n, err := tree.Node(id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
		queue = append(queue, tree.Children(id)...)
	}
	return out, nil
}

// compute is the side-effect free part of a run. It reads one consistent
// snapshot at asOf and aborts as soon as ctx is cancelled.
func (p *Partition) compute(ctx context.Context, root hierarchy.NodeID, asOf time.Time, attempt int) (*RunResult, error) {
	nodes, err := subtree(p.tree, root)
	if err != nil {
		return nil, err
	}
	res := &RunResult{
		ID:        uuid.New(),
		Tenant:    p.tenant,
		Node:      root,
		AsOf:      asOf,
		Attempt:   attempt,
		StartedAt: p.now(),
		Exposures: make(map[hierarchy.NodeID]*aggregation.AggregateExposure, len(nodes)),
		Metrics:   make(map[hierarchy.NodeID][]risk.RolledUpMetric, len(nodes)),
	}

	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exp, err := p.agg.Rollup(n.ID, asOf)
		if err != nil {
			return nil, fmt.Errorf("rollup %s: %w", n.ID, err)
		}
		res.Exposures[n.ID] = exp
		if n.Level != hierarchy.LevelBook {
			res.Findings = append(res.Findings, p.detector.FromExposure(exp)...)
		}
		ms, err := p.roller.RollupAll(n.ID, asOf)
		if err != nil {
			return nil, fmt.Errorf("risk rollup %s: %w", n.ID, err)
		}
		res.Metrics[n.ID] = ms
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, l := range p.limitBook.ActiveAt(asOf) {
		if _, ok := res.Exposures[l.Node]; !ok {
			continue
		}
		v, stale, missing := measureValue(l, res)
		res.Evaluations = append(res.Evaluations, LimitEvaluation{Limit: l, Value: v, Stale: stale, Missing: missing})
	}
	return res, nil
}

// measureValue reads a limit's measure from a computed run. Only books
// whose metric aged out make a risk measure stale; books that never
// reported are returned as missing and contribute zero. A risk metric
// that no book reported is stale.
func measureValue(l limits.Limit, res *RunResult) (float64, bool, []hierarchy.NodeID) {
	if l.Measure == limits.MeasureRisk {
		m, ok := res.Metric(l.Node, l.RiskMetric)
		if !ok {
			return 0, true, nil
		}
		return m.Value, len(m.StaleBooks) > 0, m.MissingBooks
	}

	exp := res.Exposures[l.Node]
	if !l.Filtered() {
		switch l.Measure {
		case limits.MeasureNetMarketValue:
			return exp.NetMarketValue.InexactFloat64(), false, nil
		case limits.MeasureGrossMarketValue:
			return exp.GrossMarketValue.InexactFloat64(), false, nil
		}
	}

	var sum decimal.Decimal
	for _, se := range exp.Securities {
		if !matches(l, se) {
			continue
		}
		switch l.Measure {
		case limits.MeasureNetMarketValue:
			sum = sum.Add(se.NetMarketValue)
		case limits.MeasureGrossMarketValue:
			sum = sum.Add(se.GrossMarketValue)
		case limits.MeasureNetQuantity:
			sum = sum.Add(se.NetQuantity)
		case limits.MeasureGrossQuantity:
			sum = sum.Add(se.GrossQuantity)
		}
	}
	return sum.InexactFloat64(), false, nil
}

func matches(l limits.Limit, se aggregation.SecurityExposure) bool {
	if l.AssetClass != "" && se.AssetClass.String() != l.AssetClass {
		return false
	}
	if l.Sector != "" && !strings.EqualFold(se.Sector, l.Sector) {
		return false
	}
	if l.Security != uuid.Nil && se.Security != l.Security {
		return false
	}
	return true
}

// publish applies a computed result: evaluates limits, diffs findings
// against the previous run and emits the output. A run whose context was
// cancelled before publication is discarded.
func (p *Partition) publish(ctx context.Context, res *RunResult) error {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	var notes []event.Notification
	var items []DataQualityItem
	for i := range res.Evaluations {
		ev := &res.Evaluations[i]
		r, err := p.monitor.Evaluate(ev.Limit, ev.Value, res.AsOf, ev.Stale)
		if err != nil {
			return fmt.Errorf("evaluate limit %s: %w", ev.Limit.ID, err)
		}
		ev.Result = r
		if it, ok := p.limitIssue(ev); ok {
			items = append(items, it)
		}
		if w := r.Warning; w != nil {
			if p.metrics != nil {
				p.metrics.BreachWarnings.Inc()
			}
			notes = append(notes, &event.BreachWarning{
				TenantID:  p.tenant,
				RunID:     res.ID,
				LimitID:   w.LimitID,
				Node:      string(w.Node),
				Value:     w.Value,
				Threshold: w.Threshold,
				At:        w.At,
			})
		}
	}

	prev := p.lastFindings[res.Node]
	next := make(map[string]struct{}, len(res.Findings))
	for _, f := range res.Findings {
		next[f.Key()] = struct{}{}
		if _, seen := prev[f.Key()]; seen {
			continue
		}
		res.NewFindings = append(res.NewFindings, f)
		notes = append(notes, findingNotification(p.tenant, res.ID, f))
		if p.metrics != nil {
			for _, t := range f.Triggers {
				p.metrics.FindingsDetected.WithLabelValues(t.String()).Inc()
			}
		}
	}
	p.lastFindings[res.Node] = next

	res.FinishedAt = p.now()
	res.Digest = p.hasher.Chain(res)
	p.latestMu.Lock()
	p.latest[res.Node] = res
	p.latestMu.Unlock()

	notes = append(notes, &event.AggregationCompleted{
		TenantID:    p.tenant,
		RunID:       res.ID,
		Node:        string(res.Node),
		AsOf:        res.AsOf,
		Attempt:     res.Attempt,
		Findings:    len(res.Findings),
		NewFindings: len(res.NewFindings),
		Metrics:     countMetrics(res),
		Evaluations: len(res.Evaluations),
		Duration:    res.FinishedAt.Sub(res.StartedAt),
	})
	p.emit(Output{Run: res, DataQuality: items}, notes...)

	if p.metrics != nil {
		p.metrics.ActiveBreaches.WithLabelValues(p.tenant).Set(float64(len(p.monitor.ActiveBreaches())))
	}
	p.agg.Prune(res.AsOf)
	return nil
}

// limitIssue raises a data-quality item when an evaluation was suppressed
// or ran on incomplete inputs. An item is raised once per limit until its
// condition changes. Callers hold publishMu.
func (p *Partition) limitIssue(ev *LimitEvaluation) (DataQualityItem, bool) {
	var (
		kind   IssueKind
		code   string
		detail string
	)
	switch {
	case ev.Result.Suppressed:
		kind, code = IssueLimitSuppressed, "LIMIT_SUPPRESSED"
		detail = fmt.Sprintf("limit %s on %s not evaluated: stale %s", ev.Limit.ID, ev.Limit.Node, ev.Limit.RiskMetric)
	case len(ev.Missing) > 0:
		kind, code = IssueMetricMissing, "METRIC_MISSING"
		detail = fmt.Sprintf("limit %s on %s evaluated without %s from %s", ev.Limit.ID, ev.Limit.Node, ev.Limit.RiskMetric, joinNodes(ev.Missing))
	default:
		delete(p.limitIssues, ev.Limit.ID)
		return DataQualityItem{}, false
	}
	if p.limitIssues[ev.Limit.ID] == detail {
		return DataQualityItem{}, false
	}
	p.limitIssues[ev.Limit.ID] = detail
	var book hierarchy.NodeID
	if len(ev.Missing) == 1 {
		book = ev.Missing[0]
	}
	return p.raise(kind, book, code, detail, uuid.Nil), true
}

func joinNodes(ids []hierarchy.NodeID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ",")
}

func countMetrics(res *RunResult) int {
	n := 0
	for _, ms := range res.Metrics {
		n += len(ms)
	}
	return n
}

func findingNotification(tenant string, run uuid.UUID, f aggregation.OverlapFinding) *event.OverlapFindingDetected {
	books := make([]string, len(f.Books))
	for i, b := range f.Books {
		books[i] = string(b.Book)
	}
	triggers := make([]string, len(f.Triggers))
	for i, t := range f.Triggers {
		triggers[i] = t.String()
	}
	return &event.OverlapFindingDetected{
		TenantID:         tenant,
		RunID:            run,
		Node:             string(f.Node),
		Level:            f.Level.String(),
		SecurityID:       f.Security,
		AsOf:             f.AsOf,
		Books:            books,
		NetQuantity:      f.NetQuantity,
		GrossQuantity:    f.GrossQuantity,
		NetMarketValue:   f.NetMarketValue,
		GrossMarketValue: f.GrossMarketValue,
		Basis:            f.Basis.String(),
		OffsetRatio:      f.OffsetRatio,
		Triggers:         triggers,
	}
}
