package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"RiskCore/internal/core"
	"RiskCore/internal/correlation"
	"RiskCore/internal/hierarchy"
	"RiskCore/internal/limits"
	"RiskCore/internal/observability"
	"RiskCore/internal/risk"
	"RiskCore/internal/security"
	"RiskCore/internal/state"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RecoveryStats counts what a startup recovery loaded.
type RecoveryStats struct {
	Tenants    int
	Securities int
	Aliases    int
	Nodes      int
	Positions  int
	Limits     int
	Breaches   int
	Matrices   int
	Runs       int
	BatchKeys  int
	Sequence   int64
	Duration   time.Duration
}

// Recovery rebuilds engine state from the riskcore schema on warm start.
// It runs before any subscriber starts, so restored records bypass hooks
// and nothing is re-emitted.
type Recovery struct {
	db      *sql.DB
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewRecovery(db *sql.DB, metrics *observability.Metrics, log zerolog.Logger) *Recovery {
	return &Recovery{db: db, metrics: metrics, log: log.With().Str("component", "recovery").Logger()}
}

// Restore loads, in dependency order: securities and aliases, hierarchy
// nodes, position history, limit versions, breaches with their history,
// correlation matrices, the last run per root, recent batch keys and the
// engine sequence. An empty schema is a cold start and returns zero stats.
func (r *Recovery) Restore(ctx context.Context, e *core.Engine) (RecoveryStats, error) {
	start := time.Now()
	var st RecoveryStats

	steps := []struct {
		name string
		fn   func(context.Context, *core.Engine, *RecoveryStats) error
	}{
		{"securities", r.restoreSecurities},
		{"hierarchy_nodes", r.restoreNodes},
		{"position_history", r.restorePositions},
		{"limits", r.restoreLimits},
		{"breaches", r.restoreBreaches},
		{"correlation_matrices", r.restoreMatrices},
		{"aggregation_runs", r.restoreRuns},
		{"batches", r.restoreBatchKeys},
		{"checkpoints", r.restoreSequence},
	}
	for _, s := range steps {
		if err := s.fn(ctx, e, &st); err != nil {
			return st, fmt.Errorf("restore %s: %w", s.name, err)
		}
	}

	st.Tenants = len(e.Tenants())
	st.Duration = time.Since(start)
	if r.metrics != nil {
		r.metrics.RecoveryDuration.Set(st.Duration.Seconds())
		for table, n := range map[string]int{
			"securities": st.Securities, "security_aliases": st.Aliases, "hierarchy_nodes": st.Nodes,
			"position_history": st.Positions, "limits": st.Limits, "breaches": st.Breaches,
			"correlation_matrices": st.Matrices, "aggregation_runs": st.Runs, "batches": st.BatchKeys,
		} {
			r.metrics.RecoveryRows.WithLabelValues(table).Add(float64(n))
		}
	}
	r.log.Info().
		Int("tenants", st.Tenants).
		Int("securities", st.Securities).
		Int("positions", st.Positions).
		Int("limits", st.Limits).
		Int("breaches", st.Breaches).
		Int("matrices", st.Matrices).
		Int64("sequence", st.Sequence).
		Dur("duration", st.Duration).
		Msg("recovery complete")
	return st, nil
}

func (r *Recovery) restoreSecurities(ctx context.Context, e *core.Engine, st *RecoveryStats) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT security_id, asset_class, currency, name, sector, country, issuer, figi,
		       created_at, enriched_at, merged_into
		FROM riskcore.securities
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var secs []security.Security
	for rows.Next() {
		var (
			s          security.Security
			class      string
			enrichedAt sql.NullTime
			mergedInto uuid.NullUUID
		)
		if err := rows.Scan(&s.ID, &class, &s.Currency, &s.Name, &s.Sector, &s.Country, &s.Issuer, &s.FIGI,
			&s.CreatedAt, &enrichedAt, &mergedInto); err != nil {
			return err
		}
		s.AssetClass = security.ParseAssetClass(class)
		if enrichedAt.Valid {
			s.EnrichedAt = enrichedAt.Time
		}
		if mergedInto.Valid {
			id := mergedInto.UUID
			s.MergedInto = &id
		}
		secs = append(secs, s)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	aliasRows, err := r.db.QueryContext(ctx, `SELECT scheme, value, venue, security_id FROM riskcore.security_aliases`)
	if err != nil {
		return err
	}
	defer aliasRows.Close()

	aliases := make(map[security.Alias]uuid.UUID)
	for aliasRows.Next() {
		var (
			scheme string
			a      security.Alias
			id     uuid.UUID
		)
		if err := aliasRows.Scan(&scheme, &a.Value, &a.Venue, &id); err != nil {
			return err
		}
		a.Scheme = security.ParseScheme(scheme)
		if a.Scheme == security.SchemeUnknown {
			r.log.Warn().Str("scheme", scheme).Str("value", a.Value).Msg("skipping alias with unknown scheme")
			continue
		}
		aliases[a] = id
	}
	if err := aliasRows.Err(); err != nil {
		return err
	}

	e.Master().Restore(secs, aliases)
	st.Securities, st.Aliases = len(secs), len(aliases)
	return nil
}

func (r *Recovery) restoreNodes(ctx context.Context, e *core.Engine, st *RecoveryStats) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant, node_id, level, name, parent
		FROM riskcore.hierarchy_nodes
		WHERE NOT removed
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type tenantNode struct {
		tenant string
		node   hierarchy.Node
	}
	var nodes []tenantNode
	for rows.Next() {
		var (
			tn                tenantNode
			id, level, parent string
		)
		if err := rows.Scan(&tn.tenant, &id, &level, &tn.node.Name, &parent); err != nil {
			return err
		}
		tn.node.ID, tn.node.Level, tn.node.Parent = hierarchy.NodeID(id), hierarchy.ParseLevel(level), hierarchy.NodeID(parent)
		nodes = append(nodes, tn)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	// Parents sit one level up, so inserting level by level always finds them.
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].node.Level < nodes[j].node.Level })
	for _, tn := range nodes {
		if err := e.EnsurePartition(tn.tenant).Tree().AddNode(tn.node); err != nil {
			return fmt.Errorf("tenant %s node %s: %w", tn.tenant, tn.node.ID, err)
		}
	}
	st.Nodes = len(nodes)
	return nil
}

func (r *Recovery) restorePositions(ctx context.Context, e *core.Engine, st *RecoveryStats) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant, book, security_id, as_of, quantity, market_value, currency,
		       attributes, source, content_hash, recorded_at
		FROM riskcore.position_history
		ORDER BY tenant, book, security_id, version, recorded_at
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tenant, book  string
			p             state.Position
			qty, mv       string
			attrs, digest []byte
		)
		if err := rows.Scan(&tenant, &book, &p.Security, &p.AsOf, &qty, &mv, &p.Currency,
			&attrs, &p.Source, &digest, &p.RecordedAt); err != nil {
			return err
		}
		p.Book = hierarchy.NodeID(book)
		if p.Quantity, err = decimal.NewFromString(qty); err != nil {
			return fmt.Errorf("quantity %q: %w", qty, err)
		}
		if p.MarketValue, err = decimal.NewFromString(mv); err != nil {
			return fmt.Errorf("market value %q: %w", mv, err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
				return fmt.Errorf("attributes: %w", err)
			}
		}
		copy(p.Hash[:], digest)
		p.AsOf, p.RecordedAt = p.AsOf.UTC(), p.RecordedAt.UTC()

		e.EnsurePartition(tenant).Store().Restore(p)
		st.Positions++
	}
	return rows.Err()
}

func (r *Recovery) restoreLimits(ctx context.Context, e *core.Engine, st *RecoveryStats) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT limit_id, version, tenant, node, asset_class, sector, security_id, measure, risk_metric,
		       direction, threshold, warning, window_start, window_end, effective_from, effective_to,
		       author, created_at
		FROM riskcore.limits
		ORDER BY limit_id, version
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l                          limits.Limit
			tenant, node               string
			measure, metric, direction string
			securityID                 uuid.NullUUID
			warning                    sql.NullFloat64
			windowStart, windowEnd     sql.NullInt32
			effectiveTo                sql.NullTime
		)
		if err := rows.Scan(&l.ID, &l.Version, &tenant, &node, &l.AssetClass, &l.Sector, &securityID,
			&measure, &metric, &direction, &l.Threshold, &warning, &windowStart, &windowEnd,
			&l.EffectiveFrom, &effectiveTo, &l.Author, &l.CreatedAt); err != nil {
			return err
		}
		l.Node = hierarchy.NodeID(node)
		if l.Measure, err = limits.ParseMeasure(measure); err != nil {
			return fmt.Errorf("limit %s: %w", l.ID, err)
		}
		if l.Measure == limits.MeasureRisk {
			if l.RiskMetric, err = risk.ParseMetricKind(metric); err != nil {
				return fmt.Errorf("limit %s: %w", l.ID, err)
			}
		}
		l.Direction = limits.ParseDirection(direction)
		if securityID.Valid {
			l.Security = securityID.UUID
		}
		if warning.Valid {
			w := warning.Float64
			l.Warning = &w
		}
		if windowStart.Valid && windowEnd.Valid {
			l.Window = &limits.ActiveWindow{StartMinute: int(windowStart.Int32), EndMinute: int(windowEnd.Int32)}
		}
		if effectiveTo.Valid {
			t := effectiveTo.Time.UTC()
			l.EffectiveTo = &t
		}
		l.EffectiveFrom = l.EffectiveFrom.UTC()

		e.EnsurePartition(tenant).LimitBook().Restore(l)
		st.Limits++
	}
	return rows.Err()
}

func (r *Recovery) restoreBreaches(ctx context.Context, e *core.Engine, st *RecoveryStats) error {
	history := make(map[uuid.UUID][]limits.HistoryEntry)
	hrows, err := r.db.QueryContext(ctx, `
		SELECT breach_id, seq, at, from_state, to_state, actual, actor, note
		FROM riskcore.breach_history
		ORDER BY breach_id, seq
	`)
	if err != nil {
		return err
	}
	defer hrows.Close()
	for hrows.Next() {
		var (
			h        limits.HistoryEntry
			from, to string
		)
		if err := hrows.Scan(&h.BreachID, &h.Seq, &h.At, &from, &to, &h.Actual, &h.Actor, &h.Note); err != nil {
			return err
		}
		h.From, h.To = limits.ParseBreachState(from), limits.ParseBreachState(to)
		history[h.BreachID] = append(history[h.BreachID], h)
	}
	if err := hrows.Err(); err != nil {
		return err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT breach_id, tenant, limit_id, limit_version, node, opened_at, threshold, actual,
		       severity, state, updated_at, acknowledged_by, acknowledged_at, waived_by,
		       waiver_reason, waiver_expiry, resolved_at
		FROM riskcore.breaches
		ORDER BY opened_at
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			b                                   limits.Breach
			tenant, node, severity, breachState string
			ackAt, waiverExpiry, resolvedAt     sql.NullTime
		)
		if err := rows.Scan(&b.ID, &tenant, &b.LimitID, &b.LimitVersion, &node, &b.OpenedAt, &b.Threshold,
			&b.Actual, &severity, &breachState, &b.UpdatedAt, &b.AcknowledgedBy, &ackAt, &b.WaivedBy,
			&b.WaiverReason, &waiverExpiry, &resolvedAt); err != nil {
			return err
		}
		b.Node = hierarchy.NodeID(node)
		b.Severity = limits.ParseSeverity(severity)
		b.State = limits.ParseBreachState(breachState)
		b.AcknowledgedAt = nullTime(ackAt)
		b.WaiverExpiry = nullTime(waiverExpiry)
		b.ResolvedAt = nullTime(resolvedAt)

		e.EnsurePartition(tenant).Monitor().Restore(b, history[b.ID])
		st.Breaches++
	}
	return rows.Err()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

var cellStatuses = map[string]correlation.CellStatus{
	correlation.CellOk.String():               correlation.CellOk,
	correlation.CellInsufficientData.String(): correlation.CellInsufficientData,
	correlation.CellUndefined.String():        correlation.CellUndefined,
}

func (r *Recovery) restoreMatrices(ctx context.Context, e *core.Engine, st *RecoveryStats) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT matrix_id, tenant, matrix_type, lookback_days, as_of, nodes, cells, shrinkage, computed_at
		FROM riskcore.correlation_matrices
		ORDER BY computed_at
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id               uuid.UUID
			tenant, typ      string
			lookback         int
			asOf, computedAt time.Time
			nodeIDs          []string
			raw              []byte
			shrinkage        float64
		)
		if err := rows.Scan(&id, &tenant, &typ, &lookback, &asOf, pq.Array(&nodeIDs), &raw, &shrinkage, &computedAt); err != nil {
			return err
		}
		mt, err := correlation.ParseMatrixType(typ)
		if err != nil {
			return fmt.Errorf("matrix %s: %w", id, err)
		}
		var stored [][]cellJSON
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("matrix %s cells: %w", id, err)
		}
		if len(stored) != len(nodeIDs) {
			return fmt.Errorf("matrix %s: %d rows for %d nodes", id, len(stored), len(nodeIDs))
		}

		nodes := make([]hierarchy.NodeID, len(nodeIDs))
		for i, n := range nodeIDs {
			nodes[i] = hierarchy.NodeID(n)
		}
		cells := make([][]correlation.Cell, len(stored))
		for i, row := range stored {
			cells[i] = make([]correlation.Cell, len(row))
			for j, c := range row {
				cells[i][j] = correlation.Cell{Value: c.Value, Status: cellStatuses[c.Status], Observations: c.Observations}
			}
		}

		m := correlation.Restore(id, mt, lookback, asOf.UTC(), computedAt.UTC(), nodes, cells, shrinkage)
		e.EnsurePartition(tenant).Correlations().Restore(m)
		st.Matrices++
	}
	return rows.Err()
}

func (r *Recovery) restoreRuns(ctx context.Context, e *core.Engine, st *RecoveryStats) error {
	// Only the latest run per root matters: it carries the digest tip and
	// the findings already announced.
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (tenant, node) tenant, node, digest, finding_keys, sequence
		FROM riskcore.aggregation_runs
		ORDER BY tenant, node, sequence DESC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type latest struct {
		tenant, node string
		digest       []byte
		keys         []string
		sequence     int64
	}
	var runs []latest
	for rows.Next() {
		var l latest
		if err := rows.Scan(&l.tenant, &l.node, &l.digest, pq.Array(&l.keys), &l.sequence); err != nil {
			return err
		}
		runs = append(runs, l)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	// Roots of one tenant share a digest chain; the newest run sets the tip.
	sort.Slice(runs, func(i, j int) bool { return runs[i].sequence < runs[j].sequence })
	for _, l := range runs {
		var tip [32]byte
		copy(tip[:], l.digest)
		e.EnsurePartition(l.tenant).RestoreRun(hierarchy.NodeID(l.node), tip, l.keys)
		st.Runs++
	}
	return nil
}

func (r *Recovery) restoreBatchKeys(ctx context.Context, e *core.Engine, st *RecoveryStats) error {
	keys, err := NewPostgresIdempotencyChecker(r.db).RecentKeys(ctx, e.Config().DedupCapacity)
	if err != nil {
		return err
	}
	e.Dedup().Warm(keys)
	st.BatchKeys = len(keys)
	return nil
}

func (r *Recovery) restoreSequence(ctx context.Context, e *core.Engine, st *RecoveryStats) error {
	var seq int64
	err := r.db.QueryRowContext(ctx, `SELECT sequence FROM riskcore.checkpoints WHERE name = 'engine'`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	e.RestoreSequence(seq)
	st.Sequence = seq
	return nil
}
