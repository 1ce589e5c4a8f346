package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres caps bind parameters per statement at 65535.
const maxParams = 65535

// HistoryWriter writes converted outputs into the riskcore schema using
// multi-row INSERTs inside the caller's transaction. History tables are
// append-only and conflict-free on replay; mutable records (securities,
// aliases, breaches, limit versions, hierarchy nodes) are upserted.
type HistoryWriter struct {
	db *sql.DB
}

func NewHistoryWriter(db *sql.DB) *HistoryWriter {
	return &HistoryWriter{db: db}
}

func (w *HistoryWriter) DB() *sql.DB { return w.db }

// table describes one multi-row INSERT target.
type table struct {
	name     string
	columns  []string
	conflict string
}

var (
	nodesTable = table{
		name:    "riskcore.hierarchy_nodes",
		columns: []string{"tenant", "node_id", "level", "name", "parent", "removed", "sequence"},
		conflict: `ON CONFLICT (tenant, node_id) DO UPDATE SET
			level = EXCLUDED.level, name = EXCLUDED.name, parent = EXCLUDED.parent,
			removed = EXCLUDED.removed, sequence = EXCLUDED.sequence
			WHERE riskcore.hierarchy_nodes.sequence < EXCLUDED.sequence`,
	}
	positionsTable = table{
		name: "riskcore.position_history",
		columns: []string{"tenant", "book", "security_id", "as_of", "quantity", "market_value",
			"currency", "attributes", "source", "content_hash", "version", "recorded_at"},
		conflict: "ON CONFLICT (tenant, book, security_id, content_hash) DO NOTHING",
	}
	securitiesTable = table{
		name: "riskcore.securities",
		columns: []string{"security_id", "asset_class", "currency", "name", "sector", "country",
			"issuer", "figi", "created_at", "enriched_at", "merged_into"},
		conflict: `ON CONFLICT (security_id) DO UPDATE SET
			name = EXCLUDED.name, sector = EXCLUDED.sector, country = EXCLUDED.country,
			issuer = EXCLUDED.issuer, figi = EXCLUDED.figi, enriched_at = EXCLUDED.enriched_at,
			merged_into = EXCLUDED.merged_into`,
	}
	aliasesTable = table{
		name:     "riskcore.security_aliases",
		columns:  []string{"scheme", "value", "venue", "security_id"},
		conflict: "ON CONFLICT (scheme, value, venue) DO UPDATE SET security_id = EXCLUDED.security_id, updated_at = NOW()",
	}
	limitsTable = table{
		name: "riskcore.limits",
		columns: []string{"limit_id", "version", "tenant", "node", "asset_class", "sector", "security_id",
			"measure", "risk_metric", "direction", "threshold", "warning", "window_start", "window_end",
			"effective_from", "effective_to", "author", "created_at"},
		// Versions are immutable except for the close stamp set by a supersede.
		conflict: "ON CONFLICT (limit_id, version) DO UPDATE SET effective_to = EXCLUDED.effective_to",
	}
	breachesTable = table{
		name: "riskcore.breaches",
		columns: []string{"breach_id", "tenant", "limit_id", "limit_version", "node", "opened_at",
			"threshold", "actual", "severity", "state", "updated_at", "acknowledged_by", "acknowledged_at",
			"waived_by", "waiver_reason", "waiver_expiry", "resolved_at"},
		conflict: `ON CONFLICT (breach_id) DO UPDATE SET
			actual = EXCLUDED.actual, severity = EXCLUDED.severity, state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at, acknowledged_by = EXCLUDED.acknowledged_by,
			acknowledged_at = EXCLUDED.acknowledged_at, waived_by = EXCLUDED.waived_by,
			waiver_reason = EXCLUDED.waiver_reason, waiver_expiry = EXCLUDED.waiver_expiry,
			resolved_at = EXCLUDED.resolved_at
			WHERE riskcore.breaches.updated_at <= EXCLUDED.updated_at`,
	}
	breachHistoryTable = table{
		name:     "riskcore.breach_history",
		columns:  []string{"breach_id", "seq", "at", "from_state", "to_state", "actual", "actor", "note"},
		conflict: "ON CONFLICT (breach_id, seq) DO NOTHING",
	}
	matricesTable = table{
		name: "riskcore.correlation_matrices",
		columns: []string{"matrix_id", "tenant", "matrix_type", "lookback_days", "as_of", "nodes",
			"cells", "shrinkage", "computed_at"},
		conflict: "ON CONFLICT (matrix_id) DO NOTHING",
	}
	batchesTable = table{
		name:     "riskcore.batches",
		columns:  []string{"kind", "batch_key", "tenant", "applied_at", "sequence"},
		conflict: "ON CONFLICT (kind, batch_key) DO NOTHING",
	}
	dataQualityTable = table{
		name:     "riskcore.data_quality",
		columns:  []string{"item_id", "tenant", "kind", "book", "code", "detail", "record_id", "at"},
		conflict: "ON CONFLICT (item_id) DO NOTHING",
	}
	runsTable = table{
		name: "riskcore.aggregation_runs",
		columns: []string{"run_id", "tenant", "node", "as_of", "attempt", "started_at", "finished_at",
			"digest", "finding_keys", "new_findings", "evaluations", "sequence"},
		conflict: "ON CONFLICT (run_id) DO NOTHING",
	}
	notificationsTable = table{
		name:     "riskcore.notifications",
		columns:  []string{"idempotency_key", "sequence", "event_type", "tenant", "payload", "occurred_at"},
		conflict: "ON CONFLICT (idempotency_key) DO NOTHING",
	}
)

// insertQuery builds "INSERT ... VALUES ($1, ...), (...) <conflict>" for n rows.
func insertQuery(t table, n int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.name)
	b.WriteString(" (")
	b.WriteString(strings.Join(t.columns, ", "))
	b.WriteString(") VALUES ")

	cols := len(t.columns)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*cols+c+1)
		}
		b.WriteByte(')')
	}
	if t.conflict != "" {
		b.WriteByte(' ')
		b.WriteString(t.conflict)
	}
	return b.String()
}

// insert writes n rows, chunked to stay under the parameter cap. args
// returns the column values of row i in column order.
func insert(ctx context.Context, tx *sql.Tx, t table, n int, args func(i int) []any) error {
	if n == 0 {
		return nil
	}
	chunk := maxParams / len(t.columns)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		vals := make([]any, 0, (end-start)*len(t.columns))
		for i := start; i < end; i++ {
			vals = append(vals, args(i)...)
		}
		if _, err := tx.ExecContext(ctx, insertQuery(t, end-start), vals...); err != nil {
			return fmt.Errorf("insert %s: %w", t.name, err)
		}
	}
	return nil
}

// Write inserts every row of r inside tx and returns the row count per
// table. Parents are written before children: nodes and securities first,
// then positions, limits, breaches and their history.
func (w *HistoryWriter) Write(ctx context.Context, tx *sql.Tx, r *Rows) (map[string]int, error) {
	r.compact()
	counts := make(map[string]int)
	steps := []struct {
		t    table
		n    int
		args func(i int) []any
	}{
		{nodesTable, len(r.Nodes), func(i int) []any {
			n := r.Nodes[i]
			return []any{n.Tenant, n.NodeID, n.Level, n.Name, n.Parent, n.Removed, n.Sequence}
		}},
		{securitiesTable, len(r.Securities), func(i int) []any {
			s := r.Securities[i]
			return []any{s.SecurityID, s.AssetClass, s.Currency, s.Name, s.Sector, s.Country,
				s.Issuer, s.FIGI, s.CreatedAt, s.EnrichedAt, s.MergedInto}
		}},
		{aliasesTable, len(r.Aliases), func(i int) []any {
			a := r.Aliases[i]
			return []any{a.Scheme, a.Value, a.Venue, a.SecurityID}
		}},
		{positionsTable, len(r.Positions), func(i int) []any {
			p := r.Positions[i]
			return []any{p.Tenant, p.Book, p.SecurityID, p.AsOf, p.Quantity, p.MarketValue,
				p.Currency, p.Attributes, p.Source, p.ContentHash, p.Version, p.RecordedAt}
		}},
		{limitsTable, len(r.Limits), func(i int) []any {
			l := r.Limits[i]
			return []any{l.LimitID, l.Version, l.Tenant, l.Node, l.AssetClass, l.Sector, l.SecurityID,
				l.Measure, l.RiskMetric, l.Direction, l.Threshold, l.Warning, l.WindowStart, l.WindowEnd,
				l.EffectiveFrom, l.EffectiveTo, l.Author, l.CreatedAt}
		}},
		{breachesTable, len(r.Breaches), func(i int) []any {
			b := r.Breaches[i]
			return []any{b.BreachID, b.Tenant, b.LimitID, b.LimitVersion, b.Node, b.OpenedAt,
				b.Threshold, b.Actual, b.Severity, b.State, b.UpdatedAt, b.AcknowledgedBy, b.AcknowledgedAt,
				b.WaivedBy, b.WaiverReason, b.WaiverExpiry, b.ResolvedAt}
		}},
		{breachHistoryTable, len(r.BreachHistory), func(i int) []any {
			h := r.BreachHistory[i]
			return []any{h.BreachID, h.Seq, h.At, h.FromState, h.ToState, h.Actual, h.Actor, h.Note}
		}},
		{matricesTable, len(r.Matrices), func(i int) []any {
			m := r.Matrices[i]
			return []any{m.MatrixID, m.Tenant, m.MatrixType, m.LookbackDays, m.AsOf, pq.Array(m.Nodes),
				m.Cells, m.Shrinkage, m.ComputedAt}
		}},
		{batchesTable, len(r.Batches), func(i int) []any {
			b := r.Batches[i]
			return []any{b.Kind, b.BatchKey, b.Tenant, b.AppliedAt, b.Sequence}
		}},
		{dataQualityTable, len(r.DataQuality), func(i int) []any {
			d := r.DataQuality[i]
			return []any{d.ItemID, d.Tenant, d.Kind, d.Book, d.Code, d.Detail, d.RecordID, d.At}
		}},
		{runsTable, len(r.Runs), func(i int) []any {
			x := r.Runs[i]
			return []any{x.RunID, x.Tenant, x.Node, x.AsOf, x.Attempt, x.StartedAt, x.FinishedAt,
				x.Digest, pq.Array(x.FindingKeys), x.NewFindings, x.Evaluations, x.Sequence}
		}},
		{notificationsTable, len(r.Notifications), func(i int) []any {
			n := r.Notifications[i]
			return []any{n.IdempotencyKey, n.Sequence, n.EventType, n.Tenant, n.Payload, n.OccurredAt}
		}},
	}

	for _, s := range steps {
		if err := insert(ctx, tx, s.t, s.n, s.args); err != nil {
			return counts, err
		}
		if s.n > 0 {
			counts[strings.TrimPrefix(s.t.name, "riskcore.")] = s.n
		}
	}

	if r.MaxSequence() > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO riskcore.checkpoints (name, sequence, updated_at)
			VALUES ('engine', $1, NOW())
			ON CONFLICT (name) DO UPDATE SET
				sequence = GREATEST(riskcore.checkpoints.sequence, EXCLUDED.sequence),
				updated_at = NOW()
		`, r.MaxSequence()); err != nil {
			return counts, fmt.Errorf("checkpoint: %w", err)
		}
	}
	return counts, nil
}

// lastByKey keeps the last row per key, in order of last occurrence. An
// upsert statement may not touch the same key twice.
func lastByKey[T any, K comparable](rows []T, key func(T) K) []T {
	if len(rows) < 2 {
		return rows
	}
	last := make(map[K]int, len(rows))
	for i, r := range rows {
		last[key(r)] = i
	}
	out := rows[:0]
	for i, r := range rows {
		if last[key(r)] == i {
			out = append(out, r)
		}
	}
	return out
}

func (r *Rows) compact() {
	type tenantKey struct{ tenant, id string }
	type versionKey struct {
		id      uuid.UUID
		version int
	}
	r.Nodes = lastByKey(r.Nodes, func(n NodeRow) tenantKey { return tenantKey{n.Tenant, n.NodeID} })
	r.Securities = lastByKey(r.Securities, func(s SecurityRow) uuid.UUID { return s.SecurityID })
	r.Aliases = lastByKey(r.Aliases, func(a AliasRow) [3]string { return [3]string{a.Scheme, a.Value, a.Venue} })
	r.Limits = lastByKey(r.Limits, func(l LimitRow) versionKey { return versionKey{l.LimitID, l.Version} })
	r.Breaches = lastByKey(r.Breaches, func(b BreachRow) uuid.UUID { return b.BreachID })
}
