package projection

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"RiskCore/internal/core"
	"RiskCore/internal/hierarchy"
	"RiskCore/internal/observability"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// ProjectionWorker maintains the dashboard tables in the projections schema
// from engine outputs. The engine feeds it with a non-blocking send, so
// updates may be dropped under load; every table here is either rebuilt
// from riskcore history (RebuildProjections) or rewritten by the next run.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.Output
	lastSeq   int64
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.Output, metrics *observability.Metrics, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log.With().Str("component", "projection").Logger(),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if !projectable(out) {
				continue
			}

			start := time.Now()
			if err := pw.processOutput(ctx, out); err != nil {
				// Eventually consistent: the next run or a rebuild repairs it.
				pw.log.Warn().Err(err).Int64("sequence", out.Sequence).Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("dashboard").Observe(time.Since(start).Seconds())
			}
			if out.Sequence > pw.lastSeq {
				pw.lastSeq = out.Sequence
			}
		}
	}
}

func projectable(out core.Output) bool {
	return out.Run != nil || len(out.Breaches) > 0 || len(out.DataQuality) > 0
}

// LastSequence is the engine sequence of the last applied output.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq }

func (pw *ProjectionWorker) processOutput(ctx context.Context, out core.Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, b := range out.Breaches {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.breaches
				(breach_id, tenant, limit_id, node, state, severity, threshold, actual, opened_at, updated_at, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (breach_id) DO UPDATE SET
				state = EXCLUDED.state, severity = EXCLUDED.severity, actual = EXCLUDED.actual,
				updated_at = EXCLUDED.updated_at, last_sequence = EXCLUDED.last_sequence
		`, b.ID, out.Tenant, b.LimitID, string(b.Node), b.State.String(), b.Severity.String(),
			b.Threshold, b.Actual, b.OpenedAt, b.UpdatedAt, out.Sequence); err != nil {
			return fmt.Errorf("breach projection: %w", err)
		}
	}

	for _, it := range out.DataQuality {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.data_quality_counts (tenant, kind, count, last_at)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (tenant, kind) DO UPDATE SET
				count = projections.data_quality_counts.count + 1,
				last_at = GREATEST(projections.data_quality_counts.last_at, EXCLUDED.last_at)
		`, it.Tenant, it.Kind.String(), it.At); err != nil {
			return fmt.Errorf("data quality projection: %w", err)
		}
	}

	if out.Run != nil {
		if err := pw.projectRun(ctx, tx, out); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET
			last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence),
			updated_at = NOW()
	`, out.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// projectRun replaces the exposure summaries and findings of every node the
// run covered.
func (pw *ProjectionWorker) projectRun(ctx context.Context, tx *sql.Tx, out core.Output) error {
	res := out.Run
	nodes := make([]string, 0, len(res.Exposures))
	for id := range res.Exposures {
		nodes = append(nodes, string(id))
	}
	sort.Strings(nodes)

	for _, id := range nodes {
		exp := res.Exposures[hierarchy.NodeID(id)]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.exposure_summaries
				(tenant, node, level, as_of, base_currency, net_market_value, gross_market_value,
				 long_market_value, short_market_value, securities, positions, run_id, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (tenant, node) DO UPDATE SET
				level = EXCLUDED.level, as_of = EXCLUDED.as_of, base_currency = EXCLUDED.base_currency,
				net_market_value = EXCLUDED.net_market_value, gross_market_value = EXCLUDED.gross_market_value,
				long_market_value = EXCLUDED.long_market_value, short_market_value = EXCLUDED.short_market_value,
				securities = EXCLUDED.securities, positions = EXCLUDED.positions,
				run_id = EXCLUDED.run_id, last_sequence = EXCLUDED.last_sequence
		`, out.Tenant, id, exp.Level.String(), exp.AsOf, exp.BaseCurrency,
			exp.NetMarketValue.String(), exp.GrossMarketValue.String(),
			exp.LongMarketValue.String(), exp.ShortMarketValue.String(),
			len(exp.Securities), exp.PositionCount, res.ID, out.Sequence); err != nil {
			return fmt.Errorf("exposure projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM projections.overlap_findings WHERE tenant = $1 AND node = ANY($2)
	`, out.Tenant, pq.Array(nodes)); err != nil {
		return fmt.Errorf("clear findings: %w", err)
	}
	for _, f := range res.Findings {
		books := make([]string, len(f.Books))
		for i, b := range f.Books {
			books[i] = string(b.Book)
		}
		triggers := make([]string, len(f.Triggers))
		for i, t := range f.Triggers {
			triggers[i] = t.String()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.overlap_findings
				(tenant, node, security_id, level, as_of, books, net_quantity, gross_quantity,
				 net_market_value, gross_market_value, basis, offset_ratio, triggers, run_id, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, out.Tenant, string(f.Node), f.Security, f.Level.String(), f.AsOf, pq.Array(books),
			f.NetQuantity.String(), f.GrossQuantity.String(), f.NetMarketValue.String(), f.GrossMarketValue.String(),
			f.Basis.String(), f.OffsetRatio, pq.Array(triggers), res.ID, out.Sequence); err != nil {
			return fmt.Errorf("finding projection: %w", err)
		}
	}
	return nil
}

// RebuildProjections rebuilds one tenant's rows of the tables that derive
// from riskcore history. Exposure summaries and findings are dropped and
// come back with the tenant's next run. Other tenants' rows and the shared
// watermark are left alone.
func RebuildProjections(ctx context.Context, db *sql.DB, tenant string, log zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []struct {
		name string
		sql  string
	}{
		{"clear breaches", `DELETE FROM projections.breaches WHERE tenant = $1`},
		{"clear data quality", `DELETE FROM projections.data_quality_counts WHERE tenant = $1`},
		{"clear exposures", `DELETE FROM projections.exposure_summaries WHERE tenant = $1`},
		{"clear findings", `DELETE FROM projections.overlap_findings WHERE tenant = $1`},
		{"breaches", `
			INSERT INTO projections.breaches
				(breach_id, tenant, limit_id, node, state, severity, threshold, actual, opened_at, updated_at, last_sequence)
			SELECT breach_id, tenant, limit_id, node, state, severity, threshold, actual, opened_at, updated_at, 0
			FROM riskcore.breaches
			WHERE tenant = $1`},
		{"data quality", `
			INSERT INTO projections.data_quality_counts (tenant, kind, count, last_at)
			SELECT tenant, kind, COUNT(*), MAX(at)
			FROM riskcore.data_quality
			WHERE tenant = $1
			GROUP BY tenant, kind`},
	}
	for _, s := range statements {
		if _, err := tx.ExecContext(ctx, s.sql, tenant); err != nil {
			return fmt.Errorf("rebuild %s: %w", s.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info().Str("tenant", tenant).Msg("projection rebuild complete")
	return nil
}
