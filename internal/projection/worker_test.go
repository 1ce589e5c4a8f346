package projection_test

import (
	"context"
	"testing"
	"time"

	"RiskCore/internal/core"
	"RiskCore/internal/projection"
	"RiskCore/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_WatermarkNeverMovesBack(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	at := time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)
	in := make(chan core.Output, 4)
	// Tenants emit independently, so a later tenant's output can arrive
	// with a lower sequence.
	in <- core.Output{Tenant: "beta", Sequence: 5, DataQuality: []core.DataQualityItem{{Tenant: "beta", Kind: core.IssueRejected, At: at}}}
	in <- core.Output{Tenant: "acme", Sequence: 3, DataQuality: []core.DataQualityItem{{Tenant: "acme", Kind: core.IssueRejected, At: at}}}
	close(in)

	w := projection.NewProjectionWorker(db, in, nil, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, int64(5), w.LastSequence())

	var seq int64
	require.NoError(t, db.QueryRow(`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`).Scan(&seq))
	assert.Equal(t, int64(5), seq)

	var n int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM projections.data_quality_counts`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestRebuildProjections_LeavesOtherTenantsAlone(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Date(2026, 3, 2, 21, 0, 0, 0, time.UTC)
	in := make(chan core.Output, 4)
	in <- core.Output{Tenant: "acme", Sequence: 1, DataQuality: []core.DataQualityItem{{Tenant: "acme", Kind: core.IssueRejected, At: at}}}
	in <- core.Output{Tenant: "beta", Sequence: 2, DataQuality: []core.DataQualityItem{{Tenant: "beta", Kind: core.IssueRejected, At: at}}}
	close(in)
	require.NoError(t, projection.NewProjectionWorker(db, in, nil, zerolog.Nop()).Run(ctx))

	// Only acme's history holds an item; its projection is refilled from it.
	_, err := db.Exec(`INSERT INTO riskcore.data_quality (item_id, tenant, kind, code, detail, at)
		VALUES ($1, 'acme', 'sequence_gap', 'SEQUENCE_GAP', 'gap', $2)`, uuid.New(), at)
	require.NoError(t, err)

	require.NoError(t, projection.RebuildProjections(ctx, db, "acme", zerolog.Nop()))

	counts := make(map[string]string)
	rows, err := db.Query(`SELECT tenant, kind FROM projections.data_quality_counts`)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var tenant, kind string
		require.NoError(t, rows.Scan(&tenant, &kind))
		counts[tenant] = kind
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, map[string]string{"acme": "sequence_gap", "beta": "rejected"}, counts)

	var seq int64
	require.NoError(t, db.QueryRow(`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`).Scan(&seq))
	assert.Equal(t, int64(2), seq, "the shared watermark survives a tenant rebuild")
}
