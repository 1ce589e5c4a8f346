package correlation

import (
	"context"
	"errors"
	"fmt"
	gomath "math"
	"sort"
	"sync"
	"time"

	"RiskCore/internal/hierarchy"
	riskmath "RiskCore/internal/math"
	"RiskCore/internal/risk"

	"github.com/rs/zerolog"
)

type Config struct {
	MinObservations int
	LookbackDays    int
	// Shrink applies constant-correlation shrinkage to the factor
	// covariance used for implied matrices.
	Shrink bool
	// PreferImplied makes book-level views try implied cells first.
	PreferImplied bool
	// MaxTracked bounds the requested node sets refreshed by RecomputeAll.
	// The least recently requested set is dropped first.
	MaxTracked int
}

func DefaultConfig() Config {
	return Config{MinObservations: 20, LookbackDays: 60, Shrink: true, MaxTracked: 256}
}

// RecomputeHook is called after a matrix has been appended.
type RecomputeHook func(*Matrix)

// Engine estimates realized and implied correlation matrices for one
// tenant and keeps every computed matrix.
type Engine struct {
	tree      *hierarchy.Tree
	pnl       *PnLStore
	factors   *FactorReturnStore
	positions PositionSource
	secs      SecurityLookup
	fx        FXRates
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	history map[string][]*Matrix
	books   map[MatrixType][]*Matrix // book-level matrices, oldest first
	tracked map[string]*trackedSet
	hooks   []RecomputeHook
}

// trackedSet is a node set a reader asked for. RecomputeAll refreshes it
// alongside the book matrices.
type trackedSet struct {
	t         MatrixType
	nodes     []hierarchy.NodeID
	lookback  int
	requested time.Time
}

func NewEngine(tree *hierarchy.Tree, pnl *PnLStore, factors *FactorReturnStore, positions PositionSource, secs SecurityLookup, fx FXRates, cfg Config, log zerolog.Logger) *Engine {
	if cfg.MinObservations < 2 {
		cfg.MinObservations = 2
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultConfig().LookbackDays
	}
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = DefaultConfig().MaxTracked
	}
	return &Engine{
		tree:      tree,
		pnl:       pnl,
		factors:   factors,
		positions: positions,
		secs:      secs,
		fx:        fx,
		cfg:       cfg,
		log:       log.With().Str("component", "correlation").Logger(),
		now:       time.Now,
		history:   make(map[string][]*Matrix),
		books:     make(map[MatrixType][]*Matrix),
		tracked:   make(map[string]*trackedSet),
	}
}

func (e *Engine) AddHook(h RecomputeHook) {
	e.mu.Lock()
	e.hooks = append(e.hooks, h)
	e.mu.Unlock()
}

func (e *Engine) Config() Config { return e.cfg }

// SetClock replaces the wall clock. Tests only.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Recompute estimates a matrix of type t over nodes at asOf and appends it.
// lookback <= 0 uses the configured default.
func (e *Engine) Recompute(ctx context.Context, t MatrixType, nodes []hierarchy.NodeID, asOf time.Time, lookback int) (*Matrix, error) {
	nodes = normalizeNodes(nodes)
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	if lookback <= 0 {
		lookback = e.cfg.LookbackDays
	}
	for _, n := range nodes {
		if _, err := e.tree.Node(n); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	var (
		m   *Matrix
		err error
	)
	switch t {
	case MatrixRealized:
		m, err = e.realized(ctx, nodes, asOf, lookback)
	case MatrixImplied:
		m, err = e.implied(ctx, nodes, asOf, lookback)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if err != nil {
		return nil, err
	}
	m.ComputedAt = e.now()
	e.Append(m)

	e.log.Debug().
		Str("type", t.String()).
		Int("nodes", len(nodes)).
		Int("lookback", lookback).
		Dur("took", time.Since(start)).
		Msg("correlation matrix recomputed")
	return m, nil
}

// RecomputeBooks recomputes both matrix types over every book of the tree.
// These are the matrices the risk rollup consumes.
func (e *Engine) RecomputeBooks(ctx context.Context, asOf time.Time) ([]*Matrix, error) {
	var books []hierarchy.NodeID
	for _, n := range e.tree.Nodes(hierarchy.LevelBook) {
		books = append(books, n.ID)
	}
	if len(books) == 0 {
		return nil, nil
	}
	var out []*Matrix
	for _, t := range []MatrixType{MatrixRealized, MatrixImplied} {
		m, err := e.Recompute(ctx, t, books, asOf, 0)
		if err != nil {
			if t == MatrixImplied && errors.Is(err, ErrNoFactorHistory) {
				e.log.Debug().Msg("no factor history, implied matrix skipped")
				continue
			}
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

// RecomputeAll refreshes the book matrices and then every tracked node
// set at asOf. A tracked set that fails is logged and skipped; one whose
// nodes left the tree is no longer tracked.
func (e *Engine) RecomputeAll(ctx context.Context, asOf time.Time) ([]*Matrix, error) {
	out, err := e.RecomputeBooks(ctx, asOf)
	if err != nil {
		return out, err
	}
	done := make(map[string]struct{}, len(out))
	for _, m := range out {
		done[seriesKey(m.Type, m.Lookback, m.Nodes)] = struct{}{}
	}

	e.mu.RLock()
	sets := make([]trackedSet, 0, len(e.tracked))
	for key, ts := range e.tracked {
		if _, ok := done[key]; !ok {
			sets = append(sets, *ts)
		}
	}
	e.mu.RUnlock()
	sort.Slice(sets, func(i, j int) bool { return sets[i].requested.Before(sets[j].requested) })

	for _, ts := range sets {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		m, err := e.Recompute(ctx, ts.t, ts.nodes, asOf, ts.lookback)
		switch {
		case err == nil:
			out = append(out, m)
		case errors.Is(err, hierarchy.ErrNodeNotFound):
			e.untrack(seriesKey(ts.t, ts.lookback, ts.nodes))
		default:
			e.log.Warn().Err(err).
				Str("type", ts.t.String()).
				Int("nodes", len(ts.nodes)).
				Msg("tracked correlation recompute failed")
		}
	}
	return out, nil
}

// Track marks (t, nodes, lookback) as requested so that RecomputeAll keeps
// it current.
func (e *Engine) Track(t MatrixType, nodes []hierarchy.NodeID, lookback int) {
	if lookback <= 0 {
		lookback = e.cfg.LookbackDays
	}
	nodes = normalizeNodes(nodes)
	if len(nodes) == 0 {
		return
	}
	key := seriesKey(t, lookback, nodes)
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	if ts, ok := e.tracked[key]; ok {
		ts.requested = now
		return
	}
	e.tracked[key] = &trackedSet{t: t, nodes: nodes, lookback: lookback, requested: now}
	for len(e.tracked) > e.cfg.MaxTracked {
		var (
			oldest string
			at     time.Time
		)
		for k, ts := range e.tracked {
			if oldest == "" || ts.requested.Before(at) {
				oldest, at = k, ts.requested
			}
		}
		delete(e.tracked, oldest)
	}
}

func (e *Engine) untrack(key string) {
	e.mu.Lock()
	delete(e.tracked, key)
	e.mu.Unlock()
}

// Tracked is the number of node sets RecomputeAll refreshes besides the
// book matrices.
func (e *Engine) Tracked() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tracked)
}

// Append stores an already computed matrix and runs hooks.
func (e *Engine) Append(m *Matrix) {
	e.mu.Lock()
	e.storeLocked(m)
	hooks := e.hooks
	e.mu.Unlock()
	for _, h := range hooks {
		h(m)
	}
}

// Restore stores a matrix loaded from Postgres without running hooks.
func (e *Engine) Restore(m *Matrix) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.storeLocked(m)
}

func (e *Engine) storeLocked(m *Matrix) {
	key := seriesKey(m.Type, m.Lookback, m.Nodes)
	e.history[key] = append(e.history[key], m)
	if e.isBookSet(m.Nodes) {
		e.books[m.Type] = append(e.books[m.Type], m)
	}
}

func (e *Engine) isBookSet(nodes []hierarchy.NodeID) bool {
	for _, n := range nodes {
		node, err := e.tree.Node(n)
		if err != nil || node.Level != hierarchy.LevelBook {
			return false
		}
	}
	return len(nodes) > 0
}

// Latest returns the most recently computed matrix for (type, nodes,
// lookback).
func (e *Engine) Latest(t MatrixType, nodes []hierarchy.NodeID, lookback int) (*Matrix, bool) {
	if lookback <= 0 {
		lookback = e.cfg.LookbackDays
	}
	key := seriesKey(t, lookback, normalizeNodes(nodes))
	e.mu.RLock()
	defer e.mu.RUnlock()
	h := e.history[key]
	if len(h) == 0 {
		return nil, false
	}
	return h[len(h)-1], true
}

// LatestAt returns the most recently computed matrix for (type, nodes,
// lookback) whose as-of is not after asOf.
func (e *Engine) LatestAt(t MatrixType, nodes []hierarchy.NodeID, lookback int, asOf time.Time) (*Matrix, bool) {
	if lookback <= 0 {
		lookback = e.cfg.LookbackDays
	}
	key := seriesKey(t, lookback, normalizeNodes(nodes))
	e.mu.RLock()
	defer e.mu.RUnlock()
	m := latestNotAfter(e.history[key], asOf)
	return m, m != nil
}

// History returns every matrix computed for (type, nodes, lookback) in
// computation order.
func (e *Engine) History(t MatrixType, nodes []hierarchy.NodeID, lookback int) []*Matrix {
	if lookback <= 0 {
		lookback = e.cfg.LookbackDays
	}
	key := seriesKey(t, lookback, normalizeNodes(nodes))
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Matrix(nil), e.history[key]...)
}

// BookCorrelations returns a view over the latest book-level matrices with
// as-of not after asOf. Realized cells are preferred unless configured
// otherwise; the other type fills pairs the preferred one cannot.
func (e *Engine) BookCorrelations(_ []hierarchy.NodeID, asOf time.Time) risk.Correlations {
	first, second := MatrixRealized, MatrixImplied
	if e.cfg.PreferImplied {
		first, second = second, first
	}
	e.mu.RLock()
	p := latestNotAfter(e.books[first], asOf)
	s := latestNotAfter(e.books[second], asOf)
	e.mu.RUnlock()
	if p == nil && s == nil {
		return nil
	}
	return &view{primary: p, fallback: s}
}

func latestNotAfter(ms []*Matrix, asOf time.Time) *Matrix {
	for i := len(ms) - 1; i >= 0; i-- {
		if !ms[i].AsOf.After(asOf) {
			return ms[i]
		}
	}
	return nil
}

type view struct {
	primary  *Matrix
	fallback *Matrix
}

func (v *view) Pair(a, b hierarchy.NodeID) (float64, bool) {
	if v.primary != nil {
		if rho, ok := v.primary.Pair(a, b); ok {
			return rho, true
		}
	}
	if v.fallback != nil {
		return v.fallback.Pair(a, b)
	}
	return 0, false
}

func (v *view) Source() string {
	if v.primary != nil {
		return v.primary.Type.String()
	}
	return v.fallback.Type.String()
}

func (v *view) AsOf() time.Time {
	if v.primary != nil {
		return v.primary.AsOf
	}
	return v.fallback.AsOf
}

func (e *Engine) realized(ctx context.Context, nodes []hierarchy.NodeID, asOf time.Time, lookback int) (*Matrix, error) {
	series := make([]map[int64]float64, len(nodes))
	for i, n := range nodes {
		books, err := e.tree.DescendantBooks(n)
		if err != nil {
			return nil, err
		}
		series[i] = e.pnl.NodeSeries(books, asOf, lookback)
	}

	m := newMatrix(MatrixRealized, lookback, asOf, nodes)
	for i := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.set(i, i, diagonal(len(series[i]), e.cfg.MinObservations))
		for j := i + 1; j < len(nodes); j++ {
			x, y := alignPair(series[i], series[j])
			c := Cell{Observations: len(x)}
			switch rho, ok := riskmath.Pearson(x, y); {
			case len(x) < e.cfg.MinObservations:
				c.Status = CellInsufficientData
			case !ok:
				c.Status = CellUndefined
			default:
				c.Value = rho
			}
			m.set(i, j, c)
		}
	}
	return m, nil
}

func (e *Engine) implied(ctx context.Context, nodes []hierarchy.NodeID, asOf time.Time, lookback int) (*Matrix, error) {
	loadings := make([]Loadings, len(nodes))
	wanted := map[string]struct{}{}
	for i, n := range nodes {
		books, err := e.tree.DescendantBooks(n)
		if err != nil {
			return nil, err
		}
		loadings[i] = LoadingsFor(e.positions.SnapshotAt(books, asOf), e.secs, e.fx, asOf)
		for f := range loadings[i] {
			wanted[f] = struct{}{}
		}
	}
	names := make([]string, 0, len(wanted))
	for f := range wanted {
		names = append(names, f)
	}
	sort.Strings(names)

	factors, returns := e.factors.Aligned(names, asOf, lookback)
	if len(factors) == 0 {
		return nil, ErrNoFactorHistory
	}

	m := newMatrix(MatrixImplied, lookback, asOf, nodes)
	obs := len(returns[0])
	if obs < e.cfg.MinObservations {
		for i := range nodes {
			for j := i; j < len(nodes); j++ {
				m.set(i, j, Cell{Status: CellInsufficientData, Observations: obs})
			}
		}
		return m, nil
	}

	cov, err := riskmath.SampleCovariance(returns)
	if err != nil {
		return nil, fmt.Errorf("factor covariance: %w", err)
	}
	if e.cfg.Shrink {
		cov, m.Shrinkage = riskmath.ShrinkConstantCorrelation(cov)
	}

	vecs := make([][]float64, len(nodes))
	sd := make([]float64, len(nodes))
	for i, l := range loadings {
		vecs[i] = make([]float64, len(factors))
		for k, f := range factors {
			vecs[i][k] = l[f]
		}
		v, err := riskmath.QuadraticForm(vecs[i], cov)
		if err != nil {
			return nil, err
		}
		sd[i] = gomath.Sqrt(gomath.Max(v, 0))
	}

	for i := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if sd[i] == 0 {
			m.set(i, i, Cell{Status: CellUndefined, Observations: obs})
		} else {
			m.set(i, i, Cell{Value: 1, Observations: obs})
		}
		for j := i + 1; j < len(nodes); j++ {
			c := Cell{Observations: obs}
			if sd[i] == 0 || sd[j] == 0 {
				c.Status = CellUndefined
				m.set(i, j, c)
				continue
			}
			v, err := riskmath.BilinearForm(vecs[i], cov, vecs[j])
			if err != nil {
				return nil, err
			}
			c.Value = clamp(v / (sd[i] * sd[j]))
			m.set(i, j, c)
		}
	}
	return m, nil
}

func diagonal(obs, min int) Cell {
	if obs < min {
		return Cell{Status: CellInsufficientData, Observations: obs}
	}
	return Cell{Value: 1, Observations: obs}
}

func clamp(v float64) float64 {
	return gomath.Max(-1, gomath.Min(1, v))
}
