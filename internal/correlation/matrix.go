package correlation

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"RiskCore/internal/hierarchy"

	"github.com/google/uuid"
)

var (
	ErrNoNodes         = errors.New("correlation: empty node set")
	ErrUnknownType     = errors.New("correlation: unknown matrix type")
	ErrNoFactorHistory = errors.New("correlation: no factor return history")
)

// MatrixType distinguishes how a matrix was estimated.
type MatrixType int32

const (
	MatrixUnknown MatrixType = iota
	MatrixRealized
	MatrixImplied
)

func (t MatrixType) String() string {
	switch t {
	case MatrixRealized:
		return "realized"
	case MatrixImplied:
		return "implied"
	default:
		return "unknown"
	}
}

func ParseMatrixType(s string) (MatrixType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "realized":
		return MatrixRealized, nil
	case "implied":
		return MatrixImplied, nil
	default:
		return MatrixUnknown, ErrUnknownType
	}
}

// CellStatus tells whether a cell holds a usable value.
type CellStatus int32

const (
	CellOk CellStatus = iota
	CellInsufficientData
	CellUndefined
)

func (s CellStatus) String() string {
	switch s {
	case CellOk:
		return "ok"
	case CellInsufficientData:
		return "insufficient_data"
	case CellUndefined:
		return "undefined"
	default:
		return "unknown"
	}
}

type Cell struct {
	Value        float64
	Status       CellStatus
	Observations int
}

// Matrix is an immutable pairwise correlation snapshot over a node set.
type Matrix struct {
	ID         uuid.UUID
	Type       MatrixType
	Lookback   int // days
	AsOf       time.Time
	Nodes      []hierarchy.NodeID // sorted
	Cells      [][]Cell
	ComputedAt time.Time
	// Shrinkage is the covariance shrink intensity applied to factor
	// returns, zero for realized matrices.
	Shrinkage float64

	index map[hierarchy.NodeID]int
}

func newMatrix(t MatrixType, lookback int, asOf time.Time, nodes []hierarchy.NodeID) *Matrix {
	m := &Matrix{
		ID:       uuid.New(),
		Type:     t,
		Lookback: lookback,
		AsOf:     asOf,
		Nodes:    nodes,
		Cells:    make([][]Cell, len(nodes)),
	}
	for i := range m.Cells {
		m.Cells[i] = make([]Cell, len(nodes))
	}
	m.reindex()
	return m
}

func (m *Matrix) reindex() {
	m.index = make(map[hierarchy.NodeID]int, len(m.Nodes))
	for i, n := range m.Nodes {
		m.index[n] = i
	}
}

// Cell returns the cell for a pair of nodes.
func (m *Matrix) Cell(a, b hierarchy.NodeID) (Cell, bool) {
	i, ok := m.index[a]
	if !ok {
		return Cell{}, false
	}
	j, ok := m.index[b]
	if !ok {
		return Cell{}, false
	}
	return m.Cells[i][j], true
}

// Pair returns a usable correlation for two nodes.
func (m *Matrix) Pair(a, b hierarchy.NodeID) (float64, bool) {
	c, ok := m.Cell(a, b)
	if !ok || c.Status != CellOk {
		return 0, false
	}
	return c.Value, true
}

func (m *Matrix) set(i, j int, c Cell) {
	m.Cells[i][j] = c
	m.Cells[j][i] = c
}

// Restore rebuilds a matrix loaded from storage.
func Restore(id uuid.UUID, t MatrixType, lookback int, asOf, computedAt time.Time, nodes []hierarchy.NodeID, cells [][]Cell, shrinkage float64) *Matrix {
	m := &Matrix{
		ID: id, Type: t, Lookback: lookback, AsOf: asOf,
		Nodes: nodes, Cells: cells, ComputedAt: computedAt, Shrinkage: shrinkage,
	}
	m.reindex()
	return m
}

func normalizeNodes(nodes []hierarchy.NodeID) []hierarchy.NodeID {
	seen := make(map[hierarchy.NodeID]struct{}, len(nodes))
	out := make([]hierarchy.NodeID, 0, len(nodes))
	for _, n := range nodes {
		if _, dup := seen[n]; dup || n == "" {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func seriesKey(t MatrixType, lookback int, nodes []hierarchy.NodeID) string {
	var b strings.Builder
	b.WriteString(t.String())
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(lookback))
	for _, n := range nodes {
		b.WriteByte('|')
		b.WriteString(string(n))
	}
	return b.String()
}
