package math_test

import (
	gomath "math"
	"testing"

	riskmath "RiskCore/internal/math"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ===========================================================================
// Netting
// ===========================================================================

func TestNetGross_OrderInvariant(t *testing.T) {
	a := []decimal.Decimal{d("1000"), d("-300"), d("0.1"), d("-250.25")}
	b := []decimal.Decimal{d("-250.25"), d("0.1"), d("1000"), d("-300")}

	netA, grossA := riskmath.NetGross(a)
	netB, grossB := riskmath.NetGross(b)

	assert.True(t, netA.Equal(netB))
	assert.True(t, grossA.Equal(grossB))
	assert.Equal(t, "449.85", netA.String())
	assert.Equal(t, "1550.35", grossA.String())
}

func TestOffsetRatio(t *testing.T) {
	net, gross := riskmath.NetGross([]decimal.Decimal{d("1000"), d("-300")})
	r := riskmath.OffsetRatio(net, gross)
	assert.InDelta(t, 1-700.0/1300.0, r, 1e-12)

	assert.Equal(t, 0.0, riskmath.OffsetRatio(d("0"), d("0")))
	assert.Equal(t, 1.0, riskmath.OffsetRatio(d("0"), d("10")))
	assert.Equal(t, 0.0, riskmath.OffsetRatio(d("10"), d("10")))
}

// ===========================================================================
// Linear algebra
// ===========================================================================

func TestCovarianceRollup_PerfectHedge(t *testing.T) {
	corr := mat.NewSymDense(2, []float64{1, -1, -1, 1})
	total, err := riskmath.CovarianceRollup([]float64{100, 100}, corr)
	require.NoError(t, err)
	assert.InDelta(t, 0, total, 1e-9)
}

func TestCovarianceRollup_Uncorrelated(t *testing.T) {
	corr := mat.NewSymDense(2, []float64{1, 0, 0, 1})
	total, err := riskmath.CovarianceRollup([]float64{3, 4}, corr)
	require.NoError(t, err)
	assert.InDelta(t, 5, total, 1e-12)
}

func TestCovarianceRollup_DimensionMismatch(t *testing.T) {
	_, err := riskmath.CovarianceRollup([]float64{1}, mat.NewSymDense(2, nil))
	assert.ErrorIs(t, err, riskmath.ErrDimensionMismatch)
}

func TestEulerContributions_SumToTotal(t *testing.T) {
	corr := mat.NewSymDense(3, []float64{
		1, 0.3, -0.2,
		0.3, 1, 0.5,
		-0.2, 0.5, 1,
	})
	w := []float64{10, 20, 5}
	total, err := riskmath.CovarianceRollup(w, corr)
	require.NoError(t, err)

	var sum float64
	for _, c := range riskmath.EulerContributions(w, corr, total) {
		sum += c
	}
	assert.InDelta(t, total, sum, 1e-9)
}

func TestPearson(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	rho, ok := riskmath.Pearson(x, []float64{2, 4, 6, 8, 10})
	require.True(t, ok)
	assert.InDelta(t, 1, rho, 1e-12)

	rho, ok = riskmath.Pearson(x, []float64{5, 4, 3, 2, 1})
	require.True(t, ok)
	assert.InDelta(t, -1, rho, 1e-12)

	_, ok = riskmath.Pearson(x, []float64{1, 1, 1, 1, 1})
	assert.False(t, ok, "zero variance has no correlation")
}

func TestSampleCovariance(t *testing.T) {
	cov, err := riskmath.SampleCovariance([][]float64{
		{1, 2, 3, 4},
		{2, 4, 6, 8},
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.6666666666, cov.At(0, 0), 1e-9)
	assert.InDelta(t, 3.3333333333, cov.At(0, 1), 1e-9)
	assert.InDelta(t, 6.6666666666, cov.At(1, 1), 1e-9)

	_, err = riskmath.SampleCovariance([][]float64{{1}, {2}})
	assert.Error(t, err)
}

func TestShrinkConstantCorrelation_KeepsSymmetry(t *testing.T) {
	sample := mat.NewSymDense(3, []float64{
		4, 1, 0.5,
		1, 2, 0.2,
		0.5, 0.2, 1,
	})
	shrunk, intensity := riskmath.ShrinkConstantCorrelation(sample)
	assert.GreaterOrEqual(t, intensity, 0.0)
	assert.LessOrEqual(t, intensity, 0.5)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.Equal(t, shrunk.At(i, j), shrunk.At(j, i))
		}
	}
}

func TestStressCorrelation(t *testing.T) {
	corr := mat.NewSymDense(2, []float64{1, -0.4, -0.4, 1})
	stressed := riskmath.StressCorrelation(corr, 0.9)
	assert.Equal(t, 0.9, stressed.At(0, 1))
	assert.Equal(t, 1.0, stressed.At(0, 0))
	assert.False(t, gomath.IsNaN(stressed.At(1, 0)))
}
