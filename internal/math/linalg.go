package math

import (
	"errors"
	gomath "math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var ErrDimensionMismatch = errors.New("dimension mismatch")

// QuadraticForm returns wᵀ Σ w.
func QuadraticForm(w []float64, sigma mat.Symmetric) (float64, error) {
	if sigma.SymmetricDim() != len(w) {
		return 0, ErrDimensionMismatch
	}
	if len(w) == 0 {
		return 0, nil
	}
	v := mat.NewVecDense(len(w), w)
	return mat.Inner(v, sigma, v), nil
}

// BilinearForm returns aᵀ F b.
func BilinearForm(a []float64, f mat.Symmetric, b []float64) (float64, error) {
	if f.SymmetricDim() != len(a) || len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	if len(a) == 0 {
		return 0, nil
	}
	return mat.Inner(mat.NewVecDense(len(a), a), f, mat.NewVecDense(len(b), b)), nil
}

// CovarianceRollup returns √(wᵀ Σ w). Tiny negative values from rounding are
// clamped to zero.
func CovarianceRollup(w []float64, sigma mat.Symmetric) (float64, error) {
	q, err := QuadraticForm(w, sigma)
	if err != nil {
		return 0, err
	}
	if q < 0 {
		q = 0
	}
	return gomath.Sqrt(q), nil
}

// EulerContributions splits a covariance-rolled total into additive
// per-component shares: cᵢ = wᵢ (Σw)ᵢ / total. The shares sum to total.
func EulerContributions(w []float64, sigma mat.Symmetric, total float64) []float64 {
	out := make([]float64, len(w))
	if total == 0 || len(w) == 0 {
		return out
	}
	var sw mat.VecDense
	sw.MulVec(sigma, mat.NewVecDense(len(w), w))
	for i := range w {
		out[i] = w[i] * sw.AtVec(i) / total
	}
	return out
}

// Pearson returns the Pearson correlation of x and y. ok is false when the
// inputs differ in length or either series has zero variance.
func Pearson(x, y []float64) (rho float64, ok bool) {
	if len(x) != len(y) || len(x) < 2 {
		return 0, false
	}
	if stat.Variance(x, nil) == 0 || stat.Variance(y, nil) == 0 {
		return 0, false
	}
	rho = stat.Correlation(x, y, nil)
	if gomath.IsNaN(rho) {
		return 0, false
	}
	return clampUnit(rho), true
}

// SampleCovariance builds the sample covariance (N-1 denominator) of the
// columns of series. Every column must have the same length, at least 2.
func SampleCovariance(series [][]float64) (*mat.SymDense, error) {
	n := len(series)
	if n == 0 {
		return nil, errors.New("no series")
	}
	obs := len(series[0])
	for _, s := range series {
		if len(s) != obs {
			return nil, ErrDimensionMismatch
		}
	}
	if obs < 2 {
		return nil, errors.New("insufficient observations for covariance")
	}

	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			cov.SetSym(i, j, stat.Covariance(series[i], series[j], nil))
		}
	}
	return cov, nil
}

// ShrinkConstantCorrelation shrinks a sample covariance toward a target with
// the average variance on the diagonal and the average covariance off it.
// The intensity estimate is the simplified Ledoit-Wolf form, capped at 0.5.
func ShrinkConstantCorrelation(sample *mat.SymDense) (*mat.SymDense, float64) {
	n := sample.SymmetricDim()
	if n < 2 {
		out := mat.NewSymDense(n, nil)
		out.CopySym(sample)
		return out, 0
	}

	var avgVar, avgCov float64
	for i := 0; i < n; i++ {
		avgVar += sample.At(i, i)
		for j := 0; j < n; j++ {
			if i != j {
				avgCov += sample.At(i, j)
			}
		}
	}
	avgVar /= float64(n)
	avgCov /= float64(n * (n - 1))

	target := func(i, j int) float64 {
		if i == j {
			return avgVar
		}
		if avgVar > 0 {
			return avgCov
		}
		return 0
	}

	shrinkage := 0.2
	if n > 2 && avgVar > 0 {
		var sumSqDiff, sum, sumSq float64
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				v := sample.At(i, j)
				d := v - target(i, j)
				sumSqDiff += d * d
				sum += v
				sumSq += v * v
			}
		}
		cells := float64(n * n)
		meanSqDiff := sumSqDiff / cells
		mean := sum / cells
		variance := sumSq/cells - mean*mean
		if variance > 0 && meanSqDiff > 0 {
			shrinkage = gomath.Min(0.5, gomath.Max(0, variance/(variance+meanSqDiff)))
		}
	}

	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, (1-shrinkage)*sample.At(i, j)+shrinkage*target(i, j))
		}
	}
	return out, shrinkage
}

// StressCorrelation returns a copy of corr with every off-diagonal value
// raised to at least floor.
func StressCorrelation(corr mat.Symmetric, floor float64) *mat.SymDense {
	n := corr.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		out.SetSym(i, i, corr.At(i, i))
		for j := i + 1; j < n; j++ {
			out.SetSym(i, j, gomath.Max(corr.At(i, j), floor))
		}
	}
	return out
}

func clampUnit(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
