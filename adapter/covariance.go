package adapter

// CovarianceEstimator is a standalone Welford-style running estimator of a
// sample mean and (biased) covariance matrix, used by CovarianceSigmaAdapter
// and exposed directly for spec.md §8's CovarianceAdapter testable property.
type CovarianceEstimator struct {
	n    int
	mean []float64
	m2   []float64 // flattened D×D accumulated co-moments
	dims int
}

// NewCovarianceEstimator creates an estimator for vectors of the given
// dimension.
func NewCovarianceEstimator(dims int) *CovarianceEstimator {
	return &CovarianceEstimator{
		mean: make([]float64, dims),
		m2:   make([]float64, dims*dims),
		dims: dims,
	}
}

// Update folds x into the running mean/covariance (Welford's online
// algorithm, generalised to the matrix case).
func (c *CovarianceEstimator) Update(x []float64) {
	c.n++
	n := float64(c.n)
	delta := make([]float64, c.dims)
	for d := 0; d < c.dims; d++ {
		delta[d] = x[d] - c.mean[d]
		c.mean[d] += delta[d] / n
	}
	for a := 0; a < c.dims; a++ {
		for b := 0; b < c.dims; b++ {
			c.m2[a*c.dims+b] += delta[a] * (x[b] - c.mean[b])
		}
	}
}

// N returns the number of samples folded in so far.
func (c *CovarianceEstimator) N() int { return c.n }

// Mean returns the running mean vector.
func (c *CovarianceEstimator) Mean() []float64 {
	out := make([]float64, c.dims)
	copy(out, c.mean)
	return out
}

// Covariance returns the running biased (population) covariance matrix,
// flattened row-major, D×D.
func (c *CovarianceEstimator) Covariance() []float64 {
	out := make([]float64, len(c.m2))
	if c.n == 0 {
		return out
	}
	n := float64(c.n)
	for i, v := range c.m2 {
		out[i] = v / n
	}
	return out
}

// CovarianceSigmaAdapter is the "covariance adapter" variant of spec.md
// §4.5: per chain it maintains a running covariance matrix and exposes a
// scaled version of it as the proposal covariance, instead of a scalar
// sigma.
type CovarianceSigmaAdapter struct {
	scale      float64
	estimators []*CovarianceEstimator
}

// NewCovarianceSigmaAdapter builds a covariance adapter for nchains chains
// of the given dimension, scaling the empirical covariance by scale before
// exposing it (the classical choice is 2.38²/dims, Roberts–Rosenthal).
func NewCovarianceSigmaAdapter(nchains, dims int, scale float64) *CovarianceSigmaAdapter {
	est := make([]*CovarianceEstimator, nchains)
	for i := range est {
		est[i] = NewCovarianceEstimator(dims)
	}
	return &CovarianceSigmaAdapter{scale: scale, estimators: est}
}

// Update folds the chain's newest sample into its running estimator.
func (a *CovarianceSigmaAdapter) Update(i int, sample []float64) {
	a.estimators[i].Update(sample)
}

// ProposalCovariance returns chain i's current scaled empirical covariance,
// or nil if fewer than two samples have been observed (insufficient to
// estimate).
func (a *CovarianceSigmaAdapter) ProposalCovariance(i int) []float64 {
	est := a.estimators[i]
	if est.N() < 2 {
		return nil
	}
	cov := est.Covariance()
	out := make([]float64, len(cov))
	for k, v := range cov {
		out[k] = v * a.scale
	}
	return out
}
