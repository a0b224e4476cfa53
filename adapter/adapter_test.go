package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NICTA/stateline/config"
)

func TestSigmaAdapter_AcceptRate(t *testing.T) {
	settings := config.Default().Sigma
	settings.WindowSize = 10
	settings.NStepsPerAdapt = 1000000 // don't trigger an adapt decision mid-test
	a := NewSigmaAdapter(settings, 1)

	for _, outcome := range []bool{true, true, true, false} {
		a.Update(0, outcome, 1.0)
	}
	assert.InDelta(t, 0.75, a.AcceptRates()[0], 1e-9)
}

func TestInitialSigmas(t *testing.T) {
	got := InitialSigmas(1, 4, 2.0, 1.5)
	want := []float64{2.0, 3.0, 4.5, 6.75}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9, "InitialSigmas[%d]", i)
	}
}

func TestInitialBetas_Descending(t *testing.T) {
	got := InitialBetas(1, 4, 2.0)
	want := []float64{1, 0.5, 0.25, 0.125}
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9, "InitialBetas[%d]", i)
	}
}

func TestCovarianceEstimator_MatchesSampleCovariance(t *testing.T) {
	samples := [][]float64{
		{1, 2}, {3, 4}, {5, 0}, {2, 2}, {4, 6},
	}
	est := NewCovarianceEstimator(2)
	for _, s := range samples {
		est.Update(s)
	}

	mean := []float64{0, 0}
	for _, s := range samples {
		mean[0] += s[0]
		mean[1] += s[1]
	}
	n := float64(len(samples))
	mean[0] /= n
	mean[1] /= n

	var want [4]float64
	for _, s := range samples {
		d0 := s[0] - mean[0]
		d1 := s[1] - mean[1]
		want[0] += d0 * d0
		want[1] += d0 * d1
		want[2] += d1 * d0
		want[3] += d1 * d1
	}
	for i := range want {
		want[i] /= n
	}

	got := est.Covariance()
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9, "Covariance()[%d]", i)
	}
}

func TestBlockSigmaAdapter_RotatesCursor(t *testing.T) {
	settings := config.Default().Sigma
	settings.NStepsPerAdapt = 1000000
	inner := NewSigmaAdapter(settings, 1)
	a := NewBlockSigmaAdapter(1, 3, inner, 1.0)

	assert.Equal(t, 0, a.Cursor(0))
	for step := 0; step < 5; step++ {
		a.Update(0, true)
	}
	assert.Equal(t, 2, a.Cursor(0))
	assert.Len(t, a.Sigmas(0), 3)
}

func TestCovarianceSigmaAdapter_ProposalCovariance(t *testing.T) {
	a := NewCovarianceSigmaAdapter(1, 2, 1.0)
	assert.Nil(t, a.ProposalCovariance(0))
	a.Update(0, []float64{1, 2})
	a.Update(0, []float64{3, 4})
	a.Update(0, []float64{5, 0})
	assert.NotNil(t, a.ProposalCovariance(0))
}

func TestAdaptFactor_ClipsToBounds(t *testing.T) {
	assert.Equal(t, 1.25, adaptFactor(1.0, 0.0, 10.0, 0, 100, 0.8, 1.25))
	assert.Equal(t, 0.8, adaptFactor(0.0, 1.0, 10.0, 0, 100, 0.8, 1.25))
}
