// Package adapter implements the online proposal-scale (sigma) and
// inverse-temperature (beta) estimators of spec.md §4.5: each chain keeps a
// sliding window of recent binary outcomes and periodically nudges its
// scale factor towards a target acceptance/swap rate.
package adapter

import (
	"math"

	"golang.org/x/exp/constraints"

	"github.com/NICTA/stateline/config"
	"github.com/NICTA/stateline/internal/ring"
)

// clip bounds v to [lo, hi]. Generic per catrate's own use of
// constraints.Ordered for its ring-buffer helpers; adaptFactor below calls
// it at float64, but it's shared, not sigma-specific.
func clip[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// adaptFactor computes the multiplicative nudge of spec.md §4.5:
// clip(1 + rate·(r−target), min, max), where rate itself decays with the
// chain's sample index n so adaptation becomes time-homogeneous.
func adaptFactor(r, target, rate, n, adaptionLength, min, max float64) float64 {
	effectiveRate := rate / (1 + n/adaptionLength)
	return clip(1+effectiveRate*(r-target), min, max)
}

type chainWindow struct {
	window *ring.Window
	steps  int // appends seen since the last adapt decision
	n      int // total appends seen, for the decay term
}

// SigmaAdapter tracks per-chain accept/reject outcomes and adapts each
// chain's proposal scale towards settings.OptimalAcceptRate.
type SigmaAdapter struct {
	settings config.SigmaAdapter
	chains   []chainWindow
}

// NewSigmaAdapter builds a SigmaAdapter for nchains chains.
func NewSigmaAdapter(settings config.SigmaAdapter, nchains int) *SigmaAdapter {
	chains := make([]chainWindow, nchains)
	for i := range chains {
		chains[i].window = ring.NewWindow(settings.WindowSize)
	}
	return &SigmaAdapter{settings: settings, chains: chains}
}

// Update records whether chain i's latest step was accepted and returns the
// chain's new sigma value (unchanged unless this append triggered an
// adaptation decision).
func (a *SigmaAdapter) Update(i int, accepted bool, currentSigma float64) float64 {
	c := &a.chains[i]
	c.window.Push(accepted)
	c.steps++
	c.n++
	if c.steps < a.settings.NStepsPerAdapt {
		return currentSigma
	}
	c.steps = 0
	factor := adaptFactor(
		c.window.Rate(),
		a.settings.OptimalAcceptRate,
		a.settings.AdaptRate,
		float64(c.n),
		a.settings.AdaptionLength,
		a.settings.MinAdaptFactor,
		a.settings.MaxAdaptFactor,
	)
	return currentSigma * factor
}

// AcceptRates returns the current empirical accept rate for every chain,
// per spec.md §8's testable property on SlidingWindowSigmaAdapter.
func (a *SigmaAdapter) AcceptRates() []float64 {
	out := make([]float64, len(a.chains))
	for i, c := range a.chains {
		out[i] = c.window.Rate()
	}
	return out
}

// InitialSigmas computes the stack-initialisation ladder of spec.md §4.5:
// sigma(s·nchains+k) = cold_sigma · sigma_factor^k.
func InitialSigmas(nstacks, nchains int, coldSigma, sigmaFactor float64) []float64 {
	out := make([]float64, nstacks*nchains)
	for s := 0; s < nstacks; s++ {
		for k := 0; k < nchains; k++ {
			out[s*nchains+k] = coldSigma * math.Pow(sigmaFactor, float64(k))
		}
	}
	return out
}
