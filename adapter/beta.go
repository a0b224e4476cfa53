package adapter

import (
	"math"

	"github.com/NICTA/stateline/config"
	"github.com/NICTA/stateline/internal/ring"
)

// BetaAdapter tracks per-chain swap accept/reject outcomes and adapts each
// chain's inverse temperature towards settings.OptimalSwapRate. Symmetric
// to SigmaAdapter; kept as a distinct type since the two are configured and
// invoked independently by the sampler.
type BetaAdapter struct {
	settings config.BetaAdapter
	chains   []chainWindow
}

// NewBetaAdapter builds a BetaAdapter for nchains chains.
func NewBetaAdapter(settings config.BetaAdapter, nchains int) *BetaAdapter {
	chains := make([]chainWindow, nchains)
	for i := range chains {
		chains[i].window = ring.NewWindow(settings.WindowSize)
	}
	return &BetaAdapter{settings: settings, chains: chains}
}

// Update records whether chain i's latest swap attempt succeeded and
// returns the chain's new beta value.
func (a *BetaAdapter) Update(i int, swapAccepted bool, currentBeta float64) float64 {
	c := &a.chains[i]
	c.window.Push(swapAccepted)
	c.steps++
	c.n++
	if c.steps < a.settings.NStepsPerAdapt {
		return currentBeta
	}
	c.steps = 0
	factor := adaptFactor(
		c.window.Rate(),
		a.settings.OptimalSwapRate,
		a.settings.AdaptRate,
		float64(c.n),
		a.settings.AdaptionLength,
		a.settings.MinAdaptFactor,
		a.settings.MaxAdaptFactor,
	)
	return currentBeta * factor
}

// SwapRates returns the current empirical swap-accept rate for every chain.
func (a *BetaAdapter) SwapRates() []float64 {
	out := make([]float64, len(a.chains))
	for i, c := range a.chains {
		out[i] = c.window.Rate()
	}
	return out
}

// InitialBetas computes the stack-initialisation ladder of spec.md §4.5:
// beta(s·nchains+k) = beta_factor^(−k), descending (coldest=1), per the
// Open Question resolved in DESIGN.md.
func InitialBetas(nstacks, nchains int, betaFactor float64) []float64 {
	out := make([]float64, nstacks*nchains)
	for s := 0; s < nstacks; s++ {
		for k := 0; k < nchains; k++ {
			out[s*nchains+k] = math.Pow(betaFactor, -float64(k))
		}
	}
	return out
}
