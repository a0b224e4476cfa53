package adapter

// BlockSigmaAdapter is the "block adapter" variant of spec.md §4.5: it
// rotates through a sample's dimensions, adapting only one coordinate's
// scalar scale per step, indexed by a per-chain cursor modulo D.
type BlockSigmaAdapter struct {
	dims    int
	cursors []int
	inner   *SigmaAdapter
	sigmas  [][]float64 // per-chain, per-dimension scale
}

// NewBlockSigmaAdapter builds a block adapter for nchains chains of the
// given dimension. inner supplies the shared rate/window/decay config and
// the accept-rate windows (one window per chain is reused across all of
// that chain's dimensions, since only one dimension adapts per step).
func NewBlockSigmaAdapter(nchains, dims int, inner *SigmaAdapter, initial float64) *BlockSigmaAdapter {
	sigmas := make([][]float64, nchains)
	for i := range sigmas {
		sigmas[i] = make([]float64, dims)
		for d := range sigmas[i] {
			sigmas[i][d] = initial
		}
	}
	return &BlockSigmaAdapter{
		dims:    dims,
		cursors: make([]int, nchains),
		inner:   inner,
		sigmas:  sigmas,
	}
}

// Update adapts only the coordinate chain i's cursor points at, leaving the
// rest of the per-dimension scale vector untouched, then advances the cursor.
func (a *BlockSigmaAdapter) Update(i int, accepted bool) []float64 {
	d := a.cursors[i]
	a.sigmas[i][d] = a.inner.Update(i, accepted, a.sigmas[i][d])
	a.cursors[i] = (d + 1) % a.dims
	return a.Sigmas(i)
}

// Sigmas returns a copy of chain i's current per-dimension scale vector.
func (a *BlockSigmaAdapter) Sigmas(i int) []float64 {
	out := make([]float64, a.dims)
	copy(out, a.sigmas[i])
	return out
}

// Cursor returns the dimension chain i will adapt on its next Update call.
func (a *BlockSigmaAdapter) Cursor(i int) int { return a.cursors[i] }
