// Package sampler implements the scheduling core of spec.md §4.4: the
// single-threaded event loop that retrieves completed energy evaluations,
// runs Metropolis accept/reject, triggers inter-chain swaps, drives the
// sigma/beta adapters, and resubmits the next proposal.
package sampler

import (
	"context"
	"errors"
	"math"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/NICTA/stateline/adapter"
	"github.com/NICTA/stateline/chain"
	"github.com/NICTA/stateline/errs"
	"github.com/NICTA/stateline/proposal"
	"github.com/NICTA/stateline/worker"
)

// Worker is the subset of *worker.Interface the sampler depends on.
type Worker interface {
	Submit(chainID int, x []float64) error
	Retrieve(ctx context.Context) (chainID int, energy float64, err error)
}

var _ Worker = (*worker.Interface)(nil)

// Sampler is the scheduling core of spec.md §4.4.
type Sampler struct {
	chains *chain.ChainArray
	worker Worker
	propose proposal.Fn
	sigmaAdapter *adapter.SigmaAdapter
	betaAdapter  *adapter.BetaAdapter
	swapInterval int
	rng          *rand.Rand
	log          zerolog.Logger

	pendingX     [][]float64 // side table keyed by chain-id: the sample currently awaiting retrieve
	stepCounters []int
}

// New builds a Sampler over an already-open ChainArray.
func New(
	chains *chain.ChainArray,
	w Worker,
	propose proposal.Fn,
	sigmaAdapter *adapter.SigmaAdapter,
	betaAdapter *adapter.BetaAdapter,
	swapInterval int,
	rng *rand.Rand,
	log zerolog.Logger,
) *Sampler {
	n := chains.NTotal()
	return &Sampler{
		chains:       chains,
		worker:       w,
		propose:      propose,
		sigmaAdapter: sigmaAdapter,
		betaAdapter:  betaAdapter,
		swapInterval: swapInterval,
		rng:          rng,
		log:          log.With().Str("component", "sampler").Logger(),
		pendingX:     make([][]float64, n),
		stepCounters: make([]int, n),
	}
}

// Initialize bootstraps every chain from a common starting sample x0:
// submits one evaluation per chain, blocks for all nTotal results, calls
// ChainArray.Initialise with the returned energies, and submits each
// chain's first post-initialisation proposal.
func (s *Sampler) Initialize(ctx context.Context, x0 []float64) error {
	ntotal := s.chains.NTotal()
	for i := 0; i < ntotal; i++ {
		s.pendingX[i] = x0
		if err := s.worker.Submit(i, x0); err != nil {
			return err
		}
	}
	for n := 0; n < ntotal; n++ {
		i, energy, err := s.worker.Retrieve(ctx)
		if err != nil {
			return err
		}
		sigma, beta := s.chains.Sigma(i), s.chains.Beta(i)
		if err := s.chains.Initialise(i, x0, energy, sigma, beta); err != nil {
			return err
		}
		if err := s.submitNext(i); err != nil {
			return err
		}
	}
	return nil
}

// Step runs one iteration of the per-iteration protocol of spec.md §4.4:
// retrieve, accept/reject, append, conditionally swap, adapt, submit next.
func (s *Sampler) Step(ctx context.Context) error {
	i, energyNew, err := s.worker.Retrieve(ctx)
	if err != nil {
		var evalErr *errs.EvaluationError
		if errors.As(err, &evalErr) {
			s.log.Error().Err(err).Int("chain", i).Msg("evaluation failed, retrying")
			return s.worker.Submit(i, s.pendingX[i])
		}
		return err
	}
	if err := s.completeRetrieval(i, energyNew); err != nil {
		return err
	}
	return s.submitNext(i)
}

// Flush drains every outstanding evaluation, completing accept/reject and
// swap logic for each, but issuing no new submissions, per spec.md §4.4.
// Idempotent: safe to call with no outstanding evaluations.
func (s *Sampler) Flush(ctx context.Context) error {
	outstanding := 0
	for _, x := range s.pendingX {
		if x != nil {
			outstanding++
		}
	}
	for n := 0; n < outstanding; n++ {
		i, energyNew, err := s.worker.Retrieve(ctx)
		if err != nil {
			var evalErr *errs.EvaluationError
			if errors.As(err, &evalErr) {
				s.pendingX[i] = nil
				continue
			}
			return err
		}
		err = s.completeRetrieval(i, energyNew)
		s.pendingX[i] = nil
		if err != nil {
			return err
		}
	}
	return nil
}

// Run repeatedly calls Step until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// completeRetrieval runs steps 2-5 of spec.md §4.4's per-iteration protocol:
// accept/reject, append, conditional swap, adapter updates.
func (s *Sampler) completeRetrieval(i int, energyNew float64) error {
	prev, err := s.chains.LastState(i)
	if err != nil {
		return err
	}
	beta := s.chains.Beta(i)
	logAlpha := -beta * (energyNew - prev.Energy)
	accepted := math.Log(s.rng.Float64()) < logAlpha

	sample, energy := prev.Sample, prev.Energy
	if accepted {
		sample, energy = s.pendingX[i], energyNew
	}
	if err := s.chains.Append(i, sample, energy, accepted); err != nil {
		return err
	}

	newSigma := s.sigmaAdapter.Update(i, accepted, s.chains.Sigma(i))
	if err := s.chains.SetSigma(i, newSigma); err != nil {
		return err
	}

	s.stepCounters[i]++
	if s.stepCounters[i]%s.swapInterval == 0 && !s.chains.IsHottest(i) {
		j := s.chains.Neighbour(i)
		if err := s.attemptSwap(i, j); err != nil {
			return err
		}
	}
	return nil
}

// attemptSwap runs the inter-chain swap attempt of spec.md §4.4 step 4
// between temperature-adjacent chains i (colder) and j (hotter).
func (s *Sampler) attemptSwap(i, j int) error {
	si, err := s.chains.LastState(i)
	if err != nil {
		return err
	}
	sj, err := s.chains.LastState(j)
	if err != nil {
		return err
	}
	betaI, betaJ := s.chains.Beta(i), s.chains.Beta(j)
	logAlpha := (betaI - betaJ) * (si.Energy - sj.Energy)
	accept := math.Log(s.rng.Float64()) < logAlpha

	if accept {
		if err := s.chains.AppendSwap(i, sj.Sample, sj.Energy, chain.SwapAccept); err != nil {
			return err
		}
		if err := s.chains.AppendSwap(j, si.Sample, si.Energy, chain.SwapAccept); err != nil {
			return err
		}
	} else {
		if err := s.chains.AppendSwap(i, si.Sample, si.Energy, chain.SwapReject); err != nil {
			return err
		}
		if err := s.chains.AppendSwap(j, sj.Sample, sj.Energy, chain.SwapReject); err != nil {
			return err
		}
	}

	newBetaI := s.betaAdapter.Update(i, accept, betaI)
	if err := s.chains.SetBeta(i, newBetaI); err != nil {
		return err
	}
	newBetaJ := s.betaAdapter.Update(j, accept, betaJ)
	return s.chains.SetBeta(j, newBetaJ)
}

// submitNext computes chain i's next proposal from its current state and
// submits it, closing out the per-iteration protocol.
func (s *Sampler) submitNext(i int) error {
	last, err := s.chains.LastState(i)
	if err != nil {
		return err
	}
	xNext := s.propose.Propose(i, last.Sample, s.chains.Sigma(i))
	s.pendingX[i] = xNext
	return s.worker.Submit(i, xNext)
}
