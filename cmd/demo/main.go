// Command demo runs a small end-to-end parallel-tempered sampling run
// against a delegator and one or more external cmd/worker processes,
// reproducing the original's own flagship fan-out example
// (examples/mixture/demo.py): a sample is fanned out to one sub-job per
// Gaussian mixture component, all of the same job type, and fanned back in
// via log-sum-exp.
package main

import (
	"bytes"
	"context"
	"encoding/gob"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/NICTA/stateline/adapter"
	"github.com/NICTA/stateline/bus"
	"github.com/NICTA/stateline/chain"
	"github.com/NICTA/stateline/config"
	"github.com/NICTA/stateline/proposal"
	"github.com/NICTA/stateline/sampler"
	"github.com/NICTA/stateline/worker"
)

const jobTypeMixture = 0

func main() {
	addr := flag.String("addr", "tcp://127.0.0.1:5555", "delegator listen address")
	nchains := flag.Int("nchains", 8, "chains per stack")
	steps := flag.Int("steps", 2000, "sampler steps to run")
	dbPath := flag.String("db", "demo-chain.db", "chain store path")
	betaFactor := flag.Float64("beta-factor", 1.4, "beta ladder factor")
	swapInterval := flag.Int("swap-interval", 5, "steps between swap attempts")
	ncomp := flag.Int("ncomp", 10, "number of mixture components")
	spacing := flag.Float64("spacing", 3.0, "scale of the random spread of mixture component means")
	sigma := flag.Float64("sigma", 1.0, "standard deviation of each mixture component")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, *addr, *nchains, *steps, *dbPath, *betaFactor, *swapInterval, *ncomp, *spacing, *sigma); err != nil {
		log.Fatal().Err(err).Msg("demo run failed")
	}
}

func run(ctx context.Context, log zerolog.Logger, addr string, nchains, steps int, dbPath string, betaFactor float64, swapInterval, ncomp int, spacing, sigma float64) error {
	settings, err := config.New(1, nchains, 2,
		config.WithDatabasePath(dbPath),
		config.WithSwapInterval(swapInterval),
		config.WithBetaAdapter(betaAdapterSettings(betaFactor)),
	)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	chains, err := chain.Open(settings)
	if err != nil {
		return fmt.Errorf("open chain store: %w", err)
	}
	defer chains.Close()

	meanRNG := rand.New(rand.NewSource(time.Now().UnixNano()))
	means := randomMeans(meanRNG, ncomp, 2, spacing)

	globalSpec, err := encodeGlobalSpec(sigma)
	if err != nil {
		return fmt.Errorf("encode global spec: %w", err)
	}

	delegator, err := bus.NewDelegator(addr, bus.Spec{
		Global: globalSpec,
		Jobs:   map[int][]byte{jobTypeMixture: []byte("mixture")},
	}, settings.Heartbeat, log)
	if err != nil {
		return fmt.Errorf("new delegator: %w", err)
	}
	defer delegator.Close()

	busCtx, busCancel := context.WithCancel(ctx)
	defer busCancel()
	busErrs := make(chan error, 1)
	go func() { busErrs <- delegator.Run(busCtx) }()

	go func() {
		for {
			select {
			case timeout, ok := <-delegator.Timeouts():
				if !ok {
					return
				}
				log.Warn().Err(timeout).Str("worker", timeout.WorkerID).Msg("worker dropped")
			case <-busCtx.Done():
				return
			}
		}
	}()

	construct := worker.MixtureJobConstructor{JobType: jobTypeMixture, Means: means}
	wi := worker.New(delegator, construct, worker.LogSumExpResultCombiner{}, chains.NTotal())
	go func() { _ = wi.Run(busCtx) }()

	sigmas := adapter.InitialSigmas(settings.NStacks, settings.NChains, settings.Sigma.ColdSigma, settings.Sigma.SigmaFactor)
	betas := adapter.InitialBetas(settings.NStacks, settings.NChains, settings.Beta.BetaFactor)
	for i := 0; i < chains.NTotal(); i++ {
		chains.SetSigma(i, sigmas[i])
		chains.SetBeta(i, betas[i])
	}

	sigmaAdapter := adapter.NewSigmaAdapter(settings.Sigma, chains.NTotal())
	betaAdapter := adapter.NewBetaAdapter(settings.Beta, chains.NTotal())
	prop := proposal.NewGaussian(rand.New(rand.NewSource(time.Now().UnixNano())))
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	s := sampler.New(chains, wi, prop, sigmaAdapter, betaAdapter, settings.SwapInterval, rng, log)

	log.Info().Int("nchains", chains.NTotal()).Str("addr", addr).Msg("waiting for worker to connect")
	if err := s.Initialize(ctx, []float64{0, 0}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	for n := 0; n < steps; n++ {
		if err := s.Step(ctx); err != nil {
			return fmt.Errorf("step %d: %w", n, err)
		}
		if n%500 == 0 {
			last, _ := chains.LastState(chains.ColdChain(0))
			log.Info().Int("step", n).Floats64("sample", last.Sample).Msg("progress")
		}
	}
	if err := s.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	cold, err := chains.ColdSamples(steps/4, 0)
	if err != nil {
		return fmt.Errorf("cold samples: %w", err)
	}
	log.Info().
		Int("length", chains.Length(chains.ColdChain(0))).
		Int("cold_samples", len(cold)).
		Floats64("posterior_mean", meanSample(cold)).
		Msg("run complete")
	return nil
}

func betaAdapterSettings(factor float64) config.BetaAdapter {
	s := config.Default().Beta
	s.BetaFactor = factor
	return s
}

// randomMeans scatters ncomp component means of dims dimensions, each drawn
// from a standard normal scaled by spacing, per demo.py's
// `means = np.random.randn(ncomp, ndims) * spacing`.
func randomMeans(rng *rand.Rand, ncomp, dims int, spacing float64) [][]float64 {
	means := make([][]float64, ncomp)
	for i := range means {
		mean := make([]float64, dims)
		for d := range mean {
			mean[d] = rng.NormFloat64() * spacing
		}
		means[i] = mean
	}
	return means
}

// encodeGlobalSpec gob-encodes the shared mixture standard deviation carried
// in the HELLO reply's global spec, the Go analogue of demo.py's
// `worker.global_spec`.
func encodeGlobalSpec(sigma float64) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sigma); err != nil {
		return nil, fmt.Errorf("stateline: encode global spec: %w", err)
	}
	return buf.Bytes(), nil
}

// meanSample averages a dimension-wise sample mean across states, the
// simplest posterior summary a demo run can report.
func meanSample(states []chain.State) []float64 {
	if len(states) == 0 {
		return nil
	}
	mean := make([]float64, len(states[0].Sample))
	for _, s := range states {
		for d, v := range s.Sample {
			mean[d] += v
		}
	}
	for d := range mean {
		mean[d] /= float64(len(states))
	}
	return mean
}
