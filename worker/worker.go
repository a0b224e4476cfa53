// Package worker raises the raw message bus to the sampler's contract
// (spec.md §4.2): submit a chain's proposed sample, retrieve its energy.
// A chain's evaluation may fan out across several job types (e.g. a prior
// term and a likelihood term served by different worker populations); the
// Interface fans the submission out and fans the results back in before
// handing the sampler a single combined energy.
package worker

import (
	"context"

	"github.com/NICTA/stateline/bus"
	"github.com/NICTA/stateline/errs"
)

// SubJob is one (job-type, payload) pair of a chain's fan-out, per spec.md
// §4.2's job_construct returning "an ordered list of (job-type, payload)
// pairs". The list may repeat a job type: the original's own mixture demo
// (examples/mixture/demo.py) fans a single sample out to N sub-jobs all of
// job type 0, one per mixture component.
type SubJob struct {
	JobType int
	Payload []byte
}

// JobConstructor builds the ordered sub-job list for one chain's proposed
// sample. A chain with a single job type returns a one-element slice.
type JobConstructor interface {
	Construct(chainID int, x []float64) ([]SubJob, error)
}

// SubResult pairs a fanned-out sub-job's job type with its reply payload,
// in the same order Construct produced the sub-jobs.
type SubResult struct {
	JobType int
	Payload []byte
}

// ResultCombiner combines every sub-job's reply payload into a single
// energy value, once all have replied.
type ResultCombiner interface {
	Combine(chainID int, results []SubResult) (float64, error)
}

// result is what Interface.Run hands to a blocked Retrieve call.
type result struct {
	chainID int
	energy  float64
	err     error
}

// pendingEntry tracks one chain's in-flight fan-out/fan-in. Indexed by
// chain-id in a contiguous slice rather than a map, per spec.md §9's
// redesign note: the chain count is fixed at startup, so a slice avoids
// hashing on the hot submit/retrieve path. jobTypes and results are
// parallel slices indexed by sub-job ordinal, not by job type, so repeated
// job types within one chain's fan-out are addressed unambiguously.
type pendingEntry struct {
	outstanding int
	jobTypes    []int
	results     [][]byte
}

// Bus is the subset of *bus.Delegator the worker interface depends on.
type Bus interface {
	SubmitJob(jobType int, batchID uint64, payload []byte)
	Results() <-chan bus.Result
}

// Interface is the per-sampler WorkerInterface of spec.md §4.2.
type Interface struct {
	bus       Bus
	construct JobConstructor
	combine   ResultCombiner
	pending   []pendingEntry
	done      chan result
}

// New builds a worker Interface serving nchains chains.
func New(b Bus, construct JobConstructor, combine ResultCombiner, nchains int) *Interface {
	return &Interface{
		bus:       b,
		construct: construct,
		combine:   combine,
		pending:   make([]pendingEntry, nchains),
		done:      make(chan result, nchains),
	}
}

// encodeBatchID packs a (chainID, subIndex) pair into the bus's opaque
// batch-id, avoiding a separate reverse-lookup table: spec.md §4.3 permits
// at most one outstanding evaluation per chain, so the pair is always
// unambiguous while a submission is in flight. subIndex is the sub-job's
// ordinal position in Construct's returned list, not its job type, so two
// sub-jobs of the same job type within one fan-out never collide.
func encodeBatchID(chainID, subIndex int) uint64 {
	return uint64(uint32(chainID))<<32 | uint64(uint32(subIndex))
}

func decodeBatchID(b uint64) (chainID, subIndex int) {
	return int(int32(b >> 32)), int(int32(uint32(b)))
}

// Submit fans chainID's proposed sample x out to every sub-job its
// construction requires. Exactly one Submit may be outstanding per chain at
// a time.
func (w *Interface) Submit(chainID int, x []float64) error {
	jobs, err := w.construct.Construct(chainID, x)
	if err != nil {
		return &errs.EvaluationError{ChainID: chainID, Err: err}
	}
	if chainID < 0 || chainID >= len(w.pending) {
		return &errs.EvaluationError{ChainID: chainID, Err: errChainOutOfRange}
	}
	jobTypes := make([]int, len(jobs))
	for idx, j := range jobs {
		jobTypes[idx] = j.JobType
	}
	w.pending[chainID] = pendingEntry{
		outstanding: len(jobs),
		jobTypes:    jobTypes,
		results:     make([][]byte, len(jobs)),
	}
	for idx, j := range jobs {
		w.bus.SubmitJob(j.JobType, encodeBatchID(chainID, idx), j.Payload)
	}
	return nil
}

// Retrieve blocks until some chain's fan-out has fully completed, then
// returns that chain's id and combined energy.
func (w *Interface) Retrieve(ctx context.Context) (chainID int, energy float64, err error) {
	select {
	case r := <-w.done:
		return r.chainID, r.energy, r.err
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

// Run drains the bus's result stream, fanning each result in against its
// chain's pending entry, and delivering a completed chain to Retrieve once
// every sub-job it fanned out to has replied. Run must have exactly one
// caller for the lifetime of the Interface.
func (w *Interface) Run(ctx context.Context) error {
	for {
		select {
		case res, ok := <-w.bus.Results():
			if !ok {
				return nil
			}
			w.handleResult(ctx, res)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Interface) handleResult(ctx context.Context, res bus.Result) {
	chainID, subIndex := decodeBatchID(res.BatchID)
	if chainID < 0 || chainID >= len(w.pending) {
		return
	}
	p := &w.pending[chainID]
	if p.results == nil || subIndex < 0 || subIndex >= len(p.results) {
		return // stale/duplicate result for a chain with no outstanding submit
	}
	p.results[subIndex] = res.Payload
	p.outstanding--
	if p.outstanding > 0 {
		return
	}
	results := make([]SubResult, len(p.jobTypes))
	for idx := range p.jobTypes {
		results[idx] = SubResult{JobType: p.jobTypes[idx], Payload: p.results[idx]}
	}
	energy, err := w.combine.Combine(chainID, results)
	if err != nil {
		err = &errs.EvaluationError{ChainID: chainID, Err: err}
	}
	w.pending[chainID] = pendingEntry{}
	select {
	case w.done <- result{chainID: chainID, energy: energy, err: err}:
	case <-ctx.Done():
	}
}
