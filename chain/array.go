package chain

import (
	"errors"
	"fmt"

	"github.com/NICTA/stateline/config"
	"github.com/NICTA/stateline/errs"
)

// chainSlot holds the mutable per-chain bookkeeping: the current proposal
// scale/temperature, the total persisted+cached length, and the in-memory
// tail cache.
//
// All fields are only ever touched from the sampler's single loop
// goroutine (see spec.md §5), so no synchronization is used here, mirroring
// inprocgrpc's internal/stream.HalfStream, which documents the same
// single-goroutine assumption instead of taking locks.
type chainSlot struct {
	initialised bool
	length      int // total states ever appended (persisted + cached)
	cacheFrom   int // sequence number of cache[0]
	cache       []State
	sigma       float64
	beta        float64
}

// ChainArray is the append-only, persistent, cached store of per-chain MCMC
// states described in spec.md §3/§4.3.
type ChainArray struct {
	nstacks, nchains int
	cacheLen         int
	store            *store
	slots            []chainSlot
}

// Open creates or recovers a ChainArray backed by the database at
// settings.ChainStore.DatabasePath.
func Open(settings config.Settings) (*ChainArray, error) {
	ntotal := settings.NTotal()
	if ntotal <= 0 {
		return nil, &errs.ConfigError{Field: "nstacks*nchains", Err: errors.New("must be positive")}
	}
	st, err := openStore(settings.ChainStore.DatabasePath, settings.ChainStore.DatabaseCacheSizeMB)
	if err != nil {
		return nil, err
	}
	ca := &ChainArray{
		nstacks:  settings.NStacks,
		nchains:  settings.NChains,
		cacheLen: settings.ChainStore.ChainCacheLength,
		store:    st,
		slots:    make([]chainSlot, ntotal),
	}
	if settings.ChainStore.RecoverFromDisk {
		if err := ca.recover(); err != nil {
			st.Close()
			return nil, err
		}
	}
	return ca, nil
}

// recover re-derives each chain's length and current tail from the store,
// so that Length/LastState are correct immediately after re-opening an
// existing database (spec.md §8 scenario 4).
func (c *ChainArray) recover() error {
	for i := range c.slots {
		max, err := c.store.maxSeq(i)
		if err != nil {
			return err
		}
		if max < 0 {
			continue
		}
		c.slots[i].initialised = true
		c.slots[i].length = max + 1
		from := max + 1 - c.cacheLen
		if from < 0 {
			from = 0
		}
		states, err := c.store.rangeScan(i, from, max+1)
		if err != nil {
			return err
		}
		c.slots[i].cache = states
		c.slots[i].cacheFrom = from
		if len(states) > 0 {
			last := states[len(states)-1]
			c.slots[i].sigma = last.Sigma
			c.slots[i].beta = last.Beta
		}
	}
	return nil
}

// Close flushes all cached states to the store and closes it.
func (c *ChainArray) Close() error {
	for i := range c.slots {
		slot := &c.slots[i]
		if err := c.store.putBatch(i, slot.cacheFrom, slot.cache); err != nil {
			return err
		}
	}
	return c.store.Close()
}

func (c *ChainArray) checkIndex(i int) error {
	if i < 0 || i >= len(c.slots) {
		return fmt.Errorf("stateline: chain index %d out of range [0,%d)", i, len(c.slots))
	}
	return nil
}

// Initialise sets the first state of chain i. Permitted once per chain.
func (c *ChainArray) Initialise(i int, sample []float64, energy, sigma, beta float64) error {
	if err := c.checkIndex(i); err != nil {
		return err
	}
	slot := &c.slots[i]
	if slot.initialised {
		return fmt.Errorf("stateline: chain %d already initialised", i)
	}
	slot.initialised = true
	slot.sigma = sigma
	slot.beta = beta
	st := State{
		Sample:   append([]float64(nil), sample...),
		Energy:   energy,
		Sigma:    sigma,
		Beta:     beta,
		Accepted: true,
		SwapType: NoAttempt,
	}
	return c.appendState(i, st)
}

// Append appends a new state to chain i, stamped with the chain's current
// sigma and beta.
func (c *ChainArray) Append(i int, sample []float64, energy float64, accepted bool) error {
	return c.appendWithSwap(i, sample, energy, accepted, NoAttempt)
}

// AppendSwap appends a state resulting from a swap attempt (accepted or
// rejected), per spec.md §4.3's swap side-effect.
func (c *ChainArray) AppendSwap(i int, sample []float64, energy float64, swapType SwapType) error {
	return c.appendWithSwap(i, sample, energy, swapType == SwapAccept, swapType)
}

func (c *ChainArray) appendWithSwap(i int, sample []float64, energy float64, accepted bool, st SwapType) error {
	if err := c.checkIndex(i); err != nil {
		return err
	}
	slot := &c.slots[i]
	if !slot.initialised {
		return fmt.Errorf("stateline: chain %d not initialised", i)
	}
	s := State{
		Sample:   append([]float64(nil), sample...),
		Energy:   energy,
		Sigma:    slot.sigma,
		Beta:     slot.beta,
		Accepted: accepted,
		SwapType: st,
	}
	return c.appendState(i, s)
}

func (c *ChainArray) appendState(i int, s State) error {
	slot := &c.slots[i]
	slot.cache = append(slot.cache, s)
	slot.length++
	if len(slot.cache) > c.cacheLen {
		return c.flush(i)
	}
	return nil
}

// flush writes the oldest cached states of chain i to the store, keeping
// the most recent cacheLen states in memory, per spec.md §3/§4.3 invariant
// (iii): "cache holds the most recent cache_length states of each chain."
func (c *ChainArray) flush(i int) error {
	slot := &c.slots[i]
	if len(slot.cache) <= c.cacheLen {
		return nil
	}
	nflush := len(slot.cache) - c.cacheLen
	toFlush := slot.cache[:nflush]
	if err := c.store.putBatch(i, slot.cacheFrom, toFlush); err != nil {
		return err
	}
	slot.cacheFrom += nflush
	slot.cache = append([]State(nil), slot.cache[nflush:]...)
	return nil
}

// SetSigma sets chain i's proposal scale. Affects subsequent appends only.
func (c *ChainArray) SetSigma(i int, v float64) error {
	if err := c.checkIndex(i); err != nil {
		return err
	}
	c.slots[i].sigma = v
	return nil
}

// SetBeta sets chain i's inverse temperature. Affects subsequent appends only.
func (c *ChainArray) SetBeta(i int, v float64) error {
	if err := c.checkIndex(i); err != nil {
		return err
	}
	c.slots[i].beta = v
	return nil
}

// Sigma returns chain i's current proposal scale.
func (c *ChainArray) Sigma(i int) float64 { return c.slots[i].sigma }

// Beta returns chain i's current inverse temperature.
func (c *ChainArray) Beta(i int) float64 { return c.slots[i].beta }

// Length returns the number of states appended to chain i so far.
func (c *ChainArray) Length(i int) int { return c.slots[i].length }

// LastState returns the most recent state of chain i.
func (c *ChainArray) LastState(i int) (State, error) {
	slot := &c.slots[i]
	if len(slot.cache) == 0 {
		return State{}, fmt.Errorf("stateline: chain %d has no states", i)
	}
	return slot.cache[len(slot.cache)-1].Clone(), nil
}

// States returns chain i's states in [burnin, length), keeping every
// (thin+1)-th entry. A thin of 0 keeps every entry.
func (c *ChainArray) States(i, burnin, thin int) ([]State, error) {
	if err := c.checkIndex(i); err != nil {
		return nil, err
	}
	slot := &c.slots[i]
	if burnin < 0 {
		burnin = 0
	}
	if burnin >= slot.length {
		return nil, nil
	}

	var all []State
	if burnin < slot.cacheFrom {
		stored, err := c.store.rangeScan(i, burnin, slot.cacheFrom)
		if err != nil {
			return nil, err
		}
		all = append(all, stored...)
		all = append(all, slot.cache...)
	} else {
		start := burnin - slot.cacheFrom
		all = append(all, slot.cache[start:]...)
	}

	if thin <= 0 {
		out := make([]State, len(all))
		for i, s := range all {
			out[i] = s.Clone()
		}
		return out, nil
	}
	var out []State
	for i := 0; i < len(all); i += thin + 1 {
		out = append(out, all[i].Clone())
	}
	return out, nil
}

// NTotal is the number of chains in the array.
func (c *ChainArray) NTotal() int { return len(c.slots) }

// NStacks is the number of stacks.
func (c *ChainArray) NStacks() int { return c.nstacks }

// NChains is the number of chains per stack.
func (c *ChainArray) NChains() int { return c.nchains }

// ColdChain returns the global chain id of stack s's coldest chain.
func (c *ChainArray) ColdChain(s int) int { return s * c.nchains }

// IsHottest reports whether chain i is the hottest chain in its stack.
func (c *ChainArray) IsHottest(i int) bool {
	return i%c.nchains == c.nchains-1
}

// ColdSamples returns every stack's coldest chain's states in [burnin,
// length), thinned by thin, concatenated in stack order. It is a
// convenience wrapper over States/ColdChain for callers that only care
// about beta=1 samples and don't need per-stack separation.
func (c *ChainArray) ColdSamples(burnin, thin int) ([]State, error) {
	var out []State
	for s := 0; s < c.nstacks; s++ {
		states, err := c.States(c.ColdChain(s), burnin, thin)
		if err != nil {
			return nil, err
		}
		out = append(out, states...)
	}
	return out, nil
}

// Neighbour returns the id of the next-hotter chain in i's stack.
func (c *ChainArray) Neighbour(i int) int { return i + 1 }
