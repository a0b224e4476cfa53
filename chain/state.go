// Package chain implements the persistent, cached, append-only store of
// per-chain MCMC states described in spec.md §3 and §4.3.
package chain

import "fmt"

// SwapType tags whether and how a state participated in an inter-chain swap
// attempt.
type SwapType uint8

const (
	// NoAttempt means no swap was attempted when this state was appended.
	NoAttempt SwapType = iota
	// SwapAccept means a swap attempt succeeded; the state's sample and
	// energy were exchanged with a temperature-neighbour chain.
	SwapAccept
	// SwapReject means a swap was attempted and rejected; the state is a
	// length-increasing no-op carrying the chain's own sample and energy.
	SwapReject
)

func (s SwapType) String() string {
	switch s {
	case NoAttempt:
		return "NoAttempt"
	case SwapAccept:
		return "Accept"
	case SwapReject:
		return "Reject"
	default:
		return fmt.Sprintf("SwapType(%d)", uint8(s))
	}
}

// State is one point in a chain's history. See spec.md §3.
//
// Invariant: Accepted == false implies Sample equals the preceding in-chain
// state's Sample.
type State struct {
	Sample   []float64
	Energy   float64
	Sigma    float64
	Beta     float64
	Accepted bool
	SwapType SwapType
}

// Clone returns a deep copy of the state, so that callers (adapters, the
// persistence layer) never share the backing array of Sample with the
// ChainArray's own copy.
func (s State) Clone() State {
	out := s
	if s.Sample != nil {
		out.Sample = append([]float64(nil), s.Sample...)
	}
	return out
}
