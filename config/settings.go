// Package config holds the engine-wide Settings object of spec.md §6, built
// via functional options in the style of inprocgrpc's Option/channelOptions:
// invalid combinations surface as a returned error rather than a panic,
// since (unlike a nil required dependency) they are caller-data errors, not
// programmer errors.
package config

import (
	"errors"
	"time"

	"github.com/NICTA/stateline/errs"
)

// Heartbeat controls liveness detection between the delegator and workers.
type Heartbeat struct {
	Rate     time.Duration // how often the delegator pings every connected worker and checks for expired ones
	PollRate time.Duration // how often a worker polls for delegator messages
	Timeout  time.Duration // disconnect a peer silent for this long
}

// ChainStore controls the persisted chain array's backing store and cache.
type ChainStore struct {
	DatabasePath        string
	RecoverFromDisk     bool
	ChainCacheLength    int // states held in memory per chain
	DatabaseCacheSizeMB int
}

// SigmaAdapter controls the sliding-window proposal-scale adapter.
type SigmaAdapter struct {
	WindowSize        int
	ColdSigma         float64
	SigmaFactor       float64
	AdaptionLength    float64
	NStepsPerAdapt    int
	OptimalAcceptRate float64
	AdaptRate         float64
	MinAdaptFactor    float64
	MaxAdaptFactor    float64
}

// BetaAdapter controls the sliding-window inverse-temperature adapter.
type BetaAdapter struct {
	WindowSize      int
	BetaFactor      float64
	AdaptionLength  float64
	NStepsPerAdapt  int
	OptimalSwapRate float64
	AdaptRate       float64
	MinAdaptFactor  float64
	MaxAdaptFactor  float64
}

// Settings is the full set of engine-wide knobs, all optional; see
// [Default] for the values used when an option is not supplied.
type Settings struct {
	NStacks int
	NChains int
	NDims   int

	Heartbeat    Heartbeat
	ChainStore   ChainStore
	Sigma        SigmaAdapter
	Beta         BetaAdapter
	SwapInterval int
}

// Option configures a Settings value during [New].
type Option func(*Settings) error

// Default returns the settings used by spec.md's reference examples.
func Default() Settings {
	return Settings{
		NStacks: 1,
		NChains: 1,
		NDims:   1,
		Heartbeat: Heartbeat{
			Rate:     1000 * time.Millisecond,
			PollRate: 500 * time.Millisecond,
			Timeout:  3000 * time.Millisecond,
		},
		ChainStore: ChainStore{
			DatabasePath:        "chainDB",
			ChainCacheLength:    1000,
			DatabaseCacheSizeMB: 10,
		},
		Sigma: SigmaAdapter{
			WindowSize:        10000,
			ColdSigma:         1.0,
			SigmaFactor:       1.5, // per-step ratio between adjacent chains' initial sigma
			AdaptionLength:    100000,
			NStepsPerAdapt:    2500,
			OptimalAcceptRate: 0.24,
			AdaptRate:         0.2,
			MinAdaptFactor:    0.8,
			MaxAdaptFactor:    1.25,
		},
		Beta: BetaAdapter{
			WindowSize:      10000,
			BetaFactor:      1.5,
			AdaptionLength:  100000,
			NStepsPerAdapt:  2500,
			OptimalSwapRate: 0.24,
			AdaptRate:       0.2,
			MinAdaptFactor:  0.8,
			MaxAdaptFactor:  1.25,
		},
		SwapInterval: 10,
	}
}

// New builds a validated Settings from the defaults plus the given options.
// Returns an *errs.ConfigError if the resulting settings are invalid.
func New(nstacks, nchains, ndims int, opts ...Option) (Settings, error) {
	s := Default()
	s.NStacks, s.NChains, s.NDims = nstacks, nchains, ndims
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&s); err != nil {
			return Settings{}, err
		}
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	if s.NStacks <= 0 {
		return &errs.ConfigError{Field: "nstacks", Err: errors.New("must be positive")}
	}
	if s.NChains <= 0 {
		return &errs.ConfigError{Field: "nchains", Err: errors.New("must be positive")}
	}
	if s.NDims <= 0 {
		return &errs.ConfigError{Field: "ndims", Err: errors.New("must be positive")}
	}
	if s.ChainStore.DatabasePath == "" {
		return &errs.ConfigError{Field: "database_path", Err: errors.New("must not be empty")}
	}
	if s.ChainStore.ChainCacheLength <= 0 {
		return &errs.ConfigError{Field: "chain_cache_length", Err: errors.New("must be positive")}
	}
	if s.SwapInterval <= 0 {
		return &errs.ConfigError{Field: "swap_interval", Err: errors.New("must be positive")}
	}
	return nil
}

// NTotal is the total number of chains across all stacks.
func (s Settings) NTotal() int {
	return s.NStacks * s.NChains
}

// WithDatabasePath overrides the chain store's database path.
func WithDatabasePath(path string) Option {
	return func(s *Settings) error {
		s.ChainStore.DatabasePath = path
		return nil
	}
}

// WithRecoverFromDisk toggles recovery of an existing chain store.
func WithRecoverFromDisk(recover bool) Option {
	return func(s *Settings) error {
		s.ChainStore.RecoverFromDisk = recover
		return nil
	}
}

// WithChainCacheLength overrides the in-memory tail cache length.
func WithChainCacheLength(n int) Option {
	return func(s *Settings) error {
		if n <= 0 {
			return &errs.ConfigError{Field: "chain_cache_length", Err: errors.New("must be positive")}
		}
		s.ChainStore.ChainCacheLength = n
		return nil
	}
}

// WithSwapInterval overrides the per-chain swap-attempt trigger interval.
func WithSwapInterval(n int) Option {
	return func(s *Settings) error {
		if n <= 0 {
			return &errs.ConfigError{Field: "swap_interval", Err: errors.New("must be positive")}
		}
		s.SwapInterval = n
		return nil
	}
}

// WithHeartbeat overrides the heartbeat rate/poll-rate/timeout triple.
func WithHeartbeat(hb Heartbeat) Option {
	return func(s *Settings) error {
		s.Heartbeat = hb
		return nil
	}
}

// WithSigmaAdapter overrides the sigma adapter settings.
func WithSigmaAdapter(a SigmaAdapter) Option {
	return func(s *Settings) error {
		s.Sigma = a
		return nil
	}
}

// WithBetaAdapter overrides the beta adapter settings.
func WithBetaAdapter(a BetaAdapter) Option {
	return func(s *Settings) error {
		s.Beta = a
		return nil
	}
}
