package chain

import (
	"path/filepath"
	"testing"

	"github.com/NICTA/stateline/config"
)

func newTestArray(t *testing.T, cacheLen int) (*ChainArray, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.db")
	settings, err := config.New(1, 2, 3, config.WithDatabasePath(path), config.WithChainCacheLength(cacheLen))
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	ca, err := Open(settings)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ca, path
}

func TestChainArray_InitialiseSetsLengthOne(t *testing.T) {
	ca, _ := newTestArray(t, 10)
	defer ca.Close()

	if err := ca.Initialise(0, []float64{1, 2, 3}, 5.0, 1.0, 1.0); err != nil {
		t.Fatal(err)
	}
	if got := ca.Length(0); got != 1 {
		t.Errorf("Length(0) = %d, want 1", got)
	}
}

func TestChainArray_LengthMonotonic(t *testing.T) {
	ca, _ := newTestArray(t, 4)
	defer ca.Close()

	if err := ca.Initialise(0, []float64{0}, 1.0, 1.0, 1.0); err != nil {
		t.Fatal(err)
	}
	prev := ca.Length(0)
	for i := 0; i < 20; i++ {
		if err := ca.Append(0, []float64{float64(i)}, float64(i), true); err != nil {
			t.Fatal(err)
		}
		got := ca.Length(0)
		if got <= prev {
			t.Fatalf("length did not strictly increase: %d -> %d", prev, got)
		}
		prev = got
	}
}

func TestChainArray_RejectedStateCopiesPreviousSample(t *testing.T) {
	ca, _ := newTestArray(t, 10)
	defer ca.Close()

	if err := ca.Initialise(0, []float64{1, 1}, 1.0, 1.0, 1.0); err != nil {
		t.Fatal(err)
	}
	prev, err := ca.LastState(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := ca.Append(0, prev.Sample, prev.Energy, false); err != nil {
		t.Fatal(err)
	}
	got, err := ca.LastState(0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Accepted {
		t.Fatal("expected rejected state")
	}
	for i := range prev.Sample {
		if got.Sample[i] != prev.Sample[i] {
			t.Errorf("sample[%d] = %v, want %v", i, got.Sample[i], prev.Sample[i])
		}
	}
}

func TestChainArray_StatesAcrossFlushBoundary(t *testing.T) {
	ca, _ := newTestArray(t, 2) // tiny cache forces flushes
	defer ca.Close()

	if err := ca.Initialise(0, []float64{0}, 0, 1, 1); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 10; i++ {
		if err := ca.Append(0, []float64{float64(i)}, float64(i), true); err != nil {
			t.Fatal(err)
		}
	}
	states, err := ca.States(0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 11 {
		t.Fatalf("len(states) = %d, want 11", len(states))
	}
	for i, s := range states {
		if s.Sample[0] != float64(i) {
			t.Errorf("states[%d].Sample[0] = %v, want %v", i, s.Sample[0], float64(i))
		}
	}
}

func TestChainArray_CacheHoldsMostRecentCacheLenStates(t *testing.T) {
	ca, _ := newTestArray(t, 3) // cache_length=3
	defer ca.Close()

	if err := ca.Initialise(0, []float64{0}, 0, 1, 1); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 10; i++ {
		if err := ca.Append(0, []float64{float64(i)}, float64(i), true); err != nil {
			t.Fatal(err)
		}
		if got := len(ca.slots[0].cache); got > 3 {
			t.Fatalf("after append %d: len(cache) = %d, want <= 3", i, got)
		}
	}
	cache := ca.slots[0].cache
	if len(cache) != 3 {
		t.Fatalf("len(cache) = %d, want 3", len(cache))
	}
	want := []float64{8, 9, 10}
	for i, s := range cache {
		if s.Sample[0] != want[i] {
			t.Errorf("cache[%d].Sample[0] = %v, want %v", i, s.Sample[0], want[i])
		}
	}
}

func TestChainArray_ColdSamplesConcatenatesEveryStack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.db")
	settings, err := config.New(2, 2, 1, config.WithDatabasePath(path), config.WithChainCacheLength(100))
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}
	ca, err := Open(settings)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ca.Close()

	// cold chains are 0 (stack 0) and 2 (stack 1); 1 and 3 are hot and must
	// not appear in ColdSamples.
	for _, i := range []int{0, 1, 2, 3} {
		if err := ca.Initialise(i, []float64{float64(i)}, 0, 1, 1); err != nil {
			t.Fatal(err)
		}
	}

	got, err := ca.ColdSamples(0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len(ColdSamples) = %d, want 2", len(got))
	}
	if got[0].Sample[0] != 0 || got[1].Sample[0] != 2 {
		t.Errorf("ColdSamples = %v, want samples from chains 0 and 2", got)
	}
}

func TestChainArray_PersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.db")

	settings, err := config.New(1, 1, 2, config.WithDatabasePath(path), config.WithChainCacheLength(8))
	if err != nil {
		t.Fatal(err)
	}
	ca, err := Open(settings)
	if err != nil {
		t.Fatal(err)
	}
	if err := ca.Initialise(0, []float64{0, 0}, 0, 1, 1); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < 50; i++ {
		if err := ca.Append(0, []float64{float64(i), float64(i)}, float64(i), true); err != nil {
			t.Fatal(err)
		}
	}
	wantLen := ca.Length(0)
	wantStates, err := ca.States(0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := ca.Close(); err != nil {
		t.Fatal(err)
	}

	settings2, err := config.New(1, 1, 2, config.WithDatabasePath(path), config.WithChainCacheLength(8), config.WithRecoverFromDisk(true))
	if err != nil {
		t.Fatal(err)
	}
	ca2, err := Open(settings2)
	if err != nil {
		t.Fatal(err)
	}
	defer ca2.Close()

	if got := ca2.Length(0); got != wantLen {
		t.Fatalf("Length(0) after recover = %d, want %d", got, wantLen)
	}
	gotStates, err := ca2.States(0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotStates) != len(wantStates) {
		t.Fatalf("len(states) = %d, want %d", len(gotStates), len(wantStates))
	}
	for i := range wantStates {
		if gotStates[i].Energy != wantStates[i].Energy {
			t.Errorf("states[%d].Energy = %v, want %v", i, gotStates[i].Energy, wantStates[i].Energy)
		}
	}
}

func TestChainArray_DoubleInitialiseFails(t *testing.T) {
	ca, _ := newTestArray(t, 10)
	defer ca.Close()
	if err := ca.Initialise(0, []float64{0}, 0, 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := ca.Initialise(0, []float64{0}, 0, 1, 1); err == nil {
		t.Fatal("expected error on double initialise")
	}
}
