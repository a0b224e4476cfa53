package worker

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
)

// SingleJobConstructor fans a chain's sample out to exactly one job type,
// gob-encoding the parameter vector as the payload. This is the default
// job_construct capability of spec.md §4.2 for a single-likelihood model.
type SingleJobConstructor struct {
	JobType int
}

func (c SingleJobConstructor) Construct(chainID int, x []float64) ([]SubJob, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(x); err != nil {
		return nil, fmt.Errorf("stateline: encode job payload: %w", err)
	}
	return []SubJob{{JobType: c.JobType, Payload: buf.Bytes()}}, nil
}

// ScalarResultCombiner expects exactly one sub-job's result, gob-decoded as
// a single float64 energy. This is the default result_energy capability.
type ScalarResultCombiner struct {
	JobType int
}

func (c ScalarResultCombiner) Combine(chainID int, results []SubResult) (float64, error) {
	if len(results) != 1 {
		return 0, fmt.Errorf("stateline: expected exactly 1 result, got %d", len(results))
	}
	var energy float64
	if err := gob.NewDecoder(bytes.NewReader(results[0].Payload)).Decode(&energy); err != nil {
		return 0, fmt.Errorf("stateline: decode result payload: %w", err)
	}
	return energy, nil
}

// SumResultCombiner combines several job types' scalar energies by summing
// them, the common case for a chain whose log-posterior decomposes into an
// additive prior term plus one or more likelihood terms.
type SumResultCombiner struct {
	JobTypes []int
}

func (c SumResultCombiner) Combine(chainID int, results []SubResult) (float64, error) {
	var total float64
	for _, jt := range c.JobTypes {
		var found bool
		for _, r := range results {
			if r.JobType != jt {
				continue
			}
			var e float64
			if err := gob.NewDecoder(bytes.NewReader(r.Payload)).Decode(&e); err != nil {
				return 0, fmt.Errorf("stateline: decode result payload for job type %d: %w", jt, err)
			}
			total += e
			found = true
			break
		}
		if !found {
			return 0, fmt.Errorf("stateline: missing result for job type %d", jt)
		}
	}
	return total, nil
}

// MixtureComponent is one component's payload for MixtureJobConstructor: the
// component mean plus the sample to evaluate against it, gob-encoded
// together since a worker handler needs both.
type MixtureComponent struct {
	Mean []float64
	X    []float64
}

// MixtureJobConstructor fans a chain's sample out to one sub-job per mixture
// component, all of the same job type, per the original's own flagship
// fan-out demo (examples/mixture/demo.py's job_construct: "a job for each
// component"). This is the repeated-job-type case spec.md scenario 6 names.
type MixtureJobConstructor struct {
	JobType int
	Means   [][]float64
}

func (c MixtureJobConstructor) Construct(chainID int, x []float64) ([]SubJob, error) {
	jobs := make([]SubJob, len(c.Means))
	for i, mean := range c.Means {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(MixtureComponent{Mean: mean, X: x}); err != nil {
			return nil, fmt.Errorf("stateline: encode mixture component %d: %w", i, err)
		}
		jobs[i] = SubJob{JobType: c.JobType, Payload: buf.Bytes()}
	}
	return jobs, nil
}

// LogSumExpResultCombiner combines every sub-job's scalar log-likelihood via
// log-sum-exp and negates it, mirroring the original's own
// result_energy = -logsumexp([r.data for r in results]) for a mixture model.
type LogSumExpResultCombiner struct{}

func (c LogSumExpResultCombiner) Combine(chainID int, results []SubResult) (float64, error) {
	if len(results) == 0 {
		return 0, fmt.Errorf("stateline: no results to combine")
	}
	logLikes := make([]float64, len(results))
	for i, r := range results {
		if err := gob.NewDecoder(bytes.NewReader(r.Payload)).Decode(&logLikes[i]); err != nil {
			return 0, fmt.Errorf("stateline: decode mixture result %d: %w", i, err)
		}
	}
	return -logSumExp(logLikes), nil
}

func logSumExp(xs []float64) float64 {
	max := math.Inf(-1)
	for _, x := range xs {
		if x > max {
			max = x
		}
	}
	if math.IsInf(max, -1) {
		return max
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - max)
	}
	return max + math.Log(sum)
}

// EncodeVector gob-encodes a parameter vector the way SingleJobConstructor
// does, for use by cmd/worker handlers that need to decode a JOB payload.
func EncodeVector(x []float64) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(x); err != nil {
		return nil, fmt.Errorf("stateline: encode vector: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeVector decodes a payload produced by EncodeVector/SingleJobConstructor.
func DecodeVector(payload []byte) ([]float64, error) {
	var x []float64
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&x); err != nil {
		return nil, fmt.Errorf("stateline: decode vector: %w", err)
	}
	return x, nil
}

// DecodeMixtureComponent decodes a payload produced by
// MixtureJobConstructor, for use by cmd/worker handlers that need to decode
// a JOB payload carrying one mixture component.
func DecodeMixtureComponent(payload []byte) (MixtureComponent, error) {
	var c MixtureComponent
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&c); err != nil {
		return MixtureComponent{}, fmt.Errorf("stateline: decode mixture component: %w", err)
	}
	return c, nil
}

// EncodeEnergy gob-encodes a scalar energy the way ScalarResultCombiner
// expects, for use by cmd/worker handlers replying to a JOB.
func EncodeEnergy(e float64) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("stateline: encode energy: %w", err)
	}
	return buf.Bytes(), nil
}
