// Command worker is a standalone worker process: it connects to a
// delegator, registers for the mixture-demo job type, and evaluates one
// mixture component's log-likelihood per JOB, the Go port of the original's
// own examples/mixture/worker.py minion (`logl(mean, x) = inv_s2 *
// sum((x-mean)**2)`, with the shared standard deviation carried in the HELLO
// reply's global spec and inv_s2 = -1/(2·sigma²)).
package main

import (
	"bytes"
	"context"
	"encoding/gob"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/NICTA/stateline/bus"
	"github.com/NICTA/stateline/worker"
)

const jobTypeMixture = 0

func main() {
	addr := flag.String("addr", "tcp://127.0.0.1:5555", "delegator address")
	poll := flag.Duration("poll", 500*time.Millisecond, "poll rate")
	timeout := flag.Duration("timeout", 3*time.Second, "heartbeat timeout")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := bus.DialClient(*addr, *poll, *timeout, log)
	if err != nil {
		log.Fatal().Err(err).Msg("dial delegator")
	}
	defer client.Close()

	reply, err := client.Hello([]int{jobTypeMixture})
	if err != nil {
		log.Fatal().Err(err).Msg("hello handshake")
	}
	sigma, err := decodeGlobalSpec(reply.Global)
	if err != nil {
		log.Fatal().Err(err).Msg("decode global spec")
	}
	invS2 := -1.0 / (2 * sigma * sigma)
	log.Info().Float64("sigma", sigma).Msg("connected")

	err = client.Serve(ctx, func(jobType int, payload []byte) ([]byte, error) {
		component, err := worker.DecodeMixtureComponent(payload)
		if err != nil {
			return nil, err
		}
		return worker.EncodeEnergy(logLikelihood(invS2, component.Mean, component.X))
	})
	if err != nil {
		log.Fatal().Err(err).Msg("serve")
	}
}

// logLikelihood computes inv_s2 * sum((x-mean)**2), the per-component term
// examples/mixture/worker.py's logl combines via log-sum-exp on the demo
// side.
func logLikelihood(invS2 float64, mean, x []float64) float64 {
	var sum float64
	for i := range x {
		d := x[i] - mean[i]
		sum += d * d
	}
	return invS2 * sum
}

func decodeGlobalSpec(global []byte) (float64, error) {
	var sigma float64
	if err := gob.NewDecoder(bytes.NewReader(global)).Decode(&sigma); err != nil {
		return 0, fmt.Errorf("stateline: decode global spec: %w", err)
	}
	return sigma, nil
}
