package bus

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/NICTA/stateline/config"
)

func testHeartbeat() config.Heartbeat {
	return config.Heartbeat{
		Rate:     20 * time.Millisecond,
		PollRate: 10 * time.Millisecond,
		Timeout:  200 * time.Millisecond,
	}
}

// TestDelegatorClient_PingPong reproduces spec.md §8 scenario 1: one worker,
// one job, a correct result delivered back to the submitter.
func TestDelegatorClient_PingPong(t *testing.T) {
	log := zerolog.Nop()
	spec := Spec{Global: []byte("global"), Jobs: map[int][]byte{0: []byte("job0")}}

	d, err := NewDelegator("tcp://127.0.0.1:0", spec, testHeartbeat(), log)
	if err != nil {
		t.Fatal(err)
	}
	addr := d.router.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	client, err := DialClient("tcp://"+addr, 10*time.Millisecond, 200*time.Millisecond, log)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	reply, err := client.Hello([]int{0})
	if err != nil {
		t.Fatal(err)
	}
	if string(reply.Global) != "global" {
		t.Errorf("Global = %q, want %q", reply.Global, "global")
	}

	serveCtx, serveCancel := context.WithCancel(context.Background())
	defer serveCancel()
	go func() {
		_ = client.Serve(serveCtx, func(jobType int, payload []byte) ([]byte, error) {
			return append([]byte("echo:"), payload...), nil
		})
	}()

	d.SubmitJob(0, 1, []byte("x"))

	select {
	case res := <-d.Results():
		if res.BatchID != 1 {
			t.Errorf("BatchID = %d, want 1", res.BatchID)
		}
		if string(res.Payload) != "echo:x" {
			t.Errorf("Payload = %q, want %q", res.Payload, "echo:x")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

// TestDelegator_TimeoutReportsWorkerTimeout reproduces spec.md §7's
// heartbeat-expiry case: a worker that stops responding to heartbeats must
// be disconnected and reported on Timeouts(), not just silently dropped.
func TestDelegator_TimeoutReportsWorkerTimeout(t *testing.T) {
	log := zerolog.Nop()
	spec := Spec{Global: []byte("global"), Jobs: map[int][]byte{0: []byte("job0")}}

	d, err := NewDelegator("tcp://127.0.0.1:0", spec, testHeartbeat(), log)
	if err != nil {
		t.Fatal(err)
	}
	addr := d.router.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	client, err := DialClient("tcp://"+addr, 10*time.Millisecond, 200*time.Millisecond, log)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := client.Hello([]int{0}); err != nil {
		t.Fatal(err)
	}
	// Never call client.Serve, so no heartbeat is ever sent back; close the
	// underlying socket so the delegator can't mistake silence for liveness.
	client.Close()

	select {
	case timeout := <-d.Timeouts():
		if timeout.WorkerID == "" {
			t.Errorf("WorkerID = %q, want non-empty", timeout.WorkerID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for WorkerTimeout report")
	}
}
