// Package bus implements the message bus of spec.md §4.1/§6: a ROUTER-side
// delegator that fans jobs out to anonymous DEALER-side workers over
// github.com/go-zeromq/zmq4, plus the worker-side client used by cmd/worker.
//
// The delegator's internal state (idle-worker queues, pending-job queues,
// in-flight assignments, liveness) is owned by a single loop goroutine,
// which also runs the heartbeat sweep on a ticker. Callers reach it by
// posting a closure onto an operations channel (SubmitJob) and the receive
// loop by posting decoded wire events onto an events channel, the same
// "loop owns state, everyone else submits" idiom inprocgrpc.Channel uses
// for its in-process gRPC dispatch.
package bus

import (
	"container/list"
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/NICTA/stateline/config"
	"github.com/NICTA/stateline/errs"
	"github.com/NICTA/stateline/internal/wire"
)

// Result is a completed job as delivered to the delegator's caller.
type Result struct {
	BatchID uint64
	Payload []byte
}

// Spec bundles the global and per-job-type specification blobs a worker
// receives in reply to HELLO.
type Spec struct {
	Global []byte
	Jobs   map[int][]byte
}

type inFlight struct {
	jobType int
	payload []byte
	worker  string
}

type pendingJob struct {
	batchID uint64
	payload []byte
}

type workerState struct {
	id       string
	jobTypes map[int]bool
	lastSeen time.Time
	idle     bool
}

// Delegator is the ROUTER-side dispatch engine described in spec.md §4.1.
type Delegator struct {
	spec Spec
	hb   config.Heartbeat
	log  zerolog.Logger

	router zmq4.Socket

	ops      chan func()
	events   chan wireEvent
	send     chan zmq4.Msg
	results  chan Result
	timeouts chan *errs.WorkerTimeout

	workers  map[string]*workerState
	idleQ    map[int]*list.List // jobType -> FIFO list of worker ids (may contain stale entries)
	pending  map[int][]pendingJob
	assigned map[uint64]inFlight
}

type wireEvent struct {
	identity string
	subject  wire.Subject
	frames   [][]byte
}

// NewDelegator creates a Delegator bound to addr (not yet listening).
func NewDelegator(addr string, spec Spec, hb config.Heartbeat, log zerolog.Logger) (*Delegator, error) {
	d := &Delegator{
		spec:     spec,
		hb:       hb,
		log:      log.With().Str("component", "bus.delegator").Logger(),
		ops:      make(chan func(), 64),
		events:   make(chan wireEvent, 64),
		send:     make(chan zmq4.Msg, 64),
		results:  make(chan Result, 64),
		timeouts: make(chan *errs.WorkerTimeout, 16),
		workers:  make(map[string]*workerState),
		idleQ:    make(map[int]*list.List),
		pending:  make(map[int][]pendingJob),
		assigned: make(map[uint64]inFlight),
	}
	ctx := context.Background()
	d.router = zmq4.NewRouter(ctx)
	if err := d.router.Listen(addr); err != nil {
		return nil, &errs.TransportError{Op: "listen", Err: err}
	}
	return d, nil
}

// Results returns the channel of completed job results.
func (d *Delegator) Results() <-chan Result { return d.results }

// Timeouts reports a *errs.WorkerTimeout each time a worker's heartbeat
// expires, per spec.md §7's error taxonomy. Delivery is non-blocking: a
// caller that never reads this channel still gets correct re-queueing
// behaviour, since sweepExpired drops a report rather than stalling the
// dispatch loop on a slow or absent consumer.
func (d *Delegator) Timeouts() <-chan *errs.WorkerTimeout { return d.timeouts }

// SubmitJob enqueues payload for dispatch to any worker willing to serve
// jobType, returning once the job has been queued (not once it completes).
func (d *Delegator) SubmitJob(jobType int, batchID uint64, payload []byte) {
	d.ops <- func() {
		d.pending[jobType] = append(d.pending[jobType], pendingJob{batchID: batchID, payload: payload})
		d.tryDispatch(jobType)
	}
}

// Run drives the delegator's receive loop, send loop, dispatch loop, and
// heartbeat sweeper until ctx is cancelled.
func (d *Delegator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.recvLoop(ctx) })
	g.Go(func() error { return d.sendLoop(ctx) })
	g.Go(func() error { return d.dispatchLoop(ctx) })

	return g.Wait()
}

func (d *Delegator) recvLoop(ctx context.Context) error {
	for {
		msg, err := d.router.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &errs.TransportError{Op: "recv", Err: err}
		}
		if len(msg.Frames) < 3 {
			d.log.Warn().Int("nframes", len(msg.Frames)).Msg("short message dropped")
			continue
		}
		identity := string(msg.Frames[0])
		subj, err := wire.ParseSubject(msg.Frames[2])
		if err != nil {
			d.log.Warn().Err(err).Msg("malformed subject dropped")
			continue
		}
		ev := wireEvent{identity: identity, subject: subj, frames: msg.Frames[3:]}
		select {
		case d.events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Delegator) sendLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-d.send:
			if err := d.router.Send(msg); err != nil {
				d.log.Warn().Err(err).Msg("send failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Delegator) dispatchLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.hb.Rate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-d.ops:
			op()
		case ev := <-d.events:
			d.handleEvent(ev)
		case <-ticker.C:
			d.sweepExpired()
		}
	}
}

func (d *Delegator) handleEvent(ev wireEvent) {
	switch ev.subject {
	case wire.Hello:
		d.handleHello(ev)
	case wire.Heartbeat:
		if w, ok := d.workers[ev.identity]; ok {
			w.lastSeen = time.Now()
		}
	case wire.Result:
		d.handleResult(ev)
	case wire.Goodbye:
		d.disconnect(ev.identity)
	default:
		d.log.Warn().Str("subject", ev.subject.String()).Msg("unexpected subject")
	}
}

func (d *Delegator) handleHello(ev wireEvent) {
	if len(ev.frames) != 1 {
		d.log.Warn().Msg("malformed HELLO")
		return
	}
	jobTypes, err := wire.DecodeHello(ev.frames[0])
	if err != nil {
		d.log.Warn().Err(err).Msg("malformed HELLO")
		return
	}
	jt := make(map[int]bool, len(jobTypes))
	specs := make(map[int][]byte, len(jobTypes))
	for _, t := range jobTypes {
		jt[t] = true
		if s, ok := d.spec.Jobs[t]; ok {
			specs[t] = s
		}
	}
	d.workers[ev.identity] = &workerState{id: ev.identity, jobTypes: jt, lastSeen: time.Now()}
	d.log.Info().Str("worker", ev.identity).Ints("job_types", jobTypes).Msg("worker connected")

	frames, err := wire.EncodeHelloReply(wire.HelloReply{Global: d.spec.Global, Specs: specs})
	if err != nil {
		d.log.Error().Err(err).Msg("encode hello reply")
		return
	}
	d.sendTo(ev.identity, frames)
	d.markIdle(ev.identity)
}

func (d *Delegator) handleResult(ev wireEvent) {
	batchID, payload, err := wire.DecodeResult(ev.frames)
	if err != nil {
		d.log.Warn().Err(err).Msg("malformed RESULT")
		return
	}
	job, ok := d.assigned[batchID]
	if !ok || job.worker != ev.identity {
		// Stale result from a re-queued or already-completed job; discard.
		return
	}
	delete(d.assigned, batchID)
	if w, ok := d.workers[ev.identity]; ok {
		w.lastSeen = time.Now()
	}
	select {
	case d.results <- Result{BatchID: batchID, Payload: payload}:
	default:
		d.log.Warn().Uint64("batch_id", batchID).Msg("results channel full, dropping")
	}
	d.markIdle(ev.identity)
}

func (d *Delegator) markIdle(identity string) {
	w, ok := d.workers[identity]
	if !ok {
		return
	}
	w.idle = true
	for jt := range w.jobTypes {
		q, ok := d.idleQ[jt]
		if !ok {
			q = list.New()
			d.idleQ[jt] = q
		}
		q.PushBack(identity)
	}
	for jt := range w.jobTypes {
		d.tryDispatch(jt)
	}
}

// tryDispatch assigns as many pending jobType jobs as there are idle, willing
// workers, FIFO on both queues per spec.md §4.1.
func (d *Delegator) tryDispatch(jobType int) {
	q := d.idleQ[jobType]
	for len(d.pending[jobType]) > 0 {
		if q == nil || q.Len() == 0 {
			return
		}
		front := q.Front()
		q.Remove(front)
		identity := front.Value.(string)
		w, ok := d.workers[identity]
		if !ok || !w.idle {
			continue // stale idle-queue entry
		}
		job := d.pending[jobType][0]
		d.pending[jobType] = d.pending[jobType][1:]

		w.idle = false
		d.assigned[job.batchID] = inFlight{jobType: jobType, payload: job.payload, worker: identity}
		d.sendTo(identity, wire.EncodeJob(jobType, job.batchID, job.payload))
	}
}

func (d *Delegator) sweepExpired() {
	cutoff := time.Now().Add(-d.hb.Timeout)
	for id, w := range d.workers {
		if w.lastSeen.Before(cutoff) {
			d.log.Warn().Str("worker", id).Msg("heartbeat timeout")
			d.disconnect(id)
			select {
			case d.timeouts <- &errs.WorkerTimeout{WorkerID: id}:
			default:
				d.log.Warn().Str("worker", id).Msg("timeout queue full, dropping report")
			}
			continue
		}
		d.sendTo(id, wire.EncodeHeartbeat())
	}
}

// disconnect removes a worker and re-queues every job assigned to it.
func (d *Delegator) disconnect(identity string) {
	delete(d.workers, identity)
	for batchID, job := range d.assigned {
		if job.worker != identity {
			continue
		}
		delete(d.assigned, batchID)
		d.pending[job.jobType] = append(d.pending[job.jobType], pendingJob{batchID: batchID, payload: job.payload})
	}
}

func (d *Delegator) sendTo(identity string, frames [][]byte) {
	all := append([][]byte{[]byte(identity)}, frames...)
	select {
	case d.send <- zmq4.NewMsgFrom(all...):
	default:
		d.log.Warn().Str("worker", identity).Msg("send queue full, dropping message")
	}
}

// Close releases the underlying ROUTER socket.
func (d *Delegator) Close() error {
	if err := d.router.Close(); err != nil {
		return fmt.Errorf("stateline: close delegator: %w", err)
	}
	return nil
}
