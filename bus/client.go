package bus

import (
	"context"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"github.com/NICTA/stateline/errs"
	"github.com/NICTA/stateline/internal/wire"
)

// JobHandler computes the RESULT payload for a JOB, given its job-type and
// payload frame.
type JobHandler func(jobType int, payload []byte) ([]byte, error)

// Client is the DEALER-side connection a standalone worker process uses to
// register with a Delegator and process jobs, per spec.md §4.1.
type Client struct {
	dealer  zmq4.Socket
	log     zerolog.Logger
	poll    time.Duration
	timeout time.Duration
}

// DialClient connects to a delegator at addr.
func DialClient(addr string, poll, timeout time.Duration, log zerolog.Logger) (*Client, error) {
	ctx := context.Background()
	dealer := zmq4.NewDealer(ctx)
	if err := dealer.Dial(addr); err != nil {
		return nil, &errs.TransportError{Op: "dial", Err: err}
	}
	return &Client{dealer: dealer, log: log.With().Str("component", "bus.client").Logger(), poll: poll, timeout: timeout}, nil
}

// Close closes the underlying DEALER socket.
func (c *Client) Close() error { return c.dealer.Close() }

func (c *Client) sendFrames(frames [][]byte) error {
	if err := c.dealer.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		return &errs.TransportError{Op: "send", Err: err}
	}
	return nil
}

// Hello performs the HELLO handshake, returning the global and per-job-type
// specification blobs the delegator replies with.
func (c *Client) Hello(jobTypes []int) (wire.HelloReply, error) {
	if err := c.sendFrames(wire.EncodeHello(jobTypes)); err != nil {
		return wire.HelloReply{}, err
	}
	msg, err := c.dealer.Recv()
	if err != nil {
		return wire.HelloReply{}, &errs.TransportError{Op: "recv", Err: err}
	}
	if len(msg.Frames) < 3 {
		return wire.HelloReply{}, &errs.TransportError{Op: "recv", Err: errShortHelloReply}
	}
	subj, err := wire.ParseSubject(msg.Frames[1])
	if err != nil {
		return wire.HelloReply{}, err
	}
	if subj != wire.Hello {
		return wire.HelloReply{}, &errs.TransportError{Op: "recv", Err: errUnexpectedSubject(subj)}
	}
	return wire.DecodeHelloReply(msg.Frames[2])
}

// Serve blocks on incoming JOB/HEARTBEAT/GOODBYE messages, computing
// RESULTs via handle and replying, until ctx is cancelled or the delegator
// sends GOODBYE. It also sends its own HEARTBEAT every poll interval
// (spec.md §4.1: "Symmetrically on the worker side") and fails if the
// delegator falls silent for longer than timeout.
func (c *Client) Serve(ctx context.Context, handle JobHandler) error {
	type recvResult struct {
		msg zmq4.Msg
		err error
	}
	msgs := make(chan recvResult, 1)
	go func() {
		for {
			msg, err := c.dealer.Recv()
			select {
			case msgs <- recvResult{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	silence := time.NewTimer(c.timeout)
	defer silence.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.sendFrames(wire.EncodeHeartbeat()); err != nil {
				return err
			}
		case <-silence.C:
			return &errs.TransportError{Op: "recv", Err: errDelegatorSilent}
		case r := <-msgs:
			if r.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return &errs.TransportError{Op: "recv", Err: r.err}
			}
			if !silence.Stop() {
				<-silence.C
			}
			silence.Reset(c.timeout)
			if err := c.handleMessage(r.msg, handle); err != nil {
				if err == errServeDone {
					return nil
				}
				return err
			}
		}
	}
}

func (c *Client) handleMessage(msg zmq4.Msg, handle JobHandler) error {
	if len(msg.Frames) < 2 {
		return nil
	}
	subj, err := wire.ParseSubject(msg.Frames[1])
	if err != nil {
		c.log.Warn().Err(err).Msg("malformed subject dropped")
		return nil
	}
	switch subj {
	case wire.Heartbeat:
		return nil // liveness already refreshed by the caller
	case wire.Goodbye:
		return errServeDone
	case wire.Job:
		jobType, batchID, payload, err := wire.DecodeJob(msg.Frames[2:])
		if err != nil {
			c.log.Warn().Err(err).Msg("malformed JOB dropped")
			return nil
		}
		result, err := handle(jobType, payload)
		if err != nil {
			c.log.Error().Err(err).Int("job_type", jobType).Msg("job handler failed")
			return nil
		}
		return c.sendFrames(wire.EncodeResult(batchID, result))
	default:
		c.log.Warn().Str("subject", subj.String()).Msg("unexpected subject")
		return nil
	}
}

// Goodbye tells the delegator this worker is leaving voluntarily.
func (c *Client) Goodbye() error {
	return c.sendFrames(wire.EncodeGoodbye())
}
