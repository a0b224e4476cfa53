// Package wire implements the message-bus frame encoding of spec.md §6: a
// subject byte plus zero or more payload frames, preceded by the routing
// identity frame and an empty delimiter frame that the underlying
// ROUTER/DEALER sockets require.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"strconv"
	"strings"
)

// Subject tags the kind of a bus message.
type Subject byte

const (
	Hello     Subject = 0
	Heartbeat Subject = 1
	Job       Subject = 3
	Result    Subject = 4
	Goodbye   Subject = 5
)

func (s Subject) String() string {
	switch s {
	case Hello:
		return "HELLO"
	case Heartbeat:
		return "HEARTBEAT"
	case Job:
		return "JOB"
	case Result:
		return "RESULT"
	case Goodbye:
		return "GOODBYE"
	default:
		return fmt.Sprintf("Subject(%d)", byte(s))
	}
}

// delim is the empty delimiter frame required by the ROUTER/DEALER
// convention (spec.md §6), mirroring the envelope a REQ socket would add.
var delim = []byte{}

// EncodeHello builds the frames of a HELLO message: a colon-separated list
// of job-type ids the worker will serve.
func EncodeHello(jobTypes []int) [][]byte {
	parts := make([]string, len(jobTypes))
	for i, jt := range jobTypes {
		parts[i] = strconv.Itoa(jt)
	}
	return [][]byte{delim, {byte(Hello)}, []byte(strings.Join(parts, ":"))}
}

// DecodeHello parses a HELLO message's job-type list.
func DecodeHello(payload []byte) ([]int, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	parts := strings.Split(string(payload), ":")
	out := make([]int, len(parts))
	for i, p := range parts {
		jt, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("wire: malformed HELLO job-type %q: %w", p, err)
		}
		out[i] = jt
	}
	return out, nil
}

// EncodeHeartbeat builds the frames of a HEARTBEAT message (no payload).
func EncodeHeartbeat() [][]byte {
	return [][]byte{delim, {byte(Heartbeat)}}
}

// EncodeGoodbye builds the frames of a GOODBYE message (no payload).
func EncodeGoodbye() [][]byte {
	return [][]byte{delim, {byte(Goodbye)}}
}

// EncodeJob builds the frames of a JOB message: job-type, batch-id, payload.
func EncodeJob(jobType int, batchID uint64, payload []byte) [][]byte {
	return [][]byte{delim, {byte(Job)}, encodeUint32(uint32(jobType)), encodeUint64(batchID), payload}
}

// DecodeJob parses a JOB message's frames (excluding subject).
func DecodeJob(frames [][]byte) (jobType int, batchID uint64, payload []byte, err error) {
	if len(frames) != 3 {
		return 0, 0, nil, fmt.Errorf("wire: JOB expects 3 frames, got %d", len(frames))
	}
	jt, err := decodeUint32(frames[0])
	if err != nil {
		return 0, 0, nil, err
	}
	bid, err := decodeUint64(frames[1])
	if err != nil {
		return 0, 0, nil, err
	}
	return int(jt), bid, frames[2], nil
}

// EncodeResult builds the frames of a RESULT message: batch-id, payload.
func EncodeResult(batchID uint64, payload []byte) [][]byte {
	return [][]byte{delim, {byte(Result)}, encodeUint64(batchID), payload}
}

// DecodeResult parses a RESULT message's frames (excluding subject).
func DecodeResult(frames [][]byte) (batchID uint64, payload []byte, err error) {
	if len(frames) != 2 {
		return 0, nil, fmt.Errorf("wire: RESULT expects 2 frames, got %d", len(frames))
	}
	bid, err := decodeUint64(frames[0])
	if err != nil {
		return 0, nil, err
	}
	return bid, frames[1], nil
}

// HelloReply is the delegator's answer to a worker's HELLO: the global
// specification blob plus one specification blob per job-type the worker
// offered to serve (spec.md §4.1).
type HelloReply struct {
	Global []byte
	Specs  map[int][]byte
}

// EncodeHelloReply gob-encodes a HelloReply into a single HELLO-subject
// payload frame, reusing the delegator-side reply of the same handshake.
func EncodeHelloReply(r HelloReply) ([][]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("wire: encode hello reply: %w", err)
	}
	return [][]byte{delim, {byte(Hello)}, buf.Bytes()}, nil
}

// DecodeHelloReply parses the payload frame of a delegator's HELLO reply.
func DecodeHelloReply(payload []byte) (HelloReply, error) {
	var r HelloReply
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&r); err != nil {
		return HelloReply{}, fmt.Errorf("wire: decode hello reply: %w", err)
	}
	return r, nil
}

// ParseSubject reads the subject byte that follows the empty delimiter
// frame in an incoming multipart message.
func ParseSubject(frame []byte) (Subject, error) {
	if len(frame) != 1 {
		return 0, fmt.Errorf("wire: subject frame must be 1 byte, got %d", len(frame))
	}
	return Subject(frame[0]), nil
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func decodeUint32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("wire: expected 4-byte uint32, got %d bytes", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("wire: expected 8-byte uint64, got %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
