package wire

import (
	"bytes"
	"testing"
)

func TestHelloRoundTrip(t *testing.T) {
	frames := EncodeHello([]int{0, 2, 5})
	got, err := DecodeHello(frames[2])
	if err != nil {
		t.Fatal(err)
	}
	want := []int{0, 2, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestJobRoundTrip(t *testing.T) {
	frames := EncodeJob(3, 42, []byte("payload"))
	subj, err := ParseSubject(frames[1])
	if err != nil {
		t.Fatal(err)
	}
	if subj != Job {
		t.Fatalf("subject = %v, want Job", subj)
	}
	jt, bid, payload, err := DecodeJob(frames[2:])
	if err != nil {
		t.Fatal(err)
	}
	if jt != 3 || bid != 42 || !bytes.Equal(payload, []byte("payload")) {
		t.Errorf("got (%d, %d, %q)", jt, bid, payload)
	}
}

func TestResultRoundTrip(t *testing.T) {
	frames := EncodeResult(7, []byte("energy"))
	bid, payload, err := DecodeResult(frames[2:])
	if err != nil {
		t.Fatal(err)
	}
	if bid != 7 || !bytes.Equal(payload, []byte("energy")) {
		t.Errorf("got (%d, %q)", bid, payload)
	}
}

func TestHelloReplyRoundTrip(t *testing.T) {
	frames, err := EncodeHelloReply(HelloReply{
		Global: []byte("global"),
		Specs:  map[int][]byte{0: []byte("spec0"), 1: []byte("spec1")},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeHelloReply(frames[2])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Global, []byte("global")) {
		t.Errorf("Global = %q", got.Global)
	}
	if !bytes.Equal(got.Specs[0], []byte("spec0")) || !bytes.Equal(got.Specs[1], []byte("spec1")) {
		t.Errorf("Specs = %v", got.Specs)
	}
}

func TestDecodeJob_WrongFrameCount(t *testing.T) {
	if _, _, _, err := DecodeJob([][]byte{{1}}); err == nil {
		t.Fatal("expected error")
	}
}
