// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package rpc

import (
	"net"
	"testing"

	"github.com/jjeffery/kv"
)

func TestSendRecvRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	want := Envelope{Op: "storage.CreateApplication", Payload: []byte(`{"name":"app"}`)}

	go func() {
		_ = cc.Send(want)
	}()

	got, err := sc.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if got.Op != want.Op || string(got.Payload) != string(want.Payload) {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

// TestRecvAnswersPingTransparently covers the heartbeat protocol: a ping
// frame must never surface to Recv's caller, and must be answered with
// a pong on the same connection.
func TestRecvAnswersPingTransparently(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	cc := NewConn(client)
	sc := NewConn(server)

	// sc.Recv runs in the background: it must swallow the ping, reply
	// with a pong, and only then surface the real envelope sent after it.
	recvd := make(chan Envelope, 1)
	go func() {
		env, err := sc.Recv()
		if err != nil {
			t.Error(err)
			return
		}
		recvd <- env
	}()

	if err := cc.writeFrame(framePing, nil); err != nil {
		t.Fatal(err)
	}

	kind, _, err := cc.readFrame()
	if err != nil {
		t.Fatal(err)
	}
	if kind != framePong {
		t.Fatalf("expected the ping to be answered with a pong, got frame kind %d", kind)
	}

	if err := cc.Send(Envelope{Op: "ping-ack"}); err != nil {
		t.Fatal(err)
	}

	env := <-recvd
	if env.Op != "ping-ack" {
		t.Fatalf("expected the real envelope to surface after the pong, got %+v", env)
	}
}

func TestToWireErrorFlattensKeyvalsAndSkipsStack(t *testing.T) {
	err := kv.NewError("boom").With("kind", "state-violation").With("instance", "i1").
		With("stack", "some/trace.go:42")

	wire := ToWireError(err)
	if wire.Message == "" {
		t.Fatal("expected a message")
	}
	if wire.Tags["kind"] != "state-violation" || wire.Tags["instance"] != "i1" {
		t.Fatalf("expected tags to be flattened, got %+v", wire.Tags)
	}
	if _, ok := wire.Tags["stack"]; ok {
		t.Fatal("expected the stack tag to be dropped from the wire form")
	}
}

func TestToWireErrorNil(t *testing.T) {
	if ToWireError(nil) != nil {
		t.Fatal("expected a nil err to produce a nil WireError")
	}
}

func TestWireErrorKind(t *testing.T) {
	w := &WireError{Message: "boom", Tags: map[string]string{"kind": "not-found"}}
	if w.Kind() != "not-found" {
		t.Fatalf("got %q", w.Kind())
	}
	if w.Error() != "boom" {
		t.Fatalf("got %q", w.Error())
	}
}
