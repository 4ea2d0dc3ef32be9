// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package minion

import (
	"context"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/raulmorenogaldon/scife-go/internal/types"
)

func TestListenersFanOutToEverySubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewListeners(ctx)
	a := make(chan StatusUpdate, 1)
	b := make(chan StatusUpdate, 1)
	l.Add(a)
	l.Add(b)

	update := StatusUpdate{InstanceID: "inst1", Status: types.StatusCompiled, Timestamp: timestamppb.Now()}
	l.Master <- update

	select {
	case got := <-a:
		if got.InstanceID != "inst1" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber a never received the update")
	}
	select {
	case got := <-b:
		if got.InstanceID != "inst1" {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber b never received the update")
	}
}

func TestListenersDeleteStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewListeners(ctx)
	a := make(chan StatusUpdate, 1)
	id := l.Add(a)
	l.Delete(id)

	l.Master <- StatusUpdate{InstanceID: "inst1", Status: types.StatusDone, Timestamp: timestamppb.Now()}

	select {
	case got := <-a:
		t.Fatalf("expected no delivery after Delete, got %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEncodeReportProducesBytes(t *testing.T) {
	update := StatusUpdate{InstanceID: "inst1", Status: types.StatusDone, Timestamp: timestamppb.Now()}
	data, err := EncodeReport(update)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("expected a non-empty encoded report")
	}
}
