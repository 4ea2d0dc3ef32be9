// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package minion

// Status-change fan-out, grounded on internal/runner/statebroadcast.go's
// Listeners type: one Master channel fed by PollExperimentAndBroadcast, copied out
// to every subscriber under a lock so a slow subscriber can't stall the
// poller, and dropped (not blocked on) past a short deadline.

import (
	"context"
	"sync"
	"time"

	oldproto "github.com/golang/protobuf/proto"
	"github.com/jjeffery/kv" // MIT License
	"github.com/rs/xid"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/raulmorenogaldon/scife-go/internal/types"
)

// StatusUpdate is broadcast to subscribers whenever PollExperimentAndBroadcast
// observes a status change for an instance. Timestamp is a protobuf
// well-known type so the update can be relayed as a report envelope the
// same shape as the teacher's queue report messages.
type StatusUpdate struct {
	InstanceID string
	Status     types.ExecStatus
	Timestamp  *timestamppb.Timestamp
}

// EncodeReport marshals update's timestamp as a standalone protobuf
// report field, exercising the legacy golang/protobuf Marshal entry
// point the teacher's report plumbing is built on.
func EncodeReport(update StatusUpdate) ([]byte, error) {
	return oldproto.Marshal(update.Timestamp)
}

// Listeners fans StatusUpdate out to every subscriber added via Add.
type Listeners struct {
	Master    chan StatusUpdate
	mu        sync.Mutex
	listeners map[xid.ID]chan<- StatusUpdate
}

// NewListeners starts the fan-out goroutine, stopped when ctx is done.
func NewListeners(ctx context.Context) *Listeners {
	l := &Listeners{
		Master:    make(chan StatusUpdate, 1),
		listeners: map[xid.ID]chan<- StatusUpdate{},
	}
	go l.run(ctx)
	return l
}

func (l *Listeners) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-l.Master:
			l.mu.Lock()
			clients := make([]chan<- StatusUpdate, 0, len(l.listeners))
			for _, c := range l.listeners {
				clients = append(clients, c)
			}
			l.mu.Unlock()

			for _, c := range clients {
				select {
				case c <- update:
				case <-time.After(500 * time.Millisecond):
				}
			}
		}
	}
}

// Add registers listen and returns an id usable with Delete.
func (l *Listeners) Add(listen chan<- StatusUpdate) xid.ID {
	id := xid.New()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners[id] = listen
	return id
}

// Delete unregisters a listener added by Add.
func (l *Listeners) Delete(id xid.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.listeners, id)
}

// PollExperimentAndBroadcast is PollExperiment plus a push onto
// listeners.Master when the observed status differs from last.
func (m *Minion) PollExperimentAndBroadcast(ctx context.Context, instanceID, workdir string, last types.ExecStatus, listeners *Listeners) (status types.ExecStatus, err kv.Error) {
	current, pollErr := m.PollExperiment(ctx, instanceID, workdir)
	if pollErr != nil {
		return "", pollErr
	}
	if current != last && listeners != nil {
		update := StatusUpdate{InstanceID: instanceID, Status: current, Timestamp: timestamppb.Now()}
		select {
		case listeners.Master <- update:
		case <-time.After(500 * time.Millisecond):
		}
	}
	return current, nil
}
