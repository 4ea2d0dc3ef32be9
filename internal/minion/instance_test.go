// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package minion

import (
	"context"
	"sync"
	"testing"

	"github.com/raulmorenogaldon/scife-go/internal/docstore"
	"github.com/raulmorenogaldon/scife-go/internal/errkind"
	"github.com/raulmorenogaldon/scife-go/internal/types"
)

func newTestMinion(t *testing.T) *Minion {
	t.Helper()
	ctx := context.Background()
	store, _, err := docstore.Open(ctx, "", "scife")
	if err != nil {
		t.Fatal(err)
	}
	return New(Config{Name: "cluster1"}, store)
}

func TestCreateDestroyInstanceLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestMinion(t)

	inst, err := m.CreateInstance(ctx, "job1", types.Image{ID: "img1"}, types.Size{ID: "sz1"})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Minion != "cluster1" {
		t.Fatalf("expected minion tag to be set, got %+v", inst)
	}

	if err := m.DestroyInstance(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.lookupInstance(ctx, inst.ID); err == nil {
		t.Fatal("expected instance to be gone after destroy")
	}
}

func TestDestroyInstanceTwiceFailsInstanceGone(t *testing.T) {
	ctx := context.Background()
	m := newTestMinion(t)

	inst, err := m.CreateInstance(ctx, "job1", types.Image{ID: "img1"}, types.Size{ID: "sz1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.DestroyInstance(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}
	err = m.DestroyInstance(ctx, inst.ID)
	if err == nil {
		t.Fatal("expected second destroy to fail")
	}
	if errkind.Of(err) != errkind.StateViolation {
		t.Fatalf("expected state-violation kind, got %q", errkind.Of(err))
	}
}

func TestLookupInstanceByNameSubstring(t *testing.T) {
	ctx := context.Background()
	m := newTestMinion(t)

	inst, err := m.CreateInstance(ctx, "experiment-42-run", types.Image{ID: "img1"}, types.Size{ID: "sz1"})
	if err != nil {
		t.Fatal(err)
	}

	found, err := m.lookupInstance(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if found.ID != inst.ID {
		t.Fatalf("expected substring match to find %s, got %s", inst.ID, found.ID)
	}
}

// TestLockRegistrySerializesPerInstance is the at-most-one-in-flight-
// mutation invariant (spec §5): concurrent acquire calls against the
// same instance id must never both hold the lock at once.
func TestLockRegistrySerializesPerInstance(t *testing.T) {
	r := newLockRegistry()
	r.create("inst-a")
	r.create("inst-b")

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	var wg sync.WaitGroup

	hold := func(id string) {
		defer wg.Done()
		unlock, err := r.acquire(id)
		if err != nil {
			t.Error(err)
			return
		}
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		mu.Lock()
		inFlight--
		mu.Unlock()
		unlock()
	}

	wg.Add(4)
	for i := 0; i < 4; i++ {
		go hold("inst-a")
	}
	wg.Wait()

	if maxInFlight > 1 {
		t.Fatalf("expected at most one in-flight holder for the same instance, saw %d", maxInFlight)
	}
}

func TestMinionStateTransitions(t *testing.T) {
	m := newTestMinion(t)
	if m.State() != types.StateUnknown {
		t.Fatalf("expected an un-logged-in minion to report unknown, got %s", m.State())
	}

	m.logged = true
	if m.State() != types.StateRunning {
		t.Fatalf("expected a logged-in minion to report running, got %s", m.State())
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if m.State() != types.StateDraining {
		t.Fatalf("expected Close to report draining, got %s", m.State())
	}
}

// TestCreateInstanceRejectedWhileDraining covers the Close()-sets-
// draining gate backed by go.uber.org/atomic, modeled on
// cmd/runner/limiter.go's noNewTasks flag.
func TestCreateInstanceRejectedWhileDraining(t *testing.T) {
	ctx := context.Background()
	m := newTestMinion(t)

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	_, err := m.CreateInstance(ctx, "job1", types.Image{ID: "img1"}, types.Size{ID: "sz1"})
	if err == nil {
		t.Fatal("expected CreateInstance to be rejected while draining")
	}
	if errkind.Of(err) != errkind.StateViolation {
		t.Fatalf("expected state-violation kind, got %q", errkind.Of(err))
	}
}

func TestLockRegistryAcquireAfterRemoveFails(t *testing.T) {
	r := newLockRegistry()
	r.create("inst-a")
	r.remove("inst-a")

	_, err := r.acquire("inst-a")
	if err == nil {
		t.Fatal("expected acquire on a removed instance to fail")
	}
	if errkind.Of(err) != errkind.StateViolation {
		t.Fatalf("expected state-violation kind, got %q", errkind.Of(err))
	}
}
