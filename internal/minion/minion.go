// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package minion implements the Cluster Minion Core (spec §4.2): a
// long-running agent that holds one SSH session to a cluster front-end
// and serialises every mutation against a given instance through
// lockRegistry, mirroring the at-most-one-in-flight-mutation rule the
// source enforces with per-instance spin locks.
package minion

import (
	"context"
	"sync"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	uberatomic "go.uber.org/atomic"

	"github.com/raulmorenogaldon/scife-go/internal/docstore"
	"github.com/raulmorenogaldon/scife-go/internal/errkind"
	"github.com/raulmorenogaldon/scife-go/internal/types"
)

// Minion is the Cluster Minion Core for one cluster. login_lock from
// spec §5 is realised as loginMu, making Login idempotent under
// concurrent callers.
type Minion struct {
	cfg       Config
	transport *Transport
	store     *docstore.Store
	locks     *lockRegistry

	loginMu sync.Mutex
	logged  bool

	// draining is set by Close, refusing new instances/deploys while the
	// process shuts down, the same task-acceptance gate
	// cmd/runner/limiter.go keeps with a uberatomic.Bool.
	draining *uberatomic.Bool
}

// New returns a Minion for cfg backed by store. Login must be called
// before any other method.
func New(cfg Config, store *docstore.Store) *Minion {
	return &Minion{
		cfg:       cfg,
		transport: NewTransport(cfg),
		store:     store,
		locks:     newLockRegistry(),
		draining:  uberatomic.NewBool(false),
	}
}

// State reports whether this minion is accepting new instances/deploys.
func (m *Minion) State() types.MinionState {
	if m.draining.Load() {
		return types.StateDraining
	}
	if !m.logged {
		return types.StateUnknown
	}
	return types.StateRunning
}

// checkNotDraining rejects new work once Close has been called.
func (m *Minion) checkNotDraining() kv.Error {
	if m.draining.Load() {
		return kv.NewError("minion is draining").With("kind", errkind.StateViolation).
			With("minion", m.cfg.Name).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Login opens the SSH session if not already open and bootstraps the
// image/size catalog from the front-end's cloud.json. A second
// concurrent Login observes the first one already succeeded and returns
// immediately (spec §5, §7 Propagation).
func (m *Minion) Login(ctx context.Context) (err kv.Error) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()

	if m.logged {
		return nil
	}
	if err := m.transport.Login(); err != nil {
		return err
	}
	if err := bootstrapCatalog(ctx, m.transport, m.cfg.Name, m.store.Images, m.store.Sizes); err != nil {
		return err
	}
	m.logged = true
	m.draining.Store(false)
	return nil
}

// Close marks the minion as draining, refusing new instances and
// deploys, then tears down the SSH session. Login may be called again
// afterwards, which clears the draining flag.
func (m *Minion) Close() error {
	m.draining.Store(true)
	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	m.logged = false
	return m.transport.Close()
}
