// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package minion

// Instance lifecycle and the per-instance lock registry (spec §4.2, §5).
// The registry replaces the source's busy-wait spin-locks with a fair
// mutex per instance id, created at createInstance and torn down at
// destroyInstance, in the shape the teacher's Exclusive type
// (internal/runner/singleton.go) uses for a single named resource,
// generalised here to many concurrently-held named resources.

import (
	"context"
	"strings"
	"sync"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/rs/xid"

	"github.com/raulmorenogaldon/scife-go/internal/docstore"
	"github.com/raulmorenogaldon/scife-go/internal/errkind"
	"github.com/raulmorenogaldon/scife-go/internal/types"
)

// lockRegistry tracks one mutex per live instance id.
type lockRegistry struct {
	mu    sync.RWMutex
	locks map[string]*sync.Mutex
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: map[string]*sync.Mutex{}}
}

func (r *lockRegistry) create(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks[id] = &sync.Mutex{}
}

func (r *lockRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, id)
}

// acquire locks the instance's mutex and returns an unlock func. It fails
// with instance-gone if the instance's entry has already been removed
// (spec §5).
func (r *lockRegistry) acquire(id string) (unlock func(), err kv.Error) {
	r.mu.RLock()
	l, ok := r.locks[id]
	r.mu.RUnlock()
	if !ok {
		return nil, kv.NewError("instance-gone").With("kind", errkind.StateViolation).With("instance", id).
			With("stack", stack.Trace().TrimRuntime())
	}
	l.Lock()
	return l.Unlock, nil
}

// CreateInstance reserves a new instance against image/size and creates
// its lock registry entry.
func (m *Minion) CreateInstance(ctx context.Context, name string, image types.Image, size types.Size) (inst *types.Instance, err kv.Error) {
	if err := m.checkNotDraining(); err != nil {
		return nil, err
	}

	inst = &types.Instance{
		ID:      xid.New().String(),
		Name:    name,
		Minion:  m.cfg.Name,
		ImageID: image.ID,
		SizeID:  size.ID,
	}
	if err := m.store.Instances.Insert(ctx, inst); err != nil {
		return nil, err
	}
	m.locks.create(inst.ID)
	instancesActive.WithLabelValues(m.cfg.Name).Inc()
	return inst, nil
}

// DestroyInstance cancels the instance's recorded job, if any, then
// deletes its document and lock registry entry.
func (m *Minion) DestroyInstance(ctx context.Context, instanceID string) (err kv.Error) {
	unlock, err := m.locks.acquire(instanceID)
	if err != nil {
		return err
	}
	defer unlock()

	var inst types.Instance
	if err := m.store.Instances.FindOne(ctx, docstore.Filter{"id": instanceID}, &inst); err != nil {
		return err
	}
	if inst.JobID != "" {
		if err := m.cleanJob(ctx, inst.JobID); err != nil {
			return err
		}
	}
	if err := m.store.Instances.Delete(ctx, docstore.Filter{"id": instanceID}); err != nil {
		return err
	}
	m.locks.remove(instanceID)
	instancesActive.WithLabelValues(m.cfg.Name).Dec()
	return nil
}

// lookupInstance resolves id by exact-id match first, then a case-
// preserving substring match on name (spec §4.2).
func (m *Minion) lookupInstance(ctx context.Context, id string) (inst *types.Instance, err kv.Error) {
	var byID types.Instance
	if err := m.store.Instances.FindOne(ctx, docstore.Filter{"id": id}, &byID); err == nil {
		return &byID, nil
	}

	var all []types.Instance
	if errFind := m.store.Instances.FindMany(ctx, docstore.Filter{"minion": m.cfg.Name}, &all); errFind != nil {
		return nil, errFind
	}
	for i := range all {
		if strings.Contains(all[i].Name, id) {
			return &all[i], nil
		}
	}
	return nil, kv.NewError("instance not found").With("kind", errkind.NotFound).With("id", id).
		With("stack", stack.Trace().TrimRuntime())
}

// GetInstances returns every instance known to this minion.
func (m *Minion) GetInstances(ctx context.Context) (instances []types.Instance, err kv.Error) {
	if err := m.store.Instances.FindMany(ctx, docstore.Filter{"minion": m.cfg.Name}, &instances); err != nil {
		return nil, err
	}
	return instances, nil
}

// GetImages returns the minion's image catalog.
func (m *Minion) GetImages(ctx context.Context) (images []types.Image, err kv.Error) {
	if err := m.store.Images.FindMany(ctx, docstore.Filter{"minion": m.cfg.Name}, &images); err != nil {
		return nil, err
	}
	return images, nil
}

// GetSizes returns the minion's size catalog.
func (m *Minion) GetSizes(ctx context.Context) (sizes []types.Size, err kv.Error) {
	if err := m.store.Sizes.FindMany(ctx, docstore.Filter{"minion": m.cfg.Name}, &sizes); err != nil {
		return nil, err
	}
	return sizes, nil
}

// CreateSize registers a user-declared size in the catalog.
func (m *Minion) CreateSize(ctx context.Context, name string, cpus, ram int) (size *types.Size, err kv.Error) {
	size = &types.Size{ID: xid.New().String(), Name: name, Minion: m.cfg.Name, Cpus: cpus, RAM: ram}
	if err := m.store.Sizes.Insert(ctx, size); err != nil {
		return nil, err
	}
	return size, nil
}

// GetInstanceHostname returns the SSH endpoint recorded at login time
// (the corrected behaviour per spec §9's Open Question), not a
// hard-coded value.
func (m *Minion) GetInstanceHostname(ctx context.Context, instanceID string) (hostname string, err kv.Error) {
	if _, err := m.lookupInstance(ctx, instanceID); err != nil {
		return "", err
	}
	return m.transport.Endpoint(), nil
}
