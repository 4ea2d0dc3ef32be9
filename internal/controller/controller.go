// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package controller composes the Storage Core and the Cluster Minion
// Core into the full experiment workflow a caller of cmd/scifectl
// drives: create an application and an experiment, prepare and deploy
// an execution, poll it to completion, then clean up (spec §4, §7).
// Retrieving the execution's output is not part of this package.
//
// Grounded on the teacher's cmd/runner/main.go wiring, which composes
// independently-testable internal packages (runner, request, defense)
// behind one process entry point the same way this package composes
// storage and minion behind scifectl.
package controller

import (
	"context"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/rs/xid"

	"github.com/raulmorenogaldon/scife-go/internal/docstore"
	"github.com/raulmorenogaldon/scife-go/internal/errkind"
	"github.com/raulmorenogaldon/scife-go/internal/minion"
	"github.com/raulmorenogaldon/scife-go/internal/storage"
	"github.com/raulmorenogaldon/scife-go/internal/types"
)

// PollInterval is how often RunExecution re-polls an in-flight job.
const PollInterval = 5 * time.Second

// Controller owns one Storage Core, a docstore.Store for all entity
// metadata, and the set of Cluster Minion Cores named in its experiments'
// systems.
type Controller struct {
	storage *storage.Storage
	store   *docstore.Store
	minions map[string]*minion.Minion
}

// New returns a Controller. minions must contain one *minion.Minion per
// cluster name an experiment's System may reference; each is expected
// to already be logged in.
func New(st *storage.Storage, store *docstore.Store, minions map[string]*minion.Minion) *Controller {
	return &Controller{storage: st, store: store, minions: minions}
}

func (c *Controller) minionFor(name string) (m *minion.Minion, err kv.Error) {
	m, ok := c.minions[name]
	if !ok {
		return nil, kv.NewError("unknown minion").With("kind", errkind.NotFound).With("minion", name).
			With("stack", stack.Trace().TrimRuntime())
	}
	return m, nil
}

// CreateApplication stages src as a new application and records it.
func (c *Controller) CreateApplication(ctx context.Context, name, description, src, creationScript, execScript string) (app *types.Application, err kv.Error) {
	app, err = c.storage.CreateApplication(ctx, name, description, src, creationScript, execScript)
	if err != nil {
		return nil, err
	}
	if err := c.store.Applications.Insert(ctx, app); err != nil {
		return nil, err
	}
	return app, nil
}

// CreateExperiment branches appID's default input tree into a new
// experiment and records it.
func (c *Controller) CreateExperiment(ctx context.Context, appID, name, description string, env types.ExecEnv, labels map[string]string) (exp *types.Experiment, err kv.Error) {
	exp = &types.Experiment{
		ID:            xid.New().String(),
		Name:          name,
		Description:   description,
		ApplicationID: appID,
		Env:           env,
		Labels:        labels,
		Status:        types.StatusCreated,
		CreatedAt:     now(),
	}
	if err := c.storage.CopyExperiment(ctx, appID, exp.ID); err != nil {
		return nil, err
	}
	if err := c.store.Experiments.Insert(ctx, exp); err != nil {
		return nil, err
	}
	return exp, nil
}

// RunExecution drives one execution of expID on system end to end:
// prepare (label substitution), deploy (submit the compile job), poll
// until compiled, execute (submit the run job), poll until done. It does
// not retrieve the output or clean the workdir. It blocks for the
// lifetime of the batch jobs; callers needing concurrency run it in a
// goroutine per execution.
func (c *Controller) RunExecution(ctx context.Context, appID, expID, minionName string, system types.System, creationScript, execScript, workdir string, labels map[string]string, recursive bool, size types.Size) (exec *types.Execution, err kv.Error) {
	m, err := c.minionFor(minionName)
	if err != nil {
		return nil, err
	}

	exec = &types.Execution{
		ID:           xid.New().String(),
		ExperimentID: expID,
		Labels:       labels,
		Status:       types.StatusCreated,
		System:       system,
		CreatedAt:    now(),
	}

	if err := c.storage.PrepareExecution(ctx, appID, expID, exec.ID, labels, recursive); err != nil {
		return nil, err
	}
	exec.Status = types.StatusPrepared
	if err := c.store.Executions.Insert(ctx, exec); err != nil {
		return nil, err
	}

	repoURL := c.storage.GetApplicationURL(appID)
	branch := exec.ID

	if err := m.DeployExperiment(ctx, system.Master, repoURL, branch, workdir, creationScript, size); err != nil {
		return nil, c.failExecution(ctx, exec, types.StatusFailedCompilation, err)
	}
	exec.Status = types.StatusDeployed
	c.updateExecution(ctx, exec)

	if err := c.waitFor(ctx, m, system.Master, workdir, types.StatusCompiled, types.StatusFailedCompilation); err != nil {
		return nil, c.failExecution(ctx, exec, types.StatusFailedCompilation, err)
	}
	exec.Status = types.StatusCompiled
	c.updateExecution(ctx, exec)

	if err := m.ExecuteExperiment(ctx, system, workdir, execScript, size); err != nil {
		return nil, c.failExecution(ctx, exec, types.StatusFailedExecution, err)
	}
	exec.Status = types.StatusExecuting
	c.updateExecution(ctx, exec)

	if err := c.waitFor(ctx, m, system.Master, workdir, types.StatusDone, types.StatusFailedExecution); err != nil {
		return nil, c.failExecution(ctx, exec, types.StatusFailedExecution, err)
	}
	exec.Status = types.StatusDone
	c.updateExecution(ctx, exec)

	return exec, nil
}

// waitFor polls instanceID until it reports done or failed, or ctx is cancelled.
func (c *Controller) waitFor(ctx context.Context, m *minion.Minion, instanceID, workdir string, done, failed types.ExecStatus) (err kv.Error) {
	for {
		status, err := m.PollExperiment(ctx, instanceID, workdir)
		if err != nil {
			return err
		}
		if status == done {
			return nil
		}
		if status == failed {
			return kv.NewError("batch job reported failure").With("kind", errkind.RemoteTool).
				With("instance", instanceID).With("status", string(status)).With("stack", stack.Trace().TrimRuntime())
		}
		select {
		case <-ctx.Done():
			return kv.NewError("execution wait cancelled").With("kind", errkind.Timeout).
				With("stack", stack.Trace().TrimRuntime())
		case <-time.After(PollInterval):
		}
	}
}

// failExecution records exec as failed with the status matching the
// phase that failed (StatusFailedCompilation or StatusFailedExecution)
// so a caller reading the stored status can tell the two apart, rather
// than collapsing both into StatusUnknown.
func (c *Controller) failExecution(ctx context.Context, exec *types.Execution, failStatus types.ExecStatus, cause kv.Error) kv.Error {
	exec.Status = failStatus
	c.updateExecution(ctx, exec)
	return cause
}

func (c *Controller) updateExecution(ctx context.Context, exec *types.Execution) {
	_ = c.store.Executions.Update(ctx, docstore.Filter{"id": exec.ID}, exec)
}

// CleanExecution removes the cluster-side workdir of exec on its master
// instance, then removes its document. The instance itself is not
// destroyed.
func (c *Controller) CleanExecution(ctx context.Context, minionName string, exec *types.Execution, workdir string) (err kv.Error) {
	m, err := c.minionFor(minionName)
	if err != nil {
		return err
	}
	if err := m.CleanExperiment(ctx, exec.System.Master, workdir); err != nil {
		return err
	}
	return c.store.Executions.Delete(ctx, docstore.Filter{"id": exec.ID})
}

// Reconcile drops application documents with no matching repository on
// disk, run once at process start (spec §8 scenario 6).
func (c *Controller) Reconcile(ctx context.Context) (kept []types.Application, err kv.Error) {
	return c.storage.Reconcile(ctx, c.store.Applications)
}

var now = time.Now
