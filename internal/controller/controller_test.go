// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package controller

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/raulmorenogaldon/scife-go/internal/docstore"
	"github.com/raulmorenogaldon/scife-go/internal/errkind"
	"github.com/raulmorenogaldon/scife-go/internal/minion"
	"github.com/raulmorenogaldon/scife-go/internal/storage"
	"github.com/raulmorenogaldon/scife-go/internal/types"
)

func newTestController(t *testing.T) (*Controller, *storage.Storage, *docstore.Store) {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	st, err := storage.New(storage.Config{
		AppStorage:    filepath.Join(root, "apps"),
		InputStorage:  filepath.Join(root, "inputs"),
		OutputStorage: filepath.Join(root, "outputs"),
		PublicURL:     "http://localhost:8237",
	})
	if err != nil {
		t.Fatal(err)
	}

	store, _, err := docstore.Open(ctx, "", "scife")
	if err != nil {
		t.Fatal(err)
	}

	m := minion.New(minion.Config{Name: "cluster1"}, store)
	c := New(st, store, map[string]*minion.Minion{"cluster1": m})
	return c, st, store
}

func newTestSource(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "run.sh"), []byte("echo [[[NAME]]]"), 0640); err != nil {
		t.Fatal(err)
	}
	return src
}

func TestMinionForUnknownReturnsNotFound(t *testing.T) {
	c, _, _ := newTestController(t)
	_, err := c.minionFor("does-not-exist")
	if err == nil {
		t.Fatal("expected unknown minion to fail")
	}
	if errkind.Of(err) != errkind.NotFound {
		t.Fatalf("expected not-found kind, got %q", errkind.Of(err))
	}
}

func TestCreateApplicationAndExperimentComposesStorageAndStore(t *testing.T) {
	ctx := context.Background()
	c, _, store := newTestController(t)

	app, err := c.CreateApplication(ctx, "app", "desc", newTestSource(t), "run.sh", "run.sh")
	if err != nil {
		t.Fatal(err)
	}

	var stored types.Application
	if err := store.Applications.FindOne(ctx, docstore.Filter{"id": app.ID}, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.Name != "app" {
		t.Fatalf("expected application to be recorded, got %+v", stored)
	}

	exp, err := c.CreateExperiment(ctx, app.ID, "exp", "desc", types.ExecEnv{Cpus: 2, Nodes: 1}, map[string]string{"NAME": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if exp.Status != types.StatusCreated {
		t.Fatalf("expected a freshly created experiment, got status %q", exp.Status)
	}

	var storedExp types.Experiment
	if err := store.Experiments.FindOne(ctx, docstore.Filter{"id": exp.ID}, &storedExp); err != nil {
		t.Fatal(err)
	}
}

// TestCleanExecutionUnknownMinion covers the failure path before any
// destructive call is attempted.
func TestCleanExecutionUnknownMinion(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(t)

	exec := &types.Execution{ID: "exec1", System: types.System{Master: "inst1"}}
	err := c.CleanExecution(ctx, "no-such-cluster", exec, "/tmp/work")
	if err == nil {
		t.Fatal("expected unknown minion to fail")
	}
	if errkind.Of(err) != errkind.NotFound {
		t.Fatalf("expected not-found kind, got %q", errkind.Of(err))
	}
}

// TestReconcileDropsApplicationsMissingOnDisk covers spec §8 scenario 6:
// a document whose repository directory is gone must be dropped at
// startup, while one whose directory still exists survives.
func TestReconcileDropsApplicationsMissingOnDisk(t *testing.T) {
	ctx := context.Background()
	c, _, store := newTestController(t)

	app, err := c.CreateApplication(ctx, "keepme", "desc", newTestSource(t), "run.sh", "run.sh")
	if err != nil {
		t.Fatal(err)
	}

	ghost := &types.Application{ID: "ghost-app", Name: "ghost"}
	if err := store.Applications.Insert(ctx, ghost); err != nil {
		t.Fatal(err)
	}

	kept, err := c.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(kept) != 1 || kept[0].ID != app.ID {
		t.Fatalf("expected only %s to survive reconciliation, got %+v", app.ID, kept)
	}

	if err := store.Applications.FindOne(ctx, docstore.Filter{"id": "ghost-app"}, &types.Application{}); err == nil {
		t.Fatal("expected the ghost application document to be removed")
	}
}
