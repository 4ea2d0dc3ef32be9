// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package minion

import (
	"context"
	"testing"

	"github.com/raulmorenogaldon/scife-go/internal/docstore"
	"github.com/raulmorenogaldon/scife-go/internal/errkind"
	"github.com/raulmorenogaldon/scife-go/internal/types"
)

// TestDeployExperimentTwiceFailsStateViolation covers spec §8 scenario 4:
// a second deploy on an already-deployed instance must fail before ever
// touching the transport.
func TestDeployExperimentTwiceFailsStateViolation(t *testing.T) {
	ctx := context.Background()
	m := newTestMinion(t)

	inst, err := m.CreateInstance(ctx, "master", types.Image{ID: "img1"}, types.Size{ID: "sz1"})
	if err != nil {
		t.Fatal(err)
	}
	inst.Deployed = true
	if err := m.store.Instances.Update(ctx, docstore.Filter{"id": inst.ID}, inst); err != nil {
		t.Fatal(err)
	}

	err = m.DeployExperiment(ctx, inst.ID, "file:///repo", "exec1", "/tmp/work", "build.sh", types.Size{Cpus: 1, RAM: 512})
	if err == nil {
		t.Fatal("expected a second deploy to fail")
	}
	if errkind.Of(err) != errkind.StateViolation {
		t.Fatalf("expected state-violation kind, got %q", errkind.Of(err))
	}
}

// TestExecuteExperimentBeforeDeployFailsStateViolation covers the
// execute-before-deploy ordering invariant (spec §4.2).
func TestExecuteExperimentBeforeDeployFailsStateViolation(t *testing.T) {
	ctx := context.Background()
	m := newTestMinion(t)

	inst, err := m.CreateInstance(ctx, "master", types.Image{ID: "img1"}, types.Size{ID: "sz1"})
	if err != nil {
		t.Fatal(err)
	}

	system := types.System{Master: inst.ID, Instances: []string{inst.ID}}
	err = m.ExecuteExperiment(ctx, system, "/tmp/work", "run.sh", types.Size{Cpus: 1, RAM: 512})
	if err == nil {
		t.Fatal("expected execute before deploy to fail")
	}
	if errkind.Of(err) != errkind.StateViolation {
		t.Fatalf("expected state-violation kind, got %q", errkind.Of(err))
	}
}

// TestExecuteExperimentTwiceFailsStateViolation covers the
// already-executing guard in ExecuteExperiment.
func TestExecuteExperimentTwiceFailsStateViolation(t *testing.T) {
	ctx := context.Background()
	m := newTestMinion(t)

	inst, err := m.CreateInstance(ctx, "master", types.Image{ID: "img1"}, types.Size{ID: "sz1"})
	if err != nil {
		t.Fatal(err)
	}
	inst.Deployed = true
	inst.Executed = true
	if err := m.store.Instances.Update(ctx, docstore.Filter{"id": inst.ID}, inst); err != nil {
		t.Fatal(err)
	}

	system := types.System{Master: inst.ID, Instances: []string{inst.ID}}
	err = m.ExecuteExperiment(ctx, system, "/tmp/work", "run.sh", types.Size{Cpus: 1, RAM: 512})
	if err == nil {
		t.Fatal("expected a second execute to fail")
	}
	if errkind.Of(err) != errkind.StateViolation {
		t.Fatalf("expected state-violation kind, got %q", errkind.Of(err))
	}
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	got := shellQuote("it's a test")
	want := `'it'\''s a test'`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
