// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package storage

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	root := t.TempDir()
	s, err := New(Config{
		AppStorage:    filepath.Join(root, "apps"),
		InputStorage:  filepath.Join(root, "inputs"),
		OutputStorage: filepath.Join(root, "outputs"),
		PublicURL:     "http://localhost:8237",
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newSourceTree(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "run.sh"), []byte("echo [[[NAME]]]"), 0640); err != nil {
		t.Fatal(err)
	}
	return src
}

// currentBranch shells out to git directly, independent of the Repo
// type under test, so it can assert the default-branch-restoration
// invariant without trusting the code it is verifying.
func currentBranch(t *testing.T, dir string) string {
	t.Helper()
	out, err := exec.Command("git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimSpace(string(out))
}

func TestCreateApplicationDiscoversLabels(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	app, err := s.CreateApplication(ctx, "app", "desc", newSourceTree(t), "run.sh", "run.sh")
	if err != nil {
		t.Fatal(err)
	}
	if len(app.Labels) != 1 || app.Labels[0] != "NAME" {
		t.Fatalf("expected [NAME], got %v", app.Labels)
	}
	if currentBranch(t, s.appDir(app.ID)) != defaultBranch {
		t.Fatalf("expected repo left on %s after create", defaultBranch)
	}
}

func TestCopyAndPrepareExecutionRestoresDefaultBranch(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	app, err := s.CreateApplication(ctx, "app", "desc", newSourceTree(t), "run.sh", "run.sh")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.CopyExperiment(ctx, app.ID, "exp1"); err != nil {
		t.Fatal(err)
	}
	if currentBranch(t, s.appDir(app.ID)) != defaultBranch {
		t.Fatalf("CopyExperiment must leave the repo on %s", defaultBranch)
	}

	if err := s.PrepareExecution(ctx, app.ID, "exp1", "exec1", map[string]string{"NAME": "alice"}, false); err != nil {
		t.Fatal(err)
	}
	if currentBranch(t, s.appDir(app.ID)) != defaultBranch {
		t.Fatalf("PrepareExecution must leave the repo on %s even on success", defaultBranch)
	}

	data, err := s.GetExperimentCode(ctx, app.ID, "exec1", "run.sh")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "echo alice" {
		t.Fatalf("expected substituted content, got %q", data)
	}
}

// TestPrepareExecutionFailureStillRestoresDefaultBranch checks that a
// failed PrepareExecution leaves the repo on the default branch. The
// failure here is a branch name collision, which repo.Branch reports
// before any checkout happens.
func TestPrepareExecutionFailureStillRestoresDefaultBranch(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	app, err := s.CreateApplication(ctx, "app", "desc", newSourceTree(t), "run.sh", "run.sh")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CopyExperiment(ctx, app.ID, "exp1"); err != nil {
		t.Fatal(err)
	}

	// A branch name collision (execID == expID) makes repo.Branch fail.
	if err := s.PrepareExecution(ctx, app.ID, "exp1", "exp1", nil, false); err == nil {
		t.Fatal("expected an error from a colliding branch name")
	}
	if currentBranch(t, s.appDir(app.ID)) != defaultBranch {
		t.Fatalf("a failed PrepareExecution must still leave the repo on %s", defaultBranch)
	}
}

func TestPutGetDeleteExperimentCodeRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	app, err := s.CreateApplication(ctx, "app", "desc", newSourceTree(t), "run.sh", "run.sh")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CopyExperiment(ctx, app.ID, "exp1"); err != nil {
		t.Fatal(err)
	}

	if err := s.PutExperimentCode(ctx, app.ID, "exp1", "extra.txt", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	data, err := s.GetExperimentCode(ctx, app.ID, "exp1", "extra.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q", data)
	}

	if err := s.DeleteExperimentCode(ctx, app.ID, "exp1", "extra.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetExperimentCode(ctx, app.ID, "exp1", "extra.txt"); err == nil {
		t.Fatal("expected not-found after delete")
	}
}

// TestAbsolutePathRejected covers the absolute-path boundary (spec §8
// boundary) for PutExperimentCode and GetExperimentCode.
func TestAbsolutePathRejected(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	app, err := s.CreateApplication(ctx, "app", "desc", newSourceTree(t), "run.sh", "run.sh")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.PutExperimentCode(ctx, app.ID, "exp1", "/etc/passwd", []byte("x")); err == nil {
		t.Fatal("expected absolute path to be rejected")
	}
	if _, err := s.GetExperimentCode(ctx, app.ID, "exp1", "/etc/passwd"); err == nil {
		t.Fatal("expected absolute path to be rejected")
	}
}

func TestRemoveExperimentFullLifecycle(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	app, err := s.CreateApplication(ctx, "app", "desc", newSourceTree(t), "run.sh", "run.sh")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CopyExperiment(ctx, app.ID, "exp1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveExperiment(ctx, app.ID, "exp1"); err != nil {
		t.Fatal(err)
	}
	if currentBranch(t, s.appDir(app.ID)) != defaultBranch {
		t.Fatalf("RemoveExperiment must leave the repo on %s", defaultBranch)
	}
	if _, err := s.GetExperimentCode(ctx, app.ID, "exp1", "run.sh"); err == nil {
		t.Fatal("expected the removed branch to be gone")
	}
}
