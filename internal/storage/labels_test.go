// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"

	"github.com/raulmorenogaldon/scife-go/internal/types"
)

func TestDiscoverLabelsInFileStableOrder(t *testing.T) {
	data := []byte("run [[[NAME]]] on [[[NODES]]] then [[[NAME]]] again")
	got := discoverLabelsInFile(data)
	want := []string{"NAME", "NODES"}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatal(diff)
	}
}

func TestDiscoverLabelsInFileEmpty(t *testing.T) {
	if got := discoverLabelsInFile([]byte("no labels here")); len(got) != 0 {
		t.Fatalf("expected no labels, got %v", got)
	}
}

func TestSortedLabelSetDedupesAndSorts(t *testing.T) {
	got := sortedLabelSet([][]string{{"B", "A"}, {"A", "C"}})
	want := []string{"A", "B", "C"}
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatal(diff)
	}
}

func TestSubstituteFileReplacesEveryOccurrence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(path, []byte("echo [[[NAME]]]-[[[NAME]]]"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := substituteFile(path, map[string]string{"NAME": "x"}); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "echo x-x" {
		t.Fatalf("got %q", got)
	}
}

// TestSubstituteFileEmptyLabelValue covers the boundary case of
// substituting a label with the empty string, which should simply
// delete the token rather than error (spec §8 boundary).
func TestSubstituteFileEmptyLabelValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(path, []byte("prefix[[[EMPTY]]]suffix"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := substituteFile(path, map[string]string{"EMPTY": ""}); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "prefixsuffix" {
		t.Fatalf("got %q", got)
	}
}

func TestListSubstitutionTargetsTopLevelOnly(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.sh"), []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b.sh"), []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}

	files, err := listSubstitutionTargets(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || filepath.Base(files[0]) != "a.sh" {
		t.Fatalf("expected only the top-level file, got %v", files)
	}

	files, err = listSubstitutionTargets(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("expected both files recursively, got %v", files)
	}
}

func TestSystemLabelsTotalCpus(t *testing.T) {
	app := &types.Application{ID: "app1", Name: "App"}
	exp := &types.Experiment{ID: "exp1", Name: "Exp"}
	env := types.ExecEnv{Cpus: 4, Nodes: 3}

	sys := SystemLabels(app, exp, env)
	if sys["#TOTALCPUS"] != "12" {
		t.Fatalf("expected #TOTALCPUS=12, got %q", sys["#TOTALCPUS"])
	}
}

// TestComposeLabelsSystemWins is the system-label-override invariant
// from spec §8 invariant 5: a user-declared label sharing a name with a
// system label must lose.
func TestComposeLabelsSystemWins(t *testing.T) {
	declared := []string{"NAME"}
	user := map[string]string{"NAME": "user-value", "#EXPERIMENT_ID": "user-tried-to-override"}
	system := map[string]string{"#EXPERIMENT_ID": "system-value"}

	out := ComposeLabels(declared, user, system)
	if out["#EXPERIMENT_ID"] != "system-value" {
		t.Fatalf("system label must win, got %q", out["#EXPERIMENT_ID"])
	}
	if out["NAME"] != "user-value" {
		t.Fatalf("user label should pass through, got %q", out["NAME"])
	}
}
