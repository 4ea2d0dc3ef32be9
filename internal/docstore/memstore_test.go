// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package docstore

import (
	"context"
	"testing"

	"github.com/raulmorenogaldon/scife-go/internal/errkind"
)

type testApp struct {
	ID   string
	Name string
}

func TestMemCollectionInsertFindOne(t *testing.T) {
	ctx := context.Background()
	col := NewMemCollection([]string{"id"})

	if err := col.Insert(ctx, testApp{ID: "a1", Name: "App One"}); err != nil {
		t.Fatal(err)
	}

	var out testApp
	if err := col.FindOne(ctx, Filter{"id": "a1"}, &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != "App One" {
		t.Fatalf("got %+v", out)
	}
}

func TestMemCollectionFindOneNotFound(t *testing.T) {
	ctx := context.Background()
	col := NewMemCollection([]string{"id"})

	err := col.FindOne(ctx, Filter{"id": "missing"}, &testApp{})
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if errkind.Of(err) != errkind.NotFound {
		t.Fatalf("expected not-found kind, got %q", errkind.Of(err))
	}
}

// TestMemCollectionUniqueIndexViolation covers spec §3's compound
// unique index invariant (e.g. (id,name,minion) for instances), here on
// a two-field (id,name) index.
func TestMemCollectionUniqueIndexViolation(t *testing.T) {
	ctx := context.Background()
	col := NewMemCollection([]string{"id", "name"})

	if err := col.Insert(ctx, testApp{ID: "a1", Name: "App One"}); err != nil {
		t.Fatal(err)
	}
	err := col.Insert(ctx, testApp{ID: "a1", Name: "App One"})
	if err == nil {
		t.Fatal("expected unique index violation")
	}
	if errkind.Of(err) != errkind.StateViolation {
		t.Fatalf("expected state-violation kind, got %q", errkind.Of(err))
	}

	// A different name shares the id but not the full compound key, so it
	// must be allowed.
	if err := col.Insert(ctx, testApp{ID: "a1", Name: "App Two"}); err != nil {
		t.Fatal(err)
	}
}

func TestMemCollectionFindManyAndDelete(t *testing.T) {
	ctx := context.Background()
	col := NewMemCollection([]string{"id"})

	if err := col.Insert(ctx, testApp{ID: "a1", Name: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := col.Insert(ctx, testApp{ID: "a2", Name: "first"}); err != nil {
		t.Fatal(err)
	}

	var out []testApp
	if err := col.FindMany(ctx, Filter{"name": "first"}, &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(out))
	}

	if err := col.Delete(ctx, Filter{"id": "a1"}); err != nil {
		t.Fatal(err)
	}
	out = nil
	if err := col.FindMany(ctx, Filter{"name": "first"}, &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 match after delete, got %d", len(out))
	}
}

func TestMemCollectionUpdate(t *testing.T) {
	ctx := context.Background()
	col := NewMemCollection([]string{"id"})

	if err := col.Insert(ctx, testApp{ID: "a1", Name: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := col.Update(ctx, Filter{"id": "a1"}, testApp{ID: "a1", Name: "renamed"}); err != nil {
		t.Fatal(err)
	}

	var out testApp
	if err := col.FindOne(ctx, Filter{"id": "a1"}, &out); err != nil {
		t.Fatal(err)
	}
	if out.Name != "renamed" {
		t.Fatalf("expected update to apply, got %+v", out)
	}
}

func TestOpenInMemoryWhenNoConnString(t *testing.T) {
	ctx := context.Background()
	store, closeStore, err := Open(ctx, "", "scife")
	if err != nil {
		t.Fatal(err)
	}
	defer closeStore(ctx)

	if err := store.Applications.Insert(ctx, testApp{ID: "a1", Name: "first"}); err != nil {
		t.Fatal(err)
	}
}
