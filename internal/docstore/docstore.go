// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package docstore stands in for the out-of-scope document-store driver
// named in spec §1 (equivalent to MongoDB collections with unique
// compound indexes). Collection is the narrow interface every core
// depends on; memstore backs it for tests and standalone runs, mongo.go
// backs it against a real deployment.
package docstore

import (
	"context"

	"github.com/jjeffery/kv" // MIT License
)

// Filter is a compound-key match, e.g. {"id": "...", "name": "...", "minion": "..."}.
type Filter map[string]interface{}

// Collection is the persistence boundary for one entity kind (applications,
// experiments, executions, instances, images, sizes). The mongo-backed
// collection hands ctx to the driver and reports a driver failure,
// including a cancelled ctx, as a transport-kind kv.Error; the in-memory
// collection does not consult ctx.
type Collection interface {
	// Insert adds doc, rejecting the insert with a state-violation kv.Error
	// if it collides with a unique index already enforced by the
	// collection (spec §3 Invariants: id and name each unique for
	// applications, compound (id,name,minion) for instances/images/sizes).
	Insert(ctx context.Context, doc interface{}) (err kv.Error)

	// FindOne decodes the first document matching filter into out, which
	// must be a pointer. Returns a not-found kv.Error if nothing matches.
	FindOne(ctx context.Context, filter Filter, out interface{}) (err kv.Error)

	// FindMany decodes every document matching filter into out, which must
	// be a pointer to a slice.
	FindMany(ctx context.Context, filter Filter, out interface{}) (err kv.Error)

	// Update replaces the document matched by filter with doc.
	Update(ctx context.Context, filter Filter, doc interface{}) (err kv.Error)

	// Delete removes every document matched by filter.
	Delete(ctx context.Context, filter Filter) (err kv.Error)
}

// Store groups the collections the controller and cores need.
// storage.Storage.Reconcile is run against Applications once at startup
// (spec §4.1 Reconciliation, §8 scenario 6).
type Store struct {
	Applications Collection
	Experiments  Collection
	Executions   Collection
	Instances    Collection
	Images       Collection
	Sizes        Collection
}
