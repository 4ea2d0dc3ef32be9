// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package docstore

// mongoCollection backs Collection with go.mongodb.org/mongo-driver,
// grounded on LerianStudio-midaz's
// components/crm/internal/adapters/mongodb/alias/alias.mongodb.go:
// connect once, one *mongo.Collection per entity, bson.M filters built
// from the caller's compound key.

import (
	"context"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/pkg/errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/raulmorenogaldon/scife-go/internal/errkind"
)

const connectTimeout = 10 * time.Second

// Open dials conn (a mongodb:// URI) and returns a Store with one
// collection per entity kind in db, enforcing the compound unique
// indexes named in spec §3's Invariants. When conn is empty it returns
// an in-memory Store instead, so the unit tests and standalone runs
// never require a live MongoDB.
func Open(ctx context.Context, conn, db string) (store *Store, close func(context.Context) error, err kv.Error) {
	if conn == "" {
		return &Store{
			Applications: NewMemCollection([]string{"id"}, []string{"name"}),
			Experiments:  NewMemCollection([]string{"id"}),
			Executions:   NewMemCollection([]string{"id"}),
			Instances:    NewMemCollection([]string{"id", "name", "minion"}),
			Images:       NewMemCollection([]string{"id", "name", "minion"}),
			Sizes:        NewMemCollection([]string{"id", "name", "minion"}),
		}, func(context.Context) error { return nil }, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, errGo := mongo.Connect(dialCtx, options.Client().ApplyURI(conn))
	if errGo != nil {
		return nil, nil, kv.Wrap(errors.Wrap(errGo, "mongo connect")).With("kind", errkind.Transport).
			With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := client.Ping(dialCtx, nil); errGo != nil {
		return nil, nil, kv.Wrap(errors.Wrap(errGo, "mongo ping")).With("kind", errkind.Transport).
			With("stack", stack.Trace().TrimRuntime())
	}

	database := client.Database(db)

	mustIndex := func(coll *mongo.Collection, fields []string) *mongo.Collection {
		keys := bson.D{}
		for _, f := range fields {
			keys = append(keys, bson.E{Key: f, Value: 1})
		}
		_, _ = coll.Indexes().CreateOne(dialCtx, mongo.IndexModel{
			Keys:    keys,
			Options: options.Index().SetUnique(true),
		})
		return coll
	}

	apps := mustIndex(database.Collection("applications"), []string{"id"})
	mustIndex(apps, []string{"name"})
	exps := database.Collection("experiments")
	mustIndex(exps, []string{"id"})
	execs := database.Collection("executions")
	mustIndex(execs, []string{"id"})
	instances := mustIndex(database.Collection("instances"), []string{"id", "name", "minion"})
	images := mustIndex(database.Collection("images"), []string{"id", "name", "minion"})
	sizes := mustIndex(database.Collection("sizes"), []string{"id", "name", "minion"})

	return &Store{
			Applications: &mongoCollection{coll: apps},
			Experiments:  &mongoCollection{coll: exps},
			Executions:   &mongoCollection{coll: execs},
			Instances:    &mongoCollection{coll: instances},
			Images:       &mongoCollection{coll: images},
			Sizes:        &mongoCollection{coll: sizes},
		}, func(closeCtx context.Context) error {
			return client.Disconnect(closeCtx)
		}, nil
}

type mongoCollection struct {
	coll *mongo.Collection
}

func toBsonFilter(f Filter) bson.M {
	out := bson.M{}
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (m *mongoCollection) Insert(ctx context.Context, doc interface{}) (err kv.Error) {
	if _, errGo := m.coll.InsertOne(ctx, doc); errGo != nil {
		if mongo.IsDuplicateKeyError(errGo) {
			return kv.Wrap(errGo).With("kind", errkind.StateViolation).With("stack", stack.Trace().TrimRuntime())
		}
		return kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

func (m *mongoCollection) FindOne(ctx context.Context, filter Filter, out interface{}) (err kv.Error) {
	errGo := m.coll.FindOne(ctx, toBsonFilter(filter)).Decode(out)
	if errGo == mongo.ErrNoDocuments {
		return kv.NewError("document not found").With("kind", errkind.NotFound).With("filter", filter).
			With("stack", stack.Trace().TrimRuntime())
	}
	if errGo != nil {
		return kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

func (m *mongoCollection) FindMany(ctx context.Context, filter Filter, out interface{}) (err kv.Error) {
	cur, errGo := m.coll.Find(ctx, toBsonFilter(filter))
	if errGo != nil {
		return kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
	}
	defer cur.Close(ctx)
	if errGo := cur.All(ctx, out); errGo != nil {
		return kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

func (m *mongoCollection) Update(ctx context.Context, filter Filter, doc interface{}) (err kv.Error) {
	res, errGo := m.coll.ReplaceOne(ctx, toBsonFilter(filter), doc)
	if errGo != nil {
		return kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
	}
	if res.MatchedCount == 0 {
		return kv.NewError("document not found").With("kind", errkind.NotFound).With("filter", filter).
			With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

func (m *mongoCollection) Delete(ctx context.Context, filter Filter) (err kv.Error) {
	if _, errGo := m.coll.DeleteMany(ctx, toBsonFilter(filter)); errGo != nil {
		return kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
