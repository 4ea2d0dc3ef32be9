// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package docstore

// memCollection is an in-memory Collection, the default when no mongo
// connection string is configured. It generalises the teacher's
// DynamicStore (internal/runner/dynamic_store.go) from a single disk-
// backed directory into a generic, JSON-keyed in-memory map protected by
// one RWMutex per collection, and enforces unique compound indexes the
// same way spec §3's Invariants describe MongoDB doing it.

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/raulmorenogaldon/scife-go/internal/errkind"
)

type memCollection struct {
	mu      sync.RWMutex
	docs    map[string]map[string]interface{} // keyed by an internal sequence id
	nextSeq int
	unique  [][]string // each entry is a set of field names that together must be unique
}

// NewMemCollection returns a Collection enforcing uniqueness across each
// field-name-set in uniqueIndexes (e.g. [][]string{{"id"}, {"name"}} for
// applications, or [][]string{{"id", "name", "minion"}} for instances).
func NewMemCollection(uniqueIndexes ...[]string) Collection {
	return &memCollection{
		docs:   map[string]map[string]interface{}{},
		unique: uniqueIndexes,
	}
}

func toDoc(v interface{}) (map[string]interface{}, kv.Error) {
	buf, errGo := json.Marshal(v)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	var doc map[string]interface{}
	if errGo := json.Unmarshal(buf, &doc); errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return doc, nil
}

func matches(doc map[string]interface{}, filter Filter) bool {
	for k, v := range filter {
		dv, ok := doc[k]
		if !ok {
			return false
		}
		if toComparable(dv) != toComparable(v) {
			return false
		}
	}
	return true
}

func toComparable(v interface{}) interface{} {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	return string(buf)
}

func decodeInto(doc map[string]interface{}, out interface{}) kv.Error {
	buf, errGo := json.Marshal(doc)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := json.Unmarshal(buf, out); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

func (m *memCollection) violatesUnique(candidate map[string]interface{}, excludeSeq string) bool {
	for _, fields := range m.unique {
		for seq, doc := range m.docs {
			if seq == excludeSeq {
				continue
			}
			same := true
			for _, f := range fields {
				if toComparable(doc[f]) != toComparable(candidate[f]) {
					same = false
					break
				}
			}
			if same {
				return true
			}
		}
	}
	return false
}

func (m *memCollection) Insert(ctx context.Context, v interface{}) (err kv.Error) {
	doc, err := toDoc(v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.violatesUnique(doc, "") {
		return kv.NewError("unique index violation").With("kind", errkind.StateViolation).
			With("stack", stack.Trace().TrimRuntime())
	}

	m.nextSeq++
	seq := seqKey(m.nextSeq)
	m.docs[seq] = doc
	return nil
}

func (m *memCollection) FindOne(ctx context.Context, filter Filter, out interface{}) (err kv.Error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, doc := range m.docs {
		if matches(doc, filter) {
			return decodeInto(doc, out)
		}
	}
	return kv.NewError("document not found").With("kind", errkind.NotFound).With("filter", filter).
		With("stack", stack.Trace().TrimRuntime())
}

func (m *memCollection) FindMany(ctx context.Context, filter Filter, out interface{}) (err kv.Error) {
	m.mu.RLock()
	var matched []map[string]interface{}
	for _, doc := range m.docs {
		if matches(doc, filter) {
			matched = append(matched, doc)
		}
	}
	m.mu.RUnlock()

	buf, errGo := json.Marshal(matched)
	if errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := json.Unmarshal(buf, out); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

func (m *memCollection) Update(ctx context.Context, filter Filter, v interface{}) (err kv.Error) {
	doc, err := toDoc(v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for seq, existing := range m.docs {
		if matches(existing, filter) {
			if m.violatesUnique(doc, seq) {
				return kv.NewError("unique index violation").With("kind", errkind.StateViolation).
					With("stack", stack.Trace().TrimRuntime())
			}
			m.docs[seq] = doc
			return nil
		}
	}
	return kv.NewError("document not found").With("kind", errkind.NotFound).With("filter", filter).
		With("stack", stack.Trace().TrimRuntime())
}

func (m *memCollection) Delete(ctx context.Context, filter Filter) (err kv.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for seq, doc := range m.docs {
		if matches(doc, filter) {
			delete(m.docs, seq)
		}
	}
	return nil
}

func seqKey(n int) string {
	return "seq-" + strconv.Itoa(n)
}
