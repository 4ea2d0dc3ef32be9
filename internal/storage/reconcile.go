// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package storage

// Reconcile implements the startup reconciliation rule from spec §4.1:
// every application document whose on-disk directory is missing is
// dropped; every on-disk directory with no document is left alone
// (manual operation only).

import (
	"context"
	"os"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/raulmorenogaldon/scife-go/internal/docstore"
	"github.com/raulmorenogaldon/scife-go/internal/types"
)

// Reconcile drops every application document in apps whose apppath/<id>
// directory no longer exists, and returns the surviving applications.
func (s *Storage) Reconcile(ctx context.Context, apps docstore.Collection) (kept []types.Application, err kv.Error) {
	var all []types.Application
	if err := apps.FindMany(ctx, docstore.Filter{}, &all); err != nil {
		return nil, err
	}

	for _, app := range all {
		if _, statErr := os.Stat(s.appDir(app.ID)); statErr != nil {
			if os.IsNotExist(statErr) {
				if errDel := apps.Delete(ctx, docstore.Filter{"id": app.ID}); errDel != nil {
					return nil, errDel
				}
				continue
			}
			return nil, kv.Wrap(statErr).With("stack", stack.Trace().TrimRuntime())
		}
		kept = append(kept, app)
	}
	return kept, nil
}
