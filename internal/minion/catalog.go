// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package minion

// Catalog bootstrap: reads cloud.json from the front-end's home
// directory on login and merges it into the local catalog, assigning a
// new id to any entry not already present (keyed by name, and for sizes
// additionally by cpus and ram) -- spec §4.2.
//
// Grounded on original_source/minions/cluster/cl_minion.py's
// __loadConfig, generalised from the teacher's keyed-catalog idiom in
// internal/runner/pythonenvcache.go (a map keyed by a derived identity,
// populated lazily and merged on refresh).

import (
	"context"
	"encoding/json"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/rs/xid"

	"github.com/raulmorenogaldon/scife-go/internal/docstore"
	"github.com/raulmorenogaldon/scife-go/internal/types"
)

type cloudImage struct {
	Name      string `json:"name"`
	WorkPath  string `json:"workpath"`
	InputPath string `json:"inputpath"`
	LibPath   string `json:"libpath"`
	TmpPath   string `json:"tmppath"`
}

type cloudSize struct {
	Name string `json:"name"`
	Cpus int    `json:"cpus"`
	RAM  int    `json:"ram"`
}

type cloudConfig struct {
	Images []cloudImage `json:"images"`
	Sizes  []cloudSize  `json:"sizes"`
}

// bootstrapCatalog fetches cloud.json from the front-end's home
// directory over the already-open transport and merges it into images
// and sizes.
func bootstrapCatalog(ctx context.Context, t *Transport, minionName string, images, sizes docstore.Collection) (err kv.Error) {
	stdout, _, err := t.Run("cat ~/cloud.json")
	if err != nil {
		return err
	}

	var cfg cloudConfig
	if errGo := json.Unmarshal(stdout, &cfg); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	for _, img := range cfg.Images {
		var existing types.Image
		if errFind := images.FindOne(ctx, docstore.Filter{"name": img.Name, "minion": minionName}, &existing); errFind == nil {
			continue
		}
		doc := types.Image{
			ID:        xid.New().String(),
			Name:      img.Name,
			Minion:    minionName,
			WorkPath:  img.WorkPath,
			InputPath: img.InputPath,
			LibPath:   img.LibPath,
			TmpPath:   img.TmpPath,
		}
		if errIns := images.Insert(ctx, doc); errIns != nil {
			return errIns
		}
	}

	for _, sz := range cfg.Sizes {
		var existing types.Size
		filter := docstore.Filter{"name": sz.Name, "minion": minionName, "cpus": sz.Cpus, "ram": sz.RAM}
		if errFind := sizes.FindOne(ctx, filter, &existing); errFind == nil {
			continue
		}
		doc := types.Size{
			ID:     xid.New().String(),
			Name:   sz.Name,
			Minion: minionName,
			Cpus:   sz.Cpus,
			RAM:    sz.RAM,
		}
		if errIns := sizes.Insert(ctx, doc); errIns != nil {
			return errIns
		}
	}
	return nil
}
