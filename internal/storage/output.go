// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package storage

// This file bundles a retrieved execution output directory into the
// output.tar.gz that getExecutionOutputFile serves by default. Grounded
// on the teacher's use of github.com/mholt/archiver/v3 for workspace
// packaging (internal/runner/artifacts.go in the teacher tree bundles
// job artifacts the same way).

import (
	"os"
	"path/filepath"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/mholt/archiver/v3"

	"github.com/raulmorenogaldon/scife-go/internal/errkind"
)

const DefaultOutputArchive = "output.tar.gz"

// archiveOutput bundles every file directly under dir into archivePath as
// a gzipped tarball, overwriting any prior archive.
func archiveOutput(dir, archivePath string) (err kv.Error) {
	entries, errGo := os.ReadDir(dir)
	if errGo != nil {
		return kv.Wrap(errGo).With("kind", errkind.NotFound).With("dir", dir).
			With("stack", stack.Trace().TrimRuntime())
	}

	sources := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name() == filepath.Base(archivePath) {
			continue
		}
		sources = append(sources, filepath.Join(dir, e.Name()))
	}

	_ = os.Remove(archivePath)

	tgz := archiver.NewTarGz()
	if errGo := tgz.Archive(sources, archivePath); errGo != nil {
		return kv.Wrap(errGo).With("kind", errkind.RemoteTool).With("dir", dir).
			With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}
