// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

// Package storage implements the Storage Core: a content-addressed,
// branch-per-experiment repository of applications, with label
// discovery, label substitution, and input/output staging (spec §4.1).
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
	"github.com/otiai10/copy"
	"github.com/rs/xid"

	"github.com/raulmorenogaldon/scife-go/internal/errkind"
	"github.com/raulmorenogaldon/scife-go/internal/types"
)

// Config holds the storage settings named in spec §6. cmd/storaged and
// cmd/scifectl fill it from command-line flags; no configuration file is
// read.
type Config struct {
	AppStorage    string `json:"appstorage"`
	InputStorage  string `json:"inputstorage"`
	OutputStorage string `json:"outputstorage"`
	PublicURL     string `json:"public_url"`
	Username      string `json:"username"`
}

// appRepo pairs a working tree with the mutex that serialises every
// checkout/branch/commit against it (the per-application refinement of
// storage_lock discussed in SPEC_FULL.md).
type appRepo struct {
	mu   sync.Mutex
	repo *Repo
}

// Storage is the Storage Core. One instance owns every application
// working tree under AppStorage and the staging folders under
// InputStorage/OutputStorage.
type Storage struct {
	cfg Config

	reposMu sync.Mutex
	repos   map[string]*appRepo
}

// New creates apppath/inputpath/outputpath if missing and returns a ready
// Storage Core.
func New(cfg Config) (s *Storage, err kv.Error) {
	for _, dir := range []string{cfg.AppStorage, cfg.InputStorage, cfg.OutputStorage} {
		if errGo := os.MkdirAll(dir, 0750); errGo != nil {
			return nil, kv.Wrap(errGo).With("dir", dir).With("stack", stack.Trace().TrimRuntime())
		}
	}
	return &Storage{cfg: cfg, repos: map[string]*appRepo{}}, nil
}

func (s *Storage) appDir(appID string) string {
	return filepath.Join(s.cfg.AppStorage, appID)
}

func (s *Storage) inputDir(expID string) string {
	return filepath.Join(s.cfg.InputStorage, expID)
}

func (s *Storage) outputDir(expID string) string {
	return filepath.Join(s.cfg.OutputStorage, expID)
}

// lockRepo returns (creating if needed) the appRepo for appID and leaves
// it locked; callers must call unlock.
func (s *Storage) lockRepo(appID string) (ar *appRepo, unlock func(), err kv.Error) {
	s.reposMu.Lock()
	ar, ok := s.repos[appID]
	if !ok {
		ar = &appRepo{repo: OpenRepo(s.appDir(appID))}
		s.repos[appID] = ar
	}
	s.reposMu.Unlock()

	ar.mu.Lock()
	return ar, ar.mu.Unlock, nil
}

// CreateApplication copies src into apppath/<id>, initialises a content
// repository there with a single root commit, and discovers its labels.
// Grounded on original_source/storage/storage.py's createApplication.
func (s *Storage) CreateApplication(ctx context.Context, name, description, src, creationScript, execScript string) (app *types.Application, err kv.Error) {
	info, errGo := os.Stat(src)
	if errGo != nil || !info.IsDir() {
		return nil, kv.NewError("source path is not a directory").With("kind", errkind.InputInvalid).
			With("path", src).With("stack", stack.Trace().TrimRuntime())
	}

	id := xid.New().String()
	dst := s.appDir(id)
	if errGo := copy.Copy(src, dst); errGo != nil {
		return nil, kv.Wrap(errGo).With("kind", errkind.Transport).With("src", src).With("dst", dst).
			With("stack", stack.Trace().TrimRuntime())
	}

	if _, err = Init(ctx, dst); err != nil {
		return nil, err
	}

	labels, errGo := discoverLabels(dst)
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
	}

	app = &types.Application{
		ID:              id,
		Name:            name,
		Description:     description,
		CreationScript:  creationScript,
		ExecutionScript: execScript,
		Labels:          labels,
		CreatedAt:       time.Now(),
	}
	return app, nil
}

// discoverLabels returns the sorted set of labels found across every
// top-level regular file in dir.
func discoverLabels(dir string) (labels []string, err error) {
	files, err := listSubstitutionTargets(dir, false)
	if err != nil {
		return nil, err
	}
	perFile := make([][]string, 0, len(files))
	for _, f := range files {
		data, errRead := os.ReadFile(f)
		if errRead != nil {
			return nil, errRead
		}
		perFile = append(perFile, discoverLabelsInFile(data))
	}
	return sortedLabelSet(perFile), nil
}

// DiscoverLabels re-scans an application's default-branch working tree.
// It equals labels-in-files(app-default-branch) and is stable across
// calls with no interleaving mutations (spec §8 invariant 4).
func (s *Storage) DiscoverLabels(ctx context.Context, appID string) (labels []string, err kv.Error) {
	ar, unlock, err := s.lockRepo(appID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	found, errGo := discoverLabels(ar.repo.Dir())
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("kind", errkind.NotFound).With("app", appID).
			With("stack", stack.Trace().TrimRuntime())
	}
	return found, nil
}

// CopyExperiment creates branch expID from the default branch and hard
// links the default input tree into inputpath/expID.
func (s *Storage) CopyExperiment(ctx context.Context, appID, expID string) (err kv.Error) {
	ar, unlock, err := s.lockRepo(appID)
	if err != nil {
		return err
	}
	defer unlock()

	if err = ar.repo.Branch(ctx, expID, defaultBranch); err != nil {
		return err
	}

	dst := s.inputDir(expID)
	if errGo := hardlinkTree(s.inputDir(appID), dst); errGo != nil {
		return kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// PrepareExecution branches execID from expID, substitutes every label
// token in every eligible regular file, and commits. The same labels
// applied to the same expID always produce the same file contents; a
// repeated call with an execID whose branch already exists fails.
func (s *Storage) PrepareExecution(ctx context.Context, appID, expID, execID string, labels map[string]string, recursive bool) (err kv.Error) {
	ar, unlock, err := s.lockRepo(appID)
	if err != nil {
		return err
	}
	defer unlock()

	if err = ar.repo.Branch(ctx, execID, expID); err != nil {
		return err
	}
	if err = ar.repo.Checkout(ctx, execID); err != nil {
		return err
	}

	restoreErr := func(cause kv.Error) kv.Error {
		if e := ar.repo.CheckoutDefault(ctx); e != nil && cause == nil {
			return e
		}
		return cause
	}

	files, errGo := listSubstitutionTargets(ar.repo.Dir(), recursive)
	if errGo != nil {
		return restoreErr(kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime()))
	}
	for _, f := range files {
		if errGo := substituteFile(f, labels); errGo != nil {
			return restoreErr(kv.Wrap(errGo).With("kind", errkind.Transport).With("file", f).
				With("stack", stack.Trace().TrimRuntime()))
		}
	}

	if err = ar.repo.CommitAll(ctx, fmt.Sprintf("Prepared execution %s", execID)); err != nil {
		return restoreErr(err)
	}
	return restoreErr(nil)
}

// RemoveExperiment deletes branch expID and its staged input folder.
func (s *Storage) RemoveExperiment(ctx context.Context, appID, expID string) (err kv.Error) {
	ar, unlock, err := s.lockRepo(appID)
	if err != nil {
		return err
	}
	defer unlock()

	if err = ar.repo.DeleteBranch(ctx, expID); err != nil {
		return err
	}
	if errGo := os.RemoveAll(s.inputDir(expID)); errGo != nil {
		return kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// GetExperimentCode returns the raw bytes of fpath as committed on
// branch expID.
func (s *Storage) GetExperimentCode(ctx context.Context, appID, expID, fpath string) (data []byte, err kv.Error) {
	if filepath.IsAbs(fpath) {
		return nil, kv.NewError("absolute path not allowed").With("kind", errkind.InputInvalid).
			With("path", fpath).With("stack", stack.Trace().TrimRuntime())
	}
	ar, unlock, err := s.lockRepo(appID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return ar.repo.ReadFile(ctx, expID, fpath)
}

// PutExperimentCode writes data at fpath on branch expID and commits. A
// nil data commits a placeholder marker file so empty directories
// survive git's tree model.
func (s *Storage) PutExperimentCode(ctx context.Context, appID, expID, fpath string, data []byte) (err kv.Error) {
	if filepath.IsAbs(fpath) {
		return kv.NewError("absolute path not allowed").With("kind", errkind.InputInvalid).
			With("path", fpath).With("stack", stack.Trace().TrimRuntime())
	}
	ar, unlock, err := s.lockRepo(appID)
	if err != nil {
		return err
	}
	defer unlock()

	if err = ar.repo.Checkout(ctx, expID); err != nil {
		return err
	}
	restoreErr := func(cause kv.Error) kv.Error {
		if e := ar.repo.CheckoutDefault(ctx); e != nil && cause == nil {
			return e
		}
		return cause
	}

	full := filepath.Join(ar.repo.Dir(), fpath)
	if errGo := os.MkdirAll(filepath.Dir(full), 0750); errGo != nil {
		return restoreErr(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	target := full
	payload := data
	if data == nil {
		target = filepath.Join(full, ".keep")
		payload = []byte{}
		if errGo := os.MkdirAll(full, 0750); errGo != nil {
			return restoreErr(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
		}
	}
	if errGo := os.WriteFile(target, payload, 0640); errGo != nil {
		return restoreErr(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	if err = ar.repo.CommitAll(ctx, fmt.Sprintf("Updated %s on %s", fpath, expID)); err != nil {
		return restoreErr(err)
	}
	return restoreErr(nil)
}

// DeleteExperimentCode removes fpath (file or subtree) on branch expID
// and commits.
func (s *Storage) DeleteExperimentCode(ctx context.Context, appID, expID, fpath string) (err kv.Error) {
	if filepath.IsAbs(fpath) {
		return kv.NewError("absolute path not allowed").With("kind", errkind.InputInvalid).
			With("path", fpath).With("stack", stack.Trace().TrimRuntime())
	}
	ar, unlock, err := s.lockRepo(appID)
	if err != nil {
		return err
	}
	defer unlock()

	if err = ar.repo.Checkout(ctx, expID); err != nil {
		return err
	}
	restoreErr := func(cause kv.Error) kv.Error {
		if e := ar.repo.CheckoutDefault(ctx); e != nil && cause == nil {
			return e
		}
		return cause
	}

	full := filepath.Join(ar.repo.Dir(), fpath)
	if errGo := os.RemoveAll(full); errGo != nil {
		return restoreErr(kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime()))
	}

	if err = ar.repo.CommitAll(ctx, fmt.Sprintf("Removed %s on %s", fpath, expID)); err != nil {
		return restoreErr(err)
	}
	return restoreErr(nil)
}

// PutExperimentInput copies src under inputpath/expID/fpath.
func (s *Storage) PutExperimentInput(ctx context.Context, expID, fpath, src string) (err kv.Error) {
	if filepath.IsAbs(fpath) {
		return kv.NewError("absolute path not allowed").With("kind", errkind.InputInvalid).
			With("path", fpath).With("stack", stack.Trace().TrimRuntime())
	}
	dst := filepath.Join(s.inputDir(expID), fpath)
	if errGo := os.MkdirAll(filepath.Dir(dst), 0750); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := copy.Copy(src, dst); errGo != nil {
		return kv.Wrap(errGo).With("kind", errkind.Transport).With("src", src).With("dst", dst).
			With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// DeleteExperimentInput removes fpath under inputpath/expID, or the
// whole input folder when fpath is empty.
func (s *Storage) DeleteExperimentInput(ctx context.Context, expID, fpath string) (err kv.Error) {
	if filepath.IsAbs(fpath) {
		return kv.NewError("absolute path not allowed").With("kind", errkind.InputInvalid).
			With("path", fpath).With("stack", stack.Trace().TrimRuntime())
	}
	target := s.inputDir(expID)
	if fpath != "" {
		target = filepath.Join(target, fpath)
	}
	if errGo := os.RemoveAll(target); errGo != nil {
		return kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// RetrieveExperimentOutput copies src, a path readable on this host, into
// outputpath/expID/<base name of src>.
func (s *Storage) RetrieveExperimentOutput(ctx context.Context, expID, src string) (err kv.Error) {
	dst := s.outputDir(expID)
	if errGo := os.MkdirAll(dst, 0750); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo := copy.Copy(src, filepath.Join(dst, filepath.Base(src))); errGo != nil {
		return kv.Wrap(errGo).With("kind", errkind.Transport).With("src", src).With("dst", dst).
			With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// GetExecutionOutputFile returns the absolute server path to fpath under
// outputpath/expID, defaulting to output.tar.gz, which is archived on
// demand from the staged output directory if it does not already exist.
func (s *Storage) GetExecutionOutputFile(ctx context.Context, expID, fpath string) (absPath string, err kv.Error) {
	if fpath == "" {
		fpath = DefaultOutputArchive
	}
	if filepath.IsAbs(fpath) {
		return "", kv.NewError("absolute path not allowed").With("kind", errkind.InputInvalid).
			With("path", fpath).With("stack", stack.Trace().TrimRuntime())
	}

	dir := s.outputDir(expID)
	full := filepath.Join(dir, fpath)

	if fpath == DefaultOutputArchive {
		if _, errGo := os.Stat(full); errGo != nil {
			if err := archiveOutput(dir, full); err != nil {
				return "", err
			}
		}
	}

	if _, errGo := os.Stat(full); errGo != nil {
		return "", kv.Wrap(errGo).With("kind", errkind.NotFound).With("path", fpath).
			With("stack", stack.Trace().TrimRuntime())
	}
	return full, nil
}

// GetInputFolderTree returns the tree of files staged as input for id
// (an experiment or execution id).
func (s *Storage) GetInputFolderTree(ctx context.Context, id string) (tree []types.FolderEntry, err kv.Error) {
	children, errGo := folderTree(s.inputDir(id))
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
	}
	return children, nil
}

// GetOutputFolderTree returns the tree of files staged as output for id.
func (s *Storage) GetOutputFolderTree(ctx context.Context, id string) (tree []types.FolderEntry, err kv.Error) {
	children, errGo := folderTree(s.outputDir(id))
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
	}
	return children, nil
}

// GetExperimentSrcFolderTree checks out branch expID just long enough to
// walk its tree, then restores the default branch before releasing the
// lock (spec §8 invariant 1 applies to this operation too).
func (s *Storage) GetExperimentSrcFolderTree(ctx context.Context, appID, expID string) (tree []types.FolderEntry, err kv.Error) {
	ar, unlock, err := s.lockRepo(appID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err = ar.repo.Checkout(ctx, expID); err != nil {
		return nil, err
	}
	defer func() {
		if e := ar.repo.CheckoutDefault(ctx); e != nil && err == nil {
			err = e
		}
	}()

	children, errGo := folderTree(ar.repo.Dir())
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("kind", errkind.Transport).With("stack", stack.Trace().TrimRuntime())
	}
	return children, nil
}

// GetApplicationURL returns the git:// clone URL for an application's repository.
func (s *Storage) GetApplicationURL(appID string) string {
	return fmt.Sprintf("git://%s/%s", s.cfg.PublicURL, appID)
}

// GetExperimentInputURL returns the staged-input URL for an experiment/execution id.
func (s *Storage) GetExperimentInputURL(id string) string {
	return fmt.Sprintf("%s@%s:%s", s.cfg.Username, s.cfg.PublicURL, s.inputDir(id))
}

// GetExecutionOutputURL returns the staged-output URL for an execution id.
func (s *Storage) GetExecutionOutputURL(execID string) string {
	return fmt.Sprintf("%s@%s:%s", s.cfg.Username, s.cfg.PublicURL, s.outputDir(execID))
}
