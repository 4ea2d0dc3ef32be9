// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package storage

// This file contains the git-backed repository wrapper that every
// application's working tree is driven through. It is the Go successor of
// storage/storage.py's subprocess.call(["git", ...], cwd=app_path) calls:
// one working tree per application, one branch checked out at a time.

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License

	"github.com/raulmorenogaldon/scife-go/internal/errkind"
)

const defaultBranch = "master"

// Repo is the single working tree for one application. Repo itself holds
// no lock: Storage serialises every branch, checkout and commit against
// it through appRepo.mu, the per-application refinement of the spec's
// single storage_lock (see SPEC_FULL.md, Open Questions).
type Repo struct {
	dir string
}

// OpenRepo wraps an already-initialised application directory.
func OpenRepo(dir string) *Repo {
	return &Repo{dir: dir}
}

// Dir returns the repository's working tree path.
func (r *Repo) Dir() string { return r.dir }

func (r *Repo) git(ctx context.Context, args ...string) (stdout, stderr string, err kv.Error) {
	// #nosec
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if errGo := cmd.Run(); errGo != nil {
		return outBuf.String(), errBuf.String(), kv.Wrap(errGo).With("kind", errkind.RemoteTool).
			With("args", args).With("stderr", errBuf.String()).With("stack", stack.Trace().TrimRuntime())
	}
	return outBuf.String(), errBuf.String(), nil
}

// Init creates a brand-new repository with a single root commit covering
// whatever files are already present in dir.
func Init(ctx context.Context, dir string) (r *Repo, err kv.Error) {
	r = &Repo{dir: dir}
	if _, _, err = r.git(ctx, "init"); err != nil {
		return nil, err
	}
	if _, _, err = r.git(ctx, "-c", "user.email=scife@localhost", "-c", "user.name=scife", "add", "-A"); err != nil {
		return nil, err
	}
	// An application with no files yet is still a valid, empty root revision.
	if _, _, err = r.git(ctx, "-c", "user.email=scife@localhost", "-c", "user.name=scife",
		"commit", "--allow-empty", "-m", "Application created"); err != nil {
		return nil, err
	}
	if _, _, err = r.git(ctx, "branch", "-M", defaultBranch); err != nil {
		return nil, err
	}
	return r, nil
}

// Branch creates newBranch from fromBranch without checking it out.
func (r *Repo) Branch(ctx context.Context, newBranch, fromBranch string) (err kv.Error) {
	_, _, err = r.git(ctx, "branch", newBranch, fromBranch)
	return err
}

// Checkout switches the working tree to branch.
func (r *Repo) Checkout(ctx context.Context, branch string) (err kv.Error) {
	_, _, err = r.git(ctx, "checkout", branch)
	return err
}

// CheckoutDefault restores the working tree to the default branch. Every
// storage operation must call this before releasing its lock, per the
// repository protocol (spec §4.1).
func (r *Repo) CheckoutDefault(ctx context.Context) (err kv.Error) {
	return r.Checkout(ctx, defaultBranch)
}

// CommitAll stages every change in the working tree and commits it.
func (r *Repo) CommitAll(ctx context.Context, message string) (err kv.Error) {
	if _, _, err = r.git(ctx, "add", "-A"); err != nil {
		return err
	}
	_, _, err = r.git(ctx, "-c", "user.email=scife@localhost", "-c", "user.name=scife",
		"commit", "--allow-empty", "-m", message)
	return err
}

// DeleteBranch removes branch unconditionally (it must not be the
// currently checked out one).
func (r *Repo) DeleteBranch(ctx context.Context, branch string) (err kv.Error) {
	_, _, err = r.git(ctx, "branch", "-D", branch)
	return err
}

// ReadFile returns the bytes of fpath as committed on branch.
func (r *Repo) ReadFile(ctx context.Context, branch, fpath string) (data []byte, err kv.Error) {
	stdout, _, err := r.git(ctx, "show", branch+":"+filepath.ToSlash(fpath))
	if err != nil {
		return nil, err.With("kind", errkind.NotFound).With("path", fpath)
	}
	return []byte(stdout), nil
}
