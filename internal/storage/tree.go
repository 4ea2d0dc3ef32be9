// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package storage

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/raulmorenogaldon/scife-go/internal/types"
)

// folderTree walks root and returns its children as a FolderEntry tree
// with ids relative to root, directories carrying a trailing "/", and
// dotfiles hidden (spec §4.1).
func folderTree(root string) (children []types.FolderEntry, err error) {
	entries, errGo := os.ReadDir(root)
	if errGo != nil {
		if os.IsNotExist(errGo) {
			return nil, nil
		}
		return nil, errGo
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		full := filepath.Join(root, e.Name())
		if e.IsDir() {
			kids, errWalk := folderTree(full)
			if errWalk != nil {
				return nil, errWalk
			}
			var prefix func(entries []types.FolderEntry)
			prefix = func(entries []types.FolderEntry) {
				for i := range entries {
					entries[i].ID = e.Name() + "/" + entries[i].ID
					prefix(entries[i].Children)
				}
			}
			prefix(kids)
			children = append(children, types.FolderEntry{
				Label:    e.Name(),
				ID:       e.Name() + "/",
				Children: kids,
			})
			continue
		}
		children = append(children, types.FolderEntry{
			Label: e.Name(),
			ID:    e.Name(),
		})
	}
	return children, nil
}

// hardlinkTree recreates src's directory structure at dst, hard-linking
// every regular file so the clone is cheap but independently removable.
// A missing src is not an error: a freshly created application may have
// no default input tree yet.
func hardlinkTree(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, errRel := filepath.Rel(src, path)
		if errRel != nil {
			return errRel
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0700)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
			return err
		}
		return os.Link(path, target)
	})
}
