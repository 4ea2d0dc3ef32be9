// Copyright 2018-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package storage

// This file implements label discovery and substitution. The label
// alphabet and token shape come straight from
// original_source/storage/storage.py's
// re.findall(r"\[\[\[(\w+)\]\]\]", filedata), generalised to the spec's
// [A-Za-z0-9_]+ alphabet (identical to \w+ in the non-unicode case).

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/raulmorenogaldon/scife-go/internal/types"
)

var labelToken = regexp.MustCompile(`\[\[\[([A-Za-z0-9_]+)\]\]\]`)

// discoverLabelsInFile returns every label name found in data, in first-seen order.
func discoverLabelsInFile(data []byte) []string {
	matches := labelToken.FindAllSubmatch(data, -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		name := string(m[1])
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// sortedLabelSet merges label names found across many files into one
// stably-ordered, de-duplicated set, per discoverLabels' contract.
func sortedLabelSet(perFile [][]string) []string {
	seen := map[string]struct{}{}
	for _, labels := range perFile {
		for _, l := range labels {
			seen[l] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// listSubstitutionTargets returns the regular, non-dotfile entries
// directly inside dir (not subdirectories). This realises the historical
// "only top-level regular files" scope (spec §4.1, §9 Open Question);
// recursive widens it to every regular file below dir, skipping dot
// directories.
func listSubstitutionTargets(dir string, recursive bool) (files []string, err error) {
	if !recursive {
		entries, errGo := os.ReadDir(dir)
		if errGo != nil {
			return nil, errGo
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			info, errGo := e.Info()
			if errGo != nil || !info.Mode().IsRegular() {
				continue
			}
			files = append(files, filepath.Join(dir, e.Name()))
		}
		return files, nil
	}

	errGo := filepath.WalkDir(dir, func(path string, d os.DirEntry, errW error) error {
		if errW != nil {
			return errW
		}
		if d.IsDir() {
			if d.Name() != "." && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, errInfo := d.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files, errGo
}

// substituteFile rewrites every "[[[NAME]]]" occurrence in path using
// labels, one left-to-right textual pass per label, no recursive expansion.
func substituteFile(path string, labels map[string]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	text := string(data)
	for name, value := range labels {
		text = strings.ReplaceAll(text, "[[["+name+"]]]", value)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(text), info.Mode().Perm())
}

// SystemLabels composes the always-resolved #-prefixed labels for a
// prepareExecution call (spec §4.1).
func SystemLabels(app *types.Application, exp *types.Experiment, env types.ExecEnv) map[string]string {
	return map[string]string{
		"#EXPERIMENT_ID":   exp.ID,
		"#EXPERIMENT_NAME": exp.Name,
		"#APPLICATION_ID":  app.ID,
		"#APPLICATION_NAME": app.Name,
		"#INPUTPATH":       env.InputPath,
		"#LIBPATH":         env.LibPath,
		"#TMPPATH":         env.TmpPath,
		"#CPUS":            strconv.Itoa(env.Cpus),
		"#NODES":           strconv.Itoa(env.Nodes),
		"#TOTALCPUS":       strconv.Itoa(env.TotalCpus()),
	}
}

// ComposeLabels merges user-supplied labels with the system labels, with
// system labels always winning on key collision (spec §8 invariant 5),
// and fills in empty string for any application-declared label the
// caller did not supply.
func ComposeLabels(declared []string, user map[string]string, system map[string]string) map[string]string {
	out := make(map[string]string, len(declared)+len(user)+len(system))
	for _, name := range declared {
		out[name] = ""
	}
	for k, v := range user {
		out[k] = v
	}
	for k, v := range system {
		out[k] = v
	}
	return out
}
