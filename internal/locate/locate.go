// Package locate finds files by exact base name somewhere below a root
// directory. Both the manifest lookup and every component lookup go through
// the Locator interface so tests can swap in an in-memory filesystem.
package locate

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/spf13/afero"
)

// ErrNotFound reports that no file with the requested name exists below the root.
var ErrNotFound = errors.New("file not found")

// errStop ends a walk early once the visitor is satisfied.
var errStop = errors.New("stop walk")

// Locator resolves a bare filename to a path below root.
type Locator interface {
	Locate(root, name string) (string, error)
}

// Options tune which directories a walk descends into.
type Options struct {
	// Exclude holds patternmatcher patterns evaluated against slash-separated
	// paths relative to the walk root.
	Exclude []string
	// SkipDirs are directories that are never descended into, e.g. the output
	// directory of a previous run.
	SkipDirs []string
}

// Walker searches the tree on every call.
type Walker struct {
	fs      afero.Fs
	matcher *patternmatcher.PatternMatcher
	skip    map[string]struct{}
}

// NewWalker builds a Walker over fsys. A nil fsys means the OS filesystem.
func NewWalker(fsys afero.Fs, opts Options) (*Walker, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	w := &Walker{fs: fsys, skip: map[string]struct{}{}}
	patterns := make([]string, 0, len(opts.Exclude))
	for _, p := range opts.Exclude {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	if len(patterns) > 0 {
		matcher, err := patternmatcher.New(patterns)
		if err != nil {
			return nil, fmt.Errorf("compile exclude patterns: %w", err)
		}
		w.matcher = matcher
	}
	for _, dir := range opts.SkipDirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		w.skip[filepath.Clean(dir)] = struct{}{}
	}
	return w, nil
}

// Locate returns the first file named name in lexical walk order.
func (w *Walker) Locate(root, name string) (string, error) {
	var found string
	err := w.walk(root, func(path string) bool {
		if filepath.Base(path) == name {
			found = path
			return true
		}
		return false
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%s under %s: %w", name, root, ErrNotFound)
	}
	return found, nil
}

// walk visits every non-directory entry below root until visit returns true.
// Unreadable subdirectories are skipped; an unreadable root is an error.
func (w *Walker) walk(root string, visit func(path string) bool) error {
	root = filepath.Clean(root)
	err := afero.Walk(w.fs, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if info.IsDir() {
			if path != root && w.pruned(root, path) {
				return filepath.SkipDir
			}
			return nil
		}
		if visit(path) {
			return errStop
		}
		return nil
	})
	if errors.Is(err, errStop) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("walk %s: %w", root, err)
	}
	return nil
}

func (w *Walker) pruned(root, dir string) bool {
	if filepath.Base(dir) == ".git" {
		return true
	}
	if _, ok := w.skip[filepath.Clean(dir)]; ok {
		return true
	}
	if w.matcher == nil {
		return false
	}
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	matched, err := w.matcher.MatchesOrParentMatches(filepath.ToSlash(rel))
	return err == nil && matched
}
