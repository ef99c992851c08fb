package locate

import (
	"fmt"
	"path/filepath"
	"sync"
)

// Index walks each root once and answers later lookups from memory. When a
// name occurs more than once the first path in walk order wins, the same
// answer a Walker would give.
type Index struct {
	walker *Walker

	mu    sync.Mutex
	roots map[string]*rootIndex
}

type rootIndex struct {
	once  sync.Once
	names map[string]string
	err   error
}

// NewIndex wraps w. The walker's exclude and skip rules apply to the index.
func NewIndex(w *Walker) *Index {
	return &Index{walker: w, roots: map[string]*rootIndex{}}
}

// Build indexes root if it has not been indexed yet and returns the number of
// distinct file names known below it.
func (x *Index) Build(root string) (int, error) {
	idx := x.load(root)
	if idx.err != nil {
		return 0, idx.err
	}
	return len(idx.names), nil
}

// Locate implements Locator.
func (x *Index) Locate(root, name string) (string, error) {
	idx := x.load(root)
	if idx.err != nil {
		return "", idx.err
	}
	path, ok := idx.names[name]
	if !ok {
		return "", fmt.Errorf("%s under %s: %w", name, root, ErrNotFound)
	}
	return path, nil
}

func (x *Index) load(root string) *rootIndex {
	key := filepath.Clean(root)
	x.mu.Lock()
	idx, ok := x.roots[key]
	if !ok {
		idx = &rootIndex{}
		x.roots[key] = idx
	}
	x.mu.Unlock()

	idx.once.Do(func() {
		names := map[string]string{}
		idx.err = x.walker.walk(key, func(path string) bool {
			base := filepath.Base(path)
			if _, seen := names[base]; !seen {
				names[base] = path
			}
			return false
		})
		idx.names = names
	})
	return idx
}
