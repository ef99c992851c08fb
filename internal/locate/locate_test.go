package locate

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

func newTree(t *testing.T, files ...string) afero.Fs {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for _, f := range files {
		if err := afero.WriteFile(fsys, filepath.FromSlash(f), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
	return fsys
}

func TestWalkerFindsNestedFile(t *testing.T) {
	fsys := newTree(t, "/root/a/b/vcglist.csv", "/root/c/other.txt")
	w, err := NewWalker(fsys, Options{})
	if err != nil {
		t.Fatalf("NewWalker: %v", err)
	}
	got, err := w.Locate("/root", "vcglist.csv")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if want := filepath.FromSlash("/root/a/b/vcglist.csv"); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWalkerPrefersFirstInLexicalOrder(t *testing.T) {
	fsys := newTree(t, "/root/z/ev01.webp", "/root/a/ev01.webp")
	w, _ := NewWalker(fsys, Options{})
	got, err := w.Locate("/root", "ev01.webp")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if want := filepath.FromSlash("/root/a/ev01.webp"); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestWalkerNotFound(t *testing.T) {
	fsys := newTree(t, "/root/a/ev01.webp")
	w, _ := NewWalker(fsys, Options{})
	_, err := w.Locate("/root", "ev02.webp")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWalkerMissingRootIsNotNotFound(t *testing.T) {
	w, _ := NewWalker(afero.NewMemMapFs(), Options{})
	_, err := w.Locate("/missing", "vcglist.csv")
	if err == nil {
		t.Fatalf("expected error for missing root")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("missing root should surface the walk error, got %v", err)
	}
}

func TestWalkerSkipsExcludedAndSkippedDirs(t *testing.T) {
	fsys := newTree(t,
		"/root/merged/ev01.webp",
		"/root/backup/old/ev01.webp",
		"/root/.git/ev01.webp",
		"/root/zz/ev01.webp",
	)
	w, err := NewWalker(fsys, Options{
		Exclude:  []string{"backup"},
		SkipDirs: []string{"/root/merged"},
	})
	if err != nil {
		t.Fatalf("NewWalker: %v", err)
	}
	got, err := w.Locate("/root", "ev01.webp")
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if want := filepath.FromSlash("/root/zz/ev01.webp"); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestNewWalkerRejectsBadPattern(t *testing.T) {
	if _, err := NewWalker(afero.NewMemMapFs(), Options{Exclude: []string{"[a-"}}); err == nil {
		t.Fatalf("expected pattern compile error")
	}
}

func TestIndexMatchesWalker(t *testing.T) {
	fsys := newTree(t,
		"/root/b/ev01.webp",
		"/root/a/ev01.webp",
		"/root/a/ev02.webp",
		"/root/c/d/vcglist.csv",
	)
	w, _ := NewWalker(fsys, Options{})
	idx := NewIndex(w)

	n, err := idx.Build("/root")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 distinct names, got %d", n)
	}
	for _, name := range []string{"ev01.webp", "ev02.webp", "vcglist.csv"} {
		want, err := w.Locate("/root", name)
		if err != nil {
			t.Fatalf("walker Locate %s: %v", name, err)
		}
		got, err := idx.Locate("/root", name)
		if err != nil {
			t.Fatalf("index Locate %s: %v", name, err)
		}
		if got != want {
			t.Fatalf("%s: index returned %q, walker %q", name, got, want)
		}
	}
	if _, err := idx.Locate("/root", "nope.webp"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIndexWalksRootOnce(t *testing.T) {
	fsys := newTree(t, "/root/a/ev01.webp")
	w, _ := NewWalker(fsys, Options{})
	idx := NewIndex(w)
	if _, err := idx.Locate("/root", "ev01.webp"); err != nil {
		t.Fatalf("Locate: %v", err)
	}
	// Files added after the first walk are invisible to the index.
	if err := afero.WriteFile(fsys, filepath.FromSlash("/root/a/ev02.webp"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := idx.Locate("/root", "ev02.webp"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected cached index to miss new file, got %v", err)
	}
}
