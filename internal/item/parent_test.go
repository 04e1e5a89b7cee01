package item

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParentLayerItemProvides(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"a/b", "a/d"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "a/f"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	// Symlinks are provided as files, even when they point at directories.
	if err := os.Symlink("b", filepath.Join(root, "a/l")); err != nil {
		t.Fatal(err)
	}
	// A recorded mountpoint is protected: provided as do-not-access and
	// not traversed.
	if err := os.MkdirAll(filepath.Join(root, "meownt", "huge"), 0755); err != nil {
		t.Fatal(err)
	}
	writeMountMetaFixture(t, root, "meownt", true)

	it := NewParentLayerItem("t", root)
	if it.PhaseOrder() != PhaseParentLayer {
		t.Errorf("PhaseOrder = %v, want parent-layer", it.PhaseOrder())
	}
	want := []string{
		"provides directory /",
		"provides directory /a",
		"provides directory /a/b",
		"provides directory /a/d",
		"provides do-not-access /meownt",
		"provides do-not-access /meta",
		"provides file /a/f",
		"provides file /a/l",
	}
	if diff := cmp.Diff(want, provideStrings(t, it)); diff != "" {
		t.Errorf("provides (-want +got):\n%s", diff)
	}
}

func TestScanProvidesMissingRoot(t *testing.T) {
	it := NewParentLayerItem("t", filepath.Join(t.TempDir(), "nope"))
	if _, err := it.Provides(); err == nil {
		t.Error("missing parent: want error")
	}
}
