package gc

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func touch(t *testing.T, path ...string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(path...), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestListSubvolumes(t *testing.T) {
	td := t.TempDir()
	got, err := ListSubvolumes(td)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("empty dir: got %v", got)
	}

	touch(t, td, "ba:nana") // not a directory
	if got, _ := ListSubvolumes(td); len(got) != 0 {
		t.Errorf("file entry: got %v", got)
	}

	if err := os.Mkdir(filepath.Join(td, "apple"), 0755); err != nil { // no colon
		t.Fatal(err)
	}
	if got, _ := ListSubvolumes(td); len(got) != 0 {
		t.Errorf("colonless dir: got %v", got)
	}

	for _, name := range []string{"p:i", "e:", ":x"} {
		if err := os.Mkdir(filepath.Join(td, name), 0755); err != nil {
			t.Fatal(err)
		}
	}
	got, err = ListSubvolumes(td)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(got)
	if diff := cmp.Diff([]string{":x", "e:", "p:i"}, got); diff != "" {
		t.Errorf("subvolumes (-want +got):\n%s", diff)
	}
}

func TestListRefcounts(t *testing.T) {
	td := t.TempDir()
	got, err := ListRefcounts(td)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("empty dir: got %v", got)
	}

	touch(t, td, "foo:bar")   // no .json
	touch(t, td, "borf.json") // no colon
	if got, _ := ListRefcounts(td); len(got) != 0 {
		t.Errorf("ignored entries: got %v", got)
	}

	banana := filepath.Join(td, "ba:nana.json")
	if err := os.Mkdir(banana, 0755); err != nil { // not a regular file
		t.Fatal(err)
	}
	if _, err := ListRefcounts(td); err == nil {
		t.Error("directory refcount: want error")
	}
	if err := os.Remove(banana); err != nil {
		t.Fatal(err)
	}

	touch(t, banana)
	got, err = ListRefcounts(td)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]int{"ba:nana": 1}, got); diff != "" {
		t.Errorf("refcounts (-want +got):\n%s", diff)
	}

	if err := os.Link(banana, filepath.Join(td, "ap:ple.json")); err != nil {
		t.Fatal(err)
	}
	got, err = ListRefcounts(td)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]int{"ba:nana": 2, "ap:ple": 2}, got); diff != "" {
		t.Errorf("refcounts (-want +got):\n%s", diff)
	}
}

func TestHasNewSubvolume(t *testing.T) {
	if has, err := (&Opts{}).HasNewSubvolume(); err != nil || has {
		t.Errorf("no fields: got %v, %v", has, err)
	}
	full := &Opts{NewSubvolumeName: "x", NewSubvolumeVersion: "y", NewSubvolumeJSON: "z"}
	if has, err := full.HasNewSubvolume(); err != nil || !has {
		t.Errorf("all fields: got %v, %v", has, err)
	}
	for _, o := range []Opts{
		{NewSubvolumeName: "x"},
		{NewSubvolumeVersion: "y"},
		{NewSubvolumeJSON: "z"},
		{NewSubvolumeName: "x", NewSubvolumeVersion: "y"},
		{NewSubvolumeName: "x", NewSubvolumeJSON: "z"},
		{NewSubvolumeVersion: "y", NewSubvolumeJSON: "z"},
	} {
		if _, err := o.HasNewSubvolume(); err == nil {
			t.Errorf("partial %+v: want error", o)
		}
	}
}

// gcFixture builds refcount and subvolume dirs, and returns what should
// survive collection.
type gcFixture struct {
	refsDir, subsDir     string
	keptRefs, keptSubs   []string
	allRefs, allSubs     []string
}

func newGCFixture(t *testing.T) *gcFixture {
	t.Helper()
	fx := &gcFixture{refsDir: t.TempDir(), subsDir: t.TempDir()}
	mkSub := func(name string) {
		if err := os.Mkdir(filepath.Join(fx.subsDir, name), 0755); err != nil {
			t.Fatal(err)
		}
	}

	// Subvolume without a refcount.
	mkSub("no:refs")

	// Subvolume whose refcount is 1.
	touch(t, fx.refsDir, "1:link.json")
	mkSub("1:link")

	// Refcount files with a link count of 2, and their subvolumes.
	touch(t, fx.refsDir, "2link:1.json")
	if err := os.Link(filepath.Join(fx.refsDir, "2link:1.json"), filepath.Join(fx.refsDir, "2link:2.json")); err != nil {
		t.Fatal(err)
	}
	mkSub("2link:1")
	mkSub("2link:2")

	// Refcount files with a link count of 3; only one has a subvolume.
	threeLink := filepath.Join(fx.refsDir, "3link:1.json")
	touch(t, threeLink)
	for _, l := range []string{"3link:2.json", "3link:3.json"} {
		if err := os.Link(threeLink, filepath.Join(fx.refsDir, l)); err != nil {
			t.Fatal(err)
		}
	}
	mkSub("3link:2")

	fx.keptRefs = []string{"2link:1.json", "2link:2.json", "3link:1.json", "3link:2.json", "3link:3.json"}
	fx.keptSubs = []string{"2link:1", "2link:2", "3link:2"}
	fx.allRefs = append([]string{"1:link.json"}, fx.keptRefs...)
	sort.Strings(fx.allRefs)
	fx.allSubs = append([]string{"1:link", "no:refs"}, fx.keptSubs...)
	sort.Strings(fx.allSubs)
	return fx
}

func TestGarbageCollectSubvolumes(t *testing.T) {
	fx := newGCFixture(t)
	if err := GarbageCollectSubvolumes(fx.refsDir, fx.subsDir, os.RemoveAll); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(fx.keptRefs, listDir(t, fx.refsDir)); diff != "" {
		t.Errorf("refcounts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(fx.keptSubs, listDir(t, fx.subsDir)); diff != "" {
		t.Errorf("subvolumes (-want +got):\n%s", diff)
	}
}

func TestGarbageCollectAndMakeNewSubvolume(t *testing.T) {
	fx := newGCFixture(t)
	jsonDir := t.TempDir()
	err := Run(Opts{
		RefcountsDir:        fx.refsDir,
		SubvolumesDir:       fx.subsDir,
		NewSubvolumeName:    "new",
		NewSubvolumeVersion: "subvol",
		NewSubvolumeJSON:    filepath.Join(jsonDir, "OUT"),
		DeleteSubvol:        os.RemoveAll,
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"OUT"}, listDir(t, jsonDir)); diff != "" {
		t.Errorf("json dir (-want +got):\n%s", diff)
	}
	wantRefs := append([]string{"new:subvol.json"}, fx.keptRefs...)
	sort.Strings(wantRefs)
	if diff := cmp.Diff(wantRefs, listDir(t, fx.refsDir)); diff != "" {
		t.Errorf("refcounts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(fx.keptSubs, listDir(t, fx.subsDir)); diff != "" {
		t.Errorf("subvolumes (-want +got):\n%s", diff)
	}
}

func TestRefcountAlreadyExists(t *testing.T) {
	fx := newGCFixture(t)
	err := Run(Opts{
		RefcountsDir:        fx.refsDir,
		SubvolumesDir:       fx.subsDir,
		NewSubvolumeName:    "3link",
		NewSubvolumeVersion: "1",
		NewSubvolumeJSON:    filepath.Join(t.TempDir(), "OUT"),
		DeleteSubvol:        os.RemoveAll,
	})
	if err == nil {
		t.Error("existing refcount: want error")
	}
}

func TestNoGCDueToLock(t *testing.T) {
	fx := newGCFixture(t)
	fd, err := unix.Open(fx.subsDir, unix.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)
	if err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB); err != nil {
		t.Fatal(err)
	}
	if err := Run(Opts{
		RefcountsDir:  fx.refsDir,
		SubvolumesDir: fx.subsDir,
		DeleteSubvol:  os.RemoveAll,
	}); err != nil {
		t.Fatal(err)
	}
	// Nothing was collected while the lock was held.
	if diff := cmp.Diff(fx.allRefs, listDir(t, fx.refsDir)); diff != "" {
		t.Errorf("refcounts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(fx.allSubs, listDir(t, fx.subsDir)); diff != "" {
		t.Errorf("subvolumes (-want +got):\n%s", diff)
	}
}
