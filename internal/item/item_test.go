package item

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/xerrors"

	"github.com/imgr1/imgr/internal/imagepath"
)

func provideStrings(t *testing.T, it Item) []string {
	t.Helper()
	provs, err := it.Provides()
	if err != nil {
		t.Fatalf("Provides of %s: %v", it.FromTarget(), err)
	}
	out := make([]string, 0, len(provs))
	for _, p := range provs {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

func requireStrings(it Item) []string {
	reqs := it.Requires()
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.String())
	}
	sort.Strings(out)
	return out
}

func TestProvideMatches(t *testing.T) {
	for _, tt := range []struct {
		prov Provide
		req  Require
		want bool
	}{
		{ProvidesDirectory("a"), RequiresDirectory("a"), true},
		{ProvidesFile("a"), RequiresFile("a"), true},
		{ProvidesDirectory("a"), RequiresFile("a"), false},
		{ProvidesFile("a"), RequiresDirectory("a"), false},
		{ProvidesDirectory("a"), RequiresDirectory("b"), false},
		{ProvidesDoNotAccess("a"), RequiresDirectory("a"), false},
		{ProvidesDirectory(""), RequiresDirectory(""), true},
	} {
		if got := tt.prov.Matches(tt.req); got != tt.want {
			t.Errorf("%v.Matches(%v) = %v, want %v", tt.prov, tt.req, got, tt.want)
		}
	}
}

func TestMakeDirsItem(t *testing.T) {
	it, err := NewMakeDirsItem("t", "/", "a/b/c", StatOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{
		"provides directory /a",
		"provides directory /a/b",
		"provides directory /a/b/c",
	}, provideStrings(t, it)); diff != "" {
		t.Errorf("provides (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"requires directory /"}, requireStrings(it)); diff != "" {
		t.Errorf("requires (-want +got):\n%s", diff)
	}

	nested, err := NewMakeDirsItem("t", "a", "d/e", StatOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{
		"provides directory /a/d",
		"provides directory /a/d/e",
	}, provideStrings(t, nested)); diff != "" {
		t.Errorf("provides (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"requires directory /a"}, requireStrings(nested)); diff != "" {
		t.Errorf("requires (-want +got):\n%s", diff)
	}
}

func TestCopyFileItemRsyncDest(t *testing.T) {
	plain, err := NewCopyFileItem("t", "x", "a/b/c/F", StatOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"provides file /a/b/c/F"}, provideStrings(t, plain)); diff != "" {
		t.Errorf("provides (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"requires directory /a/b/c"}, requireStrings(plain)); diff != "" {
		t.Errorf("requires (-want +got):\n%s", diff)
	}

	intoDir, err := NewCopyFileItem("t", "/some/where/G", "a/d/e/", StatOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"provides file /a/d/e/G"}, provideStrings(t, intoDir)); diff != "" {
		t.Errorf("provides (-want +got):\n%s", diff)
	}
}

func TestSymlinkItems(t *testing.T) {
	toDir, err := NewSymlinkToDirItem("t", "/foo/bar", "/foo/fighter")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"provides directory /foo/fighter"}, provideStrings(t, toDir)); diff != "" {
		t.Errorf("provides (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{
		"requires directory /foo",
		"requires directory /foo/bar",
	}, requireStrings(toDir)); diff != "" {
		t.Errorf("requires (-want +got):\n%s", diff)
	}

	// Rsync-style dest: a trailing slash appends the source's basename.
	rsync, err := NewSymlinkToDirItem("t", "/foo/bar", "/foo/baz/")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"provides directory /foo/baz/bar"}, provideStrings(t, rsync)); diff != "" {
		t.Errorf("provides (-want +got):\n%s", diff)
	}

	toFile, err := NewSymlinkToFileItem("t", "/foo/data", "/foo/link")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"provides file /foo/link"}, provideStrings(t, toFile)); diff != "" {
		t.Errorf("provides (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{
		"requires directory /foo",
		"requires file /foo/data",
	}, requireStrings(toFile)); diff != "" {
		t.Errorf("requires (-want +got):\n%s", diff)
	}
}

func TestFilesystemRootItem(t *testing.T) {
	it := NewFilesystemRootItem("t")
	if it.PhaseOrder() != PhaseParentLayer {
		t.Errorf("PhaseOrder = %v, want parent-layer", it.PhaseOrder())
	}
	if diff := cmp.Diff([]string{
		"provides directory /",
		"provides do-not-access /meta",
	}, provideStrings(t, it)); diff != "" {
		t.Errorf("provides (-want +got):\n%s", diff)
	}
	if len(it.Requires()) != 0 {
		t.Errorf("requires = %v, want none", it.Requires())
	}
}

func TestRemovePathItem(t *testing.T) {
	if _, err := NewRemovePathItem("t", "meta/anything", "assert_exists"); !xerrors.Is(err, imagepath.ErrReservedMetaPath) {
		t.Errorf("remove of meta/anything: %v, want ErrReservedMetaPath", err)
	}
	if _, err := NewRemovePathItem("t", "/p", "never_heard_of_it"); !xerrors.Is(err, ErrBadEnum) {
		t.Errorf("unknown action: %v, want ErrBadEnum", err)
	}
	it, err := NewRemovePathItem("t", "/p/to/remove", "if_exists")
	if err != nil {
		t.Fatal(err)
	}
	if it.PhaseOrder() != PhaseRemovePaths {
		t.Errorf("PhaseOrder = %v, want remove-paths", it.PhaseOrder())
	}
}

func TestRemoveOrder(t *testing.T) {
	mk := func(path, action string) *RemovePathItem {
		it, err := NewRemovePathItem("t", path, action)
		if err != nil {
			t.Fatal(err)
		}
		return it
	}
	items := []Item{
		mk("/p/to/remove", "if_exists"),
		mk("/p/to/remove", "assert_exists"),
		mk("/another/p/to/remove", "assert_exists"),
	}
	ordered, err := RemoveOrder(items)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, it := range ordered {
		got = append(got, it.Path()+" "+it.Action().String())
	}
	// Reverse-lexicographic by path, deepest first; at the same path the
	// assert runs before the if-exists so both can coexist.
	want := []string{
		"p/to/remove assert_exists",
		"p/to/remove if_exists",
		"another/p/to/remove assert_exists",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RemoveOrder (-want +got):\n%s", diff)
	}
}

func TestRpmActionItem(t *testing.T) {
	install, err := NewRpmActionItem("t", "rpm-test-mice", "install")
	if err != nil {
		t.Fatal(err)
	}
	if install.PhaseOrder() != PhaseRPMInstall {
		t.Errorf("PhaseOrder = %v, want rpm-install", install.PhaseOrder())
	}
	remove, err := NewRpmActionItem("t", "rpm-test-carrot", "remove_if_exists")
	if err != nil {
		t.Fatal(err)
	}
	if remove.PhaseOrder() != PhaseRPMRemove {
		t.Errorf("PhaseOrder = %v, want rpm-remove", remove.PhaseOrder())
	}
	if _, err := NewRpmActionItem("t", "x", "upgrade"); !xerrors.Is(err, ErrBadEnum) {
		t.Errorf("unknown action: %v, want ErrBadEnum", err)
	}
}

func TestRpmPhasePackages(t *testing.T) {
	mk := func(name, action string) Item {
		it, err := NewRpmActionItem("t", name, action)
		if err != nil {
			t.Fatal(err)
		}
		return it
	}
	pkgs, err := RpmPhasePackages([]Item{
		mk("rpm-test-milk", "remove_if_exists"),
		mk("rpm-test-carrot", "remove_if_exists"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"rpm-test-carrot", "rpm-test-milk"}, pkgs[RpmRemoveIfExists]); diff != "" {
		t.Errorf("packages (-want +got):\n%s", diff)
	}

	// Even two agreeing actions for one package are a conflict.
	if _, err := RpmPhasePackages([]Item{
		mk("rpm-test-milk", "install"),
		mk("rpm-test-milk", "install"),
	}); !xerrors.Is(err, ErrRpmActionConflict) {
		t.Errorf("duplicate actions: %v, want ErrRpmActionConflict", err)
	}
}

func TestRpmPhaseBuilderLayerOpts(t *testing.T) {
	items := []Item{}
	for _, opts := range []LayerOpts{
		{LayerTarget: "t"},
		{LayerTarget: "t", YumFromSnapshot: "/y", BuildAppliance: "/b"},
	} {
		if _, err := RpmActionPhaseBuilder(items, opts); !xerrors.Is(err, ErrBadLayerOpts) {
			t.Errorf("opts %+v: %v, want ErrBadLayerOpts", opts, err)
		}
	}
	if _, err := RpmActionPhaseBuilder(items, LayerOpts{LayerTarget: "t", YumFromSnapshot: "/y"}); err != nil {
		t.Errorf("valid opts: %v", err)
	}
}
