package item

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/xerrors"

	"github.com/imgr1/imgr/internal/imagepath"
)

const hostMountTarget = "//imgr/features/host_mounts:etc"

func hostEtcConfig() map[string]interface{} {
	return map[string]interface{}{
		"is_directory": true,
		"build_source": map[string]interface{}{"type": "host", "source": "/etc"},
	}
}

func TestMountItemHostMount(t *testing.T) {
	it, err := NewMountItem(MountOpts{
		FromTarget:  hostMountTarget,
		Mountpoint:  "host_etc",
		MountConfig: hostEtcConfig(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"provides do-not-access /host_etc"}, provideStrings(t, it)); diff != "" {
		t.Errorf("provides (-want +got):\n%s", diff)
	}
	// The mountpoint itself is not required, it gets shadowed; only its
	// parent must exist.
	if diff := cmp.Diff([]string{"requires directory /"}, requireStrings(it)); diff != "" {
		t.Errorf("requires (-want +got):\n%s", diff)
	}
	if it.sourcePath != "/etc" {
		t.Errorf("sourcePath = %q, want /etc", it.sourcePath)
	}
}

func TestMountItemHostMountDisallowed(t *testing.T) {
	if _, err := NewMountItem(MountOpts{
		FromTarget:  "//somewhere/else:feature",
		Mountpoint:  "host_etc",
		MountConfig: hostEtcConfig(),
	}); !xerrors.Is(err, ErrHostMountDisallowed) {
		t.Errorf("host mount from arbitrary target: %v, want ErrHostMountDisallowed", err)
	}
}

func TestMountItemUnknownConfigKey(t *testing.T) {
	cfg := hostEtcConfig()
	cfg["subvolume"] = "nope"
	if _, err := NewMountItem(MountOpts{
		FromTarget:  hostMountTarget,
		Mountpoint:  "host_etc",
		MountConfig: cfg,
	}); !xerrors.Is(err, ErrUnknownMountConfig) {
		t.Errorf("leftover key: %v, want ErrUnknownMountConfig", err)
	}
}

func TestMountItemDefaultMountpoint(t *testing.T) {
	cfg := hostEtcConfig()
	cfg["default_mountpoint"] = "etc_default"
	it, err := NewMountItem(MountOpts{
		FromTarget:  hostMountTarget,
		MountConfig: cfg,
	})
	if err != nil {
		t.Fatal(err)
	}
	if it.mountpoint != "etc_default" {
		t.Errorf("mountpoint = %q, want etc_default", it.mountpoint)
	}

	if _, err := NewMountItem(MountOpts{
		FromTarget:  hostMountTarget,
		MountConfig: hostEtcConfig(),
	}); err == nil {
		t.Error("no mountpoint anywhere: want error")
	}
}

func TestMountItemRuntimeSourceHostRejected(t *testing.T) {
	cfg := hostEtcConfig()
	cfg["runtime_source"] = map[string]interface{}{"type": "host", "source": "/etc"}
	if _, err := NewMountItem(MountOpts{
		FromTarget:  hostMountTarget,
		Mountpoint:  "host_etc",
		MountConfig: cfg,
	}); err == nil {
		t.Error("host runtime_source: want error")
	}
}

func TestMountItemTargetXorConfig(t *testing.T) {
	if _, err := NewMountItem(MountOpts{FromTarget: hostMountTarget}); err == nil {
		t.Error("neither target nor config: want error")
	}
	if _, err := NewMountItem(MountOpts{
		FromTarget:  hostMountTarget,
		Target:      "/some/dir",
		MountConfig: hostEtcConfig(),
	}); err == nil {
		t.Error("both target and config: want error")
	}
}

func TestMountItemConfigFromTargetDir(t *testing.T) {
	dir := t.TempDir()
	cfg := `{"is_directory": true, "default_mountpoint": "meownt",
		"build_source": {"type": "host", "source": "/dev/null/dir"}}`
	if err := os.WriteFile(filepath.Join(dir, mountConfigName), []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	it, err := NewMountItem(MountOpts{
		FromTarget: hostMountTarget,
		Target:     dir,
	})
	if err != nil {
		t.Fatal(err)
	}
	if it.mountpoint != "meownt" || !it.isDirectory {
		t.Errorf("got mountpoint %q isDirectory %v", it.mountpoint, it.isDirectory)
	}
}

func writeMountMetaFixture(t *testing.T, root, mountpoint string, isDirectory bool) {
	t.Helper()
	dir := filepath.Join(root, filepath.FromSlash(metaMountsDir), mountpoint, mountMarker)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	content := "false\n"
	if isDirectory {
		content = "true\n"
	}
	if err := os.WriteFile(filepath.Join(dir, "is_directory"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestMountpointsFromSubvolMeta(t *testing.T) {
	root := t.TempDir()
	got, err := MountpointsFromSubvolMeta(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("no metadata: got %v", got)
	}

	writeMountMetaFixture(t, root, "meownt", true)
	writeMountMetaFixture(t, root, "host/etc/thing", false)
	got, err = MountpointsFromSubvolMeta(root)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"host/etc/thing", "meownt/"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mountpoints (-want +got):\n%s", diff)
	}
}

func TestProtectedPathSet(t *testing.T) {
	fresh, err := ProtectedPathSet(nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]bool{imagepath.MetaDir: true}, fresh); diff != "" {
		t.Errorf("fresh set (-want +got):\n%s", diff)
	}

	root := t.TempDir()
	writeMountMetaFixture(t, root, "meownt", true)
	got, err := protectedPathSetAt(root)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{imagepath.MetaDir: true, "meownt/": true}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("protected set (-want +got):\n%s", diff)
	}
	if !imagepath.IsProtected("meownt/inside", got) {
		t.Error("meownt/inside should be protected")
	}
	if imagepath.IsProtected("meownt2", got) {
		t.Error("meownt2 should not be protected")
	}
}
