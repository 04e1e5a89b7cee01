package item

import (
	"encoding/json"
	"io/fs"
	"os"
	gopath "path"
	"path/filepath"
	"strings"

	"github.com/imgr1/imgr"
	"github.com/imgr1/imgr/internal/imagepath"
	"github.com/imgr1/imgr/internal/subvol"
	"golang.org/x/xerrors"
)

const (
	// metaMountsDir records each mountpoint of the image under the
	// reserved metadata directory; the protected-path set is rediscovered
	// from this tree at every phase boundary.
	metaMountsDir = "meta/private/mount"
	// mountMarker terminates a mountpoint's metadata directory, so that
	// mountpoints containing "/" cannot be confused with the tree layout.
	mountMarker = "MOUNT"

	mountConfigName = "mountconfig.json"
)

// Host mounts make images non-hermetic, so they may only be declared from
// these target prefixes, keeping them reviewable in one place.
var allowedHostMountTargets = []string{
	"//imgr/features/host_mounts",
	"//imgr/compiler/test",
	"//imgr/build_appliance",
}

// BuildSource says where a mount's content comes from at build time.
type BuildSource struct {
	Type   string `json:"type"`   // "layer" or "host"
	Source string `json:"source"` // layer target, or host path
}

func (bs BuildSource) toPath(targetToPath map[string]string, subvolumesDir string) (string, error) {
	switch bs.Type {
	case "layer":
		out, ok := targetToPath[bs.Source]
		if !ok {
			return "", imgr.Invalidf("mount build source: unknown layer target %q", bs.Source)
		}
		od, err := subvol.ReadOnDisk(filepath.Join(out, subvol.LayerJSONName))
		if err != nil {
			return "", err
		}
		return od.SubvolumePath(subvolumesDir), nil
	case "host":
		return bs.Source, nil
	}
	return "", badEnum("mount build source type", bs.Type)
}

// MountItem mounts a layer or host path at a mountpoint inside the image.
// Nesting of mounts is not supported, and regular items must not write
// inside a mount, so the mountpoint is provided as do-not-access.
type MountItem struct {
	base
	mountpoint    string
	buildSource   BuildSource
	runtimeSource string // canonical JSON, the runtime's opaque blob
	isDirectory   bool
	isRepoRoot    bool
	sourcePath    string
}

// MountOpts carries a mount declaration. Exactly one of Target (a
// directory holding mountconfig.json) and MountConfig must be set.
type MountOpts struct {
	FromTarget  string
	Mountpoint  string
	Target      string
	MountConfig map[string]interface{}

	// TargetToPath and SubvolumesDir resolve "layer" build sources to
	// on-disk subvolumes.
	TargetToPath  map[string]string
	SubvolumesDir string
}

func NewMountItem(o MountOpts) (*MountItem, error) {
	if (o.Target == "") == (o.MountConfig == nil) {
		return nil, imgr.Invalidf("mount from %s: exactly one of target and mount_config must be set", o.FromTarget)
	}
	cfg := make(map[string]interface{}, len(o.MountConfig))
	if o.MountConfig != nil {
		// We must not mutate our input.
		for k, v := range o.MountConfig {
			cfg[k] = v
		}
	} else {
		b, err := os.ReadFile(filepath.Join(o.Target, mountConfigName))
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return nil, xerrors.Errorf("parsing %s of %s: %w", mountConfigName, o.Target, err)
		}
	}
	it := &MountItem{base: base{o.FromTarget}}

	it.isRepoRoot, _ = cfg["is_repo_root"].(bool)
	delete(cfg, "is_repo_root")
	defaultMountpoint, haveDefault := cfg["default_mountpoint"].(string)
	delete(cfg, "default_mountpoint")

	mountpoint := o.Mountpoint
	if it.isRepoRoot {
		if haveDefault {
			return nil, imgr.Invalidf("mount from %s: default_mountpoint must not be set for a repo-root mount", o.FromTarget)
		}
		if mountpoint != "" {
			return nil, imgr.Invalidf("mount from %s: mountpoint must not be set for a repo-root mount", o.FromTarget)
		}
		root, err := findRepoRoot()
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(root, "/") {
			return nil, imgr.Invalidf("repo root %q must start from /", root)
		}
		mountpoint = root
	} else if mountpoint == "" {
		// Missing or empty means: use the config's default.
		if !haveDefault {
			return nil, imgr.Invalidf("mount from %s lacks a mountpoint", o.FromTarget)
		}
		mountpoint = defaultMountpoint
	}
	var err error
	if it.mountpoint, err = imagepath.Normalize(mountpoint); err != nil {
		return nil, err
	}

	isDirectory, ok := cfg["is_directory"].(bool)
	if !ok {
		return nil, imgr.Invalidf("mount from %s: mount config lacks is_directory", o.FromTarget)
	}
	delete(cfg, "is_directory")
	it.isDirectory = isDirectory
	if it.isRepoRoot && !it.isDirectory {
		return nil, imgr.Invalidf("mount from %s: cannot file-mount the repo root", o.FromTarget)
	}

	bsRaw, ok := cfg["build_source"].(map[string]interface{})
	if !ok {
		return nil, imgr.Invalidf("mount from %s: mount config lacks build_source", o.FromTarget)
	}
	delete(cfg, "build_source")
	it.buildSource.Type, _ = bsRaw["type"].(string)
	it.buildSource.Source, _ = bsRaw["source"].(string)
	if it.isRepoRoot {
		if it.buildSource.Source != "" {
			return nil, imgr.Invalidf("mount from %s: build source of a repo-root mount must not set source", o.FromTarget)
		}
		it.buildSource.Source = imagepath.Rooted(it.mountpoint)
	}
	if it.buildSource.Type == "host" && !hostMountAllowed(o.FromTarget) {
		return nil, imgr.Invalidf("mount from %s: %w", o.FromTarget, ErrHostMountDisallowed)
	}

	// The runtime equivalent of build_source is an opaque JSON blob that
	// the runtime wants; serialize it back canonically so items stay
	// plain comparable values.
	runtimeSource, haveRuntime := cfg["runtime_source"]
	delete(cfg, "runtime_source")
	if haveRuntime {
		if m, ok := runtimeSource.(map[string]interface{}); ok {
			if t, _ := m["type"].(string); t == "host" {
				return nil, imgr.Invalidf("mount from %s: only build_source may specify host mounts", o.FromTarget)
			}
		}
	}
	rs, err := json.Marshal(runtimeSource)
	if err != nil {
		return nil, err
	}
	it.runtimeSource = string(rs)

	if len(cfg) != 0 {
		keys := make([]string, 0, len(cfg))
		for k := range cfg {
			keys = append(keys, k)
		}
		return nil, imgr.Invalidf("mount from %s: %v: %w", o.FromTarget, keys, ErrUnknownMountConfig)
	}

	if it.sourcePath, err = it.buildSource.toPath(o.TargetToPath, o.SubvolumesDir); err != nil {
		return nil, err
	}
	return it, nil
}

func hostMountAllowed(fromTarget string) bool {
	for _, prefix := range allowedHostMountTargets {
		if strings.HasPrefix(fromTarget, prefix) {
			return true
		}
	}
	return false
}

func (i *MountItem) Provides() ([]Provide, error) {
	return []Provide{ProvidesDoNotAccess(i.mountpoint)}, nil
}

func (i *MountItem) Requires() []Require {
	// The mountpoint itself is not required since it will be shadowed;
	// this item just makes it with default permissions.
	return []Require{RequiresDirectory(dirname(i.mountpoint))}
}

func (i *MountItem) Build(sv *subvol.Subvol) error {
	mountDir := gopath.Join(metaMountsDir, i.mountpoint, mountMarker)
	// The mountpoint is implicit in the metadata path, so it is not
	// serialized itself.
	isDir := "false\n"
	if i.isDirectory {
		isDir = "true\n"
	}
	for rel, content := range map[string]string{
		gopath.Join(mountDir, "is_directory"):          isDir,
		gopath.Join(mountDir, "build_source", "type"):   i.buildSource.Type + "\n",
		gopath.Join(mountDir, "build_source", "source"): i.buildSource.Source + "\n",
		gopath.Join(mountDir, "runtime_source"):        i.runtimeSource + "\n",
	} {
		if err := writeMetaFile(sv, rel, content); err != nil {
			return err
		}
	}

	// Mounting directories and non-directories both work; this check
	// follows symlinks for the mount source, which seems correct.
	st, err := os.Stat(i.sourcePath)
	if err != nil {
		return err
	}
	if st.IsDir() != i.isDirectory {
		return imgr.Invalidf("mount from %s: source %s is_directory=%v does not match config", i.fromTarget, i.sourcePath, st.IsDir())
	}
	mp, err := sv.Path(i.mountpoint)
	if err != nil {
		return err
	}
	if i.isDirectory {
		mkdir := []string{"mkdir", "--mode=0755"}
		if i.isRepoRoot {
			mkdir = append(mkdir, "-p")
		}
		if err := sv.RunAsRoot(append(mkdir, mp)); err != nil {
			return err
		}
	} else {
		// The mode of this mountpoint will be shadowed anyway, so let it
		// be whatever touch gives it.
		if err := sv.RunAsRoot([]string{"touch", mp}); err != nil {
			return err
		}
	}
	return roRbindMount(sv, i.sourcePath, mp)
}

// writeMetaFile writes content to an image-relative path, as root, creating
// parent directories. The metadata tree is root-owned, so this cannot be a
// plain file write.
func writeMetaFile(sv *subvol.Subvol, rel, content string) error {
	p, err := sv.Path(rel)
	if err != nil {
		return err
	}
	if err := sv.RunAsRoot([]string{"mkdir", "-p", filepath.Dir(p)}); err != nil {
		return err
	}
	return sv.RunAsRootInput([]string{"dd", "status=none", "of=" + p}, strings.NewReader(content))
}

// roRbindMount recursively bind-mounts source at dest, read-only.
func roRbindMount(sv *subvol.Subvol, source, dest string) error {
	if err := sv.RunAsRoot([]string{"mount", "--rbind", source, dest}); err != nil {
		return err
	}
	return sv.RunAsRoot([]string{"mount", "-o", "remount,ro,bind", dest})
}

// cloneMounts re-creates the parent's mounts in the snapshot. The mount
// metadata itself came along with the snapshot; only the live mounts must
// be replayed.
func cloneMounts(parent, sv *subvol.Subvol) error {
	mountpoints, err := MountpointsFromSubvolMeta(parent.Root())
	if err != nil {
		return err
	}
	for _, mp := range mountpoints {
		rel := strings.TrimSuffix(mp, "/")
		src, err := parent.Path(rel)
		if err != nil {
			return err
		}
		dst, err := sv.Path(rel)
		if err != nil {
			return err
		}
		if err := roRbindMount(sv, src, dst); err != nil {
			return err
		}
	}
	return nil
}

// MountpointsFromSubvolMeta enumerates the mountpoints recorded under a
// subvolume's metadata directory. Returned paths are image-relative, with
// a trailing "/" for directory mounts, matching the protected-path
// convention.
func MountpointsFromSubvolMeta(root string) ([]string, error) {
	mountsRoot := filepath.Join(root, filepath.FromSlash(metaMountsDir))
	var mountpoints []string
	err := filepath.WalkDir(mountsRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == mountsRoot && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() || d.Name() != mountMarker {
			return nil
		}
		rel, err := filepath.Rel(mountsRoot, filepath.Dir(p))
		if err != nil {
			return err
		}
		mp := filepath.ToSlash(rel)
		b, err := os.ReadFile(filepath.Join(p, "is_directory"))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(b)) == "true" {
			mp += "/"
		}
		mountpoints = append(mountpoints, mp)
		return filepath.SkipDir
	})
	if err != nil {
		return nil, err
	}
	return mountpoints, nil
}

// protectedPathSetAt identifies the protected paths of the subvolume
// rooted at root; root == "" means the subvolume does not exist yet. All
// paths are image-relative; a trailing "/" marks a protected directory,
// its absence a protected file.
func protectedPathSetAt(root string) (map[string]bool, error) {
	paths := map[string]bool{imagepath.MetaDir: true}
	if root == "" {
		return paths, nil
	}
	mountpoints, err := MountpointsFromSubvolMeta(root)
	if err != nil {
		return nil, err
	}
	for _, mp := range mountpoints {
		// Never absolute: the package-manager driver interprets absolute
		// protected paths as host paths.
		paths[strings.TrimLeft(mp, "/")] = true
	}
	return paths, nil
}

// ProtectedPathSet identifies the protected paths in a subvolume. Pass
// sv == nil if the subvolume doesn't exist yet (for a from-scratch root).
func ProtectedPathSet(sv *subvol.Subvol) (map[string]bool, error) {
	if sv == nil {
		return protectedPathSetAt("")
	}
	return protectedPathSetAt(sv.Root())
}

// findRepoRoot locates the repository that declared a repo-root mount: the
// override wins, otherwise the dominating directory containing .git.
func findRepoRoot() (string, error) {
	if env := os.Getenv("IMGR_REPO_ROOT"); env != "" {
		return env, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", xerrors.New("repo root not found (set IMGR_REPO_ROOT)")
		}
		dir = parent
	}
}
