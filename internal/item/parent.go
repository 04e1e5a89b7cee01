package item

import (
	"io/fs"
	"path/filepath"

	"github.com/imgr1/imgr"
	"github.com/imgr1/imgr/internal/imagepath"
	"github.com/imgr1/imgr/internal/subvol"
	"golang.org/x/xerrors"
)

// FilesystemRootItem endows parent-less layers with a standard-permissions
// "/".
type FilesystemRootItem struct {
	base
}

func NewFilesystemRootItem(fromTarget string) *FilesystemRootItem {
	return &FilesystemRootItem{base{fromTarget}}
}

func (*FilesystemRootItem) PhaseOrder() Phase { return PhaseParentLayer }

func (i *FilesystemRootItem) Provides() ([]Provide, error) {
	provs := []Provide{ProvidesDirectory("")}
	prot, err := protectedPathSetAt("")
	if err != nil {
		return nil, err
	}
	for p := range prot {
		provs = append(provs, ProvidesDoNotAccess(p))
	}
	return provs, nil
}

func (*FilesystemRootItem) Requires() []Require { return nil }

// ParentLayerItem bases the layer on an existing parent subvolume: every
// entry of the parent becomes a provide, except protected paths, which are
// provided as do-not-access.
type ParentLayerItem struct {
	base
	path string
}

func NewParentLayerItem(fromTarget, path string) *ParentLayerItem {
	return &ParentLayerItem{base: base{fromTarget}, path: path}
}

func (*ParentLayerItem) PhaseOrder() Phase { return PhaseParentLayer }

func (i *ParentLayerItem) Provides() ([]Provide, error) {
	return scanProvides(i.path)
}

func (*ParentLayerItem) Requires() []Require { return nil }

// scanProvides enumerates a filesystem tree into provides: directories as
// such, everything else as files, including symlinks to directories.
// (Providing dir symlinks as directories would be more consistent with
// SymlinkToDirItem, but this matches what the rest of the compiler
// expects.) Protected paths are skipped at traversal time: a very large or
// slow mount would otherwise wreck build times.
func scanProvides(root string) ([]Provide, error) {
	prot, err := protectedPathSetAt(root)
	if err != nil {
		return nil, err
	}
	provs := make([]Provide, 0, len(prot))
	for p := range prot {
		provs = append(provs, ProvidesDoNotAccess(p))
	}
	providedRoot := false
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			rel = ""
		}
		if rel != "" && imagepath.IsProtected(rel, prot) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			provs = append(provs, ProvidesDirectory(rel))
			if rel == "" {
				providedRoot = true
			}
		} else {
			provs = append(provs, ProvidesFile(rel))
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("scanning %s: %w", root, err)
	}
	if !providedRoot {
		return nil, xerrors.Errorf("parent layer %s lacks /", root)
	}
	return provs, nil
}

// phasesProvideItem stands in for the phase items once the phases have
// run: whatever they left on the subvolume is what the additive items may
// depend on.
type phasesProvideItem struct {
	base
	sv *subvol.Subvol
}

func NewPhasesProvideItem(fromTarget string, sv *subvol.Subvol) Item {
	return &phasesProvideItem{base: base{fromTarget}, sv: sv}
}

func (i *phasesProvideItem) Provides() ([]Provide, error) {
	return scanProvides(i.sv.Root())
}

func (*phasesProvideItem) Requires() []Require { return nil }

func ensureMetaDirExists(sv *subvol.Subvol) error {
	p, err := sv.Path(imagepath.MetaDir)
	if err != nil {
		return err
	}
	return sv.RunAsRoot([]string{"mkdir", "--mode=0755", "--parents", p})
}

// ParentLayerPhaseBuilder provisions the subvolume: a fresh one for a
// FilesystemRootItem, a snapshot of the parent for a ParentLayerItem. The
// scheduler guarantees exactly one parent-layer item per build.
func ParentLayerPhaseBuilder(items []Item, opts LayerOpts) (PhaseBuilder, error) {
	if len(items) != 1 {
		return nil, imgr.Invalidf("layer %s: %d parent-layer items", opts.LayerTarget, len(items))
	}
	switch it := items[0].(type) {
	case *FilesystemRootItem:
		return func(sv *subvol.Subvol) error {
			if err := sv.Create(); err != nil {
				return err
			}
			// Guarantee standard / permissions. This could be a setting,
			// but any other choice would probably be wrong.
			root, err := sv.Path("")
			if err != nil {
				return err
			}
			if err := sv.RunAsRoot([]string{"chmod", "0755", root}); err != nil {
				return err
			}
			if err := sv.RunAsRoot([]string{"chown", "root:root", root}); err != nil {
				return err
			}
			return ensureMetaDirExists(sv)
		}, nil
	case *ParentLayerItem:
		return func(sv *subvol.Subvol) error {
			parent, err := subvol.FromExisting(it.path)
			if err != nil {
				return err
			}
			if err := sv.Snapshot(parent); err != nil {
				return err
			}
			// This assumes that the parent has everything mounted already.
			if err := cloneMounts(parent, sv); err != nil {
				return err
			}
			return ensureMetaDirExists(sv)
		}, nil
	}
	return nil, xerrors.Errorf("unexpected parent-layer item %T from %s", items[0], items[0].FromTarget())
}
