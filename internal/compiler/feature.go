package compiler

import (
	"encoding/json"
	"os"

	"github.com/imgr1/imgr/internal/item"
	"github.com/imgr1/imgr/internal/subvol"
	"golang.org/x/xerrors"
)

// A feature JSON file is the compiler's input: one declaration site worth
// of items, keyed by item type.
type feature struct {
	Target          string            `json:"target"`
	MakeDirs        []makeDirsSpec    `json:"make_dirs"`
	CopyFiles       []copyFileSpec    `json:"copy_files"`
	SymlinksToDirs  []symlinkSpec     `json:"symlinks_to_dirs"`
	SymlinksToFiles []symlinkSpec     `json:"symlinks_to_files"`
	Tarballs        []tarballSpec     `json:"tarballs"`
	Mounts          []mountSpec       `json:"mounts"`
	RemovePaths     []removePathSpec  `json:"remove_paths"`
	Rpms            []rpmSpec         `json:"rpms"`
}

type statSpec struct {
	Mode  string `json:"mode"`
	User  string `json:"user"`
	Group string `json:"group"`
}

func (s statSpec) opts() item.StatOpts {
	return item.StatOpts{Mode: s.Mode, User: s.User, Group: s.Group}
}

type makeDirsSpec struct {
	statSpec
	IntoDir    string `json:"into_dir"`
	PathToMake string `json:"path_to_make"`
}

type copyFileSpec struct {
	statSpec
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

type symlinkSpec struct {
	Source string `json:"source"`
	Dest   string `json:"dest"`
}

type tarballSpec struct {
	IntoDir            string   `json:"into_dir"`
	Tarball            string   `json:"tarball"`
	Generator          string   `json:"generator"`
	GeneratorArgs      []string `json:"generator_args"`
	Hash               string   `json:"hash"`
	ForceRootOwnership bool     `json:"force_root_ownership"`
}

type mountSpec struct {
	Mountpoint  string                 `json:"mountpoint"`
	Target      string                 `json:"target"`
	MountConfig map[string]interface{} `json:"mount_config"`
}

type removePathSpec struct {
	Path   string `json:"path"`
	Action string `json:"action"`
}

type rpmSpec struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

// LoadConfig resolves references a feature file cannot resolve itself.
type LoadConfig struct {
	// TargetToPath maps layer target names to their output directories.
	TargetToPath map[string]string
	// SubvolumesDir locates built subvolumes referenced by layer mounts.
	SubvolumesDir string
}

// ItemsFromFeatureJSON loads one feature file into constructed items.
func ItemsFromFeatureJSON(path string, cfg LoadConfig) ([]item.Item, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f feature
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, xerrors.Errorf("parsing %s: %w", path, err)
	}
	var items []item.Item
	add := func(it item.Item, err error) error {
		if err != nil {
			return err
		}
		items = append(items, it)
		return nil
	}
	for _, s := range f.MakeDirs {
		it, err := item.NewMakeDirsItem(f.Target, s.IntoDir, s.PathToMake, s.opts())
		if err := add(it, err); err != nil {
			return nil, err
		}
	}
	for _, s := range f.CopyFiles {
		it, err := item.NewCopyFileItem(f.Target, s.Source, s.Dest, s.opts())
		if err := add(it, err); err != nil {
			return nil, err
		}
	}
	for _, s := range f.SymlinksToDirs {
		it, err := item.NewSymlinkToDirItem(f.Target, s.Source, s.Dest)
		if err := add(it, err); err != nil {
			return nil, err
		}
	}
	for _, s := range f.SymlinksToFiles {
		it, err := item.NewSymlinkToFileItem(f.Target, s.Source, s.Dest)
		if err := add(it, err); err != nil {
			return nil, err
		}
	}
	for _, s := range f.Tarballs {
		var it *item.TarballItem
		var err error
		if s.Generator != "" {
			it, err = item.NewGeneratedTarballItem(f.Target, s.IntoDir, s.Generator, s.GeneratorArgs, s.Hash, s.ForceRootOwnership)
		} else {
			it, err = item.NewTarballItem(f.Target, s.IntoDir, s.Tarball, s.Hash, s.ForceRootOwnership)
		}
		if err := add(it, err); err != nil {
			return nil, err
		}
	}
	for _, s := range f.Mounts {
		it, err := item.NewMountItem(item.MountOpts{
			FromTarget:    f.Target,
			Mountpoint:    s.Mountpoint,
			Target:        s.Target,
			MountConfig:   s.MountConfig,
			TargetToPath:  cfg.TargetToPath,
			SubvolumesDir: cfg.SubvolumesDir,
		})
		if err := add(it, err); err != nil {
			return nil, err
		}
	}
	for _, s := range f.RemovePaths {
		it, err := item.NewRemovePathItem(f.Target, s.Path, s.Action)
		if err := add(it, err); err != nil {
			return nil, err
		}
	}
	for _, s := range f.Rpms {
		it, err := item.NewRpmActionItem(f.Target, s.Name, s.Action)
		if err := add(it, err); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// GenParentLayerItems produces the build's single parent-layer item: a
// fresh filesystem root, or the subvolume a parent layer.json points at.
func GenParentLayerItems(target, parentLayerJSON, subvolumesDir string) ([]item.Item, error) {
	if parentLayerJSON == "" {
		return []item.Item{item.NewFilesystemRootItem(target)}, nil
	}
	od, err := subvol.ReadOnDisk(parentLayerJSON)
	if err != nil {
		return nil, err
	}
	return []item.Item{item.NewParentLayerItem(target, od.SubvolumePath(subvolumesDir))}, nil
}
