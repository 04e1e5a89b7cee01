package item

import (
	"os"
	"sort"

	"github.com/imgr1/imgr"
	"github.com/imgr1/imgr/internal/imagepath"
	"github.com/imgr1/imgr/internal/subvol"
	"golang.org/x/xerrors"
)

type RemovePathAction int

const (
	// RemoveIfExists sorts before RemoveAssertExists so that, in the
	// reverse-sorted execution order, conflicts between the two actions on
	// one path resolve naturally: the assert sees the path, the if-exists
	// then skips it.
	RemoveIfExists RemovePathAction = iota
	RemoveAssertExists
)

func ParseRemovePathAction(s string) (RemovePathAction, error) {
	switch s {
	case "if_exists":
		return RemoveIfExists, nil
	case "assert_exists":
		return RemoveAssertExists, nil
	}
	return 0, badEnum("remove path action", s)
}

func (a RemovePathAction) String() string {
	if a == RemoveIfExists {
		return "if_exists"
	}
	return "assert_exists"
}

// RemovePathItem removes a path from the image, as a phase: the dependency
// sorter has no provisions for eliminating something another item
// provides, and running last also allows removing files added by the
// package-install phase.
type RemovePathItem struct {
	base
	path   string
	action RemovePathAction
}

func NewRemovePathItem(fromTarget, path, action string) (*RemovePathItem, error) {
	p, err := imagepath.Normalize(path)
	if err != nil {
		return nil, err
	}
	a, err := ParseRemovePathAction(action)
	if err != nil {
		return nil, err
	}
	return &RemovePathItem{base: base{fromTarget}, path: p, action: a}, nil
}

func (*RemovePathItem) PhaseOrder() Phase { return PhaseRemovePaths }

func (i *RemovePathItem) Provides() ([]Provide, error) { return nil, nil }

func (i *RemovePathItem) Requires() []Require { return nil }

func (i *RemovePathItem) Path() string             { return i.path }
func (i *RemovePathItem) Action() RemovePathAction { return i.action }

// RemoveOrder sorts remove-path items into execution order:
// reverse-lexicographic by path, so inner paths are deleted before outer
// ones, minimizing conflicts between removes.
func RemoveOrder(items []Item) ([]*RemovePathItem, error) {
	removes := make([]*RemovePathItem, 0, len(items))
	for _, it := range items {
		r, ok := it.(*RemovePathItem)
		if !ok {
			return nil, xerrors.Errorf("unexpected remove-paths item %T from %s", it, it.FromTarget())
		}
		removes = append(removes, r)
	}
	sort.SliceStable(removes, func(a, b int) bool {
		if removes[a].path != removes[b].path {
			return removes[a].path > removes[b].path
		}
		return removes[a].action > removes[b].action
	})
	return removes, nil
}

// RemovePathsPhaseBuilder deletes the phase's paths in bulk.
//
// Note that remove_paths cannot remove additions by regular (non-phase)
// items in the same layer: all removes run before regular items are even
// validated or sorted. A feature that needs that is poorly factored.
func RemovePathsPhaseBuilder(items []Item, opts LayerOpts) (PhaseBuilder, error) {
	removes, err := RemoveOrder(items)
	if err != nil {
		return nil, err
	}
	return func(sv *subvol.Subvol) error {
		prot, err := ProtectedPathSet(sv)
		if err != nil {
			return err
		}
		for _, it := range removes {
			if imagepath.IsProtected(it.path, prot) {
				// Unreachable for the metadata directory (construction
				// rejects it), but required for e.g. mountpoints.
				return imgr.Invalidf("cannot remove %s from %s: %w", it.path, it.fromTarget, ErrWriteIntoProtected)
			}
			// No symlink in it.path may take us outside the subvolume;
			// since recursive rm does not follow symlinks, the leaf inode
			// itself is allowed to be one.
			p, err := sv.PathNoDereferenceLeaf(it.path)
			if err != nil {
				return err
			}
			if _, err := os.Lstat(p); err != nil {
				if !os.IsNotExist(err) {
					return err
				}
				if it.action == RemoveAssertExists {
					return imgr.Invalidf("remove from %s: path does not exist: %s", it.fromTarget, it.path)
				}
				continue
			}
			// --one-file-system keeps removes from reaching into other
			// mounted filesystems.
			if err := sv.RunAsRoot([]string{"rm", "-r", "--one-file-system", p}); err != nil {
				return err
			}
		}
		return nil
	}, nil
}
