// Package item defines the types of items that can be installed into an
// image. The compiler verifies that the specified items have all of their
// requirements satisfied, and then applies them in dependency order.
//
// With respect to ordering there are two types of items:
//
// (1) Regular additive items are naturally ordered with respect to one
// another by filesystem dependencies: /usr/bin must exist before a tool is
// copied there. They declare Provides and Requires, and the dependency
// sorter does the rest.
//
// (2) Everything else (provisioning the root or parent layer, package
// installs/removes, path removals) runs as black-box phases in the fixed
// order of the Phase enum, before any additive item. Each phase orders its
// internals itself.
package item

import (
	"strconv"

	"github.com/imgr1/imgr"
	"github.com/imgr1/imgr/internal/subvol"
	"golang.org/x/xerrors"
)

var (
	ErrBadEnum            = xerrors.New("unknown enum value")
	ErrHashMismatch       = xerrors.New("archive failed hash validation")
	ErrUnknownMountConfig = xerrors.New("unparsed fields in mount config")
	ErrHostMountDisallowed = xerrors.New(
		"host mounts cause containers to be non-hermetic and fragile, so they " +
			"are only allowed from declaration sites set aside for close review")
	ErrBadLayerOpts      = xerrors.New("exactly one of yum_from_snapshot and build_appliance must be set")
	ErrRpmActionConflict = xerrors.New("conflicting actions for one package")
	// ErrWriteIntoProtected is shared with the plan driver: additive items
	// must not touch paths that are protected at their execution time.
	ErrWriteIntoProtected = xerrors.New("write into protected path")
)

// Phase enumerates the black-box stages. Phases execute strictly in this
// order; additive items run after all phases.
type Phase int

const (
	// PhaseNone marks additive items, ordered by the dependency sorter.
	PhaseNone Phase = iota
	// PhaseParentLayer actually creates the subvolume, so it precedes all
	// others.
	PhaseParentLayer
	// PhaseRPMRemove precedes PhaseRemovePaths because package removes
	// might be conditional on the presence or absence of files, and we
	// don't want that extra entropy; file removes fail or succeed
	// predictably.
	PhaseRPMRemove
	PhaseRPMInstall
	// PhaseRemovePaths MUST be a phase rather than an additive item: the
	// dependency sorter has no provisions for eliminating something that
	// another item provides. It runs before the additive items are
	// validated, so it cannot remove their additions. Being the last phase
	// allows removing files added by PhaseRPMInstall.
	PhaseRemovePaths
)

// Phases lists the orderable phases in execution order.
var Phases = []Phase{PhaseParentLayer, PhaseRPMRemove, PhaseRPMInstall, PhaseRemovePaths}

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseParentLayer:
		return "parent-layer"
	case PhaseRPMRemove:
		return "rpm-remove"
	case PhaseRPMInstall:
		return "rpm-install"
	case PhaseRemovePaths:
		return "remove-paths"
	}
	return "Phase(" + strconv.Itoa(int(p)) + ")"
}

// LayerOpts carries per-layer settings consumed by the phase builders.
type LayerOpts struct {
	// LayerTarget names the layer being built, for diagnostics.
	LayerTarget string
	// Exactly one of the following must be set for layers that install or
	// remove packages.
	YumFromSnapshot string
	BuildAppliance  string
}

// Item is a declarative unit of image content. Implementations are
// immutable after construction; construction is the single place that can
// fail with path/enum/hash errors.
type Item interface {
	// FromTarget identifies the item's declaration site, for diagnostics.
	FromTarget() string
	// PhaseOrder returns the phase the item belongs to, or PhaseNone for
	// additive items.
	PhaseOrder() Phase
	// Provides enumerates the claims the built item makes about resulting
	// filesystem paths. Pure for most items; parent-layer items read the
	// parent subvolume once.
	Provides() ([]Provide, error)
	// Requires enumerates the claims the item makes about the
	// pre-existing filesystem it needs.
	Requires() []Require
}

// Buildable is implemented by additive items: the plan driver applies them
// to the subvolume in dependency order.
type Buildable interface {
	Item
	Build(sv *subvol.Subvol) error
}

// PhaseBuilder applies all items of one phase to the subvolume at once.
type PhaseBuilder func(sv *subvol.Subvol) error

// base carries the fields common to every item.
type base struct {
	fromTarget string
}

func (b base) FromTarget() string { return b.fromTarget }

func (base) PhaseOrder() Phase { return PhaseNone }

// StatOpts sets stat(2) options on files and directories created inside
// the image.
type StatOpts struct {
	// Mode is either octal digits fully specifying the bits, or a symbolic
	// string like "u+rx" applied on top of mode 0.
	Mode string
	User  string
	Group string
}

func (o StatOpts) withDefaults() StatOpts {
	// 0755 is good for directories and OK for files; image descriptions
	// should set this explicitly where it matters.
	if o.Mode == "" {
		o.Mode = "0755"
	}
	if o.User == "" {
		o.User = "root"
	}
	if o.Group == "" {
		o.Group = "root"
	}
	return o
}

func (o StatOpts) modeArg() string {
	if _, err := strconv.ParseUint(o.Mode, 8, 32); err == nil {
		return o.Mode
	}
	// The symbolic mode must be applied after zeroing all bits.
	return "a-rwxXst," + o.Mode
}

// apply sets mode and ownership on fullPath inside the subvolume.
func (o StatOpts) apply(sv *subvol.Subvol, fullPath string) error {
	o = o.withDefaults()
	// chmod lacks a --no-dereference flag to protect us from following
	// fullPath if it's a symlink, so refuse symlinks outright.
	if err := sv.RunAsRoot([]string{"test", "!", "-L", fullPath}); err != nil {
		return xerrors.Errorf("%s is a symlink: %w", fullPath, err)
	}
	// -R cannot clobber unrelated content: we never chmod a directory that
	// already had something else inside it.
	if err := sv.RunAsRoot([]string{"chmod", "-R", o.modeArg(), fullPath}); err != nil {
		return err
	}
	return sv.RunAsRoot([]string{"chown", "--no-dereference", "-R", o.User + ":" + o.Group, fullPath})
}

// badEnum builds the standard construction error for enum coercion.
func badEnum(what, got string) error {
	return imgr.Invalidf("%s %q: %w", what, got, ErrBadEnum)
}
