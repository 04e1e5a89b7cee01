// Package compiler turns an unordered set of image items into a build
// plan: black-box phases first, in fixed order, then the additive items in
// dependency order, and applies it to the subvolume under construction.
package compiler

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/imgr1/imgr"
	"github.com/imgr1/imgr/internal/dep"
	"github.com/imgr1/imgr/internal/imagepath"
	"github.com/imgr1/imgr/internal/item"
	"github.com/imgr1/imgr/internal/subvol"
	"golang.org/x/xerrors"
)

// ErrAmbiguousParent is reported unless a build has exactly one
// parent-layer item (a filesystem root or a parent layer).
var ErrAmbiguousParent = xerrors.New("build needs exactly one parent-layer item")

// DependencyGraph partitions the item set into phase items and additive
// items, preserving declaration order within each group.
type DependencyGraph struct {
	phaseItems map[item.Phase][]item.Item
	additive   []item.Item
}

func NewDependencyGraph(items []item.Item) *DependencyGraph {
	dg := &DependencyGraph{phaseItems: map[item.Phase][]item.Item{}}
	for _, it := range items {
		if ph := it.PhaseOrder(); ph != item.PhaseNone {
			dg.phaseItems[ph] = append(dg.phaseItems[ph], it)
		} else {
			dg.additive = append(dg.additive, it)
		}
	}
	return dg
}

func (dg *DependencyGraph) parentItem() (item.Item, error) {
	parents := dg.phaseItems[item.PhaseParentLayer]
	if len(parents) != 1 {
		return nil, imgr.Invalidf("%d parent-layer items: %w", len(parents), ErrAmbiguousParent)
	}
	return parents[0], nil
}

// PhaseStep is one emitted phase: all of the phase's items, and the
// builder that applies them in bulk.
type PhaseStep struct {
	Phase   item.Phase
	Items   []item.Item
	Builder item.PhaseBuilder
}

// OrderedPhases emits the phase builders in the fixed ordinal order of the
// Phase enum. Per-phase policies (remove ordering, package-action
// conflicts, layer-option checks) live inside the per-phase factories.
func (dg *DependencyGraph) OrderedPhases(opts item.LayerOpts) ([]PhaseStep, error) {
	if _, err := dg.parentItem(); err != nil {
		return nil, err
	}
	var steps []PhaseStep
	for _, ph := range item.Phases {
		items := dg.phaseItems[ph]
		if len(items) == 0 {
			continue
		}
		var builder item.PhaseBuilder
		var err error
		switch ph {
		case item.PhaseParentLayer:
			builder, err = item.ParentLayerPhaseBuilder(items, opts)
		case item.PhaseRPMRemove, item.PhaseRPMInstall:
			builder, err = item.RpmActionPhaseBuilder(items, opts)
		case item.PhaseRemovePaths:
			builder, err = item.RemovePathsPhaseBuilder(items, opts)
		}
		if err != nil {
			return nil, err
		}
		steps = append(steps, PhaseStep{Phase: ph, Items: items, Builder: builder})
	}
	return steps, nil
}

// GenDependencyOrderItems validates the additive items against the current
// provides and returns them in a topological build order. It must run
// after the phases have built: if any phase beyond the parent layer ran,
// the provides are taken from the actual subvolume rather than from the
// parent item's declaration.
func (dg *DependencyGraph) GenDependencyOrderItems(sv *subvol.Subvol) ([]item.Item, error) {
	parent, err := dg.parentItem()
	if err != nil {
		return nil, err
	}
	provider := parent
	for ph, items := range dg.phaseItems {
		if ph != item.PhaseParentLayer && len(items) > 0 {
			provider = item.NewPhasesProvideItem(parent.FromTarget(), sv)
			break
		}
	}
	all := append([]item.Item{provider}, dg.additive...)
	m, err := dep.ValidateReqsProvs(all)
	if err != nil {
		return nil, err
	}
	order, err := dep.DependencyOrder(all, m)
	if err != nil {
		return nil, err
	}
	out := make([]item.Item, 0, len(dg.additive))
	for _, it := range order {
		if it == provider {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// Build applies the full plan to sv: phases in order, then additive items
// in dependency order, re-checking the protected-path contract before
// every additive item.
func Build(ctx context.Context, sv *subvol.Subvol, items []item.Item, opts item.LayerOpts) error {
	dg := NewDependencyGraph(items)
	steps, err := dg.OrderedPhases(opts)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Printf("phase %s (%d items)", step.Phase, len(step.Items))
		if err := step.Builder(sv); err != nil {
			return xerrors.Errorf("phase %s: %w", step.Phase, err)
		}
	}
	ordered, err := dg.GenDependencyOrderItems(sv)
	if err != nil {
		return err
	}
	for _, it := range ordered {
		if err := ctx.Err(); err != nil {
			return err
		}
		// The protected set may have grown (e.g. a mount was built), so
		// recompute it at every step.
		prot, err := item.ProtectedPathSet(sv)
		if err != nil {
			return err
		}
		provs, err := it.Provides()
		if err != nil {
			return err
		}
		for _, p := range provs {
			if imagepath.IsProtected(strings.TrimPrefix(p.Path, "/"), prot) {
				return imgr.Invalidf("item from %s, output %s: %w",
					it.FromTarget(), p.Path, item.ErrWriteIntoProtected)
			}
		}
		buildable, ok := it.(item.Buildable)
		if !ok {
			return xerrors.Errorf("item from %s (%T) is not buildable", it.FromTarget(), it)
		}
		log.Printf("building item from %s", it.FromTarget())
		if err := buildable.Build(sv); err != nil {
			return xerrors.Errorf("item from %s: %w", it.FromTarget(), err)
		}
	}
	return nil
}

// Args configures one layer compilation.
type Args struct {
	SubvolumesDir    string
	SubvolumeRelPath string
	Items            []item.Item
	Opts             item.LayerOpts
}

// Compile builds the layer into a new subvolume and returns its on-disk
// description. The subvolume is marked read-only on success; partial
// results are left for the garbage collector.
func Compile(ctx context.Context, a Args) (*subvol.OnDisk, error) {
	svPath := filepath.Join(a.SubvolumesDir, a.SubvolumeRelPath)
	if err := os.MkdirAll(filepath.Dir(svPath), 0755); err != nil {
		return nil, err
	}
	sv, err := subvol.New(svPath)
	if err != nil {
		return nil, err
	}
	if err := Build(ctx, sv, a.Items, a.Opts); err != nil {
		return nil, err
	}
	if err := sv.SetReadonly(true); err != nil {
		return nil, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	return &subvol.OnDisk{Hostname: hostname, SubvolumeRelPath: a.SubvolumeRelPath}, nil
}
