package item

import (
	"sort"
	"strings"

	"github.com/imgr1/imgr"
	"github.com/imgr1/imgr/internal/subvol"
	"golang.org/x/xerrors"
)

type RpmAction int

const (
	RpmInstall RpmAction = iota
	// RpmRemoveIfExists is a no-op for packages that are not installed. A
	// strict "remove" would be sensible, but yum does not support it, and
	// implementing it by hand is a hassle.
	RpmRemoveIfExists
)

func ParseRpmAction(s string) (RpmAction, error) {
	switch s {
	case "install":
		return RpmInstall, nil
	case "remove_if_exists":
		return RpmRemoveIfExists, nil
	}
	return 0, badEnum("rpm action", s)
}

func (a RpmAction) String() string {
	if a == RpmInstall {
		return "install"
	}
	return "remove_if_exists"
}

// Package versions, releases and architectures are deliberately not
// accepted: that would be a sure-fire way to get version conflicts.
// Version pinning belongs in a per-layer version picker.
var rpmActionToYumCmd = map[RpmAction]string{
	RpmInstall:        "install-n",
	RpmRemoveIfExists: "remove-n",
}

// RpmActionItem installs or removes one package. These items are part of a
// phase, so they are not dependency-sorted and have no provides or
// requires.
type RpmActionItem struct {
	base
	name   string
	action RpmAction
}

func NewRpmActionItem(fromTarget, name, action string) (*RpmActionItem, error) {
	a, err := ParseRpmAction(action)
	if err != nil {
		return nil, err
	}
	return &RpmActionItem{base: base{fromTarget}, name: name, action: a}, nil
}

func (i *RpmActionItem) PhaseOrder() Phase {
	if i.action == RpmInstall {
		return PhaseRPMInstall
	}
	return PhaseRPMRemove
}

func (i *RpmActionItem) Provides() ([]Provide, error) { return nil, nil }

func (i *RpmActionItem) Requires() []Require { return nil }

func (i *RpmActionItem) Name() string      { return i.name }
func (i *RpmActionItem) Action() RpmAction { return i.action }

// RpmPhasePackages validates one RPM phase's items and returns the sorted
// package list per action. Sorting ensures determinism even if yum is
// order-dependent. A package with more than one action in a layer is
// rejected, even if the actions agree.
func RpmPhasePackages(items []Item) (map[RpmAction][]string, error) {
	actionToRpms := map[RpmAction]map[string]bool{}
	rpmToActions := map[string][]RpmAction{}
	for _, it := range items {
		r, ok := it.(*RpmActionItem)
		if !ok {
			return nil, xerrors.Errorf("unexpected rpm item %T from %s", it, it.FromTarget())
		}
		if actionToRpms[r.action] == nil {
			actionToRpms[r.action] = map[string]bool{}
		}
		actionToRpms[r.action][r.name] = true
		rpmToActions[r.name] = append(rpmToActions[r.name], r.action)
		if len(rpmToActions[r.name]) != 1 {
			return nil, imgr.Invalidf("package %s from %s: %w", r.name, r.fromTarget, ErrRpmActionConflict)
		}
	}
	out := make(map[RpmAction][]string, len(actionToRpms))
	for action, rpms := range actionToRpms {
		names := make([]string, 0, len(rpms))
		for name := range rpms {
			names = append(names, name)
		}
		sort.Strings(names)
		out[action] = names
	}
	return out, nil
}

// RpmActionPhaseBuilder runs the phase's package actions through the
// package-manager driver: either a yum-from-snapshot binary on the host, or
// one inside an ephemeral build-appliance container.
func RpmActionPhaseBuilder(items []Item, opts LayerOpts) (PhaseBuilder, error) {
	// Validate as much as possible outside of the builder to give fast
	// feedback.
	if (opts.YumFromSnapshot == "") == (opts.BuildAppliance == "") {
		return nil, imgr.Invalidf("layer %s: %w", opts.LayerTarget, ErrBadLayerOpts)
	}
	byAction, err := RpmPhasePackages(items)
	if err != nil {
		return nil, err
	}
	return func(sv *subvol.Subvol) error {
		for _, action := range []RpmAction{RpmInstall, RpmRemoveIfExists} {
			rpms := byAction[action]
			if len(rpms) == 0 {
				continue
			}
			prot, err := ProtectedPathSet(sv)
			if err != nil {
				return err
			}
			protArgs := make([]string, 0, 2*len(prot))
			for _, p := range sortedKeys(prot) {
				protArgs = append(protArgs, "--protected-path", p)
			}
			root, err := sv.Path("")
			if err != nil {
				return err
			}
			if opts.BuildAppliance == "" {
				argv := append([]string{opts.YumFromSnapshot}, protArgs...)
				argv = append(argv, "--install-root", root, "--",
					rpmActionToYumCmd[action], "--assumeyes", "--")
				if err := sv.RunAsRoot(append(argv, rpms...)); err != nil {
					return err
				}
				continue
			}
			if err := runYumInBuildAppliance(sv, opts.BuildAppliance, root, protArgs, rpmActionToYumCmd[action], rpms); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func runYumInBuildAppliance(sv *subvol.Subvol, appliance, installRoot string, protArgs []string, yumCmd string, rpms []string) error {
	mountpoints, err := MountpointsFromSubvolMeta(appliance)
	if err != nil {
		return err
	}
	argv := []string{
		"systemd-nspawn",
		"--quiet",
		"--directory=" + appliance,
		"--register=no",
		"--keep-unit",
		"--ephemeral",
		"--bind=" + escapeBindPath(installRoot) + ":/mnt",
	}
	for _, mp := range mountpoints {
		rel := strings.TrimSuffix(mp, "/")
		src, err := subvolPathOf(appliance, rel)
		if err != nil {
			return err
		}
		argv = append(argv, "--bind-ro="+escapeBindPath(src)+":/"+rel)
	}
	script := "mkdir -p /mnt/var/cache/yum; " +
		"mount --bind /var/cache/yum /mnt/var/cache/yum; " +
		"/usr/bin/yum-from-snapshot " + strings.Join(protArgs, " ") +
		" --install-root /mnt -- " + yumCmd + " --assumeyes -- " +
		strings.Join(rpms, " ")
	return sv.RunAsRoot(append(argv, "sh", "-c", script))
}

// escapeBindPath escapes ':' for systemd-nspawn --bind values.
func escapeBindPath(p string) string {
	return strings.ReplaceAll(p, ":", `\:`)
}

func subvolPathOf(root, rel string) (string, error) {
	s, err := subvol.FromExisting(root)
	if err != nil {
		return "", err
	}
	return s.Path(rel)
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
