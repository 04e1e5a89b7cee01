package main

import (
	"context"
	"flag"
	"strings"

	"github.com/imgr1/imgr"
	"github.com/imgr1/imgr/internal/compiler"
	"github.com/imgr1/imgr/internal/item"
)

const compileHelp = `imgr compile -subvolumes-dir <dir> -subvolume-rel-path <name:version/volume> [flags]

Builds an image layer: applies the items declared in the feature JSON
files to a new btrfs subvolume, and writes layer.json into -output-dir.
`

func compile(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("compile", flag.ExitOnError)
	var (
		subvolumesDir = fset.String("subvolumes-dir",
			"",
			"directory holding the built subvolumes")

		subvolumeRelPath = fset.String("subvolume-rel-path",
			"",
			"where to create the subvolume, relative to -subvolumes-dir")

		childLayerTarget = fset.String("child-layer-target",
			"",
			"the name of the layer target being built, for diagnostics")

		parentLayerJSON = fset.String("parent-layer-json",
			"",
			"layer.json of the parent layer; empty builds from a fresh root")

		yumFromSnapshot = fset.String("yum-from-snapshot",
			"",
			"path to the package-manager driver binary")

		buildAppliance = fset.String("build-appliance",
			"",
			"path to a build-appliance subvolume containing the package-manager driver")

		outputDir = fset.String("output-dir",
			"",
			"directory to write layer.json into")

		featureJSONs  multiFlag
		targetToPaths multiFlag
	)
	fset.Var(&featureJSONs, "child-feature-json",
		"feature JSON file to build into the layer (repeatable)")
	fset.Var(&targetToPaths, "target-to-path",
		"target=path mapping for layer targets referenced by mounts (repeatable)")
	fset.Usage = usage(fset, compileHelp)
	fset.Parse(args)
	for _, name := range []struct{ flag, val string }{
		{"subvolumes-dir", *subvolumesDir},
		{"subvolume-rel-path", *subvolumeRelPath},
		{"output-dir", *outputDir},
	} {
		if name.val == "" {
			return imgr.Invalidf("compile: -%s is required", name.flag)
		}
	}

	targetToPath := map[string]string{}
	for _, kv := range targetToPaths {
		idx := strings.IndexByte(kv, '=')
		if idx == -1 {
			return imgr.Invalidf("-target-to-path %q: want target=path", kv)
		}
		targetToPath[kv[:idx]] = kv[idx+1:]
	}

	items, err := compiler.GenParentLayerItems(*childLayerTarget, *parentLayerJSON, *subvolumesDir)
	if err != nil {
		return err
	}
	loadCfg := compiler.LoadConfig{
		TargetToPath:  targetToPath,
		SubvolumesDir: *subvolumesDir,
	}
	for _, fn := range featureJSONs {
		fromFeature, err := compiler.ItemsFromFeatureJSON(fn, loadCfg)
		if err != nil {
			return err
		}
		items = append(items, fromFeature...)
	}

	od, err := compiler.Compile(ctx, compiler.Args{
		SubvolumesDir:    *subvolumesDir,
		SubvolumeRelPath: *subvolumeRelPath,
		Items:            items,
		Opts: item.LayerOpts{
			LayerTarget:     *childLayerTarget,
			YumFromSnapshot: *yumFromSnapshot,
			BuildAppliance:  *buildAppliance,
		},
	})
	if err != nil {
		return err
	}
	return od.Write(*outputDir)
}
