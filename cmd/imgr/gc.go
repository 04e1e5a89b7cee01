package main

import (
	"context"
	"flag"

	"github.com/imgr1/imgr/internal/gc"
)

const gcHelp = `imgr gc -refcounts-dir <dir> -subvolumes-dir <dir> [flags]

Deletes subvolumes whose refcount files are no longer hardlinked by any
build output. With the -new-subvolume-* flags, also registers the refcount
for a subvolume about to be built.
`

func gcSubvolumes(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("gc", flag.ExitOnError)
	var (
		refcountsDir = fset.String("refcounts-dir",
			"",
			"directory holding the refcount files")

		subvolumesDir = fset.String("subvolumes-dir",
			"",
			"directory holding the built subvolumes")

		newSubvolumeName = fset.String("new-subvolume-name",
			"",
			"name of the subvolume about to be built")

		newSubvolumeVersion = fset.String("new-subvolume-version",
			"",
			"version of the subvolume about to be built")

		newSubvolumeJSON = fset.String("new-subvolume-json",
			"",
			"where to hardlink the new subvolume's refcount file")
	)
	fset.Usage = usage(fset, gcHelp)
	fset.Parse(args)

	return gc.Run(gc.Opts{
		RefcountsDir:        *refcountsDir,
		SubvolumesDir:       *subvolumesDir,
		NewSubvolumeName:    *newSubvolumeName,
		NewSubvolumeVersion: *newSubvolumeVersion,
		NewSubvolumeJSON:    *newSubvolumeJSON,
	})
}
