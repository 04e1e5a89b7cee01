package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/imgr1/imgr"
	"github.com/imgr1/imgr/internal/subvol"
)

const findBuiltSubvolHelp = `imgr find-built-subvol -subvolumes-dir <dir> <layer-output-dir>

Prints the filesystem path of the subvolume a layer output describes.
`

func findBuiltSubvol(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("find-built-subvol", flag.ExitOnError)
	subvolumesDir := fset.String("subvolumes-dir",
		"",
		"directory holding the built subvolumes")
	fset.Usage = usage(fset, findBuiltSubvolHelp)
	fset.Parse(args)
	if fset.NArg() != 1 {
		return imgr.Invalidf("find-built-subvol: want exactly one layer output dir")
	}
	sv, err := subvol.FindBuiltSubvol(fset.Arg(0), *subvolumesDir)
	if err != nil {
		return err
	}
	// The newline is for shell $() to strip.
	fmt.Fprintln(os.Stdout, sv.Root())
	return nil
}
