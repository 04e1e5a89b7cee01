package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	isatty "github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"

	"github.com/imgr1/imgr"
	"golang.org/x/xerrors"
)

var debug = flag.Bool("debug", false, "enable debug mode: log at debug level with call sites")

func funcmain() error {
	flag.Parse()
	if *debug {
		log.SetLevel(log.DebugLevel)
		log.SetReportCaller(true)
	}

	type cmd struct {
		fn func(ctx context.Context, args []string) error
	}
	verbs := map[string]cmd{
		"compile":           {compile},
		"gc":                {gcSubvolumes},
		"find-built-subvol": {findBuiltSubvol},
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "imgr [-flags] <command> [-flags] <args>\n")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "To get help on any command, use imgr <command> -help.\n")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tcompile           - build an image layer from feature JSON files\n")
		fmt.Fprintf(os.Stderr, "\tgc                - garbage collect unreferenced subvolumes\n")
		fmt.Fprintf(os.Stderr, "\tfind-built-subvol - resolve a layer output to its subvolume path\n")
		os.Exit(2)
	}
	verb, args := args[0], args[1:]
	if verb == "help" {
		if len(args) != 1 {
			verb, args = "", nil
		} else {
			verb, args = args[0], []string{"-help"}
		}
	}
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: imgr <command> [options]\n")
		os.Exit(2)
	}
	ctx, canc := imgr.InterruptibleContext()
	defer canc()
	return v.fn(ctx, args)
}

func main() {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{
		ForceColors:            isatty.IsTerminal(os.Stderr.Fd()),
		DisableLevelTruncation: true,
	})
	err := funcmain()
	if cleanupErr := imgr.Cleanup(); cleanupErr != nil {
		log.Printf("cleanup: %v", cleanupErr)
	}
	if err == nil {
		return
	}
	log.Errorf("%v", err)
	// A broken layer description exits 2, machinery failures exit 1, so
	// that wrappers can tell "fix your image" from "retry the build".
	var invalid *imgr.InvalidLayerError
	if xerrors.As(err, &invalid) {
		os.Exit(2)
	}
	os.Exit(1)
}
