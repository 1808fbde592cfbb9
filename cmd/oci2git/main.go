// Command oci2git converts an OCI/Docker container image into a Git
// repository that replays its layer history as commits.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Virviil/oci2git/internal/convert"
	"github.com/Virviil/oci2git/internal/source"
	"github.com/Virviil/oci2git/internal/xlog"
)

func usage() {
	fmt.Fprint(os.Stderr,
		`oci2git [options] <IMAGE>

Convert an OCI/Docker container image into a Git repository replaying
its layer history as commits.

  options:

    -o, --output <DIR>           output repository directory (default ./container_repo)
    -e, --engine {docker|nerdctl|tar}   source engine (default docker)
    -v...                        verbosity: repeat for info/debug/trace
    -h, --help                   this help text
`)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("oci2git", flag.ContinueOnError)
	flags.Usage = usage

	var output string
	flags.StringVar(&output, "o", "./container_repo", "output repository directory")
	flags.StringVar(&output, "output", "./container_repo", "output repository directory")

	var engine string
	flags.StringVar(&engine, "e", "docker", "source engine")
	flags.StringVar(&engine, "engine", "docker", "source engine")

	var verbosity countFlag
	flags.Var(&verbosity, "v", "verbosity level")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	argv := flags.Args()
	if len(argv) != 1 {
		usage()
		return 1
	}
	imageRef := argv[0]

	log := xlog.New(int(verbosity))

	src, err := source.New(engine)
	if err != nil {
		log.Errorf("%v", err)
		return 1
	}

	var progress *xlog.LayerProgress
	var reporter convert.Progress
	if verbosity == 0 {
		progress = xlog.NewLayerProgress()
		reporter = progress
	}

	if err := convert.Convert(imageRef, output, src, log, reporter); err != nil {
		if progress != nil {
			progress.Wait()
		}
		fmt.Fprintf(os.Stderr, "oci2git: %+v\n", err)
		return 1
	}
	if progress != nil {
		progress.Wait()
	}
	return 0
}
