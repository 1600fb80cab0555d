package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

const usage = `designsync keeps a JSON design file in sync with a versioned store.

Usage:
  designsync serve [--config=<path>] [--addr=<addr>]
  designsync init <file> [--config=<path>]
  designsync watch [<file>] [--config=<path>]
  designsync undo [--local] [--config=<path>] [<file>]
  designsync redo [--local] [--config=<path>] [<file>]
  designsync history [--local] [--config=<path>]
  designsync checkpoint <name> [--config=<path>]
  designsync mcp [--config=<path>]
  designsync -h | --help
  designsync --version

Options:
  -h --help        Show this screen.
  --version        Show version.
  --config=<path>  Config file (default: designsync.yaml when present).
  --addr=<addr>    Listen address, overrides http.addr.
  --local          Use the local event log instead of the store.
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], fmt.Sprintf("designsync %s (commit=%s, date=%s)", version, commit, date))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
