// Command cerebra acquires simulated fNIRS frames, runs them through the
// hemorrhage-detection pipeline and stores every stage in SQLite.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/cerebra/internal/db"
	"github.com/banshee-data/cerebra/internal/fnirs/pipeline"
	"github.com/banshee-data/cerebra/internal/version"
)

const defaultDBPath = "cerebra.db"

func main() {
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, flag.Arg(0), flag.Args()[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Printf("%s: %v", flag.Arg(0), err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, command string, args []string, in io.Reader, out io.Writer) error {
	switch command {
	case "run":
		return handleRun(ctx, args, out)
	case "migrate":
		return handleMigrate(args, in, out)
	case "report":
		return handleReport(ctx, args, out)
	case "serve":
		return handleServe(ctx, args)
	case "version":
		fmt.Fprintln(out, version.String())
		return nil
	case "help":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `cerebra - fNIRS acquisition and hemorrhage detection

Usage: cerebra <command> [options]

Commands:
  run        Simulate an acquisition session and process it
  migrate    Manage database schema migrations
  report     Render a recorded session as PNG and/or HTML
  serve      Serve the debug SQL console, backups and session reports
  version    Show build information
  help       Show this help message

Run 'cerebra <command> -h' for the options of a command.`)
}

func handleMigrate(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dbPath := fs.String("db", defaultDBPath, "Path to the SQLite database")
	fs.SetOutput(out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		db.PrintMigrateHelp(out)
		return nil
	}
	return db.RunMigrateCommand(fs.Args(), *dbPath, in, out)
}

// setLogStreams routes the pipeline's ops stream to stderr and enables the
// diagnostic and per-frame streams on request.
func setLogStreams(debug, trace bool) {
	var diag, tr io.Writer
	if debug {
		diag = os.Stderr
	}
	if trace {
		tr = os.Stderr
	}
	pipeline.SetLogWriters(os.Stderr, diag, tr)
}
