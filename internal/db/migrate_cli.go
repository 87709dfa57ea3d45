package db

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"strconv"
	"strings"
)

// ErrAborted is returned when the user declines a forced migration.
var ErrAborted = errors.New("aborted")

// RunMigrateCommand handles the 'migrate' subcommand dispatching. Prompts
// are read from in and results written to out.
func RunMigrateCommand(args []string, dbPath string, in io.Reader, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return fmt.Errorf("missing migrate action")
	}
	action := args[0]
	if action == "help" {
		PrintMigrateHelp(out)
		return nil
	}

	// Open without running migrations; the actions below manage the schema.
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	migrations := MigrationsFS()

	switch action {
	case "up":
		log.Printf("Running migrations...")
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		return printVersion(database, migrations, out)

	case "down":
		log.Printf("Rolling back one migration...")
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		return printVersion(database, migrations, out)

	case "status":
		return printStatus(database, migrations, out)

	case "version":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		if err := database.MigrateTo(migrations, uint(v)); err != nil {
			return err
		}
		return printVersion(database, migrations, out)

	case "force":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "WARNING: forcing migration version to %d\n", v)
		fmt.Fprintln(out, "This should only be used to recover from a dirty migration state.")
		fmt.Fprint(out, "Continue? [y/N]: ")
		response, _ := bufio.NewReader(in).ReadString('\n')
		if r := strings.TrimSpace(response); r != "y" && r != "Y" {
			return ErrAborted
		}
		if err := database.MigrateForce(migrations, v); err != nil {
			return err
		}
		return printVersion(database, migrations, out)

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action: %s", action)
	}
}

func versionArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("usage: cerebra migrate %s <version_number>", args[0])
	}
	v, err := strconv.Atoi(args[1])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid version number: %s", args[1])
	}
	return v, nil
}

func printVersion(database *DB, migrations fs.FS, out io.Writer) error {
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func printStatus(database *DB, migrations fs.FS, out io.Writer) error {
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	latest, err := LatestMigrationVersion(migrations)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "=== Migration Status ===")
	fmt.Fprintf(out, "Current version: %d\n", version)
	fmt.Fprintf(out, "Latest available: %d\n", latest)
	fmt.Fprintf(out, "Dirty: %v\n", dirty)
	switch {
	case dirty:
		fmt.Fprintln(out, "Database is in a dirty state. Inspect it, then run: cerebra migrate force <version>")
	case version < latest:
		fmt.Fprintf(out, "Database is %d version(s) behind. Run: cerebra migrate up\n", latest-version)
	default:
		fmt.Fprintln(out, "Database is up to date.")
	}
	return nil
}

// PrintMigrateHelp displays the help message for the migrate command
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Database Migration Commands

Usage: cerebra migrate [-db <path>] <command> [options]

Commands:
  up              Apply all pending migrations
  down            Rollback one migration
  status          Show current migration status and version
  version <N>     Migrate to specific version N
  force <N>       Force migration version to N (recovery only)
  help            Show this help message
`)
}
