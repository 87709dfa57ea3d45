package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/cerebra/internal/db"
	"github.com/banshee-data/cerebra/internal/report"
)

type reportOptions struct {
	DBPath     string
	SessionID  int64
	PNGPath    string
	HTMLPath   string
	AssetsHost string
}

func handleReport(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(out)
	var o reportOptions
	fs.StringVar(&o.DBPath, "db", defaultDBPath, "Path to the SQLite database")
	fs.Int64Var(&o.SessionID, "session", 0, "Session id (0 selects the most recent session)")
	fs.StringVar(&o.PNGPath, "png", "", "Write a PNG plot to this path")
	fs.StringVar(&o.HTMLPath, "html", "", "Write an interactive HTML page to this path")
	fs.StringVar(&o.AssetsHost, "assets-host", "", "Base URL for echarts assets in the HTML page")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return writeReport(ctx, o, out)
}

func writeReport(ctx context.Context, o reportOptions, out io.Writer) error {
	store, err := db.OpenDB(o.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.CheckMigrations(db.MigrationsFS()); err != nil {
		return err
	}

	id := o.SessionID
	if id == 0 {
		sessions, err := store.ListSessions(ctx, 1)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			return db.ErrSessionNotFound
		}
		id = sessions[0].ID
	}

	data, err := report.Load(ctx, store, id)
	if err != nil {
		return fmt.Errorf("session %d: %w", id, err)
	}
	printReportSummary(out, data)

	if o.PNGPath != "" {
		if err := data.SavePNG(o.PNGPath); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", o.PNGPath)
	}
	if o.HTMLPath != "" {
		f, err := os.Create(o.HTMLPath)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", o.HTMLPath, err)
		}
		if err := data.RenderHTML(f, o.AssetsHost); err != nil {
			f.Close()
			return fmt.Errorf("failed to render %s: %w", o.HTMLPath, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", o.HTMLPath)
	}
	return nil
}

func printReportSummary(w io.Writer, d *report.Data) {
	s := d.Session
	fmt.Fprintf(w, "Session %d started %s\n", s.ID, s.StartTime.Format("2006-01-02 15:04:05 MST"))
	if s.EndTime != nil {
		fmt.Fprintf(w, "  duration:            %s\n", s.EndTime.Sub(s.StartTime).Round(time.Millisecond))
	} else {
		fmt.Fprintln(w, "  duration:            (open)")
	}
	fmt.Fprintf(w, "  hemorrhage detected: %s\n", s.HemorrhageDetected)
	fmt.Fprintf(w, "  samples:             %d\n", len(d.Samples))
	for _, e := range d.Events {
		fmt.Fprintf(w, "  %8.1fs optode %d %s -> %s\n", float64(e.TimestampMs)/1000, e.OptodeID, e.FromState, e.ToState)
	}
	for _, st := range d.Summary() {
		fmt.Fprintf(w, "  optode %d %-8s mean=%7.3f min=%7.3f max=%7.3f µM\n", st.OptodeID, st.Channel, st.Mean, st.Min, st.Max)
	}
}
