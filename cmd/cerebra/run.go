package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/banshee-data/cerebra/internal/config"
	"github.com/banshee-data/cerebra/internal/db"
	"github.com/banshee-data/cerebra/internal/fnirs"
	"github.com/banshee-data/cerebra/internal/fnirs/packet"
	"github.com/banshee-data/cerebra/internal/fnirs/pipeline"
	"github.com/banshee-data/cerebra/internal/fnirs/simulator"
	"github.com/banshee-data/cerebra/internal/monitoring"
	"github.com/banshee-data/cerebra/internal/timeutil"
	"github.com/banshee-data/cerebra/internal/version"
)

var logf = monitoring.Component("run")

// closeTimeout bounds the final session writes after the run is interrupted.
const closeTimeout = 5 * time.Second

type runOptions struct {
	DBPath      string
	ConfigPath  string
	Frames      uint32
	Seed        int64
	StepFrame   uint32
	StepScale   float64
	ReportEvery time.Duration
	Clock       timeutil.Clock
}

func handleRun(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(out)
	var o runOptions
	fs.StringVar(&o.DBPath, "db", defaultDBPath, "Path to the SQLite database")
	fs.StringVar(&o.ConfigPath, "config", "", "Pipeline configuration JSON (built-in defaults when empty)")
	frames := fs.Uint("frames", 0, "Stop after this many frames (0 runs until interrupted)")
	fs.Int64Var(&o.Seed, "seed", 1, "Simulator random seed")
	stepFrame := fs.Uint("step-frame", 0, "Frame at which to scale the 860nm long channel of every optode (0 disables)")
	fs.Float64Var(&o.StepScale, "step-scale", 1.5, "Intensity factor applied from -step-frame on")
	fs.DurationVar(&o.ReportEvery, "report-every", 10*time.Second, "Throughput log interval (0 disables)")
	debug := fs.Bool("debug", false, "Log calibration and detector diagnostics")
	trace := fs.Bool("trace", false, "Log every processed frame")
	if err := fs.Parse(args); err != nil {
		return err
	}
	o.Frames = uint32(*frames)
	o.StepFrame = uint32(*stepFrame)

	setLogStreams(*debug, *trace)
	log.Print(version.String())

	sum, err := runAcquisition(ctx, o)
	if sum.SessionID != 0 {
		printRunSummary(out, sum)
	}
	return err
}

// runAcquisition records one session: simulated packets are assembled into
// frames, processed by the engine and persisted until the simulator stops or
// ctx is cancelled. The session is closed either way.
func runAcquisition(ctx context.Context, o runOptions) (pipeline.Summary, error) {
	cfg := config.DefaultPipelineConfig()
	if o.ConfigPath != "" {
		var err error
		if cfg, err = config.LoadPipelineConfig(o.ConfigPath); err != nil {
			return pipeline.Summary{}, err
		}
	}
	clock := o.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	simCfg := simulator.DefaultConfig()
	simCfg.NumOptodes = cfg.GetNumOptodes()
	simCfg.SampleRateHz = cfg.GetSampleRateHz()
	simCfg.Seed = o.Seed
	simCfg.MaxFrames = o.Frames
	if o.StepFrame > 0 {
		simCfg.Step = &simulator.Step{Optode: -1, Channel: fnirs.Ch860Long, StartFrame: o.StepFrame, Scale: o.StepScale}
	}
	sim, err := simulator.New(simCfg)
	if err != nil {
		return pipeline.Summary{}, err
	}

	store, err := db.NewDB(o.DBPath)
	if err != nil {
		return pipeline.Summary{}, fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	numOptodes := cfg.GetNumOptodes()
	sessionID, err := store.CreateSession(ctx, clock.Now(), cfg.GetSampleRateHz(), numOptodes)
	if err != nil {
		return pipeline.Summary{}, err
	}

	engine, err := pipeline.NewEngine(pipeline.EngineConfig{
		Pipeline: cfg.Pipeline(),
		Store:    store,
		Clock:    clock,
		Shards:   cfg.GetShards(),
	})
	if err != nil {
		return pipeline.Summary{}, err
	}
	if err := engine.OpenSession(ctx, sessionID, numOptodes); err != nil {
		engine.Close(ctx)
		return pipeline.Summary{}, err
	}
	logf("session %d: started rate=%.1fHz optodes=%d db=%s", sessionID, cfg.GetSampleRateHz(), numOptodes, store.Path())

	var tp monitoring.Throughput
	reportCtx, cancelReport := context.WithCancel(ctx)
	defer cancelReport()
	if o.ReportEvery > 0 {
		go tp.Report(reportCtx, clock, o.ReportEvery)
	}

	asm := packet.NewAssembler(packet.AssemblerConfig{
		NumOptodes:   numOptodes,
		StaleTimeout: cfg.GetStaleTimeout(),
		MaxPending:   cfg.GetMaxPendingFrames(),
		Clock:        clock,
	})

	runErr := sim.Run(ctx, clock, func(b []byte) error {
		tp.AddPackets(1)
		before := asm.Dropped()
		frame, err := asm.Add(b)
		tp.AddDropped(int64(asm.Dropped() - before))
		if err != nil {
			tp.AddFailed(1)
			logf("session %d: bad packet: %v", sessionID, err)
			return nil
		}
		if frame == nil {
			return nil
		}
		tp.AddFrames(1)
		return processFrame(ctx, engine, &tp, frame.Samples(sessionID))
	})
	if errors.Is(runErr, context.Canceled) {
		logf("session %d: interrupted", sessionID)
		runErr = nil
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	sum, closeErr := engine.CloseSession(closeCtx, sessionID)
	if _, err := engine.Close(closeCtx); err != nil {
		closeErr = errors.Join(closeErr, err)
	}
	s := tp.Snapshot()
	logf("session %d: closed state=%s flag=%s packets=%d frames=%d processed=%d dropped=%d failed=%d",
		sessionID, sum.State, sum.Flag, s.Packets, s.Frames, s.Processed, s.Dropped, s.Failed)
	return sum, errors.Join(runErr, closeErr)
}

// processFrame submits each optode's sample. A frame-level failure is
// counted and logged. An out-of-order abort, storage that lost the session
// row or a stopped engine ends the run.
func processFrame(ctx context.Context, engine *pipeline.Engine, tp *monitoring.Throughput, samples []fnirs.RawSample) error {
	for _, raw := range samples {
		res, err := engine.Process(ctx, raw)
		switch {
		case errors.Is(err, fnirs.ErrOutOfOrderFrame),
			errors.Is(err, fnirs.ErrForeignKeyViolation),
			errors.Is(err, pipeline.ErrEngineClosed),
			errors.Is(err, context.Canceled):
			return err
		case err != nil:
			tp.AddFailed(1)
			logf("session %d: %v", raw.SessionID, err)
		case res.Dropped:
			tp.AddDropped(1)
		}
		tp.AddProcessed(int64(len(res.Preprocessed)))
		for _, tr := range res.Transitions {
			logf("session %d: optode %d %s -> %s at %dms", raw.SessionID, tr.OptodeID, tr.From, tr.To, tr.TimestampMs)
		}
	}
	return nil
}

func printRunSummary(w io.Writer, s pipeline.Summary) {
	fmt.Fprintf(w, "Session %d\n", s.SessionID)
	fmt.Fprintf(w, "  state:                %s\n", s.State)
	fmt.Fprintf(w, "  hemorrhage detected:  %s\n", s.Flag)
	fmt.Fprintf(w, "  captured frames:      %d\n", s.CapturedFrames)
	fmt.Fprintf(w, "  baseline frames:      %d\n", s.BaselineFrames)
	fmt.Fprintf(w, "  processed frames:     %d\n", s.ProcessedFrames)
	fmt.Fprintf(w, "  discarded (uncalib.): %d\n", s.DiscardedFrames)
	fmt.Fprintf(w, "  dropped out of order: %d\n", s.DroppedOutOfOrder)
	fmt.Fprintf(w, "  skipped ill-cond.:    %d\n", s.SkippedIllConditioned)
}
