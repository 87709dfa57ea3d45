package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/cerebra/internal/fnirs"
	"github.com/banshee-data/cerebra/internal/fnirs/cleanup"
	"github.com/banshee-data/cerebra/internal/fnirs/detect"
	"github.com/banshee-data/cerebra/internal/fnirs/hemo"
	"github.com/banshee-data/cerebra/internal/fnirs/optics"
	"github.com/banshee-data/cerebra/internal/fnirs/samplebuf"
	"github.com/banshee-data/cerebra/internal/timeutil"
)

// ErrSessionClosed is returned by Process on a session that has been closed.
var ErrSessionClosed = errors.New("session closed")

// Store is the persistence collaborator. Implementations must report a
// preprocessed sample without a raw sample as fnirs.ErrForeignKeyViolation.
type Store interface {
	InsertRawSample(ctx context.Context, sessionID int64, s fnirs.RawSample) (int64, error)
	InsertPreprocessedSample(ctx context.Context, p fnirs.PreprocessedSample) error
	UpdateSessionHemorrhageFlag(ctx context.Context, sessionID int64, flag fnirs.HemorrhageFlag) error
	EndSession(ctx context.Context, sessionID int64, end time.Time) error
	AppendDetectorEvent(ctx context.Context, e fnirs.DetectorEvent) error
}

// isNilInterface checks if an interface value is nil or contains a nil pointer.
func isNilInterface(i interface{}) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// Result describes what Process did with one raw frame.
type Result struct {
	// Raw is the input frame with its persisted SampleID.
	Raw fnirs.RawSample
	// Preprocessed holds the sample written by this call. It is empty for
	// calibration frames, including the one that froze the baseline.
	Preprocessed []fnirs.PreprocessedSample
	// Transitions lists the detector state changes this frame caused.
	Transitions []detect.Transition
	// Verdict is the detector state after the frame.
	Verdict detect.Verdict
	// SCI is the scalp coupling index of the optode, set once the cleanup
	// stage has a full window.
	SCI        *float64
	Deferred   bool
	Calibrated bool // this frame froze the optode's baseline
	Dropped    bool
}

// Summary reports a session's counters.
type Summary struct {
	SessionID             int64
	CapturedFrames        int
	ProcessedFrames       int
	BaselineFrames        int // consumed by baseline calibration
	DeferredFrames        int // awaiting calibration
	DiscardedFrames       int // still uncalibrated at close
	DroppedOutOfOrder     int
	SkippedIllConditioned int
	State                 detect.State
	Flag                  fnirs.HemorrhageFlag
	Closed                bool
}

// optodeState is the per (session, optode) state.
type optodeState struct {
	cal      *optics.Calibrator
	baseline optics.Baseline
	clean    *cleanup.Stage // nil when cleanup is disabled
}

// Session processes the frames of one acquisition session. It is not safe
// for concurrent use.
type Session struct {
	id    int64
	cfg   Config
	store Store
	clock timeutil.Clock

	buffer   *samplebuf.Buffer
	est      *hemo.Estimator
	estErr   error
	detector *detect.Detector
	optodes  map[int]*optodeState

	flag    fnirs.HemorrhageFlag
	summary Summary
	closed  bool
}

// NewSession creates the state for one session. A nil clock uses the real
// clock. An ill-conditioned Beer-Lambert configuration does not fail here;
// each frame that reaches estimation is skipped instead.
func NewSession(id int64, cfg Config, store Store, clock timeutil.Clock) (*Session, error) {
	if isNilInterface(store) {
		return nil, fmt.Errorf("session %d: nil store", id)
	}
	if isNilInterface(clock) {
		clock = timeutil.RealClock{}
	}
	cfg = cfg.withDefaults()

	s := &Session{
		id:       id,
		cfg:      cfg,
		store:    store,
		clock:    clock,
		buffer:   samplebuf.New(cfg.BufferCapacity),
		detector: detect.New(cfg.Detector, cfg.NumOptodes),
		optodes:  make(map[int]*optodeState),
		summary:  Summary{SessionID: id, State: detect.StateBaseline},
	}
	s.est, s.estErr = hemo.NewEstimator(cfg.Pathlengths, cfg.Extinction, cfg.DeterminantTolerance)
	if s.estErr != nil {
		opsf("session %d: hemoglobin estimation disabled: %v", id, s.estErr)
	}
	diagf("session %d: opened optodes=%d buffer=%d calibration=%d", id, cfg.NumOptodes, cfg.BufferCapacity, cfg.CalibrationFrames)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() int64 { return s.id }

func (s *Session) optode(id int) *optodeState {
	o, ok := s.optodes[id]
	if !ok {
		o = &optodeState{cal: optics.NewCalibrator(s.cfg.CalibrationFrames, s.cfg.MinCalibrationFrames)}
		if s.cfg.Cleanup.Enabled {
			o.clean = cleanup.New(s.cfg.Cleanup, s.cfg.SampleRateHz)
		}
		s.optodes[id] = o
	}
	return o
}

// Process runs one raw frame through the pipeline. Out-of-order frames are
// dropped or surfaced per the configured policy without touching any state.
// Frames are deferred while their optode calibrates and never produce
// preprocessed samples. Ill-conditioned and
// storage failures are returned as *fnirs.FrameError.
func (s *Session) Process(ctx context.Context, raw fnirs.RawSample) (Result, error) {
	if s.closed {
		return Result{}, fnirs.NewFrameError(raw, ErrSessionClosed)
	}
	raw.SessionID = s.id

	if err := s.buffer.Check(raw.OptodeID, raw); err != nil {
		if s.cfg.OutOfOrder == PolicyAbort {
			return Result{}, fnirs.NewFrameError(raw, err)
		}
		s.summary.DroppedOutOfOrder++
		opsf("session %d: dropped frame: %v", s.id, err)
		return Result{Raw: raw, Dropped: true, Verdict: s.verdict()}, nil
	}

	id, err := s.store.InsertRawSample(ctx, s.id, raw)
	if err != nil {
		return Result{}, fnirs.NewFrameError(raw, fmt.Errorf("insert raw sample: %w", err))
	}
	raw.SampleID = id
	if err := s.buffer.Push(raw.OptodeID, raw); err != nil {
		return Result{}, fnirs.NewFrameError(raw, err)
	}
	s.summary.CapturedFrames++
	res := Result{Raw: raw}

	o := s.optode(raw.OptodeID)
	if !o.cal.Ready() {
		return s.calibrate(ctx, o, raw, res)
	}

	p, err := s.emit(ctx, o, raw, &res)
	res.Verdict = s.verdict()
	if err != nil {
		return res, err
	}
	res.Preprocessed = append(res.Preprocessed, p)
	return res, nil
}

// calibrate defers raw until the optode's calibration window is full, then
// freezes the baseline. The calibration frames themselves produce no
// preprocessed samples.
func (s *Session) calibrate(ctx context.Context, o *optodeState, raw fnirs.RawSample, res Result) (Result, error) {
	if !o.cal.Observe() {
		s.summary.DeferredFrames++
		tracef("session %d optode %d: calibrating %d/%d", s.id, raw.OptodeID, o.cal.Seen(), o.cal.Window())
		res.Deferred = true
		res.Verdict = s.verdict()
		return res, nil
	}

	window := s.buffer.Window(raw.OptodeID, o.cal.Window())
	baseline, err := o.cal.Freeze(window)
	if err != nil {
		// Only reachable if the buffer is smaller than the window.
		opsf("session %d optode %d: baseline not computed: %v", s.id, raw.OptodeID, err)
		s.summary.DeferredFrames++
		res.Deferred = true
		res.Verdict = s.verdict()
		return res, nil
	}
	o.baseline = baseline
	s.summary.DeferredFrames -= o.cal.Seen() - 1
	s.summary.BaselineFrames += o.cal.Seen()
	res.Calibrated = true
	diagf("session %d optode %d: baseline frozen over %d frames I0=%v", s.id, raw.OptodeID, baseline.Frames, baseline.I0)

	v := s.detector.MarkCalibrated(raw.OptodeID, raw.TimestampMs)
	err = s.apply(ctx, v, &res)
	res.Verdict = s.verdict()
	if err != nil {
		return res, fnirs.NewFrameError(raw, err)
	}
	return res, nil
}

// emit converts one calibrated frame and persists it. The cleanup filters
// and the detector only advance once the row is written.
func (s *Session) emit(ctx context.Context, o *optodeState, raw fnirs.RawSample, res *Result) (fnirs.PreprocessedSample, error) {
	if s.estErr != nil {
		s.summary.SkippedIllConditioned++
		opsf("session %d optode %d frame %d: skipped: %v", s.id, raw.OptodeID, raw.FrameNumber, s.estErr)
		return fnirs.PreprocessedSample{}, fnirs.NewFrameError(raw, s.estErr)
	}
	od := optics.ToOpticalDensity(raw, o.baseline)

	var (
		clean *cleanup.Stage
		out   cleanup.Output
	)
	if o.clean != nil {
		clean = o.clean.Clone()
		out = clean.Apply(od)
		od = out.OD
	}

	hb := s.est.Estimate(od)
	if !finite(hb.HbOShort, hb.HbRShort, hb.HbOLong, hb.HbRLong) {
		s.summary.SkippedIllConditioned++
		opsf("session %d optode %d frame %d: non-finite hemoglobin %+v", s.id, raw.OptodeID, raw.FrameNumber, hb)
		return fnirs.PreprocessedSample{}, fnirs.NewFrameError(raw, fnirs.ErrIllConditionedSystem)
	}

	p := fnirs.PreprocessedSample{
		SampleID:    raw.SampleID,
		SessionID:   s.id,
		OptodeID:    raw.OptodeID,
		FrameNumber: raw.FrameNumber,
		TimestampMs: raw.TimestampMs,
		OD:          od,
		Hb:          hb,
	}
	if err := s.store.InsertPreprocessedSample(ctx, p); err != nil {
		if errors.Is(err, fnirs.ErrForeignKeyViolation) {
			opsf("session %d optode %d frame %d: storage out of sync: %v", s.id, raw.OptodeID, raw.FrameNumber, err)
		}
		return p, fnirs.NewFrameError(raw, fmt.Errorf("insert preprocessed sample: %w", err))
	}
	s.summary.ProcessedFrames++
	if clean != nil {
		o.clean = clean
		if out.SCIReady {
			sci := out.SCI
			res.SCI = &sci
		}
	}

	v := s.detector.EvaluateSample(p)
	tracef("session %d optode %d frame %d: hbo=%.3f hbr=%.3f state=%s class=%s", s.id, raw.OptodeID, raw.FrameNumber, hb.HbOLong, hb.HbRLong, v.State, v.Classification)
	if err := s.apply(ctx, v, res); err != nil {
		return p, fnirs.NewFrameError(raw, err)
	}
	return p, nil
}

// apply persists a verdict: the session flag when it changed and the
// transition event, if any.
func (s *Session) apply(ctx context.Context, v detect.Verdict, res *Result) error {
	if v.Flag != s.flag {
		if err := s.store.UpdateSessionHemorrhageFlag(ctx, s.id, v.Flag); err != nil {
			return fmt.Errorf("update hemorrhage flag: %w", err)
		}
		s.flag = v.Flag
	}
	if v.Transition == nil {
		return nil
	}
	res.Transitions = append(res.Transitions, *v.Transition)
	diagf("session %d: %s -> %s (optode %d at %dms)", s.id, v.Transition.From, v.Transition.To, v.Transition.OptodeID, v.Transition.TimestampMs)
	ev := fnirs.DetectorEvent{
		EventID:     uuid.NewString(),
		SessionID:   s.id,
		OptodeID:    v.Transition.OptodeID,
		FromState:   string(v.Transition.From),
		ToState:     string(v.Transition.To),
		TimestampMs: v.Transition.TimestampMs,
	}
	if err := s.store.AppendDetectorEvent(ctx, ev); err != nil {
		return fmt.Errorf("append detector event: %w", err)
	}
	return nil
}

func (s *Session) verdict() detect.Verdict {
	st := s.detector.State()
	return detect.Verdict{State: st, Flag: st.Flag()}
}

// Close finalizes the detector, discards frames still waiting for
// calibration, releases per-optode state and records the final flag and end
// time. State is released even when the store fails.
func (s *Session) Close(ctx context.Context) (Summary, error) {
	if s.closed {
		return s.Summary(), nil
	}
	s.closed = true
	v := s.detector.Finalize()

	for id, o := range s.optodes {
		if !o.cal.Ready() {
			s.summary.DiscardedFrames += o.cal.Seen()
			diagf("session %d optode %d: discarded %d uncalibrated frames", s.id, id, o.cal.Seen())
		}
		s.buffer.Reset(id)
	}
	s.summary.DeferredFrames = 0
	s.optodes = nil

	var errs []error
	if err := s.store.UpdateSessionHemorrhageFlag(ctx, s.id, v.Flag); err != nil {
		errs = append(errs, fmt.Errorf("final hemorrhage flag: %w", err))
	} else {
		s.flag = v.Flag
	}
	if err := s.store.EndSession(ctx, s.id, s.clock.Now()); err != nil {
		errs = append(errs, fmt.Errorf("end session: %w", err))
	}

	sum := s.Summary()
	diagf("session %d: closed captured=%d baseline=%d processed=%d discarded=%d dropped=%d skipped=%d flag=%s",
		s.id, sum.CapturedFrames, sum.BaselineFrames, sum.ProcessedFrames, sum.DiscardedFrames, sum.DroppedOutOfOrder, sum.SkippedIllConditioned, sum.Flag)
	if err := errors.Join(errs...); err != nil {
		return sum, fmt.Errorf("session %d: %w", s.id, err)
	}
	return sum, nil
}

// Summary returns the session's counters and detector verdict.
func (s *Session) Summary() Summary {
	sum := s.summary
	sum.State = s.detector.State()
	sum.Flag = sum.State.Flag()
	sum.Closed = s.closed
	return sum
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
