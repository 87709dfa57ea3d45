package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/banshee-data/cerebra/internal/fnirs"
	"github.com/banshee-data/cerebra/internal/timeutil"
)

var (
	// ErrEngineClosed is returned by every Engine call after Close.
	ErrEngineClosed = errors.New("engine closed")
	// ErrUnknownSession is returned for a session id that is not open.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionExists is returned when opening a session twice.
	ErrSessionExists = errors.New("session already open")
)

// EngineConfig holds the engine's dependencies.
type EngineConfig struct {
	Pipeline   Config
	Store      Store
	Clock      timeutil.Clock // nil uses the real clock
	Shards     int            // worker goroutines; 0 uses GOMAXPROCS
	QueueDepth int            // pending jobs per shard; 0 uses 64
}

// shard owns a disjoint set of sessions. Only its goroutine touches them.
type shard struct {
	jobs     chan func()
	sessions map[int64]*Session
}

func (sh *shard) run(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case job := <-sh.jobs:
			job()
		case <-stop:
			return
		}
	}
}

// Engine processes many sessions in parallel. Each session is pinned to one
// shard by its id, so frames of a session are handled strictly in the order
// they were submitted and its state is never shared between goroutines.
type Engine struct {
	cfg    Config
	store  Store
	clock  timeutil.Clock
	shards []*shard

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEngine validates the pipeline configuration and starts the shards.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if isNilInterface(cfg.Store) {
		return nil, fmt.Errorf("engine: nil store")
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if isNilInterface(cfg.Clock) {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Shards <= 0 {
		cfg.Shards = runtime.GOMAXPROCS(0)
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}

	e := &Engine{
		cfg:    cfg.Pipeline.withDefaults(),
		store:  cfg.Store,
		clock:  cfg.Clock,
		shards: make([]*shard, cfg.Shards),
		stop:   make(chan struct{}),
	}
	for i := range e.shards {
		sh := &shard{
			jobs:     make(chan func(), cfg.QueueDepth),
			sessions: make(map[int64]*Session),
		}
		e.shards[i] = sh
		e.wg.Add(1)
		go sh.run(e.stop, &e.wg)
	}
	diagf("engine: started %d shards", len(e.shards))
	return e, nil
}

func (e *Engine) shardFor(sessionID int64) *shard {
	n := int64(len(e.shards))
	return e.shards[((sessionID%n)+n)%n]
}

// do runs fn on the session's shard and waits for it. The job may still run
// after ctx is cancelled if it was already queued; its result is discarded.
func (e *Engine) do(ctx context.Context, sessionID int64, fn func(sessions map[int64]*Session) error) error {
	sh := e.shardFor(sessionID)
	done := make(chan error, 1)
	job := func() { done <- fn(sh.sessions) }

	select {
	case <-e.stop:
		return ErrEngineClosed
	default:
	}
	select {
	case sh.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return ErrEngineClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return ErrEngineClosed
	}
}

// OpenSession creates pipeline state for a session. numOptodes of 0 uses
// the configured optode count.
func (e *Engine) OpenSession(ctx context.Context, sessionID int64, numOptodes int) error {
	return e.do(ctx, sessionID, func(sessions map[int64]*Session) error {
		if _, ok := sessions[sessionID]; ok {
			return fmt.Errorf("%w: %d", ErrSessionExists, sessionID)
		}
		cfg := e.cfg
		if numOptodes > 0 {
			cfg.NumOptodes = numOptodes
		}
		s, err := NewSession(sessionID, cfg, e.store, e.clock)
		if err != nil {
			return err
		}
		sessions[sessionID] = s
		return nil
	})
}

// Process routes raw to its session (raw.SessionID) and runs it.
func (e *Engine) Process(ctx context.Context, raw fnirs.RawSample) (Result, error) {
	var res Result
	err := e.do(ctx, raw.SessionID, func(sessions map[int64]*Session) error {
		s, ok := sessions[raw.SessionID]
		if !ok {
			return fnirs.NewFrameError(raw, ErrUnknownSession)
		}
		var err error
		res, err = s.Process(ctx, raw)
		return err
	})
	return res, err
}

// CloseSession closes a session and releases its state.
func (e *Engine) CloseSession(ctx context.Context, sessionID int64) (Summary, error) {
	var sum Summary
	err := e.do(ctx, sessionID, func(sessions map[int64]*Session) error {
		s, ok := sessions[sessionID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownSession, sessionID)
		}
		delete(sessions, sessionID)
		var err error
		sum, err = s.Close(ctx)
		return err
	})
	return sum, err
}

// Summary returns an open session's counters.
func (e *Engine) Summary(ctx context.Context, sessionID int64) (Summary, error) {
	var sum Summary
	err := e.do(ctx, sessionID, func(sessions map[int64]*Session) error {
		s, ok := sessions[sessionID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownSession, sessionID)
		}
		sum = s.Summary()
		return nil
	})
	return sum, err
}

// Close closes every open session, then stops the shards. Summaries are
// returned in session id order.
func (e *Engine) Close(ctx context.Context) ([]Summary, error) {
	select {
	case <-e.stop:
		return nil, ErrEngineClosed
	default:
	}

	var (
		sums []Summary
		errs []error
	)
	for _, sh := range e.shards {
		var ids []int64
		err := e.doShard(ctx, sh, func() {
			for id := range sh.sessions {
				ids = append(ids, id)
			}
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, id := range ids {
			sum, err := e.CloseSession(ctx, id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			sums = append(sums, sum)
		}
	}

	e.closeOnce.Do(func() { close(e.stop) })
	e.wg.Wait()
	diagf("engine: stopped, closed %d sessions", len(sums))

	sort.Slice(sums, func(i, j int) bool { return sums[i].SessionID < sums[j].SessionID })
	return sums, errors.Join(errs...)
}

func (e *Engine) doShard(ctx context.Context, sh *shard, fn func()) error {
	done := make(chan struct{})
	select {
	case sh.jobs <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return ErrEngineClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return ErrEngineClosed
	}
}
