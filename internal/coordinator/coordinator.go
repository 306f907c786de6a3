// Package coordinator implements the orchestrator outside the sandboxes: it
// owns the suites map, the running-suite table, the work queue, and the
// event emitter, decodes every frame a sandbox dispatches, and routes it to
// the registered handlers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cklxx-labs/parallex/internal/errtax"
	"github.com/cklxx-labs/parallex/internal/metrics"
	"github.com/cklxx-labs/parallex/internal/queue"
	"github.com/cklxx-labs/parallex/internal/sandbox"
	"github.com/cklxx-labs/parallex/internal/srcmap"
	"github.com/cklxx-labs/parallex/internal/suite"
	"github.com/cklxx-labs/parallex/internal/wire"
	"github.com/cklxx-labs/parallex/internal/xlog"
)

// Config carries the subset of the loaded run options the coordinator
// itself needs.
type Config struct {
	Parallel  int
	Bail      bool
	TimeoutMS int
	Randomize bool
	Filter    []string
	// Seed fixes the source driving Randomize's shuffle across every suite
	// this coordinator runs; nil means unseeded (time-based) per suite.
	Seed *int64
}

// EventType names one of the four reporter-facing event kinds.
type EventType string

const (
	EventLog    EventType = "log"
	EventStatus EventType = "status"
	EventAction EventType = "action"
	EventError  EventType = "error"
)

// Event is what handlers registered via On receive.
type Event struct {
	Type    EventType
	SuiteID string
	RelPath string
	Frame   wire.Frame
}

// Handler consumes one Event; a panicking handler is caught and logged, not
// allowed to crash the coordinator.
type Handler func(Event)

// CompiledFile is one discovered-and-transpiled suite ready to execute.
// Transpilation itself happens upstream (see internal/bundle for the
// contract and its stand-in).
type CompiledFile struct {
	Code      string
	SourceMap []byte
}

type suiteInfo struct {
	relPath string
}

// Coordinator is the process-wide (per run) orchestrator.
type Coordinator struct {
	cfg      Config
	log      xlog.Logger
	srcIndex *srcmap.Index
	q        *queue.Queue

	// dispatchMu serializes decode-and-route across sandboxes, so handlers
	// observe frames one at a time even with N sandboxes emitting.
	dispatchMu sync.Mutex

	mu            sync.Mutex
	suites        map[string]suiteInfo
	runningSuites map[string]struct{}

	handlersMu sync.RWMutex
	handlers   map[EventType][]Handler

	metrics *metrics.Registry
}

// New constructs a Coordinator. srcIndex and q are owned by the caller but
// exclusively driven by the coordinator from here on.
func New(cfg Config, srcIndex *srcmap.Index, q *queue.Queue) *Coordinator {
	if cfg.Parallel < 1 {
		cfg.Parallel = 1
	}
	return &Coordinator{
		cfg:           cfg,
		log:           xlog.NewComponentLogger("coordinator"),
		srcIndex:      srcIndex,
		q:             q,
		suites:        make(map[string]suiteInfo),
		runningSuites: make(map[string]struct{}),
		handlers:      make(map[EventType][]Handler),
	}
}

// SetMetrics attaches the Registry the coordinator reports queue depth,
// active-sandbox count, suite start/completion/failure and per-type frame
// counts to. A Coordinator with no Registry attached (the default) simply
// skips every metrics call.
func (c *Coordinator) SetMetrics(r *metrics.Registry) {
	c.metrics = r
}

// On registers a handler for one event type.
func (c *Coordinator) On(t EventType, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

func (c *Coordinator) emit(ev Event) {
	c.handlersMu.RLock()
	hs := append([]Handler(nil), c.handlers[ev.Type]...)
	c.handlersMu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("reporter handler panicked for %s: %v", ev.Type, r)
				}
			}()
			h(ev)
		}()
	}
}

// RegisterSuite allocates book-keeping for one suite id: registers its
// source map and marks it running.
func (c *Coordinator) RegisterSuite(suiteID, relPath string, sourceMap []byte) error {
	if err := c.srcIndex.Register(suiteID, sourceMap); err != nil {
		return err
	}
	c.mu.Lock()
	c.suites[suiteID] = suiteInfo{relPath: relPath}
	c.runningSuites[suiteID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Dispatch decodes one frame and routes it: the entry point every sandbox's
// dispatch(buf) callback is bound to. Frames are processed one at a time;
// within a suite they arrive in emission order.
func (c *Coordinator) Dispatch(buf []byte) error {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	frame, err := wire.Decode(buf)
	if err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.ObserveFrame(frame.Type)
	}

	c.mu.Lock()
	info, known := c.suites[frame.Header.SuiteID]
	c.mu.Unlock()
	if !known {
		return &errtax.UnregisteredRunnerError{SuiteID: frame.Header.SuiteID}
	}

	ev := Event{SuiteID: frame.Header.SuiteID, RelPath: info.relPath, Frame: frame}

	switch frame.Type {
	case wire.TypeLog:
		ev.Type = EventLog
		c.emit(ev)
	case wire.TypeStatus:
		ev.Type = EventStatus
		c.emit(ev)
		if frame.Status.Kind == wire.KindSuite && frame.Status.Status == wire.StatusEnd {
			c.completeSuite(frame.Header.SuiteID, false)
		}
	case wire.TypeAction:
		ev.Type = EventAction
		c.emit(ev)
	case wire.TypeError:
		c.completeSuite(frame.Header.SuiteID, true)
		ev.Type = EventError
		c.emit(ev)
	default:
		return &errtax.InvalidSchemaTypeError{Got: buf[0]}
	}
	return nil
}

// completeSuite removes one running-suite entry. It is idempotent: the
// second call for a given suiteID is a no-op, so an END frame racing an
// error path settles the suite exactly once.
func (c *Coordinator) completeSuite(suiteID string, hadError bool) {
	c.mu.Lock()
	if _, ok := c.runningSuites[suiteID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.runningSuites, suiteID)
	bail := c.cfg.Bail
	c.mu.Unlock()

	if hadError && bail {
		c.q.Stop()
		c.q.Clear()
	}
}

// ExecuteSuites runs every compiled file as its own suite under the bounded
// queue and aggregates results the way `Promise.allSettled` does: one
// suite's failure does not prevent the others from starting unless bail is
// set, in which case completeSuite has already stopped and cleared the
// queue by the time later suites would have been picked up.
func (c *Coordinator) ExecuteSuites(ctx context.Context, rootDir string, files map[string]CompiledFile) error {
	c.q.Start(ctx)
	defer func() {
		c.q.Stop()
		c.q.Wait()
	}()

	type outcome struct {
		relPath string
		done    <-chan error
	}
	outcomes := make([]outcome, 0, len(files))

	for relPath, file := range files {
		suiteID := wire.NewID()
		if err := c.RegisterSuite(suiteID, relPath, file.SourceMap); err != nil {
			return fmt.Errorf("register suite %s: %w", relPath, err)
		}

		rp, code, absPath := relPath, file.Code, filepath.Join(rootDir, relPath)
		if c.metrics != nil {
			c.metrics.SuitesStarted.Inc()
		}
		handle := c.q.Enqueue(func(ctx context.Context) error {
			return c.runSuite(ctx, suiteID, rp, absPath, code)
		}, suiteID)
		outcomes = append(outcomes, outcome{relPath: rp, done: handle.Done})
	}
	c.observeQueueDepth()

	var errs []error
	for _, o := range outcomes {
		err := <-o.done
		c.observeQueueDepth()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.relPath, err))
			if c.metrics != nil {
				c.metrics.SuitesFailed.Inc()
			}
		} else if c.metrics != nil {
			c.metrics.SuitesCompleted.Inc()
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (c *Coordinator) observeQueueDepth() {
	if c.metrics != nil {
		c.metrics.QueueDepth.Set(float64(c.q.Size()))
	}
}

// runSuite builds the sandbox for one suite and runs it. absPath is only
// used for diagnostic logging; the bundle is evaluated with
// filename = relPath, not the absolute path.
func (c *Coordinator) runSuite(ctx context.Context, suiteID, relPath, absPath, code string) error {
	rc := suite.RuntimeContext{
		Bail:         c.cfg.Bail,
		Filter:       c.cfg.Filter,
		TimeoutMS:    c.cfg.TimeoutMS,
		Randomize:    c.cfg.Randomize,
		SuiteID:      suiteID,
		RunnerID:     wire.NewID(),
		RelativePath: relPath,
		Seed:         c.cfg.Seed,
	}

	host, err := sandbox.New(rc, func(buf []byte) {
		if dispatchErr := c.Dispatch(buf); dispatchErr != nil {
			c.log.Error("dispatch for suite %s (%s): %v", relPath, absPath, dispatchErr)
		}
	})
	if err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.ActiveSandboxes.Inc()
		defer c.metrics.ActiveSandboxes.Dec()
	}
	return host.Run(ctx, relPath, code)
}
