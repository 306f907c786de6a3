package suite

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"time"

	"github.com/cklxx-labs/parallex/internal/errtax"
	"github.com/cklxx-labs/parallex/internal/wire"
	"github.com/cklxx-labs/parallex/internal/xlog"
)

// DispatchFunc sends one encoded wire frame out of the sandbox. The sandbox
// host binds this to the coordinator's Dispatch entry point.
type DispatchFunc func(frame []byte)

// RunOptions parameterize a single Run call. RandSource is the injectable
// source behind the randomize shuffle; nil falls back to a fresh time-seeded
// source for each describe whose children are shuffled.
type RunOptions struct {
	RandSource *rand.Rand
}

// SuiteState owns one sandbox's describe/test tree rooted at Root and the
// suite-wide only-mode latch. Exactly one exists per sandbox.
type SuiteState struct {
	ctx      RuntimeContext
	dispatch DispatchFunc
	log      xlog.Logger

	filterRe []*regexp.Regexp

	mu              sync.Mutex
	root            *Describe
	currentDescribe *Describe
	onlyMode        bool
	hasTests        bool
	inTestBody      bool
}

// New constructs a SuiteState for one sandbox invocation.
func New(rc RuntimeContext, dispatch DispatchFunc) (*SuiteState, error) {
	re, err := compileFilter(rc.Filter)
	if err != nil {
		return nil, err
	}
	root := newRootDescribe()
	return &SuiteState{
		ctx:             rc,
		dispatch:        dispatch,
		log:             xlog.NewComponentLogger("suite"),
		filterRe:        re,
		root:            root,
		currentDescribe: root,
	}, nil
}

// Header returns the wire header every frame from this suite carries.
func (s *SuiteState) Header() wire.Header {
	return wire.Header{SuiteID: s.ctx.SuiteID, RunnerID: s.ctx.RunnerID}
}

// OnlyMode reports the current value of the process-wide only-mode latch.
func (s *SuiteState) OnlyMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlyMode
}

// Root exposes the root describe node, primarily for tests asserting on
// tree shape.
func (s *SuiteState) Root() *Describe {
	return s.root
}

// filterMatches reports whether path activates only-mode via the configured
// filter chain. A suite with no filter configured never latches only-mode
// this way, even though matchesFilter treats an empty chain as matching
// everything at run time.
func (s *SuiteState) filterMatches(path []string) bool {
	return len(s.filterRe) > 0 && matchesFilter(path, s.filterRe)
}

// AddDescribe registers a child describe under the currently-active
// describe, runs body inside a scoped acquisition that restores
// currentDescribe on every exit path (including a panic/error from body),
// and returns NestedDescribeInTestError if called while a test is running.
func (s *SuiteState) AddDescribe(description string, body func() error, flags Flags) error {
	s.mu.Lock()
	if s.inTestBody {
		s.mu.Unlock()
		return &errtax.NestedDescribeInTestError{Description: description}
	}
	parent := s.currentDescribe
	child := &Describe{
		Description: description,
		Ancestry:    parent.Path(),
		Flags:       flags,
		parent:      parent,
	}
	parent.Describes = append(parent.Describes, child)

	if flags.Only || s.filterMatches(child.Path()) {
		s.onlyMode = true
	}
	s.currentDescribe = child
	s.mu.Unlock()

	// Scoped acquisition: currentDescribe is restored on every exit path,
	// including body returning an error or panicking.
	defer func() {
		s.mu.Lock()
		s.currentDescribe = parent
		s.mu.Unlock()
	}()

	return body()
}

// AddTest appends a test to the currently-active describe, records its
// ancestry, and derives effectiveSkip/effectiveOnly from the test's own
// options, the ambient describe-chain flags, and the filter chain.
func (s *SuiteState) AddTest(t *Test) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := s.currentDescribe
	t.Ancestry = parent.Path()

	ancestorOnly := false
	ancestorSkip := false
	for d := parent; d != nil; d = d.parent {
		if d.Flags.Only {
			ancestorOnly = true
		}
		if d.Flags.Skip {
			ancestorSkip = true
		}
	}

	path := t.Path()
	if t.Options.Only || ancestorOnly || s.filterMatches(path) {
		t.effectiveOnly = true
		s.onlyMode = true
	}
	t.effectiveSkip = t.Options.Skip || ancestorSkip

	parent.Tests = append(parent.Tests, t)
	s.hasTests = true
	return nil
}

// Run executes the suite tree. On success it emits exactly one
// STATUS=END/SUITE/ancestry=[]/description=''. On any error (including
// EmptySuite, which is reported the same way rather than via an END frame)
// it emits a single ERROR frame and the END frame is never sent.
func (s *SuiteState) Run(ctx context.Context, opts RunOptions) error {
	s.mu.Lock()
	hasTests := s.hasTests
	s.mu.Unlock()

	if !hasTests {
		err := &errtax.EmptySuiteError{}
		s.emitError(err)
		return err
	}

	rc := runContext{
		ctx:        ctx,
		timeoutMS:  s.ctx.TimeoutMS,
		randomize:  s.ctx.Randomize,
		randSource: opts.RandSource,
	}

	if err := s.runDescribe(s.root, rc); err != nil {
		s.emitError(err)
		return err
	}

	s.dispatch(wire.EncodeStatus(wire.StatusFrame{
		Kind:        wire.KindSuite,
		Status:      wire.StatusEnd,
		Ancestry:    `[]`,
		Description: "",
	}, s.Header()))
	return nil
}

type runContext struct {
	ctx        context.Context
	timeoutMS  int
	randomize  bool
	randSource *rand.Rand
}

func (rc runContext) withTimeout(testTimeout *int) int {
	if testTimeout != nil && *testTimeout < rc.timeoutMS {
		return *testTimeout
	}
	return rc.timeoutMS
}

// runDescribe walks one describe: a skip flag short-circuits the whole
// subtree with a single SKIP frame, otherwise children run in the order
// orderedChildren gives (describes before tests, or shuffled).
func (s *SuiteState) runDescribe(d *Describe, rc runContext) error {
	if d.Flags.Skip {
		s.emitDescribeSkip(d)
		return nil
	}

	for _, child := range s.orderedChildren(d, rc) {
		switch c := child.(type) {
		case *Describe:
			if err := s.runDescribe(c, rc); err != nil {
				return err
			}
		case *Test:
			if err := s.runTest(c, rc); err != nil {
				return err
			}
		}
	}
	return nil
}

// orderedChildren returns d's describes and tests as a single ordered
// (and, if randomize is set, shuffled) slice. Describes are ordered before
// tests of the same parent, matching the common case of declaring all
// nested describes before any sibling tests; the whole pool is shuffled
// together when randomize is set.
func (s *SuiteState) orderedChildren(d *Describe, rc runContext) []any {
	out := make([]any, 0, len(d.Describes)+len(d.Tests))
	for _, c := range d.Describes {
		out = append(out, c)
	}
	for _, t := range d.Tests {
		out = append(out, t)
	}
	if rc.randomize && len(out) > 1 {
		r := rc.randSource
		if r == nil {
			r = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out
}

func (s *SuiteState) emitDescribeSkip(d *Describe) {
	ancestry, _ := json.Marshal(d.Ancestry)
	s.dispatch(wire.EncodeStatus(wire.StatusFrame{
		Kind:        wire.KindDescribe,
		Status:      wire.StatusSkip,
		Ancestry:    string(ancestry),
		Description: d.Description,
	}, s.Header()))
}

func (s *SuiteState) runTest(t *Test, rc runContext) error {
	skip := t.effectiveSkip
	if s.OnlyMode() && !t.effectiveOnly {
		skip = true
	}

	ancestry, _ := json.Marshal(t.Ancestry)

	if skip {
		s.dispatch(wire.EncodeStatus(wire.StatusFrame{
			Kind:        wire.KindTest,
			Status:      wire.StatusSkip,
			Ancestry:    string(ancestry),
			Description: t.Description,
		}, s.Header()))
		return nil
	}

	s.dispatch(wire.EncodeStatus(wire.StatusFrame{
		Kind:        wire.KindTest,
		Status:      wire.StatusStart,
		Ancestry:    string(ancestry),
		Description: t.Description,
	}, s.Header()))

	start := time.Now()
	timeoutMS := rc.withTimeout(t.Options.TimeoutMS)
	err := s.runTestBody(rc.ctx, t, timeoutMS)
	duration := elapsedMS(start)

	loc := wire.Location{}
	if t.Location != nil {
		loc = *t.Location
	}

	if err != nil {
		fe := errtax.AsFrameError(err)
		errsJSON, _ := json.Marshal([]errtax.FrameError{fe})
		s.dispatch(wire.EncodeAction(wire.ActionFrame{
			Kind:        wire.KindTest,
			Action:      wire.ActionFailure,
			Ancestry:    string(ancestry),
			Description: t.Description,
			Errors:      string(errsJSON),
			Duration:    duration,
			Location:    loc,
		}, s.Header()))
		return nil
	}

	s.dispatch(wire.EncodeAction(wire.ActionFrame{
		Kind:        wire.KindTest,
		Action:      wire.ActionSuccess,
		Ancestry:    string(ancestry),
		Description: t.Description,
		Errors:      `[]`,
		Duration:    duration,
		Location:    loc,
	}, s.Header()))
	return nil
}

// runTestBody races the test body against its effective timeout. On
// timeout, a *errtax.TimeoutError is returned immediately; the body keeps
// running in the background (cancellation is cooperative, observable
// through ctx) and its eventual result is discarded.
func (s *SuiteState) runTestBody(ctx context.Context, t *Test, timeoutMS int) error {
	s.mu.Lock()
	s.inTestBody = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inTestBody = false
		s.mu.Unlock()
	}()

	runCtx := ctx
	var cancel context.CancelFunc
	if timeoutMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- panicToError(r)
			}
		}()
		done <- t.Body(runCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		if timeoutMS > 0 {
			return &errtax.TimeoutError{TimeoutMS: timeoutMS}
		}
		return runCtx.Err()
	}
}

func (s *SuiteState) emitError(err error) {
	fe := errtax.AsFrameError(err)
	body, _ := json.Marshal(fe)
	s.dispatch(wire.EncodeError(wire.ErrorBody{Error: string(body)}, s.Header()))
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("panic in test body: %v", r)
}
